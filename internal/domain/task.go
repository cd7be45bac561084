package domain

import (
	"encoding/json"
	"time"
)

// Project is a codebase the work loop can run against.
type Project struct {
	ProjectID       string    `json:"project_id"`
	Name            string    `json:"name"`
	RepoPath        string    `json:"repo_path"`
	WorkLoopEnabled bool      `json:"work_loop_enabled"`
	MaxAgents       int       `json:"max_agents,omitempty"`
	CreatedAt       time.Time `json:"created_at"`
}

// Task is a unit of backlog work. The datastore owns the row; the work loop
// only mutates status, counters and agent linkage fields.
type Task struct {
	TaskID      string     `json:"task_id"`
	ProjectID   string     `json:"project_id"`
	Title       string     `json:"title"`
	Description string     `json:"description,omitempty"`
	Status      TaskStatus `json:"status"`
	Role        Role       `json:"role,omitempty"`
	Priority    int        `json:"priority"`

	RetryCount       int        `json:"retry_count"`
	ConflictAttempts int        `json:"conflict_attempts"`
	TriageCount      int        `json:"triage_count"`
	LastTriageAt     *time.Time `json:"last_triage_at,omitempty"`
	Escalated        bool       `json:"escalated"`

	SessionKey      string     `json:"session_key,omitempty"`
	AgentModel      string     `json:"agent_model,omitempty"`
	AgentStartedAt  *time.Time `json:"agent_started_at,omitempty"`
	AgentLastActive *time.Time `json:"agent_last_active,omitempty"`
	AgentFinishedAt *time.Time `json:"agent_finished_at,omitempty"`
	AgentPreview    string     `json:"agent_preview,omitempty"`
	TokensIn        int64      `json:"tokens_in,omitempty"`
	TokensOut       int64      `json:"tokens_out,omitempty"`
	Branch          string     `json:"branch,omitempty"`
	PRNumber        int        `json:"pr_number,omitempty"`

	CreatedAt   time.Time  `json:"created_at"`
	UpdatedAt   time.Time  `json:"updated_at"`
	CompletedAt *time.Time `json:"completed_at,omitempty"`
}

// HasReviewEvidence reports whether the task points at a branch or pull request.
func (t *Task) HasReviewEvidence() bool {
	return t.Branch != "" || t.PRNumber > 0
}

// AgentFields is the set of agent linkage fields refreshed from transcript data.
type AgentFields struct {
	SessionKey string
	Model      string
	StartedAt  *time.Time
	LastActive *time.Time
	FinishedAt *time.Time
	Preview    string
	TokensIn   int64
	TokensOut  int64
}

// Comment is a note attached to a task.
type Comment struct {
	CommentID string      `json:"comment_id"`
	TaskID    string      `json:"task_id"`
	Author    string      `json:"author"`
	Kind      CommentKind `json:"kind"`
	Body      string      `json:"body"`
	CreatedAt time.Time   `json:"created_at"`
}

// Signal is a blocking question raised by an agent.
type Signal struct {
	SignalID    string     `json:"signal_id"`
	TaskID      string     `json:"task_id"`
	ProjectID   string     `json:"project_id"`
	SessionKey  string     `json:"session_key,omitempty"`
	Question    string     `json:"question"`
	Answer      string     `json:"answer,omitempty"`
	Delivered   bool       `json:"delivered"`
	Resolved    bool       `json:"resolved"`
	CreatedAt   time.Time  `json:"created_at"`
	DeliveredAt *time.Time `json:"delivered_at,omitempty"`
	AnsweredAt  *time.Time `json:"answered_at,omitempty"`
}

// Analysis is a post-mortem request for a finished task.
type Analysis struct {
	AnalysisID string         `json:"analysis_id"`
	TaskID     string         `json:"task_id"`
	ProjectID  string         `json:"project_id"`
	SessionKey string         `json:"session_key,omitempty"`
	Outcome    string         `json:"outcome"` // success or failure
	Status     AnalysisStatus `json:"status"`
	Summary    string         `json:"summary,omitempty"`
	CreatedAt  time.Time      `json:"created_at"`
}

// ActionLogEntry is one audit record written for a work loop decision.
type ActionLogEntry struct {
	EntryID    string          `json:"entry_id"`
	ProjectID  string          `json:"project_id"`
	Cycle      int64           `json:"cycle"`
	Phase      Phase           `json:"phase"`
	Action     string          `json:"action"`
	TaskID     string          `json:"task_id,omitempty"`
	SessionKey string          `json:"session_key,omitempty"`
	Details    json.RawMessage `json:"details,omitempty"`
	DurationMs int64           `json:"duration_ms"`
	CreatedAt  time.Time       `json:"created_at"`
}

// CycleState is the per-project loop position. Persisted for observability only.
type CycleState struct {
	ProjectID    string    `json:"project_id"`
	Cycle        int64     `json:"cycle"`
	Phase        Phase     `json:"phase"`
	ActiveAgents int       `json:"active_agents"`
	MaxAgents    int       `json:"max_agents"`
	UpdatedAt    time.Time `json:"updated_at"`
}
