// Package domain defines the core domain models for the work loop.
package domain

// TaskStatus represents the status of a task in the backlog.
type TaskStatus string

const (
	TaskStatusBacklog    TaskStatus = "backlog"
	TaskStatusReady      TaskStatus = "ready"
	TaskStatusInProgress TaskStatus = "in_progress"
	TaskStatusInReview   TaskStatus = "in_review"
	TaskStatusBlocked    TaskStatus = "blocked"
	TaskStatusDone       TaskStatus = "done"
)

// Valid reports whether s is a known task status.
func (s TaskStatus) Valid() bool {
	switch s {
	case TaskStatusBacklog, TaskStatusReady, TaskStatusInProgress,
		TaskStatusInReview, TaskStatusBlocked, TaskStatusDone:
		return true
	}
	return false
}

// Role is the kind of agent working a task.
type Role string

const (
	RoleDev              Role = "dev"
	RoleFixer            Role = "fixer"
	RoleReviewer         Role = "reviewer"
	RoleConflictResolver Role = "conflict_resolver"
	RoleAnalyzer         Role = "analyzer"
	RolePM               Role = "pm"
)

// IsObserver reports whether agents of this role only look at a task and
// never own its status.
func (r Role) IsObserver() bool {
	return r == RoleReviewer || r == RoleAnalyzer
}

// IsWorker reports whether agents of this role own a task while running
// and are expected to leave branch or PR evidence behind.
func (r Role) IsWorker() bool {
	switch r {
	case RoleDev, RoleFixer, RolePM, "":
		return true
	}
	return false
}

// Phase is one step of a work loop cycle.
type Phase string

const (
	PhaseCleanup Phase = "cleanup"
	PhaseNotify  Phase = "notify"
	PhaseReview  Phase = "review"
	PhaseSignals Phase = "signals"
	PhaseWork    Phase = "work"
	PhaseAnalyze Phase = "analyze"
	PhaseIdle    Phase = "idle"
	PhaseError   Phase = "error"
	// PhaseReconcile tags audit entries written by the reconciler.
	PhaseReconcile Phase = "reconcile"
)

// CommentKind classifies task comments written by the work loop.
type CommentKind string

const (
	CommentKindNote           CommentKind = "note"
	CommentKindReviewFeedback CommentKind = "review_feedback"
	CommentKindTriage         CommentKind = "triage"
	CommentKindAnswer         CommentKind = "answer"
)

// AnalysisStatus tracks post-mortem analyses.
type AnalysisStatus string

const (
	AnalysisStatusPending AnalysisStatus = "pending"
	AnalysisStatusDone    AnalysisStatus = "done"
	AnalysisStatusSkipped AnalysisStatus = "skipped"
)
