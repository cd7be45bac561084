// Package store defines the datastore interface used by the work loop and
// its SQLite implementation.
package store

import (
	"context"
	"time"

	"github.com/xiaot623/gogo/workloop/internal/domain"
)

// Store is the system of record consumed by the work loop. It is deliberately
// narrow: only the queries and mutations the orchestration core performs.
type Store interface {
	// Project operations
	UpsertProject(ctx context.Context, project *domain.Project) error
	GetProject(ctx context.Context, projectID string) (*domain.Project, error)
	ListProjects(ctx context.Context) ([]domain.Project, error)
	SetWorkLoopEnabled(ctx context.Context, projectID string, enabled bool) error

	// Task operations
	CreateTask(ctx context.Context, task *domain.Task) error
	GetTask(ctx context.Context, taskID string) (*domain.Task, error)
	ListTasksByStatus(ctx context.Context, projectID string, status domain.TaskStatus) ([]domain.Task, error)
	ClaimTask(ctx context.Context, taskID string, from, to domain.TaskStatus) (bool, error)
	UpdateTaskStatus(ctx context.Context, taskID string, status domain.TaskStatus) error
	SetTaskRole(ctx context.Context, taskID string, role domain.Role) error
	AppendTaskDescription(ctx context.Context, taskID, text string) error
	UpdateTaskAgent(ctx context.Context, taskID string, fields domain.AgentFields) error
	UpdateTaskActivity(ctx context.Context, taskID string, lastActive time.Time, preview string, tokensIn, tokensOut int64) error
	MarkAgentFinished(ctx context.Context, taskID string, finishedAt time.Time) error
	IncrementRetryCount(ctx context.Context, taskID string) (int, error)
	IncrementConflictAttempts(ctx context.Context, taskID string) (int, error)
	RecordTriage(ctx context.Context, taskID string, at time.Time) (int, error)
	SetEscalated(ctx context.Context, taskID string) error
	ResetTriage(ctx context.Context, taskID string) error
	ListBelievedActiveTasks(ctx context.Context) ([]domain.Task, error)
	ListAnalysisCandidates(ctx context.Context, projectID string, since time.Time, limit int) ([]domain.Task, error)

	// Comment operations
	AddComment(ctx context.Context, comment *domain.Comment) error
	ListComments(ctx context.Context, taskID string) ([]domain.Comment, error)

	// Signal operations
	CreateSignal(ctx context.Context, signal *domain.Signal) error
	ListUndeliveredSignals(ctx context.Context, projectID string) ([]domain.Signal, error)
	MarkSignalsDelivered(ctx context.Context, signalIDs []string, at time.Time) error
	AnswerSignal(ctx context.Context, signalID, answer string, at time.Time) error
	ListAnsweredSignals(ctx context.Context, projectID string) ([]domain.Signal, error)
	ResolveSignal(ctx context.Context, signalID string) error

	// Audit log operations
	LogAction(ctx context.Context, entry *domain.ActionLogEntry) error
	ListActions(ctx context.Context, projectID string, limit int) ([]domain.ActionLogEntry, error)

	// Cycle state operations
	SaveCycleState(ctx context.Context, state *domain.CycleState) error
	GetCycleState(ctx context.Context, projectID string) (*domain.CycleState, error)
	ListCycleStates(ctx context.Context) ([]domain.CycleState, error)

	// Analysis operations
	CreateAnalysis(ctx context.Context, analysis *domain.Analysis) error
	CompleteAnalysis(ctx context.Context, taskID, sessionKey, summary string) error

	// Lifecycle
	Close() error
}
