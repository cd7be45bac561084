// Package reconcile cross-checks the sessions the datastore believes are
// running against the gateway and the transcripts on disk.
package reconcile

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"github.com/xiaot623/gogo/workloop/internal/agents"
	"github.com/xiaot623/gogo/workloop/internal/config"
	"github.com/xiaot623/gogo/workloop/internal/domain"
	"github.com/xiaot623/gogo/workloop/internal/escalation"
	"github.com/xiaot623/gogo/workloop/internal/gateway"
	"github.com/xiaot623/gogo/workloop/internal/metrics"
	"github.com/xiaot623/gogo/workloop/internal/repository"
	"github.com/xiaot623/gogo/workloop/internal/session"
)

// SessionLister lists sessions active on the gateway.
type SessionLister interface {
	ListSessions(ctx context.Context, activeMinutes int) ([]gateway.SessionInfo, error)
}

// TranscriptReader classifies a session from its transcript.
type TranscriptReader interface {
	Inspect(key string, staleThreshold time.Duration) (session.Snapshot, error)
}

// HandleChecker reports whether the agent manager tracks, or has just
// reaped, an agent for a task. *agents.Manager satisfies it.
type HandleChecker interface {
	HasHandle(taskID string) bool
	IsRecentlyReaped(taskID string, role domain.Role) bool
}

// Summary counts the results of one pass.
type Summary struct {
	Checked   int `json:"checked"`
	Confirmed int `json:"confirmed"`
	Completed int `json:"completed"`
	Requeued  int `json:"requeued"`
	Orphans   int `json:"orphans"`

	// MovedToReview counts tasks whose agent left a branch or pull request.
	MovedToReview int `json:"moved_to_review"`
	// Parked counts tasks moved to backlog at the retry ceiling.
	Parked        int `json:"parked"`

	// GatewayAvailable is false when the session list could not be fetched.
	// Nothing is completed in that case.
	GatewayAvailable bool `json:"gateway_available"`
}

// Reconciler corrects drift between the datastore and the live sessions.
type Reconciler struct {
	store   store.Store
	handles HandleChecker
	gw      SessionLister
	reader  TranscriptReader
	cfg     config.ReconcileConfig
	metrics *metrics.Recorder
	now     func() time.Time
	logger  zerolog.Logger

	maxRetries int
}

// New creates a Reconciler.
func New(s store.Store, handles HandleChecker, gw SessionLister, reader TranscriptReader, cfg config.ReconcileConfig, rec *metrics.Recorder, logger zerolog.Logger) *Reconciler {
	return &Reconciler{
		store:   s,
		handles: handles,
		gw:      gw,
		reader:  reader,
		cfg:     cfg,
		metrics: rec,
		now:     time.Now,
		logger:  logger.With().Str("component", "reconciler").Logger(),

		maxRetries: defaultMaxRetries,
	}
}

// WithClock replaces the time source.
func (r *Reconciler) WithClock(now func() time.Time) *Reconciler {
	r.now = now
	return r
}

// WithRetryLimit sets the retry ceiling for tasks whose untracked agent ended
// without a branch or pull request. n <= 0 keeps the default.
func (r *Reconciler) WithRetryLimit(n int) *Reconciler {
	if n > 0 {
		r.maxRetries = n
	}
	return r
}

// Run reconciles once with the startup threshold, then on every tick until
// ctx is cancelled.
func (r *Reconciler) Run(ctx context.Context) {
	interval := r.cfg.Interval()
	if interval <= 0 {
		interval = 5 * time.Minute
	}
	r.pass(ctx, r.cfg.StartupStaleThreshold())

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			r.pass(ctx, r.cfg.StaleThreshold())
		}
	}
}

func (r *Reconciler) pass(ctx context.Context, staleThreshold time.Duration) {
	sum, err := r.Reconcile(ctx, staleThreshold)
	if err != nil {
		r.logger.Warn().Err(err).Msg("reconcile pass failed")
		return
	}
	r.logger.Info().
		Int("checked", sum.Checked).
		Int("confirmed", sum.Confirmed).
		Int("completed", sum.Completed).
		Int("orphans", sum.Orphans).
		Bool("gateway_available", sum.GatewayAvailable).
		Msg("reconcile pass complete")
}

// Reconcile checks every believed-active task once. A session is live when
// the manager holds a handle for it, the gateway lists it, or its transcript
// is still being written. Sessions that are none of these are marked
// finished; sessions with no trace anywhere are reported as orphans.
func (r *Reconciler) Reconcile(ctx context.Context, staleThreshold time.Duration) (Summary, error) {
	var sum Summary
	tasks, err := r.store.ListBelievedActiveTasks(ctx)
	if err != nil {
		return sum, fmt.Errorf("list believed-active tasks: %w", err)
	}
	if len(tasks) == 0 {
		sum.GatewayAvailable = true
		return sum, nil
	}

	live := make(map[string]bool)
	window := r.cfg.ListWindowMinutes
	if window <= 0 {
		window = 120
	}
	sessions, err := r.gw.ListSessions(ctx, window)
	if err != nil {
		r.logger.Warn().Err(err).Msg("gateway session list unavailable")
	} else {
		sum.GatewayAvailable = true
		for _, s := range sessions {
			live[s.Key] = true
		}
	}

	for i := range tasks {
		t := &tasks[i]
		sum.Checked++
		log := r.logger.With().Str("task_id", t.TaskID).Str("session_key", t.SessionKey).Logger()

		key, err := agents.ParseSessionKey(t.SessionKey)
		if err != nil {
			sum.Orphans++
			log.Error().Err(err).Msg("task references a malformed session key")
			continue
		}
		if key.ProjectID != t.ProjectID || !strings.HasPrefix(t.TaskID, key.TaskPrefix) {
			sum.Orphans++
			log.Error().Str("project_id", t.ProjectID).Msg("session key belongs to a different task")
			continue
		}

		if r.handles != nil && r.handles.HasHandle(t.TaskID) {
			sum.Confirmed++
			continue
		}
		if r.handles != nil && r.handles.IsRecentlyReaped(t.TaskID, "") {
			// The work loop is recording this outcome itself.
			continue
		}
		if live[t.SessionKey] {
			sum.Confirmed++
			continue
		}
		snap, err := r.reader.Inspect(t.SessionKey, staleThreshold)
		if err != nil {
			log.Warn().Err(err).Msg("inspect transcript failed")
			continue
		}
		if snap.State == session.StateActive {
			sum.Confirmed++
			continue
		}
		if !snap.Found() {
			sum.Orphans++
			log.Error().Msg("session has no handle, gateway session or transcript")
			continue
		}
		if !sum.GatewayAvailable {
			continue
		}

		disposition, err := r.complete(ctx, t, snap)
		if err != nil {
			return sum, err
		}
		sum.Completed++
		switch disposition {
		case dispositionReview:
			sum.MovedToReview++
		case dispositionRequeued:
			sum.Requeued++
		case dispositionParked:
			sum.Parked++
		}
		log.Info().Str("state", string(snap.State)).Str("disposition", disposition).Msg("marked untracked session finished")
	}

	r.metrics.AddReconcile("confirmed", sum.Confirmed)
	r.metrics.AddReconcile("completed", sum.Completed)
	r.metrics.AddReconcile("moved_to_review", sum.MovedToReview)
	r.metrics.AddReconcile("parked", sum.Parked)
	r.metrics.AddReconcile("orphan", sum.Orphans)
	return sum, nil
}

const defaultMaxRetries = 3

// Task dispositions after an untracked session ended.
const (
	dispositionNone     = ""
	dispositionReview   = "moved_to_review"
	dispositionRequeued = "requeued"
	dispositionParked   = "parked"
)

// complete marks the session finished. A task still in progress has nobody
// working it any more: with a branch or pull request it goes to review,
// otherwise it spends a retry like any agent that left no evidence.
func (r *Reconciler) complete(ctx context.Context, t *domain.Task, snap session.Snapshot) (string, error) {
	finishedAt := snap.ModTime
	if finishedAt.IsZero() {
		finishedAt = r.now()
	}
	if err := r.store.MarkAgentFinished(ctx, t.TaskID, finishedAt); err != nil {
		return dispositionNone, fmt.Errorf("mark agent finished for %s: %w", t.TaskID, err)
	}

	disposition := dispositionNone
	retries := t.RetryCount
	if t.Status == domain.TaskStatusInProgress {
		var err error
		disposition, retries, err = r.settle(ctx, t, snap)
		if err != nil {
			return dispositionNone, err
		}
	}

	detail, _ := json.Marshal(map[string]interface{}{
		"state":       snap.State,
		"disposition": disposition,
		"from":        t.Status,
		"retry_count": retries,
	})
	err := r.store.LogAction(ctx, &domain.ActionLogEntry{
		ProjectID:  t.ProjectID,
		Phase:      domain.PhaseReconcile,
		Action:     "session_completed",
		TaskID:     t.TaskID,
		SessionKey: t.SessionKey,
		Details:    detail,
		CreatedAt:  r.now(),
	})
	if err != nil {
		r.logger.Warn().Err(err).Str("task_id", t.TaskID).Msg("audit log write failed")
	}
	return disposition, nil
}

func (r *Reconciler) settle(ctx context.Context, t *domain.Task, snap session.Snapshot) (string, int, error) {
	if t.HasReviewEvidence() {
		if err := r.store.UpdateTaskStatus(ctx, t.TaskID, domain.TaskStatusInReview); err != nil {
			return dispositionNone, t.RetryCount, fmt.Errorf("move %s to review: %w", t.TaskID, err)
		}
		r.note(ctx, t, fmt.Sprintf("Agent session %s ended while untracked (%s); moved to review.", t.SessionKey, snap.State))
		return dispositionReview, t.RetryCount, nil
	}

	n, err := r.store.IncrementRetryCount(ctx, t.TaskID)
	if err != nil {
		return dispositionNone, t.RetryCount, fmt.Errorf("increment retry count for %s: %w", t.TaskID, err)
	}

	disposition := dispositionRequeued
	p := escalation.Policy{Max: r.maxRetries}
	requeue := func(ctx context.Context) error {
		if err := r.store.UpdateTaskStatus(ctx, t.TaskID, domain.TaskStatusReady); err != nil {
			return fmt.Errorf("requeue %s: %w", t.TaskID, err)
		}
		r.note(ctx, t, fmt.Sprintf("Agent session %s ended while untracked (%s); requeued.", t.SessionKey, snap.State))
		return nil
	}
	park := func(ctx context.Context) error {
		if err := r.store.UpdateTaskStatus(ctx, t.TaskID, domain.TaskStatusBacklog); err != nil {
			return fmt.Errorf("park %s: %w", t.TaskID, err)
		}
		disposition = dispositionParked
		r.note(ctx, t, fmt.Sprintf("Moved to backlog: agent finished %d times without leaving a branch or pull request.", n))
		return nil
	}
	// n counts this ending; the ceiling is on retries already spent.
	if _, err := p.Run(ctx, n-1, requeue, park); err != nil {
		return dispositionNone, n, err
	}
	return disposition, n, nil
}

func (r *Reconciler) note(ctx context.Context, t *domain.Task, body string) {
	err := r.store.AddComment(ctx, &domain.Comment{
		TaskID: t.TaskID,
		Author: "reconciler",
		Kind:   domain.CommentKindNote,
		Body:   body,
	})
	if err != nil {
		r.logger.Warn().Err(err).Str("task_id", t.TaskID).Msg("add comment failed")
	}
}
