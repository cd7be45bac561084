package workloop

import (
	"context"
	"errors"
	"fmt"

	"github.com/xiaot623/gogo/workloop/internal/agents"
	"github.com/xiaot623/gogo/workloop/internal/domain"
	"github.com/xiaot623/gogo/workloop/internal/escalation"
	"github.com/xiaot623/gogo/workloop/internal/vcs"
)

const defaultMaxRetries = 3

// cleanup reaps this project's finished and stale agents and routes each
// outcome to the task's next status.
func (l *Loop) cleanup(ctx context.Context, c *cycle) (int, error) {
	res, err := l.agents.ReapFinished(ctx, agents.ReapOptions{
		ProjectID:      c.project.ProjectID,
		StaleThreshold: l.cfg.StaleTaskThreshold(),
	})
	if err != nil {
		return 0, fmt.Errorf("reap agents: %w", err)
	}

	for _, u := range res.Updates {
		err := l.store.UpdateTaskActivity(ctx, u.TaskID, u.LastActive, u.Preview, u.Usage.InputTokens, u.Usage.OutputTokens)
		if err != nil {
			c.log.Warn().Err(err).Str("task_id", u.TaskID).Msg("update activity failed")
		}
	}

	actions := 0
	var errs []error
	for _, o := range res.Outcomes {
		l.metrics.IncReap(reapResult(o))
		if err := l.handleOutcome(ctx, c, o); err != nil {
			c.log.Error().Err(err).Str("task_id", o.TaskID).Str("session_key", o.SessionKey).Msg("handle outcome failed")
			errs = append(errs, err)
			continue
		}
		actions++
	}
	return actions, errors.Join(errs...)
}

func reapResult(o agents.Outcome) string {
	switch {
	case o.Stale:
		return "stale"
	case o.NoTranscript:
		return "no_transcript"
	case o.Success:
		return "success"
	default:
		return "failed"
	}
}

func (l *Loop) handleOutcome(ctx context.Context, c *cycle, o agents.Outcome) error {
	details := map[string]interface{}{
		"role":          o.Role,
		"success":       o.Success,
		"stale":         o.Stale,
		"no_transcript": o.NoTranscript,
	}
	if o.Err != nil {
		details["error"] = o.Err.Error()
	}
	if o.Usage != nil {
		details["tokens_total"] = o.Usage.TotalTokens
		details["cost"] = o.Usage.Cost
	}
	l.audit(ctx, c, "agent_reaped", o.TaskID, o.SessionKey, details, o.Duration)

	if o.Role == domain.RoleAnalyzer {
		if err := l.store.CompleteAnalysis(ctx, o.TaskID, o.SessionKey, o.Reply); err != nil {
			return fmt.Errorf("complete analysis: %w", err)
		}
		l.audit(ctx, c, "analysis_complete", o.TaskID, o.SessionKey, nil, 0)
		return nil
	}

	if err := l.recordAgentFields(ctx, o); err != nil {
		return err
	}

	// Re-read: a human or another agent may have moved the task meanwhile.
	task, err := l.store.GetTask(ctx, o.TaskID)
	if err != nil {
		return fmt.Errorf("get task: %w", err)
	}
	if task == nil {
		c.log.Error().Str("task_id", o.TaskID).Str("session_key", o.SessionKey).Msg("reaped agent references a missing task")
		return nil
	}

	switch {
	case o.Role == domain.RoleReviewer:
		return l.afterReview(ctx, c, task, o)
	case o.Role == domain.RoleConflictResolver:
		// The review phase re-checks mergeability next cycle.
		return nil
	case o.Role.IsObserver():
		return nil
	}

	if task.Status != domain.TaskStatusInProgress {
		c.log.Info().Str("task_id", task.TaskID).Str("status", string(task.Status)).Msg("task moved while agent ran, leaving it")
		return nil
	}

	if o.Stale {
		if err := l.store.UpdateTaskStatus(ctx, task.TaskID, domain.TaskStatusReady); err != nil {
			return fmt.Errorf("requeue stale task: %w", err)
		}
		l.audit(ctx, c, "requeue_stale", task.TaskID, o.SessionKey, nil, 0)
		return nil
	}

	if task.HasReviewEvidence() {
		if err := l.store.UpdateTaskStatus(ctx, task.TaskID, domain.TaskStatusInReview); err != nil {
			return fmt.Errorf("move to review: %w", err)
		}
		l.audit(ctx, c, "moved_to_review", task.TaskID, o.SessionKey, map[string]interface{}{
			"branch":    task.Branch,
			"pr_number": task.PRNumber,
		}, 0)
		return nil
	}

	return l.retryWithoutEvidence(ctx, c, task, o)
}

// recordAgentFields copies transcript data from the outcome onto the task.
func (l *Loop) recordAgentFields(ctx context.Context, o agents.Outcome) error {
	startedAt, finishedAt := o.StartedAt, o.FinishedAt
	fields := domain.AgentFields{
		SessionKey: o.SessionKey,
		Model:      o.Model,
		StartedAt:  &startedAt,
		LastActive: &finishedAt,
		FinishedAt: &finishedAt,
		Preview:    o.Reply,
	}
	if o.Usage != nil {
		fields.TokensIn = o.Usage.InputTokens
		fields.TokensOut = o.Usage.OutputTokens
	}
	if err := l.store.UpdateTaskAgent(ctx, o.TaskID, fields); err != nil {
		return fmt.Errorf("record agent fields: %w", err)
	}
	return nil
}

// retryWithoutEvidence requeues a task whose agent finished without a branch
// or PR, or parks it in the backlog once the retry ceiling is exceeded.
func (l *Loop) retryWithoutEvidence(ctx context.Context, c *cycle, task *domain.Task, o agents.Outcome) error {
	n, err := l.store.IncrementRetryCount(ctx, task.TaskID)
	if err != nil {
		return fmt.Errorf("increment retry count: %w", err)
	}
	task.RetryCount = n

	limit := l.cfg.MaxRetries
	if limit <= 0 {
		limit = defaultMaxRetries
	}
	p := escalation.Policy{Max: limit}

	requeue := func(ctx context.Context) error {
		if err := l.store.UpdateTaskStatus(ctx, task.TaskID, domain.TaskStatusReady); err != nil {
			return fmt.Errorf("requeue task: %w", err)
		}
		l.audit(ctx, c, "requeue_no_evidence", task.TaskID, o.SessionKey, map[string]interface{}{
			"retry_count": n,
			"remaining":   p.Remaining(n),
		}, 0)
		return nil
	}
	park := func(ctx context.Context) error {
		if err := l.store.UpdateTaskStatus(ctx, task.TaskID, domain.TaskStatusBacklog); err != nil {
			return fmt.Errorf("move to backlog: %w", err)
		}
		task.Status = domain.TaskStatusBacklog
		reason := fmt.Sprintf("agent finished %d times without leaving a branch or pull request", n)
		l.comment(ctx, c, task.TaskID, domain.CommentKindNote, "Moved to backlog: "+reason+".")
		l.audit(ctx, c, "retry_limit_reached", task.TaskID, o.SessionKey, map[string]interface{}{
			"retry_count": n,
		}, 0)
		if _, err := l.triage(ctx, c, task, reason); err != nil {
			c.log.Warn().Err(err).Str("task_id", task.TaskID).Msg("triage failed")
		}
		return nil
	}

	// n counts this failure; the ceiling is on retries already spent.
	_, err = p.Run(ctx, n-1, requeue, park)
	return err
}

// afterReview turns reviewer feedback into a fixer task when the reviewer
// did not merge.
func (l *Loop) afterReview(ctx context.Context, c *cycle, task *domain.Task, o agents.Outcome) error {
	if task.Status != domain.TaskStatusInReview || o.Stale || o.NoTranscript {
		return nil
	}
	if l.review != nil {
		pr, err := l.review.FindPullRequest(ctx, c.project.RepoPath, task.Branch, task.PRNumber)
		if err != nil {
			c.log.Warn().Err(err).Str("task_id", task.TaskID).Msg("pull request lookup failed")
		} else if pr != nil && pr.State == vcs.StateMerged {
			return l.markMerged(ctx, c, task, pr)
		}
	}

	feedback := o.Reply
	if feedback == "" {
		feedback = "Reviewer finished without merging and left no feedback."
	}
	l.comment(ctx, c, task.TaskID, domain.CommentKindReviewFeedback, feedback)
	if err := l.store.SetTaskRole(ctx, task.TaskID, domain.RoleFixer); err != nil {
		return fmt.Errorf("set fixer role: %w", err)
	}
	if err := l.store.UpdateTaskStatus(ctx, task.TaskID, domain.TaskStatusReady); err != nil {
		return fmt.Errorf("requeue for fixes: %w", err)
	}
	l.audit(ctx, c, "review_feedback", task.TaskID, o.SessionKey, nil, 0)
	return nil
}
