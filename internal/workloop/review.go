package workloop

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/xiaot623/gogo/workloop/internal/domain"
	"github.com/xiaot623/gogo/workloop/internal/escalation"
	"github.com/xiaot623/gogo/workloop/internal/vcs"
)

const defaultConflictRetries = 3

// reviewPhase advances in-review tasks from their pull request state, then
// triages blocked tasks.
func (l *Loop) reviewPhase(ctx context.Context, c *cycle) (int, error) {
	tasks, err := l.store.ListTasksByStatus(ctx, c.project.ProjectID, domain.TaskStatusInReview)
	if err != nil {
		return 0, fmt.Errorf("list in-review tasks: %w", err)
	}

	actions := 0
	var errs []error
	for i := range tasks {
		t := &tasks[i]
		if l.agents.HasHandle(t.TaskID) {
			continue
		}
		// A failed spawn must not hold back merged or closed detection for
		// the tasks after it.
		n, err := l.reviewTask(ctx, c, t)
		actions += n
		if err != nil {
			c.log.Error().Err(err).Str("task_id", t.TaskID).Msg("review task failed")
			errs = append(errs, err)
		}
	}

	n, err := l.triageBlocked(ctx, c)
	errs = append(errs, err)
	return actions + n, errors.Join(errs...)
}

func (l *Loop) reviewTask(ctx context.Context, c *cycle, t *domain.Task) (int, error) {
	actions := 0
	if l.cfg.StaleReviewThreshold() > 0 && l.now().Sub(t.UpdatedAt) > l.cfg.StaleReviewThreshold() {
		reason := fmt.Sprintf("in review for %s without progress", l.now().Sub(t.UpdatedAt).Round(time.Second))
		acted, err := l.triage(ctx, c, t, reason)
		if err != nil {
			c.log.Warn().Err(err).Str("task_id", t.TaskID).Msg("stale review triage failed")
		} else if acted {
			actions++
		}
	}

	if l.review == nil {
		return actions, nil
	}
	pr, err := l.review.FindPullRequest(ctx, c.project.RepoPath, t.Branch, t.PRNumber)
	if err != nil {
		c.log.Warn().Err(err).Str("task_id", t.TaskID).Msg("pull request lookup failed")
		return actions, nil
	}
	if pr == nil {
		c.log.Debug().Str("task_id", t.TaskID).Msg("no pull request found")
		return actions, nil
	}

	switch {
	case pr.State == vcs.StateMerged:
		return actions + 1, l.markMerged(ctx, c, t, pr)

	case pr.State == vcs.StateClosed:
		if err := l.store.UpdateTaskStatus(ctx, t.TaskID, domain.TaskStatusBlocked); err != nil {
			return actions, fmt.Errorf("block closed task: %w", err)
		}
		t.Status = domain.TaskStatusBlocked
		l.comment(ctx, c, t.TaskID, domain.CommentKindNote, fmt.Sprintf("Pull request #%d was closed without merging.", pr.Number))
		l.audit(ctx, c, "pr_closed", t.TaskID, "", map[string]interface{}{"pr_number": pr.Number}, 0)
		if _, err := l.triage(ctx, c, t, fmt.Sprintf("pull request #%d closed without merge", pr.Number)); err != nil {
			c.log.Warn().Err(err).Str("task_id", t.TaskID).Msg("triage failed")
		}
		return actions + 1, nil

	case pr.Conflicted():
		n, err := l.resolveConflict(ctx, c, t, pr)
		return actions + n, err

	default:
		ok, err := l.canSpawn(ctx, c, t, domain.RoleReviewer)
		if err != nil || !ok {
			return actions, err
		}
		_, err = l.startAgent(ctx, c, spawnRequest{
			task:   t,
			role:   domain.RoleReviewer,
			prompt: reviewerPrompt(c.project, t, pr),
			track:  true,
		})
		if err != nil {
			if isSkip(err) {
				return actions, nil
			}
			l.audit(ctx, c, "spawn_failed", t.TaskID, "", map[string]interface{}{
				"role":  domain.RoleReviewer,
				"error": err.Error(),
			}, 0)
			return actions, fmt.Errorf("spawn reviewer for %s: %w", t.TaskID, err)
		}
		return actions + 1, nil
	}
}

func (l *Loop) markMerged(ctx context.Context, c *cycle, t *domain.Task, pr *vcs.PullRequest) error {
	if err := l.store.UpdateTaskStatus(ctx, t.TaskID, domain.TaskStatusDone); err != nil {
		return fmt.Errorf("mark merged task done: %w", err)
	}
	l.audit(ctx, c, "pr_merged", t.TaskID, "", map[string]interface{}{
		"pr_number": pr.Number,
		"url":       pr.URL,
	}, 0)
	return nil
}

// resolveConflict spawns a conflict resolver while attempts remain, then
// blocks the task and hands it to triage.
func (l *Loop) resolveConflict(ctx context.Context, c *cycle, t *domain.Task, pr *vcs.PullRequest) (int, error) {
	limit := l.cfg.MaxConflictRetries
	if limit <= 0 {
		limit = defaultConflictRetries
	}
	p := escalation.Policy{Max: limit}

	acted := false
	attempt := func(ctx context.Context) error {
		ok, err := l.canSpawn(ctx, c, t, domain.RoleConflictResolver)
		if err != nil || !ok {
			return err
		}
		h, err := l.startAgent(ctx, c, spawnRequest{
			task:   t,
			role:   domain.RoleConflictResolver,
			prompt: conflictPrompt(c.project, t, pr, t.ConflictAttempts+1, limit),
			track:  true,
		})
		if err != nil {
			if isSkip(err) {
				return nil
			}
			l.audit(ctx, c, "spawn_failed", t.TaskID, "", map[string]interface{}{
				"role":  domain.RoleConflictResolver,
				"error": err.Error(),
			}, 0)
			return fmt.Errorf("spawn conflict resolver for %s: %w", t.TaskID, err)
		}
		n, err := l.store.IncrementConflictAttempts(ctx, t.TaskID)
		if err != nil {
			return fmt.Errorf("increment conflict attempts: %w", err)
		}
		l.audit(ctx, c, "conflict_resolution", t.TaskID, h.SessionKey, map[string]interface{}{
			"pr_number": pr.Number,
			"attempt":   n,
			"remaining": p.Remaining(n),
		}, 0)
		acted = true
		return nil
	}
	escalate := func(ctx context.Context) error {
		if err := l.store.UpdateTaskStatus(ctx, t.TaskID, domain.TaskStatusBlocked); err != nil {
			return fmt.Errorf("block conflicted task: %w", err)
		}
		t.Status = domain.TaskStatusBlocked
		reason := fmt.Sprintf("pull request #%d still conflicts after %d resolution attempts", pr.Number, t.ConflictAttempts)
		l.comment(ctx, c, t.TaskID, domain.CommentKindTriage, reason+".")
		if l.review != nil {
			if err := l.review.Comment(ctx, c.project.RepoPath, pr.Number, "Automatic conflict resolution gave up: "+reason+"."); err != nil {
				c.log.Warn().Err(err).Str("task_id", t.TaskID).Msg("pull request comment failed")
			}
		}
		l.audit(ctx, c, "conflict_escalated", t.TaskID, "", map[string]interface{}{
			"pr_number": pr.Number,
			"attempts":  t.ConflictAttempts,
		}, 0)
		if _, err := l.triage(ctx, c, t, reason); err != nil {
			c.log.Warn().Err(err).Str("task_id", t.TaskID).Msg("triage failed")
		}
		acted = true
		return nil
	}

	_, err := p.Run(ctx, t.ConflictAttempts, attempt, escalate)
	if acted {
		return 1, err
	}
	return 0, err
}
