package workloop

import (
	"context"
	"fmt"
	"sort"

	"github.com/xiaot623/gogo/workloop/internal/domain"
	"github.com/xiaot623/gogo/workloop/internal/escalation"
)

const defaultTriageAttempts = 3

func (l *Loop) triagePolicy() escalation.Policy {
	limit := l.cfg.MaxTriageAttempts
	if limit <= 0 {
		limit = defaultTriageAttempts
	}
	return escalation.Policy{Max: limit}
}

// triage surfaces a task to the human session. After the configured number of
// sends the task is escalated and never triaged automatically again. Sends
// are rate limited per task by the triage interval.
func (l *Loop) triage(ctx context.Context, c *cycle, t *domain.Task, reason string) (bool, error) {
	if t.Escalated {
		return false, nil
	}
	now := l.now()
	if t.LastTriageAt != nil && now.Sub(*t.LastTriageAt) < l.cfg.TriageInterval() {
		return false, nil
	}

	p := l.triagePolicy()
	send := func(ctx context.Context) error {
		msg := triageMessage(c.project, t, reason, t.TriageCount+1, p.Max)
		if err := l.sendHuman(ctx, msg); err != nil {
			return fmt.Errorf("send triage for %s: %w", t.TaskID, err)
		}
		n, err := l.store.RecordTriage(ctx, t.TaskID, now)
		if err != nil {
			return fmt.Errorf("record triage for %s: %w", t.TaskID, err)
		}
		l.audit(ctx, c, "triage_sent", t.TaskID, t.SessionKey, map[string]interface{}{
			"attempt":   n,
			"remaining": p.Remaining(n),
			"reason":    reason,
		}, 0)
		return nil
	}
	escalate := func(ctx context.Context) error {
		if err := l.store.SetEscalated(ctx, t.TaskID); err != nil {
			return fmt.Errorf("escalate %s: %w", t.TaskID, err)
		}
		l.comment(ctx, c, t.TaskID, domain.CommentKindTriage,
			fmt.Sprintf("Escalated to a human after %d automatic triage attempts: %s", t.TriageCount, reason))
		if err := l.sendHuman(ctx, escalationMessage(c.project, t, t.TriageCount)); err != nil {
			c.log.Warn().Err(err).Str("task_id", t.TaskID).Msg("escalation notice failed")
		}
		l.audit(ctx, c, "triage_escalated", t.TaskID, t.SessionKey, map[string]interface{}{
			"attempts": t.TriageCount,
			"reason":   reason,
		}, 0)
		c.log.Warn().Str("task_id", t.TaskID).Int("attempts", t.TriageCount).Msg("task escalated")
		return nil
	}

	if _, err := p.Run(ctx, t.TriageCount, send, escalate); err != nil {
		return false, err
	}
	return true, nil
}

// triageBlocked walks blocked, non-escalated tasks oldest first.
func (l *Loop) triageBlocked(ctx context.Context, c *cycle) (int, error) {
	blocked, err := l.store.ListTasksByStatus(ctx, c.project.ProjectID, domain.TaskStatusBlocked)
	if err != nil {
		return 0, fmt.Errorf("list blocked tasks: %w", err)
	}
	sort.SliceStable(blocked, func(i, j int) bool {
		return blocked[i].UpdatedAt.Before(blocked[j].UpdatedAt)
	})

	actions := 0
	var firstErr error
	for i := range blocked {
		t := &blocked[i]
		if t.Escalated || l.agents.HasHandle(t.TaskID) {
			continue
		}
		acted, err := l.triage(ctx, c, t, "task is blocked")
		if err != nil {
			c.log.Warn().Err(err).Str("task_id", t.TaskID).Msg("triage failed")
			if firstErr == nil {
				firstErr = err
			}
			continue
		}
		if acted {
			actions++
		}
	}
	return actions, firstErr
}

func (l *Loop) sendHuman(ctx context.Context, msg string) error {
	if l.notifier == nil || l.cfg.HumanSessionKey == "" {
		return fmt.Errorf("no human session configured")
	}
	return l.notifier.SendToSession(ctx, l.cfg.HumanSessionKey, msg)
}

// resetTriage re-arms triage for a task that has left blocked, so a later
// block is triaged again from the first attempt.
func (l *Loop) resetTriage(ctx context.Context, c *cycle, t *domain.Task) {
	if !t.Escalated && t.TriageCount == 0 {
		return
	}
	if err := l.store.ResetTriage(ctx, t.TaskID); err != nil {
		c.log.Warn().Err(err).Str("task_id", t.TaskID).Msg("reset triage failed")
		return
	}
	t.Escalated = false
	t.TriageCount = 0
	t.LastTriageAt = nil
}
