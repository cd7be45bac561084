package workloop

import (
	"context"
	"fmt"
	"strings"

	"github.com/xiaot623/gogo/workloop/internal/domain"
)

// signals requeues tasks whose blocking question has been answered, with the
// answer appended to the description as context for the next agent.
func (l *Loop) signals(ctx context.Context, c *cycle) (int, error) {
	answered, err := l.store.ListAnsweredSignals(ctx, c.project.ProjectID)
	if err != nil {
		return 0, fmt.Errorf("list answered signals: %w", err)
	}

	actions := 0
	for _, s := range answered {
		if l.agents.HasHandle(s.TaskID) {
			// The agent is still running and may pick the answer up itself.
			continue
		}
		task, err := l.store.GetTask(ctx, s.TaskID)
		if err != nil {
			return actions, fmt.Errorf("get task %s: %w", s.TaskID, err)
		}
		if task == nil {
			c.log.Error().Str("task_id", s.TaskID).Str("signal_id", s.SignalID).Msg("answered signal references a missing task")
			if err := l.store.ResolveSignal(ctx, s.SignalID); err != nil {
				return actions, fmt.Errorf("resolve signal: %w", err)
			}
			continue
		}

		qa := fmt.Sprintf("\n\nQ: %s\nA: %s\n", strings.TrimSpace(s.Question), strings.TrimSpace(s.Answer))
		if err := l.store.AppendTaskDescription(ctx, task.TaskID, qa); err != nil {
			return actions, fmt.Errorf("append answer: %w", err)
		}
		l.comment(ctx, c, task.TaskID, domain.CommentKindAnswer, s.Answer)

		requeued := false
		switch task.Status {
		case domain.TaskStatusBlocked, domain.TaskStatusBacklog, domain.TaskStatusInProgress:
			if err := l.store.UpdateTaskStatus(ctx, task.TaskID, domain.TaskStatusReady); err != nil {
				return actions, fmt.Errorf("requeue answered task: %w", err)
			}
			requeued = true
			l.resetTriage(ctx, c, task)
		}
		if err := l.store.ResolveSignal(ctx, s.SignalID); err != nil {
			return actions, fmt.Errorf("resolve signal: %w", err)
		}
		l.audit(ctx, c, "signal_answered", task.TaskID, s.SessionKey, map[string]interface{}{
			"signal_id": s.SignalID,
			"requeued":  requeued,
			"from":      task.Status,
		}, 0)
		actions++
	}
	return actions, nil
}
