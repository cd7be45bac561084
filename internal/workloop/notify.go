package workloop

import (
	"context"
	"fmt"

	"github.com/xiaot623/gogo/workloop/internal/domain"
)

// notifyPhase forwards undelivered agent questions to the human session, one
// message per task.
func (l *Loop) notifyPhase(ctx context.Context, c *cycle) (int, error) {
	pending, err := l.store.ListUndeliveredSignals(ctx, c.project.ProjectID)
	if err != nil {
		return 0, fmt.Errorf("list undelivered signals: %w", err)
	}
	if len(pending) == 0 {
		return 0, nil
	}

	var order []string
	byTask := make(map[string][]domain.Signal)
	for _, s := range pending {
		if _, ok := byTask[s.TaskID]; !ok {
			order = append(order, s.TaskID)
		}
		byTask[s.TaskID] = append(byTask[s.TaskID], s)
	}

	actions := 0
	var firstErr error
	for _, taskID := range order {
		signals := byTask[taskID]
		task, err := l.store.GetTask(ctx, taskID)
		if err != nil {
			return actions, fmt.Errorf("get task %s: %w", taskID, err)
		}
		if task == nil {
			task = &domain.Task{TaskID: taskID, ProjectID: c.project.ProjectID}
		}

		if err := l.sendHuman(ctx, signalDigest(c.project, task, signals)); err != nil {
			c.log.Warn().Err(err).Str("task_id", taskID).Msg("signal notification failed")
			if firstErr == nil {
				firstErr = fmt.Errorf("notify signals for %s: %w", taskID, err)
			}
			continue
		}

		ids := make([]string, 0, len(signals))
		for _, s := range signals {
			ids = append(ids, s.SignalID)
		}
		if err := l.store.MarkSignalsDelivered(ctx, ids, l.now()); err != nil {
			return actions, fmt.Errorf("mark signals delivered: %w", err)
		}
		l.audit(ctx, c, "signals_delivered", taskID, "", map[string]interface{}{
			"signal_ids": ids,
		}, 0)
		actions++
	}
	return actions, firstErr
}
