package workloop

import (
	"context"
	"fmt"

	"github.com/xiaot623/gogo/workloop/internal/domain"
)

// workerRole maps a ready task's role to the agent role that works it.
func workerRole(t *domain.Task) domain.Role {
	if t.Role != "" && t.Role.IsWorker() {
		return t.Role
	}
	return domain.RoleDev
}

// work claims ready tasks in priority order and spawns a worker for each
// until a capacity ceiling stops it.
func (l *Loop) work(ctx context.Context, c *cycle) (int, error) {
	ready, err := l.store.ListTasksByStatus(ctx, c.project.ProjectID, domain.TaskStatusReady)
	if err != nil {
		return 0, fmt.Errorf("list ready tasks: %w", err)
	}

	actions := 0
	for i := range ready {
		if c.exhausted != "" {
			break
		}
		t := &ready[i]
		role := workerRole(t)

		ok, err := l.canSpawn(ctx, c, t, role)
		if err != nil {
			return actions, err
		}
		if !ok {
			continue
		}

		claimed, err := l.store.ClaimTask(ctx, t.TaskID, domain.TaskStatusReady, domain.TaskStatusInProgress)
		if err != nil {
			return actions, fmt.Errorf("claim task %s: %w", t.TaskID, err)
		}
		if !claimed {
			c.log.Debug().Str("task_id", t.TaskID).Msg("task claimed elsewhere")
			continue
		}
		l.resetTriage(ctx, c, t)

		_, err = l.startAgent(ctx, c, spawnRequest{
			task:   t,
			role:   role,
			prompt: workerPrompt(c.project, t, role),
			track:  true,
		})
		if err != nil {
			if rerr := l.store.UpdateTaskStatus(ctx, t.TaskID, domain.TaskStatusReady); rerr != nil {
				c.log.Error().Err(rerr).Str("task_id", t.TaskID).Msg("revert claim failed")
			}
			if isSkip(err) {
				continue
			}
			l.audit(ctx, c, "spawn_failed", t.TaskID, "", map[string]interface{}{
				"role":  role,
				"error": err.Error(),
			}, 0)
			return actions, fmt.Errorf("spawn %s for %s: %w", role, t.TaskID, err)
		}
		actions++
	}
	return actions, nil
}
