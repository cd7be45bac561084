package workloop

import (
	"context"
	"errors"
	"fmt"

	"github.com/xiaot623/gogo/workloop/internal/agents"
	"github.com/xiaot623/gogo/workloop/internal/domain"
	"github.com/xiaot623/gogo/workloop/policy"
)

// canSpawn checks handle, tombstone and capacity for one more agent of role
// on task. A tripped global or project ceiling stops all spawning for the
// rest of the cycle; a tripped role ceiling stops that role only.
func (l *Loop) canSpawn(ctx context.Context, c *cycle, task *domain.Task, role domain.Role) (bool, error) {
	if c.exhausted != "" || c.roleExhausted[role] {
		return false, nil
	}
	if l.agents.HasHandle(task.TaskID) {
		return false, nil
	}
	if l.agents.IsRecentlyReaped(task.TaskID, role) {
		c.log.Debug().Str("task_id", task.TaskID).Str("role", string(role)).Msg("skip spawn: recently reaped")
		l.metrics.IncSpawn(string(role), "skipped")
		return false, nil
	}

	pid := c.project.ProjectID
	decision, err := l.policy.Evaluate(ctx, policy.CapacityInput{
		Role:      string(role),
		ProjectID: pid,
		Active: policy.Counts{
			Global:  l.agents.ActiveCount(""),
			Project: l.agents.ActiveCount(pid),
			Role:    l.agents.ActiveCountByRole(role, pid),
		},
		Limits: policy.Counts{
			Global:  l.cfg.MaxAgents,
			Project: c.settings.MaxAgents,
			Role:    l.cfg.RoleLimit(string(role)),
		},
	})
	if err != nil {
		return false, fmt.Errorf("evaluate capacity: %w", err)
	}
	if decision.Allow {
		return true, nil
	}

	if decision.Limit == policy.LimitRole {
		c.roleExhausted[role] = true
	} else {
		c.exhausted = decision.Limit
	}
	c.log.Info().Str("role", string(role)).Str("limit", decision.Limit).Msg("capacity reached")
	l.audit(ctx, c, "capacity_reached", task.TaskID, "", map[string]interface{}{
		"role":  role,
		"limit": decision.Limit,
	}, 0)
	l.metrics.IncSpawn(string(role), "skipped")
	return false, nil
}

// spawnBlocked reports whether no further agent of role can start this cycle.
func (c *cycle) spawnBlocked(role domain.Role) bool {
	return c.exhausted != "" || c.roleExhausted[role]
}

type spawnRequest struct {
	task   *domain.Task
	role   domain.Role
	prompt string
	// track writes the session linkage onto the task row.
	track bool
}

// startAgent spawns an agent and waits for the gateway to accept the run. A
// rejected run leaves no handle and no tombstone.
func (l *Loop) startAgent(ctx context.Context, c *cycle, req spawnRequest) (*agents.Handle, error) {
	t := req.task
	model := l.cfg.ModelFor(string(req.role))
	h, err := l.agents.Spawn(ctx, agents.SpawnParams{
		TaskID:    t.TaskID,
		ProjectID: t.ProjectID,
		Role:      req.role,
		Prompt:    req.prompt,
		Model:     model,
		Label:     fmt.Sprintf("%s: %s", req.role, t.Title),
	})
	if err != nil {
		if isSkip(err) {
			l.metrics.IncSpawn(string(req.role), "skipped")
		}
		return nil, err
	}

	if err := h.WaitAccepted(ctx); err != nil {
		l.agents.Abandon(t.TaskID)
		l.metrics.IncSpawn(string(req.role), "rejected")
		return nil, err
	}
	l.metrics.IncSpawn(string(req.role), "accepted")

	if req.track {
		startedAt := h.SpawnedAt
		err := l.store.UpdateTaskAgent(ctx, t.TaskID, domain.AgentFields{
			SessionKey: h.SessionKey,
			Model:      model,
			StartedAt:  &startedAt,
		})
		if err != nil {
			c.log.Warn().Err(err).Str("task_id", t.TaskID).Msg("record agent fields failed")
		}
	}

	c.log.Info().
		Str("task_id", t.TaskID).
		Str("role", string(req.role)).
		Str("session_key", h.SessionKey).
		Msg("agent spawned")
	l.audit(ctx, c, "agent_spawned", t.TaskID, h.SessionKey, map[string]interface{}{
		"role":   req.role,
		"model":  model,
		"run_id": h.RunID(),
	}, 0)
	return h, nil
}

// isSkip reports whether a spawn error is expected control flow.
func isSkip(err error) bool {
	return errors.Is(err, agents.ErrRecentlyReaped) || errors.Is(err, agents.ErrAlreadyRunning)
}
