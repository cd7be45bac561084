package workloop

import (
	"context"
	"encoding/json"
	"fmt"
	"runtime/debug"
	"time"

	"github.com/rs/zerolog"

	"github.com/xiaot623/gogo/workloop/internal/config"
	"github.com/xiaot623/gogo/workloop/internal/domain"
)

// cycle is the state shared by the phases of one project cycle.
type cycle struct {
	project  domain.Project
	settings config.ProjectSettings
	number   int64
	phase    domain.Phase
	log      zerolog.Logger

	// exhausted names the global or project ceiling that stopped spawning
	// for the rest of the cycle.
	exhausted string
	// roleExhausted holds roles whose ceiling was reached this cycle.
	roleExhausted map[domain.Role]bool
}

type phaseFunc func(ctx context.Context, c *cycle) (int, error)

type phaseStep struct {
	phase domain.Phase
	run   phaseFunc
}

func (l *Loop) phases() []phaseStep {
	return []phaseStep{
		{domain.PhaseCleanup, l.cleanup},
		{domain.PhaseNotify, l.notifyPhase},
		{domain.PhaseReview, l.reviewPhase},
		{domain.PhaseSignals, l.signals},
		{domain.PhaseWork, l.work},
		{domain.PhaseAnalyze, l.analyze},
	}
}

func (l *Loop) runProject(ctx context.Context, p domain.Project, settings config.ProjectSettings) {
	start := l.now()
	c := &cycle{
		project:       p,
		settings:      settings,
		number:        l.nextCycle(ctx, p.ProjectID),
		roleExhausted: make(map[domain.Role]bool),
	}
	c.log = l.logger.With().Str("project_id", p.ProjectID).Int64("cycle", c.number).Logger()
	c.log.Debug().Int("max_agents", settings.MaxAgents).Msg("cycle start")

	counts := make(map[string]int)
	failed := 0
	for _, step := range l.phases() {
		n, err := l.runPhase(ctx, c, step.phase, step.run)
		counts[string(step.phase)] = n
		if err != nil {
			failed++
		}
	}

	c.phase = domain.PhaseIdle
	l.saveCycleState(ctx, c)

	elapsed := l.now().Sub(start)
	total := 0
	for _, n := range counts {
		total += n
	}
	l.audit(ctx, c, "cycle_complete", "", "", map[string]interface{}{
		"actions":       counts,
		"total_actions": total,
		"failed_phases": failed,
		"active_agents": l.agents.ActiveCount(p.ProjectID),
	}, elapsed)
	l.metrics.ObserveCycle(elapsed)
	c.log.Info().Int("actions", total).Int("failed_phases", failed).Dur("duration", elapsed).Msg("cycle complete")
}

// runPhase runs one phase, converting errors and panics into a phase_failed
// audit entry so the cycle can continue.
func (l *Loop) runPhase(ctx context.Context, c *cycle, phase domain.Phase, fn phaseFunc) (n int, err error) {
	c.phase = phase
	l.saveCycleState(ctx, c)
	l.audit(ctx, c, "phase_start", "", "", nil, 0)
	start := l.now()

	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("panic: %v", r)
			c.log.Error().Str("phase", string(phase)).Str("stack", string(debug.Stack())).Msg("phase panicked")
		}
		elapsed := l.now().Sub(start)
		if err != nil {
			c.log.Error().Err(err).Str("phase", string(phase)).Msg("phase failed")
			c.phase = domain.PhaseError
			l.saveCycleState(ctx, c)
			l.audit(ctx, c, "phase_failed", "", "", map[string]interface{}{
				"phase":   phase,
				"error":   err.Error(),
				"actions": n,
			}, elapsed)
			l.metrics.ObservePhase(string(phase), n, true)
			c.phase = phase
			return
		}
		l.audit(ctx, c, "phase_complete", "", "", map[string]interface{}{"actions": n}, elapsed)
		l.metrics.ObservePhase(string(phase), n, false)
	}()

	return fn(ctx, c)
}

func (l *Loop) saveCycleState(ctx context.Context, c *cycle) {
	st := &domain.CycleState{
		ProjectID:    c.project.ProjectID,
		Cycle:        c.number,
		Phase:        c.phase,
		ActiveAgents: l.agents.ActiveCount(c.project.ProjectID),
		MaxAgents:    c.settings.MaxAgents,
		UpdatedAt:    l.now(),
	}
	if err := l.store.SaveCycleState(ctx, st); err != nil {
		c.log.Warn().Err(err).Msg("save cycle state failed")
	}
}

// audit appends an entry to the datastore action log. Audit failures are
// logged and never abort the caller.
func (l *Loop) audit(ctx context.Context, c *cycle, action, taskID, sessionKey string, details map[string]interface{}, d time.Duration) {
	entry := &domain.ActionLogEntry{
		ProjectID:  c.project.ProjectID,
		Cycle:      c.number,
		Phase:      c.phase,
		Action:     action,
		TaskID:     taskID,
		SessionKey: sessionKey,
		DurationMs: d.Milliseconds(),
		CreatedAt:  l.now(),
	}
	if len(details) > 0 {
		raw, err := json.Marshal(details)
		if err == nil {
			entry.Details = raw
		}
	}
	if err := l.store.LogAction(ctx, entry); err != nil {
		c.log.Warn().Err(err).Str("action", action).Msg("audit log write failed")
	}
}

func (l *Loop) comment(ctx context.Context, c *cycle, taskID string, kind domain.CommentKind, body string) {
	err := l.store.AddComment(ctx, &domain.Comment{
		TaskID:    taskID,
		Author:    "workloop",
		Kind:      kind,
		Body:      body,
		CreatedAt: l.now(),
	})
	if err != nil {
		c.log.Warn().Err(err).Str("task_id", taskID).Msg("add comment failed")
	}
}
