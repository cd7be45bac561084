// Package workloop drives agents through a project's backlog. Each cycle runs
// the phases cleanup, notify, review, signals, work and analyze in order for
// every enabled project, one project at a time.
package workloop

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/xiaot623/gogo/workloop/internal/agents"
	"github.com/xiaot623/gogo/workloop/internal/config"
	"github.com/xiaot623/gogo/workloop/internal/domain"
	"github.com/xiaot623/gogo/workloop/internal/metrics"
	"github.com/xiaot623/gogo/workloop/internal/repository"
	"github.com/xiaot623/gogo/workloop/internal/vcs"
	"github.com/xiaot623/gogo/workloop/policy"
)

// Notifier delivers a message to an existing gateway session without
// spawning an agent. The gateway client satisfies it.
type Notifier interface {
	SendToSession(ctx context.Context, key, message string) error
}

// Deps are the collaborators of a Loop.
type Deps struct {
	Store    store.Store
	Agents   *agents.Manager
	Notifier Notifier
	Review   vcs.ReviewTool
	Policy   *policy.Engine
	Metrics  *metrics.Recorder
	Config   config.WorkLoopConfig
	// ProjectsFile holds per-project overrides. It is re-read every cycle.
	ProjectsFile string
	// Wake interrupts the inter-cycle sleep. Optional.
	Wake   <-chan struct{}
	Clock  func() time.Time
	Logger zerolog.Logger
}

// Loop is the phase orchestrator.
type Loop struct {
	store    store.Store
	agents   *agents.Manager
	notifier Notifier
	review   vcs.ReviewTool
	policy   *policy.Engine
	metrics  *metrics.Recorder
	cfg      config.WorkLoopConfig
	projects string
	wake     <-chan struct{}
	now      func() time.Time
	logger   zerolog.Logger

	mu     sync.Mutex
	cycles map[string]int64
}

// New creates a Loop.
func New(d Deps) (*Loop, error) {
	if d.Store == nil || d.Agents == nil || d.Policy == nil {
		return nil, fmt.Errorf("workloop: store, agents and policy are required")
	}
	if d.Clock == nil {
		d.Clock = time.Now
	}
	return &Loop{
		store:    d.Store,
		agents:   d.Agents,
		notifier: d.Notifier,
		review:   d.Review,
		policy:   d.Policy,
		metrics:  d.Metrics,
		cfg:      d.Config,
		projects: d.ProjectsFile,
		wake:     d.Wake,
		now:      d.Clock,
		logger:   d.Logger.With().Str("component", "workloop").Logger(),
		cycles:   make(map[string]int64),
	}, nil
}

// Run executes cycles until ctx is cancelled. Cancellation never interrupts a
// project mid-cycle: the current project finishes and no new cycle starts.
func (l *Loop) Run(ctx context.Context) error {
	interval := l.cfg.Interval()
	if interval <= 0 {
		interval = 30 * time.Second
	}
	l.logger.Info().Dur("interval", interval).Msg("work loop started")

	for {
		if ctx.Err() != nil {
			l.logger.Info().Msg("work loop stopped")
			return nil
		}
		l.RunCycle(ctx)

		timer := time.NewTimer(interval)
		select {
		case <-ctx.Done():
			timer.Stop()
			l.logger.Info().Msg("work loop stopped")
			return nil
		case <-l.wake:
			timer.Stop()
			l.logger.Debug().Msg("woken by finished transcript")
		case <-timer.C:
		}
	}
}

// RunCycle runs one cycle over every project. A failing project never blocks
// the others.
func (l *Loop) RunCycle(ctx context.Context) {
	projects, err := l.store.ListProjects(ctx)
	if err != nil {
		l.logger.Error().Err(err).Msg("list projects failed")
		return
	}
	overrides, err := config.LoadProjectOverrides(l.projects)
	if err != nil {
		l.logger.Warn().Err(err).Str("path", l.projects).Msg("ignoring project overrides")
		overrides = nil
	}

	for _, p := range projects {
		if ctx.Err() != nil {
			return
		}
		settings := l.cfg.ResolveProject(p, overrides)
		if !settings.Enabled {
			continue
		}
		l.runProjectSafe(context.WithoutCancel(ctx), p, settings)
	}
	l.publishActiveAgents()
}

func (l *Loop) runProjectSafe(ctx context.Context, p domain.Project, settings config.ProjectSettings) {
	defer func() {
		if r := recover(); r != nil {
			l.logger.Error().Str("project_id", p.ProjectID).Interface("panic", r).Msg("project cycle panicked")
		}
	}()
	l.runProject(ctx, p, settings)
}

// nextCycle returns the next cycle number for a project, continuing from the
// persisted cycle state after a restart.
func (l *Loop) nextCycle(ctx context.Context, projectID string) int64 {
	l.mu.Lock()
	n, ok := l.cycles[projectID]
	l.mu.Unlock()
	if !ok {
		if st, err := l.store.GetCycleState(ctx, projectID); err == nil && st != nil {
			n = st.Cycle
		}
	}
	n++
	l.mu.Lock()
	l.cycles[projectID] = n
	l.mu.Unlock()
	return n
}

func (l *Loop) publishActiveAgents() {
	byRole := make(map[string]int)
	for _, a := range l.agents.Active() {
		byRole[string(a.Role)]++
	}
	l.metrics.SetActiveAgents(byRole)
}
