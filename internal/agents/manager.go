// Package agents owns the set of running agents: spawning them on the
// gateway, counting them for capacity decisions, and reaping them once their
// transcripts show they have finished or stalled.
package agents

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/xiaot623/gogo/workloop/internal/domain"
	"github.com/xiaot623/gogo/workloop/internal/gateway"
	"github.com/xiaot623/gogo/workloop/internal/session"
)

var (
	// ErrRecentlyReaped rejects a spawn while the (task, role) tombstone is live.
	ErrRecentlyReaped = errors.New("agent recently reaped")
	// ErrAlreadyRunning rejects a spawn for a task that already has a handle.
	ErrAlreadyRunning = errors.New("agent already running for task")
)

const (
	// ObserverTombstoneTTL applies to reviewer and analyzer reaps.
	ObserverTombstoneTTL = 30 * time.Second
	// DefaultTombstoneTTL applies to every other role.
	DefaultTombstoneTTL = 10 * time.Minute
	// DefaultStartupGrace is how long a spawn may go without a transcript.
	DefaultStartupGrace = 60 * time.Second

	defaultAcceptTimeout = 2 * time.Minute
)

// ReapMode selects the oracle used to decide that an agent is finished.
type ReapMode string

const (
	ReapModeTranscript ReapMode = "transcript"
	ReapModeGateway    ReapMode = "gateway"
)

// Gateway is the subset of the gateway client the manager drives.
type Gateway interface {
	RunAgent(ctx context.Context, p gateway.RunAgentParams) (*gateway.RunAgentResult, error)
	ListSessions(ctx context.Context, activeMinutes int) ([]gateway.SessionInfo, error)
	DeleteSession(ctx context.Context, key string) error
}

// TranscriptReader classifies a session from its transcript.
type TranscriptReader interface {
	Inspect(key string, staleThreshold time.Duration) (session.Snapshot, error)
}

// Options configures a Manager.
type Options struct {
	Mode          ReapMode
	StartupGrace  time.Duration
	AcceptTimeout time.Duration
	// StartedAt is the process start. Transcripts last written before it
	// belong to a previous run and are ignored.
	StartedAt time.Time
	Clock     func() time.Time
	Logger    zerolog.Logger
}

// SpawnParams describes an agent to start.
type SpawnParams struct {
	TaskID    string
	ProjectID string
	Role      domain.Role
	Prompt    string
	Model     string
	Label     string
}

// Handle is the in-memory record of one spawned agent.
type Handle struct {
	TaskID     string
	ProjectID  string
	Role       domain.Role
	SessionKey string
	Model      string
	SpawnedAt  time.Time

	accepted  chan struct{}
	acceptErr error
	runID     string
}

// WaitAccepted blocks until the gateway accepted or rejected the run.
func (h *Handle) WaitAccepted(ctx context.Context) error {
	select {
	case <-h.accepted:
		return h.acceptErr
	case <-ctx.Done():
		return ctx.Err()
	}
}

// RunID returns the gateway run id once accepted.
func (h *Handle) RunID() string {
	select {
	case <-h.accepted:
		return h.runID
	default:
		return ""
	}
}

func (h *Handle) isAccepted() bool {
	select {
	case <-h.accepted:
		return h.acceptErr == nil
	default:
		return false
	}
}

// Info is a read-only view of a handle.
type Info struct {
	TaskID     string      `json:"task_id"`
	ProjectID  string      `json:"project_id"`
	Role       domain.Role `json:"role"`
	SessionKey string      `json:"session_key"`
	Model      string      `json:"model,omitempty"`
	SpawnedAt  time.Time   `json:"spawned_at"`
	Accepted   bool        `json:"accepted"`
}

// Outcome is the result of a reaped agent. Exactly one is produced per reap.
type Outcome struct {
	TaskID     string
	ProjectID  string
	SessionKey string
	Role       domain.Role
	Model      string
	// Success is true when the agent finished its turn normally.
	Success bool
	// Stale is true when the agent stopped producing output and was killed.
	Stale bool
	// NoTranscript is true when no transcript appeared within the startup grace.
	NoTranscript bool
	Reply        string
	Err          error
	StartedAt    time.Time
	FinishedAt   time.Time
	Duration     time.Duration
	Usage        *session.Usage
}

// ActivityUpdate reports progress of an agent that is still running.
type ActivityUpdate struct {
	TaskID     string
	SessionKey string
	Role       domain.Role
	LastActive time.Time
	Preview    string
	Usage      session.Usage
}

// ReapOptions scopes a reap.
type ReapOptions struct {
	// ProjectID limits the reap to one project. Empty reaps everything.
	ProjectID      string
	StaleThreshold time.Duration
}

// ReapResult is the output of ReapFinished.
type ReapResult struct {
	Outcomes []Outcome
	Updates  []ActivityUpdate
}

type tombstoneKey struct {
	taskID string
	role   domain.Role
}

// Manager is the single authority for which agents are running. Its maps are
// written by the work loop and read by the reconciler and HTTP server.
type Manager struct {
	gw     Gateway
	reader TranscriptReader
	opts   Options
	logger zerolog.Logger

	mu         sync.Mutex
	handles    map[string]*Handle
	tombstones map[tombstoneKey]time.Time
}

// NewManager creates a manager.
func NewManager(gw Gateway, reader TranscriptReader, opts Options) *Manager {
	if opts.Mode == "" {
		opts.Mode = ReapModeTranscript
	}
	if opts.StartupGrace <= 0 {
		opts.StartupGrace = DefaultStartupGrace
	}
	if opts.AcceptTimeout <= 0 {
		opts.AcceptTimeout = defaultAcceptTimeout
	}
	if opts.Clock == nil {
		opts.Clock = time.Now
	}
	if opts.StartedAt.IsZero() {
		opts.StartedAt = opts.Clock()
	}
	return &Manager{
		gw:         gw,
		reader:     reader,
		opts:       opts,
		logger:     opts.Logger.With().Str("component", "agents").Logger(),
		handles:    make(map[string]*Handle),
		tombstones: make(map[tombstoneKey]time.Time),
	}
}

// TombstoneTTL returns how long a reap blocks a respawn for role.
func TombstoneTTL(role domain.Role) time.Duration {
	if role.IsObserver() {
		return ObserverTombstoneTTL
	}
	return DefaultTombstoneTTL
}

// Spawn registers a handle and starts the run on the gateway in the
// background. Use Handle.WaitAccepted to learn whether the gateway took it.
func (m *Manager) Spawn(ctx context.Context, p SpawnParams) (*Handle, error) {
	if p.Role == "" {
		p.Role = domain.RoleDev
	}
	now := m.opts.Clock()

	m.mu.Lock()
	if existing, ok := m.handles[p.TaskID]; ok {
		m.mu.Unlock()
		return nil, fmt.Errorf("%w: task %s has a %s agent (%s)", ErrAlreadyRunning, p.TaskID, existing.Role, existing.SessionKey)
	}
	if reapedAt, ok := m.liveTombstoneLocked(p.TaskID, p.Role, now); ok {
		m.mu.Unlock()
		return nil, fmt.Errorf("%w: task %s role %s reaped %s ago", ErrRecentlyReaped, p.TaskID, p.Role, now.Sub(reapedAt).Round(time.Second))
	}

	key := NewSessionKey(p.ProjectID, p.Role, p.TaskID).String()
	h := &Handle{
		TaskID:     p.TaskID,
		ProjectID:  p.ProjectID,
		Role:       p.Role,
		SessionKey: key,
		Model:      p.Model,
		SpawnedAt:  now,
		accepted:   make(chan struct{}),
	}
	m.handles[p.TaskID] = h
	m.mu.Unlock()

	runCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), m.opts.AcceptTimeout)
	go func() {
		defer cancel()
		defer close(h.accepted)

		res, err := m.gw.RunAgent(runCtx, gateway.RunAgentParams{
			SessionKey: key,
			Message:    p.Prompt,
			Model:      p.Model,
			Label:      p.Label,
		})
		if err != nil {
			h.acceptErr = fmt.Errorf("run agent %s: %w", key, err)
			m.logger.Warn().Err(err).Str("task_id", p.TaskID).Str("session_key", key).Msg("gateway rejected spawn")
			return
		}
		h.runID = res.RunID
		m.logger.Info().
			Str("task_id", p.TaskID).
			Str("session_key", key).
			Str("role", string(p.Role)).
			Str("run_id", res.RunID).
			Msg("agent accepted")
	}()

	return h, nil
}

// Abandon drops a handle without a tombstone. Used when the gateway never
// accepted the run.
func (m *Manager) Abandon(taskID string) {
	m.mu.Lock()
	delete(m.handles, taskID)
	m.mu.Unlock()
}

// IsRecentlyReaped checks the tombstone for (task, role). An empty role
// matches any role. Expired entries are evicted.
func (m *Manager) IsRecentlyReaped(taskID string, role domain.Role) bool {
	now := m.opts.Clock()
	m.mu.Lock()
	defer m.mu.Unlock()

	if role != "" {
		_, ok := m.liveTombstoneLocked(taskID, role, now)
		return ok
	}
	found := false
	for k := range m.tombstones {
		if k.taskID != taskID {
			continue
		}
		if _, ok := m.liveTombstoneLocked(taskID, k.role, now); ok {
			found = true
		}
	}
	return found
}

func (m *Manager) liveTombstoneLocked(taskID string, role domain.Role, now time.Time) (time.Time, bool) {
	key := tombstoneKey{taskID: taskID, role: role}
	reapedAt, ok := m.tombstones[key]
	if !ok {
		return time.Time{}, false
	}
	if now.Sub(reapedAt) >= TombstoneTTL(role) {
		delete(m.tombstones, key)
		return time.Time{}, false
	}
	return reapedAt, true
}

func (m *Manager) gcTombstonesLocked(now time.Time) {
	for k, at := range m.tombstones {
		if now.Sub(at) >= TombstoneTTL(k.role) {
			delete(m.tombstones, k)
		}
	}
}

// HasHandle reports whether a task has a live agent.
func (m *Manager) HasHandle(taskID string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	_, ok := m.handles[taskID]
	return ok
}

// ActiveCount counts live handles. An empty projectID counts globally.
func (m *Manager) ActiveCount(projectID string) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	n := 0
	for _, h := range m.handles {
		if projectID == "" || h.ProjectID == projectID {
			n++
		}
	}
	return n
}

// ActiveCountByRole counts live handles for role. An empty projectID counts globally.
func (m *Manager) ActiveCountByRole(role domain.Role, projectID string) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	n := 0
	for _, h := range m.handles {
		if h.Role == role && (projectID == "" || h.ProjectID == projectID) {
			n++
		}
	}
	return n
}

// Active returns a snapshot of live handles ordered by spawn time.
func (m *Manager) Active() []Info {
	m.mu.Lock()
	out := make([]Info, 0, len(m.handles))
	for _, h := range m.handles {
		out = append(out, Info{
			TaskID:     h.TaskID,
			ProjectID:  h.ProjectID,
			Role:       h.Role,
			SessionKey: h.SessionKey,
			Model:      h.Model,
			SpawnedAt:  h.SpawnedAt,
			Accepted:   h.isAccepted(),
		})
	}
	m.mu.Unlock()

	sort.Slice(out, func(i, j int) bool {
		if out[i].SpawnedAt.Equal(out[j].SpawnedAt) {
			return out[i].TaskID < out[j].TaskID
		}
		return out[i].SpawnedAt.Before(out[j].SpawnedAt)
	})
	return out
}

func (m *Manager) snapshot(projectID string) []*Handle {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]*Handle, 0, len(m.handles))
	for _, h := range m.handles {
		if projectID == "" || h.ProjectID == projectID {
			out = append(out, h)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].SpawnedAt.Before(out[j].SpawnedAt) })
	return out
}

// ReapFinished removes handles whose agents are done, stale, or never
// produced a transcript, and returns activity updates for the rest. When
// nothing is finished it returns an empty result and changes no state.
func (m *Manager) ReapFinished(ctx context.Context, opts ReapOptions) (ReapResult, error) {
	if opts.StaleThreshold <= 0 {
		opts.StaleThreshold = session.DefaultStaleThreshold
	}
	handles := m.snapshot(opts.ProjectID)
	if len(handles) == 0 {
		return ReapResult{}, nil
	}

	var (
		result ReapResult
		err    error
	)
	switch m.opts.Mode {
	case ReapModeGateway:
		result, err = m.reapByGateway(ctx, handles, opts.StaleThreshold)
	default:
		result = m.reapByTranscript(ctx, handles, opts.StaleThreshold)
	}
	if err != nil {
		return ReapResult{}, err
	}

	if len(result.Outcomes) > 0 {
		now := m.opts.Clock()
		m.mu.Lock()
		for _, o := range result.Outcomes {
			if h, ok := m.handles[o.TaskID]; ok && h.SessionKey == o.SessionKey {
				delete(m.handles, o.TaskID)
			}
			m.tombstones[tombstoneKey{taskID: o.TaskID, role: o.Role}] = now
		}
		m.gcTombstonesLocked(now)
		m.mu.Unlock()
	}
	return result, nil
}

func (m *Manager) reapByTranscript(ctx context.Context, handles []*Handle, staleThreshold time.Duration) ReapResult {
	var result ReapResult
	now := m.opts.Clock()

	for _, h := range handles {
		log := m.logger.With().Str("task_id", h.TaskID).Str("session_key", h.SessionKey).Str("role", string(h.Role)).Logger()
		age := now.Sub(h.SpawnedAt)

		snap, err := m.reader.Inspect(h.SessionKey, staleThreshold)
		if err != nil {
			log.Warn().Err(err).Msg("inspect transcript failed")
			continue
		}
		if snap.Found() && snap.ModTime.Before(m.opts.StartedAt) {
			log.Debug().Time("mod_time", snap.ModTime).Msg("ignoring transcript from a previous run")
			snap = session.Snapshot{Key: h.SessionKey, State: session.StateUnknown}
		}
		snap = currentRun(h, snap, staleThreshold, now)

		switch snap.State {
		case session.StateUnknown:
			if age < m.opts.StartupGrace {
				continue
			}
			log.Warn().Dur("age", age).Msg("no transcript after startup grace")
			result.Outcomes = append(result.Outcomes, m.outcome(h, now, func(o *Outcome) {
				o.NoTranscript = true
				o.Err = fmt.Errorf("no transcript %s after spawn", age.Round(time.Second))
			}))

		case session.StateDone:
			usage := snap.Usage
			result.Outcomes = append(result.Outcomes, m.outcome(h, now, func(o *Outcome) {
				o.Success = !snap.SyntheticError
				o.Reply = snap.Preview
				o.Usage = &usage
				if snap.SyntheticError {
					o.Err = errors.New("gateway terminated the run")
				}
			}))
			log.Info().Str("stop_reason", snap.StopReason).Bool("synthetic_error", snap.SyntheticError).Msg("agent finished")

		case session.StateStale:
			m.killSession(ctx, h, log)
			usage := snap.Usage
			result.Outcomes = append(result.Outcomes, m.outcome(h, now, func(o *Outcome) {
				o.Stale = true
				o.Reply = snap.Preview
				o.Usage = &usage
				o.Err = fmt.Errorf("no transcript activity since %s", snap.ModTime.Format(time.RFC3339))
			}))

		default:
			result.Updates = append(result.Updates, ActivityUpdate{
				TaskID:     h.TaskID,
				SessionKey: h.SessionKey,
				Role:       h.Role,
				LastActive: snap.ModTime,
				Preview:    snap.Preview,
				Usage:      snap.Usage,
			})
		}
	}
	return result
}

// currentRun drops transcript content written before h was spawned. Session
// keys are reused by every run of the same task and role, so a respawned
// agent's file may still end with the previous run's final turn.
func currentRun(h *Handle, snap session.Snapshot, staleThreshold time.Duration, now time.Time) session.Snapshot {
	if !snap.Found() {
		return snap
	}
	if snap.ModTime.Before(h.SpawnedAt) {
		return session.Snapshot{Key: h.SessionKey, Path: snap.Path, State: session.StateUnknown}
	}
	if snap.State != session.StateDone {
		return snap
	}
	finished := snap.LastAssistantAt
	if finished.IsZero() {
		finished = snap.ModTime
	}
	if !finished.Before(h.SpawnedAt) {
		return snap
	}

	// The new run has written to the file but not finished a turn.
	snap.State = session.StateActive
	if staleThreshold > 0 && now.Sub(snap.ModTime) > staleThreshold {
		snap.State = session.StateStale
	}
	snap.StopReason = ""
	snap.SyntheticError = false
	snap.Preview = ""
	snap.Usage = session.Usage{}
	return snap
}

// reapByGateway treats the gateway's session list as the oracle. A session
// missing from the active window is finished; an aborted one failed.
func (m *Manager) reapByGateway(ctx context.Context, handles []*Handle, staleThreshold time.Duration) (ReapResult, error) {
	window := int(staleThreshold / time.Minute)
	if window < 1 {
		window = 1
	}
	sessions, err := m.gw.ListSessions(ctx, window)
	if err != nil {
		return ReapResult{}, fmt.Errorf("list gateway sessions: %w", err)
	}
	byKey := make(map[string]gateway.SessionInfo, len(sessions))
	for _, s := range sessions {
		byKey[s.Key] = s
	}

	var result ReapResult
	now := m.opts.Clock()
	for _, h := range handles {
		age := now.Sub(h.SpawnedAt)
		s, ok := byKey[h.SessionKey]
		switch {
		case !ok && age < m.opts.StartupGrace:
			continue
		case !ok:
			result.Outcomes = append(result.Outcomes, m.outcome(h, now, func(o *Outcome) {
				o.Success = true
			}))
		case s.AbortedLastRun:
			result.Outcomes = append(result.Outcomes, m.outcome(h, now, func(o *Outcome) {
				o.Err = errors.New("gateway aborted the run")
			}))
		default:
			result.Updates = append(result.Updates, ActivityUpdate{
				TaskID:     h.TaskID,
				SessionKey: h.SessionKey,
				Role:       h.Role,
				LastActive: s.UpdatedTime(),
				Usage:      session.Usage{TotalTokens: s.TotalTokens},
			})
		}
	}
	return result, nil
}

func (m *Manager) killSession(ctx context.Context, h *Handle, log zerolog.Logger) {
	if err := m.gw.DeleteSession(ctx, h.SessionKey); err != nil {
		log.Warn().Err(err).Msg("kill stale session failed")
		return
	}
	log.Info().Msg("killed stale session")
}

func (m *Manager) outcome(h *Handle, now time.Time, fill func(*Outcome)) Outcome {
	o := Outcome{
		TaskID:     h.TaskID,
		ProjectID:  h.ProjectID,
		SessionKey: h.SessionKey,
		Role:       h.Role,
		Model:      h.Model,
		StartedAt:  h.SpawnedAt,
		FinishedAt: now,
		Duration:   now.Sub(h.SpawnedAt),
	}
	fill(&o)
	return o
}
