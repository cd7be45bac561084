package agents

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/xiaot623/gogo/workloop/internal/domain"
	"github.com/xiaot623/gogo/workloop/internal/gateway"
	"github.com/xiaot623/gogo/workloop/internal/session"
)

type fakeGateway struct {
	mu       sync.Mutex
	runs     []gateway.RunAgentParams
	deleted  []string
	runErr   error
	delErr   error
	sessions []gateway.SessionInfo
	listErr  error
}

func (g *fakeGateway) RunAgent(_ context.Context, p gateway.RunAgentParams) (*gateway.RunAgentResult, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.runs = append(g.runs, p)
	if g.runErr != nil {
		return nil, g.runErr
	}
	return &gateway.RunAgentResult{RunID: "run-" + p.SessionKey, Status: "accepted"}, nil
}

func (g *fakeGateway) ListSessions(context.Context, int) ([]gateway.SessionInfo, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.sessions, g.listErr
}

func (g *fakeGateway) DeleteSession(_ context.Context, key string) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.deleted = append(g.deleted, key)
	return g.delErr
}

type fakeReader struct {
	mu    sync.Mutex
	snaps map[string]session.Snapshot
	calls int
}

func (r *fakeReader) set(key string, snap session.Snapshot) {
	r.mu.Lock()
	defer r.mu.Unlock()
	snap.Key = key
	r.snaps[key] = snap
}

func (r *fakeReader) Inspect(key string, _ time.Duration) (session.Snapshot, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.calls++
	if s, ok := r.snaps[key]; ok {
		return s, nil
	}
	return session.Snapshot{Key: key, State: session.StateUnknown}, nil
}

type clock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *clock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *clock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

type harness struct {
	gw     *fakeGateway
	reader *fakeReader
	clock  *clock
	mgr    *Manager
}

func newHarness(t *testing.T, mode ReapMode) *harness {
	t.Helper()
	h := &harness{
		gw:     &fakeGateway{},
		reader: &fakeReader{snaps: map[string]session.Snapshot{}},
		clock:  &clock{now: time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)},
	}
	h.mgr = NewManager(h.gw, h.reader, Options{
		Mode:   mode,
		Clock:  h.clock.Now,
		Logger: zerolog.Nop(),
	})
	return h
}

func (h *harness) spawn(t *testing.T, taskID, projectID string, role domain.Role) *Handle {
	t.Helper()
	handle, err := h.mgr.Spawn(context.Background(), SpawnParams{TaskID: taskID, ProjectID: projectID, Role: role, Prompt: "go"})
	require.NoError(t, err)
	require.NoError(t, handle.WaitAccepted(context.Background()))
	return handle
}

func TestSpawnRejectsSecondHandleForTask(t *testing.T) {
	h := newHarness(t, ReapModeTranscript)
	h.spawn(t, "task-1", "p1", domain.RoleDev)

	_, err := h.mgr.Spawn(context.Background(), SpawnParams{TaskID: "task-1", ProjectID: "p1", Role: domain.RoleReviewer})
	assert.True(t, errors.Is(err, ErrAlreadyRunning), "got %v", err)
	assert.Equal(t, 1, h.mgr.ActiveCount(""))
}

func TestSpawnUsesDeterministicSessionKey(t *testing.T) {
	h := newHarness(t, ReapModeTranscript)
	handle := h.spawn(t, "abcdef0123456", "p1", domain.RoleDev)

	assert.Equal(t, "agent:p1:dev:abcdef01", handle.SessionKey)
	assert.Equal(t, "run-agent:p1:dev:abcdef01", handle.RunID())
	require.Len(t, h.gw.runs, 1)
	assert.Equal(t, "go", h.gw.runs[0].Message)
}

func TestSpawnRejectedByGateway(t *testing.T) {
	h := newHarness(t, ReapModeTranscript)
	h.gw.runErr = errors.New("gateway down")

	handle, err := h.mgr.Spawn(context.Background(), SpawnParams{TaskID: "t1", ProjectID: "p1"})
	require.NoError(t, err)
	err = handle.WaitAccepted(context.Background())
	require.Error(t, err)

	h.mgr.Abandon("t1")
	assert.Equal(t, 0, h.mgr.ActiveCount(""))
	assert.False(t, h.mgr.IsRecentlyReaped("t1", ""))
}

func TestCapacityCounts(t *testing.T) {
	h := newHarness(t, ReapModeTranscript)
	h.spawn(t, "t1", "p1", domain.RoleDev)
	h.spawn(t, "t2", "p1", domain.RoleReviewer)
	h.spawn(t, "t3", "p2", domain.RoleReviewer)

	assert.Equal(t, 3, h.mgr.ActiveCount(""))
	assert.Equal(t, 2, h.mgr.ActiveCount("p1"))
	assert.Equal(t, 2, h.mgr.ActiveCountByRole(domain.RoleReviewer, ""))
	assert.Equal(t, 1, h.mgr.ActiveCountByRole(domain.RoleReviewer, "p2"))
	assert.Equal(t, 0, h.mgr.ActiveCountByRole(domain.RoleAnalyzer, ""))

	active := h.mgr.Active()
	require.Len(t, active, 3)
	assert.True(t, active[0].Accepted)
}

func TestReapIdempotentWhenNothingFinished(t *testing.T) {
	h := newHarness(t, ReapModeTranscript)
	h.spawn(t, "t1", "p1", domain.RoleDev)
	h.reader.set("agent:p1:dev:t1", session.Snapshot{State: session.StateActive, ModTime: h.clock.Now(), Preview: "typing"})

	for i := 0; i < 2; i++ {
		res, err := h.mgr.ReapFinished(context.Background(), ReapOptions{StaleThreshold: 5 * time.Minute})
		require.NoError(t, err)
		assert.Empty(t, res.Outcomes)
		require.Len(t, res.Updates, 1)
		assert.Equal(t, "typing", res.Updates[0].Preview)
	}
	assert.True(t, h.mgr.HasHandle("t1"))
	assert.False(t, h.mgr.IsRecentlyReaped("t1", ""))
}

func TestReapEmptyManager(t *testing.T) {
	h := newHarness(t, ReapModeTranscript)
	res, err := h.mgr.ReapFinished(context.Background(), ReapOptions{})
	require.NoError(t, err)
	assert.Empty(t, res.Outcomes)
	assert.Empty(t, res.Updates)
	assert.Zero(t, h.reader.calls)
}

func TestReapDoneRecordsUsageAndTombstones(t *testing.T) {
	h := newHarness(t, ReapModeTranscript)
	h.spawn(t, "t1", "p1", domain.RoleDev)
	h.clock.Advance(3 * time.Minute)
	h.reader.set("agent:p1:dev:t1", session.Snapshot{
		State:   session.StateDone,
		ModTime: h.clock.Now(),
		Preview: "opened PR #12",
		Usage:   session.Usage{InputTokens: 10, OutputTokens: 5},
	})

	res, err := h.mgr.ReapFinished(context.Background(), ReapOptions{StaleThreshold: 5 * time.Minute})
	require.NoError(t, err)
	require.Len(t, res.Outcomes, 1)
	o := res.Outcomes[0]
	assert.True(t, o.Success)
	assert.Equal(t, "opened PR #12", o.Reply)
	require.NotNil(t, o.Usage)
	assert.Equal(t, int64(10), o.Usage.InputTokens)
	assert.Equal(t, 3*time.Minute, o.Duration)

	assert.False(t, h.mgr.HasHandle("t1"))
	assert.True(t, h.mgr.IsRecentlyReaped("t1", domain.RoleDev))
	assert.True(t, h.mgr.IsRecentlyReaped("t1", ""))
	assert.False(t, h.mgr.IsRecentlyReaped("t1", domain.RoleReviewer))
}

func TestReapSyntheticErrorIsFinishedButFailed(t *testing.T) {
	h := newHarness(t, ReapModeTranscript)
	h.spawn(t, "t1", "p1", domain.RoleDev)
	h.reader.set("agent:p1:dev:t1", session.Snapshot{State: session.StateDone, SyntheticError: true, ModTime: h.clock.Now()})

	res, err := h.mgr.ReapFinished(context.Background(), ReapOptions{})
	require.NoError(t, err)
	require.Len(t, res.Outcomes, 1)
	assert.False(t, res.Outcomes[0].Success)
	assert.Error(t, res.Outcomes[0].Err)
}

func TestReapStaleKillsSessionEvenWhenKillFails(t *testing.T) {
	h := newHarness(t, ReapModeTranscript)
	h.gw.delErr = errors.New("boom")
	h.spawn(t, "t1", "p1", domain.RoleDev)
	h.clock.Advance(20 * time.Minute)
	h.reader.set("agent:p1:dev:t1", session.Snapshot{State: session.StateStale, ModTime: h.clock.Now().Add(-10 * time.Minute)})

	res, err := h.mgr.ReapFinished(context.Background(), ReapOptions{StaleThreshold: 5 * time.Minute})
	require.NoError(t, err)
	require.Len(t, res.Outcomes, 1)
	assert.True(t, res.Outcomes[0].Stale)
	assert.False(t, res.Outcomes[0].Success)
	assert.Equal(t, []string{"agent:p1:dev:t1"}, h.gw.deleted)
	assert.False(t, h.mgr.HasHandle("t1"))
}

func TestReapNoTranscriptStartupGrace(t *testing.T) {
	h := newHarness(t, ReapModeTranscript)
	h.spawn(t, "t1", "p1", domain.RoleDev)

	h.clock.Advance(30 * time.Second)
	res, err := h.mgr.ReapFinished(context.Background(), ReapOptions{})
	require.NoError(t, err)
	assert.Empty(t, res.Outcomes)
	assert.True(t, h.mgr.HasHandle("t1"))

	h.clock.Advance(60 * time.Second)
	res, err = h.mgr.ReapFinished(context.Background(), ReapOptions{})
	require.NoError(t, err)
	require.Len(t, res.Outcomes, 1)
	assert.True(t, res.Outcomes[0].NoTranscript)
	assert.False(t, res.Outcomes[0].Success)
	assert.False(t, h.mgr.HasHandle("t1"))
}

func TestReapIgnoresTranscriptFromPreviousRun(t *testing.T) {
	h := newHarness(t, ReapModeTranscript)
	h.spawn(t, "t1", "p1", domain.RoleDev)
	// A finished transcript left over from before this process started.
	h.reader.set("agent:p1:dev:t1", session.Snapshot{State: session.StateDone, ModTime: h.clock.Now().Add(-time.Hour)})

	res, err := h.mgr.ReapFinished(context.Background(), ReapOptions{})
	require.NoError(t, err)
	assert.Empty(t, res.Outcomes)
	assert.False(t, h.mgr.IsRecentlyReaped("t1", ""))
}

func TestReapProjectFilter(t *testing.T) {
	h := newHarness(t, ReapModeTranscript)
	h.spawn(t, "t1", "p1", domain.RoleDev)
	h.spawn(t, "t2", "p2", domain.RoleDev)
	for _, k := range []string{"agent:p1:dev:t1", "agent:p2:dev:t2"} {
		h.reader.set(k, session.Snapshot{State: session.StateDone, ModTime: h.clock.Now()})
	}

	res, err := h.mgr.ReapFinished(context.Background(), ReapOptions{ProjectID: "p1"})
	require.NoError(t, err)
	require.Len(t, res.Outcomes, 1)
	assert.Equal(t, "t1", res.Outcomes[0].TaskID)
	assert.True(t, h.mgr.HasHandle("t2"))
}

func TestTombstoneTTLByRole(t *testing.T) {
	cases := []struct {
		role domain.Role
		ttl  time.Duration
	}{
		{domain.RoleAnalyzer, 30 * time.Second},
		{domain.RoleReviewer, 30 * time.Second},
		{domain.RoleDev, 10 * time.Minute},
		{domain.RoleConflictResolver, 10 * time.Minute},
	}
	for _, tc := range cases {
		t.Run(string(tc.role), func(t *testing.T) {
			h := newHarness(t, ReapModeTranscript)
			h.spawn(t, "t1", "p1", tc.role)
			key := NewSessionKey("p1", tc.role, "t1").String()
			h.reader.set(key, session.Snapshot{State: session.StateDone, ModTime: h.clock.Now()})
			_, err := h.mgr.ReapFinished(context.Background(), ReapOptions{})
			require.NoError(t, err)

			h.clock.Advance(tc.ttl - time.Second)
			_, err = h.mgr.Spawn(context.Background(), SpawnParams{TaskID: "t1", ProjectID: "p1", Role: tc.role})
			assert.True(t, errors.Is(err, ErrRecentlyReaped), "got %v", err)

			h.clock.Advance(2 * time.Second)
			assert.False(t, h.mgr.IsRecentlyReaped("t1", tc.role))
			_, err = h.mgr.Spawn(context.Background(), SpawnParams{TaskID: "t1", ProjectID: "p1", Role: tc.role})
			assert.NoError(t, err)
		})
	}
}

func TestReapByGateway(t *testing.T) {
	h := newHarness(t, ReapModeGateway)
	h.spawn(t, "live", "p1", domain.RoleDev)
	h.spawn(t, "gone", "p1", domain.RoleDev)
	h.spawn(t, "aborted", "p1", domain.RoleDev)
	h.clock.Advance(2 * time.Minute)
	h.gw.sessions = []gateway.SessionInfo{
		{Key: "agent:p1:dev:live", UpdatedAt: h.clock.Now().UnixMilli(), TotalTokens: 42},
		{Key: "agent:p1:dev:aborted", AbortedLastRun: true},
	}

	res, err := h.mgr.ReapFinished(context.Background(), ReapOptions{StaleThreshold: 5 * time.Minute})
	require.NoError(t, err)
	require.Len(t, res.Updates, 1)
	assert.Equal(t, "live", res.Updates[0].TaskID)
	assert.Equal(t, int64(42), res.Updates[0].Usage.TotalTokens)

	require.Len(t, res.Outcomes, 2)
	byTask := map[string]Outcome{}
	for _, o := range res.Outcomes {
		byTask[o.TaskID] = o
	}
	assert.True(t, byTask["gone"].Success)
	assert.False(t, byTask["aborted"].Success)
	assert.Zero(t, h.reader.calls)
}

func TestReapByGatewayListFailureMutatesNothing(t *testing.T) {
	h := newHarness(t, ReapModeGateway)
	h.spawn(t, "t1", "p1", domain.RoleDev)
	h.clock.Advance(5 * time.Minute)
	h.gw.listErr = errors.New("offline")

	_, err := h.mgr.ReapFinished(context.Background(), ReapOptions{})
	require.Error(t, err)
	assert.True(t, h.mgr.HasHandle("t1"))
}

// sessionDir is a real transcript directory read through session.Reader.
type sessionDir struct {
	dir string
}

func newSessionDir(t *testing.T) *sessionDir {
	t.Helper()
	return &sessionDir{dir: t.TempDir()}
}

func (d *sessionDir) index(t *testing.T, key, sessionID string) {
	t.Helper()
	data, err := json.Marshal(map[string]map[string]interface{}{
		key: {"sessionId": sessionID, "updatedAt": 1},
	})
	require.NoError(t, err)
	require.NoError(t, os.WriteFile(filepath.Join(d.dir, "sessions.json"), data, 0o644))
}

// appendLine appends one transcript record and sets the file mtime to at.
func (d *sessionDir) appendLine(t *testing.T, sessionID, line string, at time.Time) {
	t.Helper()
	path := filepath.Join(d.dir, sessionID+".jsonl")
	f, err := os.OpenFile(path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
	require.NoError(t, err)
	_, err = f.WriteString(line + "\n")
	require.NoError(t, err)
	require.NoError(t, f.Close())
	require.NoError(t, os.Chtimes(path, at, at))
}

func assistantStop(text string, at time.Time) string {
	return fmt.Sprintf(`{"type":"message","timestamp":%q,"message":{"role":"assistant","content":[{"type":"text","text":%q}],"stopReason":"stop"}}`,
		at.Format(time.RFC3339Nano), text)
}

func userTurn(text string) string {
	return fmt.Sprintf(`{"type":"message","message":{"role":"user","content":%q}}`, text)
}

func TestReapRespawnIgnoresPreviousRunOnSameKey(t *testing.T) {
	clk := &clock{now: time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)}
	sd := newSessionDir(t)
	reader := session.NewReader(filepath.Join(sd.dir, "sessions.json"), "", 0).WithClock(clk.Now)
	mgr := NewManager(&fakeGateway{}, reader, Options{Clock: clk.Now, Logger: zerolog.Nop()})
	ctx := context.Background()
	opts := ReapOptions{StaleThreshold: 5 * time.Minute}

	spawn := func() {
		t.Helper()
		handle, err := mgr.Spawn(ctx, SpawnParams{TaskID: "t1", ProjectID: "p1", Role: domain.RoleReviewer, Prompt: "review"})
		require.NoError(t, err)
		require.NoError(t, handle.WaitAccepted(ctx))
	}

	key := NewSessionKey("p1", domain.RoleReviewer, "t1").String()
	sd.index(t, key, "s1")

	spawn()
	clk.Advance(time.Minute)
	sd.appendLine(t, "s1", userTurn("review"), clk.Now())
	clk.Advance(time.Minute)
	sd.appendLine(t, "s1", assistantStop("LGTM old review", clk.Now()), clk.Now())

	res, err := mgr.ReapFinished(ctx, opts)
	require.NoError(t, err)
	require.Len(t, res.Outcomes, 1)
	assert.Equal(t, "LGTM old review", res.Outcomes[0].Reply)

	clk.Advance(31 * time.Second)
	spawn()
	clk.Advance(time.Second)
	sd.appendLine(t, "s1", userTurn("review again"), clk.Now())
	clk.Advance(5 * time.Second)

	res, err = mgr.ReapFinished(ctx, opts)
	require.NoError(t, err)
	assert.Empty(t, res.Outcomes, "previous run's final turn must not finish the new run")
	require.Len(t, res.Updates, 1)
	assert.Empty(t, res.Updates[0].Preview)
	assert.True(t, mgr.HasHandle("t1"))

	clk.Advance(2 * time.Minute)
	sd.appendLine(t, "s1", assistantStop("LGTM new review", clk.Now()), clk.Now())

	res, err = mgr.ReapFinished(ctx, opts)
	require.NoError(t, err)
	require.Len(t, res.Outcomes, 1)
	assert.True(t, res.Outcomes[0].Success)
	assert.Equal(t, "LGTM new review", res.Outcomes[0].Reply)
}

func TestReapRespawnWithUntouchedTranscriptUsesStartupGrace(t *testing.T) {
	h := newHarness(t, ReapModeTranscript)
	finishedAt := h.clock.Now()
	h.clock.Advance(11 * time.Minute)
	h.spawn(t, "t1", "p1", domain.RoleDev)
	// The file still ends with the earlier run's completed turn.
	h.reader.set("agent:p1:dev:t1", session.Snapshot{State: session.StateDone, ModTime: finishedAt, LastAssistantAt: finishedAt, Preview: "old"})

	h.clock.Advance(30 * time.Second)
	res, err := h.mgr.ReapFinished(context.Background(), ReapOptions{})
	require.NoError(t, err)
	assert.Empty(t, res.Outcomes)
	assert.Empty(t, res.Updates)

	h.clock.Advance(time.Minute)
	res, err = h.mgr.ReapFinished(context.Background(), ReapOptions{})
	require.NoError(t, err)
	require.Len(t, res.Outcomes, 1)
	assert.True(t, res.Outcomes[0].NoTranscript)
	assert.Empty(t, res.Outcomes[0].Reply)
}

func TestReapRespawnGoesStaleWhenNewRunStopsWriting(t *testing.T) {
	h := newHarness(t, ReapModeTranscript)
	finishedAt := h.clock.Now()
	h.clock.Advance(time.Hour)
	h.spawn(t, "t1", "p1", domain.RoleDev)
	h.clock.Advance(time.Second)
	h.reader.set("agent:p1:dev:t1", session.Snapshot{State: session.StateDone, ModTime: h.clock.Now(), LastAssistantAt: finishedAt})

	h.clock.Advance(10 * time.Minute)
	res, err := h.mgr.ReapFinished(context.Background(), ReapOptions{StaleThreshold: 5 * time.Minute})
	require.NoError(t, err)
	require.Len(t, res.Outcomes, 1)
	assert.True(t, res.Outcomes[0].Stale)
	assert.Equal(t, []string{"agent:p1:dev:t1"}, h.gw.deleted)
}
