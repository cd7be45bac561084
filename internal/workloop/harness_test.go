package workloop

import (
	"context"
	"encoding/json"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"

	"github.com/xiaot623/gogo/workloop/internal/agents"
	"github.com/xiaot623/gogo/workloop/internal/config"
	"github.com/xiaot623/gogo/workloop/internal/domain"
	"github.com/xiaot623/gogo/workloop/internal/gateway"
	"github.com/xiaot623/gogo/workloop/internal/metrics"
	"github.com/xiaot623/gogo/workloop/internal/repository"
	"github.com/xiaot623/gogo/workloop/internal/session"
	"github.com/xiaot623/gogo/workloop/internal/vcs"
	"github.com/xiaot623/gogo/workloop/policy"
	"github.com/xiaot623/gogo/workloop/tests/helpers"
)

type fakeGateway struct {
	mu      sync.Mutex
	runs    []gateway.RunAgentParams
	deleted []string
	runErr  error
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
	return nil, nil
}

func (g *fakeGateway) DeleteSession(_ context.Context, key string) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.deleted = append(g.deleted, key)
	return nil
}

func (g *fakeGateway) runKeys() []string {
	g.mu.Lock()
	defer g.mu.Unlock()
	keys := make([]string, 0, len(g.runs))
	for _, r := range g.runs {
		keys = append(keys, r.SessionKey)
	}
	return keys
}

type fakeReader struct {
	mu    sync.Mutex
	snaps map[string]session.Snapshot
}

func (r *fakeReader) Inspect(key string, _ time.Duration) (session.Snapshot, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if s, ok := r.snaps[key]; ok {
		return s, nil
	}
	return session.Snapshot{Key: key, State: session.StateUnknown}, nil
}

type fakeNotifier struct {
	mu       sync.Mutex
	messages []string
	err      error
}

func (n *fakeNotifier) SendToSession(_ context.Context, _ string, message string) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	if n.err != nil {
		return n.err
	}
	n.messages = append(n.messages, message)
	return nil
}

func (n *fakeNotifier) count() int {
	n.mu.Lock()
	defer n.mu.Unlock()
	return len(n.messages)
}

type fakeReview struct {
	mu       sync.Mutex
	prs      map[string]*vcs.PullRequest
	comments []string
}

func (r *fakeReview) FindPullRequest(_ context.Context, _ string, branch string, _ int) (*vcs.PullRequest, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.prs[branch], nil
}

func (r *fakeReview) Comment(_ context.Context, _ string, _ int, body string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.comments = append(r.comments, body)
	return nil
}

func (r *fakeReview) set(branch string, pr *vcs.PullRequest) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.prs[branch] = pr
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
	t        *testing.T
	ctx      context.Context
	store    store.Store
	gw       *fakeGateway
	reader   *fakeReader
	notifier *fakeNotifier
	review   *fakeReview
	clock    *clock
	mgr      *agents.Manager
	loop     *Loop
	project  domain.Project
}

func newHarness(t *testing.T, mutate func(cfg *config.WorkLoopConfig)) *harness {
	t.Helper()
	return newHarnessWithStore(t, helpers.NewTestSQLiteStore(t), mutate)
}

func newHarnessWithStore(t *testing.T, db store.Store, mutate func(cfg *config.WorkLoopConfig)) *harness {
	t.Helper()
	ctx := context.Background()

	cfg := config.Default().WorkLoop
	cfg.TriageIntervalMinutes = 0
	if mutate != nil {
		mutate(&cfg)
	}

	h := &harness{
		t:        t,
		ctx:      ctx,
		store:    db,
		gw:       &fakeGateway{},
		reader:   &fakeReader{snaps: map[string]session.Snapshot{}},
		notifier: &fakeNotifier{},
		review:   &fakeReview{prs: map[string]*vcs.PullRequest{}},
		clock:    &clock{now: time.Now().UTC()},
	}
	h.mgr = agents.NewManager(h.gw, h.reader, agents.Options{
		Clock:  h.clock.Now,
		Logger: zerolog.Nop(),
	})

	engine, err := policy.NewEngine(ctx, policy.DefaultCapacityPolicy)
	if err != nil {
		t.Fatalf("NewEngine failed: %v", err)
	}
	h.loop, err = New(Deps{
		Store:    db,
		Agents:   h.mgr,
		Notifier: h.notifier,
		Review:   h.review,
		Policy:   engine,
		Metrics:  metrics.NewRecorder(),
		Config:   cfg,
		Clock:    h.clock.Now,
		Logger:   zerolog.Nop(),
	})
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}

	h.project = domain.Project{ProjectID: "p1", Name: "Project One", RepoPath: "/repo", WorkLoopEnabled: true}
	if err := db.UpsertProject(ctx, &h.project); err != nil {
		t.Fatalf("UpsertProject: %v", err)
	}
	return h
}

func (h *harness) addTask(task domain.Task) domain.Task {
	h.t.Helper()
	if task.ProjectID == "" {
		task.ProjectID = h.project.ProjectID
	}
	if task.Title == "" {
		task.Title = "task " + task.TaskID
	}
	if err := h.store.CreateTask(h.ctx, &task); err != nil {
		h.t.Fatalf("CreateTask: %v", err)
	}
	return task
}

func (h *harness) task(id string) *domain.Task {
	h.t.Helper()
	task, err := h.store.GetTask(h.ctx, id)
	require.NoError(h.t, err)
	require.NotNil(h.t, task)
	return task
}

// finish makes the transcript for key look like a completed turn.
func (h *harness) finish(key, preview string) {
	h.reader.mu.Lock()
	defer h.reader.mu.Unlock()
	h.reader.snaps[key] = session.Snapshot{
		Key:        key,
		Path:       "/sessions/" + key + ".jsonl",
		State:      session.StateDone,
		ModTime:    h.clock.Now(),
		StopReason: "stop",
		Preview:    preview,
		Usage:      session.Usage{InputTokens: 100, OutputTokens: 50, TotalTokens: 150},
	}
}

func (h *harness) stale(key string) {
	h.reader.mu.Lock()
	defer h.reader.mu.Unlock()
	h.reader.snaps[key] = session.Snapshot{
		Key:     key,
		Path:    "/sessions/" + key + ".jsonl",
		State:   session.StateStale,
		ModTime: h.clock.Now(),
	}
}

// newCycle builds cycle state for calling a single phase directly.
func (h *harness) newCycle() *cycle {
	settings := h.loop.cfg.ResolveProject(h.project, nil)
	return &cycle{
		project:       h.project,
		settings:      settings,
		number:        1,
		log:           zerolog.Nop(),
		roleExhausted: make(map[domain.Role]bool),
	}
}

func (h *harness) actions() []domain.ActionLogEntry {
	h.t.Helper()
	entries, err := h.store.ListActions(h.ctx, h.project.ProjectID, 500)
	require.NoError(h.t, err)
	return entries
}

func (h *harness) actionNames() map[string]int {
	out := make(map[string]int)
	for _, e := range h.actions() {
		out[e.Action]++
	}
	return out
}

func (h *harness) findAction(action string) *domain.ActionLogEntry {
	for _, e := range h.actions() {
		if e.Action == action {
			e := e
			return &e
		}
	}
	return nil
}

func details(t *testing.T, e *domain.ActionLogEntry) map[string]interface{} {
	t.Helper()
	var out map[string]interface{}
	require.NoError(t, json.Unmarshal(e.Details, &out))
	return out
}
