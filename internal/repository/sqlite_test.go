package store

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/xiaot623/gogo/workloop/internal/domain"
)

func newTestStore(t *testing.T) *SQLiteStore {
	t.Helper()
	store, err := NewSQLiteStore(":memory:")
	if err != nil {
		t.Fatalf("failed to create store: %v", err)
	}
	return store
}

func seedProject(t *testing.T, store *SQLiteStore, projectID string) {
	t.Helper()
	if err := store.UpsertProject(context.Background(), &domain.Project{
		ProjectID:       projectID,
		Name:            projectID,
		WorkLoopEnabled: true,
	}); err != nil {
		t.Fatalf("UpsertProject failed: %v", err)
	}
}

func TestSQLiteStoreProjects(t *testing.T) {
	ctx := context.Background()
	store := newTestStore(t)
	defer store.Close()

	seedProject(t, store, "p1")
	seedProject(t, store, "p2")

	if err := store.SetWorkLoopEnabled(ctx, "p2", false); err != nil {
		t.Fatalf("SetWorkLoopEnabled failed: %v", err)
	}
	if err := store.SetWorkLoopEnabled(ctx, "missing", true); err == nil {
		t.Fatalf("expected error for missing project")
	}

	projects, err := store.ListProjects(ctx)
	if err != nil {
		t.Fatalf("ListProjects failed: %v", err)
	}
	if len(projects) != 2 {
		t.Fatalf("expected 2 projects, got %d", len(projects))
	}
	if !projects[0].WorkLoopEnabled || projects[1].WorkLoopEnabled {
		t.Fatalf("unexpected enabled flags: %+v", projects)
	}

	got, err := store.GetProject(ctx, "missing")
	if err != nil || got != nil {
		t.Fatalf("expected nil project, got %+v err=%v", got, err)
	}
}

func TestSQLiteStoreClaimTask(t *testing.T) {
	ctx := context.Background()
	store := newTestStore(t)
	defer store.Close()
	seedProject(t, store, "p1")

	now := time.Now()
	low := &domain.Task{TaskID: "t-low", ProjectID: "p1", Title: "low", Status: domain.TaskStatusReady, Priority: 1, CreatedAt: now.Add(-2 * time.Hour)}
	high := &domain.Task{TaskID: "t-high", ProjectID: "p1", Title: "high", Status: domain.TaskStatusReady, Priority: 5, CreatedAt: now}
	older := &domain.Task{TaskID: "t-older", ProjectID: "p1", Title: "older", Status: domain.TaskStatusReady, Priority: 5, CreatedAt: now.Add(-time.Hour)}
	for _, task := range []*domain.Task{low, high, older} {
		if err := store.CreateTask(ctx, task); err != nil {
			t.Fatalf("CreateTask failed: %v", err)
		}
	}

	ready, err := store.ListTasksByStatus(ctx, "p1", domain.TaskStatusReady)
	if err != nil {
		t.Fatalf("ListTasksByStatus failed: %v", err)
	}
	if len(ready) != 3 || ready[0].TaskID != "t-older" || ready[1].TaskID != "t-high" || ready[2].TaskID != "t-low" {
		t.Fatalf("unexpected ready order: %+v", ready)
	}

	ok, err := store.ClaimTask(ctx, "t-older", domain.TaskStatusReady, domain.TaskStatusInProgress)
	if err != nil || !ok {
		t.Fatalf("expected claim to succeed, ok=%v err=%v", ok, err)
	}
	ok, err = store.ClaimTask(ctx, "t-older", domain.TaskStatusReady, domain.TaskStatusInProgress)
	if err != nil || ok {
		t.Fatalf("expected second claim to fail, ok=%v err=%v", ok, err)
	}
}

func TestSQLiteStoreTaskCountersAndAgentFields(t *testing.T) {
	ctx := context.Background()
	store := newTestStore(t)
	defer store.Close()
	seedProject(t, store, "p1")

	task := &domain.Task{TaskID: "t1", ProjectID: "p1", Title: "work", Status: domain.TaskStatusInProgress}
	if err := store.CreateTask(ctx, task); err != nil {
		t.Fatalf("CreateTask failed: %v", err)
	}

	for want := 1; want <= 2; want++ {
		n, err := store.IncrementRetryCount(ctx, "t1")
		if err != nil {
			t.Fatalf("IncrementRetryCount failed: %v", err)
		}
		if n != want {
			t.Fatalf("expected retry count %d, got %d", want, n)
		}
	}
	if _, err := store.IncrementRetryCount(ctx, "missing"); err == nil {
		t.Fatalf("expected error for missing task")
	}

	started := time.Now().Add(-time.Minute)
	if err := store.UpdateTaskAgent(ctx, "t1", domain.AgentFields{
		SessionKey: "agent:p1:dev:t1",
		Model:      "sonnet",
		StartedAt:  &started,
	}); err != nil {
		t.Fatalf("UpdateTaskAgent failed: %v", err)
	}

	active, err := store.ListBelievedActiveTasks(ctx)
	if err != nil {
		t.Fatalf("ListBelievedActiveTasks failed: %v", err)
	}
	if len(active) != 1 || active[0].SessionKey != "agent:p1:dev:t1" {
		t.Fatalf("unexpected active tasks: %+v", active)
	}

	if err := store.MarkAgentFinished(ctx, "t1", time.Now()); err != nil {
		t.Fatalf("MarkAgentFinished failed: %v", err)
	}
	active, err = store.ListBelievedActiveTasks(ctx)
	if err != nil {
		t.Fatalf("ListBelievedActiveTasks failed: %v", err)
	}
	if len(active) != 0 {
		t.Fatalf("expected no active tasks, got %d", len(active))
	}

	if err := store.UpdateTaskStatus(ctx, "t1", domain.TaskStatusDone); err != nil {
		t.Fatalf("UpdateTaskStatus failed: %v", err)
	}
	got, err := store.GetTask(ctx, "t1")
	if err != nil {
		t.Fatalf("GetTask failed: %v", err)
	}
	if got.Status != domain.TaskStatusDone || got.CompletedAt == nil || got.RetryCount != 2 {
		t.Fatalf("unexpected task: %+v", got)
	}
	if got.AgentFinishedAt == nil || got.AgentModel != "sonnet" {
		t.Fatalf("agent fields not persisted: %+v", got)
	}
}

func TestSQLiteStoreTriage(t *testing.T) {
	ctx := context.Background()
	store := newTestStore(t)
	defer store.Close()
	seedProject(t, store, "p1")

	if err := store.CreateTask(ctx, &domain.Task{TaskID: "t1", ProjectID: "p1", Title: "x", Status: domain.TaskStatusBlocked}); err != nil {
		t.Fatalf("CreateTask failed: %v", err)
	}
	at := time.Now()
	n, err := store.RecordTriage(ctx, "t1", at)
	if err != nil || n != 1 {
		t.Fatalf("RecordTriage: n=%d err=%v", n, err)
	}
	if err := store.SetEscalated(ctx, "t1"); err != nil {
		t.Fatalf("SetEscalated failed: %v", err)
	}
	got, _ := store.GetTask(ctx, "t1")
	if !got.Escalated || got.TriageCount != 1 || got.LastTriageAt == nil {
		t.Fatalf("unexpected triage state: %+v", got)
	}

	if err := store.ResetTriage(ctx, "t1"); err != nil {
		t.Fatalf("ResetTriage failed: %v", err)
	}
	got, _ = store.GetTask(ctx, "t1")
	if got.Escalated || got.TriageCount != 0 || got.LastTriageAt != nil {
		t.Fatalf("triage state not reset: %+v", got)
	}
}

func TestSQLiteStoreSignals(t *testing.T) {
	ctx := context.Background()
	store := newTestStore(t)
	defer store.Close()
	seedProject(t, store, "p1")
	if err := store.CreateTask(ctx, &domain.Task{TaskID: "t1", ProjectID: "p1", Title: "x", Status: domain.TaskStatusBlocked}); err != nil {
		t.Fatalf("CreateTask failed: %v", err)
	}

	sig := &domain.Signal{TaskID: "t1", ProjectID: "p1", Question: "which db?"}
	if err := store.CreateSignal(ctx, sig); err != nil {
		t.Fatalf("CreateSignal failed: %v", err)
	}

	undelivered, err := store.ListUndeliveredSignals(ctx, "p1")
	if err != nil || len(undelivered) != 1 {
		t.Fatalf("expected 1 undelivered signal, got %d err=%v", len(undelivered), err)
	}
	if err := store.MarkSignalsDelivered(ctx, []string{sig.SignalID}, time.Now()); err != nil {
		t.Fatalf("MarkSignalsDelivered failed: %v", err)
	}
	undelivered, _ = store.ListUndeliveredSignals(ctx, "p1")
	if len(undelivered) != 0 {
		t.Fatalf("expected no undelivered signals, got %d", len(undelivered))
	}

	answered, _ := store.ListAnsweredSignals(ctx, "p1")
	if len(answered) != 0 {
		t.Fatalf("expected no answered signals yet")
	}
	if err := store.AnswerSignal(ctx, sig.SignalID, "postgres", time.Now()); err != nil {
		t.Fatalf("AnswerSignal failed: %v", err)
	}
	answered, _ = store.ListAnsweredSignals(ctx, "p1")
	if len(answered) != 1 || answered[0].Answer != "postgres" {
		t.Fatalf("unexpected answered signals: %+v", answered)
	}
	if err := store.ResolveSignal(ctx, sig.SignalID); err != nil {
		t.Fatalf("ResolveSignal failed: %v", err)
	}
	answered, _ = store.ListAnsweredSignals(ctx, "p1")
	if len(answered) != 0 {
		t.Fatalf("expected resolved signal to be excluded")
	}
}

func TestSQLiteStoreActionsAndCycleState(t *testing.T) {
	ctx := context.Background()
	store := newTestStore(t)
	defer store.Close()

	for i := 0; i < 3; i++ {
		if err := store.LogAction(ctx, &domain.ActionLogEntry{
			ProjectID: "p1",
			Cycle:     int64(i + 1),
			Phase:     domain.PhaseWork,
			Action:    "spawned",
			TaskID:    "t1",
			Details:   json.RawMessage(`{"role":"dev"}`),
		}); err != nil {
			t.Fatalf("LogAction failed: %v", err)
		}
	}

	entries, err := store.ListActions(ctx, "p1", 2)
	if err != nil {
		t.Fatalf("ListActions failed: %v", err)
	}
	if len(entries) != 2 || entries[0].Cycle != 3 {
		t.Fatalf("unexpected entries: %+v", entries)
	}
	if string(entries[0].Details) != `{"role":"dev"}` {
		t.Fatalf("unexpected details: %s", entries[0].Details)
	}

	if err := store.SaveCycleState(ctx, &domain.CycleState{ProjectID: "p1", Cycle: 1, Phase: domain.PhaseCleanup}); err != nil {
		t.Fatalf("SaveCycleState failed: %v", err)
	}
	if err := store.SaveCycleState(ctx, &domain.CycleState{ProjectID: "p1", Cycle: 2, Phase: domain.PhaseWork, ActiveAgents: 1, MaxAgents: 3}); err != nil {
		t.Fatalf("SaveCycleState failed: %v", err)
	}
	st, err := store.GetCycleState(ctx, "p1")
	if err != nil || st == nil {
		t.Fatalf("GetCycleState failed: %v", err)
	}
	if st.Cycle != 2 || st.Phase != domain.PhaseWork || st.ActiveAgents != 1 {
		t.Fatalf("unexpected cycle state: %+v", st)
	}
}

func TestSQLiteStoreAnalysisCandidates(t *testing.T) {
	ctx := context.Background()
	store := newTestStore(t)
	defer store.Close()
	seedProject(t, store, "p1")

	tasks := []*domain.Task{
		{TaskID: "done1", ProjectID: "p1", Title: "a", Status: domain.TaskStatusDone, SessionKey: "agent:p1:dev:done1"},
		{TaskID: "blocked1", ProjectID: "p1", Title: "b", Status: domain.TaskStatusBlocked, SessionKey: "agent:p1:dev:blocked1"},
		{TaskID: "nosession", ProjectID: "p1", Title: "c", Status: domain.TaskStatusDone},
		{TaskID: "ready1", ProjectID: "p1", Title: "d", Status: domain.TaskStatusReady, SessionKey: "agent:p1:dev:ready1"},
	}
	for _, task := range tasks {
		if err := store.CreateTask(ctx, task); err != nil {
			t.Fatalf("CreateTask failed: %v", err)
		}
	}

	since := time.Now().Add(-time.Hour)
	candidates, err := store.ListAnalysisCandidates(ctx, "p1", since, 10)
	if err != nil {
		t.Fatalf("ListAnalysisCandidates failed: %v", err)
	}
	if len(candidates) != 2 {
		t.Fatalf("expected 2 candidates, got %+v", candidates)
	}

	if err := store.CreateAnalysis(ctx, &domain.Analysis{
		TaskID:     "done1",
		ProjectID:  "p1",
		SessionKey: "agent:p1:analyzer:done1",
		Outcome:    "success",
		Status:     domain.AnalysisStatusPending,
	}); err != nil {
		t.Fatalf("CreateAnalysis failed: %v", err)
	}
	candidates, _ = store.ListAnalysisCandidates(ctx, "p1", since, 10)
	if len(candidates) != 1 || candidates[0].TaskID != "blocked1" {
		t.Fatalf("unexpected candidates after analysis: %+v", candidates)
	}

	if err := store.CompleteAnalysis(ctx, "done1", "agent:p1:analyzer:done1", "fine"); err != nil {
		t.Fatalf("CompleteAnalysis failed: %v", err)
	}
}
