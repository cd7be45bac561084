package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	_ "github.com/mattn/go-sqlite3"

	"github.com/xiaot623/gogo/workloop/internal/domain"
)

// SQLiteStore implements Store using SQLite.
type SQLiteStore struct {
	db *sql.DB
}

var _ Store = (*SQLiteStore)(nil)

// NewSQLiteStore creates a new SQLite store.
func NewSQLiteStore(dsn string) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	// For in-memory SQLite, multiple connections create separate databases.
	// Keep a single connection to avoid schema/data disappearing across goroutines.
	if dsn == ":memory:" || strings.Contains(dsn, "mode=memory") {
		db.SetMaxOpenConns(1)
		db.SetMaxIdleConns(1)
	}

	if _, err := db.Exec("PRAGMA foreign_keys = ON"); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to enable foreign keys: %w", err)
	}

	store := &SQLiteStore{db: db}
	if err := store.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to migrate database: %w", err)
	}

	return store, nil
}

// migrate runs database migrations.
func (s *SQLiteStore) migrate() error {
	migrations := []string{
		`CREATE TABLE IF NOT EXISTS projects (
			project_id TEXT PRIMARY KEY,
			name TEXT NOT NULL,
			repo_path TEXT NOT NULL DEFAULT '',
			work_loop_enabled INTEGER NOT NULL DEFAULT 0,
			max_agents INTEGER NOT NULL DEFAULT 0,
			created_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP
		)`,
		`CREATE TABLE IF NOT EXISTS tasks (
			task_id TEXT PRIMARY KEY,
			project_id TEXT NOT NULL,
			title TEXT NOT NULL,
			description TEXT NOT NULL DEFAULT '',
			status TEXT NOT NULL,
			role TEXT NOT NULL DEFAULT '',
			priority INTEGER NOT NULL DEFAULT 0,
			retry_count INTEGER NOT NULL DEFAULT 0,
			conflict_attempts INTEGER NOT NULL DEFAULT 0,
			triage_count INTEGER NOT NULL DEFAULT 0,
			last_triage_at DATETIME,
			escalated INTEGER NOT NULL DEFAULT 0,
			session_key TEXT NOT NULL DEFAULT '',
			agent_model TEXT NOT NULL DEFAULT '',
			agent_started_at DATETIME,
			agent_last_active DATETIME,
			agent_finished_at DATETIME,
			agent_preview TEXT NOT NULL DEFAULT '',
			tokens_in INTEGER NOT NULL DEFAULT 0,
			tokens_out INTEGER NOT NULL DEFAULT 0,
			branch TEXT NOT NULL DEFAULT '',
			pr_number INTEGER NOT NULL DEFAULT 0,
			created_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP,
			updated_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP,
			completed_at DATETIME,
			FOREIGN KEY (project_id) REFERENCES projects(project_id)
		)`,
		`CREATE INDEX IF NOT EXISTS idx_tasks_project_status ON tasks(project_id, status, priority, created_at)`,
		`CREATE INDEX IF NOT EXISTS idx_tasks_session ON tasks(session_key)`,
		`CREATE TABLE IF NOT EXISTS comments (
			comment_id TEXT PRIMARY KEY,
			task_id TEXT NOT NULL,
			author TEXT NOT NULL,
			kind TEXT NOT NULL,
			body TEXT NOT NULL,
			created_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP,
			FOREIGN KEY (task_id) REFERENCES tasks(task_id)
		)`,
		`CREATE INDEX IF NOT EXISTS idx_comments_task ON comments(task_id, created_at)`,
		`CREATE TABLE IF NOT EXISTS signals (
			signal_id TEXT PRIMARY KEY,
			task_id TEXT NOT NULL,
			project_id TEXT NOT NULL,
			session_key TEXT NOT NULL DEFAULT '',
			question TEXT NOT NULL,
			answer TEXT,
			delivered INTEGER NOT NULL DEFAULT 0,
			resolved INTEGER NOT NULL DEFAULT 0,
			created_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP,
			delivered_at DATETIME,
			answered_at DATETIME,
			FOREIGN KEY (task_id) REFERENCES tasks(task_id)
		)`,
		`CREATE INDEX IF NOT EXISTS idx_signals_project ON signals(project_id, delivered, resolved)`,
		`CREATE TABLE IF NOT EXISTS action_log (
			entry_id TEXT PRIMARY KEY,
			project_id TEXT NOT NULL,
			cycle INTEGER NOT NULL,
			phase TEXT NOT NULL,
			action TEXT NOT NULL,
			task_id TEXT,
			session_key TEXT,
			details TEXT,
			duration_ms INTEGER NOT NULL DEFAULT 0,
			created_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP
		)`,
		`CREATE INDEX IF NOT EXISTS idx_action_log_project ON action_log(project_id, created_at)`,
		`CREATE TABLE IF NOT EXISTS cycle_state (
			project_id TEXT PRIMARY KEY,
			cycle INTEGER NOT NULL,
			phase TEXT NOT NULL,
			active_agents INTEGER NOT NULL DEFAULT 0,
			max_agents INTEGER NOT NULL DEFAULT 0,
			updated_at DATETIME NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS analyses (
			analysis_id TEXT PRIMARY KEY,
			task_id TEXT NOT NULL,
			project_id TEXT NOT NULL,
			session_key TEXT NOT NULL DEFAULT '',
			outcome TEXT NOT NULL,
			status TEXT NOT NULL,
			summary TEXT NOT NULL DEFAULT '',
			created_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP,
			FOREIGN KEY (task_id) REFERENCES tasks(task_id)
		)`,
		`CREATE INDEX IF NOT EXISTS idx_analyses_task ON analyses(task_id)`,
	}

	for _, m := range migrations {
		if _, err := s.db.Exec(m); err != nil {
			return fmt.Errorf("migration failed: %w\n%s", err, m)
		}
	}

	// Add new columns for existing DBs (SQLite has limited ALTER TABLE support).
	if err := s.ensureColumn("tasks", "conflict_attempts", "ALTER TABLE tasks ADD COLUMN conflict_attempts INTEGER NOT NULL DEFAULT 0"); err != nil {
		return err
	}
	if err := s.ensureColumn("tasks", "last_triage_at", "ALTER TABLE tasks ADD COLUMN last_triage_at DATETIME"); err != nil {
		return err
	}

	return nil
}

func (s *SQLiteStore) ensureColumn(tableName, columnName, ddl string) error {
	rows, err := s.db.Query(fmt.Sprintf("PRAGMA table_info(%s)", tableName))
	if err != nil {
		return err
	}
	defer rows.Close()

	for rows.Next() {
		var cid int
		var name, ctype string
		var notnull int
		var dfltValue sql.NullString
		var pk int
		if err := rows.Scan(&cid, &name, &ctype, &notnull, &dfltValue, &pk); err != nil {
			return err
		}
		if name == columnName {
			return nil
		}
	}
	if err := rows.Err(); err != nil {
		return err
	}

	_, err = s.db.Exec(ddl)
	return err
}

// Close closes the database connection.
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

func newID(prefix string) string {
	return prefix + uuid.New().String()[:8]
}

func nullTime(t *time.Time) sql.NullTime {
	if t == nil || t.IsZero() {
		return sql.NullTime{}
	}
	return sql.NullTime{Time: t.UTC(), Valid: true}
}

func timePtr(nt sql.NullTime) *time.Time {
	if !nt.Valid {
		return nil
	}
	t := nt.Time
	return &t
}

func boolInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

// UpsertProject creates or updates a project.
func (s *SQLiteStore) UpsertProject(ctx context.Context, project *domain.Project) error {
	createdAt := project.CreatedAt
	if createdAt.IsZero() {
		createdAt = time.Now()
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO projects (project_id, name, repo_path, work_loop_enabled, max_agents, created_at)
		 VALUES (?, ?, ?, ?, ?, ?)
		 ON CONFLICT(project_id) DO UPDATE SET
			name = excluded.name,
			repo_path = excluded.repo_path,
			work_loop_enabled = excluded.work_loop_enabled,
			max_agents = excluded.max_agents`,
		project.ProjectID, project.Name, project.RepoPath, boolInt(project.WorkLoopEnabled), project.MaxAgents, createdAt.UTC())
	return err
}

const projectColumns = `project_id, name, repo_path, work_loop_enabled, max_agents, created_at`

func scanProject(row interface{ Scan(...interface{}) error }) (*domain.Project, error) {
	var p domain.Project
	var enabled int
	if err := row.Scan(&p.ProjectID, &p.Name, &p.RepoPath, &enabled, &p.MaxAgents, &p.CreatedAt); err != nil {
		return nil, err
	}
	p.WorkLoopEnabled = enabled != 0
	return &p, nil
}

// GetProject retrieves a project by ID.
func (s *SQLiteStore) GetProject(ctx context.Context, projectID string) (*domain.Project, error) {
	p, err := scanProject(s.db.QueryRowContext(ctx,
		`SELECT `+projectColumns+` FROM projects WHERE project_id = ?`, projectID))
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return p, nil
}

// ListProjects lists all projects ordered by ID.
func (s *SQLiteStore) ListProjects(ctx context.Context) ([]domain.Project, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT `+projectColumns+` FROM projects ORDER BY project_id ASC`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var projects []domain.Project
	for rows.Next() {
		p, err := scanProject(rows)
		if err != nil {
			return nil, err
		}
		projects = append(projects, *p)
	}
	return projects, rows.Err()
}

// SetWorkLoopEnabled toggles the work loop for a project.
func (s *SQLiteStore) SetWorkLoopEnabled(ctx context.Context, projectID string, enabled bool) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE projects SET work_loop_enabled = ? WHERE project_id = ?`, boolInt(enabled), projectID)
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return fmt.Errorf("project %s not found", projectID)
	}
	return nil
}

const taskColumns = `task_id, project_id, title, description, status, role, priority,
	retry_count, conflict_attempts, triage_count, last_triage_at, escalated,
	session_key, agent_model, agent_started_at, agent_last_active, agent_finished_at, agent_preview,
	tokens_in, tokens_out, branch, pr_number, created_at, updated_at, completed_at`

func scanTask(row interface{ Scan(...interface{}) error }) (*domain.Task, error) {
	var t domain.Task
	var escalated int
	var lastTriage, started, lastActive, finished, completed sql.NullTime
	err := row.Scan(
		&t.TaskID, &t.ProjectID, &t.Title, &t.Description, &t.Status, &t.Role, &t.Priority,
		&t.RetryCount, &t.ConflictAttempts, &t.TriageCount, &lastTriage, &escalated,
		&t.SessionKey, &t.AgentModel, &started, &lastActive, &finished, &t.AgentPreview,
		&t.TokensIn, &t.TokensOut, &t.Branch, &t.PRNumber, &t.CreatedAt, &t.UpdatedAt, &completed,
	)
	if err != nil {
		return nil, err
	}
	t.Escalated = escalated != 0
	t.LastTriageAt = timePtr(lastTriage)
	t.AgentStartedAt = timePtr(started)
	t.AgentLastActive = timePtr(lastActive)
	t.AgentFinishedAt = timePtr(finished)
	t.CompletedAt = timePtr(completed)
	return &t, nil
}

func (s *SQLiteStore) queryTasks(ctx context.Context, query string, args ...interface{}) ([]domain.Task, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var tasks []domain.Task
	for rows.Next() {
		t, err := scanTask(rows)
		if err != nil {
			return nil, err
		}
		tasks = append(tasks, *t)
	}
	return tasks, rows.Err()
}

// CreateTask creates a new task.
func (s *SQLiteStore) CreateTask(ctx context.Context, task *domain.Task) error {
	if task.TaskID == "" {
		task.TaskID = uuid.New().String()
	}
	now := time.Now().UTC()
	if task.CreatedAt.IsZero() {
		task.CreatedAt = now
	}
	if task.UpdatedAt.IsZero() {
		task.UpdatedAt = task.CreatedAt
	}
	if task.Status == "" {
		task.Status = domain.TaskStatusBacklog
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO tasks (task_id, project_id, title, description, status, role, priority,
			retry_count, conflict_attempts, triage_count, escalated, session_key, agent_model,
			agent_started_at, agent_finished_at, branch, pr_number, created_at, updated_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		task.TaskID, task.ProjectID, task.Title, task.Description, task.Status, task.Role, task.Priority,
		task.RetryCount, task.ConflictAttempts, task.TriageCount, boolInt(task.Escalated), task.SessionKey, task.AgentModel,
		nullTime(task.AgentStartedAt), nullTime(task.AgentFinishedAt), task.Branch, task.PRNumber,
		task.CreatedAt.UTC(), task.UpdatedAt.UTC())
	return err
}

// GetTask retrieves a task by ID.
func (s *SQLiteStore) GetTask(ctx context.Context, taskID string) (*domain.Task, error) {
	t, err := scanTask(s.db.QueryRowContext(ctx, `SELECT `+taskColumns+` FROM tasks WHERE task_id = ?`, taskID))
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return t, nil
}

// ListTasksByStatus lists a project's tasks in a status, highest priority and
// oldest first.
func (s *SQLiteStore) ListTasksByStatus(ctx context.Context, projectID string, status domain.TaskStatus) ([]domain.Task, error) {
	return s.queryTasks(ctx,
		`SELECT `+taskColumns+` FROM tasks WHERE project_id = ? AND status = ?
		 ORDER BY priority DESC, created_at ASC`,
		projectID, status)
}

// ClaimTask moves a task from one status to another only if it is still in
// the expected status. Returns false when another writer got there first.
func (s *SQLiteStore) ClaimTask(ctx context.Context, taskID string, from, to domain.TaskStatus) (bool, error) {
	res, err := s.db.ExecContext(ctx,
		`UPDATE tasks SET status = ?, updated_at = ? WHERE task_id = ? AND status = ?`,
		to, time.Now().UTC(), taskID, from)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n == 1, nil
}

// UpdateTaskStatus sets a task's status.
func (s *SQLiteStore) UpdateTaskStatus(ctx context.Context, taskID string, status domain.TaskStatus) error {
	now := time.Now().UTC()
	var completedAt sql.NullTime
	if status == domain.TaskStatusDone {
		completedAt = sql.NullTime{Time: now, Valid: true}
	}
	_, err := s.db.ExecContext(ctx,
		`UPDATE tasks SET status = ?, updated_at = ?, completed_at = COALESCE(?, completed_at) WHERE task_id = ?`,
		status, now, completedAt, taskID)
	return err
}

// SetTaskRole changes the role the next agent for this task will run as.
func (s *SQLiteStore) SetTaskRole(ctx context.Context, taskID string, role domain.Role) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE tasks SET role = ?, updated_at = ? WHERE task_id = ?`, role, time.Now().UTC(), taskID)
	return err
}

// AppendTaskDescription appends context to a task's description.
func (s *SQLiteStore) AppendTaskDescription(ctx context.Context, taskID, text string) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE tasks SET description = description || ?, updated_at = ? WHERE task_id = ?`,
		text, time.Now().UTC(), taskID)
	return err
}

// UpdateTaskAgent records the agent linkage fields for a task.
func (s *SQLiteStore) UpdateTaskAgent(ctx context.Context, taskID string, fields domain.AgentFields) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE tasks SET
			session_key = ?,
			agent_model = ?,
			agent_started_at = ?,
			agent_last_active = ?,
			agent_finished_at = ?,
			agent_preview = ?,
			tokens_in = ?,
			tokens_out = ?,
			updated_at = ?
		 WHERE task_id = ?`,
		fields.SessionKey, fields.Model, nullTime(fields.StartedAt), nullTime(fields.LastActive),
		nullTime(fields.FinishedAt), fields.Preview, fields.TokensIn, fields.TokensOut,
		time.Now().UTC(), taskID)
	return err
}

// UpdateTaskActivity refreshes activity data for a running agent. It does not
// touch updated_at so stale-review detection keeps working.
func (s *SQLiteStore) UpdateTaskActivity(ctx context.Context, taskID string, lastActive time.Time, preview string, tokensIn, tokensOut int64) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE tasks SET agent_last_active = ?, agent_preview = ?, tokens_in = ?, tokens_out = ? WHERE task_id = ?`,
		lastActive.UTC(), preview, tokensIn, tokensOut, taskID)
	return err
}

// MarkAgentFinished records that the task's agent session is no longer live.
func (s *SQLiteStore) MarkAgentFinished(ctx context.Context, taskID string, finishedAt time.Time) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE tasks SET agent_finished_at = ? WHERE task_id = ? AND agent_finished_at IS NULL`,
		finishedAt.UTC(), taskID)
	return err
}

func (s *SQLiteStore) incrementCounter(ctx context.Context, taskID, column string) (int, error) {
	var n int
	err := s.db.QueryRowContext(ctx,
		fmt.Sprintf(`UPDATE tasks SET %s = %s + 1, updated_at = ? WHERE task_id = ? RETURNING %s`, column, column, column),
		time.Now().UTC(), taskID).Scan(&n)
	if err == sql.ErrNoRows {
		return 0, fmt.Errorf("task %s not found", taskID)
	}
	return n, err
}

// IncrementRetryCount bumps the retry counter and returns the new value.
func (s *SQLiteStore) IncrementRetryCount(ctx context.Context, taskID string) (int, error) {
	return s.incrementCounter(ctx, taskID, "retry_count")
}

// IncrementConflictAttempts bumps the conflict-resolution counter and returns the new value.
func (s *SQLiteStore) IncrementConflictAttempts(ctx context.Context, taskID string) (int, error) {
	return s.incrementCounter(ctx, taskID, "conflict_attempts")
}

// RecordTriage bumps the triage counter, stamps the send time and returns the new count.
func (s *SQLiteStore) RecordTriage(ctx context.Context, taskID string, at time.Time) (int, error) {
	var n int
	err := s.db.QueryRowContext(ctx,
		`UPDATE tasks SET triage_count = triage_count + 1, last_triage_at = ? WHERE task_id = ? RETURNING triage_count`,
		at.UTC(), taskID).Scan(&n)
	if err == sql.ErrNoRows {
		return 0, fmt.Errorf("task %s not found", taskID)
	}
	return n, err
}

// SetEscalated marks a task as handed off to a human.
func (s *SQLiteStore) SetEscalated(ctx context.Context, taskID string) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE tasks SET escalated = 1, updated_at = ? WHERE task_id = ?`, time.Now().UTC(), taskID)
	return err
}

// ResetTriage clears the triage counter and escalation flag once a task is
// back in automatic hands.
func (s *SQLiteStore) ResetTriage(ctx context.Context, taskID string) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE tasks SET triage_count = 0, last_triage_at = NULL, escalated = 0 WHERE task_id = ?`, taskID)
	return err
}

// ListBelievedActiveTasks lists tasks whose agent session the datastore still
// considers live.
func (s *SQLiteStore) ListBelievedActiveTasks(ctx context.Context) ([]domain.Task, error) {
	return s.queryTasks(ctx,
		`SELECT `+taskColumns+` FROM tasks
		 WHERE session_key != '' AND agent_finished_at IS NULL
		 ORDER BY agent_started_at ASC`)
}

// ListAnalysisCandidates lists recently finished or failed tasks that have no
// analysis row yet.
func (s *SQLiteStore) ListAnalysisCandidates(ctx context.Context, projectID string, since time.Time, limit int) ([]domain.Task, error) {
	if limit <= 0 {
		limit = 10
	}
	return s.queryTasks(ctx,
		`SELECT `+taskColumns+` FROM tasks t
		 WHERE t.project_id = ?
		   AND t.session_key != ''
		   AND t.updated_at >= ?
		   AND (t.status = 'done' OR t.status = 'blocked' OR (t.status = 'backlog' AND t.retry_count > 0))
		   AND NOT EXISTS (SELECT 1 FROM analyses a WHERE a.task_id = t.task_id)
		 ORDER BY t.updated_at ASC
		 LIMIT ?`,
		projectID, since.UTC(), limit)
}

// AddComment adds a comment to a task.
func (s *SQLiteStore) AddComment(ctx context.Context, comment *domain.Comment) error {
	if comment.CommentID == "" {
		comment.CommentID = newID("cmt_")
	}
	if comment.CreatedAt.IsZero() {
		comment.CreatedAt = time.Now()
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO comments (comment_id, task_id, author, kind, body, created_at) VALUES (?, ?, ?, ?, ?, ?)`,
		comment.CommentID, comment.TaskID, comment.Author, comment.Kind, comment.Body, comment.CreatedAt.UTC())
	return err
}

// ListComments lists a task's comments oldest first.
func (s *SQLiteStore) ListComments(ctx context.Context, taskID string) ([]domain.Comment, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT comment_id, task_id, author, kind, body, created_at FROM comments WHERE task_id = ? ORDER BY created_at ASC`,
		taskID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var comments []domain.Comment
	for rows.Next() {
		var c domain.Comment
		if err := rows.Scan(&c.CommentID, &c.TaskID, &c.Author, &c.Kind, &c.Body, &c.CreatedAt); err != nil {
			return nil, err
		}
		comments = append(comments, c)
	}
	return comments, rows.Err()
}

const signalColumns = `signal_id, task_id, project_id, session_key, question, answer,
	delivered, resolved, created_at, delivered_at, answered_at`

func (s *SQLiteStore) querySignals(ctx context.Context, query string, args ...interface{}) ([]domain.Signal, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var signals []domain.Signal
	for rows.Next() {
		var sig domain.Signal
		var answer sql.NullString
		var delivered, resolved int
		var deliveredAt, answeredAt sql.NullTime
		if err := rows.Scan(&sig.SignalID, &sig.TaskID, &sig.ProjectID, &sig.SessionKey, &sig.Question, &answer,
			&delivered, &resolved, &sig.CreatedAt, &deliveredAt, &answeredAt); err != nil {
			return nil, err
		}
		sig.Answer = answer.String
		sig.Delivered = delivered != 0
		sig.Resolved = resolved != 0
		sig.DeliveredAt = timePtr(deliveredAt)
		sig.AnsweredAt = timePtr(answeredAt)
		signals = append(signals, sig)
	}
	return signals, rows.Err()
}

// CreateSignal records a blocking question.
func (s *SQLiteStore) CreateSignal(ctx context.Context, signal *domain.Signal) error {
	if signal.SignalID == "" {
		signal.SignalID = newID("sig_")
	}
	if signal.CreatedAt.IsZero() {
		signal.CreatedAt = time.Now()
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO signals (signal_id, task_id, project_id, session_key, question, delivered, resolved, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		signal.SignalID, signal.TaskID, signal.ProjectID, signal.SessionKey, signal.Question,
		boolInt(signal.Delivered), boolInt(signal.Resolved), signal.CreatedAt.UTC())
	return err
}

// ListUndeliveredSignals lists blocking questions not yet forwarded to a human.
func (s *SQLiteStore) ListUndeliveredSignals(ctx context.Context, projectID string) ([]domain.Signal, error) {
	return s.querySignals(ctx,
		`SELECT `+signalColumns+` FROM signals
		 WHERE project_id = ? AND delivered = 0 AND resolved = 0
		 ORDER BY created_at ASC`,
		projectID)
}

// MarkSignalsDelivered flags signals as forwarded.
func (s *SQLiteStore) MarkSignalsDelivered(ctx context.Context, signalIDs []string, at time.Time) error {
	if len(signalIDs) == 0 {
		return nil
	}
	placeholders := strings.TrimSuffix(strings.Repeat("?,", len(signalIDs)), ",")
	args := []interface{}{at.UTC()}
	for _, id := range signalIDs {
		args = append(args, id)
	}
	_, err := s.db.ExecContext(ctx,
		`UPDATE signals SET delivered = 1, delivered_at = ? WHERE signal_id IN (`+placeholders+`)`, args...)
	return err
}

// AnswerSignal records a human answer to a blocking question.
func (s *SQLiteStore) AnswerSignal(ctx context.Context, signalID, answer string, at time.Time) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE signals SET answer = ?, answered_at = ? WHERE signal_id = ?`, answer, at.UTC(), signalID)
	return err
}

// ListAnsweredSignals lists answered questions whose tasks have not been requeued yet.
func (s *SQLiteStore) ListAnsweredSignals(ctx context.Context, projectID string) ([]domain.Signal, error) {
	return s.querySignals(ctx,
		`SELECT `+signalColumns+` FROM signals
		 WHERE project_id = ? AND answered_at IS NOT NULL AND resolved = 0
		 ORDER BY answered_at ASC`,
		projectID)
}

// ResolveSignal closes a blocking question.
func (s *SQLiteStore) ResolveSignal(ctx context.Context, signalID string) error {
	_, err := s.db.ExecContext(ctx, `UPDATE signals SET resolved = 1 WHERE signal_id = ?`, signalID)
	return err
}

// LogAction appends an audit log entry.
func (s *SQLiteStore) LogAction(ctx context.Context, entry *domain.ActionLogEntry) error {
	if entry.EntryID == "" {
		entry.EntryID = newID("act_")
	}
	if entry.CreatedAt.IsZero() {
		entry.CreatedAt = time.Now()
	}
	var details sql.NullString
	if len(entry.Details) > 0 {
		details = sql.NullString{String: string(entry.Details), Valid: true}
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO action_log (entry_id, project_id, cycle, phase, action, task_id, session_key, details, duration_ms, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		entry.EntryID, entry.ProjectID, entry.Cycle, entry.Phase, entry.Action, entry.TaskID, entry.SessionKey,
		details, entry.DurationMs, entry.CreatedAt.UTC())
	return err
}

// ListActions lists a project's most recent audit entries, newest first.
func (s *SQLiteStore) ListActions(ctx context.Context, projectID string, limit int) ([]domain.ActionLogEntry, error) {
	query := `SELECT entry_id, project_id, cycle, phase, action, task_id, session_key, details, duration_ms, created_at
		FROM action_log WHERE project_id = ? ORDER BY created_at DESC, rowid DESC`
	if limit > 0 {
		query += fmt.Sprintf(" LIMIT %d", limit)
	}

	rows, err := s.db.QueryContext(ctx, query, projectID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var entries []domain.ActionLogEntry
	for rows.Next() {
		var e domain.ActionLogEntry
		var taskID, sessionKey, details sql.NullString
		if err := rows.Scan(&e.EntryID, &e.ProjectID, &e.Cycle, &e.Phase, &e.Action, &taskID, &sessionKey,
			&details, &e.DurationMs, &e.CreatedAt); err != nil {
			return nil, err
		}
		e.TaskID = taskID.String
		e.SessionKey = sessionKey.String
		if details.Valid {
			e.Details = json.RawMessage(details.String)
		}
		entries = append(entries, e)
	}
	return entries, rows.Err()
}

// SaveCycleState upserts a project's cycle state.
func (s *SQLiteStore) SaveCycleState(ctx context.Context, state *domain.CycleState) error {
	if state.UpdatedAt.IsZero() {
		state.UpdatedAt = time.Now()
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO cycle_state (project_id, cycle, phase, active_agents, max_agents, updated_at)
		 VALUES (?, ?, ?, ?, ?, ?)
		 ON CONFLICT(project_id) DO UPDATE SET
			cycle = excluded.cycle,
			phase = excluded.phase,
			active_agents = excluded.active_agents,
			max_agents = excluded.max_agents,
			updated_at = excluded.updated_at`,
		state.ProjectID, state.Cycle, state.Phase, state.ActiveAgents, state.MaxAgents, state.UpdatedAt.UTC())
	return err
}

// GetCycleState retrieves a project's cycle state.
func (s *SQLiteStore) GetCycleState(ctx context.Context, projectID string) (*domain.CycleState, error) {
	var st domain.CycleState
	err := s.db.QueryRowContext(ctx,
		`SELECT project_id, cycle, phase, active_agents, max_agents, updated_at FROM cycle_state WHERE project_id = ?`,
		projectID).Scan(&st.ProjectID, &st.Cycle, &st.Phase, &st.ActiveAgents, &st.MaxAgents, &st.UpdatedAt)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &st, nil
}

// ListCycleStates lists every project's cycle state.
func (s *SQLiteStore) ListCycleStates(ctx context.Context) ([]domain.CycleState, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT project_id, cycle, phase, active_agents, max_agents, updated_at FROM cycle_state ORDER BY project_id ASC`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var states []domain.CycleState
	for rows.Next() {
		var st domain.CycleState
		if err := rows.Scan(&st.ProjectID, &st.Cycle, &st.Phase, &st.ActiveAgents, &st.MaxAgents, &st.UpdatedAt); err != nil {
			return nil, err
		}
		states = append(states, st)
	}
	return states, rows.Err()
}

// CreateAnalysis records a post-mortem request.
func (s *SQLiteStore) CreateAnalysis(ctx context.Context, analysis *domain.Analysis) error {
	if analysis.AnalysisID == "" {
		analysis.AnalysisID = newID("ana_")
	}
	if analysis.CreatedAt.IsZero() {
		analysis.CreatedAt = time.Now()
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO analyses (analysis_id, task_id, project_id, session_key, outcome, status, summary, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		analysis.AnalysisID, analysis.TaskID, analysis.ProjectID, analysis.SessionKey, analysis.Outcome,
		analysis.Status, analysis.Summary, analysis.CreatedAt.UTC())
	return err
}

// CompleteAnalysis marks a task's pending analysis done.
func (s *SQLiteStore) CompleteAnalysis(ctx context.Context, taskID, sessionKey, summary string) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE analyses SET status = ?, summary = ? WHERE task_id = ? AND session_key = ? AND status = ?`,
		domain.AnalysisStatusDone, summary, taskID, sessionKey, domain.AnalysisStatusPending)
	return err
}
