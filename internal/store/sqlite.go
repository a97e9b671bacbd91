package store

import (
	"context"
	"crypto/rand"
	"database/sql"
	"embed"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"github.com/oklog/ulid/v2"

	"github.com/samotage/headspace/internal/models"

	_ "modernc.org/sqlite"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

// dbtx is satisfied by both *sql.DB and *sql.Tx.
type dbtx interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

var _ Store = (*SQLiteStore)(nil)

// SQLiteStore implements Store using modernc.org/sqlite (pure Go, no CGO).
type SQLiteStore struct {
	db   *sql.DB
	q    dbtx
	inTx bool
}

// NewSQLiteStore opens (or creates) a SQLite database at the given path.
func NewSQLiteStore(dbPath string) (*SQLiteStore, error) {
	dir := filepath.Dir(dbPath)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("create db directory: %w", err)
	}

	// _time_format=sqlite stores times as sortable "YYYY-MM-DD HH:MM:SS.fff+00:00"
	// text, which the range queries on turns rely on.
	db, err := sql.Open("sqlite", dbPath+"?_time_format=sqlite")
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	// One connection serializes writers inside the process. Cross-process
	// contention is handled by busy_timeout and withRetry.
	db.SetMaxOpenConns(1)

	pragmas := []struct{ stmt, desc string }{
		{"PRAGMA journal_mode=WAL", "enable WAL mode"},
		{"PRAGMA busy_timeout=5000", "set busy timeout"},
		{"PRAGMA foreign_keys=ON", "enable foreign keys"},
	}
	for _, p := range pragmas {
		if _, err := db.Exec(p.stmt); err != nil {
			_ = db.Close()
			return nil, fmt.Errorf("%s: %w", p.desc, err)
		}
	}

	return &SQLiteStore{db: db, q: db}, nil
}

var (
	ulidMu      sync.Mutex
	ulidEntropy = ulid.Monotonic(rand.Reader, 0)
)

// newULID generates a new ULID string. IDs minted within one millisecond
// still sort in creation order.
func newULID() string {
	ulidMu.Lock()
	defer ulidMu.Unlock()
	return ulid.MustNew(ulid.Timestamp(time.Now()), ulidEntropy).String()
}

func nullString(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}

func nullTime(t *time.Time) sql.NullTime {
	if t == nil {
		return sql.NullTime{}
	}
	return sql.NullTime{Time: t.UTC(), Valid: true}
}

func timePtr(nt sql.NullTime) *time.Time {
	if !nt.Valid {
		return nil
	}
	t := nt.Time.UTC()
	return &t
}

// exec runs a write statement, retrying on transient lock errors when not
// already inside a transaction.
func (s *SQLiteStore) exec(ctx context.Context, query string, args ...any) (sql.Result, error) {
	if s.inTx {
		return s.q.ExecContext(ctx, query, args...)
	}
	var res sql.Result
	err := withRetry(ctx, func() error {
		var err error
		res, err = s.q.ExecContext(ctx, query, args...)
		return err
	})
	return res, err
}

// execOne runs an update that must touch exactly one row.
func (s *SQLiteStore) execOne(ctx context.Context, what, id, query string, args ...any) error {
	res, err := s.exec(ctx, query, args...)
	if err != nil {
		return fmt.Errorf("update %s: %w", what, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("update %s: %w", what, err)
	}
	if n == 0 {
		return fmt.Errorf("%s %w: %s", what, ErrNotFound, id)
	}
	return nil
}

// InTx runs fn in a transaction. Nested calls reuse the outer transaction.
// The whole transaction is retried when SQLite reports contention.
func (s *SQLiteStore) InTx(ctx context.Context, fn func(tx Store) error) error {
	if s.inTx {
		return fn(s)
	}
	return withRetry(ctx, func() error {
		tx, err := s.db.BeginTx(ctx, nil)
		if err != nil {
			return fmt.Errorf("begin tx: %w", err)
		}
		defer func() { _ = tx.Rollback() }()

		if err := fn(&SQLiteStore{db: s.db, q: tx, inTx: true}); err != nil {
			return err
		}
		if err := tx.Commit(); err != nil {
			return fmt.Errorf("commit tx: %w", err)
		}
		return nil
	})
}

// Migrate runs all embedded SQL migration files in order.
func (s *SQLiteStore) Migrate(ctx context.Context) error {
	_, err := s.db.ExecContext(ctx, `CREATE TABLE IF NOT EXISTS schema_migrations (
		filename TEXT PRIMARY KEY,
		applied_at DATETIME NOT NULL DEFAULT (datetime('now'))
	)`)
	if err != nil {
		return fmt.Errorf("create migrations table: %w", err)
	}

	entries, err := migrationsFS.ReadDir("migrations")
	if err != nil {
		return fmt.Errorf("read migrations dir: %w", err)
	}
	sort.Slice(entries, func(i, j int) bool {
		return entries[i].Name() < entries[j].Name()
	})

	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}
		name := entry.Name()

		var count int
		err := s.db.QueryRowContext(ctx, "SELECT COUNT(*) FROM schema_migrations WHERE filename = ?", name).Scan(&count)
		if err != nil {
			return fmt.Errorf("check migration %s: %w", name, err)
		}
		if count > 0 {
			continue
		}

		data, err := migrationsFS.ReadFile("migrations/" + name)
		if err != nil {
			return fmt.Errorf("read migration %s: %w", name, err)
		}
		if _, err := s.db.ExecContext(ctx, string(data)); err != nil {
			return fmt.Errorf("apply migration %s: %w", name, err)
		}
		if _, err := s.db.ExecContext(ctx, "INSERT INTO schema_migrations (filename) VALUES (?)", name); err != nil {
			return fmt.Errorf("record migration %s: %w", name, err)
		}
	}
	return nil
}

// Close closes the database connection.
func (s *SQLiteStore) Close() error {
	if s.inTx {
		return errors.New("close called inside transaction")
	}
	return s.db.Close()
}

// scanner is satisfied by *sql.Row and *sql.Rows.
type scanner interface {
	Scan(dest ...any) error
}

// --- Projects ---

const projectColumns = `id, name, path, created_at, updated_at`

func scanProject(row scanner) (*models.Project, error) {
	p := &models.Project{}
	if err := row.Scan(&p.ID, &p.Name, &p.Path, &p.CreatedAt, &p.UpdatedAt); err != nil {
		return nil, err
	}
	return p, nil
}

func (s *SQLiteStore) CreateProject(ctx context.Context, p *models.Project) error {
	if p.ID == "" {
		p.ID = newULID()
	}
	now := time.Now().UTC()
	p.CreatedAt = now
	p.UpdatedAt = now

	_, err := s.exec(ctx,
		`INSERT INTO projects (`+projectColumns+`) VALUES (?, ?, ?, ?, ?)`,
		p.ID, p.Name, p.Path, p.CreatedAt, p.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("create project: %w", err)
	}
	return nil
}

func (s *SQLiteStore) GetProject(ctx context.Context, id string) (*models.Project, error) {
	p, err := scanProject(s.q.QueryRowContext(ctx,
		`SELECT `+projectColumns+` FROM projects WHERE id = ?`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("project %w: %s", ErrNotFound, id)
	}
	if err != nil {
		return nil, fmt.Errorf("get project: %w", err)
	}
	return p, nil
}

func (s *SQLiteStore) GetProjectByPath(ctx context.Context, path string) (*models.Project, error) {
	p, err := scanProject(s.q.QueryRowContext(ctx,
		`SELECT `+projectColumns+` FROM projects WHERE path = ?`, path))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("project %w at path: %s", ErrNotFound, path)
	}
	if err != nil {
		return nil, fmt.Errorf("get project by path: %w", err)
	}
	return p, nil
}

// --- Agents ---

const agentColumns = `id, session_uuid, claude_session_id, project_id, working_directory,
	transcript_path, transcript_offset, tmux_pane, window_pane, started_at, last_seen_at, ended_at, end_reason`

func scanAgent(row scanner) (*models.Agent, error) {
	a := &models.Agent{}
	var claudeSessionID sql.NullString
	var endedAt sql.NullTime
	var endReason string
	if err := row.Scan(&a.ID, &a.SessionUUID, &claudeSessionID, &a.ProjectID, &a.WorkingDirectory,
		&a.TranscriptPath, &a.TranscriptOffset, &a.TmuxPane, &a.WindowPane,
		&a.StartedAt, &a.LastSeenAt, &endedAt, &endReason); err != nil {
		return nil, err
	}
	a.ClaudeSessionID = claudeSessionID.String
	a.EndedAt = timePtr(endedAt)
	a.EndReason = models.EndReason(endReason)
	return a, nil
}

func (s *SQLiteStore) queryAgent(ctx context.Context, what, key, query string, args ...any) (*models.Agent, error) {
	a, err := scanAgent(s.q.QueryRowContext(ctx, query, args...))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("agent %w: %s", ErrNotFound, key)
	}
	if err != nil {
		return nil, fmt.Errorf("%s: %w", what, err)
	}
	return a, nil
}

func (s *SQLiteStore) queryAgents(ctx context.Context, query string, args ...any) ([]*models.Agent, error) {
	rows, err := s.q.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list agents: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var agents []*models.Agent
	for rows.Next() {
		a, err := scanAgent(rows)
		if err != nil {
			return nil, fmt.Errorf("scan agent: %w", err)
		}
		agents = append(agents, a)
	}
	return agents, rows.Err()
}

func (s *SQLiteStore) CreateAgent(ctx context.Context, a *models.Agent) error {
	if a.ID == "" {
		a.ID = newULID()
	}
	now := time.Now().UTC()
	if a.StartedAt.IsZero() {
		a.StartedAt = now
	}
	if a.LastSeenAt.IsZero() {
		a.LastSeenAt = a.StartedAt
	}

	_, err := s.exec(ctx,
		`INSERT INTO agents (`+agentColumns+`) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		a.ID, a.SessionUUID, nullString(a.ClaudeSessionID), a.ProjectID, a.WorkingDirectory,
		a.TranscriptPath, a.TranscriptOffset, a.TmuxPane, a.WindowPane,
		a.StartedAt.UTC(), a.LastSeenAt.UTC(), nullTime(a.EndedAt), string(a.EndReason),
	)
	if err != nil {
		return fmt.Errorf("create agent: %w", err)
	}
	return nil
}

func (s *SQLiteStore) GetAgent(ctx context.Context, id string) (*models.Agent, error) {
	return s.queryAgent(ctx, "get agent", id,
		`SELECT `+agentColumns+` FROM agents WHERE id = ?`, id)
}

// GetActiveAgentByClaudeSessionID returns the open agent claimed by sessionID.
func (s *SQLiteStore) GetActiveAgentByClaudeSessionID(ctx context.Context, sessionID string) (*models.Agent, error) {
	return s.queryAgent(ctx, "get agent by session", sessionID,
		`SELECT `+agentColumns+` FROM agents
		WHERE claude_session_id = ? AND ended_at IS NULL
		ORDER BY started_at DESC LIMIT 1`, sessionID)
}

func (s *SQLiteStore) GetAgentBySessionUUID(ctx context.Context, sessionUUID string) (*models.Agent, error) {
	return s.queryAgent(ctx, "get agent by session uuid", sessionUUID,
		`SELECT `+agentColumns+` FROM agents WHERE session_uuid = ?`, sessionUUID)
}

// FindUnclaimedAgent returns the most recently started open agent in the
// project that no session has claimed yet.
func (s *SQLiteStore) FindUnclaimedAgent(ctx context.Context, projectID string) (*models.Agent, error) {
	return s.queryAgent(ctx, "find unclaimed agent", projectID,
		`SELECT `+agentColumns+` FROM agents
		WHERE project_id = ? AND ended_at IS NULL
			AND (claude_session_id IS NULL OR claude_session_id = '')
		ORDER BY started_at DESC LIMIT 1`, projectID)
}

func (s *SQLiteStore) ListActiveAgents(ctx context.Context) ([]*models.Agent, error) {
	return s.queryAgents(ctx,
		`SELECT `+agentColumns+` FROM agents WHERE ended_at IS NULL ORDER BY started_at, id`)
}

// ListAgents returns agents newest first. A limit of 0 means no limit.
func (s *SQLiteStore) ListAgents(ctx context.Context, limit int) ([]*models.Agent, error) {
	if limit <= 0 {
		limit = -1
	}
	return s.queryAgents(ctx,
		`SELECT `+agentColumns+` FROM agents ORDER BY started_at DESC, id DESC LIMIT ?`, limit)
}

func (s *SQLiteStore) UpdateAgent(ctx context.Context, a *models.Agent) error {
	return s.execOne(ctx, "agent", a.ID,
		`UPDATE agents SET claude_session_id=?, working_directory=?, transcript_path=?, transcript_offset=?,
		tmux_pane=?, window_pane=?, last_seen_at=?, ended_at=?, end_reason=? WHERE id=?`,
		nullString(a.ClaudeSessionID), a.WorkingDirectory, a.TranscriptPath, a.TranscriptOffset,
		a.TmuxPane, a.WindowPane, a.LastSeenAt.UTC(), nullTime(a.EndedAt), string(a.EndReason), a.ID,
	)
}

// TouchAgent advances last_seen_at. It never moves it backwards.
func (s *SQLiteStore) TouchAgent(ctx context.Context, id string, seen time.Time) error {
	seen = seen.UTC()
	_, err := s.exec(ctx,
		`UPDATE agents SET last_seen_at = ? WHERE id = ? AND last_seen_at < ?`, seen, id, seen)
	if err != nil {
		return fmt.Errorf("touch agent: %w", err)
	}
	return nil
}

func (s *SQLiteStore) UpdateTranscriptOffset(ctx context.Context, id string, offset int64) error {
	return s.execOne(ctx, "agent", id,
		`UPDATE agents SET transcript_offset = ? WHERE id = ?`, offset, id)
}

// --- Tasks ---

const taskColumns = `id, agent_id, state, instruction, completion_summary, started_at, completed_at`

func scanTask(row scanner) (*models.Task, error) {
	t := &models.Task{}
	var state string
	var completedAt sql.NullTime
	if err := row.Scan(&t.ID, &t.AgentID, &state, &t.Instruction, &t.CompletionSummary,
		&t.StartedAt, &completedAt); err != nil {
		return nil, err
	}
	t.State = models.TaskState(state)
	t.CompletedAt = timePtr(completedAt)
	return t, nil
}

func (s *SQLiteStore) CreateTask(ctx context.Context, t *models.Task) error {
	if t.ID == "" {
		t.ID = newULID()
	}
	if t.StartedAt.IsZero() {
		t.StartedAt = time.Now().UTC()
	}
	_, err := s.exec(ctx,
		`INSERT INTO tasks (`+taskColumns+`) VALUES (?, ?, ?, ?, ?, ?, ?)`,
		t.ID, t.AgentID, string(t.State), t.Instruction, t.CompletionSummary,
		t.StartedAt.UTC(), nullTime(t.CompletedAt),
	)
	if err != nil {
		return fmt.Errorf("create task: %w", err)
	}
	return nil
}

func (s *SQLiteStore) GetTask(ctx context.Context, id string) (*models.Task, error) {
	t, err := scanTask(s.q.QueryRowContext(ctx,
		`SELECT `+taskColumns+` FROM tasks WHERE id = ?`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("task %w: %s", ErrNotFound, id)
	}
	if err != nil {
		return nil, fmt.Errorf("get task: %w", err)
	}
	return t, nil
}

// GetOpenTask returns the agent's single non-terminal task.
func (s *SQLiteStore) GetOpenTask(ctx context.Context, agentID string) (*models.Task, error) {
	t, err := scanTask(s.q.QueryRowContext(ctx,
		`SELECT `+taskColumns+` FROM tasks WHERE agent_id = ? AND state != ?`,
		agentID, string(models.TaskStateComplete)))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("open task %w for agent: %s", ErrNotFound, agentID)
	}
	if err != nil {
		return nil, fmt.Errorf("get open task: %w", err)
	}
	return t, nil
}

func (s *SQLiteStore) ListTasks(ctx context.Context, agentID string) ([]*models.Task, error) {
	rows, err := s.q.QueryContext(ctx,
		`SELECT `+taskColumns+` FROM tasks WHERE agent_id = ? ORDER BY started_at, id`, agentID)
	if err != nil {
		return nil, fmt.Errorf("list tasks: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var tasks []*models.Task
	for rows.Next() {
		t, err := scanTask(rows)
		if err != nil {
			return nil, fmt.Errorf("scan task: %w", err)
		}
		tasks = append(tasks, t)
	}
	return tasks, rows.Err()
}

func (s *SQLiteStore) UpdateTask(ctx context.Context, t *models.Task) error {
	return s.execOne(ctx, "task", t.ID,
		`UPDATE tasks SET state=?, instruction=?, completion_summary=?, completed_at=? WHERE id=?`,
		string(t.State), t.Instruction, t.CompletionSummary, nullTime(t.CompletedAt), t.ID,
	)
}

// --- Turns ---

const turnColumns = `id, task_id, actor, intent, text, confidence, timestamp, timestamp_source,
	content_hash, legacy_hash, created_at`

func scanTurn(row scanner) (*models.Turn, error) {
	t := &models.Turn{}
	var actor, intent, source string
	var contentHash, legacyHash sql.NullString
	if err := row.Scan(&t.ID, &t.TaskID, &actor, &intent, &t.Text, &t.Confidence,
		&t.Timestamp, &source, &contentHash, &legacyHash, &t.CreatedAt); err != nil {
		return nil, err
	}
	t.Actor = models.Actor(actor)
	t.Intent = models.Intent(intent)
	t.TimestampSource = models.TimestampSource(source)
	t.ContentHash = contentHash.String
	t.LegacyHash = legacyHash.String
	return t, nil
}

func (s *SQLiteStore) queryTurns(ctx context.Context, query string, args ...any) ([]*models.Turn, error) {
	rows, err := s.q.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list turns: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var turns []*models.Turn
	for rows.Next() {
		t, err := scanTurn(rows)
		if err != nil {
			return nil, fmt.Errorf("scan turn: %w", err)
		}
		turns = append(turns, t)
	}
	return turns, rows.Err()
}

func (s *SQLiteStore) CreateTurn(ctx context.Context, t *models.Turn) error {
	if t.ID == "" {
		t.ID = newULID()
	}
	now := time.Now().UTC()
	t.CreatedAt = now
	if t.Timestamp.IsZero() {
		t.Timestamp = now
	}
	if t.TimestampSource == "" {
		t.TimestampSource = models.TimestampServer
	}
	_, err := s.exec(ctx,
		`INSERT INTO turns (`+turnColumns+`) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		t.ID, t.TaskID, string(t.Actor), string(t.Intent), t.Text, t.Confidence,
		t.Timestamp.UTC(), string(t.TimestampSource), nullString(t.ContentHash), nullString(t.LegacyHash), t.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("create turn: %w", err)
	}
	return nil
}

func (s *SQLiteStore) GetTurn(ctx context.Context, id string) (*models.Turn, error) {
	t, err := scanTurn(s.q.QueryRowContext(ctx,
		`SELECT `+turnColumns+` FROM turns WHERE id = ?`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("turn %w: %s", ErrNotFound, id)
	}
	if err != nil {
		return nil, fmt.Errorf("get turn: %w", err)
	}
	return t, nil
}

// ListTurns returns the task's turns in (timestamp, id) order.
func (s *SQLiteStore) ListTurns(ctx context.Context, taskID string) ([]*models.Turn, error) {
	return s.queryTurns(ctx,
		`SELECT `+turnColumns+` FROM turns WHERE task_id = ? ORDER BY timestamp, id`, taskID)
}

// ListAgentTurnsBetween returns every turn of the agent, across its tasks,
// whose timestamp falls within [from, to].
func (s *SQLiteStore) ListAgentTurnsBetween(ctx context.Context, agentID string, from, to time.Time) ([]*models.Turn, error) {
	return s.queryTurns(ctx,
		`SELECT t.id, t.task_id, t.actor, t.intent, t.text, t.confidence, t.timestamp, t.timestamp_source,
			t.content_hash, t.legacy_hash, t.created_at
		FROM turns t JOIN tasks k ON k.id = t.task_id
		WHERE k.agent_id = ? AND t.timestamp >= ? AND t.timestamp <= ?
		ORDER BY t.timestamp, t.id`, agentID, from.UTC(), to.UTC())
}

// LastTurn returns the latest turn of the task. An empty actor matches any.
func (s *SQLiteStore) LastTurn(ctx context.Context, taskID string, actor models.Actor) (*models.Turn, error) {
	query := `SELECT ` + turnColumns + ` FROM turns WHERE task_id = ?`
	args := []any{taskID}
	if actor != "" {
		query += ` AND actor = ?`
		args = append(args, string(actor))
	}
	query += ` ORDER BY timestamp DESC, id DESC LIMIT 1`

	t, err := scanTurn(s.q.QueryRowContext(ctx, query, args...))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("turn %w for task: %s", ErrNotFound, taskID)
	}
	if err != nil {
		return nil, fmt.Errorf("last turn: %w", err)
	}
	return t, nil
}

// UpdateTurnProvenance rewrites the reconciliation fields of a turn:
// timestamp, its source, and both hashes.
func (s *SQLiteStore) UpdateTurnProvenance(ctx context.Context, t *models.Turn) error {
	return s.execOne(ctx, "turn", t.ID,
		`UPDATE turns SET timestamp=?, timestamp_source=?, content_hash=?, legacy_hash=? WHERE id=?`,
		t.Timestamp.UTC(), string(t.TimestampSource), nullString(t.ContentHash), nullString(t.LegacyHash), t.ID,
	)
}

// --- Events ---

func (s *SQLiteStore) CreateEvent(ctx context.Context, e *models.Event) error {
	if e.ID == "" {
		e.ID = newULID()
	}
	if e.CreatedAt.IsZero() {
		e.CreatedAt = time.Now().UTC()
	}
	if e.Payload == "" {
		e.Payload = "{}"
	}
	_, err := s.exec(ctx,
		`INSERT INTO events (id, event_type, payload, project_id, agent_id, task_id, turn_id, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		e.ID, e.EventType, e.Payload, e.ProjectID, e.AgentID, e.TaskID, e.TurnID, e.CreatedAt.UTC(),
	)
	if err != nil {
		return fmt.Errorf("create event: %w", err)
	}
	return nil
}

func (s *SQLiteStore) ListEvents(ctx context.Context, filter EventFilter) ([]*models.Event, error) {
	query := `SELECT id, event_type, payload, project_id, agent_id, task_id, turn_id, created_at FROM events WHERE 1=1`
	var args []any
	if filter.AgentID != "" {
		query += ` AND agent_id = ?`
		args = append(args, filter.AgentID)
	}
	if filter.TaskID != "" {
		query += ` AND task_id = ?`
		args = append(args, filter.TaskID)
	}
	if filter.EventType != "" {
		query += ` AND event_type = ?`
		args = append(args, filter.EventType)
	}
	query += ` ORDER BY created_at, id`
	if filter.Limit > 0 {
		query += ` LIMIT ?`
		args = append(args, filter.Limit)
	}

	rows, err := s.q.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list events: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var events []*models.Event
	for rows.Next() {
		e := &models.Event{}
		if err := rows.Scan(&e.ID, &e.EventType, &e.Payload, &e.ProjectID, &e.AgentID, &e.TaskID, &e.TurnID, &e.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan event: %w", err)
		}
		events = append(events, e)
	}
	return events, rows.Err()
}
