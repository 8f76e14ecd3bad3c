package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/haasonsaas/pilot/pkg/models"
	"github.com/lib/pq"
	_ "modernc.org/sqlite"
)

// Supported drivers. Postgres covers CockroachDB as well; both speak the
// same placeholder dialect.
const (
	DriverPostgres = "postgres"
	DriverSQLite   = "sqlite"
)

// Config holds SQL store connection settings.
type Config struct {
	Driver          string
	DSN             string
	MaxOpenConns    int
	MaxIdleConns    int
	ConnMaxLifetime time.Duration
	ConnMaxIdleTime time.Duration
	ConnectTimeout  time.Duration
}

// DefaultConfig returns pool settings suitable for a small service.
func DefaultConfig() Config {
	return Config{
		Driver:          DriverPostgres,
		MaxOpenConns:    25,
		MaxIdleConns:    5,
		ConnMaxLifetime: 5 * time.Minute,
		ConnMaxIdleTime: 2 * time.Minute,
		ConnectTimeout:  10 * time.Second,
	}
}

// SQLStore implements Store on database/sql. Every query writes its
// placeholders in ascending textual order so the same text binds correctly
// under lib/pq ($N) and SQLite ($N maps to ordinal parameters in order of
// first occurrence).
type SQLStore struct {
	db     *sql.DB
	driver string
}

var _ Store = (*SQLStore)(nil)

// NewSQLStore opens the database, verifies connectivity and ensures the
// schema exists.
func NewSQLStore(cfg Config) (*SQLStore, error) {
	if cfg.DSN == "" {
		return nil, fmt.Errorf("store: dsn is required")
	}
	switch cfg.Driver {
	case DriverPostgres, DriverSQLite:
	case "":
		cfg.Driver = DriverPostgres
	default:
		return nil, fmt.Errorf("store: unsupported driver %q", cfg.Driver)
	}

	db, err := sql.Open(cfg.Driver, cfg.DSN)
	if err != nil {
		return nil, fmt.Errorf("store: open database: %w", err)
	}

	if cfg.Driver == DriverSQLite {
		// SQLite serializes writers, and a :memory: database exists per
		// connection. One pooled connection keeps both correct.
		db.SetMaxOpenConns(1)
	} else {
		if cfg.MaxOpenConns > 0 {
			db.SetMaxOpenConns(cfg.MaxOpenConns)
		}
		if cfg.MaxIdleConns > 0 {
			db.SetMaxIdleConns(cfg.MaxIdleConns)
		}
		if cfg.ConnMaxLifetime > 0 {
			db.SetConnMaxLifetime(cfg.ConnMaxLifetime)
		}
		if cfg.ConnMaxIdleTime > 0 {
			db.SetConnMaxIdleTime(cfg.ConnMaxIdleTime)
		}
	}

	timeout := cfg.ConnectTimeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()

	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("store: ping database: %w", err)
	}

	s := &SQLStore{db: db, driver: cfg.Driver}
	if err := s.initSchema(ctx); err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

// DB exposes the underlying database connection for related tooling.
func (s *SQLStore) DB() *sql.DB {
	return s.db
}

// Ping verifies the connection is alive.
func (s *SQLStore) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// Close closes the database connection.
func (s *SQLStore) Close() error {
	return s.db.Close()
}

func (s *SQLStore) initSchema(ctx context.Context) error {
	// Postgres wants TIMESTAMPTZ; SQLite needs a declared type the driver
	// recognizes as time for scanning.
	timeType := "TIMESTAMPTZ"
	if s.driver == DriverSQLite {
		timeType = "TIMESTAMP"
	}
	for _, stmt := range schemaStatements(timeType) {
		if _, err := s.db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("store: init schema: %w", err)
		}
	}
	return nil
}

func schemaStatements(timeType string) []string {
	return []string{
		fmt.Sprintf(`CREATE TABLE IF NOT EXISTS chat_sessions (
			id TEXT PRIMARY KEY,
			status TEXT NOT NULL,
			total_duration_ms BIGINT NOT NULL DEFAULT 0,
			total_iterations INTEGER NOT NULL DEFAULT 0,
			total_input_tokens BIGINT NOT NULL DEFAULT 0,
			total_output_tokens BIGINT NOT NULL DEFAULT 0,
			total_cache_read_tokens BIGINT NOT NULL DEFAULT 0,
			total_cache_creation_tokens BIGINT NOT NULL DEFAULT 0,
			total_cost_usd DOUBLE PRECISION NOT NULL DEFAULT 0,
			metadata TEXT NOT NULL DEFAULT '',
			created_at %[1]s NOT NULL,
			updated_at %[1]s NOT NULL
		)`, timeType),
		fmt.Sprintf(`CREATE TABLE IF NOT EXISTS browser_sessions (
			id TEXT PRIMARY KEY,
			chat_session_id TEXT NOT NULL,
			remote_id TEXT NOT NULL,
			debugger_url TEXT NOT NULL DEFAULT '',
			live_view_url TEXT NOT NULL DEFAULT '',
			cdp_connected BOOLEAN NOT NULL DEFAULT FALSE,
			cdp_disconnected_at %[1]s,
			last_activity_at %[1]s,
			status TEXT NOT NULL,
			created_at %[1]s NOT NULL,
			updated_at %[1]s NOT NULL
		)`, timeType),
		`CREATE UNIQUE INDEX IF NOT EXISTS idx_browser_sessions_remote ON browser_sessions(remote_id)`,
		`CREATE INDEX IF NOT EXISTS idx_browser_sessions_chat ON browser_sessions(chat_session_id)`,
		fmt.Sprintf(`CREATE TABLE IF NOT EXISTS tasks (
			id TEXT PRIMARY KEY,
			chat_session_id TEXT NOT NULL,
			batch_execution_id TEXT NOT NULL DEFAULT '',
			batch_index INTEGER NOT NULL DEFAULT 0,
			user_message TEXT NOT NULL,
			status TEXT NOT NULL,
			current_iteration INTEGER NOT NULL DEFAULT 0,
			max_iterations INTEGER NOT NULL DEFAULT 0,
			started_at %[1]s NOT NULL,
			completed_at %[1]s,
			agent_status TEXT NOT NULL DEFAULT '',
			agent_message TEXT NOT NULL DEFAULT '',
			agent_evidence TEXT NOT NULL DEFAULT '',
			result_message TEXT NOT NULL DEFAULT '',
			error_message TEXT NOT NULL DEFAULT '',
			config_overrides TEXT NOT NULL DEFAULT '',
			created_at %[1]s NOT NULL,
			updated_at %[1]s NOT NULL
		)`, timeType),
		`CREATE INDEX IF NOT EXISTS idx_tasks_session ON tasks(chat_session_id, created_at)`,
		`CREATE INDEX IF NOT EXISTS idx_tasks_batch ON tasks(batch_execution_id)`,
		// At most one running task per chat session, enforced where it
		// cannot race.
		`CREATE UNIQUE INDEX IF NOT EXISTS idx_tasks_one_running ON tasks(chat_session_id) WHERE status = 'running'`,
		fmt.Sprintf(`CREATE TABLE IF NOT EXISTS batch_executions (
			id TEXT PRIMARY KEY,
			chat_session_id TEXT NOT NULL,
			browser_session_id TEXT NOT NULL DEFAULT '',
			total INTEGER NOT NULL DEFAULT 0,
			completed_count INTEGER NOT NULL DEFAULT 0,
			failed_count INTEGER NOT NULL DEFAULT 0,
			status TEXT NOT NULL,
			webhook_url TEXT NOT NULL DEFAULT '',
			webhook_secret TEXT NOT NULL DEFAULT '',
			global_config TEXT NOT NULL DEFAULT '',
			created_at %[1]s NOT NULL,
			updated_at %[1]s NOT NULL
		)`, timeType),
		fmt.Sprintf(`CREATE TABLE IF NOT EXISTS messages (
			id TEXT PRIMARY KEY,
			chat_session_id TEXT NOT NULL,
			task_id TEXT NOT NULL DEFAULT '',
			role TEXT NOT NULL,
			content TEXT NOT NULL DEFAULT '',
			reasoning TEXT NOT NULL DEFAULT '',
			blocks TEXT NOT NULL DEFAULT '',
			tool_calls TEXT NOT NULL DEFAULT '',
			iteration INTEGER NOT NULL DEFAULT 0,
			request_payload TEXT NOT NULL DEFAULT '',
			response_payload TEXT NOT NULL DEFAULT '',
			api_latency_ms BIGINT NOT NULL DEFAULT 0,
			created_at %[1]s NOT NULL
		)`, timeType),
		`CREATE INDEX IF NOT EXISTS idx_messages_session ON messages(chat_session_id, created_at)`,
		`CREATE INDEX IF NOT EXISTS idx_messages_task ON messages(task_id, created_at)`,
		fmt.Sprintf(`CREATE TABLE IF NOT EXISTS performance_metrics (
			id TEXT PRIMARY KEY,
			task_id TEXT NOT NULL,
			chat_session_id TEXT NOT NULL,
			iteration INTEGER NOT NULL DEFAULT 0,
			api_response_ms BIGINT NOT NULL DEFAULT 0,
			tool_execution_ms BIGINT NOT NULL DEFAULT 0,
			iteration_total_ms BIGINT NOT NULL DEFAULT 0,
			input_tokens BIGINT NOT NULL DEFAULT 0,
			output_tokens BIGINT NOT NULL DEFAULT 0,
			cache_read_tokens BIGINT NOT NULL DEFAULT 0,
			cache_creation_tokens BIGINT NOT NULL DEFAULT 0,
			context_cleared_tokens BIGINT NOT NULL DEFAULT 0,
			request_bytes INTEGER NOT NULL DEFAULT 0,
			image_count INTEGER NOT NULL DEFAULT 0,
			created_at %[1]s NOT NULL
		)`, timeType),
		`CREATE INDEX IF NOT EXISTS idx_metrics_task ON performance_metrics(task_id, iteration)`,
	}
}

// --- chat sessions ---

const chatSessionColumns = `id, status, total_duration_ms, total_iterations, total_input_tokens, total_output_tokens, total_cache_read_tokens, total_cache_creation_tokens, total_cost_usd, metadata, created_at, updated_at`

func (s *SQLStore) CreateChatSession(ctx context.Context, session *models.ChatSession) error {
	if session == nil {
		return fmt.Errorf("store: chat session is required")
	}
	fillID(&session.ID)
	fillTimes(&session.CreatedAt, &session.UpdatedAt)
	if session.Status == "" {
		session.Status = models.ChatSessionActive
	}
	metadata, err := mapText(session.Metadata)
	if err != nil {
		return fmt.Errorf("store: marshal session metadata: %w", err)
	}

	_, err = s.db.ExecContext(ctx, `
		INSERT INTO chat_sessions (`+chatSessionColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)
	`,
		session.ID,
		session.Status,
		session.TotalDurationMS,
		session.TotalIterations,
		session.TotalInputTokens,
		session.TotalOutputTokens,
		session.TotalCacheReadTokens,
		session.TotalCacheCreationTokens,
		session.TotalCostUSD,
		metadata,
		session.CreatedAt,
		session.UpdatedAt,
	)
	if err != nil {
		if isUniqueViolation(err) {
			return fmt.Errorf("store: chat session %s: %w", session.ID, ErrConflict)
		}
		return fmt.Errorf("store: create chat session: %w", err)
	}
	return nil
}

func (s *SQLStore) GetChatSession(ctx context.Context, id string) (*models.ChatSession, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT `+chatSessionColumns+` FROM chat_sessions WHERE id = $1
	`, id)
	session, err := scanChatSession(row)
	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("store: chat session %s: %w", id, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("store: get chat session: %w", err)
	}
	return session, nil
}

func (s *SQLStore) ListChatSessions(ctx context.Context, limit, offset int) ([]*models.ChatSession, error) {
	if limit <= 0 {
		limit = 50
	}
	if offset < 0 {
		offset = 0
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+chatSessionColumns+` FROM chat_sessions
		ORDER BY created_at DESC
		LIMIT $1 OFFSET $2
	`, limit, offset)
	if err != nil {
		return nil, fmt.Errorf("store: list chat sessions: %w", err)
	}
	defer rows.Close()

	var sessions []*models.ChatSession
	for rows.Next() {
		session, err := scanChatSession(rows)
		if err != nil {
			return nil, fmt.Errorf("store: scan chat session: %w", err)
		}
		sessions = append(sessions, session)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("store: iterate chat sessions: %w", err)
	}
	return sessions, nil
}

func (s *SQLStore) UpdateChatSession(ctx context.Context, session *models.ChatSession) error {
	if session == nil {
		return fmt.Errorf("store: chat session is required")
	}
	metadata, err := mapText(session.Metadata)
	if err != nil {
		return fmt.Errorf("store: marshal session metadata: %w", err)
	}
	session.UpdatedAt = time.Now().UTC()

	res, err := s.db.ExecContext(ctx, `
		UPDATE chat_sessions SET status = $1, metadata = $2, updated_at = $3
		WHERE id = $4
	`, session.Status, metadata, session.UpdatedAt, session.ID)
	if err != nil {
		return fmt.Errorf("store: update chat session: %w", err)
	}
	return requireRow(res, "chat session", session.ID)
}

func (s *SQLStore) ApplySessionUsage(ctx context.Context, id string, delta models.UsageDelta) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE chat_sessions SET
			total_duration_ms = total_duration_ms + $1,
			total_iterations = total_iterations + $2,
			total_input_tokens = total_input_tokens + $3,
			total_output_tokens = total_output_tokens + $4,
			total_cache_read_tokens = total_cache_read_tokens + $5,
			total_cache_creation_tokens = total_cache_creation_tokens + $6,
			total_cost_usd = total_cost_usd + $7,
			updated_at = $8
		WHERE id = $9
	`,
		delta.DurationMS,
		delta.Iterations,
		delta.InputTokens,
		delta.OutputTokens,
		delta.CacheReadTokens,
		delta.CacheCreationTokens,
		delta.CostUSD,
		time.Now().UTC(),
		id,
	)
	if err != nil {
		return fmt.Errorf("store: apply session usage: %w", err)
	}
	return requireRow(res, "chat session", id)
}

func scanChatSession(row rowScanner) (*models.ChatSession, error) {
	session := &models.ChatSession{}
	var metadata string
	err := row.Scan(
		&session.ID,
		&session.Status,
		&session.TotalDurationMS,
		&session.TotalIterations,
		&session.TotalInputTokens,
		&session.TotalOutputTokens,
		&session.TotalCacheReadTokens,
		&session.TotalCacheCreationTokens,
		&session.TotalCostUSD,
		&metadata,
		&session.CreatedAt,
		&session.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	if metadata != "" {
		if err := json.Unmarshal([]byte(metadata), &session.Metadata); err != nil {
			return nil, fmt.Errorf("unmarshal metadata: %w", err)
		}
	}
	return session, nil
}

// --- browser sessions ---

const browserSessionColumns = `id, chat_session_id, remote_id, debugger_url, live_view_url, cdp_connected, cdp_disconnected_at, last_activity_at, status, created_at, updated_at`

func (s *SQLStore) CreateBrowserSession(ctx context.Context, session *models.BrowserSession) error {
	if session == nil {
		return fmt.Errorf("store: browser session is required")
	}
	fillID(&session.ID)
	fillTimes(&session.CreatedAt, &session.UpdatedAt)
	if session.Status == "" {
		session.Status = models.BrowserSessionActive
	}

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO browser_sessions (`+browserSessionColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)
	`,
		session.ID,
		session.ChatSessionID,
		session.RemoteID,
		session.DebuggerURL,
		session.LiveViewURL,
		session.CDPConnected,
		nullTime(session.CDPDisconnectedAt),
		nullTime(session.LastActivityAt),
		session.Status,
		session.CreatedAt,
		session.UpdatedAt,
	)
	if err != nil {
		if isUniqueViolation(err) {
			return fmt.Errorf("store: browser session %s: %w", session.RemoteID, ErrConflict)
		}
		return fmt.Errorf("store: create browser session: %w", err)
	}
	return nil
}

func (s *SQLStore) GetBrowserSession(ctx context.Context, id string) (*models.BrowserSession, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT `+browserSessionColumns+` FROM browser_sessions WHERE id = $1
	`, id)
	session, err := scanBrowserSession(row)
	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("store: browser session %s: %w", id, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("store: get browser session: %w", err)
	}
	return session, nil
}

func (s *SQLStore) GetBrowserSessionByRemoteID(ctx context.Context, remoteID string) (*models.BrowserSession, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT `+browserSessionColumns+` FROM browser_sessions WHERE remote_id = $1
	`, remoteID)
	session, err := scanBrowserSession(row)
	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("store: browser session remote %s: %w", remoteID, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("store: get browser session by remote id: %w", err)
	}
	return session, nil
}

func (s *SQLStore) GetBrowserSessionByChatSession(ctx context.Context, chatSessionID string) (*models.BrowserSession, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT `+browserSessionColumns+` FROM browser_sessions
		WHERE chat_session_id = $1
		ORDER BY created_at DESC
		LIMIT 1
	`, chatSessionID)
	session, err := scanBrowserSession(row)
	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("store: browser session for chat %s: %w", chatSessionID, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("store: get browser session by chat session: %w", err)
	}
	return session, nil
}

func (s *SQLStore) UpdateBrowserSession(ctx context.Context, session *models.BrowserSession) error {
	if session == nil {
		return fmt.Errorf("store: browser session is required")
	}
	session.UpdatedAt = time.Now().UTC()

	res, err := s.db.ExecContext(ctx, `
		UPDATE browser_sessions SET
			remote_id = $1,
			debugger_url = $2,
			live_view_url = $3,
			cdp_connected = $4,
			cdp_disconnected_at = $5,
			last_activity_at = $6,
			status = $7,
			updated_at = $8
		WHERE id = $9
	`,
		session.RemoteID,
		session.DebuggerURL,
		session.LiveViewURL,
		session.CDPConnected,
		nullTime(session.CDPDisconnectedAt),
		nullTime(session.LastActivityAt),
		session.Status,
		session.UpdatedAt,
		session.ID,
	)
	if err != nil {
		return fmt.Errorf("store: update browser session: %w", err)
	}
	return requireRow(res, "browser session", session.ID)
}

func (s *SQLStore) TouchBrowserSession(ctx context.Context, remoteID string, at time.Time) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE browser_sessions SET last_activity_at = $1, updated_at = $2
		WHERE remote_id = $3
	`, at, at, remoteID)
	if err != nil {
		return fmt.Errorf("store: touch browser session: %w", err)
	}
	return requireRow(res, "browser session remote", remoteID)
}

func scanBrowserSession(row rowScanner) (*models.BrowserSession, error) {
	session := &models.BrowserSession{}
	var disconnectedAt, lastActivityAt sql.NullTime
	err := row.Scan(
		&session.ID,
		&session.ChatSessionID,
		&session.RemoteID,
		&session.DebuggerURL,
		&session.LiveViewURL,
		&session.CDPConnected,
		&disconnectedAt,
		&lastActivityAt,
		&session.Status,
		&session.CreatedAt,
		&session.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	session.CDPDisconnectedAt = timePtr(disconnectedAt)
	session.LastActivityAt = timePtr(lastActivityAt)
	return session, nil
}

// --- tasks ---

const taskColumns = `id, chat_session_id, batch_execution_id, batch_index, user_message, status, current_iteration, max_iterations, started_at, completed_at, agent_status, agent_message, agent_evidence, result_message, error_message, config_overrides, created_at, updated_at`

func (s *SQLStore) CreateTask(ctx context.Context, task *models.Task) error {
	if task == nil {
		return fmt.Errorf("store: task is required")
	}
	fillID(&task.ID)
	fillTimes(&task.CreatedAt, &task.UpdatedAt)
	if task.StartedAt.IsZero() {
		task.StartedAt = task.CreatedAt
	}

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO tasks (`+taskColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16, $17, $18)
	`,
		task.ID,
		task.ChatSessionID,
		task.BatchExecutionID,
		task.BatchIndex,
		task.UserMessage,
		task.Status,
		task.CurrentIteration,
		task.MaxIterations,
		task.StartedAt,
		nullTime(task.CompletedAt),
		string(task.AgentStatus),
		task.AgentMessage,
		task.AgentEvidence,
		task.ResultMessage,
		task.ErrorMessage,
		rawText(task.ConfigOverrides),
		task.CreatedAt,
		task.UpdatedAt,
	)
	if err != nil {
		if isUniqueViolation(err) {
			return fmt.Errorf("store: running task exists for session %s: %w", task.ChatSessionID, ErrConflict)
		}
		return fmt.Errorf("store: create task: %w", err)
	}
	return nil
}

func (s *SQLStore) GetTask(ctx context.Context, id string) (*models.Task, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT `+taskColumns+` FROM tasks WHERE id = $1
	`, id)
	task, err := scanTask(row)
	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("store: task %s: %w", id, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("store: get task: %w", err)
	}
	return task, nil
}

func (s *SQLStore) GetLatestTask(ctx context.Context, chatSessionID string) (*models.Task, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT `+taskColumns+` FROM tasks
		WHERE chat_session_id = $1
		ORDER BY created_at DESC
		LIMIT 1
	`, chatSessionID)
	task, err := scanTask(row)
	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("store: latest task for session %s: %w", chatSessionID, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("store: get latest task: %w", err)
	}
	return task, nil
}

func (s *SQLStore) ListTasks(ctx context.Context, chatSessionID string) ([]*models.Task, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+taskColumns+` FROM tasks
		WHERE chat_session_id = $1
		ORDER BY created_at ASC
	`, chatSessionID)
	if err != nil {
		return nil, fmt.Errorf("store: list tasks: %w", err)
	}
	defer rows.Close()

	var tasks []*models.Task
	for rows.Next() {
		task, err := scanTask(rows)
		if err != nil {
			return nil, fmt.Errorf("store: scan task: %w", err)
		}
		tasks = append(tasks, task)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("store: iterate tasks: %w", err)
	}
	return tasks, nil
}

func (s *SQLStore) UpdateTask(ctx context.Context, task *models.Task) error {
	if task == nil {
		return fmt.Errorf("store: task is required")
	}
	task.UpdatedAt = time.Now().UTC()

	res, err := s.db.ExecContext(ctx, `
		UPDATE tasks SET
			status = $1,
			current_iteration = $2,
			max_iterations = $3,
			started_at = $4,
			completed_at = $5,
			agent_status = $6,
			agent_message = $7,
			agent_evidence = $8,
			result_message = $9,
			error_message = $10,
			config_overrides = $11,
			updated_at = $12
		WHERE id = $13
	`,
		task.Status,
		task.CurrentIteration,
		task.MaxIterations,
		task.StartedAt,
		nullTime(task.CompletedAt),
		string(task.AgentStatus),
		task.AgentMessage,
		task.AgentEvidence,
		task.ResultMessage,
		task.ErrorMessage,
		rawText(task.ConfigOverrides),
		task.UpdatedAt,
		task.ID,
	)
	if err != nil {
		if isUniqueViolation(err) {
			return fmt.Errorf("store: running task exists for session %s: %w", task.ChatSessionID, ErrConflict)
		}
		return fmt.Errorf("store: update task: %w", err)
	}
	return requireRow(res, "task", task.ID)
}

func scanTask(row rowScanner) (*models.Task, error) {
	task := &models.Task{}
	var (
		completedAt sql.NullTime
		agentStatus string
		overrides   string
	)
	err := row.Scan(
		&task.ID,
		&task.ChatSessionID,
		&task.BatchExecutionID,
		&task.BatchIndex,
		&task.UserMessage,
		&task.Status,
		&task.CurrentIteration,
		&task.MaxIterations,
		&task.StartedAt,
		&completedAt,
		&agentStatus,
		&task.AgentMessage,
		&task.AgentEvidence,
		&task.ResultMessage,
		&task.ErrorMessage,
		&overrides,
		&task.CreatedAt,
		&task.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	task.CompletedAt = timePtr(completedAt)
	task.AgentStatus = models.AgentStatus(agentStatus)
	task.ConfigOverrides = textRaw(overrides)
	return task, nil
}

// --- batches ---

const batchColumns = `id, chat_session_id, browser_session_id, total, completed_count, failed_count, status, webhook_url, webhook_secret, global_config, created_at, updated_at`

func (s *SQLStore) CreateBatch(ctx context.Context, batch *models.BatchExecution) error {
	if batch == nil {
		return fmt.Errorf("store: batch is required")
	}
	fillID(&batch.ID)
	fillTimes(&batch.CreatedAt, &batch.UpdatedAt)
	if batch.Status == "" {
		batch.Status = models.BatchRunning
	}

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO batch_executions (`+batchColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)
	`,
		batch.ID,
		batch.ChatSessionID,
		batch.BrowserSessionID,
		batch.Total,
		batch.CompletedCount,
		batch.FailedCount,
		batch.Status,
		batch.WebhookURL,
		batch.WebhookSecret,
		rawText(batch.GlobalConfig),
		batch.CreatedAt,
		batch.UpdatedAt,
	)
	if err != nil {
		if isUniqueViolation(err) {
			return fmt.Errorf("store: batch %s: %w", batch.ID, ErrConflict)
		}
		return fmt.Errorf("store: create batch: %w", err)
	}
	return nil
}

func (s *SQLStore) GetBatch(ctx context.Context, id string) (*models.BatchExecution, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT `+batchColumns+` FROM batch_executions WHERE id = $1
	`, id)
	batch, err := scanBatch(row)
	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("store: batch %s: %w", id, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("store: get batch: %w", err)
	}
	return batch, nil
}

func (s *SQLStore) UpdateBatch(ctx context.Context, batch *models.BatchExecution) error {
	if batch == nil {
		return fmt.Errorf("store: batch is required")
	}
	batch.UpdatedAt = time.Now().UTC()

	res, err := s.db.ExecContext(ctx, `
		UPDATE batch_executions SET
			browser_session_id = $1,
			completed_count = $2,
			failed_count = $3,
			status = $4,
			updated_at = $5
		WHERE id = $6
	`,
		batch.BrowserSessionID,
		batch.CompletedCount,
		batch.FailedCount,
		batch.Status,
		batch.UpdatedAt,
		batch.ID,
	)
	if err != nil {
		return fmt.Errorf("store: update batch: %w", err)
	}
	return requireRow(res, "batch", batch.ID)
}

func scanBatch(row rowScanner) (*models.BatchExecution, error) {
	batch := &models.BatchExecution{}
	var globalConfig string
	err := row.Scan(
		&batch.ID,
		&batch.ChatSessionID,
		&batch.BrowserSessionID,
		&batch.Total,
		&batch.CompletedCount,
		&batch.FailedCount,
		&batch.Status,
		&batch.WebhookURL,
		&batch.WebhookSecret,
		&globalConfig,
		&batch.CreatedAt,
		&batch.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	batch.GlobalConfig = textRaw(globalConfig)
	return batch, nil
}

// --- messages ---

const messageColumns = `id, chat_session_id, task_id, role, content, reasoning, blocks, tool_calls, iteration, request_payload, response_payload, api_latency_ms, created_at`

func (s *SQLStore) CreateMessage(ctx context.Context, msg *models.Message) error {
	if msg == nil {
		return fmt.Errorf("store: message is required")
	}
	fillID(&msg.ID)
	if msg.CreatedAt.IsZero() {
		msg.CreatedAt = time.Now().UTC()
	}
	blocks, err := sliceText(msg.Blocks)
	if err != nil {
		return fmt.Errorf("store: marshal message blocks: %w", err)
	}
	toolCalls, err := sliceText(msg.ToolCalls)
	if err != nil {
		return fmt.Errorf("store: marshal message tool calls: %w", err)
	}

	_, err = s.db.ExecContext(ctx, `
		INSERT INTO messages (`+messageColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13)
	`,
		msg.ID,
		msg.ChatSessionID,
		msg.TaskID,
		msg.Role,
		msg.Content,
		msg.Reasoning,
		blocks,
		toolCalls,
		msg.Iteration,
		rawText(msg.RequestBlob),
		rawText(msg.ResponseBlob),
		msg.APILatencyMS,
		msg.CreatedAt,
	)
	if err != nil {
		if isUniqueViolation(err) {
			return fmt.Errorf("store: message %s: %w", msg.ID, ErrConflict)
		}
		return fmt.Errorf("store: create message: %w", err)
	}
	return nil
}

func (s *SQLStore) ListSessionMessages(ctx context.Context, chatSessionID string, limit int) ([]*models.Message, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+messageColumns+` FROM messages
		WHERE chat_session_id = $1
		ORDER BY created_at DESC
		LIMIT $2
	`, chatSessionID, limit)
	if err != nil {
		return nil, fmt.Errorf("store: list session messages: %w", err)
	}
	defer rows.Close()

	messages, err := collectMessages(rows)
	if err != nil {
		return nil, err
	}
	// Newest-first query for the limit; chronological order out.
	for i, j := 0, len(messages)-1; i < j; i, j = i+1, j-1 {
		messages[i], messages[j] = messages[j], messages[i]
	}
	return messages, nil
}

func (s *SQLStore) ListTaskMessages(ctx context.Context, taskID string) ([]*models.Message, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+messageColumns+` FROM messages
		WHERE task_id = $1
		ORDER BY created_at ASC, iteration ASC
	`, taskID)
	if err != nil {
		return nil, fmt.Errorf("store: list task messages: %w", err)
	}
	defer rows.Close()
	return collectMessages(rows)
}

func collectMessages(rows *sql.Rows) ([]*models.Message, error) {
	var messages []*models.Message
	for rows.Next() {
		msg, err := scanMessage(rows)
		if err != nil {
			return nil, fmt.Errorf("store: scan message: %w", err)
		}
		messages = append(messages, msg)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("store: iterate messages: %w", err)
	}
	return messages, nil
}

func scanMessage(row rowScanner) (*models.Message, error) {
	msg := &models.Message{}
	var blocks, toolCalls, requestBlob, responseBlob string
	err := row.Scan(
		&msg.ID,
		&msg.ChatSessionID,
		&msg.TaskID,
		&msg.Role,
		&msg.Content,
		&msg.Reasoning,
		&blocks,
		&toolCalls,
		&msg.Iteration,
		&requestBlob,
		&responseBlob,
		&msg.APILatencyMS,
		&msg.CreatedAt,
	)
	if err != nil {
		return nil, err
	}
	if blocks != "" {
		if err := json.Unmarshal([]byte(blocks), &msg.Blocks); err != nil {
			return nil, fmt.Errorf("unmarshal blocks: %w", err)
		}
	}
	if toolCalls != "" {
		if err := json.Unmarshal([]byte(toolCalls), &msg.ToolCalls); err != nil {
			return nil, fmt.Errorf("unmarshal tool calls: %w", err)
		}
	}
	msg.RequestBlob = textRaw(requestBlob)
	msg.ResponseBlob = textRaw(responseBlob)
	return msg, nil
}

// --- metrics ---

const metricColumns = `id, task_id, chat_session_id, iteration, api_response_ms, tool_execution_ms, iteration_total_ms, input_tokens, output_tokens, cache_read_tokens, cache_creation_tokens, context_cleared_tokens, request_bytes, image_count, created_at`

func (s *SQLStore) CreateMetric(ctx context.Context, metric *models.PerformanceMetric) error {
	if metric == nil {
		return fmt.Errorf("store: metric is required")
	}
	fillID(&metric.ID)
	if metric.CreatedAt.IsZero() {
		metric.CreatedAt = time.Now().UTC()
	}

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO performance_metrics (`+metricColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15)
	`,
		metric.ID,
		metric.TaskID,
		metric.ChatSessionID,
		metric.Iteration,
		metric.APIResponseMS,
		metric.ToolExecutionMS,
		metric.IterationTotalMS,
		metric.InputTokens,
		metric.OutputTokens,
		metric.CacheReadTokens,
		metric.CacheCreationTokens,
		metric.ContextClearedTokens,
		metric.RequestBytes,
		metric.ImageCount,
		metric.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("store: create metric: %w", err)
	}
	return nil
}

func (s *SQLStore) ListTaskMetrics(ctx context.Context, taskID string) ([]*models.PerformanceMetric, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+metricColumns+` FROM performance_metrics
		WHERE task_id = $1
		ORDER BY iteration ASC
	`, taskID)
	if err != nil {
		return nil, fmt.Errorf("store: list task metrics: %w", err)
	}
	defer rows.Close()

	var metrics []*models.PerformanceMetric
	for rows.Next() {
		metric := &models.PerformanceMetric{}
		err := rows.Scan(
			&metric.ID,
			&metric.TaskID,
			&metric.ChatSessionID,
			&metric.Iteration,
			&metric.APIResponseMS,
			&metric.ToolExecutionMS,
			&metric.IterationTotalMS,
			&metric.InputTokens,
			&metric.OutputTokens,
			&metric.CacheReadTokens,
			&metric.CacheCreationTokens,
			&metric.ContextClearedTokens,
			&metric.RequestBytes,
			&metric.ImageCount,
			&metric.CreatedAt,
		)
		if err != nil {
			return nil, fmt.Errorf("store: scan metric: %w", err)
		}
		metrics = append(metrics, metric)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("store: iterate metrics: %w", err)
	}
	return metrics, nil
}

// --- helpers ---

type rowScanner interface {
	Scan(dest ...any) error
}

func fillID(id *string) {
	if *id == "" {
		*id = uuid.NewString()
	}
}

func fillTimes(created, updated *time.Time) {
	if created.IsZero() {
		*created = time.Now().UTC()
	}
	if updated.IsZero() {
		*updated = *created
	}
}

func nullTime(t *time.Time) sql.NullTime {
	if t == nil || t.IsZero() {
		return sql.NullTime{}
	}
	return sql.NullTime{Time: *t, Valid: true}
}

func timePtr(nt sql.NullTime) *time.Time {
	if !nt.Valid {
		return nil
	}
	t := nt.Time
	return &t
}

func mapText(m map[string]any) (string, error) {
	if len(m) == 0 {
		return "", nil
	}
	data, err := json.Marshal(m)
	if err != nil {
		return "", err
	}
	return string(data), nil
}

func sliceText(v any) (string, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return "", err
	}
	text := string(data)
	if text == "null" || text == "[]" {
		return "", nil
	}
	return text, nil
}

func rawText(raw json.RawMessage) string {
	if len(raw) == 0 {
		return ""
	}
	return string(raw)
}

func textRaw(text string) json.RawMessage {
	if text == "" {
		return nil
	}
	return json.RawMessage(text)
}

func requireRow(res sql.Result, entity, id string) error {
	rows, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("store: rows affected: %w", err)
	}
	if rows == 0 {
		return fmt.Errorf("store: %s %s: %w", entity, id, ErrNotFound)
	}
	return nil
}

func isUniqueViolation(err error) bool {
	var pqErr *pq.Error
	if errors.As(err, &pqErr) {
		return pqErr.Code == "23505"
	}
	return strings.Contains(err.Error(), "UNIQUE constraint")
}
