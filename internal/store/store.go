// Package store persists chat sessions, browser sessions, tasks, batches,
// messages and per-iteration metrics. Two implementations share one
// behavioral contract: SQLStore for Postgres/CockroachDB and SQLite, and
// MemoryStore for tests and local runs without a database.
package store

import (
	"context"
	"errors"
	"time"

	"github.com/haasonsaas/pilot/pkg/models"
)

var (
	// ErrNotFound is wrapped by lookups that matched no row.
	ErrNotFound = errors.New("not found")

	// ErrConflict is wrapped when a write loses to a uniqueness rule, most
	// importantly the one-running-task-per-session index.
	ErrConflict = errors.New("conflict")
)

// Store is the full persistence surface. Consumers depend on narrow
// interfaces of their own; this one exists so both implementations stay in
// lockstep.
type Store interface {
	CreateChatSession(ctx context.Context, session *models.ChatSession) error
	GetChatSession(ctx context.Context, id string) (*models.ChatSession, error)
	ListChatSessions(ctx context.Context, limit, offset int) ([]*models.ChatSession, error)
	UpdateChatSession(ctx context.Context, session *models.ChatSession) error

	// ApplySessionUsage atomically increments the session's usage aggregates.
	ApplySessionUsage(ctx context.Context, id string, delta models.UsageDelta) error

	CreateBrowserSession(ctx context.Context, session *models.BrowserSession) error
	GetBrowserSession(ctx context.Context, id string) (*models.BrowserSession, error)
	GetBrowserSessionByRemoteID(ctx context.Context, remoteID string) (*models.BrowserSession, error)
	GetBrowserSessionByChatSession(ctx context.Context, chatSessionID string) (*models.BrowserSession, error)
	UpdateBrowserSession(ctx context.Context, session *models.BrowserSession) error
	TouchBrowserSession(ctx context.Context, remoteID string, at time.Time) error

	CreateTask(ctx context.Context, task *models.Task) error
	GetTask(ctx context.Context, id string) (*models.Task, error)
	GetLatestTask(ctx context.Context, chatSessionID string) (*models.Task, error)
	ListTasks(ctx context.Context, chatSessionID string) ([]*models.Task, error)
	UpdateTask(ctx context.Context, task *models.Task) error

	CreateBatch(ctx context.Context, batch *models.BatchExecution) error
	GetBatch(ctx context.Context, id string) (*models.BatchExecution, error)
	UpdateBatch(ctx context.Context, batch *models.BatchExecution) error

	CreateMessage(ctx context.Context, msg *models.Message) error
	ListSessionMessages(ctx context.Context, chatSessionID string, limit int) ([]*models.Message, error)
	ListTaskMessages(ctx context.Context, taskID string) ([]*models.Message, error)

	CreateMetric(ctx context.Context, metric *models.PerformanceMetric) error
	ListTaskMetrics(ctx context.Context, taskID string) ([]*models.PerformanceMetric, error)

	Ping(ctx context.Context) error
	Close() error
}
