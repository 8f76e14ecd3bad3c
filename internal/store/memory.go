package store

import (
	"context"
	"fmt"
	"maps"
	"sort"
	"sync"
	"time"

	"github.com/haasonsaas/pilot/pkg/models"
)

// MemoryStore implements Store in process memory for tests and local runs.
// Values are cloned on the way in and out so callers never share state with
// the store.
type MemoryStore struct {
	mu              sync.RWMutex
	chatSessions    map[string]*models.ChatSession
	browserSessions map[string]*models.BrowserSession
	browserByRemote map[string]string
	tasks           map[string]*models.Task
	taskOrder       map[string][]string
	batches         map[string]*models.BatchExecution
	messages        []*models.Message
	metrics         []*models.PerformanceMetric
}

var _ Store = (*MemoryStore)(nil)

// NewMemoryStore returns an empty in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		chatSessions:    map[string]*models.ChatSession{},
		browserSessions: map[string]*models.BrowserSession{},
		browserByRemote: map[string]string{},
		tasks:           map[string]*models.Task{},
		taskOrder:       map[string][]string{},
		batches:         map[string]*models.BatchExecution{},
	}
}

func (m *MemoryStore) CreateChatSession(ctx context.Context, session *models.ChatSession) error {
	if session == nil {
		return fmt.Errorf("store: chat session is required")
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	fillID(&session.ID)
	fillTimes(&session.CreatedAt, &session.UpdatedAt)
	if session.Status == "" {
		session.Status = models.ChatSessionActive
	}
	if _, ok := m.chatSessions[session.ID]; ok {
		return fmt.Errorf("store: chat session %s: %w", session.ID, ErrConflict)
	}
	m.chatSessions[session.ID] = cloneChatSession(session)
	return nil
}

func (m *MemoryStore) GetChatSession(ctx context.Context, id string) (*models.ChatSession, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	session, ok := m.chatSessions[id]
	if !ok {
		return nil, fmt.Errorf("store: chat session %s: %w", id, ErrNotFound)
	}
	return cloneChatSession(session), nil
}

func (m *MemoryStore) ListChatSessions(ctx context.Context, limit, offset int) ([]*models.ChatSession, error) {
	if limit <= 0 {
		limit = 50
	}
	if offset < 0 {
		offset = 0
	}
	m.mu.RLock()
	defer m.mu.RUnlock()

	all := make([]*models.ChatSession, 0, len(m.chatSessions))
	for _, session := range m.chatSessions {
		all = append(all, session)
	}
	sort.SliceStable(all, func(i, j int) bool {
		return all[i].CreatedAt.After(all[j].CreatedAt)
	})

	if offset >= len(all) {
		return nil, nil
	}
	end := offset + limit
	if end > len(all) {
		end = len(all)
	}
	out := make([]*models.ChatSession, 0, end-offset)
	for _, session := range all[offset:end] {
		out = append(out, cloneChatSession(session))
	}
	return out, nil
}

func (m *MemoryStore) UpdateChatSession(ctx context.Context, session *models.ChatSession) error {
	if session == nil {
		return fmt.Errorf("store: chat session is required")
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	existing, ok := m.chatSessions[session.ID]
	if !ok {
		return fmt.Errorf("store: chat session %s: %w", session.ID, ErrNotFound)
	}
	session.UpdatedAt = time.Now().UTC()
	clone := cloneChatSession(session)
	clone.CreatedAt = existing.CreatedAt
	m.chatSessions[clone.ID] = clone
	return nil
}

func (m *MemoryStore) ApplySessionUsage(ctx context.Context, id string, delta models.UsageDelta) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	session, ok := m.chatSessions[id]
	if !ok {
		return fmt.Errorf("store: chat session %s: %w", id, ErrNotFound)
	}
	session.TotalDurationMS += delta.DurationMS
	session.TotalIterations += delta.Iterations
	session.TotalInputTokens += delta.InputTokens
	session.TotalOutputTokens += delta.OutputTokens
	session.TotalCacheReadTokens += delta.CacheReadTokens
	session.TotalCacheCreationTokens += delta.CacheCreationTokens
	session.TotalCostUSD += delta.CostUSD
	session.UpdatedAt = time.Now().UTC()
	return nil
}

func (m *MemoryStore) CreateBrowserSession(ctx context.Context, session *models.BrowserSession) error {
	if session == nil {
		return fmt.Errorf("store: browser session is required")
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	fillID(&session.ID)
	fillTimes(&session.CreatedAt, &session.UpdatedAt)
	if session.Status == "" {
		session.Status = models.BrowserSessionActive
	}
	if _, ok := m.browserByRemote[session.RemoteID]; ok {
		return fmt.Errorf("store: browser session %s: %w", session.RemoteID, ErrConflict)
	}
	m.browserSessions[session.ID] = cloneBrowserSession(session)
	m.browserByRemote[session.RemoteID] = session.ID
	return nil
}

func (m *MemoryStore) GetBrowserSession(ctx context.Context, id string) (*models.BrowserSession, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	session, ok := m.browserSessions[id]
	if !ok {
		return nil, fmt.Errorf("store: browser session %s: %w", id, ErrNotFound)
	}
	return cloneBrowserSession(session), nil
}

func (m *MemoryStore) GetBrowserSessionByRemoteID(ctx context.Context, remoteID string) (*models.BrowserSession, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	id, ok := m.browserByRemote[remoteID]
	if !ok {
		return nil, fmt.Errorf("store: browser session remote %s: %w", remoteID, ErrNotFound)
	}
	session, ok := m.browserSessions[id]
	if !ok {
		return nil, fmt.Errorf("store: browser session remote %s: %w", remoteID, ErrNotFound)
	}
	return cloneBrowserSession(session), nil
}

func (m *MemoryStore) GetBrowserSessionByChatSession(ctx context.Context, chatSessionID string) (*models.BrowserSession, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var newest *models.BrowserSession
	for _, session := range m.browserSessions {
		if session.ChatSessionID != chatSessionID {
			continue
		}
		if newest == nil || session.CreatedAt.After(newest.CreatedAt) {
			newest = session
		}
	}
	if newest == nil {
		return nil, fmt.Errorf("store: browser session for chat %s: %w", chatSessionID, ErrNotFound)
	}
	return cloneBrowserSession(newest), nil
}

func (m *MemoryStore) UpdateBrowserSession(ctx context.Context, session *models.BrowserSession) error {
	if session == nil {
		return fmt.Errorf("store: browser session is required")
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	existing, ok := m.browserSessions[session.ID]
	if !ok {
		return fmt.Errorf("store: browser session %s: %w", session.ID, ErrNotFound)
	}
	session.UpdatedAt = time.Now().UTC()
	clone := cloneBrowserSession(session)
	clone.CreatedAt = existing.CreatedAt
	if existing.RemoteID != clone.RemoteID {
		delete(m.browserByRemote, existing.RemoteID)
		m.browserByRemote[clone.RemoteID] = clone.ID
	}
	m.browserSessions[clone.ID] = clone
	return nil
}

func (m *MemoryStore) TouchBrowserSession(ctx context.Context, remoteID string, at time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	id, ok := m.browserByRemote[remoteID]
	if !ok {
		return fmt.Errorf("store: browser session remote %s: %w", remoteID, ErrNotFound)
	}
	session := m.browserSessions[id]
	touched := at
	session.LastActivityAt = &touched
	session.UpdatedAt = at
	return nil
}

func (m *MemoryStore) CreateTask(ctx context.Context, task *models.Task) error {
	if task == nil {
		return fmt.Errorf("store: task is required")
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	fillID(&task.ID)
	fillTimes(&task.CreatedAt, &task.UpdatedAt)
	if task.StartedAt.IsZero() {
		task.StartedAt = task.CreatedAt
	}
	if _, ok := m.tasks[task.ID]; ok {
		return fmt.Errorf("store: task %s: %w", task.ID, ErrConflict)
	}
	if task.Status == models.TaskRunning && m.runningTaskExists(task.ChatSessionID, task.ID) {
		return fmt.Errorf("store: running task exists for session %s: %w", task.ChatSessionID, ErrConflict)
	}
	m.tasks[task.ID] = cloneTask(task)
	m.taskOrder[task.ChatSessionID] = append(m.taskOrder[task.ChatSessionID], task.ID)
	return nil
}

func (m *MemoryStore) GetTask(ctx context.Context, id string) (*models.Task, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	task, ok := m.tasks[id]
	if !ok {
		return nil, fmt.Errorf("store: task %s: %w", id, ErrNotFound)
	}
	return cloneTask(task), nil
}

func (m *MemoryStore) GetLatestTask(ctx context.Context, chatSessionID string) (*models.Task, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	order := m.taskOrder[chatSessionID]
	if len(order) == 0 {
		return nil, fmt.Errorf("store: latest task for session %s: %w", chatSessionID, ErrNotFound)
	}
	task := m.tasks[order[len(order)-1]]
	return cloneTask(task), nil
}

func (m *MemoryStore) ListTasks(ctx context.Context, chatSessionID string) ([]*models.Task, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	order := m.taskOrder[chatSessionID]
	out := make([]*models.Task, 0, len(order))
	for _, id := range order {
		out = append(out, cloneTask(m.tasks[id]))
	}
	return out, nil
}

func (m *MemoryStore) UpdateTask(ctx context.Context, task *models.Task) error {
	if task == nil {
		return fmt.Errorf("store: task is required")
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	existing, ok := m.tasks[task.ID]
	if !ok {
		return fmt.Errorf("store: task %s: %w", task.ID, ErrNotFound)
	}
	if task.Status == models.TaskRunning && m.runningTaskExists(existing.ChatSessionID, task.ID) {
		return fmt.Errorf("store: running task exists for session %s: %w", existing.ChatSessionID, ErrConflict)
	}
	task.UpdatedAt = time.Now().UTC()
	clone := cloneTask(task)
	clone.ChatSessionID = existing.ChatSessionID
	clone.CreatedAt = existing.CreatedAt
	m.tasks[clone.ID] = clone
	return nil
}

func (m *MemoryStore) runningTaskExists(chatSessionID, excludeID string) bool {
	for _, id := range m.taskOrder[chatSessionID] {
		if id == excludeID {
			continue
		}
		if m.tasks[id].Status == models.TaskRunning {
			return true
		}
	}
	return false
}

func (m *MemoryStore) CreateBatch(ctx context.Context, batch *models.BatchExecution) error {
	if batch == nil {
		return fmt.Errorf("store: batch is required")
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	fillID(&batch.ID)
	fillTimes(&batch.CreatedAt, &batch.UpdatedAt)
	if batch.Status == "" {
		batch.Status = models.BatchRunning
	}
	if _, ok := m.batches[batch.ID]; ok {
		return fmt.Errorf("store: batch %s: %w", batch.ID, ErrConflict)
	}
	m.batches[batch.ID] = cloneBatch(batch)
	return nil
}

func (m *MemoryStore) GetBatch(ctx context.Context, id string) (*models.BatchExecution, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	batch, ok := m.batches[id]
	if !ok {
		return nil, fmt.Errorf("store: batch %s: %w", id, ErrNotFound)
	}
	return cloneBatch(batch), nil
}

func (m *MemoryStore) UpdateBatch(ctx context.Context, batch *models.BatchExecution) error {
	if batch == nil {
		return fmt.Errorf("store: batch is required")
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	existing, ok := m.batches[batch.ID]
	if !ok {
		return fmt.Errorf("store: batch %s: %w", batch.ID, ErrNotFound)
	}
	batch.UpdatedAt = time.Now().UTC()
	clone := cloneBatch(batch)
	clone.CreatedAt = existing.CreatedAt
	m.batches[clone.ID] = clone
	return nil
}

func (m *MemoryStore) CreateMessage(ctx context.Context, msg *models.Message) error {
	if msg == nil {
		return fmt.Errorf("store: message is required")
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	fillID(&msg.ID)
	if msg.CreatedAt.IsZero() {
		msg.CreatedAt = time.Now().UTC()
	}
	m.messages = append(m.messages, cloneMessage(msg))
	return nil
}

func (m *MemoryStore) ListSessionMessages(ctx context.Context, chatSessionID string, limit int) ([]*models.Message, error) {
	if limit <= 0 {
		limit = 100
	}
	m.mu.RLock()
	defer m.mu.RUnlock()

	var matched []*models.Message
	for _, msg := range m.messages {
		if msg.ChatSessionID == chatSessionID {
			matched = append(matched, msg)
		}
	}
	if len(matched) > limit {
		matched = matched[len(matched)-limit:]
	}
	out := make([]*models.Message, 0, len(matched))
	for _, msg := range matched {
		out = append(out, cloneMessage(msg))
	}
	return out, nil
}

func (m *MemoryStore) ListTaskMessages(ctx context.Context, taskID string) ([]*models.Message, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var out []*models.Message
	for _, msg := range m.messages {
		if msg.TaskID == taskID {
			out = append(out, cloneMessage(msg))
		}
	}
	return out, nil
}

func (m *MemoryStore) CreateMetric(ctx context.Context, metric *models.PerformanceMetric) error {
	if metric == nil {
		return fmt.Errorf("store: metric is required")
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	fillID(&metric.ID)
	if metric.CreatedAt.IsZero() {
		metric.CreatedAt = time.Now().UTC()
	}
	clone := *metric
	m.metrics = append(m.metrics, &clone)
	return nil
}

func (m *MemoryStore) ListTaskMetrics(ctx context.Context, taskID string) ([]*models.PerformanceMetric, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var out []*models.PerformanceMetric
	for _, metric := range m.metrics {
		if metric.TaskID == taskID {
			clone := *metric
			out = append(out, &clone)
		}
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].Iteration < out[j].Iteration })
	return out, nil
}

// Ping always succeeds.
func (m *MemoryStore) Ping(ctx context.Context) error {
	return nil
}

// Close is a no-op.
func (m *MemoryStore) Close() error {
	return nil
}

// --- clones ---

func cloneChatSession(s *models.ChatSession) *models.ChatSession {
	clone := *s
	if s.Metadata != nil {
		clone.Metadata = maps.Clone(s.Metadata)
	}
	return &clone
}

func cloneBrowserSession(s *models.BrowserSession) *models.BrowserSession {
	clone := *s
	clone.CDPDisconnectedAt = copyTime(s.CDPDisconnectedAt)
	clone.LastActivityAt = copyTime(s.LastActivityAt)
	return &clone
}

func cloneTask(t *models.Task) *models.Task {
	clone := *t
	clone.CompletedAt = copyTime(t.CompletedAt)
	clone.ConfigOverrides = copyRaw(t.ConfigOverrides)
	return &clone
}

func cloneBatch(b *models.BatchExecution) *models.BatchExecution {
	clone := *b
	clone.GlobalConfig = copyRaw(b.GlobalConfig)
	return &clone
}

func cloneMessage(msg *models.Message) *models.Message {
	clone := msg.CloneBlocks()
	if len(msg.ToolCalls) > 0 {
		clone.ToolCalls = make([]models.ToolCall, len(msg.ToolCalls))
		copy(clone.ToolCalls, msg.ToolCalls)
		for i, call := range clone.ToolCalls {
			if call.Result != nil {
				result := *call.Result
				clone.ToolCalls[i].Result = &result
			}
		}
	}
	clone.RequestBlob = copyRaw(msg.RequestBlob)
	clone.ResponseBlob = copyRaw(msg.ResponseBlob)
	return &clone
}

func copyTime(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	c := *t
	return &c
}

func copyRaw(raw []byte) []byte {
	if len(raw) == 0 {
		return nil
	}
	out := make([]byte, len(raw))
	copy(out, raw)
	return out
}
