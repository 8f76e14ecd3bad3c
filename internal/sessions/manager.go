// Package sessions owns the process-local table of live remote browser
// sessions: provisioning, CDP connect/disconnect-to-standby/reconnect/
// destroy, the per-session tab stack, download tracking, and fault-tolerant
// screenshotting. All mutation of live state goes through the Manager; the
// browser_sessions row in the state store is its durable shadow.
package sessions

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/haasonsaas/pilot/internal/browser"
	"github.com/haasonsaas/pilot/internal/observability"
	"github.com/haasonsaas/pilot/pkg/models"
)

var (
	// ErrSessionNotFound is returned when no live session exists for the
	// remote id. Callers treat this as fatal for the current task.
	ErrSessionNotFound = errors.New("sessions: session not found")

	// ErrNoActiveTab is returned for input actions when the session has no
	// open page to dispatch to.
	ErrNoActiveTab = errors.New("sessions: no active tab")
)

const (
	defaultTypingDelay = 5 * time.Millisecond
	defaultWait        = time.Second
	maxWait            = 30 * time.Second

	// scrollTickPx converts model scroll ticks into wheel delta pixels.
	scrollTickPx = 100

	defaultScrollTicks = 3
)

// Provisioner allocates and tears down remote browsers and reads their
// filesystem. *browser.Kernel implements it.
type Provisioner interface {
	Create(ctx context.Context, opts browser.CreateOptions) (*browser.ProvisionedBrowser, error)
	Destroy(ctx context.Context, remoteID string) error
	ListFiles(ctx context.Context, remoteID, path string) ([]browser.FileInfo, error)
	ReadFile(ctx context.Context, remoteID, path string) ([]byte, error)
}

// Conn is the slice of the CDP connection the manager drives.
// *browser.Connection implements it.
type Conn interface {
	Pages(ctx context.Context) ([]browser.PageInfo, error)
	EnableDownloads(ctx context.Context, targetID, dir string) error
	Click(ctx context.Context, targetID string, x, y float64, button string, clicks int) error
	MoveMouse(ctx context.Context, targetID string, x, y float64) error
	Scroll(ctx context.Context, targetID string, x, y, dx, dy float64) error
	Type(ctx context.Context, targetID, text string, perCharDelay time.Duration) error
	Press(ctx context.Context, targetID, combo string) error
	Screenshot(ctx context.Context, targetID string) ([]byte, error)
	Close()
}

// DialFunc opens a CDP connection to a debugger URL.
type DialFunc func(ctx context.Context, debuggerURL string, hooks browser.Hooks) (Conn, error)

// Store is the slice of the state store the manager persists through.
type Store interface {
	CreateBrowserSession(ctx context.Context, session *models.BrowserSession) error
	GetBrowserSessionByRemoteID(ctx context.Context, remoteID string) (*models.BrowserSession, error)
	UpdateBrowserSession(ctx context.Context, session *models.BrowserSession) error
	TouchBrowserSession(ctx context.Context, remoteID string, at time.Time) error
}

// Tab is one page in a live session's stack. LastX/LastY remember where the
// cursor was left so cursor_position can answer without a CDP round trip.
type Tab struct {
	TargetID string
	URL      string
	LastX    int
	LastY    int
}

// LiveSession is the in-process state for one connected remote browser.
// Mutable fields are guarded by the Manager's mutex.
type LiveSession struct {
	remoteID      string
	rowID         string
	chatSessionID string
	debuggerURL   string
	liveViewURL   string
	createdAt     time.Time

	conn        Conn
	tabs        []*Tab
	active      *Tab
	downloads   *Downloads
	intentional bool
}

// Info is a point-in-time public view of a live session.
type Info struct {
	RemoteID      string            `json:"remote_id"`
	RowID         string            `json:"browser_session_id"`
	ChatSessionID string            `json:"chat_session_id,omitempty"`
	DebuggerURL   string            `json:"debugger_url"`
	LiveViewURL   string            `json:"live_view_url,omitempty"`
	ActiveTabURL  string            `json:"active_tab_url,omitempty"`
	TabCount      int               `json:"tab_count"`
	Downloads     []models.Download `json:"downloads,omitempty"`
	CreatedAt     time.Time         `json:"created_at"`
}

// Config configures the Manager.
type Config struct {
	Provisioner Provisioner
	Store       Store
	Logger      *observability.Logger
	Metrics     *observability.Metrics

	// TimeoutSeconds is the provider-side idle timeout for new browsers.
	TimeoutSeconds int
	// Stealth enables provider anti-detection measures.
	Stealth bool
	// Persistence binds new browsers to the chat session id so a later
	// Create resumes cookies and storage.
	Persistence bool
	// UseProfiles loads the provider profile named after the chat session.
	UseProfiles bool
	// Viewport sets the remote window size. Nil uses the provider default.
	Viewport *browser.Viewport
	// TypingDelay is the per-character pause for type actions.
	TypingDelay time.Duration
	// DownloadDir is where the remote browser lands downloads.
	DownloadDir string

	// Dial overrides how debugger connections are opened.
	Dial DialFunc
}

// Manager owns the remoteID -> LiveSession table. It is the only mutator of
// live session state; CDP event handlers funnel back through it.
type Manager struct {
	provisioner Provisioner
	store       Store
	logger      *observability.Logger
	metrics     *observability.Metrics
	dial        DialFunc

	timeoutSeconds int
	stealth        bool
	persistence    bool
	useProfiles    bool
	viewport       *browser.Viewport
	typingDelay    time.Duration
	downloadDir    string

	mu   sync.RWMutex
	live map[string]*LiveSession
}

// NewManager creates a session manager.
func NewManager(cfg Config) (*Manager, error) {
	if cfg.Provisioner == nil {
		return nil, fmt.Errorf("sessions: provisioner is required")
	}
	if cfg.Store == nil {
		return nil, fmt.Errorf("sessions: store is required")
	}
	if cfg.Logger == nil {
		cfg.Logger = observability.NewLogger(observability.LogConfig{})
	}
	if cfg.TypingDelay <= 0 {
		cfg.TypingDelay = defaultTypingDelay
	}
	if cfg.DownloadDir == "" {
		cfg.DownloadDir = browser.DefaultDownloadDir
	}
	dial := cfg.Dial
	if dial == nil {
		dial = func(ctx context.Context, debuggerURL string, hooks browser.Hooks) (Conn, error) {
			return browser.Connect(ctx, debuggerURL, hooks)
		}
	}

	return &Manager{
		provisioner:    cfg.Provisioner,
		store:          cfg.Store,
		logger:         cfg.Logger,
		metrics:        cfg.Metrics,
		dial:           dial,
		timeoutSeconds: cfg.TimeoutSeconds,
		stealth:        cfg.Stealth,
		persistence:    cfg.Persistence,
		useProfiles:    cfg.UseProfiles,
		viewport:       cfg.Viewport,
		typingDelay:    cfg.TypingDelay,
		downloadDir:    cfg.DownloadDir,
		live:           make(map[string]*LiveSession),
	}, nil
}

// Create provisions a remote browser, connects its debugger, adopts the
// first open page as active, and persists the browser_sessions row. The
// returned row is the durable identity; the live entry is keyed by RemoteID.
func (m *Manager) Create(ctx context.Context, chatSessionID string) (*models.BrowserSession, error) {
	opts := browser.CreateOptions{
		TimeoutSeconds: m.timeoutSeconds,
		Stealth:        m.stealth,
		Viewport:       m.viewport,
	}
	if m.persistence && chatSessionID != "" {
		opts.PersistenceID = chatSessionID
	}
	if m.useProfiles && chatSessionID != "" {
		opts.Profile = chatSessionID
	}

	pb, err := m.provisioner.Create(ctx, opts)
	if err != nil {
		if m.metrics != nil {
			m.metrics.RecordError("sessions", "provision")
		}
		return nil, fmt.Errorf("sessions: provision browser: %w", err)
	}

	ls := &LiveSession{
		remoteID:      pb.RemoteID,
		chatSessionID: chatSessionID,
		debuggerURL:   pb.DebuggerURL,
		liveViewURL:   pb.LiveViewURL,
		createdAt:     time.Now().UTC(),
		downloads:     newDownloads(),
	}

	// Registered before dialing so event handlers can find the entry as
	// soon as the connection starts delivering.
	m.mu.Lock()
	m.live[pb.RemoteID] = ls
	m.mu.Unlock()

	conn, err := m.dial(ctx, pb.DebuggerURL, m.hooksFor(pb.RemoteID))
	if err != nil {
		m.evict(pb.RemoteID)
		m.destroyRemote(pb.RemoteID)
		return nil, fmt.Errorf("sessions: connect debugger: %w", err)
	}

	m.mu.Lock()
	ls.conn = conn
	m.mu.Unlock()

	if pages, perr := conn.Pages(ctx); perr == nil && len(pages) > 0 {
		m.adoptPages(pb.RemoteID, pages, pages[0].TargetID)
	}

	if tab := m.activeTab(pb.RemoteID); tab != "" {
		if derr := conn.EnableDownloads(ctx, tab, m.downloadDir); derr != nil {
			m.logger.Warn(ctx, "enable downloads failed", "remote_id", pb.RemoteID, "error", derr)
		}
	}

	now := time.Now().UTC()
	row := &models.BrowserSession{
		ID:             uuid.NewString(),
		ChatSessionID:  chatSessionID,
		RemoteID:       pb.RemoteID,
		DebuggerURL:    pb.DebuggerURL,
		LiveViewURL:    pb.LiveViewURL,
		CDPConnected:   true,
		LastActivityAt: &now,
		Status:         models.BrowserSessionActive,
		CreatedAt:      now,
		UpdatedAt:      now,
	}
	if err := m.store.CreateBrowserSession(ctx, row); err != nil {
		conn.Close()
		m.evict(pb.RemoteID)
		m.destroyRemote(pb.RemoteID)
		return nil, fmt.Errorf("sessions: persist browser session: %w", err)
	}

	m.mu.Lock()
	ls.rowID = row.ID
	m.mu.Unlock()

	if m.metrics != nil {
		m.metrics.BrowserSessionConnected()
	}
	observability.EmitBrowserConnected(&observability.BrowserSessionEvent{
		SessionID:        chatSessionID,
		BrowserSessionID: pb.RemoteID,
		CDPWSURL:         pb.DebuggerURL,
	})
	m.logger.Info(ctx, "browser session created",
		"remote_id", pb.RemoteID,
		"chat_session_id", chatSessionID,
		"live_view_url", pb.LiveViewURL)

	return row, nil
}

// Get returns the live view of a session, or ErrSessionNotFound.
func (m *Manager) Get(remoteID string) (Info, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	ls, ok := m.live[remoteID]
	if !ok {
		return Info{}, fmt.Errorf("%w: %s", ErrSessionNotFound, remoteID)
	}
	return m.infoLocked(ls), nil
}

// List returns the live view of every managed session.
func (m *Manager) List() []Info {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]Info, 0, len(m.live))
	for _, ls := range m.live {
		out = append(out, m.infoLocked(ls))
	}
	return out
}

func (m *Manager) infoLocked(ls *LiveSession) Info {
	info := Info{
		RemoteID:      ls.remoteID,
		RowID:         ls.rowID,
		ChatSessionID: ls.chatSessionID,
		DebuggerURL:   ls.debuggerURL,
		LiveViewURL:   ls.liveViewURL,
		TabCount:      len(ls.tabs),
		Downloads:     ls.downloads.List(),
		CreatedAt:     ls.createdAt,
	}
	if ls.active != nil {
		info.ActiveTabURL = ls.active.URL
	}
	return info
}

// Downloads returns the download tracker for a live session.
func (m *Manager) Downloads(remoteID string) (*Downloads, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	ls, ok := m.live[remoteID]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrSessionNotFound, remoteID)
	}
	return ls.downloads, nil
}

// Screenshot captures the active tab as PNG. An unresponsive or closed
// active tab falls back through the rest of the stack, newest first; if the
// whole stack fails the page list is refreshed from the browser and tried
// once more before giving up.
func (m *Manager) Screenshot(ctx context.Context, remoteID string) ([]byte, error) {
	conn, candidates, err := m.capturePlan(remoteID)
	if err != nil {
		return nil, err
	}

	png, err := m.captureAny(ctx, remoteID, conn, candidates)
	if err == nil {
		return png, nil
	}
	if errors.Is(err, browser.ErrConnectionClosed) {
		return nil, err
	}

	pages, perr := conn.Pages(ctx)
	if perr != nil {
		return nil, fmt.Errorf("sessions: refresh pages: %w", perr)
	}
	m.adoptPages(remoteID, pages, "")

	refreshed := make([]string, 0, len(pages))
	for i := len(pages) - 1; i >= 0; i-- {
		refreshed = append(refreshed, pages[i].TargetID)
	}
	if len(refreshed) == 0 {
		return nil, browser.ErrNoPages
	}

	png, err = m.captureAny(ctx, remoteID, conn, refreshed)
	if err != nil {
		return nil, fmt.Errorf("%w: all %d pages failed to capture", browser.ErrPageUnresponsive, len(refreshed))
	}
	return png, nil
}

// capturePlan snapshots the connection and the capture order: active tab
// first, then the rest of the stack newest to oldest.
func (m *Manager) capturePlan(remoteID string) (Conn, []string, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	ls, ok := m.live[remoteID]
	if !ok {
		return nil, nil, fmt.Errorf("%w: %s", ErrSessionNotFound, remoteID)
	}

	var candidates []string
	if ls.active != nil {
		candidates = append(candidates, ls.active.TargetID)
	}
	for i := len(ls.tabs) - 1; i >= 0; i-- {
		if ls.active != nil && ls.tabs[i].TargetID == ls.active.TargetID {
			continue
		}
		candidates = append(candidates, ls.tabs[i].TargetID)
	}
	return ls.conn, candidates, nil
}

func (m *Manager) captureAny(ctx context.Context, remoteID string, conn Conn, targetIDs []string) ([]byte, error) {
	if len(targetIDs) == 0 {
		return nil, browser.ErrNoPages
	}
	var lastErr error
	for _, tid := range targetIDs {
		png, err := conn.Screenshot(ctx, tid)
		if err == nil {
			m.touch(ctx, remoteID)
			if m.metrics != nil {
				m.metrics.RecordScreenshot(len(png))
			}
			return png, nil
		}
		if errors.Is(err, browser.ErrConnectionClosed) {
			return nil, err
		}
		m.logger.Warn(ctx, "screenshot failed, trying next tab",
			"remote_id", remoteID, "target_id", tid, "error", err)
		lastErr = err
	}
	return nil, lastErr
}

// Perform dispatches one typed input action against the session's active
// tab. Argument validation errors and transient CDP failures come back as
// plain errors for the caller to surface as tool results; every successful
// action touches last_activity_at.
func (m *Manager) Perform(ctx context.Context, remoteID string, action Action) (*ActionResult, error) {
	res, err := m.dispatch(ctx, remoteID, action)
	status := "ok"
	if err != nil {
		status = "error"
	}
	if m.metrics != nil {
		m.metrics.RecordBrowserAction(string(action.Kind), status)
	}
	if err == nil && action.Kind != ActionScreenshot {
		m.touch(ctx, remoteID)
	}
	return res, err
}

func (m *Manager) dispatch(ctx context.Context, remoteID string, action Action) (*ActionResult, error) {
	switch action.Kind {
	case ActionWait:
		return waitAction(ctx, action)
	case ActionScreenshot:
		png, err := m.Screenshot(ctx, remoteID)
		if err != nil {
			return nil, err
		}
		return &ActionResult{Screenshot: png, Output: "screenshot captured"}, nil
	}

	conn, tab, err := m.activeTarget(remoteID)
	if err != nil {
		return nil, err
	}

	switch action.Kind {
	case ActionLeftClick, ActionRightClick, ActionDoubleClick:
		x, y, err := actionCoordinate(action)
		if err != nil {
			return nil, err
		}
		button, clicks := "left", 1
		switch action.Kind {
		case ActionRightClick:
			button = "right"
		case ActionDoubleClick:
			clicks = 2
		}
		if err := conn.Click(ctx, tab, float64(x), float64(y), button, clicks); err != nil {
			return nil, fmt.Errorf("%s at (%d, %d): %w", action.Kind, x, y, err)
		}
		m.setCursor(remoteID, tab, x, y)
		return &ActionResult{Output: fmt.Sprintf("%s at (%d, %d)", action.Kind, x, y)}, nil

	case ActionMouseMove:
		x, y, err := actionCoordinate(action)
		if err != nil {
			return nil, err
		}
		if err := conn.MoveMouse(ctx, tab, float64(x), float64(y)); err != nil {
			return nil, fmt.Errorf("mouse_move to (%d, %d): %w", x, y, err)
		}
		m.setCursor(remoteID, tab, x, y)
		return &ActionResult{Output: fmt.Sprintf("moved mouse to (%d, %d)", x, y)}, nil

	case ActionScroll:
		x, y := m.cursor(remoteID)
		if len(action.Coordinate) >= 2 {
			x, y = action.Coordinate[0], action.Coordinate[1]
		}
		ticks := action.ScrollAmount
		if ticks <= 0 {
			ticks = defaultScrollTicks
		}
		var dx, dy float64
		switch action.ScrollDirection {
		case "up":
			dy = -float64(ticks * scrollTickPx)
		case "", "down":
			dy = float64(ticks * scrollTickPx)
		case "left":
			dx = -float64(ticks * scrollTickPx)
		case "right":
			dx = float64(ticks * scrollTickPx)
		default:
			return nil, fmt.Errorf("sessions: unknown scroll direction %q", action.ScrollDirection)
		}
		if err := conn.Scroll(ctx, tab, float64(x), float64(y), dx, dy); err != nil {
			return nil, fmt.Errorf("scroll at (%d, %d): %w", x, y, err)
		}
		m.setCursor(remoteID, tab, x, y)
		return &ActionResult{Output: fmt.Sprintf("scrolled %s %d ticks at (%d, %d)", scrollDirLabel(action.ScrollDirection), ticks, x, y)}, nil

	case ActionType:
		if action.Text == "" {
			return nil, fmt.Errorf("sessions: text is required for type")
		}
		if err := conn.Type(ctx, tab, action.Text, m.typingDelay); err != nil {
			return nil, fmt.Errorf("type: %w", err)
		}
		return &ActionResult{Output: fmt.Sprintf("typed %d characters", len([]rune(action.Text)))}, nil

	case ActionKey:
		if action.Text == "" {
			return nil, fmt.Errorf("sessions: text is required for key")
		}
		if err := conn.Press(ctx, tab, action.Text); err != nil {
			return nil, fmt.Errorf("key %q: %w", action.Text, err)
		}
		return &ActionResult{Output: fmt.Sprintf("pressed %q", action.Text)}, nil

	case ActionCursorPosition:
		x, y := m.cursor(remoteID)
		return &ActionResult{X: x, Y: y, Output: fmt.Sprintf("X=%d,Y=%d", x, y)}, nil

	default:
		return nil, fmt.Errorf("sessions: unsupported action %q", action.Kind)
	}
}

// DisconnectCDP closes the debugger connection but leaves the remote
// browser running as zero-cost standby. The row keeps enough state for a
// later ReconnectCDP.
func (m *Manager) DisconnectCDP(ctx context.Context, remoteID string) error {
	m.mu.Lock()
	ls, ok := m.live[remoteID]
	if !ok {
		m.mu.Unlock()
		return fmt.Errorf("%w: %s", ErrSessionNotFound, remoteID)
	}
	ls.intentional = true
	conn := ls.conn
	delete(m.live, remoteID)
	m.mu.Unlock()

	if conn != nil {
		conn.Close()
	}
	m.markDisconnected(ctx, remoteID)

	if m.metrics != nil {
		m.metrics.BrowserSessionDisconnected()
	}
	observability.EmitBrowserDisconnected(&observability.BrowserSessionEvent{
		SessionID:        ls.chatSessionID,
		BrowserSessionID: remoteID,
		Reason:           "intentional",
	})
	m.logger.Info(ctx, "browser session disconnected to standby", "remote_id", remoteID)
	return nil
}

// ReconnectCDP re-attaches to a standby browser using the stored debugger
// URL, picks the most useful existing page as active, and re-installs event
// listeners and download behavior. Reconnecting an already-live session is
// a no-op.
func (m *Manager) ReconnectCDP(ctx context.Context, remoteID string) (*models.BrowserSession, error) {
	row, err := m.store.GetBrowserSessionByRemoteID(ctx, remoteID)
	if err != nil {
		return nil, fmt.Errorf("%w: %s", ErrSessionNotFound, remoteID)
	}

	m.mu.RLock()
	_, alive := m.live[remoteID]
	m.mu.RUnlock()
	if alive {
		return row, nil
	}

	ls := &LiveSession{
		remoteID:      remoteID,
		rowID:         row.ID,
		chatSessionID: row.ChatSessionID,
		debuggerURL:   row.DebuggerURL,
		liveViewURL:   row.LiveViewURL,
		createdAt:     time.Now().UTC(),
		downloads:     newDownloads(),
	}
	m.mu.Lock()
	m.live[remoteID] = ls
	m.mu.Unlock()

	conn, err := m.dial(ctx, row.DebuggerURL, m.hooksFor(remoteID))
	if err != nil {
		m.evict(remoteID)
		return nil, fmt.Errorf("sessions: reconnect debugger: %w", err)
	}
	m.mu.Lock()
	ls.conn = conn
	m.mu.Unlock()

	pages, err := conn.Pages(ctx)
	if err != nil {
		conn.Close()
		m.evict(remoteID)
		return nil, fmt.Errorf("sessions: list pages after reconnect: %w", err)
	}
	m.adoptPages(remoteID, pages, bestPage(pages))

	if tab := m.activeTab(remoteID); tab != "" {
		if derr := conn.EnableDownloads(ctx, tab, m.downloadDir); derr != nil {
			m.logger.Warn(ctx, "enable downloads failed", "remote_id", remoteID, "error", derr)
		}
	}

	now := time.Now().UTC()
	row.CDPConnected = true
	row.CDPDisconnectedAt = nil
	row.LastActivityAt = &now
	row.Status = models.BrowserSessionActive
	row.UpdatedAt = now
	if err := m.store.UpdateBrowserSession(ctx, row); err != nil {
		m.logger.Error(ctx, "persist reconnect failed", "remote_id", remoteID, "error", err)
	}

	if m.metrics != nil {
		m.metrics.BrowserSessionConnected()
	}
	observability.EmitBrowserConnected(&observability.BrowserSessionEvent{
		SessionID:        row.ChatSessionID,
		BrowserSessionID: remoteID,
		CDPWSURL:         row.DebuggerURL,
		Reason:           "reconnect",
	})
	m.logger.Info(ctx, "browser session reconnected", "remote_id", remoteID)
	return row, nil
}

// Destroy tears the session down completely: debugger closed, remote
// browser destroyed, downloads cleared, row marked stopped. The remote
// destroy is attempted even when no live entry exists.
func (m *Manager) Destroy(ctx context.Context, remoteID string) error {
	m.mu.Lock()
	ls, wasLive := m.live[remoteID]
	var conn Conn
	if wasLive {
		ls.intentional = true
		conn = ls.conn
		delete(m.live, remoteID)
	}
	m.mu.Unlock()

	if conn != nil {
		conn.Close()
	}
	if wasLive {
		ls.downloads.Clear()
		if m.metrics != nil {
			m.metrics.BrowserSessionDisconnected()
		}
	}

	destroyErr := m.provisioner.Destroy(ctx, remoteID)
	if destroyErr != nil {
		m.logger.Error(ctx, "remote browser destroy failed", "remote_id", remoteID, "error", destroyErr)
	}

	if row, err := m.store.GetBrowserSessionByRemoteID(ctx, remoteID); err == nil {
		now := time.Now().UTC()
		row.Status = models.BrowserSessionStopped
		row.CDPConnected = false
		row.CDPDisconnectedAt = &now
		row.UpdatedAt = now
		if uerr := m.store.UpdateBrowserSession(ctx, row); uerr != nil {
			m.logger.Error(ctx, "persist destroy failed", "remote_id", remoteID, "error", uerr)
		}
	}

	var chatSessionID string
	if wasLive {
		chatSessionID = ls.chatSessionID
	}
	observability.EmitBrowserDestroyed(&observability.BrowserSessionEvent{
		SessionID:        chatSessionID,
		BrowserSessionID: remoteID,
	})
	m.logger.Info(ctx, "browser session destroyed", "remote_id", remoteID)
	return destroyErr
}

// Stop is the HTTP-facing alias for Destroy.
func (m *Manager) Stop(ctx context.Context, remoteID string) error {
	return m.Destroy(ctx, remoteID)
}

// Pause is the HTTP-facing alias for DisconnectCDP.
func (m *Manager) Pause(ctx context.Context, remoteID string) error {
	return m.DisconnectCDP(ctx, remoteID)
}

// Resume is the HTTP-facing alias for ReconnectCDP.
func (m *Manager) Resume(ctx context.Context, remoteID string) (*models.BrowserSession, error) {
	return m.ReconnectCDP(ctx, remoteID)
}

// ListDownloadedFiles lists the remote download directory through the
// provisioner, which works even when no debugger connection is live.
func (m *Manager) ListDownloadedFiles(ctx context.Context, remoteID string) ([]browser.FileInfo, error) {
	return m.provisioner.ListFiles(ctx, remoteID, m.downloadDir)
}

// ReadDownloadedFile reads one file from the remote download directory.
func (m *Manager) ReadDownloadedFile(ctx context.Context, remoteID, path string) ([]byte, error) {
	return m.provisioner.ReadFile(ctx, remoteID, path)
}

// hooksFor binds the CDP event callbacks for one session. Handlers must not
// block: live-table mutation is brief, store writes go to goroutines.
func (m *Manager) hooksFor(remoteID string) browser.Hooks {
	return browser.Hooks{
		PageOpened: func(targetID, url string) {
			m.onPageOpened(remoteID, targetID, url)
		},
		PageClosed: func(targetID string) {
			m.onPageClosed(remoteID, targetID)
		},
		PageURLChanged: func(targetID, url string) {
			m.onPageURLChanged(remoteID, targetID, url)
		},
		DownloadWillBegin: func(guid, suggestedFilename, url string) {
			m.onDownloadBegin(remoteID, guid, suggestedFilename, url)
		},
		DownloadProgress: func(guid string, receivedBytes, totalBytes int64, state string) {
			m.onDownloadProgress(remoteID, guid, receivedBytes, totalBytes, state)
		},
		Disconnected: func() {
			m.onUnexpectedDisconnect(remoteID)
		},
	}
}

// onPageOpened pushes the new page onto the stack and makes it active.
func (m *Manager) onPageOpened(remoteID, targetID, url string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	ls, ok := m.live[remoteID]
	if !ok {
		return
	}
	for _, t := range ls.tabs {
		if t.TargetID == targetID {
			t.URL = url
			ls.active = t
			return
		}
	}
	tab := &Tab{TargetID: targetID, URL: url}
	ls.tabs = append(ls.tabs, tab)
	ls.active = tab
}

// onPageClosed removes the page; if it was active, the most recent survivor
// takes over.
func (m *Manager) onPageClosed(remoteID, targetID string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	ls, ok := m.live[remoteID]
	if !ok {
		return
	}
	for i, t := range ls.tabs {
		if t.TargetID != targetID {
			continue
		}
		ls.tabs = append(ls.tabs[:i], ls.tabs[i+1:]...)
		if ls.active == t {
			ls.active = nil
			if n := len(ls.tabs); n > 0 {
				ls.active = ls.tabs[n-1]
			}
		}
		return
	}
}

func (m *Manager) onPageURLChanged(remoteID, targetID, url string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	ls, ok := m.live[remoteID]
	if !ok {
		return
	}
	for _, t := range ls.tabs {
		if t.TargetID == targetID {
			t.URL = url
			return
		}
	}
}

func (m *Manager) onDownloadBegin(remoteID, guid, suggestedFilename, url string) {
	m.mu.RLock()
	ls, ok := m.live[remoteID]
	var chatSessionID string
	if ok {
		chatSessionID = ls.chatSessionID
	}
	m.mu.RUnlock()
	if !ok {
		return
	}

	ls.downloads.Begin(guid, suggestedFilename, url, m.downloadDir, time.Now().UTC())
	if m.metrics != nil {
		m.metrics.RecordDownload("started")
	}
	observability.EmitDownload(&observability.DownloadEvent{
		SessionID: chatSessionID,
		GUID:      guid,
		Filename:  suggestedFilename,
		URL:       url,
		State:     "started",
	})
}

func (m *Manager) onDownloadProgress(remoteID, guid string, receivedBytes, totalBytes int64, state string) {
	m.mu.RLock()
	ls, ok := m.live[remoteID]
	var chatSessionID string
	if ok {
		chatSessionID = ls.chatSessionID
	}
	m.mu.RUnlock()
	if !ok {
		return
	}

	ls.downloads.Progress(guid, receivedBytes, totalBytes, state)

	// Only terminal transitions are worth metrics and events; inProgress
	// fires on every chunk.
	if state == "completed" || state == "canceled" {
		if m.metrics != nil {
			m.metrics.RecordDownload(state)
		}
		observability.EmitDownload(&observability.DownloadEvent{
			SessionID:     chatSessionID,
			GUID:          guid,
			State:         state,
			ReceivedBytes: receivedBytes,
			TotalBytes:    totalBytes,
		})
	}
}

// onUnexpectedDisconnect handles the debugger dropping without a prior
// DisconnectCDP or Destroy. The session is evicted and the row marked
// disconnected; reconnection is left to the layer that next needs the
// browser.
func (m *Manager) onUnexpectedDisconnect(remoteID string) {
	m.mu.Lock()
	ls, ok := m.live[remoteID]
	if !ok || ls.intentional {
		m.mu.Unlock()
		return
	}
	delete(m.live, remoteID)
	chatSessionID := ls.chatSessionID
	m.mu.Unlock()

	if m.metrics != nil {
		m.metrics.BrowserSessionDisconnected()
		m.metrics.RecordError("sessions", "unexpected_disconnect")
	}
	observability.EmitBrowserDisconnected(&observability.BrowserSessionEvent{
		SessionID:        chatSessionID,
		BrowserSessionID: remoteID,
		Reason:           "unexpected",
	})

	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		m.markDisconnected(ctx, remoteID)
		m.logger.Warn(ctx, "browser session disconnected unexpectedly", "remote_id", remoteID)
	}()
}

func (m *Manager) markDisconnected(ctx context.Context, remoteID string) {
	row, err := m.store.GetBrowserSessionByRemoteID(ctx, remoteID)
	if err != nil {
		m.logger.Error(ctx, "load browser session for disconnect failed", "remote_id", remoteID, "error", err)
		return
	}
	now := time.Now().UTC()
	row.CDPConnected = false
	row.CDPDisconnectedAt = &now
	row.UpdatedAt = now
	if err := m.store.UpdateBrowserSession(ctx, row); err != nil {
		m.logger.Error(ctx, "persist disconnect failed", "remote_id", remoteID, "error", err)
	}
}

// adoptPages merges a fresh page listing into the stack: known tabs keep
// their position and cursor, unknown pages append in reported order, stale
// tabs drop. activeTarget, when non-empty, wins the active slot.
func (m *Manager) adoptPages(remoteID string, pages []browser.PageInfo, activeTarget string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	ls, ok := m.live[remoteID]
	if !ok {
		return
	}

	prevActive := ""
	if ls.active != nil {
		prevActive = ls.active.TargetID
	}

	fresh := make([]*Tab, 0, len(pages))
	seen := make(map[string]bool, len(pages))
	for _, t := range ls.tabs {
		for _, p := range pages {
			if p.TargetID == t.TargetID {
				t.URL = p.URL
				fresh = append(fresh, t)
				seen[t.TargetID] = true
				break
			}
		}
	}
	for _, p := range pages {
		if !seen[p.TargetID] {
			fresh = append(fresh, &Tab{TargetID: p.TargetID, URL: p.URL})
		}
	}
	ls.tabs = fresh

	want := activeTarget
	if want == "" {
		want = prevActive
	}
	ls.active = nil
	for _, t := range ls.tabs {
		if want != "" && t.TargetID == want {
			ls.active = t
			break
		}
	}
	if ls.active == nil && len(ls.tabs) > 0 {
		ls.active = ls.tabs[len(ls.tabs)-1]
	}
}

// bestPage prefers the first page with a real URL, else the most recent.
func bestPage(pages []browser.PageInfo) string {
	for _, p := range pages {
		if p.URL != "" && p.URL != "about:blank" {
			return p.TargetID
		}
	}
	if len(pages) > 0 {
		return pages[len(pages)-1].TargetID
	}
	return ""
}

func (m *Manager) activeTab(remoteID string) string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	ls, ok := m.live[remoteID]
	if !ok || ls.active == nil {
		return ""
	}
	return ls.active.TargetID
}

func (m *Manager) activeTarget(remoteID string) (Conn, string, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	ls, ok := m.live[remoteID]
	if !ok {
		return nil, "", fmt.Errorf("%w: %s", ErrSessionNotFound, remoteID)
	}
	if ls.active == nil {
		return nil, "", ErrNoActiveTab
	}
	return ls.conn, ls.active.TargetID, nil
}

func (m *Manager) setCursor(remoteID, targetID string, x, y int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	ls, ok := m.live[remoteID]
	if !ok {
		return
	}
	for _, t := range ls.tabs {
		if t.TargetID == targetID {
			t.LastX, t.LastY = x, y
			return
		}
	}
}

func (m *Manager) cursor(remoteID string) (int, int) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	ls, ok := m.live[remoteID]
	if !ok || ls.active == nil {
		return 0, 0
	}
	return ls.active.LastX, ls.active.LastY
}

// touch bumps browser_sessions.last_activity_at; failures are logged only.
func (m *Manager) touch(ctx context.Context, remoteID string) {
	if err := m.store.TouchBrowserSession(ctx, remoteID, time.Now().UTC()); err != nil {
		m.logger.Warn(ctx, "touch last_activity_at failed", "remote_id", remoteID, "error", err)
	}
}

func (m *Manager) evict(remoteID string) {
	m.mu.Lock()
	delete(m.live, remoteID)
	m.mu.Unlock()
}

// destroyRemote best-effort destroys a remote browser after a failed
// create, so half-built sessions do not leak provider resources.
func (m *Manager) destroyRemote(remoteID string) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := m.provisioner.Destroy(ctx, remoteID); err != nil {
		m.logger.Error(ctx, "cleanup destroy failed", "remote_id", remoteID, "error", err)
	}
}

func waitAction(ctx context.Context, action Action) (*ActionResult, error) {
	wait := time.Duration(action.Duration * float64(time.Second))
	if wait <= 0 && action.DurationMS > 0 {
		wait = time.Duration(action.DurationMS) * time.Millisecond
	}
	if wait <= 0 {
		wait = defaultWait
	}
	if wait > maxWait {
		wait = maxWait
	}
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-time.After(wait):
		return &ActionResult{Output: fmt.Sprintf("waited %s", wait)}, nil
	}
}

func actionCoordinate(action Action) (int, int, error) {
	if len(action.Coordinate) < 2 {
		return 0, 0, fmt.Errorf("sessions: coordinate is required for %s", action.Kind)
	}
	x, y := action.Coordinate[0], action.Coordinate[1]
	if x < 0 || y < 0 {
		return 0, 0, fmt.Errorf("sessions: coordinate (%d, %d) out of range", x, y)
	}
	return x, y, nil
}

func scrollDirLabel(dir string) string {
	if dir == "" {
		return "down"
	}
	return dir
}
