package sessions

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/haasonsaas/pilot/internal/browser"
	"github.com/haasonsaas/pilot/pkg/models"
)

type fakeProvisioner struct {
	mu        sync.Mutex
	created   []browser.CreateOptions
	destroyed []string
	createErr error
	result    browser.ProvisionedBrowser
}

func (f *fakeProvisioner) Create(ctx context.Context, opts browser.CreateOptions) (*browser.ProvisionedBrowser, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.created = append(f.created, opts)
	if f.createErr != nil {
		return nil, f.createErr
	}
	pb := f.result
	return &pb, nil
}

func (f *fakeProvisioner) Destroy(ctx context.Context, remoteID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.destroyed = append(f.destroyed, remoteID)
	return nil
}

func (f *fakeProvisioner) ListFiles(ctx context.Context, remoteID, path string) ([]browser.FileInfo, error) {
	return nil, nil
}

func (f *fakeProvisioner) ReadFile(ctx context.Context, remoteID, path string) ([]byte, error) {
	return nil, nil
}

func (f *fakeProvisioner) destroyCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.destroyed)
}

type connCall struct {
	op       string
	targetID string
	args     string
}

type fakeConn struct {
	mu     sync.Mutex
	pages  []browser.PageInfo
	shots  map[string][]byte
	shotEe map[string]error
	calls  []connCall
	closed bool
}

func newFakeConn(pages ...browser.PageInfo) *fakeConn {
	return &fakeConn{
		pages:  pages,
		shots:  make(map[string][]byte),
		shotEe: make(map[string]error),
	}
}

func (f *fakeConn) record(op, targetID, args string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, connCall{op: op, targetID: targetID, args: args})
}

func (f *fakeConn) Pages(ctx context.Context) ([]browser.PageInfo, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]browser.PageInfo(nil), f.pages...), nil
}

func (f *fakeConn) setPages(pages ...browser.PageInfo) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.pages = pages
}

func (f *fakeConn) EnableDownloads(ctx context.Context, targetID, dir string) error {
	f.record("enable_downloads", targetID, dir)
	return nil
}

func (f *fakeConn) Click(ctx context.Context, targetID string, x, y float64, button string, clicks int) error {
	f.record("click", targetID, fmt.Sprintf("%.0f,%.0f,%s,%d", x, y, button, clicks))
	return nil
}

func (f *fakeConn) MoveMouse(ctx context.Context, targetID string, x, y float64) error {
	f.record("move", targetID, fmt.Sprintf("%.0f,%.0f", x, y))
	return nil
}

func (f *fakeConn) Scroll(ctx context.Context, targetID string, x, y, dx, dy float64) error {
	f.record("scroll", targetID, fmt.Sprintf("%.0f,%.0f,%.0f,%.0f", x, y, dx, dy))
	return nil
}

func (f *fakeConn) Type(ctx context.Context, targetID, text string, perCharDelay time.Duration) error {
	f.record("type", targetID, text)
	return nil
}

func (f *fakeConn) Press(ctx context.Context, targetID, combo string) error {
	f.record("press", targetID, combo)
	return nil
}

func (f *fakeConn) Screenshot(ctx context.Context, targetID string) ([]byte, error) {
	f.record("screenshot", targetID, "")
	f.mu.Lock()
	defer f.mu.Unlock()
	if err, ok := f.shotEe[targetID]; ok {
		return nil, err
	}
	if png, ok := f.shots[targetID]; ok {
		return png, nil
	}
	return nil, fmt.Errorf("%w: no shot configured for %s", browser.ErrPageUnresponsive, targetID)
}

func (f *fakeConn) Close() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.closed = true
}

func (f *fakeConn) isClosed() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.closed
}

func (f *fakeConn) callsFor(op string) []connCall {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []connCall
	for _, c := range f.calls {
		if c.op == op {
			out = append(out, c)
		}
	}
	return out
}

type fakeStore struct {
	mu      sync.Mutex
	rows    map[string]*models.BrowserSession
	touches int
}

func newFakeStore() *fakeStore {
	return &fakeStore{rows: make(map[string]*models.BrowserSession)}
}

func (s *fakeStore) CreateBrowserSession(ctx context.Context, session *models.BrowserSession) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := *session
	s.rows[session.RemoteID] = &cp
	return nil
}

func (s *fakeStore) GetBrowserSessionByRemoteID(ctx context.Context, remoteID string) (*models.BrowserSession, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	row, ok := s.rows[remoteID]
	if !ok {
		return nil, errors.New("no rows")
	}
	cp := *row
	return &cp, nil
}

func (s *fakeStore) UpdateBrowserSession(ctx context.Context, session *models.BrowserSession) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := *session
	s.rows[session.RemoteID] = &cp
	return nil
}

func (s *fakeStore) TouchBrowserSession(ctx context.Context, remoteID string, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.touches++
	if row, ok := s.rows[remoteID]; ok {
		row.LastActivityAt = &at
	}
	return nil
}

func (s *fakeStore) row(remoteID string) *models.BrowserSession {
	s.mu.Lock()
	defer s.mu.Unlock()
	if row, ok := s.rows[remoteID]; ok {
		cp := *row
		return &cp
	}
	return nil
}

func (s *fakeStore) touchCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.touches
}

// testManager wires a Manager onto fakes and returns the captured hooks so
// tests can fire CDP events.
func testManager(t *testing.T, conn *fakeConn, mutate func(*Config)) (*Manager, *fakeProvisioner, *fakeStore, *browser.Hooks) {
	t.Helper()

	prov := &fakeProvisioner{result: browser.ProvisionedBrowser{
		RemoteID:    "remote-1",
		DebuggerURL: "ws://cdp.example/devtools/browser/1",
		LiveViewURL: "https://live.example/remote-1",
	}}
	store := newFakeStore()
	hooks := &browser.Hooks{}

	cfg := Config{
		Provisioner: prov,
		Store:       store,
		DownloadDir: "/dl",
		Dial: func(ctx context.Context, debuggerURL string, h browser.Hooks) (Conn, error) {
			*hooks = h
			return conn, nil
		},
	}
	if mutate != nil {
		mutate(&cfg)
	}

	m, err := NewManager(cfg)
	if err != nil {
		t.Fatalf("NewManager: %v", err)
	}
	return m, prov, store, hooks
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

func TestManagerCreate(t *testing.T) {
	conn := newFakeConn(browser.PageInfo{TargetID: "t1", URL: "about:blank"})
	m, prov, store, _ := testManager(t, conn, func(cfg *Config) {
		cfg.Persistence = true
		cfg.TimeoutSeconds = 120
	})

	row, err := m.Create(context.Background(), "chat-1")
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	if row.RemoteID != "remote-1" || !row.CDPConnected || row.Status != models.BrowserSessionActive {
		t.Fatalf("row=%+v", row)
	}

	prov.mu.Lock()
	opts := prov.created[0]
	prov.mu.Unlock()
	if opts.PersistenceID != "chat-1" {
		t.Fatalf("PersistenceID=%q want chat-1", opts.PersistenceID)
	}
	if opts.TimeoutSeconds != 120 {
		t.Fatalf("TimeoutSeconds=%d", opts.TimeoutSeconds)
	}

	info, err := m.Get("remote-1")
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if info.TabCount != 1 || info.ActiveTabURL != "about:blank" {
		t.Fatalf("info=%+v", info)
	}
	if info.LiveViewURL != "https://live.example/remote-1" {
		t.Fatalf("LiveViewURL=%q", info.LiveViewURL)
	}

	enables := conn.callsFor("enable_downloads")
	if len(enables) != 1 || enables[0].targetID != "t1" || enables[0].args != "/dl" {
		t.Fatalf("enable_downloads calls=%+v", enables)
	}

	if stored := store.row("remote-1"); stored == nil || stored.ChatSessionID != "chat-1" {
		t.Fatalf("stored=%+v", stored)
	}
}

func TestManagerCreateDialFailure(t *testing.T) {
	conn := newFakeConn()
	m, prov, _, _ := testManager(t, conn, func(cfg *Config) {
		cfg.Dial = func(ctx context.Context, debuggerURL string, h browser.Hooks) (Conn, error) {
			return nil, errors.New("refused")
		}
	})

	if _, err := m.Create(context.Background(), "chat-1"); err == nil {
		t.Fatal("expected error")
	}
	if prov.destroyCount() != 1 {
		t.Fatalf("destroyed=%d want 1 (no leaked remote browser)", prov.destroyCount())
	}
	if _, err := m.Get("remote-1"); !errors.Is(err, ErrSessionNotFound) {
		t.Fatalf("Get after failed create: %v", err)
	}
}

func TestManagerPageLifecycle(t *testing.T) {
	conn := newFakeConn(browser.PageInfo{TargetID: "t1", URL: "about:blank"})
	m, _, _, hooks := testManager(t, conn, nil)

	if _, err := m.Create(context.Background(), "chat-1"); err != nil {
		t.Fatalf("Create: %v", err)
	}

	hooks.PageOpened("t2", "https://example.com")
	info, _ := m.Get("remote-1")
	if info.TabCount != 2 || info.ActiveTabURL != "https://example.com" {
		t.Fatalf("after open: %+v", info)
	}

	hooks.PageURLChanged("t2", "https://example.com/checkout")
	info, _ = m.Get("remote-1")
	if info.ActiveTabURL != "https://example.com/checkout" {
		t.Fatalf("after url change: %+v", info)
	}

	// Closing the active tab promotes the most recent survivor.
	hooks.PageClosed("t2")
	info, _ = m.Get("remote-1")
	if info.TabCount != 1 || info.ActiveTabURL != "about:blank" {
		t.Fatalf("after close: %+v", info)
	}

	hooks.PageClosed("t1")
	info, _ = m.Get("remote-1")
	if info.TabCount != 0 || info.ActiveTabURL != "" {
		t.Fatalf("after closing all: %+v", info)
	}
}

func TestManagerScreenshotFallsBackThroughStack(t *testing.T) {
	conn := newFakeConn(browser.PageInfo{TargetID: "t1", URL: "about:blank"})
	m, _, _, hooks := testManager(t, conn, nil)

	if _, err := m.Create(context.Background(), "chat-1"); err != nil {
		t.Fatalf("Create: %v", err)
	}
	hooks.PageOpened("t2", "https://example.com")

	conn.mu.Lock()
	conn.shotEe["t2"] = browser.ErrPageUnresponsive
	conn.shots["t1"] = []byte("png-t1")
	conn.mu.Unlock()

	png, err := m.Screenshot(context.Background(), "remote-1")
	if err != nil {
		t.Fatalf("Screenshot: %v", err)
	}
	if string(png) != "png-t1" {
		t.Fatalf("png=%q", png)
	}

	shots := conn.callsFor("screenshot")
	if len(shots) != 2 || shots[0].targetID != "t2" || shots[1].targetID != "t1" {
		t.Fatalf("capture order=%+v want active first", shots)
	}
}

func TestManagerScreenshotRefreshesPages(t *testing.T) {
	conn := newFakeConn(browser.PageInfo{TargetID: "t1", URL: "about:blank"})
	m, _, _, _ := testManager(t, conn, nil)

	if _, err := m.Create(context.Background(), "chat-1"); err != nil {
		t.Fatalf("Create: %v", err)
	}

	// The known tab is gone; a fresh listing exposes its replacement.
	conn.mu.Lock()
	conn.shotEe["t1"] = browser.ErrPageUnresponsive
	conn.shots["t3"] = []byte("png-t3")
	conn.mu.Unlock()
	conn.setPages(browser.PageInfo{TargetID: "t3", URL: "https://example.com"})

	png, err := m.Screenshot(context.Background(), "remote-1")
	if err != nil {
		t.Fatalf("Screenshot: %v", err)
	}
	if string(png) != "png-t3" {
		t.Fatalf("png=%q", png)
	}

	info, _ := m.Get("remote-1")
	if info.TabCount != 1 || info.ActiveTabURL != "https://example.com" {
		t.Fatalf("stack after refresh: %+v", info)
	}
}

func TestManagerScreenshotTotalFailure(t *testing.T) {
	conn := newFakeConn(browser.PageInfo{TargetID: "t1", URL: "about:blank"})
	m, _, _, _ := testManager(t, conn, nil)

	if _, err := m.Create(context.Background(), "chat-1"); err != nil {
		t.Fatalf("Create: %v", err)
	}
	conn.mu.Lock()
	conn.shotEe["t1"] = browser.ErrPageUnresponsive
	conn.mu.Unlock()

	_, err := m.Screenshot(context.Background(), "remote-1")
	if !errors.Is(err, browser.ErrPageUnresponsive) {
		t.Fatalf("err=%v want ErrPageUnresponsive", err)
	}
}

func TestManagerPerformValidation(t *testing.T) {
	conn := newFakeConn(browser.PageInfo{TargetID: "t1", URL: "about:blank"})
	m, _, _, _ := testManager(t, conn, nil)
	if _, err := m.Create(context.Background(), "chat-1"); err != nil {
		t.Fatalf("Create: %v", err)
	}

	cases := []Action{
		{Kind: ActionLeftClick},
		{Kind: ActionMouseMove},
		{Kind: ActionType},
		{Kind: ActionKey},
		{Kind: ActionScroll, Coordinate: []int{5, 5}, ScrollDirection: "diagonal"},
		{Kind: ActionKind("hover")},
	}
	for _, a := range cases {
		if _, err := m.Perform(context.Background(), "remote-1", a); err == nil {
			t.Errorf("Perform(%s) expected error", a.Kind)
		}
	}

	if _, err := m.Perform(context.Background(), "nope", Action{Kind: ActionKey, Text: "Return"}); !errors.Is(err, ErrSessionNotFound) {
		t.Fatalf("unknown session err=%v", err)
	}
}

func TestManagerPerformInputActions(t *testing.T) {
	conn := newFakeConn(browser.PageInfo{TargetID: "t1", URL: "about:blank"})
	m, _, store, _ := testManager(t, conn, nil)
	if _, err := m.Create(context.Background(), "chat-1"); err != nil {
		t.Fatalf("Create: %v", err)
	}

	if _, err := m.Perform(context.Background(), "remote-1", Action{Kind: ActionLeftClick, Coordinate: []int{10, 20}}); err != nil {
		t.Fatalf("left_click: %v", err)
	}
	if _, err := m.Perform(context.Background(), "remote-1", Action{Kind: ActionRightClick, Coordinate: []int{30, 40}}); err != nil {
		t.Fatalf("right_click: %v", err)
	}
	if _, err := m.Perform(context.Background(), "remote-1", Action{Kind: ActionDoubleClick, Coordinate: []int{50, 60}}); err != nil {
		t.Fatalf("double_click: %v", err)
	}

	clicks := conn.callsFor("click")
	if len(clicks) != 3 {
		t.Fatalf("clicks=%+v", clicks)
	}
	if clicks[0].args != "10,20,left,1" || clicks[1].args != "30,40,right,1" || clicks[2].args != "50,60,left,2" {
		t.Fatalf("click args=%v", clicks)
	}

	res, err := m.Perform(context.Background(), "remote-1", Action{Kind: ActionCursorPosition})
	if err != nil {
		t.Fatalf("cursor_position: %v", err)
	}
	if res.X != 50 || res.Y != 60 || res.Output != "X=50,Y=60" {
		t.Fatalf("cursor=%+v", res)
	}

	if _, err := m.Perform(context.Background(), "remote-1", Action{Kind: ActionType, Text: "hello"}); err != nil {
		t.Fatalf("type: %v", err)
	}
	if types := conn.callsFor("type"); len(types) != 1 || types[0].args != "hello" {
		t.Fatalf("type calls=%+v", types)
	}

	if _, err := m.Perform(context.Background(), "remote-1", Action{Kind: ActionKey, Text: "ctrl+a"}); err != nil {
		t.Fatalf("key: %v", err)
	}
	if presses := conn.callsFor("press"); len(presses) != 1 || presses[0].args != "ctrl+a" {
		t.Fatalf("press calls=%+v", presses)
	}

	if store.touchCount() == 0 {
		t.Fatal("expected last_activity_at touches")
	}
}

func TestManagerPerformScroll(t *testing.T) {
	conn := newFakeConn(browser.PageInfo{TargetID: "t1", URL: "about:blank"})
	m, _, _, _ := testManager(t, conn, nil)
	if _, err := m.Create(context.Background(), "chat-1"); err != nil {
		t.Fatalf("Create: %v", err)
	}

	if _, err := m.Perform(context.Background(), "remote-1", Action{
		Kind: ActionScroll, Coordinate: []int{100, 200}, ScrollDirection: "down", ScrollAmount: 2,
	}); err != nil {
		t.Fatalf("scroll down: %v", err)
	}
	if _, err := m.Perform(context.Background(), "remote-1", Action{
		Kind: ActionScroll, ScrollDirection: "up",
	}); err != nil {
		t.Fatalf("scroll up: %v", err)
	}

	scrolls := conn.callsFor("scroll")
	if len(scrolls) != 2 {
		t.Fatalf("scrolls=%+v", scrolls)
	}
	if scrolls[0].args != "100,200,0,200" {
		t.Fatalf("scroll down args=%q", scrolls[0].args)
	}
	// No coordinate: reuses the cursor left by the previous scroll, with the
	// default tick count.
	if scrolls[1].args != "100,200,0,-300" {
		t.Fatalf("scroll up args=%q", scrolls[1].args)
	}
}

func TestManagerPerformWait(t *testing.T) {
	conn := newFakeConn(browser.PageInfo{TargetID: "t1", URL: "about:blank"})
	m, _, _, _ := testManager(t, conn, nil)
	if _, err := m.Create(context.Background(), "chat-1"); err != nil {
		t.Fatalf("Create: %v", err)
	}

	res, err := m.Perform(context.Background(), "remote-1", Action{Kind: ActionWait, Duration: 0.01})
	if err != nil {
		t.Fatalf("wait: %v", err)
	}
	if !strings.HasPrefix(res.Output, "waited") {
		t.Fatalf("output=%q", res.Output)
	}

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if _, err := m.Perform(ctx, "remote-1", Action{Kind: ActionWait, Duration: 5}); err == nil {
		t.Fatal("expected context error")
	}
}

func TestManagerDisconnectReconnect(t *testing.T) {
	conn := newFakeConn(browser.PageInfo{TargetID: "t1", URL: "about:blank"})
	m, _, store, _ := testManager(t, conn, nil)
	if _, err := m.Create(context.Background(), "chat-1"); err != nil {
		t.Fatalf("Create: %v", err)
	}

	if err := m.DisconnectCDP(context.Background(), "remote-1"); err != nil {
		t.Fatalf("DisconnectCDP: %v", err)
	}
	if !conn.isClosed() {
		t.Fatal("connection not closed")
	}
	if _, err := m.Get("remote-1"); !errors.Is(err, ErrSessionNotFound) {
		t.Fatalf("Get after disconnect: %v", err)
	}
	row := store.row("remote-1")
	if row.CDPConnected || row.CDPDisconnectedAt == nil {
		t.Fatalf("row after disconnect: %+v", row)
	}
	if row.Status != models.BrowserSessionActive {
		t.Fatalf("status=%q, standby should stay active", row.Status)
	}

	// Reconnect picks the page with a real URL over about:blank.
	conn2 := newFakeConn(
		browser.PageInfo{TargetID: "t1", URL: "about:blank"},
		browser.PageInfo{TargetID: "t2", URL: "https://example.com"},
	)
	m.dial = func(ctx context.Context, debuggerURL string, h browser.Hooks) (Conn, error) {
		if debuggerURL != "ws://cdp.example/devtools/browser/1" {
			t.Errorf("reconnect dialed %q", debuggerURL)
		}
		return conn2, nil
	}

	row, err := m.ReconnectCDP(context.Background(), "remote-1")
	if err != nil {
		t.Fatalf("ReconnectCDP: %v", err)
	}
	if !row.CDPConnected || row.CDPDisconnectedAt != nil {
		t.Fatalf("row after reconnect: %+v", row)
	}

	info, err := m.Get("remote-1")
	if err != nil {
		t.Fatalf("Get after reconnect: %v", err)
	}
	if info.ActiveTabURL != "https://example.com" || info.TabCount != 2 {
		t.Fatalf("info after reconnect: %+v", info)
	}
	if enables := conn2.callsFor("enable_downloads"); len(enables) != 1 || enables[0].targetID != "t2" {
		t.Fatalf("download re-install: %+v", enables)
	}

	// Reconnecting a live session is a no-op.
	if _, err := m.ReconnectCDP(context.Background(), "remote-1"); err != nil {
		t.Fatalf("second ReconnectCDP: %v", err)
	}
}

func TestManagerUnexpectedDisconnect(t *testing.T) {
	conn := newFakeConn(browser.PageInfo{TargetID: "t1", URL: "about:blank"})
	m, _, store, hooks := testManager(t, conn, nil)
	if _, err := m.Create(context.Background(), "chat-1"); err != nil {
		t.Fatalf("Create: %v", err)
	}

	hooks.Disconnected()

	if _, err := m.Get("remote-1"); !errors.Is(err, ErrSessionNotFound) {
		t.Fatalf("Get after drop: %v", err)
	}
	waitFor(t, "row marked disconnected", func() bool {
		row := store.row("remote-1")
		return row != nil && !row.CDPConnected && row.CDPDisconnectedAt != nil
	})
}

func TestManagerDestroy(t *testing.T) {
	conn := newFakeConn(browser.PageInfo{TargetID: "t1", URL: "about:blank"})
	m, prov, store, hooks := testManager(t, conn, nil)
	if _, err := m.Create(context.Background(), "chat-1"); err != nil {
		t.Fatalf("Create: %v", err)
	}
	hooks.DownloadWillBegin("g1", "a.pdf", "https://example.com/a.pdf")

	if err := m.Destroy(context.Background(), "remote-1"); err != nil {
		t.Fatalf("Destroy: %v", err)
	}
	if !conn.isClosed() {
		t.Fatal("connection not closed")
	}
	if prov.destroyCount() != 1 {
		t.Fatalf("destroyed=%d", prov.destroyCount())
	}
	row := store.row("remote-1")
	if row.Status != models.BrowserSessionStopped || row.CDPConnected {
		t.Fatalf("row after destroy: %+v", row)
	}

	// Destroy with no live entry still reaches the provider.
	if err := m.Destroy(context.Background(), "remote-1"); err != nil {
		t.Fatalf("second Destroy: %v", err)
	}
	if prov.destroyCount() != 2 {
		t.Fatalf("destroyed=%d want 2", prov.destroyCount())
	}
}

func TestManagerDownloadTracking(t *testing.T) {
	conn := newFakeConn(browser.PageInfo{TargetID: "t1", URL: "about:blank"})
	m, _, _, hooks := testManager(t, conn, nil)
	if _, err := m.Create(context.Background(), "chat-1"); err != nil {
		t.Fatalf("Create: %v", err)
	}

	hooks.DownloadWillBegin("g1", "report.pdf", "https://example.com/report.pdf")
	hooks.DownloadProgress("g1", 512, 1024, "inProgress")

	info, _ := m.Get("remote-1")
	if len(info.Downloads) != 1 {
		t.Fatalf("downloads=%+v", info.Downloads)
	}
	dl := info.Downloads[0]
	if dl.Filename != "report.pdf" || dl.Path != "/dl/g1" {
		t.Fatalf("download=%+v", dl)
	}
	if dl.Status != models.DownloadInProgress || dl.Progress != 50 {
		t.Fatalf("progress=%+v", dl)
	}

	hooks.DownloadProgress("g1", 1024, 1024, "completed")
	info, _ = m.Get("remote-1")
	if info.Downloads[0].Status != models.DownloadCompleted || info.Downloads[0].Progress != 100 {
		t.Fatalf("completed=%+v", info.Downloads[0])
	}
}
