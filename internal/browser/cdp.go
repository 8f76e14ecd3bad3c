package browser

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	cdpbrowser "github.com/chromedp/cdproto/browser"
	"github.com/chromedp/cdproto/input"
	"github.com/chromedp/cdproto/target"
	"github.com/chromedp/chromedp"
)

const (
	defaultActionTimeout = 20 * time.Second

	// screenshotTimeout bounds capture so a wedged page surfaces as an
	// error instead of stalling the whole agent loop.
	screenshotTimeout = 5 * time.Second
)

var (
	// ErrConnectionClosed is returned by operations on a closed connection.
	ErrConnectionClosed = errors.New("browser: connection closed")

	// ErrPageUnresponsive is returned when a page does not answer a capture
	// within the screenshot deadline.
	ErrPageUnresponsive = errors.New("browser: page unresponsive")

	// ErrNoPages is returned when the remote browser has no open pages.
	ErrNoPages = errors.New("browser: no open pages")
)

// Hooks receives CDP events fanned out from the browser connection. All
// callbacks are optional and are invoked from chromedp's event goroutine, so
// they must not block.
type Hooks struct {
	PageOpened        func(targetID, url string)
	PageClosed        func(targetID string)
	PageURLChanged    func(targetID, url string)
	DownloadWillBegin func(guid, suggestedFilename, url string)
	DownloadProgress  func(guid string, receivedBytes, totalBytes int64, state string)

	// Disconnected fires when the debugger connection drops without a prior
	// Close call. The remote browser may still be running.
	Disconnected func()
}

// PageInfo describes one open page in the remote browser.
type PageInfo struct {
	TargetID string
	URL      string
	Title    string
}

type tabContext struct {
	ctx    context.Context
	cancel context.CancelFunc
}

// Connection is a live CDP debugger connection to one remote browser. Tab
// contexts are built lazily per target and cached until the target closes.
type Connection struct {
	mu          sync.Mutex
	allocCancel context.CancelFunc
	browserCtx  context.Context
	browserStop context.CancelFunc
	tabs        map[string]*tabContext
	hooks       Hooks
	closed      bool
}

// Connect dials the CDP debugger URL and starts event fan-out. The
// connection is independent of ctx; it lives until Close or the remote end
// drops.
func Connect(ctx context.Context, debuggerURL string, hooks Hooks) (*Connection, error) {
	if strings.TrimSpace(debuggerURL) == "" {
		return nil, fmt.Errorf("browser: debugger URL is required")
	}

	allocCtx, allocCancel := chromedp.NewRemoteAllocator(context.Background(),
		debuggerURL, chromedp.NoModifyURL)
	browserCtx, browserStop := chromedp.NewContext(allocCtx)

	c := &Connection{
		allocCancel: allocCancel,
		browserCtx:  browserCtx,
		browserStop: browserStop,
		tabs:        make(map[string]*tabContext),
		hooks:       hooks,
	}

	chromedp.ListenBrowser(browserCtx, c.onBrowserEvent)

	// Establishes the websocket connection and enables target discovery
	// without opening a tab.
	if _, err := chromedp.Targets(browserCtx); err != nil {
		browserStop()
		allocCancel()
		return nil, fmt.Errorf("browser: connect %s: %w", debuggerURL, err)
	}

	go func() {
		<-browserCtx.Done()
		c.mu.Lock()
		closed := c.closed
		c.mu.Unlock()
		if !closed && hooks.Disconnected != nil {
			hooks.Disconnected()
		}
	}()

	return c, nil
}

func (c *Connection) onBrowserEvent(ev any) {
	switch e := ev.(type) {
	case *target.EventTargetCreated:
		if e.TargetInfo == nil || e.TargetInfo.Type != "page" {
			return
		}
		if c.hooks.PageOpened != nil {
			c.hooks.PageOpened(string(e.TargetInfo.TargetID), e.TargetInfo.URL)
		}
	case *target.EventTargetDestroyed:
		c.dropTab(string(e.TargetID))
		if c.hooks.PageClosed != nil {
			c.hooks.PageClosed(string(e.TargetID))
		}
	case *target.EventTargetInfoChanged:
		if e.TargetInfo == nil || e.TargetInfo.Type != "page" {
			return
		}
		if c.hooks.PageURLChanged != nil {
			c.hooks.PageURLChanged(string(e.TargetInfo.TargetID), e.TargetInfo.URL)
		}
	}
}

func (c *Connection) onTargetEvent(ev any) {
	switch e := ev.(type) {
	case *cdpbrowser.EventDownloadWillBegin:
		if c.hooks.DownloadWillBegin != nil {
			c.hooks.DownloadWillBegin(e.GUID, e.SuggestedFilename, e.URL)
		}
	case *cdpbrowser.EventDownloadProgress:
		if c.hooks.DownloadProgress != nil {
			c.hooks.DownloadProgress(e.GUID, int64(e.ReceivedBytes), int64(e.TotalBytes), string(e.State))
		}
	}
}

// tabCtx returns (building if needed) the chromedp context attached to the
// given target. Download events route to the session that enabled them, so
// every tab context registers the target listener.
func (c *Connection) tabCtx(targetID string) (context.Context, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return nil, ErrConnectionClosed
	}
	if tc, ok := c.tabs[targetID]; ok {
		return tc.ctx, nil
	}

	ctx, cancel := chromedp.NewContext(c.browserCtx, chromedp.WithTargetID(target.ID(targetID)))
	chromedp.ListenTarget(ctx, c.onTargetEvent)
	c.tabs[targetID] = &tabContext{ctx: ctx, cancel: cancel}
	return ctx, nil
}

func (c *Connection) dropTab(targetID string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if tc, ok := c.tabs[targetID]; ok {
		tc.cancel()
		delete(c.tabs, targetID)
	}
}

// run executes actions against one tab under a timeout, honoring caller
// cancellation.
func (c *Connection) run(ctx context.Context, targetID string, timeout time.Duration, actions ...chromedp.Action) error {
	tabCtx, err := c.tabCtx(targetID)
	if err != nil {
		return err
	}
	if timeout <= 0 {
		timeout = defaultActionTimeout
	}
	runCtx, cancel := context.WithTimeout(tabCtx, timeout)
	defer cancel()
	if ctx != nil {
		stop := context.AfterFunc(ctx, cancel)
		defer stop()
	}
	return chromedp.Run(runCtx, actions...)
}

// Pages lists the currently open pages, in the order the browser reports
// them.
func (c *Connection) Pages(ctx context.Context) ([]PageInfo, error) {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil, ErrConnectionClosed
	}
	browserCtx := c.browserCtx
	c.mu.Unlock()

	targets, err := chromedp.Targets(browserCtx)
	if err != nil {
		return nil, fmt.Errorf("browser: list targets: %w", err)
	}

	pages := make([]PageInfo, 0, len(targets))
	for _, t := range targets {
		if t.Type != "page" {
			continue
		}
		pages = append(pages, PageInfo{
			TargetID: string(t.TargetID),
			URL:      t.URL,
			Title:    t.Title,
		})
	}
	return pages, nil
}

// EnableDownloads names downloads into dir and turns on progress events.
// Events are delivered to the enabling tab's session, which every tab
// context listens on.
func (c *Connection) EnableDownloads(ctx context.Context, targetID, dir string) error {
	return c.run(ctx, targetID, defaultActionTimeout,
		cdpbrowser.SetDownloadBehavior(cdpbrowser.SetDownloadBehaviorBehaviorAllowAndName).
			WithDownloadPath(dir).
			WithEventsEnabled(true))
}

// Click dispatches a mouse click at viewport coordinates.
func (c *Connection) Click(ctx context.Context, targetID string, x, y float64, button string, clicks int) error {
	btn, err := mouseButton(button)
	if err != nil {
		return err
	}
	if clicks < 1 {
		clicks = 1
	}
	return c.run(ctx, targetID, defaultActionTimeout,
		chromedp.MouseClickXY(x, y,
			chromedp.ButtonType(btn),
			chromedp.ClickCount(clicks)))
}

// MoveMouse moves the cursor to viewport coordinates.
func (c *Connection) MoveMouse(ctx context.Context, targetID string, x, y float64) error {
	return c.run(ctx, targetID, defaultActionTimeout,
		chromedp.MouseEvent(input.MouseMoved, x, y))
}

// Scroll dispatches a wheel event at the given coordinates. Positive dy
// scrolls down, positive dx scrolls right.
func (c *Connection) Scroll(ctx context.Context, targetID string, x, y, dx, dy float64) error {
	return c.run(ctx, targetID, defaultActionTimeout,
		input.DispatchMouseEvent(input.MouseWheel, x, y).
			WithDeltaX(dx).
			WithDeltaY(dy))
}

// Type inserts text into the focused element one rune at a time, pausing
// perCharDelay between runes so autocomplete and validation handlers fire
// the way they would for a human.
func (c *Connection) Type(ctx context.Context, targetID, text string, perCharDelay time.Duration) error {
	if text == "" {
		return nil
	}
	if perCharDelay <= 0 {
		return c.run(ctx, targetID, defaultActionTimeout, input.InsertText(text))
	}

	runes := []rune(text)
	tasks := make([]chromedp.Action, 0, 2*len(runes))
	for i, r := range runes {
		tasks = append(tasks, input.InsertText(string(r)))
		if i < len(runes)-1 {
			tasks = append(tasks, chromedp.Sleep(perCharDelay))
		}
	}

	timeout := defaultActionTimeout + time.Duration(len(runes))*perCharDelay
	return c.run(ctx, targetID, timeout, tasks...)
}

// Press dispatches a key chord like "Return", "ctrl+a", or "cmd+shift+p".
func (c *Connection) Press(ctx context.Context, targetID, combo string) error {
	chord, err := parseKeyCombo(combo)
	if err != nil {
		return err
	}
	events := chord.tasks()
	tasks := make([]chromedp.Action, 0, len(events))
	for _, ev := range events {
		tasks = append(tasks, ev)
	}
	return c.run(ctx, targetID, defaultActionTimeout, tasks...)
}

// Screenshot captures the page as PNG. A page that cannot answer within the
// capture deadline returns ErrPageUnresponsive.
func (c *Connection) Screenshot(ctx context.Context, targetID string) ([]byte, error) {
	var buf []byte
	err := c.run(ctx, targetID, screenshotTimeout, chromedp.CaptureScreenshot(&buf))
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) {
			return nil, fmt.Errorf("%w: capture on target %s timed out after %s",
				ErrPageUnresponsive, targetID, screenshotTimeout)
		}
		return nil, fmt.Errorf("browser: capture screenshot: %w", err)
	}
	return buf, nil
}

// Closed reports whether Close has been called.
func (c *Connection) Closed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closed
}

// Close tears down the debugger connection. The remote browser keeps
// running; only this client detaches.
func (c *Connection) Close() {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	c.closed = true
	tabs := c.tabs
	c.tabs = make(map[string]*tabContext)
	c.mu.Unlock()

	for _, tc := range tabs {
		tc.cancel()
	}
	c.browserStop()
	c.allocCancel()
}

func mouseButton(name string) (input.MouseButton, error) {
	switch strings.ToLower(strings.TrimSpace(name)) {
	case "", "left":
		return input.Left, nil
	case "right":
		return input.Right, nil
	case "middle":
		return input.Middle, nil
	case "back":
		return input.Back, nil
	case "forward":
		return input.Forward, nil
	default:
		return "", fmt.Errorf("browser: unknown mouse button %q", name)
	}
}
