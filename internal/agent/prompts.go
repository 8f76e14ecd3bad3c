package agent

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"

	"github.com/haasonsaas/pilot/internal/observability"
)

// DefaultSystemPrompt steers the agent when no prompt file is configured.
const DefaultSystemPrompt = `You are a browser automation agent operating a real Chromium browser through the computer tool.

Work in small, verifiable steps:
1. Take a screenshot before acting so you know the current page state.
2. Perform one action at a time: click, type, scroll, or press keys.
3. After every action that changes the page, take another screenshot and confirm the result before continuing.

Rules:
- Coordinates are [x, y] pixels on the visible viewport. Click precisely on the element, not near it.
- Use the key action for shortcuts (for example "ctrl+a" then "ctrl+c") and the type action for literal text.
- If a page is slow, use wait and then re-check with a screenshot instead of repeating the action.
- Record intermediate findings with the memory tool when a task spans many pages.
- When the task is done, has failed, or you need input from the user, call report_task_status exactly once with a clear message. Do not keep working after reporting.

Never invent page content. Everything you report must be visible in a screenshot you took.`

const promptReloadDebounce = 250 * time.Millisecond

// SystemPrompt serves the task system prompt. When backed by a file it can
// watch for edits and reload without a restart, so operators can iterate on
// the prompt while the server runs.
type SystemPrompt struct {
	logger *observability.Logger

	mu   sync.RWMutex
	text string
	path string

	watchMu     sync.Mutex
	watcher     *fsnotify.Watcher
	watchCancel context.CancelFunc
	watchWg     sync.WaitGroup
}

// PromptSource is the read side of SystemPrompt. Tests substitute a
// StaticPrompt.
type PromptSource interface {
	Text() string
}

// StaticPrompt is a fixed prompt string.
type StaticPrompt string

func (p StaticPrompt) Text() string { return string(p) }

// NewSystemPrompt loads the prompt from path, or falls back to the built-in
// default when path is empty.
func NewSystemPrompt(path string, logger *observability.Logger) (*SystemPrompt, error) {
	if logger == nil {
		logger = observability.NewLogger(observability.LogConfig{})
	}
	p := &SystemPrompt{logger: logger, path: path, text: DefaultSystemPrompt}
	if path == "" {
		return p, nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read system prompt: %w", err)
	}
	if text := strings.TrimSpace(string(data)); text != "" {
		p.text = text
	}
	return p, nil
}

// Text returns the current prompt.
func (p *SystemPrompt) Text() string {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.text
}

// StartWatching reloads the prompt whenever the backing file changes. It is a
// no-op for the built-in prompt. Safe to call once; Close stops the watcher.
func (p *SystemPrompt) StartWatching(ctx context.Context) error {
	if p.path == "" {
		return nil
	}

	p.watchMu.Lock()
	if p.watcher != nil {
		p.watchMu.Unlock()
		return nil
	}
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		p.watchMu.Unlock()
		return err
	}
	// Watch the directory: editors replace files on save, which drops a
	// watch installed on the file itself.
	if err := watcher.Add(filepath.Dir(p.path)); err != nil {
		_ = watcher.Close()
		p.watchMu.Unlock()
		return err
	}
	p.watcher = watcher
	watchCtx, cancel := context.WithCancel(ctx)
	p.watchCancel = cancel
	p.watchMu.Unlock()

	p.watchWg.Add(1)
	go p.watchLoop(watchCtx, watcher)
	return nil
}

// Close stops the watcher, if any.
func (p *SystemPrompt) Close() error {
	p.watchMu.Lock()
	if p.watchCancel != nil {
		p.watchCancel()
		p.watchCancel = nil
	}
	watcher := p.watcher
	p.watcher = nil
	p.watchMu.Unlock()

	if watcher != nil {
		_ = watcher.Close()
	}
	p.watchWg.Wait()
	return nil
}

func (p *SystemPrompt) watchLoop(ctx context.Context, watcher *fsnotify.Watcher) {
	defer p.watchWg.Done()

	var mu sync.Mutex
	var timer *time.Timer
	scheduleReload := func() {
		mu.Lock()
		defer mu.Unlock()
		if timer != nil {
			timer.Stop()
		}
		timer = time.AfterFunc(promptReloadDebounce, func() {
			if err := p.reload(); err != nil {
				p.logger.Warn(context.Background(), "system prompt reload failed", "path", p.path, "error", err)
			}
		})
	}

	target := filepath.Clean(p.path)
	for {
		select {
		case <-ctx.Done():
			return
		case event, ok := <-watcher.Events:
			if !ok {
				return
			}
			if filepath.Clean(event.Name) != target {
				continue
			}
			if event.Op&(fsnotify.Create|fsnotify.Write|fsnotify.Rename) != 0 {
				scheduleReload()
			}
		case err, ok := <-watcher.Errors:
			if !ok {
				return
			}
			p.logger.Warn(context.Background(), "system prompt watcher error", "error", err)
		}
	}
}

func (p *SystemPrompt) reload() error {
	data, err := os.ReadFile(p.path)
	if err != nil {
		return err
	}
	text := strings.TrimSpace(string(data))
	if text == "" {
		return fmt.Errorf("prompt file %s is empty", p.path)
	}
	p.mu.Lock()
	p.text = text
	p.mu.Unlock()
	p.logger.Info(context.Background(), "system prompt reloaded", "path", p.path, "bytes", len(text))
	return nil
}
