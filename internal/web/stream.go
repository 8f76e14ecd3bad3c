package web

import (
	"encoding/json"
	"fmt"
	"net/http"
	"sync"

	"github.com/haasonsaas/pilot/internal/agent"
)

const (
	// subscriberBuffer is the per-client channel depth. A mirror that cannot
	// keep up loses events rather than stalling the run.
	subscriberBuffer = 64

	// maxHistory caps the replay buffer per task.
	maxHistory = 1000

	// maxFinishedHistories caps how many finished tasks keep a replay buffer.
	maxFinishedHistories = 256
)

// Broker fans task events out to live subscribers and keeps a bounded history
// so a client that connects mid-run (or shortly after) still sees the whole
// feed. The chat SSE response is written directly by its handler; the broker
// serves the websocket mirror on /tasks/{id}/events.
type Broker struct {
	mu       sync.Mutex
	clients  map[string][]chan agent.Event
	history  map[string][]agent.Event
	finished map[string]bool
	order    []string
}

// NewBroker returns an empty broker.
func NewBroker() *Broker {
	return &Broker{
		clients:  make(map[string][]chan agent.Event),
		history:  make(map[string][]agent.Event),
		finished: make(map[string]bool),
	}
}

// Publish records the event and delivers it to every subscriber of the task.
// Sends never block.
func (b *Broker) Publish(taskID string, ev agent.Event) {
	if taskID == "" {
		return
	}
	b.mu.Lock()
	defer b.mu.Unlock()

	history := append(b.history[taskID], ev)
	if len(history) > maxHistory {
		history = history[len(history)-maxHistory:]
	}
	b.history[taskID] = history

	for _, ch := range b.clients[taskID] {
		select {
		case ch <- ev:
		default:
			// Client buffer full, skip this event to avoid blocking.
		}
	}
}

// Finish closes the task's subscriber channels and retires its history into
// the bounded finished set. The finished marker itself is kept so a late
// subscriber to an evicted task gets an empty replay and an immediate close
// instead of waiting on events that will never come.
func (b *Broker) Finish(taskID string) {
	b.mu.Lock()
	defer b.mu.Unlock()

	for _, ch := range b.clients[taskID] {
		close(ch)
	}
	delete(b.clients, taskID)

	if b.finished[taskID] {
		return
	}
	b.finished[taskID] = true
	b.order = append(b.order, taskID)
	for len(b.order) > maxFinishedHistories {
		evicted := b.order[0]
		b.order = b.order[1:]
		delete(b.history, evicted)
	}
}

// Subscribe returns the task's history so far and, when the task is still
// live, a channel carrying subsequent events. The channel is nil once the
// task has finished; the history is then the complete feed.
func (b *Broker) Subscribe(taskID string) ([]agent.Event, chan agent.Event) {
	b.mu.Lock()
	defer b.mu.Unlock()

	replay := make([]agent.Event, len(b.history[taskID]))
	copy(replay, b.history[taskID])

	if b.finished[taskID] {
		return replay, nil
	}
	ch := make(chan agent.Event, subscriberBuffer)
	b.clients[taskID] = append(b.clients[taskID], ch)
	return replay, ch
}

// Unsubscribe removes the channel and closes it. Channels already closed by
// Finish are gone from the map, so a deferred Unsubscribe is always safe.
func (b *Broker) Unsubscribe(taskID string, ch chan agent.Event) {
	b.mu.Lock()
	defer b.mu.Unlock()

	clients := b.clients[taskID]
	for i, client := range clients {
		if client == ch {
			b.clients[taskID] = append(clients[:i], clients[i+1:]...)
			close(ch)
			if len(b.clients[taskID]) == 0 {
				delete(b.clients, taskID)
			}
			break
		}
	}
}

// sseHeaders prepares the response for an event stream.
func sseHeaders(w http.ResponseWriter) {
	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no")
}

// writeSSE frames one event as a data-only SSE message and flushes it.
func writeSSE(w http.ResponseWriter, flusher http.Flusher, ev agent.Event) error {
	data, err := json.Marshal(ev)
	if err != nil {
		return err
	}
	if _, err := fmt.Fprintf(w, "data: %s\n\n", data); err != nil {
		return err
	}
	flusher.Flush()
	return nil
}
