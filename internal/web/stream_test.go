package web

import (
	"fmt"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/haasonsaas/pilot/internal/agent"
)

func msgEvent(content string) agent.Event {
	return agent.Event{Type: agent.EventMessage, Role: "assistant", Content: content}
}

func TestBrokerLiveDelivery(t *testing.T) {
	b := NewBroker()
	replay, live := b.Subscribe("task-1")
	if len(replay) != 0 {
		t.Fatalf("replay = %d events, want 0", len(replay))
	}
	if live == nil {
		t.Fatal("expected live channel for unfinished task")
	}

	b.Publish("task-1", msgEvent("first"))
	b.Publish("task-1", msgEvent("second"))
	b.Publish("task-2", msgEvent("other task"))

	if ev := <-live; ev.Content != "first" {
		t.Fatalf("event 1 = %q", ev.Content)
	}
	if ev := <-live; ev.Content != "second" {
		t.Fatalf("event 2 = %q", ev.Content)
	}
	select {
	case ev := <-live:
		t.Fatalf("unexpected cross-task event %q", ev.Content)
	default:
	}
}

func TestBrokerReplayThenLive(t *testing.T) {
	b := NewBroker()
	b.Publish("task-1", msgEvent("first"))
	b.Publish("task-1", msgEvent("second"))

	replay, live := b.Subscribe("task-1")
	if len(replay) != 2 || replay[0].Content != "first" || replay[1].Content != "second" {
		t.Fatalf("replay = %+v", replay)
	}

	b.Publish("task-1", msgEvent("third"))
	if ev := <-live; ev.Content != "third" {
		t.Fatalf("live event = %q", ev.Content)
	}
}

func TestBrokerFinish(t *testing.T) {
	b := NewBroker()
	_, live := b.Subscribe("task-1")

	b.Publish("task-1", msgEvent("only"))
	b.Finish("task-1")

	// The buffered event drains first, then the close surfaces.
	if ev, ok := <-live; !ok || ev.Content != "only" {
		t.Fatalf("buffered event = %q ok=%v", ev.Content, ok)
	}
	if _, ok := <-live; ok {
		t.Fatal("channel still open after Finish")
	}

	replay, late := b.Subscribe("task-1")
	if late != nil {
		t.Fatal("expected nil channel for finished task")
	}
	if len(replay) != 1 || replay[0].Content != "only" {
		t.Fatalf("late replay = %+v", replay)
	}

	// Unsubscribe after Finish must not panic; the registration is gone.
	b.Unsubscribe("task-1", live)
}

func TestBrokerPublishNeverBlocks(t *testing.T) {
	b := NewBroker()
	_, live := b.Subscribe("task-1")

	// One more than the buffer; the overflow event is dropped, not queued.
	for i := 0; i < subscriberBuffer+1; i++ {
		b.Publish("task-1", msgEvent(fmt.Sprintf("event-%d", i)))
	}

	received := 0
	for {
		select {
		case <-live:
			received++
		default:
			if received != subscriberBuffer {
				t.Fatalf("received = %d, want %d", received, subscriberBuffer)
			}
			return
		}
	}
}

func TestBrokerUnsubscribe(t *testing.T) {
	b := NewBroker()
	_, live := b.Subscribe("task-1")
	b.Unsubscribe("task-1", live)

	if _, ok := <-live; ok {
		t.Fatal("channel still open after Unsubscribe")
	}

	// Publishing to a task with no subscribers only records history.
	b.Publish("task-1", msgEvent("after"))
	replay, next := b.Subscribe("task-1")
	if len(replay) != 1 {
		t.Fatalf("replay = %d events, want 1", len(replay))
	}
	if next == nil {
		t.Fatal("expected live channel, task not finished")
	}
}

func TestBrokerEvictionKeepsFinishedMarker(t *testing.T) {
	b := NewBroker()
	for i := 0; i <= maxFinishedHistories; i++ {
		id := fmt.Sprintf("task-%d", i)
		b.Publish(id, msgEvent(id))
		b.Finish(id)
	}

	// The oldest history is evicted but the task stays finished, so a late
	// subscriber still gets no live channel.
	replay, live := b.Subscribe("task-0")
	if live != nil {
		t.Fatal("evicted task handed out a live channel")
	}
	if len(replay) != 0 {
		t.Fatalf("evicted replay = %d events, want 0", len(replay))
	}

	newest := fmt.Sprintf("task-%d", maxFinishedHistories)
	replay, live = b.Subscribe(newest)
	if live != nil || len(replay) != 1 {
		t.Fatalf("newest finished task: replay=%d live=%v", len(replay), live != nil)
	}
}

func TestBrokerIgnoresEmptyTaskID(t *testing.T) {
	b := NewBroker()
	b.Publish("", msgEvent("dropped"))
	replay, live := b.Subscribe("")
	if len(replay) != 0 {
		t.Fatalf("replay = %d events, want 0", len(replay))
	}
	if live != nil {
		b.Unsubscribe("", live)
	}
}

func TestWriteSSE(t *testing.T) {
	rec := httptest.NewRecorder()
	sseHeaders(rec)

	if ct := rec.Header().Get("Content-Type"); ct != "text/event-stream" {
		t.Fatalf("Content-Type = %q", ct)
	}
	if cc := rec.Header().Get("Cache-Control"); cc != "no-cache" {
		t.Fatalf("Cache-Control = %q", cc)
	}

	ev := agent.Event{Type: agent.EventDone, TaskID: "task-1", FinalResponse: "done and dusted"}
	if err := writeSSE(rec, rec, ev); err != nil {
		t.Fatalf("writeSSE: %v", err)
	}
	if !rec.Flushed {
		t.Fatal("writeSSE did not flush")
	}

	body := rec.Body.String()
	if !strings.HasPrefix(body, "data: {") || !strings.HasSuffix(body, "}\n\n") {
		t.Fatalf("frame = %q", body)
	}
	if !strings.Contains(body, `"finalResponse":"done and dusted"`) {
		t.Fatalf("frame missing payload: %q", body)
	}
}
