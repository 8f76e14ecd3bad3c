package observability

import (
	"testing"
)

func TestEmitterDisabledByDefault(t *testing.T) {
	ResetDiagnosticsForTest()
	SetDiagnosticsEnabled(false)

	var got []DiagnosticEventPayload
	defer OnDiagnosticEvent(func(e DiagnosticEventPayload) {
		got = append(got, e)
	})()

	EmitTaskState(&TaskStateEvent{TaskID: "t1", Status: "running"})
	if len(got) != 0 {
		t.Errorf("received %d events while disabled, want 0", len(got))
	}
}

func TestEmitStampsTypeAndSequence(t *testing.T) {
	ResetDiagnosticsForTest()
	SetDiagnosticsEnabled(true)
	defer SetDiagnosticsEnabled(false)

	var got []DiagnosticEventPayload
	defer OnDiagnosticEvent(func(e DiagnosticEventPayload) {
		got = append(got, e)
	})()

	EmitTaskState(&TaskStateEvent{TaskID: "t1", PrevStatus: "pending", Status: "running"})
	EmitModelUsage(&ModelUsageEvent{TaskID: "t1", Provider: "anthropic", Usage: UsageDetails{Input: 100, Output: 20}})
	EmitBrowserConnected(&BrowserSessionEvent{BrowserSessionID: "bs1"})

	if len(got) != 3 {
		t.Fatalf("received %d events, want 3", len(got))
	}
	if got[0].EventType() != EventTypeTaskState {
		t.Errorf("event[0] type = %s, want %s", got[0].EventType(), EventTypeTaskState)
	}
	if got[1].EventType() != EventTypeModelUsage {
		t.Errorf("event[1] type = %s, want %s", got[1].EventType(), EventTypeModelUsage)
	}

	for i := 1; i < len(got); i++ {
		if got[i].Sequence() <= got[i-1].Sequence() {
			t.Errorf("sequence not monotonic: %d then %d", got[i-1].Sequence(), got[i].Sequence())
		}
	}
	for _, e := range got {
		if e.Timestamp() == 0 {
			t.Error("event missing timestamp")
		}
	}
}

func TestUnsubscribeStopsDelivery(t *testing.T) {
	ResetDiagnosticsForTest()
	SetDiagnosticsEnabled(true)
	defer SetDiagnosticsEnabled(false)

	count := 0
	unsubscribe := OnDiagnosticEvent(func(DiagnosticEventPayload) { count++ })

	EmitDownload(&DownloadEvent{GUID: "g1", State: "started"})
	unsubscribe()
	EmitDownload(&DownloadEvent{GUID: "g1", State: "completed"})

	if count != 1 {
		t.Errorf("received %d events, want 1", count)
	}
}

func TestListenerPanicDoesNotBlockOthers(t *testing.T) {
	ResetDiagnosticsForTest()
	SetDiagnosticsEnabled(true)
	defer SetDiagnosticsEnabled(false)

	defer OnDiagnosticEvent(func(DiagnosticEventPayload) {
		panic("bad consumer")
	})()

	delivered := false
	defer OnDiagnosticEvent(func(DiagnosticEventPayload) {
		delivered = true
	})()

	EmitWebhookDelivery(&WebhookDeliveryEvent{BatchID: "b1", Status: "delivered"})
	if !delivered {
		t.Error("second listener did not receive event after first panicked")
	}
}
