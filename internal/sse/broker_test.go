package sse

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"go.uber.org/goleak"
)

func TestSubscribeUnsubscribe(t *testing.T) {
	defer goleak.VerifyNone(t)
	b := NewBroker(100*time.Millisecond, nil)
	defer b.Close()
	if b.ClientCount() != 0 {
		t.Fatalf("expected 0 clients")
	}
	ch := b.Subscribe()
	if b.ClientCount() != 1 {
		t.Fatalf("expected 1 client")
	}
	b.Unsubscribe(ch)
	if b.ClientCount() != 0 {
		t.Fatalf("expected 0 clients after unsub")
	}
}

func TestPublishDelivery(t *testing.T) {
	defer goleak.VerifyNone(t)
	b := NewBroker(100*time.Millisecond, nil)
	defer b.Close()
	ch := b.Subscribe()
	defer b.Unsubscribe(ch)

	b.Publish(Event{Type: TypeLedgerUpdated, Data: map[string]string{"path": "JP_progress.json"}})

	select {
	case msg := <-ch:
		s := string(msg)
		if !strings.Contains(s, "event: ledger.updated") {
			t.Errorf("missing event type in %q", s)
		}
		if !strings.Contains(s, `"path":"JP_progress.json"`) {
			t.Errorf("missing data in %q", s)
		}
	case <-time.After(time.Second):
		t.Fatal("timeout waiting for message")
	}
}

func TestPublishLedgerChange_SummaryThrottle(t *testing.T) {
	defer goleak.VerifyNone(t)
	b := NewBroker(500*time.Millisecond, nil)
	defer b.Close()
	ch := b.Subscribe()
	defer b.Unsubscribe(ch)

	// First change triggers summary.updated; the second one inside the
	// throttle window does not.
	b.PublishLedgerChange("/tmp/a.json")
	b.PublishLedgerChange("/tmp/a.json")

	time.Sleep(50 * time.Millisecond)
	summaryCount := 0
	ledgerCount := 0
loop:
	for {
		select {
		case msg := <-ch:
			s := string(msg)
			switch {
			case strings.Contains(s, "event: "+TypeSummaryUpdated):
				summaryCount++
			case strings.Contains(s, "event: "+TypeLedgerUpdated):
				ledgerCount++
				if !strings.Contains(s, `"changed_at"`) {
					t.Errorf("ledger event missing timestamp: %q", s)
				}
			}
		default:
			break loop
		}
	}

	if ledgerCount != 2 {
		t.Errorf("ledger events = %d, want 2", ledgerCount)
	}
	if summaryCount != 1 {
		t.Errorf("summary events = %d, want 1 (throttled)", summaryCount)
	}
}

func TestSSEHandler(t *testing.T) {
	defer goleak.VerifyNone(t)
	b := NewBroker(100*time.Millisecond, nil)
	defer b.Close()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	req := httptest.NewRequest(http.MethodGet, "/api/events", nil)
	req = req.WithContext(ctx)
	w := httptest.NewRecorder()

	done := make(chan struct{})
	go func() {
		b.ServeHTTP(w, req)
		close(done)
	}()

	// Give handler time to subscribe.
	time.Sleep(50 * time.Millisecond)
	if b.ClientCount() != 1 {
		t.Fatalf("expected 1 client from handler")
	}

	b.PublishLedgerChange("progress.db")
	time.Sleep(50 * time.Millisecond)

	cancel()
	<-done

	body := w.Body.String()
	if !strings.Contains(body, "event: ledger.updated") {
		t.Errorf("handler output missing event: %q", body)
	}
	if w.Header().Get("Content-Type") != "text/event-stream" {
		t.Errorf("content type = %q", w.Header().Get("Content-Type"))
	}

	time.Sleep(50 * time.Millisecond)
	if b.ClientCount() != 0 {
		t.Errorf("client not cleaned up after disconnect")
	}
}

func TestPublishDropsOnFullBuffer(t *testing.T) {
	defer goleak.VerifyNone(t)
	b := NewBroker(time.Second, nil)
	defer b.Close()
	ch := b.Subscribe()
	defer b.Unsubscribe(ch)

	// Fill the client buffer; further publishes must not block.
	for i := 0; i < clientBuffer+6; i++ {
		b.Publish(Event{Type: "test", Data: map[string]string{"i": "x"}})
	}
}

func TestCloseClosesSubscribersAndStopsOperations(t *testing.T) {
	defer goleak.VerifyNone(t)
	b := NewBroker(100*time.Millisecond, nil)
	ch := b.Subscribe()
	if b.ClientCount() != 1 {
		t.Fatalf("expected 1 client")
	}

	b.Close()

	select {
	case _, ok := <-ch:
		if ok {
			t.Fatal("expected subscriber channel to be closed")
		}
	case <-time.After(time.Second):
		t.Fatal("timeout waiting for channel close")
	}

	if b.ClientCount() != 0 {
		t.Fatalf("expected 0 clients after close")
	}

	// Safe no-ops after close.
	b.Publish(Event{Type: TypeLedgerUpdated, Data: map[string]string{"path": "x"}})
	b.PublishLedgerChange("x")
}

func TestSummaryPayloadAndReplay(t *testing.T) {
	defer goleak.VerifyNone(t)
	calls := 0
	b := NewBroker(time.Hour, func(context.Context) (any, error) {
		calls++
		return map[string]int{"success": calls}, nil
	})
	defer b.Close()

	first := b.Subscribe()
	defer b.Unsubscribe(first)
	b.PublishLedgerChange("ledger.json")

	var summary string
	deadline := time.After(time.Second)
	for summary == "" {
		select {
		case msg := <-first:
			if strings.Contains(string(msg), "event: "+TypeSummaryUpdated) {
				summary = string(msg)
			}
		case <-deadline:
			t.Fatal("timeout waiting for summary")
		}
	}
	if !strings.Contains(summary, `data: {"success":1}`) {
		t.Errorf("summary payload = %q", summary)
	}
	if !strings.HasPrefix(summary, "id: 2\n") {
		t.Errorf("summary should be the second event: %q", summary)
	}

	// A late subscriber receives the last summary straight away.
	late := b.Subscribe()
	defer b.Unsubscribe(late)
	select {
	case msg := <-late:
		if string(msg) != summary {
			t.Errorf("replayed %q, want %q", msg, summary)
		}
	case <-time.After(time.Second):
		t.Fatal("timeout waiting for replay")
	}
}
