// Package sse implements a Server-Sent Events broker that pushes ledger
// changes to status clients.
package sse

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"sync/atomic"
	"time"
)

// Event represents an SSE event to broadcast.
type Event struct {
	Type string `json:"type"`
	Data any    `json:"data"`
}

// Event types.
const (
	TypeLedgerUpdated  = "ledger.updated"
	TypeSummaryUpdated = "summary.updated"
)

const (
	clientBuffer     = 64
	keepAlive        = 15 * time.Second
	summarizeTimeout = 5 * time.Second
)

// SummaryFunc produces the payload of summary.updated events.
type SummaryFunc func(ctx context.Context) (any, error)

type ledgerChange struct {
	path    string
	at      time.Time
	summary any
}

// Broker manages SSE client connections and broadcasts events.
//
// A single event loop owns the clients, the event sequence and the summary
// throttle. Public methods talk to it over channels.
type Broker struct {
	summaryMin time.Duration
	summarize  SummaryFunc

	subscribeCh   chan chan []byte
	unsubscribeCh chan chan []byte
	publishCh     chan Event
	ledgerCh      chan ledgerChange
	countReqCh    chan chan int

	stopCh  chan struct{}
	stopped chan struct{}
	closed  atomic.Bool
}

// NewBroker creates a new SSE broker. summary.updated events are sent at
// most once per summaryThrottle and carry the result of summarize; a nil
// summarize sends an empty object.
func NewBroker(summaryThrottle time.Duration, summarize SummaryFunc) *Broker {
	if summaryThrottle <= 0 {
		summaryThrottle = 2 * time.Second
	}

	b := &Broker{
		summaryMin:    summaryThrottle,
		summarize:     summarize,
		subscribeCh:   make(chan chan []byte),
		unsubscribeCh: make(chan chan []byte),
		publishCh:     make(chan Event, 256),
		ledgerCh:      make(chan ledgerChange, 256),
		countReqCh:    make(chan chan int),
		stopCh:        make(chan struct{}),
		stopped:       make(chan struct{}),
	}

	go b.run()
	return b
}

// frame renders one SSE message.
func frame(id uint64, event Event) ([]byte, error) {
	payload, err := json.Marshal(event.Data)
	if err != nil {
		return nil, err
	}
	return []byte(fmt.Sprintf("id: %d\nevent: %s\ndata: %s\n\n", id, event.Type, payload)), nil
}

func (b *Broker) run() {
	defer close(b.stopped)

	clients := make(map[chan []byte]struct{})
	var (
		seq         uint64
		lastSummary time.Time
		lastFrame   []byte
	)

	broadcast := func(event Event) []byte {
		seq++
		raw, err := frame(seq, event)
		if err != nil {
			return nil
		}
		for ch := range clients {
			select {
			case ch <- raw:
			default:
				// Slow client, drop.
			}
		}
		return raw
	}

	for {
		select {
		case <-b.stopCh:
			for ch := range clients {
				close(ch)
			}
			return

		case ch := <-b.subscribeCh:
			clients[ch] = struct{}{}
			if lastFrame != nil {
				ch <- lastFrame
			}

		case ch := <-b.unsubscribeCh:
			if _, ok := clients[ch]; ok {
				delete(clients, ch)
				close(ch)
			}

		case event := <-b.publishCh:
			broadcast(event)

		case c := <-b.ledgerCh:
			broadcast(Event{Type: TypeLedgerUpdated, Data: map[string]any{
				"path":       c.path,
				"changed_at": c.at.UTC().Format(time.RFC3339Nano),
			}})

			if c.at.Sub(lastSummary) >= b.summaryMin {
				lastSummary = c.at
				if raw := broadcast(Event{Type: TypeSummaryUpdated, Data: c.summary}); raw != nil {
					lastFrame = raw
				}
			}

		case resp := <-b.countReqCh:
			resp <- len(clients)
		}
	}
}

// Close gracefully stops broker loop and closes all client channels.
func (b *Broker) Close() {
	if b.closed.CompareAndSwap(false, true) {
		close(b.stopCh)
	}
	<-b.stopped
}

// Subscribe adds a new client and returns its channel. The latest
// summary.updated event, if any, is delivered first.
func (b *Broker) Subscribe() chan []byte {
	ch := make(chan []byte, clientBuffer)
	if b.closed.Load() {
		close(ch)
		return ch
	}

	select {
	case b.subscribeCh <- ch:
	case <-b.stopped:
		close(ch)
	}

	return ch
}

// Unsubscribe removes a client and closes its channel.
func (b *Broker) Unsubscribe(ch chan []byte) {
	if b.closed.Load() {
		return
	}
	select {
	case b.unsubscribeCh <- ch:
	case <-b.stopped:
	}
}

// ClientCount returns the number of connected clients.
func (b *Broker) ClientCount() int {
	if b.closed.Load() {
		return 0
	}

	resp := make(chan int, 1)
	select {
	case b.countReqCh <- resp:
	case <-b.stopped:
		return 0
	}

	select {
	case n := <-resp:
		return n
	case <-b.stopped:
		return 0
	}
}

// Publish sends an event to all connected clients.
func (b *Broker) Publish(event Event) {
	if b.closed.Load() {
		return
	}
	select {
	case b.publishCh <- event:
	case <-b.stopped:
	}
}

// PublishLedgerChange publishes a ledger.updated event for path followed by
// a throttled summary.updated event. The summary is computed on the
// caller's goroutine.
func (b *Broker) PublishLedgerChange(path string) {
	if b.closed.Load() {
		return
	}

	var summary any = struct{}{}
	if b.summarize != nil {
		ctx, cancel := context.WithTimeout(context.Background(), summarizeTimeout)
		s, err := b.summarize(ctx)
		cancel()
		if err == nil {
			summary = s
		}
	}

	select {
	case b.ledgerCh <- ledgerChange{path: path, at: time.Now(), summary: summary}:
	case <-b.stopped:
	}
}

// ServeHTTP is the SSE endpoint handler (GET /api/events).
func (b *Broker) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		http.Error(w, "streaming unsupported", http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("Access-Control-Allow-Origin", "*")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	ch := b.Subscribe()
	defer b.Unsubscribe(ch)

	ticker := time.NewTicker(keepAlive)
	defer ticker.Stop()

	ctx := r.Context()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			_, _ = w.Write([]byte(": ping\n\n"))
			flusher.Flush()
		case msg, ok := <-ch:
			if !ok {
				return
			}
			_, _ = w.Write(msg)
			flusher.Flush()
		}
	}
}
