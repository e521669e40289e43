package server

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"
)

// Event names on the wire.
const (
	SSEAgentEvent     = "agent_event"
	SSEUIRequest      = "extension_ui_request"
	SSEExtensionError = "extension_error"
	SSEHeartbeat      = "heartbeat"
)

// Envelope is one broadcast message: an event name plus its encoded
// payload.
type Envelope struct {
	Event string
	Data  json.RawMessage
}

// Broadcaster fans scheduler events out to any number of subscribers.
// There is no replay: a subscriber only sees events published after it
// attached. A subscriber that stops draining is dropped.
type Broadcaster struct {
	mu   sync.Mutex
	subs map[int]chan Envelope
	next int
	done chan struct{}
	once sync.Once

	onAttach func(delta int)
}

const subscriberBuffer = 256

// NewBroadcaster starts the heartbeat loop. onAttach, if non-nil, is
// called with +1/-1 as subscribers come and go.
func NewBroadcaster(heartbeat time.Duration, onAttach func(delta int)) *Broadcaster {
	b := &Broadcaster{
		subs:     make(map[int]chan Envelope),
		done:     make(chan struct{}),
		onAttach: onAttach,
	}
	if heartbeat > 0 {
		go b.heartbeatLoop(heartbeat)
	}
	return b
}

func (b *Broadcaster) heartbeatLoop(interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-b.done:
			return
		case <-ticker.C:
			b.Publish(SSEHeartbeat, map[string]any{"timestamp": time.Now().UnixMilli()})
		}
	}
}

// Subscribe returns a channel of envelopes and a cancel function. The
// channel is closed on cancel or broadcaster shutdown.
func (b *Broadcaster) Subscribe() (<-chan Envelope, func()) {
	ch := make(chan Envelope, subscriberBuffer)

	b.mu.Lock()
	id := b.next
	b.next++
	b.subs[id] = ch
	b.mu.Unlock()
	if b.onAttach != nil {
		b.onAttach(1)
	}

	var once sync.Once
	cancel := func() {
		once.Do(func() {
			b.mu.Lock()
			if _, ok := b.subs[id]; ok {
				delete(b.subs, id)
				close(ch)
			}
			b.mu.Unlock()
			if b.onAttach != nil {
				b.onAttach(-1)
			}
		})
	}
	return ch, cancel
}

// Publish encodes the payload once and delivers it to every subscriber.
// A subscriber with a full buffer is dropped rather than blocking the
// rest.
func (b *Broadcaster) Publish(event string, payload any) {
	data, err := json.Marshal(payload)
	if err != nil {
		slog.Warn("failed to encode broadcast payload", "event", event, "error", err)
		return
	}
	env := Envelope{Event: event, Data: data}

	b.mu.Lock()
	for id, ch := range b.subs {
		select {
		case ch <- env:
		default:
			delete(b.subs, id)
			close(ch)
			slog.Warn("dropping slow event subscriber", "event", event)
		}
	}
	b.mu.Unlock()
}

// Close shuts the broadcaster down, closing every subscriber channel.
func (b *Broadcaster) Close() {
	b.once.Do(func() {
		close(b.done)
		b.mu.Lock()
		for id, ch := range b.subs {
			delete(b.subs, id)
			close(ch)
		}
		b.mu.Unlock()
	})
}

// ServeSSE streams envelopes to one HTTP client until it disconnects.
func (b *Broadcaster) ServeSSE(w http.ResponseWriter, r *http.Request) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		http.Error(w, "streaming unsupported", http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	ch, cancel := b.Subscribe()
	defer cancel()

	for {
		select {
		case <-r.Context().Done():
			return
		case env, ok := <-ch:
			if !ok {
				return
			}
			if _, err := fmt.Fprintf(w, "event: %s\ndata: %s\n\n", env.Event, env.Data); err != nil {
				return
			}
			flusher.Flush()
		}
	}
}
