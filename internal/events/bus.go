// Package events fans lifecycle events out to live subscribers.
package events

import (
	"encoding/json"
	"net/http"
	"sync"
	"time"
)

// Type categorizes events.
type Type string

const (
	ProjectAdded      Type = "project_added"
	ProjectUpdated    Type = "project_updated"
	ProjectRemoved    Type = "project_removed"
	ProjectGone       Type = "project_gone"
	WorktreeCreated   Type = "worktree_created"
	WorktreeRemoved   Type = "worktree_removed"
	InstanceState     Type = "instance_state"
	InstanceUnhealthy Type = "instance_unhealthy"
	InstanceExited    Type = "instance_exited"
)

// DefaultHistory is the number of events retained for replay.
const DefaultHistory = 500

// Event is a single lifecycle notification.
type Event struct {
	Type      Type           `json:"type"`
	ProjectID string         `json:"projectId,omitempty"`
	Timestamp time.Time      `json:"timestamp"`
	Data      map[string]any `json:"data,omitempty"`
}

// New creates an event for a project.
func New(t Type, projectID string) Event {
	return Event{
		Type:      t,
		ProjectID: projectID,
		Timestamp: time.Now().UTC(),
		Data:      make(map[string]any),
	}
}

// With adds data to the event.
func (e Event) With(key string, value any) Event {
	if e.Data == nil {
		e.Data = make(map[string]any)
	}
	e.Data[key] = value
	return e
}

// Emitter is the publishing side of a Bus. A nil *Bus drops events.
type Emitter interface {
	Emit(Event)
}

// Bus keeps a bounded history and delivers events to subscribers without
// blocking the emitter. Slow subscribers drop events.
type Bus struct {
	mu          sync.RWMutex
	subscribers map[chan Event]struct{}
	history     []Event
	maxHistory  int
	closed      bool
}

// NewBus creates a bus retaining up to maxHistory events.
func NewBus(maxHistory int) *Bus {
	if maxHistory <= 0 {
		maxHistory = DefaultHistory
	}
	return &Bus{
		subscribers: make(map[chan Event]struct{}),
		history:     make([]Event, 0),
		maxHistory:  maxHistory,
	}
}

// Emit records the event and sends it to subscribers.
func (b *Bus) Emit(event Event) {
	if b == nil {
		return
	}
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		return
	}

	b.history = append(b.history, event)
	if len(b.history) > b.maxHistory {
		b.history = b.history[len(b.history)-b.maxHistory:]
	}

	for ch := range b.subscribers {
		select {
		case ch <- event:
		default:
		}
	}
}

// Subscription is a live event feed. Call Close when done.
type Subscription struct {
	C   <-chan Event
	ch  chan Event
	bus *Bus
}

// Close removes the subscription from its bus.
func (s *Subscription) Close() {
	s.bus.unsubscribe(s.ch)
}

// Subscribe returns a new subscription with a buffer of 100 events.
func (b *Bus) Subscribe() *Subscription {
	b.mu.Lock()
	defer b.mu.Unlock()

	ch := make(chan Event, 100)
	if b.closed {
		close(ch)
	} else {
		b.subscribers[ch] = struct{}{}
	}
	return &Subscription{C: ch, ch: ch, bus: b}
}

func (b *Bus) unsubscribe(ch chan Event) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if _, ok := b.subscribers[ch]; ok {
		delete(b.subscribers, ch)
		close(ch)
	}
}

// History returns a copy of the retained events, oldest first.
func (b *Bus) History() []Event {
	b.mu.RLock()
	defer b.mu.RUnlock()

	history := make([]Event, len(b.history))
	copy(history, b.history)
	return history
}

// Subscribers returns the number of live subscriptions.
func (b *Bus) Subscribers() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subscribers)
}

// Close ends every subscription. Later emits are dropped.
func (b *Bus) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		return
	}
	b.closed = true
	for ch := range b.subscribers {
		close(ch)
		delete(b.subscribers, ch)
	}
}

// ServeHTTP streams events as Server-Sent Events. With ?replay=true the
// retained history is sent first.
func (b *Bus) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		http.Error(w, "Streaming not supported", http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	sub := b.Subscribe()
	defer sub.Close()

	if r.URL.Query().Get("replay") == "true" {
		for _, event := range b.History() {
			writeEvent(w, event)
		}
		flusher.Flush()
	}

	for {
		select {
		case <-r.Context().Done():
			return
		case event, ok := <-sub.C:
			if !ok {
				return
			}
			writeEvent(w, event)
			flusher.Flush()
		}
	}
}

func writeEvent(w http.ResponseWriter, event Event) {
	data, _ := json.Marshal(event)
	w.Write([]byte("event: " + string(event.Type) + "\n"))
	w.Write([]byte("data: "))
	w.Write(data)
	w.Write([]byte("\n\n"))
}
