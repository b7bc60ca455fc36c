// Package events fans call announcements out to in-process subscribers.
//
// The hub keeps the most recent events in a ring so a subscriber that
// reconnects can replay what it missed. Delivery never blocks the
// publisher: a subscriber whose buffer is full loses the event and the loss
// is counted.
package events

import (
	"encoding/json"
	"sync"
	"time"

	"github.com/tidwall/match"
)

// Announcement types published by the dispatch pipeline.
const (
	TypeActIn  = "act.in"
	TypeActOut = "act.out"
)

const (
	defaultCapacity   = 100
	defaultSubscriber = 128
)

type Event struct {
	ID      int64     `json:"id"`
	Type    string    `json:"type"`
	At      time.Time `json:"at"`
	CallID  string    `json:"call_id,omitempty"`
	Pattern string    `json:"pattern,omitempty"`
	Data    []byte    `json:"data"` // JSON payload
}

// Filter selects events by type. Entries are globs ("act.*"); an empty
// filter selects everything.
type Filter []string

// Match reports whether f selects an event of type t.
func (f Filter) Match(t string) bool {
	if len(f) == 0 {
		return true
	}
	for _, g := range f {
		if match.Match(t, g) {
			return true
		}
	}
	return false
}

// Stats summarizes hub activity.
type Stats struct {
	Published   int64  `json:"published"`
	Buffered    int    `json:"buffered"`
	Subscribers int    `json:"subscribers"`
	Dropped     uint64 `json:"dropped"`
}

type subscriber struct {
	ch     chan Event
	filter Filter
}

// Hub is an in-memory pub/sub with a ring buffer for late clients.
type Hub struct {
	mu      sync.Mutex
	lastID  int64
	dropped uint64
	ring    []Event
	head    int // index of the oldest event
	count   int

	subs      map[int]*subscriber
	nextSubID int
	bufSize   int
}

// NewHub creates a hub that retains the last capacity events.
func NewHub(capacity int) *Hub {
	if capacity <= 0 {
		capacity = defaultCapacity
	}
	return &Hub{
		ring:    make([]Event, capacity),
		subs:    make(map[int]*subscriber),
		bufSize: defaultSubscriber,
	}
}

// Publish records an event and offers it to every matching subscriber. It
// returns the assigned id. Ids increase strictly in delivery order.
func (h *Hub) Publish(eventType, callID, pattern string, data any) int64 {
	payload := []byte("{}")
	if data != nil {
		if b, err := json.Marshal(data); err == nil {
			payload = b
		}
	}

	h.mu.Lock()
	defer h.mu.Unlock()

	h.lastID++
	ev := Event{
		ID:      h.lastID,
		Type:    eventType,
		At:      time.Now().UTC(),
		CallID:  callID,
		Pattern: pattern,
		Data:    payload,
	}
	h.record(ev)

	for _, sub := range h.subs {
		if !sub.filter.Match(eventType) {
			continue
		}
		select {
		case sub.ch <- ev:
		default:
			h.dropped++
		}
	}
	return ev.ID
}

// Subscribe returns a channel of new events selected by filter and a cancel
// func that closes it. cancel may be called more than once.
func (h *Hub) Subscribe(filter ...string) (<-chan Event, func()) {
	h.mu.Lock()
	defer h.mu.Unlock()

	id := h.nextSubID
	h.nextSubID++
	sub := &subscriber{ch: make(chan Event, h.bufSize), filter: filter}
	h.subs[id] = sub

	var once sync.Once
	cancel := func() {
		once.Do(func() {
			h.mu.Lock()
			delete(h.subs, id)
			close(sub.ch)
			h.mu.Unlock()
		})
	}
	return sub.ch, cancel
}

// SnapshotSince returns buffered events with ID > lastID selected by filter,
// oldest first.
func (h *Hub) SnapshotSince(lastID int64, filter ...string) []Event {
	f := Filter(filter)

	h.mu.Lock()
	defer h.mu.Unlock()

	out := make([]Event, 0, h.count)
	for i := 0; i < h.count; i++ {
		ev := h.ring[(h.head+i)%len(h.ring)]
		if ev.ID > lastID && f.Match(ev.Type) {
			out = append(out, ev)
		}
	}
	return out
}

// Dropped reports how many deliveries were skipped because a subscriber's
// buffer was full.
func (h *Hub) Dropped() uint64 {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.dropped
}

func (h *Hub) Stats() Stats {
	h.mu.Lock()
	defer h.mu.Unlock()
	return Stats{
		Published:   h.lastID,
		Buffered:    h.count,
		Subscribers: len(h.subs),
		Dropped:     h.dropped,
	}
}

func (h *Hub) record(ev Event) {
	if h.count < len(h.ring) {
		h.ring[(h.head+h.count)%len(h.ring)] = ev
		h.count++
		return
	}
	h.ring[h.head] = ev
	h.head = (h.head + 1) % len(h.ring)
}
