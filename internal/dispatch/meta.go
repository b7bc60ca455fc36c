package dispatch

import (
	"maps"
	"sync"
	"time"
)

// Descriptor identifies one call in a parent chain or trace.
type Descriptor struct {
	ID      string    `json:"id"`
	Pattern string    `json:"pattern"`
	Action  string    `json:"action"`
	Start   time.Time `json:"start"`
}

// TraceEntry records a completed child call.
type TraceEntry struct {
	Descriptor
	Duration time.Duration `json:"duration"`
	Error    string        `json:"error,omitempty"`
	Trace    []TraceEntry  `json:"trace,omitempty"`
}

// Custom is a bag of values shared by every call in one call tree. All
// calls in the tree hold the same *Custom.
type Custom struct {
	mu   sync.RWMutex
	vals map[string]any
}

// NewCustom returns a bag seeded with a copy of vals.
func NewCustom(vals map[string]any) *Custom {
	c := &Custom{vals: make(map[string]any, len(vals))}
	maps.Copy(c.vals, vals)
	return c
}

func (c *Custom) Get(key string) (any, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	v, ok := c.vals[key]
	return v, ok
}

func (c *Custom) Set(key string, v any) {
	c.mu.Lock()
	c.vals[key] = v
	c.mu.Unlock()
}

// Merge copies vals into the bag, overwriting existing keys.
func (c *Custom) Merge(vals map[string]any) {
	if len(vals) == 0 {
		return
	}
	c.mu.Lock()
	maps.Copy(c.vals, vals)
	c.mu.Unlock()
}

// Defaults copies the keys of vals that are not yet set.
func (c *Custom) Defaults(vals map[string]any) {
	if len(vals) == 0 {
		return
	}
	c.mu.Lock()
	for k, v := range vals {
		if _, ok := c.vals[k]; !ok {
			c.vals[k] = v
		}
	}
	c.mu.Unlock()
}

// Snapshot returns a copy of the bag.
func (c *Custom) Snapshot() map[string]any {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return maps.Clone(c.vals)
}

// Meta is the per-call metadata delivered with every result.
type Meta struct {
	ID       string
	Tx       string
	Pattern  string
	Action   string
	Plugin   string
	Instance string
	Start    time.Time
	End      time.Time
	Sync     bool
	Gate     bool
	Fatal    bool
	Cached   bool
	Timeout  time.Duration
	Parents  []Descriptor
	Custom   *Custom
	Err      *Error

	mu        sync.Mutex
	settled   bool
	callpoint string
	trace     []TraceEntry
	errTrace  []*Error
}

// Descriptor returns the descriptor of this call.
func (m *Meta) Descriptor() Descriptor {
	m.mu.Lock()
	defer m.mu.Unlock()
	return Descriptor{ID: m.ID, Pattern: m.Pattern, Action: m.Action, Start: m.Start}
}

// ParentID returns the id of the immediate parent call, or "".
func (m *Meta) ParentID() string {
	if len(m.Parents) == 0 {
		return ""
	}
	return m.Parents[0].ID
}

// Trace returns the completed child calls, in completion order.
func (m *Meta) Trace() []TraceEntry {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]TraceEntry(nil), m.trace...)
}

// ErrTrace returns the structured errors of failed child calls.
func (m *Meta) ErrTrace() []*Error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]*Error(nil), m.errTrace...)
}

// Duration is End-Start, or zero while the call is running.
func (m *Meta) Duration() time.Duration {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.End.IsZero() {
		return 0
	}
	return m.End.Sub(m.Start)
}

// settle freezes the fields written by the inward stages. Stages running
// after a timeout leave them untouched.
func (m *Meta) settle(cached bool) {
	m.mu.Lock()
	m.settled = true
	m.Cached = cached
	m.mu.Unlock()
}

// update applies fn unless the call has already been settled.
func (m *Meta) update(fn func(m *Meta)) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.settled {
		return false
	}
	fn(m)
	return true
}

func (m *Meta) finishAt(t time.Time) time.Duration {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.End = t
	return m.End.Sub(m.Start)
}

func (m *Meta) addTrace(e TraceEntry, err *Error) {
	m.mu.Lock()
	m.trace = append(m.trace, e)
	if err != nil {
		m.errTrace = append(m.errTrace, err)
	}
	m.mu.Unlock()
}

// parentsFor builds the parent list of a child of m, most recent first,
// bounded to limit entries.
func (m *Meta) parentsFor(limit int) []Descriptor {
	out := make([]Descriptor, 0, len(m.Parents)+1)
	out = append(out, m.Descriptor())
	out = append(out, m.Parents...)
	if len(out) > limit {
		out = out[:limit]
	}
	return out
}
