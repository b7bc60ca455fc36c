// Package history keeps recent and in-flight call records by correlation id.
//
// Records are indexed twice: by id in a map, and by deadline in a sorted
// slice so expired records can be pruned with one binary search. Every
// mutation keeps both indexes consistent.
package history

import (
	"context"
	"errors"
	"sort"
	"sync"
	"time"
)

// ErrUnknown is returned by Await for ids that are not recorded.
var ErrUnknown = errors.New("history: unknown id")

// Result is one completion of a recorded call.
type Result struct {
	When time.Time
	Res  any
	Err  error
}

// Record is a snapshot of one call record.
type Record struct {
	ID       string
	Deadline time.Time
	Results  []Result
}

// Latest returns the most recent result.
func (r Record) Latest() (Result, bool) {
	if len(r.Results) == 0 {
		return Result{}, false
	}
	return r.Results[len(r.Results)-1], true
}

type entry struct {
	id       string
	deadline time.Time
	results  []Result
	done     chan struct{} // closed on first result
}

// Stats summarizes the store.
type Stats struct {
	Total  int
	Pruned uint64
}

// Store is a deadline-ordered record index.
type Store struct {
	mu     sync.Mutex
	list   []*entry // sorted by deadline
	byID   map[string]*entry
	pruned uint64
}

// New returns an empty store.
func New() *Store {
	return &Store{byID: make(map[string]*entry)}
}

// Add records id until deadline. An existing record with the same id is
// replaced.
func (s *Store) Add(id string, deadline time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if old, ok := s.byID[id]; ok {
		s.removeLocked(old)
	}

	s.insertLocked(&entry{id: id, deadline: deadline, done: make(chan struct{})})
}

func (s *Store) insertLocked(e *entry) {
	i := sort.Search(len(s.list), func(i int) bool {
		return s.list[i].deadline.After(e.deadline)
	})
	s.list = append(s.list, nil)
	copy(s.list[i+1:], s.list[i:])
	s.list[i] = e
	s.byID[e.id] = e
}

// Reserve records id until deadline unless it is already recorded. It
// reports whether the record was created; the caller that gets true owns the
// first result.
func (s *Store) Reserve(id string, deadline time.Time) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.byID[id]; ok {
		return false
	}
	s.insertLocked(&entry{id: id, deadline: deadline, done: make(chan struct{})})
	return true
}

// Get returns a snapshot of the record for id.
func (s *Store) Get(id string) (Record, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	e, ok := s.byID[id]
	if !ok {
		return Record{}, false
	}
	return e.snapshot(), true
}

// Append adds a completion to the record for id. It reports false when id
// is not recorded.
func (s *Store) Append(id string, r Result) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	e, ok := s.byID[id]
	if !ok {
		return false
	}
	if r.When.IsZero() {
		r.When = time.Now()
	}
	e.results = append(e.results, r)
	if len(e.results) == 1 {
		close(e.done)
	}
	return true
}

// Settle records r as the first result for id. It reports false when id is
// not recorded or already has a result.
func (s *Store) Settle(id string, r Result) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	e, ok := s.byID[id]
	if !ok || len(e.results) > 0 {
		return false
	}
	if r.When.IsZero() {
		r.When = time.Now()
	}
	e.results = append(e.results, r)
	close(e.done)
	return true
}

// Await blocks until the record for id has a result and returns the most
// recent one.
func (s *Store) Await(ctx context.Context, id string) (Result, error) {
	s.mu.Lock()
	e, ok := s.byID[id]
	s.mu.Unlock()
	if !ok {
		return Result{}, ErrUnknown
	}

	select {
	case <-e.done:
	case <-ctx.Done():
		return Result{}, ctx.Err()
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	return e.results[len(e.results)-1], nil
}

// Prune drops every record whose deadline is not after cutoff and returns
// how many were removed.
func (s *Store) Prune(cutoff time.Time) int {
	s.mu.Lock()
	defer s.mu.Unlock()

	i := sort.Search(len(s.list), func(i int) bool {
		return s.list[i].deadline.After(cutoff)
	})
	for _, e := range s.list[:i] {
		delete(s.byID, e.id)
	}
	s.list = append([]*entry(nil), s.list[i:]...)
	s.pruned += uint64(i)
	return i
}

// Len returns the number of records.
func (s *Store) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.list)
}

// Open returns the number of records still waiting for a first result.
func (s *Store) Open() int {
	s.mu.Lock()
	defer s.mu.Unlock()

	n := 0
	for _, e := range s.list {
		if len(e.results) == 0 {
			n++
		}
	}
	return n
}

// Stats reports the current totals.
func (s *Store) Stats() Stats {
	s.mu.Lock()
	defer s.mu.Unlock()
	return Stats{Total: len(s.list), Pruned: s.pruned}
}

func (s *Store) removeLocked(e *entry) {
	delete(s.byID, e.id)
	for i, cur := range s.list {
		if cur == e {
			s.list = append(s.list[:i], s.list[i+1:]...)
			return
		}
	}
}

func (e *entry) snapshot() Record {
	return Record{
		ID:       e.id,
		Deadline: e.deadline,
		Results:  append([]Result(nil), e.results...),
	}
}
