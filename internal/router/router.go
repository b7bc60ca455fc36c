// Package router resolves messages to registered data by pattern.
//
// The router is a prefix trie keyed by sorted fact names. Each node tests one
// fact name: a matching value leads to a leaf (optional data plus the node
// testing the following names) and an absent or unmatched value falls through
// to the node's skip branch, so shorter patterns still match supersets.
package router

import (
	"sort"
	"strings"
	"sync"

	"github.com/mattjoyce/relay/internal/pattern"
)

type node[T any] struct {
	key  string
	vals map[string]*leaf[T]
	skip *node[T]
}

type leaf[T any] struct {
	data T
	ok   bool
	pat  pattern.Pattern
	next *node[T]
}

// Match is one registered pattern returned by FindAll.
type Match[T any] struct {
	Pattern pattern.Pattern
	Facts   pattern.Message
	Data    T
}

// Router maps patterns to data of type T.
type Router[T any] struct {
	mu   sync.RWMutex
	root *node[T]
	top  leaf[T] // data registered against the empty pattern
	size int
}

// New returns an empty router.
func New[T any]() *Router[T] {
	return &Router[T]{root: &node[T]{}}
}

// Add installs data under p, replacing data previously added at the same
// pattern.
func (r *Router[T]) Add(p pattern.Pattern, data T) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if len(p) == 0 {
		if !r.top.ok {
			r.size++
		}
		r.top.data, r.top.ok, r.top.pat = data, true, pattern.Pattern{}
		return
	}

	n := r.root
	var lf *leaf[T]
	for i := 0; i < len(p); {
		f := p[i]
		switch {
		case n.key == "":
			n.key = f.Name
			n.vals = make(map[string]*leaf[T])
		case f.Name < n.key:
			// Facts are tested in sorted order, so an earlier name must sit
			// above the current test.
			n.skip = &node[T]{key: n.key, vals: n.vals, skip: n.skip}
			n.key = f.Name
			n.vals = make(map[string]*leaf[T])
		case f.Name > n.key:
			if n.skip == nil {
				n.skip = &node[T]{}
			}
			n = n.skip
			continue
		}

		lf = n.vals[f.Value]
		if lf == nil {
			lf = &leaf[T]{}
			n.vals[f.Value] = lf
		}
		i++
		if i < len(p) {
			if lf.next == nil {
				lf.next = &node[T]{}
			}
			n = lf.next
		}
	}

	if !lf.ok {
		r.size++
	}
	lf.data, lf.ok, lf.pat = data, true, p
}

// Find resolves m to the most specific registered data. With exact set only
// data registered at exactly m's facts is returned.
func (r *Router[T]) Find(m pattern.Message, exact bool) (T, bool) {
	facts := m.Facts()

	r.mu.RLock()
	defer r.mu.RUnlock()

	if exact {
		lf := r.lookup(facts)
		if lf == nil || !lf.ok {
			var zero T
			return zero, false
		}
		return lf.data, true
	}

	q := make(map[string]string, len(facts))
	for _, f := range facts {
		q[f.Name] = f.Value
	}

	var (
		data  T
		found bool
		stars []*node[T]
	)
	n := r.root
	for n != nil {
		if n.key == "" {
			n = nil
		} else if v, present := q[n.key]; present && n.vals[v] != nil {
			lf := n.vals[v]
			if n.skip != nil {
				stars = append(stars, n.skip)
			}
			if lf.ok {
				data, found = lf.data, true
			}
			n = lf.next
		} else {
			n = n.skip
		}

		if n == nil && !found && len(stars) > 0 {
			n = stars[len(stars)-1]
			stars = stars[:len(stars)-1]
		}
	}

	if !found && r.top.ok {
		return r.top.data, true
	}
	return data, found
}

// lookup walks the insertion path of facts without creating nodes.
func (r *Router[T]) lookup(facts pattern.Pattern) *leaf[T] {
	if len(facts) == 0 {
		return &r.top
	}
	n := r.root
	var lf *leaf[T]
	for i := 0; i < len(facts); {
		if n == nil || n.key == "" {
			return nil
		}
		f := facts[i]
		switch {
		case f.Name < n.key:
			return nil
		case f.Name > n.key:
			n = n.skip
			continue
		}
		lf = n.vals[f.Value]
		if lf == nil {
			return nil
		}
		i++
		n = lf.next
	}
	return lf
}

// Remove deletes the data registered at exactly p. Sibling branches are left
// untouched.
func (r *Router[T]) Remove(p pattern.Pattern) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	lf := r.lookup(p)
	if lf == nil || !lf.ok {
		return false
	}
	var zero T
	lf.data, lf.ok, lf.pat = zero, false, nil
	r.size--
	return true
}

// FindAll returns every registered pattern whose facts match query. Query
// values may be globs ('*', '?'). With exact set, matched patterns must have
// no facts beyond the query's. Results are ordered by canonical pattern.
func (r *Router[T]) FindAll(query pattern.Message, exact bool) []Match[T] {
	qf := query.Facts()

	r.mu.RLock()
	var all []*leaf[T]
	if r.top.ok {
		all = append(all, &r.top)
	}
	collect(r.root, &all)
	r.mu.RUnlock()

	var out []Match[T]
	for _, lf := range all {
		if exact && len(lf.pat) != len(qf) {
			continue
		}
		if !covers(lf.pat, qf) {
			continue
		}
		out = append(out, Match[T]{
			Pattern: lf.pat,
			Facts:   lf.pat.Message(),
			Data:    lf.data,
		})
	}
	sort.Slice(out, func(i, j int) bool {
		return out[i].Pattern.String() < out[j].Pattern.String()
	})
	return out
}

// Len returns the number of registered patterns.
func (r *Router[T]) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.size
}

func collect[T any](n *node[T], out *[]*leaf[T]) {
	for n != nil {
		for _, lf := range n.vals {
			if lf.ok {
				*out = append(*out, lf)
			}
			collect(lf.next, out)
		}
		n = n.skip
	}
}

func covers(p pattern.Pattern, query pattern.Pattern) bool {
	vals := make(map[string]string, len(p))
	for _, f := range p {
		vals[f.Name] = f.Value
	}
	for _, f := range query {
		v, ok := vals[f.Name]
		if !ok || !pattern.Glob(v, f.Value) {
			return false
		}
	}
	return true
}

// Tree renders the trie as an indented listing with values in sorted order.
// Leaves holding data are marked with '*'; skip branches are prefixed '~'.
func (r *Router[T]) Tree() string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var b strings.Builder
	if r.top.ok {
		b.WriteString("*\n")
	}
	render(&b, r.root, 0)
	return b.String()
}

func render[T any](b *strings.Builder, n *node[T], depth int) {
	for first := true; n != nil && n.key != ""; first = false {
		values := make([]string, 0, len(n.vals))
		for v := range n.vals {
			values = append(values, v)
		}
		sort.Strings(values)

		for _, v := range values {
			lf := n.vals[v]
			b.WriteString(strings.Repeat("  ", depth))
			if !first {
				b.WriteByte('~')
			}
			b.WriteString(n.key)
			b.WriteByte('=')
			b.WriteString(v)
			if lf.ok {
				b.WriteByte('*')
			}
			b.WriteByte('\n')
			render(b, lf.next, depth+1)
		}
		n = n.skip
	}
}
