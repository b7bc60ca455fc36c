// Package pattern defines messages, facts and the canonical pattern string.
//
// A message is a flat set of name:value facts. Facts whose name ends in the
// control marker '$' carry call directives (id$, default$, gate$, ...) and are
// never part of a pattern.
package pattern

import (
	"fmt"
	"maps"
	"sort"
	"strings"

	"github.com/tidwall/match"
)

// ControlMarker terminates the name of every control fact.
const ControlMarker = "$"

// Message is a flat set of facts.
type Message map[string]any

// Fact is one name:value pair of a pattern.
type Fact struct {
	Name  string
	Value string
}

// Pattern is a list of facts sorted by name.
type Pattern []Fact

// IsControl reports whether name is a control fact name.
func IsControl(name string) bool {
	return strings.HasSuffix(name, ControlMarker)
}

// Clone returns a shallow copy of m. A nil message clones to an empty one.
func (m Message) Clone() Message {
	out := make(Message, len(m))
	maps.Copy(out, m)
	return out
}

// Facts returns the non-control facts of m as a sorted Pattern.
func (m Message) Facts() Pattern {
	p := make(Pattern, 0, len(m))
	for name, v := range m {
		if name == "" || IsControl(name) {
			continue
		}
		p = append(p, Fact{Name: name, Value: Value(v)})
	}
	sort.Slice(p, func(i, j int) bool { return p[i].Name < p[j].Name })
	return p
}

// Control returns the control facts of m, keyed without the marker.
func (m Message) Control() map[string]any {
	out := make(map[string]any)
	for name, v := range m {
		if IsControl(name) {
			out[strings.TrimSuffix(name, ControlMarker)] = v
		}
	}
	return out
}

// Strip returns a copy of m without control facts.
func (m Message) Strip() Message {
	out := make(Message, len(m))
	for name, v := range m {
		if !IsControl(name) {
			out[name] = v
		}
	}
	return out
}

// Canonical returns the canonical pattern string of m.
func (m Message) Canonical() string {
	return m.Facts().String()
}

// Value renders a fact value the way the router compares it.
func Value(v any) string {
	switch t := v.(type) {
	case nil:
		return ""
	case string:
		return t
	case fmt.Stringer:
		return t.String()
	default:
		return fmt.Sprint(t)
	}
}

// String returns the canonical form, e.g. "a:1,b:2".
func (p Pattern) String() string {
	var b strings.Builder
	for i, f := range p {
		if i > 0 {
			b.WriteByte(',')
		}
		b.WriteString(f.Name)
		b.WriteByte(':')
		b.WriteString(f.Value)
	}
	return b.String()
}

// Keys returns the fact names in order.
func (p Pattern) Keys() []string {
	keys := make([]string, len(p))
	for i, f := range p {
		keys[i] = f.Name
	}
	return keys
}

// Message converts p back into a message of string values.
func (p Pattern) Message() Message {
	m := make(Message, len(p))
	for _, f := range p {
		m[f.Name] = f.Value
	}
	return m
}

// Equal reports whether p and q have the same canonical form.
func (p Pattern) Equal(q Pattern) bool {
	return p.String() == q.String()
}

// Parse reads a canonical or loosely written pattern string. Pairs are
// separated by commas, names from values by the first colon. Whitespace
// around names and values is trimmed and the result is sorted. Control facts
// are dropped.
func Parse(s string) (Pattern, error) {
	m := make(Message)
	if strings.TrimSpace(s) == "" {
		return Pattern{}, nil
	}
	for i, part := range strings.Split(s, ",") {
		name, value, ok := strings.Cut(part, ":")
		if !ok {
			return nil, fmt.Errorf("pattern %q: pair %d has no ':'", s, i)
		}
		name = strings.TrimSpace(name)
		if name == "" {
			return nil, fmt.Errorf("pattern %q: pair %d has an empty name", s, i)
		}
		if _, dup := m[name]; dup {
			return nil, fmt.Errorf("pattern %q: duplicate fact %q", s, name)
		}
		m[name] = strings.TrimSpace(value)
	}
	return m.Facts(), nil
}

// MustParse is Parse for literals; it panics on error.
func MustParse(s string) Pattern {
	p, err := Parse(s)
	if err != nil {
		panic(err)
	}
	return p
}

// From accepts either a Message or a pattern string.
func From(v any) (Message, error) {
	switch t := v.(type) {
	case Message:
		if t == nil {
			return nil, fmt.Errorf("pattern: nil message")
		}
		return t, nil
	case map[string]any:
		if t == nil {
			return nil, fmt.Errorf("pattern: nil message")
		}
		return Message(t), nil
	case string:
		p, err := Parse(t)
		if err != nil {
			return nil, err
		}
		return p.Message(), nil
	case Pattern:
		return t.Message(), nil
	default:
		return nil, fmt.Errorf("pattern: unsupported pattern type %T", v)
	}
}

// Glob reports whether value matches the glob expression expr, where '*'
// matches any run of characters and '?' exactly one.
func Glob(value, expr string) bool {
	if !match.IsPattern(expr) {
		return value == expr
	}
	return match.Match(value, expr)
}
