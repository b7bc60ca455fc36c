package dispatch

import (
	"maps"
	"sync"
	"sync/atomic"
	"time"

	"github.com/mattjoyce/relay/internal/pattern"
)

// latencySamples bounds the per-action latency ring.
const latencySamples = 256

// Handler answers one message. The returned value is the call result.
type Handler func(c *Call, msg pattern.Message) (any, error)

// Validator checks a message before the handler sees it.
type Validator func(msg pattern.Message) error

// Plugin names the module that registered an action.
type Plugin struct {
	Name string
	Tag  string
}

// FullName is name$tag, or name when there is no tag.
func (p Plugin) FullName() string {
	if p.Tag == "" {
		return p.Name
	}
	return p.Name + "$" + p.Tag
}

// Def is one registered action. Its pattern and id never change after
// registration.
type Def struct {
	ID         string
	Name       string
	Pattern    string
	Facts      pattern.Pattern
	Prior      *Def
	Plugin     Plugin
	Fixed      map[string]any
	Custom     map[string]any
	Deprecated string
	Callpoint  string

	handler  Handler
	validate Validator
	stats    defStats
}

// HasHandler reports whether the action can be executed.
func (d *Def) HasHandler() bool { return d.handler != nil }

// HasValidator reports whether messages are validated before execution.
func (d *Def) HasValidator() bool { return d.validate != nil }

// Stats returns the action's counters.
func (d *Def) Stats() DefStats { return d.stats.snapshot() }

// Priors returns the prior chain, most recent first, excluding d.
func (d *Def) Priors() []*Def {
	var out []*Def
	for p := d.Prior; p != nil; p = p.Prior {
		out = append(out, p)
	}
	return out
}

// DefStats summarizes one action.
type DefStats struct {
	Calls   uint64        `json:"calls"`
	Done    uint64        `json:"done"`
	Fails   uint64        `json:"fails"`
	Mean    time.Duration `json:"mean"`
	Max     time.Duration `json:"max"`
	Samples int           `json:"samples"`
}

type defStats struct {
	calls atomic.Uint64
	done  atomic.Uint64
	fails atomic.Uint64

	mu   sync.Mutex
	ring [latencySamples]time.Duration
	n    int
	next int
}

func (s *defStats) observe(d time.Duration, failed bool) {
	if failed {
		s.fails.Add(1)
	} else {
		s.done.Add(1)
	}
	s.mu.Lock()
	s.ring[s.next] = d
	s.next = (s.next + 1) % latencySamples
	if s.n < latencySamples {
		s.n++
	}
	s.mu.Unlock()
}

func (s *defStats) snapshot() DefStats {
	out := DefStats{Calls: s.calls.Load(), Done: s.done.Load(), Fails: s.fails.Load()}
	s.mu.Lock()
	defer s.mu.Unlock()
	var total time.Duration
	for i := 0; i < s.n; i++ {
		total += s.ring[i]
		if s.ring[i] > out.Max {
			out.Max = s.ring[i]
		}
	}
	out.Samples = s.n
	if s.n > 0 {
		out.Mean = total / time.Duration(s.n)
	}
	return out
}

// AddOption modifies an action during registration.
type AddOption func(*addOptions)

type addOptions struct {
	name           string
	plugin         Plugin
	validate       Validator
	rules          map[string]string
	fixed          map[string]any
	custom         map[string]any
	deprecated     string
	strictOverride *bool
}

// WithName sets the action name used to build its id.
func WithName(name string) AddOption {
	return func(o *addOptions) { o.name = name }
}

// WithPlugin records the owning plugin.
func WithPlugin(name, tag string) AddOption {
	return func(o *addOptions) { o.plugin = Plugin{Name: name, Tag: tag} }
}

// WithValidate installs a message validator.
func WithValidate(v Validator) AddOption {
	return func(o *addOptions) { o.validate = v }
}

// WithRules validates message facts against validator tags, for example
// {"x": "required,numeric"}.
func WithRules(rules map[string]string) AddOption {
	return func(o *addOptions) { o.rules = rules }
}

// WithFixed merges facts into every matched message.
func WithFixed(facts map[string]any) AddOption {
	return func(o *addOptions) { o.fixed = maps.Clone(facts) }
}

// WithCustom seeds the call's custom bag with values that are not yet set.
func WithCustom(vals map[string]any) AddOption {
	return func(o *addOptions) { o.custom = maps.Clone(vals) }
}

// WithDeprecated logs msg whenever the action is called.
func WithDeprecated(msg string) AddOption {
	return func(o *addOptions) { o.deprecated = msg }
}

// WithStrictOverride decides whether the new action only supersedes an
// action registered at exactly the same pattern.
func WithStrictOverride(strict bool) AddOption {
	return func(o *addOptions) { o.strictOverride = &strict }
}
