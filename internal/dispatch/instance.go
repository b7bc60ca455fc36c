package dispatch

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"path/filepath"
	"runtime"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"go.opentelemetry.io/otel/trace"

	"github.com/mattjoyce/relay/internal/events"
	"github.com/mattjoyce/relay/internal/executor"
	"github.com/mattjoyce/relay/internal/history"
	"github.com/mattjoyce/relay/internal/journal"
	"github.com/mattjoyce/relay/internal/log"
	"github.com/mattjoyce/relay/internal/pattern"
	"github.com/mattjoyce/relay/internal/router"
)

const (
	DefaultMaxParents = 33
	DefaultTimeout    = 22222 * time.Millisecond
	DefaultHistoryTTL = time.Minute
)

// NoNesting as Config.MaxParents allows top-level calls only. Zero selects
// DefaultMaxParents.
const NoNesting = -1

// Continuation receives the outcome of a call exactly once.
type Continuation func(res any, meta *Meta, err error)

// EntityHook converts a result tagged with entity$ into a domain value. It
// reports false to keep the original result.
type EntityHook func(res map[string]any) (any, bool)

// ErrorHandler receives continuation failures.
type ErrorHandler func(err *Error, meta *Meta)

// FatalHandler receives failures of calls marked fatal.
type FatalHandler func(err *Error)

// Journal persists completed calls.
type Journal interface {
	Record(ctx context.Context, e journal.Entry) error
}

// Config configures an Instance.
type Config struct {
	Name           string        `validate:"omitempty,max=64"`
	Tag            string        `validate:"omitempty,max=64"`
	MaxParents     int           `validate:"gte=-1"`
	Timeout        time.Duration `validate:"gte=0"`
	History        bool
	HistoryTTL     time.Duration `validate:"gte=0"`
	StrictResult   bool
	StrictOverride bool

	Logger         *slog.Logger          `validate:"-"`
	Registerer     prometheus.Registerer `validate:"-"`
	TracerProvider trace.TracerProvider  `validate:"-"`
	Events         *events.Hub           `validate:"-"`
	Journal        Journal               `validate:"-"`
	EntityHook     EntityHook            `validate:"-"`
	OnError        ErrorHandler          `validate:"-"`
	OnFatal        FatalHandler          `validate:"-"`
}

func (c Config) withDefaults() Config {
	if c.Name == "" {
		c.Name = "relay"
	}
	switch c.MaxParents {
	case 0:
		c.MaxParents = DefaultMaxParents
	case NoNesting:
		c.MaxParents = 0
	}
	if c.Timeout == 0 {
		c.Timeout = DefaultTimeout
	}
	if c.HistoryTTL == 0 {
		c.HistoryTTL = DefaultHistoryTTL
	}
	if c.Logger == nil {
		c.Logger = log.WithComponent("dispatch")
	}
	return c
}

// Hook runs at instance start or shutdown.
type Hook func(ctx context.Context) error

type namedHook struct {
	name string
	fn   Hook
}

// Instance owns a router, history, executor and the call pipeline.
type Instance struct {
	cfg      Config
	id       string
	logger   *slog.Logger
	router   *router.Router[*Def]
	history  *history.Store
	exec     *executor.Executor
	metrics  *metrics
	gatherer prometheus.Gatherer
	tracer   trace.Tracer
	started  time.Time

	regMu  sync.Mutex
	nextID atomic.Uint64
	closed atomic.Bool

	calls  atomic.Uint64
	done   atomic.Uint64
	fails  atomic.Uint64
	cached atomic.Uint64

	hookMu     sync.Mutex
	readyHooks []namedHook
	closeHooks []namedHook
}

// New builds an Instance.
func New(cfg Config) (*Instance, error) {
	if err := validate.Struct(cfg); err != nil {
		return nil, fmt.Errorf("invalid dispatch config: %w", err)
	}
	cfg = cfg.withDefaults()

	in := &Instance{
		cfg:     cfg,
		router:  router.New[*Def](),
		history: history.New(),
		tracer:  newTracer(cfg.TracerProvider),
		started: time.Now(),
	}
	in.id = fmt.Sprintf("%s/%s/%s", cfg.Name, cfg.Tag, uuid.NewString()[:8])
	in.logger = cfg.Logger.With(slog.String("instance", in.id))

	reg := cfg.Registerer
	if reg == nil {
		r := prometheus.NewRegistry()
		reg, in.gatherer = r, r
	} else if g, ok := reg.(prometheus.Gatherer); ok {
		in.gatherer = g
	}
	in.metrics = newMetrics(reg)

	in.exec = executor.New(
		executor.WithTimeout(cfg.Timeout),
		executor.WithLogger(in.logger),
		executor.WithAbandonHandler(func(t *executor.Task, err error) {
			in.logger.Error("call abandoned", "kind", "act", "case", "ERR", "call_id", t.ID, "error", err)
		}),
	)
	return in, nil
}

// ID returns the instance descriptor, name/tag/suffix.
func (in *Instance) ID() string { return in.id }

// Logger returns the instance logger.
func (in *Instance) Logger() *slog.Logger { return in.logger }

// Gatherer exposes the instance metrics. It is nil when the configured
// registerer cannot be gathered.
func (in *Instance) Gatherer() prometheus.Gatherer { return in.gatherer }

// History returns the correlation store.
func (in *Instance) History() *history.Store { return in.history }

// Add registers h for pat. pat may be a pattern string or a message.
func (in *Instance) Add(pat any, h Handler, opts ...AddOption) (*Def, error) {
	return in.add(pat, h, callpoint(2), opts)
}

func (in *Instance) add(pat any, h Handler, at string, opts []AddOption) (*Def, error) {
	msg, err := pattern.From(pat)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidCall, err)
	}

	var o addOptions
	for _, opt := range opts {
		opt(&o)
	}
	var rules Validator
	if len(o.rules) > 0 {
		if rules, err = ValidateFacts(o.rules); err != nil {
			return nil, fmt.Errorf("%w: %v", ErrInvalidCall, err)
		}
	}
	strict := in.cfg.StrictOverride
	if o.strictOverride != nil {
		strict = *o.strictOverride
	}
	name := o.name
	if name == "" {
		name = "act"
	}

	facts := msg.Facts()
	def := &Def{
		Name:       name,
		Pattern:    facts.String(),
		Facts:      facts,
		Plugin:     o.plugin,
		Fixed:      o.fixed,
		Custom:     o.custom,
		Deprecated: o.deprecated,
		Callpoint:  at,
		handler:    h,
		validate:   chainValidators(o.validate, rules),
	}
	def.ID = fmt.Sprintf("%s_%d", name, in.nextID.Add(1))

	in.regMu.Lock()
	if prior, ok := in.router.Find(facts.Message(), strict); ok {
		def.Prior = prior
	}
	in.router.Add(facts, def)
	in.regMu.Unlock()

	in.logger.Debug("action added", "kind", "add", "pattern", def.Pattern, "action", def.ID,
		"plugin", def.Plugin.FullName(), "prior", priorID(def.Prior), "callpoint", at)
	return def, nil
}

func priorID(d *Def) string {
	if d == nil {
		return ""
	}
	return d.ID
}

// Has reports whether an action is registered at exactly pat.
func (in *Instance) Has(pat any) bool {
	_, ok := in.Find(pat, true)
	return ok
}

// Find resolves pat to the most specific action, or with exact set only to
// an action registered at exactly pat.
func (in *Instance) Find(pat any, exact bool) (*Def, bool) {
	msg, err := pattern.From(pat)
	if err != nil {
		return nil, false
	}
	return in.router.Find(msg.Strip(), exact)
}

// List returns the actions whose patterns match query, which may contain
// '*' and '?' globs, ordered by pattern.
func (in *Instance) List(query any) []*Def {
	msg, err := pattern.From(query)
	if err != nil {
		return nil
	}
	matches := in.router.FindAll(msg.Strip(), false)
	out := make([]*Def, 0, len(matches))
	for _, m := range matches {
		out = append(out, m.Data)
	}
	return out
}

// Remove drops the current action at exactly pat. When the action overrode
// a prior at the same pattern that prior is reinstated.
func (in *Instance) Remove(pat any) bool {
	msg, err := pattern.From(pat)
	if err != nil {
		return false
	}
	facts := msg.Facts()

	in.regMu.Lock()
	defer in.regMu.Unlock()
	def, ok := in.router.Find(msg.Strip(), true)
	if !ok {
		return false
	}
	if def.Prior != nil && def.Prior.Pattern == def.Pattern {
		in.router.Add(facts, def.Prior)
	} else {
		in.router.Remove(facts)
	}
	in.logger.Debug("action removed", "kind", "remove", "pattern", def.Pattern, "action", def.ID)
	return true
}

// Wrap registers h over every action matching query. Each wrapper's prior is
// the action it wraps.
func (in *Instance) Wrap(query any, h Handler, opts ...AddOption) ([]*Def, error) {
	targets := in.List(query)
	at := callpoint(2)
	out := make([]*Def, 0, len(targets))
	for _, t := range targets {
		wopts := append([]AddOption{WithName("wrap"), WithPlugin(t.Plugin.Name, t.Plugin.Tag)}, opts...)
		wopts = append(wopts, WithStrictOverride(true))
		def, err := in.add(t.Pattern, h, at, wopts)
		if err != nil {
			return out, err
		}
		out = append(out, def)
	}
	return out, nil
}

// OnReady registers a hook run by Ready.
func (in *Instance) OnReady(name string, fn Hook) {
	in.hookMu.Lock()
	in.readyHooks = append(in.readyHooks, namedHook{name: name, fn: fn})
	in.hookMu.Unlock()
}

// OnClose registers a hook run by Close, in reverse registration order.
func (in *Instance) OnClose(name string, fn Hook) {
	in.hookMu.Lock()
	in.closeHooks = append(in.closeHooks, namedHook{name: name, fn: fn})
	in.hookMu.Unlock()
}

// Ready runs the ready hooks in registration order and stops at the first
// failure.
func (in *Instance) Ready(ctx context.Context) error {
	in.hookMu.Lock()
	hooks := append([]namedHook(nil), in.readyHooks...)
	in.hookMu.Unlock()

	for _, h := range hooks {
		if err := h.fn(ctx); err != nil {
			e := newError(CodeReadyFailed, err, map[string]any{"hook": h.name})
			e.Instance = in.id
			if e.markLogged() {
				in.logger.Error(e.Message, "kind", "ready", "case", "ERR", "code", e.Code, "hook", h.name)
			}
			return e
		}
	}
	return nil
}

// Close rejects new calls, runs the close action and hooks, and waits for
// in-flight calls until ctx is done.
func (in *Instance) Close(ctx context.Context) error {
	if !in.closed.CompareAndSwap(false, true) {
		return nil
	}
	in.logger.Info("instance closing")

	var errs []error
	closeMsg := pattern.Message{"role": "relay", "cmd": "close"}
	if in.Has(closeMsg) {
		if _, _, err := in.Act(ctx, closeMsg, withClosing()); err != nil {
			errs = append(errs, fmt.Errorf("close action: %w", err))
		}
	}

	in.hookMu.Lock()
	hooks := append([]namedHook(nil), in.closeHooks...)
	in.hookMu.Unlock()
	for i := len(hooks) - 1; i >= 0; i-- {
		if err := hooks[i].fn(ctx); err != nil {
			errs = append(errs, fmt.Errorf("close hook %s: %w", hooks[i].name, err))
		}
	}

	if err := in.exec.Wait(ctx); err != nil {
		errs = append(errs, fmt.Errorf("wait for in-flight calls: %w", err))
	}
	in.logger.Info("instance closed")
	return errors.Join(errs...)
}

// Closed reports whether Close has been called.
func (in *Instance) Closed() bool { return in.closed.Load() }

// Stats is a point-in-time view of an instance.
type Stats struct {
	Instance string              `json:"instance"`
	Start    time.Time           `json:"start"`
	Calls    uint64              `json:"calls"`
	Done     uint64              `json:"done"`
	Fails    uint64              `json:"fails"`
	Cached   uint64              `json:"cached"`
	Actions  int                 `json:"actions"`
	Closed   bool                `json:"closed"`
	History  history.Stats       `json:"history"`
	Executor executor.Stats      `json:"executor"`
	Patterns map[string]DefStats `json:"patterns"`
}

// Stats returns global and per-pattern counters.
func (in *Instance) Stats() Stats {
	st := Stats{
		Instance: in.id,
		Start:    in.started,
		Calls:    in.calls.Load(),
		Done:     in.done.Load(),
		Fails:    in.fails.Load(),
		Cached:   in.cached.Load(),
		Actions:  in.router.Len(),
		Closed:   in.closed.Load(),
		History:  in.history.Stats(),
		Executor: in.exec.Stats(),
		Patterns: make(map[string]DefStats),
	}
	for _, m := range in.router.FindAll(pattern.Message{}, false) {
		st.Patterns[m.Data.Pattern] = m.Data.Stats()
	}
	return st
}

// Patterns returns the registered pattern strings in order.
func (in *Instance) Patterns() []string {
	matches := in.router.FindAll(pattern.Message{}, false)
	out := make([]string, 0, len(matches))
	for _, m := range matches {
		out = append(out, m.Data.Pattern)
	}
	sort.Strings(out)
	return out
}

// Tree renders the routing trie.
func (in *Instance) Tree() string { return in.router.Tree() }

func (in *Instance) fatal(e *Error) {
	if in.cfg.OnFatal != nil {
		in.cfg.OnFatal(e)
		return
	}
	in.logger.Error("fatal call failure", "kind", "act", "case", "FATAL", "code", e.Code, "pattern", e.Pattern, "error", e.Message)
}

func callpoint(skip int) string {
	_, file, line, ok := runtime.Caller(skip)
	if !ok {
		return ""
	}
	return fmt.Sprintf("%s:%d", filepath.Base(file), line)
}
