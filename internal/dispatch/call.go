package dispatch

import (
	"context"
	"log/slog"
	"maps"
	"time"

	"github.com/mattjoyce/relay/internal/pattern"
)

// Call is the delegate handed to a handler. It resolves prior, nested calls
// and logging against the call being served.
type Call struct {
	f   *flow
	def *Def
}

// Context is cancelled when the call times out or its caller gives up.
func (c *Call) Context() context.Context { return c.f.runCtx }

// Meta returns the call metadata.
func (c *Call) Meta() *Meta { return c.f.meta }

// Def returns the action being executed, which is a prior when called from
// Prior.
func (c *Call) Def() *Def { return c.def }

// Instance returns the owning instance.
func (c *Call) Instance() *Instance { return c.f.in }

// Logger returns a logger carrying the call ids.
func (c *Call) Logger() *slog.Logger { return c.f.logger }

// HasPrior reports whether the action superseded another one.
func (c *Call) HasPrior() bool { return c.def.Prior != nil }

// Prior runs the action this one superseded with msg. Without a prior it
// returns the call's default result, or nil.
func (c *Call) Prior(msg pattern.Message) (any, error) {
	p := c.def.Prior
	if p == nil {
		if c.f.opts.hasDefault {
			return c.f.opts.def, nil
		}
		return nil, nil
	}

	m := msg.Clone()
	maps.Copy(m, p.Fixed)
	p.stats.calls.Add(1)
	start := time.Now()
	res, err := c.f.invoke(&Call{f: c.f, def: p}, m)
	p.stats.observe(time.Since(start), err != nil)
	return res, err
}

// Act makes a nested call and waits for it. The child inherits the
// transaction, the custom bag and the parent chain.
func (c *Call) Act(msg any, opts ...CallOption) (any, *Meta, error) {
	return c.f.in.actSync(c.f.runCtx, c.f, msg, opts, callpoint(2))
}

// Dispatch makes a nested call without waiting. The child outlives the
// handler and does not inherit its cancellation.
func (c *Call) Dispatch(msg any, cont Continuation, opts ...CallOption) error {
	return c.f.in.dispatch(context.WithoutCancel(c.f.runCtx), c.f, msg, cont, opts, callpoint(2))
}

// SetCustom merges vals into the custom bag once the call completes.
func (c *Call) SetCustom(vals map[string]any) {
	c.f.setReplyCustom(vals)
}
