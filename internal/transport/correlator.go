package transport

import (
	"context"
	"fmt"
	"time"

	"github.com/mattjoyce/relay/internal/history"
)

// Correlator matches out-of-band replies to the calls waiting for them.
type Correlator struct {
	store *history.Store
}

// NewCorrelator keeps pending replies in store.
func NewCorrelator(store *history.Store) *Correlator {
	if store == nil {
		store = history.New()
	}
	return &Correlator{store: store}
}

// Expect registers id as waiting for a reply until deadline. It reports
// false when id is already pending.
func (c *Correlator) Expect(id string, deadline time.Time) bool {
	return c.store.Reserve(id, deadline)
}

// Resolve hands env to the caller waiting on env.ID. It reports false when
// nothing is waiting, including when the id was already answered.
func (c *Correlator) Resolve(env *Envelope) bool {
	return c.store.Settle(env.ID, history.Result{Res: env})
}

// Await blocks until the reply for id arrives or ctx is done.
func (c *Correlator) Await(ctx context.Context, id string) (*Envelope, error) {
	r, err := c.store.Await(ctx, id)
	if err != nil {
		return nil, fmt.Errorf("await reply %s: %w", id, err)
	}
	env, ok := r.Res.(*Envelope)
	if !ok {
		return nil, fmt.Errorf("await reply %s: unexpected record %T", id, r.Res)
	}
	return env, nil
}

// Prune drops pending entries whose deadline passed.
func (c *Correlator) Prune(now time.Time) int {
	return c.store.Prune(now)
}

// Pending returns the number of replies still awaited.
func (c *Correlator) Pending() int {
	return c.store.Open()
}
