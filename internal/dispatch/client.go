package dispatch

import (
	"context"
	"errors"

	"github.com/mattjoyce/relay/internal/pattern"
)

// Sender delivers a message to a remote instance and returns its result and
// any custom values the remote side added.
type Sender interface {
	Send(ctx context.Context, msg pattern.Message, meta *Meta) (res any, custom map[string]any, err error)
}

// SenderFunc adapts a function to Sender.
type SenderFunc func(ctx context.Context, msg pattern.Message, meta *Meta) (any, map[string]any, error)

func (fn SenderFunc) Send(ctx context.Context, msg pattern.Message, meta *Meta) (any, map[string]any, error) {
	return fn(ctx, msg, meta)
}

// Client registers an action at pat that forwards matched messages through s.
func (in *Instance) Client(pat any, s Sender, opts ...AddOption) (*Def, error) {
	if s == nil {
		return nil, errors.New("dispatch: nil sender")
	}
	h := func(c *Call, msg pattern.Message) (any, error) {
		res, custom, err := s.Send(c.Context(), msg, c.Meta())
		if err != nil {
			return nil, asError(CodeTransportErr, err, map[string]any{"pattern": c.Def().Pattern})
		}
		c.SetCustom(custom)
		return res, nil
	}
	return in.add(pat, h, callpoint(2), append([]AddOption{WithName("client")}, opts...))
}
