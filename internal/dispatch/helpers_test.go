package dispatch

import (
	"bytes"
	"context"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/mattjoyce/relay/internal/pattern"
)

// syncBuffer is a bytes.Buffer safe for concurrent log writes.
type syncBuffer struct {
	mu  sync.Mutex
	buf bytes.Buffer
}

func (b *syncBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.Write(p)
}

func (b *syncBuffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.String()
}

func newInstance(t *testing.T, mutate ...func(*Config)) *Instance {
	t.Helper()

	cfg := Config{
		Name:   "test",
		Logger: slog.New(slog.NewJSONHandler(io.Discard, nil)),
	}
	for _, m := range mutate {
		m(&cfg)
	}
	in, err := New(cfg)
	require.NoError(t, err)
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		_ = in.Close(ctx)
	})
	return in
}

func mustAdd(t *testing.T, in *Instance, pat string, h Handler, opts ...AddOption) *Def {
	t.Helper()

	def, err := in.Add(pat, h, opts...)
	require.NoError(t, err)
	return def
}

func reply(v map[string]any) Handler {
	return func(c *Call, msg pattern.Message) (any, error) {
		return v, nil
	}
}

func act(t *testing.T, in *Instance, msg any, opts ...CallOption) (any, *Meta, error) {
	t.Helper()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	return in.Act(ctx, msg, opts...)
}
