package dispatch

import (
	"context"
	"errors"
	"log/slog"
	"strings"
	"testing"

	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mattjoyce/relay/internal/pattern"
)

func TestNewRejectsInvalidConfig(t *testing.T) {
	t.Parallel()

	_, err := New(Config{MaxParents: -2})
	assert.Error(t, err)

	_, err = New(Config{Name: strings.Repeat("n", 65)})
	assert.Error(t, err)
}

func TestInstanceIdentity(t *testing.T) {
	t.Parallel()

	in := newInstance(t, func(c *Config) { c.Tag = "blue" })
	assert.True(t, strings.HasPrefix(in.ID(), "test/blue/"), in.ID())
	assert.NotNil(t, in.Gatherer())
	assert.NotNil(t, in.History())

	def := mustAdd(t, in, "a:1", reply(nil))
	assert.Equal(t, "act", def.Name)
	assert.True(t, strings.HasPrefix(def.ID, "act_"), def.ID)
	assert.Contains(t, def.Callpoint, "helpers_test.go")

	named := mustAdd(t, in, "b:1", reply(nil), WithName("lookup"), WithPlugin("users", "v2"))
	assert.True(t, strings.HasPrefix(named.ID, "lookup_"), named.ID)
	assert.Equal(t, "users$v2", named.Plugin.FullName())
	assert.Equal(t, "users", Plugin{Name: "users"}.FullName())
}

func TestFindHasAndPatterns(t *testing.T) {
	t.Parallel()

	in := newInstance(t)
	mustAdd(t, in, "role:user,cmd:get", reply(nil))
	mustAdd(t, in, "role:user,cmd:get,fmt:json", reply(nil))

	assert.True(t, in.Has("cmd:get,role:user"))
	assert.False(t, in.Has("role:user"))

	d, ok := in.Find("role:user,cmd:get,fmt:json,extra:1", false)
	require.True(t, ok)
	assert.Equal(t, "cmd:get,fmt:json,role:user", d.Pattern)

	_, ok = in.Find("role:user,cmd:get,extra:1", true)
	assert.False(t, ok)

	_, ok = in.Find(12, false)
	assert.False(t, ok)

	assert.Equal(t, []string{"cmd:get,fmt:json,role:user", "cmd:get,role:user"}, in.Patterns())
	assert.Contains(t, in.Tree(), "role")
}

func TestListWithGlobs(t *testing.T) {
	t.Parallel()

	in := newInstance(t)
	mustAdd(t, in, "role:math,cmd:sum", reply(nil))
	mustAdd(t, in, "role:math,cmd:product", reply(nil))
	mustAdd(t, in, "role:auth,cmd:login", reply(nil))

	assert.Len(t, in.List("role:math"), 2)
	assert.Len(t, in.List("role:math,cmd:s*"), 1)
	assert.Len(t, in.List(pattern.Message{}), 3)
	assert.Empty(t, in.List("role:nope"))
}

func TestRemoveReinstatesPrior(t *testing.T) {
	t.Parallel()

	in := newInstance(t)
	mustAdd(t, in, "a:1", reply(map[string]any{"v": "base"}))
	mustAdd(t, in, "a:1", reply(map[string]any{"v": "override"}))

	res, _, err := act(t, in, "a:1")
	require.NoError(t, err)
	assert.Equal(t, map[string]any{"v": "override"}, res)

	require.True(t, in.Remove("a:1"))
	res, _, err = act(t, in, "a:1")
	require.NoError(t, err)
	assert.Equal(t, map[string]any{"v": "base"}, res)

	require.True(t, in.Remove("a:1"))
	_, _, err = act(t, in, "a:1")
	assert.Equal(t, CodeNotFound, CodeOf(err))
	assert.False(t, in.Remove("a:1"))
}

func TestWrapDecoratesEveryMatch(t *testing.T) {
	t.Parallel()

	in := newInstance(t)
	mustAdd(t, in, "role:math,cmd:sum", func(c *Call, msg pattern.Message) (any, error) {
		return map[string]any{"op": "sum"}, nil
	}, WithPlugin("math", ""))
	mustAdd(t, in, "role:math,cmd:product", func(c *Call, msg pattern.Message) (any, error) {
		return map[string]any{"op": "product"}, nil
	})
	mustAdd(t, in, "role:auth,cmd:login", reply(map[string]any{"op": "login"}))

	wrapped, err := in.Wrap("role:math", func(c *Call, msg pattern.Message) (any, error) {
		res, err := c.Prior(msg)
		if err != nil {
			return nil, err
		}
		out := res.(map[string]any)
		out["wrapped"] = true
		return out, nil
	})
	require.NoError(t, err)
	require.Len(t, wrapped, 2)
	for _, w := range wrapped {
		assert.Equal(t, "wrap", w.Name)
		require.NotNil(t, w.Prior)
		assert.Equal(t, w.Pattern, w.Prior.Pattern)
	}
	assert.Equal(t, "math", wrapped[1].Plugin.Name)

	for _, cmd := range []string{"sum", "product"} {
		res, _, err := act(t, in, "role:math,cmd:"+cmd)
		require.NoError(t, err)
		assert.Equal(t, map[string]any{"op": cmd, "wrapped": true}, res)
	}
	res, _, err := act(t, in, "role:auth,cmd:login")
	require.NoError(t, err)
	assert.Equal(t, map[string]any{"op": "login"}, res)
}

func TestPriorChainProperty(t *testing.T) {
	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 50
	properties := gopter.NewProperties(parameters)

	properties.Property("stacked actions run newest first and each exactly once", prop.ForAll(
		func(n int) bool {
			in, err := New(Config{Logger: slog.New(slog.DiscardHandler)})
			if err != nil {
				return false
			}
			defer in.Close(context.Background())

			for i := 0; i < n; i++ {
				i := i
				if _, err := in.Add("p:1", func(c *Call, msg pattern.Message) (any, error) {
					prev, err := c.Prior(msg)
					if err != nil {
						return nil, err
					}
					seen, _ := prev.([]int)
					return append(seen, i), nil
				}); err != nil {
					return false
				}
			}

			res, _, err := in.Act(context.Background(), "p:1", WithDefault([]int{}))
			if err != nil {
				return false
			}
			seen := res.([]int)
			if len(seen) != n {
				return false
			}
			// The oldest action answers first, so results accumulate in
			// registration order while execution runs newest first.
			for i, v := range seen {
				if v != i {
					return false
				}
			}
			return true
		},
		gen.IntRange(1, 12),
	))

	properties.TestingRun(t)
}

func TestReadyHooks(t *testing.T) {
	t.Parallel()

	in := newInstance(t)
	var order []string
	in.OnReady("first", func(ctx context.Context) error {
		order = append(order, "first")
		return nil
	})
	require.NoError(t, in.Ready(context.Background()))

	in.OnReady("broken", func(ctx context.Context) error { return errors.New("no db") })
	in.OnReady("never", func(ctx context.Context) error {
		order = append(order, "never")
		return nil
	})

	err := in.Ready(context.Background())
	assert.Equal(t, CodeReadyFailed, CodeOf(err))
	var e *Error
	require.ErrorAs(t, err, &e)
	assert.Equal(t, "broken", e.Details["hook"])
	assert.Equal(t, []string{"first", "first"}, order)
}

func TestCloseHooksRunInReverse(t *testing.T) {
	t.Parallel()

	in := newInstance(t)
	var order []string
	for _, name := range []string{"a", "b", "c"} {
		name := name
		in.OnClose(name, func(ctx context.Context) error {
			order = append(order, name)
			if name == "b" {
				return errors.New("stuck")
			}
			return nil
		})
	}

	err := in.Close(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "close hook b")
	assert.Equal(t, []string{"c", "b", "a"}, order)
}

func TestBuiltins(t *testing.T) {
	t.Parallel()

	in := newInstance(t)
	require.NoError(t, RegisterBuiltins(in))
	mustAdd(t, in, "a:1", reply(nil))
	_, _, _ = act(t, in, "a:1")

	res, _, err := act(t, in, PatternPing)
	require.NoError(t, err)
	pong := res.(map[string]any)
	assert.Equal(t, true, pong["pong"])
	assert.Equal(t, in.ID(), pong["instance"])

	res, _, err = act(t, in, PatternStats)
	require.NoError(t, err)
	st, ok := res.(Stats)
	require.True(t, ok)
	assert.Equal(t, 3, st.Actions)
	assert.Equal(t, uint64(1), st.Patterns["a:1"].Calls)
}

func TestClientForwardsAndMergesCustom(t *testing.T) {
	t.Parallel()

	in := newInstance(t)
	var sent pattern.Message
	def, err := in.Client("role:remote", SenderFunc(func(ctx context.Context, msg pattern.Message, meta *Meta) (any, map[string]any, error) {
		sent = msg
		return map[string]any{"remote": true}, map[string]any{"served_by": "peer"}, nil
	}))
	require.NoError(t, err)
	assert.Equal(t, "client", def.Name)

	res, meta, err := act(t, in, "role:remote,cmd:get")
	require.NoError(t, err)
	assert.Equal(t, map[string]any{"remote": true}, res)
	assert.Equal(t, "get", sent["cmd"])
	v, ok := meta.Custom.Get("served_by")
	assert.True(t, ok)
	assert.Equal(t, "peer", v)

	_, err = in.Client("role:other", nil)
	assert.Error(t, err)
}

func TestClientTransportFailure(t *testing.T) {
	t.Parallel()

	in := newInstance(t)
	_, err := in.Client("role:remote", SenderFunc(func(ctx context.Context, msg pattern.Message, meta *Meta) (any, map[string]any, error) {
		return nil, nil, errors.New("connection refused")
	}))
	require.NoError(t, err)

	_, _, err = act(t, in, "role:remote")
	assert.Equal(t, CodeTransportErr, CodeOf(err))
	assert.Contains(t, err.Error(), "connection refused")
}

func TestDeprecatedActionLogsWarning(t *testing.T) {
	t.Parallel()

	var buf syncBuffer
	in := newInstance(t, func(c *Config) {
		c.Logger = slog.New(slog.NewJSONHandler(&buf, nil))
	})
	mustAdd(t, in, "old:1", reply(nil), WithDeprecated("use new:1"))

	_, _, err := act(t, in, "old:1")
	require.NoError(t, err)
	assert.Contains(t, buf.String(), "deprecated action called")
	assert.Contains(t, buf.String(), "use new:1")
}

func TestErrorIsLoggedOnceAcrossTheTree(t *testing.T) {
	t.Parallel()

	var buf syncBuffer
	in := newInstance(t, func(c *Config) {
		c.Logger = slog.New(slog.NewJSONHandler(&buf, nil))
	})
	mustAdd(t, in, "leaf:1", func(c *Call, msg pattern.Message) (any, error) {
		return nil, errors.New("leaf exploded")
	})
	mustAdd(t, in, "mid:1", func(c *Call, msg pattern.Message) (any, error) {
		_, _, err := c.Act("leaf:1")
		return nil, err
	})
	mustAdd(t, in, "top:1", func(c *Call, msg pattern.Message) (any, error) {
		_, _, err := c.Act("mid:1")
		return nil, err
	})

	_, meta, err := act(t, in, "top:1")
	assert.Equal(t, CodeExecute, CodeOf(err))
	assert.Equal(t, "leaf:1", meta.Err.Pattern)
	assert.Equal(t, 1, strings.Count(buf.String(), "leaf exploded\""))
	require.Len(t, meta.ErrTrace(), 1)
	tr := meta.Trace()
	require.Len(t, tr, 1)
	assert.Equal(t, CodeExecute, tr[0].Error)
	require.Len(t, tr[0].Trace, 1)
	assert.Equal(t, "leaf:1", tr[0].Trace[0].Pattern)
}
