package dispatch

import (
	"context"
	"encoding/json"
	"errors"
	"path/filepath"
	"sync"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"

	"github.com/mattjoyce/relay/internal/events"
	"github.com/mattjoyce/relay/internal/journal"
	"github.com/mattjoyce/relay/internal/pattern"
	"github.com/mattjoyce/relay/internal/storage"
)

func counterValue(t *testing.T, g prometheus.Gatherer, name string, labels map[string]string) float64 {
	t.Helper()

	mfs, err := g.Gather()
	require.NoError(t, err)
	for _, mf := range mfs {
		if mf.GetName() != name {
			continue
		}
	next:
		for _, m := range mf.GetMetric() {
			got := make(map[string]string)
			for _, lp := range m.GetLabel() {
				got[lp.GetName()] = lp.GetValue()
			}
			for k, v := range labels {
				if got[k] != v {
					continue next
				}
			}
			return m.GetCounter().GetValue()
		}
	}
	return 0
}

func TestMetricsCountOutcomes(t *testing.T) {
	t.Parallel()

	reg := prometheus.NewRegistry()
	in := newInstance(t, func(c *Config) {
		c.Registerer = reg
		c.History = true
	})
	mustAdd(t, in, "a:1", reply(nil))

	_, _, _ = act(t, in, "a:1", WithID("m1"))
	_, _, _ = act(t, in, "a:1", WithID("m1"))
	_, _, _ = act(t, in, "a:2")

	assert.Same(t, reg, in.Gatherer())
	assert.Equal(t, 2.0, counterValue(t, reg, "relay_act_calls_total", map[string]string{"pattern": "a:1", "code": "ok"}))
	assert.Equal(t, 1.0, counterValue(t, reg, "relay_act_calls_total", map[string]string{"pattern": "-", "code": CodeNotFound}))
	assert.Equal(t, 1.0, counterValue(t, reg, "relay_act_cache_hits_total", nil))
}

func TestInstancesKeepSeparateRegistries(t *testing.T) {
	t.Parallel()

	a := newInstance(t)
	b := newInstance(t)
	mustAdd(t, a, "a:1", reply(nil))
	_, _, _ = act(t, a, "a:1")

	assert.Equal(t, 1.0, counterValue(t, a.Gatherer(), "relay_act_calls_total", map[string]string{"pattern": "a:1"}))
	assert.Zero(t, counterValue(t, b.Gatherer(), "relay_act_calls_total", map[string]string{"pattern": "a:1"}))
}

func spanAttr(s sdktrace.ReadOnlySpan, key string) attribute.Value {
	for _, kv := range s.Attributes() {
		if string(kv.Key) == key {
			return kv.Value
		}
	}
	return attribute.Value{}
}

func TestSpansFollowTheCallTree(t *testing.T) {
	t.Parallel()

	rec := tracetest.NewSpanRecorder()
	tp := sdktrace.NewTracerProvider(sdktrace.WithSpanProcessor(rec))
	t.Cleanup(func() { _ = tp.Shutdown(context.Background()) })

	in := newInstance(t, func(c *Config) { c.TracerProvider = tp })
	mustAdd(t, in, "leaf:1", func(c *Call, msg pattern.Message) (any, error) {
		return nil, errors.New("nope")
	})
	mustAdd(t, in, "root:1", func(c *Call, msg pattern.Message) (any, error) {
		_, _, _ = c.Act("leaf:1")
		return map[string]any{}, nil
	})

	_, meta, err := act(t, in, "root:1")
	require.NoError(t, err)

	spans := rec.Ended()
	require.Len(t, spans, 2)
	leaf, root := spans[0], spans[1]
	assert.Equal(t, "relay.act", root.Name())
	assert.Equal(t, "root:1", spanAttr(root, "relay.pattern").AsString())
	assert.Equal(t, meta.ID, spanAttr(root, "relay.call_id").AsString())
	assert.Equal(t, codes.Ok, root.Status().Code)

	assert.Equal(t, "leaf:1", spanAttr(leaf, "relay.pattern").AsString())
	assert.Equal(t, codes.Error, leaf.Status().Code)
	assert.Equal(t, CodeExecute, spanAttr(leaf, "relay.error_code").AsString())
	assert.Equal(t, int64(1), spanAttr(leaf, "relay.depth").AsInt64())
	assert.Equal(t, root.SpanContext().SpanID(), leaf.Parent().SpanID())
	assert.Equal(t, root.SpanContext().TraceID(), leaf.SpanContext().TraceID())
}

func TestAnnouncementsArePublished(t *testing.T) {
	t.Parallel()

	hub := events.NewHub(16)
	in := newInstance(t, func(c *Config) { c.Events = hub })
	mustAdd(t, in, "a:1", reply(nil))

	_, meta, err := act(t, in, "a:1")
	require.NoError(t, err)
	_, _, _ = act(t, in, "a:9")

	evs := hub.SnapshotSince(0)
	require.Len(t, evs, 4)
	assert.Equal(t, events.TypeActIn, evs[0].Type)
	assert.Equal(t, meta.ID, evs[0].CallID)
	assert.Equal(t, events.TypeActOut, evs[1].Type)
	assert.Equal(t, "a:1", evs[1].Pattern)

	var out map[string]any
	require.NoError(t, json.Unmarshal(evs[3].Data, &out))
	assert.Equal(t, CodeNotFound, out["error"])
}

type memJournal struct {
	mu      sync.Mutex
	entries []journal.Entry
}

func (j *memJournal) Record(ctx context.Context, e journal.Entry) error {
	j.mu.Lock()
	defer j.mu.Unlock()
	j.entries = append(j.entries, e)
	return nil
}

func (j *memJournal) all() []journal.Entry {
	j.mu.Lock()
	defer j.mu.Unlock()
	return append([]journal.Entry(nil), j.entries...)
}

func TestJournalRecordsCompletedCalls(t *testing.T) {
	t.Parallel()

	j := &memJournal{}
	in := newInstance(t, func(c *Config) {
		c.Journal = j
		c.History = true
	})
	mustAdd(t, in, "ok:1", reply(nil))
	mustAdd(t, in, "bad:1", func(c *Call, msg pattern.Message) (any, error) {
		return nil, errors.New("bad")
	})

	_, okMeta, _ := act(t, in, "ok:1", WithID("j1"), WithTx("t1"))
	_, _, _ = act(t, in, "ok:1", WithID("j1"))
	_, _, _ = act(t, in, "bad:1")

	entries := j.all()
	require.Len(t, entries, 2, "cached replies are not journaled")
	assert.Equal(t, "j1", entries[0].ID)
	assert.Equal(t, "t1", entries[0].Tx)
	assert.Equal(t, "ok:1", entries[0].Pattern)
	assert.Equal(t, okMeta.Action, entries[0].Action)
	assert.Equal(t, journal.StatusDone, entries[0].Status)
	assert.Equal(t, journal.StatusFailed, entries[1].Status)
	assert.Equal(t, CodeExecute, entries[1].ErrorCode)
}

func TestJournalOnSQLite(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	db, err := storage.OpenSQLite(ctx, filepath.Join(t.TempDir(), "journal.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })
	j := journal.New(db)

	in := newInstance(t, func(c *Config) { c.Journal = j })
	mustAdd(t, in, "child:1", reply(nil))
	mustAdd(t, in, "parent:1", func(c *Call, msg pattern.Message) (any, error) {
		_, _, err := c.Act("child:1")
		return nil, err
	})

	_, meta, err := act(t, in, "parent:1")
	require.NoError(t, err)

	recent, err := j.Recent(ctx, 10)
	require.NoError(t, err)
	require.Len(t, recent, 2)
	byPattern := map[string]journal.Entry{}
	for _, e := range recent {
		byPattern[e.Pattern] = e
	}
	assert.Equal(t, meta.ID, byPattern["child:1"].ParentID)
	assert.Equal(t, meta.Tx, byPattern["child:1"].Tx)
	assert.Empty(t, byPattern["parent:1"].ParentID)
}
