package janitor

import (
	"bytes"
	"context"
	"errors"
	"log/slog"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/golang/mock/gomock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mattjoyce/relay/internal/events"
	"github.com/mattjoyce/relay/internal/history"
	"github.com/mattjoyce/relay/internal/janitor/mocks"
)

type logBuffer struct {
	mu  sync.Mutex
	buf bytes.Buffer
}

func (b *logBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.Write(p)
}

func (b *logBuffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.String()
}

func newTestLogger() (*slog.Logger, *logBuffer) {
	var buf logBuffer
	return slog.New(slog.NewJSONHandler(&buf, &slog.HandlerOptions{Level: slog.LevelDebug})), &buf
}

func TestSweepPrunesEverySource(t *testing.T) {
	ctrl := gomock.NewController(t)
	defer ctrl.Finish()

	now := time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)
	h1 := mocks.NewMockHistoryPruner(ctrl)
	h2 := mocks.NewMockHistoryPruner(ctrl)
	jp := mocks.NewMockJournalPruner(ctrl)
	logger, _ := newTestLogger()
	hub := events.NewHub(8)

	j := New(Config{JournalRetention: time.Hour}, logger,
		WithHistory(h1, h2), WithJournal(jp), WithEvents(hub), WithClock(func() time.Time { return now }))
	ctx := context.Background()

	h1.EXPECT().Prune(now).Return(2)
	h2.EXPECT().Prune(now).Return(1)
	jp.EXPECT().PruneBefore(ctx, now.Add(-time.Hour)).Return(int64(5), nil)

	res := j.Sweep(ctx)
	assert.Equal(t, Result{History: 3, Journal: 5}, res)

	evs := hub.SnapshotSince(0)
	require.Len(t, evs, 1)
	assert.Equal(t, EventSweep, evs[0].Type)
	assert.JSONEq(t, `{"history_pruned":3,"journal_pruned":5}`, string(evs[0].Data))
}

func TestSweepWithoutRetentionKeepsJournal(t *testing.T) {
	ctrl := gomock.NewController(t)
	defer ctrl.Finish()

	jp := mocks.NewMockJournalPruner(ctrl)
	logger, _ := newTestLogger()
	j := New(Config{}, logger, WithJournal(jp))

	// No PruneBefore expectation: gomock fails the test if it is called.
	assert.Equal(t, Result{}, j.Sweep(context.Background()))
}

func TestSweepLogsJournalFailure(t *testing.T) {
	ctrl := gomock.NewController(t)
	defer ctrl.Finish()

	hp := mocks.NewMockHistoryPruner(ctrl)
	jp := mocks.NewMockJournalPruner(ctrl)
	logger, logBuf := newTestLogger()
	j := New(Config{JournalRetention: time.Minute}, logger, WithHistory(hp), WithJournal(jp))

	hp.EXPECT().Prune(gomock.Any()).Return(4)
	jp.EXPECT().PruneBefore(gomock.Any(), gomock.Any()).Return(int64(0), errors.New("db locked"))

	res := j.Sweep(context.Background())
	assert.Equal(t, 4, res.History)
	assert.Contains(t, logBuf.String(), "Failed to prune journal")
	assert.Contains(t, logBuf.String(), "db locked")
}

func TestRunSweepsOnEveryTick(t *testing.T) {
	ctrl := gomock.NewController(t)
	defer ctrl.Finish()

	hp := mocks.NewMockHistoryPruner(ctrl)
	logger, _ := newTestLogger()
	j := New(Config{Interval: 5 * time.Millisecond}, logger, WithHistory(hp))

	var sweeps atomic.Int32
	enough := make(chan struct{})
	hp.EXPECT().Prune(gomock.Any()).DoAndReturn(func(time.Time) int {
		if sweeps.Add(1) == 3 {
			close(enough)
		}
		return 0
	}).MinTimes(3)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- j.Run(ctx) }()

	select {
	case <-enough:
	case <-time.After(2 * time.Second):
		t.Fatal("janitor did not sweep")
	}
	cancel()
	require.NoError(t, <-done)

	// Stop is idempotent after Run returns.
	j.Stop()
}

func TestSweepPrunesRealHistory(t *testing.T) {
	logger, _ := newTestLogger()
	now := time.Now()
	store := history.New()
	store.Add("old", now.Add(-time.Second))
	store.Add("fresh", now.Add(time.Minute))

	j := New(Config{}, logger, WithHistory(store), WithClock(func() time.Time { return now }))
	res := j.Sweep(context.Background())

	assert.Equal(t, 1, res.History)
	_, ok := store.Get("fresh")
	assert.True(t, ok)
}
