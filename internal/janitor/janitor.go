// Package janitor periodically prunes expired call history and old journal
// rows.
package janitor

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/mattjoyce/relay/internal/events"
)

// EventSweep is published after every pass.
const EventSweep = "janitor.sweep"

const defaultInterval = 30 * time.Second

// Config controls the sweep cadence and journal retention. A zero
// JournalRetention keeps journal rows forever.
type Config struct {
	Interval         time.Duration
	JournalRetention time.Duration
}

// Result reports one sweep.
type Result struct {
	History int
	Journal int64
}

// Janitor runs the prune loop.
type Janitor struct {
	cfg       Config
	histories []HistoryPruner
	journal   JournalPruner
	events    *events.Hub
	logger    *slog.Logger
	now       func() time.Time

	stopCh   chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup
}

// Option configures a Janitor.
type Option func(*Janitor)

// WithHistory adds stores pruned against the current time.
func WithHistory(p ...HistoryPruner) Option {
	return func(j *Janitor) { j.histories = append(j.histories, p...) }
}

// WithJournal prunes rows older than the retention window.
func WithJournal(p JournalPruner) Option {
	return func(j *Janitor) { j.journal = p }
}

// WithEvents publishes a sweep summary on hub.
func WithEvents(hub *events.Hub) Option {
	return func(j *Janitor) { j.events = hub }
}

// WithClock replaces time.Now.
func WithClock(now func() time.Time) Option {
	return func(j *Janitor) { j.now = now }
}

// New creates a Janitor.
func New(cfg Config, logger *slog.Logger, opts ...Option) *Janitor {
	if cfg.Interval <= 0 {
		cfg.Interval = defaultInterval
	}
	j := &Janitor{
		cfg:    cfg,
		logger: logger.With("component", "janitor"),
		now:    time.Now,
		stopCh: make(chan struct{}),
	}
	for _, opt := range opts {
		opt(j)
	}
	return j
}

// Start begins the sweep loop in the background.
func (j *Janitor) Start(ctx context.Context) {
	j.logger.Info("Starting janitor", "interval", j.cfg.Interval, "journal_retention", j.cfg.JournalRetention)
	j.wg.Add(1)
	go j.loop(ctx)
}

// Stop ends the loop and waits for an in-progress sweep.
func (j *Janitor) Stop() {
	j.stopOnce.Do(func() { close(j.stopCh) })
	j.wg.Wait()
	j.logger.Info("Janitor stopped")
}

// Run sweeps until ctx is done. It suits an errgroup member.
func (j *Janitor) Run(ctx context.Context) error {
	j.Start(ctx)
	<-ctx.Done()
	j.Stop()
	return nil
}

func (j *Janitor) loop(ctx context.Context) {
	defer j.wg.Done()

	ticker := time.NewTicker(j.cfg.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			j.Sweep(ctx)
		case <-j.stopCh:
			return
		case <-ctx.Done():
			return
		}
	}
}

// Sweep runs one prune pass. Failures are logged and the pass continues.
func (j *Janitor) Sweep(ctx context.Context) Result {
	now := j.now()
	var res Result

	for _, h := range j.histories {
		res.History += h.Prune(now)
	}

	if j.journal != nil && j.cfg.JournalRetention > 0 {
		n, err := j.journal.PruneBefore(ctx, now.Add(-j.cfg.JournalRetention))
		if err != nil {
			j.logger.Error("Failed to prune journal", "error", err)
		}
		res.Journal = n
	}

	if res.History > 0 || res.Journal > 0 {
		j.logger.Debug("Janitor sweep", "history_pruned", res.History, "journal_pruned", res.Journal)
	}
	if j.events != nil {
		j.events.Publish(EventSweep, "", "", map[string]any{
			"history_pruned": res.History,
			"journal_pruned": res.Journal,
		})
	}
	return res
}
