package janitor

import (
	"context"
	"time"
)

//go:generate mockgen -destination=mocks/mock_pruner.go -package=mocks github.com/mattjoyce/relay/internal/janitor HistoryPruner,JournalPruner

// HistoryPruner drops in-memory records whose deadline is not after cutoff.
type HistoryPruner interface {
	Prune(cutoff time.Time) int
}

// JournalPruner deletes persisted rows that ended before cutoff.
type JournalPruner interface {
	PruneBefore(ctx context.Context, cutoff time.Time) (int64, error)
}
