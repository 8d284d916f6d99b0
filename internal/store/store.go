// Package store keeps the history of load test runs.
package store

import (
	"context"
	"errors"
	"sort"

	"github.com/wesleyorama2/smtpload/internal/loadtest"
)

// ErrNotFound is returned by GetRun for unknown ids.
var ErrNotFound = errors.New("run not found")

// DefaultListLimit is used by ListRuns when limit <= 0.
const DefaultListLimit = 50

// Store persists run snapshots. Saving the same id again replaces the
// previous snapshot.
type Store interface {
	SaveRun(ctx context.Context, state *loadtest.RunState) error
	GetRun(ctx context.Context, id string) (*loadtest.RunState, error)

	// ListRuns returns up to limit runs, most recently started first.
	ListRuns(ctx context.Context, limit int) ([]*loadtest.RunState, error)

	Close() error
}

func normalizeLimit(limit int) int {
	if limit <= 0 {
		return DefaultListLimit
	}
	return limit
}

func sortNewestFirst(runs []*loadtest.RunState) {
	sort.SliceStable(runs, func(i, j int) bool {
		return runs[i].StartedAt.After(runs[j].StartedAt)
	})
}
