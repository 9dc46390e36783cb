package repository

import (
	"context"
	"time"

	"github.com/jaakkos/codeloom/internal/app"
	"github.com/jaakkos/codeloom/internal/domain"
	"github.com/jaakkos/codeloom/internal/repository/sqlite"
)

// NewJournal returns a Journal backed by SQLite at the given path.
// The path is typically from policy.StateFile() (default
// ~/.config/codeloom/journal.sqlite). An empty path returns a journal that
// keeps nothing.
func NewJournal(path string) (app.Journal, error) {
	if path == "" {
		return Discard{}, nil
	}
	store, err := sqlite.New(path)
	if err != nil {
		return nil, err
	}
	return store, nil
}

// Discard is an app.Journal that records nothing.
type Discard struct{}

func (Discard) RecordPlan(context.Context, domain.PlanRecord) error { return nil }
func (Discard) ListPlans(context.Context, int) ([]domain.PlanRecord, error) {
	return nil, nil
}
func (Discard) RecordWorkerEvent(context.Context, domain.WorkerEvent) error { return nil }
func (Discard) ListWorkerEvents(context.Context, string, int) ([]domain.WorkerEvent, error) {
	return nil, nil
}
func (Discard) Prune(context.Context, int, time.Duration) (int64, error) { return 0, nil }
func (Discard) Close() error                                            { return nil }
