// Package app wires the worker registry, lock manager, operation queue and
// edit-plan coordinator into the runtime behind the tool surface, and
// defines its ports (repository and policy interfaces).
package app

import (
	"context"
	"time"

	"github.com/jaakkos/codeloom/internal/domain"
)

// Journal persists edit-plan results and worker lifecycle events.
// Implementation: internal/repository/sqlite.
type Journal interface {
	RecordPlan(ctx context.Context, rec domain.PlanRecord) error
	ListPlans(ctx context.Context, limit int) ([]domain.PlanRecord, error)
	RecordWorkerEvent(ctx context.Context, ev domain.WorkerEvent) error
	ListWorkerEvents(ctx context.Context, worker string, limit int) ([]domain.WorkerEvent, error)
	Prune(ctx context.Context, keep int, maxAge time.Duration) (int64, error)
	Close() error
}
