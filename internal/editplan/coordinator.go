// Package editplan applies worker-proposed edit plans to the workspace.
//
// A plan is admitted through the operation queue, takes Exclusive locks on
// every path it touches in canonical order, applies its edits in plan order
// and always releases the locks. Edits are best effort by default: a failed
// file is reported in the result and the remaining edits still run. Atomic
// plans restore every touched file when any edit fails. Dry runs take no
// locks and write nothing.
package editplan

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log"
	"path/filepath"
	"time"

	"github.com/google/uuid"

	"github.com/jaakkos/codeloom/internal/domain"
	"github.com/jaakkos/codeloom/internal/lock"
	"github.com/jaakkos/codeloom/internal/opqueue"
)

// PathValidator maps a plan path to an absolute path inside the workspace.
// policy.Policy implements it.
type PathValidator interface {
	ValidatePath(path string) (string, error)
}

// Journal records applied and previewed plans.
type Journal interface {
	RecordPlan(ctx context.Context, rec domain.PlanRecord) error
}

// Config wires a Coordinator to its collaborators. Locks is required.
type Config struct {
	Locks *lock.Manager
	// Queue admits non-dry-run plans; nil runs them inline.
	Queue *opqueue.Queue
	Paths PathValidator
	// Journal, when set, receives every result.
	Journal Journal
	Logger  *log.Logger
	// LockTimeout bounds the wait for a plan's locks.
	LockTimeout time.Duration
	// Observer is told about every result (metrics).
	Observer func(*domain.EditPlanResult)
}

// Coordinator applies edit plans.
type Coordinator struct {
	cfg    Config
	logger *log.Logger

	// beforeEdit runs with the plan's locks held, just before each edit.
	beforeEdit func(path string)
}

// New creates a coordinator.
func New(cfg Config) *Coordinator {
	if cfg.Logger == nil {
		cfg.Logger = log.New(io.Discard, "", 0)
	}
	if cfg.Locks == nil {
		cfg.Locks = lock.NewManager(lock.WithLogger(cfg.Logger))
	}
	if cfg.LockTimeout <= 0 {
		cfg.LockTimeout = lock.DefaultTimeout
	}
	return &Coordinator{cfg: cfg, logger: cfg.Logger}
}

// Apply previews or applies plan. dryRun (or plan.DryRun) previews without
// taking locks or writing. Per-file failures are reported in the result
// with Success false; lock timeouts, queue rejections and invalid plans are
// returned as errors.
func (c *Coordinator) Apply(ctx context.Context, plan *domain.EditPlan, dryRun bool) (*domain.EditPlanResult, error) {
	if plan == nil {
		return nil, errors.New("apply: nil plan")
	}
	dryRun = dryRun || plan.DryRun
	start := time.Now()
	id := plan.ID
	if id == "" {
		id = uuid.NewString()
	}
	res := &domain.EditPlanResult{
		PlanID:        id,
		DryRun:        dryRun,
		ModifiedFiles: []string{},
		Metadata:      plan.Metadata,
	}
	if len(plan.Edits) == 0 {
		res.Success = true
		return c.finish(ctx, res, start), nil
	}

	edits, invalid := c.resolve(plan.Edits)

	if dryRun {
		for _, e := range edits {
			if e.abs == "" {
				res.Previews = append(res.Previews, domain.FilePreview{Path: e.Path, Kind: e.EffectiveKind(), NewPath: e.NewPath, Error: invalid[e.Path]})
				res.Errors = append(res.Errors, fmt.Sprintf("%s: %s", e.Path, invalid[e.Path]))
				continue
			}
			p := preview(e)
			if p.Error != "" {
				res.Errors = append(res.Errors, fmt.Sprintf("%s: %s", e.Path, p.Error))
			}
			res.Previews = append(res.Previews, p)
		}
		res.Success = len(res.Errors) == 0
		c.logger.Printf("EditPlan[%s]: previewed %d edit(s), %d error(s)", id, len(edits), len(res.Errors))
		return c.finish(ctx, res, start), nil
	}

	if plan.Atomic && len(invalid) > 0 {
		for _, e := range edits {
			if e.abs == "" {
				res.Errors = append(res.Errors, fmt.Sprintf("%s: %s", e.Path, invalid[e.Path]))
			}
		}
		return c.finish(ctx, res, start), nil
	}

	var keys []string
	for _, e := range edits {
		if e.abs != "" {
			keys = append(keys, e.abs)
		}
		if e.absNew != "" {
			keys = append(keys, e.absNew)
		}
	}

	run := func(ctx context.Context) error {
		if err := c.applyLocked(ctx, id, plan.Atomic, edits, invalid, keys, res); err != nil {
			return err
		}
		return domain.ResultError(res)
	}

	var err error
	if c.cfg.Queue != nil {
		var h *opqueue.Handle
		h, err = c.cfg.Queue.Enqueue(ctx, opqueue.Operation{Kind: domain.OpRefactor, Targets: keys, Run: run})
		if err == nil {
			// The operation owns res once it starts; wait for it even if
			// ctx ends so res is never read concurrently.
			err = h.Wait(context.WithoutCancel(ctx))
		}
	} else {
		err = run(ctx)
	}
	if err != nil && !errors.Is(err, domain.ErrPartialApplyFailure) {
		c.logger.Printf("EditPlan[%s]: %v", id, err)
		return nil, err
	}
	return c.finish(ctx, res, start), nil
}

// resolve validates each edit's paths. Edits that fail validation keep an
// empty abs and their error in invalid, keyed by plan path.
func (c *Coordinator) resolve(edits []domain.FileEdit) ([]resolvedEdit, map[string]string) {
	out := make([]resolvedEdit, 0, len(edits))
	invalid := make(map[string]string)
	for _, e := range edits {
		r := resolvedEdit{FileEdit: e}
		abs, err := c.validate(e.Path)
		if err == nil && e.EffectiveKind() == domain.EditMove && e.NewPath != "" {
			r.absNew, err = c.validate(e.NewPath)
		}
		if err != nil {
			r.absNew = ""
			invalid[e.Path] = err.Error()
		} else {
			r.abs = abs
		}
		out = append(out, r)
	}
	return out, invalid
}

func (c *Coordinator) validate(path string) (string, error) {
	if path == "" {
		return "", errors.New("empty path")
	}
	if c.cfg.Paths != nil {
		return c.cfg.Paths.ValidatePath(path)
	}
	return filepath.Abs(path)
}

// applyLocked acquires the plan's locks, applies every edit and releases
// the locks. Only a lock failure is returned; edit failures land in res.
func (c *Coordinator) applyLocked(ctx context.Context, id string, atomic bool, edits []resolvedEdit, invalid map[string]string, keys []string, res *domain.EditPlanResult) error {
	lockCtx, cancel := context.WithTimeout(ctx, c.cfg.LockTimeout)
	guard, err := c.cfg.Locks.Acquire(lockCtx, keys, lock.Exclusive)
	cancel()
	if err != nil {
		return err
	}
	defer guard.Release()
	c.logger.Printf("EditPlan[%s]: locked %d path(s)", id, len(guard.Keys()))

	var snaps []snapshot
	if atomic {
		seen := make(map[string]bool)
		for _, k := range keys {
			if seen[k] {
				continue
			}
			seen[k] = true
			s, err := takeSnapshot(k)
			if err != nil {
				res.Errors = append(res.Errors, fmt.Sprintf("snapshot: %v", err))
				return nil
			}
			snaps = append(snaps, s)
		}
	}

	for _, e := range edits {
		if e.abs == "" {
			res.Errors = append(res.Errors, fmt.Sprintf("%s: %s", e.Path, invalid[e.Path]))
			continue
		}
		if c.beforeEdit != nil {
			c.beforeEdit(e.abs)
		}
		changed, err := applyEdit(e)
		res.ModifiedFiles = append(res.ModifiedFiles, changed...)
		if err != nil {
			res.Errors = append(res.Errors, fmt.Sprintf("%s: %v", e.Path, err))
			if atomic {
				break
			}
		}
	}

	if atomic && len(res.Errors) > 0 {
		for i := len(snaps) - 1; i >= 0; i-- {
			if err := snaps[i].restore(); err != nil {
				res.Errors = append(res.Errors, fmt.Sprintf("rollback %s: %v", snaps[i].path, err))
			}
		}
		res.RolledBack = true
		res.ModifiedFiles = []string{}
		c.logger.Printf("EditPlan[%s]: rolled back after %d error(s)", id, len(res.Errors))
		return nil
	}
	if len(res.Errors) > 0 {
		c.logger.Printf("EditPlan[%s]: partially applied, %d file(s) modified, %d error(s)", id, len(res.ModifiedFiles), len(res.Errors))
	} else {
		c.logger.Printf("EditPlan[%s]: committed %d file(s)", id, len(res.ModifiedFiles))
	}
	return nil
}

func (c *Coordinator) finish(ctx context.Context, res *domain.EditPlanResult, start time.Time) *domain.EditPlanResult {
	res.Success = len(res.Errors) == 0
	res.Duration = time.Since(start)
	if c.cfg.Journal != nil {
		if err := c.cfg.Journal.RecordPlan(context.WithoutCancel(ctx), domain.NewPlanRecord(res, time.Now())); err != nil {
			c.logger.Printf("EditPlan[%s]: journal: %v", res.PlanID, err)
		}
	}
	if c.cfg.Observer != nil {
		c.cfg.Observer(res)
	}
	return res
}
