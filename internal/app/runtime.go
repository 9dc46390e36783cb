package app

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/jaakkos/codeloom/internal/domain"
	"github.com/jaakkos/codeloom/internal/editplan"
	"github.com/jaakkos/codeloom/internal/lock"
	"github.com/jaakkos/codeloom/internal/metrics"
	"github.com/jaakkos/codeloom/internal/opqueue"
	"github.com/jaakkos/codeloom/internal/worker"
)

// Listener is told about worker lifecycle events and plan results
// (e.g. Notifier).
type Listener interface {
	WorkerEvent(ev domain.WorkerEvent)
	PlanResult(res *domain.EditPlanResult)
}

// Runtime owns the process-wide components: the worker registry and its
// reaper, the lock manager, the operation queue and the edit-plan
// coordinator. ResolveWorker and ApplyPlan are its entry points.
type Runtime struct {
	policy  Policy
	journal Journal
	logger  *log.Logger

	locks    *lock.Manager
	queue    *opqueue.Queue
	reaper   *worker.Reaper
	registry *worker.Registry
	watcher  *worker.BinaryWatcher
	coord    *editplan.Coordinator
	watchdog *Watchdog

	mu        sync.Mutex
	listeners []Listener
	cancel    context.CancelFunc
	started   bool
	stopped   bool
	startedAt time.Time
	bg        sync.WaitGroup
}

// NewRuntime builds the runtime from pol. Nothing is spawned until the
// first resolution; call Start to run the background loops.
func NewRuntime(pol Policy, journal Journal, logger *log.Logger) (*Runtime, error) {
	if logger == nil {
		logger = log.New(io.Discard, "", 0)
	}
	descs, err := pol.Descriptors()
	if err != nil {
		return nil, fmt.Errorf("worker descriptors: %w", err)
	}
	rt := &Runtime{policy: pol, journal: journal, logger: logger}

	rt.locks = lock.NewManager(
		lock.WithTimeout(pol.LockTimeout()),
		lock.WithLogger(logger),
		lock.WithObserver(metrics.LockObserver()),
	)

	qc := pol.Queue()
	perKind := opqueue.DefaultConfig().PerKind
	if len(qc.PerKind) > 0 {
		perKind = make(map[domain.OperationKind]int, len(qc.PerKind))
		for k, n := range qc.PerKind {
			perKind[domain.OperationKind(k)] = n
		}
	}
	rt.queue = opqueue.New(opqueue.Config{
		MaxQueued:     qc.MaxQueued,
		MaxConcurrent: qc.MaxConcurrent,
		PerKind:       perKind,
		OpTimeout:     time.Duration(qc.OperationTimeoutSeconds) * time.Second,
	}, opqueue.WithLogger(logger), opqueue.WithObserver(metrics.QueueObserver(rt.QueueStats)))

	rc := pol.Reaper()
	var reg *worker.Registry
	rt.reaper = worker.NewReaper(logger,
		worker.WithReapInterval(time.Duration(rc.IntervalMs)*time.Millisecond),
		worker.WithReapCallback(func(inst *worker.Instance, reason string) { reg.Reaped(inst, reason) }),
	)
	reg = worker.NewRegistry(worker.Config{
		Workspace:       pol.WorkspaceRoot(),
		Descriptors:     descs,
		Logger:          logger,
		Reaper:          rt.reaper,
		Cooldown:        time.Duration(rc.CooldownSeconds) * time.Second,
		RestartInterval: time.Duration(rc.RestartIntervalSeconds) * time.Second,
		RestartBurst:    rc.RestartBurst,
		Observer:        metrics.RPCObserver(),
		OnEvent:         rt.workerEvent,
	})
	rt.registry = reg
	if rc.WatchBinaries {
		rt.watcher = worker.NewBinaryWatcher(reg, logger)
	}

	var pj editplan.Journal
	if journal != nil {
		pj = journal
	}
	rt.coord = editplan.New(editplan.Config{
		Locks:       rt.locks,
		Queue:       rt.queue,
		Paths:       pol,
		Journal:     pj,
		Logger:      logger,
		LockTimeout: pol.LockTimeout(),
		Observer:    rt.planResult,
	})
	maxRecords, maxAge := pol.JournalRetention()
	rt.watchdog = NewWatchdog(reg, rt.queue, journal, logger,
		WithHungThreshold(time.Duration(rc.HungWorkerSeconds)*time.Second),
		WithRetention(maxRecords, maxAge, 0),
	)
	return rt, nil
}

// AddListener registers l for worker events and plan results.
func (rt *Runtime) AddListener(l Listener) {
	rt.mu.Lock()
	defer rt.mu.Unlock()
	rt.listeners = append(rt.listeners, l)
}

func (rt *Runtime) snapshotListeners() []Listener {
	rt.mu.Lock()
	defer rt.mu.Unlock()
	return append([]Listener(nil), rt.listeners...)
}

// QueueStats returns the operation queue counters.
func (rt *Runtime) QueueStats() domain.QueueStats {
	if rt.queue == nil {
		return domain.QueueStats{}
	}
	return rt.queue.Stats()
}

// RunningWorkers returns the names of workers with a live instance.
func (rt *Runtime) RunningWorkers() []string {
	return rt.registry.RunningWorkers()
}

func (rt *Runtime) workerEvent(ev domain.WorkerEvent) {
	metrics.ObserveWorkerEvent(ev)
	if rt.journal != nil {
		if err := rt.journal.RecordWorkerEvent(context.Background(), ev); err != nil {
			rt.logger.Printf("Runtime: journal worker event: %v", err)
		}
	}
	for _, l := range rt.snapshotListeners() {
		l.WorkerEvent(ev)
	}
}

func (rt *Runtime) planResult(res *domain.EditPlanResult) {
	metrics.ObservePlan(res)
	for _, l := range rt.snapshotListeners() {
		l.PlanResult(res)
	}
}

// Start runs the reaper, the binary watcher and the watchdog until Stop.
func (rt *Runtime) Start(ctx context.Context) {
	rt.mu.Lock()
	if rt.started || rt.stopped {
		rt.mu.Unlock()
		return
	}
	rt.started = true
	rt.startedAt = time.Now()
	ctx, rt.cancel = context.WithCancel(ctx)
	rt.mu.Unlock()

	rt.reaper.Start(ctx)
	if rt.watcher != nil {
		rt.bg.Add(1)
		go func() {
			defer rt.bg.Done()
			rt.watcher.Start(ctx)
		}()
	}
	rt.bg.Add(1)
	go func() {
		defer rt.bg.Done()
		rt.watchdog.Start(ctx)
	}()
	rt.logger.Printf("Runtime: started with %d worker(s), workspace %s", len(rt.registry.Descriptors()), rt.policy.WorkspaceRoot())
}

// Stop stops admitting work, waits for running operations, terminates
// every worker and closes the journal. It is safe to call more than once.
func (rt *Runtime) Stop(ctx context.Context) error {
	rt.mu.Lock()
	if rt.stopped {
		rt.mu.Unlock()
		return nil
	}
	rt.stopped = true
	started := rt.started
	cancel := rt.cancel
	rt.mu.Unlock()

	if started {
		cancel()
		rt.reaper.Stop()
		rt.bg.Wait()
	}

	var g errgroup.Group
	g.Go(func() error { return rt.queue.Close(ctx) })
	g.Go(func() error { return rt.registry.Shutdown(ctx) })
	err := g.Wait()
	if rt.journal != nil {
		err = errors.Join(err, rt.journal.Close())
	}
	rt.logger.Printf("Runtime: stopped")
	return err
}

// ResolveWorker returns a handle to a live worker serving key (a worker
// name, language id, extension or file path) with capability. An empty
// capability matches any worker.
func (rt *Runtime) ResolveWorker(ctx context.Context, key string, capability domain.Capability) (*worker.Handle, error) {
	return rt.registry.Resolve(ctx, key, capability)
}

// ApplyPlan previews or applies plan through the coordinator.
func (rt *Runtime) ApplyPlan(ctx context.Context, plan *domain.EditPlan, dryRun bool) (*domain.EditPlanResult, error) {
	return rt.coord.Apply(ctx, plan, dryRun)
}

// Policy returns the configuration port.
func (rt *Runtime) Policy() Policy { return rt.policy }

// Journal returns the journal, or nil.
func (rt *Runtime) Journal() Journal { return rt.journal }

// Registry returns the worker registry.
func (rt *Runtime) Registry() *worker.Registry { return rt.registry }

// Locks returns the lock manager.
func (rt *Runtime) Locks() *lock.Manager { return rt.locks }

// Queue returns the operation queue.
func (rt *Runtime) Queue() *opqueue.Queue { return rt.queue }

// Watchdog returns the runtime's watchdog.
func (rt *Runtime) Watchdog() *Watchdog { return rt.watchdog }

// StartedAt returns when Start ran, or the zero time.
func (rt *Runtime) StartedAt() time.Time {
	rt.mu.Lock()
	defer rt.mu.Unlock()
	return rt.startedAt
}

// Status is a point-in-time view of the runtime for status surfaces.
type Status struct {
	Workspace string                  `json:"workspace"`
	StartedAt time.Time               `json:"started_at"`
	Workers   []domain.WorkerSnapshot `json:"workers"`
	Locks     []domain.LockInfo       `json:"locks"`
	Queue     domain.QueueStats       `json:"queue"`
}

// Status reports workers, locks and queue counters.
func (rt *Runtime) Status() Status {
	return Status{
		Workspace: rt.policy.WorkspaceRoot(),
		StartedAt: rt.StartedAt(),
		Workers:   rt.registry.Snapshot(),
		Locks:     rt.locks.Snapshot(),
		Queue:     rt.queue.Stats(),
	}
}
