// Package opqueue admits high-level operations (plan applications, moves,
// formatting runs) and bounds how many of each kind run at once. Operations
// of one kind start in the order they were enqueued.
package opqueue

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/semaphore"

	"github.com/jaakkos/codeloom/internal/domain"
)

const (
	DefaultMaxQueued     = 1000
	DefaultMaxConcurrent = 8
	DefaultOpTimeout     = 5 * time.Minute

	// maxFinished caps finished entries kept for Report.
	maxFinished = 256
)

// ErrClosed is returned by Enqueue after Close.
var ErrClosed = errors.New("operation queue closed")

// Config bounds the queue.
type Config struct {
	// MaxQueued caps entries waiting to start. Zero means DefaultMaxQueued.
	MaxQueued int
	// MaxConcurrent caps running operations of all kinds.
	MaxConcurrent int
	// PerKind caps running operations of one kind. Kinds not listed are
	// limited by MaxConcurrent only.
	PerKind   map[domain.OperationKind]int
	OpTimeout time.Duration
}

// DefaultConfig returns the limits used when none are configured: writes
// that touch many files run one or two at a time, reads are unbounded
// below the global cap.
func DefaultConfig() Config {
	return Config{
		MaxQueued:     DefaultMaxQueued,
		MaxConcurrent: DefaultMaxConcurrent,
		PerKind: map[domain.OperationKind]int{
			domain.OpRefactor: 2,
			domain.OpRename:   1,
			domain.OpDelete:   2,
			domain.OpFormat:   4,
			domain.OpWrite:    4,
		},
		OpTimeout: DefaultOpTimeout,
	}
}

// Operation is a unit of work submitted to the queue.
type Operation struct {
	Kind    domain.OperationKind
	Targets []string
	Run     func(ctx context.Context) error
}

// Observer is told about each finished operation.
type Observer func(kind domain.OperationKind, waited, ran time.Duration, err error)

type record struct {
	entry  domain.QueueEntry
	op     Operation
	ctx    context.Context
	done   chan struct{}
	err    error
	handle *Handle
}

// Handle refers to one enqueued operation.
type Handle struct {
	q   *Queue
	rec *record
}

// ID returns the operation id.
func (h *Handle) ID() string { return h.rec.entry.ID }

// Done is closed when the operation finishes or is abandoned.
func (h *Handle) Done() <-chan struct{} { return h.rec.done }

// Entry returns a copy of the operation's current queue entry.
func (h *Handle) Entry() domain.QueueEntry {
	h.q.mu.Lock()
	defer h.q.mu.Unlock()
	return cloneEntry(h.rec.entry)
}

// Wait blocks until the operation finishes and returns its error. If ctx
// ends first the operation keeps its place and ctx's error is returned.
func (h *Handle) Wait(ctx context.Context) error {
	select {
	case <-h.rec.done:
		h.q.mu.Lock()
		defer h.q.mu.Unlock()
		return h.rec.err
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Queue is the operation queue.
type Queue struct {
	cfg      Config
	logger   *log.Logger
	observer Observer

	global  *semaphore.Weighted
	perKind map[domain.OperationKind]*semaphore.Weighted

	mu       sync.Mutex
	closed   bool
	waiting  []*record
	entries  map[string]*record
	finished []string
	stats    domain.QueueStats
	wg       sync.WaitGroup
}

// Option configures a Queue.
type Option func(*Queue)

// WithLogger sets the logger.
func WithLogger(l *log.Logger) Option {
	return func(q *Queue) { q.logger = l }
}

// WithObserver installs a completion observer (metrics).
func WithObserver(o Observer) Option {
	return func(q *Queue) { q.observer = o }
}

// New creates a queue with cfg, filling zero fields from DefaultConfig.
func New(cfg Config, opts ...Option) *Queue {
	def := DefaultConfig()
	if cfg.MaxQueued <= 0 {
		cfg.MaxQueued = def.MaxQueued
	}
	if cfg.MaxConcurrent <= 0 {
		cfg.MaxConcurrent = def.MaxConcurrent
	}
	if cfg.PerKind == nil {
		cfg.PerKind = def.PerKind
	}
	if cfg.OpTimeout <= 0 {
		cfg.OpTimeout = def.OpTimeout
	}
	q := &Queue{
		cfg:     cfg,
		logger:  log.New(io.Discard, "", 0),
		global:  semaphore.NewWeighted(int64(cfg.MaxConcurrent)),
		perKind: make(map[domain.OperationKind]*semaphore.Weighted),
		entries: make(map[string]*record),
	}
	for kind, n := range cfg.PerKind {
		if n > 0 {
			q.perKind[kind] = semaphore.NewWeighted(int64(n))
		}
	}
	for _, o := range opts {
		o(q)
	}
	return q
}

// Enqueue admits op and returns its handle. The operation runs with a
// context derived from ctx and bounded by the configured operation timeout;
// if ctx ends while the operation is still queued it is dropped and fails
// with ctx's error. A full queue returns domain.ErrQueueFull.
func (q *Queue) Enqueue(ctx context.Context, op Operation) (*Handle, error) {
	if op.Run == nil {
		return nil, fmt.Errorf("enqueue %s: nil operation", op.Kind)
	}
	if op.Kind == "" {
		op.Kind = domain.OpWrite
	}

	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		return nil, ErrClosed
	}
	if len(q.waiting) >= q.cfg.MaxQueued {
		q.mu.Unlock()
		return nil, domain.NewError(domain.ErrQueueFull, "enqueue", string(op.Kind),
			fmt.Errorf("%d operations waiting", q.cfg.MaxQueued))
	}
	rec := &record{
		entry: domain.QueueEntry{
			ID:         uuid.NewString(),
			Kind:       op.Kind,
			Targets:    append([]string(nil), op.Targets...),
			Status:     domain.StatusQueued,
			EnqueuedAt: time.Now(),
		},
		op:   op,
		ctx:  ctx,
		done: make(chan struct{}),
	}
	rec.handle = &Handle{q: q, rec: rec}
	q.entries[rec.entry.ID] = rec
	q.waiting = append(q.waiting, rec)
	q.stats.Queued++
	if ctx.Done() != nil {
		q.wg.Add(1)
		go q.watchQueued(rec)
	}
	q.pumpLocked()
	q.mu.Unlock()
	return rec.handle, nil
}

// Submit enqueues op and waits for it.
func (q *Queue) Submit(ctx context.Context, op Operation) error {
	h, err := q.Enqueue(ctx, op)
	if err != nil {
		return err
	}
	return h.Wait(ctx)
}

// watchQueued drops rec if its context ends before it starts.
func (q *Queue) watchQueued(rec *record) {
	defer q.wg.Done()
	select {
	case <-rec.done:
		return
	case <-rec.ctx.Done():
	}
	q.mu.Lock()
	defer q.mu.Unlock()
	if rec.entry.Status != domain.StatusQueued {
		return
	}
	for i, r := range q.waiting {
		if r == rec {
			q.waiting = append(q.waiting[:i], q.waiting[i+1:]...)
			break
		}
	}
	q.stats.Queued--
	q.finishLocked(rec, rec.ctx.Err())
}

// pumpLocked starts every waiting operation that fits under its caps,
// scanning in enqueue order. A kind at its cap does not hold back other kinds.
func (q *Queue) pumpLocked() {
	if q.closed {
		return
	}
	kept := q.waiting[:0]
	globalFull := false
	for _, rec := range q.waiting {
		if globalFull || !q.tryStartLocked(rec) {
			kept = append(kept, rec)
			continue
		}
		globalFull = q.stats.Running >= q.cfg.MaxConcurrent
	}
	for i := len(kept); i < len(q.waiting); i++ {
		q.waiting[i] = nil
	}
	q.waiting = kept
}

func (q *Queue) tryStartLocked(rec *record) bool {
	kindSem := q.perKind[rec.entry.Kind]
	if kindSem != nil && !kindSem.TryAcquire(1) {
		return false
	}
	if !q.global.TryAcquire(1) {
		if kindSem != nil {
			kindSem.Release(1)
		}
		return false
	}
	rec.entry.Status = domain.StatusRunning
	rec.entry.StartedAt = time.Now()
	if wait := rec.entry.StartedAt.Sub(rec.entry.EnqueuedAt); wait > q.stats.MaxWait {
		q.stats.MaxWait = wait
	}
	q.stats.Queued--
	q.stats.Running++
	q.wg.Add(1)
	go q.run(rec, kindSem)
	return true
}

func (q *Queue) run(rec *record, kindSem *semaphore.Weighted) {
	defer q.wg.Done()
	ctx, cancel := context.WithTimeout(rec.ctx, q.cfg.OpTimeout)
	err := runSafely(ctx, rec.op.Run)
	if err != nil && rec.ctx.Err() == nil && errors.Is(ctx.Err(), context.DeadlineExceeded) {
		err = domain.NewError(domain.ErrTimeout, "operation", string(rec.entry.Kind),
			fmt.Errorf("exceeded %s: %w", q.cfg.OpTimeout, err))
	}
	cancel()

	q.global.Release(1)
	if kindSem != nil {
		kindSem.Release(1)
	}

	q.mu.Lock()
	q.stats.Running--
	q.finishLocked(rec, err)
	q.pumpLocked()
	q.mu.Unlock()
}

func runSafely(ctx context.Context, fn func(context.Context) error) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("operation panicked: %v", r)
		}
	}()
	return fn(ctx)
}

func (q *Queue) finishLocked(rec *record, err error) {
	rec.err = err
	rec.entry.FinishedAt = time.Now()
	if err != nil {
		rec.entry.Status = domain.StatusFailed
		rec.entry.Error = err.Error()
		q.stats.Failed++
	} else {
		rec.entry.Status = domain.StatusDone
		q.stats.Completed++
	}
	q.finished = append(q.finished, rec.entry.ID)
	if n := len(q.finished) - maxFinished; n > 0 {
		for _, id := range q.finished[:n] {
			delete(q.entries, id)
		}
		q.finished = append(q.finished[:0], q.finished[n:]...)
	}
	close(rec.done)

	var waited, ran time.Duration
	if rec.entry.StartedAt.IsZero() {
		waited = rec.entry.FinishedAt.Sub(rec.entry.EnqueuedAt)
	} else {
		waited = rec.entry.StartedAt.Sub(rec.entry.EnqueuedAt)
		ran = rec.entry.FinishedAt.Sub(rec.entry.StartedAt)
	}
	if err != nil {
		q.logger.Printf("OpQueue: %s %s failed after %s: %v", rec.entry.Kind, rec.entry.ID, ran.Round(time.Millisecond), err)
	}
	if q.observer != nil {
		q.observer(rec.entry.Kind, waited, ran, err)
	}
}

// Stats returns the current counters. Completed and Failed are cumulative.
func (q *Queue) Stats() domain.QueueStats {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.stats
}

// Report returns every tracked entry ordered by enqueue time and purges the
// finished ones, so each finished entry is reported exactly once.
func (q *Queue) Report() []domain.QueueEntry {
	q.mu.Lock()
	defer q.mu.Unlock()
	out := make([]domain.QueueEntry, 0, len(q.entries))
	for _, rec := range q.entries {
		out = append(out, cloneEntry(rec.entry))
	}
	for _, id := range q.finished {
		delete(q.entries, id)
	}
	q.finished = q.finished[:0]
	sort.SliceStable(out, func(i, j int) bool { return out[i].EnqueuedAt.Before(out[j].EnqueuedAt) })
	return out
}

// Running returns the running entries ordered by start time. Unlike Report
// it purges nothing.
func (q *Queue) Running() []domain.QueueEntry {
	q.mu.Lock()
	defer q.mu.Unlock()
	var out []domain.QueueEntry
	for _, rec := range q.entries {
		if rec.entry.Status == domain.StatusRunning {
			out = append(out, cloneEntry(rec.entry))
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].StartedAt.Before(out[j].StartedAt) })
	return out
}

// Close stops admitting operations, fails everything still queued and waits
// for running operations to finish or ctx to end.
func (q *Queue) Close(ctx context.Context) error {
	q.mu.Lock()
	if !q.closed {
		q.closed = true
		for _, rec := range q.waiting {
			q.stats.Queued--
			q.finishLocked(rec, ErrClosed)
		}
		q.waiting = nil
	}
	q.mu.Unlock()

	done := make(chan struct{})
	go func() {
		q.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("close operation queue: %w", ctx.Err())
	}
}

func cloneEntry(e domain.QueueEntry) domain.QueueEntry {
	e.Targets = append([]string(nil), e.Targets...)
	return e
}
