package app

import (
	"context"
	"io"
	"log"
	"sync"
	"time"

	"github.com/jaakkos/codeloom/internal/domain"
)

const (
	// defaultWatchdogInterval is how often the watchdog runs its checks.
	defaultWatchdogInterval = 30 * time.Second

	// defaultHungThreshold is how long a worker may hold in-flight requests
	// without writing any output before it is recycled.
	defaultHungThreshold = 5 * time.Minute

	// defaultSlowOpThreshold is how long a queued operation may run before
	// it is reported.
	defaultSlowOpThreshold = 2 * time.Minute

	// defaultPruneEvery is how often the journal is trimmed.
	defaultPruneEvery = time.Hour
)

// WorkerSource is the part of the worker registry the watchdog needs.
type WorkerSource interface {
	Snapshot() []domain.WorkerSnapshot
	Recycle(name string) error
}

// QueueSource is the part of the operation queue the watchdog needs.
type QueueSource interface {
	Running() []domain.QueueEntry
}

// busyMark remembers when a worker generation was first seen busy without
// producing output.
type busyMark struct {
	generation uint64
	lastOutput time.Time
	since      time.Time
}

// Watchdog watches for stuck work the reaper cannot see. It runs
// periodically and:
// - Recycles workers that hold in-flight requests but stopped writing output
// - Reports long-running queue operations
// - Trims the journal to its retention limits
type Watchdog struct {
	workers WorkerSource
	queue   QueueSource
	journal Journal
	logger  *log.Logger

	interval      time.Duration
	hungThresh    time.Duration
	slowOpThresh  time.Duration
	pruneEvery    time.Duration
	retentionMax  int
	retentionAge  time.Duration
	now           func() time.Time
	mu            sync.Mutex
	busy          map[string]busyMark
	reportedSlow  map[string]bool
	lastPrune     time.Time
	stopOnce      sync.Once
	stopCh        chan struct{}
	doneCh        chan struct{}
}

// WatchdogOption configures the watchdog.
type WatchdogOption func(*Watchdog)

// WithWatchdogInterval sets the check interval.
func WithWatchdogInterval(d time.Duration) WatchdogOption {
	return func(w *Watchdog) {
		if d > 0 {
			w.interval = d
		}
	}
}

// WithHungThreshold sets how long a busy worker may stay silent. Zero
// disables hung-worker recycling.
func WithHungThreshold(d time.Duration) WatchdogOption {
	return func(w *Watchdog) { w.hungThresh = d }
}

// WithSlowOpThreshold sets the threshold for reporting a running operation.
func WithSlowOpThreshold(d time.Duration) WatchdogOption {
	return func(w *Watchdog) { w.slowOpThresh = d }
}

// WithRetention sets the journal retention applied every pruneEvery.
func WithRetention(maxRecords int, maxAge, pruneEvery time.Duration) WatchdogOption {
	return func(w *Watchdog) {
		w.retentionMax = maxRecords
		w.retentionAge = maxAge
		if pruneEvery > 0 {
			w.pruneEvery = pruneEvery
		}
	}
}

// NewWatchdog creates a new Watchdog. journal may be nil.
func NewWatchdog(workers WorkerSource, queue QueueSource, journal Journal, logger *log.Logger, opts ...WatchdogOption) *Watchdog {
	if logger == nil {
		logger = log.New(io.Discard, "", 0)
	}
	w := &Watchdog{
		workers:      workers,
		queue:        queue,
		journal:      journal,
		logger:       logger,
		interval:     defaultWatchdogInterval,
		hungThresh:   defaultHungThreshold,
		slowOpThresh: defaultSlowOpThreshold,
		pruneEvery:   defaultPruneEvery,
		now:          time.Now,
		busy:         make(map[string]busyMark),
		reportedSlow: make(map[string]bool),
		stopCh:       make(chan struct{}),
		doneCh:       make(chan struct{}),
	}
	for _, o := range opts {
		o(w)
	}
	return w
}

// Start begins the watchdog loop. Returns when ctx is cancelled or Stop is called.
func (w *Watchdog) Start(ctx context.Context) {
	defer close(w.doneCh)
	w.logger.Printf("Watchdog: started (interval=%s, hung=%s, slow_op=%s)", w.interval, w.hungThresh, w.slowOpThresh)

	ticker := time.NewTicker(w.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			w.logger.Println("Watchdog: stopped (context cancelled)")
			return
		case <-w.stopCh:
			w.logger.Println("Watchdog: stopped")
			return
		case <-ticker.C:
			w.check(ctx)
		}
	}
}

// Stop signals the watchdog to stop and waits for Start to return.
func (w *Watchdog) Stop() {
	w.stopOnce.Do(func() { close(w.stopCh) })
	<-w.doneCh
}

// CheckOnce runs one watchdog cycle (for testing or manual trigger).
func (w *Watchdog) CheckOnce(ctx context.Context) {
	w.check(ctx)
}

func (w *Watchdog) check(ctx context.Context) {
	w.mu.Lock()
	defer w.mu.Unlock()
	now := w.now()

	if w.workers != nil && w.hungThresh > 0 {
		w.recycleHung(now)
	}
	if w.queue != nil {
		w.reportSlow(now)
	}
	if w.journal != nil && (w.retentionMax > 0 || w.retentionAge > 0) && now.Sub(w.lastPrune) >= w.pruneEvery {
		w.lastPrune = now
		n, err := PruneJournal(ctx, w.journal, w.retentionMax, w.retentionAge)
		if err != nil {
			w.logger.Printf("Watchdog: prune journal: %v", err)
		} else if n > 0 {
			w.logger.Printf("Watchdog: pruned %d journal record(s)", n)
		}
	}
}

func (w *Watchdog) recycleHung(now time.Time) {
	seen := make(map[string]bool)
	for _, snap := range w.workers.Snapshot() {
		live := snap.State == domain.WorkerReady.String() || snap.State == domain.WorkerBusy.String()
		if !live || snap.InFlight == 0 {
			continue
		}
		seen[snap.Name] = true
		mark, ok := w.busy[snap.Name]
		if !ok || mark.generation != snap.Generation || !mark.lastOutput.Equal(snap.LastOutputAt) {
			w.busy[snap.Name] = busyMark{generation: snap.Generation, lastOutput: snap.LastOutputAt, since: now}
			continue
		}
		if now.Sub(mark.since) < w.hungThresh {
			continue
		}
		w.logger.Printf("Watchdog: %s (gen %d) has %d request(s) in flight and no output for %s, recycling",
			snap.Name, snap.Generation, snap.InFlight, now.Sub(mark.since).Round(time.Second))
		if err := w.workers.Recycle(snap.Name); err != nil {
			w.logger.Printf("Watchdog: recycle %s: %v", snap.Name, err)
		}
		delete(w.busy, snap.Name)
	}
	for name := range w.busy {
		if !seen[name] {
			delete(w.busy, name)
		}
	}
}

// reportSlow logs each running operation once it passes the slow threshold.
// Finished entries stay in the queue for the queue_stats report.
func (w *Watchdog) reportSlow(now time.Time) {
	running := make(map[string]bool)
	for _, e := range w.queue.Running() {
		running[e.ID] = true
		if w.slowOpThresh <= 0 || w.reportedSlow[e.ID] || now.Sub(e.StartedAt) < w.slowOpThresh {
			continue
		}
		w.reportedSlow[e.ID] = true
		w.logger.Printf("Watchdog: %s operation %s running for %s on %d target(s)",
			e.Kind, e.ID, now.Sub(e.StartedAt).Round(time.Second), len(e.Targets))
	}
	for id := range w.reportedSlow {
		if !running[id] {
			delete(w.reportedSlow, id)
		}
	}
}

// SlowOperations returns the ids of running operations reported as slow.
func (w *Watchdog) SlowOperations() []string {
	w.mu.Lock()
	defer w.mu.Unlock()
	out := make([]string, 0, len(w.reportedSlow))
	for id := range w.reportedSlow {
		out = append(out, id)
	}
	return out
}
