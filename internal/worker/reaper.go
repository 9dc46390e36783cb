package worker

import (
	"context"
	"io"
	"log"
	"sync"
	"time"
	"weak"

	"github.com/jaakkos/codeloom/internal/domain"
)

const defaultReapInterval = 100 * time.Millisecond

// Reaper periodically checks tracked instances for processes that died or
// went silent without the supervisor being told, and reclaims them so no
// request is written to a dead process. It holds weak references: an
// instance nobody else references is simply forgotten.
type Reaper struct {
	logger   *log.Logger
	interval time.Duration
	onReap   func(inst *Instance, reason string)

	mu      sync.Mutex
	tracked map[uint64]weak.Pointer[Instance]
	nextKey uint64

	started  bool
	stopOnce sync.Once
	stopCh   chan struct{}
	doneCh   chan struct{}
}

// ReaperOption configures the reaper.
type ReaperOption func(*Reaper)

// WithReapInterval sets the sweep interval.
func WithReapInterval(d time.Duration) ReaperOption {
	return func(r *Reaper) {
		if d > 0 {
			r.interval = d
		}
	}
}

// WithReapCallback is called for every instance a sweep reclaims.
func WithReapCallback(fn func(inst *Instance, reason string)) ReaperOption {
	return func(r *Reaper) { r.onReap = fn }
}

// NewReaper creates a reaper. Call Start to run it.
func NewReaper(logger *log.Logger, opts ...ReaperOption) *Reaper {
	if logger == nil {
		logger = log.New(io.Discard, "", 0)
	}
	r := &Reaper{
		logger:   logger,
		interval: defaultReapInterval,
		tracked:  make(map[uint64]weak.Pointer[Instance]),
		stopCh:   make(chan struct{}),
		doneCh:   make(chan struct{}),
	}
	for _, o := range opts {
		o(r)
	}
	return r
}

// Track adds inst to the sweep set.
func (r *Reaper) Track(inst *Instance) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.nextKey++
	r.tracked[r.nextKey] = weak.Make(inst)
}

// Tracked returns how many instances are in the sweep set.
func (r *Reaper) Tracked() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.tracked)
}

// Start runs the sweep loop until ctx is cancelled or Stop is called.
func (r *Reaper) Start(ctx context.Context) {
	r.mu.Lock()
	if r.started {
		r.mu.Unlock()
		return
	}
	r.started = true
	r.mu.Unlock()

	go func() {
		defer close(r.doneCh)
		ticker := time.NewTicker(r.interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-r.stopCh:
				return
			case <-ticker.C:
				r.SweepOnce()
			}
		}
	}()
}

// Stop ends the sweep loop and waits for it.
func (r *Reaper) Stop() {
	r.stopOnce.Do(func() { close(r.stopCh) })
	r.mu.Lock()
	started := r.started
	r.mu.Unlock()
	if started {
		<-r.doneCh
	}
}

// SweepOnce runs one sweep and returns how many instances it reclaimed.
func (r *Reaper) SweepOnce() int {
	r.mu.Lock()
	candidates := make(map[uint64]*Instance, len(r.tracked))
	for key, wp := range r.tracked {
		inst := wp.Value()
		if inst == nil {
			delete(r.tracked, key)
			continue
		}
		candidates[key] = inst
	}
	r.mu.Unlock()

	reclaimed := 0
	var forget []uint64
	for key, inst := range candidates {
		switch reason := r.inspect(inst); {
		case reason != "":
			if inst.reclaim(reason) {
				reclaimed++
				r.logger.Printf("Reaper: reclaimed %s (pid %d, gen %d): %s", inst.Name(), inst.PID(), inst.Generation(), reason)
				if r.onReap != nil {
					r.onReap(inst, reason)
				}
			}
			forget = append(forget, key)
		case finished(inst):
			forget = append(forget, key)
		}
	}

	if len(forget) > 0 {
		r.mu.Lock()
		for _, key := range forget {
			delete(r.tracked, key)
		}
		r.mu.Unlock()
	}
	return reclaimed
}

// inspect returns why a live instance must be reclaimed, or "".
func (r *Reaper) inspect(inst *Instance) string {
	if !inst.markedLive() {
		return ""
	}
	if inst.processGone() {
		return "process exited"
	}
	select {
	case <-inst.conn.ReadDone():
		return "output stream closed"
	default:
	}
	return ""
}

func finished(inst *Instance) bool {
	select {
	case <-inst.Exited():
	default:
		return false
	}
	st := inst.State()
	return st == domain.WorkerGone || st == domain.WorkerCrashed
}
