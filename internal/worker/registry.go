// Package worker supervises out-of-process language workers: it spawns them,
// speaks JSON-RPC to them, detects crashes, and resolves capability requests
// to live instances.
package worker

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/singleflight"
	"golang.org/x/time/rate"

	"github.com/jaakkos/codeloom/internal/domain"
	"github.com/jaakkos/codeloom/internal/rpc"
)

const (
	defaultRetryDelay      = 500 * time.Millisecond
	maxRetryDelay          = 30 * time.Second
	defaultCooldown        = 30 * time.Second
	defaultRestartInterval = 10 * time.Second
	defaultRestartBurst    = 3
)

// Config configures a Registry.
type Config struct {
	Workspace   string
	Descriptors []domain.WorkerDescriptor
	Logger      *log.Logger
	// Reaper, when set, tracks every spawned instance.
	Reaper *Reaper
	// Cooldown is how long resolutions fail fast after a descriptor
	// exhausted its spawn retries.
	Cooldown time.Duration
	// RestartInterval and RestartBurst size the token bucket that crash
	// respawns draw from.
	RestartInterval time.Duration
	RestartBurst    int
	// Observer receives per-request outcomes (metrics).
	Observer rpc.Observer
	// OnEvent receives lifecycle events (journal, metrics).
	OnEvent func(domain.WorkerEvent)
}

type slot struct {
	desc        domain.WorkerDescriptor
	inst        *Instance
	generation  uint64
	restarts    int
	failures    int
	lastFailure time.Time
	lastErr     error
	crashed     bool
	budget      *rate.Limiter
}

// Registry resolves descriptor keys and capabilities to live instances. It
// keeps at most one live instance per descriptor.
type Registry struct {
	cfg     Config
	logger  *log.Logger
	group   singleflight.Group
	closing chan struct{}

	mu     sync.Mutex
	slots  map[string]*slot
	order  []string
	closed bool
}

// NewRegistry creates a registry for cfg.Descriptors. Nothing is spawned
// until the first resolution.
func NewRegistry(cfg Config) *Registry {
	if cfg.Logger == nil {
		cfg.Logger = log.New(io.Discard, "", 0)
	}
	if cfg.Cooldown <= 0 {
		cfg.Cooldown = defaultCooldown
	}
	if cfg.RestartInterval <= 0 {
		cfg.RestartInterval = defaultRestartInterval
	}
	if cfg.RestartBurst <= 0 {
		cfg.RestartBurst = defaultRestartBurst
	}
	r := &Registry{
		cfg:     cfg,
		logger:  cfg.Logger,
		closing: make(chan struct{}),
		slots:   make(map[string]*slot, len(cfg.Descriptors)),
	}
	for _, d := range cfg.Descriptors {
		if _, dup := r.slots[d.Name]; dup {
			r.logger.Printf("Registry: duplicate worker %q ignored", d.Name)
			continue
		}
		r.slots[d.Name] = &slot{
			desc:   d,
			budget: rate.NewLimiter(rate.Every(cfg.RestartInterval), cfg.RestartBurst),
		}
		r.order = append(r.order, d.Name)
	}
	return r
}

// Descriptors returns the registered descriptors in registration order.
func (r *Registry) Descriptors() []domain.WorkerDescriptor {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]domain.WorkerDescriptor, 0, len(r.order))
	for _, name := range r.order {
		out = append(out, r.slots[name].desc)
	}
	return out
}

// lookup finds the slot for key: an exact worker name first, then the first
// descriptor in registration order whose language or extension matches.
func (r *Registry) lookup(key string) (*slot, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if s, ok := r.slots[key]; ok {
		return s, true
	}
	for _, name := range r.order {
		if s := r.slots[name]; s.desc.Matches(key) {
			return s, true
		}
	}
	return nil, false
}

// Resolve returns a handle to a live instance serving key with capability,
// spawning the worker on first use. An empty capability matches any worker.
func (r *Registry) Resolve(ctx context.Context, key string, capability domain.Capability) (*Handle, error) {
	s, ok := r.lookup(key)
	if !ok {
		return nil, domain.NewError(domain.ErrCapabilityUnsupported, "resolve", key, errors.New("no worker registered"))
	}
	if !s.desc.Capabilities.Has(capability) {
		return nil, domain.NewError(domain.ErrCapabilityUnsupported, "resolve", s.desc.Name,
			fmt.Errorf("capability %q not declared", capability))
	}
	inst, err := r.ensure(ctx, s)
	if err != nil {
		return nil, err
	}
	caps := inst.Capabilities()
	if !caps.Has(capability) {
		return nil, domain.NewError(domain.ErrCapabilityUnsupported, "resolve", s.desc.Name,
			fmt.Errorf("capability %q not advertised", capability))
	}
	return &Handle{reg: r, name: s.desc.Name, generation: inst.Generation(), caps: caps}, nil
}

// ensure returns the slot's live instance, spawning one if needed.
// Concurrent callers for one descriptor share a single spawn.
func (r *Registry) ensure(ctx context.Context, s *slot) (*Instance, error) {
	name := s.desc.Name
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return nil, domain.NewError(domain.ErrSpawnFailed, "resolve", name, errors.New("registry closed"))
	}
	if s.inst != nil && s.inst.IsAlive() {
		inst := s.inst
		r.mu.Unlock()
		return inst, nil
	}
	if s.failures > maxRestarts(s.desc) {
		if wait := r.cfg.Cooldown - time.Since(s.lastFailure); wait > 0 {
			err := s.lastErr
			r.mu.Unlock()
			return nil, domain.NewError(domain.ErrSpawnFailed, "resolve", name,
				fmt.Errorf("restart budget exhausted, retry in %s: %w", wait.Round(time.Second), err))
		}
		s.failures = 0
	}
	r.mu.Unlock()

	ch := r.group.DoChan(name, func() (any, error) {
		return r.spawn(s)
	})
	select {
	case res := <-ch:
		if res.Err != nil {
			return nil, res.Err
		}
		return res.Val.(*Instance), nil
	case <-ctx.Done():
		return nil, fmt.Errorf("resolve %s: %w", name, ctx.Err())
	}
}

func maxRestarts(d domain.WorkerDescriptor) int {
	if d.MaxRestarts < 0 {
		return 0
	}
	return d.MaxRestarts
}

// spawn launches the slot's worker, retrying with a doubling delay.
func (r *Registry) spawn(s *slot) (*Instance, error) {
	name := s.desc.Name
	r.mu.Lock()
	if s.inst != nil && s.inst.IsAlive() {
		inst := s.inst
		r.mu.Unlock()
		return inst, nil
	}
	// The exit callback may not have run yet for an instance that just died.
	respawn := s.crashed || (s.inst != nil && s.inst.State() == domain.WorkerCrashed)
	r.mu.Unlock()

	if respawn && !s.budget.Allow() {
		err := domain.NewError(domain.ErrSpawnFailed, "respawn", name, errors.New("crash restart budget exhausted"))
		r.emit(name, 0, 0, "spawn_failed", err.Error())
		return nil, err
	}

	retries := maxRestarts(s.desc)
	delay := s.desc.RetryDelay
	if delay <= 0 {
		delay = defaultRetryDelay
	}
	var lastErr error
	for attempt := 0; attempt <= retries; attempt++ {
		if attempt > 0 {
			r.logger.Printf("Registry: %s retry %d/%d after %s", name, attempt, retries, delay)
			select {
			case <-time.After(delay):
			case <-r.closing:
				return nil, domain.NewError(domain.ErrSpawnFailed, "spawn", name, errors.New("registry closed"))
			}
			delay *= 2
			if delay > maxRetryDelay {
				delay = maxRetryDelay
			}
		}

		r.mu.Lock()
		s.generation++
		gen := s.generation
		r.mu.Unlock()

		inst, err := Spawn(context.Background(), s.desc, SpawnOptions{
			Workspace:  r.cfg.Workspace,
			Generation: gen,
			Logger:     r.logger,
			Observer:   r.cfg.Observer,
			OnExit:     r.instanceExited,
		})
		if err != nil {
			lastErr = err
			r.logger.Printf("Registry: %s attempt %d failed: %v", name, attempt+1, err)
			r.emit(name, gen, 0, "spawn_failed", err.Error())
			continue
		}

		r.mu.Lock()
		if r.closed {
			r.mu.Unlock()
			_ = inst.Terminate(0)
			return nil, domain.NewError(domain.ErrSpawnFailed, "spawn", name, errors.New("registry closed"))
		}
		s.inst = inst
		s.failures = 0
		s.lastErr = nil
		if respawn {
			s.restarts++
		}
		s.crashed = false
		r.mu.Unlock()

		if r.cfg.Reaper != nil {
			r.cfg.Reaper.Track(inst)
		}
		r.emit(name, gen, inst.PID(), "spawned", "")
		return inst, nil
	}

	r.mu.Lock()
	s.failures = retries + 1
	s.lastFailure = time.Now()
	s.lastErr = lastErr
	r.mu.Unlock()
	r.logger.Printf("Registry: %s failed after %d attempts", name, retries+1)
	return nil, fmt.Errorf("%d attempts: %w", retries+1, lastErr)
}

// instanceExited records a process exit for the instance's slot.
func (r *Registry) instanceExited(inst *Instance, err error) {
	r.mu.Lock()
	s, ok := r.slots[inst.Name()]
	current := ok && s.inst == inst
	crashed := inst.State() == domain.WorkerCrashed
	if current && crashed {
		s.crashed = true
	}
	r.mu.Unlock()
	if !ok {
		return
	}
	detail := "exited"
	if err != nil {
		detail = err.Error()
	}
	event := "terminated"
	if crashed {
		event = "crashed"
	}
	r.emit(inst.Name(), inst.Generation(), inst.PID(), event, detail)
}

// Reaped marks the instance's slot crashed after a reaper sweep reclaimed it.
// Pass it to WithReapCallback.
func (r *Registry) Reaped(inst *Instance, reason string) {
	r.mu.Lock()
	s, ok := r.slots[inst.Name()]
	current := ok && s.inst == inst
	if current {
		s.crashed = true
	}
	r.mu.Unlock()
	if current {
		r.emit(inst.Name(), inst.Generation(), inst.PID(), "reaped", reason)
	}
}

func (r *Registry) emit(name string, gen uint64, pid int, event, detail string) {
	if r.cfg.OnEvent == nil {
		return
	}
	r.cfg.OnEvent(domain.WorkerEvent{
		Worker:     name,
		Generation: gen,
		PID:        pid,
		Event:      event,
		Detail:     detail,
		At:         time.Now(),
	})
}

// instance returns the live instance for name if it is still generation gen.
func (r *Registry) instance(name string, gen uint64) (*Instance, error) {
	r.mu.Lock()
	s, ok := r.slots[name]
	var inst *Instance
	if ok {
		inst = s.inst
	}
	r.mu.Unlock()
	if inst == nil || inst.Generation() != gen {
		return nil, domain.NewError(domain.ErrWorkerCrashed, "call", name, fmt.Errorf("generation %d is gone", gen))
	}
	if !inst.IsAlive() {
		return nil, domain.NewError(domain.ErrWorkerCrashed, "call", name, fmt.Errorf("generation %d is %s", gen, inst.State()))
	}
	return inst, nil
}

// Recycle terminates the current instance of name, if any. The next
// resolution spawns a fresh one without drawing on the crash budget.
func (r *Registry) Recycle(name string) error {
	r.mu.Lock()
	s, ok := r.slots[name]
	if !ok {
		r.mu.Unlock()
		return domain.NewError(domain.ErrCapabilityUnsupported, "recycle", name, errors.New("no worker registered"))
	}
	inst := s.inst
	s.inst = nil
	s.crashed = false
	s.failures = 0
	r.mu.Unlock()

	if inst == nil {
		return nil
	}
	r.logger.Printf("Registry: recycling %s (gen %d)", name, inst.Generation())
	r.emit(name, inst.Generation(), inst.PID(), "recycled", "")
	return inst.Terminate(0)
}

// RestartWorkers recycles every running worker and returns their names.
func (r *Registry) RestartWorkers() []string {
	names := r.RunningWorkers()
	for _, name := range names {
		if err := r.Recycle(name); err != nil {
			r.logger.Printf("Registry: recycle %s: %v", name, err)
		}
	}
	return names
}

// RunningWorkers returns the names of workers with a live instance.
func (r *Registry) RunningWorkers() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []string
	for _, name := range r.order {
		if inst := r.slots[name].inst; inst != nil && inst.IsAlive() {
			out = append(out, name)
		}
	}
	return out
}

// Snapshot reports every descriptor and its current instance.
func (r *Registry) Snapshot() []domain.WorkerSnapshot {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]domain.WorkerSnapshot, 0, len(r.order))
	for _, name := range r.order {
		s := r.slots[name]
		snap := domain.WorkerSnapshot{
			Name:         name,
			Protocol:     string(s.desc.Protocol),
			Capabilities: s.desc.Capabilities.Slice(),
			Extensions:   s.desc.Extensions,
			State:        "idle",
			Generation:   s.generation,
			Restarts:     s.restarts,
			Failures:     s.failures,
		}
		if inst := s.inst; inst != nil {
			snap.State = inst.State().String()
			snap.InFlight = inst.conn.InFlight()
			snap.PID = inst.PID()
			snap.Generation = inst.Generation()
			snap.StartedAt = inst.StartedAt()
			snap.LastOutputAt = inst.LastOutputAt()
			snap.StderrTail = inst.StderrTail()
			if caps := inst.Capabilities(); caps != nil {
				snap.Capabilities = caps.Slice()
			}
			inst.mu.Lock()
			if len(inst.extensions) > 0 {
				snap.Extensions = append([]string(nil), inst.extensions...)
			}
			inst.mu.Unlock()
		}
		out = append(out, snap)
	}
	return out
}

// Shutdown terminates every instance and refuses further resolutions.
func (r *Registry) Shutdown(ctx context.Context) error {
	r.mu.Lock()
	if !r.closed {
		r.closed = true
		close(r.closing)
	}
	var insts []*Instance
	for _, name := range r.order {
		if s := r.slots[name]; s.inst != nil {
			insts = append(insts, s.inst)
		}
	}
	r.mu.Unlock()

	var g errgroup.Group
	for _, inst := range insts {
		g.Go(func() error { return inst.Terminate(0) })
	}
	done := make(chan error, 1)
	go func() { done <- g.Wait() }()
	select {
	case err := <-done:
		return err
	case <-ctx.Done():
		return fmt.Errorf("shutdown workers: %w", ctx.Err())
	}
}
