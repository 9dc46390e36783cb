// Package lock grants shared and exclusive locks keyed by canonical
// file-system path. Locks are hierarchical: holding a path also takes an
// intention lock on every ancestor directory, so an exclusive lock on a
// directory conflicts with any lock below it. Multi-key acquisitions always
// proceed in lexicographic key order, so two callers can never wait on each
// other in a cycle.
package lock

import (
	"container/list"
	"context"
	"fmt"
	"io"
	"log"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"github.com/jaakkos/codeloom/internal/domain"
)

// DefaultTimeout bounds an acquisition when the context has no deadline.
const DefaultTimeout = 30 * time.Second

// Mode is the lock mode.
type Mode int

const (
	Shared Mode = iota
	Exclusive

	// Intention modes are taken on the ancestors of a locked path.
	intentShared
	intentExclusive
)

func (m Mode) String() string {
	switch m {
	case Exclusive:
		return "exclusive"
	case intentShared:
		return "intent-shared"
	case intentExclusive:
		return "intent-exclusive"
	}
	return "shared"
}

func (m Mode) intent() Mode {
	if m == Exclusive {
		return intentExclusive
	}
	return intentShared
}

// Observer is told how long each acquisition waited and whether it failed.
type Observer func(mode Mode, waited time.Duration, err error)

type waiter struct {
	mode    Mode
	ready   chan struct{}
	granted bool
}

// entry is the lock record for one key. It exists only while it has
// holders or waiters.
type entry struct {
	key       string
	shared    int
	exclusive bool
	intentS   int
	intentX   int
	queue     *list.List
}

func (e *entry) compatible(mode Mode) bool {
	if e.exclusive {
		return false
	}
	switch mode {
	case Exclusive:
		return e.shared == 0 && e.intentS == 0 && e.intentX == 0
	case Shared:
		return e.intentX == 0
	case intentExclusive:
		return e.shared == 0
	}
	return true
}

func (e *entry) grant(mode Mode) {
	switch mode {
	case Exclusive:
		e.exclusive = true
	case Shared:
		e.shared++
	case intentExclusive:
		e.intentX++
	default:
		e.intentS++
	}
}

func (e *entry) ungrant(mode Mode) {
	switch mode {
	case Exclusive:
		e.exclusive = false
	case Shared:
		if e.shared > 0 {
			e.shared--
		}
	case intentExclusive:
		if e.intentX > 0 {
			e.intentX--
		}
	default:
		if e.intentS > 0 {
			e.intentS--
		}
	}
}

func (e *entry) held() bool {
	return e.exclusive || e.shared > 0 || e.intentS > 0 || e.intentX > 0
}

func (e *entry) idle() bool {
	return !e.held() && e.queue.Len() == 0
}

// Manager is the resource lock manager.
type Manager struct {
	mu       sync.Mutex
	locks    map[string]*entry
	timeout  time.Duration
	logger   *log.Logger
	observer Observer
}

// Option configures a Manager.
type Option func(*Manager)

// WithTimeout sets the acquisition timeout used when ctx has no deadline.
func WithTimeout(d time.Duration) Option {
	return func(m *Manager) { m.timeout = d }
}

// WithLogger sets the logger.
func WithLogger(l *log.Logger) Option {
	return func(m *Manager) { m.logger = l }
}

// WithObserver installs an acquisition observer (metrics).
func WithObserver(o Observer) Option {
	return func(m *Manager) { m.observer = o }
}

// NewManager creates a lock manager.
func NewManager(opts ...Option) *Manager {
	m := &Manager{
		locks:   make(map[string]*entry),
		timeout: DefaultTimeout,
		logger:  log.New(io.Discard, "", 0),
	}
	for _, o := range opts {
		o(m)
	}
	return m
}

// Guard holds the locks of one acquisition.
type Guard struct {
	m    *Manager
	keys []string
	held []hold
	mode Mode
	once sync.Once
}

type hold struct {
	key  string
	mode Mode
}

// Keys returns the canonical keys held, in acquisition order.
func (g *Guard) Keys() []string { return append([]string(nil), g.keys...) }

// Mode returns the mode the keys are held in.
func (g *Guard) Mode() Mode { return g.mode }

// Release releases every key in reverse acquisition order. It is safe to
// call more than once.
func (g *Guard) Release() {
	g.once.Do(func() {
		for i := len(g.held) - 1; i >= 0; i-- {
			g.m.release(g.held[i].key, g.held[i].mode)
		}
	})
}

// Acquire locks every key in mode and every ancestor of a key in the
// matching intention mode. Keys are canonicalized, deduplicated and taken in
// lexicographic order together with their ancestors. On timeout or
// cancellation every key already taken is released and an error wrapping
// domain.ErrLockTimeout names the key that could not be acquired.
func (m *Manager) Acquire(ctx context.Context, keys []string, mode Mode) (*Guard, error) {
	canon, err := CanonicalKeys(keys)
	if err != nil {
		return nil, err
	}
	if _, ok := ctx.Deadline(); !ok && m.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, m.timeout)
		defer cancel()
	}

	start := time.Now()
	plan := withAncestors(canon, mode)
	held := make([]hold, 0, len(plan))
	for _, h := range plan {
		key := h.key
		err := ctx.Err()
		if err == nil {
			err = m.acquireOne(ctx, key, h.mode)
		}
		if err != nil {
			for i := len(held) - 1; i >= 0; i-- {
				m.release(held[i].key, held[i].mode)
			}
			lerr := domain.NewError(domain.ErrLockTimeout, "acquire "+mode.String(), key,
				fmt.Errorf("waited %s: %w", time.Since(start).Round(time.Millisecond), err))
			m.logger.Printf("LockManager: %v", lerr)
			m.observe(mode, time.Since(start), lerr)
			return nil, lerr
		}
		held = append(held, h)
	}
	m.observe(mode, time.Since(start), nil)
	return &Guard{m: m, keys: canon, held: held, mode: mode}, nil
}

// withAncestors pairs each key with mode and each of its ancestor
// directories with the intention mode, sorted by key. A key that is also an
// ancestor of another key keeps mode.
func withAncestors(keys []string, mode Mode) []hold {
	modes := make(map[string]Mode, len(keys)*4)
	for _, k := range keys {
		modes[k] = mode
	}
	for _, k := range keys {
		for dir := filepath.Dir(k); ; dir = filepath.Dir(dir) {
			if _, ok := modes[dir]; !ok {
				modes[dir] = mode.intent()
			}
			if parent := filepath.Dir(dir); parent == dir {
				break
			}
		}
	}
	out := make([]hold, 0, len(modes))
	for k, md := range modes {
		out = append(out, hold{key: k, mode: md})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].key < out[j].key })
	return out
}

func (m *Manager) observe(mode Mode, waited time.Duration, err error) {
	if m.observer != nil {
		m.observer(mode, waited, err)
	}
}

func (m *Manager) acquireOne(ctx context.Context, key string, mode Mode) error {
	m.mu.Lock()
	e, ok := m.locks[key]
	if !ok {
		e = &entry{key: key, queue: list.New()}
		m.locks[key] = e
	}
	// Grant immediately only when nobody is queued ahead.
	if e.queue.Len() == 0 && e.compatible(mode) {
		e.grant(mode)
		m.mu.Unlock()
		return nil
	}
	w := &waiter{mode: mode, ready: make(chan struct{})}
	el := e.queue.PushBack(w)
	m.mu.Unlock()

	select {
	case <-w.ready:
		return nil
	case <-ctx.Done():
		m.mu.Lock()
		defer m.mu.Unlock()
		if w.granted {
			return nil
		}
		e.queue.Remove(el)
		// A departing head may unblock the waiters behind it.
		m.dispatch(e)
		if e.idle() {
			delete(m.locks, key)
		}
		return ctx.Err()
	}
}

func (m *Manager) release(key string, mode Mode) {
	m.mu.Lock()
	defer m.mu.Unlock()
	e, ok := m.locks[key]
	if !ok {
		return
	}
	e.ungrant(mode)
	m.dispatch(e)
	if e.idle() {
		delete(m.locks, key)
	}
}

// dispatch grants queued waiters from the head while they are compatible.
// Must be called with m.mu held.
func (m *Manager) dispatch(e *entry) {
	for front := e.queue.Front(); front != nil; {
		w := front.Value.(*waiter)
		if !e.compatible(w.mode) {
			return
		}
		e.grant(w.mode)
		w.granted = true
		close(w.ready)
		next := front.Next()
		e.queue.Remove(front)
		front = next
	}
}

// Snapshot lists every key with shared or exclusive holders or with
// waiters, sorted by key. Directories held only through intention locks are
// left out.
func (m *Manager) Snapshot() []domain.LockInfo {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]domain.LockInfo, 0, len(m.locks))
	for key, e := range m.locks {
		info := domain.LockInfo{Key: key, Waiters: e.queue.Len()}
		switch {
		case e.exclusive:
			info.Mode = Exclusive.String()
			info.Holders = 1
		case e.shared > 0:
			info.Mode = Shared.String()
			info.Holders = e.shared
		case info.Waiters == 0:
			continue
		case e.intentX > 0:
			info.Mode = intentExclusive.String()
			info.Holders = e.intentX + e.intentS
		case e.intentS > 0:
			info.Mode = intentShared.String()
			info.Holders = e.intentS
		default:
			info.Mode = "none"
		}
		out = append(out, info)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Key < out[j].Key })
	return out
}
