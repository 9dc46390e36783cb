package app

import (
	"context"
	"fmt"
	"io"
	"log"
	"strings"
	"sync"
	"time"

	"github.com/jaakkos/codeloom/internal/domain"
)

const (
	defaultDebounceMs   = 200
	defaultPollInterval = 10 * time.Second

	// StatusMethod is the notification method pushed to connected clients.
	StatusMethod = "notifications/codeloom/status"
)

// StatusUpdateParams is the payload for notifications/codeloom/status.
type StatusUpdateParams struct {
	RunningWorkers []string           `json:"running_workers"`
	Crashed        []string           `json:"crashed,omitempty"`
	SpawnFailed    []string           `json:"spawn_failed,omitempty"`
	LastPlan       *domain.PlanRecord `json:"last_plan,omitempty"`
	Queue          domain.QueueStats  `json:"queue"`
	Summary        string             `json:"summary"`
}

// StatusSource supplies the live parts of a status update. *Runtime
// implements it.
type StatusSource interface {
	RunningWorkers() []string
	QueueStats() domain.QueueStats
}

// Notifier collects worker events and plan results and pushes a debounced
// status update to connected clients. It implements Listener.
type Notifier struct {
	source       StatusSource
	pushFunc     func(method string, params any) error
	logger       *log.Logger
	debounceMs   int
	pollInterval time.Duration

	mu            sync.Mutex
	rev           uint64
	lastPushedRev uint64
	crashed       []string
	spawnFailed   []string
	lastPlan      *domain.PlanRecord
	debounceTimer *time.Timer
	stopOnce      sync.Once
	stopCh        chan struct{}
	doneCh        chan struct{}
	pushMu        sync.Mutex // serializes checkAndPush to prevent duplicate pushes
}

// NotifierOption configures the notifier.
type NotifierOption func(*Notifier)

// WithPollInterval sets the fallback poll interval (default 10s).
func WithPollInterval(d time.Duration) NotifierOption {
	return func(n *Notifier) {
		n.pollInterval = d
	}
}

// WithDebounce sets how long events are coalesced before a push.
func WithDebounce(d time.Duration) NotifierOption {
	return func(n *Notifier) {
		n.debounceMs = int(d / time.Millisecond)
	}
}

// NewNotifier creates a notifier. pushFunc is called with StatusMethod and
// StatusUpdateParams whenever something changed since the last push.
func NewNotifier(source StatusSource, pushFunc func(method string, params any) error, logger *log.Logger, opts ...NotifierOption) *Notifier {
	if logger == nil {
		logger = log.New(io.Discard, "", 0)
	}
	n := &Notifier{
		source:       source,
		pushFunc:     pushFunc,
		logger:       logger,
		debounceMs:   defaultDebounceMs,
		pollInterval: defaultPollInterval,
		stopCh:       make(chan struct{}),
		doneCh:       make(chan struct{}),
	}
	for _, o := range opts {
		o(n)
	}
	return n
}

// WorkerEvent implements Listener.
func (n *Notifier) WorkerEvent(ev domain.WorkerEvent) {
	n.mu.Lock()
	switch ev.Event {
	case "crashed", "reaped":
		n.crashed = appendUnique(n.crashed, ev.Worker)
	case "spawn_failed":
		n.spawnFailed = appendUnique(n.spawnFailed, ev.Worker)
	}
	n.rev++
	n.mu.Unlock()
	n.triggerDebounced()
}

// PlanResult implements Listener.
func (n *Notifier) PlanResult(res *domain.EditPlanResult) {
	rec := domain.NewPlanRecord(res, time.Now())
	n.mu.Lock()
	n.lastPlan = &rec
	n.rev++
	n.mu.Unlock()
	n.triggerDebounced()
}

func appendUnique(list []string, s string) []string {
	for _, v := range list {
		if v == s {
			return list
		}
	}
	return append(list, s)
}

// Start runs the fallback poll until ctx is cancelled or Stop is called.
func (n *Notifier) Start(ctx context.Context) {
	defer close(n.doneCh)
	n.pollLoop(ctx)
}

// Stop signals the notifier to stop. Call after cancelling the context passed to Start.
func (n *Notifier) Stop() {
	n.stopOnce.Do(func() { close(n.stopCh) })
	<-n.doneCh
	n.mu.Lock()
	if n.debounceTimer != nil {
		n.debounceTimer.Stop()
	}
	n.mu.Unlock()
}

// CheckOnce runs one check-and-push cycle (for testing or manual trigger).
func (n *Notifier) CheckOnce() {
	n.checkAndPush()
}

// Trigger forces a push on the next cycle even if nothing changed.
func (n *Notifier) Trigger() {
	n.mu.Lock()
	n.rev++
	n.mu.Unlock()
	n.triggerDebounced()
}

func (n *Notifier) triggerDebounced() {
	n.mu.Lock()
	defer n.mu.Unlock()
	if n.debounceTimer != nil {
		n.debounceTimer.Stop()
	}
	n.debounceTimer = time.AfterFunc(time.Duration(n.debounceMs)*time.Millisecond, func() {
		n.checkAndPush()
	})
}

func (n *Notifier) pollLoop(ctx context.Context) {
	ticker := time.NewTicker(n.pollInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-n.stopCh:
			return
		case <-ticker.C:
			n.checkAndPush()
		}
	}
}

func (n *Notifier) checkAndPush() {
	// Serialize the entire check-and-push cycle so the debounce timer and the
	// poll loop never push the same revision twice.
	n.pushMu.Lock()
	defer n.pushMu.Unlock()

	n.mu.Lock()
	rev := n.rev
	if rev == n.lastPushedRev {
		n.mu.Unlock()
		return
	}
	params := StatusUpdateParams{
		Crashed:     n.crashed,
		SpawnFailed: n.spawnFailed,
		LastPlan:    n.lastPlan,
	}
	n.mu.Unlock()

	if n.source != nil {
		params.RunningWorkers = n.source.RunningWorkers()
		params.Queue = n.source.QueueStats()
	}
	if params.RunningWorkers == nil {
		params.RunningWorkers = []string{}
	}
	params.Summary = buildSummary(params)

	if err := n.pushFunc(StatusMethod, params); err != nil {
		n.logger.Printf("Notifier: push failed: %v", err)
		return
	}
	n.mu.Lock()
	n.lastPushedRev = rev
	// Keep events that arrived during the push for the next one.
	n.crashed = n.crashed[len(params.Crashed):]
	n.spawnFailed = n.spawnFailed[len(params.SpawnFailed):]
	n.mu.Unlock()
}

func buildSummary(p StatusUpdateParams) string {
	parts := []string{fmt.Sprintf("%d worker(s) running", len(p.RunningWorkers))}
	if len(p.Crashed) > 0 {
		parts = append(parts, "crashed: "+strings.Join(p.Crashed, ", "))
	}
	if len(p.SpawnFailed) > 0 {
		parts = append(parts, "failed to start: "+strings.Join(p.SpawnFailed, ", "))
	}
	if p.LastPlan != nil {
		state := "applied"
		switch {
		case p.LastPlan.DryRun:
			state = "previewed"
		case p.LastPlan.RolledBack:
			state = "rolled back"
		case !p.LastPlan.Success:
			state = "partially applied"
		}
		parts = append(parts, fmt.Sprintf("last plan %s (%d file(s))", state, len(p.LastPlan.ModifiedFiles)))
	}
	if p.Queue.Queued > 0 || p.Queue.Running > 0 {
		parts = append(parts, fmt.Sprintf("%d queued, %d running", p.Queue.Queued, p.Queue.Running))
	}
	return strings.Join(parts, "; ")
}
