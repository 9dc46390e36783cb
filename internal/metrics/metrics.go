// Package metrics exposes Prometheus collectors for the runtime and adapters
// that plug them into each component's observer hook.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/jaakkos/codeloom/internal/domain"
	"github.com/jaakkos/codeloom/internal/lock"
	"github.com/jaakkos/codeloom/internal/opqueue"
	"github.com/jaakkos/codeloom/internal/rpc"
)

const namespace = "codeloom"

var (
	// rpcRequests counts worker requests by method and outcome.
	// Labels: method, outcome (ok, error, timeout, crashed, canceled)
	rpcRequests = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "rpc",
		Name:      "requests_total",
		Help:      "Worker requests by method and outcome",
	}, []string{"method", "outcome"})

	rpcLatency = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: namespace,
		Subsystem: "rpc",
		Name:      "request_duration_seconds",
		Help:      "Worker request latency in seconds",
		Buckets:   []float64{0.005, 0.01, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30, 60},
	}, []string{"method"})

	// lockWait measures how long acquisitions waited.
	// Labels: mode (shared, exclusive), result (acquired, timeout)
	lockWait = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: namespace,
		Subsystem: "lock",
		Name:      "wait_seconds",
		Help:      "Time spent waiting for resource locks",
		Buckets:   []float64{0.0001, 0.001, 0.01, 0.1, 0.5, 1, 5, 30},
	}, []string{"mode", "result"})

	queueOps = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "queue",
		Name:      "operations_total",
		Help:      "Finished queue operations by kind and status",
	}, []string{"kind", "status"})

	queueWait = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: namespace,
		Subsystem: "queue",
		Name:      "wait_seconds",
		Help:      "Time operations spent queued",
		Buckets:   prometheus.ExponentialBuckets(0.001, 4, 9),
	}, []string{"kind"})

	queueRun = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: namespace,
		Subsystem: "queue",
		Name:      "run_seconds",
		Help:      "Time operations spent running",
		Buckets:   prometheus.ExponentialBuckets(0.001, 4, 9),
	}, []string{"kind"})

	// queueDepth is the current number of operations per state.
	// Labels: state (queued, running)
	queueDepth = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: namespace,
		Subsystem: "queue",
		Name:      "operations",
		Help:      "Operations currently queued or running",
	}, []string{"state"})

	// planResults counts edit plans.
	// Labels: mode (apply, dry_run), result (success, partial, rolled_back)
	planResults = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "editplan",
		Name:      "plans_total",
		Help:      "Edit plans by mode and result",
	}, []string{"mode", "result"})

	planFiles = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "editplan",
		Name:      "modified_files_total",
		Help:      "Files modified by applied edit plans",
	})

	planDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Namespace: namespace,
		Subsystem: "editplan",
		Name:      "duration_seconds",
		Help:      "Edit plan duration in seconds",
		Buckets:   prometheus.DefBuckets,
	})

	// workerEvents counts lifecycle events.
	// Labels: worker, event (spawned, spawn_failed, crashed, terminated, recycled, reaped)
	workerEvents = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "worker",
		Name:      "events_total",
		Help:      "Worker lifecycle events",
	}, []string{"worker", "event"})
)

// RPCObserver records worker request outcomes.
func RPCObserver() rpc.Observer {
	return func(method string, outcome rpc.Outcome, elapsed time.Duration) {
		rpcRequests.WithLabelValues(method, string(outcome)).Inc()
		rpcLatency.WithLabelValues(method).Observe(elapsed.Seconds())
	}
}

// LockObserver records lock waits.
func LockObserver() lock.Observer {
	return func(mode lock.Mode, waited time.Duration, err error) {
		result := "acquired"
		if err != nil {
			result = "timeout"
		}
		lockWait.WithLabelValues(mode.String(), result).Observe(waited.Seconds())
	}
}

// QueueObserver records finished operations. stats, when set, refreshes the
// depth gauge after each one.
func QueueObserver(stats func() domain.QueueStats) opqueue.Observer {
	return func(kind domain.OperationKind, waited, ran time.Duration, err error) {
		status := string(domain.StatusDone)
		if err != nil {
			status = string(domain.StatusFailed)
		}
		queueOps.WithLabelValues(string(kind), status).Inc()
		queueWait.WithLabelValues(string(kind)).Observe(waited.Seconds())
		queueRun.WithLabelValues(string(kind)).Observe(ran.Seconds())
		if stats != nil {
			SetQueueDepth(stats())
		}
	}
}

// SetQueueDepth publishes the queue's current depth.
func SetQueueDepth(s domain.QueueStats) {
	queueDepth.WithLabelValues(string(domain.StatusQueued)).Set(float64(s.Queued))
	queueDepth.WithLabelValues(string(domain.StatusRunning)).Set(float64(s.Running))
}

// ObservePlan records an edit-plan result.
func ObservePlan(res *domain.EditPlanResult) {
	mode := "apply"
	if res.DryRun {
		mode = "dry_run"
	}
	result := "success"
	switch {
	case res.RolledBack:
		result = "rolled_back"
	case !res.Success:
		result = "partial"
	}
	planResults.WithLabelValues(mode, result).Inc()
	if !res.DryRun {
		planFiles.Add(float64(len(res.ModifiedFiles)))
	}
	planDuration.Observe(res.Duration.Seconds())
}

// ObserveWorkerEvent records a worker lifecycle event.
func ObserveWorkerEvent(ev domain.WorkerEvent) {
	workerEvents.WithLabelValues(ev.Worker, ev.Event).Inc()
}
