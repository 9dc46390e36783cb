// Package dashboard provides a web dashboard and JSON API for monitoring
// the codeloom runtime: workers, locks, the operation queue and recent plans.
package dashboard

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"sort"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/jaakkos/codeloom/internal/app"
	"github.com/jaakkos/codeloom/internal/domain"
)

// StateSnapshot is the JSON response from /api/state.
type StateSnapshot struct {
	Timestamp string            `json:"timestamp"`
	Workspace string            `json:"workspace"`
	Uptime    string            `json:"uptime,omitempty"`
	Workers   []WorkerSnapshot  `json:"workers"`
	Locks     []domain.LockInfo `json:"locks"`
	Queue     QueueSnapshot     `json:"queue"`
}

// WorkerSnapshot shows one worker and its current instance.
type WorkerSnapshot struct {
	Name         string   `json:"name"`
	Protocol     string   `json:"protocol"`
	State        string   `json:"state"`
	Capabilities []string `json:"capabilities"`
	PID          int      `json:"pid,omitempty"`
	Generation   uint64   `json:"generation"`
	InFlight     int      `json:"in_flight"`
	Restarts     int      `json:"restarts"`
	Failures     int      `json:"consecutive_failures,omitempty"`
	Started      string   `json:"started,omitempty"`
	LastOutput   string   `json:"last_output,omitempty"`
	StderrTail   []string `json:"stderr_tail,omitempty"`
}

// QueueSnapshot is the queue summary with a readable max wait.
type QueueSnapshot struct {
	Queued    int    `json:"queued"`
	Running   int    `json:"running"`
	Completed int    `json:"completed"`
	Failed    int    `json:"failed"`
	MaxWait   string `json:"max_wait"`
}

// PlanSnapshot is a per-plan summary for /api/plans.
type PlanSnapshot struct {
	PlanID        string   `json:"plan_id"`
	Tool          string   `json:"tool,omitempty"`
	Intent        string   `json:"intent,omitempty"`
	Outcome       string   `json:"outcome"`
	ModifiedFiles []string `json:"modified_files"`
	Errors        []string `json:"errors,omitempty"`
	Age           string   `json:"age"`
	DurationMs    int64    `json:"duration_ms"`
}

// StatusSource reports the runtime state.
type StatusSource interface {
	Status() app.Status
}

// WorkerController restarts workers. It is implemented by worker.Registry.
type WorkerController interface {
	RestartWorkers() []string
	RunningWorkers() []string
}

// PlanSource lists journaled plans, newest first.
type PlanSource interface {
	ListPlans(ctx context.Context, limit int) ([]domain.PlanRecord, error)
}

// Handler holds dependencies for dashboard HTTP handlers.
type Handler struct {
	status  StatusSource
	workers WorkerController // optional
	plans   PlanSource       // optional; nil when the journal is disabled
	port    int
}

// NewHandler creates a dashboard handler.
func NewHandler(status StatusSource, opts ...HandlerOption) *Handler {
	h := &Handler{status: status}
	for _, opt := range opts {
		opt(h)
	}
	return h
}

// HandlerOption configures optional dependencies for the dashboard handler.
type HandlerOption func(*Handler)

// WithWorkerController sets the WorkerController for the restart-workers endpoint.
func WithWorkerController(wc WorkerController) HandlerOption {
	return func(h *Handler) { h.workers = wc }
}

// WithPlanSource enables /api/plans.
func WithPlanSource(ps PlanSource) HandlerOption {
	return func(h *Handler) { h.plans = ps }
}

// WithPort sets the port reported by /health.
func WithPort(port int) HandlerOption {
	return func(h *Handler) { h.port = port }
}

// RegisterRoutes adds dashboard routes to the given mux.
func (h *Handler) RegisterRoutes(mux *http.ServeMux) {
	mux.HandleFunc("/health", h.handleHealth)
	mux.HandleFunc("/api/state", h.handleAPIState)
	mux.HandleFunc("/api/plans", h.handleAPIPlans)
	mux.HandleFunc("/api/restart-workers", h.handleAPIRestartWorkers)
	mux.Handle("/metrics", promhttp.Handler())
	mux.HandleFunc("/dashboard", h.handleDashboard)
	mux.HandleFunc("/dashboard/", h.handleDashboard)
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.WriteHeader(code)
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	_ = enc.Encode(v)
}

func (h *Handler) handleHealth(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	running := 0
	if h.workers != nil {
		running = len(h.workers.RunningWorkers())
	}
	fmt.Fprintf(w, `{"status":"ok","port":%d,"workers":%d}`, h.port, running)
}

func (h *Handler) handleAPIRestartWorkers(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	w.Header().Set("Access-Control-Allow-Origin", "*")

	if r.Method == http.MethodOptions {
		w.Header().Set("Access-Control-Allow-Methods", "POST, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type")
		w.WriteHeader(http.StatusNoContent)
		return
	}
	if r.Method != http.MethodPost {
		w.WriteHeader(http.StatusMethodNotAllowed)
		w.Write([]byte(`{"error":"POST required"}`))
		return
	}
	if h.workers == nil {
		w.WriteHeader(http.StatusNotFound)
		w.Write([]byte(`{"error":"workers are not managed by this server"}`))
		return
	}

	restarted := h.workers.RestartWorkers()
	if restarted == nil {
		restarted = []string{}
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"status":    "ok",
		"message":   "Workers restarted",
		"restarted": restarted,
	})
}

func (h *Handler) handleAPIState(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	w.Header().Set("Access-Control-Allow-Origin", "*")
	w.Header().Set("Cache-Control", "no-cache")

	now := time.Now()
	st := h.status.Status()
	snap := StateSnapshot{
		Timestamp: now.Format(time.RFC3339),
		Workspace: st.Workspace,
		Workers:   make([]WorkerSnapshot, 0, len(st.Workers)),
		Locks:     st.Locks,
		Queue: QueueSnapshot{
			Queued:    st.Queue.Queued,
			Running:   st.Queue.Running,
			Completed: st.Queue.Completed,
			Failed:    st.Queue.Failed,
			MaxWait:   st.Queue.MaxWait.Round(time.Millisecond).String(),
		},
	}
	if !st.StartedAt.IsZero() {
		snap.Uptime = now.Sub(st.StartedAt).Round(time.Second).String()
	}
	if snap.Locks == nil {
		snap.Locks = []domain.LockInfo{}
	}

	for _, ws := range st.Workers {
		v := WorkerSnapshot{
			Name:         ws.Name,
			Protocol:     ws.Protocol,
			State:        ws.State,
			Capabilities: ws.Capabilities,
			PID:          ws.PID,
			Generation:   ws.Generation,
			InFlight:     ws.InFlight,
			Restarts:     ws.Restarts,
			Failures:     ws.Failures,
			StderrTail:   ws.StderrTail,
		}
		if ws.PID > 0 {
			v.Started = relTime(ws.StartedAt, now)
			v.LastOutput = relTime(ws.LastOutputAt, now)
		}
		snap.Workers = append(snap.Workers, v)
	}
	// Live workers first, then by name.
	sort.SliceStable(snap.Workers, func(i, j int) bool {
		li, lj := snap.Workers[i].PID > 0, snap.Workers[j].PID > 0
		if li != lj {
			return li
		}
		return snap.Workers[i].Name < snap.Workers[j].Name
	})

	writeJSON(w, http.StatusOK, snap)
}

func (h *Handler) handleAPIPlans(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	w.Header().Set("Access-Control-Allow-Origin", "*")
	w.Header().Set("Cache-Control", "no-cache")

	if h.plans == nil {
		writeJSON(w, http.StatusNotFound, map[string]string{"error": "journal disabled"})
		return
	}
	limit := 50
	if s := r.URL.Query().Get("limit"); s != "" {
		n, err := strconv.Atoi(s)
		if err != nil || n < 1 {
			writeJSON(w, http.StatusBadRequest, map[string]string{"error": "limit must be a positive integer"})
			return
		}
		limit = n
	}

	records, err := h.plans.ListPlans(r.Context(), limit)
	if err != nil {
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": err.Error()})
		return
	}
	now := time.Now()
	out := make([]PlanSnapshot, 0, len(records))
	for _, p := range records {
		out = append(out, PlanSnapshot{
			PlanID:        p.PlanID,
			Tool:          p.Tool,
			Intent:        truncate(p.Intent, 120),
			Outcome:       outcome(p),
			ModifiedFiles: p.ModifiedFiles,
			Errors:        p.Errors,
			Age:           relTime(p.AppliedAt, now),
			DurationMs:    p.DurationMs,
		})
	}
	writeJSON(w, http.StatusOK, out)
}

func outcome(p domain.PlanRecord) string {
	switch {
	case p.DryRun:
		return "previewed"
	case p.RolledBack:
		return "rolled_back"
	case p.Success:
		return "applied"
	case len(p.ModifiedFiles) > 0:
		return "partial"
	default:
		return "failed"
	}
}

func relTime(t time.Time, now time.Time) string {
	if t.IsZero() {
		return "never"
	}
	d := now.Sub(t)
	switch {
	case d < time.Second:
		return "just now"
	case d < time.Minute:
		return strconv.Itoa(int(d.Seconds())) + "s ago"
	case d < time.Hour:
		return strconv.Itoa(int(d.Minutes())) + "m ago"
	case d < 24*time.Hour:
		return strconv.Itoa(int(d.Hours())) + "h ago"
	default:
		return t.Format("Jan 2 15:04")
	}
}

func truncate(s string, max int) string {
	runes := []rune(s)
	if len(runes) <= max {
		return s
	}
	return string(runes[:max]) + "..."
}
