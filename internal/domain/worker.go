// Package domain holds the worker, edit-plan and operation entities shared by
// the runtime packages. It has no dependencies on other packages.
package domain

import (
	"path/filepath"
	"sort"
	"strings"
	"time"
)

// Capability is an optional unit of functionality a worker declares.
type Capability string

const (
	CapImportRewriting     Capability = "import-rewriting"
	CapManifestEditing     Capability = "manifest-editing"
	CapWorkspaceMembership Capability = "workspace-membership"
	CapRefactoring         Capability = "refactoring"
	CapNavigation          Capability = "navigation"
	CapDiagnostics         Capability = "diagnostics"
	CapFormatting          Capability = "formatting"
	CapAnalysis            Capability = "analysis"
)

// CapabilitySet is the set of capability tags a worker declares.
type CapabilitySet map[Capability]struct{}

// NewCapabilitySet builds a set from string tags. Empty tags are skipped.
func NewCapabilitySet(tags ...string) CapabilitySet {
	s := make(CapabilitySet, len(tags))
	for _, t := range tags {
		t = strings.TrimSpace(t)
		if t != "" {
			s[Capability(t)] = struct{}{}
		}
	}
	return s
}

// Has reports whether c is declared. The empty capability is always satisfied.
func (s CapabilitySet) Has(c Capability) bool {
	if c == "" {
		return true
	}
	_, ok := s[c]
	return ok
}

// Add declares c.
func (s CapabilitySet) Add(c Capability) {
	s[c] = struct{}{}
}

// Slice returns the tags sorted.
func (s CapabilitySet) Slice() []string {
	out := make([]string, 0, len(s))
	for c := range s {
		out = append(out, string(c))
	}
	sort.Strings(out)
	return out
}

// Protocol selects the framing used on a worker's stdio.
type Protocol string

const (
	// ProtocolPlugin is newline-delimited JSON-RPC.
	ProtocolPlugin Protocol = "plugin"
	// ProtocolLSP is Content-Length framed JSON-RPC.
	ProtocolLSP Protocol = "lsp"
)

// WorkerDescriptor is the static description of a spawnable worker.
type WorkerDescriptor struct {
	Name           string
	Languages      []string
	Extensions     []string
	Capabilities   CapabilitySet
	Command        []string
	Protocol       Protocol
	Env            map[string]string
	InheritEnv     []string
	RequestTimeout time.Duration
	InitTimeout    time.Duration
	ShutdownGrace  time.Duration
	MaxRestarts    int
	RetryDelay     time.Duration
}

// Matches reports whether key names this worker: its name, one of its
// language ids, an extension (with or without the dot) or a file path
// carrying one of its extensions.
func (d *WorkerDescriptor) Matches(key string) bool {
	key = strings.TrimSpace(key)
	if key == "" {
		return false
	}
	if strings.EqualFold(key, d.Name) {
		return true
	}
	for _, l := range d.Languages {
		if strings.EqualFold(key, l) {
			return true
		}
	}
	ext := key
	if strings.ContainsAny(key, `/\`) || strings.Contains(key, ".") && !strings.HasPrefix(key, ".") {
		ext = filepath.Ext(key)
	}
	ext = strings.TrimPrefix(strings.ToLower(ext), ".")
	if ext == "" {
		return false
	}
	for _, e := range d.Extensions {
		if strings.TrimPrefix(strings.ToLower(e), ".") == ext {
			return true
		}
	}
	return false
}

// WorkerState is the lifecycle state of a worker instance.
type WorkerState int

const (
	WorkerStarting WorkerState = iota
	WorkerReady
	WorkerBusy
	WorkerCrashed
	WorkerTerminating
	WorkerGone
)

func (s WorkerState) String() string {
	switch s {
	case WorkerStarting:
		return "starting"
	case WorkerReady:
		return "ready"
	case WorkerBusy:
		return "busy"
	case WorkerCrashed:
		return "crashed"
	case WorkerTerminating:
		return "terminating"
	case WorkerGone:
		return "gone"
	default:
		return "unknown"
	}
}

// Live reports whether requests may be delivered in this state.
func (s WorkerState) Live() bool {
	return s == WorkerReady || s == WorkerBusy
}

// WorkerEvent is a lifecycle event recorded in the journal.
type WorkerEvent struct {
	Worker     string    `json:"worker"`
	Generation uint64    `json:"generation"`
	PID        int       `json:"pid,omitempty"`
	Event      string    `json:"event"` // spawned, spawn_failed, crashed, terminated, recycled
	Detail     string    `json:"detail,omitempty"`
	At         time.Time `json:"at"`
}

// WorkerSnapshot is a point-in-time view of one worker descriptor and its instance.
type WorkerSnapshot struct {
	Name         string    `json:"name"`
	Protocol     string    `json:"protocol"`
	Capabilities []string  `json:"capabilities"`
	Extensions   []string  `json:"extensions,omitempty"`
	State        string    `json:"state"`
	InFlight     int       `json:"in_flight"`
	PID          int       `json:"pid,omitempty"`
	Generation   uint64    `json:"generation"`
	StartedAt    time.Time `json:"started_at,omitempty"`
	LastOutputAt time.Time `json:"last_output_at,omitempty"`
	Restarts     int       `json:"restarts"`
	Failures     int       `json:"consecutive_failures"`
	StderrTail   []string  `json:"stderr_tail,omitempty"`
}
