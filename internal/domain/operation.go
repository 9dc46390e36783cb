package domain

import "time"

// OperationKind classifies a high-level operation for admission control.
type OperationKind string

const (
	OpRead     OperationKind = "read"
	OpWrite    OperationKind = "write"
	OpDelete   OperationKind = "delete"
	OpRename   OperationKind = "rename"
	OpFormat   OperationKind = "format"
	OpRefactor OperationKind = "refactor"
)

// IsWrite reports whether the operation mutates the workspace.
func (k OperationKind) IsWrite() bool {
	return k != OpRead
}

// OperationStatus is the lifecycle of a queue entry.
type OperationStatus string

const (
	StatusQueued  OperationStatus = "queued"
	StatusRunning OperationStatus = "running"
	StatusDone    OperationStatus = "done"
	StatusFailed  OperationStatus = "failed"
)

// Finished reports whether the entry reached a terminal status.
func (s OperationStatus) Finished() bool {
	return s == StatusDone || s == StatusFailed
}

// QueueEntry is the reported state of one admitted operation.
type QueueEntry struct {
	ID         string          `json:"id"`
	Kind       OperationKind   `json:"kind"`
	Targets    []string        `json:"targets,omitempty"`
	Status     OperationStatus `json:"status"`
	EnqueuedAt time.Time       `json:"enqueued_at"`
	StartedAt  time.Time       `json:"started_at,omitempty"`
	FinishedAt time.Time       `json:"finished_at,omitempty"`
	Error      string          `json:"error,omitempty"`
}

// QueueStats summarizes the operation queue.
type QueueStats struct {
	Queued    int `json:"queued"`
	Running   int `json:"running"`
	Completed int `json:"completed"`
	Failed    int `json:"failed"`
	// MaxWait is the longest time any operation spent queued.
	MaxWait time.Duration `json:"max_wait_ns"`
}

// LockInfo describes one held or contended lock key.
type LockInfo struct {
	Key     string `json:"key"`
	Mode    string `json:"mode"`
	Holders int    `json:"holders"`
	Waiters int    `json:"waiters"`
}
