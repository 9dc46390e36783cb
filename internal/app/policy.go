package app

import (
	"time"

	"github.com/jaakkos/codeloom/internal/domain"
	"github.com/jaakkos/codeloom/internal/policy"
)

// Policy is the configuration port used by the application.
// Implemented by internal/policy.Policy.
type Policy interface {
	WorkspaceRoot() string
	StateFile() string
	IsToolEnabled(name string) bool
	ValidatePath(path string) (string, error)
	Descriptors() ([]domain.WorkerDescriptor, error)
	LockTimeout() time.Duration
	Queue() policy.QueueConfig
	Reaper() policy.ReaperConfig
	JournalRetention() (int, time.Duration)
}
