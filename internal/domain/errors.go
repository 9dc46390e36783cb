package domain

import (
	"errors"
	"fmt"
	"strings"
)

// Runtime error taxonomy. Match with errors.Is.
var (
	ErrSpawnFailed           = errors.New("spawn failed")
	ErrWorkerCrashed         = errors.New("worker crashed")
	ErrTimeout               = errors.New("request timed out")
	ErrCapabilityUnsupported = errors.New("capability unsupported")
	ErrLockTimeout           = errors.New("lock timeout")
	ErrPartialApplyFailure   = errors.New("partial apply failure")
	ErrProtocolError         = errors.New("protocol error")
	ErrQueueFull             = errors.New("operation queue full")
)

var codes = []struct {
	kind error
	code string
}{
	{ErrSpawnFailed, "SPAWN_FAILED"},
	{ErrWorkerCrashed, "WORKER_CRASHED"},
	{ErrTimeout, "TIMEOUT"},
	{ErrCapabilityUnsupported, "CAPABILITY_UNSUPPORTED"},
	{ErrLockTimeout, "LOCK_TIMEOUT"},
	{ErrPartialApplyFailure, "PARTIAL_APPLY_FAILURE"},
	{ErrProtocolError, "PROTOCOL_ERROR"},
	{ErrQueueFull, "QUEUE_FULL"},
}

// Error is a classified runtime error. Kind is one of the sentinels above.
type Error struct {
	Kind error
	Op   string // e.g. "resolve", "spawn", "acquire"
	Key  string // worker name, lock key, method
	Err  error
}

// NewError builds a classified error.
func NewError(kind error, op, key string, err error) *Error {
	return &Error{Kind: kind, Op: op, Key: key, Err: err}
}

func (e *Error) Error() string {
	var b strings.Builder
	if e.Op != "" {
		b.WriteString(e.Op)
		b.WriteString(" ")
	}
	if e.Key != "" {
		fmt.Fprintf(&b, "%s: ", e.Key)
	} else if e.Op != "" {
		b.WriteString(": ")
	}
	b.WriteString(e.Kind.Error())
	if e.Err != nil {
		b.WriteString(": ")
		b.WriteString(e.Err.Error())
	}
	return b.String()
}

// Unwrap exposes both the kind and the cause to errors.Is / errors.As.
func (e *Error) Unwrap() []error {
	if e.Err == nil {
		return []error{e.Kind}
	}
	return []error{e.Kind, e.Err}
}

// Retryable reports whether a later attempt may succeed without caller changes.
func (e *Error) Retryable() bool {
	switch e.Kind {
	case ErrTimeout, ErrWorkerCrashed, ErrLockTimeout, ErrQueueFull:
		return true
	}
	return false
}

// Code returns the stable code of err's kind, or "INTERNAL". The outermost
// classified error wins.
func Code(err error) string {
	var e *Error
	if errors.As(err, &e) {
		err = e.Kind
	}
	for _, c := range codes {
		if errors.Is(err, c.kind) {
			return c.code
		}
	}
	return "INTERNAL"
}

// ResultError converts a failed result into an error wrapping
// ErrPartialApplyFailure. It returns nil for successful results.
func ResultError(r *EditPlanResult) error {
	if r == nil || r.Success {
		return nil
	}
	return NewError(ErrPartialApplyFailure, "apply", r.PlanID,
		fmt.Errorf("%d of %d file(s) failed: %s", len(r.Errors), len(r.Errors)+len(r.ModifiedFiles), strings.Join(r.Errors, "; ")))
}
