package worker

import (
	"context"
	"encoding/json"

	"github.com/jaakkos/codeloom/internal/domain"
)

// Handle refers to one generation of a worker. It does not keep the
// process alive: once that generation is gone every call fails with
// domain.ErrWorkerCrashed and the caller resolves again.
type Handle struct {
	reg        *Registry
	name       string
	generation uint64
	caps       domain.CapabilitySet
}

// Name returns the worker name.
func (h *Handle) Name() string { return h.name }

// Generation returns the instance generation the handle is bound to.
func (h *Handle) Generation() uint64 { return h.generation }

// Capabilities returns the capabilities the instance advertised.
func (h *Handle) Capabilities() domain.CapabilitySet { return h.caps }

// Alive reports whether the bound generation is still live.
func (h *Handle) Alive() bool {
	_, err := h.reg.instance(h.name, h.generation)
	return err == nil
}

// Call sends method to the worker and decodes the result into out.
func (h *Handle) Call(ctx context.Context, method string, params, out any) error {
	inst, err := h.reg.instance(h.name, h.generation)
	if err != nil {
		return err
	}
	return inst.Call(ctx, method, params, out)
}

// Request sends method and returns the raw result.
func (h *Handle) Request(ctx context.Context, method string, params any) (json.RawMessage, error) {
	var raw json.RawMessage
	if err := h.Call(ctx, method, params, &raw); err != nil {
		return nil, err
	}
	return raw, nil
}

// Notify sends a notification to the worker.
func (h *Handle) Notify(method string, params any) error {
	inst, err := h.reg.instance(h.name, h.generation)
	if err != nil {
		return err
	}
	return inst.Notify(method, params)
}
