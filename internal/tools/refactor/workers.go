package refactor

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/mark3labs/mcp-go/mcp"

	"github.com/jaakkos/codeloom/internal/app"
	"github.com/jaakkos/codeloom/internal/domain"
)

// resolvedWorker is the resolve_worker response.
type resolvedWorker struct {
	Name         string   `json:"name"`
	Generation   uint64   `json:"generation"`
	Capabilities []string `json:"capabilities"`
}

func registerResolveWorker(r *registrar, rt *app.Runtime) {
	r.add(
		mcp.NewTool("resolve_worker",
			mcp.WithDescription("Find (spawning if needed) the worker that serves a language, file extension, file path or worker name, and check it supports a capability. Returns the worker name, its instance generation and advertised capabilities."),
			mcp.WithString("key", mcp.Required(), mcp.Description("Worker name, language id (go), extension (.go) or file path (internal/app/runtime.go)")),
			mcp.WithString("capability", mcp.Description("Required capability, e.g. refactoring, references, rename, definition, diagnostics. Empty matches any worker.")),
		),
		func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
			args := req.GetArguments()
			key, err := requireString(args, "key")
			if err != nil {
				return nil, err
			}
			capability := domain.Capability(optionalString(args, "capability", ""))

			h, err := rt.ResolveWorker(ctx, key, capability)
			if err != nil {
				return toolError(err), nil
			}
			return jsonResult(resolvedWorker{
				Name:         h.Name(),
				Generation:   h.Generation(),
				Capabilities: h.Capabilities().Slice(),
			})
		},
	)
}

func registerWorkerRequest(r *registrar, rt *app.Runtime) {
	r.add(
		mcp.NewTool("worker_request",
			mcp.WithDescription("Send a JSON-RPC request to the worker serving key and return its raw result. Use resolve_worker first to see what a worker supports."),
			mcp.WithString("key", mcp.Required(), mcp.Description("Worker name, language id, extension or file path")),
			mcp.WithString("method", mcp.Required(), mcp.Description("JSON-RPC method, e.g. textDocument/references")),
			mcp.WithObject("params", mcp.Description("Request params (JSON object)")),
			mcp.WithString("capability", mcp.Description("Capability the worker must support (default: any)")),
			mcp.WithNumber("timeout_seconds", mcp.Description("Deadline for this request; the worker's own timeout still applies")),
		),
		func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
			args := req.GetArguments()
			key, err := requireString(args, "key")
			if err != nil {
				return nil, err
			}
			method, err := requireString(args, "method")
			if err != nil {
				return nil, err
			}
			var params json.RawMessage
			if _, err := decodeObject(args, "params", &params); err != nil {
				return nil, err
			}
			if secs := optionalFloat64(args, "timeout_seconds", 0); secs > 0 {
				var cancel context.CancelFunc
				ctx, cancel = context.WithTimeout(ctx, time.Duration(secs*float64(time.Second)))
				defer cancel()
			}

			h, err := rt.ResolveWorker(ctx, key, domain.Capability(optionalString(args, "capability", "")))
			if err != nil {
				return toolError(err), nil
			}
			var p any
			if len(params) > 0 {
				p = params
			}
			result, err := h.Request(ctx, method, p)
			if err != nil {
				return toolError(err), nil
			}
			if len(result) == 0 {
				return mcp.NewToolResultText("null"), nil
			}
			return mcp.NewToolResultText(string(result)), nil
		},
	)
}

func registerRestartWorker(r *registrar, rt *app.Runtime) {
	r.add(
		mcp.NewTool("restart_worker",
			mcp.WithDescription("Terminate a worker so the next request spawns a fresh instance. Without a name, every running worker is restarted. Restarts do not count against the crash budget."),
			mcp.WithString("name", mcp.Description("Worker name (default: all running workers)")),
		),
		func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
			name := optionalString(req.GetArguments(), "name", "")
			if name == "" {
				restarted := rt.Registry().RestartWorkers()
				if len(restarted) == 0 {
					return mcp.NewToolResultText("No workers running"), nil
				}
				r.logger.Printf("Tools: restarted %s", strings.Join(restarted, ", "))
				return mcp.NewToolResultText("Restarted: " + strings.Join(restarted, ", ")), nil
			}
			if err := rt.Registry().Recycle(name); err != nil {
				return toolError(err), nil
			}
			r.logger.Printf("Tools: restarted %s", name)
			return mcp.NewToolResultText(fmt.Sprintf("Restarted %s; the next request spawns a new instance", name)), nil
		},
	)
}

func registerWorkerStatus(r *registrar, rt *app.Runtime) {
	r.add(
		mcp.NewTool("worker_status",
			mcp.WithDescription("List every configured worker with its state, process, generation, in-flight requests, restarts and time since its last output. Pass name to include the worker's recent stderr."),
			mcp.WithString("name", mcp.Description("Show stderr tail for this worker")),
		),
		func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
			detail := optionalString(req.GetArguments(), "name", "")
			st := rt.Status()
			return mcp.NewToolResultText(formatWorkerStatus(st, detail, time.Now())), nil
		},
	)
}

func formatWorkerStatus(st app.Status, detail string, now time.Time) string {
	var b strings.Builder
	b.WriteString("=== Worker Status ===\n\n")
	fmt.Fprintf(&b, "Workspace: %s\n", st.Workspace)
	if !st.StartedAt.IsZero() {
		fmt.Fprintf(&b, "Uptime: %s\n", now.Sub(st.StartedAt).Round(time.Second))
	}
	b.WriteString("\nWorkers:\n")
	if len(st.Workers) == 0 {
		b.WriteString("  (none configured)\n")
	}
	for _, w := range st.Workers {
		fmt.Fprintf(&b, "  - %s [%s] %s", w.Name, w.Protocol, w.State)
		if w.PID > 0 {
			fmt.Fprintf(&b, ", pid %d, gen %d", w.PID, w.Generation)
		}
		if w.InFlight > 0 {
			fmt.Fprintf(&b, ", %d in flight", w.InFlight)
		}
		if w.Restarts > 0 {
			fmt.Fprintf(&b, ", %d restart(s)", w.Restarts)
		}
		if w.Failures > 0 {
			fmt.Fprintf(&b, ", %d consecutive failure(s)", w.Failures)
		}
		if !w.LastOutputAt.IsZero() && w.PID > 0 {
			fmt.Fprintf(&b, ", output %s ago", now.Sub(w.LastOutputAt).Round(time.Second))
		}
		b.WriteString("\n")
		if len(w.Capabilities) > 0 {
			fmt.Fprintf(&b, "      capabilities: %s\n", strings.Join(w.Capabilities, ", "))
		}
		if w.Name == detail {
			if len(w.StderrTail) == 0 {
				b.WriteString("      stderr: (empty)\n")
			}
			for _, line := range w.StderrTail {
				fmt.Fprintf(&b, "      stderr: %s\n", line)
			}
		}
	}
	return b.String()
}
