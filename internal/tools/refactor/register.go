// Package refactor exposes the code-intelligence runtime as MCP tools:
// worker resolution and requests, edit-plan application, and the status
// views over workers, locks, the operation queue and the journal.
package refactor

import (
	"encoding/json"
	"fmt"
	"log"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"

	"github.com/jaakkos/codeloom/internal/app"
	"github.com/jaakkos/codeloom/internal/domain"
)

// registrar adds tools that the policy enables and skips the rest.
type registrar struct {
	s      *server.MCPServer
	pol    app.Policy
	logger *log.Logger
	added  []string
}

func (r *registrar) add(tool mcp.Tool, handler server.ToolHandlerFunc) {
	if !r.pol.IsToolEnabled(tool.Name) {
		r.logger.Printf("Tools: %s disabled by config", tool.Name)
		return
	}
	r.s.AddTool(tool, handler)
	r.added = append(r.added, tool.Name)
}

// Register registers the refactoring tools with the mcp-go server and
// returns the names of the tools that were enabled.
func Register(s *server.MCPServer, rt *app.Runtime, logger *log.Logger) []string {
	r := &registrar{s: s, pol: rt.Policy(), logger: logger}

	// Worker tools (3)
	registerResolveWorker(r, rt)
	registerWorkerRequest(r, rt)
	registerRestartWorker(r, rt)

	// Edit plans (1)
	registerApplyEditPlan(r, rt)

	// Status tools (4)
	registerWorkerStatus(r, rt)
	registerLockStatus(r, rt)
	registerQueueStats(r, rt)
	registerPlanHistory(r, rt)

	return r.added
}

// toolError reports err as a tool-level error prefixed with its stable code
// so callers can branch on it without parsing prose.
func toolError(err error) *mcp.CallToolResult {
	return mcp.NewToolResultError(fmt.Sprintf("%s: %v", domain.Code(err), err))
}

func jsonResult(v any) (*mcp.CallToolResult, error) {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return nil, fmt.Errorf("encode result: %w", err)
	}
	return mcp.NewToolResultText(string(data)), nil
}
