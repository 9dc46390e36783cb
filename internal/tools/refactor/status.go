package refactor

import (
	"context"
	"fmt"
	"strings"

	"github.com/mark3labs/mcp-go/mcp"

	"github.com/jaakkos/codeloom/internal/app"
	"github.com/jaakkos/codeloom/internal/domain"
)

func registerLockStatus(r *registrar, rt *app.Runtime) {
	r.add(
		mcp.NewTool("lock_status",
			mcp.WithDescription("List resource locks that are held or waited on: key, mode (shared/exclusive), holder count and queued waiters."),
		),
		func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
			return mcp.NewToolResultText(formatLocks(rt.Locks().Snapshot())), nil
		},
	)
}

func formatLocks(locks []domain.LockInfo) string {
	if len(locks) == 0 {
		return "No locks held"
	}
	var b strings.Builder
	b.WriteString("=== Locks ===\n\n")
	for _, l := range locks {
		fmt.Fprintf(&b, "  - %s [%s] holders=%d waiters=%d\n", l.Key, l.Mode, l.Holders, l.Waiters)
	}
	return b.String()
}

// queueReport is the queue_stats response.
type queueReport struct {
	Stats   domain.QueueStats   `json:"stats"`
	Entries []domain.QueueEntry `json:"entries"`
	Slow    []string            `json:"slow,omitempty"`
}

func registerQueueStats(r *registrar, rt *app.Runtime) {
	r.add(
		mcp.NewTool("queue_stats",
			mcp.WithDescription("Show operation queue counters (queued, running, completed, failed, longest wait) and the status of each admitted operation. Finished operations are listed once and then dropped."),
		),
		func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
			rep := queueReport{
				Stats:   rt.QueueStats(),
				Entries: rt.Queue().Report(),
			}
			if rep.Entries == nil {
				rep.Entries = []domain.QueueEntry{}
			}
			if wd := rt.Watchdog(); wd != nil {
				rep.Slow = wd.SlowOperations()
			}
			return jsonResult(rep)
		},
	)
}
