package refactor

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/mark3labs/mcp-go/mcp"

	"github.com/jaakkos/codeloom/internal/app"
	"github.com/jaakkos/codeloom/internal/domain"
	"github.com/jaakkos/codeloom/internal/editplan"
)

func registerApplyEditPlan(r *registrar, rt *app.Runtime) {
	r.add(
		mcp.NewTool("apply_edit_plan",
			mcp.WithDescription("Apply an edit plan to the workspace, or preview it as unified diffs with dry_run. Accepts either a plan ({edits:[{path,kind,content|text_edits|diff,new_path}]}) or an LSP WorkspaceEdit as returned by rename and code actions. Files are locked exclusively while they are written; overlapping plans run one after another."),
			mcp.WithObject("plan", mcp.Description("Edit plan (JSON object)")),
			mcp.WithObject("workspace_edit", mcp.Description("LSP WorkspaceEdit (JSON object), used instead of plan")),
			mcp.WithBoolean("dry_run", mcp.Description("Preview only; no file is touched (default: false)")),
			mcp.WithBoolean("atomic", mcp.Description("Restore every touched file if any edit fails (default: false, best effort)")),
			mcp.WithString("tool", mcp.Description("Name of the refactoring that produced the plan, recorded in the journal")),
			mcp.WithString("intent", mcp.Description("Short description of the change, recorded in the journal")),
		),
		func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
			args := req.GetArguments()
			plan, err := planFromArgs(args)
			if err != nil {
				return nil, err
			}
			if optionalBool(args, "atomic") {
				plan.Atomic = true
			}
			if tool := optionalString(args, "tool", ""); tool != "" {
				plan.Metadata.Tool = tool
			}
			if intent := optionalString(args, "intent", ""); intent != "" {
				plan.Metadata.Intent = intent
			}

			res, err := rt.ApplyPlan(ctx, plan, optionalBool(args, "dry_run"))
			if err != nil {
				return toolError(err), nil
			}
			result, err := jsonResult(res)
			if err != nil {
				return nil, err
			}
			result.IsError = !res.Success
			return result, nil
		},
	)
}

// planFromArgs decodes the plan or workspace_edit argument; exactly one must be set.
func planFromArgs(args map[string]any) (*domain.EditPlan, error) {
	var plan domain.EditPlan
	hasPlan, err := decodeObject(args, "plan", &plan)
	if err != nil {
		return nil, err
	}
	var we editplan.WorkspaceEdit
	hasEdit, err := decodeObject(args, "workspace_edit", &we)
	if err != nil {
		return nil, err
	}
	switch {
	case hasPlan && hasEdit:
		return nil, errors.New("pass either plan or workspace_edit, not both")
	case hasPlan:
		return &plan, nil
	case hasEdit:
		return editplan.FromWorkspaceEdit(we, domain.PlanMetadata{Tool: "workspace_edit"})
	default:
		return nil, errors.New("plan or workspace_edit is required")
	}
}

func registerPlanHistory(r *registrar, rt *app.Runtime) {
	r.add(
		mcp.NewTool("plan_history",
			mcp.WithDescription("Show recently applied or previewed edit plans from the journal, newest first. Pass worker to list that worker's lifecycle events (spawned, crashed, recycled) instead."),
			mcp.WithNumber("limit", mcp.Description("Maximum entries (default: 20)")),
			mcp.WithString("worker", mcp.Description("List lifecycle events for this worker instead of plans")),
		),
		func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
			args := req.GetArguments()
			limit := int(optionalFloat64(args, "limit", 20))
			if limit < 1 {
				limit = 20
			}
			journal := rt.Journal()
			if journal == nil {
				return mcp.NewToolResultText("Journal disabled (state_file: none)"), nil
			}

			if name := optionalString(args, "worker", ""); name != "" {
				events, err := journal.ListWorkerEvents(ctx, name, limit)
				if err != nil {
					return nil, fmt.Errorf("list worker events: %w", err)
				}
				return mcp.NewToolResultText(formatWorkerEvents(name, events)), nil
			}
			plans, err := journal.ListPlans(ctx, limit)
			if err != nil {
				return nil, fmt.Errorf("list plans: %w", err)
			}
			return mcp.NewToolResultText(formatPlans(plans)), nil
		},
	)
}

func planOutcome(p domain.PlanRecord) string {
	switch {
	case p.DryRun:
		return "previewed"
	case p.RolledBack:
		return "rolled back"
	case p.Success:
		return "applied"
	case len(p.ModifiedFiles) > 0:
		return "partially applied"
	default:
		return "failed"
	}
}

func formatPlans(plans []domain.PlanRecord) string {
	if len(plans) == 0 {
		return "No plans recorded"
	}
	var b strings.Builder
	b.WriteString("=== Plan History ===\n\n")
	for _, p := range plans {
		label := p.Tool
		if label == "" {
			label = "plan"
		}
		fmt.Fprintf(&b, "  - %s %s [%s] %s: %d file(s) in %dms\n",
			p.AppliedAt.Local().Format(time.DateTime), p.PlanID, label, planOutcome(p), len(p.ModifiedFiles), p.DurationMs)
		if p.Intent != "" {
			fmt.Fprintf(&b, "      %s\n", p.Intent)
		}
		for _, e := range p.Errors {
			fmt.Fprintf(&b, "      error: %s\n", e)
		}
	}
	return b.String()
}

func formatWorkerEvents(name string, events []domain.WorkerEvent) string {
	if len(events) == 0 {
		return fmt.Sprintf("No events recorded for %s", name)
	}
	var b strings.Builder
	fmt.Fprintf(&b, "=== %s events ===\n\n", name)
	for _, ev := range events {
		fmt.Fprintf(&b, "  - %s gen %d %s", ev.At.Local().Format(time.DateTime), ev.Generation, ev.Event)
		if ev.PID > 0 {
			fmt.Fprintf(&b, " (pid %d)", ev.PID)
		}
		if ev.Detail != "" {
			fmt.Fprintf(&b, ": %s", ev.Detail)
		}
		b.WriteString("\n")
	}
	return b.String()
}
