package refactor

import (
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jaakkos/codeloom/internal/domain"
	"github.com/jaakkos/codeloom/internal/policy"
)

func TestRegister_AllToolsByDefault(t *testing.T) {
	rt, _ := newTestRuntime(t, nil)
	s := testServer(t, rt)
	assert.ElementsMatch(t,
		[]string{"resolve_worker", "worker_request", "apply_edit_plan", "worker_status", "restart_worker", "lock_status", "queue_stats", "plan_history"},
		listTools(t, s))
}

func TestRegister_RespectsEnabledTools(t *testing.T) {
	rt, _ := newTestRuntime(t, func(cfg *policy.Config) {
		cfg.EnabledTools = []string{"worker_status", "lock_status"}
	})
	s := testServer(t, rt)
	assert.ElementsMatch(t, []string{"worker_status", "lock_status"}, listTools(t, s))

	_, err := callTool(t, s, "apply_edit_plan", map[string]any{})
	require.Error(t, err, "disabled tool should not be callable")

	res, err := callTool(t, s, "lock_status", map[string]any{})
	require.NoError(t, err)
	assert.Equal(t, "No locks held", resultText(t, res))
}

func TestResolveWorker(t *testing.T) {
	rt, _ := newTestRuntime(t, nil)
	s := testServer(t, rt)

	res, err := callTool(t, s, "resolve_worker", map[string]any{"key": "src/main.fake", "capability": "references"})
	require.NoError(t, err)
	require.False(t, res.IsError, resultText(t, res))

	var got resolvedWorker
	require.NoError(t, json.Unmarshal([]byte(resultText(t, res)), &got))
	assert.Equal(t, "fake", got.Name)
	assert.Equal(t, uint64(1), got.Generation)
	assert.Contains(t, got.Capabilities, "references")
}

func TestResolveWorker_Errors(t *testing.T) {
	rt, _ := newTestRuntime(t, nil)
	s := testServer(t, rt)

	_, err := callTool(t, s, "resolve_worker", map[string]any{})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "key is required")

	res, err := callTool(t, s, "resolve_worker", map[string]any{"key": "cobol"})
	require.NoError(t, err)
	assert.True(t, res.IsError)
	assert.True(t, strings.HasPrefix(resultText(t, res), "CAPABILITY_UNSUPPORTED:"), resultText(t, res))

	res, err = callTool(t, s, "resolve_worker", map[string]any{"key": "fake", "capability": "formatting"})
	require.NoError(t, err)
	assert.True(t, res.IsError)
	assert.Contains(t, resultText(t, res), "CAPABILITY_UNSUPPORTED")
}

func TestWorkerRequest_Echo(t *testing.T) {
	rt, _ := newTestRuntime(t, nil)
	s := testServer(t, rt)

	res, err := callTool(t, s, "worker_request", map[string]any{
		"key":    "fake",
		"method": "echo",
		"params": map[string]any{"symbol": "Runtime"},
	})
	require.NoError(t, err)
	require.False(t, res.IsError, resultText(t, res))
	assert.JSONEq(t, `{"symbol":"Runtime"}`, resultText(t, res))

	res, err = callTool(t, s, "worker_request", map[string]any{"key": "fake", "method": "echo"})
	require.NoError(t, err)
	assert.Equal(t, "null", resultText(t, res))
}

func TestWorkerRequest_TimeoutAndUnknownMethod(t *testing.T) {
	rt, _ := newTestRuntime(t, nil)
	s := testServer(t, rt)

	// Spawn first so the short deadline only covers the request.
	_, err := callTool(t, s, "resolve_worker", map[string]any{"key": "fake"})
	require.NoError(t, err)

	res, err := callTool(t, s, "worker_request", map[string]any{"key": "fake", "method": "hang", "timeout_seconds": 0.2})
	require.NoError(t, err)
	assert.True(t, res.IsError)
	assert.True(t, strings.HasPrefix(resultText(t, res), "TIMEOUT:"), resultText(t, res))

	res, err = callTool(t, s, "worker_request", map[string]any{"key": "fake", "method": "nope"})
	require.NoError(t, err)
	assert.True(t, res.IsError)

	_, err = callTool(t, s, "worker_request", map[string]any{"key": "fake"})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "method is required")
}

func TestApplyEditPlan_PlanObject(t *testing.T) {
	rt, dir := newTestRuntime(t, nil)
	s := testServer(t, rt)
	require.NoError(t, os.WriteFile(filepath.Join(dir, "a.txt"), []byte("one\n"), 0o644))

	plan := map[string]any{
		"edits": []any{
			map[string]any{"path": "a.txt", "kind": "write", "content": "two\n"},
			map[string]any{"path": "b.txt", "kind": "create", "content": "new\n"},
		},
	}

	res, err := callTool(t, s, "apply_edit_plan", map[string]any{"plan": plan, "dry_run": true})
	require.NoError(t, err)
	require.False(t, res.IsError, resultText(t, res))
	var preview domain.EditPlanResult
	require.NoError(t, json.Unmarshal([]byte(resultText(t, res)), &preview))
	assert.True(t, preview.DryRun)
	require.Len(t, preview.Previews, 2)
	assert.Contains(t, preview.Previews[0].Patch, "+two")
	_, statErr := os.Stat(filepath.Join(dir, "b.txt"))
	assert.True(t, os.IsNotExist(statErr), "dry run must not create files")

	res, err = callTool(t, s, "apply_edit_plan", map[string]any{"plan": plan, "tool": "extract", "intent": "split a.txt"})
	require.NoError(t, err)
	require.False(t, res.IsError, resultText(t, res))
	var applied domain.EditPlanResult
	require.NoError(t, json.Unmarshal([]byte(resultText(t, res)), &applied))
	assert.True(t, applied.Success)
	assert.Equal(t, []string{"a.txt", "b.txt"}, applied.ModifiedFiles)
	assert.Equal(t, "extract", applied.Metadata.Tool)

	got, err := os.ReadFile(filepath.Join(dir, "a.txt"))
	require.NoError(t, err)
	assert.Equal(t, "two\n", string(got))

	hist, err := callTool(t, s, "plan_history", map[string]any{})
	require.NoError(t, err)
	text := resultText(t, hist)
	assert.Contains(t, text, "[extract] applied: 2 file(s)")
	assert.Contains(t, text, "split a.txt")
	assert.Contains(t, text, "previewed")
}

func TestApplyEditPlan_WorkspaceEdit(t *testing.T) {
	rt, dir := newTestRuntime(t, nil)
	s := testServer(t, rt)
	path := filepath.Join(dir, "main.fake")
	require.NoError(t, os.WriteFile(path, []byte("let old = 1\n"), 0o644))

	edit := map[string]any{
		"changes": map[string]any{
			"file://" + path: []any{
				map[string]any{
					"range": map[string]any{
						"start": map[string]any{"line": 0, "character": 4},
						"end":   map[string]any{"line": 0, "character": 7},
					},
					"newText": "renamed",
				},
			},
		},
	}
	res, err := callTool(t, s, "apply_edit_plan", map[string]any{"workspace_edit": edit})
	require.NoError(t, err)
	require.False(t, res.IsError, resultText(t, res))

	got, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Equal(t, "let renamed = 1\n", string(got))
}

func TestApplyEditPlan_PartialFailureIsToolError(t *testing.T) {
	rt, dir := newTestRuntime(t, nil)
	s := testServer(t, rt)

	plan := map[string]any{
		"edits": []any{
			map[string]any{"path": "ok.txt", "kind": "create", "content": "x"},
			map[string]any{"path": "../outside.txt", "kind": "create", "content": "x"},
		},
	}
	res, err := callTool(t, s, "apply_edit_plan", map[string]any{"plan": plan})
	require.NoError(t, err)
	assert.True(t, res.IsError)

	var out domain.EditPlanResult
	require.NoError(t, json.Unmarshal([]byte(resultText(t, res)), &out))
	assert.False(t, out.Success)
	assert.Equal(t, []string{"ok.txt"}, out.ModifiedFiles)
	require.Len(t, out.Errors, 1)
	assert.Contains(t, out.Errors[0], "outside workspace")
	_, statErr := os.Stat(filepath.Join(dir, "ok.txt"))
	assert.NoError(t, statErr)
}

func TestApplyEditPlan_ArgumentErrors(t *testing.T) {
	rt, _ := newTestRuntime(t, nil)
	s := testServer(t, rt)

	tests := []struct {
		name    string
		args    map[string]any
		wantErr string
	}{
		{"nothing", map[string]any{}, "plan or workspace_edit is required"},
		{"both", map[string]any{"plan": map[string]any{"edits": []any{}}, "workspace_edit": map[string]any{}}, "not both"},
		{"bad json string", map[string]any{"plan": "{not json"}, "plan is not valid"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := callTool(t, s, "apply_edit_plan", tt.args)
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.wantErr)
		})
	}
}

func TestWorkerStatusAndRestart(t *testing.T) {
	rt, _ := newTestRuntime(t, nil)
	s := testServer(t, rt)

	res, err := callTool(t, s, "restart_worker", map[string]any{})
	require.NoError(t, err)
	assert.Equal(t, "No workers running", resultText(t, res))

	_, err = callTool(t, s, "resolve_worker", map[string]any{"key": "fake"})
	require.NoError(t, err)

	res, err = callTool(t, s, "worker_status", map[string]any{"name": "fake"})
	require.NoError(t, err)
	text := resultText(t, res)
	assert.Contains(t, text, "=== Worker Status ===")
	assert.Contains(t, text, "- fake [plugin] ready")
	assert.Contains(t, text, "gen 1")
	assert.Contains(t, text, "- gopls [lsp] ")

	res, err = callTool(t, s, "restart_worker", map[string]any{"name": "fake"})
	require.NoError(t, err)
	require.False(t, res.IsError, resultText(t, res))
	assert.Contains(t, resultText(t, res), "Restarted fake")

	res, err = callTool(t, s, "resolve_worker", map[string]any{"key": "fake"})
	require.NoError(t, err)
	var got resolvedWorker
	require.NoError(t, json.Unmarshal([]byte(resultText(t, res)), &got))
	assert.Equal(t, uint64(2), got.Generation, "restart should yield a new generation")

	res, err = callTool(t, s, "restart_worker", map[string]any{"name": "missing"})
	require.NoError(t, err)
	assert.True(t, res.IsError)

	hist, err := callTool(t, s, "plan_history", map[string]any{"worker": "fake"})
	require.NoError(t, err)
	assert.Contains(t, resultText(t, hist), "recycled")
}

func TestQueueStats(t *testing.T) {
	rt, _ := newTestRuntime(t, nil)
	s := testServer(t, rt)

	content := "x"
	_, err := rt.ApplyPlan(t.Context(), &domain.EditPlan{Edits: []domain.FileEdit{{Path: "q.txt", Kind: domain.EditCreate, Content: &content}}}, false)
	require.NoError(t, err)

	res, err := callTool(t, s, "queue_stats", map[string]any{})
	require.NoError(t, err)
	var rep queueReport
	require.NoError(t, json.Unmarshal([]byte(resultText(t, res)), &rep))
	assert.Equal(t, 1, rep.Stats.Completed)
	require.Len(t, rep.Entries, 1)
	assert.Equal(t, domain.StatusDone, rep.Entries[0].Status)

	// Finished entries are reported once.
	res, err = callTool(t, s, "queue_stats", map[string]any{})
	require.NoError(t, err)
	require.NoError(t, json.Unmarshal([]byte(resultText(t, res)), &rep))
	assert.Empty(t, rep.Entries)
}

func TestFormatters(t *testing.T) {
	assert.Equal(t, "No locks held", formatLocks(nil))
	assert.Contains(t, formatLocks([]domain.LockInfo{{Key: "/w/a.go", Mode: "exclusive", Holders: 1, Waiters: 2}}), "/w/a.go [exclusive] holders=1 waiters=2")
	assert.Equal(t, "No plans recorded", formatPlans(nil))

	tests := []struct {
		rec  domain.PlanRecord
		want string
	}{
		{domain.PlanRecord{DryRun: true}, "previewed"},
		{domain.PlanRecord{RolledBack: true}, "rolled back"},
		{domain.PlanRecord{Success: true}, "applied"},
		{domain.PlanRecord{ModifiedFiles: []string{"a"}}, "partially applied"},
		{domain.PlanRecord{}, "failed"},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, planOutcome(tt.rec))
	}
}

func TestToolErrorCarriesCode(t *testing.T) {
	res := toolError(domain.NewError(domain.ErrLockTimeout, "acquire", "/w/a.go", nil))
	require.True(t, res.IsError)
	require.Len(t, res.Content, 1)
	text := res.Content[0].(mcp.TextContent).Text
	assert.True(t, strings.HasPrefix(text, "LOCK_TIMEOUT: "), text)
}
