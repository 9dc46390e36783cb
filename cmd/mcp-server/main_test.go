package main

import (
	"bytes"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/jaakkos/codeloom/internal/domain"
)

// writeConfig writes a config rooted at a fresh workspace and returns both paths.
func writeConfig(t *testing.T, stateFile string) (cfgPath, workspace string) {
	t.Helper()
	workspace = t.TempDir()
	cfgPath = filepath.Join(t.TempDir(), "config.yaml")
	yaml := "workspace_root: " + workspace + "\nstate_file: " + stateFile + "\nlog_file: none\n"
	if err := os.WriteFile(cfgPath, []byte(yaml), 0o644); err != nil {
		t.Fatal(err)
	}
	return cfgPath, workspace
}

func run(t *testing.T, stdin string, args ...string) (string, error) {
	t.Helper()
	cmd := newRootCmd()
	var out, errOut bytes.Buffer
	cmd.SetOut(&out)
	cmd.SetErr(&errOut)
	cmd.SetIn(strings.NewReader(stdin))
	cmd.SetArgs(args)
	err := cmd.Execute()
	return out.String(), err
}

func TestVersionCommand(t *testing.T) {
	out, err := run(t, "", "version")
	if err != nil {
		t.Fatal(err)
	}
	if strings.TrimSpace(out) != "codeloom dev" {
		t.Errorf("version = %q", out)
	}
}

func TestApplyCommand(t *testing.T) {
	cfgPath, ws := writeConfig(t, "none")
	if err := os.WriteFile(filepath.Join(ws, "a.txt"), []byte("one\n"), 0o644); err != nil {
		t.Fatal(err)
	}
	plan := `{"edits":[{"path":"a.txt","content":"two\n"}],"metadata":{"tool":"cli"}}`
	planPath := filepath.Join(t.TempDir(), "plan.json")
	os.WriteFile(planPath, []byte(plan), 0o644)

	// Dry run leaves the file alone.
	out, err := run(t, "", "--config", cfgPath, "apply", "--dry-run", planPath)
	if err != nil {
		t.Fatalf("apply --dry-run: %v", err)
	}
	var res domain.EditPlanResult
	if err := json.Unmarshal([]byte(out), &res); err != nil {
		t.Fatalf("decode %q: %v", out, err)
	}
	if !res.DryRun || len(res.Previews) != 1 {
		t.Errorf("dry run result = %+v", res)
	}
	if got, _ := os.ReadFile(filepath.Join(ws, "a.txt")); string(got) != "one\n" {
		t.Errorf("dry run wrote %q", got)
	}

	// The plan can also come from stdin.
	if _, err := run(t, plan, "--config", cfgPath, "apply", "-"); err != nil {
		t.Fatalf("apply: %v", err)
	}
	if got, _ := os.ReadFile(filepath.Join(ws, "a.txt")); string(got) != "two\n" {
		t.Errorf("content = %q", got)
	}
}

func TestApplyCommandFailure(t *testing.T) {
	cfgPath, _ := writeConfig(t, "none")
	plan := `{"edits":[{"path":"../escape.txt","kind":"create","content":"x"}]}`

	out, err := run(t, plan, "--config", cfgPath, "apply", "-")
	if !errors.Is(err, errPlanFailed) {
		t.Fatalf("err = %v, want errPlanFailed", err)
	}
	if !strings.Contains(out, "outside workspace") {
		t.Errorf("result should be printed before failing: %s", out)
	}

	if _, err := run(t, "{not json", "--config", cfgPath, "apply", "-"); err == nil {
		t.Error("expected parse error")
	}
	if _, err := run(t, "", "--config", cfgPath, "apply"); err == nil {
		t.Error("expected argument error")
	}
}

func TestStatusCommand(t *testing.T) {
	cfgPath, ws := writeConfig(t, "journal.sqlite")
	plan := `{"edits":[{"path":"new.txt","kind":"create","content":"x"}],"metadata":{"intent":"add new.txt"}}`
	if _, err := run(t, plan, "--config", cfgPath, "apply", "-"); err != nil {
		t.Fatalf("apply: %v", err)
	}

	out, err := run(t, "", "--config", cfgPath, "status")
	if err != nil {
		t.Fatalf("status: %v", err)
	}
	for _, want := range []string{"workspace: " + ws, "gopls", "recent plans (1)", "add new.txt"} {
		if !strings.Contains(out, want) {
			t.Errorf("status output missing %q:\n%s", want, out)
		}
	}
}

func TestLoadConfigExplicitPathMustExist(t *testing.T) {
	if _, err := run(t, "", "--config", filepath.Join(t.TempDir(), "missing.yaml"), "status"); err == nil {
		t.Error("expected error for missing explicit config")
	}
}

func TestToFields(t *testing.T) {
	fields, err := toFields(map[string]any{"summary": "ok", "running_workers": []string{"gopls"}})
	if err != nil {
		t.Fatal(err)
	}
	if fields["summary"] != "ok" {
		t.Errorf("fields = %v", fields)
	}
}
