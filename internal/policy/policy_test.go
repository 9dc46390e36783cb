package policy

import (
	"os"
	"path/filepath"
	"reflect"
	"strings"
	"testing"
	"time"

	"github.com/jaakkos/codeloom/internal/domain"
)

func TestDefaultConfig(t *testing.T) {
	cfg := DefaultConfig()

	if cfg.Locks.TimeoutSeconds != 30 {
		t.Errorf("expected lock timeout 30s, got %d", cfg.Locks.TimeoutSeconds)
	}

	if cfg.Queue.MaxQueued != 1000 {
		t.Errorf("expected max queued 1000, got %d", cfg.Queue.MaxQueued)
	}

	if cfg.StateFile != "" {
		t.Errorf("expected empty state_file by default, got %q", cfg.StateFile)
	}

	if len(cfg.EnabledTools) != 1 || cfg.EnabledTools[0] != "*" {
		t.Errorf("expected enabled_tools [*], got %v", cfg.EnabledTools)
	}
}

func TestValidatePath(t *testing.T) {
	tmpDir := t.TempDir()
	cfg := &Config{WorkspaceRoot: tmpDir}
	pol := New(cfg)

	tests := []struct {
		name    string
		path    string
		wantErr bool
	}{
		{
			name:    "relative path within workspace",
			path:    "subdir/file.go",
			wantErr: false,
		},
		{
			name:    "absolute path within workspace",
			path:    filepath.Join(tmpDir, "file.go"),
			wantErr: false,
		},
		{
			name:    "dot-dot prefixed file name stays inside",
			path:    "..hidden",
			wantErr: false,
		},
		{
			name:    "path escaping workspace",
			path:    "../outside.go",
			wantErr: true,
		},
		{
			name:    "parent directory itself",
			path:    "..",
			wantErr: true,
		},
		{
			name:    "absolute path outside workspace",
			path:    "/etc/passwd",
			wantErr: true,
		},
		{
			name:    "workspace root as dot",
			path:    ".",
			wantErr: true,
		},
		{
			name:    "workspace root through dot-dot",
			path:    "subdir/..",
			wantErr: true,
		},
		{
			name:    "workspace root absolute",
			path:    tmpDir,
			wantErr: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := pol.ValidatePath(tt.path)
			if (err != nil) != tt.wantErr {
				t.Errorf("ValidatePath(%q) error = %v, wantErr %v", tt.path, err, tt.wantErr)
			}
		})
	}
}

func TestValidatePathReturnsAbsolute(t *testing.T) {
	tmpDir := t.TempDir()
	pol := New(&Config{WorkspaceRoot: tmpDir})

	got, err := pol.ValidatePath("a/../b.go")
	if err != nil {
		t.Fatal(err)
	}
	if want := filepath.Join(tmpDir, "b.go"); got != want {
		t.Errorf("ValidatePath = %q, want %q", got, want)
	}
}

func TestValidatePathFollowsSymlinks(t *testing.T) {
	ws := t.TempDir()
	outside := t.TempDir()
	if err := os.Symlink(outside, filepath.Join(ws, "link")); err != nil {
		t.Skipf("symlinks unavailable: %v", err)
	}
	if err := os.Mkdir(filepath.Join(ws, "real"), 0o755); err != nil {
		t.Fatal(err)
	}
	if err := os.Symlink(filepath.Join(ws, "real"), filepath.Join(ws, "inner")); err != nil {
		t.Fatal(err)
	}
	pol := New(&Config{WorkspaceRoot: ws})

	tests := []struct {
		path    string
		wantErr bool
	}{
		{"link/pwned.txt", true},
		{"link", true},
		{"link/new/dir/file.txt", true},
		{"inner/file.txt", false},
		{"real/file.txt", false},
	}
	for _, tt := range tests {
		_, err := pol.ValidatePath(tt.path)
		if (err != nil) != tt.wantErr {
			t.Errorf("ValidatePath(%q) error = %v, wantErr %v", tt.path, err, tt.wantErr)
		}
	}
}

func TestIsToolEnabled(t *testing.T) {
	tests := []struct {
		name         string
		enabledTools []string
		toolName     string
		want         bool
	}{
		{"wildcard", []string{"*"}, "apply_edit_plan", true},
		{"listed", []string{"resolve_worker", "apply_edit_plan"}, "apply_edit_plan", true},
		{"not listed", []string{"resolve_worker"}, "apply_edit_plan", false},
		{"empty", nil, "resolve_worker", false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			pol := New(&Config{EnabledTools: tt.enabledTools})
			if got := pol.IsToolEnabled(tt.toolName); got != tt.want {
				t.Errorf("IsToolEnabled(%q) = %v, want %v", tt.toolName, got, tt.want)
			}
		})
	}
}

func TestStateFile(t *testing.T) {
	tests := []struct {
		name      string
		workspace string
		stateFile string
		want      string
	}{
		{"default", "/ws", "", GlobalStateFile()},
		{"absolute", "/ws", "/var/lib/codeloom.db", "/var/lib/codeloom.db"},
		{"relative", "/ws", ".codeloom/journal.db", "/ws/.codeloom/journal.db"},
		{"disabled", "/ws", "none", ""},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			pol := New(&Config{WorkspaceRoot: tt.workspace, StateFile: tt.stateFile})
			if got := pol.StateFile(); got != tt.want {
				t.Errorf("StateFile() = %q, want %q", got, tt.want)
			}
		})
	}
}

func TestLoadConfig(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "codeloom.yaml")
	yml := `
workspace_root: /srv/project
http_port: 7070
locks:
  timeout_seconds: 5
queue:
  max_concurrent: 2
  per_kind:
    refactor: 1
reaper:
  interval_ms: 250
workers:
  - name: gopls
    command: [gopls, -remote=auto]
    protocol: lsp
    capabilities: [navigation]
  - name: pylsp
    disabled: true
  - name: cb-toml
    extensions: [toml]
    command: ["{workspace}/bin/cb-toml"]
    capabilities: [manifest-editing]
    max_restarts: 0
    request_timeout_seconds: 2
`
	if err := os.WriteFile(path, []byte(yml), 0o644); err != nil {
		t.Fatal(err)
	}

	cfg, err := LoadConfig(path)
	if err != nil {
		t.Fatalf("LoadConfig: %v", err)
	}
	if cfg.WorkspaceRoot != "/srv/project" || cfg.HTTPPort != 7070 {
		t.Errorf("unexpected basics: %+v", cfg)
	}
	if !reflect.DeepEqual(cfg.EnabledTools, []string{"*"}) {
		t.Errorf("defaults should survive a partial file, got %v", cfg.EnabledTools)
	}

	pol := New(cfg)
	if got := pol.LockTimeout(); got != 5*time.Second {
		t.Errorf("LockTimeout = %v", got)
	}
	q := pol.Queue()
	if q.MaxConcurrent != 2 || q.MaxQueued != 1000 || q.PerKind["refactor"] != 1 {
		t.Errorf("Queue = %+v", q)
	}
	if r := pol.Reaper(); r.IntervalMs != 250 || r.RestartBurst != 3 {
		t.Errorf("Reaper = %+v", r)
	}

	descs, err := pol.Descriptors()
	if err != nil {
		t.Fatalf("Descriptors: %v", err)
	}
	var names []string
	byName := map[string]domain.WorkerDescriptor{}
	for _, d := range descs {
		names = append(names, d.Name)
		byName[d.Name] = d
	}
	want := []string{"gopls", "rust-analyzer", "typescript-language-server", "cb-toml"}
	if !reflect.DeepEqual(names, want) {
		t.Errorf("worker names = %v, want %v", names, want)
	}

	gopls := byName["gopls"]
	if gopls.Protocol != domain.ProtocolLSP || gopls.Capabilities.Has(domain.CapRefactoring) {
		t.Errorf("gopls override not applied: %+v", gopls)
	}
	toml := byName["cb-toml"]
	if toml.Protocol != domain.ProtocolPlugin {
		t.Errorf("protocol should default to plugin, got %q", toml.Protocol)
	}
	if toml.MaxRestarts != 0 {
		t.Errorf("explicit max_restarts 0 should be kept, got %d", toml.MaxRestarts)
	}
	if toml.RequestTimeout != 2*time.Second {
		t.Errorf("RequestTimeout = %v", toml.RequestTimeout)
	}
	if !toml.Matches("Cargo.toml") {
		t.Error("cb-toml should match Cargo.toml")
	}
}

func TestLoadConfigErrors(t *testing.T) {
	dir := t.TempDir()

	if _, err := LoadConfig(filepath.Join(dir, "missing.yaml")); err == nil {
		t.Error("expected error for missing file")
	}

	bad := filepath.Join(dir, "bad.yaml")
	os.WriteFile(bad, []byte("workers:\n  - command: [x]\n"), 0o644)
	if _, err := LoadConfig(bad); err == nil || !strings.Contains(err.Error(), "no name") {
		t.Errorf("expected unnamed worker error, got %v", err)
	}
}

func TestDescriptorRejectsBadWorkers(t *testing.T) {
	tests := []struct {
		name string
		w    WorkerConfig
		want string
	}{
		{"empty command", WorkerConfig{Name: "x"}, "empty command"},
		{"unknown protocol", WorkerConfig{Name: "x", Command: []string{"x"}, Protocol: "grpc"}, "unknown protocol"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := tt.w.Descriptor()
			if err == nil || !strings.Contains(err.Error(), tt.want) {
				t.Errorf("Descriptor() error = %v, want %q", err, tt.want)
			}
		})
	}
}

func TestConfigPathFromEnv(t *testing.T) {
	t.Setenv(EnvConfig, "")
	t.Setenv(EnvConfigLegacy, "/legacy.yaml")
	if got := ConfigPathFromEnv(); got != "/legacy.yaml" {
		t.Errorf("got %q", got)
	}
	t.Setenv(EnvConfig, "/new.yaml")
	if got := ConfigPathFromEnv(); got != "/new.yaml" {
		t.Errorf("got %q", got)
	}
}
