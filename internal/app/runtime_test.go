package app

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/jaakkos/codeloom/internal/domain"
	"github.com/jaakkos/codeloom/internal/policy"
	"github.com/jaakkos/codeloom/internal/repository/sqlite"
)

type recordingListener struct {
	mu      sync.Mutex
	events  []domain.WorkerEvent
	results []*domain.EditPlanResult
}

func (l *recordingListener) WorkerEvent(ev domain.WorkerEvent) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.events = append(l.events, ev)
}

func (l *recordingListener) PlanResult(res *domain.EditPlanResult) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.results = append(l.results, res)
}

func (l *recordingListener) counts() (int, int) {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.events), len(l.results)
}

// newTestRuntime starts a runtime over a temp workspace with one fake
// plugin worker and a SQLite journal.
func newTestRuntime(t *testing.T) (*Runtime, *sqlite.Store, string) {
	t.Helper()
	dir := t.TempDir()
	cfg := policy.DefaultConfig()
	cfg.WorkspaceRoot = dir
	cfg.Reaper.WatchBinaries = false
	cfg.Locks.TimeoutSeconds = 2
	cfg.Workers = []policy.WorkerConfig{{
		Name:                  "fake",
		Languages:             []string{"fake"},
		Extensions:            []string{".fake"},
		Capabilities:          []string{"refactoring"},
		Command:               []string{os.Args[0], "-test.run=^$"},
		Env:                   map[string]string{fakeWorkerEnv: "1"},
		RequestTimeoutSeconds: 5,
	}}

	store, err := sqlite.New(filepath.Join(t.TempDir(), "journal.sqlite"))
	if err != nil {
		t.Fatalf("sqlite.New: %v", err)
	}
	rt, err := NewRuntime(policy.New(cfg), store, nil)
	if err != nil {
		t.Fatalf("NewRuntime: %v", err)
	}
	rt.Start(context.Background())
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		_ = rt.Stop(ctx)
	})
	return rt, store, dir
}

func TestResolveWorkerAndApplyProposedPlan(t *testing.T) {
	rt, store, dir := newTestRuntime(t)
	listener := &recordingListener{}
	rt.AddListener(listener)
	ctx := context.Background()

	if err := os.WriteFile(filepath.Join(dir, "main.fake"), []byte("old\n"), 0o644); err != nil {
		t.Fatal(err)
	}

	h, err := rt.ResolveWorker(ctx, "main.fake", domain.CapRefactoring)
	if err != nil {
		t.Fatalf("ResolveWorker: %v", err)
	}
	if h.Name() != "fake" {
		t.Errorf("resolved %q, want fake", h.Name())
	}

	var plan domain.EditPlan
	if err := h.Call(ctx, "propose", map[string]string{"path": "main.fake", "content": "new\n"}, &plan); err != nil {
		t.Fatalf("propose: %v", err)
	}

	res, err := rt.ApplyPlan(ctx, &plan, false)
	if err != nil {
		t.Fatalf("ApplyPlan: %v", err)
	}
	if !res.Success || len(res.ModifiedFiles) != 1 || res.ModifiedFiles[0] != "main.fake" {
		t.Errorf("result = %+v", res)
	}
	got, _ := os.ReadFile(filepath.Join(dir, "main.fake"))
	if string(got) != "new\n" {
		t.Errorf("content = %q", got)
	}

	plans, err := store.ListPlans(ctx, 0)
	if err != nil {
		t.Fatalf("ListPlans: %v", err)
	}
	if len(plans) != 1 || plans[0].Tool != "propose" || !plans[0].Success {
		t.Errorf("journaled plans = %+v", plans)
	}
	events, err := store.ListWorkerEvents(ctx, "fake", 0)
	if err != nil {
		t.Fatalf("ListWorkerEvents: %v", err)
	}
	if len(events) == 0 || events[len(events)-1].Event != "spawned" {
		t.Errorf("worker events = %+v", events)
	}

	nEvents, nResults := listener.counts()
	if nEvents == 0 || nResults != 1 {
		t.Errorf("listener saw %d events, %d results", nEvents, nResults)
	}
	if running := rt.RunningWorkers(); len(running) != 1 || running[0] != "fake" {
		t.Errorf("RunningWorkers = %v", running)
	}
}

func TestResolveWorkerUnknownKey(t *testing.T) {
	rt, _, _ := newTestRuntime(t)
	_, err := rt.ResolveWorker(context.Background(), "cobol", "")
	if !errors.Is(err, domain.ErrCapabilityUnsupported) {
		t.Errorf("err = %v, want ErrCapabilityUnsupported", err)
	}
}

func TestApplyPlanRejectsPathOutsideWorkspace(t *testing.T) {
	rt, _, dir := newTestRuntime(t)
	content := "x"
	plan := &domain.EditPlan{Edits: []domain.FileEdit{
		{Path: "inside.txt", Kind: domain.EditCreate, Content: &content},
		{Path: "../escape.txt", Kind: domain.EditCreate, Content: &content},
	}}

	res, err := rt.ApplyPlan(context.Background(), plan, false)
	if err != nil {
		t.Fatalf("ApplyPlan: %v", err)
	}
	if res.Success {
		t.Fatal("plan escaping the workspace should not succeed")
	}
	if len(res.Errors) != 1 || !strings.Contains(res.Errors[0], "outside workspace") {
		t.Errorf("errors = %v", res.Errors)
	}
	if _, err := os.Stat(filepath.Join(dir, "inside.txt")); err != nil {
		t.Errorf("valid edit should still apply: %v", err)
	}
	if _, err := os.Stat(filepath.Join(filepath.Dir(dir), "escape.txt")); !os.IsNotExist(err) {
		t.Error("escaping edit must not be written")
	}
}

func TestDryRunThroughRuntime(t *testing.T) {
	rt, _, dir := newTestRuntime(t)
	path := filepath.Join(dir, "a.txt")
	os.WriteFile(path, []byte("one\n"), 0o644)
	content := "two\n"
	plan := &domain.EditPlan{Edits: []domain.FileEdit{{Path: "a.txt", Content: &content}}}

	res, err := rt.ApplyPlan(context.Background(), plan, true)
	if err != nil {
		t.Fatalf("ApplyPlan: %v", err)
	}
	if !res.DryRun || len(res.Previews) != 1 || !strings.Contains(res.Previews[0].Patch, "+two") {
		t.Errorf("result = %+v", res)
	}
	got, _ := os.ReadFile(path)
	if string(got) != "one\n" {
		t.Errorf("dry run modified the file: %q", got)
	}
	if stats := rt.QueueStats(); stats.Completed != 0 {
		t.Errorf("dry run went through the queue: %+v", stats)
	}
}

func TestStatusReportsEveryWorker(t *testing.T) {
	rt, _, dir := newTestRuntime(t)
	st := rt.Status()
	if st.Workspace != dir {
		t.Errorf("Workspace = %q", st.Workspace)
	}
	if st.StartedAt.IsZero() {
		t.Error("StartedAt should be set after Start")
	}
	names := make(map[string]bool)
	for _, w := range st.Workers {
		names[w.Name] = true
	}
	for _, want := range []string{"fake", "gopls", "pylsp"} {
		if !names[want] {
			t.Errorf("status missing worker %s (have %v)", want, names)
		}
	}
}

func TestStopIsIdempotentAndRefusesResolutions(t *testing.T) {
	rt, _, _ := newTestRuntime(t)
	ctx := context.Background()
	if _, err := rt.ResolveWorker(ctx, "fake", ""); err != nil {
		t.Fatalf("ResolveWorker: %v", err)
	}

	if err := rt.Stop(ctx); err != nil {
		t.Fatalf("Stop: %v", err)
	}
	if err := rt.Stop(ctx); err != nil {
		t.Fatalf("second Stop: %v", err)
	}
	if _, err := rt.ResolveWorker(ctx, "fake", ""); !errors.Is(err, domain.ErrSpawnFailed) {
		t.Errorf("resolve after stop: err = %v, want ErrSpawnFailed", err)
	}
	if len(rt.RunningWorkers()) != 0 {
		t.Errorf("workers still running after stop: %v", rt.RunningWorkers())
	}
}

func TestNewRuntimeRejectsBadWorker(t *testing.T) {
	cfg := policy.DefaultConfig()
	cfg.WorkspaceRoot = t.TempDir()
	cfg.Workers = []policy.WorkerConfig{{Name: "broken"}}
	if _, err := NewRuntime(policy.New(cfg), nil, nil); err == nil {
		t.Error("expected error for worker without command")
	}
}
