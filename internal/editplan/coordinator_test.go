package editplan

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jaakkos/codeloom/internal/domain"
	"github.com/jaakkos/codeloom/internal/lock"
	"github.com/jaakkos/codeloom/internal/opqueue"
	"github.com/jaakkos/codeloom/internal/policy"
)

type rootValidator string

func (r rootValidator) ValidatePath(p string) (string, error) {
	if !filepath.IsAbs(p) {
		p = filepath.Join(string(r), p)
	}
	p = filepath.Clean(p)
	rel, err := filepath.Rel(string(r), p)
	if err != nil || rel == ".." || strings.HasPrefix(rel, ".."+string(filepath.Separator)) {
		return "", fmt.Errorf("path %s is outside workspace", p)
	}
	return p, nil
}

type memJournal struct {
	mu      sync.Mutex
	records []domain.PlanRecord
}

func (j *memJournal) RecordPlan(_ context.Context, rec domain.PlanRecord) error {
	j.mu.Lock()
	defer j.mu.Unlock()
	j.records = append(j.records, rec)
	return nil
}

type fixture struct {
	dir   string
	locks *lock.Manager
	queue *opqueue.Queue
	coord *Coordinator
}

func newFixture(t *testing.T, tweak func(*Config)) *fixture {
	t.Helper()
	dir := t.TempDir()
	f := &fixture{
		dir:   dir,
		locks: lock.NewManager(),
		queue: opqueue.New(opqueue.DefaultConfig()),
	}
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = f.queue.Close(ctx)
	})
	cfg := Config{Locks: f.locks, Queue: f.queue, Paths: rootValidator(dir)}
	if tweak != nil {
		tweak(&cfg)
	}
	f.coord = New(cfg)
	return f
}

// newPolicyFixture validates paths with the real workspace policy.
func newPolicyFixture(t *testing.T) *fixture {
	t.Helper()
	f := newFixture(t, nil)
	f.coord = New(Config{Locks: f.locks, Queue: f.queue, Paths: policy.New(&policy.Config{WorkspaceRoot: f.dir})})
	return f
}

func (f *fixture) write(t *testing.T, name, content string) {
	t.Helper()
	path := filepath.Join(f.dir, name)
	require.NoError(t, os.MkdirAll(filepath.Dir(path), 0o755))
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
}

func (f *fixture) read(t *testing.T, name string) string {
	t.Helper()
	data, err := os.ReadFile(filepath.Join(f.dir, name))
	require.NoError(t, err)
	return string(data)
}

func (f *fixture) exists(name string) bool {
	_, err := os.Stat(filepath.Join(f.dir, name))
	return err == nil
}

func str(s string) *string { return &s }

func TestDryRunPreviewsWithoutMutatingOrLocking(t *testing.T) {
	f := newFixture(t, nil)
	f.write(t, "a.txt", "one\ntwo\nthree\n")
	f.write(t, "c.txt", "gone\n")

	// An exclusive holder must not block a dry run.
	held, err := f.locks.Acquire(context.Background(), []string{filepath.Join(f.dir, "a.txt")}, lock.Exclusive)
	require.NoError(t, err)
	defer held.Release()

	plan := &domain.EditPlan{Edits: []domain.FileEdit{
		{Path: "a.txt", TextEdits: []domain.TextEdit{{
			Range:   domain.Range{Start: domain.Position{Line: 1}, End: domain.Position{Line: 1, Character: 3}},
			NewText: "TWO",
		}}},
		{Path: "new.txt", Kind: domain.EditCreate, Content: str("hi\n")},
		{Path: "c.txt", Kind: domain.EditDelete},
	}}

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	first, err := f.coord.Apply(ctx, plan, true)
	require.NoError(t, err)
	assert.True(t, first.Success)
	assert.True(t, first.DryRun)
	assert.Empty(t, first.ModifiedFiles)
	assert.Nil(t, first.Errors)
	require.Len(t, first.Previews, 3)
	assert.Contains(t, first.Previews[0].Patch, "@@ -1,3 +1,3 @@")
	assert.Contains(t, first.Previews[0].Patch, "-two\n+TWO\n")
	assert.Contains(t, first.Previews[1].Patch, "/dev/null")
	assert.Contains(t, first.Previews[1].Patch, "+hi\n")
	assert.Contains(t, first.Previews[2].Patch, "-gone\n")

	assert.Equal(t, "one\ntwo\nthree\n", f.read(t, "a.txt"))
	assert.Equal(t, "gone\n", f.read(t, "c.txt"))
	assert.False(t, f.exists("new.txt"))

	second, err := f.coord.Apply(ctx, plan, true)
	require.NoError(t, err)
	assert.Equal(t, first.Previews, second.Previews)
	assert.Equal(t, domain.QueueStats{}, f.queue.Stats())
}

func TestPlanDryRunFlagIsHonored(t *testing.T) {
	f := newFixture(t, nil)
	f.write(t, "a.txt", "x\n")
	res, err := f.coord.Apply(context.Background(), &domain.EditPlan{
		DryRun: true,
		Edits:  []domain.FileEdit{{Path: "a.txt", Content: str("y\n")}},
	}, false)
	require.NoError(t, err)
	assert.True(t, res.DryRun)
	assert.Equal(t, "x\n", f.read(t, "a.txt"))
}

func TestPreviewPatchReappliesAsDiff(t *testing.T) {
	f := newFixture(t, nil)
	before := "a\nb\nc\nd\ne\nf\ng\nh\ni\nj\n"
	after := "a\nB\nc\nd\ne\nf\ng\nh\nI\nj\nk\n"
	f.write(t, "x.txt", before)

	res, err := f.coord.Apply(context.Background(), &domain.EditPlan{
		Edits: []domain.FileEdit{{Path: "x.txt", Content: str(after)}},
	}, true)
	require.NoError(t, err)
	patch := res.Previews[0].Patch
	require.NotEmpty(t, patch)

	res, err = f.coord.Apply(context.Background(), &domain.EditPlan{
		Edits: []domain.FileEdit{{Path: "x.txt", Diff: patch}},
	}, false)
	require.NoError(t, err)
	require.True(t, res.Success, res.Errors)
	assert.Equal(t, after, f.read(t, "x.txt"))
}

func TestApplyWritesAndReportsModifiedFiles(t *testing.T) {
	f := newFixture(t, nil)
	f.write(t, "a.txt", "one\ntwo\nthree\n")
	f.write(t, "old/name.txt", "moved\n")

	res, err := f.coord.Apply(context.Background(), &domain.EditPlan{
		ID: "plan-1",
		Edits: []domain.FileEdit{
			{Path: "a.txt", Diff: "@@ -1,3 +1,3 @@\n one\n-two\n+TWO\n three\n"},
			{Path: "dir/new.txt", Kind: domain.EditCreate, Content: str("fresh\n")},
			{Path: "old/name.txt", Kind: domain.EditMove, NewPath: "new/name.txt"},
		},
		Metadata: domain.PlanMetadata{Tool: "rename", Intent: "test"},
	}, false)
	require.NoError(t, err)
	assert.True(t, res.Success)
	assert.Equal(t, "plan-1", res.PlanID)
	assert.Equal(t, "rename", res.Metadata.Tool)
	assert.Equal(t, []string{"a.txt", "dir/new.txt", "old/name.txt", "new/name.txt"}, res.ModifiedFiles)
	assert.Equal(t, "one\nTWO\nthree\n", f.read(t, "a.txt"))
	assert.Equal(t, "fresh\n", f.read(t, "dir/new.txt"))
	assert.Equal(t, "moved\n", f.read(t, "new/name.txt"))
	assert.False(t, f.exists("old/name.txt"))

	stats := f.queue.Stats()
	assert.Equal(t, 1, stats.Completed)
	assert.Empty(t, f.locks.Snapshot(), "locks must be released")
}

func TestPartialFailureIsBestEffort(t *testing.T) {
	f := newFixture(t, nil)
	f.write(t, "file1.txt", "1\n")
	f.write(t, "file2.txt", "2\n")
	f.write(t, "file3.txt", "3\n")

	res, err := f.coord.Apply(context.Background(), &domain.EditPlan{Edits: []domain.FileEdit{
		{Path: "file1.txt", Content: str("one\n")},
		{Path: "file2.txt", Diff: "@@ -1,1 +1,1 @@\n-not two\n+two\n"},
		{Path: "file3.txt", Content: str("three\n")},
	}}, false)
	require.NoError(t, err)
	assert.False(t, res.Success)
	assert.False(t, res.RolledBack)
	assert.Equal(t, []string{"file1.txt", "file3.txt"}, res.ModifiedFiles)
	require.Len(t, res.Errors, 1)
	assert.Contains(t, res.Errors[0], "file2.txt")
	assert.ErrorIs(t, domain.ResultError(res), domain.ErrPartialApplyFailure)

	assert.Equal(t, "one\n", f.read(t, "file1.txt"))
	assert.Equal(t, "2\n", f.read(t, "file2.txt"))
	assert.Equal(t, "three\n", f.read(t, "file3.txt"))
	assert.Empty(t, f.locks.Snapshot())
	assert.Equal(t, 1, f.queue.Stats().Failed)
}

func TestAtomicPlanRollsBack(t *testing.T) {
	f := newFixture(t, nil)
	f.write(t, "file1.txt", "1\n")
	f.write(t, "file2.txt", "2\n")
	f.write(t, "file3.txt", "3\n")

	res, err := f.coord.Apply(context.Background(), &domain.EditPlan{Atomic: true, Edits: []domain.FileEdit{
		{Path: "file1.txt", Content: str("one\n")},
		{Path: "created.txt", Kind: domain.EditCreate, Content: str("new\n")},
		{Path: "file2.txt", Diff: "@@ -1,1 +1,1 @@\n-not two\n+two\n"},
		{Path: "file3.txt", Content: str("three\n")},
	}}, false)
	require.NoError(t, err)
	assert.False(t, res.Success)
	assert.True(t, res.RolledBack)
	assert.Empty(t, res.ModifiedFiles)

	assert.Equal(t, "1\n", f.read(t, "file1.txt"))
	assert.Equal(t, "2\n", f.read(t, "file2.txt"))
	assert.Equal(t, "3\n", f.read(t, "file3.txt"))
	assert.False(t, f.exists("created.txt"))
}

func TestInvalidPathIsReportedPerFile(t *testing.T) {
	f := newFixture(t, nil)
	f.write(t, "a.txt", "a\n")

	res, err := f.coord.Apply(context.Background(), &domain.EditPlan{Edits: []domain.FileEdit{
		{Path: "../escape.txt", Content: str("x")},
		{Path: "a.txt", Content: str("b\n")},
	}}, false)
	require.NoError(t, err)
	assert.False(t, res.Success)
	assert.Equal(t, []string{"a.txt"}, res.ModifiedFiles)
	require.Len(t, res.Errors, 1)
	assert.Contains(t, res.Errors[0], "outside workspace")
	assert.NoFileExists(t, filepath.Join(filepath.Dir(f.dir), "escape.txt"))
}

func TestLockTimeoutIsReturnedAsError(t *testing.T) {
	f := newFixture(t, func(c *Config) { c.LockTimeout = 100 * time.Millisecond })
	f.write(t, "b.txt", "b\n")

	held, err := f.locks.Acquire(context.Background(), []string{filepath.Join(f.dir, "b.txt")}, lock.Shared)
	require.NoError(t, err)
	defer held.Release()

	res, err := f.coord.Apply(context.Background(), &domain.EditPlan{Edits: []domain.FileEdit{
		{Path: "a.txt", Kind: domain.EditCreate, Content: str("a\n")},
		{Path: "b.txt", Content: str("B\n")},
	}}, false)
	require.Error(t, err)
	assert.Nil(t, res)
	assert.ErrorIs(t, err, domain.ErrLockTimeout)
	assert.Equal(t, "LOCK_TIMEOUT", domain.Code(err))
	assert.Equal(t, "b\n", f.read(t, "b.txt"))
	assert.False(t, f.exists("a.txt"))

	// Only the externally held key remains.
	snap := f.locks.Snapshot()
	require.Len(t, snap, 1)
	assert.Equal(t, "shared", snap[0].Mode)
}

func TestReadOnlyFileFailsOnlyItsEdit(t *testing.T) {
	if os.Geteuid() == 0 {
		t.Skip("root ignores file permissions")
	}
	f := newFixture(t, nil)
	f.write(t, "file1.txt", "1\n")
	f.write(t, "file2.txt", "2\n")
	f.write(t, "file3.txt", "3\n")
	require.NoError(t, os.Chmod(filepath.Join(f.dir, "file2.txt"), 0o444))

	res, err := f.coord.Apply(context.Background(), &domain.EditPlan{Edits: []domain.FileEdit{
		{Path: "file1.txt", Content: str("one\n")},
		{Path: "file2.txt", Content: str("two\n")},
		{Path: "file3.txt", Content: str("three\n")},
	}}, false)
	require.NoError(t, err)
	assert.False(t, res.Success)
	assert.Equal(t, []string{"file1.txt", "file3.txt"}, res.ModifiedFiles)
	require.Len(t, res.Errors, 1)
	assert.Contains(t, res.Errors[0], "file2.txt")
	assert.Contains(t, res.Errors[0], "permission denied")
	assert.Equal(t, "2\n", f.read(t, "file2.txt"))
	assert.Equal(t, "three\n", f.read(t, "file3.txt"))
}

func TestDirectoryEditWaitsForLocksBelowIt(t *testing.T) {
	f := newFixture(t, func(c *Config) { c.LockTimeout = 100 * time.Millisecond })
	f.write(t, "dir/a.txt", "a\n")

	held, err := f.locks.Acquire(context.Background(), []string{filepath.Join(f.dir, "dir", "a.txt")}, lock.Exclusive)
	require.NoError(t, err)

	for _, e := range []domain.FileEdit{
		{Path: "dir", Kind: domain.EditDelete},
		{Path: "dir", Kind: domain.EditMove, NewPath: "moved"},
	} {
		res, err := f.coord.Apply(context.Background(), &domain.EditPlan{Edits: []domain.FileEdit{e}}, false)
		require.ErrorIs(t, err, domain.ErrLockTimeout, "%s of a directory with a locked file", e.Kind)
		assert.Nil(t, res)
		assert.True(t, f.exists("dir/a.txt"))
	}

	held.Release()
	res, err := f.coord.Apply(context.Background(), &domain.EditPlan{Edits: []domain.FileEdit{{Path: "dir", Kind: domain.EditDelete}}}, false)
	require.NoError(t, err)
	assert.True(t, res.Success, res.Errors)
	assert.False(t, f.exists("dir"))
	assert.Empty(t, f.locks.Snapshot())
}

func TestWorkspaceRootIsNeverEdited(t *testing.T) {
	f := newPolicyFixture(t)
	f.write(t, "keep.txt", "keep\n")

	res, err := f.coord.Apply(context.Background(), &domain.EditPlan{Edits: []domain.FileEdit{
		{Path: ".", Kind: domain.EditDelete},
		{Path: "keep.txt", Kind: domain.EditMove, NewPath: "."},
	}}, false)
	require.NoError(t, err)
	assert.False(t, res.Success)
	assert.Empty(t, res.ModifiedFiles)
	require.Len(t, res.Errors, 2)
	for _, msg := range res.Errors {
		assert.Contains(t, msg, "workspace root")
	}
	assert.Equal(t, "keep\n", f.read(t, "keep.txt"))
}

func TestSymlinkOutOfWorkspaceIsRejected(t *testing.T) {
	f := newPolicyFixture(t)
	outside := t.TempDir()
	if err := os.Symlink(outside, filepath.Join(f.dir, "link")); err != nil {
		t.Skipf("symlinks unavailable: %v", err)
	}

	res, err := f.coord.Apply(context.Background(), &domain.EditPlan{Edits: []domain.FileEdit{
		{Path: "link/pwned.txt", Kind: domain.EditCreate, Content: str("x")},
	}}, false)
	require.NoError(t, err)
	assert.False(t, res.Success)
	require.Len(t, res.Errors, 1)
	assert.Contains(t, res.Errors[0], "outside workspace")
	assert.NoFileExists(t, filepath.Join(outside, "pwned.txt"))
}

func TestOverlappingPlansSerializeOnSharedFile(t *testing.T) {
	var inB atomic.Int32
	var overlaps atomic.Int32
	f := newFixture(t, nil)
	f.coord.beforeEdit = func(path string) {
		if filepath.Base(path) != "b.txt" {
			return
		}
		if !inB.CompareAndSwap(0, 1) {
			overlaps.Add(1)
			return
		}
		time.Sleep(5 * time.Millisecond)
		inB.Store(0)
	}
	for _, n := range []string{"a.txt", "b.txt", "c.txt"} {
		f.write(t, n, "-\n")
	}

	planA := &domain.EditPlan{Edits: []domain.FileEdit{
		{Path: "a.txt", Content: str("A\n")},
		{Path: "b.txt", Content: str("A\n")},
	}}
	planB := &domain.EditPlan{Edits: []domain.FileEdit{
		{Path: "c.txt", Content: str("B\n")},
		{Path: "b.txt", Content: str("B\n")},
	}}

	var wg sync.WaitGroup
	errs := make(chan error, 16)
	for i := 0; i < 16; i++ {
		plan := planA
		if i%2 == 1 {
			plan = planB
		}
		wg.Add(1)
		go func() {
			defer wg.Done()
			res, err := f.coord.Apply(context.Background(), plan, false)
			if err == nil && !res.Success {
				err = fmt.Errorf("plan failed: %v", res.Errors)
			}
			errs <- err
		}()
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		require.NoError(t, err)
	}

	assert.Zero(t, overlaps.Load(), "two plans edited b.txt concurrently")
	assert.Equal(t, "A\n", f.read(t, "a.txt"))
	assert.Equal(t, "B\n", f.read(t, "c.txt"))
	assert.Contains(t, []string{"A\n", "B\n"}, f.read(t, "b.txt"))
	assert.Equal(t, 16, f.queue.Stats().Completed)
	assert.Empty(t, f.locks.Snapshot())
}

func TestJournalAndObserverSeeEveryResult(t *testing.T) {
	journal := &memJournal{}
	var observed atomic.Int32
	f := newFixture(t, func(c *Config) {
		c.Journal = journal
		c.Observer = func(*domain.EditPlanResult) { observed.Add(1) }
		c.Queue = nil
	})
	f.write(t, "a.txt", "a\n")

	plan := &domain.EditPlan{
		Edits:    []domain.FileEdit{{Path: "a.txt", Content: str("b\n")}},
		Metadata: domain.PlanMetadata{Tool: "format"},
	}
	_, err := f.coord.Apply(context.Background(), plan, true)
	require.NoError(t, err)
	res, err := f.coord.Apply(context.Background(), plan, false)
	require.NoError(t, err)
	require.True(t, res.Success)

	require.Len(t, journal.records, 2)
	assert.True(t, journal.records[0].DryRun)
	assert.False(t, journal.records[1].DryRun)
	assert.Equal(t, "format", journal.records[1].Tool)
	assert.Equal(t, []string{"a.txt"}, journal.records[1].ModifiedFiles)
	assert.NotEmpty(t, journal.records[1].PlanID)
	assert.Equal(t, int32(2), observed.Load())
}

func TestEmptyPlanSucceeds(t *testing.T) {
	f := newFixture(t, nil)
	res, err := f.coord.Apply(context.Background(), &domain.EditPlan{}, false)
	require.NoError(t, err)
	assert.True(t, res.Success)
	assert.Empty(t, res.ModifiedFiles)

	_, err = f.coord.Apply(context.Background(), nil, false)
	assert.Error(t, err)
}
