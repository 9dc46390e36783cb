package editplan

import (
	"bytes"
	"cmp"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"slices"
	"strings"
	"unicode/utf16"

	"github.com/sourcegraph/go-diff/diff"
	"golang.org/x/sys/unix"

	"github.com/jaakkos/codeloom/internal/domain"
)

// render computes the new text of a write/create edit from the current
// content of the file.
func render(e domain.FileEdit, current string, exists bool) (string, error) {
	switch {
	case e.Content != nil:
		return *e.Content, nil
	case e.Diff != "":
		return applyUnifiedDiff(current, e.Diff, e.Path)
	case len(e.TextEdits) > 0:
		if !exists && e.EffectiveKind() == domain.EditWrite {
			return "", fmt.Errorf("text edits for missing file")
		}
		return applyTextEdits(current, e.TextEdits)
	case e.EffectiveKind() == domain.EditCreate:
		return "", nil
	default:
		return "", errors.New("edit carries no content, diff or text edits")
	}
}

func hasBody(e domain.FileEdit) bool {
	return e.Content != nil || e.Diff != "" || len(e.TextEdits) > 0
}

// applyUnifiedDiff applies the hunks of patch to content. A patch with file
// headers must describe exactly one file or name path.
func applyUnifiedDiff(content, patch, path string) (string, error) {
	if !strings.HasSuffix(patch, "\n") {
		patch += "\n"
	}
	var hunks []*diff.Hunk
	if strings.HasPrefix(strings.TrimLeft(patch, "\n"), "@@") {
		hs, err := diff.ParseHunks([]byte(patch))
		if err != nil {
			return "", fmt.Errorf("parse diff: %w", err)
		}
		hunks = hs
	} else {
		fds, err := diff.ParseMultiFileDiff([]byte(patch))
		if err != nil {
			return "", fmt.Errorf("parse diff: %w", err)
		}
		fd, err := pickFileDiff(fds, path)
		if err != nil {
			return "", err
		}
		if fd.NewName == "/dev/null" {
			return "", nil
		}
		hunks = fd.Hunks
	}
	if len(hunks) == 0 {
		return "", errors.New("diff has no hunks")
	}
	return applyHunks(content, hunks)
}

func pickFileDiff(fds []*diff.FileDiff, path string) (*diff.FileDiff, error) {
	switch len(fds) {
	case 0:
		return nil, errors.New("diff describes no files")
	case 1:
		return fds[0], nil
	}
	want := filepath.ToSlash(path)
	for _, fd := range fds {
		for _, name := range []string{fd.NewName, fd.OrigName} {
			name = strings.TrimPrefix(strings.TrimPrefix(name, "a/"), "b/")
			if name != "/dev/null" && name != "" && strings.HasSuffix(want, name) {
				return fd, nil
			}
		}
	}
	return nil, fmt.Errorf("diff describes %d files, none matches %s", len(fds), path)
}

// applyHunks applies hunks in order. Context and removed lines must match
// the original exactly, except for a missing final newline.
func applyHunks(content string, hunks []*diff.Hunk) (string, error) {
	lines := splitLines(content)
	var out strings.Builder
	next := 0
	for n, h := range hunks {
		start := int(h.OrigStartLine) - 1
		if h.OrigLines == 0 {
			start = int(h.OrigStartLine)
		}
		if start < next || start > len(lines) {
			return "", fmt.Errorf("hunk %d: start line %d out of range", n+1, h.OrigStartLine)
		}
		for _, l := range lines[next:start] {
			out.WriteString(l)
		}
		next = start

		for _, piece := range splitLines(string(h.Body)) {
			kind, text := piece[0], piece[1:]
			if piece == "\n" {
				kind, text = ' ', "\n"
			}
			switch kind {
			case ' ', '-':
				if next >= len(lines) || !sameLine(lines[next], text) {
					return "", fmt.Errorf("hunk %d does not apply at line %d", n+1, next+1)
				}
				if kind == ' ' {
					out.WriteString(keepEnding(lines[next], text))
				}
				next++
			case '+':
				out.WriteString(text)
			case '\\':
			default:
				return "", fmt.Errorf("hunk %d: malformed line %q", n+1, strings.TrimSuffix(piece, "\n"))
			}
		}
	}
	for _, l := range lines[next:] {
		out.WriteString(l)
	}
	return out.String(), nil
}

func sameLine(a, b string) bool {
	return strings.TrimSuffix(a, "\n") == strings.TrimSuffix(b, "\n")
}

// keepEnding returns the context line as the diff states it, unless the
// diff dropped the newline the original has.
func keepEnding(orig, fromDiff string) string {
	if strings.HasSuffix(orig, "\n") && !strings.HasSuffix(fromDiff, "\n") {
		return orig
	}
	return fromDiff
}

type span struct {
	start, end int
	text       string
}

// applyTextEdits applies LSP text edits. Positions are 0-based, characters
// count UTF-16 code units, and edits must not overlap. Inserts at the same
// position keep their order.
func applyTextEdits(content string, edits []domain.TextEdit) (string, error) {
	starts := lineStarts(content)
	spans := make([]span, 0, len(edits))
	for i, e := range edits {
		s, err := offsetOf(content, starts, e.Range.Start)
		if err != nil {
			return "", fmt.Errorf("text edit %d: %w", i+1, err)
		}
		end, err := offsetOf(content, starts, e.Range.End)
		if err != nil {
			return "", fmt.Errorf("text edit %d: %w", i+1, err)
		}
		if end < s {
			return "", fmt.Errorf("text edit %d: range end precedes start", i+1)
		}
		spans = append(spans, span{start: s, end: end, text: e.NewText})
	}
	slices.SortStableFunc(spans, func(a, b span) int {
		if c := cmp.Compare(a.start, b.start); c != 0 {
			return c
		}
		return cmp.Compare(a.end, b.end)
	})

	var out strings.Builder
	pos := 0
	for _, sp := range spans {
		if sp.start < pos {
			return "", fmt.Errorf("text edits overlap at offset %d", sp.start)
		}
		out.WriteString(content[pos:sp.start])
		out.WriteString(sp.text)
		pos = sp.end
	}
	out.WriteString(content[pos:])
	return out.String(), nil
}

func lineStarts(content string) []int {
	starts := []int{0}
	for i := 0; i < len(content); i++ {
		if content[i] == '\n' {
			starts = append(starts, i+1)
		}
	}
	return starts
}

// offsetOf converts p to a byte offset. Lines past the end map to the end
// of the content and characters past the end of a line to its end.
func offsetOf(content string, starts []int, p domain.Position) (int, error) {
	if p.Line < 0 || p.Character < 0 {
		return 0, fmt.Errorf("negative position %d:%d", p.Line, p.Character)
	}
	if p.Line >= len(starts) {
		return len(content), nil
	}
	start := starts[p.Line]
	end := len(content)
	if p.Line+1 < len(starts) {
		end = starts[p.Line+1] - 1
		if end > start && content[end-1] == '\r' {
			end--
		}
	}
	units := 0
	for off, r := range content[start:end] {
		if units >= p.Character {
			return start + off, nil
		}
		units += utf16.RuneLen(r)
	}
	return end, nil
}

// readCurrent returns a file's content and mode. A missing file is not an
// error.
func readCurrent(path string) (content string, mode fs.FileMode, exists bool, err error) {
	info, err := os.Stat(path)
	if errors.Is(err, fs.ErrNotExist) {
		return "", 0o644, false, nil
	}
	if err != nil {
		return "", 0, false, err
	}
	if info.IsDir() {
		return "", info.Mode(), true, fmt.Errorf("%s is a directory", path)
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return "", 0, false, err
	}
	return string(data), info.Mode().Perm(), true, nil
}

// writeAtomic writes data to a temp file beside path and renames it over
// path, creating parent directories as needed. An existing path must itself
// be writable; the rename alone would replace a read-only file.
func writeAtomic(path string, data []byte, perm fs.FileMode) error {
	if err := unix.Access(path, unix.W_OK); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return &fs.PathError{Op: "write", Path: path, Err: err}
	}
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("create parent: %w", err)
	}
	tmp, err := os.CreateTemp(dir, ".codeloom-*")
	if err != nil {
		return fmt.Errorf("create temp file: %w", err)
	}
	tmpPath := tmp.Name()
	ok := false
	defer func() {
		if !ok {
			os.Remove(tmpPath)
		}
	}()
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return fmt.Errorf("write temp file: %w", err)
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return fmt.Errorf("sync temp file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("close temp file: %w", err)
	}
	if err := os.Chmod(tmpPath, perm); err != nil {
		return fmt.Errorf("chmod temp file: %w", err)
	}
	if err := os.Rename(tmpPath, path); err != nil {
		return fmt.Errorf("rename temp file: %w", err)
	}
	ok = true
	return nil
}

// resolvedEdit is a plan edit with validated absolute paths.
type resolvedEdit struct {
	domain.FileEdit
	abs    string
	absNew string
}

// applyEdit performs one edit on disk and returns the plan paths it changed.
func applyEdit(e resolvedEdit) ([]string, error) {
	switch e.EffectiveKind() {
	case domain.EditWrite, domain.EditCreate:
		current, perm, exists, err := readCurrent(e.abs)
		if err != nil {
			return nil, err
		}
		next, err := render(e.FileEdit, current, exists)
		if err != nil {
			return nil, err
		}
		if exists && next == current {
			return nil, nil
		}
		if err := writeAtomic(e.abs, []byte(next), perm); err != nil {
			return nil, err
		}
		return []string{e.Path}, nil

	case domain.EditDelete:
		info, err := os.Lstat(e.abs)
		if err != nil {
			return nil, err
		}
		if info.IsDir() {
			err = os.RemoveAll(e.abs)
		} else {
			err = os.Remove(e.abs)
		}
		if err != nil {
			return nil, err
		}
		return []string{e.Path}, nil

	case domain.EditMove:
		if e.absNew == "" {
			return nil, errors.New("move without new_path")
		}
		if _, err := os.Lstat(e.absNew); err == nil {
			return nil, fmt.Errorf("move target %s already exists", e.NewPath)
		}
		if err := os.MkdirAll(filepath.Dir(e.absNew), 0o755); err != nil {
			return nil, fmt.Errorf("create parent: %w", err)
		}
		if err := os.Rename(e.abs, e.absNew); err != nil {
			return nil, err
		}
		if hasBody(e.FileEdit) {
			current, perm, _, err := readCurrent(e.absNew)
			if err != nil {
				return []string{e.Path, e.NewPath}, err
			}
			next, err := render(e.FileEdit, current, true)
			if err == nil && next != current {
				err = writeAtomic(e.absNew, []byte(next), perm)
			}
			if err != nil {
				return []string{e.Path, e.NewPath}, err
			}
		}
		return []string{e.Path, e.NewPath}, nil
	}
	return nil, fmt.Errorf("unknown edit kind %q", e.Kind)
}

// preview renders the dry-run view of one edit without touching disk.
func preview(e resolvedEdit) domain.FilePreview {
	p := domain.FilePreview{Path: e.Path, Kind: e.EffectiveKind(), NewPath: e.NewPath}
	fail := func(err error) domain.FilePreview {
		p.Error = err.Error()
		return p
	}
	switch p.Kind {
	case domain.EditWrite, domain.EditCreate:
		current, _, exists, err := readCurrent(e.abs)
		if err != nil {
			return fail(err)
		}
		next, err := render(e.FileEdit, current, exists)
		if err != nil {
			return fail(err)
		}
		p.Patch, err = unifiedDiff(e.Path, e.Path, current, next, !exists, false)
		if err != nil {
			return fail(err)
		}
	case domain.EditDelete:
		info, err := os.Lstat(e.abs)
		if err != nil {
			return fail(err)
		}
		if info.IsDir() {
			return p
		}
		current, _, _, err := readCurrent(e.abs)
		if err != nil {
			return fail(err)
		}
		p.Patch, err = unifiedDiff(e.Path, e.Path, current, "", false, true)
		if err != nil {
			return fail(err)
		}
	case domain.EditMove:
		if e.absNew == "" {
			return fail(errors.New("move without new_path"))
		}
		if _, err := os.Lstat(e.absNew); err == nil {
			return fail(fmt.Errorf("move target %s already exists", e.NewPath))
		}
		current, _, exists, err := readCurrent(e.abs)
		if err != nil {
			return fail(err)
		}
		if !exists {
			return fail(fmt.Errorf("%s does not exist", e.Path))
		}
		next := current
		if hasBody(e.FileEdit) {
			if next, err = render(e.FileEdit, current, true); err != nil {
				return fail(err)
			}
		}
		p.Patch, err = unifiedDiff(e.Path, e.NewPath, current, next, false, false)
		if err != nil {
			return fail(err)
		}
	default:
		return fail(fmt.Errorf("unknown edit kind %q", e.Kind))
	}
	return p
}

// snapshot is the pre-plan state of one path, used to roll back atomic plans.
type snapshot struct {
	path    string
	existed bool
	content []byte
	perm    fs.FileMode
}

func takeSnapshot(path string) (snapshot, error) {
	info, err := os.Lstat(path)
	if errors.Is(err, fs.ErrNotExist) {
		return snapshot{path: path}, nil
	}
	if err != nil {
		return snapshot{}, err
	}
	if info.IsDir() {
		return snapshot{}, fmt.Errorf("cannot snapshot directory %s", path)
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return snapshot{}, err
	}
	return snapshot{path: path, existed: true, content: data, perm: info.Mode().Perm()}, nil
}

func (s snapshot) restore() error {
	if !s.existed {
		if err := os.Remove(s.path); err != nil && !errors.Is(err, fs.ErrNotExist) {
			return err
		}
		return nil
	}
	if current, err := os.ReadFile(s.path); err == nil && bytes.Equal(current, s.content) {
		return nil
	}
	return writeAtomic(s.path, s.content, s.perm)
}
