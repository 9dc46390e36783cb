package editplan

import (
	"strings"

	"github.com/sergi/go-diff/diffmatchpatch"
	"github.com/sourcegraph/go-diff/diff"
)

const previewContext = 3

type lineOp struct {
	kind byte // ' ', '-' or '+'
	text string
}

// lineDiff returns the line-level edit script turning before into after.
func lineDiff(before, after string) []lineOp {
	dmp := diffmatchpatch.New()
	a, b, lines := dmp.DiffLinesToChars(before, after)
	diffs := dmp.DiffCharsToLines(dmp.DiffMain(a, b, false), lines)

	var ops []lineOp
	for _, d := range diffs {
		kind := byte(' ')
		switch d.Type {
		case diffmatchpatch.DiffDelete:
			kind = '-'
		case diffmatchpatch.DiffInsert:
			kind = '+'
		}
		for _, l := range splitLines(d.Text) {
			ops = append(ops, lineOp{kind: kind, text: l})
		}
	}
	return ops
}

// unifiedDiff renders a unified diff of before → after for path. Identical
// inputs yield "". newPath may differ from path for moves; an empty
// after with deleted set renders against /dev/null.
func unifiedDiff(path, newPath, before, after string, created, deleted bool) (string, error) {
	if before == after && !created && !deleted {
		return "", nil
	}
	ops := lineDiff(before, after)
	fd := &diff.FileDiff{
		OrigName: "a/" + strings.TrimPrefix(path, "/"),
		NewName:  "b/" + strings.TrimPrefix(newPath, "/"),
		Hunks:    buildHunks(ops, previewContext),
	}
	if created {
		fd.OrigName = "/dev/null"
	}
	if deleted {
		fd.NewName = "/dev/null"
	}
	if len(fd.Hunks) == 0 {
		return "", nil
	}
	out, err := diff.PrintFileDiff(fd)
	if err != nil {
		return "", err
	}
	return string(out), nil
}

// buildHunks groups ops into hunks with context lines around each change,
// merging changes separated by at most 2*context unchanged lines.
func buildHunks(ops []lineOp, context int) []*diff.Hunk {
	origBefore := make([]int, len(ops)+1)
	newBefore := make([]int, len(ops)+1)
	for i, op := range ops {
		origBefore[i+1] = origBefore[i]
		newBefore[i+1] = newBefore[i]
		if op.kind != '+' {
			origBefore[i+1]++
		}
		if op.kind != '-' {
			newBefore[i+1]++
		}
	}

	var hunks []*diff.Hunk
	i := 0
	for i < len(ops) {
		for i < len(ops) && ops[i].kind == ' ' {
			i++
		}
		if i == len(ops) {
			break
		}
		start := max(i-context, 0)
		end := i
		for {
			for end < len(ops) && ops[end].kind != ' ' {
				end++
			}
			j := end
			for j < len(ops) && ops[j].kind == ' ' {
				j++
			}
			if j < len(ops) && j-end <= 2*context {
				end = j
				continue
			}
			end = min(end+context, j)
			break
		}
		hunks = append(hunks, makeHunk(ops[start:end], origBefore[start], newBefore[start]))
		i = end
	}
	return hunks
}

func makeHunk(ops []lineOp, origOffset, newOffset int) *diff.Hunk {
	h := &diff.Hunk{}
	var body strings.Builder
	for _, op := range ops {
		if op.kind != '+' {
			h.OrigLines++
		}
		if op.kind != '-' {
			h.NewLines++
		}
		body.WriteByte(op.kind)
		body.WriteString(op.text)
		if op.kind == '-' && !strings.HasSuffix(op.text, "\n") {
			body.WriteByte('\n')
			h.OrigNoNewlineAt = int32(body.Len())
		}
	}
	h.Body = []byte(body.String())
	h.OrigStartLine = int32(origOffset)
	if h.OrigLines > 0 {
		h.OrigStartLine++
	}
	h.NewStartLine = int32(newOffset)
	if h.NewLines > 0 {
		h.NewStartLine++
	}
	return h
}

// splitLines splits s after each newline. The last element has no newline
// when s does not end with one.
func splitLines(s string) []string {
	if s == "" {
		return nil
	}
	lines := strings.SplitAfter(s, "\n")
	if lines[len(lines)-1] == "" {
		lines = lines[:len(lines)-1]
	}
	return lines
}
