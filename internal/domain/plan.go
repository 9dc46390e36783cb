package domain

import "time"

// EditKind is the file-level action of one edit.
type EditKind string

const (
	EditWrite  EditKind = "write"
	EditCreate EditKind = "create"
	EditDelete EditKind = "delete"
	EditMove   EditKind = "move"
)

// Position is a 0-based line/character offset, as in LSP.
type Position struct {
	Line      int `json:"line"`
	Character int `json:"character"`
}

// Range is a half-open [Start, End) span.
type Range struct {
	Start Position `json:"start"`
	End   Position `json:"end"`
}

// TextEdit replaces Range with NewText.
type TextEdit struct {
	Range   Range  `json:"range"`
	NewText string `json:"newText"`
}

// FileEdit is one file-level mutation of a plan. Exactly one of Content,
// Diff or TextEdits carries the new text for write/create edits.
type FileEdit struct {
	Path      string     `json:"path"`
	Kind      EditKind   `json:"kind,omitempty"`
	Content   *string    `json:"content,omitempty"`
	Diff      string     `json:"diff,omitempty"`
	TextEdits []TextEdit `json:"text_edits,omitempty"`
	NewPath   string     `json:"new_path,omitempty"`
}

// EffectiveKind defaults an empty kind to write.
func (e FileEdit) EffectiveKind() EditKind {
	if e.Kind == "" {
		return EditWrite
	}
	return e.Kind
}

// PlanMetadata travels with a plan and is echoed back in its result.
type PlanMetadata struct {
	Tool       string         `json:"tool,omitempty"`
	Intent     string         `json:"intent,omitempty"`
	SourceFile string         `json:"source_file,omitempty"`
	Preview    bool           `json:"preview,omitempty"`
	Arguments  map[string]any `json:"arguments,omitempty"`
	CreatedAt  time.Time      `json:"created_at,omitempty"`
}

// EditPlan is an ordered list of file edits produced by a worker or planner.
type EditPlan struct {
	ID       string       `json:"id,omitempty"`
	Edits    []FileEdit   `json:"edits"`
	Metadata PlanMetadata `json:"metadata"`
	DryRun   bool         `json:"dry_run,omitempty"`
	// Atomic restores every touched file when any edit fails.
	Atomic bool `json:"atomic,omitempty"`
}

// Paths returns every path the plan touches, move targets included, in plan order.
func (p *EditPlan) Paths() []string {
	out := make([]string, 0, len(p.Edits))
	for _, e := range p.Edits {
		out = append(out, e.Path)
		if e.EffectiveKind() == EditMove && e.NewPath != "" {
			out = append(out, e.NewPath)
		}
	}
	return out
}

// FilePreview is the dry-run view of one edit.
type FilePreview struct {
	Path    string   `json:"path"`
	Kind    EditKind `json:"kind"`
	NewPath string   `json:"new_path,omitempty"`
	Patch   string   `json:"patch,omitempty"`
	Error   string   `json:"error,omitempty"`
}

// EditPlanResult reports the outcome of applying or previewing a plan.
type EditPlanResult struct {
	PlanID        string        `json:"plan_id,omitempty"`
	Success       bool          `json:"success"`
	DryRun        bool          `json:"dry_run"`
	ModifiedFiles []string      `json:"modified_files"`
	Errors        []string      `json:"errors,omitempty"`
	Previews      []FilePreview `json:"previews,omitempty"`
	RolledBack    bool          `json:"rolled_back,omitempty"`
	Metadata      PlanMetadata  `json:"metadata"`
	Duration      time.Duration `json:"duration_ns"`
}

// PlanRecord is a journaled plan result.
type PlanRecord struct {
	PlanID        string    `json:"plan_id"`
	Tool          string    `json:"tool,omitempty"`
	Intent        string    `json:"intent,omitempty"`
	DryRun        bool      `json:"dry_run"`
	Success       bool      `json:"success"`
	RolledBack    bool      `json:"rolled_back,omitempty"`
	ModifiedFiles []string  `json:"modified_files"`
	Errors        []string  `json:"errors,omitempty"`
	AppliedAt     time.Time `json:"applied_at"`
	DurationMs    int64     `json:"duration_ms"`
}

// NewPlanRecord flattens a result for the journal.
func NewPlanRecord(r *EditPlanResult, at time.Time) PlanRecord {
	return PlanRecord{
		PlanID:        r.PlanID,
		Tool:          r.Metadata.Tool,
		Intent:        r.Metadata.Intent,
		DryRun:        r.DryRun,
		Success:       r.Success,
		RolledBack:    r.RolledBack,
		ModifiedFiles: r.ModifiedFiles,
		Errors:        r.Errors,
		AppliedAt:     at,
		DurationMs:    r.Duration.Milliseconds(),
	}
}
