package editplan

import (
	"encoding/json"
	"fmt"
	"net/url"
	"path/filepath"
	"sort"

	"github.com/jaakkos/codeloom/internal/domain"
)

// WorkspaceEdit is the LSP workspace edit a language server returns from
// rename, code actions and similar requests.
type WorkspaceEdit struct {
	Changes         map[string][]domain.TextEdit `json:"changes,omitempty"`
	DocumentChanges []json.RawMessage            `json:"documentChanges,omitempty"`
}

type documentChange struct {
	Kind         string `json:"kind"`
	URI          string `json:"uri"`
	OldURI       string `json:"oldUri"`
	NewURI       string `json:"newUri"`
	TextDocument *struct {
		URI string `json:"uri"`
	} `json:"textDocument"`
	Edits []domain.TextEdit `json:"edits"`
}

// FromWorkspaceEdit converts an LSP workspace edit into a plan.
// documentChanges, when present, win over changes and keep their order;
// changes are ordered by path.
func FromWorkspaceEdit(we WorkspaceEdit, meta domain.PlanMetadata) (*domain.EditPlan, error) {
	plan := &domain.EditPlan{Metadata: meta}
	if len(we.DocumentChanges) > 0 {
		for i, raw := range we.DocumentChanges {
			var dc documentChange
			if err := json.Unmarshal(raw, &dc); err != nil {
				return nil, fmt.Errorf("documentChanges[%d]: %w", i, err)
			}
			edit, err := convertChange(dc)
			if err != nil {
				return nil, fmt.Errorf("documentChanges[%d]: %w", i, err)
			}
			plan.Edits = append(plan.Edits, edit)
		}
		return plan, nil
	}

	uris := make([]string, 0, len(we.Changes))
	for uri := range we.Changes {
		uris = append(uris, uri)
	}
	sort.Strings(uris)
	for _, uri := range uris {
		path, err := URIToPath(uri)
		if err != nil {
			return nil, err
		}
		plan.Edits = append(plan.Edits, domain.FileEdit{Path: path, Kind: domain.EditWrite, TextEdits: we.Changes[uri]})
	}
	return plan, nil
}

func convertChange(dc documentChange) (domain.FileEdit, error) {
	switch dc.Kind {
	case "":
		if dc.TextDocument == nil {
			return domain.FileEdit{}, fmt.Errorf("text document edit without textDocument")
		}
		path, err := URIToPath(dc.TextDocument.URI)
		if err != nil {
			return domain.FileEdit{}, err
		}
		return domain.FileEdit{Path: path, Kind: domain.EditWrite, TextEdits: dc.Edits}, nil
	case "create":
		path, err := URIToPath(dc.URI)
		if err != nil {
			return domain.FileEdit{}, err
		}
		return domain.FileEdit{Path: path, Kind: domain.EditCreate}, nil
	case "rename":
		from, err := URIToPath(dc.OldURI)
		if err != nil {
			return domain.FileEdit{}, err
		}
		to, err := URIToPath(dc.NewURI)
		if err != nil {
			return domain.FileEdit{}, err
		}
		return domain.FileEdit{Path: from, Kind: domain.EditMove, NewPath: to}, nil
	case "delete":
		path, err := URIToPath(dc.URI)
		if err != nil {
			return domain.FileEdit{}, err
		}
		return domain.FileEdit{Path: path, Kind: domain.EditDelete}, nil
	}
	return domain.FileEdit{}, fmt.Errorf("unknown change kind %q", dc.Kind)
}

// URIToPath converts a file:// URI to a local path.
func URIToPath(uri string) (string, error) {
	u, err := url.Parse(uri)
	if err != nil {
		return "", fmt.Errorf("parse uri %q: %w", uri, err)
	}
	if u.Scheme != "file" {
		return "", fmt.Errorf("unsupported uri scheme %q", u.Scheme)
	}
	return filepath.FromSlash(u.Path), nil
}
