package worker

import (
	"context"
	"encoding/json"
	"io"
	"log"
	"net/url"
	"os"
	"path/filepath"

	"github.com/jaakkos/codeloom/internal/domain"
	"github.com/jaakkos/codeloom/internal/rpc"
)

// lspProviders maps capability tags to the server capabilities that can
// serve them. A declared tag is dropped when the server advertises none of
// its providers; tags without an entry are taken as declared.
var lspProviders = map[domain.Capability][]string{
	domain.CapRefactoring: {"renameProvider", "codeActionProvider"},
	domain.CapNavigation:  {"definitionProvider", "referencesProvider", "implementationProvider"},
	domain.CapFormatting:  {"documentFormattingProvider", "documentRangeFormattingProvider"},
	domain.CapAnalysis:    {"hoverProvider", "documentSymbolProvider", "workspaceSymbolProvider"},
}

// FileURI converts a path to a file:// URI.
func FileURI(path string) string {
	abs, err := filepath.Abs(path)
	if err != nil {
		abs = path
	}
	return (&url.URL{Scheme: "file", Path: filepath.ToSlash(abs)}).String()
}

func lspInitialize(ctx context.Context, conn *rpc.Conn, d domain.WorkerDescriptor, workspace string) (domain.CapabilitySet, error) {
	rootURI := FileURI(workspace)
	params := map[string]any{
		"processId":  os.Getpid(),
		"clientInfo": map[string]string{"name": "codeloom"},
		"rootUri":    rootURI,
		"rootPath":   workspace,
		"workspaceFolders": []map[string]string{
			{"uri": rootURI, "name": filepath.Base(workspace)},
		},
		"capabilities": map[string]any{
			"workspace": map[string]any{
				"applyEdit":             true,
				"configuration":         true,
				"workspaceFolders":      true,
				"workspaceEdit":         map[string]any{"documentChanges": true, "resourceOperations": []string{"create", "rename", "delete"}},
				"didChangeWatchedFiles": map[string]any{"dynamicRegistration": true},
			},
			"textDocument": map[string]any{
				"rename":             map[string]any{"prepareSupport": true},
				"codeAction":         map[string]any{"codeActionLiteralSupport": map[string]any{"codeActionKind": map[string]any{"valueSet": []string{"", "quickfix", "refactor", "refactor.extract", "refactor.inline", "refactor.rewrite", "source", "source.organizeImports"}}}},
				"publishDiagnostics": map[string]any{"relatedInformation": true},
				"synchronization":    map[string]any{"didSave": true},
			},
			"window": map[string]any{"workDoneProgress": true},
		},
	}
	var res struct {
		Capabilities map[string]json.RawMessage `json:"capabilities"`
	}
	if err := conn.Call(ctx, "initialize", params, &res); err != nil {
		return nil, err
	}
	if err := conn.Notify("initialized", map[string]any{}); err != nil {
		return nil, err
	}
	return advertisedLSP(d.Capabilities, res.Capabilities), nil
}

func advertisedLSP(declared domain.CapabilitySet, server map[string]json.RawMessage) domain.CapabilitySet {
	out := domain.NewCapabilitySet()
	for _, tag := range declared.Slice() {
		c := domain.Capability(tag)
		providers, ok := lspProviders[c]
		if !ok {
			out.Add(c)
			continue
		}
		for _, p := range providers {
			if providerEnabled(server[p]) {
				out.Add(c)
				break
			}
		}
	}
	return out
}

func providerEnabled(raw json.RawMessage) bool {
	if len(raw) == 0 {
		return false
	}
	switch string(raw) {
	case "false", "null":
		return false
	}
	return true
}

// lspClient answers the server-to-client requests language servers make.
type lspClient struct {
	name      string
	workspace string
	logger    *log.Logger
}

func newLSPClient(name, workspace string, logger *log.Logger) *lspClient {
	if logger == nil {
		logger = log.New(io.Discard, "", 0)
	}
	return &lspClient{name: name, workspace: workspace, logger: logger}
}

func (c *lspClient) HandleRequest(_ context.Context, method string, params json.RawMessage) (any, error) {
	switch method {
	case "window/workDoneProgress/create", "client/registerCapability", "client/unregisterCapability":
		return nil, nil
	case "window/showMessageRequest":
		return nil, nil
	case "workspace/configuration":
		var p struct {
			Items []json.RawMessage `json:"items"`
		}
		if err := json.Unmarshal(params, &p); err != nil {
			return nil, &rpc.ResponseError{Code: rpc.CodeInvalidParams, Message: err.Error()}
		}
		return make([]any, len(p.Items)), nil
	case "workspace/workspaceFolders":
		return []map[string]string{{"uri": FileURI(c.workspace), "name": filepath.Base(c.workspace)}}, nil
	case "workspace/applyEdit":
		// Edits reach disk only through the edit-plan coordinator.
		return map[string]any{"applied": false, "failureReason": "edits are applied through apply_edit_plan"}, nil
	}
	return nil, rpc.ErrMethodNotFound
}

func (c *lspClient) HandleNotification(_ context.Context, method string, params json.RawMessage) {
	switch method {
	case "window/logMessage", "window/showMessage":
		var p struct {
			Type    int    `json:"type"`
			Message string `json:"message"`
		}
		if json.Unmarshal(params, &p) == nil && p.Type <= 2 {
			c.logger.Printf("Worker[%s]: %s", c.name, p.Message)
		}
	}
}
