package app

import (
	"encoding/json"
	"os"
	"testing"

	"github.com/jaakkos/codeloom/internal/domain"
	"github.com/jaakkos/codeloom/internal/rpc"
)

// The test binary doubles as a fake plugin worker when fakeWorkerEnv is set.
const fakeWorkerEnv = "CODELOOM_APP_FAKE_WORKER"

func TestMain(m *testing.M) {
	if os.Getenv(fakeWorkerEnv) != "" {
		runFakeWorker()
		os.Exit(0)
	}
	os.Exit(m.Run())
}

// runFakeWorker answers initialize and "propose", which returns a plan that
// writes the requested content to the requested path.
func runFakeWorker() {
	fr := rpc.NewFramer(domain.ProtocolPlugin, os.Stdin, os.Stdout)
	for {
		msg, err := rpc.ReadMessage(fr)
		if err != nil {
			return
		}
		if msg.ID == nil {
			if msg.Method == "exit" {
				return
			}
			continue
		}
		var result any
		switch msg.Method {
		case "initialize":
			result = map[string]any{"capabilities": []string{"refactoring"}, "extensions": []string{".fake"}}
		case "propose":
			var p struct {
				Path    string `json:"path"`
				Content string `json:"content"`
			}
			_ = json.Unmarshal(msg.Params, &p)
			result = domain.EditPlan{
				Edits:    []domain.FileEdit{{Path: p.Path, Kind: domain.EditWrite, Content: &p.Content}},
				Metadata: domain.PlanMetadata{Tool: "propose", Intent: "rewrite " + p.Path},
			}
		case "shutdown":
			result = nil
		default:
			_ = rpc.WriteMessage(fr, &rpc.Message{ID: msg.ID, Error: &rpc.ResponseError{Code: rpc.CodeMethodNotFound, Message: msg.Method}})
			continue
		}
		raw, _ := json.Marshal(result)
		_ = rpc.WriteMessage(fr, &rpc.Message{ID: msg.ID, Result: raw})
	}
}
