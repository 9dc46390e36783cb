package main

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"net"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"

	"github.com/jaakkos/codeloom/internal/app"
	"github.com/jaakkos/codeloom/internal/dashboard"
	"github.com/jaakkos/codeloom/internal/policy"
	"github.com/jaakkos/codeloom/internal/repository"
	"github.com/jaakkos/codeloom/internal/tools/refactor"
)

const instructions = `codeloom routes requests to language workers and applies edit plans.
Use resolve_worker to find the worker for a file or language, worker_request to
query it, and apply_edit_plan (dry_run first) to change files. worker_status,
lock_status, queue_stats and plan_history show what the runtime is doing.`

func runServe(configPath string) error {
	tmpLogger := log.New(os.Stderr, logPrefix, log.LstdFlags|log.Lshortfile)
	cfg, err := loadConfig(configPath, tmpLogger)
	if err != nil {
		return err
	}
	pol := policy.New(cfg)

	logger, logCloser := setupLogger(pol.LogFile())
	defer logCloser.Close()
	logger.Printf("Starting codeloom %s...", Version)
	logger.Printf("Log file: %s", pol.LogFile())
	logger.Printf("Workspace root: %s", pol.WorkspaceRoot())

	journal, err := repository.NewJournal(pol.StateFile())
	if err != nil {
		return fmt.Errorf("journal: %w", err)
	}
	rt, err := app.NewRuntime(pol, journal, logger)
	if err != nil {
		journal.Close()
		return err
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Ignore SIGHUP so the server keeps running when daemonized (nohup, launchd, etc.)
	signal.Ignore(syscall.SIGHUP)

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		select {
		case sig := <-sigCh:
			logger.Printf("Received signal %v, shutting down...", sig)
			cancel()
		case <-ctx.Done():
		}
	}()

	sessions := newSessionStore()
	hooks := &server.Hooks{}
	hooks.AddAfterCallTool(func(ctx context.Context, id any, message *mcp.CallToolRequest, result *mcp.CallToolResult) {
		if message != nil {
			logger.Printf("Calling tool: %s", message.Params.Name)
		}
	})
	hooks.AddBeforeInitialize(func(ctx context.Context, id any, message *mcp.InitializeRequest) {
		if session := server.ClientSessionFromContext(ctx); session != nil {
			sessions.set(session.SessionID(), session)
			logger.Printf("Client session registered: %s", session.SessionID())
		}
		if message != nil {
			ci := message.Params.ClientInfo
			logger.Printf("Client: %s %s, Protocol: %s", ci.Name, ci.Version, message.Params.ProtocolVersion)
		}
	})
	hooks.AddOnUnregisterSession(func(ctx context.Context, session server.ClientSession) {
		sessions.remove(session.SessionID())
		logger.Printf("Client session unregistered: %s", session.SessionID())
	})

	mcpServer := server.NewMCPServer(
		"codeloom",
		Version,
		server.WithInstructions(instructions),
		server.WithHooks(hooks),
		server.WithToolCapabilities(false),
	)
	enabled := refactor.Register(mcpServer, rt, logger)
	logger.Printf("Registered %d tool(s)", len(enabled))

	notifier := app.NewNotifier(rt, sessions.pushFunc(logger), logger)
	rt.AddListener(notifier)
	go notifier.Start(ctx)

	rt.Start(ctx)

	httpShutdown := func() {}
	if port := pol.HTTPPort(); port > 0 {
		httpShutdown, err = startHTTPServer(mcpServer, rt, port, logger)
		if err != nil {
			logger.Printf("HTTP server disabled: %v", err)
		}
	}

	// Run stdio server in foreground (for the driver)
	logger.Println("Stdio ready (driver connection)")
	stdioSrv := server.NewStdioServer(mcpServer)
	if err := stdioSrv.Listen(ctx, os.Stdin, os.Stdout); err != nil && ctx.Err() == nil {
		logger.Printf("Stdio server stopped: %v", err)
	}

	// Driver disconnected -- shut everything down
	cancel()
	httpShutdown()
	notifier.Stop()

	stopCtx, stopCancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer stopCancel()
	if err := rt.Stop(stopCtx); err != nil {
		logger.Printf("Warning: runtime stop: %v", err)
	}
	logger.Println("Server stopped")
	return nil
}

// startHTTPServer serves streamable-HTTP MCP, the dashboard, /health and
// /metrics in the background. It returns a shutdown function. Uses
// net.Listen so the bound port can be logged.
func startHTTPServer(mcpServer *server.MCPServer, rt *app.Runtime, port int, logger *log.Logger) (func(), error) {
	ln, err := net.Listen("tcp", fmt.Sprintf("127.0.0.1:%d", port))
	if err != nil {
		return func() {}, fmt.Errorf("listen: %w", err)
	}
	actualPort := ln.Addr().(*net.TCPAddr).Port
	baseURL := fmt.Sprintf("http://localhost:%d", actualPort)

	logger.Printf("HTTP server on :%d", actualPort)
	logger.Printf("  MCP clients connect at:  %s/mcp", baseURL)
	logger.Printf("  Dashboard:               %s/dashboard", baseURL)
	logger.Printf("  Metrics:                 %s/metrics", baseURL)

	mux := http.NewServeMux()
	mux.Handle("/mcp", server.NewStreamableHTTPServer(mcpServer))

	opts := []dashboard.HandlerOption{
		dashboard.WithWorkerController(rt.Registry()),
		dashboard.WithPort(actualPort),
	}
	if j := rt.Journal(); j != nil {
		opts = append(opts, dashboard.WithPlanSource(j))
	}
	dashboard.NewHandler(rt, opts...).RegisterRoutes(mux)

	httpServer := &http.Server{Handler: mux, ReadHeaderTimeout: 10 * time.Second}
	go func() {
		if err := httpServer.Serve(ln); err != http.ErrServerClosed {
			logger.Printf("HTTP server error: %v", err)
		}
	}()

	return func() {
		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer shutdownCancel()
		if err := httpServer.Shutdown(shutdownCtx); err != nil {
			logger.Printf("HTTP shutdown error: %v", err)
		}
	}, nil
}

// sessionStore holds active ClientSession objects for push notifications.
type sessionStore struct {
	mu   sync.RWMutex
	data map[string]server.ClientSession
}

func newSessionStore() *sessionStore {
	return &sessionStore{data: make(map[string]server.ClientSession)}
}

func (ss *sessionStore) set(id string, s server.ClientSession) {
	ss.mu.Lock()
	ss.data[id] = s
	ss.mu.Unlock()
}

func (ss *sessionStore) remove(id string) {
	ss.mu.Lock()
	delete(ss.data, id)
	ss.mu.Unlock()
}

func (ss *sessionStore) snapshot() []server.ClientSession {
	ss.mu.RLock()
	defer ss.mu.RUnlock()
	out := make([]server.ClientSession, 0, len(ss.data))
	for _, s := range ss.data {
		out = append(out, s)
	}
	return out
}

// pushFunc returns the notifier's push function: it sends the notification
// to every initialized session and fails when none received it, so the
// notifier retries on its next cycle.
func (ss *sessionStore) pushFunc(logger *log.Logger) func(method string, params any) error {
	return func(method string, params any) error {
		fields, err := toFields(params)
		if err != nil {
			return err
		}
		notification := mcp.JSONRPCNotification{
			JSONRPC: mcp.JSONRPC_VERSION,
			Notification: mcp.Notification{
				Method: method,
				Params: mcp.NotificationParams{AdditionalFields: fields},
			},
		}
		delivered := 0
		for _, session := range ss.snapshot() {
			if !session.Initialized() {
				continue
			}
			select {
			case session.NotificationChannel() <- notification:
				delivered++
			default:
				logger.Printf("Notifier: push to %s dropped (channel full)", session.SessionID())
			}
		}
		if delivered == 0 {
			return fmt.Errorf("no session accepted %s", method)
		}
		return nil
	}
}

func toFields(params any) (map[string]any, error) {
	data, err := json.Marshal(params)
	if err != nil {
		return nil, fmt.Errorf("encode notification: %w", err)
	}
	var fields map[string]any
	if err := json.Unmarshal(data, &fields); err != nil {
		return nil, fmt.Errorf("encode notification: %w", err)
	}
	return fields, nil
}
