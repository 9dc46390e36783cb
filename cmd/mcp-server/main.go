// codeloom MCP server.
// Stdio for the driver (editor or agent), HTTP for status, metrics and
// additional MCP clients.
package main

import (
	"fmt"
	"io"
	"log"
	"os"
	"path/filepath"
	"strings"

	"github.com/spf13/cobra"
	"gopkg.in/natefinch/lumberjack.v2"

	"github.com/jaakkos/codeloom/internal/policy"
)

// Version is set by -ldflags at build time.
var Version = "dev"

const logPrefix = "[codeloom] "

func main() {
	if err := newRootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	var configPath string
	root := &cobra.Command{
		Use:   "codeloom",
		Short: "Code-intelligence runtime: language workers, locks and edit plans over MCP",
		Long: `codeloom supervises language workers (LSP servers and plugins), routes
requests to them, and applies their edit plans to the workspace under
per-file locks. It speaks MCP over stdio and, when http_port is set, over
streamable HTTP alongside a status dashboard and Prometheus metrics.`,
		SilenceUsage: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServe(configPath)
		},
	}
	root.PersistentFlags().StringVar(&configPath, "config", "", "config file (default $"+policy.EnvConfig+")")

	root.AddCommand(
		&cobra.Command{
			Use:   "serve",
			Short: "Run the MCP server (default)",
			RunE: func(cmd *cobra.Command, args []string) error {
				return runServe(configPath)
			},
		},
		&cobra.Command{
			Use:   "version",
			Short: "Print the version",
			Run: func(cmd *cobra.Command, args []string) {
				fmt.Fprintln(cmd.OutOrStdout(), "codeloom "+Version)
			},
		},
		newStatusCmd(&configPath),
		newApplyCmd(&configPath),
	)
	return root
}

// loadConfig loads policy configuration from path, $CODELOOM_CONFIG or
// defaults. A config that fails to load is an error only when it was named
// explicitly on the command line.
func loadConfig(path string, logger *log.Logger) (*policy.Config, error) {
	explicit := path != ""
	if path == "" {
		path = policy.ConfigPathFromEnv()
	}
	cfg := policy.DefaultConfig()
	if path != "" {
		loaded, err := policy.LoadConfig(path)
		switch {
		case err != nil && explicit:
			return nil, err
		case err != nil:
			logger.Printf("Warning: failed to load config %s: %v, using defaults", path, err)
		default:
			cfg = loaded
		}
	}
	if cfg.WorkspaceRoot == "" {
		cwd, err := os.Getwd()
		if err != nil {
			return nil, fmt.Errorf("working directory: %w", err)
		}
		cfg.WorkspaceRoot = cwd
	}
	return cfg, nil
}

// setupLogger creates a logger that writes to a rotating log file and
// optionally stderr. When stderr is a terminal (interactive use), logs go to
// both. When stderr is redirected, logs go only to the file to avoid
// duplicate lines.
func setupLogger(logFilePath string) (*log.Logger, io.Closer) {
	var writers []io.Writer
	var closer io.Closer = nopCloser{}

	stderrIsTerminal := false
	if info, err := os.Stderr.Stat(); err == nil {
		stderrIsTerminal = (info.Mode() & os.ModeCharDevice) != 0
	}

	hasLogFile := false
	lower := strings.ToLower(logFilePath)
	if lower != "none" && lower != "off" && logFilePath != "" {
		if err := os.MkdirAll(filepath.Dir(logFilePath), 0o755); err == nil {
			lj := &lumberjack.Logger{
				Filename:   logFilePath,
				MaxSize:    10, // megabytes
				MaxBackups: 3,
				MaxAge:     28, // days
			}
			writers = append(writers, lj)
			closer = lj
			hasLogFile = true
		} else {
			fmt.Fprintf(os.Stderr, logPrefix+"Warning: cannot create log dir %s: %v\n", filepath.Dir(logFilePath), err)
		}
	}

	// Always keep at least one output.
	if stderrIsTerminal || !hasLogFile {
		writers = append(writers, os.Stderr)
	}

	return log.New(io.MultiWriter(writers...), logPrefix, log.LstdFlags|log.Lshortfile), closer
}

type nopCloser struct{}

func (nopCloser) Close() error { return nil }
