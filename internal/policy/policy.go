// Package policy loads the server configuration and enforces workspace
// guards for file paths and tools.
package policy

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/jaakkos/codeloom/internal/domain"
	"github.com/jaakkos/codeloom/internal/lock"
)

// Environment variables naming the config file. The first one set wins.
const (
	EnvConfig       = "CODELOOM_CONFIG"
	EnvConfigLegacy = "MCP_CONFIG"
)

// GlobalStateDir returns the default global state directory (~/.config/codeloom).
func GlobalStateDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		home = os.TempDir()
	}
	return filepath.Join(home, ".config", "codeloom")
}

// GlobalStateFile returns the default journal path.
func GlobalStateFile() string {
	return filepath.Join(GlobalStateDir(), "journal.sqlite")
}

// ConfigPathFromEnv returns the config path named by the environment, or "".
func ConfigPathFromEnv() string {
	for _, name := range []string{EnvConfig, EnvConfigLegacy} {
		if v := os.Getenv(name); v != "" {
			return v
		}
	}
	return ""
}

// WorkerConfig describes one language worker. A worker whose name matches a
// built-in default replaces it; disabled removes it.
type WorkerConfig struct {
	Name         string   `yaml:"name"`
	Languages    []string `yaml:"languages"`
	Extensions   []string `yaml:"extensions"`
	Capabilities []string `yaml:"capabilities"`
	Command      []string `yaml:"command"`  // {workspace} and {worker} are expanded
	Protocol     string   `yaml:"protocol"` // "plugin" (default) or "lsp"
	// Env sets additional environment variables for the worker process.
	// Values can reference parent env vars with ${VAR} syntax.
	Env map[string]string `yaml:"env"`
	// InheritEnv lists glob patterns of parent env vars to pass through. By
	// default everything is inherited; ["none"] starts from a clean env.
	InheritEnv            []string `yaml:"inherit_env"`
	RequestTimeoutSeconds int      `yaml:"request_timeout_seconds"`
	InitTimeoutSeconds    int      `yaml:"init_timeout_seconds"`
	ShutdownGraceSeconds  int      `yaml:"shutdown_grace_seconds"`
	MaxRestarts           *int     `yaml:"max_restarts"`
	RetryDelayMs          int      `yaml:"retry_delay_ms"`
	Disabled              bool     `yaml:"disabled"`
}

// LockConfig bounds lock waits.
type LockConfig struct {
	TimeoutSeconds int `yaml:"timeout_seconds"`
}

// QueueConfig sizes the operation queue. PerKind keys are operation kinds
// (write, delete, rename, format, refactor).
type QueueConfig struct {
	MaxQueued               int            `yaml:"max_queued"`
	MaxConcurrent           int            `yaml:"max_concurrent"`
	PerKind                 map[string]int `yaml:"per_kind"`
	OperationTimeoutSeconds int            `yaml:"operation_timeout_seconds"`
}

// ReaperConfig controls crash detection and restart budgets.
type ReaperConfig struct {
	IntervalMs int `yaml:"interval_ms"`
	// CooldownSeconds is how long resolutions fail fast after a worker
	// exhausted its spawn retries.
	CooldownSeconds int `yaml:"cooldown_seconds"`
	// RestartBurst crash respawns are allowed at once; one more is allowed
	// every RestartIntervalSeconds.
	RestartBurst           int  `yaml:"restart_burst"`
	RestartIntervalSeconds int  `yaml:"restart_interval_seconds"`
	WatchBinaries          bool `yaml:"watch_binaries"`
	// HungWorkerSeconds recycles a worker that holds in-flight requests
	// without writing output for this long. Negative disables it.
	HungWorkerSeconds int `yaml:"hung_worker_seconds"`
}

// JournalConfig bounds the journal's size.
type JournalConfig struct {
	MaxRecords int `yaml:"max_records"`
	MaxAgeDays int `yaml:"max_age_days"`
}

// Config holds the server configuration.
type Config struct {
	WorkspaceRoot string   `yaml:"workspace_root"`
	EnabledTools  []string `yaml:"enabled_tools"`
	StateFile     string   `yaml:"state_file"`
	LogFile       string   `yaml:"log_file"`
	HTTPPort      int      `yaml:"http_port"`

	Workers []WorkerConfig `yaml:"workers"`
	Locks   LockConfig     `yaml:"locks"`
	Queue   QueueConfig    `yaml:"queue"`
	Reaper  ReaperConfig   `yaml:"reaper"`
	Journal JournalConfig  `yaml:"journal"`
}

// DefaultConfig returns sensible defaults. Workers start empty; Policy
// overlays them on DefaultWorkers.
func DefaultConfig() *Config {
	return &Config{
		WorkspaceRoot: "",
		EnabledTools:  []string{"*"},
		StateFile:     "",
		Locks:         LockConfig{TimeoutSeconds: 30},
		Queue: QueueConfig{
			MaxQueued:               1000,
			MaxConcurrent:           8,
			OperationTimeoutSeconds: 300,
		},
		Reaper: ReaperConfig{
			IntervalMs:             100,
			CooldownSeconds:        30,
			RestartBurst:           3,
			RestartIntervalSeconds: 10,
			WatchBinaries:          true,
			HungWorkerSeconds:      300,
		},
		Journal: JournalConfig{MaxRecords: 1000, MaxAgeDays: 30},
	}
}

// DefaultWorkers returns the compiled-in language servers.
func DefaultWorkers() []WorkerConfig {
	lsp := func(name string, langs, exts []string, cmd ...string) WorkerConfig {
		return WorkerConfig{
			Name:                  name,
			Languages:             langs,
			Extensions:            exts,
			Capabilities:          []string{"refactoring", "navigation", "diagnostics", "formatting", "analysis"},
			Command:               cmd,
			Protocol:              string(domain.ProtocolLSP),
			RequestTimeoutSeconds: 30,
		}
	}
	return []WorkerConfig{
		lsp("gopls", []string{"go"}, []string{".go"}, "gopls"),
		lsp("rust-analyzer", []string{"rust"}, []string{".rs"}, "rust-analyzer"),
		lsp("typescript-language-server", []string{"typescript", "javascript"},
			[]string{".ts", ".tsx", ".js", ".jsx"}, "typescript-language-server", "--stdio"),
		lsp("pylsp", []string{"python"}, []string{".py"}, "pylsp"),
	}
}

// LoadConfig loads configuration from a YAML file on top of DefaultConfig.
func LoadConfig(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}

	cfg := DefaultConfig()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}
	for i, w := range cfg.Workers {
		if w.Name == "" {
			return nil, fmt.Errorf("parse config: workers[%d] has no name", i)
		}
	}
	return cfg, nil
}

// Policy enforces the configuration.
type Policy struct {
	config *Config
	mu     sync.RWMutex // protects workspaceRoot for dynamic updates
}

// New creates a new policy enforcer
func New(cfg *Config) *Policy {
	return &Policy{config: cfg}
}

// WorkspaceRoot returns the current workspace root, or the working
// directory when none is configured.
func (p *Policy) WorkspaceRoot() string {
	p.mu.RLock()
	root := p.config.WorkspaceRoot
	p.mu.RUnlock()
	if root == "" {
		if wd, err := os.Getwd(); err == nil {
			return wd
		}
	}
	return root
}

// SetWorkspaceRoot changes the workspace root at runtime.
func (p *Policy) SetWorkspaceRoot(root string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.config.WorkspaceRoot = root
}

// StateFile returns the journal path. Relative paths are resolved against
// the workspace root; "none" disables the journal and yields "".
func (p *Policy) StateFile() string {
	p.mu.RLock()
	sf := p.config.StateFile
	p.mu.RUnlock()

	switch {
	case sf == "":
		return GlobalStateFile()
	case sf == "none" || sf == "off":
		return ""
	case filepath.IsAbs(sf):
		return sf
	}
	return filepath.Join(p.WorkspaceRoot(), sf)
}

// LogFile returns the configured log file path.
// If unset, defaults to ~/.config/codeloom/codeloom.log.
// Set to "none" or "off" to disable file logging entirely.
func (p *Policy) LogFile() string {
	p.mu.RLock()
	lf := p.config.LogFile
	p.mu.RUnlock()

	if lf == "" {
		return filepath.Join(GlobalStateDir(), "codeloom.log")
	}
	return lf
}

// HTTPPort returns the status/MCP HTTP port; 0 disables the listener.
func (p *Policy) HTTPPort() int {
	return p.config.HTTPPort
}

// ValidatePath resolves path against the workspace root and rejects the
// root itself and paths that escape it, either lexically or through a
// symlink on the path.
func (p *Policy) ValidatePath(path string) (string, error) {
	wsRoot, err := filepath.Abs(p.WorkspaceRoot())
	if err != nil {
		return "", fmt.Errorf("resolve workspace root: %w", err)
	}

	if !filepath.IsAbs(path) {
		path = filepath.Join(wsRoot, path)
	}

	absPath, err := filepath.Abs(path)
	if err != nil {
		return "", fmt.Errorf("resolve path: %w", err)
	}
	if err := insideWorkspace(wsRoot, absPath, path); err != nil {
		return "", err
	}

	// Same check on the symlink-resolved paths.
	realRoot, err := lock.Canonicalize(wsRoot)
	if err != nil {
		return "", fmt.Errorf("resolve workspace root: %w", err)
	}
	realPath, err := lock.Canonicalize(absPath)
	if err != nil {
		return "", fmt.Errorf("resolve path: %w", err)
	}
	if err := insideWorkspace(realRoot, realPath, path); err != nil {
		return "", err
	}

	return absPath, nil
}

func insideWorkspace(root, absPath, orig string) error {
	relPath, err := filepath.Rel(root, absPath)
	if err != nil {
		return fmt.Errorf("relative path: %w", err)
	}
	if relPath == "." {
		return fmt.Errorf("path %s is the workspace root", orig)
	}
	if relPath == ".." || strings.HasPrefix(relPath, ".."+string(filepath.Separator)) {
		return fmt.Errorf("path %s is outside workspace", orig)
	}
	return nil
}

// IsToolEnabled checks if a tool is enabled
func (p *Policy) IsToolEnabled(name string) bool {
	for _, t := range p.config.EnabledTools {
		if t == "*" || t == name {
			return true
		}
	}
	return false
}

// LockTimeout bounds how long an edit plan waits for its locks.
func (p *Policy) LockTimeout() time.Duration {
	return seconds(p.config.Locks.TimeoutSeconds, 30)
}

// Queue returns the queue configuration with defaults filled in.
func (p *Policy) Queue() QueueConfig {
	q := p.config.Queue
	if q.MaxQueued <= 0 {
		q.MaxQueued = 1000
	}
	if q.MaxConcurrent <= 0 {
		q.MaxConcurrent = 8
	}
	if q.OperationTimeoutSeconds <= 0 {
		q.OperationTimeoutSeconds = 300
	}
	return q
}

// Reaper returns the reaper and restart configuration with defaults filled in.
func (p *Policy) Reaper() ReaperConfig {
	r := p.config.Reaper
	if r.IntervalMs <= 0 {
		r.IntervalMs = 100
	}
	if r.CooldownSeconds <= 0 {
		r.CooldownSeconds = 30
	}
	if r.RestartBurst <= 0 {
		r.RestartBurst = 3
	}
	if r.RestartIntervalSeconds <= 0 {
		r.RestartIntervalSeconds = 10
	}
	if r.HungWorkerSeconds == 0 {
		r.HungWorkerSeconds = 300
	}
	return r
}

// JournalRetention returns how many records of each kind to keep and the
// maximum record age. Zero values disable that bound.
func (p *Policy) JournalRetention() (int, time.Duration) {
	j := p.config.Journal
	return j.MaxRecords, time.Duration(j.MaxAgeDays) * 24 * time.Hour
}

// Workers returns DefaultWorkers overlaid with the configured workers:
// same-name entries replace defaults, disabled entries are dropped and new
// names are appended in config order.
func (p *Policy) Workers() []WorkerConfig {
	out := DefaultWorkers()
	for _, w := range p.config.Workers {
		replaced := false
		for i := range out {
			if out[i].Name == w.Name {
				out[i] = w
				replaced = true
				break
			}
		}
		if !replaced {
			out = append(out, w)
		}
	}
	kept := out[:0]
	for _, w := range out {
		if !w.Disabled {
			kept = append(kept, w)
		}
	}
	return kept
}

// Descriptors converts Workers into worker descriptors.
func (p *Policy) Descriptors() ([]domain.WorkerDescriptor, error) {
	workers := p.Workers()
	out := make([]domain.WorkerDescriptor, 0, len(workers))
	for _, w := range workers {
		d, err := w.Descriptor()
		if err != nil {
			return nil, err
		}
		out = append(out, d)
	}
	return out, nil
}

// Descriptor validates w and converts it to a descriptor.
func (w WorkerConfig) Descriptor() (domain.WorkerDescriptor, error) {
	if len(w.Command) == 0 {
		return domain.WorkerDescriptor{}, fmt.Errorf("worker %s: empty command", w.Name)
	}
	proto := domain.Protocol(strings.ToLower(w.Protocol))
	switch proto {
	case "":
		proto = domain.ProtocolPlugin
	case domain.ProtocolPlugin, domain.ProtocolLSP:
	default:
		return domain.WorkerDescriptor{}, fmt.Errorf("worker %s: unknown protocol %q", w.Name, w.Protocol)
	}
	maxRestarts := 3
	if w.MaxRestarts != nil {
		maxRestarts = *w.MaxRestarts
	}
	return domain.WorkerDescriptor{
		Name:           w.Name,
		Languages:      w.Languages,
		Extensions:     w.Extensions,
		Capabilities:   domain.NewCapabilitySet(w.Capabilities...),
		Command:        w.Command,
		Protocol:       proto,
		Env:            w.Env,
		InheritEnv:     w.InheritEnv,
		RequestTimeout: seconds(w.RequestTimeoutSeconds, 0),
		InitTimeout:    seconds(w.InitTimeoutSeconds, 0),
		ShutdownGrace:  seconds(w.ShutdownGraceSeconds, 0),
		MaxRestarts:    maxRestarts,
		RetryDelay:     time.Duration(w.RetryDelayMs) * time.Millisecond,
	}, nil
}

func seconds(n, fallback int) time.Duration {
	if n <= 0 {
		n = fallback
	}
	return time.Duration(n) * time.Second
}
