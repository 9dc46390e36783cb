package worker

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"log"
	"os"
	"os/exec"
	"strings"
	"sync"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/jaakkos/codeloom/internal/domain"
	"github.com/jaakkos/codeloom/internal/rpc"
)

const (
	defaultInitTimeout   = 30 * time.Second
	defaultShutdownGrace = 3 * time.Second
	defaultStderrLines   = 50
	drainTimeout         = 250 * time.Millisecond
)

// SpawnOptions configures one process launch.
type SpawnOptions struct {
	Workspace  string
	Generation uint64
	Logger     *log.Logger
	// Observer receives per-request outcomes from the connection.
	Observer rpc.Observer
	// Handler serves worker-to-client requests. LSP workers get a default
	// client handler when nil.
	Handler rpc.Handler
	// OnExit runs once after the process has exited, for any reason.
	OnExit      func(inst *Instance, err error)
	StderrLines int
}

// Instance supervises one worker process and its protocol connection.
type Instance struct {
	desc       domain.WorkerDescriptor
	generation uint64
	cmd        *exec.Cmd
	conn       *rpc.Conn
	stdout     *os.File
	logger     *log.Logger
	onExit     func(*Instance, error)
	startedAt  time.Time

	mu         sync.Mutex
	state      domain.WorkerState
	exitErr    error
	caps       domain.CapabilitySet
	extensions []string

	exited     chan struct{}
	stderrDone chan struct{}
	stderr     *lineRing
	lastOutput atomic.Int64
	termOnce   sync.Once
}

// Spawn starts the worker described by d, connects the protocol stream and
// runs the initialization handshake. Any failure kills the process and is
// reported as domain.ErrSpawnFailed.
func Spawn(ctx context.Context, d domain.WorkerDescriptor, opts SpawnOptions) (*Instance, error) {
	logger := opts.Logger
	if logger == nil {
		logger = log.New(io.Discard, "", 0)
	}
	args := expandCommand(d.Command, d.Name, opts.Workspace)
	if len(args) == 0 || args[0] == "" {
		return nil, domain.NewError(domain.ErrSpawnFailed, "spawn", d.Name, errors.New("empty command"))
	}

	cmd := exec.Command(args[0], args[1:]...)
	if opts.Workspace != "" {
		if fi, err := os.Stat(opts.Workspace); err == nil && fi.IsDir() {
			cmd.Dir = opts.Workspace
		}
	}
	cmd.Env = buildEnv(d, opts.Workspace)
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}

	stdin, err := cmd.StdinPipe()
	if err != nil {
		return nil, domain.NewError(domain.ErrSpawnFailed, "spawn", d.Name, err)
	}
	// Output pipes are owned here rather than by exec so that Wait does not
	// close them before the last frame and stderr line have been read.
	stdout, stdoutW, err := os.Pipe()
	if err != nil {
		return nil, domain.NewError(domain.ErrSpawnFailed, "spawn", d.Name, err)
	}
	stderr, stderrW, err := os.Pipe()
	if err != nil {
		stdout.Close()
		stdoutW.Close()
		return nil, domain.NewError(domain.ErrSpawnFailed, "spawn", d.Name, err)
	}
	cmd.Stdout = stdoutW
	cmd.Stderr = stderrW
	err = cmd.Start()
	stdoutW.Close()
	stderrW.Close()
	if err != nil {
		stdout.Close()
		stderr.Close()
		return nil, domain.NewError(domain.ErrSpawnFailed, "spawn", d.Name, err)
	}

	lines := opts.StderrLines
	if lines <= 0 {
		lines = defaultStderrLines
	}
	inst := &Instance{
		desc:       d,
		generation: opts.Generation,
		cmd:        cmd,
		stdout:     stdout,
		logger:     logger,
		onExit:     opts.OnExit,
		startedAt:  time.Now(),
		state:      domain.WorkerStarting,
		exited:     make(chan struct{}),
		stderrDone: make(chan struct{}),
		stderr:     newLineRing(lines),
	}
	inst.touch()

	handler := opts.Handler
	if handler == nil && d.Protocol == domain.ProtocolLSP {
		handler = newLSPClient(d.Name, opts.Workspace, logger)
	}
	connOpts := []rpc.Option{
		rpc.WithName(d.Name),
		rpc.WithLogger(logger),
		rpc.WithCloser(stdin),
		rpc.WithObserver(opts.Observer),
	}
	if handler != nil {
		connOpts = append(connOpts, rpc.WithHandler(handler))
	}
	if d.RequestTimeout > 0 {
		connOpts = append(connOpts, rpc.WithRequestTimeout(d.RequestTimeout))
	}
	framer := rpc.NewFramer(d.Protocol, &activityReader{r: stdout, inst: inst}, stdin)
	inst.conn = rpc.NewConn(framer, connOpts...)

	go inst.pumpStderr(stderr)
	go inst.wait()

	logger.Printf("Worker[%s]: started pid %d (gen %d): %s", d.Name, cmd.Process.Pid, opts.Generation, strings.Join(args, " "))

	initTimeout := d.InitTimeout
	if initTimeout <= 0 {
		initTimeout = defaultInitTimeout
	}
	hctx, cancel := context.WithTimeout(ctx, initTimeout)
	defer cancel()
	if err := inst.handshake(hctx, opts.Workspace); err != nil {
		inst.kill()
		<-inst.exited
		herr := fmt.Errorf("initialize: %w", err)
		if tail := inst.StderrTail(); len(tail) > 0 {
			herr = fmt.Errorf("%w (stderr: %s)", herr, tail[len(tail)-1])
		}
		return nil, domain.NewError(domain.ErrSpawnFailed, "spawn", d.Name, herr)
	}

	inst.mu.Lock()
	if inst.state == domain.WorkerStarting {
		inst.state = domain.WorkerReady
	}
	inst.mu.Unlock()
	return inst, nil
}

type pluginInitResult struct {
	Name         string   `json:"name,omitempty"`
	Capabilities []string `json:"capabilities"`
	Extensions   []string `json:"extensions"`
}

func (i *Instance) handshake(ctx context.Context, workspace string) error {
	if i.desc.Protocol == domain.ProtocolLSP {
		caps, err := lspInitialize(ctx, i.conn, i.desc, workspace)
		if err != nil {
			return err
		}
		i.setAdvertised(caps, i.desc.Extensions)
		return nil
	}

	var res pluginInitResult
	params := map[string]any{
		"workspace":  workspace,
		"processId":  os.Getpid(),
		"clientInfo": map[string]string{"name": "codeloom"},
	}
	if err := i.conn.Call(ctx, "initialize", params, &res); err != nil {
		return err
	}
	caps := i.desc.Capabilities
	if len(res.Capabilities) > 0 {
		caps = domain.NewCapabilitySet()
		for _, c := range res.Capabilities {
			caps.Add(domain.Capability(c))
		}
	}
	exts := i.desc.Extensions
	if len(res.Extensions) > 0 {
		exts = res.Extensions
	}
	i.setAdvertised(caps, exts)
	return nil
}

func (i *Instance) setAdvertised(caps domain.CapabilitySet, exts []string) {
	i.mu.Lock()
	defer i.mu.Unlock()
	i.caps = caps
	i.extensions = append([]string(nil), exts...)
}

// Name returns the descriptor name.
func (i *Instance) Name() string { return i.desc.Name }

// Descriptor returns the descriptor the instance was spawned from.
func (i *Instance) Descriptor() domain.WorkerDescriptor { return i.desc }

// Generation identifies this spawn among all spawns of the descriptor.
func (i *Instance) Generation() uint64 { return i.generation }

// PID returns the process id.
func (i *Instance) PID() int { return i.cmd.Process.Pid }

// Capabilities returns the capabilities advertised at initialization.
func (i *Instance) Capabilities() domain.CapabilitySet {
	i.mu.Lock()
	defer i.mu.Unlock()
	return i.caps
}

// Conn exposes the protocol connection.
func (i *Instance) Conn() *rpc.Conn { return i.conn }

// Exited is closed once the process has been waited for.
func (i *Instance) Exited() <-chan struct{} { return i.exited }

// State returns the lifecycle state. A ready instance with requests in
// flight reports Busy.
func (i *Instance) State() domain.WorkerState {
	i.mu.Lock()
	st := i.state
	i.mu.Unlock()
	if st == domain.WorkerReady && i.conn.InFlight() > 0 {
		return domain.WorkerBusy
	}
	return st
}

// markedLive reports whether the lifecycle state still claims the process
// can serve requests.
func (i *Instance) markedLive() bool {
	i.mu.Lock()
	defer i.mu.Unlock()
	return i.state.Live() || i.state == domain.WorkerStarting
}

// IsAlive reports whether requests can still be delivered to the process.
func (i *Instance) IsAlive() bool {
	if !i.markedLive() {
		return false
	}
	select {
	case <-i.exited:
		return false
	case <-i.conn.Done():
		return false
	default:
		return true
	}
}

// Call sends a request and waits for its result.
func (i *Instance) Call(ctx context.Context, method string, params, out any) error {
	if !i.IsAlive() {
		return domain.NewError(domain.ErrWorkerCrashed, "call", i.desc.Name, fmt.Errorf("worker is %s", i.State()))
	}
	return i.conn.Call(ctx, method, params, out)
}

// Notify sends a notification.
func (i *Instance) Notify(method string, params any) error {
	if !i.IsAlive() {
		return domain.NewError(domain.ErrWorkerCrashed, "notify", i.desc.Name, fmt.Errorf("worker is %s", i.State()))
	}
	return i.conn.Notify(method, params)
}

// Terminate stops the worker: LSP workers get shutdown and exit, stdin is
// closed, and the process group is killed if it has not exited within grace.
// It is safe to call more than once; later calls wait for the first.
func (i *Instance) Terminate(grace time.Duration) error {
	if grace <= 0 {
		grace = i.desc.ShutdownGrace
	}
	if grace <= 0 {
		grace = defaultShutdownGrace
	}
	i.termOnce.Do(func() {
		i.mu.Lock()
		wasLive := i.state.Live() || i.state == domain.WorkerStarting
		if i.state != domain.WorkerGone {
			i.state = domain.WorkerTerminating
		}
		i.mu.Unlock()

		if wasLive && i.desc.Protocol == domain.ProtocolLSP {
			ctx, cancel := context.WithTimeout(context.Background(), grace/2)
			if err := i.conn.Call(ctx, "shutdown", nil, nil); err == nil {
				_ = i.conn.Notify("exit", nil)
			}
			cancel()
		}
		i.conn.Close(domain.NewError(domain.ErrWorkerCrashed, "terminate", i.desc.Name, errors.New("worker terminated")))

		select {
		case <-i.exited:
		case <-time.After(grace):
			i.logger.Printf("Worker[%s]: did not exit within %s, killing process group", i.desc.Name, grace)
			i.kill()
			<-i.exited
		}
		i.mu.Lock()
		i.state = domain.WorkerGone
		i.mu.Unlock()
	})
	<-i.exited
	return nil
}

// reclaim marks a live instance crashed and kills it. It returns false if
// the instance was not live.
func (i *Instance) reclaim(reason string) bool {
	i.mu.Lock()
	if !i.state.Live() && i.state != domain.WorkerStarting {
		i.mu.Unlock()
		return false
	}
	i.state = domain.WorkerCrashed
	i.mu.Unlock()
	i.logger.Printf("Worker[%s]: reclaimed: %s", i.desc.Name, reason)
	i.conn.Close(domain.NewError(domain.ErrWorkerCrashed, "reap", i.desc.Name, errors.New(reason)))
	i.kill()
	return true
}

// kill sends SIGKILL to the worker's process group.
func (i *Instance) kill() {
	pid := i.cmd.Process.Pid
	if err := syscall.Kill(-pid, syscall.SIGKILL); err != nil && !errors.Is(err, syscall.ESRCH) {
		_ = i.cmd.Process.Kill()
	}
}

// processGone reports whether the process no longer exists, independent of
// whether Wait has returned.
func (i *Instance) processGone() bool {
	select {
	case <-i.exited:
		return true
	default:
	}
	err := syscall.Kill(i.cmd.Process.Pid, 0)
	return errors.Is(err, syscall.ESRCH)
}

func (i *Instance) wait() {
	err := i.cmd.Wait()

	i.mu.Lock()
	i.exitErr = err
	unexpected := i.state != domain.WorkerTerminating && i.state != domain.WorkerGone
	if unexpected && i.state != domain.WorkerCrashed {
		i.state = domain.WorkerCrashed
	}
	i.mu.Unlock()

	desc := "exited"
	if err != nil {
		desc = err.Error()
	}
	if unexpected {
		i.logger.Printf("Worker[%s]: pid %d exited unexpectedly: %s", i.desc.Name, i.cmd.Process.Pid, desc)
		// Orphaned children in the group die with the leader.
		_ = syscall.Kill(-i.cmd.Process.Pid, syscall.SIGKILL)
	}
	// Let frames the process wrote before exiting reach their callers.
	select {
	case <-i.conn.ReadDone():
	case <-time.After(drainTimeout):
	}
	i.conn.Close(domain.NewError(domain.ErrWorkerCrashed, "wait", i.desc.Name, fmt.Errorf("process %s", desc)))
	_ = i.stdout.Close()
	select {
	case <-i.stderrDone:
	case <-time.After(drainTimeout):
	}
	close(i.exited)
	if i.onExit != nil {
		i.onExit(i, err)
	}
}

// ExitErr returns the process exit error once the process has exited.
func (i *Instance) ExitErr() error {
	i.mu.Lock()
	defer i.mu.Unlock()
	return i.exitErr
}

func (i *Instance) pumpStderr(r io.ReadCloser) {
	defer close(i.stderrDone)
	defer r.Close()
	sc := bufio.NewScanner(r)
	sc.Buffer(make([]byte, 0, 4096), 1<<20)
	for sc.Scan() {
		line := sc.Text()
		i.stderr.add(line)
		i.touch()
		i.logger.Printf("Worker[%s]: %s", i.desc.Name, line)
	}
}

// StderrTail returns the most recent stderr lines, oldest first.
func (i *Instance) StderrTail() []string { return i.stderr.lines() }

func (i *Instance) touch() { i.lastOutput.Store(time.Now().UnixNano()) }

// LastOutputAt is when the process last wrote to stdout or stderr.
func (i *Instance) LastOutputAt() time.Time { return time.Unix(0, i.lastOutput.Load()) }

// StartedAt is when the process was started.
func (i *Instance) StartedAt() time.Time { return i.startedAt }

type activityReader struct {
	r    io.Reader
	inst *Instance
}

func (a *activityReader) Read(p []byte) (int, error) {
	n, err := a.r.Read(p)
	if n > 0 {
		a.inst.touch()
	}
	return n, err
}

// lineRing keeps the last n lines written to it.
type lineRing struct {
	mu   sync.Mutex
	buf  []string
	next int
	full bool
}

func newLineRing(n int) *lineRing { return &lineRing{buf: make([]string, n)} }

func (r *lineRing) add(line string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.buf[r.next] = line
	r.next = (r.next + 1) % len(r.buf)
	if r.next == 0 {
		r.full = true
	}
}

func (r *lineRing) lines() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	if !r.full {
		return append([]string(nil), r.buf[:r.next]...)
	}
	out := make([]string, 0, len(r.buf))
	out = append(out, r.buf[r.next:]...)
	return append(out, r.buf[:r.next]...)
}
