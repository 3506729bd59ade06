package quicbench

//
// Process orchestration
//

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"
)

// RunState is the lifecycle state of a [RunHandle].
type RunState int

const (
	// RunStateStarting means the process was launched but is not
	// observably ready yet.
	RunStateStarting = RunState(iota)

	// RunStateReady means a server answered its readiness probe.
	RunStateReady

	// RunStateRunning means the process is exchanging traffic.
	RunStateRunning

	// RunStateDegraded means a client exited before the experiment
	// deadline. The run continues; the flow contributes zero throughput
	// after its exit.
	RunStateDegraded

	// RunStateTerminated is the final state.
	RunStateTerminated
)

// String implements fmt.Stringer
func (s RunState) String() string {
	switch s {
	case RunStateStarting:
		return "starting"
	case RunStateReady:
		return "ready"
	case RunStateRunning:
		return "running"
	case RunStateDegraded:
		return "degraded"
	case RunStateTerminated:
		return "terminated"
	default:
		return "unknown"
	}
}

// RunHandle tracks one launched client or server process. The
// [Orchestrator] is the single owner of every state transition.
type RunHandle struct {
	// Host is the emulated host running the process.
	Host string

	// Role is either "client" or "server".
	Role string

	// LogPath is where the process writes its output.
	LogPath string

	// StartedAt is when the process was launched.
	StartedAt time.Time

	// mu protects state.
	mu sync.Mutex

	// proc is the underlying process.
	proc ProcessHandle

	// state is the current lifecycle state.
	state RunState
}

// State returns the current state.
func (h *RunHandle) State() RunState {
	defer h.mu.Unlock()
	h.mu.Lock()
	return h.state
}

// transition moves the handle to a new state.
func (h *RunHandle) transition(state RunState) {
	h.mu.Lock()
	h.state = state
	h.mu.Unlock()
}

// transitionIf moves the handle to a new state only when it currently is
// in the from state, and reports whether it did.
func (h *RunHandle) transitionIf(from, to RunState) bool {
	defer h.mu.Unlock()
	h.mu.Lock()
	if h.state != from {
		return false
	}
	h.state = to
	return true
}

// FlowLog identifies one client's metric log artifact.
type FlowLog struct {
	// FlowID is the source host identifier.
	FlowID string

	// Path is the metrics file path.
	Path string
}

// OrchestratorConfig contains configuration for [NewOrchestrator].
type OrchestratorConfig struct {
	// Backend is the MANDATORY emulation backend.
	Backend Backend

	// Logger is the MANDATORY logger.
	Logger Logger

	// ServerPath is the MANDATORY path of the server executable.
	ServerPath string

	// ClientPath is the MANDATORY path of the client executable.
	ClientPath string

	// Cert is the MANDATORY certificate bundle shared by all servers.
	Cert *CertBundle

	// WorkDir is the MANDATORY directory for process logs and per-flow
	// metric artifacts.
	WorkDir string

	// Port is the OPTIONAL server port (default: 4433).
	Port int

	// RateMbpsPerFlow is the OPTIONAL pacing rate for each client. Zero
	// lets the client use its default rate.
	RateMbpsPerFlow float64

	// ReadyTimeout is the OPTIONAL bound on waiting for each server
	// readiness (default: 10s).
	ReadyTimeout time.Duration

	// StartStagger is the OPTIONAL deterministic delay between client
	// launches (default: 20ms).
	StartStagger time.Duration

	// GracePeriod is the OPTIONAL window between asking a process to
	// stop and killing it (default: 2s).
	GracePeriod time.Duration
}

// serverReadyMarker is the log line fragment a server emits once it is
// listening. Readiness probing waits for it.
const serverReadyMarker = "listening on"

// Orchestrator launches the experiment's client and server processes and
// owns their lifecycles end to end. The zero value is invalid; use
// [NewOrchestrator] to construct.
type Orchestrator struct {
	// clients are the client handles in launch order.
	clients []*RunHandle

	// config is the orchestrator config.
	config *OrchestratorConfig

	// deadline is when the traffic phase ends; set by StartClients.
	deadline time.Time

	// failedStarts records flows whose client never started.
	failedStarts map[string]bool

	// firstClientStart is when the first client was launched.
	firstClientStart time.Time

	// flowLogs are the per-flow metric artifacts.
	flowLogs []FlowLog

	// servers are the server handles in launch order.
	servers []*RunHandle

	// shutdownOnce gives Shutdown "once" semantics.
	shutdownOnce sync.Once

	// shutdownErr collects termination errors.
	shutdownErr error

	// stopping is set when Shutdown begins, so that clients terminated
	// by an early shutdown are not mistaken for degraded flows.
	stopping atomic.Bool
}

// NewOrchestrator creates a new [Orchestrator].
func NewOrchestrator(config *OrchestratorConfig) *Orchestrator {
	if config.Port <= 0 {
		config.Port = 4433
	}
	if config.ReadyTimeout <= 0 {
		config.ReadyTimeout = 10 * time.Second
	}
	if config.StartStagger <= 0 {
		config.StartStagger = 20 * time.Millisecond
	}
	if config.GracePeriod <= 0 {
		config.GracePeriod = 2 * time.Second
	}
	return &Orchestrator{
		config:       config,
		failedStarts: map[string]bool{},
	}
}

// StartServers launches one server per destination host and waits until
// each is observably ready. Any server failing to become ready within the
// configured timeout is fatal: the caller must invoke [Orchestrator.Shutdown]
// to terminate whatever was started.
func (orch *Orchestrator) StartServers(ctx context.Context, flows []FlowAssignment) error {
	cfg := orch.config
	for _, flow := range flows {
		addr := cfg.Backend.HostAddress(flow.Destination)
		logPath := filepath.Join(cfg.WorkDir, flow.Destination+"_server.log")
		command := []string{
			cfg.ServerPath,
			"-host", addr,
			"-port", strconv.Itoa(cfg.Port),
			"-cert", cfg.Cert.CertPath,
			"-key", cfg.Cert.KeyPath,
			"-log-level", "warn",
		}
		proc, err := cfg.Backend.ExecInHost(flow.Destination, logPath, command...)
		if err != nil {
			return fmt.Errorf("%w: %s: %s", ErrServerStart, flow.Destination, err.Error())
		}
		handle := &RunHandle{
			Host:      flow.Destination,
			Role:      "server",
			LogPath:   logPath,
			StartedAt: time.Now(),
			proc:      proc,
			state:     RunStateStarting,
		}
		orch.servers = append(orch.servers, handle)
	}

	// all servers must be ready before any client starts
	for _, handle := range orch.servers {
		if err := orch.waitServerReady(ctx, handle); err != nil {
			return err
		}
		handle.transition(RunStateReady)
		cfg.Logger.Debugf("orchestrator: server on %s ready", handle.Host)
	}
	cfg.Logger.Infof("orchestrator: %d servers ready", len(orch.servers))
	return nil
}

// waitServerReady polls the server's log for the readiness marker.
func (orch *Orchestrator) waitServerReady(ctx context.Context, handle *RunHandle) error {
	timeout := time.After(orch.config.ReadyTimeout)
	ticker := time.NewTicker(50 * time.Millisecond)
	defer ticker.Stop()
	for {
		select {
		case <-handle.proc.Done():
			return fmt.Errorf("%w: %s: process exited during startup", ErrServerStart, handle.Host)
		case <-timeout:
			return fmt.Errorf("%w: %s: not ready after %s",
				ErrServerStart, handle.Host, orch.config.ReadyTimeout)
		case <-ctx.Done():
			return fmt.Errorf("%w: %s: %s", ErrServerStart, handle.Host, ctx.Err().Error())
		case <-ticker.C:
			data, err := os.ReadFile(handle.LogPath)
			if err == nil && strings.Contains(string(data), serverReadyMarker) {
				return nil
			}
		}
	}
}

// StartClients launches one client per source host with a deterministic
// stagger between launches. The experiment deadline starts at the first
// client launch. Clients exiting before the deadline become degraded
// flows rather than fatal errors.
func (orch *Orchestrator) StartClients(ctx context.Context, flows []FlowAssignment, durationSec int) error {
	cfg := orch.config
	for idx, flow := range flows {
		if idx > 0 {
			// deterministic stagger avoids a thundering-herd burst on
			// the shared bottleneck
			time.Sleep(cfg.StartStagger)
		}
		addr := cfg.Backend.HostAddress(flow.Destination)
		logPath := filepath.Join(cfg.WorkDir, flow.Source+"_client.log")
		metricsPath := filepath.Join(cfg.WorkDir, flow.Source+"_metrics.jsonl")
		command := []string{
			cfg.ClientPath,
			"-host", addr,
			"-port", strconv.Itoa(cfg.Port),
			"-duration", strconv.Itoa(durationSec),
			"-metrics-file", metricsPath,
			"-no-verify",
			"-log-level", "warn",
		}
		if cfg.RateMbpsPerFlow > 0 {
			command = append(command, "-rate", fmt.Sprintf("%f", cfg.RateMbpsPerFlow))
		}
		proc, err := cfg.Backend.ExecInHost(flow.Source, logPath, command...)
		if err != nil {
			// degraded, not fatal: the paired server idles and the flow
			// contributes nothing to the aggregates
			cfg.Logger.Warnf("orchestrator: client on %s failed to start: %s", flow.Source, err.Error())
			orch.failedStarts[flow.Source] = true
			continue
		}
		handle := &RunHandle{
			Host:      flow.Source,
			Role:      "client",
			LogPath:   logPath,
			StartedAt: time.Now(),
			proc:      proc,
			state:     RunStateRunning,
		}
		if orch.firstClientStart.IsZero() {
			orch.firstClientStart = handle.StartedAt
			orch.deadline = handle.StartedAt.Add(time.Duration(durationSec) * time.Second)
		}
		orch.clients = append(orch.clients, handle)
		orch.flowLogs = append(orch.flowLogs, FlowLog{FlowID: flow.Source, Path: metricsPath})
		go orch.watchClient(handle)
	}
	if len(orch.clients) == 0 {
		return fmt.Errorf("%w: no client process could be started", ErrServerStart)
	}
	cfg.Logger.Infof("orchestrator: %d clients running until %s",
		len(orch.clients), orch.deadline.Format(time.RFC3339))
	return nil
}

// watchClient marks a client degraded when it exits before the deadline.
func (orch *Orchestrator) watchClient(handle *RunHandle) {
	<-handle.proc.Done()
	if orch.stopping.Load() || !time.Now().Before(orch.deadline) {
		return
	}
	if handle.transitionIf(RunStateRunning, RunStateDegraded) {
		orch.config.Logger.Warnf("orchestrator: client on %s exited early", handle.Host)
	}
}

// AwaitDeadline blocks until the experiment duration has elapsed, counted
// from the first client start, or until ctx is cancelled. Cancellation
// returns an [InterruptedError]; the caller takes the same shutdown path
// either way.
func (orch *Orchestrator) AwaitDeadline(ctx context.Context) error {
	select {
	case <-time.After(time.Until(orch.deadline)):
		return nil
	case <-ctx.Done():
		return &InterruptedError{Elapsed: time.Since(orch.firstClientStart)}
	}
}

// FirstClientStart returns when the first client was launched.
func (orch *Orchestrator) FirstClientStart() time.Time {
	return orch.firstClientStart
}

// FlowLogs returns the per-flow metric artifacts, one per started client.
func (orch *Orchestrator) FlowLogs() []FlowLog {
	return orch.flowLogs
}

// DegradedFlowIDs returns the source hosts of clients that exited before
// the deadline or never started at all.
func (orch *Orchestrator) DegradedFlowIDs() map[string]bool {
	ids := make(map[string]bool)
	for id := range orch.failedStarts {
		ids[id] = true
	}
	for _, handle := range orch.clients {
		if handle.State() == RunStateDegraded {
			ids[handle.Host] = true
		}
	}
	return ids
}

// Handles returns every handle owned by the orchestrator.
func (orch *Orchestrator) Handles() []*RunHandle {
	var all []*RunHandle
	all = append(all, orch.clients...)
	all = append(all, orch.servers...)
	return all
}

// Shutdown terminates every process: clients first, then servers, so that
// clients never report connection errors against already-dead servers. Each
// handle is asked to stop gracefully and killed after the grace period.
// Every handle is visited even when a termination fails; the collected
// errors are returned. Shutdown is idempotent.
func (orch *Orchestrator) Shutdown() error {
	orch.shutdownOnce.Do(func() {
		orch.stopping.Store(true)
		var errs []error
		for _, handle := range orch.clients {
			errs = append(errs, orch.stopHandle(handle))
		}
		for _, handle := range orch.servers {
			errs = append(errs, orch.stopHandle(handle))
		}
		orch.shutdownErr = errors.Join(errs...)
		orch.config.Logger.Infof("orchestrator: terminated %d processes",
			len(orch.clients)+len(orch.servers))
	})
	return orch.shutdownErr
}

// stopHandle terminates a single process, gracefully then forcefully.
func (orch *Orchestrator) stopHandle(handle *RunHandle) error {
	defer handle.transition(RunStateTerminated)
	select {
	case <-handle.proc.Done():
		return nil
	default:
	}
	if err := handle.proc.Terminate(); err != nil {
		orch.config.Logger.Warnf("orchestrator: terminating %s on %s: %s",
			handle.Role, handle.Host, err.Error())
	}
	select {
	case <-handle.proc.Done():
		return nil
	case <-time.After(orch.config.GracePeriod):
	}
	if err := handle.proc.Kill(); err != nil {
		return fmt.Errorf("killing %s on %s: %w", handle.Role, handle.Host, err)
	}
	<-handle.proc.Done()
	return nil
}
