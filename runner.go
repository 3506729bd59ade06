package quicbench

//
// Experiment runner
//

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"time"
)

// RunnerConfig contains configuration for [RunExperiment].
type RunnerConfig struct {
	// Backend is the MANDATORY emulation backend.
	Backend Backend

	// Logger is the MANDATORY logger.
	Logger Logger

	// Spec is the MANDATORY topology spec.
	Spec *TopologySpec

	// DurationSec is the MANDATORY experiment duration in seconds.
	DurationSec int

	// OutputDir is the MANDATORY directory for the result artifacts.
	OutputDir string

	// ServerPath is the MANDATORY path of the server executable.
	ServerPath string

	// ClientPath is the MANDATORY path of the client executable.
	ClientPath string

	// WorkDir is the OPTIONAL directory for process logs, per-flow
	// metrics, and the certificate bundle (default: a "work"
	// subdirectory of OutputDir).
	WorkDir string

	// HistoryPath is the OPTIONAL path of the SQLite run index. Empty
	// disables history recording.
	HistoryPath string

	// SamplerInterval is the OPTIONAL sampling tick (default: 1s).
	SamplerInterval time.Duration

	// RateMbpsPerFlow is the OPTIONAL per-client pacing rate. Zero means
	// the bottleneck bandwidth divided by the number of flows.
	RateMbpsPerFlow float64
}

// RunExperiment drives one complete experiment: provision the certificate,
// build the topology, launch servers then clients, sample the bottleneck
// concurrently with the traffic phase, parse the per-flow logs, aggregate,
// persist the artifacts, and tear everything down.
//
// Teardown runs on every exit path, including early aborts and operator
// interrupts: no process handle or backend resource outlives this call.
// Fatal errors return a nil result and write no artifacts. An operator
// interrupt (ctx cancellation) takes the same teardown path as a normal
// deadline: the artifacts for the covered window are written and the
// returned error is an [*InterruptedError] alongside the result.
func RunExperiment(ctx context.Context, config *RunnerConfig) (*ExperimentResult, error) {
	logger := config.Logger
	workDir := config.WorkDir
	if workDir == "" {
		workDir = filepath.Join(config.OutputDir, "work")
	}
	if err := os.MkdirAll(workDir, 0755); err != nil {
		return nil, err
	}

	// certificate first: it is a prerequisite resource, not a metric concern
	cert, err := EnsureCertificate(logger, filepath.Join(workDir, "certs"))
	if err != nil {
		return nil, err
	}

	topo, err := BuildTopology(logger, config.Backend, config.Spec)
	if err != nil {
		return nil, err
	}
	defer topo.Close()

	flows, err := AssignFlows(config.Spec.Hosts)
	if err != nil {
		return nil, err
	}

	bottleneck := config.Spec.Bottleneck()
	rate := config.RateMbpsPerFlow
	if rate <= 0 && len(flows) > 0 {
		rate = bottleneck.Shape.BandwidthMbps / float64(len(flows))
	}

	orch := NewOrchestrator(&OrchestratorConfig{
		Backend:         config.Backend,
		Logger:          logger,
		ServerPath:      config.ServerPath,
		ClientPath:      config.ClientPath,
		Cert:            cert,
		WorkDir:         workDir,
		RateMbpsPerFlow: rate,
	})
	defer orch.Shutdown()

	if err := orch.StartServers(ctx, flows); err != nil {
		return nil, err
	}

	// the baseline read anchors the sampling window to just before the
	// first client start
	sampler := NewInterfaceSampler(&InterfaceSamplerConfig{
		Backend:    config.Backend,
		Logger:     logger,
		Interfaces: topo.Monitored,
		Interval:   config.SamplerInterval,
	})
	if err := sampler.Prime(); err != nil {
		return nil, err
	}
	samplerCtx, samplerCancel := context.WithCancel(context.Background())
	defer samplerCancel()
	type samplerOutcome struct {
		result *SamplerResult
		err    error
	}
	samplerch := make(chan samplerOutcome, 1)
	go func() {
		result, err := sampler.Run(samplerCtx)
		samplerch <- samplerOutcome{result, err}
	}()

	if err := orch.StartClients(ctx, flows, config.DurationSec); err != nil {
		return nil, err
	}

	deadlinech := make(chan error, 1)
	go func() {
		deadlinech <- orch.AwaitDeadline(ctx)
	}()

	var runErr error
	select {
	case outcome := <-samplerch:
		// the sampler only returns before the deadline on a fatal error
		if err := orch.Shutdown(); err != nil {
			logger.Warnf("runner: shutdown: %s", err.Error())
		}
		if outcome.err != nil {
			return nil, outcome.err
		}
		return nil, fmt.Errorf("%w: sampler stopped early", ErrSampler)
	case runErr = <-deadlinech:
	}
	samplerCancel()
	if err := orch.Shutdown(); err != nil {
		logger.Warnf("runner: shutdown: %s", err.Error())
	}

	outcome := <-samplerch
	if outcome.err != nil {
		return nil, outcome.err
	}

	params := &ExperimentParams{
		Topology:      config.Spec.Name,
		BandwidthMbps: bottleneck.Shape.BandwidthMbps,
		Delay:         bottleneck.Shape.Delay,
		LossPercent:   bottleneck.Shape.LossPercent,
		DurationSec:   config.DurationSec,
		HostCount:     len(config.Spec.Hosts),
	}
	source := &JSONLFlowLogSource{Logger: logger}
	result := Aggregate(logger, source, outcome.result, orch.FlowLogs(), orch.DegradedFlowIDs(), params)

	if err := WriteArtifacts(logger, result, config.OutputDir); err != nil {
		return nil, err
	}
	if config.HistoryPath != "" {
		if err := recordHistory(config.HistoryPath, result, config.OutputDir); err != nil {
			logger.Warnf("runner: recording history: %s", err.Error())
		}
	}
	return result, runErr
}

// recordHistory appends the run to the history index.
func recordHistory(path string, result *ExperimentResult, outputDir string) error {
	store, err := OpenHistoryStore(path)
	if err != nil {
		return err
	}
	defer store.Close()
	return store.RecordRun(result, outputDir)
}
