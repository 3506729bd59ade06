package quicbench

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"testing"
	"time"
)

// experimentExecHook emulates the server and client executables: servers
// write their readiness marker, clients write a complete metrics file for
// each second of the experiment as if they had run to completion.
func experimentExecHook(fb *fakeBackend) func(host, logPath string, command ...string) (ProcessHandle, error) {
	return func(host, logPath string, command ...string) (ProcessHandle, error) {
		isServer := false
		duration := 0
		metricsPath := ""
		for idx, arg := range command {
			switch arg {
			case "-cert":
				isServer = true
			case "-duration":
				duration, _ = strconv.Atoi(command[idx+1])
			case "-metrics-file":
				metricsPath = command[idx+1]
			}
		}
		if isServer {
			if err := os.WriteFile(logPath, []byte("listening on 10.0.0.1:4433\n"), 0644); err != nil {
				return nil, err
			}
		} else {
			var lines strings.Builder
			for sec := 1; sec <= duration; sec++ {
				fmt.Fprintf(&lines, `{"time":%d,"rtt_ms":12.0,"bytes_sent":100000}`+"\n", sec)
			}
			if err := os.WriteFile(metricsPath, []byte(lines.String()), 0644); err != nil {
				return nil, err
			}
		}
		proc := newFakeProcess()
		fb.mu.Lock()
		fb.procs = append(fb.procs, proc)
		fb.mu.Unlock()
		return proc, nil
	}
}

// newTestRunnerConfig creates a fast [RunnerConfig] against a fake backend.
func newTestRunnerConfig(t *testing.T, fb *fakeBackend) *RunnerConfig {
	t.Helper()
	outputDir := filepath.Join(t.TempDir(), "out")
	return &RunnerConfig{
		Backend:         fb,
		Logger:          &NullLogger{},
		Spec:            NewDumbbellSpec(15, 2*time.Millisecond, 0, 4),
		DurationSec:     1,
		OutputDir:       outputDir,
		ServerPath:      "/usr/local/bin/quicserver",
		ClientPath:      "/usr/local/bin/quicclient",
		SamplerInterval: 50 * time.Millisecond,
	}
}

func TestRunExperiment(t *testing.T) {
	t.Run("successful run writes artifacts and tears down", func(t *testing.T) {
		fb := newFakeBackend()
		fb.execHook = experimentExecHook(fb)
		config := newTestRunnerConfig(t, fb)
		config.HistoryPath = filepath.Join(t.TempDir(), "history.sqlite")

		result, err := RunExperiment(context.Background(), config)
		if err != nil {
			t.Fatal(err)
		}
		if result.DegradedFlows != 0 {
			t.Fatal("expected no degraded flows, got", result.DegradedFlows)
		}
		if len(result.RTT) != config.DurationSec {
			t.Fatal("expected", config.DurationSec, "RTT rows, got", len(result.RTT))
		}
		if result.RTT[0].Value != 12.0 {
			t.Fatal("unexpected RTT", result.RTT[0].Value)
		}
		if result.Bytes[0].Value != 200000 {
			t.Fatal("unexpected bytes", result.Bytes[0].Value)
		}

		for _, name := range []string{"switches.csv", "rtt.csv", "bytes.csv"} {
			if _, err := os.Stat(filepath.Join(config.OutputDir, name)); err != nil {
				t.Fatal(err)
			}
		}
		if fb.destroyCalls != 1 {
			t.Fatal("expected a single teardown, got", fb.destroyCalls)
		}

		store := Must1(OpenHistoryStore(config.HistoryPath))
		defer store.Close()
		count, err := store.RunCount("dumbbell")
		if err != nil {
			t.Fatal(err)
		}
		if count != 1 {
			t.Fatal("expected 1 recorded run, got", count)
		}
	})

	t.Run("server start failure aborts without artifacts", func(t *testing.T) {
		fb := newFakeBackend()
		expected := errors.New("mocked exec error")
		fb.execHook = func(host, logPath string, command ...string) (ProcessHandle, error) {
			return nil, expected
		}
		config := newTestRunnerConfig(t, fb)

		result, err := RunExperiment(context.Background(), config)
		if !errors.Is(err, ErrServerStart) {
			t.Fatal("not the error we expected", err)
		}
		if result != nil {
			t.Fatal("expected a nil result")
		}
		if _, err := os.Stat(filepath.Join(config.OutputDir, "switches.csv")); err == nil {
			t.Fatal("expected no artifacts")
		}
		if fb.destroyCalls != 1 {
			t.Fatal("expected a single teardown, got", fb.destroyCalls)
		}
	})

	t.Run("unreadable bottleneck counter aborts without artifacts", func(t *testing.T) {
		fb := newFakeBackend()
		fb.execHook = experimentExecHook(fb)
		config := newTestRunnerConfig(t, fb)
		config.DurationSec = 30

		topo, err := BuildTopology(&NullLogger{}, fb, config.Spec)
		if err != nil {
			t.Fatal(err)
		}
		bottleneckIface := topo.Monitored[0].Name
		Must0(topo.Close())
		fb.counterErr[bottleneckIface] = errors.New("mocked counter error")

		t0 := time.Now()
		result, err := RunExperiment(context.Background(), config)
		if !errors.Is(err, ErrSampler) {
			t.Fatal("not the error we expected", err)
		}
		if result != nil {
			t.Fatal("expected a nil result")
		}
		if elapsed := time.Since(t0); elapsed > 10*time.Second {
			t.Fatal("fatal sampler error did not unwind promptly:", elapsed)
		}
		if _, err := os.Stat(filepath.Join(config.OutputDir, "rtt.csv")); err == nil {
			t.Fatal("expected no artifacts")
		}
	})

	t.Run("mid-run bottleneck counter failure aborts promptly", func(t *testing.T) {
		fb := newFakeBackend()
		base := experimentExecHook(fb)
		// break the counter once the first client launches, i.e., after the
		// sampler has successfully read its baseline
		fb.execHook = func(host, logPath string, command ...string) (ProcessHandle, error) {
			for _, arg := range command {
				if arg == "-metrics-file" {
					fb.mu.Lock()
					fb.counterErr["s1-eth3"] = errors.New("mocked counter error")
					fb.mu.Unlock()
					break
				}
			}
			return base(host, logPath, command...)
		}
		config := newTestRunnerConfig(t, fb)
		config.DurationSec = 30

		t0 := time.Now()
		result, err := RunExperiment(context.Background(), config)
		if !errors.Is(err, ErrSampler) {
			t.Fatal("not the error we expected", err)
		}
		if result != nil {
			t.Fatal("expected a nil result")
		}
		if elapsed := time.Since(t0); elapsed > 10*time.Second {
			t.Fatal("fatal sampler error did not unwind promptly:", elapsed)
		}
		if _, err := os.Stat(filepath.Join(config.OutputDir, "rtt.csv")); err == nil {
			t.Fatal("expected no artifacts")
		}
		if fb.destroyCalls != 1 {
			t.Fatal("expected a single teardown, got", fb.destroyCalls)
		}
	})

	t.Run("sampler baseline precedes the first client launch", func(t *testing.T) {
		fb := newFakeBackend()
		base := experimentExecHook(fb)
		readsAtFirstClient := -1
		fb.execHook = func(host, logPath string, command ...string) (ProcessHandle, error) {
			for _, arg := range command {
				if arg == "-metrics-file" {
					fb.mu.Lock()
					if readsAtFirstClient < 0 {
						readsAtFirstClient = fb.counterReads
					}
					fb.mu.Unlock()
					break
				}
			}
			return base(host, logPath, command...)
		}
		config := newTestRunnerConfig(t, fb)

		if _, err := RunExperiment(context.Background(), config); err != nil {
			t.Fatal(err)
		}
		if readsAtFirstClient < 1 {
			t.Fatal("baseline counters not read before the first client start")
		}
	})

	t.Run("interrupt tears down and still writes artifacts", func(t *testing.T) {
		fb := newFakeBackend()
		fb.execHook = experimentExecHook(fb)
		config := newTestRunnerConfig(t, fb)
		config.DurationSec = 30

		ctx, cancel := context.WithCancel(context.Background())
		go func() {
			time.Sleep(250 * time.Millisecond)
			cancel()
		}()

		t0 := time.Now()
		result, err := RunExperiment(ctx, config)
		var interrupted *InterruptedError
		if !errors.As(err, &interrupted) {
			t.Fatal("not the error we expected", err)
		}
		if result == nil {
			t.Fatal("expected a result")
		}
		if elapsed := time.Since(t0); elapsed > 10*time.Second {
			t.Fatal("interrupt did not cut the run short:", elapsed)
		}
		if len(result.RTT) != config.DurationSec {
			t.Fatal("expected", config.DurationSec, "RTT rows, got", len(result.RTT))
		}
		for _, name := range []string{"switches.csv", "rtt.csv", "bytes.csv"} {
			if _, err := os.Stat(filepath.Join(config.OutputDir, name)); err != nil {
				t.Fatal(err)
			}
		}
		if fb.destroyCalls != 1 {
			t.Fatal("expected a single teardown, got", fb.destroyCalls)
		}
	})
}
