// Command quicbench runs one QUIC throughput experiment over an emulated
// topology and writes the resulting CSV artifacts. It must run as root
// because the netns backend creates network namespaces.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/apex/log"
	"github.com/joho/godotenv"
	"github.com/netperf-lab/quicbench"
)

// envDefault returns an environment variable or a fallback.
func envDefault(key, fallback string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return fallback
}

func main() {
	// a .env file may provide executable and history paths
	_ = godotenv.Load()

	topo := flag.String("topo", "dumbbell", "topology: dumbbell, parkinglot, or multibottleneck")
	topoFile := flag.String("topo-file", "", "load a custom topology from a YAML file instead")
	bw := flag.Float64("bw", 15, "bottleneck bandwidth in Mbps")
	delay := flag.Duration("delay", 2*time.Millisecond, "bottleneck link delay")
	loss := flag.Float64("loss", 2, "packet loss percentage (0-100)")
	duration := flag.Int("duration", 60, "duration of the experiment in seconds")
	hosts := flag.Int("hosts", 40, "total number of hosts")
	outputDir := flag.String("output-dir", "", "output directory (auto-generated if empty)")
	serverPath := flag.String("server", envDefault("QUICBENCH_SERVER", "quicserver"), "server executable path")
	clientPath := flag.String("client", envDefault("QUICBENCH_CLIENT", "quicclient"), "client executable path")
	historyPath := flag.String("history", os.Getenv("QUICBENCH_HISTORY"), "optional SQLite run-history path")
	verbose := flag.Bool("verbose", false, "enable debug logging")
	flag.Parse()

	log.SetLevel(log.InfoLevel)
	if *verbose {
		log.SetLevel(log.DebugLevel)
	}

	var spec *quicbench.TopologySpec
	var err error
	if *topoFile != "" {
		spec, err = quicbench.LoadTopologySpec(*topoFile)
	} else {
		spec, err = quicbench.NewTopologySpec(*topo, *bw, *delay, *loss, *hosts)
	}
	if err != nil {
		log.WithError(err).Fatal("loading topology")
	}

	dir := *outputDir
	if dir == "" {
		dir = fmt.Sprintf("%s_bw%d_delay%s_loss%d", spec.Name, int(*bw), *delay, int(*loss))
	}

	// an operator interrupt takes the same teardown path as the deadline
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	result, err := quicbench.RunExperiment(ctx, &quicbench.RunnerConfig{
		Backend:     quicbench.NewNetnsBackend(log.Log),
		Logger:      log.Log,
		Spec:        spec,
		DurationSec: *duration,
		OutputDir:   dir,
		ServerPath:  *serverPath,
		ClientPath:  *clientPath,
		HistoryPath: *historyPath,
	})
	var interrupted *quicbench.InterruptedError
	switch {
	case err == nil:
		// nothing
	case errors.As(err, &interrupted):
		log.Warnf("experiment interrupted after %s", interrupted.Elapsed)
	default:
		log.WithError(err).Fatal("experiment failed")
	}

	var total float64
	for _, sample := range result.Interfaces {
		total += sample.Value
	}
	log.Infof("total throughput: %.2f Mbps over %ds", total, result.DurationSec)
	if result.DegradedFlows > 0 {
		log.Warnf("%d degraded flows", result.DegradedFlows)
	}
	log.Infof("results saved to %s", dir)
}
