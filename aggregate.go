package quicbench

//
// Result aggregation and artifact writing
//

import (
	"encoding/csv"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/montanaflynn/stats"
)

// ExperimentParams is the metadata describing one experiment.
type ExperimentParams struct {
	// Topology is the topology name.
	Topology string

	// BandwidthMbps is the bottleneck bandwidth.
	BandwidthMbps float64

	// Delay is the bottleneck one-way delay.
	Delay time.Duration

	// LossPercent is the bottleneck loss percentage.
	LossPercent float64

	// DurationSec is the experiment duration in seconds.
	DurationSec int

	// HostCount is the total number of hosts.
	HostCount int
}

// Aggregate merges the interface samples and the per-flow logs into an
// [ExperimentResult]. It is a pure function of its inputs: the same raw
// samples always produce the same result.
//
// For every time bucket the RTT value is the arithmetic mean of the RTT
// observations of the flows reporting in that bucket (a flow with no
// observation is excluded from the mean, not treated as zero) and the
// bytes value is the sum across flows. Both series contain exactly
// DurationSec rows with timestamps 1..DurationSec; a bucket with no
// reporting flow is written as a zero-valued row, uniformly in both
// series.
//
// A flow whose log is missing or unreadable is excluded from aggregation
// and added to the degraded set; degradedIDs carries the flows the
// orchestrator already marked degraded so that no flow is counted twice.
func Aggregate(logger Logger, source FlowLogSource, sampler *SamplerResult,
	flows []FlowLog, degradedIDs map[string]bool, params *ExperimentParams) *ExperimentResult {
	degraded := make(map[string]bool, len(degradedIDs))
	for id := range degradedIDs {
		degraded[id] = true
	}

	rttByBucket := make(map[int][]float64)
	bytesByBucket := make(map[int]int64)
	for _, flow := range flows {
		records, err := source.ReadFlowMetrics(flow)
		if err != nil {
			logger.Warnf("aggregate: flow %s: %s", flow.FlowID, err.Error())
			degraded[flow.FlowID] = true
			continue
		}
		for _, record := range records {
			if record.TimeSec < 1 || record.TimeSec > params.DurationSec {
				continue
			}
			rttByBucket[record.TimeSec] = append(rttByBucket[record.TimeSec], record.RTTMillis)
			bytesByBucket[record.TimeSec] += record.BytesSent
		}
	}

	result := &ExperimentResult{
		Interfaces:    sampler.Summary,
		Topology:      params.Topology,
		BandwidthMbps: params.BandwidthMbps,
		Delay:         params.Delay,
		LossPercent:   params.LossPercent,
		DurationSec:   params.DurationSec,
		HostCount:     params.HostCount,
		DegradedFlows: len(degraded),
	}
	for bucket := 1; bucket <= params.DurationSec; bucket++ {
		var avgRTT float64
		if observations := rttByBucket[bucket]; len(observations) > 0 {
			avgRTT = Must1(stats.Mean(observations))
		}
		result.RTT = append(result.RTT, MetricSample{
			TimeSec: bucket,
			ID:      "rtt",
			Value:   avgRTT,
		})
		result.Bytes = append(result.Bytes, MetricSample{
			TimeSec: bucket,
			ID:      "bytes",
			Value:   float64(bytesByBucket[bucket]),
		})
	}
	if result.DegradedFlows > 0 {
		logger.Warnf("aggregate: %d degraded flows", result.DegradedFlows)
	}
	return result
}

// WriteArtifacts persists the three canonical artifacts into dir:
// switches.csv (one summary row per monitored interface), rtt.csv and
// bytes.csv (per-second series with rows 1..duration).
func WriteArtifacts(logger Logger, result *ExperimentResult, dir string) error {
	if err := os.MkdirAll(dir, 0755); err != nil {
		return err
	}

	switches := [][]string{{"interface", "throughput_mbps", "duration_sec"}}
	for _, sample := range result.Interfaces {
		switches = append(switches, []string{
			sample.ID,
			fmt.Sprintf("%.2f", sample.Value),
			fmt.Sprintf("%d", result.DurationSec),
		})
	}
	if err := writeCSV(filepath.Join(dir, "switches.csv"), switches); err != nil {
		return err
	}

	rtt := [][]string{{"time_sec", "avg_rtt_ms"}}
	for _, sample := range result.RTT {
		rtt = append(rtt, []string{
			fmt.Sprintf("%d", sample.TimeSec),
			fmt.Sprintf("%.2f", sample.Value),
		})
	}
	if err := writeCSV(filepath.Join(dir, "rtt.csv"), rtt); err != nil {
		return err
	}

	bytes := [][]string{{"time_sec", "total_bytes_sent"}}
	for _, sample := range result.Bytes {
		bytes = append(bytes, []string{
			fmt.Sprintf("%d", sample.TimeSec),
			fmt.Sprintf("%d", int64(sample.Value)),
		})
	}
	if err := writeCSV(filepath.Join(dir, "bytes.csv"), bytes); err != nil {
		return err
	}

	logger.Infof("aggregate: artifacts written to %s", dir)
	return nil
}

// writeCSV writes rows to a CSV file.
func writeCSV(path string, rows [][]string) error {
	file, err := os.Create(path)
	if err != nil {
		return err
	}
	writer := csv.NewWriter(file)
	if err := writer.WriteAll(rows); err != nil {
		file.Close()
		return err
	}
	writer.Flush()
	if err := writer.Error(); err != nil {
		file.Close()
		return err
	}
	return file.Close()
}
