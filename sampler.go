package quicbench

//
// Interface throughput sampling
//

import (
	"context"
	"fmt"
	"time"
)

// InterfaceSamplerConfig contains configuration for [NewInterfaceSampler].
type InterfaceSamplerConfig struct {
	// Backend is the MANDATORY emulation backend.
	Backend Backend

	// Logger is the MANDATORY logger.
	Logger Logger

	// Interfaces are the MANDATORY interfaces to sample, bottleneck first.
	Interfaces []MonitoredInterface

	// Interval is the OPTIONAL sampling tick (default: 1s).
	Interval time.Duration
}

// SamplerResult contains the samples collected by [InterfaceSampler.Run].
type SamplerResult struct {
	// Ticks contains one throughput sample (Mbps) per interface per tick.
	Ticks []MetricSample

	// Summary contains one sample per interface whose value is the
	// throughput in Mbps observed over the whole sampling window.
	Summary []MetricSample

	// ElapsedSec is the length of the sampling window in seconds.
	ElapsedSec float64
}

// InterfaceSampler reads cumulative interface byte counters on a fixed
// tick and converts deltas to throughput samples. The zero value is
// invalid; use [NewInterfaceSampler] to construct.
type InterfaceSampler struct {
	// config is the sampler config.
	config *InterfaceSamplerConfig

	// previous is the latest counter snapshot; advanced by readDeltas.
	previous map[string]int64

	// start is the baseline counter snapshot read by Prime.
	start map[string]int64

	// t0 is when the baseline was read.
	t0 time.Time
}

// NewInterfaceSampler creates a new [InterfaceSampler].
func NewInterfaceSampler(config *InterfaceSamplerConfig) *InterfaceSampler {
	if config.Interval <= 0 {
		config.Interval = time.Second
	}
	return &InterfaceSampler{config: config}
}

// readCounter reads the monitored counter of an interface.
func (smp *InterfaceSampler) readCounter(m MonitoredInterface) (int64, error) {
	if m.RX {
		return smp.config.Backend.ReadRxBytes(m.Name)
	}
	return smp.config.Backend.ReadTxBytes(m.Name)
}

// Prime reads the baseline counter values that anchor both the deltas and
// the whole-window summary. Call it right before launching the traffic so
// the sampling window aligns with the traffic phase; [InterfaceSampler.Run]
// primes itself when the caller did not. An unreadable bottleneck counter
// is fatal and wraps [ErrSampler].
func (smp *InterfaceSampler) Prime() error {
	cfg := smp.config
	smp.start = make(map[string]int64)
	smp.previous = make(map[string]int64)
	for _, m := range cfg.Interfaces {
		value, err := smp.readCounter(m)
		if err != nil {
			if m.Bottleneck {
				return fmt.Errorf("%w: %s: %s", ErrSampler, m.Name, err.Error())
			}
			cfg.Logger.Warnf("sampler: %s: %s", m.Name, err.Error())
			continue
		}
		smp.start[m.Name] = value
		smp.previous[m.Name] = value
	}
	smp.t0 = time.Now()
	return nil
}

// readDeltas reads every counter and advances the previous snapshot,
// returning the per-interface byte deltas. The bottleneck error policy is
// the same as in [InterfaceSampler.Prime].
func (smp *InterfaceSampler) readDeltas() (map[string]int64, error) {
	cfg := smp.config
	deltas := make(map[string]int64, len(cfg.Interfaces))
	for _, m := range cfg.Interfaces {
		value, err := smp.readCounter(m)
		if err != nil {
			if m.Bottleneck {
				return nil, fmt.Errorf("%w: %s: %s", ErrSampler, m.Name, err.Error())
			}
			cfg.Logger.Warnf("sampler: %s: %s", m.Name, err.Error())
			continue
		}
		deltas[m.Name] = value - smp.previous[m.Name]
		smp.previous[m.Name] = value
	}
	return deltas, nil
}

// Run samples every monitored interface until ctx is cancelled and then
// returns the collected samples. An unreadable bottleneck counter is fatal
// and wraps [ErrSampler], since it invalidates the primary throughput
// measurement; unreadable secondary counters only produce warnings.
//
// Each tick is pinned to the ticker rather than to the end of the previous
// sample's processing, so skew does not accumulate; a tick arriving more
// than half an interval late is logged and skipped. The snapshot still
// advances on a skipped tick so the next delta spans a single interval.
func (smp *InterfaceSampler) Run(ctx context.Context) (*SamplerResult, error) {
	cfg := smp.config
	if smp.start == nil {
		if err := smp.Prime(); err != nil {
			return nil, err
		}
	}

	result := &SamplerResult{}
	ticker := time.NewTicker(cfg.Interval)
	defer ticker.Stop()
	var tickIndex int
	nextTick := time.Now().Add(cfg.Interval)

	for {
		select {
		case <-ctx.Done():
			return smp.finish(result)

		case now := <-ticker.C:
			tickIndex++
			if lag := now.Sub(nextTick); lag > cfg.Interval/2 {
				cfg.Logger.Warnf("sampler: tick %d late by %s, skipping", tickIndex, lag)
				nextTick = nextTick.Add(cfg.Interval)
				if _, err := smp.readDeltas(); err != nil {
					return nil, err
				}
				continue
			}
			nextTick = nextTick.Add(cfg.Interval)
			deltas, err := smp.readDeltas()
			if err != nil {
				return nil, err
			}
			for _, m := range cfg.Interfaces {
				delta, found := deltas[m.Name]
				if !found {
					continue
				}
				result.Ticks = append(result.Ticks, MetricSample{
					TimeSec: tickIndex,
					ID:      m.Name,
					Value:   float64(delta*8) / 1e6 / cfg.Interval.Seconds(),
				})
			}
		}
	}
}

// finish computes the per-interface summary throughput.
func (smp *InterfaceSampler) finish(result *SamplerResult) (*SamplerResult, error) {
	cfg := smp.config
	result.ElapsedSec = time.Since(smp.t0).Seconds()
	for _, m := range cfg.Interfaces {
		value, err := smp.readCounter(m)
		if err != nil {
			if m.Bottleneck {
				return nil, fmt.Errorf("%w: %s: %s", ErrSampler, m.Name, err.Error())
			}
			cfg.Logger.Warnf("sampler: %s: %s", m.Name, err.Error())
			continue
		}
		throughput := float64((value-smp.start[m.Name])*8) / 1e6 / result.ElapsedSec
		result.Summary = append(result.Summary, MetricSample{
			TimeSec: int(result.ElapsedSec),
			ID:      m.Name,
			Value:   throughput,
		})
		cfg.Logger.Infof("sampler: %s: %.2f Mbps", m.Name, throughput)
	}
	return result, nil
}
