package quicbench

import (
	"context"
	"errors"
	"testing"
	"time"
)

func TestInterfaceSampler(t *testing.T) {
	t.Run("ticks produce throughput samples", func(t *testing.T) {
		backend := newFakeBackend()
		backend.counters["s1-eth3"] = 0

		smp := NewInterfaceSampler(&InterfaceSamplerConfig{
			Backend: backend,
			Logger:  &NullLogger{},
			Interfaces: []MonitoredInterface{
				{Name: "s1-eth3", Bottleneck: true},
			},
			Interval: 10 * time.Millisecond,
		})

		ctx, cancel := context.WithCancel(context.Background())
		feeder := time.NewTicker(2 * time.Millisecond)
		defer feeder.Stop()
		go func() {
			// simulate steady traffic through the counter
			for range feeder.C {
				backend.addCounter("s1-eth3", 2500)
				select {
				case <-ctx.Done():
					return
				default:
				}
			}
		}()
		go func() {
			time.Sleep(100 * time.Millisecond)
			cancel()
		}()

		result, err := smp.Run(ctx)
		if err != nil {
			t.Fatal(err)
		}
		if len(result.Ticks) < 5 {
			t.Fatal("expected at least five tick samples, got", len(result.Ticks))
		}
		for _, sample := range result.Ticks {
			if sample.ID != "s1-eth3" {
				t.Fatal("unexpected sample ID", sample.ID)
			}
			if sample.Value < 0 {
				t.Fatal("negative throughput sample", sample.Value)
			}
		}
		if len(result.Summary) != 1 {
			t.Fatal("expected one summary sample, got", len(result.Summary))
		}
		if result.Summary[0].Value <= 0 {
			t.Fatal("expected positive summary throughput", result.Summary[0].Value)
		}
		if result.ElapsedSec <= 0 {
			t.Fatal("expected a positive sampling window")
		}
	})

	t.Run("snapshot advances with every read", func(t *testing.T) {
		// a skipped late tick discards its deltas through the same read,
		// so the following delta must span a single interval
		backend := newFakeBackend()
		backend.counters["s1-eth3"] = 0

		smp := NewInterfaceSampler(&InterfaceSamplerConfig{
			Backend: backend,
			Logger:  &NullLogger{},
			Interfaces: []MonitoredInterface{
				{Name: "s1-eth3", Bottleneck: true},
			},
		})
		Must0(smp.Prime())

		backend.addCounter("s1-eth3", 1000)
		deltas, err := smp.readDeltas()
		if err != nil {
			t.Fatal(err)
		}
		if deltas["s1-eth3"] != 1000 {
			t.Fatal("unexpected first delta", deltas["s1-eth3"])
		}

		backend.addCounter("s1-eth3", 250)
		deltas, err = smp.readDeltas()
		if err != nil {
			t.Fatal(err)
		}
		if deltas["s1-eth3"] != 250 {
			t.Fatal("first read did not advance the snapshot, got", deltas["s1-eth3"])
		}
	})

	t.Run("unreadable bottleneck counter is fatal", func(t *testing.T) {
		backend := newFakeBackend()
		backend.counterErr["s1-eth3"] = errors.New("no such device")

		smp := NewInterfaceSampler(&InterfaceSamplerConfig{
			Backend: backend,
			Logger:  &NullLogger{},
			Interfaces: []MonitoredInterface{
				{Name: "s1-eth3", Bottleneck: true},
			},
			Interval: 10 * time.Millisecond,
		})
		_, err := smp.Run(context.Background())
		if !errors.Is(err, ErrSampler) {
			t.Fatal("not the error we expected", err)
		}
	})

	t.Run("unreadable secondary counter degrades gracefully", func(t *testing.T) {
		backend := newFakeBackend()
		backend.counters["s1-eth3"] = 0
		backend.counterErr["s2-eth2"] = errors.New("no such device")

		smp := NewInterfaceSampler(&InterfaceSamplerConfig{
			Backend: backend,
			Logger:  &NullLogger{},
			Interfaces: []MonitoredInterface{
				{Name: "s1-eth3", Bottleneck: true},
				{Name: "s2-eth2"},
			},
			Interval: 10 * time.Millisecond,
		})
		ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
		defer cancel()
		result, err := smp.Run(ctx)
		if err != nil {
			t.Fatal(err)
		}
		for _, sample := range result.Ticks {
			if sample.ID == "s2-eth2" {
				t.Fatal("did not expect samples for the unreadable interface")
			}
		}
		if len(result.Summary) != 1 {
			t.Fatal("expected a summary for the bottleneck only")
		}
	})
}
