package quicbench

//
// Live topology lifecycle
//

import (
	"fmt"
	"sync"
	"sync/atomic"
)

// liveTopologyCount enforces the single-tenancy of the emulation backend:
// at most one [LiveTopology] may exist at any given time.
var liveTopologyCount = &atomic.Int64{}

// MonitoredInterface is a switch interface whose byte counter the sampler
// reads every tick.
type MonitoredInterface struct {
	// Name is the interface name.
	Name string

	// RX indicates that the receive counter should be read instead of
	// the transmit counter.
	RX bool

	// Bottleneck indicates that this interface sits on the bottleneck
	// link. Failing to read it is fatal.
	Bottleneck bool
}

// LiveTopology owns the emulated hosts and links of one experiment. The
// zero value is invalid; use [BuildTopology] to construct. Call Close to
// release every backend resource; Close is idempotent and safe to call
// on a partially-built topology.
type LiveTopology struct {
	// Spec is the spec this topology was built from.
	Spec *TopologySpec

	// Monitored lists the interfaces to sample, bottleneck first.
	Monitored []MonitoredInterface

	// backend is the emulation backend.
	backend Backend

	// closeOnce allows to have a "once" semantics for Close
	closeOnce sync.Once
}

// BuildTopology validates spec and turns it into a live emulated network
// using the given backend. On any failure the partially-built topology is
// torn down before returning. The error wraps [ErrTopology] for spec and
// allocation failures and [ErrBackendBusy] when a live topology already
// exists.
func BuildTopology(logger Logger, backend Backend, spec *TopologySpec) (*LiveTopology, error) {
	if err := spec.Check(); err != nil {
		return nil, err
	}
	if !liveTopologyCount.CompareAndSwap(0, 1) {
		return nil, ErrBackendBusy
	}

	topo := &LiveTopology{
		Spec:      spec,
		Monitored: nil,
		backend:   backend,
		closeOnce: sync.Once{},
	}

	logger.Infof("topology: building %s with %d hosts and %d switches",
		spec.Name, len(spec.Hosts), len(spec.Switches))

	for _, id := range spec.Hosts {
		if err := backend.CreateHost(id); err != nil {
			topo.Close()
			return nil, fmt.Errorf("%w: creating host %s: %s", ErrTopology, id, err.Error())
		}
	}
	for _, id := range spec.Switches {
		if err := backend.CreateSwitch(id); err != nil {
			topo.Close()
			return nil, fmt.Errorf("%w: creating switch %s: %s", ErrTopology, id, err.Error())
		}
	}
	for _, link := range spec.Links {
		ifaceA, ifaceB, err := backend.CreateLink(link.A, link.B, link.Shape)
		if err != nil {
			topo.Close()
			return nil, fmt.Errorf("%w: creating link %s-%s: %s",
				ErrTopology, link.A, link.B, err.Error())
		}
		if link.Bottleneck {
			// the bottleneck interface goes first so all derived naming
			// and fatal-error handling key off position zero
			topo.Monitored = append([]MonitoredInterface{{
				Name:       ifaceA,
				RX:         false,
				Bottleneck: true,
			}}, topo.Monitored...)
		} else if link.WatchTx {
			topo.Monitored = append(topo.Monitored, MonitoredInterface{
				Name: ifaceA,
			})
		}
		if link.WatchRx {
			topo.Monitored = append(topo.Monitored, MonitoredInterface{
				Name: ifaceB,
				RX:   true,
			})
		}
	}

	logger.Infof("topology: %s up, monitoring %d interfaces", spec.Name, len(topo.Monitored))
	return topo, nil
}

// Close releases all the hosts, switches, and links owned by this
// topology and frees the backend for the next experiment.
func (topo *LiveTopology) Close() error {
	var err error
	topo.closeOnce.Do(func() {
		err = topo.backend.DestroyAll()
		liveTopologyCount.Store(0)
	})
	return err
}
