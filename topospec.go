package quicbench

//
// Topology specifications
//

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// LinkSpec declares a shaped link between two nodes of a [TopologySpec].
type LinkSpec struct {
	// A is the first endpoint. For switch-to-switch links the A side is
	// the upstream switch, whose transmit counter measures the
	// source-to-destination direction.
	A string

	// B is the second endpoint.
	B string

	// Shape contains the shaping parameters.
	Shape LinkShape

	// Bottleneck tags this link as the experiment's bottleneck. Exactly
	// one link per topology carries this tag.
	Bottleneck bool

	// WatchTx requests throughput monitoring of the A-side transmit
	// counter. The bottleneck link is always monitored.
	WatchTx bool

	// WatchRx requests throughput monitoring of the B-side receive counter.
	WatchRx bool
}

// TopologySpec is an immutable declarative description of an emulated
// network. Use one of the template constructors or [LoadTopologySpec]
// and validate with [TopologySpec.Check] before building.
type TopologySpec struct {
	// Name is the topology name (e.g., "dumbbell").
	Name string

	// Hosts lists host identifiers in declared order. The first half are
	// traffic sources, the second half destinations.
	Hosts []string

	// Switches lists switch identifiers.
	Switches []string

	// Links lists the links connecting hosts and switches.
	Links []LinkSpec
}

// accessLink is the shape of host-to-switch access links used by all the
// built-in templates: 1 Mbit/s with 1 ms of one-way delay.
func accessLink() LinkShape {
	return LinkShape{
		BandwidthMbps:   1,
		Delay:           time.Millisecond,
		LossPercent:     0,
		MaxQueuePackets: 100,
	}
}

// trunkLink is the shape of switch-to-switch links.
func trunkLink(bwMbps float64, delay time.Duration, lossPercent float64) LinkShape {
	return LinkShape{
		BandwidthMbps:   bwMbps,
		Delay:           delay,
		LossPercent:     lossPercent,
		MaxQueuePackets: 100,
	}
}

// hostNames generates n host identifiers h0..h{n-1}.
func hostNames(n int) []string {
	var hosts []string
	for idx := 0; idx < n; idx++ {
		hosts = append(hosts, fmt.Sprintf("h%d", idx))
	}
	return hosts
}

// NewDumbbellSpec creates the dumbbell topology: two switches connected by
// the bottleneck link, sources attached to the left switch and
// destinations to the right one.
func NewDumbbellSpec(bwMbps float64, delay time.Duration, lossPercent float64, numHosts int) *TopologySpec {
	hosts := hostNames(numHosts)
	mid := numHosts / 2
	spec := &TopologySpec{
		Name:     "dumbbell",
		Hosts:    hosts,
		Switches: []string{"s1", "s2"},
	}
	for idx := 0; idx < mid; idx++ {
		spec.Links = append(spec.Links, LinkSpec{A: hosts[idx], B: "s1", Shape: accessLink()})
	}
	for idx := mid; idx < numHosts; idx++ {
		spec.Links = append(spec.Links, LinkSpec{A: hosts[idx], B: "s2", Shape: accessLink()})
	}
	spec.Links = append(spec.Links, LinkSpec{
		A:          "s1",
		B:          "s2",
		Shape:      trunkLink(bwMbps, delay, lossPercent),
		Bottleneck: true,
	})
	return spec
}

// NewParkingLotSpec creates the parking-lot topology: three switches in a
// line with two shaped trunks. The first trunk is the bottleneck; the
// second one runs at 80% of the bottleneck bandwidth.
func NewParkingLotSpec(bwMbps float64, delay time.Duration, lossPercent float64, numHosts int) *TopologySpec {
	hosts := hostNames(numHosts)
	mid := numHosts / 2
	spec := &TopologySpec{
		Name:     "parkinglot",
		Hosts:    hosts,
		Switches: []string{"s1", "s2", "s3"},
	}
	for idx := 0; idx < mid; idx++ {
		spec.Links = append(spec.Links, LinkSpec{A: hosts[idx], B: "s1", Shape: accessLink()})
	}

	// destinations split between the two downstream switches
	half := mid / 2
	for idx := mid; idx < mid+half; idx++ {
		spec.Links = append(spec.Links, LinkSpec{A: hosts[idx], B: "s2", Shape: accessLink()})
	}
	for idx := mid + half; idx < numHosts; idx++ {
		spec.Links = append(spec.Links, LinkSpec{A: hosts[idx], B: "s3", Shape: accessLink()})
	}

	spec.Links = append(spec.Links, LinkSpec{
		A:          "s1",
		B:          "s2",
		Shape:      trunkLink(bwMbps, delay, lossPercent),
		Bottleneck: true,
	})
	spec.Links = append(spec.Links, LinkSpec{
		A:       "s2",
		B:       "s3",
		Shape:   trunkLink(0.8*bwMbps, delay, lossPercent),
		WatchTx: true,
	})
	return spec
}

// NewMultiBottleneckSpec creates the multi-bottleneck topology: six
// switches with parallel paths and three bandwidth stages (100%, 80%,
// and 60% of the configured bandwidth).
func NewMultiBottleneckSpec(bwMbps float64, delay time.Duration, lossPercent float64, numHosts int) *TopologySpec {
	hosts := hostNames(numHosts)
	mid := numHosts / 2
	spec := &TopologySpec{
		Name:     "multibottleneck",
		Hosts:    hosts,
		Switches: []string{"s1", "s2", "s3", "s4", "s5", "s6"},
	}
	for idx := 0; idx < mid; idx++ {
		spec.Links = append(spec.Links, LinkSpec{A: hosts[idx], B: "s1", Shape: accessLink()})
	}
	half := mid / 2
	for idx := mid; idx < mid+half; idx++ {
		spec.Links = append(spec.Links, LinkSpec{A: hosts[idx], B: "s5", Shape: accessLink()})
	}
	for idx := mid + half; idx < numHosts; idx++ {
		spec.Links = append(spec.Links, LinkSpec{A: hosts[idx], B: "s6", Shape: accessLink()})
	}

	bw2, bw3 := 0.8*bwMbps, 0.6*bwMbps

	// stage 1: s1 splits to s2 and s3
	spec.Links = append(spec.Links, LinkSpec{
		A:          "s1",
		B:          "s2",
		Shape:      trunkLink(bwMbps, delay, lossPercent),
		Bottleneck: true,
		WatchRx:    true,
	})
	spec.Links = append(spec.Links, LinkSpec{
		A:     "s1",
		B:     "s3",
		Shape: trunkLink(bw2, delay, lossPercent),
	})

	// stage 2: s2 and s3 converge to s4
	spec.Links = append(spec.Links, LinkSpec{
		A:       "s2",
		B:       "s4",
		Shape:   trunkLink(bw2, delay, lossPercent),
		WatchTx: true,
	})
	spec.Links = append(spec.Links, LinkSpec{
		A:       "s3",
		B:       "s4",
		Shape:   trunkLink(bw2, delay, lossPercent),
		WatchTx: true,
	})

	// stage 3: s4 splits to s5 and s6
	spec.Links = append(spec.Links, LinkSpec{
		A:       "s4",
		B:       "s5",
		Shape:   trunkLink(bw3, delay, lossPercent),
		WatchTx: true,
	})
	spec.Links = append(spec.Links, LinkSpec{
		A:       "s4",
		B:       "s6",
		Shape:   trunkLink(bw3, delay, lossPercent),
		WatchTx: true,
	})
	return spec
}

// NewTopologySpec creates a built-in topology template by name. The
// recognized names are "dumbbell", "parkinglot", and "multibottleneck".
func NewTopologySpec(name string, bwMbps float64, delay time.Duration,
	lossPercent float64, numHosts int) (*TopologySpec, error) {
	switch name {
	case "dumbbell":
		return NewDumbbellSpec(bwMbps, delay, lossPercent, numHosts), nil
	case "parkinglot":
		return NewParkingLotSpec(bwMbps, delay, lossPercent, numHosts), nil
	case "multibottleneck":
		return NewMultiBottleneckSpec(bwMbps, delay, lossPercent, numHosts), nil
	default:
		return nil, fmt.Errorf("%w: unknown topology %q", ErrTopology, name)
	}
}

// Check validates the spec. It fails when a link references an undeclared
// endpoint, when shaping values are out of range, or when the spec does
// not tag exactly one bottleneck link.
func (spec *TopologySpec) Check() error {
	if len(spec.Hosts) < 2 || len(spec.Hosts)%2 != 0 {
		return fmt.Errorf("%w: need an even number of hosts >= 2, got %d", ErrTopology, len(spec.Hosts))
	}
	nodes := make(map[string]bool)
	for _, id := range spec.Hosts {
		if nodes[id] {
			return fmt.Errorf("%w: duplicate node %q", ErrTopology, id)
		}
		nodes[id] = true
	}
	for _, id := range spec.Switches {
		if nodes[id] {
			return fmt.Errorf("%w: duplicate node %q", ErrTopology, id)
		}
		nodes[id] = true
	}
	var bottlenecks int
	for _, link := range spec.Links {
		if !nodes[link.A] {
			return fmt.Errorf("%w: link references undeclared endpoint %q", ErrTopology, link.A)
		}
		if !nodes[link.B] {
			return fmt.Errorf("%w: link references undeclared endpoint %q", ErrTopology, link.B)
		}
		if link.Shape.BandwidthMbps < 0 {
			return fmt.Errorf("%w: negative bandwidth on link %s-%s", ErrTopology, link.A, link.B)
		}
		if link.Shape.Delay < 0 {
			return fmt.Errorf("%w: negative delay on link %s-%s", ErrTopology, link.A, link.B)
		}
		if link.Shape.LossPercent < 0 || link.Shape.LossPercent > 100 {
			return fmt.Errorf("%w: loss outside [0, 100] on link %s-%s", ErrTopology, link.A, link.B)
		}
		if link.Shape.MaxQueuePackets < 0 {
			return fmt.Errorf("%w: negative queue depth on link %s-%s", ErrTopology, link.A, link.B)
		}
		if link.Bottleneck {
			bottlenecks++
		}
	}
	if bottlenecks != 1 {
		return fmt.Errorf("%w: expected exactly one bottleneck link, got %d", ErrTopology, bottlenecks)
	}
	return nil
}

// Bottleneck returns the spec's bottleneck link.
func (spec *TopologySpec) Bottleneck() *LinkSpec {
	for idx := range spec.Links {
		if spec.Links[idx].Bottleneck {
			return &spec.Links[idx]
		}
	}
	return nil
}

// yamlLinkSpec is the on-disk representation of a [LinkSpec].
type yamlLinkSpec struct {
	A               string  `yaml:"a"`
	B               string  `yaml:"b"`
	BandwidthMbps   float64 `yaml:"bandwidth_mbps"`
	Delay           string  `yaml:"delay"`
	LossPercent     float64 `yaml:"loss_percent"`
	MaxQueuePackets int     `yaml:"max_queue_packets"`
	Bottleneck      bool    `yaml:"bottleneck"`
	WatchTx         bool    `yaml:"watch_tx"`
	WatchRx         bool    `yaml:"watch_rx"`
}

// yamlTopologySpec is the on-disk representation of a [TopologySpec].
type yamlTopologySpec struct {
	Name     string         `yaml:"name"`
	Hosts    []string       `yaml:"hosts"`
	Switches []string       `yaml:"switches"`
	Links    []yamlLinkSpec `yaml:"links"`
}

// LoadTopologySpec reads a custom topology spec from a YAML file and
// validates it.
func LoadTopologySpec(path string) (*TopologySpec, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("%w: %s", ErrTopology, err.Error())
	}
	var wire yamlTopologySpec
	if err := yaml.Unmarshal(data, &wire); err != nil {
		return nil, fmt.Errorf("%w: %s", ErrTopology, err.Error())
	}
	spec := &TopologySpec{
		Name:     wire.Name,
		Hosts:    wire.Hosts,
		Switches: wire.Switches,
	}
	for _, link := range wire.Links {
		var delay time.Duration
		if link.Delay != "" {
			delay, err = time.ParseDuration(link.Delay)
			if err != nil {
				return nil, fmt.Errorf("%w: bad delay on link %s-%s: %s",
					ErrTopology, link.A, link.B, err.Error())
			}
		}
		spec.Links = append(spec.Links, LinkSpec{
			A: link.A,
			B: link.B,
			Shape: LinkShape{
				BandwidthMbps:   link.BandwidthMbps,
				Delay:           delay,
				LossPercent:     link.LossPercent,
				MaxQueuePackets: link.MaxQueuePackets,
			},
			Bottleneck: link.Bottleneck,
			WatchTx:    link.WatchTx,
			WatchRx:    link.WatchRx,
		})
	}
	if err := spec.Check(); err != nil {
		return nil, err
	}
	return spec, nil
}
