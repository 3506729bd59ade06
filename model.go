package quicbench

//
// Data model
//

import (
	"errors"
	"fmt"
	"time"
)

// Logger is the logger we're using.
type Logger interface {
	// Debugf formats and emits a debug message.
	Debugf(format string, v ...any)

	// Debug emits a debug message.
	Debug(message string)

	// Infof formats and emits an informational message.
	Infof(format string, v ...any)

	// Info emits an informational message.
	Info(message string)

	// Warnf formats and emits a warning message.
	Warnf(format string, v ...any)

	// Warn emits a warning message.
	Warn(message string)
}

// NullLogger is a [Logger] that does not emit logs.
type NullLogger struct{}

var _ Logger = &NullLogger{}

// Debug implements Logger
func (nl *NullLogger) Debug(message string) {
	// nothing
}

// Debugf implements Logger
func (nl *NullLogger) Debugf(format string, v ...any) {
	// nothing
}

// Info implements Logger
func (nl *NullLogger) Info(message string) {
	// nothing
}

// Infof implements Logger
func (nl *NullLogger) Infof(format string, v ...any) {
	// nothing
}

// Warn implements Logger
func (nl *NullLogger) Warn(message string) {
	// nothing
}

// Warnf implements Logger
func (nl *NullLogger) Warnf(format string, v ...any) {
	// nothing
}

// ProcessHandle is a process started inside an emulated host. The
// orchestrator owns every handle it creates and is the only component
// that terminates processes.
type ProcessHandle interface {
	// Done returns a channel that is closed after the process has exited.
	Done() <-chan struct{}

	// Terminate politely asks the process to stop (e.g., SIGTERM).
	Terminate() error

	// Kill forcefully stops the process.
	Kill() error
}

// Backend creates and destroys the emulated network. It is process-wide,
// single-tenant state: callers must serialize experiments.
type Backend interface {
	// CreateHost creates an isolated execution context for a host.
	CreateHost(id string) error

	// CreateSwitch creates a forwarding point.
	CreateSwitch(id string) error

	// CreateLink connects two previously-created nodes with a shaped
	// link and returns the interface names on each endpoint.
	CreateLink(a, b string, shape LinkShape) (ifaceA, ifaceB string, err error)

	// HostAddress returns the IP address assigned to a host.
	HostAddress(id string) string

	// ExecInHost starts a command inside a host's execution context. The
	// command's stdout and stderr are redirected to logPath.
	ExecInHost(hostID string, logPath string, command ...string) (ProcessHandle, error)

	// ReadTxBytes reads the cumulative transmitted-bytes counter of an
	// interface created by CreateLink.
	ReadTxBytes(iface string) (int64, error)

	// ReadRxBytes reads the cumulative received-bytes counter of an
	// interface created by CreateLink.
	ReadRxBytes(iface string) (int64, error)

	// DestroyAll releases every host, switch, and link. It is idempotent
	// and safe to call on a partially-built topology.
	DestroyAll() error
}

// LinkShape contains the shaping parameters of a link.
type LinkShape struct {
	// BandwidthMbps is the link bandwidth. Zero means unshaped.
	BandwidthMbps float64

	// Delay is the one-way propagation delay.
	Delay time.Duration

	// LossPercent is the packet loss percentage in [0, 100].
	LossPercent float64

	// MaxQueuePackets is the maximum queue depth in packets.
	MaxQueuePackets int
}

// MetricSample is a single measurement. Samples are immutable once
// recorded and ordered by timestamp within each series.
type MetricSample struct {
	// TimeSec is the timestamp in seconds since the experiment start.
	TimeSec int

	// ID identifies the interface or flow the sample belongs to.
	ID string

	// Value is the measured value.
	Value float64
}

// ExperimentResult contains the aggregated time series of one experiment
// plus its metadata. It is written once and never mutated afterwards.
type ExperimentResult struct {
	// Interfaces contains one summary sample per monitored interface
	// where Value is the observed throughput in Mbps.
	Interfaces []MetricSample

	// RTT contains the per-second aggregate RTT series where Value is
	// the mean RTT in milliseconds across flows reporting in the bucket.
	RTT []MetricSample

	// Bytes contains the per-second aggregate bytes-sent series.
	Bytes []MetricSample

	// Topology is the topology name.
	Topology string

	// BandwidthMbps is the bottleneck bandwidth.
	BandwidthMbps float64

	// Delay is the bottleneck one-way delay.
	Delay time.Duration

	// LossPercent is the bottleneck loss percentage.
	LossPercent float64

	// DurationSec is the experiment duration.
	DurationSec int

	// HostCount is the total number of hosts.
	HostCount int

	// DegradedFlows counts flows that exited early or whose log could
	// not be parsed.
	DegradedFlows int
}

// FlowAssignment pairs a source host with a destination host. The set of
// assignments partitions the host list into equal-sized source and
// destination halves, by declared order.
type FlowAssignment struct {
	// Source is the client-side host identifier.
	Source string

	// Destination is the server-side host identifier.
	Destination string
}

// AssignFlows splits hosts into source/destination pairs: the first half
// of the list are sources and the second half are destinations.
func AssignFlows(hosts []string) ([]FlowAssignment, error) {
	if len(hosts) < 2 || len(hosts)%2 != 0 {
		return nil, fmt.Errorf("%w: need an even number of hosts, got %d", ErrTopology, len(hosts))
	}
	mid := len(hosts) / 2
	var flows []FlowAssignment
	for idx := 0; idx < mid; idx++ {
		flows = append(flows, FlowAssignment{
			Source:      hosts[idx],
			Destination: hosts[mid+idx],
		})
	}
	return flows, nil
}

// ErrTopology indicates that building or validating a topology failed. This
// error is fatal and aborts the experiment before any process launch.
var ErrTopology = errors.New("quicbench: topology error")

// ErrProvisioning indicates that certificate provisioning failed.
var ErrProvisioning = errors.New("quicbench: provisioning error")

// ErrServerStart indicates that a destination host's server did not become
// ready within the allowed time. Any server failing is fatal to the run.
var ErrServerStart = errors.New("quicbench: server failed to start")

// ErrSampler indicates that the bottleneck interface counter could not be
// read, which invalidates the primary throughput measurement.
var ErrSampler = errors.New("quicbench: sampler error")

// ErrBackendBusy indicates that a live topology already exists on the
// process-wide emulation backend.
var ErrBackendBusy = errors.New("quicbench: a live topology already exists")

// InterruptedError indicates an operator abort. It is handled identically
// to normal deadline expiry: same teardown, same resource guarantees.
type InterruptedError struct {
	// Elapsed is how long the traffic phase ran before the abort.
	Elapsed time.Duration
}

var _ error = &InterruptedError{}

// Error implements error
func (err *InterruptedError) Error() string {
	return fmt.Sprintf("quicbench: interrupted after %s", err.Elapsed)
}
