// Package quicbench drives controlled QUIC throughput experiments over an
// emulated multi-host network.
//
// An experiment starts from a [TopologySpec], either one of the built-in
// templates (dumbbell, parking lot, multi-bottleneck) or a custom YAML
// graph loaded with [LoadTopologySpec]. [BuildTopology] turns the spec
// into a [LiveTopology] on a [Backend]: hosts become isolated execution
// contexts, switches become forwarding points, and links get bandwidth,
// delay, loss, and queue-depth shaping. The [NetnsBackend] implements
// [Backend] on Linux network namespaces; tests substitute their own.
//
// The [Orchestrator] launches one server per destination host and one
// client per source host inside their emulated contexts. All servers are
// observably ready before the first client starts; clients launch with a
// small deterministic stagger and run until a hard deadline, after which
// they are terminated before the servers, gracefully first and forcefully
// after a grace window. A client exiting early degrades its flow without
// aborting the run.
//
// While traffic flows, the [InterfaceSampler] reads the bottleneck
// switch's byte counters on a fixed tick. Afterwards, a [FlowLogSource]
// reconstructs each flow's RTT and bytes-sent series from the client's
// metric log, and [Aggregate] merges everything into an
// [ExperimentResult] whose artifacts [WriteArtifacts] persists.
//
// [RunExperiment] sequences all of the above and guarantees that the
// topology and every launched process are released on every exit path.
package quicbench
