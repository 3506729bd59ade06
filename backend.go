package quicbench

//
// Netns emulation backend
//

import (
	"fmt"
	"os"
	"os/exec"
	"strconv"
	"strings"
	"sync"
	"syscall"
)

// NetnsBackend implements [Backend] using Linux network namespaces, veth
// pairs, in-namespace bridges for switches, and tc-based shaping. It
// requires root privileges. The zero value is invalid; use
// [NewNetnsBackend] to construct.
type NetnsBackend struct {
	// hostAddrs maps host IDs to their assigned IP addresses.
	hostAddrs map[string]string

	// ifaceNetns maps interface names to their owning namespace.
	ifaceNetns map[string]string

	// ifaceCount tracks per-node interface numbering.
	ifaceCount map[string]int

	// logger is the logger to use.
	logger Logger

	// mu protects the maps above.
	mu sync.Mutex

	// netns lists the namespaces we created, in creation order.
	netns []string

	// runCommand executes a command; tests may replace it.
	runCommand func(args ...string) error

	// switches records which nodes are switches.
	switches map[string]bool
}

var _ Backend = &NetnsBackend{}

// NewNetnsBackend creates a new [NetnsBackend].
func NewNetnsBackend(logger Logger) *NetnsBackend {
	nb := &NetnsBackend{
		hostAddrs:  map[string]string{},
		ifaceNetns: map[string]string{},
		ifaceCount: map[string]int{},
		logger:     logger,
		mu:         sync.Mutex{},
		netns:      []string{},
		runCommand: nil,
		switches:   map[string]bool{},
	}
	nb.runCommand = nb.execCommand
	return nb
}

// run logs and executes a command.
func (nb *NetnsBackend) run(args ...string) error {
	nb.logger.Debugf("netns: exec: %s", strings.Join(args, " "))
	return nb.runCommand(args...)
}

// execCommand executes a command and returns an error including the
// command's stderr on failure.
func (nb *NetnsBackend) execCommand(args ...string) error {
	cmd := exec.Command(args[0], args[1:]...)
	var stderr strings.Builder
	cmd.Stderr = &stderr
	if err := cmd.Run(); err != nil {
		return fmt.Errorf("%s: %w: %s", strings.Join(args, " "), err, stderr.String())
	}
	return nil
}

// addNetns creates a namespace and records it for teardown.
func (nb *NetnsBackend) addNetns(id string) error {
	if err := nb.run("ip", "netns", "add", id); err != nil {
		return err
	}
	nb.mu.Lock()
	nb.netns = append(nb.netns, id)
	nb.mu.Unlock()
	return nb.run("ip", "-n", id, "link", "set", "lo", "up")
}

// CreateHost implements Backend
func (nb *NetnsBackend) CreateHost(id string) error {
	if err := nb.addNetns(id); err != nil {
		return err
	}
	nb.mu.Lock()
	// hosts share a /8 so that bridged switches forward without routing
	addr := fmt.Sprintf("10.0.%d.%d", len(nb.hostAddrs)/250, len(nb.hostAddrs)%250+1)
	nb.hostAddrs[id] = addr
	nb.mu.Unlock()
	return nil
}

// CreateSwitch implements Backend
func (nb *NetnsBackend) CreateSwitch(id string) error {
	if err := nb.addNetns(id); err != nil {
		return err
	}
	nb.mu.Lock()
	nb.switches[id] = true
	nb.mu.Unlock()
	if err := nb.run("ip", "-n", id, "link", "add", "br0", "type", "bridge"); err != nil {
		return err
	}
	return nb.run("ip", "-n", id, "link", "set", "br0", "up")
}

// HostAddress implements Backend
func (nb *NetnsBackend) HostAddress(id string) string {
	defer nb.mu.Unlock()
	nb.mu.Lock()
	return nb.hostAddrs[id]
}

// nextIfaceName reserves the next interface name for a node.
func (nb *NetnsBackend) nextIfaceName(node string) string {
	defer nb.mu.Unlock()
	nb.mu.Lock()
	nb.ifaceCount[node]++
	name := fmt.Sprintf("%s-eth%d", node, nb.ifaceCount[node])
	nb.ifaceNetns[name] = node
	return name
}

// CreateLink implements Backend
func (nb *NetnsBackend) CreateLink(a, b string, shape LinkShape) (string, string, error) {
	ifaceA, ifaceB := nb.nextIfaceName(a), nb.nextIfaceName(b)
	if err := nb.run("ip", "link", "add", ifaceA, "type", "veth", "peer", "name", ifaceB); err != nil {
		return "", "", err
	}
	for _, side := range []struct {
		node  string
		iface string
	}{{a, ifaceA}, {b, ifaceB}} {
		if err := nb.run("ip", "link", "set", side.iface, "netns", side.node); err != nil {
			nb.deleteDanglingPair(ifaceA, ifaceB)
			return "", "", err
		}
		nb.mu.Lock()
		isSwitch := nb.switches[side.node]
		addr := nb.hostAddrs[side.node]
		nb.mu.Unlock()
		if isSwitch {
			if err := nb.run("ip", "-n", side.node, "link", "set", side.iface, "master", "br0"); err != nil {
				nb.deleteDanglingPair(ifaceA, ifaceB)
				return "", "", err
			}
		} else if addr != "" {
			if err := nb.run("ip", "-n", side.node, "addr", "add", addr+"/8", "dev", side.iface); err != nil {
				nb.deleteDanglingPair(ifaceA, ifaceB)
				return "", "", err
			}
		}
		if err := nb.run("ip", "-n", side.node, "link", "set", side.iface, "up"); err != nil {
			nb.deleteDanglingPair(ifaceA, ifaceB)
			return "", "", err
		}
		if err := nb.shapeIface(side.node, side.iface, shape); err != nil {
			nb.deleteDanglingPair(ifaceA, ifaceB)
			return "", "", err
		}
	}
	return ifaceA, ifaceB, nil
}

// deleteDanglingPair removes a veth pair that did not reach its target
// namespaces. Namespace deletion only covers interfaces that were moved,
// so a side still in the root namespace must be deleted explicitly; the
// kernel removes the peer along with it. Delete failures are ignored: a
// side that did move is rejected here and reclaimed by DestroyAll.
func (nb *NetnsBackend) deleteDanglingPair(ifaceA, ifaceB string) {
	_ = nb.run("ip", "link", "del", ifaceA)
	_ = nb.run("ip", "link", "del", ifaceB)
}

// shapeIface applies bandwidth, delay, loss, and queue shaping to an
// interface using htb and netem qdiscs.
func (nb *NetnsBackend) shapeIface(node, iface string, shape LinkShape) error {
	netemArgs := []string{
		"ip", "netns", "exec", node, "tc", "qdisc", "add", "dev", iface,
	}
	if shape.BandwidthMbps > 0 {
		rate := fmt.Sprintf("%fmbit", shape.BandwidthMbps)
		if err := nb.run("ip", "netns", "exec", node, "tc", "qdisc", "add",
			"dev", iface, "root", "handle", "1:", "htb", "default", "10"); err != nil {
			return err
		}
		if err := nb.run("ip", "netns", "exec", node, "tc", "class", "add",
			"dev", iface, "parent", "1:", "classid", "1:10", "htb",
			"rate", rate, "ceil", rate); err != nil {
			return err
		}
		netemArgs = append(netemArgs, "parent", "1:10", "handle", "10:")
	} else {
		netemArgs = append(netemArgs, "root", "handle", "10:")
	}
	netemArgs = append(netemArgs, "netem")
	if shape.Delay > 0 {
		netemArgs = append(netemArgs, "delay", shape.Delay.String())
	}
	if shape.LossPercent > 0 {
		netemArgs = append(netemArgs, "loss", fmt.Sprintf("%f%%", shape.LossPercent))
	}
	if shape.MaxQueuePackets > 0 {
		netemArgs = append(netemArgs, "limit", strconv.Itoa(shape.MaxQueuePackets))
	}
	if shape.Delay <= 0 && shape.LossPercent <= 0 && shape.MaxQueuePackets <= 0 {
		return nil
	}
	return nb.run(netemArgs...)
}

// ExecInHost implements Backend
func (nb *NetnsBackend) ExecInHost(hostID string, logPath string, command ...string) (ProcessHandle, error) {
	if len(command) < 1 {
		return nil, fmt.Errorf("netns: empty command for host %s", hostID)
	}
	logFile, err := os.OpenFile(logPath, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644)
	if err != nil {
		return nil, err
	}
	args := append([]string{"ip", "netns", "exec", hostID}, command...)
	nb.logger.Debugf("netns: exec: %s", strings.Join(args, " "))
	cmd := exec.Command(args[0], args[1:]...)
	cmd.Stdout = logFile
	cmd.Stderr = logFile
	if err := cmd.Start(); err != nil {
		logFile.Close()
		return nil, err
	}
	proc := &execProcess{
		cmd:  cmd,
		done: make(chan struct{}),
	}
	go func() {
		cmd.Wait()
		logFile.Close()
		close(proc.done)
	}()
	return proc, nil
}

// readCounter reads a /sys/class/net statistics counter inside the
// namespace owning the interface.
func (nb *NetnsBackend) readCounter(iface, counter string) (int64, error) {
	nb.mu.Lock()
	node, found := nb.ifaceNetns[iface]
	nb.mu.Unlock()
	if !found {
		return 0, fmt.Errorf("netns: unknown interface %s", iface)
	}
	path := fmt.Sprintf("/sys/class/net/%s/statistics/%s", iface, counter)
	out, err := exec.Command("ip", "netns", "exec", node, "cat", path).Output()
	if err != nil {
		return 0, fmt.Errorf("netns: reading %s: %w", path, err)
	}
	return strconv.ParseInt(strings.TrimSpace(string(out)), 10, 64)
}

// ReadTxBytes implements Backend
func (nb *NetnsBackend) ReadTxBytes(iface string) (int64, error) {
	return nb.readCounter(iface, "tx_bytes")
}

// ReadRxBytes implements Backend
func (nb *NetnsBackend) ReadRxBytes(iface string) (int64, error) {
	return nb.readCounter(iface, "rx_bytes")
}

// DestroyAll implements Backend
func (nb *NetnsBackend) DestroyAll() error {
	nb.mu.Lock()
	netns := nb.netns
	nb.netns = nil
	nb.hostAddrs = map[string]string{}
	nb.ifaceNetns = map[string]string{}
	nb.ifaceCount = map[string]int{}
	nb.switches = map[string]bool{}
	nb.mu.Unlock()
	var firstErr error
	for _, id := range netns {
		// deleting the namespace also removes its veth peers and qdiscs
		if err := nb.run("ip", "netns", "del", id); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

// execProcess is the [ProcessHandle] returned by [NetnsBackend.ExecInHost].
type execProcess struct {
	// cmd is the underlying command.
	cmd *exec.Cmd

	// done is closed after the process has exited.
	done chan struct{}
}

var _ ProcessHandle = &execProcess{}

// Done implements ProcessHandle
func (p *execProcess) Done() <-chan struct{} {
	return p.done
}

// Terminate implements ProcessHandle
func (p *execProcess) Terminate() error {
	select {
	case <-p.done:
		return nil
	default:
		return p.cmd.Process.Signal(syscall.SIGTERM)
	}
}

// Kill implements ProcessHandle
func (p *execProcess) Kill() error {
	select {
	case <-p.done:
		return nil
	default:
		return p.cmd.Process.Kill()
	}
}
