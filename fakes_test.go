package quicbench

//
// Fakes shared by the tests
//

import (
	"fmt"
	"os"
	"sync"
)

// fakeProcess is a [ProcessHandle] whose exit the test controls.
type fakeProcess struct {
	// done is closed when the process exits.
	done chan struct{}

	// once protects done.
	once sync.Once

	// onStop, if set, observes Terminate and Kill calls.
	onStop func(action string)

	// ignoreTerminate keeps the process alive after Terminate so that
	// tests can exercise the forceful path.
	ignoreTerminate bool
}

func newFakeProcess() *fakeProcess {
	return &fakeProcess{done: make(chan struct{})}
}

// exit makes the process exit, idempotently.
func (p *fakeProcess) exit() {
	p.once.Do(func() { close(p.done) })
}

// Done implements ProcessHandle
func (p *fakeProcess) Done() <-chan struct{} {
	return p.done
}

// Terminate implements ProcessHandle
func (p *fakeProcess) Terminate() error {
	if p.onStop != nil {
		p.onStop("terminate")
	}
	if !p.ignoreTerminate {
		p.exit()
	}
	return nil
}

// Kill implements ProcessHandle
func (p *fakeProcess) Kill() error {
	if p.onStop != nil {
		p.onStop("kill")
	}
	p.exit()
	return nil
}

// execCall records one ExecInHost invocation.
type execCall struct {
	host    string
	logPath string
	command []string
}

// fakeBackend is an in-memory [Backend].
type fakeBackend struct {
	mu           sync.Mutex
	hosts        []string
	switches     []string
	links        [][2]string
	ifaceCount   map[string]int
	counters     map[string]int64
	counterErr   map[string]error
	counterReads int
	destroyCalls int

	// hostErr, switchErr, and linkErr make the next corresponding
	// Create call fail.
	hostErr   error
	switchErr error
	linkErr   error

	// execHook replaces the default ExecInHost behavior: by default a
	// readiness marker is written to the log and a long-lived
	// fakeProcess is returned.
	execHook func(host, logPath string, command ...string) (ProcessHandle, error)

	// execs records every ExecInHost call.
	execs []execCall

	// procs tracks every default-created process.
	procs []*fakeProcess
}

var _ Backend = &fakeBackend{}

func newFakeBackend() *fakeBackend {
	return &fakeBackend{
		ifaceCount: map[string]int{},
		counters:   map[string]int64{},
		counterErr: map[string]error{},
	}
}

// CreateHost implements Backend
func (fb *fakeBackend) CreateHost(id string) error {
	defer fb.mu.Unlock()
	fb.mu.Lock()
	if fb.hostErr != nil {
		return fb.hostErr
	}
	fb.hosts = append(fb.hosts, id)
	return nil
}

// CreateSwitch implements Backend
func (fb *fakeBackend) CreateSwitch(id string) error {
	defer fb.mu.Unlock()
	fb.mu.Lock()
	if fb.switchErr != nil {
		return fb.switchErr
	}
	fb.switches = append(fb.switches, id)
	return nil
}

// CreateLink implements Backend
func (fb *fakeBackend) CreateLink(a, b string, shape LinkShape) (string, string, error) {
	defer fb.mu.Unlock()
	fb.mu.Lock()
	if fb.linkErr != nil {
		return "", "", fb.linkErr
	}
	fb.links = append(fb.links, [2]string{a, b})
	fb.ifaceCount[a]++
	fb.ifaceCount[b]++
	ifaceA := fmt.Sprintf("%s-eth%d", a, fb.ifaceCount[a])
	ifaceB := fmt.Sprintf("%s-eth%d", b, fb.ifaceCount[b])
	fb.counters[ifaceA] = 0
	fb.counters[ifaceB] = 0
	return ifaceA, ifaceB, nil
}

// HostAddress implements Backend
func (fb *fakeBackend) HostAddress(id string) string {
	defer fb.mu.Unlock()
	fb.mu.Lock()
	for idx, host := range fb.hosts {
		if host == id {
			return fmt.Sprintf("10.0.0.%d", idx+1)
		}
	}
	return ""
}

// ExecInHost implements Backend
func (fb *fakeBackend) ExecInHost(host string, logPath string, command ...string) (ProcessHandle, error) {
	fb.mu.Lock()
	fb.execs = append(fb.execs, execCall{host: host, logPath: logPath, command: command})
	hook := fb.execHook
	fb.mu.Unlock()
	if hook != nil {
		return hook(host, logPath, command...)
	}
	if err := os.WriteFile(logPath, []byte("listening on 10.0.0.1:4433\n"), 0644); err != nil {
		return nil, err
	}
	proc := newFakeProcess()
	fb.mu.Lock()
	fb.procs = append(fb.procs, proc)
	fb.mu.Unlock()
	return proc, nil
}

// addCounter advances an interface counter by delta bytes.
func (fb *fakeBackend) addCounter(iface string, delta int64) {
	defer fb.mu.Unlock()
	fb.mu.Lock()
	fb.counters[iface] += delta
}

// ReadTxBytes implements Backend
func (fb *fakeBackend) ReadTxBytes(iface string) (int64, error) {
	defer fb.mu.Unlock()
	fb.mu.Lock()
	fb.counterReads++
	if err := fb.counterErr[iface]; err != nil {
		return 0, err
	}
	return fb.counters[iface], nil
}

// ReadRxBytes implements Backend
func (fb *fakeBackend) ReadRxBytes(iface string) (int64, error) {
	return fb.ReadTxBytes(iface)
}

// DestroyAll implements Backend
func (fb *fakeBackend) DestroyAll() error {
	defer fb.mu.Unlock()
	fb.mu.Lock()
	fb.destroyCalls++
	fb.hosts = nil
	fb.switches = nil
	fb.links = nil
	fb.ifaceCount = map[string]int{}
	for _, proc := range fb.procs {
		proc.exit()
	}
	return nil
}

// nodeCount returns the number of live hosts and switches.
func (fb *fakeBackend) nodeCount() int {
	defer fb.mu.Unlock()
	fb.mu.Lock()
	return len(fb.hosts) + len(fb.switches)
}
