package bridge

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/victorjacobs/go-duco/ducobox"
)

var errOffline = errors.New("connection refused")

type fakeNode struct {
	serial   string
	overrule int
	err      error
}

type fakeDevice struct {
	mu        sync.Mutex
	host      string
	nodes     map[int]*fakeNode
	order     []int
	boardErr    error
	updateErr   error
	updateDelay time.Duration
	infoCalls   int
	updates     []int
}

func newFakeDevice(host string) *fakeDevice {
	return &fakeDevice{host: host, nodes: map[int]*fakeNode{}}
}

func (d *fakeDevice) addNode(node int, serial string, overrule int) *fakeDevice {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.nodes[node] = &fakeNode{serial: serial, overrule: overrule}
	d.order = append(d.order, node)
	return d
}

func (d *fakeDevice) setNode(node int, overrule int, err error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.nodes[node].overrule = overrule
	d.nodes[node].err = err
}

func (d *fakeDevice) setSerial(node int, serial string) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.nodes[node].serial = serial
}

func (d *fakeDevice) written() []int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return append([]int(nil), d.updates...)
}

func (d *fakeDevice) calls() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.infoCalls
}

func (d *fakeDevice) Host() string { return d.host }

func (d *fakeDevice) Nodes(context.Context) ([]int, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	return append([]int(nil), d.order...), nil
}

func (d *fakeDevice) BoardInfo(context.Context) (*ducobox.BoardInfo, error) {
	if d.boardErr != nil {
		return nil, d.boardErr
	}
	return &ducobox.BoardInfo{Serial: "BOARD-" + d.host, SoftwareVersion: "16056"}, nil
}

func (d *fakeDevice) NodeInfo(_ context.Context, node int) (*ducobox.NodeInfo, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.infoCalls++

	n, ok := d.nodes[node]
	if !ok {
		return nil, errors.New("no such node")
	}
	if n.err != nil {
		return nil, n.err
	}
	return &ducobox.NodeInfo{Node: node, Type: "BOX", Overrule: n.overrule, Serial: n.serial}, nil
}

func (d *fakeDevice) UpdateOverrule(_ context.Context, node int, value int) error {
	time.Sleep(d.updateDelay)

	d.mu.Lock()
	defer d.mu.Unlock()
	if d.updateErr != nil {
		return d.updateErr
	}
	d.updates = append(d.updates, value)
	if n, ok := d.nodes[node]; ok {
		n.overrule = value
	}
	return nil
}

type fakeObserver struct {
	mu          sync.Mutex
	changes     []bool
	unreachable int
}

func (o *fakeObserver) LevelChanged(on bool) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.changes = append(o.changes, on)
}

func (o *fakeObserver) Unreachable() {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.unreachable++
}

func (o *fakeObserver) snapshot() ([]bool, int) {
	o.mu.Lock()
	defer o.mu.Unlock()
	return append([]bool(nil), o.changes...), o.unreachable
}

type fakeFinder struct {
	mu    sync.Mutex
	host  string
	err   error
	calls int
}

func (f *fakeFinder) FindFirst(context.Context, string, string) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	return f.host, f.err
}

func (f *fakeFinder) answer(host string, err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.host = host
	f.err = err
}

type fakeAccessories struct {
	mu        sync.Mutex
	known     map[NodeIdentity]Accessory
	saved     []Accessory
	attached  map[NodeIdentity]*fakeObserver
	switches  map[NodeIdentity]Switch
	updated   []Accessory
	detached  []NodeIdentity
	attachErr error

	// attaching is signalled and gate awaited by Attach when set
	attaching chan struct{}
	gate      chan struct{}
}

func newFakeAccessories() *fakeAccessories {
	return &fakeAccessories{
		known:    map[NodeIdentity]Accessory{},
		attached: map[NodeIdentity]*fakeObserver{},
		switches: map[NodeIdentity]Switch{},
	}
}

func (a *fakeAccessories) Known(id NodeIdentity) (Accessory, bool) {
	a.mu.Lock()
	defer a.mu.Unlock()
	acc, ok := a.known[id]
	return acc, ok
}

func (a *fakeAccessories) Save(acc Accessory) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.saved = append(a.saved, acc)
	a.known[acc.ID] = acc
	return nil
}

func (a *fakeAccessories) Attach(acc Accessory, sw Switch) (Observer, error) {
	if a.gate != nil {
		a.attaching <- struct{}{}
		<-a.gate
	}

	a.mu.Lock()
	defer a.mu.Unlock()
	if a.attachErr != nil {
		return nil, a.attachErr
	}
	o := &fakeObserver{}
	a.attached[acc.ID] = o
	a.switches[acc.ID] = sw
	return o, nil
}

func (a *fakeAccessories) Update(acc Accessory) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.updated = append(a.updated, acc)
	return nil
}

func (a *fakeAccessories) Detach(id NodeIdentity) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.detached = append(a.detached, id)
}

type fakeTimer struct {
	delay   time.Duration
	fire    func()
	stopped bool
}

func (t *fakeTimer) Stop() bool {
	wasActive := !t.stopped
	t.stopped = true
	return wasActive
}

type countingController struct {
	*Controller
	mu        sync.Mutex
	disposals int
}

func (c *countingController) Dispose() {
	c.mu.Lock()
	c.disposals++
	c.mu.Unlock()
	c.Controller.Dispose()
}

func (c *countingController) disposed() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.disposals
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()

	deadline := time.Now().Add(2 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatalf("timed out waiting for %v", what)
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func boolPtr(v bool) *bool {
	return &v
}
