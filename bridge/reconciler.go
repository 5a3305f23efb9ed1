package bridge

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/victorjacobs/go-duco/ducobox"
	"go.uber.org/zap"
)

const (
	DefaultServiceType  = "_http._tcp"
	DefaultNamePrefix   = "DUCO "
	DefaultRetryBackoff = 30 * time.Second
)

type ReconcilerOptions struct {
	Finder          ServiceFinder
	Dial            func(host string) DeviceClient
	Accessories     Accessories
	Log             *zap.SugaredLogger
	Metrics         *Metrics
	ServiceType     string
	NamePrefix      string
	RetryBackoff    time.Duration
	RefreshInterval time.Duration
}

type nodeController interface {
	Switch
	Start()
	Status() (level ducobox.Level, available bool, refreshed time.Time)
	Dispose()
}

type stopper interface {
	Stop() bool
}

// bundle pairs a node identity with its accessory and the controller running
// at its current location. A displaced bundle lost its location to another
// unit, its controller is stopped until a pass finds the node again.
type bundle struct {
	accessory  Accessory
	observer   Observer
	controller nodeController
	displaced  bool
}

// Reconciler finds the DUCO box, enumerates its nodes and keeps one
// controller running per node identity.
type Reconciler struct {
	finder          ServiceFinder
	dial            func(host string) DeviceClient
	accessories     Accessories
	log             *zap.SugaredLogger
	metrics         *Metrics
	serviceType     string
	namePrefix      string
	retryBackoff    time.Duration
	refreshInterval time.Duration

	newController func(ControllerOptions) nodeController
	afterFunc     func(time.Duration, func()) stopper

	// passMutex allows one discovery pass at a time. mutex guards everything
	// below. Only a pass writes bundles, so a pass may read them unlocked and
	// does its disk and MQTT work outside mutex.
	passMutex sync.Mutex
	mutex     sync.Mutex
	bundles   map[NodeIdentity]*bundle
	retry     stopper
	closed    bool

	ctx    context.Context
	cancel context.CancelFunc
}

func NewReconciler(opts ReconcilerOptions) *Reconciler {
	log := opts.Log
	if log == nil {
		log = zap.NewNop().Sugar()
	}

	r := &Reconciler{
		finder:          opts.Finder,
		dial:            opts.Dial,
		accessories:     opts.Accessories,
		log:             log,
		metrics:         opts.Metrics,
		serviceType:     opts.ServiceType,
		namePrefix:      opts.NamePrefix,
		retryBackoff:    opts.RetryBackoff,
		refreshInterval: opts.RefreshInterval,
		bundles:         map[NodeIdentity]*bundle{},
		newController: func(o ControllerOptions) nodeController {
			return NewController(o)
		},
		afterFunc: func(d time.Duration, f func()) stopper {
			return time.AfterFunc(d, f)
		},
	}

	if r.serviceType == "" {
		r.serviceType = DefaultServiceType
	}
	if r.namePrefix == "" {
		r.namePrefix = DefaultNamePrefix
	}
	if r.retryBackoff <= 0 {
		r.retryBackoff = DefaultRetryBackoff
	}

	r.ctx, r.cancel = context.WithCancel(context.Background())

	return r
}

// Discover runs one discovery pass. When no DUCO box answers, a retry is
// scheduled and ErrNotFound returned. Failing nodes are logged and skipped.
func (r *Reconciler) Discover(ctx context.Context) error {
	r.passMutex.Lock()
	defer r.passMutex.Unlock()

	r.mutex.Lock()
	if r.closed {
		r.mutex.Unlock()
		return ErrClosed
	}
	r.cancelRetryLocked()
	r.mutex.Unlock()

	r.log.Infow("Searching for DUCO instance", "service", r.serviceType, "prefix", r.namePrefix)

	host, err := r.finder.FindFirst(ctx, r.serviceType, r.namePrefix)
	if err != nil {
		r.log.Warnw("Could not find DUCO instance on local network", "error", err, "retry_in", r.retryBackoff)
		r.metrics.discoveryPass("not_found")
		r.scheduleRetry()
		return fmt.Errorf("%w: %w", ErrNotFound, err)
	}

	client := r.dial(host)

	board, err := client.BoardInfo(ctx)
	if err != nil {
		r.log.Errorw("Host does not look like a DUCO connectivity board", "host", host, "error", err)
		r.metrics.discoveryPass("invalid_host")
		return fmt.Errorf("%w: %v: %w", ErrInvalidHost, host, err)
	}
	r.log.Infow("Found DUCO instance", "host", host, "serial", board.Serial, "version", board.SoftwareVersion, "mac", board.Mac, "uptime", board.Uptime)

	nodes, err := client.Nodes(ctx)
	if err != nil {
		r.log.Errorw("Could not list DUCO nodes", "host", host, "error", err)
		r.metrics.discoveryPass("failed")
		return fmt.Errorf("list nodes on %v: %w", host, err)
	}

	failed := 0
	for _, node := range nodes {
		if err := r.reconcileNode(ctx, client, node, len(nodes)); err != nil {
			failed++
			r.log.Errorw("Skipping node", "host", host, "node", node, "error", err)
		}
	}

	if failed > 0 {
		r.metrics.discoveryPass("partial")
	} else {
		r.metrics.discoveryPass("ok")
	}
	r.log.Infow("Discovery pass done", "host", host, "nodes", len(nodes), "failed", failed)

	return nil
}

func (r *Reconciler) reconcileNode(ctx context.Context, client DeviceClient, node int, total int) (err error) {
	defer func() {
		if v := recover(); v != nil {
			err = fmt.Errorf("panic: %v", v)
		}
	}()

	info, err := client.NodeInfo(ctx, node)
	if err != nil {
		return fmt.Errorf("node info: %w", err)
	}
	if info.Serial == "" {
		return errors.New("node reports an empty serial number")
	}

	level, err := info.Level()
	if err != nil {
		return err
	}

	id := NewNodeIdentity(info.Serial)
	location := Location{Host: client.Host(), Node: node}
	on := level.IsHigh()

	r.mutex.Lock()
	if r.closed {
		r.mutex.Unlock()
		return ErrClosed
	}
	b, exists := r.bundles[id]
	displaced := r.displaceLocked(id, location)
	r.mutex.Unlock()

	for _, o := range displaced {
		o.Unreachable()
	}

	acc := Accessory{ID: id, Serial: info.Serial}
	known := false
	if exists {
		acc = b.accessory
	} else if cached, ok := r.accessories.Known(id); ok {
		acc = cached
		known = true
	}

	previous := acc
	acc.Serial = info.Serial
	acc.Model = info.Type
	acc.Name = displayName(node, total)
	acc.Host = location.Host
	acc.Node = location.Node
	acc.On = &on

	if !exists {
		return r.register(acc, client, known)
	}

	if previous.Location() == location && !b.displaced {
		if previous.Name != acc.Name || previous.Model != acc.Model {
			r.log.Infow("Node renamed", "id", id, "name", acc.Name, "model", acc.Model)
			r.update(b, acc)
		} else {
			r.log.Debugw("Node unchanged", "id", id, "location", location)
		}
		return nil
	}

	r.log.Infow("Node moved", "id", id, "serial", info.Serial, "from", previous.Location(), "to", location)
	r.update(b, acc)

	r.mutex.Lock()
	defer r.mutex.Unlock()

	if r.closed {
		return ErrClosed
	}

	b.controller.Dispose()
	b.displaced = false
	b.controller = r.startController(b, client)

	return nil
}

// displaceLocked stops the controllers of other identities still bound to
// location. Their bundles stay, a later pass may find them elsewhere.
func (r *Reconciler) displaceLocked(id NodeIdentity, location Location) []Observer {
	var observers []Observer
	for otherID, other := range r.bundles {
		if otherID == id || other.displaced || other.accessory.Location() != location {
			continue
		}

		r.log.Warnw("Another unit took over the location of a node", "id", otherID, "serial", other.accessory.Serial, "location", location)
		other.controller.Dispose()
		other.displaced = true
		observers = append(observers, other.observer)
	}
	return observers
}

func (r *Reconciler) register(acc Accessory, client NodeClient, known bool) error {
	if known {
		r.log.Infow("Restoring accessory", "id", acc.ID, "serial", acc.Serial, "location", acc.Location())
	} else {
		r.log.Infow("Registering new accessory", "id", acc.ID, "serial", acc.Serial, "location", acc.Location())
	}
	r.save(acc)

	observer, err := r.accessories.Attach(acc, bundleSwitch{r: r, id: acc.ID})
	if err != nil {
		return fmt.Errorf("attach accessory: %w", err)
	}

	r.mutex.Lock()
	if r.closed {
		r.mutex.Unlock()
		r.accessories.Detach(acc.ID)
		return ErrClosed
	}

	b := &bundle{accessory: acc, observer: observer}
	b.controller = r.startController(b, client)
	r.bundles[acc.ID] = b
	r.metrics.setKnownNodes(len(r.bundles))
	r.mutex.Unlock()

	return nil
}

// update persists acc and republishes it, then swaps it into the bundle.
func (r *Reconciler) update(b *bundle, acc Accessory) {
	r.save(acc)
	if err := r.accessories.Update(acc); err != nil {
		r.log.Warnw("Could not republish accessory", "id", acc.ID, "error", err)
	}

	r.mutex.Lock()
	b.accessory = acc
	r.mutex.Unlock()
}

func (r *Reconciler) startController(b *bundle, client NodeClient) nodeController {
	c := r.newController(ControllerOptions{
		ID:              b.accessory.ID,
		Serial:          b.accessory.Serial,
		Location:        b.accessory.Location(),
		Client:          client,
		Observer:        b.observer,
		Log:             r.log,
		Metrics:         r.metrics,
		RefreshInterval: r.refreshInterval,
		InitiallyOn:     b.accessory.On,
	})
	c.Start()
	return c
}

// save persists on a best effort basis, the in memory bundle stays the
// authority.
func (r *Reconciler) save(acc Accessory) {
	if err := r.accessories.Save(acc); err != nil {
		r.log.Warnw("Could not persist accessory", "id", acc.ID, "error", err)
	}
}

func displayName(node int, total int) string {
	if total == 1 {
		return "Duco"
	}
	return fmt.Sprintf("Duco %d", node)
}

func (r *Reconciler) scheduleRetry() {
	r.mutex.Lock()
	defer r.mutex.Unlock()

	if r.closed {
		return
	}

	r.cancelRetryLocked()
	r.retry = r.afterFunc(r.retryBackoff, func() {
		if err := r.Discover(r.ctx); err != nil {
			r.log.Debugw("Discovery retry failed", "error", err)
		}
	})
}

func (r *Reconciler) cancelRetryLocked() {
	if r.retry != nil {
		r.retry.Stop()
		r.retry = nil
	}
}

// Set forwards to the controller of the node.
func (r *Reconciler) Set(ctx context.Context, id NodeIdentity, on bool) error {
	c, err := r.controller(id)
	if err != nil {
		return err
	}
	return c.Set(ctx, on)
}

func (r *Reconciler) Get(id NodeIdentity) (bool, error) {
	c, err := r.controller(id)
	if err != nil {
		return false, err
	}
	return c.Get()
}

func (r *Reconciler) controller(id NodeIdentity) (nodeController, error) {
	r.mutex.Lock()
	defer r.mutex.Unlock()

	b, ok := r.bundles[id]
	if !ok {
		return nil, fmt.Errorf("%w: %v", ErrUnknownNode, id)
	}
	return b.controller, nil
}

// Nodes returns a snapshot of all known nodes ordered by location.
func (r *Reconciler) Nodes() []NodeState {
	r.mutex.Lock()
	defer r.mutex.Unlock()

	states := make([]NodeState, 0, len(r.bundles))
	for _, b := range r.bundles {
		level, available, refreshed := b.controller.Status()
		state := NodeState{
			Accessory: b.accessory,
			Level:     level,
			Available: available,
			Refreshed: refreshed,
		}
		if on, err := b.controller.Get(); err == nil {
			state.On = &on
		}
		states = append(states, state)
	}

	sort.Slice(states, func(i, j int) bool {
		a, b := states[i].Accessory, states[j].Accessory
		if a.Host != b.Host {
			return a.Host < b.Host
		}
		return a.Node < b.Node
	})

	return states
}

// Close stops retrying and disposes every controller.
func (r *Reconciler) Close() {
	r.mutex.Lock()
	if r.closed {
		r.mutex.Unlock()
		return
	}
	r.closed = true

	r.cancelRetryLocked()
	r.cancel()

	ids := make([]NodeIdentity, 0, len(r.bundles))
	for id, b := range r.bundles {
		if !b.displaced {
			b.controller.Dispose()
		}
		ids = append(ids, id)
	}
	r.mutex.Unlock()

	for _, id := range ids {
		r.accessories.Detach(id)
	}
	r.log.Infow("Bridge closed", "nodes", len(ids))
}

// bundleSwitch resolves the controller on every call so the accessory keeps
// working after the node moved.
type bundleSwitch struct {
	r  *Reconciler
	id NodeIdentity
}

func (s bundleSwitch) Get() (bool, error) {
	return s.r.Get(s.id)
}

func (s bundleSwitch) Set(ctx context.Context, on bool) error {
	return s.r.Set(ctx, s.id, on)
}
