package bridge

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/victorjacobs/go-duco/ducobox"
)

var (
	ErrNotFound       = errors.New("no DUCO instance found")
	ErrInvalidHost    = errors.New("host is not a DUCO connectivity board")
	ErrNotAvailable   = errors.New("no ventilation level available yet")
	ErrWriteFailed    = errors.New("could not set ventilation level")
	ErrUnknownNode    = errors.New("unknown node")
	ErrClosed         = errors.New("bridge closed")
	ErrStopped        = errors.New("controller stopped")
	ErrSerialMismatch = errors.New("another unit answers at this location")
)

// identityNamespace scopes name-based node identities to this bridge.
var identityNamespace = uuid.MustParse("6f1c2a4e-8d3b-4f5a-9b7e-2c4d6e8f0a1b")

// NodeIdentity is the stable external id of a node. It only depends on the
// serial number, never on host or node index.
type NodeIdentity string

func NewNodeIdentity(serial string) NodeIdentity {
	return NodeIdentity(uuid.NewSHA1(identityNamespace, []byte(serial)).String())
}

type Location struct {
	Host string
	Node int
}

func (l Location) String() string {
	return fmt.Sprintf("%v/node/%v", l.Host, l.Node)
}

// Accessory is what the home automation side knows about a node, persisted
// across restarts.
type Accessory struct {
	ID     NodeIdentity
	Serial string
	Model  string
	Name   string
	Host   string
	Node   int
	// On seeds the on/off state until the first poll succeeds.
	On *bool
}

func (a Accessory) Location() Location {
	return Location{Host: a.Host, Node: a.Node}
}

// NodeClient is the part of the device API a single node needs.
type NodeClient interface {
	NodeInfo(ctx context.Context, node int) (*ducobox.NodeInfo, error)
	UpdateOverrule(ctx context.Context, node int, value int) error
}

type DeviceClient interface {
	NodeClient
	Host() string
	Nodes(ctx context.Context) ([]int, error)
	BoardInfo(ctx context.Context) (*ducobox.BoardInfo, error)
}

type ServiceFinder interface {
	FindFirst(ctx context.Context, serviceType string, namePrefix string) (string, error)
}

// Observer receives state changes of one node. LevelChanged is delivered at
// most once per change of the cached level, and once more after polling
// recovers from a failure. Unreachable is delivered once per transition into
// the failed state.
type Observer interface {
	LevelChanged(on bool)
	Unreachable()
}

// Switch is the get/set contract exposed per node.
type Switch interface {
	Get() (bool, error)
	Set(ctx context.Context, on bool) error
}

// Accessories is the home automation side of the bridge.
type Accessories interface {
	Known(id NodeIdentity) (Accessory, bool)
	Save(acc Accessory) error
	Attach(acc Accessory, sw Switch) (Observer, error)
	// Update republishes an attached accessory after its name or model changed.
	Update(acc Accessory) error
	Detach(id NodeIdentity)
}

// NodeState is a snapshot of one known node.
type NodeState struct {
	Accessory Accessory
	Level     ducobox.Level
	On        *bool
	Available bool
	Refreshed time.Time
}
