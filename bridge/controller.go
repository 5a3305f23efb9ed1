package bridge

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/victorjacobs/go-duco/ducobox"
	"go.uber.org/zap"
)

const DefaultRefreshInterval = time.Minute

type ControllerOptions struct {
	ID              NodeIdentity
	Serial          string
	Location        Location
	Client          NodeClient
	Observer        Observer
	Log             *zap.SugaredLogger
	Metrics         *Metrics
	RefreshInterval time.Duration
	// InitiallyOn is answered by Get until the first poll succeeds.
	InitiallyOn *bool
}

// Controller keeps the ventilation level of one node in sync by polling it.
type Controller struct {
	id       NodeIdentity
	serial   string
	location Location
	client   NodeClient
	observer Observer
	log      *zap.SugaredLogger
	metrics  *Metrics
	interval time.Duration
	seed     *bool

	// ioMutex serializes Refresh and Set. mutex only guards the fields below
	// so Get never waits for a request.
	ioMutex   sync.Mutex
	mutex     sync.RWMutex
	level     ducobox.Level
	failing   bool
	wrongNode bool
	disposed  bool
	refreshed time.Time
	lastWrite time.Time

	reset       chan struct{}
	ctx         context.Context
	cancel      context.CancelFunc
	disposeOnce sync.Once
}

func NewController(opts ControllerOptions) *Controller {
	interval := opts.RefreshInterval
	if interval <= 0 {
		interval = DefaultRefreshInterval
	}

	log := opts.Log
	if log == nil {
		log = zap.NewNop().Sugar()
	}

	ctx, cancel := context.WithCancel(context.Background())

	return &Controller{
		id:       opts.ID,
		serial:   opts.Serial,
		location: opts.Location,
		client:   opts.Client,
		observer: opts.Observer,
		log:      log.With("id", opts.ID, "host", opts.Location.Host, "node", opts.Location.Node),
		metrics:  opts.Metrics,
		interval: interval,
		seed:     opts.InitiallyOn,
		reset:    make(chan struct{}, 1),
		ctx:      ctx,
		cancel:   cancel,
	}
}

// Start polls once right away and then on every refresh interval until the
// controller is disposed.
func (c *Controller) Start() {
	go c.loop()
}

func (c *Controller) loop() {
	c.poll(time.Now())

	timer := time.NewTimer(c.interval)
	defer timer.Stop()

	for {
		select {
		case <-c.ctx.Done():
			return
		case <-c.reset:
			restartTimer(timer, c.interval)
		case tick := <-timer.C:
			// A write that finished at the same moment wins
			select {
			case <-c.reset:
				timer.Reset(c.interval)
				continue
			default:
			}

			c.poll(tick)
			timer.Reset(c.interval)
		}
	}
}

func restartTimer(timer *time.Timer, d time.Duration) {
	if !timer.Stop() {
		select {
		case <-timer.C:
		default:
		}
	}
	timer.Reset(d)
}

// poll is the scheduled refresh. It is skipped when a write finished after
// the tick, that write already told us the level.
func (c *Controller) poll(tick time.Time) {
	c.ioMutex.Lock()
	defer c.ioMutex.Unlock()

	c.mutex.RLock()
	written := c.lastWrite
	c.mutex.RUnlock()

	if written.After(tick) {
		c.log.Debugw("Skipping poll, level was just written", "written", written)
		return
	}

	c.refreshLocked(c.ctx)
}

// Refresh polls the node. Failures are logged and reported to the observer,
// they never change the cached level.
func (c *Controller) Refresh(ctx context.Context) {
	c.ioMutex.Lock()
	defer c.ioMutex.Unlock()

	c.refreshLocked(ctx)
}

func (c *Controller) refreshLocked(ctx context.Context) {
	level, err := c.fetch(ctx)

	c.mutex.Lock()
	if c.disposed {
		c.mutex.Unlock()
		c.log.Debugw("Dropping poll result of disposed controller", "level", level, "error", err)
		return
	}

	if err != nil {
		previous := c.level
		wasFailing := c.failing
		c.failing = true
		c.wrongNode = errors.Is(err, ErrSerialMismatch)
		c.metrics.refreshFailed(c.id, c.location.Node)
		c.mutex.Unlock()

		if previous == "" {
			c.log.Errorw("Could not receive ventilation level and also no fallback available", "error", err)
		} else {
			c.log.Warnw("Could not receive new ventilation level. Falling back to old ventilation level which may be out of date", "level", previous, "error", err)
		}

		if !wasFailing {
			c.observer.Unreachable()
		}
		return
	}

	previous := c.level
	recovered := c.failing
	c.level = level
	c.failing = false
	c.wrongNode = false
	c.refreshed = time.Now()
	if code, err := level.Code(); err == nil {
		c.metrics.refreshed(c.id, c.location.Node, code)
	}
	c.mutex.Unlock()

	if level == previous && !recovered {
		c.log.Debugw("Ventilation level unchanged", "level", level)
		return
	}

	if previous == "" {
		c.log.Infow("Ventilation level after startup", "level", level)
	} else if level != previous {
		c.log.Infow("New ventilation level", "level", level, "previous", previous)
	} else {
		c.log.Infow("Node reachable again", "level", level)
	}

	c.observer.LevelChanged(level.IsHigh())
}

func (c *Controller) fetch(ctx context.Context) (level ducobox.Level, err error) {
	defer func() {
		if v := recover(); v != nil {
			err = fmt.Errorf("panic while polling: %v", v)
		}
	}()

	info, err := c.client.NodeInfo(ctx, c.location.Node)
	if err != nil {
		return "", err
	}

	// The board renumbered, another unit answers at this location now
	if c.serial != "" && info.Serial != c.serial {
		return "", fmt.Errorf("%w: expected %v at %v, got %v", ErrSerialMismatch, c.serial, c.location, info.Serial)
	}

	return info.Level()
}

// Set switches the node to HIGH when on, otherwise back to AUTO. MEDIUM and
// LOW are never written, they only come from the device itself.
func (c *Controller) Set(ctx context.Context, on bool) error {
	level := ducobox.LevelAuto
	if on {
		level = ducobox.LevelHigh
	}

	code, err := level.Code()
	if err != nil {
		return fmt.Errorf("%w: %w", ErrWriteFailed, err)
	}

	c.ioMutex.Lock()
	defer c.ioMutex.Unlock()

	c.mutex.RLock()
	disposed, wrongNode := c.disposed, c.wrongNode
	c.mutex.RUnlock()

	if disposed {
		return fmt.Errorf("%w to %v on %v: %w", ErrWriteFailed, level, c.location, ErrStopped)
	}
	if wrongNode {
		c.log.Errorw("Refusing to write, another unit answers at this location", "level", level)
		return fmt.Errorf("%w to %v on %v: %w", ErrWriteFailed, level, c.location, ErrSerialMismatch)
	}

	c.log.Infow("Setting ventilation level", "level", level)

	if err := c.client.UpdateOverrule(ctx, c.location.Node, code); err != nil {
		c.log.Errorw("Could not set ventilation level", "level", level, "error", err)
		return fmt.Errorf("%w to %v on %v: %w", ErrWriteFailed, level, c.location, err)
	}

	c.log.Infow("Ventilation level set", "level", level, "code", code)

	c.mutex.Lock()
	defer c.mutex.Unlock()
	if c.disposed {
		return nil
	}
	c.level = level
	c.lastWrite = time.Now()

	// Skip the next poll, it would only read back what was just written
	select {
	case c.reset <- struct{}{}:
	default:
	}

	c.metrics.refreshed(c.id, c.location.Node, code)

	return nil
}

// Get answers from the cache and never waits for a poll.
func (c *Controller) Get() (bool, error) {
	c.mutex.RLock()
	defer c.mutex.RUnlock()

	if c.level != "" {
		return c.level.IsHigh(), nil
	}

	if c.seed != nil {
		return *c.seed, nil
	}

	return false, ErrNotAvailable
}

func (c *Controller) Status() (ducobox.Level, bool, time.Time) {
	c.mutex.RLock()
	defer c.mutex.RUnlock()

	return c.level, !c.disposed && !c.failing && c.level != "", c.refreshed
}

// Dispose stops polling and cancels a poll in flight. A write in flight
// finishes but no longer updates the cache. Safe to call more than once.
func (c *Controller) Dispose() {
	c.disposeOnce.Do(func() {
		c.mutex.Lock()
		c.disposed = true
		c.mutex.Unlock()

		c.cancel()
		c.metrics.forget(c.id, c.location.Node)
		c.log.Debugw("Controller disposed")
	})
}
