// Package actuator drives the bin's two servos (base rotation and tray
// tilt) through the sorting firmware's line protocol. Every command is
// acknowledged before the next is sent; any missing or unexpected reply
// aborts the sequence.
package actuator

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/banshee-data/sortbin/internal/material"
	"github.com/banshee-data/sortbin/internal/monitoring"
	"github.com/banshee-data/sortbin/internal/timeutil"
)

// Config holds the link and timing settings of the controller.
type Config struct {
	DeviceName string
	Paired     []PairedDevice
	Options    PortOptions

	HandshakeTimeout time.Duration
	StepTimeout      time.Duration
	// HoldDuration is how long the tray stays tilted over the compartment.
	HoldDuration time.Duration
	// SettleDuration is an extra pause after every acknowledged move, for
	// firmware that acknowledges before the servo has stopped.
	SettleDuration time.Duration
}

// DefaultConfig returns the production timings.
func DefaultConfig() Config {
	return Config{
		DeviceName:       DefaultDeviceName,
		HandshakeTimeout: 5 * time.Second,
		StepTimeout:      5 * time.Second,
		HoldDuration:     400 * time.Millisecond,
	}
}

// Status summarizes the controller for the status endpoint.
type Status struct {
	Device    string `json:"device"`
	Path      string `json:"path,omitempty"`
	Connected bool   `json:"connected"`
	Deposits  int    `json:"deposits"`
	Failures  int    `json:"failures"`
	LastError string `json:"last_error,omitempty"`
}

// Controller owns the connection to the actuator firmware.
type Controller struct {
	cfg   Config
	clock timeutil.Clock
	open  PortOpener
	list  PortLister

	// mu serializes connect, deposit and reset; only one sequence may be
	// in flight on the link.
	mu          sync.Mutex
	link        *LineMux[Port]
	path        string
	stopMonitor context.CancelFunc
	monitorDone chan struct{}

	statusMu sync.Mutex
	status   Status
}

// Option customizes a Controller.
type Option func(*Controller)

// WithOpener replaces the serial port opener.
func WithOpener(open PortOpener) Option {
	return func(c *Controller) { c.open = open }
}

// WithPortLister replaces the host port enumeration. A nil lister skips the
// presence check.
func WithPortLister(list PortLister) Option {
	return func(c *Controller) { c.list = list }
}

// WithClock replaces the clock used for hold and settle pauses.
func WithClock(clock timeutil.Clock) Option {
	return func(c *Controller) { c.clock = clock }
}

// NewController returns a disconnected controller.
func NewController(cfg Config, opts ...Option) *Controller {
	if cfg.DeviceName == "" {
		cfg.DeviceName = DefaultDeviceName
	}
	c := &Controller{
		cfg:    cfg,
		clock:  timeutil.RealClock{},
		open:   OpenSerial,
		list:   SystemPorts,
		status: Status{Device: cfg.DeviceName},
	}
	for _, o := range opts {
		o(c)
	}
	return c
}

// Connect opens the paired device and performs the PING/PONG handshake.
// Commands are only sent once the handshake has succeeded.
func (c *Controller) Connect(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.link != nil {
		return nil
	}

	path, err := ResolveDevice(c.cfg.DeviceName, c.cfg.Paired, c.list)
	if err != nil {
		return c.fail(err)
	}
	port, err := c.open(path, c.cfg.Options)
	if err != nil {
		return c.fail(&Error{Kind: ErrNotConnected, Command: "connect", Reply: err.Error()})
	}

	link := NewLineMux(port)
	monitorCtx, stop := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		if err := link.Monitor(monitorCtx); err != nil && monitorCtx.Err() == nil {
			monitoring.Logf("actuator: link to %s lost: %v", path, err)
		}
		c.dropLink(link)
	}()

	if err := exchange(ctx, link, c.clock, Command{Kind: Ping}, c.cfg.HandshakeTimeout); err != nil {
		stop()
		link.Close()
		<-done
		return c.fail(fmt.Errorf("handshake with %s failed: %w", c.cfg.DeviceName, err))
	}

	c.link, c.path = link, path
	c.stopMonitor, c.monitorDone = stop, done
	c.statusMu.Lock()
	c.status.Connected, c.status.Path = true, path
	c.statusMu.Unlock()
	monitoring.Logf("actuator: connected to %s at %s", c.cfg.DeviceName, path)
	return nil
}

// dropLink forgets link if it is still current. Called when the monitor
// exits so later commands fail fast with ErrNotConnected.
func (c *Controller) dropLink(link *LineMux[Port]) {
	// The monitor can exit while Connect or a deposit holds mu; recording
	// the disconnect must not wait on them.
	go func() {
		c.mu.Lock()
		defer c.mu.Unlock()
		if c.link == link {
			c.link = nil
			c.statusMu.Lock()
			c.status.Connected = false
			c.statusMu.Unlock()
		}
	}()
}

// Connected reports whether the handshake has completed and the link is up.
func (c *Controller) Connected() bool {
	c.statusMu.Lock()
	defer c.statusMu.Unlock()
	return c.status.Connected
}

// ExecuteDeposit routes one item into the compartment of category:
// rotate, tilt, hold, level the tray, return to home. It blocks until the
// sequence completes or the first step fails. Nothing is retried.
func (c *Controller) ExecuteDeposit(ctx context.Context, category material.Category) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.link == nil {
		return c.fail(&Error{Kind: ErrNotConnected, Command: "deposit"})
	}

	steps := []struct {
		cmd   Command
		pause time.Duration
	}{
		{RotateTo(category.Rotation()), c.cfg.SettleDuration},
		{TiltTo(category.Tilt()), c.cfg.SettleDuration + c.cfg.HoldDuration},
		{TiltTo(0), c.cfg.SettleDuration},
		{RotateTo(HomeAngle), 0},
	}
	for _, s := range steps {
		if err := exchange(ctx, c.link, c.clock, s.cmd, c.cfg.StepTimeout); err != nil {
			return c.fail(fmt.Errorf("deposit to %s aborted: %w", category, err))
		}
		if s.pause > 0 {
			c.clock.Sleep(s.pause)
		}
	}

	c.statusMu.Lock()
	c.status.Deposits++
	c.statusMu.Unlock()
	return nil
}

// Reset returns both axes to zero.
func (c *Controller) Reset(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.link == nil {
		return c.fail(&Error{Kind: ErrNotConnected, Command: "RESET"})
	}
	return c.fail(exchange(ctx, c.link, c.clock, Command{Kind: ResetAxes}, c.cfg.StepTimeout))
}

// Close stops the monitor and closes the port.
func (c *Controller) Close() error {
	c.mu.Lock()
	link, stop, done := c.link, c.stopMonitor, c.monitorDone
	c.link = nil
	c.mu.Unlock()
	if link == nil {
		return nil
	}

	stop()
	err := link.Close()
	<-done
	c.statusMu.Lock()
	c.status.Connected = false
	c.statusMu.Unlock()
	return err
}

// Status returns a snapshot of the controller state.
func (c *Controller) Status() Status {
	c.statusMu.Lock()
	defer c.statusMu.Unlock()
	return c.status
}

// fail records err (when non-nil) and returns it unchanged.
func (c *Controller) fail(err error) error {
	if err == nil {
		return nil
	}
	c.statusMu.Lock()
	c.status.Failures++
	c.status.LastError = err.Error()
	c.statusMu.Unlock()
	return err
}

// exchange sends cmd and waits for its single-line acknowledgment, giving
// up once timeout has passed on clock.
func exchange[T Port](ctx context.Context, link *LineMux[T], clock timeutil.Clock, cmd Command, timeout time.Duration) error {
	id, replies := link.Subscribe()
	defer link.Unsubscribe(id)

	// The deadline is armed before the write so it covers the whole exchange.
	deadline := clock.NewTicker(timeout)
	defer deadline.Stop()

	if err := link.SendCommand(cmd.String()); err != nil {
		return &Error{Kind: ErrNotConnected, Command: cmd.String(), Reply: err.Error()}
	}

	for {
		select {
		case line, ok := <-replies:
			if !ok {
				return &Error{Kind: ErrNotConnected, Command: cmd.String()}
			}
			line = strings.TrimSpace(line)
			switch {
			case line == "":
				continue
			case strings.EqualFold(line, cmd.Expect()):
				return nil
			case strings.EqualFold(line, "TIMEOUT"):
				return &Error{Kind: ErrTimeout, Command: cmd.String(), Reply: line}
			default:
				return &Error{Kind: ErrRejected, Command: cmd.String(), Reply: line}
			}
		case <-deadline.C():
			return &Error{Kind: ErrTimeout, Command: cmd.String()}
		case <-ctx.Done():
			return fmt.Errorf("%s: %w", cmd, ctx.Err())
		}
	}
}
