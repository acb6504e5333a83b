// Package shutdown stops a running capture from outside its loop: on request,
// on an OS interrupt, or when an emergency timer runs out.
package shutdown

import (
	"context"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"k8s.io/utils/clock"

	"github.com/rmguney/mux-sweeper/internal/util"
)

// Exit codes used when the process has to be terminated.
const (
	ExitInterrupted = 1
	ExitEmergency   = 2
)

// Target is the capture being controlled.
type Target interface {
	RequestStop()
	IsRunning() bool
	ForceStopped()
}

// Config holds the controller's timeouts.
type Config struct {
	StopTimeout      time.Duration
	PollInterval     time.Duration
	SignalGrace      time.Duration
	EmergencyTimeout time.Duration // 0 disables the emergency timer
	EmergencyGrace   time.Duration
}

func DefaultConfig() Config {
	return Config{
		StopTimeout:      time.Second,
		PollInterval:     50 * time.Millisecond,
		SignalGrace:      5 * time.Second,
		EmergencyTimeout: 5 * time.Minute,
		EmergencyGrace:   2 * time.Second,
	}
}

// Controller coordinates stopping a Target.
type Controller struct {
	target Target
	cfg    Config
	clock  clock.Clock
	logger *slog.Logger
	exit   func(code int)
}

type Option func(*Controller)

func WithConfig(cfg Config) Option {
	return func(c *Controller) { c.cfg = cfg }
}

func WithClock(clk clock.Clock) Option {
	return func(c *Controller) { c.clock = clk }
}

func WithLogger(logger *slog.Logger) Option {
	return func(c *Controller) { c.logger = logger }
}

// WithExit replaces os.Exit.
func WithExit(exit func(code int)) Option {
	return func(c *Controller) { c.exit = exit }
}

// New creates a controller for target.
func New(target Target, opts ...Option) *Controller {
	c := &Controller{
		target: target,
		cfg:    DefaultConfig(),
		clock:  clock.RealClock{},
		logger: util.GetLogger(),
		exit:   os.Exit,
	}
	for _, opt := range opts {
		opt(c)
	}
	if c.cfg.PollInterval <= 0 {
		c.cfg.PollInterval = 50 * time.Millisecond
	}
	c.logger = c.logger.With("component", "shutdown")
	return c
}

// RequestStop asks the capture to stop without waiting.
func (c *Controller) RequestStop() {
	c.target.RequestStop()
}

// Stop requests a stop and waits up to the stop timeout for the capture to
// finish. A capture that does not finish in time is marked stopped anyway.
// It reports whether the capture finished on its own.
func (c *Controller) Stop() bool {
	c.target.RequestStop()
	if c.waitIdle(c.cfg.StopTimeout) {
		return true
	}
	c.logger.Warn("Capture did not stop in time, forcing", "timeout", c.cfg.StopTimeout)
	c.target.ForceStopped()
	return false
}

func (c *Controller) waitIdle(timeout time.Duration) bool {
	polls := int(timeout / c.cfg.PollInterval)
	for i := 0; i < polls; i++ {
		if !c.target.IsRunning() {
			return true
		}
		c.clock.Sleep(c.cfg.PollInterval)
	}
	return !c.target.IsRunning()
}

// WatchSignals stops the capture on SIGINT or SIGTERM. ctx must be cancelled
// once the session has been finalized; if that has not happened within the
// signal grace period, or a second signal arrives, the process exits.
func (c *Controller) WatchSignals(ctx context.Context) {
	ch := make(chan os.Signal, 2)
	signal.Notify(ch, os.Interrupt, syscall.SIGTERM)
	go func() {
		defer signal.Stop(ch)
		c.watch(ctx, ch)
	}()
}

func (c *Controller) watch(ctx context.Context, signals <-chan os.Signal) {
	select {
	case <-ctx.Done():
		return
	case sig := <-signals:
		c.logger.Info("Interrupt received, stopping capture", "signal", sig)
	}

	c.Stop()

	select {
	case <-ctx.Done():
	case sig := <-signals:
		c.logger.Warn("Second interrupt received, exiting", "signal", sig)
		c.exit(ExitInterrupted)
	case <-c.clock.After(c.cfg.SignalGrace):
		c.logger.Error("Capture still running after interrupt, exiting", "grace", c.cfg.SignalGrace)
		c.exit(ExitInterrupted)
	}
}

// StartEmergencyTimer stops a session that is still running after the
// emergency timeout and exits the process if it does not go idle shortly
// after. Cancelling ctx disarms the timer.
func (c *Controller) StartEmergencyTimer(ctx context.Context) {
	if c.cfg.EmergencyTimeout <= 0 {
		return
	}
	timer := c.clock.NewTimer(c.cfg.EmergencyTimeout)
	go func() {
		defer timer.Stop()
		select {
		case <-ctx.Done():
			return
		case <-timer.C():
		}

		c.logger.Error("Emergency timeout reached, stopping capture", "timeout", c.cfg.EmergencyTimeout)
		c.target.RequestStop()
		if c.waitIdle(c.cfg.EmergencyGrace) || ctx.Err() != nil {
			return
		}
		c.logger.Error("Capture unresponsive after emergency stop, exiting")
		c.exit(ExitEmergency)
	}()
}
