// Package lifecycle reacts to host app foreground/background
// transitions: backgrounding tears realtime sessions down and winds
// the queue processor down after a flush grace; resuming brings both
// back. Transitions are debounced and never queued, so rapid
// foreground/background flapping settles on the latest state.
package lifecycle

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/awheeler/fieldsync/internal/hub"
	"github.com/awheeler/fieldsync/internal/observe"
)

const (
	// backgroundDebounce and resumeDebounce are how long a signal must
	// hold before the transition runs. Backgrounding reacts fast;
	// resuming waits out the brief inactive blips some platforms emit
	// around permission dialogs and app switches.
	backgroundDebounce = 100 * time.Millisecond
	resumeDebounce     = 500 * time.Millisecond

	// processorFlushGrace keeps the queue processor draining after the
	// hubs are gone, so events captured right before backgrounding
	// still get flushed while the OS allows background execution.
	processorFlushGrace = 30 * time.Second
)

// hubManager is the slice of the connection manager the coordinator drives.
type hubManager interface {
	Connect(ctx context.Context, cfg hub.SessionConfig) error
	Disconnect(name string)
}

// processor is the slice of the queue processor the coordinator drives.
type processor interface {
	Start(ctx context.Context)
	Stop()
	Running() bool
}

// authState reports whether a usable token pair exists.
type authState interface {
	SignedIn() bool
}

// Coordinator consumes the platform lifecycle signal and transitions
// the sync subsystem between foreground and background modes.
type Coordinator struct {
	hubs     hubManager
	proc     processor
	auth     authState
	sessions []hub.SessionConfig
	signal   *observe.Value[observe.LifecycleSignal]
	logger   *slog.Logger

	baseCtx context.Context

	mu          sync.Mutex
	processing  bool
	abort       context.CancelFunc
	background  bool
	initialized bool
}

// NewCoordinator wires the coordinator to the subsystems it manages.
// sessions lists the hubs torn down on background and re-established
// on resume.
func NewCoordinator(
	hubs hubManager,
	proc processor,
	auth authState,
	sessions []hub.SessionConfig,
	signal *observe.Value[observe.LifecycleSignal],
	logger *slog.Logger,
) *Coordinator {
	return &Coordinator{
		hubs:     hubs,
		proc:     proc,
		auth:     auth,
		sessions: sessions,
		signal:   signal,
		logger:   logger,
	}
}

// SetInitialized marks startup as complete. Lifecycle transitions are
// ignored until then, so a background signal during boot cannot tear
// down half-started services.
func (c *Coordinator) SetInitialized(v bool) {
	c.mu.Lock()
	c.initialized = v
	c.mu.Unlock()
}

// Run processes lifecycle signals until ctx is cancelled. Each signal
// restarts the debounce window and aborts any in-flight transition;
// only the signal that survives its window is acted on.
func (c *Coordinator) Run(ctx context.Context) error {
	c.baseCtx = ctx

	ch, cancelSub := c.signal.Subscribe()
	defer cancelSub()

	var (
		pending observe.LifecycleSignal
		timer   *time.Timer
		timerC  <-chan time.Time
	)

	for {
		select {
		case sig, ok := <-ch:
			if !ok {
				return nil
			}

			pending = sig
			debounce := resumeDebounce
			if sig.Backgrounded() {
				debounce = backgroundDebounce
			}

			if timer != nil {
				timer.Stop()
			}
			timer = time.NewTimer(debounce)
			timerC = timer.C

			c.cancelInFlight()

		case <-timerC:
			timerC = nil
			c.apply(pending)

		case <-ctx.Done():
			c.cancelInFlight()
			return ctx.Err()
		}
	}
}

// apply runs the settled transition, unless it is redundant, gated
// out, or another transition is still processing (discarded, never
// queued).
func (c *Coordinator) apply(sig observe.LifecycleSignal) {
	toBackground := sig.Backgrounded()

	c.mu.Lock()
	switch {
	case !c.initialized || !c.auth.SignedIn():
		c.mu.Unlock()
		c.logger.Debug("lifecycle signal ignored",
			slog.Bool("initialized", c.initialized),
			slog.String("state", string(sig.State)),
		)
		return

	case toBackground == c.background:
		c.mu.Unlock()
		return

	case c.processing:
		c.mu.Unlock()
		c.logger.Debug("lifecycle transition discarded, another in flight",
			slog.String("state", string(sig.State)),
		)
		return
	}

	c.processing = true
	tctx, cancel := context.WithCancel(c.baseCtx)
	c.abort = cancel
	c.mu.Unlock()

	go func() {
		defer func() {
			cancel()
			c.mu.Lock()
			c.processing = false
			c.abort = nil
			c.mu.Unlock()
		}()

		if toBackground {
			c.toBackground(tctx)
		} else {
			c.toForeground(tctx)
		}
	}()
}

// toBackground disconnects the realtime hubs immediately, then stops
// the processor after the flush grace. An abort (resume arriving
// mid-transition) leaves the processor running.
func (c *Coordinator) toBackground(ctx context.Context) {
	c.logger.Info("app backgrounded, winding down sync")

	for _, cfg := range c.sessions {
		c.hubs.Disconnect(cfg.Name)
	}

	c.setBackground(true)

	timer := time.NewTimer(processorFlushGrace)
	select {
	case <-ctx.Done():
		timer.Stop()
		c.logger.Debug("background transition aborted, processor kept running")
		return
	case <-timer.C:
	}

	c.proc.Stop()
	c.logger.Info("queue processor stopped after flush grace")
}

// toForeground restarts the processor first (cheap, idempotent), then
// re-establishes the hub sessions.
func (c *Coordinator) toForeground(ctx context.Context) {
	c.logger.Info("app resumed, restoring sync")

	c.setBackground(false)
	c.proc.Start(c.baseCtx)

	for _, cfg := range c.sessions {
		if err := c.hubs.Connect(ctx, cfg); err != nil {
			c.logger.Warn("hub reconnect on resume failed",
				slog.String("hub", cfg.Name),
				slog.String("error", err.Error()),
			)
		}
	}
}

func (c *Coordinator) setBackground(v bool) {
	c.mu.Lock()
	c.background = v
	c.mu.Unlock()
}

func (c *Coordinator) cancelInFlight() {
	c.mu.Lock()
	if c.abort != nil {
		c.abort()
	}
	c.mu.Unlock()
}
