package queue

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	fserrors "github.com/awheeler/fieldsync/internal/errors"
	"github.com/awheeler/fieldsync/internal/observe"
	"github.com/awheeler/fieldsync/internal/state"
)

const (
	// processInterval is the fixed polling period between queue passes.
	processInterval = 10 * time.Second

	// maxConcurrentEvents bounds how many events a single pass dispatches.
	maxConcurrentEvents = 3

	// completedRemoveDelay is the grace period before a completed event
	// is pruned from the queue, so observers can see the completed state.
	completedRemoveDelay = 5 * time.Second
)

// StatusSubmitter delivers unit status updates to the backend.
type StatusSubmitter interface {
	SubmitStatus(ctx context.Context, p StatusPayload) error
}

// LocationSubmitter delivers unit location fixes to the backend.
type LocationSubmitter interface {
	SubmitLocation(ctx context.Context, p LocationPayload) error
}

// MediaUploader delivers captured media attachments to the backend.
type MediaUploader interface {
	UploadMedia(ctx context.Context, p MediaPayload) error
}

// Submitters bundles the network collaborators the processor drains
// the queue against.
type Submitters struct {
	Status   StatusSubmitter
	Location LocationSubmitter
	Media    MediaUploader
}

// Processor drains the queue store on a fixed interval. One pass runs
// at a time; a pass is skipped entirely while the connectivity signal
// reports the network as unusable, so no event state changes offline.
type Processor struct {
	store  *Store
	conn   *observe.Value[observe.Connectivity]
	subs   Submitters
	logger *slog.Logger

	mu      sync.Mutex
	cancel  context.CancelFunc
	done    chan struct{}
	kick    chan struct{}
	passing bool
}

// NewProcessor creates a processor over store. conn supplies the
// connectivity signal checked before each pass.
func NewProcessor(store *Store, conn *observe.Value[observe.Connectivity], subs Submitters, logger *slog.Logger) *Processor {
	return &Processor{
		store:  store,
		conn:   conn,
		subs:   subs,
		logger: logger,
		kick:   make(chan struct{}, 1),
	}
}

// Start launches the polling scheduler: one immediate pass, then one
// pass per interval. Calling Start while running is a no-op, so there
// is never more than one active timer.
func (p *Processor) Start(ctx context.Context) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.cancel != nil {
		p.logger.Debug("processor already running")
		return
	}

	runCtx, cancel := context.WithCancel(ctx)
	p.cancel = cancel
	p.done = make(chan struct{})

	p.logger.Info("queue processor started", slog.Duration("interval", processInterval))

	go p.run(runCtx, p.done)
}

// run is the scheduler loop. It owns the ticker and exits when the
// processor is stopped or the parent context ends.
func (p *Processor) run(ctx context.Context, done chan struct{}) {
	defer close(done)

	ticker := time.NewTicker(processInterval)
	defer ticker.Stop()

	p.processPass(ctx)

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			p.processPass(ctx)
		case <-p.kick:
			p.processPass(ctx)
		}
	}
}

// Stop cancels the scheduler and waits for the loop to exit. Dispatched
// network calls are not cancelled mid-flight by a pass already running;
// they finish against the run context. Idempotent.
func (p *Processor) Stop() {
	p.mu.Lock()
	cancel := p.cancel
	done := p.done
	p.cancel = nil
	p.done = nil
	p.mu.Unlock()

	if cancel == nil {
		return
	}

	cancel()
	<-done

	p.logger.Info("queue processor stopped")
}

// Running reports whether the scheduler is active.
func (p *Processor) Running() bool {
	p.mu.Lock()
	defer p.mu.Unlock()

	return p.cancel != nil
}

// ProcessNow requests an immediate pass without waiting for the ticker.
// No-op while stopped or when a request is already queued.
func (p *Processor) ProcessNow() {
	select {
	case p.kick <- struct{}{}:
	default:
	}
}

// processPass performs one drain cycle: select up to maxConcurrentEvents
// ready events and dispatch them concurrently. Each event succeeds or
// fails independently of its siblings.
func (p *Processor) processPass(ctx context.Context) {
	p.mu.Lock()
	if p.passing {
		p.mu.Unlock()
		p.logger.Debug("pass already in flight, skipping")
		return
	}
	p.passing = true
	p.mu.Unlock()

	defer func() {
		p.mu.Lock()
		p.passing = false
		p.mu.Unlock()
	}()

	if conn := p.conn.Get(); !conn.Online() {
		p.logger.Debug("offline, skipping pass",
			slog.Bool("connected", conn.Connected),
			slog.Bool("reachable", conn.Reachable),
		)
		return
	}

	ready := p.store.PendingEvents()
	if len(ready) == 0 {
		return
	}
	if len(ready) > maxConcurrentEvents {
		ready = ready[:maxConcurrentEvents]
	}

	p.logger.Debug("processing events", slog.Int("count", len(ready)))

	var g errgroup.Group
	g.SetLimit(maxConcurrentEvents)

	for _, ev := range ready {
		g.Go(func() error {
			p.processEvent(ctx, ev)
			return nil
		})
	}

	_ = g.Wait()
}

// processEvent runs one event through its handler and records the
// outcome. Completed events are pruned after a short grace delay.
func (p *Processor) processEvent(ctx context.Context, ev state.Event) {
	if err := p.store.UpdateStatus(ev.ID, state.StatusProcessing, ""); err != nil {
		// Removed out from under us (clear or explicit removal).
		p.logger.Debug("event vanished before dispatch", slog.String("id", ev.ID))
		return
	}

	if err := p.dispatch(ctx, ev); err != nil {
		p.logger.Warn("event dispatch failed",
			slog.String("id", ev.ID),
			slog.String("type", string(ev.Type)),
			slog.String("error", err.Error()),
		)
		if uerr := p.store.UpdateStatus(ev.ID, state.StatusFailed, err.Error()); uerr != nil {
			p.logger.Warn("recording failure", slog.String("id", ev.ID), slog.String("error", uerr.Error()))
		}
		return
	}

	if err := p.store.UpdateStatus(ev.ID, state.StatusCompleted, ""); err != nil {
		p.logger.Warn("recording completion", slog.String("id", ev.ID), slog.String("error", err.Error()))
		return
	}

	p.logger.Info("event delivered",
		slog.String("id", ev.ID),
		slog.String("type", string(ev.Type)),
	)

	go p.removeAfterGrace(ctx, ev.ID)
}

// removeAfterGrace prunes a completed event once the grace delay has
// passed. If the processor shuts down first, the event stays Completed
// in the queue and is swept by ClearCompleted later.
func (p *Processor) removeAfterGrace(ctx context.Context, id string) {
	timer := time.NewTimer(completedRemoveDelay)
	defer timer.Stop()

	select {
	case <-ctx.Done():
		return
	case <-timer.C:
	}

	if err := p.store.RemoveEvent(id); err != nil {
		p.logger.Debug("completed event already removed", slog.String("id", id))
	}
}

// dispatch routes an event to the network operation for its type.
func (p *Processor) dispatch(ctx context.Context, ev state.Event) error {
	switch ev.Type {
	case state.EventUnitStatus:
		var payload StatusPayload
		if err := json.Unmarshal(ev.Payload, &payload); err != nil {
			return fmt.Errorf("decoding status payload: %w", err)
		}

		return p.subs.Status.SubmitStatus(ctx, payload)

	case state.EventUnitLocation:
		var payload LocationPayload
		if err := json.Unmarshal(ev.Payload, &payload); err != nil {
			return fmt.Errorf("decoding location payload: %w", err)
		}

		return p.subs.Location.SubmitLocation(ctx, payload)

	case state.EventMediaUpload:
		var payload MediaPayload
		if err := json.Unmarshal(ev.Payload, &payload); err != nil {
			return fmt.Errorf("decoding media payload: %w", err)
		}

		return p.subs.Media.UploadMedia(ctx, payload)

	default:
		return fmt.Errorf("%w: %s", fserrors.ErrUnknownType, ev.Type)
	}
}
