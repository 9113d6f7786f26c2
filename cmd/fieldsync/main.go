package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"golang.org/x/sync/errgroup"

	"github.com/awheeler/fieldsync/internal/admin"
	"github.com/awheeler/fieldsync/internal/api"
	"github.com/awheeler/fieldsync/internal/auth"
	"github.com/awheeler/fieldsync/internal/config"
	"github.com/awheeler/fieldsync/internal/hub"
	"github.com/awheeler/fieldsync/internal/lifecycle"
	"github.com/awheeler/fieldsync/internal/logging"
	"github.com/awheeler/fieldsync/internal/media"
	"github.com/awheeler/fieldsync/internal/observe"
	"github.com/awheeler/fieldsync/internal/queue"
	"github.com/awheeler/fieldsync/internal/state"
)

var Version = "dev"

func main() {
	if err := run(); err != nil && !errors.Is(err, context.Canceled) {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

// tokenSourceFunc adapts a closure to api.TokenSource, breaking the
// construction cycle between the API client and the token manager.
type tokenSourceFunc func() string

func (f tokenSourceFunc) AccessToken() string { return f() }

func run() error {
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}

	logger := logging.NewLogger(cfg.Environment)
	logger.Info("fieldsync starting",
		slog.String("version", Version),
		slog.String("unit", cfg.UnitID),
		slog.String("device", cfg.DeviceName),
	)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	appState, err := state.Load()
	if err != nil {
		return fmt.Errorf("loading state: %w", err)
	}
	defer appState.Close()

	var tokens *auth.Manager
	client := api.NewClient(cfg.APIBaseURL, nil, tokenSourceFunc(func() string {
		return tokens.AccessToken()
	}))
	tokens = auth.NewManager(client, appState, logger)

	store, err := queue.NewStore(appState, logger)
	if err != nil {
		return fmt.Errorf("opening queue: %w", err)
	}

	connectivity := observe.NewValue(observe.Connectivity{Connected: true, Reachable: true})
	lifecycleSignal := observe.NewValue(observe.LifecycleSignal{IsActive: true, State: observe.AppStateActive})

	proc := queue.NewProcessor(store, connectivity, queue.Submitters{
		Status:   client,
		Location: client,
		Media:    client,
	}, logger)

	hubs := hub.NewManager(tokens, logger)
	defer hubs.Close()

	sessions, err := cfg.HubSessions()
	if err != nil {
		return fmt.Errorf("loading hub roster: %w", err)
	}

	coord := lifecycle.NewCoordinator(hubs, proc, tokens, sessions, lifecycleSignal, logger)

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		err := coord.Run(gctx)
		if errors.Is(err, context.Canceled) {
			return nil
		}
		return err
	})

	watcher := media.NewWatcher(cfg.CaptureDir, store, logger)
	watcher.SetContext("", cfg.UserID)
	g.Go(func() error {
		err := watcher.Watch(gctx)
		if errors.Is(err, context.Canceled) {
			return nil
		}
		return err
	})

	if cfg.EnableAdmin {
		diag := admin.NewServer(store, proc, admin.Signals{
			Connectivity: connectivity,
			Lifecycle:    lifecycleSignal,
		}, tokens, logger)
		g.Go(func() error {
			return diag.Run(gctx, cfg.AdminListenAddr)
		})
	}

	proc.Start(gctx)
	defer proc.Stop()

	if tokens.SignedIn() {
		for _, session := range sessions {
			if err := hubs.Connect(gctx, session); err != nil {
				logger.Warn("initial hub connect failed",
					slog.String("hub", session.Name),
					slog.String("error", err.Error()),
				)
			}
		}
	} else {
		logger.Info("no cached credentials, realtime hubs stay down until sign-in")
	}

	coord.SetInitialized(true)
	logger.Info("fieldsync ready", slog.Int("hubs", len(sessions)))

	return g.Wait()
}
