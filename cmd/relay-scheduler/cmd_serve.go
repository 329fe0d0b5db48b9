package main

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"github.com/sweeney/relay-scheduler/internal/config"
	"github.com/sweeney/relay-scheduler/internal/mqtt"
	"github.com/sweeney/relay-scheduler/internal/notify"
	"github.com/sweeney/relay-scheduler/internal/particle"
	"github.com/sweeney/relay-scheduler/internal/schedule"
	"github.com/sweeney/relay-scheduler/internal/status"
	"github.com/sweeney/relay-scheduler/internal/store"
	"github.com/sweeney/relay-scheduler/internal/web"
)

func newServeCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the HTTP API and the schedule reconciler",
		RunE: func(cmd *cobra.Command, _ []string) error {
			if err := a.cfg.ValidateServe(); err != nil {
				return err
			}
			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()

			ln, err := net.Listen("tcp", a.cfg.HTTP.Addr)
			if err != nil {
				return fmt.Errorf("listen %s: %w", a.cfg.HTTP.Addr, err)
			}
			return runServe(ctx, a.cfg, a.log, ln)
		},
	}
}

// services are the collaborators shared by serve and sweep.
type services struct {
	backend    store.Backend
	publisher  *mqtt.RealPublisher
	cloud      *particle.Client
	flasher    *particle.Flasher
	notifier   *notify.Scheduler
	documents  *store.Documents
	reconciler *schedule.Reconciler
	tracker    *status.Tracker

	closers []func() error
}

func (s *services) Close() error {
	s.reconciler.CloseAll()
	s.notifier.Stop()
	var errs []error
	for i := len(s.closers) - 1; i >= 0; i-- {
		if err := s.closers[i](); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// buildServices opens the store and wires the reconciler with its mirrors
// and notification sinks.
func buildServices(ctx context.Context, cfg config.Config, logger zerolog.Logger) (*services, error) {
	s := &services{}
	fail := func(err error) (*services, error) {
		for i := len(s.closers) - 1; i >= 0; i-- {
			_ = s.closers[i]()
		}
		return nil, err
	}

	backend, err := store.Open(ctx, cfg.Store.Backend, cfg.Store.DSN, cfg.Store.Redis())
	if err != nil {
		return fail(fmt.Errorf("open store: %w", err))
	}
	s.backend = backend
	s.closers = append(s.closers, backend.Close)

	if cfg.MQTT.Broker != "" {
		pub, err := mqtt.NewRealPublisher(mqtt.Config{
			Broker:     cfg.MQTT.Broker,
			ClientID:   cfg.MQTT.ClientID,
			Username:   cfg.MQTT.Username,
			Password:   cfg.MQTT.Password,
			BufferSize: cfg.MQTT.BufferSize,
			Logger:     logger,
		})
		if err != nil {
			return fail(fmt.Errorf("connect mqtt: %w", err))
		}
		s.publisher = pub
		s.closers = append(s.closers, pub.Close)
	}

	httpClient := &http.Client{Timeout: cfg.Cloud.Timeout.Duration}
	s.cloud = particle.NewClient(cfg.Cloud.BaseURL, httpClient)
	s.flasher = particle.NewFlasher(cfg.Cloud.FlashURL, cfg.Cloud.SourceURL, httpClient)

	var mirror schedule.Mirror
	if mirrors := buildMirrors(cfg, s.cloud, s.publisher); len(mirrors) > 0 {
		mirror = mirrors
	}

	var pub mqtt.Publisher
	if s.publisher != nil {
		pub = s.publisher
	}
	sink, closeSinks, err := buildSinks(cfg, pub, logger)
	if err != nil {
		return fail(err)
	}
	s.closers = append(s.closers, closeSinks)

	s.tracker = status.NewTracker(time.Now(), status.Config{
		Role:               "server",
		Environment:        cfg.Environment,
		StoreBackend:       cfg.Store.Backend,
		Broker:             cfg.MQTT.Broker,
		HTTPAddr:           cfg.HTTP.Addr,
		ForegroundInterval: cfg.Reconcile.ForegroundInterval.Duration,
		BackgroundInterval: cfg.Reconcile.BackgroundInterval.Duration,
	})
	s.notifier = notify.NewScheduler(sink, logger)
	s.documents = store.NewDocuments(backend, mirror, logger)
	s.reconciler = schedule.NewReconciler(s.documents, s.notifier, schedule.Config{
		ForegroundInterval: cfg.Reconcile.ForegroundInterval.Duration,
		BackgroundInterval: cfg.Reconcile.BackgroundInterval.Duration,
		WatchLease:         cfg.Reconcile.WatchLease.Duration,
		Observer:           s.tracker,
		Logger:             logger,
	})
	return s, nil
}

func buildMirrors(cfg config.Config, cloud *particle.Client, pub *mqtt.RealPublisher) schedule.Mirrors {
	var mirrors schedule.Mirrors
	if cfg.Cloud.Mirror {
		mirrors = append(mirrors, particle.NewMirror(cloud))
	}
	if pub != nil {
		mirrors = append(mirrors, mqtt.NewMirror(pub))
	}
	return mirrors
}

// buildSinks returns the configured notification sink and a func closing
// any connections it opened.
func buildSinks(cfg config.Config, pub mqtt.Publisher, logger zerolog.Logger) (notify.Sink, func() error, error) {
	var (
		sinks   notify.MultiSink
		closers []func() error
	)
	closeAll := func() error {
		var errs []error
		for _, c := range closers {
			errs = append(errs, c())
		}
		return errors.Join(errs...)
	}
	for _, name := range cfg.Notify.Sinks {
		switch name {
		case config.SinkLog:
			sinks = append(sinks, notify.LogSink{Logger: logger.With().Str("component", "reminder").Logger()})
		case config.SinkMQTT:
			if pub == nil {
				_ = closeAll()
				return nil, nil, errors.New("notify sink mqtt needs an mqtt broker")
			}
			sinks = append(sinks, notify.MQTTSink{Publisher: pub})
		case config.SinkNATS:
			ns, err := notify.NewNATSSink(cfg.Notify.NATSURL, logger)
			if err != nil {
				_ = closeAll()
				return nil, nil, fmt.Errorf("connect nats: %w", err)
			}
			sinks = append(sinks, ns)
			closers = append(closers, ns.Close)
		default:
			_ = closeAll()
			return nil, nil, fmt.Errorf("unknown notify sink %q", name)
		}
	}
	switch len(sinks) {
	case 0:
		return notify.LogSink{Logger: logger}, closeAll, nil
	case 1:
		return sinks[0], closeAll, nil
	}
	return sinks, closeAll, nil
}

// runServe serves on ln until ctx is done.
func runServe(ctx context.Context, cfg config.Config, logger zerolog.Logger, ln net.Listener) error {
	svc, err := buildServices(ctx, cfg, logger)
	if err != nil {
		ln.Close()
		return err
	}
	defer func() {
		if err := svc.Close(); err != nil {
			logger.Warn().Err(err).Msg("shutdown cleanup failed")
		}
	}()

	armed, err := svc.reconciler.Rearm(ctx, svc.documents)
	if err != nil {
		logger.Warn().Err(err).Int("armed", armed).Msg("some reminders were not re-armed")
	} else {
		logger.Info().Int("armed", armed).Msg("reminders restored")
	}

	bg := schedule.NewBackground(svc.reconciler, svc.documents)
	mode, err := bg.Start(ctx, cfg.Reconcile.Capability())
	if err != nil {
		logger.Warn().Err(err).Msg("background reconciliation not started")
	}
	defer bg.Stop()

	srv := web.New(web.Config{
		Addr:       cfg.HTTP.Addr,
		Tracker:    svc.tracker,
		Documents:  svc.documents,
		Reconciler: svc.reconciler,
		Cloud:      svc.cloud,
		Flasher:    svc.flasher,
		JWTSecret:  []byte(cfg.Auth.JWTSecret),
		TokenTTL:   cfg.Auth.TokenTTL.Duration,
		Logger:     logger,
	})

	if svc.publisher != nil {
		go watchConnection(ctx, svc.tracker, svc.publisher, cfg.Reconcile.ForegroundInterval.Duration)
	}

	errCh := make(chan error, 1)
	go func() {
		errCh <- srv.Serve(ln)
	}()
	logger.Info().
		Str("addr", ln.Addr().String()).
		Str("store", cfg.Store.Backend).
		Str("mode", string(mode)).
		Msg("relay-scheduler serving")

	select {
	case err := <-errCh:
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("http server: %w", err)
		}
		return nil
	case <-ctx.Done():
	}

	logger.Info().Msg("shutting down gracefully...")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error().Err(err).Msg("graceful shutdown failed")
	}
	return nil
}

// watchConnection mirrors the broker connection state into the tracker.
func watchConnection(ctx context.Context, tracker *status.Tracker, conn mqtt.ConnectionStatus, every time.Duration) {
	tracker.SetMQTTConnected(conn.IsConnected())
	t := time.NewTicker(every)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
			tracker.SetMQTTConnected(conn.IsConnected())
		}
	}
}
