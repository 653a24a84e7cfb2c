package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/NikosSpanos/health-monitoring-app/internal/client"
	"github.com/NikosSpanos/health-monitoring-app/internal/config"
	"github.com/NikosSpanos/health-monitoring-app/internal/events"
	"github.com/NikosSpanos/health-monitoring-app/internal/logging"
	"github.com/NikosSpanos/health-monitoring-app/internal/metrics"
	"github.com/NikosSpanos/health-monitoring-app/internal/mock"
	"github.com/NikosSpanos/health-monitoring-app/internal/render"
	"github.com/NikosSpanos/health-monitoring-app/internal/session"
	"github.com/NikosSpanos/health-monitoring-app/internal/snapshot"
	"github.com/NikosSpanos/health-monitoring-app/internal/ws"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "kpiboard: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	mockMode := flag.Bool("mock", false, "Use an in-process mock KPI backend")
	configPath := flag.String("config", "config.yaml", "Path to config file")
	port := flag.Int("port", 0, "Override server port")
	upstreamURL := flag.String("url", "", "Override upstream notification channel URL")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	if *port > 0 {
		cfg.Server.Port = *port
	}
	if *upstreamURL != "" {
		cfg.Upstream.URL = *upstreamURL
	}
	if err := cfg.Validate(); err != nil {
		return err
	}

	logger, err := logging.New(logging.Options{
		Level:      cfg.Logging.Level,
		Format:     cfg.Logging.Format,
		File:       cfg.Logging.File,
		MaxSizeMB:  cfg.Logging.MaxSizeMB,
		MaxBackups: cfg.Logging.MaxBackups,
	})
	if err != nil {
		return err
	}
	defer logger.Close()
	log := logger.Logger
	slog.SetDefault(log)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	m := metrics.New()
	container := render.NewContainer(render.DefaultContainerID)

	var saver session.Saver
	var store *snapshot.Store
	if !cfg.Snapshot.Disabled() {
		store = snapshot.NewStore(cfg.Snapshot.Dir)
		saver = store
	}

	var (
		src      events.Source
		upstream ws.Upstream
		start    func(context.Context) error
	)
	if *mockMode {
		log.Info("starting in mock mode")
		bus := events.NewBus()
		backend := mock.NewBackend(bus, mock.Options{
			ReadyAfter:    1,
			CompleteAfter: 2 * time.Second,
			Latency:       500 * time.Millisecond,
			PushInterval:  time.Minute,
			Backfill:      5 * time.Minute,
			Logger:        log,
		})
		src = bus
		start = func(ctx context.Context) error {
			go bus.Run(ctx)
			backend.Start(ctx)
			<-ctx.Done()
			return ctx.Err()
		}
	} else {
		log.Info("connecting to KPI channel", "url", cfg.Upstream.URL)
		c := client.New(client.Options{
			URL:           cfg.Upstream.URL,
			Token:         cfg.Upstream.Token,
			WriteTimeout:  cfg.Upstream.WriteTimeout,
			PingInterval:  cfg.Upstream.PingInterval,
			PongTimeout:   cfg.Upstream.PongTimeout,
			ReconnectBase: cfg.Upstream.ReconnectBase,
			ReconnectMax:  cfg.Upstream.ReconnectMax,
			Logger:        log,
		})
		src = c
		upstream = c
		start = c.Run
	}

	h := session.Register(metrics.Instrument(src, m), container, session.Options{
		PollInterval: cfg.Status.PollInterval,
		MaxPolls:     cfg.Status.MaxPolls,
		Logger:       log,
		Metrics:      m,
		Saver:        saver,
	})
	defer h.Close()

	if store != nil {
		restore(store, h, log)
	}

	broadcaster := ws.NewBroadcaster(container, cfg.Server.MaxConnections, m, log)
	defer broadcaster.Stop()

	server := ws.NewServer(ws.Options{
		AllowedOrigins: cfg.Server.AllowedOrigins,
		AuthToken:      cfg.Server.AuthToken,
	}, container, broadcaster, h.Snapshot, upstream, m, log)

	errCh := make(chan error, 2)
	go func() { errCh <- start(ctx) }()
	go func() {
		errCh <- ws.ListenAndServe(ctx, cfg.Server.Host, cfg.Server.Port, server.Handler(), logger.Writer, log)
	}()

	// Whichever side finishes first stops the other.
	var errs []error
	for i := 0; i < 2; i++ {
		if err := <-errCh; err != nil && !errors.Is(err, context.Canceled) {
			errs = append(errs, err)
		}
		stop()
	}
	log.Info("shut down")
	return errors.Join(errs...)
}

func restore(store *snapshot.Store, h *session.Handler, log *slog.Logger) {
	f, ok, err := store.Load()
	switch {
	case err != nil:
		log.Warn("ignoring unreadable snapshot", "path", store.Path(), "error", err)
	case !ok:
		log.Debug("no snapshot to restore", "path", store.Path())
	default:
		if err := h.Restore(f.Devices); err != nil {
			log.Warn("restoring snapshot", "error", err)
			return
		}
		log.Info("restored snapshot", "devices", len(f.Devices), "saved_at", f.SavedAt)
	}
}
