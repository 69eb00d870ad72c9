package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/austindbirch/harbor_sync/internal/config"
	"github.com/austindbirch/harbor_sync/internal/content"
	"github.com/austindbirch/harbor_sync/internal/health"
	"github.com/austindbirch/harbor_sync/internal/logging"
	"github.com/austindbirch/harbor_sync/internal/metrics"
	"github.com/austindbirch/harbor_sync/internal/receiver"
	"github.com/austindbirch/harbor_sync/internal/tracing"
)

func main() {
	cfg := config.FromEnv()
	ctx := context.Background()

	logger := logging.New("harborsync-receiver")
	logging.SetDefaultService("harborsync-receiver")

	shutdownTracing, err := tracing.InitTracing(ctx, "harborsync-receiver")
	if err != nil {
		logger.Plain().WithError(err).Fatal("Failed to initialize tracing")
	}
	defer shutdownTracing()

	store, err := content.OpenSQLite(ctx, cfg.ContentDB)
	if err != nil {
		logger.Plain().WithError(err).Fatal("content store open failed")
	}
	defer store.Close()

	credentials := config.FileProvider{Path: cfg.Receiver.CredentialsFile}
	if _, err := credentials.Load(ctx); err != nil {
		logger.Plain().WithError(err).WithField("file", cfg.Receiver.CredentialsFile).Fatal("credentials load failed")
	}

	handler, err := newHandler(cfg.Receiver, store, credentials, logger)
	if err != nil {
		logger.Plain().WithError(err).Fatal("receiver setup failed")
	}

	reg := prometheus.NewRegistry()
	metrics.MustRegister(reg)

	srv := &http.Server{
		Addr:         cfg.Receiver.Port,
		Handler:      newMux(handler, map[string]health.Pinger{"content": store}, reg),
		ReadTimeout:  cfg.Receiver.ReadTimeout,
		WriteTimeout: cfg.Receiver.WriteTimeout,
		IdleTimeout:  cfg.Receiver.IdleTimeout,
	}
	go func() {
		logger.Plain().WithFields(map[string]any{
			"addr":  srv.Addr,
			"match": cfg.Receiver.MatchStrategy,
		}).Info("receiver HTTP server starting")
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Plain().WithError(err).Fatal("receiver HTTP server failed")
		}
	}()

	// Graceful stop
	stop := make(chan os.Signal, 1)
	signal.Notify(stop, syscall.SIGTERM, syscall.SIGINT)
	<-stop

	logger.Plain().Info("Shutting down receiver")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	_ = srv.Shutdown(shutdownCtx)
	logger.Plain().Info("receiver stopped")
}

func newHandler(c config.Receiver, store content.Store, credentials config.Provider, logger *logging.Logger) (*receiver.Handler, error) {
	matcher, err := receiver.NewMatcher(c.MatchStrategy)
	if err != nil {
		return nil, err
	}
	media := receiver.NewMediaImporter(store, &http.Client{}, c.MediaMaxBytes, c.MediaFetchTimeout)
	return receiver.New(receiver.Options{
		Store:    store,
		Settings: credentials,
		Matcher:  matcher,
		Media:    media,
		Logger:   logger,
	}), nil
}

func newMux(h http.Handler, deps map[string]health.Pinger, reg *prometheus.Registry) *http.ServeMux {
	mux := http.NewServeMux()
	mux.Handle("/healthz", health.HTTPHandler(deps))
	mux.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{}))
	mux.Handle("/", h)
	return mux
}
