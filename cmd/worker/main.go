package main

import (
	"context"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/contrib/instrumentation/google.golang.org/grpc/otelgrpc"
	"google.golang.org/grpc"
	grpc_health "google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"

	"github.com/austindbirch/harbor_sync/internal/config"
	"github.com/austindbirch/harbor_sync/internal/content"
	"github.com/austindbirch/harbor_sync/internal/delivery"
	"github.com/austindbirch/harbor_sync/internal/dispatch"
	"github.com/austindbirch/harbor_sync/internal/health"
	"github.com/austindbirch/harbor_sync/internal/ingest"
	"github.com/austindbirch/harbor_sync/internal/logging"
	"github.com/austindbirch/harbor_sync/internal/metrics"
	"github.com/austindbirch/harbor_sync/internal/payload"
	"github.com/austindbirch/harbor_sync/internal/queue"
	"github.com/austindbirch/harbor_sync/internal/tracing"
)

func main() {
	cfg := config.FromEnv()
	ctx := context.Background()

	logger := logging.New("harborsync-worker")
	logging.SetDefaultService("harborsync-worker")

	shutdownTracing, err := tracing.InitTracing(ctx, "harborsync-worker")
	if err != nil {
		logger.Plain().WithError(err).Fatal("Failed to initialize tracing")
	}
	defer shutdownTracing()

	store, err := content.OpenSQLite(ctx, cfg.ContentDB)
	if err != nil {
		logger.Plain().WithError(err).Fatal("content store open failed")
	}
	defer store.Close()

	q, err := queue.Open(ctx, cfg)
	if err != nil {
		logger.Plain().WithError(err).WithField("driver", cfg.Queue.Driver).Fatal("queue open failed")
	}
	defer q.Close()

	builder, err := payload.NewBuilder(store, cfg.Dispatcher.PublicBaseURL)
	if err != nil {
		logger.Plain().WithError(err).Fatal("invalid PUBLIC_BASE_URL")
	}

	// Fail fast on a broken targets file; later edits are picked up per tick.
	settings := config.FileProvider{Path: cfg.Dispatcher.TargetsFile}
	if _, err := settings.Load(ctx); err != nil {
		logger.Plain().WithError(err).WithField("file", cfg.Dispatcher.TargetsFile).Fatal("targets load failed")
	}

	deps := map[string]health.Pinger{"queue": q, "content": store}
	dlq, err := newDeadLetterPublisher(cfg.NSQ)
	if err != nil {
		logger.Plain().WithError(err).Fatal("nsq producer for DLQ creation failed")
	}
	defer dlq.Stop()
	if p, ok := dlq.(*delivery.NSQPublisher); ok {
		deps["nsqd"] = p
	}

	d := dispatch.New(dispatch.Deps{
		Queue:       q,
		Source:      store,
		Settings:    settings,
		Builder:     builder,
		Client:      &http.Client{},
		DeadLetters: dlq,
		Logger:      logger,
	}, dispatch.OptionsFromConfig(cfg.Dispatcher))

	reg := prometheus.NewRegistry()
	metrics.MustRegister(reg)

	httpSrv := &http.Server{
		Addr:    cfg.Dispatcher.HTTPPort,
		Handler: newMux(d, cfg.Dispatcher.IngestSecret, deps, reg, logger),
	}
	go func() {
		logger.Plain().WithField("addr", httpSrv.Addr).Info("worker HTTP server starting")
		if err := httpSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Plain().WithError(err).Fatal("worker HTTP server failed")
		}
	}()

	grpcSrv := grpc.NewServer(grpc.StatsHandler(otelgrpc.NewServerHandler()))
	hs := grpc_health.NewServer()
	healthpb.RegisterHealthServer(grpcSrv, hs)
	hs.SetServingStatus("", healthpb.HealthCheckResponse_SERVING)
	lis, err := net.Listen("tcp", cfg.GRPCPort)
	if err != nil {
		logger.Plain().WithError(err).WithField("addr", cfg.GRPCPort).Fatal("listen failed")
	}
	go func() {
		logger.Plain().WithField("addr", cfg.GRPCPort).Info("gRPC health server starting")
		if err := grpcSrv.Serve(lis); err != nil {
			logger.Plain().WithError(err).Error("gRPC health server stopped")
		}
	}()

	runCtx, cancel := context.WithCancel(ctx)
	done := make(chan struct{})
	go func() {
		defer close(done)
		if err := d.Run(runCtx, cfg.Dispatcher.TickInterval); err != nil {
			logger.Plain().WithError(err).Error("dispatcher stopped")
		}
	}()

	logger.Plain().WithFields(map[string]any{
		"node_id":  cfg.Dispatcher.NodeID,
		"interval": cfg.Dispatcher.TickInterval.String(),
		"driver":   cfg.Queue.Driver,
	}).Info("worker service started")

	// Graceful stop
	stop := make(chan os.Signal, 1)
	signal.Notify(stop, syscall.SIGTERM, syscall.SIGINT)
	<-stop

	logger.Plain().Info("Shutting down worker service")
	hs.SetServingStatus("", healthpb.HealthCheckResponse_NOT_SERVING)
	cancel()
	<-done

	shutdownCtx, cancelShutdown := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancelShutdown()
	_ = httpSrv.Shutdown(shutdownCtx)
	grpcSrv.GracefulStop()
	logger.Plain().Info("worker service stopped")
}

// newMux serves health, metrics and, when a secret is configured, the
// authenticated events endpoint.
func newMux(enq ingest.Enqueuer, ingestSecret string, deps map[string]health.Pinger, reg *prometheus.Registry, logger *logging.Logger) *http.ServeMux {
	mux := http.NewServeMux()
	mux.Handle("/healthz", health.HTTPHandler(deps))
	mux.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{}))
	if ingestSecret == "" {
		logger.Plain().Warn("INGEST_SECRET not set, events endpoint disabled")
		return mux
	}
	mux.Handle("/v1/", ingest.NewServer(enq, logger).Handler(ingestSecret))
	return mux
}

// newDeadLetterPublisher returns an NSQ publisher when dead letters are
// published, and a no-op otherwise.
func newDeadLetterPublisher(c config.NSQ) (delivery.Publisher, error) {
	if !c.PublishDLQ {
		return delivery.NopPublisher{}, nil
	}
	return delivery.NewNSQPublisher(c.NsqdTCPAddr, c.DLQTopic)
}
