// dlq-monitor consumes the dead-letter topic the worker publishes to and
// turns exhausted replication jobs into logs and metrics.
package main

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/nsqio/go-nsq"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/austindbirch/harbor_sync/internal/config"
	"github.com/austindbirch/harbor_sync/internal/delivery"
	"github.com/austindbirch/harbor_sync/internal/logging"
	"github.com/austindbirch/harbor_sync/internal/tracing"
)

const channel = "dlq-monitor"

type monitor struct {
	logger   *logging.Logger
	observed *prometheus.CounterVec
	lastSeen prometheus.Gauge
	rejected prometheus.Counter
}

func newMonitor(logger *logging.Logger) *monitor {
	return &monitor{
		logger: logger,
		observed: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "harborsync_dlq_observed_total",
			Help: "Dead letters seen on the DLQ topic by target and reason",
		}, []string{"target", "reason"}),
		lastSeen: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "harborsync_dlq_last_seen_timestamp_seconds",
			Help: "Unix time of the most recent dead letter",
		}),
		rejected: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "harborsync_dlq_malformed_total",
			Help: "Messages on the DLQ topic that were not dead letters",
		}),
	}
}

func (m *monitor) register(reg prometheus.Registerer) {
	reg.MustRegister(m.observed, m.lastSeen, m.rejected)
}

// handle records one message. Malformed messages are counted and dropped
// rather than requeued.
func (m *monitor) handle(body []byte) error {
	var dl delivery.DeadLetter
	if err := json.Unmarshal(body, &dl); err != nil || dl.Type != delivery.DLQType {
		m.rejected.Inc()
		m.logger.Plain().WithField("bytes", len(body)).Warn("ignoring malformed dead letter")
		return nil
	}

	ctx := tracing.ContextFromHeaders(context.Background(), dl.Task.TraceHeaders)
	m.observed.WithLabelValues(dl.Task.TargetID, dl.Reason).Inc()
	if at, err := time.Parse(time.RFC3339Nano, dl.At); err == nil {
		m.lastSeen.Set(float64(at.Unix()))
	}
	m.logger.WithContext(ctx).
		WithJob(dl.Task.JobID).
		WithTarget(dl.Task.TargetID).
		WithEntity(dl.Task.EntityID).
		WithFields(map[string]any{
			"reason":      dl.Reason,
			"attempt":     dl.Attempt,
			"http_status": dl.HTTPStatus,
			"last_error":  dl.LastError,
		}).Error("replication dead-lettered")
	return nil
}

func main() {
	cfg := config.FromEnv()
	logger := logging.New("harborsync-dlq-monitor")
	port := os.Getenv("DLQ_MONITOR_PORT")
	if port == "" {
		port = ":8084"
	}

	m := newMonitor(logger)
	reg := prometheus.NewRegistry()
	m.register(reg)

	consumer, err := nsq.NewConsumer(cfg.NSQ.DLQTopic, channel, nsq.NewConfig())
	if err != nil {
		logger.Plain().WithError(err).Fatal("nsq consumer creation failed")
	}
	consumer.AddHandler(nsq.HandlerFunc(func(msg *nsq.Message) error {
		return m.handle(msg.Body)
	}))
	if err := consumer.ConnectToNSQD(cfg.NSQ.NsqdTCPAddr); err != nil {
		logger.Plain().WithError(err).Fatal("connect to nsqd failed")
	}

	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{}))
	mux.HandleFunc("/health", func(w http.ResponseWriter, r *http.Request) {
		if consumer.Stats().Connections == 0 {
			w.WriteHeader(http.StatusServiceUnavailable)
			fmt.Fprintln(w, "nsqd disconnected")
			return
		}
		fmt.Fprintln(w, "OK")
	})
	srv := &http.Server{Addr: port, Handler: mux}
	go func() {
		logger.Plain().WithFields(map[string]any{
			"addr":  port,
			"topic": cfg.NSQ.DLQTopic,
			"nsqd":  cfg.NSQ.NsqdTCPAddr,
		}).Info("dlq-monitor starting")
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Plain().WithError(err).Fatal("dlq-monitor HTTP server failed")
		}
	}()

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, syscall.SIGTERM, syscall.SIGINT)
	<-stop

	consumer.Stop()
	<-consumer.StopChan
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	_ = srv.Shutdown(ctx)
	logger.Plain().Info("dlq-monitor stopped")
}
