// Package ingest exposes the entity-changed event endpoint the content
// side calls after a save.
package ingest

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"

	"github.com/go-playground/validator/v10"
	"go.opentelemetry.io/otel/attribute"

	"github.com/austindbirch/harbor_sync/internal/auth"
	"github.com/austindbirch/harbor_sync/internal/content"
	"github.com/austindbirch/harbor_sync/internal/logging"
	"github.com/austindbirch/harbor_sync/internal/tracing"
)

const maxEventBytes = 64 << 10

// Enqueuer records replication work for an event and reports how many new
// jobs it created. It must not perform network I/O.
type Enqueuer interface {
	Enqueue(ctx context.Context, ev content.Event) (int, error)
}

type Server struct {
	enqueuer Enqueuer
	logger   *logging.Logger
	validate *validator.Validate
}

// NewServer inits and returns a new Server around enq
func NewServer(enq Enqueuer, logger *logging.Logger) *Server {
	if logger == nil {
		logger = logging.Default()
	}
	return &Server{enqueuer: enq, logger: logger, validate: validator.New()}
}

// Handler returns the routes, protected by a bearer token signed with
// secret.
func (s *Server) Handler(secret string) http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /v1/ping", s.Ping)
	mux.HandleFunc("POST /v1/events", s.PublishEvent)
	return auth.HTTPMiddleware(secret, mux)
}

// PingResponse is the body returned by Ping
type PingResponse struct {
	Message string `json:"message"`
}

// Ping answers "pong" so callers can check credentials end to end
func (s *Server) Ping(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, PingResponse{Message: "pong"})
}

// PublishEventResponse is the body returned by PublishEvent
type PublishEventResponse struct {
	EntityID int64  `json:"entity_id"`
	Enqueued int    `json:"enqueued"`
	Message  string `json:"message,omitempty"`
}

// PublishEvent accepts an entity-changed event and queues replication jobs
// for it. It answers 202 as soon as the jobs are durable.
func (s *Server) PublishEvent(w http.ResponseWriter, r *http.Request) {
	ctx, span := tracing.StartSpan(tracing.ExtractHTTP(r.Context(), r.Header), "ingest.publish_event")
	defer span.End()

	var ev content.Event
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxEventBytes))
	if err := dec.Decode(&ev); err != nil {
		tracing.SetSpanError(ctx, err)
		writeJSON(w, http.StatusBadRequest, PublishEventResponse{Message: "invalid event: " + err.Error()})
		return
	}
	if err := s.validate.Struct(ev); err != nil {
		var verrs validator.ValidationErrors
		msg := err.Error()
		if errors.As(err, &verrs) && len(verrs) > 0 {
			msg = verrs[0].Field() + " failed " + verrs[0].Tag()
		}
		writeJSON(w, http.StatusUnprocessableEntity, PublishEventResponse{EntityID: ev.EntityID, Message: msg})
		return
	}
	span.SetAttributes(
		attribute.Int64("entity.id", ev.EntityID),
		attribute.String("entity.status", ev.Status),
	)

	n, err := s.enqueuer.Enqueue(ctx, ev)
	if err != nil {
		tracing.SetSpanError(ctx, err)
		s.logger.WithContext(ctx).WithEntity(ev.EntityID).WithError(err).Error("enqueue failed")
		writeJSON(w, http.StatusInternalServerError, PublishEventResponse{EntityID: ev.EntityID, Message: err.Error()})
		return
	}

	issuer, _ := auth.IssuerFromContext(ctx)
	s.logger.WithContext(ctx).WithEntity(ev.EntityID).WithFields(map[string]any{
		"enqueued": n,
		"issuer":   issuer,
	}).Info("entity change received")
	writeJSON(w, http.StatusAccepted, PublishEventResponse{EntityID: ev.EntityID, Enqueued: n})
}

func writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}
