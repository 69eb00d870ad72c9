package main

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/austindbirch/harbor_sync/internal/auth"
	"github.com/austindbirch/harbor_sync/internal/config"
	"github.com/austindbirch/harbor_sync/internal/content"
	"github.com/austindbirch/harbor_sync/internal/health"
	"github.com/austindbirch/harbor_sync/internal/logging"
	"github.com/austindbirch/harbor_sync/internal/payload"
	"github.com/austindbirch/harbor_sync/internal/receiver"
)

func TestNewHandlerRejectsUnknownStrategy(t *testing.T) {
	_, err := newHandler(config.Receiver{MatchStrategy: "guid"}, content.NewMemoryStore(), config.Static{}, logging.Discard())
	if err == nil {
		t.Fatal("newHandler(guid) error = nil, want error")
	}
}

func TestMuxRoutes(t *testing.T) {
	const secret = "peer-secret"
	store := content.NewMemoryStore()
	creds := config.Static{Credentials: []auth.Credential{{ID: "node-a", Secret: secret}}}
	h, err := newHandler(config.Receiver{MatchStrategy: "slug", MediaMaxBytes: 1 << 20, MediaFetchTimeout: time.Second}, store, creds, logging.Discard())
	if err != nil {
		t.Fatalf("newHandler() error = %v", err)
	}
	mux := newMux(h, map[string]health.Pinger{"content": store}, prometheus.NewRegistry())

	t.Run("healthz", func(t *testing.T) {
		rec := httptest.NewRecorder()
		mux.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/healthz", nil))
		if rec.Code != http.StatusOK {
			t.Errorf("GET /healthz = %d, want 200", rec.Code)
		}
	})

	t.Run("metrics", func(t *testing.T) {
		rec := httptest.NewRecorder()
		mux.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
		if rec.Code != http.StatusOK {
			t.Errorf("GET /metrics = %d, want 200", rec.Code)
		}
	})

	t.Run("sync creates entity", func(t *testing.T) {
		modified := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
		p := payload.Payload{Post: payload.Post{
			ID:         9,
			Type:       "post",
			Slug:       "from-mux",
			Title:      "From mux",
			Status:     content.StatusPublish,
			ModifiedAt: modified,
		}}
		body, err := json.Marshal(p)
		if err != nil {
			t.Fatalf("Marshal() error = %v", err)
		}
		token, err := auth.MintToken(secret, "node-a", time.Minute, time.Now())
		if err != nil {
			t.Fatalf("MintToken() error = %v", err)
		}
		req := httptest.NewRequest(http.MethodPost, "/sync", bytes.NewReader(body))
		req.Header.Set("Authorization", "Bearer "+token)
		req.Header.Set(auth.SignatureHeader, auth.SignPayload(p.Post.ID, modified, secret))

		rec := httptest.NewRecorder()
		mux.ServeHTTP(rec, req)
		if rec.Code != http.StatusCreated {
			t.Fatalf("POST /sync = %d, want 201; body %s", rec.Code, rec.Body.String())
		}
		var reply receiver.Reply
		if err := json.Unmarshal(rec.Body.Bytes(), &reply); err != nil {
			t.Fatalf("Unmarshal() error = %v", err)
		}
		if !reply.Success || reply.ID == 0 {
			t.Errorf("reply = %+v, want success with id", reply)
		}
		if _, err := store.FindBySlug(req.Context(), "post", "from-mux"); err != nil {
			t.Errorf("FindBySlug() error = %v", err)
		}
	})
}
