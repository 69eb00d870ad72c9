// fake-target is a stand-in remote site for local runs and demos. It
// accepts replication pushes, hands out stable remote ids and can be told
// to fail its first N requests.
package main

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/austindbirch/harbor_sync/internal/auth"
	"github.com/austindbirch/harbor_sync/internal/config"
	"github.com/austindbirch/harbor_sync/internal/logging"
	"github.com/austindbirch/harbor_sync/internal/payload"
)

const maxBody = 32 << 20

type reply struct {
	Success bool   `json:"success"`
	ID      int64  `json:"id,omitempty"`
	Message string `json:"message,omitempty"`
}

type target struct {
	cfg    config.FakeTarget
	logger *logging.Logger

	reqCount atomic.Int64

	mu     sync.Mutex
	nextID int64
	posts  map[int64]int64 // source post id -> remote id
}

func newTarget(cfg config.FakeTarget, logger *logging.Logger) *target {
	return &target{cfg: cfg, logger: logger, posts: make(map[int64]int64)}
}

func main() {
	cfg := config.FromEnv()
	logger := logging.New("fake-target")

	t := newTarget(cfg.FakeTarget, logger)
	logger.Plain().WithFields(map[string]any{
		"addr":         cfg.FakeTarget.Port,
		"fail_first_n": cfg.FakeTarget.FailFirstN,
		"verify":       cfg.FakeTarget.Secret != "",
	}).Info("fake-target listening")
	if err := http.ListenAndServe(cfg.FakeTarget.Port, t.routes()); err != nil {
		logger.Plain().WithError(err).Fatal("fake-target stopped")
	}
}

func (t *target) routes() *http.ServeMux {
	mux := http.NewServeMux()
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, _ *http.Request) { _, _ = w.Write([]byte(`{"ok":true}`)) })
	mux.HandleFunc("POST /sync", t.handleSync)
	mux.HandleFunc("PUT /sync/{id}", t.handleSync)
	mux.HandleFunc("POST /media", t.handleMedia)
	return mux
}

// admit applies the configured delay and flakiness. It returns false when
// the request was already answered.
func (t *target) admit(w http.ResponseWriter, r *http.Request, body []byte) bool {
	n := t.reqCount.Add(1)
	if t.cfg.ResponseDelayMS > 0 {
		time.Sleep(time.Duration(t.cfg.ResponseDelayMS) * time.Millisecond)
	}
	if n <= int64(t.cfg.FailFirstN) {
		t.logger.Plain().WithFields(map[string]any{
			"request": n,
			"path":    r.URL.Path,
			"body":    truncate(string(body), 160),
		}).Warnf("FAILING (%d/%d)", n, t.cfg.FailFirstN)
		writeReply(w, http.StatusInternalServerError, reply{Message: "temporary failure"})
		return false
	}
	if t.cfg.Secret == "" {
		return true
	}
	token, err := auth.BearerToken(r)
	if err == nil {
		_, err = auth.VerifyToken(token, t.cfg.Secret, time.Now())
	}
	if err != nil {
		t.logger.Plain().WithError(err).Warn("fake-target rejected token")
		writeReply(w, http.StatusUnauthorized, reply{Message: "invalid token: " + err.Error()})
		return false
	}
	return true
}

func (t *target) handleSync(w http.ResponseWriter, r *http.Request) {
	body, _ := io.ReadAll(io.LimitReader(r.Body, maxBody))
	defer r.Body.Close()

	if !t.admit(w, r, body) {
		return
	}

	var p payload.Payload
	dec := json.NewDecoder(bytes.NewReader(body))
	dec.UseNumber()
	if err := dec.Decode(&p); err != nil {
		writeReply(w, http.StatusBadRequest, reply{Message: "invalid payload: " + err.Error()})
		return
	}
	if p.HasLoopGuard() {
		writeReply(w, http.StatusBadRequest, reply{Message: "replication loop detected"})
		return
	}
	if t.cfg.Secret != "" {
		if err := auth.VerifySignature(p.Post.ID, p.Post.ModifiedAt, t.cfg.Secret, r.Header.Get(auth.SignatureHeader)); err != nil {
			writeReply(w, http.StatusUnauthorized, reply{Message: "invalid signature"})
			return
		}
	}

	id, created := t.remoteID(p.Post.ID, r.PathValue("id"))
	status := http.StatusOK
	if created {
		status = http.StatusCreated
	}
	t.logger.Plain().WithFields(map[string]any{
		"method":    r.Method,
		"source_id": p.Post.ID,
		"remote_id": id,
		"title":     truncate(p.Post.Title, 60),
	}).Info("fake-target OK")
	writeReply(w, status, reply{Success: true, ID: id})
}

// remoteID returns the id for a source post, reusing the one in the path
// or the one handed out earlier.
func (t *target) remoteID(sourceID int64, pathID string) (int64, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if id, err := strconv.ParseInt(pathID, 10, 64); err == nil && id > 0 {
		t.posts[sourceID] = id
		return id, false
	}
	if id, ok := t.posts[sourceID]; ok {
		return id, false
	}
	t.nextID++
	t.posts[sourceID] = t.nextID
	return t.nextID, true
}

func (t *target) handleMedia(w http.ResponseWriter, r *http.Request) {
	body, _ := io.ReadAll(io.LimitReader(r.Body, maxBody))
	defer r.Body.Close()

	if !t.admit(w, r, body) {
		return
	}
	if len(body) == 0 {
		writeReply(w, http.StatusBadRequest, reply{Message: "empty media body"})
		return
	}

	t.mu.Lock()
	t.nextID++
	id := t.nextID
	t.mu.Unlock()

	t.logger.Plain().WithFields(map[string]any{
		"remote_id":    id,
		"bytes":        len(body),
		"content_type": r.Header.Get("Content-Type"),
	}).Info("fake-target media OK")
	writeReply(w, http.StatusCreated, reply{Success: true, ID: id})
}

func writeReply(w http.ResponseWriter, status int, rep reply) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(rep)
}

// truncate truncates a string to the specified length and adds an ellipsis if truncated
func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return fmt.Sprintf("%s...", s[:n])
}
