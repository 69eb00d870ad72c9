package dispatch

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/austindbirch/harbor_sync/internal/auth"
	"github.com/austindbirch/harbor_sync/internal/config"
	"github.com/austindbirch/harbor_sync/internal/content"
	"github.com/austindbirch/harbor_sync/internal/delivery"
	"github.com/austindbirch/harbor_sync/internal/logging"
	"github.com/austindbirch/harbor_sync/internal/payload"
	"github.com/austindbirch/harbor_sync/internal/queue"
	"github.com/austindbirch/harbor_sync/internal/syncerr"
)

const testSecret = "s3cret"

type testClock struct {
	mu sync.Mutex
	t  time.Time
}

func (c *testClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *testClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.t = c.t.Add(d)
	c.mu.Unlock()
}

type recordingPublisher struct {
	mu      sync.Mutex
	letters []delivery.DeadLetter
}

func (p *recordingPublisher) PublishDeadLetter(ctx context.Context, dl delivery.DeadLetter) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.letters = append(p.letters, dl)
	return nil
}

func (p *recordingPublisher) Stop() {}

type request struct {
	Method string
	Path   string
	Header http.Header
	Body   []byte
}

// fakeTarget records requests and answers like a receiver. respond may
// override the answer for the nth request (1-based).
type fakeTarget struct {
	mu       sync.Mutex
	requests []request
	nextID   int
	respond  func(w http.ResponseWriter, n int) bool
}

func (f *fakeTarget) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	body, _ := io.ReadAll(r.Body)
	f.mu.Lock()
	f.requests = append(f.requests, request{Method: r.Method, Path: r.URL.Path, Header: r.Header.Clone(), Body: body})
	n := len(f.requests)
	f.mu.Unlock()

	if f.respond != nil && f.respond(w, n) {
		return
	}

	w.Header().Set("Content-Type", "application/json")
	switch {
	case r.Method == http.MethodPut:
		id := strings.TrimPrefix(r.URL.Path, SyncPath+"/")
		fmt.Fprintf(w, `{"success":true,"id":%s}`, id)
	default:
		f.mu.Lock()
		f.nextID++
		id := 100 + f.nextID
		f.mu.Unlock()
		w.WriteHeader(http.StatusCreated)
		fmt.Fprintf(w, `{"success":true,"id":%d}`, id)
	}
}

func (f *fakeTarget) all() []request {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]request(nil), f.requests...)
}

// failingTransport returns a network error for the first n requests.
type failingTransport struct {
	mu    sync.Mutex
	n     int
	inner http.RoundTripper
}

func (t *failingTransport) RoundTrip(r *http.Request) (*http.Response, error) {
	t.mu.Lock()
	if t.n > 0 {
		t.n--
		t.mu.Unlock()
		return nil, errors.New("connection refused")
	}
	t.mu.Unlock()
	return t.inner.RoundTrip(r)
}

type harness struct {
	d      *Dispatcher
	store  *content.MemoryStore
	queue  queue.Store
	clock  *testClock
	dlq    *recordingPublisher
	logs   *bytes.Buffer
	target *fakeTarget
	server *httptest.Server
}

func newHarness(t *testing.T, transport func(http.RoundTripper) http.RoundTripper, targets ...config.Target) *harness {
	t.Helper()
	ctx := context.Background()

	ft := &fakeTarget{}
	srv := httptest.NewServer(ft)
	t.Cleanup(srv.Close)

	if len(targets) == 0 {
		targets = []config.Target{{ID: "site-b", Secret: testSecret}}
	}
	for i := range targets {
		if targets[i].BaseURL == "" {
			targets[i].BaseURL = srv.URL
		}
	}

	q, err := queue.OpenSQLite(ctx, filepath.Join(t.TempDir(), "queue.db"), queue.Options{BaseDelay: 300 * time.Second})
	if err != nil {
		t.Fatalf("OpenSQLite() error = %v", err)
	}
	t.Cleanup(func() { q.Close() })

	store := content.NewMemoryStore()
	builder, err := payload.NewBuilder(store, "https://source.example.com")
	if err != nil {
		t.Fatalf("NewBuilder() error = %v", err)
	}

	client := srv.Client()
	if transport != nil {
		client.Transport = transport(client.Transport)
	}

	h := &harness{
		store:  store,
		queue:  q,
		clock:  &testClock{t: time.Now().UTC().Truncate(time.Second)},
		dlq:    &recordingPublisher{},
		logs:   &bytes.Buffer{},
		target: ft,
		server: srv,
	}
	h.d = New(Deps{
		Queue:       q,
		Source:      store,
		Settings:    config.Static{AutoSync: true, Targets: targets},
		Builder:     builder,
		Client:      client,
		DeadLetters: h.dlq,
		Logger:      logging.NewWithWriter("dispatch-test", h.logs),
		Clock:       h.clock.Now,
	}, Options{NodeID: "node-a", TokenTTL: time.Hour})
	return h
}

func (h *harness) createPost(t *testing.T, slug string) *content.Entity {
	t.Helper()
	id, err := h.store.CreateEntity(context.Background(), &content.Entity{
		Type:       "post",
		Slug:       slug,
		Title:      "Post " + slug,
		Content:    "<p>body</p>",
		Status:     content.StatusPublish,
		ModifiedAt: h.clock.Now(),
	})
	if err != nil {
		t.Fatalf("CreateEntity() error = %v", err)
	}
	e, err := h.store.Entity(context.Background(), id)
	if err != nil {
		t.Fatalf("Entity() error = %v", err)
	}
	return e
}

func (h *harness) changed(t *testing.T, e *content.Entity) int {
	t.Helper()
	n, err := h.d.Enqueue(context.Background(), content.Event{
		EntityID:   e.ID,
		EntityType: e.Type,
		Status:     e.Status,
		Categories: e.Categories,
	})
	if err != nil {
		t.Fatalf("Enqueue() error = %v", err)
	}
	return n
}

func (h *harness) depth(t *testing.T) int {
	t.Helper()
	n, err := h.queue.Depth(context.Background())
	if err != nil {
		t.Fatalf("Depth() error = %v", err)
	}
	return n
}

func (h *harness) record(t *testing.T, entityID int64, targetID string) (content.SyncRecord, bool) {
	t.Helper()
	e, err := h.store.Entity(context.Background(), entityID)
	if err != nil {
		t.Fatalf("Entity() error = %v", err)
	}
	return content.LoadSyncRecord(e, targetID)
}

func TestEnqueue(t *testing.T) {
	tests := []struct {
		name     string
		settings config.Static
		event    content.Event
		want     int
	}{
		{
			name:     "published entity fans out to every target",
			settings: config.Static{AutoSync: true, Targets: []config.Target{{ID: "a"}, {ID: "b"}}},
			event:    content.Event{EntityID: 1, Status: content.StatusPublish, Categories: []int64{}},
			want:     2,
		},
		{
			name:     "draft is ignored",
			settings: config.Static{AutoSync: true, Targets: []config.Target{{ID: "a"}}},
			event:    content.Event{EntityID: 1, Status: "draft", Categories: []int64{}},
			want:     0,
		},
		{
			name:     "auto sync disabled",
			settings: config.Static{AutoSync: false, Targets: []config.Target{{ID: "a"}}},
			event:    content.Event{EntityID: 1, Status: content.StatusPublish, Categories: []int64{}},
			want:     0,
		},
		{
			name: "excluded category skips target",
			settings: config.Static{AutoSync: true, Targets: []config.Target{
				{ID: "a", ExcludedCategories: []int64{7}},
				{ID: "b", ExcludedCategories: []int64{8}},
			}},
			event: content.Event{EntityID: 1, Status: content.StatusPublish, Categories: []int64{7}},
			want:  1,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			q, err := queue.OpenSQLite(context.Background(), filepath.Join(t.TempDir(), "q.db"), queue.Options{})
			if err != nil {
				t.Fatalf("OpenSQLite() error = %v", err)
			}
			defer q.Close()
			d := New(Deps{Queue: q, Source: content.NewMemoryStore(), Settings: tt.settings, Logger: logging.Discard()}, Options{})

			got, err := d.Enqueue(context.Background(), tt.event)
			if err != nil {
				t.Fatalf("Enqueue() error = %v", err)
			}
			if got != tt.want {
				t.Errorf("Enqueue() = %d, want %d", got, tt.want)
			}
			if err := d.OnEntityChanged(context.Background(), tt.event); err != nil {
				t.Fatalf("OnEntityChanged() error = %v", err)
			}
			depth, _ := q.Depth(context.Background())
			if depth != tt.want {
				t.Errorf("queue depth after duplicate event = %d, want %d", depth, tt.want)
			}
		})
	}
}

func TestEnqueueLoadsCategoriesWhenMissing(t *testing.T) {
	h := newHarness(t, nil, config.Target{ID: "site-b", Secret: testSecret, ExcludedCategories: nil})
	ctx := context.Background()
	e := h.createPost(t, "cats")
	termID, err := h.store.CreateTerm(ctx, &content.Term{Taxonomy: content.CategoryTaxonomy, Name: "News", Slug: "news"})
	if err != nil {
		t.Fatalf("CreateTerm() error = %v", err)
	}
	if err := h.store.SetEntityTerms(ctx, e.ID, content.CategoryTaxonomy, []int64{termID}); err != nil {
		t.Fatalf("SetEntityTerms() error = %v", err)
	}

	h.d.settings = config.Static{AutoSync: true, Targets: []config.Target{
		{ID: "site-b", BaseURL: h.server.URL, Secret: testSecret, ExcludedCategories: []int64{termID}},
	}}
	n, err := h.d.Enqueue(ctx, content.Event{EntityID: e.ID, Status: content.StatusPublish})
	if err != nil {
		t.Fatalf("Enqueue() error = %v", err)
	}
	if n != 0 {
		t.Errorf("Enqueue() = %d, want 0 for excluded category loaded from store", n)
	}
}

func TestEnqueueHonorsSelectedTargets(t *testing.T) {
	targets := []config.Target{{ID: "a"}, {ID: "b"}, {ID: "c"}}
	tests := []struct {
		name      string
		selection any // entity metadata, nil for none
		event     []string
		want      int
	}{
		{name: "no selection fans out", want: 3},
		{name: "entity selection", selection: []string{"a", "c"}, want: 2},
		{name: "unknown ids are ignored", selection: []string{"b", "gone"}, want: 1},
		{name: "empty selection queues nothing", selection: []string{}, want: 0},
		{name: "event overrides entity", selection: []string{"a"}, event: []string{"b", "c"}, want: 2},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ctx := context.Background()
			q, err := queue.OpenSQLite(ctx, filepath.Join(t.TempDir(), "q.db"), queue.Options{})
			if err != nil {
				t.Fatalf("OpenSQLite() error = %v", err)
			}
			defer q.Close()
			store := content.NewMemoryStore()
			e := &content.Entity{Type: "post", Slug: "pick", Title: "Pick", Status: content.StatusPublish, Meta: map[string]any{}}
			if tt.selection != nil {
				e.Meta[content.TargetsKey] = tt.selection
			}
			id, err := store.CreateEntity(ctx, e)
			if err != nil {
				t.Fatalf("CreateEntity() error = %v", err)
			}
			d := New(Deps{Queue: q, Source: store, Settings: config.Static{AutoSync: true, Targets: targets}, Logger: logging.Discard()}, Options{})

			got, err := d.Enqueue(ctx, content.Event{EntityID: id, Status: content.StatusPublish, Targets: tt.event})
			if err != nil {
				t.Fatalf("Enqueue() error = %v", err)
			}
			if got != tt.want {
				t.Errorf("Enqueue() = %d, want %d", got, tt.want)
			}
		})
	}
}

func TestEntityFromPeerIsNotReplicated(t *testing.T) {
	h := newHarness(t, nil)
	ctx := context.Background()
	e := h.createPost(t, "from-peer")
	if err := h.store.SetMeta(ctx, e.ID, map[string]any{content.OriginKey: "node-c"}); err != nil {
		t.Fatalf("SetMeta() error = %v", err)
	}

	if n := h.changed(t, e); n != 0 {
		t.Errorf("Enqueue() = %d, want 0 for an entity received from a peer", n)
	}

	// A job queued before the entity was overwritten by a peer is skipped.
	if _, _, err := h.queue.Enqueue(ctx, e.ID, "site-b", h.clock.Now()); err != nil {
		t.Fatalf("Enqueue() error = %v", err)
	}
	sum, err := h.d.Tick(ctx)
	if err != nil {
		t.Fatalf("Tick() error = %v", err)
	}
	if sum.Dropped != 1 || sum.Failed != 0 || sum.Retried != 0 {
		t.Errorf("Tick() = %+v, want one dropped job", sum)
	}
	if got := len(h.target.all()); got != 0 {
		t.Errorf("target got %d requests, want 0", got)
	}
	if got := len(h.dlq.letters); got != 0 {
		t.Errorf("dead letters = %d, want 0", got)
	}
	if h.depth(t) != 0 {
		t.Errorf("queue depth = %d, want 0", h.depth(t))
	}

	out, err := h.d.SyncNow(ctx, e.ID, "site-b")
	if !errors.Is(err, syncerr.ErrLoopDetected) || out.Kind != Permanent {
		t.Errorf("SyncNow() = %+v, %v, want permanent loop error", out, err)
	}
	if got := len(h.target.all()); got != 0 {
		t.Errorf("target got %d requests after SyncNow, want 0", got)
	}
}

func TestTickSuccess(t *testing.T) {
	h := newHarness(t, nil)
	e := h.createPost(t, "hello")
	h.changed(t, e)

	sum, err := h.d.Tick(context.Background())
	if err != nil {
		t.Fatalf("Tick() error = %v", err)
	}
	if sum.Claimed != 1 || sum.Succeeded != 1 {
		t.Errorf("Tick() = %+v, want one success", sum)
	}
	if h.depth(t) != 0 {
		t.Errorf("queue depth = %d, want 0", h.depth(t))
	}

	reqs := h.target.all()
	if len(reqs) != 1 {
		t.Fatalf("target got %d requests, want 1", len(reqs))
	}
	req := reqs[0]
	if req.Method != http.MethodPost || req.Path != SyncPath {
		t.Errorf("request = %s %s, want POST %s", req.Method, req.Path, SyncPath)
	}

	token := strings.TrimPrefix(req.Header.Get("Authorization"), "Bearer ")
	claims, err := auth.VerifyToken(token, testSecret, h.clock.Now())
	if err != nil {
		t.Fatalf("VerifyToken() error = %v", err)
	}
	if claims.Issuer != "node-a" {
		t.Errorf("token issuer = %q, want node-a", claims.Issuer)
	}
	if err := auth.VerifySignature(e.ID, e.ModifiedAt, testSecret, req.Header.Get(auth.SignatureHeader)); err != nil {
		t.Errorf("VerifySignature() error = %v", err)
	}

	var p payload.Payload
	if err := json.Unmarshal(req.Body, &p); err != nil {
		t.Fatalf("Unmarshal(payload) error = %v", err)
	}
	if p.Post.ID != e.ID || p.Post.Slug != "hello" {
		t.Errorf("payload post = %+v", p.Post)
	}

	rec, ok := h.record(t, e.ID, "site-b")
	if !ok || rec.RemoteID != "101" || rec.Status != content.SyncSuccess {
		t.Errorf("sync record = %+v (found %v), want remote id 101 success", rec, ok)
	}
}

func TestTickNetworkFailsTwiceThenSucceeds(t *testing.T) {
	ft := &failingTransport{n: 2}
	h := newHarness(t, func(inner http.RoundTripper) http.RoundTripper {
		ft.inner = inner
		return ft
	})
	e := h.createPost(t, "flaky")
	h.changed(t, e)

	wants := []Summary{
		{Claimed: 1, Retried: 1},
		{Claimed: 1, Retried: 1},
		{Claimed: 1, Succeeded: 1},
	}
	for i, want := range wants {
		sum, err := h.d.Tick(context.Background())
		if err != nil {
			t.Fatalf("Tick() #%d error = %v", i+1, err)
		}
		if sum != want {
			t.Errorf("Tick() #%d = %+v, want %+v", i+1, sum, want)
		}
		h.clock.Advance(time.Hour)
	}

	if h.depth(t) != 0 {
		t.Errorf("queue depth = %d, want 0", h.depth(t))
	}
	if rec, _ := h.record(t, e.ID, "site-b"); rec.Status != content.SyncSuccess {
		t.Errorf("sync record status = %q, want success", rec.Status)
	}
	if len(h.dlq.letters) != 0 {
		t.Errorf("dead letters = %d, want 0", len(h.dlq.letters))
	}
}

func TestTickRetryWaitsForBackoff(t *testing.T) {
	ft := &failingTransport{n: 1}
	h := newHarness(t, func(inner http.RoundTripper) http.RoundTripper {
		ft.inner = inner
		return ft
	})
	h.changed(t, h.createPost(t, "later"))

	if _, err := h.d.Tick(context.Background()); err != nil {
		t.Fatalf("Tick() error = %v", err)
	}
	h.clock.Advance(time.Minute)
	sum, err := h.d.Tick(context.Background())
	if err != nil {
		t.Fatalf("Tick() error = %v", err)
	}
	if sum.Claimed != 0 {
		t.Errorf("Tick() before backoff elapsed claimed %d jobs, want 0", sum.Claimed)
	}
}

func TestTickServerErrorEveryAttempt(t *testing.T) {
	h := newHarness(t, nil)
	h.target.respond = func(w http.ResponseWriter, n int) bool {
		w.WriteHeader(http.StatusInternalServerError)
		_, _ = w.Write([]byte(`{"success":false,"message":"boom"}`))
		return true
	}
	e := h.createPost(t, "doomed")
	h.changed(t, e)

	for i := 0; i < DefaultMaxRetries; i++ {
		if _, err := h.d.Tick(context.Background()); err != nil {
			t.Fatalf("Tick() #%d error = %v", i+1, err)
		}
		h.clock.Advance(24 * time.Hour)
	}

	if got := len(h.target.all()); got != DefaultMaxRetries {
		t.Errorf("target got %d requests, want %d", got, DefaultMaxRetries)
	}
	if h.depth(t) != 0 {
		t.Errorf("queue depth = %d, want 0 after permanent failure", h.depth(t))
	}
	if !strings.Contains(h.logs.String(), "replication permanently failed") {
		t.Errorf("logs missing permanent failure entry:\n%s", h.logs.String())
	}
	if len(h.dlq.letters) != 1 {
		t.Fatalf("dead letters = %d, want 1", len(h.dlq.letters))
	}
	dl := h.dlq.letters[0]
	if dl.Reason != "max_retries" || dl.HTTPStatus != http.StatusInternalServerError || dl.Attempt != DefaultMaxRetries {
		t.Errorf("dead letter = %+v", dl)
	}
	if rec, _ := h.record(t, e.ID, "site-b"); rec.Status != content.SyncFailed {
		t.Errorf("sync record status = %q, want failed", rec.Status)
	}

	sum, err := h.d.Tick(context.Background())
	if err != nil {
		t.Fatalf("Tick() error = %v", err)
	}
	if sum.Claimed != 0 {
		t.Errorf("Tick() after permanent failure claimed %d, want 0", sum.Claimed)
	}
}

func TestExecuteRequiresSuccessFlag(t *testing.T) {
	tests := []struct {
		name   string
		status int
		body   string
		want   OutcomeKind
	}{
		{name: "created with success", status: http.StatusCreated, body: `{"success":true,"id":5}`, want: Success},
		{name: "ok with success", status: http.StatusOK, body: `{"success":true,"id":5}`, want: Success},
		{name: "string id", status: http.StatusCreated, body: `{"success":true,"id":"a1b2-c3"}`, want: Success},
		{name: "no id", status: http.StatusOK, body: `{"success":true}`, want: Success},
		{name: "object id", status: http.StatusCreated, body: `{"success":true,"id":{"n":1}}`, want: Retryable},
		{name: "success false", status: http.StatusOK, body: `{"success":false}`, want: Retryable},
		{name: "success missing", status: http.StatusOK, body: `{"id":5}`, want: Retryable},
		{name: "empty body", status: http.StatusCreated, body: ``, want: Retryable},
		{name: "accepted is not success", status: http.StatusAccepted, body: `{"success":true}`, want: Retryable},
		{name: "unauthorized", status: http.StatusUnauthorized, body: `{"success":false,"message":"bad token"}`, want: Retryable},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := newHarness(t, nil)
			h.target.respond = func(w http.ResponseWriter, n int) bool {
				w.WriteHeader(tt.status)
				_, _ = w.Write([]byte(tt.body))
				return true
			}
			e := h.createPost(t, "flag")
			target, _ := config.Settings(h.d.settings.(config.Static)).Target("site-b")

			out := h.d.Execute(context.Background(), target, e)
			if out.Kind != tt.want {
				t.Errorf("Execute() kind = %v, want %v (err %v)", out.Kind, tt.want, out.Err)
			}
			if out.Status != tt.status {
				t.Errorf("Execute() status = %d, want %d", out.Status, tt.status)
			}
			if tt.want != Success && !errors.Is(out.Err, syncerr.ErrRemote) {
				t.Errorf("Execute() error = %v, want RemoteError", out.Err)
			}
		})
	}
}

func TestExecuteNetworkError(t *testing.T) {
	h := newHarness(t, func(inner http.RoundTripper) http.RoundTripper {
		return &failingTransport{n: 1, inner: inner}
	})
	e := h.createPost(t, "net")
	target := config.Target{ID: "site-b", BaseURL: h.server.URL, Secret: testSecret}

	out := h.d.Execute(context.Background(), target, e)
	if out.Kind != Retryable || !errors.Is(out.Err, syncerr.ErrNetwork) {
		t.Errorf("Execute() = %+v, want retryable NetworkError", out)
	}
}

func TestIdempotentSyncUsesRemoteID(t *testing.T) {
	h := newHarness(t, nil)
	e := h.createPost(t, "twice")

	for i := 0; i < 3; i++ {
		h.changed(t, e)
		if _, err := h.d.Tick(context.Background()); err != nil {
			t.Fatalf("Tick() #%d error = %v", i+1, err)
		}
	}

	reqs := h.target.all()
	if len(reqs) != 3 {
		t.Fatalf("target got %d requests, want 3", len(reqs))
	}
	if reqs[0].Method != http.MethodPost {
		t.Errorf("first request = %s, want POST", reqs[0].Method)
	}
	for _, r := range reqs[1:] {
		if r.Method != http.MethodPut || r.Path != SyncPath+"/101" {
			t.Errorf("follow-up request = %s %s, want PUT %s/101", r.Method, r.Path, SyncPath)
		}
	}
	if rec, _ := h.record(t, e.ID, "site-b"); rec.RemoteID != "101" {
		t.Errorf("remote id = %q, want 101", rec.RemoteID)
	}
}

func TestStringRemoteIDReusedForUpdate(t *testing.T) {
	h := newHarness(t, nil)
	h.target.respond = func(w http.ResponseWriter, n int) bool {
		w.Header().Set("Content-Type", "application/json")
		if n == 1 {
			w.WriteHeader(http.StatusCreated)
		}
		_, _ = w.Write([]byte(`{"success":true,"id":"a1b2-c3"}`))
		return true
	}
	e := h.createPost(t, "uuid-target")

	for i := 0; i < 2; i++ {
		h.changed(t, e)
		sum, err := h.d.Tick(context.Background())
		if err != nil || sum.Succeeded != 1 {
			t.Fatalf("Tick() #%d = %+v, %v, want one success", i+1, sum, err)
		}
	}

	reqs := h.target.all()
	if len(reqs) != 2 {
		t.Fatalf("target got %d requests, want 2", len(reqs))
	}
	if reqs[0].Method != http.MethodPost {
		t.Errorf("first request = %s, want POST", reqs[0].Method)
	}
	if reqs[1].Method != http.MethodPut || reqs[1].Path != SyncPath+"/a1b2-c3" {
		t.Errorf("second request = %s %s, want PUT %s/a1b2-c3", reqs[1].Method, reqs[1].Path, SyncPath)
	}
	if rec, _ := h.record(t, e.ID, "site-b"); rec.RemoteID != "a1b2-c3" || rec.Status != content.SyncSuccess {
		t.Errorf("sync record = %+v, want remote id a1b2-c3", rec)
	}
	if got := len(h.dlq.letters); got != 0 {
		t.Errorf("dead letters = %d, want 0", got)
	}
}

func TestResponseRemoteID(t *testing.T) {
	tests := []struct {
		raw     string
		want    string
		wantErr bool
	}{
		{raw: ``, want: ""},
		{raw: `null`, want: ""},
		{raw: `42`, want: "42"},
		{raw: `"42"`, want: "42"},
		{raw: `"a1b2-c3"`, want: "a1b2-c3"},
		{raw: `true`, wantErr: true},
		{raw: `[1]`, wantErr: true},
	}
	for _, tt := range tests {
		t.Run(tt.raw, func(t *testing.T) {
			got, err := response{ID: json.RawMessage(tt.raw)}.remoteID()
			if (err != nil) != tt.wantErr {
				t.Fatalf("remoteID() error = %v, wantErr %v", err, tt.wantErr)
			}
			if got != tt.want {
				t.Errorf("remoteID() = %q, want %q", got, tt.want)
			}
		})
	}
}

func TestTickDropsMissingReferents(t *testing.T) {
	h := newHarness(t, nil)
	ctx := context.Background()
	now := h.clock.Now()

	if _, _, err := h.queue.Enqueue(ctx, 9999, "site-b", now); err != nil {
		t.Fatalf("Enqueue() error = %v", err)
	}
	e := h.createPost(t, "orphan")
	if _, _, err := h.queue.Enqueue(ctx, e.ID, "gone", now); err != nil {
		t.Fatalf("Enqueue() error = %v", err)
	}

	sum, err := h.d.Tick(ctx)
	if err != nil {
		t.Fatalf("Tick() error = %v", err)
	}
	if sum.Dropped != 2 {
		t.Errorf("Tick() = %+v, want 2 dropped", sum)
	}
	if h.depth(t) != 0 {
		t.Errorf("queue depth = %d, want 0", h.depth(t))
	}
	if len(h.target.all()) != 0 {
		t.Error("dropped jobs reached the target")
	}
}

func TestTickReapsExhaustedJobs(t *testing.T) {
	h := newHarness(t, nil)
	ctx := context.Background()
	e := h.createPost(t, "stale")

	job, _, err := h.queue.Enqueue(ctx, e.ID, "site-b", h.clock.Now())
	if err != nil {
		t.Fatalf("Enqueue() error = %v", err)
	}
	// Push the job past the ceiling without the dispatcher seeing it.
	for i := 0; i < DefaultMaxRetries; i++ {
		if _, err := h.queue.Fail(ctx, job.ID, h.clock.Now()); err != nil {
			t.Fatalf("Fail() error = %v", err)
		}
	}

	sum, err := h.d.Tick(ctx)
	if err != nil {
		t.Fatalf("Tick() error = %v", err)
	}
	if sum.Reaped != 1 {
		t.Errorf("Tick() reaped = %d, want 1", sum.Reaped)
	}
	if h.depth(t) != 0 {
		t.Errorf("queue depth = %d, want 0", h.depth(t))
	}
	if len(h.dlq.letters) != 1 {
		t.Errorf("dead letters = %d, want 1", len(h.dlq.letters))
	}
}

func TestPushMediaUploadsOnce(t *testing.T) {
	h := newHarness(t, nil, config.Target{ID: "site-b", Secret: testSecret, PushMedia: true})
	ctx := context.Background()

	mediaID, err := h.store.CreateMedia(ctx, &content.Media{
		URL:      "/uploads/a.png",
		Filename: "a.png",
		MimeType: "image/png",
		Data:     []byte("png-bytes"),
	})
	if err != nil {
		t.Fatalf("CreateMedia() error = %v", err)
	}
	e := h.createPost(t, "with-media")
	e.FeaturedMediaID = mediaID
	if err := h.store.UpdateEntity(ctx, e); err != nil {
		t.Fatalf("UpdateEntity() error = %v", err)
	}

	for i := 0; i < 2; i++ {
		h.changed(t, e)
		if _, err := h.d.Tick(ctx); err != nil {
			t.Fatalf("Tick() error = %v", err)
		}
	}

	var uploads, syncs int
	var last payload.Payload
	for _, r := range h.target.all() {
		switch r.Path {
		case MediaPath:
			uploads++
			if string(r.Body) != "png-bytes" {
				t.Errorf("media body = %q", r.Body)
			}
			if !strings.Contains(r.Header.Get("Content-Disposition"), "a.png") {
				t.Errorf("Content-Disposition = %q", r.Header.Get("Content-Disposition"))
			}
		default:
			syncs++
			if err := json.Unmarshal(r.Body, &last); err != nil {
				t.Fatalf("Unmarshal() error = %v", err)
			}
		}
	}
	if uploads != 1 || syncs != 2 {
		t.Errorf("uploads = %d, syncs = %d, want 1 and 2", uploads, syncs)
	}
	if last.FeaturedMediaID != 101 {
		t.Errorf("featured_media_id = %d, want 101", last.FeaturedMediaID)
	}
	m, _ := h.store.Media(ctx, mediaID)
	if m.Meta[content.RemoteMediaKey("site-b")] != "101" {
		t.Errorf("media meta = %v, want remote id recorded", m.Meta)
	}
}

func TestSyncNow(t *testing.T) {
	h := newHarness(t, nil)
	e := h.createPost(t, "manual")

	out, err := h.d.SyncNow(context.Background(), e.ID, "site-b")
	if err != nil {
		t.Fatalf("SyncNow() error = %v", err)
	}
	if out.Kind != Success || out.RemoteID != "101" {
		t.Errorf("SyncNow() = %+v", out)
	}
	if h.depth(t) != 0 {
		t.Errorf("SyncNow() touched the queue, depth = %d", h.depth(t))
	}

	if _, err := h.d.SyncNow(context.Background(), e.ID, "nope"); !errors.Is(err, syncerr.ErrNotFound) {
		t.Errorf("SyncNow(unknown target) error = %v, want ErrNotFound", err)
	}

	h.target.respond = func(w http.ResponseWriter, n int) bool {
		w.WriteHeader(http.StatusBadGateway)
		return true
	}
	if _, err := h.d.SyncNow(context.Background(), e.ID, "site-b"); !errors.Is(err, syncerr.ErrRemote) {
		t.Errorf("SyncNow() error = %v, want RemoteError", err)
	}
}

func TestRunStopsOnCancel(t *testing.T) {
	h := newHarness(t, nil)
	h.changed(t, h.createPost(t, "run"))

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- h.d.Run(ctx, time.Hour) }()

	deadline := time.After(5 * time.Second)
	for h.depth(t) != 0 {
		select {
		case <-deadline:
			t.Fatal("Run() did not process the queue")
		case <-time.After(10 * time.Millisecond):
		}
	}
	cancel()

	select {
	case err := <-done:
		if err != nil {
			t.Errorf("Run() error = %v", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("Run() did not return after cancel")
	}
}
