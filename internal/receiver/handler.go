// Package receiver is the inbound side of replication: it authenticates
// pushes from peers, refuses content that already came from a peer, and
// creates or updates the local copy.
package receiver

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"html"
	"io"
	"mime"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/microcosm-cc/bluemonday"
	"go.opentelemetry.io/otel/attribute"

	"github.com/austindbirch/harbor_sync/internal/auth"
	"github.com/austindbirch/harbor_sync/internal/config"
	"github.com/austindbirch/harbor_sync/internal/content"
	"github.com/austindbirch/harbor_sync/internal/logging"
	"github.com/austindbirch/harbor_sync/internal/metrics"
	"github.com/austindbirch/harbor_sync/internal/payload"
	"github.com/austindbirch/harbor_sync/internal/syncerr"
	"github.com/austindbirch/harbor_sync/internal/tracing"
)

const DefaultMaxBodyBytes = 8 << 20

type Options struct {
	Store        content.Store
	Settings     config.Provider // credentials are re-read per request
	Matcher      Matcher
	Media        *MediaImporter
	Logger       *logging.Logger
	Clock        func() time.Time
	MaxBodyBytes int64
}

type Handler struct {
	store    content.Store
	settings config.Provider
	matcher  Matcher
	media    *MediaImporter
	logger   *logging.Logger
	now      func() time.Time
	maxBody  int64
	strict   *bluemonday.Policy
	ugc      *bluemonday.Policy
	mux      *http.ServeMux
}

func New(opts Options) *Handler {
	// Links are stored as sent.
	ugc := bluemonday.UGCPolicy()
	ugc.RequireNoFollowOnLinks(false)

	h := &Handler{
		store:    opts.Store,
		settings: opts.Settings,
		matcher:  opts.Matcher,
		media:    opts.Media,
		logger:   opts.Logger,
		now:      opts.Clock,
		maxBody:  opts.MaxBodyBytes,
		strict:   bluemonday.StrictPolicy(),
		ugc:      ugc,
		mux:      http.NewServeMux(),
	}
	if h.matcher == nil {
		h.matcher = SlugMatcher{}
	}
	if h.media == nil {
		h.media = NewMediaImporter(h.store, nil, 0, 0)
	}
	if h.logger == nil {
		h.logger = logging.Default()
	}
	if h.now == nil {
		h.now = time.Now
	}
	if h.maxBody <= 0 {
		h.maxBody = DefaultMaxBodyBytes
	}

	h.mux.HandleFunc("POST /sync", h.handleSync)
	h.mux.HandleFunc("PUT /sync/{id}", h.handleSync)
	h.mux.HandleFunc("POST /media", h.handleMedia)
	return h
}

func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	h.mux.ServeHTTP(w, r)
}

// Reply is the body of every receiver response.
type Reply struct {
	Success bool   `json:"success"`
	ID      int64  `json:"id,omitempty"`
	Message string `json:"message,omitempty"`
}

func writeReply(w http.ResponseWriter, status int, reply Reply) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(reply)
}

// Request is an inbound replication push.
type Request struct {
	Token     string
	Signature string
	Body      io.Reader
	// LocalID is the id from PUT /sync/{id}, 0 for POST.
	LocalID int64
}

// Result describes a successful upsert.
type Result struct {
	ID      int64
	Created bool
}

func (h *Handler) handleSync(w http.ResponseWriter, r *http.Request) {
	ctx, span := tracing.StartSpan(tracing.ExtractHTTP(r.Context(), r.Header), "receiver.sync",
		attribute.String("http.method", r.Method),
	)
	defer span.End()

	req := Request{
		Signature: r.Header.Get(auth.SignatureHeader),
		Body:      http.MaxBytesReader(w, r.Body, h.maxBody),
	}
	req.Token, _ = auth.BearerToken(r)
	if raw := r.PathValue("id"); raw != "" {
		id, err := strconv.ParseInt(raw, 10, 64)
		if err != nil || id <= 0 {
			metrics.RecordInbound("validation")
			writeReply(w, http.StatusUnprocessableEntity, Reply{Message: "invalid entity id " + strconv.Quote(raw)})
			return
		}
		req.LocalID = id
	}

	res, err := h.Process(ctx, req)
	if err != nil {
		status := syncerr.HTTPStatus(err)
		if status == http.StatusNotFound || status == http.StatusBadGateway {
			status = http.StatusInternalServerError
		}
		metrics.RecordInbound(syncerr.Reason(err))
		tracing.SetSpanError(ctx, err)
		entry := h.logger.WithContext(ctx).WithError(err).WithField("status", status)
		if status == http.StatusInternalServerError {
			entry.Error("inbound sync failed")
		} else {
			entry.Warn("inbound sync rejected")
		}
		writeReply(w, status, Reply{Message: err.Error()})
		return
	}

	span.SetAttributes(attribute.Int64("entity.id", res.ID), attribute.Bool("created", res.Created))
	if res.Created {
		metrics.RecordInbound("created")
		writeReply(w, http.StatusCreated, Reply{Success: true, ID: res.ID})
		return
	}
	metrics.RecordInbound("updated")
	writeReply(w, http.StatusOK, Reply{Success: true, ID: res.ID})
}

// Process decodes, checks and applies one push. The loop guard runs
// before authentication so content from a peer is refused whatever
// credentials it carries.
func (h *Handler) Process(ctx context.Context, req Request) (Result, error) {
	var p payload.Payload
	dec := json.NewDecoder(req.Body)
	dec.UseNumber()
	if err := dec.Decode(&p); err != nil {
		return Result{}, syncerr.Wrap(syncerr.ErrValidation, "decode payload", err)
	}

	if p.HasLoopGuard() {
		return Result{}, syncerr.New(syncerr.ErrLoopDetected, "receive", fmt.Sprintf("entity %d already carries %s", p.Post.ID, content.OriginKey))
	}

	settings, err := h.settings.Load(ctx)
	if err != nil {
		return Result{}, fmt.Errorf("load credentials: %w", err)
	}
	cred, claims, err := settings.Keyring().Authenticate(auth.Request{
		Token:      req.Token,
		Signature:  req.Signature,
		EntityID:   p.Post.ID,
		ModifiedAt: p.Post.ModifiedAt,
	}, h.now())
	if err != nil {
		return Result{}, err
	}

	if err := p.Validate(); err != nil {
		return Result{}, err
	}

	origin := claims.Issuer
	if origin == "" {
		origin = cred.ID
	}
	log := h.logger.WithContext(ctx).WithFields(map[string]any{"origin": origin, "source_id": p.Post.ID})

	existing, err := h.locate(ctx, req.LocalID, p.Post)
	if err != nil {
		return Result{}, fmt.Errorf("match entity: %w", err)
	}

	p.Post.Content = h.localizeContentMedia(ctx, log, p.Post.Content, p.ContentMedia)
	e := h.sanitize(p.Post)
	created := existing == nil
	if created {
		id, err := h.store.CreateEntity(ctx, e)
		if err != nil {
			return Result{}, fmt.Errorf("create entity: %w", err)
		}
		e.ID = id
	} else {
		e.ID = existing.ID
		e.FeaturedMediaID = existing.FeaturedMediaID
		if existing.Title != e.Title {
			e.OldTitle = existing.Title
		}
		if err := h.store.UpdateEntity(ctx, e); err != nil {
			return Result{}, fmt.Errorf("update entity %d: %w", e.ID, err)
		}
	}

	if err := h.upsertTerms(ctx, e, p.Taxonomies); err != nil {
		return Result{}, err
	}

	if err := h.store.SetMeta(ctx, e.ID, incomingMeta(p.Meta, origin, p.Post.ID)); err != nil {
		return Result{}, fmt.Errorf("save meta for entity %d: %w", e.ID, err)
	}

	mediaID, err := h.resolveMedia(ctx, p)
	if err != nil {
		// Media failures do not fail the push.
		log.WithEntity(e.ID).WithError(err).Warn("featured media not imported")
		mediaID = e.FeaturedMediaID
	}
	if mediaID != e.FeaturedMediaID {
		e.FeaturedMediaID = mediaID
		if err := h.store.UpdateEntity(ctx, e); err != nil {
			return Result{}, fmt.Errorf("attach media to entity %d: %w", e.ID, err)
		}
	}

	log.WithEntity(e.ID).WithField("created", created).Info("entity received")
	return Result{ID: e.ID, Created: created}, nil
}

// locate prefers the local id named by the peer and falls back to the
// matcher when it no longer exists or is of another type.
func (h *Handler) locate(ctx context.Context, localID int64, post payload.Post) (*content.Entity, error) {
	if localID != 0 {
		e, err := h.store.Entity(ctx, localID)
		switch {
		case err == nil && e.Type == post.Type:
			return e, nil
		case err != nil && !errors.Is(err, syncerr.ErrNotFound):
			return nil, err
		}
	}
	return h.matcher.Match(ctx, h.store, post)
}

func (h *Handler) sanitize(post payload.Post) *content.Entity {
	status := post.Status
	if status == "" {
		status = content.StatusPublish
	}
	return &content.Entity{
		Type:       post.Type,
		Slug:       post.Slug,
		Title:      html.UnescapeString(h.strict.Sanitize(post.Title)),
		OldTitle:   html.UnescapeString(h.strict.Sanitize(post.OldTitle)),
		Content:    h.ugc.Sanitize(post.Content),
		Excerpt:    h.ugc.Sanitize(post.Excerpt),
		Status:     status,
		Author:     html.UnescapeString(h.strict.Sanitize(post.Author)),
		ModifiedAt: post.ModifiedAt,
	}
}

// upsertTerms attaches the sent terms per taxonomy, creating missing ones
// by slug. Taxonomies registered locally but absent from the payload are
// cleared.
func (h *Handler) upsertTerms(ctx context.Context, e *content.Entity, taxonomies map[string][]content.Term) error {
	registered, err := h.store.Taxonomies(ctx, e.Type)
	if err != nil {
		return fmt.Errorf("list taxonomies: %w", err)
	}
	all := make(map[string]bool, len(registered)+len(taxonomies))
	for _, tax := range registered {
		all[tax] = true
	}
	for tax := range taxonomies {
		if !all[tax] {
			if err := h.store.RegisterTaxonomy(ctx, e.Type, tax); err != nil {
				return fmt.Errorf("register taxonomy %s: %w", tax, err)
			}
			all[tax] = true
		}
	}

	for tax := range all {
		ids := make([]int64, 0, len(taxonomies[tax]))
		for _, term := range taxonomies[tax] {
			id, err := h.ensureTerm(ctx, tax, term)
			if err != nil {
				return err
			}
			ids = append(ids, id)
		}
		if err := h.store.SetEntityTerms(ctx, e.ID, tax, ids); err != nil {
			return fmt.Errorf("attach %s terms to entity %d: %w", tax, e.ID, err)
		}
	}
	return nil
}

func (h *Handler) ensureTerm(ctx context.Context, taxonomy string, term content.Term) (int64, error) {
	existing, err := h.store.TermBySlug(ctx, taxonomy, term.Slug)
	if err == nil {
		return existing.ID, nil
	}
	if !errors.Is(err, syncerr.ErrNotFound) {
		return 0, fmt.Errorf("find term %s/%s: %w", taxonomy, term.Slug, err)
	}
	id, err := h.store.CreateTerm(ctx, &content.Term{
		Taxonomy:    taxonomy,
		Name:        html.UnescapeString(h.strict.Sanitize(term.Name)),
		Slug:        term.Slug,
		Description: h.ugc.Sanitize(term.Description),
	})
	if err != nil {
		return 0, fmt.Errorf("create term %s/%s: %w", taxonomy, term.Slug, err)
	}
	return id, nil
}

// incomingMeta drops bookkeeping keys from the peer and stamps the origin
// marker so this copy is never pushed back.
func incomingMeta(meta map[string]any, origin string, sourceID int64) map[string]any {
	out := make(map[string]any, len(meta)+2)
	for k, v := range meta {
		if content.IsInternalKey(k) {
			continue
		}
		out[k] = v
	}
	out[content.OriginKey] = origin
	out[content.SourceIDKey] = sourceID
	return out
}

// resolveMedia returns the local featured media id for p, 0 for none.
func (h *Handler) resolveMedia(ctx context.Context, p payload.Payload) (int64, error) {
	if p.FeaturedMediaID != 0 {
		m, err := h.store.Media(ctx, p.FeaturedMediaID)
		if err == nil {
			return m.ID, nil
		}
		if !errors.Is(err, syncerr.ErrNotFound) || p.FeaturedMedia == "" {
			return 0, err
		}
	}
	if p.FeaturedMedia == "" {
		return 0, nil
	}
	return h.media.Import(ctx, p.FeaturedMedia)
}

// localizeContentMedia imports the images embedded in body and points
// their src attributes at the local copies. An image that cannot be
// imported keeps its source URL.
func (h *Handler) localizeContentMedia(ctx context.Context, log *logging.LogEntry, body string, refs []payload.MediaRef) string {
	for _, ref := range refs {
		id, err := h.media.Import(ctx, ref.URL)
		var m *content.Media
		if err == nil {
			m, err = h.store.Media(ctx, id)
		}
		if err != nil {
			log.WithError(err).WithField("url", ref.URL).Warn("content media not imported")
			continue
		}
		body = replaceSrc(body, ref.Src, m.URL)
	}
	return body
}

// replaceSrc rewrites quoted attribute values equal to src, in raw or
// entity-escaped form.
func replaceSrc(body, src, local string) string {
	local = html.EscapeString(local)
	forms := []string{src}
	if escaped := html.EscapeString(src); escaped != src {
		forms = append(forms, escaped)
		if amp := strings.ReplaceAll(src, "&", "&amp;"); amp != escaped {
			forms = append(forms, amp)
		}
	}
	for _, f := range forms {
		body = strings.ReplaceAll(body, `"`+f+`"`, `"`+local+`"`)
		body = strings.ReplaceAll(body, `'`+f+`'`, `'`+local+`'`)
	}
	return body
}

func (h *Handler) handleMedia(w http.ResponseWriter, r *http.Request) {
	ctx, span := tracing.StartSpan(tracing.ExtractHTTP(r.Context(), r.Header), "receiver.media")
	defer span.End()

	settings, err := h.settings.Load(ctx)
	if err != nil {
		writeReply(w, http.StatusInternalServerError, Reply{Message: err.Error()})
		return
	}
	token, err := auth.BearerToken(r)
	if err == nil {
		_, _, err = settings.Keyring().AuthenticateToken(token, h.now())
	}
	if err != nil {
		metrics.RecordInbound(syncerr.Reason(err))
		writeReply(w, http.StatusUnauthorized, Reply{Message: err.Error()})
		return
	}

	filename := "upload"
	if _, params, err := mime.ParseMediaType(r.Header.Get("Content-Disposition")); err == nil && params["filename"] != "" {
		filename = params["filename"]
	}
	mimeType := ""
	if ct := r.Header.Get("Content-Type"); ct != "" {
		if mt, _, err := mime.ParseMediaType(ct); err == nil {
			mimeType = mt
		}
	}

	data, err := io.ReadAll(http.MaxBytesReader(w, r.Body, h.media.maxBytes))
	if err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			writeReply(w, http.StatusRequestEntityTooLarge, Reply{Message: err.Error()})
			return
		}
		writeReply(w, http.StatusBadRequest, Reply{Message: err.Error()})
		return
	}
	if len(data) == 0 {
		writeReply(w, http.StatusUnprocessableEntity, Reply{Message: "empty media body"})
		return
	}

	id, reused, err := h.media.Store(ctx, filename, mimeType, data)
	if err != nil {
		tracing.SetSpanError(ctx, err)
		h.logger.WithContext(ctx).WithError(err).Error("media upload failed")
		writeReply(w, http.StatusInternalServerError, Reply{Message: err.Error()})
		return
	}
	status := http.StatusCreated
	if reused {
		status = http.StatusOK
	}
	writeReply(w, status, Reply{Success: true, ID: id})
}
