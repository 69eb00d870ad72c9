package dispatch

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"mime"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"go.opentelemetry.io/otel/attribute"

	"github.com/austindbirch/harbor_sync/internal/auth"
	"github.com/austindbirch/harbor_sync/internal/config"
	"github.com/austindbirch/harbor_sync/internal/content"
	"github.com/austindbirch/harbor_sync/internal/metrics"
	"github.com/austindbirch/harbor_sync/internal/syncerr"
	"github.com/austindbirch/harbor_sync/internal/tracing"
)

const (
	SyncPath  = "/sync"
	MediaPath = "/media"

	maxResponseBytes = 1 << 20
)

type OutcomeKind int

const (
	Success OutcomeKind = iota
	Retryable
	Permanent
)

func (k OutcomeKind) String() string {
	switch k {
	case Success:
		return "success"
	case Retryable:
		return "retry"
	default:
		return "failed"
	}
}

// Outcome is the result of one replication attempt. RemoteID and Status
// are set on Success; Err is set otherwise. Status is also kept for
// failures that got a response.
type Outcome struct {
	Kind     OutcomeKind
	RemoteID string
	Status   int
	Err      error
}

// response is what targets answer on /sync and /media.
type response struct {
	Success *bool           `json:"success"`
	ID      json.RawMessage `json:"id"`
	Message string          `json:"message"`
}

// remoteID returns the id as text. Targets answer with either a JSON
// number or a JSON string; a missing or null id is empty.
func (r response) remoteID() (string, error) {
	raw := bytes.TrimSpace(r.ID)
	if len(raw) == 0 || bytes.Equal(raw, []byte("null")) {
		return "", nil
	}
	if raw[0] == '"' {
		var s string
		if err := json.Unmarshal(raw, &s); err != nil {
			return "", err
		}
		return s, nil
	}
	var n json.Number
	if err := json.Unmarshal(raw, &n); err != nil {
		return "", err
	}
	return n.String(), nil
}

// Execute sends the current state of entity to target once. It never
// touches the queue.
func (d *Dispatcher) Execute(ctx context.Context, target config.Target, entity *content.Entity) Outcome {
	ctx, span := tracing.StartSpan(ctx, "dispatch.execute",
		attribute.String("target.id", target.ID),
		attribute.Int64("entity.id", entity.ID),
	)
	defer span.End()

	out := d.execute(ctx, target, entity)
	span.SetAttributes(
		attribute.String("outcome", out.Kind.String()),
		attribute.Int("http.status_code", out.Status),
	)
	if out.Err != nil {
		tracing.SetSpanError(ctx, out.Err)
	}
	return out
}

func (d *Dispatcher) execute(ctx context.Context, target config.Target, entity *content.Entity) Outcome {
	p, err := d.builder.Build(ctx, entity)
	if err != nil {
		return Outcome{Kind: Retryable, Err: err}
	}
	if err := p.Validate(); err != nil {
		return Outcome{Kind: Permanent, Err: err}
	}

	token, err := auth.MintToken(target.Secret, d.opts.NodeID, d.opts.TokenTTL, d.now())
	if err != nil {
		return Outcome{Kind: Permanent, Err: syncerr.Wrap(syncerr.ErrAuth, "mint token", err)}
	}

	if target.PushMedia && entity.FeaturedMediaID != 0 {
		remoteMediaID, err := d.pushMedia(ctx, target, token, entity.FeaturedMediaID)
		if err != nil {
			return outcomeFromError(err)
		}
		p.FeaturedMediaID = remoteMediaID
	}

	body, err := json.Marshal(p)
	if err != nil {
		return Outcome{Kind: Permanent, Err: syncerr.Wrap(syncerr.ErrValidation, "encode payload", err)}
	}

	method, endpoint := http.MethodPost, target.BaseURL+SyncPath
	rec, _ := content.LoadSyncRecord(entity, target.ID)
	if rec.RemoteID != "" {
		method, endpoint = http.MethodPut, target.BaseURL+SyncPath+"/"+url.PathEscape(rec.RemoteID)
	}

	header := http.Header{}
	header.Set("Content-Type", "application/json")
	header.Set(auth.SignatureHeader, auth.SignPayload(entity.ID, entity.ModifiedAt, target.Secret))

	start := time.Now()
	status, resp, err := d.send(ctx, method, endpoint, token, header, body)
	latency := time.Since(start)
	if err != nil {
		out := outcomeFromError(err)
		out.Status = status
		metrics.RecordAttempt(target.ID, out.Kind.String(), latency)
		return out
	}

	remoteID, _ := resp.remoteID()
	if remoteID == "" {
		remoteID = rec.RemoteID
	}
	metrics.RecordAttempt(target.ID, Success.String(), latency)
	return Outcome{Kind: Success, RemoteID: remoteID, Status: status}
}

// send performs one authenticated request and interprets the response.
// Anything other than 200/201 with success true is a RemoteError.
func (d *Dispatcher) send(ctx context.Context, method, endpoint, token string, header http.Header, body []byte) (int, response, error) {
	var resp response
	if d.limiter != nil {
		if err := d.limiter.Wait(ctx); err != nil {
			return 0, resp, syncerr.Wrap(syncerr.ErrNetwork, "rate limit", err)
		}
	}

	ctx, cancel := context.WithTimeout(ctx, d.opts.HTTPTimeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, method, endpoint, bytes.NewReader(body))
	if err != nil {
		return 0, resp, syncerr.Wrap(syncerr.ErrValidation, "build request", err)
	}
	for k, v := range header {
		req.Header[k] = v
	}
	req.Header.Set("Authorization", "Bearer "+token)
	tracing.InjectHTTP(ctx, req.Header)
	if traceID := tracing.GetTraceID(ctx); traceID != "" {
		req.Header.Set("X-Trace-Id", traceID)
	}

	tracing.AddSpanEvent(ctx, "http.send", attribute.String("method", method), attribute.String("url", endpoint))
	hr, err := d.client.Do(req)
	if err != nil {
		return 0, resp, syncerr.Wrap(syncerr.ErrNetwork, method+" "+endpoint, err)
	}
	defer hr.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(hr.Body, maxResponseBytes))
	if err != nil {
		return hr.StatusCode, resp, syncerr.Wrap(syncerr.ErrNetwork, "read response", err)
	}
	decodeErr := json.Unmarshal(raw, &resp)
	if decodeErr == nil {
		_, decodeErr = resp.remoteID()
	}

	if hr.StatusCode != http.StatusOK && hr.StatusCode != http.StatusCreated {
		return hr.StatusCode, resp, syncerr.Remote(method+" "+endpoint, hr.StatusCode, resp.Message)
	}
	if decodeErr != nil {
		return hr.StatusCode, resp, syncerr.Remote(method+" "+endpoint, hr.StatusCode, "undecodable response body")
	}
	if resp.Success == nil || !*resp.Success {
		msg := resp.Message
		if msg == "" {
			msg = "success flag missing or false"
		}
		return hr.StatusCode, resp, syncerr.Remote(method+" "+endpoint, hr.StatusCode, msg)
	}
	return hr.StatusCode, resp, nil
}

// pushMedia uploads the media bytes to target once and remembers the
// remote id on the media item.
func (d *Dispatcher) pushMedia(ctx context.Context, target config.Target, token string, mediaID int64) (int64, error) {
	m, err := d.source.Media(ctx, mediaID)
	if errors.Is(err, syncerr.ErrNotFound) {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("load media %d: %w", mediaID, err)
	}
	key := content.RemoteMediaKey(target.ID)
	if v, ok := m.Meta[key]; ok {
		if id, err := strconv.ParseInt(v, 10, 64); err == nil {
			return id, nil
		}
	}
	if len(m.Data) == 0 {
		return 0, nil
	}

	header := http.Header{}
	mimeType := m.MimeType
	if mimeType == "" {
		mimeType = "application/octet-stream"
	}
	header.Set("Content-Type", mimeType)
	header.Set("Content-Disposition", mime.FormatMediaType("attachment", map[string]string{"filename": m.Filename}))

	_, resp, err := d.send(ctx, http.MethodPost, target.BaseURL+MediaPath, token, header, m.Data)
	if err != nil {
		return 0, err
	}
	text, _ := resp.remoteID()
	remoteID, err := strconv.ParseInt(text, 10, 64)
	if err != nil || remoteID <= 0 {
		return 0, syncerr.Remote("POST "+target.BaseURL+MediaPath, http.StatusOK, "numeric media id missing from response")
	}
	if err := d.source.SetMediaMeta(ctx, mediaID, key, strconv.FormatInt(remoteID, 10)); err != nil {
		return 0, fmt.Errorf("save remote media id: %w", err)
	}
	return remoteID, nil
}

func outcomeFromError(err error) Outcome {
	var se *syncerr.Error
	status := 0
	if errors.As(err, &se) {
		status = se.Status
	}
	if syncerr.Retryable(err) {
		return Outcome{Kind: Retryable, Status: status, Err: err}
	}
	if errors.Is(err, syncerr.ErrValidation) || errors.Is(err, syncerr.ErrAuth) {
		return Outcome{Kind: Permanent, Status: status, Err: err}
	}
	// Local store failures are retried.
	return Outcome{Kind: Retryable, Status: status, Err: err}
}
