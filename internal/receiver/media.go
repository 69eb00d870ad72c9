package receiver

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"path"
	"strings"
	"time"

	"github.com/austindbirch/harbor_sync/internal/content"
	"github.com/austindbirch/harbor_sync/internal/metrics"
	"github.com/austindbirch/harbor_sync/internal/syncerr"
)

const (
	DefaultMediaMaxBytes     = 20 << 20
	DefaultMediaFetchTimeout = 30 * time.Second

	uploadsPrefix = "/uploads/"
)

// MediaImporter turns remote media references into local assets, reusing
// an existing asset by source URL first and by content hash second.
type MediaImporter struct {
	store    content.Store
	client   *http.Client
	maxBytes int64
	timeout  time.Duration
}

func NewMediaImporter(store content.Store, client *http.Client, maxBytes int64, timeout time.Duration) *MediaImporter {
	if client == nil {
		client = &http.Client{}
	}
	if maxBytes <= 0 {
		maxBytes = DefaultMediaMaxBytes
	}
	if timeout <= 0 {
		timeout = DefaultMediaFetchTimeout
	}
	return &MediaImporter{store: store, client: client, maxBytes: maxBytes, timeout: timeout}
}

// Import returns the local id for the media at sourceURL, downloading it
// only when no local copy is known.
func (m *MediaImporter) Import(ctx context.Context, sourceURL string) (int64, error) {
	existing, err := m.store.MediaBySourceURL(ctx, sourceURL)
	if err == nil {
		metrics.RecordMediaImport("reused")
		return existing.ID, nil
	}
	if !errors.Is(err, syncerr.ErrNotFound) {
		return 0, err
	}

	data, mimeType, err := m.fetch(ctx, sourceURL)
	if err != nil {
		metrics.RecordMediaImport("failed")
		return 0, err
	}

	filename := "media"
	if u, err := url.Parse(sourceURL); err == nil && path.Base(u.Path) != "/" && path.Base(u.Path) != "." {
		filename = path.Base(u.Path)
	}
	id, _, err := m.save(ctx, &content.Media{
		SourceURL: sourceURL,
		Filename:  filename,
		MimeType:  mimeType,
		Data:      data,
	})
	return id, err
}

// Store saves uploaded bytes, reusing an asset with identical content. The
// bool reports whether an existing asset was reused.
func (m *MediaImporter) Store(ctx context.Context, filename, mimeType string, data []byte) (int64, bool, error) {
	return m.save(ctx, &content.Media{Filename: filename, MimeType: mimeType, Data: data})
}

func (m *MediaImporter) save(ctx context.Context, media *content.Media) (int64, bool, error) {
	sum := sha256.Sum256(media.Data)
	media.Hash = hex.EncodeToString(sum[:])

	existing, err := m.store.MediaByHash(ctx, media.Hash)
	if err == nil {
		metrics.RecordMediaImport("reused")
		return existing.ID, true, nil
	}
	if !errors.Is(err, syncerr.ErrNotFound) {
		return 0, false, err
	}

	if media.MimeType == "" {
		media.MimeType = http.DetectContentType(media.Data)
	}
	media.URL = uploadsPrefix + media.Hash[:12] + "-" + sanitizeFilename(media.Filename)
	id, err := m.store.CreateMedia(ctx, media)
	if err != nil {
		return 0, false, fmt.Errorf("create media: %w", err)
	}
	metrics.RecordMediaImport("imported")
	return id, false, nil
}

func (m *MediaImporter) fetch(ctx context.Context, sourceURL string) ([]byte, string, error) {
	ctx, cancel := context.WithTimeout(ctx, m.timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, sourceURL, nil)
	if err != nil {
		return nil, "", syncerr.Wrap(syncerr.ErrValidation, "media url", err)
	}
	resp, err := m.client.Do(req)
	if err != nil {
		return nil, "", syncerr.Wrap(syncerr.ErrNetwork, "fetch media", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, "", syncerr.Remote("fetch media "+sourceURL, resp.StatusCode, "")
	}

	data, err := io.ReadAll(io.LimitReader(resp.Body, m.maxBytes+1))
	if err != nil {
		return nil, "", syncerr.Wrap(syncerr.ErrNetwork, "read media", err)
	}
	if int64(len(data)) > m.maxBytes {
		return nil, "", syncerr.New(syncerr.ErrValidation, "fetch media", fmt.Sprintf("larger than %d bytes", m.maxBytes))
	}
	return data, resp.Header.Get("Content-Type"), nil
}

func sanitizeFilename(name string) string {
	name = path.Base(strings.ReplaceAll(name, "\\", "/"))
	if name == "." || name == "/" || name == "" {
		return "media"
	}
	return strings.Map(func(r rune) rune {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '.', r == '-', r == '_':
			return r
		default:
			return '-'
		}
	}, name)
}
