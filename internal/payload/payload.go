// Package payload builds the wire representation of an entity.
package payload

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/go-playground/validator/v10"
	"golang.org/x/net/html"
	"golang.org/x/net/html/atom"

	"github.com/austindbirch/harbor_sync/internal/content"
	"github.com/austindbirch/harbor_sync/internal/syncerr"
)

type Post struct {
	ID         int64     `json:"id" validate:"gt=0"`
	Type       string    `json:"type" validate:"required"`
	Slug       string    `json:"slug" validate:"max=200"`
	Title      string    `json:"title" validate:"required"`
	OldTitle   string    `json:"old_title,omitempty"`
	Content    string    `json:"content"`
	Excerpt    string    `json:"excerpt,omitempty"`
	Status     string    `json:"status,omitempty"`
	Author     string    `json:"author,omitempty"`
	ModifiedAt time.Time `json:"modified_at" validate:"required"`
}

type Payload struct {
	Post       Post                      `json:"post"`
	Meta       map[string]any            `json:"meta"`
	Taxonomies map[string][]content.Term `json:"taxonomies,omitempty" validate:"dive,dive"`
	// FeaturedMedia is the absolute URL of the featured media on the source.
	FeaturedMedia string `json:"featured_media,omitempty" validate:"omitempty,url"`
	// FeaturedMediaID is the id on the target when the media was pushed.
	FeaturedMediaID int64 `json:"featured_media_id,omitempty"`
	// ContentMedia lists images embedded in Post.Content that are hosted
	// on the source node.
	ContentMedia []MediaRef `json:"content_media,omitempty" validate:"dive"`
}

// MediaRef ties an image reference as written in the content to the
// absolute URL it can be fetched from.
type MediaRef struct {
	Src string `json:"src" validate:"required"`
	URL string `json:"url" validate:"required,url"`
}

// HasLoopGuard reports whether the payload carries the origin marker.
func (p *Payload) HasLoopGuard() bool {
	_, ok := p.Meta[content.OriginKey]
	return ok
}

var (
	validateOnce sync.Once
	validate     *validator.Validate
)

func getValidator() *validator.Validate {
	validateOnce.Do(func() {
		validate = validator.New(validator.WithRequiredStructEnabled())
	})
	return validate
}

// Validate checks the payload is well formed. Failures wrap
// syncerr.ErrValidation.
func (p *Payload) Validate() error {
	err := getValidator().Struct(p)
	if err == nil {
		return nil
	}
	var verrs validator.ValidationErrors
	if errors.As(err, &verrs) {
		fields := make([]string, 0, len(verrs))
		for _, fe := range verrs {
			fields = append(fields, fmt.Sprintf("%s failed %s", fe.Namespace(), fe.Tag()))
		}
		return syncerr.New(syncerr.ErrValidation, "validate payload", strings.Join(fields, "; "))
	}
	return syncerr.Wrap(syncerr.ErrValidation, "validate payload", err)
}

// Builder turns entities into payloads. It holds no cache, so every call
// reflects the entity as it is now.
type Builder struct {
	source  content.Source
	baseURL *url.URL
}

// NewBuilder returns a Builder that resolves relative media URLs against
// publicBaseURL.
func NewBuilder(source content.Source, publicBaseURL string) (*Builder, error) {
	u, err := url.Parse(publicBaseURL)
	if err != nil || u.Scheme == "" || u.Host == "" {
		return nil, fmt.Errorf("invalid public base URL %q", publicBaseURL)
	}
	return &Builder{source: source, baseURL: u}, nil
}

// Build snapshots e together with its terms and featured media.
func (b *Builder) Build(ctx context.Context, e *content.Entity) (*Payload, error) {
	p := &Payload{
		Post: Post{
			ID:         e.ID,
			Type:       e.Type,
			Slug:       e.Slug,
			Title:      e.Title,
			OldTitle:   e.OldTitle,
			Content:    e.Content,
			Excerpt:    e.Excerpt,
			Status:     e.Status,
			Author:     e.Author,
			ModifiedAt: e.ModifiedAt,
		},
		Meta: make(map[string]any, len(e.Meta)),
	}

	for k, v := range e.Meta {
		if content.IsInternalKey(k) && k != content.OriginKey {
			continue
		}
		p.Meta[k] = v
	}

	taxonomies, err := b.source.Taxonomies(ctx, e.Type)
	if err != nil {
		return nil, fmt.Errorf("list taxonomies for %s: %w", e.Type, err)
	}
	for _, tax := range taxonomies {
		terms, err := b.source.EntityTerms(ctx, e.ID, tax)
		if err != nil {
			return nil, fmt.Errorf("load %s terms for entity %d: %w", tax, e.ID, err)
		}
		if len(terms) == 0 {
			continue
		}
		if p.Taxonomies == nil {
			p.Taxonomies = make(map[string][]content.Term)
		}
		p.Taxonomies[tax] = terms
	}

	if e.FeaturedMediaID != 0 {
		m, err := b.source.Media(ctx, e.FeaturedMediaID)
		switch {
		case errors.Is(err, syncerr.ErrNotFound):
			// The reference is dangling; send the entity without it.
		case err != nil:
			return nil, fmt.Errorf("load featured media %d: %w", e.FeaturedMediaID, err)
		default:
			p.FeaturedMedia = b.resolve(m.URL)
		}
	}
	p.ContentMedia = b.contentMedia(e.Content)
	return p, nil
}

// contentMedia returns the img sources in body that resolve to this node,
// each once, in document order.
func (b *Builder) contentMedia(body string) []MediaRef {
	var refs []MediaRef
	seen := make(map[string]bool)
	z := html.NewTokenizer(strings.NewReader(body))
	for {
		switch z.Next() {
		case html.ErrorToken:
			return refs
		case html.StartTagToken, html.SelfClosingTagToken:
			tok := z.Token()
			if tok.DataAtom != atom.Img {
				continue
			}
			for _, attr := range tok.Attr {
				if attr.Key != "src" || attr.Val == "" || seen[attr.Val] {
					continue
				}
				abs := b.resolve(attr.Val)
				u, err := url.Parse(abs)
				if err != nil || !strings.EqualFold(u.Host, b.baseURL.Host) {
					continue
				}
				seen[attr.Val] = true
				refs = append(refs, MediaRef{Src: attr.Val, URL: abs})
			}
		}
	}
}

func (b *Builder) resolve(ref string) string {
	if ref == "" {
		return ""
	}
	u, err := url.Parse(ref)
	if err != nil {
		return ""
	}
	return b.baseURL.ResolveReference(u).String()
}
