// Package content is the boundary to the content-management side: the
// entities that get replicated, their taxonomy terms and media, and the
// change events that trigger replication.
package content

import (
	"context"
	"strings"
	"time"
)

// StatusPublish is the only status that is replicated.
const StatusPublish = "publish"

// CategoryTaxonomy holds the terms target exclusion rules apply to.
const CategoryTaxonomy = "category"

// Metadata keys under MetaPrefix are bookkeeping owned by this service and
// are never copied between nodes, except OriginKey which travels with the
// payload so a receiver can refuse content that already came from a peer.
const (
	MetaPrefix  = "_sync_"
	OriginKey   = "_sync_origin"
	SourceIDKey = "_sync_source_id"
	// TargetsKey limits an entity to the listed target ids.
	TargetsKey = "_sync_targets"
)

// IsInternalKey reports whether key is replication bookkeeping.
func IsInternalKey(key string) bool {
	return strings.HasPrefix(key, MetaPrefix)
}

type Entity struct {
	ID              int64
	Type            string
	Slug            string
	Title           string
	OldTitle        string // previous title, kept for title matching on peers
	Content         string
	Excerpt         string
	Status          string
	Author          string
	ModifiedAt      time.Time
	FeaturedMediaID int64
	Categories      []int64 // ids of attached CategoryTaxonomy terms
	Meta            map[string]any
}

// Origin returns the peer e was received from. ok is false for entities
// authored on this node.
func (e *Entity) Origin() (origin string, ok bool) {
	v, ok := e.Meta[OriginKey]
	if !ok {
		return "", false
	}
	origin, _ = v.(string)
	return origin, true
}

// SelectedTargets returns the target ids e is limited to. ok is false when
// the entity has no selection and every target applies; an empty selection
// means no target.
func (e *Entity) SelectedTargets() (ids []string, ok bool) {
	switch v := e.Meta[TargetsKey].(type) {
	case []string:
		return v, true
	case []any:
		ids = make([]string, 0, len(v))
		for _, x := range v {
			if id, isString := x.(string); isString && id != "" {
				ids = append(ids, id)
			}
		}
		return ids, true
	case string:
		ids = []string{}
		for _, id := range strings.Split(v, ",") {
			if id = strings.TrimSpace(id); id != "" {
				ids = append(ids, id)
			}
		}
		return ids, true
	default:
		return nil, false
	}
}

type Term struct {
	ID          int64  `json:"-"`
	Taxonomy    string `json:"-"`
	Name        string `json:"name" validate:"required"`
	Slug        string `json:"slug" validate:"required"`
	Description string `json:"description,omitempty"`
}

type Media struct {
	ID        int64
	SourceURL string // where the receiver fetched it from, empty for local uploads
	URL       string // public URL, may be relative to the node's base URL
	Filename  string
	MimeType  string
	Hash      string // hex SHA-256 of Data
	Data      []byte
	Meta      map[string]string
}

// Event is what the content-management side reports after a save.
type Event struct {
	EntityID   int64   `json:"entity_id" validate:"required,gt=0"`
	EntityType string  `json:"entity_type"`
	Status     string  `json:"status"`
	Categories []int64 `json:"categories"`
	// Targets narrows replication to these target ids. Nil defers to the
	// entity's own selection.
	Targets []string `json:"targets" validate:"omitempty,dive,required"`
}

// ChangeListener receives entity change events. Implementations must not
// perform network I/O.
type ChangeListener interface {
	OnEntityChanged(ctx context.Context, ev Event) error
}

// Source is the read side the dispatcher and payload builder need, plus
// the metadata writes used for sync bookkeeping.
type Source interface {
	Entity(ctx context.Context, id int64) (*Entity, error)
	Taxonomies(ctx context.Context, entityType string) ([]string, error)
	EntityTerms(ctx context.Context, entityID int64, taxonomy string) ([]Term, error)
	Media(ctx context.Context, id int64) (*Media, error)
	// SetMeta merges values into the entity metadata; a nil value deletes the key.
	SetMeta(ctx context.Context, entityID int64, values map[string]any) error
	SetMediaMeta(ctx context.Context, mediaID int64, key, value string) error
}

// Store is the full content store used by the receiver.
type Store interface {
	Source
	FindBySlug(ctx context.Context, entityType, slug string) (*Entity, error)
	FindByTitle(ctx context.Context, entityType, title string) (*Entity, error)
	CreateEntity(ctx context.Context, e *Entity) (int64, error)
	// UpdateEntity writes every field except ID, Categories and Meta.
	UpdateEntity(ctx context.Context, e *Entity) error
	RegisterTaxonomy(ctx context.Context, entityType, taxonomy string) error
	TermBySlug(ctx context.Context, taxonomy, slug string) (*Term, error)
	CreateTerm(ctx context.Context, t *Term) (int64, error)
	SetEntityTerms(ctx context.Context, entityID int64, taxonomy string, termIDs []int64) error
	MediaBySourceURL(ctx context.Context, url string) (*Media, error)
	MediaByHash(ctx context.Context, hash string) (*Media, error)
	CreateMedia(ctx context.Context, m *Media) (int64, error)
	Ping(ctx context.Context) error
	Close() error
}

// DefaultTaxonomies are registered for posts by both store implementations.
var DefaultTaxonomies = map[string][]string{
	"post": {CategoryTaxonomy, "post_tag"},
}
