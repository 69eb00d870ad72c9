package content

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"sync"

	"github.com/austindbirch/harbor_sync/internal/syncerr"
)

// MemoryStore is an in-process Store. Metadata is cloned through JSON on the
// way in and out so values look exactly as they would after a SQLite round
// trip.
type MemoryStore struct {
	mu         sync.RWMutex
	nextID     int64
	entities   map[int64]*Entity
	taxonomies map[string][]string
	terms      map[int64]*Term
	links      map[int64]map[int64]bool // entity id -> term ids
	media      map[int64]*Media
}

func NewMemoryStore() *MemoryStore {
	s := &MemoryStore{
		entities:   make(map[int64]*Entity),
		taxonomies: make(map[string][]string),
		terms:      make(map[int64]*Term),
		links:      make(map[int64]map[int64]bool),
		media:      make(map[int64]*Media),
	}
	for typ, taxes := range DefaultTaxonomies {
		s.taxonomies[typ] = append([]string(nil), taxes...)
	}
	return s
}

func (s *MemoryStore) id() int64 {
	s.nextID++
	return s.nextID
}

func cloneMeta(m map[string]any) map[string]any {
	out := make(map[string]any, len(m))
	if len(m) == 0 {
		return out
	}
	data, err := json.Marshal(m)
	if err != nil {
		for k, v := range m {
			out[k] = v
		}
		return out
	}
	_ = json.Unmarshal(data, &out)
	return out
}

func (s *MemoryStore) cloneEntity(e *Entity) *Entity {
	c := *e
	c.Meta = cloneMeta(e.Meta)
	c.Categories = nil
	for termID := range s.links[e.ID] {
		if t, ok := s.terms[termID]; ok && t.Taxonomy == CategoryTaxonomy {
			c.Categories = append(c.Categories, termID)
		}
	}
	sort.Slice(c.Categories, func(i, j int) bool { return c.Categories[i] < c.Categories[j] })
	return &c
}

func notFound(what string, key any) error {
	return syncerr.New(syncerr.ErrNotFound, what, fmt.Sprint(key))
}

func (s *MemoryStore) Entity(ctx context.Context, id int64) (*Entity, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	e, ok := s.entities[id]
	if !ok {
		return nil, notFound("entity", id)
	}
	return s.cloneEntity(e), nil
}

func (s *MemoryStore) Taxonomies(ctx context.Context, entityType string) ([]string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return append([]string(nil), s.taxonomies[entityType]...), nil
}

func (s *MemoryStore) RegisterTaxonomy(ctx context.Context, entityType, taxonomy string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, t := range s.taxonomies[entityType] {
		if t == taxonomy {
			return nil
		}
	}
	s.taxonomies[entityType] = append(s.taxonomies[entityType], taxonomy)
	return nil
}

func (s *MemoryStore) EntityTerms(ctx context.Context, entityID int64, taxonomy string) ([]Term, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []Term
	for termID := range s.links[entityID] {
		if t, ok := s.terms[termID]; ok && t.Taxonomy == taxonomy {
			out = append(out, *t)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Slug < out[j].Slug })
	return out, nil
}

func (s *MemoryStore) Media(ctx context.Context, id int64) (*Media, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	m, ok := s.media[id]
	if !ok {
		return nil, notFound("media", id)
	}
	return cloneMedia(m), nil
}

func cloneMedia(m *Media) *Media {
	c := *m
	c.Meta = make(map[string]string, len(m.Meta))
	for k, v := range m.Meta {
		c.Meta[k] = v
	}
	return &c
}

func (s *MemoryStore) SetMeta(ctx context.Context, entityID int64, values map[string]any) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.entities[entityID]
	if !ok {
		return notFound("entity", entityID)
	}
	if e.Meta == nil {
		e.Meta = make(map[string]any)
	}
	for k, v := range cloneMeta(values) {
		if v == nil {
			delete(e.Meta, k)
			continue
		}
		e.Meta[k] = v
	}
	return nil
}

func (s *MemoryStore) SetMediaMeta(ctx context.Context, mediaID int64, key, value string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	m, ok := s.media[mediaID]
	if !ok {
		return notFound("media", mediaID)
	}
	if m.Meta == nil {
		m.Meta = make(map[string]string)
	}
	m.Meta[key] = value
	return nil
}

func (s *MemoryStore) findEntity(match func(e *Entity) bool) *Entity {
	var found *Entity
	for _, e := range s.entities {
		if match(e) && (found == nil || e.ID < found.ID) {
			found = e
		}
	}
	return found
}

func (s *MemoryStore) FindBySlug(ctx context.Context, entityType, slug string) (*Entity, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	e := s.findEntity(func(e *Entity) bool { return e.Type == entityType && e.Slug == slug })
	if e == nil {
		return nil, notFound("entity slug", slug)
	}
	return s.cloneEntity(e), nil
}

func (s *MemoryStore) FindByTitle(ctx context.Context, entityType, title string) (*Entity, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	e := s.findEntity(func(e *Entity) bool { return e.Type == entityType && e.Title == title })
	if e == nil {
		return nil, notFound("entity title", title)
	}
	return s.cloneEntity(e), nil
}

func (s *MemoryStore) CreateEntity(ctx context.Context, e *Entity) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	c := *e
	c.ID = s.id()
	c.Meta = cloneMeta(e.Meta)
	c.Categories = nil
	s.entities[c.ID] = &c
	return c.ID, nil
}

func (s *MemoryStore) UpdateEntity(ctx context.Context, e *Entity) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cur, ok := s.entities[e.ID]
	if !ok {
		return notFound("entity", e.ID)
	}
	meta := cur.Meta
	*cur = *e
	cur.Meta = meta
	cur.Categories = nil
	return nil
}

func (s *MemoryStore) TermBySlug(ctx context.Context, taxonomy, slug string) (*Term, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, t := range s.terms {
		if t.Taxonomy == taxonomy && t.Slug == slug {
			c := *t
			return &c, nil
		}
	}
	return nil, notFound("term", taxonomy+"/"+slug)
}

func (s *MemoryStore) CreateTerm(ctx context.Context, t *Term) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, existing := range s.terms {
		if existing.Taxonomy == t.Taxonomy && existing.Slug == t.Slug {
			return 0, fmt.Errorf("create term %s/%s: already exists", t.Taxonomy, t.Slug)
		}
	}
	c := *t
	c.ID = s.id()
	s.terms[c.ID] = &c
	return c.ID, nil
}

func (s *MemoryStore) SetEntityTerms(ctx context.Context, entityID int64, taxonomy string, termIDs []int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.entities[entityID]; !ok {
		return notFound("entity", entityID)
	}
	links := s.links[entityID]
	if links == nil {
		links = make(map[int64]bool)
		s.links[entityID] = links
	}
	for termID := range links {
		if t, ok := s.terms[termID]; ok && t.Taxonomy == taxonomy {
			delete(links, termID)
		}
	}
	for _, termID := range termIDs {
		if _, ok := s.terms[termID]; !ok {
			return notFound("term", termID)
		}
		links[termID] = true
	}
	return nil
}

func (s *MemoryStore) MediaBySourceURL(ctx context.Context, url string) (*Media, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, m := range s.media {
		if url != "" && m.SourceURL == url {
			return cloneMedia(m), nil
		}
	}
	return nil, notFound("media source", url)
}

func (s *MemoryStore) MediaByHash(ctx context.Context, hash string) (*Media, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, m := range s.media {
		if hash != "" && m.Hash == hash {
			return cloneMedia(m), nil
		}
	}
	return nil, notFound("media hash", hash)
}

func (s *MemoryStore) CreateMedia(ctx context.Context, m *Media) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	c := cloneMedia(m)
	c.ID = s.id()
	s.media[c.ID] = c
	return c.ID, nil
}

func (s *MemoryStore) Ping(ctx context.Context) error { return nil }

func (s *MemoryStore) Close() error { return nil }
