package content

import (
	"context"
	"errors"
	"path/filepath"
	"reflect"
	"testing"
	"time"

	"github.com/austindbirch/harbor_sync/internal/syncerr"
)

func forEachStore(t *testing.T, fn func(t *testing.T, s Store)) {
	t.Helper()
	t.Run("memory", func(t *testing.T) {
		fn(t, NewMemoryStore())
	})
	t.Run("sqlite", func(t *testing.T) {
		s, err := OpenSQLite(context.Background(), filepath.Join(t.TempDir(), "content.db"))
		if err != nil {
			t.Fatalf("OpenSQLite() error = %v", err)
		}
		t.Cleanup(func() { s.Close() })
		fn(t, s)
	})
}

func newPost(slug, title string) *Entity {
	return &Entity{
		Type:       "post",
		Slug:       slug,
		Title:      title,
		Content:    "<p>" + title + "</p>",
		Status:     StatusPublish,
		ModifiedAt: time.Date(2025, 1, 2, 3, 4, 5, 0, time.UTC),
		Meta:       map[string]any{"color": "blue", "count": 3},
	}
}

func TestStoreEntityLifecycle(t *testing.T) {
	forEachStore(t, func(t *testing.T, s Store) {
		ctx := context.Background()

		id, err := s.CreateEntity(ctx, newPost("hello", "Hello"))
		if err != nil {
			t.Fatalf("CreateEntity() error = %v", err)
		}

		e, err := s.Entity(ctx, id)
		if err != nil {
			t.Fatalf("Entity() error = %v", err)
		}
		if e.Title != "Hello" || e.Slug != "hello" || e.Status != StatusPublish {
			t.Errorf("Entity() = %+v", e)
		}
		if !e.ModifiedAt.Equal(time.Date(2025, 1, 2, 3, 4, 5, 0, time.UTC)) {
			t.Errorf("ModifiedAt = %v", e.ModifiedAt)
		}
		if e.Meta["color"] != "blue" || e.Meta["count"] != float64(3) {
			t.Errorf("Meta = %v", e.Meta)
		}

		e.Title = "Hello again"
		e.OldTitle = "Hello"
		if err := s.UpdateEntity(ctx, e); err != nil {
			t.Fatalf("UpdateEntity() error = %v", err)
		}
		byTitle, err := s.FindByTitle(ctx, "post", "Hello again")
		if err != nil {
			t.Fatalf("FindByTitle() error = %v", err)
		}
		if byTitle.ID != id || byTitle.OldTitle != "Hello" {
			t.Errorf("FindByTitle() = %+v", byTitle)
		}
		bySlug, err := s.FindBySlug(ctx, "post", "hello")
		if err != nil || bySlug.ID != id {
			t.Errorf("FindBySlug() = %+v, %v", bySlug, err)
		}
		if _, err := s.FindBySlug(ctx, "page", "hello"); !errors.Is(err, syncerr.ErrNotFound) {
			t.Errorf("FindBySlug(other type) error = %v, want ErrNotFound", err)
		}
		if _, err := s.Entity(ctx, id+100); !errors.Is(err, syncerr.ErrNotFound) {
			t.Errorf("Entity(missing) error = %v, want ErrNotFound", err)
		}
		missing := *e
		missing.ID = id + 100
		if err := s.UpdateEntity(ctx, &missing); !errors.Is(err, syncerr.ErrNotFound) {
			t.Errorf("UpdateEntity(missing) error = %v, want ErrNotFound", err)
		}
	})
}

func TestStoreSetMeta(t *testing.T) {
	forEachStore(t, func(t *testing.T, s Store) {
		ctx := context.Background()
		id, err := s.CreateEntity(ctx, newPost("m", "M"))
		if err != nil {
			t.Fatalf("CreateEntity() error = %v", err)
		}

		err = s.SetMeta(ctx, id, map[string]any{"color": nil, "size": "xl", OriginKey: "site-a"})
		if err != nil {
			t.Fatalf("SetMeta() error = %v", err)
		}
		e, err := s.Entity(ctx, id)
		if err != nil {
			t.Fatalf("Entity() error = %v", err)
		}
		if _, ok := e.Meta["color"]; ok {
			t.Error("SetMeta() with nil value did not delete key")
		}
		if e.Meta["size"] != "xl" || e.Meta["count"] != float64(3) || e.Meta[OriginKey] != "site-a" {
			t.Errorf("Meta = %v", e.Meta)
		}
		if err := s.SetMeta(ctx, id+100, map[string]any{"a": 1}); !errors.Is(err, syncerr.ErrNotFound) {
			t.Errorf("SetMeta(missing) error = %v, want ErrNotFound", err)
		}
	})
}

func TestStoreTerms(t *testing.T) {
	forEachStore(t, func(t *testing.T, s Store) {
		ctx := context.Background()
		id, err := s.CreateEntity(ctx, newPost("t", "T"))
		if err != nil {
			t.Fatalf("CreateEntity() error = %v", err)
		}

		taxes, err := s.Taxonomies(ctx, "post")
		if err != nil || len(taxes) != 2 {
			t.Fatalf("Taxonomies(post) = %v, %v", taxes, err)
		}
		if err := s.RegisterTaxonomy(ctx, "post", "genre"); err != nil {
			t.Fatalf("RegisterTaxonomy() error = %v", err)
		}
		if err := s.RegisterTaxonomy(ctx, "post", "genre"); err != nil {
			t.Fatalf("RegisterTaxonomy() twice error = %v", err)
		}
		if taxes, _ := s.Taxonomies(ctx, "post"); len(taxes) != 3 {
			t.Errorf("Taxonomies(post) after register = %v", taxes)
		}

		news, err := s.CreateTerm(ctx, &Term{Taxonomy: CategoryTaxonomy, Name: "News", Slug: "news"})
		if err != nil {
			t.Fatalf("CreateTerm() error = %v", err)
		}
		tech, err := s.CreateTerm(ctx, &Term{Taxonomy: CategoryTaxonomy, Name: "Tech", Slug: "tech"})
		if err != nil {
			t.Fatalf("CreateTerm() error = %v", err)
		}
		tag, err := s.CreateTerm(ctx, &Term{Taxonomy: "post_tag", Name: "Go", Slug: "go"})
		if err != nil {
			t.Fatalf("CreateTerm() error = %v", err)
		}
		if _, err := s.CreateTerm(ctx, &Term{Taxonomy: CategoryTaxonomy, Name: "News", Slug: "news"}); err == nil {
			t.Error("CreateTerm() duplicate slug expected error, got nil")
		}

		if err := s.SetEntityTerms(ctx, id, CategoryTaxonomy, []int64{news, tech}); err != nil {
			t.Fatalf("SetEntityTerms() error = %v", err)
		}
		if err := s.SetEntityTerms(ctx, id, "post_tag", []int64{tag}); err != nil {
			t.Fatalf("SetEntityTerms() error = %v", err)
		}
		// Replacing categories leaves tags alone.
		if err := s.SetEntityTerms(ctx, id, CategoryTaxonomy, []int64{tech}); err != nil {
			t.Fatalf("SetEntityTerms() error = %v", err)
		}

		cats, err := s.EntityTerms(ctx, id, CategoryTaxonomy)
		if err != nil || len(cats) != 1 || cats[0].Slug != "tech" {
			t.Errorf("EntityTerms(category) = %v, %v", cats, err)
		}
		tags, err := s.EntityTerms(ctx, id, "post_tag")
		if err != nil || len(tags) != 1 || tags[0].Name != "Go" {
			t.Errorf("EntityTerms(post_tag) = %v, %v", tags, err)
		}

		e, err := s.Entity(ctx, id)
		if err != nil {
			t.Fatalf("Entity() error = %v", err)
		}
		if len(e.Categories) != 1 || e.Categories[0] != tech {
			t.Errorf("Categories = %v, want [%d]", e.Categories, tech)
		}

		got, err := s.TermBySlug(ctx, CategoryTaxonomy, "news")
		if err != nil || got.ID != news {
			t.Errorf("TermBySlug() = %+v, %v", got, err)
		}
		if _, err := s.TermBySlug(ctx, "post_tag", "news"); !errors.Is(err, syncerr.ErrNotFound) {
			t.Errorf("TermBySlug(wrong taxonomy) error = %v, want ErrNotFound", err)
		}
	})
}

func TestStoreMedia(t *testing.T) {
	forEachStore(t, func(t *testing.T, s Store) {
		ctx := context.Background()
		id, err := s.CreateMedia(ctx, &Media{
			SourceURL: "https://a.example.com/uploads/cat.jpg",
			URL:       "/media/cat.jpg",
			Filename:  "cat.jpg",
			MimeType:  "image/jpeg",
			Hash:      "abc123",
			Data:      []byte("jpeg"),
		})
		if err != nil {
			t.Fatalf("CreateMedia() error = %v", err)
		}

		bySource, err := s.MediaBySourceURL(ctx, "https://a.example.com/uploads/cat.jpg")
		if err != nil || bySource.ID != id {
			t.Errorf("MediaBySourceURL() = %+v, %v", bySource, err)
		}
		byHash, err := s.MediaByHash(ctx, "abc123")
		if err != nil || byHash.ID != id || string(byHash.Data) != "jpeg" {
			t.Errorf("MediaByHash() = %+v, %v", byHash, err)
		}
		if _, err := s.MediaBySourceURL(ctx, ""); !errors.Is(err, syncerr.ErrNotFound) {
			t.Errorf("MediaBySourceURL(empty) error = %v, want ErrNotFound", err)
		}

		if err := s.SetMediaMeta(ctx, id, RemoteMediaKey("site-b"), "77"); err != nil {
			t.Fatalf("SetMediaMeta() error = %v", err)
		}
		m, err := s.Media(ctx, id)
		if err != nil {
			t.Fatalf("Media() error = %v", err)
		}
		if m.Meta[RemoteMediaKey("site-b")] != "77" {
			t.Errorf("Media meta = %v", m.Meta)
		}
		if _, err := s.Media(ctx, id+100); !errors.Is(err, syncerr.ErrNotFound) {
			t.Errorf("Media(missing) error = %v, want ErrNotFound", err)
		}
	})
}

func TestSyncRecordRoundTrip(t *testing.T) {
	forEachStore(t, func(t *testing.T, s Store) {
		ctx := context.Background()
		id, err := s.CreateEntity(ctx, newPost("r", "R"))
		if err != nil {
			t.Fatalf("CreateEntity() error = %v", err)
		}

		e, _ := s.Entity(ctx, id)
		if _, ok := LoadSyncRecord(e, "site-b"); ok {
			t.Fatal("LoadSyncRecord() found a record on a fresh entity")
		}

		synced := time.Date(2025, 6, 1, 8, 0, 0, 0, time.UTC)
		rec := SyncRecord{TargetID: "site-b", RemoteID: "991", LastSyncedAt: synced, Status: SyncSuccess}
		if err := s.SetMeta(ctx, id, map[string]any{SyncRecordKey("site-b"): rec.Value()}); err != nil {
			t.Fatalf("SetMeta() error = %v", err)
		}

		e, _ = s.Entity(ctx, id)
		got, ok := LoadSyncRecord(e, "site-b")
		if !ok {
			t.Fatal("LoadSyncRecord() not found after save")
		}
		if got.RemoteID != "991" || got.Status != SyncSuccess || !got.LastSyncedAt.Equal(synced) {
			t.Errorf("LoadSyncRecord() = %+v", got)
		}
		if !IsInternalKey(SyncRecordKey("site-b")) {
			t.Error("SyncRecordKey is not internal")
		}
	})
}

func TestIsInternalKey(t *testing.T) {
	tests := []struct {
		key  string
		want bool
	}{
		{key: "_sync_origin", want: true},
		{key: "_sync_record:site-b", want: true},
		{key: "_thumbnail_id", want: false},
		{key: "color", want: false},
		{key: "sync_visible", want: false},
	}
	for _, tt := range tests {
		t.Run(tt.key, func(t *testing.T) {
			if got := IsInternalKey(tt.key); got != tt.want {
				t.Errorf("IsInternalKey(%q) = %v, want %v", tt.key, got, tt.want)
			}
		})
	}
}

func TestSelectedTargets(t *testing.T) {
	tests := []struct {
		name   string
		meta   map[string]any
		want   []string
		wantOK bool
	}{
		{name: "no selection", meta: map[string]any{"color": "blue"}, want: nil, wantOK: false},
		{name: "string slice", meta: map[string]any{TargetsKey: []string{"a", "b"}}, want: []string{"a", "b"}, wantOK: true},
		{name: "decoded json list", meta: map[string]any{TargetsKey: []any{"a", 3.0, ""}}, want: []string{"a"}, wantOK: true},
		{name: "comma list", meta: map[string]any{TargetsKey: " a, ,b "}, want: []string{"a", "b"}, wantOK: true},
		{name: "empty list selects nothing", meta: map[string]any{TargetsKey: []any{}}, want: []string{}, wantOK: true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, ok := (&Entity{Meta: tt.meta}).SelectedTargets()
			if ok != tt.wantOK || !reflect.DeepEqual(got, tt.want) {
				t.Errorf("SelectedTargets() = %#v, %v, want %#v, %v", got, ok, tt.want, tt.wantOK)
			}
		})
	}
}

func TestSelectedTargetsSurviveStore(t *testing.T) {
	forEachStore(t, func(t *testing.T, s Store) {
		ctx := context.Background()
		id, err := s.CreateEntity(ctx, newPost("picked", "Picked"))
		if err != nil {
			t.Fatalf("CreateEntity() error = %v", err)
		}
		if err := s.SetMeta(ctx, id, map[string]any{TargetsKey: []string{"site-b"}}); err != nil {
			t.Fatalf("SetMeta() error = %v", err)
		}
		e, err := s.Entity(ctx, id)
		if err != nil {
			t.Fatalf("Entity() error = %v", err)
		}
		got, ok := e.SelectedTargets()
		if !ok || !reflect.DeepEqual(got, []string{"site-b"}) {
			t.Errorf("SelectedTargets() = %v, %v, want [site-b]", got, ok)
		}
	})
}

func TestOrigin(t *testing.T) {
	if _, ok := (&Entity{Meta: map[string]any{"color": "blue"}}).Origin(); ok {
		t.Error("Origin() ok = true for a local entity")
	}
	got, ok := (&Entity{Meta: map[string]any{OriginKey: "node-a"}}).Origin()
	if !ok || got != "node-a" {
		t.Errorf("Origin() = %q, %v, want node-a, true", got, ok)
	}
}
