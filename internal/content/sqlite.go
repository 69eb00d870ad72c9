package content

import (
	"context"
	"database/sql"
	_ "embed"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/austindbirch/harbor_sync/internal/db"
)

//go:embed schema.sql
var schemaSQL string

// SQLiteStore is a Store backed by a single SQLite database.
type SQLiteStore struct {
	db *sql.DB
}

// OpenSQLite opens or creates the content database at path.
func OpenSQLite(ctx context.Context, path string) (*SQLiteStore, error) {
	conn, err := db.OpenSQLite(ctx, path, schemaSQL)
	if err != nil {
		return nil, fmt.Errorf("content store: %w", err)
	}
	return &SQLiteStore{db: conn}, nil
}

func (s *SQLiteStore) Close() error {
	if s.db == nil {
		return nil
	}
	return s.db.Close()
}

func (s *SQLiteStore) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

const entityColumns = `id, type, slug, title, old_title, content, excerpt, status, author, modified_at, featured_media_id, meta`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanEntity(row rowScanner) (*Entity, error) {
	var (
		e        Entity
		modified string
		meta     string
	)
	if err := row.Scan(&e.ID, &e.Type, &e.Slug, &e.Title, &e.OldTitle, &e.Content, &e.Excerpt,
		&e.Status, &e.Author, &modified, &e.FeaturedMediaID, &meta); err != nil {
		return nil, err
	}
	t, err := time.Parse(time.RFC3339Nano, modified)
	if err != nil {
		return nil, fmt.Errorf("parse modified_at %q: %w", modified, err)
	}
	e.ModifiedAt = t
	if err := json.Unmarshal([]byte(meta), &e.Meta); err != nil {
		return nil, fmt.Errorf("decode meta for entity %d: %w", e.ID, err)
	}
	if e.Meta == nil {
		e.Meta = make(map[string]any)
	}
	return &e, nil
}

func (s *SQLiteStore) loadCategories(ctx context.Context, e *Entity) error {
	rows, err := s.db.QueryContext(ctx, `
		SELECT t.id FROM entity_terms et JOIN terms t ON t.id = et.term_id
		WHERE et.entity_id = ? AND t.taxonomy = ? ORDER BY t.id`, e.ID, CategoryTaxonomy)
	if err != nil {
		return err
	}
	defer rows.Close()
	for rows.Next() {
		var id int64
		if err := rows.Scan(&id); err != nil {
			return err
		}
		e.Categories = append(e.Categories, id)
	}
	return rows.Err()
}

func (s *SQLiteStore) queryEntity(ctx context.Context, what string, key any, query string, args ...any) (*Entity, error) {
	e, err := scanEntity(s.db.QueryRowContext(ctx, query, args...))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, notFound(what, key)
	}
	if err != nil {
		return nil, fmt.Errorf("load %s %v: %w", what, key, err)
	}
	if err := s.loadCategories(ctx, e); err != nil {
		return nil, fmt.Errorf("load categories for entity %d: %w", e.ID, err)
	}
	return e, nil
}

func (s *SQLiteStore) Entity(ctx context.Context, id int64) (*Entity, error) {
	return s.queryEntity(ctx, "entity", id,
		`SELECT `+entityColumns+` FROM entities WHERE id = ?`, id)
}

func (s *SQLiteStore) FindBySlug(ctx context.Context, entityType, slug string) (*Entity, error) {
	return s.queryEntity(ctx, "entity slug", slug,
		`SELECT `+entityColumns+` FROM entities WHERE type = ? AND slug = ? ORDER BY id LIMIT 1`, entityType, slug)
}

func (s *SQLiteStore) FindByTitle(ctx context.Context, entityType, title string) (*Entity, error) {
	return s.queryEntity(ctx, "entity title", title,
		`SELECT `+entityColumns+` FROM entities WHERE type = ? AND title = ? ORDER BY id LIMIT 1`, entityType, title)
}

func encodeMeta(m map[string]any) (string, error) {
	if m == nil {
		return "{}", nil
	}
	data, err := json.Marshal(m)
	if err != nil {
		return "", err
	}
	return string(data), nil
}

func (s *SQLiteStore) CreateEntity(ctx context.Context, e *Entity) (int64, error) {
	meta, err := encodeMeta(e.Meta)
	if err != nil {
		return 0, fmt.Errorf("encode meta: %w", err)
	}
	res, err := s.db.ExecContext(ctx, `
		INSERT INTO entities (type, slug, title, old_title, content, excerpt, status, author, modified_at, featured_media_id, meta)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		e.Type, e.Slug, e.Title, e.OldTitle, e.Content, e.Excerpt, e.Status, e.Author,
		e.ModifiedAt.UTC().Format(time.RFC3339Nano), e.FeaturedMediaID, meta)
	if err != nil {
		return 0, fmt.Errorf("insert entity: %w", err)
	}
	return res.LastInsertId()
}

func (s *SQLiteStore) UpdateEntity(ctx context.Context, e *Entity) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE entities SET type = ?, slug = ?, title = ?, old_title = ?, content = ?, excerpt = ?,
			status = ?, author = ?, modified_at = ?, featured_media_id = ?
		WHERE id = ?`,
		e.Type, e.Slug, e.Title, e.OldTitle, e.Content, e.Excerpt, e.Status, e.Author,
		e.ModifiedAt.UTC().Format(time.RFC3339Nano), e.FeaturedMediaID, e.ID)
	if err != nil {
		return fmt.Errorf("update entity %d: %w", e.ID, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return notFound("entity", e.ID)
	}
	return nil
}

func (s *SQLiteStore) SetMeta(ctx context.Context, entityID int64, values map[string]any) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	var raw string
	err = tx.QueryRowContext(ctx, `SELECT meta FROM entities WHERE id = ?`, entityID).Scan(&raw)
	if errors.Is(err, sql.ErrNoRows) {
		return notFound("entity", entityID)
	}
	if err != nil {
		return fmt.Errorf("load meta for entity %d: %w", entityID, err)
	}

	meta := make(map[string]any)
	if err := json.Unmarshal([]byte(raw), &meta); err != nil {
		return fmt.Errorf("decode meta for entity %d: %w", entityID, err)
	}
	for k, v := range values {
		if v == nil {
			delete(meta, k)
			continue
		}
		meta[k] = v
	}
	encoded, err := encodeMeta(meta)
	if err != nil {
		return fmt.Errorf("encode meta: %w", err)
	}
	if _, err := tx.ExecContext(ctx, `UPDATE entities SET meta = ? WHERE id = ?`, encoded, entityID); err != nil {
		return fmt.Errorf("store meta for entity %d: %w", entityID, err)
	}
	return tx.Commit()
}

func (s *SQLiteStore) Taxonomies(ctx context.Context, entityType string) ([]string, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT name FROM taxonomies WHERE entity_type = ? ORDER BY name`, entityType)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []string
	for rows.Next() {
		var name string
		if err := rows.Scan(&name); err != nil {
			return nil, err
		}
		out = append(out, name)
	}
	return out, rows.Err()
}

func (s *SQLiteStore) RegisterTaxonomy(ctx context.Context, entityType, taxonomy string) error {
	_, err := s.db.ExecContext(ctx, `INSERT OR IGNORE INTO taxonomies (entity_type, name) VALUES (?, ?)`, entityType, taxonomy)
	return err
}

func (s *SQLiteStore) EntityTerms(ctx context.Context, entityID int64, taxonomy string) ([]Term, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT t.id, t.taxonomy, t.name, t.slug, t.description
		FROM entity_terms et JOIN terms t ON t.id = et.term_id
		WHERE et.entity_id = ? AND t.taxonomy = ? ORDER BY t.slug`, entityID, taxonomy)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []Term
	for rows.Next() {
		var t Term
		if err := rows.Scan(&t.ID, &t.Taxonomy, &t.Name, &t.Slug, &t.Description); err != nil {
			return nil, err
		}
		out = append(out, t)
	}
	return out, rows.Err()
}

func (s *SQLiteStore) TermBySlug(ctx context.Context, taxonomy, slug string) (*Term, error) {
	var t Term
	err := s.db.QueryRowContext(ctx, `
		SELECT id, taxonomy, name, slug, description FROM terms WHERE taxonomy = ? AND slug = ?`, taxonomy, slug).
		Scan(&t.ID, &t.Taxonomy, &t.Name, &t.Slug, &t.Description)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, notFound("term", taxonomy+"/"+slug)
	}
	if err != nil {
		return nil, err
	}
	return &t, nil
}

func (s *SQLiteStore) CreateTerm(ctx context.Context, t *Term) (int64, error) {
	res, err := s.db.ExecContext(ctx, `
		INSERT INTO terms (taxonomy, name, slug, description) VALUES (?, ?, ?, ?)`,
		t.Taxonomy, t.Name, t.Slug, t.Description)
	if err != nil {
		return 0, fmt.Errorf("create term %s/%s: %w", t.Taxonomy, t.Slug, err)
	}
	return res.LastInsertId()
}

func (s *SQLiteStore) SetEntityTerms(ctx context.Context, entityID int64, taxonomy string, termIDs []int64) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, `
		DELETE FROM entity_terms WHERE entity_id = ?
		AND term_id IN (SELECT id FROM terms WHERE taxonomy = ?)`, entityID, taxonomy); err != nil {
		return fmt.Errorf("clear %s terms for entity %d: %w", taxonomy, entityID, err)
	}

	stmt, err := tx.PrepareContext(ctx, `INSERT OR IGNORE INTO entity_terms (entity_id, term_id) VALUES (?, ?)`)
	if err != nil {
		return err
	}
	defer stmt.Close()
	for _, termID := range termIDs {
		if _, err := stmt.ExecContext(ctx, entityID, termID); err != nil {
			return fmt.Errorf("attach term %d to entity %d: %w", termID, entityID, err)
		}
	}
	return tx.Commit()
}

const mediaColumns = `id, source_url, url, filename, mime_type, hash, data, meta`

func (s *SQLiteStore) queryMedia(ctx context.Context, what string, key any, query string, args ...any) (*Media, error) {
	var (
		m    Media
		meta string
	)
	err := s.db.QueryRowContext(ctx, query, args...).
		Scan(&m.ID, &m.SourceURL, &m.URL, &m.Filename, &m.MimeType, &m.Hash, &m.Data, &meta)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, notFound(what, key)
	}
	if err != nil {
		return nil, fmt.Errorf("load %s %v: %w", what, key, err)
	}
	if err := json.Unmarshal([]byte(meta), &m.Meta); err != nil {
		return nil, fmt.Errorf("decode media meta %d: %w", m.ID, err)
	}
	if m.Meta == nil {
		m.Meta = make(map[string]string)
	}
	return &m, nil
}

func (s *SQLiteStore) Media(ctx context.Context, id int64) (*Media, error) {
	return s.queryMedia(ctx, "media", id, `SELECT `+mediaColumns+` FROM media WHERE id = ?`, id)
}

func (s *SQLiteStore) MediaBySourceURL(ctx context.Context, url string) (*Media, error) {
	if url == "" {
		return nil, notFound("media source", url)
	}
	return s.queryMedia(ctx, "media source", url,
		`SELECT `+mediaColumns+` FROM media WHERE source_url = ? ORDER BY id LIMIT 1`, url)
}

func (s *SQLiteStore) MediaByHash(ctx context.Context, hash string) (*Media, error) {
	if hash == "" {
		return nil, notFound("media hash", hash)
	}
	return s.queryMedia(ctx, "media hash", hash,
		`SELECT `+mediaColumns+` FROM media WHERE hash = ? ORDER BY id LIMIT 1`, hash)
}

func (s *SQLiteStore) CreateMedia(ctx context.Context, m *Media) (int64, error) {
	meta, err := json.Marshal(m.Meta)
	if err != nil {
		return 0, err
	}
	if m.Meta == nil {
		meta = []byte("{}")
	}
	res, err := s.db.ExecContext(ctx, `
		INSERT INTO media (source_url, url, filename, mime_type, hash, data, meta)
		VALUES (?, ?, ?, ?, ?, ?, ?)`,
		m.SourceURL, m.URL, m.Filename, m.MimeType, m.Hash, m.Data, string(meta))
	if err != nil {
		return 0, fmt.Errorf("insert media: %w", err)
	}
	return res.LastInsertId()
}

func (s *SQLiteStore) SetMediaMeta(ctx context.Context, mediaID int64, key, value string) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	var raw string
	err = tx.QueryRowContext(ctx, `SELECT meta FROM media WHERE id = ?`, mediaID).Scan(&raw)
	if errors.Is(err, sql.ErrNoRows) {
		return notFound("media", mediaID)
	}
	if err != nil {
		return err
	}
	meta := make(map[string]string)
	if err := json.Unmarshal([]byte(raw), &meta); err != nil {
		return fmt.Errorf("decode media meta %d: %w", mediaID, err)
	}
	meta[key] = value
	encoded, err := json.Marshal(meta)
	if err != nil {
		return err
	}
	if _, err := tx.ExecContext(ctx, `UPDATE media SET meta = ? WHERE id = ?`, string(encoded), mediaID); err != nil {
		return err
	}
	return tx.Commit()
}
