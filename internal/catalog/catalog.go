// Package catalog records uploaded media and their derived variants in
// SQLite. Rows are keyed by content hash for deduplication and carry the
// optimizer's verdict (optimized or the skip reason).
package catalog

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	_ "modernc.org/sqlite"
)

var (
	// ErrNotFound is returned when no row matches.
	ErrNotFound = errors.New("catalog: not found")
	// ErrDuplicate is returned by Insert when the content hash is already
	// recorded.
	ErrDuplicate = errors.New("catalog: duplicate hash")
)

// Media is one stored upload.
type Media struct {
	ID          int64      `json:"id"`
	Hash        string     `json:"hash"`
	ObjectKey   string     `json:"object_key"`
	MIME        string     `json:"mime_type"`
	Extension   string     `json:"extension"`
	Width       int        `json:"width"`
	Height      int        `json:"height"`
	Size        int64      `json:"size"`
	Reference   string     `json:"reference_type"`
	UploaderID  int64      `json:"uploader_id,omitempty"`
	IsOptimized bool       `json:"is_optimized"`
	OptimizedAt *time.Time `json:"optimized_at,omitempty"`
	SkipReason  string     `json:"skip_reason,omitempty"`
	CreatedAt   time.Time  `json:"created_at"`
	Variants    []Variant  `json:"variants"`
}

// Variant is a derived rendition of a Media row.
type Variant struct {
	ID        int64  `json:"id"`
	MediaID   int64  `json:"media_id"`
	ObjectKey string `json:"object_key"`
	MIME      string `json:"mime_type"`
	Extension string `json:"extension"`
	Width     int    `json:"width"`
	Height    int    `json:"height"`
	Size      int64  `json:"size"`
	Quality   *int   `json:"quality,omitempty"`
	Label     string `json:"variant_type"`
}

// Keys returns the object keys of the media and all its variants.
func (m *Media) Keys() []string {
	keys := []string{m.ObjectKey}
	for _, v := range m.Variants {
		keys = append(keys, v.ObjectKey)
	}
	return keys
}

// Stats holds catalog statistics for the health endpoint.
type Stats struct {
	MediaCount     int            `json:"media_count"`
	OptimizedCount int            `json:"optimized_count"`
	VariantCount   int            `json:"variant_count"`
	TotalBytes     int64          `json:"total_bytes"`
	VariantBytes   int64          `json:"variant_bytes"`
	SkipReasons    map[string]int `json:"skip_reasons"`
	LastUpload     *time.Time     `json:"last_upload,omitempty"`
}

// ListOptions filters and pages List.
type ListOptions struct {
	Reference string
	Limit     int
	Offset    int
}

const (
	DefaultListLimit = 20
	MaxListLimit     = 100
)

// DB wraps a SQLite database for media catalog operations.
type DB struct {
	db *sql.DB
}

// Open creates or opens the catalog database at the given path.
func Open(path string) (*DB, error) {
	db, err := sql.Open("sqlite", path+"?_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)")
	if err != nil {
		return nil, fmt.Errorf("catalog: open: %w", err)
	}

	if err := migrate(db); err != nil {
		db.Close()
		return nil, fmt.Errorf("catalog: migrate: %w", err)
	}

	return &DB{db: db}, nil
}

// Close closes the database connection.
func (d *DB) Close() error {
	return d.db.Close()
}

func migrate(db *sql.DB) error {
	_, err := db.Exec(`
		CREATE TABLE IF NOT EXISTS media (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			hash TEXT UNIQUE NOT NULL,
			object_key TEXT UNIQUE NOT NULL,
			mime_type TEXT NOT NULL,
			extension TEXT NOT NULL,
			width INTEGER NOT NULL DEFAULT 0,
			height INTEGER NOT NULL DEFAULT 0,
			size INTEGER NOT NULL DEFAULT 0,
			reference_type TEXT NOT NULL DEFAULT 'post',
			uploader_id INTEGER NOT NULL DEFAULT 0,
			is_optimized INTEGER NOT NULL DEFAULT 0,
			optimized_at DATETIME,
			skip_reason TEXT NOT NULL DEFAULT '',
			created_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP
		);
		CREATE INDEX IF NOT EXISTS idx_media_reference ON media(reference_type);
		CREATE TABLE IF NOT EXISTS media_variants (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			media_id INTEGER NOT NULL REFERENCES media(id) ON DELETE CASCADE,
			object_key TEXT UNIQUE NOT NULL,
			mime_type TEXT NOT NULL,
			extension TEXT NOT NULL,
			width INTEGER NOT NULL DEFAULT 0,
			height INTEGER NOT NULL DEFAULT 0,
			size INTEGER NOT NULL DEFAULT 0,
			quality INTEGER,
			variant_type TEXT NOT NULL
		);
		CREATE INDEX IF NOT EXISTS idx_media_variants_media ON media_variants(media_id);
	`)
	return err
}

// Insert records m and its variants in one transaction and sets the
// assigned IDs. It returns ErrDuplicate if the hash is already present.
func (d *DB) Insert(ctx context.Context, m *Media) (int64, error) {
	tx, err := d.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, fmt.Errorf("catalog: insert: %w", err)
	}
	defer tx.Rollback()

	var optimizedAt any
	if m.OptimizedAt != nil {
		optimizedAt = m.OptimizedAt.UTC()
	}
	result, err := tx.ExecContext(ctx,
		`INSERT INTO media (hash, object_key, mime_type, extension, width, height, size,
			reference_type, uploader_id, is_optimized, optimized_at, skip_reason)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		 ON CONFLICT(hash) DO NOTHING`,
		m.Hash, m.ObjectKey, m.MIME, m.Extension, m.Width, m.Height, m.Size,
		m.Reference, m.UploaderID, m.IsOptimized, optimizedAt, m.SkipReason,
	)
	if err != nil {
		return 0, fmt.Errorf("catalog: insert: %w", err)
	}
	if n, _ := result.RowsAffected(); n == 0 {
		return 0, ErrDuplicate
	}
	id, err := result.LastInsertId()
	if err != nil {
		return 0, fmt.Errorf("catalog: insert: %w", err)
	}

	for i := range m.Variants {
		v := &m.Variants[i]
		var quality any
		if v.Quality != nil {
			quality = *v.Quality
		}
		res, err := tx.ExecContext(ctx,
			`INSERT INTO media_variants (media_id, object_key, mime_type, extension, width, height, size, quality, variant_type)
			 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
			id, v.ObjectKey, v.MIME, v.Extension, v.Width, v.Height, v.Size, quality, v.Label,
		)
		if err != nil {
			return 0, fmt.Errorf("catalog: insert variant %s: %w", v.Label, err)
		}
		v.MediaID = id
		v.ID, _ = res.LastInsertId()
	}

	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("catalog: insert: %w", err)
	}
	m.ID = id
	return id, nil
}

const mediaColumns = `id, hash, object_key, mime_type, extension, width, height, size,
	reference_type, uploader_id, is_optimized, optimized_at, skip_reason, created_at`

type scanner interface {
	Scan(dest ...any) error
}

func scanMedia(row scanner) (*Media, error) {
	m := &Media{}
	var optimizedAt sql.NullTime
	err := row.Scan(&m.ID, &m.Hash, &m.ObjectKey, &m.MIME, &m.Extension, &m.Width, &m.Height, &m.Size,
		&m.Reference, &m.UploaderID, &m.IsOptimized, &optimizedAt, &m.SkipReason, &m.CreatedAt)
	if err != nil {
		return nil, err
	}
	if optimizedAt.Valid {
		t := optimizedAt.Time
		m.OptimizedAt = &t
	}
	return m, nil
}

func (d *DB) one(ctx context.Context, where string, arg any) (*Media, error) {
	m, err := scanMedia(d.db.QueryRowContext(ctx, "SELECT "+mediaColumns+" FROM media WHERE "+where, arg))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("catalog: get: %w", err)
	}
	if m.Variants, err = d.variants(ctx, m.ID); err != nil {
		return nil, err
	}
	return m, nil
}

// Get returns media by ID with its variants.
func (d *DB) Get(ctx context.Context, id int64) (*Media, error) {
	return d.one(ctx, "id = ?", id)
}

// ByHash returns media by content hash with its variants.
func (d *DB) ByHash(ctx context.Context, hash string) (*Media, error) {
	return d.one(ctx, "hash = ?", hash)
}

// ByObjectKey returns the media whose primary or variant object has key.
func (d *DB) ByObjectKey(ctx context.Context, key string) (*Media, error) {
	return d.one(ctx, "object_key = ? OR id IN (SELECT media_id FROM media_variants WHERE object_key = ?1)", key)
}

func (d *DB) variants(ctx context.Context, mediaID int64) ([]Variant, error) {
	rows, err := d.db.QueryContext(ctx,
		`SELECT id, media_id, object_key, mime_type, extension, width, height, size, quality, variant_type
		 FROM media_variants WHERE media_id = ? ORDER BY id`, mediaID)
	if err != nil {
		return nil, fmt.Errorf("catalog: variants: %w", err)
	}
	defer rows.Close()

	vs := []Variant{}
	for rows.Next() {
		var v Variant
		var quality sql.NullInt64
		if err := rows.Scan(&v.ID, &v.MediaID, &v.ObjectKey, &v.MIME, &v.Extension,
			&v.Width, &v.Height, &v.Size, &quality, &v.Label); err != nil {
			return nil, fmt.Errorf("catalog: variants: %w", err)
		}
		if quality.Valid {
			q := int(quality.Int64)
			v.Quality = &q
		}
		vs = append(vs, v)
	}
	return vs, rows.Err()
}

// List returns a page of media, newest first, and the total number of rows
// matching the filter.
func (d *DB) List(ctx context.Context, opts ListOptions) ([]*Media, int, error) {
	limit := opts.Limit
	if limit <= 0 {
		limit = DefaultListLimit
	}
	limit = min(limit, MaxListLimit)
	offset := max(opts.Offset, 0)

	var where []string
	var args []any
	if opts.Reference != "" {
		where = append(where, "reference_type = ?")
		args = append(args, opts.Reference)
	}
	clause := ""
	if len(where) > 0 {
		clause = " WHERE " + strings.Join(where, " AND ")
	}

	var total int
	if err := d.db.QueryRowContext(ctx, "SELECT COUNT(*) FROM media"+clause, args...).Scan(&total); err != nil {
		return nil, 0, fmt.Errorf("catalog: list: %w", err)
	}

	rows, err := d.db.QueryContext(ctx,
		"SELECT "+mediaColumns+" FROM media"+clause+" ORDER BY id DESC LIMIT ? OFFSET ?",
		append(args, limit, offset)...)
	if err != nil {
		return nil, 0, fmt.Errorf("catalog: list: %w", err)
	}
	items := []*Media{}
	for rows.Next() {
		m, err := scanMedia(rows)
		if err != nil {
			rows.Close()
			return nil, 0, fmt.Errorf("catalog: list: %w", err)
		}
		items = append(items, m)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, 0, fmt.Errorf("catalog: list: %w", err)
	}

	for _, m := range items {
		if m.Variants, err = d.variants(ctx, m.ID); err != nil {
			return nil, 0, err
		}
	}
	return items, total, nil
}

// Delete removes the media row and its variant rows.
func (d *DB) Delete(ctx context.Context, id int64) error {
	tx, err := d.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("catalog: delete: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, "DELETE FROM media_variants WHERE media_id = ?", id); err != nil {
		return fmt.Errorf("catalog: delete variants: %w", err)
	}
	res, err := tx.ExecContext(ctx, "DELETE FROM media WHERE id = ?", id)
	if err != nil {
		return fmt.Errorf("catalog: delete: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return tx.Commit()
}

// Stats returns catalog statistics.
func (d *DB) Stats(ctx context.Context) (*Stats, error) {
	s := &Stats{SkipReasons: map[string]int{}}

	err := d.db.QueryRowContext(ctx,
		"SELECT COUNT(*), COALESCE(SUM(is_optimized), 0), COALESCE(SUM(size), 0) FROM media",
	).Scan(&s.MediaCount, &s.OptimizedCount, &s.TotalBytes)
	if err != nil {
		return nil, fmt.Errorf("catalog: stats: %w", err)
	}
	err = d.db.QueryRowContext(ctx,
		"SELECT COUNT(*), COALESCE(SUM(size), 0) FROM media_variants",
	).Scan(&s.VariantCount, &s.VariantBytes)
	if err != nil {
		return nil, fmt.Errorf("catalog: stats: %w", err)
	}

	rows, err := d.db.QueryContext(ctx,
		"SELECT skip_reason, COUNT(*) FROM media WHERE skip_reason != '' GROUP BY skip_reason")
	if err != nil {
		return nil, fmt.Errorf("catalog: stats: %w", err)
	}
	defer rows.Close()
	for rows.Next() {
		var reason string
		var n int
		if err := rows.Scan(&reason, &n); err != nil {
			return nil, fmt.Errorf("catalog: stats: %w", err)
		}
		s.SkipReasons[reason] = n
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("catalog: stats: %w", err)
	}

	var last time.Time
	err = d.db.QueryRowContext(ctx, "SELECT created_at FROM media ORDER BY id DESC LIMIT 1").Scan(&last)
	switch {
	case errors.Is(err, sql.ErrNoRows):
	case err != nil:
		return nil, fmt.Errorf("catalog: stats: %w", err)
	default:
		s.LastUpload = &last
	}
	return s, nil
}

// Count returns the total number of media rows.
func (d *DB) Count(ctx context.Context) (int, error) {
	var count int
	err := d.db.QueryRowContext(ctx, "SELECT COUNT(*) FROM media").Scan(&count)
	return count, err
}
