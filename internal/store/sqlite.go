package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"strings"
	"time"

	"github.com/rotisserie/eris"
	_ "modernc.org/sqlite"

	"github.com/sells-group/supplier-backfill/internal/model"
)

// SQLiteStore implements Store using modernc.org/sqlite.
type SQLiteStore struct {
	db *sql.DB
}

// NewSQLite opens a SQLite database at the given path and configures WAL mode.
func NewSQLite(dsn string) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: open")
	}
	// One writer keeps read-merge-write upserts serialized.
	db.SetMaxOpenConns(1)
	for _, pragma := range []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA busy_timeout=5000",
		"PRAGMA synchronous=NORMAL",
	} {
		if _, err := db.Exec(pragma); err != nil {
			db.Close()
			return nil, eris.Wrapf(err, "sqlite: exec %s", pragma)
		}
	}
	return &SQLiteStore{db: db}, nil
}

const sqliteMigration = `
CREATE TABLE IF NOT EXISTS listings (
	key            TEXT PRIMARY KEY,
	display_name   TEXT NOT NULL,
	city           TEXT NOT NULL DEFAULT 'Unknown',
	category_label TEXT NOT NULL DEFAULT 'General',
	tags           TEXT NOT NULL DEFAULT '[]',
	verified       INTEGER NOT NULL DEFAULT 0,
	rating         REAL NOT NULL DEFAULT 0,
	address        TEXT NOT NULL DEFAULT '',
	images         TEXT NOT NULL DEFAULT '[]',
	created_at     DATETIME NOT NULL DEFAULT (datetime('now')),
	updated_at     DATETIME NOT NULL DEFAULT (datetime('now'))
);

CREATE INDEX IF NOT EXISTS idx_listings_category ON listings(category_label);
CREATE INDEX IF NOT EXISTS idx_listings_city ON listings(city);

CREATE TABLE IF NOT EXISTS sweep_state (
	id            TEXT PRIMARY KEY,
	current_index INTEGER NOT NULL DEFAULT 0,
	last_run      DATETIME,
	updated_at    DATETIME NOT NULL DEFAULT (datetime('now'))
);

CREATE TABLE IF NOT EXISTS bulk_jobs (
	id       TEXT PRIMARY KEY,
	job_id   TEXT NOT NULL,
	state    TEXT NOT NULL,
	snapshot TEXT NOT NULL,
	saved_at DATETIME NOT NULL DEFAULT (datetime('now'))
);
`

const sqliteSelectListing = `SELECT key, display_name, city, category_label, tags, verified, rating, address, images, created_at, updated_at FROM listings`

// Ping checks the database handle.
func (s *SQLiteStore) Ping(ctx context.Context) error {
	return eris.Wrap(s.db.PingContext(ctx), "sqlite: ping")
}

// Migrate creates tables and indexes.
func (s *SQLiteStore) Migrate(ctx context.Context) error {
	_, err := s.db.ExecContext(ctx, sqliteMigration)
	return eris.Wrap(err, "sqlite: migrate")
}

// Close closes the database.
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

func sqliteWhere(pred model.SearchPredicate) (string, []any) {
	var (
		conds []string
		args  []any
	)
	for _, term := range matchTerms(pred) {
		p := likePattern(term)
		conds = append(conds, `(lower(category_label) LIKE ? ESCAPE '\' OR lower(display_name) LIKE ? ESCAPE '\' OR EXISTS (SELECT 1 FROM json_each(listings.tags) WHERE lower(json_each.value) LIKE ? ESCAPE '\'))`)
		args = append(args, p, p, p)
	}
	if loc := strings.ToLower(strings.TrimSpace(pred.Location)); loc != "" {
		p := likePattern(loc)
		conds = append(conds, `(lower(city) LIKE ? ESCAPE '\' OR EXISTS (SELECT 1 FROM json_each(listings.tags) WHERE lower(json_each.value) LIKE ? ESCAPE '\'))`)
		args = append(args, p, p)
	}
	if pred.Filters.VerifiedOnly {
		conds = append(conds, "verified = 1")
	}
	if pred.Filters.TopRated {
		conds = append(conds, "rating >= ?")
		args = append(args, model.TopRatedMinRating)
	}
	if len(conds) == 0 {
		return "", nil
	}
	return " WHERE " + strings.Join(conds, " AND "), args
}

// CountListings implements ListingStore.
func (s *SQLiteStore) CountListings(ctx context.Context, pred model.SearchPredicate) (int, error) {
	where, args := sqliteWhere(pred)
	var n int
	if err := s.db.QueryRowContext(ctx, "SELECT count(*) FROM listings"+where, args...).Scan(&n); err != nil {
		return 0, eris.Wrap(err, "sqlite: count listings")
	}
	return n, nil
}

// FindListings implements ListingStore.
func (s *SQLiteStore) FindListings(ctx context.Context, pred model.SearchPredicate, opts ListOptions) ([]model.ListingRecord, error) {
	opts = normalizeListOptions(opts)
	where, args := sqliteWhere(pred)
	args = append(args, opts.Limit, opts.Offset)

	rows, err := s.db.QueryContext(ctx,
		sqliteSelectListing+where+" ORDER BY verified DESC, rating DESC, updated_at DESC, key LIMIT ? OFFSET ?",
		args...)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: find listings")
	}
	defer rows.Close() //nolint:errcheck

	var out []model.ListingRecord
	for rows.Next() {
		rec, err := scanSQLiteListing(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *rec)
	}
	return out, eris.Wrap(rows.Err(), "sqlite: iterate listings")
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanSQLiteListing(row rowScanner) (*model.ListingRecord, error) {
	var (
		r            model.ListingRecord
		tags, images string
		verified     int
	)
	if err := row.Scan(&r.Key, &r.DisplayName, &r.City, &r.CategoryLabel, &tags, &verified,
		&r.Rating, &r.Address, &images, &r.CreatedAt, &r.UpdatedAt); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, err
		}
		return nil, eris.Wrap(err, "sqlite: scan listing")
	}
	r.Verified = verified != 0
	if err := json.Unmarshal([]byte(tags), &r.Tags); err != nil {
		return nil, eris.Wrapf(err, "sqlite: decode tags for %s", r.Key)
	}
	if err := json.Unmarshal([]byte(images), &r.Images); err != nil {
		return nil, eris.Wrapf(err, "sqlite: decode images for %s", r.Key)
	}
	return &r, nil
}

// GetListing implements ListingStore.
func (s *SQLiteStore) GetListing(ctx context.Context, key string) (*model.ListingRecord, error) {
	return getSQLiteListing(ctx, s.db, key)
}

type sqliteQueryer interface {
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

func getSQLiteListing(ctx context.Context, q sqliteQueryer, key string) (*model.ListingRecord, error) {
	rec, err := scanSQLiteListing(q.QueryRowContext(ctx, sqliteSelectListing+" WHERE key = ?", key))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	return rec, err
}

// UpsertListings implements ListingStore. Each record is merged with the
// stored row inside one transaction.
func (s *SQLiteStore) UpsertListings(ctx context.Context, records []model.ListingRecord) (int, error) {
	merged := MergeBatch(records)
	if len(merged) == 0 {
		return 0, nil
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, eris.Wrap(err, "sqlite: begin upsert")
	}
	defer tx.Rollback() //nolint:errcheck

	stmt, err := tx.PrepareContext(ctx, `
		INSERT INTO listings (key, display_name, city, category_label, tags, verified, rating, address, images, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(key) DO UPDATE SET
			display_name = excluded.display_name,
			city = excluded.city,
			category_label = excluded.category_label,
			tags = excluded.tags,
			verified = excluded.verified,
			rating = excluded.rating,
			address = excluded.address,
			images = excluded.images,
			updated_at = excluded.updated_at`)
	if err != nil {
		return 0, eris.Wrap(err, "sqlite: prepare upsert")
	}
	defer stmt.Close() //nolint:errcheck

	now := time.Now().UTC()
	for _, r := range merged {
		existing, err := getSQLiteListing(ctx, tx, r.Key)
		switch {
		case errors.Is(err, ErrNotFound):
			if r.CreatedAt.IsZero() {
				r.CreatedAt = now
			}
		case err != nil:
			return 0, err
		default:
			r = mergeRecord(*existing, r)
		}
		r.UpdatedAt = now
		if r.City == "" {
			r.City = model.UnknownCity
		}
		if r.CategoryLabel == "" {
			r.CategoryLabel = model.GeneralCategory
		}

		tags, err := json.Marshal(nonNil(r.Tags))
		if err != nil {
			return 0, eris.Wrap(err, "sqlite: encode tags")
		}
		images, err := json.Marshal(nonNil(r.Images))
		if err != nil {
			return 0, eris.Wrap(err, "sqlite: encode images")
		}

		verified := 0
		if r.Verified {
			verified = 1
		}
		if _, err := stmt.ExecContext(ctx, r.Key, r.DisplayName, r.City, r.CategoryLabel, string(tags),
			verified, r.Rating, r.Address, string(images), r.CreatedAt, r.UpdatedAt); err != nil {
			return 0, eris.Wrapf(err, "sqlite: upsert listing %s", r.Key)
		}
	}

	if err := tx.Commit(); err != nil {
		return 0, eris.Wrap(err, "sqlite: commit upsert")
	}
	return len(merged), nil
}

func nonNil(s []string) []string {
	if s == nil {
		return []string{}
	}
	return s
}

// GetSweepCursor implements CursorStore.
func (s *SQLiteStore) GetSweepCursor(ctx context.Context) (*model.SweepCursorState, error) {
	var (
		st      model.SweepCursorState
		lastRun sql.NullTime
	)
	err := s.db.QueryRowContext(ctx,
		`SELECT current_index, last_run FROM sweep_state WHERE id = ?`, SweepCursorKey,
	).Scan(&st.CurrentIndex, &lastRun)
	if errors.Is(err, sql.ErrNoRows) {
		return &model.SweepCursorState{}, nil
	}
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: get sweep cursor")
	}
	if lastRun.Valid {
		t := lastRun.Time
		st.LastRun = &t
	}
	return &st, nil
}

// SaveSweepCursor implements CursorStore.
func (s *SQLiteStore) SaveSweepCursor(ctx context.Context, state model.SweepCursorState) error {
	var lastRun any
	if state.LastRun != nil {
		lastRun = state.LastRun.UTC()
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO sweep_state (id, current_index, last_run, updated_at) VALUES (?, ?, ?, ?)
		 ON CONFLICT(id) DO UPDATE SET current_index = excluded.current_index, last_run = excluded.last_run, updated_at = excluded.updated_at`,
		SweepCursorKey, state.CurrentIndex, lastRun, time.Now().UTC(),
	)
	return eris.Wrap(err, "sqlite: save sweep cursor")
}

// SaveBulkJob implements JobStore.
func (s *SQLiteStore) SaveBulkJob(ctx context.Context, snap *model.BulkJobSnapshot) error {
	data, err := json.Marshal(snap)
	if err != nil {
		return eris.Wrap(err, "sqlite: marshal bulk job")
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO bulk_jobs (id, job_id, state, snapshot, saved_at) VALUES (?, ?, ?, ?, ?)
		 ON CONFLICT(id) DO UPDATE SET job_id = excluded.job_id, state = excluded.state, snapshot = excluded.snapshot, saved_at = excluded.saved_at`,
		BulkJobKey, snap.JobID, string(snap.State), string(data), snap.SavedAt.UTC(),
	)
	return eris.Wrap(err, "sqlite: save bulk job")
}

// LoadBulkJob implements JobStore.
func (s *SQLiteStore) LoadBulkJob(ctx context.Context) (*model.BulkJobSnapshot, error) {
	var data string
	err := s.db.QueryRowContext(ctx, `SELECT snapshot FROM bulk_jobs WHERE id = ?`, BulkJobKey).Scan(&data)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: load bulk job")
	}
	var snap model.BulkJobSnapshot
	if err := json.Unmarshal([]byte(data), &snap); err != nil {
		return nil, eris.Wrap(err, "sqlite: unmarshal bulk job")
	}
	return &snap, nil
}
