package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/rotisserie/eris"

	"github.com/sells-group/supplier-backfill/internal/db"
	"github.com/sells-group/supplier-backfill/internal/model"
)

// PostgresStore implements Store using pgxpool.
type PostgresStore struct {
	pool    db.Pool
	closeFn func()
}

// PoolConfig holds optional connection pool tuning parameters.
type PoolConfig struct {
	MaxConns int32
	MinConns int32
}

// NewPostgres creates a PostgresStore with a connection pool.
func NewPostgres(ctx context.Context, connString string, poolCfg *PoolConfig) (*PostgresStore, error) {
	pgxCfg, err := pgxpool.ParseConfig(connString)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: parse config")
	}

	maxConns := int32(10)
	minConns := int32(2)
	if poolCfg != nil {
		if poolCfg.MaxConns > 0 {
			maxConns = poolCfg.MaxConns
		}
		if poolCfg.MinConns > 0 {
			minConns = poolCfg.MinConns
		}
	}
	pgxCfg.MaxConns = maxConns
	pgxCfg.MinConns = minConns
	pgxCfg.MaxConnLifetime = 30 * time.Minute
	pgxCfg.MaxConnIdleTime = 5 * time.Minute

	pool, err := pgxpool.NewWithConfig(ctx, pgxCfg)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: create pool")
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, eris.Wrap(err, "postgres: ping")
	}
	return &PostgresStore{pool: pool, closeFn: pool.Close}, nil
}

const postgresMigration = `
CREATE TABLE IF NOT EXISTS listings (
	key            TEXT PRIMARY KEY,
	display_name   TEXT NOT NULL,
	city           TEXT NOT NULL DEFAULT 'Unknown',
	category_label TEXT NOT NULL DEFAULT 'General',
	tags           TEXT[] NOT NULL DEFAULT '{}',
	verified       BOOLEAN NOT NULL DEFAULT false,
	rating         DOUBLE PRECISION NOT NULL DEFAULT 0,
	address        TEXT NOT NULL DEFAULT '',
	images         TEXT[] NOT NULL DEFAULT '{}',
	created_at     TIMESTAMPTZ NOT NULL DEFAULT now(),
	updated_at     TIMESTAMPTZ NOT NULL DEFAULT now()
);

CREATE INDEX IF NOT EXISTS idx_listings_category ON listings (lower(category_label));
CREATE INDEX IF NOT EXISTS idx_listings_city ON listings (lower(city));
CREATE INDEX IF NOT EXISTS idx_listings_tags ON listings USING GIN (tags);
CREATE INDEX IF NOT EXISTS idx_listings_rank ON listings (verified DESC, rating DESC, updated_at DESC);

CREATE TABLE IF NOT EXISTS sweep_state (
	id            TEXT PRIMARY KEY,
	current_index INTEGER NOT NULL DEFAULT 0,
	last_run      TIMESTAMPTZ,
	updated_at    TIMESTAMPTZ NOT NULL DEFAULT now()
);

CREATE TABLE IF NOT EXISTS bulk_jobs (
	id       TEXT PRIMARY KEY,
	job_id   TEXT NOT NULL,
	state    TEXT NOT NULL,
	snapshot JSONB NOT NULL,
	saved_at TIMESTAMPTZ NOT NULL DEFAULT now()
);
`

var listingColumns = []string{
	"key", "display_name", "city", "category_label", "tags", "verified",
	"rating", "address", "images", "created_at", "updated_at",
}

// listingUpsert merges an incoming row into an existing one. created_at is
// never updated.
var listingUpsert = db.UpsertConfig{
	Table:        "listings",
	Columns:      listingColumns,
	ConflictKeys: []string{"key"},
	UpdateCols: []string{
		"display_name", "city", "category_label", "tags", "verified",
		"rating", "address", "images", "updated_at",
	},
	UpdateExprs: map[string]string{
		"city":       `CASE WHEN EXCLUDED."city" IN ('', 'Unknown') THEN "listings"."city" ELSE EXCLUDED."city" END`,
		"address":    `CASE WHEN EXCLUDED."address" = '' THEN "listings"."address" ELSE EXCLUDED."address" END`,
		"tags":       `ARRAY(SELECT DISTINCT t FROM unnest("listings"."tags" || EXCLUDED."tags") AS t ORDER BY t)`,
		"verified":   `"listings"."verified" OR EXCLUDED."verified"`,
		"rating":     `CASE WHEN EXCLUDED."rating" > 0 THEN EXCLUDED."rating" ELSE "listings"."rating" END`,
		"images":     `CASE WHEN cardinality(EXCLUDED."images") > 0 THEN EXCLUDED."images" ELSE "listings"."images" END`,
		"updated_at": "now()",
	},
}

const selectListing = `SELECT key, display_name, city, category_label, tags, verified, rating, address, images, created_at, updated_at FROM listings`

// Ping checks connectivity.
func (s *PostgresStore) Ping(ctx context.Context) error {
	return eris.Wrap(s.pool.Ping(ctx), "postgres: ping")
}

// Migrate creates tables and indexes.
func (s *PostgresStore) Migrate(ctx context.Context) error {
	_, err := s.pool.Exec(ctx, postgresMigration)
	return eris.Wrap(err, "postgres: migrate")
}

// Close releases the pool.
func (s *PostgresStore) Close() error {
	if s.closeFn != nil {
		s.closeFn()
	}
	return nil
}

// pgWhere builds the WHERE clause for pred with $n placeholders.
func pgWhere(pred model.SearchPredicate) (string, []any) {
	var (
		conds []string
		args  []any
	)
	arg := func(v any) string {
		args = append(args, v)
		return fmt.Sprintf("$%d", len(args))
	}

	for _, term := range matchTerms(pred) {
		p := arg(likePattern(term))
		conds = append(conds, fmt.Sprintf(
			"(lower(category_label) LIKE %[1]s OR lower(display_name) LIKE %[1]s OR EXISTS (SELECT 1 FROM unnest(tags) AS t WHERE lower(t) LIKE %[1]s))", p))
	}
	if loc := strings.ToLower(strings.TrimSpace(pred.Location)); loc != "" {
		p := arg(likePattern(loc))
		conds = append(conds, fmt.Sprintf(
			"(lower(city) LIKE %[1]s OR EXISTS (SELECT 1 FROM unnest(tags) AS t WHERE lower(t) LIKE %[1]s))", p))
	}
	if pred.Filters.VerifiedOnly {
		conds = append(conds, "verified")
	}
	if pred.Filters.TopRated {
		conds = append(conds, "rating >= "+arg(model.TopRatedMinRating))
	}

	if len(conds) == 0 {
		return "", nil
	}
	return " WHERE " + strings.Join(conds, " AND "), args
}

// CountListings implements ListingStore.
func (s *PostgresStore) CountListings(ctx context.Context, pred model.SearchPredicate) (int, error) {
	where, args := pgWhere(pred)
	var n int
	if err := s.pool.QueryRow(ctx, "SELECT count(*) FROM listings"+where, args...).Scan(&n); err != nil {
		return 0, eris.Wrap(err, "postgres: count listings")
	}
	return n, nil
}

// FindListings implements ListingStore.
func (s *PostgresStore) FindListings(ctx context.Context, pred model.SearchPredicate, opts ListOptions) ([]model.ListingRecord, error) {
	opts = normalizeListOptions(opts)
	where, args := pgWhere(pred)
	args = append(args, opts.Limit, opts.Offset)
	query := fmt.Sprintf("%s%s ORDER BY verified DESC, rating DESC, updated_at DESC, key LIMIT $%d OFFSET $%d",
		selectListing, where, len(args)-1, len(args))

	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: find listings")
	}
	defer rows.Close()

	var out []model.ListingRecord
	for rows.Next() {
		rec, err := scanListing(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *rec)
	}
	return out, eris.Wrap(rows.Err(), "postgres: iterate listings")
}

// GetListing implements ListingStore.
func (s *PostgresStore) GetListing(ctx context.Context, key string) (*model.ListingRecord, error) {
	rec, err := scanListing(s.pool.QueryRow(ctx, selectListing+" WHERE key = $1", key))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	return rec, err
}

func scanListing(row pgx.Row) (*model.ListingRecord, error) {
	var r model.ListingRecord
	err := row.Scan(&r.Key, &r.DisplayName, &r.City, &r.CategoryLabel, &r.Tags, &r.Verified,
		&r.Rating, &r.Address, &r.Images, &r.CreatedAt, &r.UpdatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, err
		}
		return nil, eris.Wrap(err, "postgres: scan listing")
	}
	return &r, nil
}

// UpsertListings implements ListingStore.
func (s *PostgresStore) UpsertListings(ctx context.Context, records []model.ListingRecord) (int, error) {
	merged := MergeBatch(records)
	if len(merged) == 0 {
		return 0, nil
	}

	now := time.Now().UTC()
	rows := make([][]any, 0, len(merged))
	for _, r := range merged {
		created := r.CreatedAt
		if created.IsZero() {
			created = now
		}
		city := r.City
		if city == "" {
			city = model.UnknownCity
		}
		label := r.CategoryLabel
		if label == "" {
			label = model.GeneralCategory
		}
		tags := r.Tags
		if tags == nil {
			tags = []string{}
		}
		images := r.Images
		if images == nil {
			images = []string{}
		}
		rows = append(rows, []any{
			r.Key, r.DisplayName, city, label, tags, r.Verified,
			r.Rating, r.Address, images, created, now,
		})
	}

	n, err := db.BulkUpsert(ctx, s.pool, listingUpsert, rows)
	if err != nil {
		return 0, eris.Wrap(err, "postgres: upsert listings")
	}
	return int(n), nil
}

// GetSweepCursor implements CursorStore.
func (s *PostgresStore) GetSweepCursor(ctx context.Context) (*model.SweepCursorState, error) {
	var st model.SweepCursorState
	err := s.pool.QueryRow(ctx,
		`SELECT current_index, last_run FROM sweep_state WHERE id = $1`, SweepCursorKey,
	).Scan(&st.CurrentIndex, &st.LastRun)
	if errors.Is(err, pgx.ErrNoRows) {
		return &model.SweepCursorState{}, nil
	}
	if err != nil {
		return nil, eris.Wrap(err, "postgres: get sweep cursor")
	}
	return &st, nil
}

// SaveSweepCursor implements CursorStore.
func (s *PostgresStore) SaveSweepCursor(ctx context.Context, state model.SweepCursorState) error {
	_, err := s.pool.Exec(ctx,
		`INSERT INTO sweep_state (id, current_index, last_run, updated_at) VALUES ($1, $2, $3, now())
		 ON CONFLICT (id) DO UPDATE SET current_index = EXCLUDED.current_index, last_run = EXCLUDED.last_run, updated_at = now()`,
		SweepCursorKey, state.CurrentIndex, state.LastRun,
	)
	return eris.Wrap(err, "postgres: save sweep cursor")
}

// SaveBulkJob implements JobStore.
func (s *PostgresStore) SaveBulkJob(ctx context.Context, snap *model.BulkJobSnapshot) error {
	data, err := json.Marshal(snap)
	if err != nil {
		return eris.Wrap(err, "postgres: marshal bulk job")
	}
	_, err = s.pool.Exec(ctx,
		`INSERT INTO bulk_jobs (id, job_id, state, snapshot, saved_at) VALUES ($1, $2, $3, $4, $5)
		 ON CONFLICT (id) DO UPDATE SET job_id = EXCLUDED.job_id, state = EXCLUDED.state, snapshot = EXCLUDED.snapshot, saved_at = EXCLUDED.saved_at`,
		BulkJobKey, snap.JobID, string(snap.State), data, snap.SavedAt,
	)
	return eris.Wrap(err, "postgres: save bulk job")
}

// LoadBulkJob implements JobStore.
func (s *PostgresStore) LoadBulkJob(ctx context.Context) (*model.BulkJobSnapshot, error) {
	var data []byte
	err := s.pool.QueryRow(ctx, `SELECT snapshot FROM bulk_jobs WHERE id = $1`, BulkJobKey).Scan(&data)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, eris.Wrap(err, "postgres: load bulk job")
	}
	var snap model.BulkJobSnapshot
	if err := json.Unmarshal(data, &snap); err != nil {
		return nil, eris.Wrap(err, "postgres: unmarshal bulk job")
	}
	return &snap, nil
}
