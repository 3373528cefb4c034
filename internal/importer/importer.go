// Package importer loads supplier listings from spreadsheets an operator
// maintains by hand.
package importer

import (
	"context"
	"strings"
	"time"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/sells-group/supplier-backfill/internal/backfill"
	"github.com/sells-group/supplier-backfill/internal/model"
)

// ImportedTag marks records that came from a manual import.
const ImportedTag = "Imported"

const defaultBatchSize = 500

// Upserter writes listing records.
type Upserter interface {
	UpsertListings(ctx context.Context, records []model.ListingRecord) (int, error)
}

// Stats summarizes an import.
type Stats struct {
	Rows      int `json:"rows"`
	Upserted  int `json:"upserted"`
	Skipped   int `json:"skipped"`
	Duplicate int `json:"duplicate"`
	Batches   int `json:"batches"`
}

// Importer maps spreadsheet rows onto listing records.
type Importer struct {
	store     Upserter
	batchSize int
	now       func() time.Time
}

// New creates an importer writing to st.
func New(st Upserter) *Importer {
	return &Importer{
		store:     st,
		batchSize: defaultBatchSize,
		now:       func() time.Time { return time.Now().UTC() },
	}
}

// ImportFile reads path and upserts its rows.
func (im *Importer) ImportFile(ctx context.Context, path string) (*Stats, error) {
	rows, err := ReadRows(path)
	if err != nil {
		return nil, err
	}
	return im.ImportRows(ctx, rows)
}

// ImportRows upserts rows whose first element is the header. Recognized
// columns are name, phone, city, category, tags, verified and address; header
// matching is case-insensitive and unknown columns are ignored.
func (im *Importer) ImportRows(ctx context.Context, rows [][]string) (*Stats, error) {
	log := zap.L().With(zap.String("component", "importer"))
	stats := &Stats{}
	if len(rows) < 2 {
		return stats, nil
	}

	cols := mapHeader(rows[0])
	if _, ok := cols["phone"]; !ok {
		return nil, eris.New("importer: header has no phone column")
	}

	now := im.now()
	seen := make(map[string]bool)
	batch := make([]model.ListingRecord, 0, im.batchSize)

	flush := func() error {
		if len(batch) == 0 {
			return nil
		}
		n, err := im.store.UpsertListings(ctx, batch)
		if err != nil {
			return eris.Wrapf(err, "importer: upsert batch %d", stats.Batches+1)
		}
		stats.Upserted += n
		stats.Batches++
		log.Debug("import batch written", zap.Int("batch", stats.Batches), zap.Int("records", n))
		batch = batch[:0]
		return nil
	}

	for _, row := range rows[1:] {
		if err := ctx.Err(); err != nil {
			return stats, eris.Wrap(err, "importer: cancelled")
		}
		if blank(row) {
			continue
		}
		stats.Rows++

		rec, ok := recordFromRow(cols, row, now)
		if !ok {
			stats.Skipped++
			continue
		}
		if seen[rec.Key] {
			stats.Duplicate++
			continue
		}
		seen[rec.Key] = true

		batch = append(batch, rec)
		if len(batch) >= im.batchSize {
			if err := flush(); err != nil {
				return stats, err
			}
		}
	}
	if err := flush(); err != nil {
		return stats, err
	}

	log.Info("import complete",
		zap.Int("rows", stats.Rows),
		zap.Int("upserted", stats.Upserted),
		zap.Int("skipped", stats.Skipped),
		zap.Int("duplicate", stats.Duplicate),
	)
	return stats, nil
}

func mapHeader(header []string) map[string]int {
	cols := make(map[string]int, len(header))
	for i, h := range header {
		name := strings.ToLower(strings.TrimSpace(strings.TrimPrefix(h, "\ufeff")))
		if _, dup := cols[name]; name != "" && !dup {
			cols[name] = i
		}
	}
	return cols
}

func recordFromRow(cols map[string]int, row []string, now time.Time) (model.ListingRecord, bool) {
	get := func(col string) string {
		i, ok := cols[col]
		if !ok || i >= len(row) {
			return ""
		}
		return strings.Join(strings.Fields(row[i]), " ")
	}

	key, ok := backfill.NormalizePhone(get("phone"))
	if !ok {
		return model.ListingRecord{}, false
	}

	name := get("name")
	if name == "" {
		name = backfill.UnnamedSupplier
	}
	city := get("city")
	if city == "" {
		city = model.UnknownCity
	}
	category := get("category")
	if category == "" {
		category = model.GeneralCategory
	}

	return model.ListingRecord{
		Key:           key,
		DisplayName:   name,
		City:          city,
		CategoryLabel: category,
		Tags:          splitTags(get("tags"), category, city),
		Verified:      parseBool(get("verified")),
		Address:       get("address"),
		CreatedAt:     now,
		UpdatedAt:     now,
	}, true
}

// splitTags accepts tags separated by commas, semicolons or pipes.
func splitTags(raw, category, city string) []string {
	fields := strings.FieldsFunc(raw, func(r rune) bool { return r == ',' || r == ';' || r == '|' })
	fields = append(fields, category)
	if city != model.UnknownCity {
		fields = append(fields, city)
	}
	fields = append(fields, ImportedTag)

	var tags []string
	seen := make(map[string]bool)
	for _, f := range fields {
		f = strings.TrimSpace(f)
		if f == "" || seen[strings.ToLower(f)] {
			continue
		}
		seen[strings.ToLower(f)] = true
		tags = append(tags, f)
	}
	return tags
}

func parseBool(s string) bool {
	switch strings.ToLower(s) {
	case "1", "true", "yes", "y", "verified":
		return true
	}
	return false
}

func blank(row []string) bool {
	for _, c := range row {
		if strings.TrimSpace(c) != "" {
			return false
		}
	}
	return true
}
