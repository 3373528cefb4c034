package backfill

import (
	"strings"
	"time"

	"github.com/sells-group/supplier-backfill/internal/model"
)

// UnnamedSupplier is the display name for listings scraped without a name.
const UnnamedSupplier = "Unnamed Supplier"

const (
	minPhoneDigits = 7
	maxPhoneDigits = 15
	maxImages      = 10
)

// NormalizePhone reduces a phone number to the digits used as a listing key.
// The Indian country code and trunk prefix are dropped so "+91 98100 12345",
// "098100 12345" and "9810012345" share a key.
func NormalizePhone(raw string) (string, bool) {
	var b strings.Builder
	for _, r := range raw {
		if r >= '0' && r <= '9' {
			b.WriteRune(r)
		}
	}
	digits := b.String()
	if len(digits) == 12 && strings.HasPrefix(digits, "91") {
		digits = digits[2:]
	}
	digits = strings.TrimPrefix(digits, "0")
	if len(digits) < minPhoneDigits || len(digits) > maxPhoneDigits {
		return "", false
	}
	return digits, true
}

// NormalizeListing converts a raw scrape result into a record for pred. It
// reports false for listings without a usable key.
func NormalizeListing(raw model.RawListing, pred model.SearchPredicate, now time.Time) (model.ListingRecord, bool) {
	key, ok := NormalizePhone(raw.Phone)
	if !ok {
		return model.ListingRecord{}, false
	}

	name := collapseSpace(raw.Name)
	if name == "" {
		name = UnnamedSupplier
	}
	city := collapseSpace(raw.City)
	if city == "" {
		city = model.UnknownCity
	}
	category := collapseSpace(raw.Category)
	if category == "" {
		category = pred.CategoryLabel()
	}

	rating := raw.Rating
	if rating < 0 || rating > 5 {
		rating = 0
	}

	return model.ListingRecord{
		Key:           key,
		DisplayName:   name,
		City:          city,
		CategoryLabel: category,
		Tags:          Tags(pred),
		Rating:        rating,
		Address:       collapseSpace(raw.Address),
		Images:        cleanImages(raw.Images),
		CreatedAt:     now,
		UpdatedAt:     now,
	}, true
}

// Tags returns the tags a scrape for pred attaches: the query, the category,
// the location and the provenance marker.
func Tags(pred model.SearchPredicate) []string {
	var tags []string
	seen := make(map[string]bool)
	for _, t := range []string{pred.Query, pred.CategoryLabel(), pred.Location, model.ScrapedTag} {
		t = collapseSpace(t)
		if t == "" || seen[strings.ToLower(t)] {
			continue
		}
		seen[strings.ToLower(t)] = true
		tags = append(tags, t)
	}
	return tags
}

// NormalizeBatch normalizes raws, dropping keyless listings and collapsing
// duplicate keys. It returns the records and the number dropped.
func NormalizeBatch(raws []model.RawListing, pred model.SearchPredicate, now time.Time) ([]model.ListingRecord, int) {
	out := make([]model.ListingRecord, 0, len(raws))
	seen := make(map[string]int, len(raws))
	dropped := 0
	for _, raw := range raws {
		rec, ok := NormalizeListing(raw, pred, now)
		if !ok {
			dropped++
			continue
		}
		if i, dup := seen[rec.Key]; dup {
			// Later sightings only fill gaps in the earlier one.
			if out[i].City == model.UnknownCity && rec.City != model.UnknownCity {
				out[i].City = rec.City
			}
			if out[i].Address == "" {
				out[i].Address = rec.Address
			}
			continue
		}
		seen[rec.Key] = len(out)
		out = append(out, rec)
	}
	return out, dropped
}

func cleanImages(images []string) []string {
	var out []string
	seen := make(map[string]bool)
	for _, img := range images {
		img = strings.TrimSpace(img)
		if img == "" || seen[img] {
			continue
		}
		seen[img] = true
		out = append(out, img)
		if len(out) == maxImages {
			break
		}
	}
	return out
}
