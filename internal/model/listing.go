// Package model holds the records and value types shared by the backfill engine.
package model

import (
	"time"
)

// UnknownCity is stored when a scraped listing carries no city.
const UnknownCity = "Unknown"

// GeneralCategory is the category label of last resort.
const GeneralCategory = "General"

// ScrapedTag marks records whose latest sighting came from the scrape primitive.
const ScrapedTag = "Scraped"

// TopRatedMinRating is the minimum rating a record needs to pass the top-rated filter.
const TopRatedMinRating = 4.0

// ListingRecord is a business/supplier entry keyed by its phone number.
type ListingRecord struct {
	Key           string    `json:"key" db:"key"`
	DisplayName   string    `json:"display_name" db:"display_name"`
	City          string    `json:"city,omitempty" db:"city"`
	CategoryLabel string    `json:"category_label,omitempty" db:"category_label"`
	Tags          []string  `json:"tags,omitempty" db:"tags"`
	Verified      bool      `json:"verified" db:"verified"`
	Rating        float64   `json:"rating,omitempty" db:"rating"`
	Address       string    `json:"address,omitempty" db:"address"`
	Images        []string  `json:"images,omitempty" db:"images"`
	CreatedAt     time.Time `json:"created_at" db:"created_at"`
	UpdatedAt     time.Time `json:"updated_at" db:"updated_at"`
}

// RawListing is one candidate returned by the scrape primitive. Only Name is
// reliably present; everything else may be empty.
type RawListing struct {
	Name     string   `json:"name"`
	Phone    string   `json:"phone,omitempty"`
	City     string   `json:"city,omitempty"`
	Category string   `json:"category,omitempty"`
	Address  string   `json:"address,omitempty"`
	Images   []string `json:"images,omitempty"`
	Rating   float64  `json:"rating,omitempty"`
}

// Filters are the optional hard filters a search can carry.
type Filters struct {
	VerifiedOnly bool `json:"verified_only,omitempty"`
	TopRated     bool `json:"top_rated,omitempty"`
	OpenNow      bool `json:"open_now,omitempty"`
}

// SearchPredicate describes a search or browse request. It is never persisted.
type SearchPredicate struct {
	Query    string  `json:"query"`
	Location string  `json:"location,omitempty"`
	Category string  `json:"category,omitempty"` // label for new records; defaults to Query
	Filters  Filters `json:"filters"`
}

// Strict reports whether the predicate carries a filter that a scrape cannot
// satisfy. Scraped records arrive unverified and without opening hours, and
// their ratings are whatever the source reports, so backfilling these views
// only adds load.
func (p SearchPredicate) Strict() bool {
	return p.Filters.TopRated || p.Filters.OpenNow || p.Filters.VerifiedOnly
}

// CategoryLabel returns the category new records should carry.
func (p SearchPredicate) CategoryLabel() string {
	switch {
	case p.Category != "":
		return p.Category
	case p.Query != "":
		return p.Query
	default:
		return GeneralCategory
	}
}
