package model

import "time"

// BackfillTask is one (product, city) unit of bulk backfill work.
type BackfillTask struct {
	ProductName   string `json:"product_name"`
	CityName      string `json:"city_name"`
	CategoryLabel string `json:"category_label"`
	Priority      bool   `json:"priority,omitempty"`
}

// Predicate builds the search predicate a worker backfills for this task.
func (t BackfillTask) Predicate() SearchPredicate {
	return SearchPredicate{
		Query:    t.ProductName,
		Location: t.CityName,
		Category: t.CategoryLabel,
	}
}

// String identifies the task in logs.
func (t BackfillTask) String() string {
	return t.ProductName + " @ " + t.CityName
}

// SweepCursorState is the persisted position of the unattended sweep.
type SweepCursorState struct {
	CurrentIndex int        `json:"current_index"`
	LastRun      *time.Time `json:"last_run,omitempty"`
}

// SweepResult summarizes one sweep batch.
type SweepResult struct {
	ProcessedCount int    `json:"processed_count"`
	Succeeded      int    `json:"succeeded"`
	Failed         int    `json:"failed"`
	Persisted      int    `json:"persisted"`
	NextIndex      int    `json:"next_index"`
	TotalProducts  int    `json:"total_products"`
	City           string `json:"city,omitempty"`
	CycleComplete  bool   `json:"cycle_complete"`
}
