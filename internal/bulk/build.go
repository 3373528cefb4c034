// Package bulk runs admin-triggered backfill over the whole product×city
// catalog with a bounded pool of workers.
package bulk

import (
	"math/rand/v2"

	"github.com/sells-group/supplier-backfill/internal/catalog"
	"github.com/sells-group/supplier-backfill/internal/model"
)

// BuildQueue flattens products×cities into tasks. Tasks for priority cities
// are shuffled and placed ahead of the shuffled rest.
func BuildQueue(products []catalog.Product, cities []catalog.City, rng *rand.Rand) []model.BackfillTask {
	if rng == nil {
		rng = rand.New(rand.NewPCG(rand.Uint64(), rand.Uint64()))
	}

	var priority, rest []model.BackfillTask
	for _, p := range products {
		for _, c := range cities {
			t := model.BackfillTask{
				ProductName:   p.Name,
				CityName:      c.Name,
				CategoryLabel: p.Category,
				Priority:      c.Priority,
			}
			if c.Priority {
				priority = append(priority, t)
			} else {
				rest = append(rest, t)
			}
		}
	}

	rng.Shuffle(len(priority), func(i, j int) { priority[i], priority[j] = priority[j], priority[i] })
	rng.Shuffle(len(rest), func(i, j int) { rest[i], rest[j] = rest[j], rest[i] })
	return append(priority, rest...)
}

// CatalogSource returns a task builder over cat that reshuffles on every call.
func CatalogSource(cat *catalog.Catalog) func() []model.BackfillTask {
	return func() []model.BackfillTask {
		return BuildQueue(cat.Products(), cat.Cities, nil)
	}
}
