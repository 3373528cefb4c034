package bulk

import (
	"math/rand/v2"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sells-group/supplier-backfill/internal/catalog"
	"github.com/sells-group/supplier-backfill/internal/model"
)

func TestBuildQueue_PriorityFirst(t *testing.T) {
	products := []catalog.Product{
		{Name: "TMT Bars", Category: "Steel"},
		{Name: "PVC Pipes", Category: "Plumbing"},
		{Name: "Cement", Category: "Building Materials"},
	}
	cities := []catalog.City{
		{Name: "Delhi", Priority: true},
		{Name: "Nagpur"},
		{Name: "Mumbai", Priority: true},
		{Name: "Indore"},
	}

	tasks := BuildQueue(products, cities, rand.New(rand.NewPCG(1, 2)))
	require.Len(t, tasks, 12)

	for i, task := range tasks {
		if i < 6 {
			assert.True(t, task.Priority, "task %d: %s", i, task)
		} else {
			assert.False(t, task.Priority, "task %d: %s", i, task)
		}
	}

	seen := make(map[string]bool)
	for _, task := range tasks {
		assert.False(t, seen[task.String()], "duplicate %s", task)
		seen[task.String()] = true
	}
	assert.Equal(t, "Steel", findTask(tasks, "TMT Bars", "Indore").CategoryLabel)
}

func TestBuildQueue_Shuffles(t *testing.T) {
	var products []catalog.Product
	for i := 0; i < 20; i++ {
		products = append(products, catalog.Product{Name: string(rune('a' + i)), Category: "x"})
	}
	cities := []catalog.City{{Name: "Surat"}}

	a := BuildQueue(products, cities, rand.New(rand.NewPCG(1, 1)))
	b := BuildQueue(products, cities, rand.New(rand.NewPCG(9, 9)))
	assert.ElementsMatch(t, a, b)
	assert.NotEqual(t, a, b)
}

func TestCatalogSource(t *testing.T) {
	cat, err := catalog.Load("")
	require.NoError(t, err)

	tasks := CatalogSource(cat)()
	assert.Len(t, tasks, len(cat.Products())*len(cat.Cities))
	assert.True(t, tasks[0].Priority)
}

func TestQueue_ConcurrentPop(t *testing.T) {
	q := NewQueue(makeTasks(1000))

	var (
		mu   sync.Mutex
		seen = make(map[string]int)
		wg   sync.WaitGroup
	)
	for w := 0; w < 16; w++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for {
				task, ok := q.Pop()
				if !ok {
					return
				}
				mu.Lock()
				seen[task.ProductName]++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()

	assert.Len(t, seen, 1000)
	for name, n := range seen {
		assert.Equal(t, 1, n, name)
	}
	assert.Equal(t, 0, q.Len())
}

func TestQueue_Clear(t *testing.T) {
	q := NewQueue(makeTasks(3))

	task, ok := q.Pop()
	require.True(t, ok)
	assert.Equal(t, makeTasks(3)[0], task)
	assert.Equal(t, 2, q.Len())
	assert.Equal(t, 2, q.Clear())
	_, ok = q.Pop()
	assert.False(t, ok)
}

func findTask(tasks []model.BackfillTask, product, city string) model.BackfillTask {
	for _, t := range tasks {
		if t.ProductName == product && t.CityName == city {
			return t
		}
	}
	return model.BackfillTask{}
}
