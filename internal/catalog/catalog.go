// Package catalog holds the product taxonomy and city list that drive bulk
// and sweep backfill.
package catalog

import (
	_ "embed"
	"os"
	"strings"

	"github.com/rotisserie/eris"
	"gopkg.in/yaml.v3"
)

//go:embed default_catalog.yaml
var defaultCatalog []byte

// Category groups products under a display label.
type Category struct {
	Name     string   `yaml:"name"`
	Products []string `yaml:"products"`
}

// City is a candidate scrape location. Priority cities are scheduled first
// by bulk backfill.
type City struct {
	Name     string `yaml:"name"`
	Priority bool   `yaml:"priority"`
}

// Product is one flattened catalog entry.
type Product struct {
	Name     string
	Category string
}

// Catalog is the parsed taxonomy.
type Catalog struct {
	Categories []Category `yaml:"categories"`
	Cities     []City     `yaml:"cities"`
}

// Load reads a catalog from path, or the embedded default when path is empty.
func Load(path string) (*Catalog, error) {
	data := defaultCatalog
	if path != "" {
		b, err := os.ReadFile(path)
		if err != nil {
			return nil, eris.Wrapf(err, "catalog: read %s", path)
		}
		data = b
	}
	return Parse(data)
}

// Parse decodes and validates catalog YAML.
func Parse(data []byte) (*Catalog, error) {
	var c Catalog
	if err := yaml.Unmarshal(data, &c); err != nil {
		return nil, eris.Wrap(err, "catalog: parse yaml")
	}
	c.clean()
	if len(c.Products()) == 0 {
		return nil, eris.New("catalog: no products")
	}
	if len(c.Cities) == 0 {
		return nil, eris.New("catalog: no cities")
	}
	return &c, nil
}

// clean trims names and drops blanks and duplicates, keeping first occurrence.
func (c *Catalog) clean() {
	seenProduct := make(map[string]bool)
	cats := c.Categories[:0]
	for _, cat := range c.Categories {
		cat.Name = strings.TrimSpace(cat.Name)
		products := cat.Products[:0]
		for _, p := range cat.Products {
			p = strings.TrimSpace(p)
			key := strings.ToLower(p)
			if p == "" || seenProduct[key] {
				continue
			}
			seenProduct[key] = true
			products = append(products, p)
		}
		cat.Products = products
		if cat.Name != "" && len(cat.Products) > 0 {
			cats = append(cats, cat)
		}
	}
	c.Categories = cats

	seenCity := make(map[string]bool)
	cities := c.Cities[:0]
	for _, city := range c.Cities {
		city.Name = strings.TrimSpace(city.Name)
		key := strings.ToLower(city.Name)
		if city.Name == "" || seenCity[key] {
			continue
		}
		seenCity[key] = true
		cities = append(cities, city)
	}
	c.Cities = cities
}

// Products returns every product in file order.
func (c *Catalog) Products() []Product {
	var out []Product
	for _, cat := range c.Categories {
		for _, p := range cat.Products {
			out = append(out, Product{Name: p, Category: cat.Name})
		}
	}
	return out
}

// CityNames returns all city names in file order.
func (c *Catalog) CityNames() []string {
	out := make([]string, 0, len(c.Cities))
	for _, city := range c.Cities {
		out = append(out, city.Name)
	}
	return out
}

// PriorityCities returns the names of cities flagged as priority.
func (c *Catalog) PriorityCities() []string {
	var out []string
	for _, city := range c.Cities {
		if city.Priority {
			out = append(out, city.Name)
		}
	}
	return out
}
