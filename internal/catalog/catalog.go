// Package catalog is the static registry of entities the source API exposes.
package catalog

import (
	"fmt"
	"os"
	"sort"

	"gopkg.in/yaml.v3"

	"github.com/BartekS5/possync/internal/syncerr"
	"github.com/BartekS5/possync/pkg/models"
)

// DefaultPageSize applies to definitions that do not set one.
const DefaultPageSize = 100

// Catalog maps entity names to definitions. It is never mutated after
// construction; the With* helpers return a new catalog.
type Catalog struct {
	entities map[string]models.EntityDefinition
	order    []string
}

// New builds a catalog from the given definitions. Later definitions with the
// same name replace earlier ones.
func New(defs ...models.EntityDefinition) (*Catalog, error) {
	c := &Catalog{entities: make(map[string]models.EntityDefinition, len(defs))}
	for _, d := range defs {
		if err := check(d); err != nil {
			return nil, err
		}
		if d.PageSize == 0 {
			d.PageSize = DefaultPageSize
		}
		if _, exists := c.entities[d.Name]; !exists {
			c.order = append(c.order, d.Name)
		}
		c.entities[d.Name] = d
	}
	return c, nil
}

func check(d models.EntityDefinition) error {
	switch {
	case d.Name == "":
		return fmt.Errorf("entity definition without name")
	case d.RemotePath == "":
		return fmt.Errorf("entity %q: remote path is required", d.Name)
	case len(d.PrimaryKey) == 0:
		return fmt.Errorf("entity %q: primary key is required", d.Name)
	case d.PageSize < 0:
		return fmt.Errorf("entity %q: page size must be positive", d.Name)
	}
	for _, a := range d.Aggregates {
		if a.Table == "" || a.GroupBy == "" {
			return fmt.Errorf("entity %q: aggregate needs table and groupBy", d.Name)
		}
		if a.Dimension != models.DimensionDate && a.Dimension != models.DimensionKey {
			return fmt.Errorf("entity %q: aggregate %q has unknown dimension %q", d.Name, a.Table, a.Dimension)
		}
	}
	return nil
}

// Default returns the built-in POS entities.
func Default() *Catalog {
	c, err := New(defaultEntities()...)
	if err != nil {
		panic(err)
	}
	return c
}

func defaultEntities() []models.EntityDefinition {
	return []models.EntityDefinition{
		{
			Name:             "article",
			RemotePath:       "/articles",
			PrimaryKey:       []string{"id"},
			IncrementalField: "lastChange",
			PageSize:         100,
			DeletedField:     "deleted",
		},
		{
			Name:             "category",
			RemotePath:       "/categories",
			PrimaryKey:       []string{"id"},
			IncrementalField: "lastChange",
			PageSize:         100,
		},
		{
			Name:             "customer",
			RemotePath:       "/customers",
			PrimaryKey:       []string{"id"},
			IncrementalField: "lastChange",
			PageSize:         100,
			DeletedField:     "deleted",
		},
		{
			Name:             "order",
			RemotePath:       "/orders",
			PrimaryKey:       []string{"id"},
			IncrementalField: "lastChange",
			PageSize:         100,
		},
		{
			Name:             "sale",
			RemotePath:       "/sales",
			PrimaryKey:       []string{"id"},
			IncrementalField: "lastChange",
			PageSize:         250,
			Aggregates: []models.AggregateDefinition{
				{Table: "daily_sales_aggregate", GroupBy: "date", Key: "sale_date", Dimension: models.DimensionDate, Measures: []string{"quantity", "total"}},
				{Table: "article_sales_aggregate", GroupBy: "articleId", Dimension: models.DimensionKey, Measures: []string{"quantity", "total"}},
			},
		},
		{
			Name:       "inventory",
			RemotePath: "/stock",
			PrimaryKey: []string{"articleId", "warehouseId"},
			PageSize:   500,
			Aggregates: []models.AggregateDefinition{
				{Table: "location_inventory_aggregate", GroupBy: "warehouseId", Dimension: models.DimensionKey, Measures: []string{"quantity", "stock_value"}},
			},
		},
	}
}

// Get returns the definition of an entity.
func (c *Catalog) Get(name string) (models.EntityDefinition, bool) {
	d, ok := c.entities[name]
	return d, ok
}

// Names returns entity names in registration order.
func (c *Catalog) Names() []string {
	return append([]string(nil), c.order...)
}

// All returns every definition in registration order.
func (c *Catalog) All() []models.EntityDefinition {
	out := make([]models.EntityDefinition, 0, len(c.order))
	for _, n := range c.order {
		out = append(out, c.entities[n])
	}
	return out
}

// Select resolves the requested subset, or every entity when none is requested.
// Unknown names are a protocol error.
func (c *Catalog) Select(requested []string) ([]models.EntityDefinition, error) {
	if len(requested) == 0 {
		return c.All(), nil
	}
	seen := make(map[string]bool, len(requested))
	out := make([]models.EntityDefinition, 0, len(requested))
	for _, name := range requested {
		d, ok := c.entities[name]
		if !ok {
			return nil, syncerr.New(syncerr.KindProtocol, "unknown entity %q", name)
		}
		if seen[name] {
			continue
		}
		seen[name] = true
		out = append(out, d)
	}
	return out, nil
}

// WithPageSizes returns a copy with per-entity page size overrides applied.
func (c *Catalog) WithPageSizes(overrides map[string]int) (*Catalog, error) {
	defs := c.All()
	for name, size := range overrides {
		if _, ok := c.entities[name]; !ok {
			return nil, fmt.Errorf("page size override for unknown entity %q", name)
		}
		if size <= 0 {
			return nil, fmt.Errorf("page size override for %q must be positive, got %d", name, size)
		}
	}
	for i := range defs {
		if size, ok := overrides[defs[i].Name]; ok {
			defs[i].PageSize = size
		}
	}
	return New(defs...)
}

// Table returns the primary key of an entity table or a synthetic aggregate table.
func (c *Catalog) Table(name string) ([]string, bool) {
	if d, ok := c.entities[name]; ok {
		return d.PrimaryKey, true
	}
	for _, d := range c.entities {
		for _, a := range d.Aggregates {
			if a.Table == name {
				return []string{a.KeyColumn()}, true
			}
		}
	}
	return nil, false
}

// AggregateTables lists every synthetic table name, sorted.
func (c *Catalog) AggregateTables() []string {
	var out []string
	for _, d := range c.entities {
		for _, a := range d.Aggregates {
			out = append(out, a.Table)
		}
	}
	sort.Strings(out)
	return out
}

type catalogFile struct {
	Entities []models.EntityDefinition `yaml:"entities"`
}

// LoadFile merges entity definitions from a YAML file over the receiver.
func (c *Catalog) LoadFile(path string) (*Catalog, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read catalog file '%s': %w", path, err)
	}
	var f catalogFile
	if err := yaml.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("failed to parse catalog file '%s': %w", path, err)
	}
	return New(append(c.All(), f.Entities...)...)
}
