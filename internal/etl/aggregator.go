package etl

import (
	"fmt"
	"sort"

	"github.com/BartekS5/possync/pkg/logger"
	"github.com/BartekS5/possync/pkg/models"
	"github.com/BartekS5/possync/pkg/utils"
)

// Aggregator folds entity records into synthetic rollup tables.
type Aggregator struct {
	log *logger.Logger
}

// NewAggregator creates an aggregator.
func NewAggregator(log *logger.Logger) *Aggregator {
	return &Aggregator{log: log}
}

type group struct {
	key    any
	count  int
	totals map[string]float64
}

// Aggregate groups records by the definition's dimension and sums its
// measures. It returns nothing, without failing, when the grouping column or
// every measure column is absent from the data.
func (a *Aggregator) Aggregate(records []models.Record, def models.AggregateDefinition) []models.Record {
	present := make(map[string]bool, len(def.Measures))
	groups := make(map[string]*group)

	for _, rec := range records {
		key, label, ok := groupKey(rec, def)
		if !ok {
			continue
		}
		g, exists := groups[label]
		if !exists {
			g = &group{key: key, totals: make(map[string]float64)}
			groups[label] = g
		}
		g.count++
		for _, m := range def.Measures {
			if v, ok := utils.ToFloat(rec[m]); ok {
				g.totals[m] += v
				present[m] = true
			}
		}
	}

	if len(groups) == 0 {
		a.log.Infof("%s: aggregation skipped, no usable %q column", def.Table, def.GroupBy)
		return nil
	}
	if len(present) == 0 {
		a.log.Infof("%s: aggregation skipped, none of the measure columns %v are numeric", def.Table, def.Measures)
		return nil
	}

	labels := make([]string, 0, len(groups))
	for l := range groups {
		labels = append(labels, l)
	}
	sort.Strings(labels)

	out := make([]models.Record, 0, len(groups))
	for _, l := range labels {
		g := groups[l]
		row := models.Record{
			def.KeyColumn():    g.key,
			models.CountColumn: g.count,
		}
		for _, m := range def.Measures {
			if present[m] {
				row[models.MeasureColumn(m)] = utils.Round(g.totals[m], 4)
			}
		}
		out = append(out, row)
	}
	return out
}

func groupKey(rec models.Record, def models.AggregateDefinition) (any, string, bool) {
	v, ok := rec[def.GroupBy]
	if !ok || v == nil {
		return nil, "", false
	}
	if def.Dimension == models.DimensionDate {
		day, ok := utils.Day(v)
		return day, day, ok
	}
	return v, fmt.Sprintf("%v", v), true
}

// Description tells destination users that aggregate rows are per-batch totals.
func Description(def models.AggregateDefinition) string {
	return fmt.Sprintf("%s and total_* cover the records of one sync batch grouped by %s; "+
		"a later batch replaces the row with the same %s",
		models.CountColumn, def.GroupBy, def.KeyColumn())
}

// Columns lists the output columns of an aggregate table with their types.
// The count and total_* columns cover one sync batch; see Description.
func Columns(def models.AggregateDefinition) map[string]string {
	cols := map[string]string{models.CountColumn: "integer"}
	if def.Dimension == models.DimensionDate {
		cols[def.KeyColumn()] = "date"
	} else {
		cols[def.KeyColumn()] = "string"
	}
	for _, m := range def.Measures {
		cols[models.MeasureColumn(m)] = "number"
	}
	return cols
}
