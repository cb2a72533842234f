package etl

import (
	"math"
	"strings"
	"time"

	"github.com/jonboulle/clockwork"

	"github.com/BartekS5/possync/pkg/models"
	"github.com/BartekS5/possync/pkg/utils"
)

// EnhanceFunc adds derived fields to one record. It must only read source
// fields so that running it twice yields the same record.
type EnhanceFunc func(rec models.Record, today time.Time)

// Enhancer applies per-entity derived-field functions.
type Enhancer struct {
	clock clockwork.Clock
	funcs map[string][]EnhanceFunc
}

// NewEnhancer creates an enhancer with the built-in POS enrichments.
func NewEnhancer(clock clockwork.Clock) *Enhancer {
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	e := &Enhancer{clock: clock, funcs: make(map[string][]EnhanceFunc)}
	e.Register("article", enhanceMargin)
	e.Register("customer", enhanceAddress)
	e.Register("sale", enhanceAge, enhanceLineTotal)
	e.Register("order", enhanceAge)
	e.Register("inventory", enhanceStockValue)
	return e
}

// Register appends enrichment functions for an entity.
func (e *Enhancer) Register(entity string, fns ...EnhanceFunc) {
	e.funcs[entity] = append(e.funcs[entity], fns...)
}

// Enhance adds derived fields in place and returns the same slice. Existing
// fields are never removed.
func (e *Enhancer) Enhance(entity string, records []models.Record) []models.Record {
	fns := e.funcs[entity]
	if len(fns) == 0 {
		return records
	}
	today := e.clock.Now().UTC().Truncate(24 * time.Hour)
	for _, rec := range records {
		for _, fn := range fns {
			fn(rec, today)
		}
	}
	return records
}

var (
	priceFields    = []string{"price", "salesPrice", "unitPrice"}
	costFields     = []string{"cost", "purchasePrice"}
	quantityFields = []string{"quantity"}
	dateFields     = []string{"date", "saleDate", "orderDate", "createdAt"}

	addressParts = [][]string{
		{"street", "address_street", "address"},
		{"zip", "postalCode", "address_zip"},
		{"city", "address_city"},
		{"country", "address_country"},
	}
)

func firstNumber(rec models.Record, fields []string) (float64, bool) {
	for _, f := range fields {
		if v, ok := utils.ToFloat(rec[f]); ok {
			return v, true
		}
	}
	return 0, false
}

func enhanceMargin(rec models.Record, _ time.Time) {
	price, okPrice := firstNumber(rec, priceFields)
	cost, okCost := firstNumber(rec, costFields)
	if !okPrice || !okCost {
		return
	}
	rec["profit"] = utils.Round(price-cost, 4)
	if price != 0 {
		rec["profit_margin"] = utils.Round((price-cost)/price, 4)
	}
}

func enhanceAddress(rec models.Record, _ time.Time) {
	var parts []string
	for _, candidates := range addressParts {
		for _, f := range candidates {
			if s, ok := rec[f].(string); ok && strings.TrimSpace(s) != "" {
				parts = append(parts, strings.TrimSpace(s))
				break
			}
		}
	}
	if len(parts) > 0 {
		rec["full_address"] = strings.Join(parts, ", ")
	}
}

func enhanceAge(rec models.Record, today time.Time) {
	for _, f := range dateFields {
		t, ok := utils.ParseTime(rec[f])
		if !ok {
			continue
		}
		day := time.Date(t.Year(), t.Month(), t.Day(), 0, 0, 0, 0, time.UTC)
		rec["age_in_days"] = int(math.Floor(today.Sub(day).Hours() / 24))
		return
	}
}

func enhanceLineTotal(rec models.Record, _ time.Time) {
	qty, okQty := firstNumber(rec, quantityFields)
	price, okPrice := firstNumber(rec, priceFields)
	if okQty && okPrice {
		rec["line_total"] = utils.Round(qty*price, 4)
	}
}

func enhanceStockValue(rec models.Record, _ time.Time) {
	qty, okQty := firstNumber(rec, quantityFields)
	cost, okCost := firstNumber(rec, costFields)
	if okQty && okCost {
		rec["stock_value"] = utils.Round(qty*cost, 4)
	}
}
