package etl

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/BartekS5/possync/pkg/models"
)

func fixedEnhancer() *Enhancer {
	return NewEnhancer(clockwork.NewFakeClockAt(time.Date(2024, 3, 10, 15, 30, 0, 0, time.UTC)))
}

func TestEnhanceArticleMargin(t *testing.T) {
	recs := []models.Record{{"id": json.Number("1"), "price": json.Number("10"), "cost": json.Number("7.5")}}
	fixedEnhancer().Enhance("article", recs)

	assert.Equal(t, 2.5, recs[0]["profit"])
	assert.Equal(t, 0.25, recs[0]["profit_margin"])
}

func TestEnhanceArticleZeroPrice(t *testing.T) {
	recs := []models.Record{{"price": 0, "cost": 1}}
	fixedEnhancer().Enhance("article", recs)

	assert.Equal(t, -1.0, recs[0]["profit"])
	assert.NotContains(t, recs[0], "profit_margin")
}

func TestEnhanceCustomerAddress(t *testing.T) {
	recs := []models.Record{{"address_street": "Main St 1", "address_zip": "8010", "address_city": "Graz", "country": " "}}
	fixedEnhancer().Enhance("customer", recs)
	assert.Equal(t, "Main St 1, 8010, Graz", recs[0]["full_address"])
}

func TestEnhanceSale(t *testing.T) {
	recs := []models.Record{{"date": "2024-03-08T23:59:00Z", "quantity": json.Number("3"), "price": "1.5"}}
	fixedEnhancer().Enhance("sale", recs)

	assert.Equal(t, 2, recs[0]["age_in_days"])
	assert.Equal(t, 4.5, recs[0]["line_total"])
}

func TestEnhanceInventoryStockValue(t *testing.T) {
	recs := []models.Record{{"quantity": json.Number("4"), "cost": json.Number("2.25")}}
	fixedEnhancer().Enhance("inventory", recs)
	assert.Equal(t, 9.0, recs[0]["stock_value"])
}

func TestEnhanceSkipsMissingInputs(t *testing.T) {
	recs := []models.Record{{"id": json.Number("1"), "name": "no prices"}}
	fixedEnhancer().Enhance("article", recs)
	assert.Equal(t, models.Record{"id": json.Number("1"), "name": "no prices"}, recs[0])
}

func TestEnhanceUnknownEntityIsNoop(t *testing.T) {
	recs := []models.Record{{"a": 1}}
	out := fixedEnhancer().Enhance("category", recs)
	assert.Equal(t, recs, out)
}

func TestEnhanceIsIdempotent(t *testing.T) {
	e := fixedEnhancer()
	for _, entity := range []string{"article", "customer", "sale", "order", "inventory"} {
		t.Run(entity, func(t *testing.T) {
			recs := []models.Record{{
				"price": json.Number("12"), "cost": json.Number("8"), "quantity": json.Number("2"),
				"orderDate": "2024-03-01", "date": "2024-03-01T08:00:00Z",
				"street": "Main St 1", "city": "Graz",
			}}
			once := e.Enhance(entity, recs)[0].Clone()
			twice := e.Enhance(entity, recs)[0]
			assert.Equal(t, once, twice)
		})
	}
}

func TestEnhanceCustomFunction(t *testing.T) {
	e := fixedEnhancer()
	e.Register("category", func(rec models.Record, today time.Time) {
		rec["seen"] = today.Format(time.DateOnly)
	})
	recs := e.Enhance("category", []models.Record{{"id": 1}})
	require.Len(t, recs, 1)
	assert.Equal(t, "2024-03-10", recs[0]["seen"])
}
