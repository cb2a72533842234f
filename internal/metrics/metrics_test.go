package metrics

import (
	"errors"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"

	"github.com/BartekS5/possync/internal/syncerr"
)

func TestObservePage(t *testing.T) {
	m := New()
	m.ObservePage("article", 100)
	m.ObservePage("article", 50)

	assert.Equal(t, 2.0, testutil.ToFloat64(m.pagesFetched.WithLabelValues("article")))
	assert.Equal(t, 150.0, testutil.ToFloat64(m.recordsExtracted.WithLabelValues("article")))
}

func TestObserveRejectedIgnoresZero(t *testing.T) {
	m := New()
	m.ObserveRejected("sale", 0)
	m.ObserveRejected("sale", 3)
	assert.Equal(t, 3.0, testutil.ToFloat64(m.recordsRejected.WithLabelValues("sale")))
}

func TestObserveRetry(t *testing.T) {
	m := New()
	m.ObserveRetry("order", time.Second)
	m.ObserveRetry("order", 2*time.Second)
	assert.Equal(t, 2.0, testutil.ToFloat64(m.pageRetries.WithLabelValues("order")))
}

func TestObserveFailureByKind(t *testing.T) {
	m := New()
	m.ObserveFailure("sale", syncerr.New(syncerr.KindEntityExtraction, "boom"))
	m.ObserveFailure("sale", errors.New("plain"))

	assert.Equal(t, 1.0, testutil.ToFloat64(m.entityFailures.WithLabelValues("sale", "entity_extraction")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.entityFailures.WithLabelValues("sale", syncerr.KindUnknown.String())))
}

func TestObserveOperation(t *testing.T) {
	m := New()
	m.ObserveOperation("sync", true, 2*time.Second)
	assert.Equal(t, 1, testutil.CollectAndCount(m.operationDuration))
}
