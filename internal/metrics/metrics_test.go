package metrics

import (
	"errors"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
)

func TestInitIsIdempotent(t *testing.T) {
	Init()
	Init()

	if ticksTotal == nil || claimsTotal == nil || frontierUpsertsTotal == nil || queryPagesTotal == nil {
		t.Fatal("Init() did not initialize metrics collectors")
	}
}

func TestObserveHelpers(t *testing.T) {
	Init()

	ObserveTick("metrics-test", "ok", 20*time.Millisecond)
	if val := testutil.ToFloat64(ticksTotal.WithLabelValues("metrics-test", "ok")); val != 1 {
		t.Errorf("expected one ok tick, got %f", val)
	}

	ObserveFrontierUpsert("metrics-test", nil)
	ObserveFrontierUpsert("metrics-test", errors.New("boom"))
	if val := testutil.ToFloat64(frontierUpsertsTotal.WithLabelValues("metrics-test", "error")); val != 1 {
		t.Errorf("expected one failed upsert, got %f", val)
	}
	if val := testutil.ToFloat64(frontierUpsertsTotal.WithLabelValues("metrics-test", "ok")); val != 1 {
		t.Errorf("expected one ok upsert, got %f", val)
	}

	IncActiveWorkers("metrics-test")
	IncActiveWorkers("metrics-test")
	DecActiveWorkers("metrics-test")
	if val := testutil.ToFloat64(activeWorkers.WithLabelValues("metrics-test")); val != 1 {
		t.Errorf("expected one active worker, got %f", val)
	}

	ObserveQueryPage("metrics-test", errors.New("rate limited"))
	if val := testutil.ToFloat64(queryPagesTotal.WithLabelValues("metrics-test", "error")); val != 1 {
		t.Errorf("expected one failed page, got %f", val)
	}
}
