package metrics

import (
	"errors"
	"io"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
)

func TestCollectorCounts(t *testing.T) {
	c := New(func() uint64 { return 7 })

	c.ObservePulses(0, 500)
	c.ObservePulses(0, 0)
	c.ObserveDispensed(0, 0.1)
	c.SetTap(1, 12.5, 0)
	c.PourFinished(0, true)
	c.PourFinished(0, false)
	c.PourFinished(0, false)
	c.PersistFailed(errors.New("disk"))
	c.ObserveTick(2 * time.Millisecond)

	if got := testutil.ToFloat64(c.pulses.WithLabelValues("0")); got != 500 {
		t.Errorf("pulses: got %v, want 500", got)
	}
	if got := testutil.ToFloat64(c.remaining.WithLabelValues("1")); got != 12.5 {
		t.Errorf("remaining: got %v, want 12.5", got)
	}
	if got := testutil.ToFloat64(c.pours.WithLabelValues("0", "discarded")); got != 2 {
		t.Errorf("discarded pours: got %v, want 2", got)
	}
	if got := testutil.ToFloat64(c.persistFailures); got != 1 {
		t.Errorf("persist failures: got %v, want 1", got)
	}
}

func TestHandlerExposesMetrics(t *testing.T) {
	c := New(func() uint64 { return 3 })
	c.ObservePulses(2, 10)

	rec := httptest.NewRecorder()
	c.Handler().ServeHTTP(rec, httptest.NewRequest("GET", "/metrics", nil))
	body, _ := io.ReadAll(rec.Body)

	for _, want := range []string{
		`flowmeter_pulses_total{tap="2"} 10`,
		"flowmeter_dropped_edges_total 3",
	} {
		if !strings.Contains(string(body), want) {
			t.Errorf("metrics output missing %q", want)
		}
	}
}
