// Package metrics exposes flow meter counters to Prometheus.
package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Collector owns a private registry so tests can create as many as they like.
type Collector struct {
	registry *prometheus.Registry

	pulses          *prometheus.CounterVec
	dispensed       *prometheus.CounterVec
	remaining       *prometheus.GaugeVec
	flow            *prometheus.GaugeVec
	pours           *prometheus.CounterVec
	persistFailures prometheus.Counter
	tickSeconds     prometheus.Histogram
}

// New creates and registers all collectors. droppedEdges, if non-nil, is
// exported as a counter read at scrape time.
func New(droppedEdges func() uint64) *Collector {
	c := &Collector{
		registry: prometheus.NewRegistry(),
		pulses: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "flowmeter_pulses_total",
			Help: "Sensor pulses observed by the sensor loop.",
		}, []string{"tap"}),
		dispensed: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "flowmeter_dispensed_liters_total",
			Help: "Liters added to keg inventory.",
		}, []string{"tap"}),
		remaining: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "flowmeter_remaining_liters",
			Help: "Remaining volume of the keg on each tap, clamped at zero.",
		}, []string{"tap"}),
		flow: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "flowmeter_flow_rate_lpm",
			Help: "Current flow rate in liters per minute.",
		}, []string{"tap"}),
		pours: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "flowmeter_pours_total",
			Help: "Finished pours by result (completed or discarded as noise).",
		}, []string{"tap", "result"}),
		persistFailures: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "flowmeter_persist_failures_total",
			Help: "Failed inventory writes.",
		}),
		tickSeconds: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "flowmeter_tick_duration_seconds",
			Help:    "Time spent in one sensor loop tick.",
			Buckets: prometheus.ExponentialBuckets(0.0001, 2, 12),
		}),
	}
	c.registry.MustRegister(c.pulses, c.dispensed, c.remaining, c.flow, c.pours, c.persistFailures, c.tickSeconds)
	if droppedEdges != nil {
		c.registry.MustRegister(prometheus.NewCounterFunc(prometheus.CounterOpts{
			Name: "flowmeter_dropped_edges_total",
			Help: "Edges received on pins not mapped to a tap.",
		}, func() float64 { return float64(droppedEdges()) }))
	}
	return c
}

func label(tap int) string { return strconv.Itoa(tap) }

// ObservePulses adds n pulses for tap.
func (c *Collector) ObservePulses(tap int, n uint64) {
	if n > 0 {
		c.pulses.WithLabelValues(label(tap)).Add(float64(n))
	}
}

// ObserveDispensed adds liters dispensed on tap.
func (c *Collector) ObserveDispensed(tap int, liters float64) {
	if liters > 0 {
		c.dispensed.WithLabelValues(label(tap)).Add(liters)
	}
}

// SetTap records the current remaining volume and flow rate of tap.
func (c *Collector) SetTap(tap int, remainingLiters, flowLPM float64) {
	c.remaining.WithLabelValues(label(tap)).Set(remainingLiters)
	c.flow.WithLabelValues(label(tap)).Set(flowLPM)
}

// PourFinished counts a finished pour.
func (c *Collector) PourFinished(tap int, completed bool) {
	result := "discarded"
	if completed {
		result = "completed"
	}
	c.pours.WithLabelValues(label(tap), result).Inc()
}

// PersistFailed counts a failed inventory write.
func (c *Collector) PersistFailed(error) {
	c.persistFailures.Inc()
}

// ObserveTick records how long a tick took.
func (c *Collector) ObserveTick(d time.Duration) {
	c.tickSeconds.Observe(d.Seconds())
}

// Handler serves the registry in the Prometheus exposition format.
func (c *Collector) Handler() http.Handler {
	return promhttp.HandlerFor(c.registry, promhttp.HandlerOpts{})
}

// Registry returns the underlying registry.
func (c *Collector) Registry() *prometheus.Registry {
	return c.registry
}
