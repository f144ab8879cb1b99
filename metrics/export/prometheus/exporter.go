package prometheus

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/futurebazaar/sessionkit"
	"github.com/futurebazaar/sessionkit/metrics/export/internaldefs"
)

type metricsSource interface {
	MetricsSnapshot() sessionkit.MetricsSnapshot
	AuditStats() sessionkit.AuditStats
}

type histogramDesc struct {
	id   sessionkit.MetricID
	desc *prometheus.Desc
}

// Collector implements prometheus.Collector over a session manager.
type Collector struct {
	source       metricsSource
	counters     map[sessionkit.MetricID]*prometheus.Desc
	histograms     []histogramDesc
	auditDelivered *prometheus.Desc
	auditDropped   *prometheus.Desc
}

// NewCollector reads from manager.
func NewCollector(manager *sessionkit.Manager) *Collector {
	return NewCollectorFromSource(manager)
}

// NewCollectorFromSource reads from any snapshot source.
func NewCollectorFromSource(source metricsSource) *Collector {
	c := &Collector{
		source:   source,
		counters: make(map[sessionkit.MetricID]*prometheus.Desc, len(internaldefs.CounterDefs)),
		auditDelivered: prometheus.NewDesc(internaldefs.AuditDeliveredName,
			"Session events handed to the event sink.", nil, nil),
		auditDropped: prometheus.NewDesc(internaldefs.AuditDroppedName,
			"Session events dropped due to dispatcher backpressure.", nil, nil),
	}
	for _, def := range internaldefs.CounterDefs {
		c.counters[def.ID] = prometheus.NewDesc(def.Name, def.Help, nil, nil)
	}
	for _, def := range internaldefs.HistogramDefs {
		c.histograms = append(c.histograms, histogramDesc{
			id:   def.ID,
			desc: prometheus.NewDesc(def.Name, def.Help, nil, nil),
		})
	}
	return c
}

func (c *Collector) Describe(ch chan<- *prometheus.Desc) {
	for _, def := range internaldefs.CounterDefs {
		ch <- c.counters[def.ID]
	}
	for _, h := range c.histograms {
		ch <- h.desc
	}
	ch <- c.auditDelivered
	ch <- c.auditDropped
}

// Collect emits nothing while metrics are disabled on the source.
func (c *Collector) Collect(ch chan<- prometheus.Metric) {
	if c == nil || c.source == nil {
		return
	}
	snapshot := c.source.MetricsSnapshot()
	events := c.source.AuditStats()
	if len(snapshot.Counters) == 0 && len(snapshot.Histograms) == 0 && events.Delivered == 0 && events.Dropped == 0 {
		return
	}

	for _, def := range internaldefs.CounterDefs {
		ch <- prometheus.MustNewConstMetric(c.counters[def.ID], prometheus.CounterValue, float64(snapshot.Counters[def.ID]))
	}

	for _, h := range c.histograms {
		raw, ok := snapshot.Histograms[h.id]
		if !ok {
			continue
		}
		cumulative := internaldefs.CumulativeBuckets(internaldefs.NormalizeBuckets(raw))
		buckets := make(map[float64]uint64, len(internaldefs.HistogramUpperBounds))
		for i, bound := range internaldefs.HistogramUpperBounds {
			buckets[bound] = cumulative[i]
		}
		count := cumulative[len(cumulative)-1]
		sum := snapshot.HistogramSums[h.id].Seconds()
		ch <- prometheus.MustNewConstHistogram(h.desc, count, sum, buckets)
	}

	ch <- prometheus.MustNewConstMetric(c.auditDelivered, prometheus.CounterValue, float64(events.Delivered))
	ch <- prometheus.MustNewConstMetric(c.auditDropped, prometheus.CounterValue, float64(events.Dropped))
}

// Handler serves the collector from a private registry.
func Handler(c *Collector) (http.Handler, error) {
	reg := prometheus.NewRegistry()
	if err := reg.Register(c); err != nil {
		return nil, err
	}
	return promhttp.HandlerFor(reg, promhttp.HandlerOpts{}), nil
}
