package telemetry

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/tinytelemetry/mtd/internal/model"
)

var metricValueDesc = prometheus.NewDesc(
	"mtd_metric_value",
	"Latest numeric value held by the metric store.",
	[]string{"key"}, nil,
)

// StoreCollector exports numeric store entries at scrape time.
// String values are skipped.
type StoreCollector struct {
	reader model.MetricReader
}

func NewStoreCollector(reader model.MetricReader) *StoreCollector {
	return &StoreCollector{reader: reader}
}

func (c *StoreCollector) Describe(ch chan<- *prometheus.Desc) {
	ch <- metricValueDesc
}

func (c *StoreCollector) Collect(ch chan<- prometheus.Metric) {
	for key, v := range c.reader.SnapshotPrefix("") {
		f, ok := model.Numeric(v)
		if !ok {
			continue
		}
		ch <- prometheus.MustNewConstMetric(metricValueDesc, prometheus.GaugeValue, f, key)
	}
}
