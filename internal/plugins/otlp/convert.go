package otlp

import (
	"math"
	"strings"

	"github.com/tinytelemetry/mtd/internal/model"
	"github.com/tinytelemetry/mtd/internal/plugins/payload"
	collmetrics "go.opentelemetry.io/proto/otlp/collector/metrics/v1"
	commonpb "go.opentelemetry.io/proto/otlp/common/v1"
	metricspb "go.opentelemetry.io/proto/otlp/metrics/v1"
)

// Point is one store update derived from an OTLP data point.
type Point struct {
	Key   string
	Type  model.MetricType
	Value float64
}

// Converter maps OTLP metrics onto store keys.
type Converter struct {
	// LabelAttributes are data point attributes whose values are appended
	// to the key, in order.
	LabelAttributes []string
	// ServicePrefix prepends the resource service.name to every key.
	ServicePrefix bool
}

// Convert flattens an export request. Gauges replace, monotonic delta sums
// accumulate, other sums replace, histograms yield ".count" and ".sum".
// NaN and infinite points are dropped.
func (c Converter) Convert(req *collmetrics.ExportMetricsServiceRequest) []Point {
	var out []Point
	for _, rm := range req.GetResourceMetrics() {
		prefix := ""
		if c.ServicePrefix {
			if svc := attr(rm.GetResource().GetAttributes(), "service.name"); svc != "" {
				prefix = payload.SanitizeKey(svc) + "."
			}
		}
		for _, sm := range rm.GetScopeMetrics() {
			for _, m := range sm.GetMetrics() {
				out = c.appendMetric(out, prefix+payload.SanitizeKey(m.GetName()), m)
			}
		}
	}
	return out
}

func (c Converter) appendMetric(out []Point, name string, m *metricspb.Metric) []Point {
	if name == "" {
		return out
	}
	switch data := m.GetData().(type) {
	case *metricspb.Metric_Gauge:
		for _, dp := range data.Gauge.GetDataPoints() {
			out = appendFinite(out, Point{Key: c.key(name, dp.GetAttributes()), Type: model.Gauge, Value: numberValue(dp)})
		}
	case *metricspb.Metric_Sum:
		t := model.Gauge
		if data.Sum.GetIsMonotonic() &&
			data.Sum.GetAggregationTemporality() == metricspb.AggregationTemporality_AGGREGATION_TEMPORALITY_DELTA {
			t = model.Counter
		}
		for _, dp := range data.Sum.GetDataPoints() {
			out = appendFinite(out, Point{Key: c.key(name, dp.GetAttributes()), Type: t, Value: numberValue(dp)})
		}
	case *metricspb.Metric_Histogram:
		for _, dp := range data.Histogram.GetDataPoints() {
			key := c.key(name, dp.GetAttributes())
			out = append(out, Point{Key: key + ".count", Type: model.Histogram, Value: float64(dp.GetCount())})
			out = appendFinite(out, Point{Key: key + ".sum", Type: model.Histogram, Value: dp.GetSum()})
		}
	}
	return out
}

func (c Converter) key(name string, attrs []*commonpb.KeyValue) string {
	if len(c.LabelAttributes) == 0 {
		return name
	}
	var b strings.Builder
	b.WriteString(name)
	for _, k := range c.LabelAttributes {
		if v := attr(attrs, k); v != "" {
			b.WriteByte('.')
			b.WriteString(payload.SanitizeKey(v))
		}
	}
	return b.String()
}

func appendFinite(out []Point, p Point) []Point {
	if math.IsNaN(p.Value) || math.IsInf(p.Value, 0) {
		return out
	}
	return append(out, p)
}

func numberValue(dp *metricspb.NumberDataPoint) float64 {
	if v, ok := dp.GetValue().(*metricspb.NumberDataPoint_AsInt); ok {
		return float64(v.AsInt)
	}
	return dp.GetAsDouble()
}

func attr(attrs []*commonpb.KeyValue, key string) string {
	for _, kv := range attrs {
		if kv.GetKey() == key {
			return kv.GetValue().GetStringValue()
		}
	}
	return ""
}
