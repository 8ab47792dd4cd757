package model

import (
	"fmt"
	"strings"
)

// MetricType selects the update rule applied when a value is pushed.
type MetricType int

const (
	Auto MetricType = iota
	String
	Counter
	Gauge
	Histogram
)

var metricTypeNames = map[MetricType]string{
	Auto:      "auto",
	String:    "string",
	Counter:   "counter",
	Gauge:     "gauge",
	Histogram: "histogram",
}

func (t MetricType) String() string {
	if name, ok := metricTypeNames[t]; ok {
		return name
	}
	return fmt.Sprintf("MetricType(%d)", int(t))
}

// Accumulates reports whether pushes of this type add to the stored value
// instead of replacing it.
func (t MetricType) Accumulates() bool { return t == Counter }

// Valid reports whether t is one of the known metric types.
func (t MetricType) Valid() bool {
	_, ok := metricTypeNames[t]
	return ok
}

// ParseMetricType parses the textual form used in configuration and payloads.
// An empty string yields Auto.
func ParseMetricType(s string) (MetricType, error) {
	s = strings.ToLower(strings.TrimSpace(s))
	if s == "" {
		return Auto, nil
	}
	for t, name := range metricTypeNames {
		if name == s {
			return t, nil
		}
	}
	return Auto, fmt.Errorf("model: unknown metric type %q", s)
}

func (t MetricType) MarshalText() ([]byte, error) {
	if !t.Valid() {
		return nil, fmt.Errorf("model: invalid metric type %d", int(t))
	}
	return []byte(t.String()), nil
}

func (t *MetricType) UnmarshalText(b []byte) error {
	parsed, err := ParseMetricType(string(b))
	if err != nil {
		return err
	}
	*t = parsed
	return nil
}

// Metric is one namespaced key/value pair as delivered to subscribers.
type Metric struct {
	Key   string `json:"key"`
	Value any    `json:"value"`
}
