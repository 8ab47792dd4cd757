package model

import (
	"encoding/json"
	"errors"
	"math"
	"testing"
)

func TestParseMetricType(t *testing.T) {
	t.Parallel()

	tests := []struct {
		in      string
		want    MetricType
		wantErr bool
	}{
		{in: "", want: Auto},
		{in: "auto", want: Auto},
		{in: "COUNTER", want: Counter},
		{in: " gauge ", want: Gauge},
		{in: "string", want: String},
		{in: "histogram", want: Histogram},
		{in: "summary", wantErr: true},
	}

	for _, tt := range tests {
		got, err := ParseMetricType(tt.in)
		if tt.wantErr {
			if err == nil {
				t.Fatalf("ParseMetricType(%q) expected error", tt.in)
			}
			continue
		}
		if err != nil {
			t.Fatalf("ParseMetricType(%q): %v", tt.in, err)
		}
		if got != tt.want {
			t.Fatalf("ParseMetricType(%q) = %v, want %v", tt.in, got, tt.want)
		}
	}
}

func TestMetricType_Accumulates(t *testing.T) {
	t.Parallel()

	for _, mt := range []MetricType{Auto, String, Gauge, Histogram} {
		if mt.Accumulates() {
			t.Fatalf("%v should replace, not accumulate", mt)
		}
	}
	if !Counter.Accumulates() {
		t.Fatal("counter should accumulate")
	}
}

func TestMetricType_TextRoundtrip(t *testing.T) {
	t.Parallel()

	var payload struct {
		Type MetricType `json:"type"`
	}
	if err := json.Unmarshal([]byte(`{"type":"counter"}`), &payload); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if payload.Type != Counter {
		t.Fatalf("type = %v, want counter", payload.Type)
	}
	out, err := json.Marshal(payload)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	if string(out) != `{"type":"counter"}` {
		t.Fatalf("marshal = %s", out)
	}
}

func TestNormalizeValue(t *testing.T) {
	t.Parallel()

	tests := []struct {
		in   any
		want any
	}{
		{in: 5, want: 5.0},
		{in: int64(-3), want: -3.0},
		{in: uint8(7), want: 7.0},
		{in: float32(1.5), want: 1.5},
		{in: json.Number("12.25"), want: 12.25},
		{in: "up", want: "up"},
	}
	for _, tt := range tests {
		got, err := NormalizeValue(tt.in)
		if err != nil {
			t.Fatalf("NormalizeValue(%v): %v", tt.in, err)
		}
		if got != tt.want {
			t.Fatalf("NormalizeValue(%v) = %v (%T), want %v", tt.in, got, got, tt.want)
		}
	}

	for _, bad := range []any{
		nil, true, []int{1}, map[string]any{},
		math.NaN(), math.Inf(1), math.Inf(-1), float32(math.Inf(1)),
	} {
		if _, err := NormalizeValue(bad); !errors.Is(err, ErrInvalidValue) {
			t.Fatalf("NormalizeValue(%v) error = %v, want ErrInvalidValue", bad, err)
		}
	}
}
