package model

import (
	"encoding/json"
	"errors"
	"fmt"
	"math"
)

// ErrInvalidValue is returned for values that are neither numeric nor string,
// and for NaN or infinite numbers, which no snapshot format can carry.
var ErrInvalidValue = errors.New("model: value must be numeric or string")

// NormalizeValue converts v into the canonical stored representation:
// every numeric kind becomes float64 and strings are kept as is.
func NormalizeValue(v any) (any, error) {
	switch x := v.(type) {
	case string:
		return x, nil
	case float64:
		return finite(x)
	case float32:
		return finite(float64(x))
	case int:
		return float64(x), nil
	case int8:
		return float64(x), nil
	case int16:
		return float64(x), nil
	case int32:
		return float64(x), nil
	case int64:
		return float64(x), nil
	case uint:
		return float64(x), nil
	case uint8:
		return float64(x), nil
	case uint16:
		return float64(x), nil
	case uint32:
		return float64(x), nil
	case uint64:
		return float64(x), nil
	case json.Number:
		f, err := x.Float64()
		if err != nil {
			return nil, fmt.Errorf("%w: %q", ErrInvalidValue, x.String())
		}
		return finite(f)
	default:
		return nil, fmt.Errorf("%w: got %T", ErrInvalidValue, v)
	}
}

func finite(f float64) (any, error) {
	if math.IsNaN(f) || math.IsInf(f, 0) {
		return nil, fmt.Errorf("%w: %v", ErrInvalidValue, f)
	}
	return f, nil
}

// Numeric returns the float64 form of v when v is numeric.
func Numeric(v any) (float64, bool) {
	n, err := NormalizeValue(v)
	if err != nil {
		return 0, false
	}
	f, ok := n.(float64)
	return f, ok
}

// Key joins a plugin name and a plugin-local subkey into a store key.
func Key(pluginName, subkey string) string {
	return pluginName + "." + subkey
}
