package plugin

import (
	"fmt"
	"reflect"
	"strconv"
	"time"

	"github.com/go-viper/mapstructure/v2"
)

// Options is the raw option map of one plugin config entry.
type Options map[string]any

// Decode fills dst (a pointer to a struct with mapstructure tags) from the
// options. Input is weakly typed; durations accept strings or seconds.
func (o Options) Decode(dst any) error {
	dec, err := mapstructure.NewDecoder(&mapstructure.DecoderConfig{
		Result:           dst,
		WeaklyTypedInput: true,
		DecodeHook: mapstructure.ComposeDecodeHookFunc(
			DurationHook(),
			mapstructure.StringToSliceHookFunc(","),
		),
	})
	if err != nil {
		return fmt.Errorf("plugin: options decoder: %w", err)
	}
	if err := dec.Decode(map[string]any(o)); err != nil {
		return fmt.Errorf("plugin: decode options: %w", err)
	}
	return nil
}

// DurationHook converts numbers (seconds) and duration strings into time.Duration.
// A bare numeric string is read as seconds too.
func DurationHook() mapstructure.DecodeHookFuncType {
	durationType := reflect.TypeOf(time.Duration(0))
	return func(from reflect.Type, to reflect.Type, data any) (any, error) {
		if to != durationType {
			return data, nil
		}
		switch v := data.(type) {
		case time.Duration:
			return v, nil
		case string:
			if secs, err := strconv.ParseFloat(v, 64); err == nil {
				return secondsToDuration(secs), nil
			}
			d, err := time.ParseDuration(v)
			if err != nil {
				return nil, fmt.Errorf("invalid duration %q", v)
			}
			return d, nil
		case int:
			return secondsToDuration(float64(v)), nil
		case int64:
			return secondsToDuration(float64(v)), nil
		case float64:
			return secondsToDuration(v), nil
		case float32:
			return secondsToDuration(float64(v)), nil
		}
		return data, nil
	}
}

func secondsToDuration(s float64) time.Duration {
	return time.Duration(s * float64(time.Second))
}
