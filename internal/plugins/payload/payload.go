// Package payload decodes the JSON metric messages shared by the ingest plugins.
package payload

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strings"

	"github.com/spf13/cast"
	"github.com/tinytelemetry/mtd/internal/model"
)

// ErrNoSource is returned for messages without a source name.
var ErrNoSource = errors.New("payload: missing source")

// Message is one decoded ingest line.
type Message struct {
	Source string         `json:"source"`
	Data   map[string]any `json:"data"`
}

// Pusher is the subset of plugin.Base used to store decoded values.
type Pusher interface {
	Push(key string, value any, t model.MetricType) error
}

// Decode parses a {"source": ..., "data": {...}} line.
func Decode(line []byte) (Message, error) {
	var msg Message
	dec := json.NewDecoder(bytes.NewReader(line))
	dec.UseNumber()
	if err := dec.Decode(&msg); err != nil {
		return Message{}, fmt.Errorf("payload: decode: %w", err)
	}
	msg.Source = strings.TrimSpace(msg.Source)
	if msg.Source == "" {
		return Message{}, ErrNoSource
	}
	return msg, nil
}

// DecodeData parses a bare JSON object of key/value pairs.
func DecodeData(body []byte) (map[string]any, error) {
	var data map[string]any
	dec := json.NewDecoder(bytes.NewReader(body))
	dec.UseNumber()
	if err := dec.Decode(&data); err != nil {
		return nil, fmt.Errorf("payload: decode: %w", err)
	}
	return data, nil
}

// SanitizeKey replaces spaces and slashes with underscores and lower-cases the key.
func SanitizeKey(k string) string {
	k = strings.ReplaceAll(k, " ", "_")
	k = strings.ReplaceAll(k, "/", "_")
	return strings.ToLower(k)
}

// Flatten walks nested objects and joins their keys with dots. Booleans
// become 0 or 1; nulls and arrays are skipped.
func Flatten(prefix string, v any, out map[string]any) {
	switch tv := v.(type) {
	case map[string]any:
		for k, child := range tv {
			key := SanitizeKey(k)
			if prefix != "" {
				key = prefix + "." + key
			}
			Flatten(key, child, out)
		}
	case bool:
		if prefix != "" {
			out[prefix] = cast.ToFloat64(tv)
		}
	case nil, []any:
	default:
		if prefix == "" {
			return
		}
		if nv, err := model.NormalizeValue(tv); err == nil {
			out[prefix] = nv
		}
	}
}

// Store pushes every value of data under "<source>.<key>" with AUTO type.
// Data keys are sanitised; the source name is used verbatim.
// It returns the number of values stored and the joined push errors.
func Store(p Pusher, source string, data map[string]any) (int, error) {
	flat := make(map[string]any, len(data))
	Flatten(source, data, flat)

	keys := make([]string, 0, len(flat))
	for k := range flat {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	var (
		stored int
		errs   []error
	)
	for _, k := range keys {
		if err := p.Push(k, flat[k], model.Auto); err != nil {
			errs = append(errs, err)
			continue
		}
		stored++
	}
	return stored, errors.Join(errs...)
}
