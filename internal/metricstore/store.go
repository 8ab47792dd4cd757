// Package metricstore holds the latest value of every namespaced metric.
package metricstore

import (
	"errors"
	"fmt"
	"math"
	"sort"
	"strings"
	"sync"

	"github.com/tinytelemetry/mtd/internal/model"
	"go.uber.org/zap"
)

var (
	// ErrEmptyKey is returned when the plugin name or subkey is empty.
	ErrEmptyKey = errors.New("metricstore: plugin name and key must be non-empty")

	// ErrTypeMismatch is returned when a counter push targets a key holding a non-numeric value.
	ErrTypeMismatch = errors.New("metricstore: counter target holds a non-numeric value")
)

// Store maps namespaced keys to their latest (or accumulated) value.
// Each push's read-modify-write runs under mu, so a counter increment can
// never interleave with another push to the same key.
type Store struct {
	mu     sync.RWMutex
	values map[string]any

	publisher model.Publisher
	logger    *zap.Logger
}

// New creates an empty store. publisher may be nil.
func New(publisher model.Publisher, logger *zap.Logger) *Store {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Store{
		values:    make(map[string]any),
		publisher: publisher,
		logger:    logger.Named("store"),
	}
}

// Push applies one update and forwards the result to the publisher.
// The namespaced key is pluginName + "." + key. Delivery is fire-and-forget.
func (s *Store) Push(pluginName string, t model.MetricType, key string, value any) error {
	if pluginName == "" || key == "" {
		return ErrEmptyKey
	}
	if !t.Valid() {
		return fmt.Errorf("metricstore: invalid metric type %d", int(t))
	}
	v, err := model.NormalizeValue(value)
	if err != nil {
		return err
	}

	fullKey := model.Key(pluginName, key)

	s.mu.Lock()
	if t.Accumulates() {
		delta, ok := v.(float64)
		if !ok {
			s.mu.Unlock()
			return fmt.Errorf("%w: counter %s got %T", model.ErrInvalidValue, fullKey, v)
		}
		prev := 0.0
		if old, exists := s.values[fullKey]; exists {
			f, ok := old.(float64)
			if !ok {
				s.mu.Unlock()
				return fmt.Errorf("%w: %s", ErrTypeMismatch, fullKey)
			}
			prev = f
		}
		sum := prev + delta
		if math.IsInf(sum, 0) {
			s.mu.Unlock()
			return fmt.Errorf("%w: counter %s overflows", model.ErrInvalidValue, fullKey)
		}
		v = sum
	}
	s.values[fullKey] = v
	// Publishing under mu keeps publish order equal to commit order.
	// Publish only enqueues, so the lock is not held across delivery.
	if s.publisher != nil {
		s.publisher.Publish(fullKey, v)
	}
	s.mu.Unlock()
	s.logger.Debug("push", zap.Stringer("type", t), zap.String("key", fullKey), zap.Any("value", v))
	return nil
}

// Get returns the value stored under key.
func (s *Store) Get(key string) (any, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	v, ok := s.values[key]
	return v, ok
}

// Lookup returns the values of the requested keys that exist.
// With no keys it returns the whole store.
func (s *Store) Lookup(keys ...string) map[string]any {
	if len(keys) == 0 {
		return s.Snapshot()
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make(map[string]any, len(keys))
	for _, k := range keys {
		if v, ok := s.values[k]; ok {
			out[k] = v
		}
	}
	return out
}

// Snapshot returns a copy of the entire store.
func (s *Store) Snapshot() map[string]any {
	return s.SnapshotPrefix("")
}

// SnapshotPrefix returns a copy of every entry whose key starts with prefix.
func (s *Store) SnapshotPrefix(prefix string) map[string]any {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make(map[string]any, len(s.values))
	for k, v := range s.values {
		if strings.HasPrefix(k, prefix) {
			out[k] = v
		}
	}
	return out
}

// Keys returns all keys in sorted order.
func (s *Store) Keys() []string {
	s.mu.RLock()
	keys := make([]string, 0, len(s.values))
	for k := range s.values {
		keys = append(keys, k)
	}
	s.mu.RUnlock()
	sort.Strings(keys)
	return keys
}

// Len returns the number of stored keys.
func (s *Store) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.values)
}

// Replace swaps the whole content for values, normalising each entry.
// It is used to restore a persisted snapshot at boot and does not publish.
func (s *Store) Replace(values map[string]any) error {
	next := make(map[string]any, len(values))
	for k, raw := range values {
		v, err := model.NormalizeValue(raw)
		if err != nil {
			return fmt.Errorf("metricstore: restore %s: %w", k, err)
		}
		next[k] = v
	}
	s.mu.Lock()
	s.values = next
	s.mu.Unlock()
	return nil
}
