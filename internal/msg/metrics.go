package msg

import (
	"bytes"
	"encoding/json"
	"fmt"
)

// MetricValue is one reading recorded against a metric key: a value,
// an optional unit, and the ms timestamp it was set.
type MetricValue struct {
	Val  float64 `json:"val"`
	Unit string  `json:"unit,omitempty"`
	Ts   int64   `json:"ts"`
}

// OrderedMetrics is an insertion-ordered string-to-MetricValue map.
// Producers append readings (e.g. "temperature", "humidity") and the
// order they were set in is preserved across a store round-trip, which
// a plain Go map cannot guarantee. The wire form is a tagged envelope
// so that clients deserializing generically (not into a Go struct) can
// still tell a metrics blob apart from a plain JSON options object:
//
//	{"__type":"Map","value":[["temperature",{"val":21.5,"ts":1000}]]}
//
// Grounded on scheduler.Duration's custom MarshalJSON/UnmarshalJSON
// pair, which wraps a plain value in JSON on the way out and parses a
// tagged form back on the way in.
type OrderedMetrics struct {
	keys   []string
	values map[string]MetricValue
}

// NewOrderedMetrics returns an empty ordered metrics map.
func NewOrderedMetrics() *OrderedMetrics {
	return &OrderedMetrics{values: make(map[string]MetricValue)}
}

// Set assigns key to val, appending key to the iteration order if it is
// new and leaving the order unchanged if key already exists.
func (m *OrderedMetrics) Set(key string, val MetricValue) {
	if m.values == nil {
		m.values = make(map[string]MetricValue)
	}
	if _, exists := m.values[key]; !exists {
		m.keys = append(m.keys, key)
	}
	m.values[key] = val
}

// Get returns the value for key and whether it was present.
func (m *OrderedMetrics) Get(key string) (MetricValue, bool) {
	if m == nil {
		return MetricValue{}, false
	}
	v, ok := m.values[key]
	return v, ok
}

// Delete removes key, preserving the order of remaining keys.
func (m *OrderedMetrics) Delete(key string) {
	if m == nil {
		return
	}
	if _, ok := m.values[key]; !ok {
		return
	}
	delete(m.values, key)
	for i, k := range m.keys {
		if k == key {
			m.keys = append(m.keys[:i], m.keys[i+1:]...)
			break
		}
	}
}

// Keys returns the keys in insertion order.
func (m *OrderedMetrics) Keys() []string {
	if m == nil {
		return nil
	}
	return append([]string(nil), m.keys...)
}

// Len reports the number of entries.
func (m *OrderedMetrics) Len() int {
	if m == nil {
		return 0
	}
	return len(m.keys)
}

// Clone returns an independent copy.
func (m *OrderedMetrics) Clone() *OrderedMetrics {
	if m == nil {
		return nil
	}
	c := &OrderedMetrics{
		keys:   append([]string(nil), m.keys...),
		values: make(map[string]MetricValue, len(m.values)),
	}
	for k, v := range m.values {
		c.values[k] = v
	}
	return c
}

// MergePatch applies a key-based merge: keys present in patch with a
// non-nil value are set/replaced, keys mapped to nil are removed, and
// keys absent from patch are left untouched. Mirrors the listItems
// id-merge rule (spec §4.1): both collections merge by key rather than
// block-replace.
func (m *OrderedMetrics) MergePatch(patch map[string]*MetricValue) {
	for k, v := range patch {
		if v == nil {
			m.Delete(k)
			continue
		}
		m.Set(k, *v)
	}
}

// metricsEnvelope is the wire shape of OrderedMetrics.
type metricsEnvelope struct {
	Type  string   `json:"__type"`
	Value [][2]any `json:"value"`
}

// MarshalJSON emits the {"__type":"Map","value":[[k,v],...]} envelope.
func (m *OrderedMetrics) MarshalJSON() ([]byte, error) {
	if m == nil {
		return []byte("null"), nil
	}
	pairs := make([][2]any, 0, len(m.keys))
	for _, k := range m.keys {
		pairs = append(pairs, [2]any{k, m.values[k]})
	}
	return json.Marshal(metricsEnvelope{Type: "Map", Value: pairs})
}

// UnmarshalJSON accepts the tagged envelope form. A bare JSON object is
// rejected: producers must emit the tagged form so order is explicit
// rather than inferred from map iteration.
func (m *OrderedMetrics) UnmarshalJSON(data []byte) error {
	if bytes.Equal(bytes.TrimSpace(data), []byte("null")) {
		m.keys = nil
		m.values = nil
		return nil
	}

	var env struct {
		Type  string            `json:"__type"`
		Value []json.RawMessage `json:"value"`
	}
	if err := json.Unmarshal(data, &env); err != nil {
		return fmt.Errorf("metrics: %w", err)
	}
	if env.Type != "Map" {
		return fmt.Errorf("metrics: expected __type \"Map\", got %q", env.Type)
	}

	keys := make([]string, 0, len(env.Value))
	values := make(map[string]MetricValue, len(env.Value))
	for _, raw := range env.Value {
		var pair [2]json.RawMessage
		if err := json.Unmarshal(raw, &pair); err != nil {
			return fmt.Errorf("metrics: malformed entry: %w", err)
		}
		var key string
		if err := json.Unmarshal(pair[0], &key); err != nil {
			return fmt.Errorf("metrics: malformed key: %w", err)
		}
		var val MetricValue
		if err := json.Unmarshal(pair[1], &val); err != nil {
			return fmt.Errorf("metrics: malformed value for %q: %w", key, err)
		}
		if _, exists := values[key]; !exists {
			keys = append(keys, key)
		}
		values[key] = val
	}
	m.keys = keys
	m.values = values
	return nil
}
