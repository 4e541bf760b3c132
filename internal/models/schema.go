package models

import (
	"encoding/json"
	"fmt"
	"sort"
)

// ParameterSchema describes one numeric slider declared by a full program.
type ParameterSchema struct {
	Key   string  `json:"key"`
	Min   float64 `json:"min"`
	Max   float64 `json:"max"`
	Value float64 `json:"value"`
}

// InRange reports whether Value lies within [Min, Max].
func (p ParameterSchema) InRange() bool {
	return p.Min <= p.Value && p.Value <= p.Max
}

// Schema is the ordered (by key) set of sliders a program declares.
//
// On the wire it is a mapping of key to the 3-tuple [min, max, value].
type Schema []ParameterSchema

// NewSchema builds a key-ordered schema from the wire mapping.
func NewSchema(m map[string][3]float64) Schema {
	s := make(Schema, 0, len(m))
	for key, v := range m {
		s = append(s, ParameterSchema{Key: key, Min: v[0], Max: v[1], Value: v[2]})
	}
	sort.Slice(s, func(i, j int) bool { return s[i].Key < s[j].Key })
	return s
}

// Wire returns the key → [min, max, value] mapping.
func (s Schema) Wire() map[string][3]float64 {
	m := make(map[string][3]float64, len(s))
	for _, p := range s {
		m[p.Key] = [3]float64{p.Min, p.Max, p.Value}
	}
	return m
}

// Keys returns the sorted parameter keys.
func (s Schema) Keys() []string {
	keys := make([]string, len(s))
	for i, p := range s {
		keys[i] = p.Key
	}
	sort.Strings(keys)
	return keys
}

// Lookup returns the parameter with the given key.
func (s Schema) Lookup(key string) (ParameterSchema, bool) {
	for _, p := range s {
		if p.Key == key {
			return p, true
		}
	}
	return ParameterSchema{}, false
}

// Defaults returns the declared current values as a slider state.
func (s Schema) Defaults() SliderState {
	state := make(SliderState, len(s))
	for _, p := range s {
		state[p.Key] = p.Value
	}
	return state
}

// OutOfRange lists the keys whose value lies outside the declared bounds.
func (s Schema) OutOfRange() []string {
	var keys []string
	for _, p := range s {
		if !p.InRange() {
			keys = append(keys, p.Key)
		}
	}
	return keys
}

// SameKeys reports whether both schemas declare exactly the same keys.
func (s Schema) SameKeys(other Schema) bool {
	return EqualKeys(s.Keys(), other.Keys())
}

// MarshalJSON encodes the schema in its wire form.
func (s Schema) MarshalJSON() ([]byte, error) {
	return json.Marshal(s.Wire())
}

// UnmarshalJSON decodes the wire form.
func (s *Schema) UnmarshalJSON(data []byte) error {
	var m map[string][3]float64
	if err := json.Unmarshal(data, &m); err != nil {
		return fmt.Errorf("failed to decode parameter schema: %w", err)
	}
	*s = NewSchema(m)
	return nil
}

// SliderState maps slider keys to their last known numeric values.
type SliderState map[string]float64

// Clone returns an independent copy.
func (s SliderState) Clone() SliderState {
	out := make(SliderState, len(s))
	for k, v := range s {
		out[k] = v
	}
	return out
}

// Merge returns a new state where keys present in updates overwrite the
// receiver and every other key keeps its last known value.
func (s SliderState) Merge(updates SliderState) SliderState {
	out := s.Clone()
	for k, v := range updates {
		out[k] = v
	}
	return out
}

// Keys returns the sorted keys.
func (s SliderState) Keys() []string {
	keys := make([]string, 0, len(s))
	for k := range s {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// EqualKeys compares two sorted key lists.
func EqualKeys(a, b []string) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}
