package models

import (
	"encoding/json"
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"pgregory.net/rapid"
)

func plateSchema() Schema {
	return NewSchema(map[string][3]float64{
		"body_radius":   {10, 300, 100},
		"body_height":   {10, 100, 10},
		"rim_height":    {1, 20, 2},
		"rim_thickness": {1, 20, 2},
	})
}

func TestSchema_JSONWireForm(t *testing.T) {
	data, err := json.Marshal(plateSchema())
	require.NoError(t, err)

	var wire map[string][3]float64
	require.NoError(t, json.Unmarshal(data, &wire))
	assert.Equal(t, [3]float64{10, 300, 100}, wire["body_radius"])
	assert.Len(t, wire, 4)

	var decoded Schema
	require.NoError(t, json.Unmarshal(data, &decoded))
	assert.Equal(t, plateSchema(), decoded)
	assert.Equal(t, []string{"body_height", "body_radius", "rim_height", "rim_thickness"}, decoded.Keys())
}

func TestSchema_UnmarshalRejectsMalformedTuple(t *testing.T) {
	var s Schema
	err := json.Unmarshal([]byte(`{"a": "nope"}`), &s)
	assert.Error(t, err)
}

func TestSchema_OutOfRange(t *testing.T) {
	s := NewSchema(map[string][3]float64{
		"inside":  {0, 10, 5},
		"edge":    {0, 10, 10},
		"outside": {0, 10, 11},
	})
	assert.Equal(t, []string{"outside"}, s.OutOfRange())

	p, ok := s.Lookup("edge")
	require.True(t, ok)
	assert.True(t, p.InRange())

	_, ok = s.Lookup("missing")
	assert.False(t, ok)
}

func TestSchema_SameKeys(t *testing.T) {
	a := plateSchema()
	b := NewSchema(map[string][3]float64{
		"body_radius":   {10, 300, 250},
		"body_height":   {10, 100, 10},
		"rim_height":    {1, 20, 2},
		"rim_thickness": {1, 20, 2},
	})
	assert.True(t, a.SameKeys(b))

	c := NewSchema(map[string][3]float64{"body_radius": {10, 300, 100}})
	assert.False(t, a.SameKeys(c))
}

func TestSliderState_Merge(t *testing.T) {
	state := SliderState{"a": 1, "b": 2}
	merged := state.Merge(SliderState{"a": 5})

	assert.Equal(t, SliderState{"a": 5, "b": 2}, merged)
	assert.Equal(t, SliderState{"a": 1, "b": 2}, state, "receiver must not change")
}

func TestSliderState_MergeProperty(t *testing.T) {
	rapid.Check(t, func(t *rapid.T) {
		key := rapid.StringMatching(`[a-z]{1,6}`)
		value := rapid.Float64Range(-1000, 1000)
		base := SliderState(rapid.MapOf(key, value).Draw(t, "base"))
		updates := SliderState(rapid.MapOf(key, value).Draw(t, "updates"))

		merged := base.Merge(updates)

		for k, v := range updates {
			if merged[k] != v {
				t.Fatalf("update %q=%v lost, got %v", k, v, merged[k])
			}
		}
		for k, v := range base {
			if _, updated := updates[k]; !updated && merged[k] != v {
				t.Fatalf("latent key %q reset from %v to %v", k, v, merged[k])
			}
		}
		if len(merged) > len(base)+len(updates) {
			t.Fatalf("merged state grew unexpected keys: %v", merged)
		}
	})
}

func TestWithRunID(t *testing.T) {
	err := WithRunID(&ExecutionError{Reason: "boom"}, "plate_1")
	var execErr *ExecutionError
	require.True(t, errors.As(err, &execErr))
	assert.Equal(t, "plate_1", execErr.RunID)

	err = WithRunID(&SchemaError{Reason: "drift", RunID: "orig"}, "plate_1")
	var schemaErr *SchemaError
	require.True(t, errors.As(err, &schemaErr))
	assert.Equal(t, "orig", schemaErr.RunID)

	plain := errors.New("plain")
	assert.Same(t, plain, WithRunID(plain, "plate_1"))
}

func TestErrorKind(t *testing.T) {
	tests := []struct {
		err  error
		want string
	}{
		{nil, "none"},
		{&AgentCallError{Role: "disassembler", Err: errors.New("timeout")}, "agent_call"},
		{fmt.Errorf("wrapped: %w", &SynthesisError{Reason: "no parts"}), "synthesis"},
		{&ExecutionError{Reason: "panic"}, "execution"},
		{&SchemaError{Reason: "drift"}, "schema"},
		{fmt.Errorf("load: %w", ErrRunNotFound), "not_found"},
		{ErrSessionNotFound, "not_found"},
		{fmt.Errorf("%w: %q", ErrUnknownParameter, "x"), "validation"},
		{errors.New("disk full"), "internal"},
	}
	for _, tt := range tests {
		t.Run(tt.want, func(t *testing.T) {
			assert.Equal(t, tt.want, ErrorKind(tt.err))
		})
	}
}
