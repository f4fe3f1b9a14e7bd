package testutils

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestJSONAsserter_DefaultOptions(t *testing.T) {
	ja := NewJSONAsserter(t)

	assert.True(t, ja.options.IgnoreExtraKeys)
	assert.Empty(t, ja.options.IgnoredFields)
}

func TestJSONAsserter_Assert(t *testing.T) {
	tests := []struct {
		name     string
		opts     []Option
		actual   string
		expected string
		pass     bool
	}{
		{"equal", nil, `{"state":"idle","mtu":23}`, `{"mtu":23,"state":"idle"}`, true},
		{"extra keys ignored", nil, `{"state":"idle","mtu":23}`, `{"state":"idle"}`, true},
		{"extra keys compared", []Option{WithIgnoreExtraKeys(false)}, `{"state":"idle","mtu":23}`, `{"state":"idle"}`, false},
		{"nested extra keys ignored", nil, `{"sessions":[{"device_id":0,"mtu":23}]}`, `{"sessions":[{"device_id":0}]}`, true},
		{"value differs", nil, `{"state":"sending"}`, `{"state":"idle"}`, false},
		{"top level arrays", nil, `[1,2]`, `[1,2]`, true},
		{"ignored field", []Option{WithIgnoredFields("at")}, `{"seq":1,"at":"now"}`, `{"seq":1,"at":"then"}`, true},
		{"invalid actual", nil, `{`, `{}`, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := &recordingT{}
			ok := NewJSONAsserterWithInterface(rec).WithOptions(tt.opts...).Assert(tt.actual, tt.expected)

			assert.Equal(t, tt.pass, ok)
			assert.Equal(t, tt.pass, len(rec.errors) == 0)
		})
	}
}

func TestJSONAsserter_AssertValue(t *testing.T) {
	value := struct {
		Name  string `json:"name"`
		Count int    `json:"count"`
	}{"procedure", 3}

	NewJSONAsserter(t).AssertValue(value, `{"name":"procedure","count":3}`)
}
