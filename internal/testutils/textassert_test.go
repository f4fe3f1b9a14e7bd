package testutils

import (
	"fmt"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
)

// recordingT captures assertion failures instead of failing the test
type recordingT struct {
	errors []string
}

func (r *recordingT) Errorf(format string, args ...interface{}) {
	r.errors = append(r.errors, fmt.Sprintf(format, args...))
}

func TestTextAsserter_DefaultOptions(t *testing.T) {
	opts := NewTextAsserter(t).Options()

	assert.True(t, opts.TrimSpace)
	assert.True(t, opts.IgnoreTrailingWhitespace)
	assert.False(t, opts.IgnoreEmptyLines)
	assert.False(t, opts.EnableColors)
}

func TestTextAsserter_Assert(t *testing.T) {
	tests := []struct {
		name     string
		opts     []TextOption
		actual   string
		expected string
		pass     bool
	}{
		{"identical", nil, "a\nb", "a\nb", true},
		{"surrounding whitespace trimmed", nil, "\n  a\nb\n\n", "a\nb", true},
		{"trailing whitespace ignored", nil, "a  \nb\t", "a\nb", true},
		{"trailing whitespace kept", []TextOption{WithIgnoreTrailingWhitespace(false)}, "a  \nb", "a\nb", false},
		{"empty lines count", nil, "a\n\nb", "a\nb", false},
		{"empty lines ignored", []TextOption{WithIgnoreEmptyLines(true)}, "a\n\nb", "a\nb", true},
		{"different line", nil, "a\nc", "a\nb", false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := &recordingT{}
			ok := NewTextAsserterWithInterface(rec).WithOptions(tt.opts...).Assert(tt.actual, tt.expected)

			assert.Equal(t, tt.pass, ok)
			assert.Equal(t, tt.pass, len(rec.errors) == 0, "failures MUST be reported through Errorf")
		})
	}
}

func TestTextAsserter_DiffOutput(t *testing.T) {
	// GOAL: Verify a mismatch is reported as a unified diff naming both sides
	//
	// TEST SCENARIO: One changed line → diff shows removed expected line and added actual line

	rec := &recordingT{}
	NewTextAsserterWithInterface(rec).AssertLines("seg 0\nseg 9", "seg 0", "seg 1")

	assert.Len(t, rec.errors, 1)
	diff := rec.errors[0]
	assert.Contains(t, diff, "--- expected")
	assert.Contains(t, diff, "+++ actual")
	assert.Contains(t, diff, "-seg 1")
	assert.Contains(t, diff, "+seg 9")
}

func TestTextAsserter_Colors(t *testing.T) {
	rec := &recordingT{}
	NewTextAsserterWithInterface(rec).WithOptions(WithEnableColors(true)).Assert("a b", "a c")

	assert.Len(t, rec.errors, 1)
	assert.True(t, strings.Contains(rec.errors[0], "\x1b["), "colored diff MUST carry ANSI escapes")
	assert.Contains(t, rec.errors[0], "a·c", "spaces in changed lines MUST be made visible")
}
