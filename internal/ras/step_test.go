package ras_test

import (
	"errors"
	"testing"

	"github.com/srg/rasd/internal/ras"
	"github.com/srg/rasd/internal/testutils"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDecodeSteps(t *testing.T) {
	// GOAL: Verify back-to-back step records decode into the tagged step data

	raw := append(testutils.Mode0Step(2, 0x03, -40, 0x01, testutils.Uint16(0x0ABC)),
		testutils.Mode2Step(4, 5, testutils.IQTone(1, 2, 3), testutils.IQTone(4, 5, 6), testutils.IQTone(7, 8, 0))...)

	steps, err := ras.DecodeSteps(raw, 2, 2)
	require.NoError(t, err)
	require.Len(t, steps, 2)

	assert.Equal(t, ras.Step{
		Mode:    ras.StepMode0,
		Channel: 2,
		Data:    ras.Mode0Data{Quality: 0x03, RSSI: -40, Antenna: 0x01, FreqOffset: 0x0ABC, HasFreqOffset: true},
	}, steps[0])

	m2, ok := steps[1].Data.(ras.Mode2Data)
	require.True(t, ok, "mode 2 record MUST decode to Mode2Data")
	assert.Equal(t, uint8(5), m2.PermutationIndex)
	require.Len(t, m2.Tones, 3, "tones MUST hold one per path plus the extension")
	i, q := ras.IQFromPCT(m2.Tones[1].PCT)
	assert.Equal(t, int16(4), i)
	assert.Equal(t, int16(5), q)
	assert.Equal(t, uint8(6), m2.Tones[1].Quality)
}

func TestDecodeStepsErrors(t *testing.T) {
	// GOAL: Verify bounds violations produce decode errors instead of out-of-range reads

	full := testutils.Mode2Step(4, 0, testutils.IQTone(1, 2, 3), testutils.IQTone(4, 5, 6))

	tests := []struct {
		name  string
		raw   []byte
		steps int
		paths uint8
		field string
	}{
		{name: "truncated record header", raw: []byte{0x00, 0x01}, steps: 1, paths: 1, field: "step_header"},
		{name: "payload shorter than length", raw: full[:len(full)-2], steps: 1, paths: 1, field: "step_payload"},
		{name: "more steps than records", raw: full, steps: 2, paths: 1, field: "step_header"},
		{name: "tones for more paths than present", raw: full, steps: 1, paths: 2, field: "tone"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := ras.DecodeSteps(tt.raw, tt.steps, tt.paths)
			var decodeErr *ras.DecodeError
			require.True(t, errors.As(err, &decodeErr), "error MUST be a DecodeError, got %v", err)
			assert.Equal(t, tt.field, decodeErr.Field)
		})
	}

}

func TestDecodeStepsAntennaPathCount(t *testing.T) {
	// GOAL: Verify an antenna path count outside 1..4 fails fast like a bad permutation index

	full := testutils.Mode2Step(4, 0, testutils.IQTone(1, 2, 3), testutils.IQTone(4, 5, 6))

	assert.PanicsWithValue(t, "ras: antenna path count 0 out of range 1..4", func() {
		_, _ = ras.DecodeSteps(full, 1, 0)
	})
	assert.PanicsWithValue(t, "ras: antenna path count 5 out of range 1..4", func() {
		_, _ = ras.DecodeSteps(full, 1, 5)
	})
	assert.NotPanics(t, func() {
		_, err := ras.DecodeSteps(full, 1, 1)
		assert.NoError(t, err)
	})
}

func TestAppendStep(t *testing.T) {
	// GOAL: Verify AppendStep produces the same records the controller does

	m1 := ras.Mode1Data{Quality: 1, NADM: 0xFF, RSSI: -60, ToAToD: 0x1234, Antenna: 2}
	tones := []ras.Tone{testutils.IQTone(10, -10, 0), testutils.IQTone(3, 4, 1)}

	tests := []struct {
		name string
		step ras.Step
		want []byte
	}{
		{
			name: "mode 0 initiator",
			step: ras.Step{Mode: ras.StepMode0, Channel: 2, Data: ras.Mode0Data{Quality: 3, RSSI: -40, Antenna: 1, FreqOffset: 0x0ABC, HasFreqOffset: true}},
			want: testutils.Mode0Step(2, 3, -40, 1, testutils.Uint16(0x0ABC)),
		},
		{
			name: "mode 0 reflector",
			step: ras.Step{Mode: ras.StepMode0, Channel: 9, Data: ras.Mode0Data{Quality: 3, RSSI: -40, Antenna: 1}},
			want: testutils.Mode0Step(9, 3, -40, 1, nil),
		},
		{
			name: "mode 1",
			step: ras.Step{Mode: ras.StepMode1, Channel: 11, Data: m1},
			want: testutils.Mode1Step(11, m1),
		},
		{
			name: "mode 2",
			step: ras.Step{Mode: ras.StepMode2, Channel: 40, Data: ras.Mode2Data{PermutationIndex: 0, Tones: tones}},
			want: testutils.Mode2Step(40, 0, tones...),
		},
		{
			name: "mode 3",
			step: ras.Step{Mode: ras.StepMode3, Channel: 41, Data: ras.Mode3Data{Mode1Data: m1, Mode2Data: ras.Mode2Data{Tones: tones}}},
			want: testutils.Mode3Step(41, m1, 0, tones...),
		},
		{
			name: "aborted step",
			step: ras.Step{Mode: ras.StepMode2, Channel: 7},
			want: testutils.RawStep(ras.StepMode2, 7),
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, ras.AppendStep(nil, tt.step))
		})
	}
}
