package ras_test

import (
	"testing"

	"github.com/srg/rasd/internal/ras"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseCommand(t *testing.T) {
	// GOAL: Verify fixed-length command decoding and error mapping
	//
	// TEST SCENARIO: Valid and malformed writes → decoded command or status error

	tests := []struct {
		name     string
		input    []byte
		expected ras.Command
		status   ras.Status
	}{
		{
			name:     "get ranging data",
			input:    []byte{0x00, 0x05, 0x00},
			expected: ras.GetRangingData(5),
			status:   ras.StatusSuccess,
		},
		{
			name:     "ack ranging data",
			input:    []byte{0x01, 0x34, 0x12},
			expected: ras.AckRangingData(0x1234),
			status:   ras.StatusSuccess,
		},
		{
			name:     "retrieve lost segments",
			input:    []byte{0x02, 0x05, 0x00, 0x01, 0x02},
			expected: ras.RetrieveLostRangingData(5, 1, 2),
			status:   ras.StatusSuccess,
		},
		{
			name:     "abort",
			input:    []byte{0x03},
			expected: ras.AbortOperation(),
			status:   ras.StatusSuccess,
		},
		{
			name:     "filter",
			input:    []byte{0x04, 0x0F, 0x40},
			expected: ras.Filter(ras.StepMode1, 0x0F),
			status:   ras.StatusSuccess,
		},
		{
			name:     "pct filter",
			input:    []byte{0x05, 0x01},
			expected: ras.PCTFilter(ras.PCTFormatPhase),
			status:   ras.StatusSuccess,
		},
		{
			name:     "unknown opcode",
			input:    []byte{0x09, 0x00},
			expected: ras.Command{Opcode: 0x09},
			status:   ras.StatusOpCodeNotSupported,
		},
		{
			name:     "short get",
			input:    []byte{0x00, 0x05},
			expected: ras.Command{Opcode: ras.OpGetRangingData},
			status:   ras.StatusInvalidParameter,
		},
		{
			name:     "long abort",
			input:    []byte{0x03, 0x00},
			expected: ras.Command{Opcode: ras.OpAbortOperation},
			status:   ras.StatusInvalidParameter,
		},
		{
			name:   "empty write",
			input:  nil,
			status: ras.StatusInvalidParameter,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cmd, err := ras.ParseCommand(tt.input)
			assert.Equal(t, tt.status, ras.StatusOf(err), "status MUST match")
			assert.Equal(t, tt.expected, cmd)
			if err == nil {
				assert.Equal(t, tt.input, cmd.Encode(), "encoding MUST reproduce the write")
			}
		})
	}
}

func TestResponseEncoding(t *testing.T) {
	tests := []struct {
		name     string
		response ras.Response
		expected []byte
	}{
		{"complete proc data", ras.Response{Opcode: ras.RspCompleteProcData, ProcedureCounter: 5}, []byte{0x00, 0x05, 0x00}},
		{"complete lost data segment", ras.Response{Opcode: ras.RspCompleteLostDataSegment, ProcedureCounter: 0x0102}, []byte{0x01, 0x02, 0x01}},
		{"no records found", *ras.StatusResponse(ras.StatusNoRecordsFound), []byte{0x02, 0x08}},
		{"success", *ras.StatusResponse(ras.StatusSuccess), []byte{0x02, 0x01}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.expected, tt.response.Encode())
			parsed, err := ras.ParseResponse(tt.expected)
			require.NoError(t, err)
			assert.Equal(t, tt.response, parsed)
		})
	}

	_, err := ras.ParseResponse([]byte{0x07, 0x00})
	assert.ErrorIs(t, err, ras.ErrOpCodeNotSupported)
}

func TestStatusOf(t *testing.T) {
	assert.Equal(t, ras.StatusSuccess, ras.StatusOf(nil))
	assert.Equal(t, ras.StatusServerBusy, ras.StatusOf(ras.ErrServerBusy))
	assert.Equal(t, ras.StatusProcedureNotCompleted, ras.StatusOf(ras.ErrOutOfMemory),
		"errors without protocol meaning MUST map to ProcedureNotCompleted")
	assert.Equal(t, "invalid_parameter", ras.StatusInvalidParameter.String())
}
