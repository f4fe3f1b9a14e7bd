package ras

import (
	"encoding/binary"
	"fmt"
)

// Opcode is a RAS control-point command opcode.
type Opcode uint8

const (
	OpGetRangingData          Opcode = 0x00
	OpAckRangingData          Opcode = 0x01
	OpRetrieveLostRangingData Opcode = 0x02
	OpAbortOperation          Opcode = 0x03
	OpFilter                  Opcode = 0x04
	OpPCTFilter               Opcode = 0x05
)

var opcodeNames = map[Opcode]string{
	OpGetRangingData:          "get_ranging_data",
	OpAckRangingData:          "ack_ranging_data",
	OpRetrieveLostRangingData: "retrieve_lost_ranging_data",
	OpAbortOperation:          "abort_operation",
	OpFilter:                  "filter",
	OpPCTFilter:               "pct_filter",
}

func (o Opcode) String() string {
	if name, ok := opcodeNames[o]; ok {
		return name
	}
	return fmt.Sprintf("opcode(0x%02x)", uint8(o))
}

// commandLengths is the fixed PDU length of every supported command, opcode included.
var commandLengths = map[Opcode]int{
	OpGetRangingData:          3,
	OpAckRangingData:          3,
	OpRetrieveLostRangingData: 5,
	OpAbortOperation:          1,
	OpFilter:                  3,
	OpPCTFilter:               2,
}

// Command is a decoded control-point write. Only the operands of Opcode are meaningful.
type Command struct {
	Opcode           Opcode
	ProcedureCounter uint16
	StartSegment     uint8
	EndSegment       uint8
	FilterValue      uint16
	PCTFormat        PCTFormat
}

// GetRangingData builds a GetRangingData command.
func GetRangingData(counter uint16) Command {
	return Command{Opcode: OpGetRangingData, ProcedureCounter: counter}
}

// AckRangingData builds an AckRangingData command.
func AckRangingData(counter uint16) Command {
	return Command{Opcode: OpAckRangingData, ProcedureCounter: counter}
}

// RetrieveLostRangingData builds a RetrieveLostRangingData command.
func RetrieveLostRangingData(counter uint16, start, end uint8) Command {
	return Command{Opcode: OpRetrieveLostRangingData, ProcedureCounter: counter, StartSegment: start, EndSegment: end}
}

// AbortOperation builds an AbortOperation command.
func AbortOperation() Command {
	return Command{Opcode: OpAbortOperation}
}

// Filter builds a Filter command for mode with the given field mask.
func Filter(mode StepMode, mask uint16) Command {
	return Command{Opcode: OpFilter, FilterValue: EncodeFilterValue(mode, mask)}
}

// PCTFilter builds a PCTFilter command.
func PCTFilter(format PCTFormat) Command {
	return Command{Opcode: OpPCTFilter, PCTFormat: format}
}

// ParseCommand decodes a control-point write. Unknown opcodes yield
// ErrOpCodeNotSupported and length mismatches ErrInvalidParameter; the
// returned Command always carries the opcode byte when one was present.
func ParseCommand(b []byte) (Command, error) {
	if len(b) == 0 {
		return Command{}, statusErrorf(ErrInvalidParameter, "empty command")
	}

	cmd := Command{Opcode: Opcode(b[0])}
	want, ok := commandLengths[cmd.Opcode]
	if !ok {
		return cmd, statusErrorf(ErrOpCodeNotSupported, "opcode 0x%02x", b[0])
	}
	if len(b) != want {
		return cmd, statusErrorf(ErrInvalidParameter, "%s: length %d, want %d", cmd.Opcode, len(b), want)
	}

	switch cmd.Opcode {
	case OpGetRangingData, OpAckRangingData:
		cmd.ProcedureCounter = binary.LittleEndian.Uint16(b[1:])
	case OpRetrieveLostRangingData:
		cmd.ProcedureCounter = binary.LittleEndian.Uint16(b[1:])
		cmd.StartSegment = b[3]
		cmd.EndSegment = b[4]
	case OpFilter:
		cmd.FilterValue = binary.LittleEndian.Uint16(b[1:])
	case OpPCTFilter:
		cmd.PCTFormat = PCTFormat(b[1])
	}
	return cmd, nil
}

// Encode serializes the command as a peer would write it.
func (c Command) Encode() []byte {
	b := []byte{byte(c.Opcode)}
	switch c.Opcode {
	case OpGetRangingData, OpAckRangingData:
		b = binary.LittleEndian.AppendUint16(b, c.ProcedureCounter)
	case OpRetrieveLostRangingData:
		b = binary.LittleEndian.AppendUint16(b, c.ProcedureCounter)
		b = append(b, c.StartSegment, c.EndSegment)
	case OpFilter:
		b = binary.LittleEndian.AppendUint16(b, c.FilterValue)
	case OpPCTFilter:
		b = append(b, byte(c.PCTFormat))
	}
	return b
}

// ResponseOpcode is the opcode of a control-point response PDU.
type ResponseOpcode uint8

const (
	RspCompleteProcData        ResponseOpcode = 0x00
	RspCompleteLostDataSegment ResponseOpcode = 0x01
	RspResponseCode            ResponseOpcode = 0x02
)

// Response is a control-point response PDU.
type Response struct {
	Opcode           ResponseOpcode
	ProcedureCounter uint16
	Status           Status
}

// StatusResponse builds a Response(status) PDU.
func StatusResponse(status Status) *Response {
	return &Response{Opcode: RspResponseCode, Status: status}
}

// errorResponse maps err onto a Response(status) PDU.
func errorResponse(err error) *Response {
	return StatusResponse(StatusOf(err))
}

// Encode serializes the response.
func (r Response) Encode() []byte {
	b := []byte{byte(r.Opcode)}
	if r.Opcode == RspResponseCode {
		return append(b, byte(r.Status))
	}
	return binary.LittleEndian.AppendUint16(b, r.ProcedureCounter)
}

// ParseResponse decodes a control-point response PDU.
func ParseResponse(b []byte) (Response, error) {
	if len(b) == 0 {
		return Response{}, statusErrorf(ErrInvalidParameter, "empty response")
	}
	r := Response{Opcode: ResponseOpcode(b[0])}
	switch r.Opcode {
	case RspCompleteProcData, RspCompleteLostDataSegment:
		if len(b) != 3 {
			return r, statusErrorf(ErrInvalidParameter, "response 0x%02x: length %d, want 3", b[0], len(b))
		}
		r.ProcedureCounter = binary.LittleEndian.Uint16(b[1:])
	case RspResponseCode:
		if len(b) != 2 {
			return r, statusErrorf(ErrInvalidParameter, "response code: length %d, want 2", len(b))
		}
		r.Status = Status(b[1])
	default:
		return r, statusErrorf(ErrOpCodeNotSupported, "response opcode 0x%02x", b[0])
	}
	return r, nil
}

func (r Response) String() string {
	switch r.Opcode {
	case RspCompleteProcData:
		return fmt.Sprintf("complete_proc_data(%d)", r.ProcedureCounter)
	case RspCompleteLostDataSegment:
		return fmt.Sprintf("complete_lost_data_segment(%d)", r.ProcedureCounter)
	default:
		return fmt.Sprintf("response(%s)", r.Status)
	}
}
