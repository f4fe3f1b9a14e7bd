package ras

import (
	"encoding/binary"
	"fmt"
)

// Done status nibbles shared by procedure and subevent status fields.
const (
	DoneStatusComplete uint8 = 0x0 // all results complete
	DoneStatusPartial  uint8 = 0x1 // partial results, more to follow
	DoneStatusAborted  uint8 = 0xF // all subsequent results aborted
)

// PCTFormat selects how tone PCT samples are reported.
type PCTFormat uint8

const (
	PCTFormatIQ    PCTFormat = 0
	PCTFormatPhase PCTFormat = 1
)

func (f PCTFormat) String() string {
	switch f {
	case PCTFormatIQ:
		return "iq"
	case PCTFormatPhase:
		return "phase"
	default:
		return fmt.Sprintf("pct_format(%d)", uint8(f))
	}
}

// ParsePCTFormat is the inverse of PCTFormat.String.
func ParsePCTFormat(s string) (PCTFormat, error) {
	switch s {
	case "iq":
		return PCTFormatIQ, nil
	case "phase":
		return PCTFormatPhase, nil
	default:
		return 0, fmt.Errorf("unknown PCT format %q", s)
	}
}

// MaxAntennaPaths is the number of antenna paths a CS configuration can use.
const MaxAntennaPaths = 4

// ProcedureHeaderSize is the encoded size of ProcedureHeader.
const ProcedureHeaderSize = 4

// ProcedureHeader opens every ranging data body.
//
//	[counter:12 | config id:4] u16 LE, selected tx power i8,
//	[antenna paths mask:4 | reserved:2 | pct format:2] u8
type ProcedureHeader struct {
	Counter          uint16
	ConfigID         uint8
	SelectedTxPower  int8
	AntennaPathsMask uint8
	PCTFormat        PCTFormat
}

// AppendTo appends the encoded header to b.
func (h ProcedureHeader) AppendTo(b []byte) []byte {
	word := h.Counter&0x0FFF | uint16(h.ConfigID&0x0F)<<12
	b = binary.LittleEndian.AppendUint16(b, word)
	b = append(b, byte(h.SelectedTxPower))
	return append(b, h.AntennaPathsMask&0x0F|byte(h.PCTFormat&0x03)<<6)
}

// ParseProcedureHeader decodes the first ProcedureHeaderSize bytes of b.
func ParseProcedureHeader(b []byte) (ProcedureHeader, error) {
	if len(b) < ProcedureHeaderSize {
		return ProcedureHeader{}, &DecodeError{Field: "procedure_header", Need: ProcedureHeaderSize, Have: len(b)}
	}
	word := binary.LittleEndian.Uint16(b)
	return ProcedureHeader{
		Counter:          word & 0x0FFF,
		ConfigID:         uint8(word >> 12),
		SelectedTxPower:  int8(b[2]),
		AntennaPathsMask: b[3] & 0x0F,
		PCTFormat:        PCTFormat(b[3] >> 6),
	}, nil
}

// SubeventHeaderSize is the encoded size of SubeventHeader.
const SubeventHeaderSize = 8

// SubeventHeader precedes each subevent's step data in a ranging data body.
type SubeventHeader struct {
	StartACLConnEvent     uint16
	FrequencyCompensation int16
	ProcedureDoneStatus   uint8
	SubeventDoneStatus    uint8
	ProcedureAbortReason  uint8
	SubeventAbortReason   uint8
	ReferencePowerLevel   int8
	NumStepsReported      uint8
}

// AppendTo appends the encoded header to b.
func (h SubeventHeader) AppendTo(b []byte) []byte {
	b = binary.LittleEndian.AppendUint16(b, h.StartACLConnEvent)
	b = binary.LittleEndian.AppendUint16(b, uint16(h.FrequencyCompensation))
	b = append(b,
		h.ProcedureDoneStatus&0x0F|h.SubeventDoneStatus<<4,
		h.ProcedureAbortReason&0x0F|h.SubeventAbortReason<<4,
		byte(h.ReferencePowerLevel),
		h.NumStepsReported,
	)
	return b
}

// ParseSubeventHeader decodes the first SubeventHeaderSize bytes of b.
func ParseSubeventHeader(b []byte) (SubeventHeader, error) {
	if len(b) < SubeventHeaderSize {
		return SubeventHeader{}, &DecodeError{Field: "subevent_header", Need: SubeventHeaderSize, Have: len(b)}
	}
	return SubeventHeader{
		StartACLConnEvent:     binary.LittleEndian.Uint16(b[0:]),
		FrequencyCompensation: int16(binary.LittleEndian.Uint16(b[2:])),
		ProcedureDoneStatus:   b[4] & 0x0F,
		SubeventDoneStatus:    b[4] >> 4,
		ProcedureAbortReason:  b[5] & 0x0F,
		SubeventAbortReason:   b[5] >> 4,
		ReferencePowerLevel:   int8(b[6]),
		NumStepsReported:      b[7],
	}, nil
}

// SubeventData is one delivery from the Channel Sounding controller: the
// procedure-level parameters plus one subevent's header and raw step records.
type SubeventData struct {
	ProcedureCounter uint16
	ConfigID         uint8
	SelectedTxPower  int8
	NumAntennaPaths  uint8
	Header           SubeventHeader
	Steps            []byte
}

// Subevent locates one subevent's steps inside Procedure.Raw.
type Subevent struct {
	Offset   int
	Length   int
	NumSteps int
	Header   SubeventHeader
}

// Procedure accumulates the raw results of one CS procedure as its subevents arrive.
type Procedure struct {
	Counter         uint16
	ConfigID        uint8
	SelectedTxPower int8
	NumAntennaPaths uint8
	SubeventIndex   uint8
	Subevents       []Subevent
	Raw             []byte

	active bool
}

// Active reports whether the procedure holds any data.
func (p *Procedure) Active() bool {
	return p.active
}

// Done reports whether the last received subevent closed the procedure.
func (p *Procedure) Done() bool {
	if !p.active || len(p.Subevents) == 0 {
		return false
	}
	return p.Subevents[len(p.Subevents)-1].Header.ProcedureDoneStatus != DoneStatusPartial
}

// Header returns the body header for this procedure with the given PCT format.
func (p *Procedure) Header(format PCTFormat) ProcedureHeader {
	return ProcedureHeader{
		Counter:          p.Counter,
		ConfigID:         p.ConfigID,
		SelectedTxPower:  p.SelectedTxPower,
		AntennaPathsMask: byte(1)<<p.NumAntennaPaths - 1,
		PCTFormat:        format,
	}
}

// StepBytes returns the raw step records of subevent idx.
func (p *Procedure) StepBytes(idx int) []byte {
	sub := p.Subevents[idx]
	return p.Raw[sub.Offset : sub.Offset+sub.Length]
}

// Begin starts a new procedure from its first subevent delivery.
func (p *Procedure) Begin(ev *SubeventData) {
	p.Reset()
	p.Counter = ev.ProcedureCounter
	p.ConfigID = ev.ConfigID
	p.SelectedTxPower = ev.SelectedTxPower
	p.NumAntennaPaths = ev.NumAntennaPaths
	p.active = true
}

// AddSubevent records ev and returns its subevent index.
func (p *Procedure) AddSubevent(ev *SubeventData) int {
	p.Subevents = append(p.Subevents, Subevent{
		Offset:   len(p.Raw),
		Length:   len(ev.Steps),
		NumSteps: int(ev.Header.NumStepsReported),
		Header:   ev.Header,
	})
	p.Raw = append(p.Raw, ev.Steps...)
	p.SubeventIndex = uint8(len(p.Subevents) - 1)
	return len(p.Subevents) - 1
}

// Reset zeroes the procedure.
func (p *Procedure) Reset() {
	*p = Procedure{}
}
