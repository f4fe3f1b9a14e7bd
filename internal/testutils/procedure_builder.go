package testutils

import (
	"encoding/binary"

	"github.com/srg/rasd/internal/ras"
)

// RawStep encodes a controller step record: [mode][channel][length][payload].
func RawStep(mode ras.StepMode, channel uint8, payload ...byte) []byte {
	rec := []byte{byte(mode), channel, byte(len(payload))}
	return append(rec, payload...)
}

// Mode0Step encodes a mode 0 step. A reflector step (no frequency offset)
// is produced when freqOffset is nil.
func Mode0Step(channel, quality uint8, rssi int8, antenna uint8, freqOffset *uint16) []byte {
	payload := []byte{quality, byte(rssi), antenna}
	if freqOffset != nil {
		payload = binary.LittleEndian.AppendUint16(payload, *freqOffset)
	}
	return RawStep(ras.StepMode0, channel, payload...)
}

// Mode1Step encodes a mode 1 step; the packet PCT pair is included when d.HasPCT is set.
func Mode1Step(channel uint8, d ras.Mode1Data) []byte {
	return RawStep(ras.StepMode1, channel, mode1Payload(d)...)
}

// Mode2Step encodes a mode 2 step. tones must hold one entry per antenna
// path plus the extension tone.
func Mode2Step(channel, permutation uint8, tones ...ras.Tone) []byte {
	return RawStep(ras.StepMode2, channel, mode2Payload(permutation, tones)...)
}

// Mode3Step encodes a mode 3 step.
func Mode3Step(channel uint8, d ras.Mode1Data, permutation uint8, tones ...ras.Tone) []byte {
	payload := append(mode1Payload(d), mode2Payload(permutation, tones)...)
	return RawStep(ras.StepMode3, channel, payload...)
}

func mode1Payload(d ras.Mode1Data) []byte {
	b := []byte{d.Quality, d.NADM, byte(d.RSSI)}
	b = binary.LittleEndian.AppendUint16(b, d.ToAToD)
	b = append(b, d.Antenna)
	if d.HasPCT {
		b = append(b, d.PCT1[:]...)
		b = append(b, d.PCT2[:]...)
	}
	return b
}

func mode2Payload(permutation uint8, tones []ras.Tone) []byte {
	b := []byte{permutation}
	for _, t := range tones {
		b = append(b, t.PCT[:]...)
		b = append(b, t.Quality)
	}
	return b
}

// IQTone builds a tone from 12-bit I/Q samples.
func IQTone(i, q int16, quality uint8) ras.Tone {
	return ras.Tone{PCT: ras.PCTFromIQ(i, q), Quality: quality}
}

// SubeventBuilder builds one controller subevent delivery.
type SubeventBuilder struct {
	header   ras.SubeventHeader
	steps    []byte
	numSteps int
	doneSet  bool
}

// NewSubeventBuilder creates an empty subevent.
func NewSubeventBuilder() *SubeventBuilder {
	return &SubeventBuilder{}
}

// WithStep appends a raw step record.
func (b *SubeventBuilder) WithStep(raw []byte) *SubeventBuilder {
	b.steps = append(b.steps, raw...)
	b.numSteps++
	return b
}

// WithDoneStatus sets the procedure and subevent done-status nibbles. Without
// it the ProcedureBuilder marks the last subevent complete and the others partial.
func (b *SubeventBuilder) WithDoneStatus(procedure, subevent uint8) *SubeventBuilder {
	b.header.ProcedureDoneStatus = procedure
	b.header.SubeventDoneStatus = subevent
	b.doneSet = true
	return b
}

// WithACLConnEvent sets the start ACL connection event counter.
func (b *SubeventBuilder) WithACLConnEvent(ev uint16) *SubeventBuilder {
	b.header.StartACLConnEvent = ev
	return b
}

// WithReferencePower sets the reference power level.
func (b *SubeventBuilder) WithReferencePower(dbm int8) *SubeventBuilder {
	b.header.ReferencePowerLevel = dbm
	return b
}

// ProcedureBuilder builds the subevent deliveries of one CS procedure.
type ProcedureBuilder struct {
	counter   uint16
	configID  uint8
	txPower   int8
	paths     uint8
	subevents []*SubeventBuilder
}

// NewProcedureBuilder starts a single-antenna procedure with the given counter.
func NewProcedureBuilder(counter uint16) *ProcedureBuilder {
	return &ProcedureBuilder{counter: counter, paths: 1}
}

// WithConfigID sets the CS configuration id.
func (b *ProcedureBuilder) WithConfigID(id uint8) *ProcedureBuilder {
	b.configID = id
	return b
}

// WithTxPower sets the selected transmit power.
func (b *ProcedureBuilder) WithTxPower(dbm int8) *ProcedureBuilder {
	b.txPower = dbm
	return b
}

// WithAntennaPaths sets the number of antenna paths.
func (b *ProcedureBuilder) WithAntennaPaths(n uint8) *ProcedureBuilder {
	b.paths = n
	return b
}

// WithSubevent appends a subevent.
func (b *ProcedureBuilder) WithSubevent(sb *SubeventBuilder) *ProcedureBuilder {
	b.subevents = append(b.subevents, sb)
	return b
}

// Build returns the deliveries in order.
func (b *ProcedureBuilder) Build() []*ras.SubeventData {
	out := make([]*ras.SubeventData, 0, len(b.subevents))
	for i, sb := range b.subevents {
		hdr := sb.header
		if !sb.doneSet {
			hdr.ProcedureDoneStatus = ras.DoneStatusPartial
			if i == len(b.subevents)-1 {
				hdr.ProcedureDoneStatus = ras.DoneStatusComplete
			}
			hdr.SubeventDoneStatus = ras.DoneStatusComplete
		}
		hdr.NumStepsReported = uint8(sb.numSteps)
		out = append(out, &ras.SubeventData{
			ProcedureCounter: b.counter,
			ConfigID:         b.configID,
			SelectedTxPower:  b.txPower,
			NumAntennaPaths:  b.paths,
			Header:           hdr,
			Steps:            append([]byte(nil), sb.steps...),
		})
	}
	return out
}

// Uint16 returns a pointer to v, for optional builder fields.
func Uint16(v uint16) *uint16 {
	return &v
}

// FortyByteProcedure is a one-subevent, two-step procedure whose ranging data
// body is exactly 40 bytes with default filters: a mode 0 initiator step and
// a single-path mode 2 step.
func FortyByteProcedure(counter uint16) *ProcedureBuilder {
	return NewProcedureBuilder(counter).
		WithSubevent(NewSubeventBuilder().
			WithACLConnEvent(0x0102).
			WithStep(Mode0Step(2, 0x03, -40, 0x01, Uint16(0x0ABC))).
			WithStep(Mode2Step(4, 0, IQTone(100, -100, 0x01), IQTone(-7, 9, 0x02))))
}
