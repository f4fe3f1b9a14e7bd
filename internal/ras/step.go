package ras

import (
	"encoding/binary"
	"fmt"
)

// StepMode is the CS step mode (0..3).
type StepMode uint8

const (
	StepMode0 StepMode = iota
	StepMode1
	StepMode2
	StepMode3
)

// stepRecordHeaderSize covers the mode, channel and length bytes of a raw step.
const stepRecordHeaderSize = 3

// Sizes of the fixed parts of step payloads.
const (
	mode0ReflectorSize = 3 // quality, rssi, antenna
	mode0InitiatorSize = 5 // + frequency offset
	mode1BaseSize      = 6 // quality, nadm, rssi, toa_tod(2), antenna
	packetPCTSize      = 4
	tonePCTSize        = 3
	toneSize           = tonePCTSize + 1 // pct + tone quality indicator
)

// Tone is the per-antenna-path tone measurement of a mode 2/3 step.
type Tone struct {
	PCT     [tonePCTSize]byte
	Quality uint8
}

// Mode0Data is a mode 0 (frequency calibration) step.
type Mode0Data struct {
	Quality       uint8
	RSSI          int8
	Antenna       uint8
	FreqOffset    uint16
	HasFreqOffset bool
}

// Mode1Data is a mode 1 (round trip time) step.
type Mode1Data struct {
	Quality uint8
	NADM    uint8
	RSSI    int8
	ToAToD  uint16
	Antenna uint8
	PCT1    [packetPCTSize]byte
	PCT2    [packetPCTSize]byte
	HasPCT  bool
}

// Mode2Data is a mode 2 (phase based ranging) step. Tones holds
// NumAntennaPaths+1 entries: one per antenna path plus the extension slot.
type Mode2Data struct {
	PermutationIndex uint8
	Tones            []Tone
}

// Mode3Data is a mode 3 (combined RTT and phase) step.
type Mode3Data struct {
	Mode1Data
	Mode2Data
}

// StepData is one of Mode0Data, Mode1Data, Mode2Data or Mode3Data.
type StepData interface {
	stepMode() StepMode
}

func (Mode0Data) stepMode() StepMode { return StepMode0 }
func (Mode1Data) stepMode() StepMode { return StepMode1 }
func (Mode2Data) stepMode() StepMode { return StepMode2 }
func (Mode3Data) stepMode() StepMode { return StepMode3 }

// Step is a decoded raw step record. Data is nil for a step the controller
// reported without payload (aborted step).
type Step struct {
	Mode    StepMode
	Channel uint8
	Data    StepData
}

// stepReader is a bounds-checked cursor over an immutable byte slice.
type stepReader struct {
	buf []byte
	off int
}

func (r *stepReader) remaining() int {
	return len(r.buf) - r.off
}

func (r *stepReader) take(field string, n int) ([]byte, error) {
	if r.remaining() < n {
		return nil, &DecodeError{Field: field, Offset: r.off, Need: n, Have: r.remaining()}
	}
	b := r.buf[r.off : r.off+n]
	r.off += n
	return b, nil
}

func (r *stepReader) u8(field string) (uint8, error) {
	b, err := r.take(field, 1)
	if err != nil {
		return 0, err
	}
	return b[0], nil
}

func (r *stepReader) u16(field string) (uint16, error) {
	b, err := r.take(field, 2)
	if err != nil {
		return 0, err
	}
	return binary.LittleEndian.Uint16(b), nil
}

// DecodeSteps decodes numSteps back-to-back raw step records
// ([mode][channel][length][payload]) from raw. An antenna path count outside
// 1..MaxAntennaPaths means the controller broke its own format and panics.
func DecodeSteps(raw []byte, numSteps int, numAntennaPaths uint8) ([]Step, error) {
	if numAntennaPaths == 0 || numAntennaPaths > MaxAntennaPaths {
		panic(fmt.Sprintf("ras: antenna path count %d out of range 1..%d", numAntennaPaths, MaxAntennaPaths))
	}

	r := &stepReader{buf: raw}
	steps := make([]Step, 0, numSteps)
	for i := 0; i < numSteps; i++ {
		hdr, err := r.take("step_header", stepRecordHeaderSize)
		if err != nil {
			return nil, fmt.Errorf("step %d: %w", i, err)
		}
		mode := StepMode(hdr[0] & 0x03)
		payload, err := r.take("step_payload", int(hdr[2]))
		if err != nil {
			return nil, fmt.Errorf("step %d: %w", i, err)
		}

		step := Step{Mode: mode, Channel: hdr[1]}
		if len(payload) > 0 {
			step.Data, err = decodeStepData(mode, payload, numAntennaPaths)
			if err != nil {
				return nil, fmt.Errorf("step %d (mode %d): %w", i, mode, err)
			}
		}
		steps = append(steps, step)
	}
	return steps, nil
}

func decodeStepData(mode StepMode, payload []byte, numAntennaPaths uint8) (StepData, error) {
	r := &stepReader{buf: payload}
	toneBytes := (int(numAntennaPaths) + 1) * toneSize

	switch mode {
	case StepMode0:
		return decodeMode0(r)
	case StepMode1:
		return decodeMode1(r, len(payload) >= mode1BaseSize+2*packetPCTSize)
	case StepMode2:
		return decodeMode2(r, numAntennaPaths)
	default:
		withPCT := len(payload) >= mode1BaseSize+2*packetPCTSize+1+toneBytes
		m1, err := decodeMode1(r, withPCT)
		if err != nil {
			return nil, err
		}
		m2, err := decodeMode2(r, numAntennaPaths)
		if err != nil {
			return nil, err
		}
		return Mode3Data{Mode1Data: m1, Mode2Data: m2}, nil
	}
}

func decodeMode0(r *stepReader) (Mode0Data, error) {
	var d Mode0Data
	b, err := r.take("mode0", mode0ReflectorSize)
	if err != nil {
		return d, err
	}
	d.Quality, d.RSSI, d.Antenna = b[0], int8(b[1]), b[2]
	if r.remaining() >= 2 {
		if d.FreqOffset, err = r.u16("freq_offset"); err != nil {
			return d, err
		}
		d.HasFreqOffset = true
	}
	return d, nil
}

func decodeMode1(r *stepReader, withPCT bool) (Mode1Data, error) {
	var d Mode1Data
	b, err := r.take("mode1", mode1BaseSize)
	if err != nil {
		return d, err
	}
	d.Quality, d.NADM, d.RSSI = b[0], b[1], int8(b[2])
	d.ToAToD = binary.LittleEndian.Uint16(b[3:5])
	d.Antenna = b[5]
	if !withPCT {
		return d, nil
	}
	pct, err := r.take("packet_pct", 2*packetPCTSize)
	if err != nil {
		return d, err
	}
	copy(d.PCT1[:], pct[:packetPCTSize])
	copy(d.PCT2[:], pct[packetPCTSize:])
	d.HasPCT = true
	return d, nil
}

func decodeMode2(r *stepReader, numAntennaPaths uint8) (Mode2Data, error) {
	var d Mode2Data
	var err error
	if d.PermutationIndex, err = r.u8("antenna_permutation_index"); err != nil {
		return d, err
	}
	d.Tones = make([]Tone, int(numAntennaPaths)+1)
	for i := range d.Tones {
		b, err := r.take("tone", toneSize)
		if err != nil {
			return d, err
		}
		copy(d.Tones[i].PCT[:], b[:tonePCTSize])
		d.Tones[i].Quality = b[tonePCTSize]
	}
	return d, nil
}

// AppendStep appends the raw controller record of step to dst. It is the
// inverse of DecodeSteps and is used by synthetic producers.
func AppendStep(dst []byte, step Step) []byte {
	dst = append(dst, byte(step.Mode), step.Channel, 0)
	lenAt := len(dst) - 1
	switch d := step.Data.(type) {
	case Mode0Data:
		dst = append(dst, d.Quality, byte(d.RSSI), d.Antenna)
		if d.HasFreqOffset {
			dst = binary.LittleEndian.AppendUint16(dst, d.FreqOffset)
		}
	case Mode1Data:
		dst = appendMode1Raw(dst, d)
	case Mode2Data:
		dst = appendMode2Raw(dst, d)
	case Mode3Data:
		dst = appendMode1Raw(dst, d.Mode1Data)
		dst = appendMode2Raw(dst, d.Mode2Data)
	}
	dst[lenAt] = byte(len(dst) - lenAt - 1)
	return dst
}

func appendMode1Raw(dst []byte, d Mode1Data) []byte {
	dst = append(dst, d.Quality, d.NADM, byte(d.RSSI))
	dst = binary.LittleEndian.AppendUint16(dst, d.ToAToD)
	dst = append(dst, d.Antenna)
	if d.HasPCT {
		dst = append(dst, d.PCT1[:]...)
		dst = append(dst, d.PCT2[:]...)
	}
	return dst
}

func appendMode2Raw(dst []byte, d Mode2Data) []byte {
	dst = append(dst, d.PermutationIndex)
	for _, t := range d.Tones {
		dst = append(dst, t.PCT[:]...)
		dst = append(dst, t.Quality)
	}
	return dst
}
