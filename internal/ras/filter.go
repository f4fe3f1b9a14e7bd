package ras

import (
	"encoding/binary"
	"fmt"
	"math"
)

// Mode 0 filter bits.
const (
	FilterMode0Quality uint16 = 1 << iota
	FilterMode0RSSI
	FilterMode0Antenna
	FilterMode0FreqOffset
)

// Mode 1 filter bits. Mode 3 uses the same bits in its low half.
const (
	FilterMode1Quality uint16 = 1 << iota
	FilterMode1NADM
	FilterMode1RSSI
	FilterMode1ToAToD
	FilterMode1Antenna
	FilterMode1PCT1
	FilterMode1PCT2
)

// Mode 2 filter bits. Mode 3 uses the same bits shifted by mode3ToneShift.
const (
	FilterMode2PermutationIndex uint16 = 1 << iota
	FilterMode2AntennaPath1
	FilterMode2AntennaPath2
	FilterMode2AntennaPath3
	FilterMode2AntennaPath4
	FilterMode2ToneQuality
	FilterMode2ExtensionTone
)

const (
	mode3ToneShift = 7
	stepAbortedBit = 0x80

	filterModeShift = 14
	filterMaskBits  = 1<<filterModeShift - 1
)

// filterLimits is the largest mask each mode accepts in a Filter command.
var filterLimits = [4]uint16{0x000F, 0x007F, 0x007F, filterMaskBits}

// DefaultFilterMask includes every field and antenna path.
const DefaultFilterMask uint16 = 0xFFFF

// DefaultFilterMasks returns the per-mode masks of a fresh session.
func DefaultFilterMasks() [4]uint16 {
	return [4]uint16{DefaultFilterMask, DefaultFilterMask, DefaultFilterMask, DefaultFilterMask}
}

// DecodeFilterValue splits a Filter command operand into its mode selector
// (top two bits) and field mask, validating the mask against the mode's range.
func DecodeFilterValue(v uint16) (StepMode, uint16, error) {
	mode := StepMode(v >> filterModeShift)
	mask := v & filterMaskBits
	if mask > filterLimits[mode] {
		return mode, 0, statusErrorf(ErrInvalidParameter, "filter 0x%04x exceeds mode %d range 0x%04x", v, mode, filterLimits[mode])
	}
	return mode, mask, nil
}

// EncodeFilterValue is the inverse of DecodeFilterValue.
func EncodeFilterValue(mode StepMode, mask uint16) uint16 {
	return uint16(mode&0x03)<<filterModeShift | mask&filterMaskBits
}

// antennaPermutations maps an antenna permutation index to the antenna path
// measured in each of the four tone slots.
var antennaPermutations = [24][MaxAntennaPaths]uint8{
	{0, 1, 2, 3}, {1, 0, 2, 3}, {0, 2, 1, 3}, {2, 0, 1, 3},
	{2, 1, 0, 3}, {1, 2, 0, 3}, {0, 1, 3, 2}, {1, 0, 3, 2},
	{0, 3, 1, 2}, {3, 0, 1, 2}, {3, 1, 0, 2}, {1, 3, 0, 2},
	{0, 3, 2, 1}, {3, 0, 2, 1}, {0, 2, 3, 1}, {2, 0, 3, 1},
	{2, 3, 0, 1}, {3, 2, 0, 1}, {3, 1, 2, 0}, {1, 3, 2, 0},
	{3, 2, 1, 0}, {2, 3, 1, 0}, {1, 2, 3, 0}, {2, 1, 3, 0},
}

// NumAntennaPermutations is the size of the antenna permutation table.
const NumAntennaPermutations = len(antennaPermutations)

// AntennaOrder returns the antenna path order for permutation index idx.
// An index outside the table means the controller broke its own format and panics.
func AntennaOrder(idx uint8) [MaxAntennaPaths]uint8 {
	if int(idx) >= len(antennaPermutations) {
		panic(fmt.Sprintf("ras: antenna permutation index %d out of range", idx))
	}
	return antennaPermutations[idx]
}

// FilterOptions carries the per-session filtering configuration.
type FilterOptions struct {
	Masks  [4]uint16
	Format PCTFormat
}

// FilterStep decodes a single raw step record and returns its filtered form.
func FilterStep(raw []byte, mask uint16, format PCTFormat, numAntennaPaths uint8) ([]byte, error) {
	steps, err := DecodeSteps(raw, 1, numAntennaPaths)
	if err != nil {
		return nil, err
	}
	return AppendFilteredStep(nil, &steps[0], mask, format, false), nil
}

// AppendFilteredStep appends the fields of step selected by mask to dst.
// The mode byte always comes first; bit 7 marks an aborted step, which carries no fields.
func AppendFilteredStep(dst []byte, step *Step, mask uint16, format PCTFormat, aborted bool) []byte {
	if aborted || step.Data == nil {
		return append(dst, byte(step.Mode)|stepAbortedBit)
	}
	dst = append(dst, byte(step.Mode))

	switch d := step.Data.(type) {
	case Mode0Data:
		dst = appendMode0(dst, d, mask)
	case Mode1Data:
		dst = appendMode1(dst, d, mask)
	case Mode2Data:
		dst = appendMode2(dst, d, mask, format)
	case Mode3Data:
		dst = appendMode1(dst, d.Mode1Data, mask)
		dst = appendMode2(dst, d.Mode2Data, mask>>mode3ToneShift, format)
	}
	return dst
}

func appendMode0(dst []byte, d Mode0Data, mask uint16) []byte {
	if mask&FilterMode0Quality != 0 {
		dst = append(dst, d.Quality)
	}
	if mask&FilterMode0RSSI != 0 {
		dst = append(dst, byte(d.RSSI))
	}
	if mask&FilterMode0Antenna != 0 {
		dst = append(dst, d.Antenna)
	}
	if mask&FilterMode0FreqOffset != 0 && d.HasFreqOffset {
		dst = binary.LittleEndian.AppendUint16(dst, d.FreqOffset)
	}
	return dst
}

func appendMode1(dst []byte, d Mode1Data, mask uint16) []byte {
	if mask&FilterMode1Quality != 0 {
		dst = append(dst, d.Quality)
	}
	if mask&FilterMode1NADM != 0 {
		dst = append(dst, d.NADM)
	}
	if mask&FilterMode1RSSI != 0 {
		dst = append(dst, byte(d.RSSI))
	}
	if mask&FilterMode1ToAToD != 0 {
		dst = binary.LittleEndian.AppendUint16(dst, d.ToAToD)
	}
	if mask&FilterMode1Antenna != 0 {
		dst = append(dst, d.Antenna)
	}
	if d.HasPCT {
		if mask&FilterMode1PCT1 != 0 {
			dst = append(dst, d.PCT1[:]...)
		}
		if mask&FilterMode1PCT2 != 0 {
			dst = append(dst, d.PCT2[:]...)
		}
	}
	return dst
}

// appendMode2 walks the four antenna slots in permuted order. A slot whose
// antenna path is beyond the configured path count repeats the last configured path.
func appendMode2(dst []byte, d Mode2Data, mask uint16, format PCTFormat) []byte {
	if mask&FilterMode2PermutationIndex != 0 {
		dst = append(dst, d.PermutationIndex)
	}
	if len(d.Tones) < 2 {
		return dst
	}

	withQuality := mask&FilterMode2ToneQuality != 0
	lastPath := len(d.Tones) - 2
	order := AntennaOrder(d.PermutationIndex)
	for slot := 0; slot < MaxAntennaPaths; slot++ {
		if mask&(FilterMode2AntennaPath1<<slot) == 0 {
			continue
		}
		path := int(order[slot])
		if path > lastPath {
			path = lastPath
		}
		dst = appendTone(dst, d.Tones[path], withQuality, format)
	}
	if mask&FilterMode2ExtensionTone != 0 {
		dst = appendTone(dst, d.Tones[len(d.Tones)-1], withQuality, format)
	}
	return dst
}

func appendTone(dst []byte, t Tone, withQuality bool, format PCTFormat) []byte {
	pct := t.PCT
	if format == PCTFormatPhase {
		pct = PhaseFromPCT(pct)
	}
	dst = append(dst, pct[:]...)
	if withQuality {
		dst = append(dst, t.Quality)
	}
	return dst
}

// IQFromPCT unpacks a tone PCT: 12-bit signed I in the low bits, 12-bit signed Q above it.
func IQFromPCT(pct [3]byte) (i, q int16) {
	iRaw := uint16(pct[0]) | uint16(pct[1]&0x0F)<<8
	qRaw := uint16(pct[1]>>4) | uint16(pct[2])<<4
	return signExtend12(iRaw), signExtend12(qRaw)
}

// PCTFromIQ packs 12-bit I and Q samples into a tone PCT.
func PCTFromIQ(i, q int16) [3]byte {
	iRaw := uint16(i) & 0x0FFF
	qRaw := uint16(q) & 0x0FFF
	return [3]byte{byte(iRaw), byte(iRaw>>8) | byte(qRaw<<4), byte(qRaw >> 4)}
}

func signExtend12(v uint16) int16 {
	if v&0x0800 != 0 {
		v |= 0xF000
	}
	return int16(v)
}

// PhaseFromPCT replaces an IQ tone sample by its phase atan2(Q, I). The
// three most significant bytes of the float64 bit pattern are kept, most
// significant first.
func PhaseFromPCT(pct [3]byte) [3]byte {
	i, q := IQFromPCT(pct)
	bits := math.Float64bits(math.Atan2(float64(q), float64(i)))
	return [3]byte{byte(bits >> 56), byte(bits >> 48), byte(bits >> 40)}
}

// DecodePhase expands a truncated phase produced by PhaseFromPCT back to radians.
func DecodePhase(b [3]byte) float64 {
	bits := uint64(b[0])<<56 | uint64(b[1])<<48 | uint64(b[2])<<40
	return math.Float64frombits(bits)
}
