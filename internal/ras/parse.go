package ras

import (
	"fmt"
	"math/bits"
)

// BodyLayout carries what a filtered ranging data body does not describe
// itself: the filter masks it was built with and which optional fields the
// controller reported.
type BodyLayout struct {
	Masks [4]uint16
	// Initiator steps carry a mode 0 frequency offset.
	Initiator bool
	// PacketPCT steps carry mode 1/3 packet PCTs.
	PacketPCT bool
}

// DefaultBodyLayout matches a body built with default filters from initiator
// data without packet PCTs.
func DefaultBodyLayout() BodyLayout {
	return BodyLayout{Masks: DefaultFilterMasks(), Initiator: true}
}

// FilteredStep is one step record of a ranging data body.
type FilteredStep struct {
	Mode    StepMode
	Aborted bool
	// Fields holds the filtered step bytes following the mode byte.
	Fields []byte
	// Tones are the tone values of a mode 2/3 step in transmission order,
	// extension tone last when present.
	Tones [][3]byte
}

// ParsedSubevent is a subevent header with its filtered steps.
type ParsedSubevent struct {
	Header SubeventHeader
	Steps  []FilteredStep
}

// ParsedBody is a decoded ranging data body.
type ParsedBody struct {
	Header    ProcedureHeader
	Subevents []ParsedSubevent
}

// ParseBody decodes a ranging data body produced with layout.
func ParseBody(b []byte, layout BodyLayout) (*ParsedBody, error) {
	hdr, err := ParseProcedureHeader(b)
	if err != nil {
		return nil, err
	}

	body := &ParsedBody{Header: hdr}
	r := &stepReader{buf: b, off: ProcedureHeaderSize}
	for r.remaining() > 0 {
		raw, err := r.take("subevent_header", SubeventHeaderSize)
		if err != nil {
			return nil, fmt.Errorf("subevent %d: %w", len(body.Subevents), err)
		}
		sh, err := ParseSubeventHeader(raw)
		if err != nil {
			return nil, err
		}
		sub := ParsedSubevent{Header: sh}
		for i := 0; i < int(sh.NumStepsReported); i++ {
			step, err := parseFilteredStep(r, layout)
			if err != nil {
				return nil, fmt.Errorf("subevent %d step %d: %w", len(body.Subevents), i, err)
			}
			sub.Steps = append(sub.Steps, step)
		}
		body.Subevents = append(body.Subevents, sub)
	}
	return body, nil
}

func parseFilteredStep(r *stepReader, layout BodyLayout) (FilteredStep, error) {
	modeByte, err := r.u8("step_mode")
	if err != nil {
		return FilteredStep{}, err
	}
	step := FilteredStep{Mode: StepMode(modeByte & 0x03), Aborted: modeByte&stepAbortedBit != 0}
	if step.Aborted {
		return step, nil
	}

	mask := layout.Masks[step.Mode]
	var rttSize, toneMask uint16
	switch step.Mode {
	case StepMode0:
		step.Fields, err = r.take("mode0", mode0FilteredSize(mask, layout.Initiator))
		return step, err
	case StepMode1:
		step.Fields, err = r.take("mode1", mode1FilteredSize(mask, layout.PacketPCT))
		return step, err
	case StepMode2:
		toneMask = mask
	default:
		rttSize = uint16(mode1FilteredSize(mask, layout.PacketPCT))
		toneMask = mask >> mode3ToneShift
	}

	start := r.off
	if _, err := r.take("rtt", int(rttSize)); err != nil {
		return step, err
	}
	if toneMask&FilterMode2PermutationIndex != 0 {
		if _, err := r.u8("antenna_permutation_index"); err != nil {
			return step, err
		}
	}
	withQuality := toneMask&FilterMode2ToneQuality != 0
	tones := bits.OnesCount16(toneMask & (FilterMode2AntennaPath1 | FilterMode2AntennaPath2 | FilterMode2AntennaPath3 | FilterMode2AntennaPath4))
	if toneMask&FilterMode2ExtensionTone != 0 {
		tones++
	}
	for i := 0; i < tones; i++ {
		pct, err := r.take("tone", tonePCTSize)
		if err != nil {
			return step, err
		}
		var t [3]byte
		copy(t[:], pct)
		step.Tones = append(step.Tones, t)
		if withQuality {
			if _, err := r.u8("tone_quality"); err != nil {
				return step, err
			}
		}
	}
	step.Fields = r.buf[start:r.off]
	return step, nil
}

func mode0FilteredSize(mask uint16, initiator bool) int {
	n := bits.OnesCount16(mask & (FilterMode0Quality | FilterMode0RSSI | FilterMode0Antenna))
	if initiator && mask&FilterMode0FreqOffset != 0 {
		n += 2
	}
	return n
}

func mode1FilteredSize(mask uint16, packetPCT bool) int {
	n := bits.OnesCount16(mask & (FilterMode1Quality | FilterMode1NADM | FilterMode1RSSI | FilterMode1Antenna))
	if mask&FilterMode1ToAToD != 0 {
		n += 2
	}
	if packetPCT {
		n += bits.OnesCount16(mask&(FilterMode1PCT1|FilterMode1PCT2)) * packetPCTSize
	}
	return n
}
