package scenario

import (
	"math/rand"

	"github.com/srg/rasd/internal/ras"
)

var defaultModes = []uint8{0, 2}

// Synthesize builds the controller subevents of a synthetic procedure. The
// same ProcedureSpec always yields the same bytes. Every subevent but the last reports
// partial procedure results; the last one completes the procedure or, when
// Aborted is set, aborts both the subevent and the procedure.
func Synthesize(spec ProcedureSpec) []*ras.SubeventData {
	rng := rand.New(rand.NewSource(spec.Seed))
	modes := spec.Modes
	if len(modes) == 0 {
		modes = defaultModes
	}
	paths := spec.AntennaPaths
	if paths == 0 {
		paths = 1
	}

	events := make([]*ras.SubeventData, 0, spec.Subevents)
	for se := 0; se < spec.Subevents; se++ {
		var raw []byte
		for k := 0; k < spec.Steps; k++ {
			n := se*spec.Steps + k
			step := ras.Step{
				Mode:    ras.StepMode(modes[n%len(modes)]),
				Channel: uint8(2 + (n*7)%76),
			}
			step.Data = synthStepData(rng, step.Mode, paths)
			raw = ras.AppendStep(raw, step)
		}

		hdr := ras.SubeventHeader{
			StartACLConnEvent:   uint16(se * 4),
			ReferencePowerLevel: -10,
			NumStepsReported:    uint8(spec.Steps),
			ProcedureDoneStatus: ras.DoneStatusPartial,
			SubeventDoneStatus:  ras.DoneStatusComplete,
		}
		if se == spec.Subevents-1 {
			hdr.ProcedureDoneStatus = ras.DoneStatusComplete
			if spec.Aborted {
				hdr.ProcedureDoneStatus = ras.DoneStatusAborted
				hdr.SubeventDoneStatus = ras.DoneStatusAborted
				hdr.ProcedureAbortReason = 0x1
				hdr.SubeventAbortReason = 0x1
			}
		}

		events = append(events, &ras.SubeventData{
			ProcedureCounter: spec.Counter,
			ConfigID:         0,
			SelectedTxPower:  -4,
			NumAntennaPaths:  paths,
			Header:           hdr,
			Steps:            raw,
		})
	}

	if spec.Deliver > 0 && spec.Deliver < len(events) {
		events = events[:spec.Deliver]
	}
	return events
}

func synthStepData(rng *rand.Rand, mode ras.StepMode, paths uint8) ras.StepData {
	switch mode {
	case ras.StepMode0:
		return ras.Mode0Data{
			Quality:       uint8(rng.Intn(4)),
			RSSI:          int8(-40 - rng.Intn(50)),
			Antenna:       1,
			FreqOffset:    uint16(rng.Intn(0x4000)),
			HasFreqOffset: true,
		}
	case ras.StepMode1:
		return synthMode1(rng)
	case ras.StepMode2:
		return synthMode2(rng, paths)
	default:
		return ras.Mode3Data{Mode1Data: synthMode1(rng), Mode2Data: synthMode2(rng, paths)}
	}
}

func synthMode1(rng *rand.Rand) ras.Mode1Data {
	return ras.Mode1Data{
		Quality: uint8(rng.Intn(4)),
		NADM:    0xFF,
		RSSI:    int8(-40 - rng.Intn(50)),
		ToAToD:  uint16(rng.Intn(0x10000)),
		Antenna: 1,
	}
}

func synthMode2(rng *rand.Rand, paths uint8) ras.Mode2Data {
	tones := make([]ras.Tone, int(paths)+1)
	for i := range tones {
		tones[i] = ras.Tone{
			PCT:     ras.PCTFromIQ(int16(rng.Intn(4096)-2048), int16(rng.Intn(4096)-2048)),
			Quality: uint8(rng.Intn(3)),
		}
	}
	return ras.Mode2Data{Tones: tones}
}

// Producer hands out consecutive synthetic procedures built from one template.
type Producer struct {
	template ProcedureSpec
	counter  uint16
}

// NewProducer creates a Producer whose first procedure uses template.Counter.
func NewProducer(template ProcedureSpec) *Producer {
	return &Producer{template: template, counter: template.Counter}
}

// Next returns the subevents of the next procedure and advances the counter.
func (p *Producer) Next() []*ras.SubeventData {
	spec := p.template
	spec.Counter = p.counter
	spec.Seed = p.template.Seed + int64(p.counter)
	p.counter++
	return Synthesize(spec)
}
