// Package scenario drives the ranging service from YAML-described scripts:
// controller procedures, peer subscriptions, control-point writes and clock
// advances run against an in-memory transport and a manual clock, and every
// emitted PDU is captured in a transcript.
package scenario

import (
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/mcuadros/go-defaults"
	"github.com/srg/rasd/internal/ras"
	"gopkg.in/yaml.v3"
)

// Step actions.
const (
	ActionSubscribe   = "subscribe"
	ActionUnsubscribe = "unsubscribe"
	ActionDisconnect  = "disconnect"
	ActionMTU         = "mtu"
	ActionPreference  = "preference"
	ActionProcedure   = "procedure"
	ActionCommand     = "command"
	ActionWrite       = "write"
	ActionConfirm     = "confirm"
	ActionAdvance     = "advance"
	ActionFail        = "fail"
	ActionRecover     = "recover"
	ActionExpect      = "expect"
)

var (
	ErrInvalidScenario   = errors.New("invalid scenario")
	ErrExpectationFailed = errors.New("scenario expectation failed")
)

// Scenario is a named script of steps.
type Scenario struct {
	Name     string   `yaml:"name"`
	Settings Settings `yaml:"settings"`
	Steps    []Step   `yaml:"steps"`
}

// Settings override service options for one scenario. Zero values keep the
// runner's base options.
type Settings struct {
	MaxConnections     int           `yaml:"max_connections"`
	AckTimeout         time.Duration `yaml:"ack_timeout"`
	DefaultATTMTU      uint16        `yaml:"default_att_mtu"`
	MaxBodySize        int           `yaml:"max_body_size"`
	RealTimeBufferSize int           `yaml:"real_time_buffer_size"`
	MaxSegmentRecords  int           `yaml:"max_segment_records"`
}

func (s Settings) apply(opts ras.Options) ras.Options {
	if s.MaxConnections > 0 {
		opts.Capacity = s.MaxConnections
	}
	if s.AckTimeout > 0 {
		opts.AckTimeout = s.AckTimeout
	}
	if s.DefaultATTMTU > 0 {
		opts.DefaultMTU = s.DefaultATTMTU
	}
	if s.MaxBodySize > 0 {
		opts.MaxBodySize = s.MaxBodySize
	}
	if s.RealTimeBufferSize > 0 {
		opts.RealTimeBufferSize = s.RealTimeBufferSize
	}
	if s.MaxSegmentRecords > 0 {
		opts.MaxSegmentRecords = s.MaxSegmentRecords
	}
	return opts
}

// Step is one scripted event. Which fields apply depends on Action.
type Step struct {
	Action string       `yaml:"action"`
	Device ras.DeviceID `yaml:"device"`

	// subscribe
	RealTime bool `yaml:"real_time"`
	// preference
	Bits uint8 `yaml:"bits"`
	// mtu
	MTU uint16 `yaml:"mtu"`
	// procedure
	Procedure *ProcedureSpec `yaml:"procedure"`
	// command: opcode name plus its parameters
	Command   string `yaml:"command"`
	Counter   uint16 `yaml:"counter"`
	Start     uint8  `yaml:"start"`
	End       uint8  `yaml:"end"`
	Mode      uint8  `yaml:"mode"`
	Mask      uint16 `yaml:"mask"`
	PCTFormat string `yaml:"pct_format"`
	// write: raw control-point bytes
	Data HexBytes `yaml:"data"`
	// confirm, fail, recover
	Characteristic string `yaml:"characteristic"`
	// fail
	Error string `yaml:"error"`
	// advance
	Duration time.Duration `yaml:"duration"`
	// expect
	State string `yaml:"state"`
	PDUs  *int   `yaml:"pdus"`
}

// ProcedureSpec describes a synthetic CS procedure.
type ProcedureSpec struct {
	Counter      uint16  `yaml:"counter"`
	Subevents    int     `yaml:"subevents" default:"1"`
	Steps        int     `yaml:"steps" default:"4"`
	AntennaPaths uint8   `yaml:"antenna_paths" default:"1"`
	Modes        []uint8 `yaml:"modes"`
	Seed         int64   `yaml:"seed"`
	// Deliver limits how many subevents are fed; zero feeds all of them.
	Deliver int `yaml:"deliver"`
	// Aborted marks the last subevent as aborted by the controller.
	Aborted bool `yaml:"aborted"`
}

// Parse decodes and validates a YAML scenario.
func Parse(data []byte) (*Scenario, error) {
	var sc Scenario
	if err := yaml.Unmarshal(data, &sc); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidScenario, err)
	}
	for i := range sc.Steps {
		if p := sc.Steps[i].Procedure; p != nil {
			defaults.SetDefaults(p)
		}
		if err := sc.Steps[i].validate(); err != nil {
			return nil, fmt.Errorf("%w: step %d (%s): %v", ErrInvalidScenario, i+1, sc.Steps[i].Action, err)
		}
	}
	return &sc, nil
}

// Load reads a scenario file.
func Load(path string) (*Scenario, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read scenario %s: %w", path, err)
	}
	sc, err := Parse(data)
	if err != nil {
		return nil, fmt.Errorf("scenario %s: %w", path, err)
	}
	if sc.Name == "" {
		sc.Name = path
	}
	return sc, nil
}

func (s *Step) validate() error {
	switch s.Action {
	case ActionSubscribe, ActionUnsubscribe, ActionDisconnect, ActionPreference, ActionExpect:
		return nil
	case ActionMTU:
		if s.MTU < ras.DefaultATTMTU {
			return fmt.Errorf("mtu %d below %d", s.MTU, ras.DefaultATTMTU)
		}
	case ActionProcedure:
		if s.Procedure == nil {
			return errors.New("missing procedure")
		}
		if s.Procedure.AntennaPaths == 0 || s.Procedure.AntennaPaths > ras.MaxAntennaPaths {
			return fmt.Errorf("antenna_paths %d out of range 1..%d", s.Procedure.AntennaPaths, ras.MaxAntennaPaths)
		}
		for _, m := range s.Procedure.Modes {
			if m > uint8(ras.StepMode3) {
				return fmt.Errorf("step mode %d out of range 0..3", m)
			}
		}
	case ActionCommand:
		_, err := s.command()
		return err
	case ActionWrite:
		if len(s.Data) == 0 {
			return errors.New("missing data")
		}
	case ActionConfirm, ActionFail, ActionRecover:
		if s.Characteristic == "" && s.Action == ActionConfirm {
			return nil
		}
		if _, err := ras.ParseCharacteristic(s.Characteristic); err != nil {
			return err
		}
	case ActionAdvance:
		if s.Duration <= 0 {
			return errors.New("duration must be positive")
		}
	default:
		return fmt.Errorf("unknown action %q", s.Action)
	}
	return nil
}

// command builds the control-point command of a command step.
func (s *Step) command() (ras.Command, error) {
	switch s.Command {
	case ras.OpGetRangingData.String():
		return ras.GetRangingData(s.Counter), nil
	case ras.OpAckRangingData.String():
		return ras.AckRangingData(s.Counter), nil
	case ras.OpRetrieveLostRangingData.String():
		return ras.RetrieveLostRangingData(s.Counter, s.Start, s.End), nil
	case ras.OpAbortOperation.String():
		return ras.AbortOperation(), nil
	case ras.OpFilter.String():
		return ras.Filter(ras.StepMode(s.Mode), s.Mask), nil
	case ras.OpPCTFilter.String():
		format, err := ras.ParsePCTFormat(s.PCTFormat)
		if err != nil {
			return ras.Command{}, err
		}
		return ras.PCTFilter(format), nil
	default:
		return ras.Command{}, fmt.Errorf("unknown command %q", s.Command)
	}
}
