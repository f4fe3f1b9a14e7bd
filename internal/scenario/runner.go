package scenario

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"strings"

	"github.com/sirupsen/logrus"
	"github.com/srg/rasd/internal/ras"
)

// Entry is the outcome of one scenario step.
type Entry struct {
	Index  int          `json:"step"`
	Action string       `json:"action"`
	Device ras.DeviceID `json:"device_id"`
	Detail string       `json:"detail,omitempty"`
	Error  string       `json:"error,omitempty"`
	PDUs   []PDU        `json:"pdus"`
}

// Report is the transcript of a scenario run.
type Report struct {
	Name     string                `json:"name"`
	Entries  []Entry               `json:"entries"`
	Sessions []ras.SessionSnapshot `json:"sessions"`
	Failures []string              `json:"failures,omitempty"`
}

// Runner executes scenarios against a fresh Service per run.
type Runner struct {
	base   ras.Options
	logger *logrus.Logger
}

// NewRunner creates a runner. base supplies the service options that a
// scenario's settings do not override; its Clock is always replaced by a
// ManualClock.
func NewRunner(base ras.Options, logger *logrus.Logger) *Runner {
	if logger == nil {
		logger = logrus.New()
		logger.SetOutput(io.Discard)
	}
	return &Runner{base: base, logger: logger}
}

// run holds the live state of one scenario execution.
type run struct {
	svc       *ras.Service
	clock     *ManualClock
	transport *MemoryTransport
	// lastExpect is the transcript position of the previous expect step.
	lastExpect int
	report     *Report
}

// Run executes every step of sc in order. The returned report is complete
// even when expectations fail, in which case the error wraps
// ErrExpectationFailed.
func (r *Runner) Run(sc *Scenario) (*Report, error) {
	opts := sc.Settings.apply(r.base)
	clock := NewManualClock()
	transport := NewMemoryTransport()
	opts.Clock = clock
	opts.Logger = r.logger

	st := &run{
		svc:       ras.NewService(transport, opts),
		clock:     clock,
		transport: transport,
		report:    &Report{Name: sc.Name},
	}

	for i := range sc.Steps {
		step := &sc.Steps[i]
		before := len(transport.PDUs())
		entry := Entry{Index: i + 1, Action: step.Action, Device: step.Device}

		detail, err := st.exec(step)
		entry.Detail = detail
		if err != nil {
			entry.Error = err.Error()
		}
		entry.PDUs = append([]PDU{}, transport.PDUs()[before:]...)
		st.report.Entries = append(st.report.Entries, entry)

		r.logger.WithFields(logrus.Fields{
			"step":   entry.Index,
			"action": entry.Action,
			"pdus":   len(entry.PDUs),
		}).Debug("Scenario step executed")
	}

	st.report.Sessions = st.svc.Snapshots()
	if n := len(st.report.Failures); n > 0 {
		return st.report, fmt.Errorf("%w: %s: %d failed", ErrExpectationFailed, sc.Name, n)
	}
	return st.report, nil
}

func (st *run) exec(step *Step) (string, error) {
	dev := step.Device
	switch step.Action {
	case ActionSubscribe:
		return fmt.Sprintf("real_time=%t", step.RealTime), st.svc.Subscribe(dev, step.RealTime)

	case ActionUnsubscribe:
		st.svc.Unsubscribe(dev, false)
		return "", nil

	case ActionDisconnect:
		st.svc.Disconnect(dev)
		return "", nil

	case ActionMTU:
		return fmt.Sprintf("mtu=%d", step.MTU), st.svc.SetMTU(dev, step.MTU)

	case ActionPreference:
		return fmt.Sprintf("bits=0x%02x", step.Bits), st.svc.SetPreference(dev, ras.Preference(step.Bits))

	case ActionProcedure:
		events := Synthesize(*step.Procedure)
		var errs []error
		for _, ev := range events {
			if err := st.svc.OnSubeventData(dev, ev); err != nil {
				errs = append(errs, err)
			}
		}
		return fmt.Sprintf("procedure %d, %d subevents", step.Procedure.Counter, len(events)), errors.Join(errs...)

	case ActionCommand:
		cmd, err := step.command()
		if err != nil {
			return "", err
		}
		data := cmd.Encode()
		st.svc.HandleControlPoint(dev, data)
		return fmt.Sprintf("%s %s", cmd.Opcode, HexBytes(data)), nil

	case ActionWrite:
		st.svc.HandleControlPoint(dev, step.Data)
		return step.Data.String(), nil

	case ActionConfirm:
		ch := ras.CharOnDemandData
		if step.Characteristic != "" {
			ch, _ = ras.ParseCharacteristic(step.Characteristic)
		}
		st.svc.OnIndicationConfirmed(dev, ch)
		return ch.String(), nil

	case ActionAdvance:
		st.clock.Advance(step.Duration)
		return step.Duration.String(), nil

	case ActionFail:
		ch, _ := ras.ParseCharacteristic(step.Characteristic)
		msg := step.Error
		if msg == "" {
			msg = "link failure"
		}
		st.transport.FailOn(ch, errors.New(msg))
		return fmt.Sprintf("%s: %s", ch, msg), nil

	case ActionRecover:
		ch, _ := ras.ParseCharacteristic(step.Characteristic)
		st.transport.FailOn(ch, nil)
		return ch.String(), nil

	case ActionExpect:
		return st.expect(step), nil
	}
	return "", fmt.Errorf("unknown action %q", step.Action)
}

// expect checks the state of dev and the PDUs it received since the
// previous expect step, recording mismatches as failures.
func (st *run) expect(step *Step) string {
	var checks []string
	fail := func(format string, args ...interface{}) {
		msg := fmt.Sprintf("step %d: device %d: ", len(st.report.Entries)+1, step.Device) + fmt.Sprintf(format, args...)
		st.report.Failures = append(st.report.Failures, msg)
	}

	if step.State != "" {
		got := st.svc.State(step.Device).String()
		checks = append(checks, "state="+step.State)
		if got != step.State {
			fail("state %s, want %s", got, step.State)
		}
	}

	if step.PDUs != nil {
		got := 0
		for _, e := range st.report.Entries[st.lastExpect:] {
			for _, p := range e.PDUs {
				if p.Device == step.Device {
					got++
				}
			}
		}
		checks = append(checks, fmt.Sprintf("pdus=%d", *step.PDUs))
		if got != *step.PDUs {
			fail("%d pdus since previous expect, want %d", got, *step.PDUs)
		}
	}

	st.lastExpect = len(st.report.Entries) + 1
	return strings.Join(checks, " ")
}

// WriteText writes a human-readable transcript.
func (rep *Report) WriteText(w io.Writer) error {
	var b strings.Builder
	fmt.Fprintf(&b, "scenario: %s\n", rep.Name)
	for _, e := range rep.Entries {
		fmt.Fprintf(&b, "%3d %-11s dev=%d", e.Index, e.Action, e.Device)
		if e.Detail != "" {
			fmt.Fprintf(&b, " %s", e.Detail)
		}
		b.WriteString("\n")
		if e.Error != "" {
			fmt.Fprintf(&b, "    error: %s\n", e.Error)
		}
		for _, p := range e.PDUs {
			fmt.Fprintf(&b, "    -> %s\n", p)
		}
	}

	b.WriteString("sessions:\n")
	for _, s := range rep.Sessions {
		fmt.Fprintf(&b, "  dev=%d state=%s subscribed=%t real_time=%t mtu=%d body_len=%d ready=%t\n",
			s.DeviceID, s.State, s.Subscribed, s.RealTime, s.MTU, s.BodyLen, s.Ready)
	}

	if len(rep.Failures) > 0 {
		b.WriteString("failures:\n")
		for _, f := range rep.Failures {
			fmt.Fprintf(&b, "  %s\n", f)
		}
	}

	_, err := io.WriteString(w, b.String())
	return err
}

// WriteJSON writes the report as indented JSON.
func (rep *Report) WriteJSON(w io.Writer) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(rep)
}
