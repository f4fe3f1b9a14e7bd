package scenario

import (
	"bytes"
	"testing"
	"time"

	"github.com/srg/rasd/internal/ras"
	"github.com/srg/rasd/internal/testutils"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParse(t *testing.T) {
	sc, err := Parse([]byte(`
name: parse
settings:
  max_connections: 2
  ack_timeout: 1500ms
steps:
  - action: procedure
    device: 1
    procedure:
      counter: 3
  - action: write
    device: 1
    data: "00 03 00"
  - action: command
    command: pct_filter
    pct_format: phase
  - action: expect
    pdus: 0
`))
	require.NoError(t, err)

	assert.Equal(t, "parse", sc.Name)
	assert.Equal(t, 2, sc.Settings.MaxConnections)
	assert.Equal(t, 1500*time.Millisecond, sc.Settings.AckTimeout)
	require.Len(t, sc.Steps, 4)

	proc := sc.Steps[0].Procedure
	require.NotNil(t, proc)
	assert.Equal(t, ras.DeviceID(1), sc.Steps[0].Device)
	assert.Equal(t, uint16(3), proc.Counter)
	assert.Equal(t, 1, proc.Subevents, "subevents MUST default to 1")
	assert.Equal(t, 4, proc.Steps, "steps MUST default to 4")
	assert.Equal(t, uint8(1), proc.AntennaPaths, "antenna paths MUST default to 1")

	assert.Equal(t, HexBytes{0x00, 0x03, 0x00}, sc.Steps[1].Data)

	cmd, err := sc.Steps[2].command()
	require.NoError(t, err)
	assert.Equal(t, ras.PCTFilter(ras.PCTFormatPhase), cmd)

	require.NotNil(t, sc.Steps[3].PDUs)
	assert.Equal(t, 0, *sc.Steps[3].PDUs)
}

func TestParseErrors(t *testing.T) {
	tests := []struct {
		name string
		yaml string
	}{
		{"malformed yaml", "steps: [\n"},
		{"unknown action", "steps:\n  - action: teleport\n"},
		{"mtu below minimum", "steps:\n  - action: mtu\n    mtu: 20\n"},
		{"procedure without parameters", "steps:\n  - action: procedure\n"},
		{"too many antenna paths", "steps:\n  - action: procedure\n    procedure:\n      antenna_paths: 5\n"},
		{"step mode out of range", "steps:\n  - action: procedure\n    procedure:\n      modes: [0, 4]\n"},
		{"unknown command", "steps:\n  - action: command\n    command: reboot\n"},
		{"unknown pct format", "steps:\n  - action: command\n    command: pct_filter\n    pct_format: polar\n"},
		{"write without data", "steps:\n  - action: write\n"},
		{"bad hex", "steps:\n  - action: write\n    data: zz\n"},
		{"fail without characteristic", "steps:\n  - action: fail\n"},
		{"non positive advance", "steps:\n  - action: advance\n"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Parse([]byte(tt.yaml))
			assert.ErrorIs(t, err, ErrInvalidScenario)
		})
	}
}

func TestLoad(t *testing.T) {
	sc, err := Load("testdata/on_demand.yaml")
	require.NoError(t, err)
	assert.Equal(t, "on-demand transfer with lost segment recovery", sc.Name)
	assert.Len(t, sc.Steps, 9)

	_, err = Load("testdata/missing.yaml")
	assert.Error(t, err)
}

func TestSynthesize(t *testing.T) {
	// GOAL: Verify synthetic procedures are deterministic and decodable
	//
	// TEST SCENARIO: 3 subevents x 5 steps, modes 0..3, two antenna paths → every
	// subevent decodes with the requested modes, only the last one closes the procedure

	spec := ProcedureSpec{Counter: 9, Subevents: 3, Steps: 5, AntennaPaths: 2, Modes: []uint8{0, 1, 2, 3}, Seed: 7}

	events := Synthesize(spec)
	require.Len(t, events, 3)
	assert.Equal(t, events, Synthesize(spec), "a repeated ProcedureSpec MUST yield the same subevents")

	other := spec
	other.Seed = 8
	assert.NotEqual(t, events[0].Steps, Synthesize(other)[0].Steps, "seed MUST change the measurements")

	for i, ev := range events {
		assert.Equal(t, uint16(9), ev.ProcedureCounter)
		assert.Equal(t, uint8(2), ev.NumAntennaPaths)
		assert.Equal(t, uint8(5), ev.Header.NumStepsReported)
		assert.Equal(t, ras.DoneStatusComplete, ev.Header.SubeventDoneStatus)

		want := ras.DoneStatusPartial
		if i == len(events)-1 {
			want = ras.DoneStatusComplete
		}
		assert.Equal(t, want, ev.Header.ProcedureDoneStatus, "subevent %d procedure done status", i)

		steps, err := ras.DecodeSteps(ev.Steps, 5, 2)
		require.NoError(t, err, "subevent %d MUST decode", i)
		for k, step := range steps {
			n := i*5 + k
			assert.Equal(t, ras.StepMode(n%4), step.Mode)
			assert.NotNil(t, step.Data)
		}
	}
}

func TestSynthesize_DeliverAndAbort(t *testing.T) {
	partial := Synthesize(ProcedureSpec{Subevents: 4, Steps: 2, AntennaPaths: 1, Deliver: 2})
	require.Len(t, partial, 2, "deliver MUST truncate the subevents")
	assert.Equal(t, ras.DoneStatusPartial, partial[1].Header.ProcedureDoneStatus)

	aborted := Synthesize(ProcedureSpec{Subevents: 2, Steps: 2, AntennaPaths: 1, Aborted: true})
	require.Len(t, aborted, 2)
	assert.Equal(t, ras.DoneStatusPartial, aborted[0].Header.ProcedureDoneStatus)
	assert.Equal(t, ras.DoneStatusAborted, aborted[1].Header.ProcedureDoneStatus)
	assert.Equal(t, ras.DoneStatusAborted, aborted[1].Header.SubeventDoneStatus)
}

func TestProducer(t *testing.T) {
	p := NewProducer(ProcedureSpec{Counter: 10, Subevents: 1, Steps: 2, AntennaPaths: 1})

	first := p.Next()
	second := p.Next()

	assert.Equal(t, uint16(10), first[0].ProcedureCounter)
	assert.Equal(t, uint16(11), second[0].ProcedureCounter)
	assert.NotEqual(t, first[0].Steps, second[0].Steps)
}

func TestRunner_OnDemandTransfer(t *testing.T) {
	// GOAL: Verify a full on-demand transfer runs through the runner
	//
	// TEST SCENARIO: subscribe → procedure → get → retrieve segment 1 → ack → all expectations hold

	sc, err := Load("testdata/on_demand.yaml")
	require.NoError(t, err)

	report, err := NewRunner(ras.Options{}, nil).Run(sc)
	require.NoError(t, err)
	require.Empty(t, report.Failures)
	require.Len(t, report.Entries, 9)

	procedure := report.Entries[1]
	require.Len(t, procedure.PDUs, 1, "completed procedure MUST be announced once")
	assert.Equal(t, ras.CharDataReady, procedure.PDUs[0].Characteristic)
	assert.Equal(t, HexBytes{0x07, 0x00}, procedure.PDUs[0].Data)

	get := report.Entries[3]
	assert.Equal(t, "get_ranging_data 000700", get.Detail)
	require.GreaterOrEqual(t, len(get.PDUs), 3, "body MUST span several segments at the default MTU")
	segments := get.PDUs[:len(get.PDUs)-1]
	for i, pdu := range segments {
		assert.Equal(t, ras.CharOnDemandData, pdu.Characteristic)
		hdr := ras.ParseSegmentHeader(pdu.Data[0])
		assert.Equal(t, uint8(i), hdr.Counter)
		assert.Equal(t, i == 0, hdr.First)
		assert.Equal(t, i == len(segments)-1, hdr.Last)
	}
	complete := get.PDUs[len(get.PDUs)-1]
	assert.Equal(t, ras.CharControlPoint, complete.Characteristic)
	assert.Equal(t, HexBytes{0x00, 0x07, 0x00}, complete.Data, "complete_proc_data(7) MUST follow the segments")

	retrieve := report.Entries[5]
	require.Len(t, retrieve.PDUs, 2)
	assert.Equal(t, segments[1].Data, retrieve.PDUs[0].Data, "retransmitted segment MUST match the original")
	assert.Equal(t, HexBytes{0x01, 0x07, 0x00}, retrieve.PDUs[1].Data)

	ack := report.Entries[7]
	require.Len(t, ack.PDUs, 1)
	assert.Equal(t, HexBytes{0x02, 0x01}, ack.PDUs[0].Data)

	require.Len(t, report.Sessions, 1)
	assert.Equal(t, "idle", report.Sessions[0].State)
	assert.False(t, report.Sessions[0].TimerArmed)
}

func TestRunner_AckTimeout(t *testing.T) {
	sc, err := Parse([]byte(`
name: timeout
settings:
  ack_timeout: 1s
steps:
  - action: subscribe
  - action: procedure
    procedure:
      counter: 1
  - action: command
    command: get_ranging_data
    counter: 1
  - action: advance
    duration: 999ms
  - action: expect
    state: awaiting_ack
  - action: advance
    duration: 1ms
  - action: expect
    state: idle
    pdus: 0
`))
	require.NoError(t, err)

	report, err := NewRunner(ras.Options{}, nil).Run(sc)
	require.NoError(t, err)
	assert.Empty(t, report.Failures)
	assert.Empty(t, report.Entries[5].PDUs, "timeout MUST NOT send anything to the peer")
}

func TestRunner_TransportFailure(t *testing.T) {
	// GOAL: Verify a failed segment send aborts the transfer without leaving the session busy
	//
	// TEST SCENARIO: on-demand channel fails → get_ranging_data → transfer dropped → idle

	sc, err := Parse([]byte(`
steps:
  - action: subscribe
  - action: procedure
    procedure:
      counter: 2
  - action: fail
    characteristic: on-demand-data
    error: link lost
  - action: command
    command: get_ranging_data
    counter: 2
  - action: expect
    state: idle
  - action: recover
    characteristic: on-demand-data
`))
	require.NoError(t, err)

	report, err := NewRunner(ras.Options{}, nil).Run(sc)
	require.NoError(t, err)
	assert.Equal(t, "on-demand-data: link lost", report.Entries[2].Detail)
	for _, pdu := range report.Entries[3].PDUs {
		assert.NotEqual(t, ras.CharOnDemandData, pdu.Characteristic, "failed sends MUST NOT be recorded")
	}
}

func TestRunner_ExpectationFailure(t *testing.T) {
	sc, err := Parse([]byte(`
name: failing
steps:
  - action: subscribe
  - action: expect
    state: sending
    pdus: 2
`))
	require.NoError(t, err)

	report, err := NewRunner(ras.Options{}, nil).Run(sc)
	assert.ErrorIs(t, err, ErrExpectationFailed)
	require.NotNil(t, report, "report MUST be returned with failures")
	assert.Equal(t, []string{
		"step 2: device 0: state idle, want sending",
		"step 2: device 0: 0 pdus since previous expect, want 2",
	}, report.Failures)
}

func TestReport_WriteText(t *testing.T) {
	sc, err := Parse([]byte(`
name: basic
steps:
  - action: subscribe
  - action: mtu
    mtu: 247
  - action: command
    command: abort_operation
  - action: write
    data: ff
  - action: expect
    state: idle
    pdus: 2
`))
	require.NoError(t, err)

	report, err := NewRunner(ras.Options{}, nil).Run(sc)
	require.NoError(t, err)

	var out bytes.Buffer
	require.NoError(t, report.WriteText(&out))

	testutils.NewTextAsserter(t).AssertLines(out.String(),
		"scenario: basic",
		"  1 subscribe   dev=0 real_time=false",
		"  2 mtu         dev=0 mtu=247",
		"  3 command     dev=0 abort_operation 03",
		"    -> dev=0 ntf control-point 0201",
		"  4 write       dev=0 ff",
		"    -> dev=0 ntf control-point 0202",
		"  5 expect      dev=0 state=idle pdus=2",
		"sessions:",
		"  dev=0 state=idle subscribed=true real_time=false mtu=247 body_len=0 ready=false",
	)
}

func TestReport_WriteJSON(t *testing.T) {
	sc, err := Parse([]byte(`
name: json
steps:
  - action: command
    device: 2
    command: filter
    mode: 2
    mask: 1
  - action: subscribe
    device: 2
    real_time: true
`))
	require.NoError(t, err)

	report, err := NewRunner(ras.Options{}, nil).Run(sc)
	require.NoError(t, err)

	var out bytes.Buffer
	require.NoError(t, report.WriteJSON(&out))

	testutils.NewJSONAsserter(t).Assert(out.String(), `{
		"name": "json",
		"entries": [
			{"step": 1, "action": "command", "device_id": 2, "detail": "filter 040180", "pdus": [
				{"device_id": 2, "characteristic": "control-point", "indication": false, "data": "0201"}
			]},
			{"step": 2, "action": "subscribe", "device_id": 2, "detail": "real_time=true", "pdus": []}
		],
		"sessions": [
			{"device_id": 2, "subscribed": true, "real_time": true, "state": "idle"}
		]
	}`)
}
