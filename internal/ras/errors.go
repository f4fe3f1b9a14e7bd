package ras

import (
	"errors"
	"fmt"
)

// Status is the status code carried by a control-point Response PDU.
type Status uint8

const (
	StatusReserved              Status = 0x00
	StatusSuccess               Status = 0x01
	StatusOpCodeNotSupported    Status = 0x02
	StatusInvalidParameter      Status = 0x03
	StatusParameterNotSupported Status = 0x04
	StatusAbortUnsuccessful     Status = 0x05
	StatusProcedureNotCompleted Status = 0x06
	StatusServerBusy            Status = 0x07
	StatusNoRecordsFound        Status = 0x08
)

var statusNames = map[Status]string{
	StatusReserved:              "reserved",
	StatusSuccess:               "success",
	StatusOpCodeNotSupported:    "opcode_not_supported",
	StatusInvalidParameter:      "invalid_parameter",
	StatusParameterNotSupported: "parameter_not_supported",
	StatusAbortUnsuccessful:     "abort_unsuccessful",
	StatusProcedureNotCompleted: "procedure_not_completed",
	StatusServerBusy:            "server_busy",
	StatusNoRecordsFound:        "no_records_found",
}

func (s Status) String() string {
	if name, ok := statusNames[s]; ok {
		return name
	}
	return fmt.Sprintf("status(0x%02x)", uint8(s))
}

// StatusError is a protocol error that maps onto a control-point response status.
type StatusError struct {
	Status Status
	Msg    string
}

// Error implements the error interface
func (e *StatusError) Error() string {
	if e == nil {
		return "<nil>"
	}
	if e.Msg == "" {
		return e.Status.String()
	}
	return fmt.Sprintf("%s: %s", e.Status, e.Msg)
}

// Is allows errors.Is to compare StatusError values by Status
func (e *StatusError) Is(target error) bool {
	if e == nil {
		return false
	}
	t, ok := target.(*StatusError)
	if !ok {
		return false
	}
	return e.Status == t.Status
}

// Sentinel errors, one per non-success status.
var (
	ErrOpCodeNotSupported    = &StatusError{Status: StatusOpCodeNotSupported}
	ErrInvalidParameter      = &StatusError{Status: StatusInvalidParameter}
	ErrParameterNotSupported = &StatusError{Status: StatusParameterNotSupported}
	ErrAbortUnsuccessful     = &StatusError{Status: StatusAbortUnsuccessful}
	ErrProcedureNotCompleted = &StatusError{Status: StatusProcedureNotCompleted}
	ErrServerBusy            = &StatusError{Status: StatusServerBusy}
	ErrNoRecordsFound        = &StatusError{Status: StatusNoRecordsFound}
)

// Resource and lifecycle errors
var (
	ErrOutOfMemory     = errors.New("out of memory")
	ErrRegistryFull    = errors.New("session registry full")
	ErrUnknownDevice   = errors.New("unknown device")
	ErrNotSubscribed   = errors.New("peer not subscribed")
	ErrPayloadTooSmall = errors.New("att payload too small for a segment")

	ErrProcedureAbandoned = errors.New("procedure abandoned")
)

// statusErrorf builds a StatusError with the status of base and a formatted message.
func statusErrorf(base *StatusError, format string, args ...interface{}) error {
	return &StatusError{Status: base.Status, Msg: fmt.Sprintf(format, args...)}
}

// StatusOf reports the control-point status that err maps to.
// Errors without a protocol meaning (transport failures, allocation failures)
// map to StatusProcedureNotCompleted.
func StatusOf(err error) Status {
	if err == nil {
		return StatusSuccess
	}
	var serr *StatusError
	if errors.As(err, &serr) {
		return serr.Status
	}
	return StatusProcedureNotCompleted
}

// DecodeError reports a bounds violation while reading a raw step record.
type DecodeError struct {
	Field  string
	Offset int
	Need   int
	Have   int
}

func (e *DecodeError) Error() string {
	return fmt.Sprintf("decode %s at offset %d: need %d bytes, have %d", e.Field, e.Offset, e.Need, e.Have)
}
