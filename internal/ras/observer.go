package ras

// Outcome is how an on-demand transfer ended.
type Outcome string

const (
	OutcomeAcknowledged Outcome = "acknowledged"
	OutcomeAborted      Outcome = "aborted"
	OutcomeTimeout      Outcome = "timeout"
	OutcomeFailed       Outcome = "failed"
	OutcomeDisconnected Outcome = "disconnected"
)

// Observer receives protocol events from a Service. Calls happen on the
// Service's thread and must not block.
type Observer interface {
	SegmentSent(ch Characteristic, size int, retransmission bool)
	CommandHandled(op Opcode, status Status)
	TransferFinished(outcome Outcome)
	ProcedureDropped(reason string)
}

type nopObserver struct{}

func (nopObserver) SegmentSent(Characteristic, int, bool) {}
func (nopObserver) CommandHandled(Opcode, Status)         {}
func (nopObserver) TransferFinished(Outcome)              {}
func (nopObserver) ProcedureDropped(string)               {}
