package ras

import (
	"github.com/sirupsen/logrus"
)

// HandleControlPoint processes a control-point write from dev. Errors never
// escape: every failure becomes a Response(status) PDU on the control point.
func (s *Service) HandleControlPoint(dev DeviceID, data []byte) {
	sess, err := s.reg.Attach(dev)
	if err != nil {
		s.logger.WithField("device_id", dev).WithError(err).Warn("Control-point write rejected")
		return
	}

	cmd, err := ParseCommand(data)
	if err != nil {
		s.log(sess).WithError(err).Warn("Malformed control-point command")
		// a length error discards whatever body was still being built
		if StatusOf(err) == StatusInvalidParameter && sess.state == StateIdle &&
			sess.proc.Active() && !sess.body.Final() {
			sess.abandon()
		}
		if len(data) == 0 {
			s.reply(s.log(sess), sess, errorResponse(err))
			return
		}
		s.respond(sess, cmd.Opcode, errorResponse(err))
		return
	}

	s.log(sess).WithField("opcode", cmd.Opcode).Debug("Control-point command")

	var rsp *Response
	switch cmd.Opcode {
	case OpGetRangingData:
		rsp = s.getRangingData(sess, cmd.ProcedureCounter)
	case OpAckRangingData:
		rsp = s.ackRangingData(sess, cmd.ProcedureCounter)
	case OpRetrieveLostRangingData:
		rsp = s.retrieveLostRangingData(sess, cmd.ProcedureCounter, cmd.StartSegment, cmd.EndSegment)
	case OpAbortOperation:
		rsp = s.abortOperation(sess)
	case OpFilter:
		rsp = s.setFilter(sess, cmd.FilterValue)
	case OpPCTFilter:
		rsp = s.setPCTFormat(sess, cmd.PCTFormat)
	}
	s.respond(sess, cmd.Opcode, rsp)
}

// respond reports the outcome of command op and sends rsp on the control
// point. A nil rsp means the command is answered by the data flow itself.
func (s *Service) respond(sess *Session, op Opcode, rsp *Response) {
	status := StatusSuccess
	if rsp != nil && rsp.Opcode == RspResponseCode {
		status = rsp.Status
	}
	s.observer.CommandHandled(op, status)
	s.reply(s.log(sess).WithField("opcode", op), sess, rsp)
}

// reply sends rsp on the control point.
func (s *Service) reply(entry *logrus.Entry, sess *Session, rsp *Response) {
	if rsp == nil {
		return
	}
	entry = entry.WithField("response", rsp)
	if err := s.send(sess, CharControlPoint, rsp.Encode()); err != nil {
		entry.WithError(err).Error("Failed to send control-point response")
		return
	}
	if rsp.Opcode == RspResponseCode && rsp.Status != StatusSuccess {
		entry.Warn("Control-point command rejected")
	} else {
		entry.Debug("Control-point response sent")
	}
}

func (s *Service) getRangingData(sess *Session, counter uint16) *Response {
	switch sess.state {
	case StateSending, StateRetransmittingLostSegments:
		return StatusResponse(StatusServerBusy)
	}
	if !sess.proc.Active() || !sess.body.Final() || sess.proc.Counter != counter {
		return StatusResponse(StatusNoRecordsFound)
	}

	sess.stopTimer()
	sess.records.reset()
	sess.tx = transfer{}
	sess.lost = nil
	sess.state = StateSending
	s.syncMTU(sess)

	if sess.indicates(CharOnDemandData) {
		if _, err := s.sendNext(sess); err != nil {
			return s.failTransfer(sess, err)
		}
		s.armTimer(sess)
		return nil
	}

	if err := s.sendRemaining(sess); err != nil {
		return s.failTransfer(sess, err)
	}
	sess.state = StateAwaitingAck
	s.armTimer(sess)
	return &Response{Opcode: RspCompleteProcData, ProcedureCounter: counter}
}

func (s *Service) ackRangingData(sess *Session, counter uint16) *Response {
	if !sess.proc.Active() || sess.proc.Counter != counter {
		return StatusResponse(StatusNoRecordsFound)
	}
	sess.clearTransfer()
	s.observer.TransferFinished(OutcomeAcknowledged)
	s.log(sess).WithField("procedure_counter", counter).Info("Ranging data acknowledged")
	return StatusResponse(StatusSuccess)
}

func (s *Service) abortOperation(sess *Session) *Response {
	if sess.state != StateIdle {
		s.observer.TransferFinished(OutcomeAborted)
		s.log(sess).Info("Transfer aborted by peer")
	}
	sess.clearTransfer()
	return StatusResponse(StatusSuccess)
}

func (s *Service) retrieveLostRangingData(sess *Session, counter uint16, start, end uint8) *Response {
	if !sess.proc.Active() || sess.proc.Counter != counter {
		return StatusResponse(StatusNoRecordsFound)
	}
	switch sess.state {
	case StateSending, StateRetransmittingLostSegments:
		return StatusResponse(StatusServerBusy)
	case StateAwaitingAck, StateAwaitingAckAfterRetransmit:
	default:
		return StatusResponse(StatusInvalidParameter)
	}

	recs, err := sess.records.span(start, end)
	if err != nil {
		s.log(sess).WithError(err).Warn("Lost segment range rejected")
		return errorResponse(err)
	}

	sess.stopTimer()
	sess.state = StateRetransmittingLostSegments
	sess.lost = &segmentRange{start: start, end: end}
	sess.tx.pending = recs
	s.log(sess).WithFields(logrus.Fields{"start_segment": start, "end_segment": end, "segments": len(recs)}).
		Info("Retransmitting lost segments")

	if sess.indicates(CharOnDemandData) {
		if err := s.retransmitNext(sess); err != nil {
			return s.failTransfer(sess, err)
		}
		s.armTimer(sess)
		return nil
	}

	for len(sess.tx.pending) > 0 {
		if err := s.retransmitNext(sess); err != nil {
			return s.failTransfer(sess, err)
		}
	}
	sess.state = StateAwaitingAckAfterRetransmit
	sess.lost = nil
	s.armTimer(sess)
	return &Response{Opcode: RspCompleteLostDataSegment, ProcedureCounter: counter}
}

func (s *Service) setFilter(sess *Session, value uint16) *Response {
	if sess.subscribed {
		return StatusResponse(StatusInvalidParameter)
	}
	mode, mask, err := DecodeFilterValue(value)
	if err != nil {
		return errorResponse(err)
	}
	sess.masks[mode] = mask
	s.log(sess).WithFields(logrus.Fields{"mode": mode, "mask": mask}).Debug("Step filter updated")
	return StatusResponse(StatusSuccess)
}

func (s *Service) setPCTFormat(sess *Session, format PCTFormat) *Response {
	if sess.subscribed {
		return StatusResponse(StatusInvalidParameter)
	}
	if format != PCTFormatIQ && format != PCTFormatPhase {
		return StatusResponse(StatusParameterNotSupported)
	}
	sess.format = format
	return StatusResponse(StatusSuccess)
}

// failTransfer drops a transfer whose data could not be sent.
func (s *Service) failTransfer(sess *Session, err error) *Response {
	s.log(sess).WithError(err).Error("Transfer failed")
	sess.clearTransfer()
	s.observer.TransferFinished(OutcomeFailed)
	return StatusResponse(StatusProcedureNotCompleted)
}
