package ras

import (
	"fmt"

	"github.com/sirupsen/logrus"
)

// nextCounter advances the rolling segment counter, which restarts at 0
// after a last segment.
func nextCounter(counter uint8, last bool) uint8 {
	if last {
		return 0
	}
	return (counter + 1) % SegmentCounterModulo
}

// segmentCapacity is the payload room of one segment at the session MTU.
func segmentCapacity(sess *Session) (int, error) {
	n := MaxPayload(sess.mtu) - SegmentHeaderSize
	if n <= 0 {
		return 0, fmt.Errorf("%w: mtu %d", ErrPayloadTooSmall, sess.mtu)
	}
	return n, nil
}

// sendNext emits the next on-demand segment of the session body and records
// it for retransmission. It reports whether that segment was the last one.
func (s *Service) sendNext(sess *Session) (bool, error) {
	capacity, err := segmentCapacity(sess)
	if err != nil {
		return false, err
	}

	t := &sess.tx
	total := sess.body.ParsedLen()
	n := min(total-t.sent, capacity)
	rec := SegmentRecord{
		Index:  t.counter,
		Offset: uint16(t.sent),
		Size:   uint16(n),
		First:  !t.started,
		Last:   t.sent+n == total,
	}

	if err := s.send(sess, CharOnDemandData, rec.PDU(sess.body.Bytes())); err != nil {
		return false, err
	}
	sess.records.add(rec)
	t.started = true
	t.sent += n
	t.counter = nextCounter(t.counter, rec.Last)
	s.observer.SegmentSent(CharOnDemandData, n, false)

	s.log(sess).WithFields(logrus.Fields{
		"segment": rec.Index,
		"size":    n,
		"first":   rec.First,
		"last":    rec.Last,
	}).Debug("Segment sent")
	return rec.Last, nil
}

// sendRemaining emits every segment of the session body that has not gone out yet.
func (s *Service) sendRemaining(sess *Session) error {
	for {
		last, err := s.sendNext(sess)
		if err != nil {
			return err
		}
		if last {
			return nil
		}
	}
}

// retransmitNext resends the next pending lost segment byte for byte.
func (s *Service) retransmitNext(sess *Session) error {
	rec := sess.tx.pending[0]
	sess.tx.pending = sess.tx.pending[1:]
	if err := s.send(sess, CharOnDemandData, rec.PDU(sess.body.Bytes())); err != nil {
		return err
	}
	s.observer.SegmentSent(CharOnDemandData, int(rec.Size), true)
	s.log(sess).WithField("segment", rec.Index).Debug("Segment retransmitted")
	return nil
}

// streamSubevent serializes subevent idx into the real-time scratch ring and
// flushes it. The procedure header precedes the first subevent. A failure
// abandons the rest of the procedure.
func (s *Service) streamSubevent(sess *Session, idx int, first bool) error {
	opts := sess.filterOptions()
	var chunk []byte
	if first {
		sess.rt.Reset()
		sess.tx = transfer{}
		s.syncMTU(sess)
		chunk = sess.proc.Header(opts.Format).AppendTo(chunk)
	}
	chunk, err := EncodeSubevent(chunk, &sess.proc, idx, opts)
	if err != nil {
		sess.abandon()
		return err
	}
	if len(chunk) > sess.rt.Free() {
		s.observer.ProcedureDropped("real_time_overflow")
		sess.abandon()
		return fmt.Errorf("%w: real-time subevent needs %d bytes, %d free", ErrOutOfMemory, len(chunk), sess.rt.Free())
	}
	if _, err := sess.rt.Write(chunk); err != nil {
		sess.abandon()
		return fmt.Errorf("%w: %v", ErrOutOfMemory, err)
	}

	final := sess.proc.Done()
	if err := s.sendAll(sess, final); err != nil {
		s.log(sess).WithError(err).Error("Real-time stream failed")
		sess.abandon()
		return err
	}
	if final {
		s.log(sess).WithField("bytes_sent", sess.tx.sent).Debug("Real-time procedure streamed")
		sess.clearTransfer()
	}
	return nil
}

// sendAll drains the real-time scratch ring onto the real-time characteristic.
// Full segments leave as soon as they are buffered; the remainder is held
// back until final, when it goes out flagged last.
func (s *Service) sendAll(sess *Session, final bool) error {
	capacity, err := segmentCapacity(sess)
	if err != nil {
		return err
	}

	t := &sess.tx
	for sess.rt.Length() >= capacity || (final && !sess.rt.IsEmpty()) {
		n := min(sess.rt.Length(), capacity)
		pdu := make([]byte, SegmentHeaderSize+n)
		if _, err := sess.rt.Read(pdu[SegmentHeaderSize:]); err != nil {
			return fmt.Errorf("read real-time buffer: %w", err)
		}
		last := final && sess.rt.IsEmpty()
		pdu[0] = SegmentHeader{Counter: t.counter, First: !t.started, Last: last}.Byte()

		if err := s.send(sess, CharRealTimeData, pdu); err != nil {
			return err
		}
		t.started = true
		t.sent += n
		t.counter = nextCounter(t.counter, last)
		s.observer.SegmentSent(CharRealTimeData, n, false)
	}
	return nil
}
