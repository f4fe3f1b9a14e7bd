package ras

import (
	"encoding/binary"
	"fmt"
	"time"

	"github.com/sirupsen/logrus"
)

// Service defaults.
const (
	DefaultCapacity           = 4
	DefaultAckTimeout         = 5 * time.Second
	DefaultMaxBodySize        = 16 * 1024
	DefaultRealTimeBufferSize = 2 * 1024
)

// Options configures a Service. Zero values select the defaults.
type Options struct {
	Capacity           int
	AckTimeout         time.Duration
	DefaultMTU         uint16
	MaxBodySize        int
	RealTimeBufferSize int
	MaxSegmentRecords  int

	Clock    Clock
	Observer Observer
	Logger   *logrus.Logger
}

func (o *Options) applyDefaults() {
	if o.Capacity <= 0 {
		o.Capacity = DefaultCapacity
	}
	if o.AckTimeout <= 0 {
		o.AckTimeout = DefaultAckTimeout
	}
	if o.DefaultMTU == 0 {
		o.DefaultMTU = DefaultATTMTU
	}
	if o.MaxBodySize <= 0 {
		o.MaxBodySize = DefaultMaxBodySize
	}
	if o.RealTimeBufferSize <= 0 {
		o.RealTimeBufferSize = DefaultRealTimeBufferSize
	}
	if o.MaxSegmentRecords <= 0 {
		o.MaxSegmentRecords = MaxSegmentRecords
	}
	if o.Clock == nil {
		o.Clock = SystemClock{}
	}
	if o.Observer == nil {
		o.Observer = nopObserver{}
	}
	if o.Logger == nil {
		o.Logger = logrus.New()
	}
}

// Service is the RAS server side of the ranging data path: it builds ranging
// data bodies from controller subevents, segments them onto the data
// characteristics and runs the control-point state machine of every peer.
//
// Service is not safe for concurrent use. Every method, timer callback
// included, must run on one logical thread (see runloop.Loop).
type Service struct {
	reg        *Registry
	transport  Transport
	clock      Clock
	observer   Observer
	logger     *logrus.Logger
	ackTimeout time.Duration
}

// NewService creates a Service sending through t.
func NewService(t Transport, opts Options) *Service {
	opts.applyDefaults()
	return &Service{
		reg: NewRegistry(opts.Capacity, SessionDefaults{
			MTU:                opts.DefaultMTU,
			MaxBodySize:        opts.MaxBodySize,
			RealTimeBufferSize: opts.RealTimeBufferSize,
			MaxSegmentRecords:  opts.MaxSegmentRecords,
		}),
		transport:  t,
		clock:      opts.Clock,
		observer:   opts.Observer,
		logger:     opts.Logger,
		ackTimeout: opts.AckTimeout,
	}
}

// Registry exposes the session table.
func (s *Service) Registry() *Registry {
	return s.reg
}

func (s *Service) log(sess *Session) *logrus.Entry {
	fields := logrus.Fields{
		"device_id": sess.ID,
		"state":     sess.state,
	}
	if sess.proc.Active() {
		fields["procedure_counter"] = sess.proc.Counter
	}
	return s.logger.WithFields(fields)
}

// Subscribe registers dev for on-demand or real-time delivery.
func (s *Service) Subscribe(dev DeviceID, realTime bool) error {
	if err := s.reg.Subscribe(dev, realTime); err != nil {
		s.logger.WithField("device_id", dev).WithError(err).Warn("Subscription rejected")
		return err
	}
	s.logger.WithFields(logrus.Fields{"device_id": dev, "real_time": realTime}).Info("Peer subscribed")
	return nil
}

// Unsubscribe clears the preference bits of dev; with isDisconnect the
// session is torn down as by Disconnect.
func (s *Service) Unsubscribe(dev DeviceID, isDisconnect bool) {
	if isDisconnect {
		s.Disconnect(dev)
		return
	}
	s.reg.Unsubscribe(dev, false)
	s.logger.WithField("device_id", dev).Debug("Peer preferences cleared")
}

// Disconnect cancels any transfer of dev and frees its session.
func (s *Service) Disconnect(dev DeviceID) {
	sess, ok := s.reg.Lookup(dev)
	if !ok {
		return
	}
	if sess.state != StateIdle {
		s.observer.TransferFinished(OutcomeDisconnected)
	}
	s.log(sess).Info("Peer disconnected")
	s.reg.Unsubscribe(dev, true)
}

// SetMTU records the negotiated ATT MTU of dev.
func (s *Service) SetMTU(dev DeviceID, mtu uint16) error {
	if err := s.reg.SetMTU(dev, mtu); err != nil {
		return err
	}
	s.logger.WithFields(logrus.Fields{"device_id": dev, "mtu": mtu}).Debug("ATT MTU updated")
	return nil
}

// SetPreference ORs indicate-instead-of-notify bits into the preference of dev.
func (s *Service) SetPreference(dev DeviceID, bits Preference) error {
	return s.reg.SetPreference(dev, bits)
}

// State returns the transfer state of dev; unknown devices are Idle.
func (s *Service) State(dev DeviceID) TransferState {
	if sess, ok := s.reg.Lookup(dev); ok {
		return sess.state
	}
	return StateIdle
}

// OnSubeventData feeds one controller subevent for dev into the service.
//
// The first subevent of a new procedure replaces any stored procedure, unless
// a transfer is in progress, in which case the subevent is dropped. Whether a
// procedure is streamed in real time or built for on-demand retrieval is
// fixed by the subscription at its first subevent. Real-time subscribers get
// each subevent streamed immediately; on-demand peers are told through Data
// Ready once the procedure completes. The remaining subevents of a procedure
// abandoned while being built are discarded.
func (s *Service) OnSubeventData(dev DeviceID, ev *SubeventData) error {
	sess, err := s.reg.Attach(dev)
	if err != nil {
		s.observer.ProcedureDropped("registry_full")
		s.logger.WithField("device_id", dev).WithError(err).Warn("Subevent dropped")
		return err
	}

	if sess.discards(ev.ProcedureCounter) {
		s.observer.ProcedureDropped("procedure_abandoned")
		s.logger.WithFields(logrus.Fields{"device_id": dev, "procedure_counter": ev.ProcedureCounter}).
			Debug("Subevent of abandoned procedure dropped")
		return fmt.Errorf("%w: device %d procedure %d", ErrProcedureAbandoned, dev, ev.ProcedureCounter)
	}

	fresh := !sess.proc.Active() || sess.proc.Counter != ev.ProcedureCounter
	if fresh {
		if sess.state != StateIdle {
			s.observer.ProcedureDropped("transfer_active")
			s.log(sess).WithField("new_procedure_counter", ev.ProcedureCounter).Warn("Subevent dropped, transfer in progress")
			return statusErrorf(ErrServerBusy, "device %d: transfer of procedure %d in progress", dev, sess.proc.Counter)
		}
		if sess.proc.Active() && sess.body.Final() && sess.subscribed && !sess.realTime {
			s.notifyProcedure(sess, CharDataOverwritten, sess.proc.Counter)
		}
		sess.clearTransfer()
		sess.proc.Begin(ev)
		sess.procRealTime = sess.subscribed && sess.realTime
	} else if sess.proc.Done() {
		s.observer.ProcedureDropped("procedure_complete")
		return statusErrorf(ErrInvalidParameter, "procedure %d already complete", ev.ProcedureCounter)
	}

	idx := sess.proc.AddSubevent(ev)

	if sess.procRealTime {
		if !sess.subscribed || !sess.realTime {
			s.observer.ProcedureDropped("delivery_mode_changed")
			s.log(sess).Info("Peer left real-time delivery, procedure stream dropped")
			sess.abandon()
			return nil
		}
		return s.streamSubevent(sess, idx, fresh)
	}

	if err := sess.body.Append(&sess.proc, idx, sess.filterOptions()); err != nil {
		s.observer.ProcedureDropped("build_failed")
		s.log(sess).WithError(err).Warn("Ranging data body build failed")
		sess.abandon()
		return err
	}

	if sess.body.Final() {
		s.log(sess).WithField("body_len", sess.body.ParsedLen()).Info("Ranging data ready")
		if sess.subscribed && !sess.realTime {
			s.notifyProcedure(sess, CharDataReady, sess.proc.Counter)
		}
	}
	return nil
}

// OnIndicationConfirmed advances an indication-driven transfer after the peer
// confirmed the previous indication on ch.
func (s *Service) OnIndicationConfirmed(dev DeviceID, ch Characteristic) {
	if ch != CharOnDemandData {
		return
	}
	sess, ok := s.reg.Lookup(dev)
	if !ok {
		return
	}

	switch sess.state {
	case StateSending:
		if sess.tx.sent >= sess.body.ParsedLen() {
			sess.state = StateAwaitingAck
			s.armTimer(sess)
			s.log(sess).Debug("All segments confirmed")
			return
		}
		if _, err := s.sendNext(sess); err != nil {
			s.respond(sess, OpGetRangingData, s.failTransfer(sess, err))
			return
		}
		s.armTimer(sess)

	case StateRetransmittingLostSegments:
		if len(sess.tx.pending) == 0 {
			sess.state = StateAwaitingAckAfterRetransmit
			sess.lost = nil
			s.armTimer(sess)
			return
		}
		if err := s.retransmitNext(sess); err != nil {
			s.respond(sess, OpRetrieveLostRangingData, s.failTransfer(sess, err))
			return
		}
		s.armTimer(sess)
	}
}

// OnIndicationFailed ends an indication-driven transfer whose on-demand
// indication could not be delivered: the write failed or the peer
// unsubscribed before it went out.
func (s *Service) OnIndicationFailed(dev DeviceID, ch Characteristic, cause error) {
	if ch != CharOnDemandData {
		return
	}
	sess, ok := s.reg.Lookup(dev)
	if !ok {
		return
	}
	switch sess.state {
	case StateSending:
		s.respond(sess, OpGetRangingData, s.failTransfer(sess, cause))
	case StateRetransmittingLostSegments:
		s.respond(sess, OpRetrieveLostRangingData, s.failTransfer(sess, cause))
	}
}

// OnDataUnsubscribed cancels whatever was using ch after the peer closed its
// CCCD subscription on it: an on-demand transfer in progress, or the
// real-time stream of the current procedure. A stored body that has not
// been requested yet is kept.
func (s *Service) OnDataUnsubscribed(dev DeviceID, ch Characteristic) {
	sess, ok := s.reg.Lookup(dev)
	if !ok {
		return
	}
	switch {
	case ch == CharOnDemandData && sess.state != StateIdle:
		s.log(sess).Info("On-demand subscription closed, transfer cancelled")
		sess.clearTransfer()
		s.observer.TransferFinished(OutcomeAborted)
	case ch == CharRealTimeData && sess.proc.Active() && sess.procRealTime:
		s.observer.ProcedureDropped("delivery_mode_changed")
		s.log(sess).Info("Real-time subscription closed, procedure stream dropped")
		sess.abandon()
	}
}

// syncMTU picks up an ATT MTU exchange the transport saw but has not
// reported through SetMTU yet.
func (s *Service) syncMTU(sess *Session) {
	r, ok := s.transport.(MTUReporter)
	if !ok {
		return
	}
	mtu, ok := r.ATTMTU(sess.ID)
	if !ok || mtu == 0 || mtu == sess.mtu {
		return
	}
	s.log(sess).WithFields(logrus.Fields{"mtu": mtu, "previous_mtu": sess.mtu}).Debug("ATT MTU refreshed from transport")
	sess.mtu = mtu
}

// notifyProcedure sends [procedure counter] on the Data Ready or Data
// Overwritten characteristic.
func (s *Service) notifyProcedure(sess *Session, ch Characteristic, counter uint16) {
	pdu := binary.LittleEndian.AppendUint16(nil, counter)
	if err := s.send(sess, ch, pdu); err != nil {
		s.log(sess).WithError(err).WithField("characteristic", ch).Error("Failed to send procedure notification")
	}
}

// send delivers pdu on ch as an indication or notification per the session preference.
func (s *Service) send(sess *Session, ch Characteristic, pdu []byte) error {
	var err error
	if sess.indicates(ch) {
		err = s.transport.SendIndication(sess.ID, ch, pdu)
	} else {
		err = s.transport.SendNotification(sess.ID, ch, pdu)
	}
	if err != nil {
		return fmt.Errorf("send %s to device %d: %w", ch, sess.ID, err)
	}
	return nil
}

// armTimer (re)starts the timeout of sess: the acknowledgment window in the
// awaiting states, the confirmation window of the outstanding indication in
// the sending states.
func (s *Service) armTimer(sess *Session) {
	sess.stopTimer()
	gen, dev := sess.timerGen, sess.ID
	sess.timer = s.clock.AfterFunc(s.ackTimeout, func() {
		s.onAckTimeout(dev, gen)
	})
}

// onAckTimeout aborts a transfer the peer neither acknowledged nor followed
// up on, or whose indication was never confirmed. Nothing is sent to the peer.
func (s *Service) onAckTimeout(dev DeviceID, gen uint64) {
	sess, ok := s.reg.Lookup(dev)
	if !ok || sess.timerGen != gen {
		return
	}
	sess.timer = nil
	switch sess.state {
	case StateAwaitingAck, StateAwaitingAckAfterRetransmit:
		s.log(sess).Info("Acknowledgment timeout, transfer dropped")
	case StateSending, StateRetransmittingLostSegments:
		s.log(sess).Warn("Indication confirmation timeout, transfer dropped")
	default:
		return
	}
	sess.clearTransfer()
	s.observer.TransferFinished(OutcomeTimeout)
}

// SessionSnapshot is a point-in-time view of a session.
type SessionSnapshot struct {
	DeviceID         DeviceID  `json:"device_id"`
	Subscribed       bool      `json:"subscribed"`
	RealTime         bool      `json:"real_time"`
	Preference       uint8     `json:"preference"`
	MTU              uint16    `json:"mtu"`
	PCTFormat        string    `json:"pct_format"`
	Filters          [4]uint16 `json:"filters"`
	State            string    `json:"state"`
	ProcedureCounter *uint16   `json:"procedure_counter,omitempty"`
	BodyLen          int       `json:"body_len"`
	Ready            bool      `json:"ready"`
	SegmentsSent     int       `json:"segments_recorded"`
	BytesSent        int       `json:"bytes_sent"`
	TimerArmed       bool      `json:"timer_armed"`
}

// Snapshot returns the current view of the session of dev.
func (s *Service) Snapshot(dev DeviceID) (SessionSnapshot, bool) {
	sess, ok := s.reg.Lookup(dev)
	if !ok {
		return SessionSnapshot{}, false
	}
	snap := SessionSnapshot{
		DeviceID:     sess.ID,
		Subscribed:   sess.subscribed,
		RealTime:     sess.realTime,
		Preference:   uint8(sess.prefs),
		MTU:          sess.mtu,
		PCTFormat:    sess.format.String(),
		Filters:      sess.masks,
		State:        sess.state.String(),
		BodyLen:      sess.body.Len(),
		Ready:        sess.body.Final(),
		SegmentsSent: sess.records.len(),
		BytesSent:    sess.tx.sent,
		TimerArmed:   sess.timer != nil,
	}
	if sess.proc.Active() {
		counter := sess.proc.Counter
		snap.ProcedureCounter = &counter
	}
	return snap, true
}

// Snapshots returns a view of every tracked session in slot order.
func (s *Service) Snapshots() []SessionSnapshot {
	sessions := s.reg.Sessions()
	out := make([]SessionSnapshot, 0, len(sessions))
	for _, sess := range sessions {
		snap, _ := s.Snapshot(sess.ID)
		out = append(out, snap)
	}
	return out
}
