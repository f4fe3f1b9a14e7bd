package ras

import (
	"fmt"

	"github.com/smallnest/ringbuffer"
)

// Preference selects indication (bit set) instead of notification per characteristic.
type Preference uint8

const (
	PrefOnDemandIndicate Preference = 1 << iota
	PrefControlPointIndicate
	PrefDataReadyIndicate
	PrefDataOverwrittenIndicate
	PrefRealTimeIndicate

	prefReservedMask Preference = 0xE0
)

// preferenceFor maps a characteristic to the preference bit that selects indications for it.
var preferenceFor = map[Characteristic]Preference{
	CharOnDemandData:    PrefOnDemandIndicate,
	CharControlPoint:    PrefControlPointIndicate,
	CharDataReady:       PrefDataReadyIndicate,
	CharDataOverwritten: PrefDataOverwrittenIndicate,
	CharRealTimeData:    PrefRealTimeIndicate,
}

// IndicationPreference returns the preference bit that switches ch to indications.
func IndicationPreference(ch Characteristic) Preference {
	return preferenceFor[ch]
}

// TransferState is the per-session control-point state.
type TransferState uint8

const (
	StateIdle TransferState = iota
	StateSending
	StateAwaitingAck
	StateRetransmittingLostSegments
	StateAwaitingAckAfterRetransmit
)

var transferStateNames = [...]string{
	StateIdle:                       "idle",
	StateSending:                    "sending",
	StateAwaitingAck:                "awaiting_ack",
	StateRetransmittingLostSegments: "retransmitting_lost_segments",
	StateAwaitingAckAfterRetransmit: "awaiting_ack_after_retransmit",
}

func (s TransferState) String() string {
	if int(s) < len(transferStateNames) {
		return transferStateNames[s]
	}
	return fmt.Sprintf("state(%d)", uint8(s))
}

// SessionDefaults are the values a session starts from and returns to on disconnect.
type SessionDefaults struct {
	MTU                uint16
	MaxBodySize        int
	RealTimeBufferSize int
	MaxSegmentRecords  int
}

// segmentRange is a pending lost-segment retransmission.
type segmentRange struct {
	start, end uint8
}

// transfer tracks the segmenter cursors of the current transfer.
type transfer struct {
	counter uint8
	sent    int
	started bool
	pending []SegmentRecord
}

// Session is the per-connection state of one peer.
type Session struct {
	ID DeviceID

	subscribed bool
	realTime   bool
	prefs      Preference
	mtu        uint16
	format     PCTFormat
	masks      [4]uint16
	state      TransferState
	lost       *segmentRange

	proc Procedure
	// procRealTime fixes the delivery mode of proc at its first subevent.
	procRealTime bool
	// abandoned is the counter of a procedure dropped while still being built.
	abandoned    uint16
	hasAbandoned bool

	body     *Body
	rt       *ringbuffer.RingBuffer
	records  *segmentStore
	tx       transfer
	timer    Timer
	timerGen uint64
}

func newSession(id DeviceID, d SessionDefaults) *Session {
	return &Session{
		ID:      id,
		mtu:     d.MTU,
		masks:   DefaultFilterMasks(),
		body:    NewBody(d.MaxBodySize),
		rt:      ringbuffer.New(d.RealTimeBufferSize),
		records: newSegmentStore(d.MaxSegmentRecords),
	}
}

// State returns the transfer state.
func (s *Session) State() TransferState {
	return s.state
}

// filterOptions returns the session's filtering configuration.
func (s *Session) filterOptions() FilterOptions {
	return FilterOptions{Masks: s.masks, Format: s.format}
}

// indicates reports whether PDUs on ch go out as indications.
func (s *Session) indicates(ch Characteristic) bool {
	return s.prefs&preferenceFor[ch] != 0
}

// stopTimer cancels a pending acknowledgment timeout.
func (s *Session) stopTimer() {
	if s.timer != nil {
		s.timer.Stop()
		s.timer = nil
	}
	s.timerGen++
}

// clearTransfer drops the procedure, body, records and cursors and returns to Idle.
func (s *Session) clearTransfer() {
	s.stopTimer()
	s.proc.Reset()
	s.procRealTime = false
	s.body.Reset()
	s.rt.Reset()
	s.records.reset()
	s.tx = transfer{}
	s.lost = nil
	s.state = StateIdle
}

// abandon clears the transfer like clearTransfer. When the procedure was
// still incomplete its counter is remembered, so the subevents that follow
// are discarded instead of starting a truncated body.
func (s *Session) abandon() {
	if s.proc.Active() && !s.proc.Done() {
		s.abandoned = s.proc.Counter
		s.hasAbandoned = true
	}
	s.clearTransfer()
}

// discards reports whether a subevent of procedure counter belongs to an
// abandoned procedure. Any other counter ends the discard.
func (s *Session) discards(counter uint16) bool {
	if !s.hasAbandoned {
		return false
	}
	if s.abandoned == counter {
		return true
	}
	s.hasAbandoned = false
	return false
}

// Registry is the fixed-capacity table of per-connection sessions. A nil
// slot is free.
type Registry struct {
	slots    []*Session
	defaults SessionDefaults
}

// NewRegistry creates a registry with room for capacity concurrent peers.
func NewRegistry(capacity int, defaults SessionDefaults) *Registry {
	if defaults.MTU == 0 {
		defaults.MTU = DefaultATTMTU
	}
	return &Registry{
		slots:    make([]*Session, capacity),
		defaults: defaults,
	}
}

// Lookup returns the session of dev, if any.
func (r *Registry) Lookup(dev DeviceID) (*Session, bool) {
	for _, s := range r.slots {
		if s != nil && s.ID == dev {
			return s, true
		}
	}
	return nil, false
}

// Attach returns the session of dev, creating it in the first free slot.
func (r *Registry) Attach(dev DeviceID) (*Session, error) {
	if s, ok := r.Lookup(dev); ok {
		return s, nil
	}
	for i, s := range r.slots {
		if s == nil {
			r.slots[i] = newSession(dev, r.defaults)
			return r.slots[i], nil
		}
	}
	return nil, fmt.Errorf("%w: %d slots in use, device %d rejected", ErrRegistryFull, len(r.slots), dev)
}

// Subscribe marks dev as subscribed for on-demand or real-time delivery.
func (r *Registry) Subscribe(dev DeviceID, realTime bool) error {
	s, err := r.Attach(dev)
	if err != nil {
		return err
	}
	s.subscribed = true
	s.realTime = realTime
	return nil
}

// Unsubscribe clears the preference bits of dev. On disconnect the session is
// additionally reset to defaults, its buffers released and its slot freed.
func (r *Registry) Unsubscribe(dev DeviceID, isDisconnect bool) {
	for i, s := range r.slots {
		if s == nil || s.ID != dev {
			continue
		}
		s.prefs = 0
		if !isDisconnect {
			return
		}
		s.clearTransfer()
		s.subscribed = false
		s.realTime = false
		s.mtu = r.defaults.MTU
		s.format = PCTFormatIQ
		s.masks = DefaultFilterMasks()
		r.slots[i] = nil
		return
	}
}

// SetMTU records the negotiated ATT MTU of dev.
func (r *Registry) SetMTU(dev DeviceID, mtu uint16) error {
	s, err := r.Attach(dev)
	if err != nil {
		return err
	}
	s.mtu = mtu
	return nil
}

// SetPreference ORs bits into the notify/indicate preference of dev.
func (r *Registry) SetPreference(dev DeviceID, bits Preference) error {
	if bits&prefReservedMask != 0 {
		return statusErrorf(ErrInvalidParameter, "reserved preference bits 0x%02x", uint8(bits&prefReservedMask))
	}
	s, err := r.Attach(dev)
	if err != nil {
		return err
	}
	s.prefs |= bits
	return nil
}

// Preference returns the notify/indicate preference bits of dev.
func (r *Registry) Preference(dev DeviceID) (Preference, error) {
	s, ok := r.Lookup(dev)
	if !ok {
		return 0, fmt.Errorf("%w: %d", ErrUnknownDevice, dev)
	}
	return s.prefs, nil
}

// IsSubscribed reports whether dev is subscribed.
func (r *Registry) IsSubscribed(dev DeviceID) bool {
	s, ok := r.Lookup(dev)
	return ok && s.subscribed
}

// Len returns the number of occupied slots.
func (r *Registry) Len() int {
	n := 0
	for _, s := range r.slots {
		if s != nil {
			n++
		}
	}
	return n
}

// Cap returns the table capacity.
func (r *Registry) Cap() int {
	return len(r.slots)
}

// Sessions returns the occupied sessions in slot order.
func (r *Registry) Sessions() []*Session {
	out := make([]*Session, 0, len(r.slots))
	for _, s := range r.slots {
		if s != nil {
			out = append(out, s)
		}
	}
	return out
}
