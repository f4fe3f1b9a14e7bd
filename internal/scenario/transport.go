package scenario

import (
	"encoding/hex"
	"fmt"
	"strings"

	"github.com/srg/rasd/internal/ras"
)

// HexBytes marshals as a lowercase hex string.
type HexBytes []byte

// MarshalText implements encoding.TextMarshaler
func (b HexBytes) MarshalText() ([]byte, error) {
	return []byte(hex.EncodeToString(b)), nil
}

// UnmarshalText implements encoding.TextUnmarshaler. Spaces are ignored.
func (b *HexBytes) UnmarshalText(text []byte) error {
	s := strings.ReplaceAll(string(text), " ", "")
	raw, err := hex.DecodeString(s)
	if err != nil {
		return fmt.Errorf("invalid hex %q: %w", text, err)
	}
	*b = raw
	return nil
}

func (b HexBytes) String() string {
	return hex.EncodeToString(b)
}

// PDU is one value the service handed to the transport.
type PDU struct {
	Device         ras.DeviceID       `json:"device_id"`
	Characteristic ras.Characteristic `json:"-"`
	Channel        string             `json:"characteristic"`
	Indication     bool               `json:"indication"`
	Data           HexBytes           `json:"data"`
}

func (p PDU) String() string {
	kind := "ntf"
	if p.Indication {
		kind = "ind"
	}
	return fmt.Sprintf("dev=%d %s %s %s", p.Device, kind, p.Characteristic, p.Data)
}

// MemoryTransport is a ras.Transport that records every PDU in memory.
type MemoryTransport struct {
	pdus     []PDU
	failures map[ras.Characteristic]error
	linkMTU  map[ras.DeviceID]uint16
}

// NewMemoryTransport creates an empty transport.
func NewMemoryTransport() *MemoryTransport {
	return &MemoryTransport{
		failures: make(map[ras.Characteristic]error),
		linkMTU:  make(map[ras.DeviceID]uint16),
	}
}

// SetLinkMTU makes ATTMTU report mtu for dev, like an MTU exchange the
// service has not been told about yet.
func (t *MemoryTransport) SetLinkMTU(dev ras.DeviceID, mtu uint16) {
	t.linkMTU[dev] = mtu
}

// ATTMTU implements ras.MTUReporter
func (t *MemoryTransport) ATTMTU(dev ras.DeviceID) (uint16, bool) {
	mtu, ok := t.linkMTU[dev]
	return mtu, ok
}

// SendNotification implements ras.Transport
func (t *MemoryTransport) SendNotification(dev ras.DeviceID, ch ras.Characteristic, data []byte) error {
	return t.record(dev, ch, data, false)
}

// SendIndication implements ras.Transport
func (t *MemoryTransport) SendIndication(dev ras.DeviceID, ch ras.Characteristic, data []byte) error {
	return t.record(dev, ch, data, true)
}

func (t *MemoryTransport) record(dev ras.DeviceID, ch ras.Characteristic, data []byte, indication bool) error {
	if err := t.failures[ch]; err != nil {
		return err
	}
	t.pdus = append(t.pdus, PDU{
		Device:         dev,
		Characteristic: ch,
		Channel:        ch.String(),
		Indication:     indication,
		Data:           append(HexBytes(nil), data...),
	})
	return nil
}

// FailOn makes every send on ch fail with err; a nil err clears the failure.
func (t *MemoryTransport) FailOn(ch ras.Characteristic, err error) {
	if err == nil {
		delete(t.failures, ch)
		return
	}
	t.failures[ch] = err
}

// PDUs returns every recorded PDU in send order.
func (t *MemoryTransport) PDUs() []PDU {
	return t.pdus
}

// On returns the recorded PDUs sent on ch.
func (t *MemoryTransport) On(ch ras.Characteristic) []PDU {
	var out []PDU
	for _, p := range t.pdus {
		if p.Characteristic == ch {
			out = append(out, p)
		}
	}
	return out
}

// Reset forgets the recorded PDUs.
func (t *MemoryTransport) Reset() {
	t.pdus = nil
}
