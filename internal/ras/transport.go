package ras

import (
	"fmt"
	"time"
)

// DeviceID identifies a connected peer. It is a bounded connection-slot id
// assigned by the GATT binding.
type DeviceID uint8

// Characteristic names the RAS characteristic a PDU travels on.
type Characteristic uint8

const (
	CharOnDemandData Characteristic = iota
	CharRealTimeData
	CharControlPoint
	CharDataReady
	CharDataOverwritten
)

var characteristicNames = [...]string{
	CharOnDemandData:    "on-demand-data",
	CharRealTimeData:    "real-time-data",
	CharControlPoint:    "control-point",
	CharDataReady:       "data-ready",
	CharDataOverwritten: "data-overwritten",
}

func (c Characteristic) String() string {
	if int(c) < len(characteristicNames) {
		return characteristicNames[c]
	}
	return fmt.Sprintf("characteristic(%d)", uint8(c))
}

// ParseCharacteristic is the inverse of Characteristic.String.
func ParseCharacteristic(s string) (Characteristic, error) {
	for i, name := range characteristicNames {
		if name == s {
			return Characteristic(i), nil
		}
	}
	return 0, fmt.Errorf("unknown characteristic %q", s)
}

// Transport delivers PDUs to a peer. Sends are fire-and-forget: an error is
// returned only when the PDU could not be queued.
type Transport interface {
	SendNotification(dev DeviceID, ch Characteristic, data []byte) error
	SendIndication(dev DeviceID, ch Characteristic, data []byte) error
}

// MTUReporter is implemented by transports that can read the live ATT MTU of
// a peer. The Service consults it before segmenting a new transfer.
type MTUReporter interface {
	ATTMTU(dev DeviceID) (uint16, bool)
}

const (
	// ATTHeaderSize is the ATT notification/indication header overhead.
	ATTHeaderSize = 3

	// DefaultATTMTU is the ATT MTU before any exchange.
	DefaultATTMTU uint16 = 23
)

// MaxPayload returns the largest notification/indication value for attMTU.
func MaxPayload(attMTU uint16) int {
	n := int(attMTU) - ATTHeaderSize
	if n < 0 {
		return 0
	}
	return n
}

// Timer is a pending one-shot callback.
type Timer interface {
	Stop() bool
}

// Clock schedules one-shot callbacks. Callbacks must be delivered on the same
// logical thread that drives the Service.
type Clock interface {
	AfterFunc(d time.Duration, f func()) Timer
}

// SystemClock schedules callbacks with time.AfterFunc. It does not serialize
// delivery; wrap it (see runloop.Loop) when the Service is driven from a loop.
type SystemClock struct{}

// AfterFunc implements Clock
func (SystemClock) AfterFunc(d time.Duration, f func()) Timer {
	return time.AfterFunc(d, f)
}
