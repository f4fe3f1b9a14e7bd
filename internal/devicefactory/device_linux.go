//go:build linux

package devicefactory

import (
	"github.com/go-ble/ble"
	"github.com/go-ble/ble/linux"
)

func newDevice(opts Options) (ble.Device, error) {
	return linux.NewDevice(ble.OptDeviceID(opts.HCIDevice))
}
