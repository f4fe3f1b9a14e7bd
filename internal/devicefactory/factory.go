// Package devicefactory opens the host Bluetooth adapter as a go-ble
// peripheral device.
package devicefactory

import (
	"fmt"

	"github.com/go-ble/ble"
	"github.com/sirupsen/logrus"
)

// Options selects the adapter to open.
type Options struct {
	// HCIDevice is the adapter index (hciN); ignored on darwin.
	HCIDevice int
	Logger    *logrus.Logger
}

// DeviceFactory creates the platform ble.Device. This is a variable so that
// it can be overridden in tests.
var DeviceFactory = newDevice

// Open creates the adapter device and makes it the go-ble default device.
func Open(opts Options) (ble.Device, error) {
	logger := opts.Logger
	if logger == nil {
		logger = logrus.New()
	}

	dev, err := DeviceFactory(opts)
	if err != nil {
		return nil, fmt.Errorf("failed to open bluetooth adapter: %w", err)
	}
	ble.SetDefaultDevice(dev)

	logger.WithField("hci_device", opts.HCIDevice).Debug("Bluetooth adapter opened")
	return dev, nil
}
