package main

import (
	"bytes"
	"context"
	"errors"
	"io"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/go-ble/ble"
	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
	"github.com/srg/rasd/internal/devicefactory"
	"github.com/srg/rasd/internal/gattsrv"
	"github.com/srg/rasd/internal/ras"
	"github.com/srg/rasd/internal/runloop"
	"github.com/srg/rasd/internal/scenario"
	"github.com/srg/rasd/pkg/config"
	"github.com/stretchr/testify/suite"
)

// MockBLEDevice implements ble.Device for testing. Advertising blocks until
// the context is cancelled, like a real adapter; methods serve never calls
// are left to the embedded nil interface.
type MockBLEDevice struct {
	ble.Device
	services   []*ble.Service
	advertised chan string
	stopped    bool
}

func newMockBLEDevice() *MockBLEDevice {
	return &MockBLEDevice{advertised: make(chan string, 1)}
}

func (m *MockBLEDevice) AddService(svc *ble.Service) error {
	m.services = append(m.services, svc)
	return nil
}

func (m *MockBLEDevice) Stop() error {
	m.stopped = true
	return nil
}

func (m *MockBLEDevice) AdvertiseNameAndServices(ctx context.Context, name string, ss ...ble.UUID) error {
	m.advertised <- name
	<-ctx.Done()
	return ctx.Err()
}

// ServeTestSuite provides testify/suite for proper test isolation
type ServeTestSuite struct {
	suite.Suite
	device                *MockBLEDevice
	originalDeviceFactory func(devicefactory.Options) (ble.Device, error)
	originalFlags         struct {
		serveConfigPath         string
		serveDeviceName         string
		serveHCIDevice          int
		serveMetricsAddr        string
		serveSyntheticInterval  time.Duration
		serveSyntheticSubevents int
		serveSyntheticSteps     int
		serveTrace              bool
	}
}

func (suite *ServeTestSuite) SetupSuite() {
	suite.originalFlags.serveConfigPath = serveConfigPath
	suite.originalFlags.serveDeviceName = serveDeviceName
	suite.originalFlags.serveHCIDevice = serveHCIDevice
	suite.originalFlags.serveMetricsAddr = serveMetricsAddr
	suite.originalFlags.serveSyntheticInterval = serveSyntheticInterval
	suite.originalFlags.serveSyntheticSubevents = serveSyntheticSubevents
	suite.originalFlags.serveSyntheticSteps = serveSyntheticSteps
	suite.originalFlags.serveTrace = serveTrace

	suite.originalDeviceFactory = devicefactory.DeviceFactory
}

func (suite *ServeTestSuite) TearDownSuite() {
	serveConfigPath = suite.originalFlags.serveConfigPath
	serveDeviceName = suite.originalFlags.serveDeviceName
	serveHCIDevice = suite.originalFlags.serveHCIDevice
	serveMetricsAddr = suite.originalFlags.serveMetricsAddr
	serveSyntheticInterval = suite.originalFlags.serveSyntheticInterval
	serveSyntheticSubevents = suite.originalFlags.serveSyntheticSubevents
	serveSyntheticSteps = suite.originalFlags.serveSyntheticSteps
	serveTrace = suite.originalFlags.serveTrace

	devicefactory.DeviceFactory = suite.originalDeviceFactory
}

func (suite *ServeTestSuite) SetupTest() {
	suite.device = newMockBLEDevice()
	devicefactory.DeviceFactory = func(devicefactory.Options) (ble.Device, error) {
		return suite.device, nil
	}
}

// newServeCommand returns a fresh command whose flags are bound to the serve
// flag variables, so Changed() reflects only the given args.
func (suite *ServeTestSuite) newServeCommand(args ...string) *cobra.Command {
	cmd := &cobra.Command{Use: "serve"}
	cmd.Flags().StringVar(&serveConfigPath, "config", "", "")
	cmd.Flags().StringVar(&serveDeviceName, "name", "", "")
	cmd.Flags().IntVar(&serveHCIDevice, "hci", 0, "")
	cmd.Flags().StringVar(&serveMetricsAddr, "metrics-addr", "", "")
	cmd.Flags().DurationVar(&serveSyntheticInterval, "synthetic-interval", 0, "")
	cmd.Flags().IntVar(&serveSyntheticSubevents, "synthetic-subevents", 1, "")
	cmd.Flags().IntVar(&serveSyntheticSteps, "synthetic-steps", 8, "")
	cmd.Flags().BoolVar(&serveTrace, "trace", false, "")
	cmd.Flags().String("log-level", "", "")
	cmd.Flags().Bool("verbose", false, "")
	suite.Require().NoError(cmd.Flags().Parse(args))
	cmd.SetOut(&bytes.Buffer{})
	cmd.SetErr(io.Discard)
	return cmd
}

func quietLogger() *logrus.Logger {
	logger := logrus.New()
	logger.SetOutput(io.Discard)
	return logger
}

func (suite *ServeTestSuite) TestLoadServeConfig() {
	path := filepath.Join(suite.T().TempDir(), "rasd.yaml")
	suite.Require().NoError(os.WriteFile(path, []byte("device_name: from-file\nmax_connections: 2\n"), 0o600))

	cfg, err := loadServeConfig(suite.newServeCommand("--config", path))
	suite.Require().NoError(err)
	suite.Equal("from-file", cfg.DeviceName)
	suite.Equal(2, cfg.MaxConnections)

	cfg, err = loadServeConfig(suite.newServeCommand("--config", path, "--name", "from-flag", "--metrics-addr", ":9465"))
	suite.Require().NoError(err)
	suite.Equal("from-flag", cfg.DeviceName, "--name MUST override the config file")
	suite.Equal(":9465", cfg.MetricsAddr)

	_, err = loadServeConfig(suite.newServeCommand("--name", ""))
	suite.ErrorIs(err, config.ErrInvalidConfig, "an empty --name MUST fail validation")
}

func (suite *ServeTestSuite) TestNewDaemon() {
	cfg := config.DefaultConfig()
	d := newDaemon(cfg, quietLogger())

	suite.NotNil(d.service)
	suite.NotNil(d.recorder)
	suite.Equal(cfg.MaxConnections, d.service.Registry().Cap())
	suite.Equal(gattsrv.ServiceUUID, d.server.Service().UUID)

	_, err := d.registry.Gather()
	suite.NoError(err, "daemon metrics MUST register without conflicts")
}

func (suite *ServeTestSuite) TestDaemonRunStopsOnCancel() {
	// GOAL: Verify the daemon advertises, serves metrics and stops cleanly on cancellation
	//
	// TEST SCENARIO: run with mock adapter → advertising starts → cancel → context.Canceled

	cfg := config.DefaultConfig()
	cfg.MetricsAddr = "127.0.0.1:0"
	d := newDaemon(cfg, quietLogger())

	ctx, cancel := context.WithCancel(context.Background())
	errCh := make(chan error, 1)
	go func() { errCh <- d.run(ctx, suite.device) }()

	select {
	case name := <-suite.device.advertised:
		suite.Equal(cfg.DeviceName, name)
	case <-time.After(2 * time.Second):
		suite.FailNow("advertising MUST start")
	}

	cancel()
	select {
	case err := <-errCh:
		suite.True(errors.Is(err, context.Canceled), "cancellation MUST surface as context.Canceled, got %v", err)
	case <-time.After(2 * time.Second):
		suite.FailNow("daemon MUST stop after cancellation")
	}
}

func (suite *ServeTestSuite) TestRunServe() {
	cmd := suite.newServeCommand("--name", "bench-rig", "--trace")
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	cmd.SetContext(ctx)

	errCh := make(chan error, 1)
	go func() { errCh <- runServe(cmd, nil) }()

	select {
	case name := <-suite.device.advertised:
		suite.Equal("bench-rig", name)
	case <-time.After(2 * time.Second):
		suite.FailNow("advertising MUST start")
	}
	cancel()

	select {
	case err := <-errCh:
		suite.ErrorIs(err, context.Canceled)
	case <-time.After(2 * time.Second):
		suite.FailNow("serve MUST return after cancellation")
	}
	suite.Require().Len(suite.device.services, 1, "the ranging service MUST be registered")
	suite.Equal(gattsrv.ServiceUUID, suite.device.services[0].UUID)
	suite.True(suite.device.stopped, "the adapter MUST be stopped on exit")
}

func (suite *ServeTestSuite) TestRunServeAdapterError() {
	devicefactory.DeviceFactory = func(devicefactory.Options) (ble.Device, error) {
		return nil, os.ErrPermission
	}
	cmd := suite.newServeCommand()
	cmd.SetContext(context.Background())

	err := runServe(cmd, nil)
	suite.ErrorIs(err, os.ErrPermission)
	suite.Contains(FormatUserError(err), "CAP_NET_ADMIN")
}

func (suite *ServeTestSuite) TestSyntheticFeederTick() {
	// GOAL: Verify the synthetic feeder delivers consecutive procedures to subscribed peers only
	//
	// TEST SCENARIO: peer 0 subscribed, peer 1 not → two ticks → data-ready 10, overwritten 10, data-ready 11 on peer 0 only

	transport := scenario.NewMemoryTransport()
	svc := ras.NewService(transport, ras.Options{
		Capacity: 2,
		Clock:    scenario.NewManualClock(),
		Logger:   quietLogger(),
	})
	suite.Require().NoError(svc.Subscribe(0, false))
	suite.Require().NoError(svc.SetMTU(1, 23), "attaches an unsubscribed peer")

	feeder := newSyntheticFeeder(runloop.New(0, quietLogger()), svc, scenario.ProcedureSpec{
		Counter:      10,
		Subevents:    2,
		Steps:        3,
		AntennaPaths: 1,
		Seed:         7,
	}, quietLogger())

	feeder.tick()
	snap, ok := svc.Snapshot(0)
	suite.Require().True(ok)
	suite.True(snap.Ready, "a full synthetic procedure MUST complete the body")
	suite.Require().NotNil(snap.ProcedureCounter)
	suite.Equal(uint16(10), *snap.ProcedureCounter)

	feeder.tick()
	snap, _ = svc.Snapshot(0)
	suite.Equal(uint16(11), *snap.ProcedureCounter, "each tick MUST advance the procedure counter")

	var got []string
	for _, p := range transport.PDUs() {
		suite.Equal(ras.DeviceID(0), p.Device, "unsubscribed peers MUST NOT be fed")
		got = append(got, p.String())
	}
	suite.Equal([]string{
		"dev=0 ntf data-ready 0a00",
		"dev=0 ntf data-overwritten 0a00",
		"dev=0 ntf data-ready 0b00",
	}, got)

	other, ok := svc.Snapshot(1)
	suite.Require().True(ok)
	suite.Nil(other.ProcedureCounter)
}

func (suite *ServeTestSuite) TestSyntheticFeederRunStops() {
	svc := ras.NewService(scenario.NewMemoryTransport(), ras.Options{Logger: quietLogger()})
	loop := runloop.New(0, quietLogger())
	feeder := newSyntheticFeeder(loop, svc, scenario.ProcedureSpec{Subevents: 1, Steps: 1}, quietLogger())

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	suite.NoError(feeder.run(ctx, time.Millisecond))
}

func TestServeTestSuite(t *testing.T) {
	suite.Run(t, new(ServeTestSuite))
}
