package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"time"

	"github.com/go-ble/ble"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
	"github.com/srg/rasd/internal/devicefactory"
	"github.com/srg/rasd/internal/gattsrv"
	"github.com/srg/rasd/internal/metrics"
	"github.com/srg/rasd/internal/ras"
	"github.com/srg/rasd/internal/runloop"
	"github.com/srg/rasd/internal/scenario"
	"github.com/srg/rasd/internal/trace"
	"github.com/srg/rasd/pkg/config"
	"golang.org/x/sync/errgroup"
	"golang.org/x/sys/unix"
)

// serveCmd represents the serve command
var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Host the Ranging Service on the local Bluetooth adapter",
	Long: `Advertises the Ranging Service and serves ranging data to connected initiators.

Without a Channel Sounding controller, --synthetic-interval feeds every
subscribed peer a generated procedure at a fixed rate.

Examples:
  # Serve with defaults
  rasd serve

  # Serve with a config file and Prometheus metrics
  rasd serve --config rasd.yaml --metrics-addr :9465

  # Feed a synthetic 2-subevent procedure every second, dump the PDU trace on exit
  rasd serve --synthetic-interval 1s --synthetic-subevents 2 --trace`,
	Args: cobra.NoArgs,
	RunE: runServe,
}

var (
	serveConfigPath         string
	serveDeviceName         string
	serveHCIDevice          int
	serveMetricsAddr        string
	serveSyntheticInterval  time.Duration
	serveSyntheticSubevents int
	serveSyntheticSteps     int
	serveTrace              bool
)

func init() {
	serveCmd.Flags().StringVar(&serveConfigPath, "config", "", "YAML configuration file")
	serveCmd.Flags().StringVar(&serveDeviceName, "name", "", "Advertised device name (overrides config)")
	serveCmd.Flags().IntVar(&serveHCIDevice, "hci", 0, "HCI adapter index (linux)")
	serveCmd.Flags().StringVar(&serveMetricsAddr, "metrics-addr", "", "Serve Prometheus metrics on this address (overrides config)")
	serveCmd.Flags().DurationVar(&serveSyntheticInterval, "synthetic-interval", 0, "Feed subscribed peers a synthetic procedure at this interval (0 disables)")
	serveCmd.Flags().IntVar(&serveSyntheticSubevents, "synthetic-subevents", 1, "Subevents per synthetic procedure")
	serveCmd.Flags().IntVar(&serveSyntheticSteps, "synthetic-steps", 8, "Steps per synthetic subevent")
	serveCmd.Flags().BoolVar(&serveTrace, "trace", false, "Print the most recent PDUs on exit")
}

// loadServeConfig reads the config file and applies flag overrides.
func loadServeConfig(cmd *cobra.Command) (*config.Config, error) {
	cfg, err := config.Load(serveConfigPath)
	if err != nil {
		return nil, err
	}
	if cmd.Flags().Changed("name") {
		cfg.DeviceName = serveDeviceName
	}
	if cmd.Flags().Changed("metrics-addr") {
		cfg.MetricsAddr = serveMetricsAddr
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// daemon wires the service stack that serve runs.
type daemon struct {
	cfg      *config.Config
	logger   *logrus.Logger
	loop     *runloop.Loop
	server   *gattsrv.Server
	recorder *trace.Recorder
	service  *ras.Service
	registry *prometheus.Registry
}

func newDaemon(cfg *config.Config, logger *logrus.Logger) *daemon {
	registry := prometheus.NewRegistry()
	observer := metrics.NewObserver(registry)
	loop := runloop.New(runloop.DefaultQueueDepth, logger)

	server := gattsrv.NewServer(loop, gattsrv.Options{
		MaxPeers:   cfg.MaxConnections,
		Features:   cfg.Features,
		QueueDepth: gattsrv.QueueDepthFor(max(cfg.MaxBodySize, cfg.RealTimeBufferSize)),
		Observer:   observer,
		Logger:     logger,
	})
	recorder := trace.NewRecorder(server, cfg.TraceCapacity)
	service := ras.NewService(recorder, ras.Options{
		Capacity:           cfg.MaxConnections,
		AckTimeout:         cfg.AckTimeout,
		DefaultMTU:         cfg.DefaultATTMTU,
		MaxBodySize:        cfg.MaxBodySize,
		RealTimeBufferSize: cfg.RealTimeBufferSize,
		MaxSegmentRecords:  cfg.MaxSegmentRecords,
		Clock:              loop,
		Observer:           observer,
		Logger:             logger,
	})
	server.Bind(service)

	return &daemon{
		cfg:      cfg,
		logger:   logger,
		loop:     loop,
		server:   server,
		recorder: recorder,
		service:  service,
		registry: registry,
	}
}

func runServe(cmd *cobra.Command, _ []string) error {
	logger, err := configureLogger(cmd, "verbose", logrus.InfoLevel)
	if err != nil {
		return err
	}
	cfg, err := loadServeConfig(cmd)
	if err != nil {
		return err
	}
	if !cmd.Flags().Changed("log-level") && !cmd.Flags().Changed("verbose") {
		logger.SetLevel(cfg.Level())
	}

	// All arguments validated - don't show usage on runtime errors
	cmd.SilenceUsage = true

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, unix.SIGTERM)
	defer stop()

	dev, err := devicefactory.Open(devicefactory.Options{HCIDevice: serveHCIDevice, Logger: logger})
	if err != nil {
		return err
	}
	defer func() {
		if err := dev.Stop(); err != nil {
			logger.WithError(err).Debug("Failed to stop adapter")
		}
	}()

	d := newDaemon(cfg, logger)
	if err := dev.AddService(d.server.Service()); err != nil {
		return fmt.Errorf("failed to register ranging service: %w", err)
	}

	err = d.run(ctx, dev)
	d.server.Close()

	if serveTrace {
		colored := isTerminal(cmd.OutOrStdout())
		if ferr := trace.Format(cmd.OutOrStdout(), d.recorder.Drain(), colored); ferr != nil {
			logger.WithError(ferr).Warn("Failed to print PDU trace")
		}
	}
	return err
}

// run serves until ctx is cancelled or a component fails.
func (d *daemon) run(ctx context.Context, dev ble.Device) error {
	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		return d.loop.Run(gctx)
	})

	g.Go(func() error {
		d.logger.WithFields(logrus.Fields{
			"name":    d.cfg.DeviceName,
			"service": gattsrv.ServiceUUID.String(),
		}).Info("Advertising ranging service")
		err := dev.AdvertiseNameAndServices(gctx, d.cfg.DeviceName, gattsrv.ServiceUUID)
		if err != nil && !errors.Is(err, context.Canceled) {
			return fmt.Errorf("advertising failed: %w", err)
		}
		return nil
	})

	if d.cfg.MetricsAddr != "" {
		srv := &http.Server{
			Addr:              d.cfg.MetricsAddr,
			Handler:           metrics.Handler(d.registry),
			ReadHeaderTimeout: 5 * time.Second,
		}
		g.Go(func() error {
			d.logger.WithField("addr", d.cfg.MetricsAddr).Info("Serving metrics")
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				return fmt.Errorf("metrics server: %w", err)
			}
			return nil
		})
		g.Go(func() error {
			<-gctx.Done()
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
			defer cancel()
			return srv.Shutdown(shutdownCtx)
		})
	}

	if serveSyntheticInterval > 0 {
		feeder := newSyntheticFeeder(d.loop, d.service, scenario.ProcedureSpec{
			Subevents:    serveSyntheticSubevents,
			Steps:        serveSyntheticSteps,
			AntennaPaths: 1,
			Seed:         time.Now().UnixNano(),
		}, d.logger)
		g.Go(func() error {
			return feeder.run(gctx, serveSyntheticInterval)
		})
	}

	return g.Wait()
}

// syntheticFeeder stands in for a Channel Sounding controller: every tick it
// delivers one generated procedure to each subscribed peer.
type syntheticFeeder struct {
	loop      *runloop.Loop
	service   *ras.Service
	template  scenario.ProcedureSpec
	producers map[ras.DeviceID]*scenario.Producer
	logger    *logrus.Logger
}

func newSyntheticFeeder(loop *runloop.Loop, service *ras.Service, template scenario.ProcedureSpec, logger *logrus.Logger) *syntheticFeeder {
	return &syntheticFeeder{
		loop:      loop,
		service:   service,
		template:  template,
		producers: make(map[ras.DeviceID]*scenario.Producer),
		logger:    logger,
	}
}

func (f *syntheticFeeder) run(ctx context.Context, interval time.Duration) error {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			if err := f.loop.Post(f.tick); err != nil {
				return nil
			}
		}
	}
}

// tick runs on the loop.
func (f *syntheticFeeder) tick() {
	reg := f.service.Registry()
	for _, sess := range reg.Sessions() {
		if !reg.IsSubscribed(sess.ID) {
			delete(f.producers, sess.ID)
			continue
		}
		p, ok := f.producers[sess.ID]
		if !ok {
			p = scenario.NewProducer(f.template)
			f.producers[sess.ID] = p
		}
		for _, ev := range p.Next() {
			if err := f.service.OnSubeventData(sess.ID, ev); err != nil {
				f.logger.WithField("device_id", sess.ID).WithError(err).Debug("Synthetic subevent not accepted")
				break
			}
		}
	}
}
