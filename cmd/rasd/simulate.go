package main

import (
	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
	"github.com/srg/rasd/internal/ras"
	"github.com/srg/rasd/internal/scenario"
	"github.com/srg/rasd/pkg/config"
)

// simulateCmd represents the simulate command
var simulateCmd = &cobra.Command{
	Use:   "simulate <scenario.yaml>",
	Short: "Run a scripted peer scenario against the ranging service",
	Long: `Runs a YAML scenario (procedures, subscriptions, control-point commands,
clock advances) against an in-memory ranging service and prints every PDU the
service emitted. The command fails when an expect step does not hold.

Examples:
  # Print the PDU transcript
  rasd simulate scenarios/on_demand.yaml

  # Machine-readable report
  rasd simulate scenarios/on_demand.yaml --json

  # Service limits from a daemon config, overridden by the scenario settings
  rasd simulate scenarios/on_demand.yaml --config rasd.yaml`,
	Args: cobra.ExactArgs(1),
	RunE: runSimulate,
}

var (
	simulateJSON       bool
	simulateConfigPath string
)

func init() {
	simulateCmd.Flags().BoolVar(&simulateJSON, "json", false, "Print the report as JSON")
	simulateCmd.Flags().StringVar(&simulateConfigPath, "config", "", "YAML configuration supplying base service options")
}

func runSimulate(cmd *cobra.Command, args []string) error {
	logger, err := configureLogger(cmd, "verbose", logrus.PanicLevel)
	if err != nil {
		return err
	}

	cfg, err := config.Load(simulateConfigPath)
	if err != nil {
		return err
	}
	sc, err := scenario.Load(args[0])
	if err != nil {
		return err
	}

	cmd.SilenceUsage = true

	runner := scenario.NewRunner(ras.Options{
		Capacity:           cfg.MaxConnections,
		AckTimeout:         cfg.AckTimeout,
		DefaultMTU:         cfg.DefaultATTMTU,
		MaxBodySize:        cfg.MaxBodySize,
		RealTimeBufferSize: cfg.RealTimeBufferSize,
		MaxSegmentRecords:  cfg.MaxSegmentRecords,
	}, logger)

	report, runErr := runner.Run(sc)
	if report != nil {
		var werr error
		if simulateJSON {
			werr = report.WriteJSON(cmd.OutOrStdout())
		} else {
			werr = report.WriteText(cmd.OutOrStdout())
		}
		if werr != nil {
			return werr
		}
	}
	return runErr
}
