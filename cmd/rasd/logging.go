package main

import (
	"fmt"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
)

// cliLogLevels are the names accepted by --log-level. trace additionally
// logs every PDU handed to the transport.
var cliLogLevels = map[string]logrus.Level{
	"trace": logrus.TraceLevel,
	"debug": logrus.DebugLevel,
	"info":  logrus.InfoLevel,
	"warn":  logrus.WarnLevel,
	"error": logrus.ErrorLevel,
}

// configureLogger builds the command's stderr logger. --log-level beats
// --verbose (debug); with neither set the logger runs at fallback.
func configureLogger(cmd *cobra.Command, verboseFlagName string, fallback logrus.Level) (*logrus.Logger, error) {
	level := fallback
	if name, _ := cmd.Flags().GetString("log-level"); name != "" {
		l, ok := cliLogLevels[name]
		if !ok {
			return nil, fmt.Errorf("%w: %q (want trace, debug, info, warn or error)", ErrInvalidLogLevel, name)
		}
		level = l
	} else if verbose, _ := cmd.Flags().GetBool(verboseFlagName); verbose {
		level = logrus.DebugLevel
	}

	logger := logrus.New()
	logger.SetOutput(cmd.ErrOrStderr())
	logger.SetLevel(level)
	logger.SetFormatter(&logrus.TextFormatter{
		FullTimestamp:   true,
		TimestampFormat: time.RFC3339,
	})
	return logger, nil
}
