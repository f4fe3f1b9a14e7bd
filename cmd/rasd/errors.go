package main

import (
	"errors"
	"fmt"
	"os"

	"github.com/srg/rasd/internal/ras"
	"github.com/srg/rasd/internal/scenario"
	"github.com/srg/rasd/pkg/config"
)

// Command-level errors
var (
	ErrInvalidLogLevel = errors.New("invalid log level")
	ErrInvalidHex      = errors.New("invalid hex input")
	ErrUnknownKind     = errors.New("unknown PDU kind")
)

// FormatUserError turns an error chain into a one-line message for the
// terminal, replacing internal wrapping with a hint where one helps.
func FormatUserError(err error) string {
	var decodeErr *ras.DecodeError
	switch {
	case errors.Is(err, os.ErrPermission):
		return fmt.Sprintf("%v (Bluetooth access usually needs root or CAP_NET_ADMIN)", err)
	case errors.Is(err, config.ErrInvalidConfig):
		return fmt.Sprintf("%v (see --config)", err)
	case errors.Is(err, scenario.ErrInvalidScenario):
		return fmt.Sprintf("%v (see rasd simulate --help for the scenario format)", err)
	case errors.As(err, &decodeErr):
		return fmt.Sprintf("truncated input: %s needs %d bytes at offset %d, %d left",
			decodeErr.Field, decodeErr.Need, decodeErr.Offset, decodeErr.Have)
	}
	return err.Error()
}
