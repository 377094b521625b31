package main

import (
	"log/slog"
	"os"

	"github.com/carhud/obdtelemetry/internal/logging"
)

func setupLogger(format, level string) *slog.Logger {
	l := logging.New(format, logging.ParseLevel(level), os.Stderr).With("app", "obd-telemetryd")
	logging.Set(l)
	return l
}
