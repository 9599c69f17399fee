package logger

import (
	"os"

	"github.com/rs/zerolog"
)

// Package-level variable that holds our configured logger instance.
// It starts with a disabled logger to be safe until it's initialized.
var Log zerolog.Logger = zerolog.New(nil).Level(zerolog.Disabled)

// InitLogger initializes the global logger with the desired configuration.
// This function should be called once, from main(). In development mode
// output is a human-friendly console writer at debug level; otherwise it's
// plain JSON on stdout at info level, suitable for the collector running
// under a process supervisor that captures stdout.
func InitLogger(isDevelopment bool) {
	zerolog.TimeFieldFormat = zerolog.TimeFormatUnixMicro // Use microsecond precision

	base := zerolog.New(os.Stdout).With().Timestamp()
	if isDevelopment {
		zerolog.SetGlobalLevel(zerolog.DebugLevel)
		outputWriter := zerolog.ConsoleWriter{
			Out:        os.Stdout,
			TimeFormat: "15:04:05.000000", // Microsecond precision
		}
		Log = zerolog.New(outputWriter).With().Timestamp().Caller().Logger()
		return
	}

	zerolog.SetGlobalLevel(zerolog.InfoLevel)
	Log = base.Logger()
}

// Get returns the global logger instance.
// This is useful if you need to pass the logger to other libraries that don't use this package directly.
func Get() *zerolog.Logger {
	return &Log
}
