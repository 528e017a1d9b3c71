// Package logging configures zerolog for the command line tool.
package logging

import (
	"fmt"
	"io"
	stdlog "log"
	"os"

	"github.com/rs/zerolog"
)

const rfc3339Milli = "2006-01-02T15:04:05.000Z07:00"

// Setup builds the process logger. An empty logFile writes human readable
// lines to stderr, "-" writes JSON to stderr, anything else appends JSON to
// that file. The returned close function releases the file, if any. The
// standard library logger is routed through the result.
func Setup(levelName, logFile string) (zerolog.Logger, func() error, error) {
	zerolog.TimeFieldFormat = rfc3339Milli
	zerolog.DurationFieldInteger = true

	closer := func() error { return nil }
	var out io.Writer
	switch logFile {
	case "":
		out = zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: "15:04:05"}
	case "-":
		out = os.Stderr
	default:
		f, err := os.OpenFile(logFile, os.O_WRONLY|os.O_CREATE|os.O_APPEND, 0644)
		if err != nil {
			return zerolog.Nop(), closer, fmt.Errorf("log_file: %w", err)
		}
		out, closer = f, f.Close
	}

	logger, err := New(out, levelName)
	if err != nil {
		closer()
		return zerolog.Nop(), func() error { return nil }, err
	}
	stdlog.SetFlags(0)
	stdlog.SetOutput(logger)
	return logger, closer, nil
}

// New returns a timestamped logger writing to w at the named level, which
// defaults to info.
func New(w io.Writer, levelName string) (zerolog.Logger, error) {
	if levelName == "" {
		levelName = zerolog.InfoLevel.String()
	}
	level, err := zerolog.ParseLevel(levelName)
	if err != nil {
		return zerolog.Nop(), fmt.Errorf("log_level: %w", err)
	}
	return zerolog.New(w).Level(level).With().Timestamp().Logger(), nil
}
