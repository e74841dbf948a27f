// Package logging builds the process logger from configuration and CLI flags.
//
// Engine packages take a logrus.FieldLogger; only the CLI constructs one.
// Without flags only warnings and errors reach stderr. --verbose lowers the
// level to info and --debug to debug, overriding the configured level.
package logging

import (
	"fmt"
	"io"
	"os"

	"github.com/sirupsen/logrus"
)

// Options selects the level and destination of a logger
type Options struct {
	// Level is a logrus level name; empty means "warn"
	Level   string
	Verbose bool
	Debug   bool
	Output  io.Writer
	// JSON switches to the JSON formatter
	JSON bool
}

// New returns a configured logger
func New(opts Options) (*logrus.Logger, error) {
	level, err := resolveLevel(opts)
	if err != nil {
		return nil, err
	}

	out := opts.Output
	if out == nil {
		out = os.Stderr
	}

	logger := logrus.New()
	logger.SetOutput(out)
	logger.SetLevel(level)
	if opts.JSON {
		logger.SetFormatter(&logrus.JSONFormatter{})
	} else {
		logger.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})
	}
	return logger, nil
}

func resolveLevel(opts Options) (logrus.Level, error) {
	switch {
	case opts.Debug:
		return logrus.DebugLevel, nil
	case opts.Verbose:
		return logrus.InfoLevel, nil
	case opts.Level == "":
		return logrus.WarnLevel, nil
	}

	level, err := logrus.ParseLevel(opts.Level)
	if err != nil {
		return logrus.WarnLevel, fmt.Errorf("invalid log level %q: %w", opts.Level, err)
	}
	return level, nil
}
