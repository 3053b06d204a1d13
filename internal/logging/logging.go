// Package logging configures the structured logger shared by every
// component in this module, following the teacher's logrus idiom
// (internal/vm/machine_linux.go's log.New()/SetLevel()).
package logging

import (
	"os"

	log "github.com/sirupsen/logrus"
)

// Options configures Setup.
type Options struct {
	// Level is one of logrus's level strings (trace, debug, info, warn,
	// error). Defaults to "info" if empty or unparseable.
	Level string
	// JSON selects the JSON formatter instead of the default text one, for
	// hosts that want to pipe aerodiskd's log output into a log aggregator.
	JSON bool
}

// Setup builds a *log.Logger per opts, writing to stderr so stdout stays
// free for the worker's message transport.
func Setup(opts Options) *log.Logger {
	logger := log.New()
	logger.SetOutput(os.Stderr)

	level, err := log.ParseLevel(opts.Level)
	if err != nil {
		level = log.InfoLevel
	}
	logger.SetLevel(level)

	if opts.JSON {
		logger.SetFormatter(&log.JSONFormatter{})
	} else {
		logger.SetFormatter(&log.TextFormatter{FullTimestamp: true})
	}
	return logger
}
