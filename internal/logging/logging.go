// Package logging constructs the process-wide structured logger described
// in §10.1 of SPEC_FULL.md: logrus with an optional rotating file sink.
package logging

import (
	"io"
	"os"

	"github.com/sirupsen/logrus"
	"gopkg.in/natefinch/lumberjack.v2"
)

// Options configures the logger.
type Options struct {
	Debug   bool
	LogFile string
}

// New builds a *logrus.Logger. When opts.LogFile is empty, output goes to
// stderr, matching the teacher daemon's console-only behavior; otherwise a
// lumberjack-rotated file sink is used, grounded on k3s-io-k3s's logging
// setup.
func New(opts Options) *logrus.Logger {
	logger := logrus.New()
	logger.SetFormatter(&logrus.TextFormatter{
		FullTimestamp: true,
	})

	var out io.Writer = os.Stderr
	if opts.LogFile != "" {
		out = &lumberjack.Logger{
			Filename:   opts.LogFile,
			MaxSize:    10, // MB
			MaxBackups: 3,
			MaxAge:     28, // days
		}
	}
	logger.SetOutput(out)

	level := logrus.InfoLevel
	if opts.Debug {
		level = logrus.DebugLevel
	}
	logger.SetLevel(level)
	return logger
}

// For creates a field-tagged entry for a component, matching the
// "component=<name>" convention every subsystem in this daemon uses.
func For(logger *logrus.Logger, component string) *logrus.Entry {
	return logger.WithField("component", component)
}
