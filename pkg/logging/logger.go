// Package logging builds the root logger and logs diagnostics of dump targets.
package logging

import (
	"io"
	"os"

	"github.com/bombsimon/logrusr/v4"
	"github.com/go-logr/logr"
	"github.com/sirupsen/logrus"
)

// ConfigureLogger returns an info-level root logger writing JSON lines to
// "stdout" or "stderr".
func ConfigureLogger(output string) logr.Logger {
	return ConfigureLoggerLevel(output, 0)
}

// ConfigureLoggerLevel is ConfigureLogger with a logr verbosity: 1 enables
// debug messages, 2 and above trace messages.
func ConfigureLoggerLevel(output string, verbosity int) logr.Logger {
	return newLogger(writerFor(output), verbosity)
}

func newLogger(w io.Writer, verbosity int) logr.Logger {
	l := logrus.New()
	l.SetOutput(w)
	l.SetFormatter(&logrus.JSONFormatter{})
	l.SetLevel(levelFor(verbosity))
	return logrusr.New(l)
}

func writerFor(output string) io.Writer {
	if output == "stderr" {
		return os.Stderr
	}
	return os.Stdout
}

// levelFor maps logr verbosity onto logrus levels: V(0) is Info, V(1)
// Debug and anything higher Trace.
func levelFor(verbosity int) logrus.Level {
	switch {
	case verbosity <= 0:
		return logrus.InfoLevel
	case verbosity == 1:
		return logrus.DebugLevel
	default:
		return logrus.TraceLevel
	}
}
