package logger

import (
	"io"
	"os"

	"github.com/sirupsen/logrus"
)

type Logger struct {
	*logrus.Logger
}

// NewLogger logs to stdout, at debug level when verbose is set.
func NewLogger(verbose bool) *Logger {
	return New(os.Stdout, verbose)
}

// New logs to w. Commands whose stdout carries data log to stderr instead.
func New(w io.Writer, verbose bool) *Logger {
	log := logrus.New()
	log.SetOutput(w)
	log.SetFormatter(&logrus.TextFormatter{
		FullTimestamp: true,
		ForceColors:   w == os.Stdout || w == os.Stderr,
	})

	if verbose {
		log.SetLevel(logrus.DebugLevel)
	} else {
		log.SetLevel(logrus.InfoLevel)
	}

	return &Logger{Logger: log}
}

// Quiet discards everything, for callers that own the terminal.
func Quiet() *Logger {
	return New(io.Discard, false)
}

// Entity tags an entry with the entity it concerns.
func (l *Logger) Entity(name string) *logrus.Entry {
	return l.WithField("entity", name)
}
