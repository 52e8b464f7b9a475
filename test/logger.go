package test

import (
	"io"
	"os"

	"github.com/sirupsen/logrus"
	"github.com/sirupsen/logrus/hooks/test"
)

// NewLogger returns a logger that discards everything unless TEST_LOGS is
// set. TEST_LOGS=2 enables debug and TEST_LOGS=3 trace output.
func NewLogger() *logrus.Logger {
	l := logrus.New()

	v := os.Getenv("TEST_LOGS")
	if v == "" {
		l.SetOutput(io.Discard)
		return l
	}

	switch v {
	case "2":
		l.SetLevel(logrus.DebugLevel)
	case "3":
		l.SetLevel(logrus.TraceLevel)
	default:
		l.SetLevel(logrus.InfoLevel)
	}

	return l
}

// NewLoggerWithHook returns a debug level logger whose entries are kept by
// the hook for assertions, in addition to the output of NewLogger.
func NewLoggerWithHook() (*logrus.Logger, *test.Hook) {
	l := NewLogger()
	l.SetLevel(logrus.DebugLevel)
	return l, test.NewLocal(l)
}
