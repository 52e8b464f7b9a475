package main

import (
	"io"

	"github.com/kardianos/service"
	"github.com/sirupsen/logrus"
)

// HookLogger sends logrus entries to the service logger so they show up in
// the Windows Event Viewer. The regular output is discarded.
func HookLogger(l *logrus.Logger) {
	l.AddHook(&eventLogHook{sl: logger})
	l.SetOutput(io.Discard)
}

type eventLogHook struct {
	sl service.Logger
}

func (h *eventLogHook) Fire(entry *logrus.Entry) error {
	line, err := entry.String()
	if err != nil {
		return err
	}

	switch {
	case entry.Level <= logrus.ErrorLevel:
		return h.sl.Error(line)
	case entry.Level == logrus.WarnLevel:
		return h.sl.Warning(line)
	case entry.Level <= logrus.DebugLevel:
		return h.sl.Info(line)
	}
	return nil
}

func (h *eventLogHook) Levels() []logrus.Level {
	return logrus.AllLevels
}
