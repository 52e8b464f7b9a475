//go:build !windows

package main

import (
	"os"

	"github.com/sirupsen/logrus"
)

// HookLogger leaves logs on stdout, where the init system collects them.
func HookLogger(l *logrus.Logger) {
	l.Out = os.Stdout
}
