package main

import (
	"net"
	"os"
	"time"

	"github.com/sirupsen/logrus"
)

// sdNotifyReady tells systemd the datapath is attached, STATUS= carries a
// one line summary shown by systemctl status.
// https://www.freedesktop.org/software/systemd/man/sd_notify.html
const sdNotifyReady = "READY=1"

func notifyReady(l *logrus.Logger, status string) {
	sockName := os.Getenv("NOTIFY_SOCKET")
	if sockName == "" {
		l.Debugln("NOTIFY_SOCKET not set, not notifying systemd")
		return
	}

	conn, err := net.DialTimeout("unixgram", sockName, time.Second)
	if err != nil {
		l.WithError(err).Error("Failed to connect to the systemd notification socket")
		return
	}
	defer conn.Close()

	if err := conn.SetWriteDeadline(time.Now().Add(time.Second)); err != nil {
		l.WithError(err).Error("Failed to set a write deadline on the systemd notification socket")
		return
	}

	msg := sdNotifyReady + "\nSTATUS=" + status
	if _, err := conn.Write([]byte(msg)); err != nil {
		l.WithError(err).Error("Failed to notify systemd")
		return
	}

	l.WithField("status", status).Debug("Notified systemd the datapath is ready")
}
