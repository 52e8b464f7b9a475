package wlandp

import (
	"net"
	"sync/atomic"

	"github.com/sirupsen/logrus"
)

// Peer is a station associated to a vdev. It is reference counted and
// freed when the last reference is released.
type Peer struct {
	vdev *VDev
	mac  net.HardwareAddr
	refs atomic.Int32

	// Guarded by soc.graphMu.
	deleted bool
}

func (p *Peer) MAC() net.HardwareAddr { return p.mac }
func (p *Peer) VDev() *VDev           { return p.vdev }

// Refs returns the current reference count.
func (p *Peer) Refs() int {
	return int(p.refs.Load())
}

// Release drops a reference taken by CreatePeer or FindPeer.
func (p *Peer) Release() {
	n := p.refs.Add(-1)
	switch {
	case n > 0:
		return
	case n < 0:
		p.vdev.pdev.soc.l.WithField("peer", p.mac.String()).Error("Peer released more often than referenced")
		return
	}
	p.free()
}

func (p *Peer) free() {
	v := p.vdev
	s := v.pdev.soc

	s.graphMu.Lock()
	v.live--
	release := v.releaseLocked()
	s.graphMu.Unlock()

	s.l.WithFields(logrus.Fields{"vdev": v.id, "peer": p.mac.String()}).Debug("Peer freed")
	if release != nil {
		release()
	}
}
