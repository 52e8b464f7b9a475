package wlandp

import (
	"errors"
	"fmt"
	"net"
	"slices"

	"github.com/sirupsen/logrus"
)

var (
	ErrPeerLimit    = errors.New("peer limit reached")
	ErrVDevDeleting = errors.New("vdev is being deleted")
)

// VDev is a virtual interface on a radio. Deleting a vdev that still has
// peers only marks it, it is released once the last peer is freed.
type VDev struct {
	pdev *PDev
	id   int
	mac  net.HardwareAddr

	// Guarded by soc.graphMu.
	peers         map[string]*Peer
	live          int
	deletePending bool
	released      bool
	onRelease     func(*VDev)
}

func (pd *PDev) CreateVDev(id int, mac net.HardwareAddr) (*VDev, error) {
	s := pd.soc
	s.graphMu.Lock()
	defer s.graphMu.Unlock()

	if pd.detached {
		return nil, fmt.Errorf("pdev %d is detached", pd.id)
	}
	if _, ok := pd.vdevs[id]; ok {
		return nil, fmt.Errorf("vdev %d already exists on pdev %d", id, pd.id)
	}

	v := &VDev{
		pdev:  pd,
		id:    id,
		mac:   slices.Clone(mac),
		peers: make(map[string]*Peer),
	}
	pd.vdevs[id] = v

	s.l.WithFields(logrus.Fields{"pdev": pd.id, "vdev": id, "mac": v.mac}).Debug("VDev created")
	return v, nil
}

// VDev returns a vdev that has not been released yet.
func (pd *PDev) VDev(id int) (*VDev, bool) {
	pd.soc.graphMu.Lock()
	defer pd.soc.graphMu.Unlock()
	v, ok := pd.vdevs[id]
	return v, ok
}

func (v *VDev) ID() int               { return v.id }
func (v *VDev) MAC() net.HardwareAddr { return v.mac }
func (v *VDev) PDev() *PDev           { return v.pdev }

// OnRelease sets fn to be called once the vdev is finally released.
func (v *VDev) OnRelease(fn func(*VDev)) {
	v.pdev.soc.graphMu.Lock()
	defer v.pdev.soc.graphMu.Unlock()
	v.onRelease = fn
}

// Released reports whether the vdev is gone for good.
func (v *VDev) Released() bool {
	v.pdev.soc.graphMu.Lock()
	defer v.pdev.soc.graphMu.Unlock()
	return v.released
}

// Peers returns the number of peers still on the vdev's list.
func (v *VDev) Peers() int {
	v.pdev.soc.graphMu.Lock()
	defer v.pdev.soc.graphMu.Unlock()
	return len(v.peers)
}

// Delete marks the vdev for deletion and reports whether it is released. No
// peers can be created on it afterwards.
func (v *VDev) Delete() bool {
	s := v.pdev.soc
	s.graphMu.Lock()
	v.deletePending = true
	gone := v.released
	release := v.releaseLocked()
	live := v.live
	s.graphMu.Unlock()

	if gone {
		return true
	}
	if release == nil {
		s.l.WithFields(logrus.Fields{"vdev": v.id, "peers": live}).Debug("VDev delete deferred until its peers are gone")
		return false
	}
	release()
	return true
}

// releaseLocked returns the release callback when the vdev just became
// releasable, nil otherwise.
func (v *VDev) releaseLocked() func() {
	if !v.deletePending || v.released || v.live > 0 {
		return nil
	}
	v.released = true
	delete(v.pdev.vdevs, v.id)

	cb := v.onRelease
	return func() {
		v.pdev.soc.l.WithFields(logrus.Fields{"pdev": v.pdev.id, "vdev": v.id}).Debug("VDev released")
		if cb != nil {
			cb(v)
		}
	}
}

// CreatePeer adds a peer to the vdev and the SoC peer index. The vdev holds
// one reference until DeletePeer, the returned peer carries another that the
// caller must Release, as with FindPeer.
func (v *VDev) CreatePeer(mac net.HardwareAddr) (*Peer, error) {
	s := v.pdev.soc
	s.graphMu.Lock()
	defer s.graphMu.Unlock()

	if v.deletePending {
		return nil, fmt.Errorf("%w: vdev %d", ErrVDevDeleting, v.id)
	}

	key := mac.String()
	if _, ok := s.peers.Get(key); ok {
		return nil, fmt.Errorf("peer %s already exists", key)
	}
	if s.peers.Len() >= s.cfg.MaxClients {
		return nil, fmt.Errorf("%w: %d peers", ErrPeerLimit, s.cfg.MaxClients)
	}

	p := &Peer{vdev: v, mac: slices.Clone(mac)}
	p.refs.Store(2)
	v.peers[key] = p
	v.live++
	s.peers.Insert(key, p)

	s.l.WithFields(logrus.Fields{"vdev": v.id, "peer": key}).Debug("Peer created")
	return p, nil
}

// DeletePeer takes the peer off the vdev and out of the index, dropping the
// vdev's reference. The peer is freed once every other reference is
// released.
func (v *VDev) DeletePeer(mac net.HardwareAddr) error {
	s := v.pdev.soc
	key := mac.String()

	s.graphMu.Lock()
	p, ok := v.peers[key]
	if ok {
		v.unlinkLocked(key, p)
	}
	s.graphMu.Unlock()

	if !ok {
		return fmt.Errorf("no peer %s on vdev %d", key, v.id)
	}
	p.Release()
	return nil
}

func (v *VDev) unlinkLocked(key string, p *Peer) {
	delete(v.peers, key)
	v.pdev.soc.peers.Delete(key)
	p.deleted = true
}

// deleteVDevs deletes every vdev of the radio along with its peers.
func (pd *PDev) deleteVDevs() {
	s := pd.soc

	s.graphMu.Lock()
	pd.detached = true
	var peers []*Peer
	vdevs := make([]*VDev, 0, len(pd.vdevs))
	for _, v := range pd.vdevs {
		v.deletePending = true
		for key, p := range v.peers {
			v.unlinkLocked(key, p)
			peers = append(peers, p)
		}
		vdevs = append(vdevs, v)
	}
	s.graphMu.Unlock()

	for _, p := range peers {
		p.Release()
	}

	// Vdevs whose peers were all freed above already released themselves.
	for _, v := range vdevs {
		if v.Delete() {
			continue
		}
		s.l.WithFields(logrus.Fields{"pdev": pd.id, "vdev": v.id}).Warn("VDev still has referenced peers after its pdev detached")
	}
}
