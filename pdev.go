package wlandp

import (
	"fmt"
	"sync"

	"github.com/sirupsen/logrus"
	"github.com/slackhq/wlandp/hal"
	"github.com/slackhq/wlandp/host"
	"github.com/slackhq/wlandp/srng"
)

const (
	// Rx buffer cookies are the pdev id above the buffer index.
	rxBufCookieShift = 16
	maxRxBufs        = 1 << rxBufCookieShift
)

// PDev is one radio. It owns an Rx refill ring stocked with buffers from its
// own coherent allocation, and the vdevs created on it.
type PDev struct {
	soc *SoC
	id  int

	// mu guards the buffer state and producing into the refill ring.
	mu      sync.Mutex
	refill  *srng.Ring
	bufs    host.Region
	bufSize int
	nbufs   int
	free    []uint32
	posted  []bool

	// Guarded by soc.graphMu.
	vdevs    map[int]*VDev
	detached bool
}

// AttachPDev sets up radio id and stocks its refill ring.
func (s *SoC) AttachPDev(id int) (_ *PDev, err error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.attached {
		return nil, ErrNotAttached
	}
	if id < 0 || id >= MaxPDevs {
		return nil, fmt.Errorf("%w: pdev id %d out of range", hal.ErrConfiguration, id)
	}
	if s.PDev(id) != nil {
		return nil, fmt.Errorf("pdev %d is already attached", id)
	}

	pd := &PDev{
		soc:     s,
		id:      id,
		bufSize: s.cfg.RxBufSize,
		vdevs:   make(map[int]*VDev),
	}

	pd.refill, err = srng.Setup(s.l, s.hw.Engine, s.hw.Alloc, hal.RXDMABuf, id, id, s.cfg.RingSizes.RxRefill)
	if err != nil {
		return nil, fmt.Errorf("pdev %d refill ring: %w", id, err)
	}

	// One entry of a full ring stays empty.
	pd.nbufs = pd.refill.Entries() - 1
	pd.bufs, err = s.hw.Alloc.AllocCoherent(pd.nbufs * pd.bufSize)
	if err != nil {
		pd.refill.Cleanup()
		return nil, fmt.Errorf("%w: pdev %d rx buffers: %w", hal.ErrAllocation, id, err)
	}

	pd.posted = make([]bool, pd.nbufs)
	pd.free = make([]uint32, pd.nbufs)
	for i := range pd.free {
		pd.free[i] = uint32(pd.nbufs - 1 - i)
	}
	n := pd.Refill()

	s.pdevMu.Lock()
	s.pdevs[id] = pd
	s.pdevMu.Unlock()

	s.l.WithFields(logrus.Fields{
		"pdev":    id,
		"buffers": pd.nbufs,
		"posted":  n,
		"bufSize": pd.bufSize,
	}).Info("PDev attached")
	return pd, nil
}

// PDev returns an attached radio or nil.
func (s *SoC) PDev(id int) *PDev {
	if id < 0 || id >= MaxPDevs {
		return nil
	}
	s.pdevMu.RLock()
	defer s.pdevMu.RUnlock()
	return s.pdevs[id]
}

func (pd *PDev) ID() int { return pd.id }

// RefillRing returns the buffer supply ring of the radio, nil once detached.
func (pd *PDev) RefillRing() *srng.Ring {
	pd.mu.Lock()
	defer pd.mu.Unlock()
	return pd.refill
}

// FreeBuffers returns how many rx buffers are waiting to be posted.
func (pd *PDev) FreeBuffers() int {
	pd.mu.Lock()
	defer pd.mu.Unlock()
	return len(pd.free)
}

// Refill hands every free rx buffer that fits to hardware and returns how
// many were posted.
func (pd *PDev) Refill() int {
	pd.mu.Lock()
	defer pd.mu.Unlock()

	if pd.refill == nil || len(pd.free) == 0 {
		return 0
	}

	eng := pd.soc.hw.Engine
	n := 0
	err := pd.refill.Produce(func(p *srng.Producer) error {
		for len(pd.free) > 0 {
			e := p.Next()
			if e == nil {
				break
			}
			idx := pd.free[len(pd.free)-1]
			pd.free = pd.free[:len(pd.free)-1]
			eng.SetLinkDescAddr(e, pd.cookie(idx), pd.bufPaddr(idx))
			pd.posted[idx] = true
			n++
		}
		return nil
	})
	if err != nil {
		pd.soc.l.WithError(err).WithField("pdev", pd.id).Error("Failed to refill rx buffers")
	}
	return n
}

// Buffer returns the memory of the rx buffer a REO entry points at.
func (pd *PDev) Buffer(cookie uint32) ([]byte, bool) {
	pd.mu.Lock()
	defer pd.mu.Unlock()

	idx := int(cookie & (maxRxBufs - 1))
	if int(cookie>>rxBufCookieShift) != pd.id || idx >= pd.nbufs || pd.bufs.IsZero() {
		return nil, false
	}
	off := idx * pd.bufSize
	return pd.bufs.Virt[off : off+pd.bufSize], true
}

func (pd *PDev) cookie(idx uint32) uint32 {
	return uint32(pd.id)<<rxBufCookieShift | idx
}

func (pd *PDev) bufPaddr(idx uint32) uint64 {
	return pd.bufs.Phys + uint64(idx)*uint64(pd.bufSize)
}

// returnBuffer takes back a buffer hardware is done with. It refuses
// buffers it never posted.
func (pd *PDev) returnBuffer(idx uint32, paddr uint64) bool {
	pd.mu.Lock()
	defer pd.mu.Unlock()

	if int(idx) >= pd.nbufs || !pd.posted[idx] || pd.bufPaddr(idx) != paddr {
		return false
	}
	pd.posted[idx] = false
	pd.free = append(pd.free, idx)
	return true
}

// Detach deletes every vdev of the radio and tears down its refill ring.
func (pd *PDev) Detach() {
	s := pd.soc
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.PDev(pd.id) != pd {
		return
	}
	s.detachPDev(pd)
}

func (s *SoC) detachPDev(pd *PDev) {
	s.pdevMu.Lock()
	s.pdevs[pd.id] = nil
	s.pdevMu.Unlock()

	pd.deleteVDevs()

	pd.mu.Lock()
	pd.refill.Cleanup()
	pd.refill = nil
	s.hw.Alloc.FreeCoherent(pd.bufs)
	pd.bufs = host.Region{}
	pd.free = nil
	pd.mu.Unlock()

	s.l.WithField("pdev", pd.id).Info("PDev detached")
}

func (s *SoC) detachPDevs() {
	for i := MaxPDevs - 1; i >= 0; i-- {
		if pd := s.PDev(i); pd != nil {
			s.detachPDev(pd)
		}
	}
}

func (s *SoC) returnRxBuffer(cookie uint32, paddr uint64) bool {
	id := int(cookie >> rxBufCookieShift)
	if id >= MaxPDevs {
		return false
	}

	s.pdevMu.RLock()
	defer s.pdevMu.RUnlock()
	pd := s.pdevs[id]
	if pd == nil {
		return false
	}
	return pd.returnBuffer(cookie&(maxRxBufs-1), paddr)
}

func (s *SoC) refillPDevs() {
	s.pdevMu.RLock()
	defer s.pdevMu.RUnlock()
	for _, pd := range s.pdevs {
		if pd != nil {
			pd.Refill()
		}
	}
}
