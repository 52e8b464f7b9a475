package wlandp

import (
	"encoding/binary"
	"errors"
	"fmt"
	"net"
	"sync"

	"github.com/armon/go-radix"
	"github.com/sirupsen/logrus"
	"github.com/slackhq/wlandp/hal"
	"github.com/slackhq/wlandp/intr"
	"github.com/slackhq/wlandp/linkdesc"
	"github.com/slackhq/wlandp/srng"
)

var (
	ErrNotAttached = errors.New("soc is not attached")
	ErrTxRingFull  = errors.New("tcl data ring is full")
)

// SoC owns the common rings, the link descriptor pool, the interrupt contexts
// and the radios.
type SoC struct {
	l   *logrus.Logger
	cfg SoCConfig
	hw  Hardware

	mu       sync.Mutex
	attached bool

	pool *linkdesc.Pool

	// rings holds every common ring in setup order.
	rings        []*srng.Ring
	tclData      []*srng.Ring
	txComp       []*srng.Ring
	reoDest      []*srng.Ring
	reoException *srng.Ring
	rxRelease    *srng.Ring
	reoStatus    *srng.Ring
	reoCmd       *srng.Ring
	tclCmd       *srng.Ring

	contexts   []*intr.Context
	dispatcher intr.Dispatcher

	// txMu[i] guards txOpen[i] and txSeq[i]. txOpen holds the tcl data
	// rings Transmit may produce into, nil while detached.
	txMu   [MaxTxRings]sync.Mutex
	txOpen [MaxTxRings]*srng.Ring
	txSeq  [MaxTxRings]uint32

	pdevMu sync.RWMutex
	pdevs  [MaxPDevs]*PDev

	// graphMu guards vdevs, peers and the peer index.
	graphMu sync.Mutex
	peers   *radix.Tree

	metrics *RingMetrics
	onEntry EntryHandler
}

func NewSoC(l *logrus.Logger, cfg SoCConfig, hw Hardware) *SoC {
	return &SoC{
		l:       l,
		cfg:     cfg,
		hw:      hw,
		peers:   radix.New(),
		metrics: newRingMetrics(),
	}
}

// SetEntryHandler installs fn to see every consumed entry. It must be called
// before Attach.
func (s *SoC) SetEntryHandler(fn EntryHandler) {
	s.onEntry = fn
}

// Attach sets up the link descriptor pool, the common rings and the
// interrupt contexts, then starts the dispatcher. Everything is torn down
// again in reverse order when a step fails.
func (s *SoC) Attach() (err error) {
	if err := s.cfg.Validate(); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if s.attached {
		return errors.New("soc is already attached")
	}

	defer func() {
		if err != nil {
			s.teardown()
		}
	}()

	s.pool, err = linkdesc.Setup(s.l, s.hw.Engine, s.hw.Alloc, linkdesc.Options{
		MaxClients:   s.cfg.MaxClients,
		MaxAllocSize: s.cfg.MaxAllocSize,
	})
	if err != nil {
		return fmt.Errorf("link descriptor pool: %w", err)
	}

	if err = s.setupRings(); err != nil {
		return err
	}

	s.contexts = intr.NewContexts(s, s.cfg.Masks)
	s.dispatcher = s.newDispatcher()
	if err = s.dispatcher.Attach(s.contexts); err != nil {
		return fmt.Errorf("attach %s dispatcher: %w", s.dispatcher.Mode(), err)
	}

	s.attached = true
	s.openTx()
	s.l.WithFields(logrus.Fields{
		"rings":     len(s.rings),
		"contexts":  len(s.contexts),
		"mode":      s.dispatcher.Mode(),
		"linkDescs": s.pool.Plan().Total,
	}).Info("SoC attached")
	return nil
}

func (s *SoC) newDispatcher() intr.Dispatcher {
	if s.cfg.InterruptMode == intr.ModePoll {
		return intr.NewPollDispatcher(s.l, s.hw.Clock, s.cfg.PollPeriod)
	}
	return intr.NewEventDispatcher(s.l, s.hw.Interrupts, s.cfg.Budget, nil)
}

func (s *SoC) setupRing(class hal.RingType, instance, entries int) (*srng.Ring, error) {
	r, err := srng.Setup(s.l, s.hw.Engine, s.hw.Alloc, class, instance, 0, entries)
	if err != nil {
		return nil, fmt.Errorf("%s ring %d: %w", class, instance, err)
	}
	s.rings = append(s.rings, r)
	return r, nil
}

func (s *SoC) setupRings() error {
	rs := s.cfg.RingSizes

	for i := 0; i < s.cfg.TxRings; i++ {
		r, err := s.setupRing(hal.TCLData, i, rs.TCLData)
		if err != nil {
			return err
		}
		s.tclData = append(s.tclData, r)

		r, err = s.setupRing(hal.WBM2SWRelease, i, rs.TxCompletion)
		if err != nil {
			return err
		}
		s.txComp = append(s.txComp, r)
	}

	var err error
	if s.rxRelease, err = s.setupRing(hal.WBM2SWRelease, rxReleaseInstance, rs.RxRelease); err != nil {
		return err
	}
	if s.reoException, err = s.setupRing(hal.REOException, 0, rs.REOException); err != nil {
		return err
	}
	if s.reoStatus, err = s.setupRing(hal.REOStatus, 0, rs.REOStatus); err != nil {
		return err
	}
	if s.reoCmd, err = s.setupRing(hal.REOCmd, 0, rs.REOCmd); err != nil {
		return err
	}
	if s.tclCmd, err = s.setupRing(hal.TCLCmd, 0, rs.TCLCmd); err != nil {
		return err
	}

	for i := 0; i < s.cfg.RxRings; i++ {
		r, err := s.setupRing(hal.REODst, i, rs.REODest)
		if err != nil {
			return err
		}
		s.reoDest = append(s.reoDest, r)
	}
	return nil
}

// Detach is the inverse of Attach: dispatcher, radios, rings and finally the
// pool. It does nothing on a SoC that is not attached.
func (s *SoC) Detach() {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.attached {
		return
	}
	s.teardown()
	s.attached = false
	s.l.Info("SoC detached")
}

func (s *SoC) teardown() {
	if s.dispatcher != nil {
		s.dispatcher.Detach()
		s.dispatcher = nil
	}
	s.contexts = nil

	s.closeTx()
	s.detachPDevs()

	for i := len(s.rings) - 1; i >= 0; i-- {
		s.rings[i].Cleanup()
	}
	s.rings = nil
	s.tclData, s.txComp, s.reoDest = nil, nil, nil
	s.reoException, s.rxRelease, s.reoStatus, s.reoCmd, s.tclCmd = nil, nil, nil, nil, nil

	if s.pool != nil {
		s.pool.Cleanup()
		s.pool = nil
	}
}

func (s *SoC) openTx() {
	for i, r := range s.tclData {
		s.txMu[i].Lock()
		s.txOpen[i] = r
		s.txMu[i].Unlock()
	}
}

// closeTx waits for transmits in flight and stops new ones, it must run
// before the tcl data rings are cleaned up.
func (s *SoC) closeTx() {
	for i := range s.txOpen {
		s.txMu[i].Lock()
		s.txOpen[i] = nil
		s.txMu[i].Unlock()
	}
}

func (s *SoC) Attached() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.attached
}

// Rings returns the number of rings of a class, as seen by the interrupt
// contexts.
func (s *SoC) Rings(c intr.Class) int {
	switch c {
	case intr.TxCompletion:
		return len(s.txComp)
	case intr.RxDest:
		return len(s.reoDest)
	case intr.RxException:
		return count(s.reoException)
	case intr.RxRelease:
		return count(s.rxRelease)
	case intr.REOStatus:
		return count(s.reoStatus)
	}
	return 0
}

func count(r *srng.Ring) int {
	if r == nil {
		return 0
	}
	return 1
}

// Ring returns the ring serviced for a class and index, or nil.
func (s *SoC) Ring(c intr.Class, index int) *srng.Ring {
	return s.ring(c, index)
}

func (s *SoC) ring(c intr.Class, index int) *srng.Ring {
	pick := func(rings []*srng.Ring) *srng.Ring {
		if index < 0 || index >= len(rings) {
			return nil
		}
		return rings[index]
	}

	switch c {
	case intr.TxCompletion:
		return pick(s.txComp)
	case intr.RxDest:
		return pick(s.reoDest)
	}
	if index != 0 {
		return nil
	}
	switch c {
	case intr.RxException:
		return s.reoException
	case intr.RxRelease:
		return s.rxRelease
	case intr.REOStatus:
		return s.reoStatus
	}
	return nil
}

// TxRing returns the tcl data ring for index, or nil.
func (s *SoC) TxRing(index int) *srng.Ring {
	if index < 0 || index >= len(s.tclData) {
		return nil
	}
	return s.tclData[index]
}

// CommandRings returns the REO and TCL command rings.
func (s *SoC) CommandRings() (reo, tcl *srng.Ring) {
	return s.reoCmd, s.tclCmd
}

func (s *SoC) Pool() *linkdesc.Pool { return s.pool }

func (s *SoC) Contexts() []*intr.Context { return s.contexts }

func (s *SoC) Config() SoCConfig { return s.cfg }

func (s *SoC) Metrics() *RingMetrics { return s.metrics }

// Transmit queues one frame on a tcl data ring and returns its sequence
// number. Payload beyond the entry is dropped.
func (s *SoC) Transmit(ring int, payload []byte) (uint32, error) {
	if ring < 0 || ring >= s.cfg.TxRings {
		return 0, fmt.Errorf("no tcl data ring %d", ring)
	}

	s.txMu[ring].Lock()
	defer s.txMu[ring].Unlock()

	r := s.txOpen[ring]
	if r == nil {
		return 0, ErrNotAttached
	}

	seq := s.txSeq[ring]
	err := r.Produce(func(p *srng.Producer) error {
		e := p.Next()
		if e == nil {
			return fmt.Errorf("%w: ring %d", ErrTxRingFull, ring)
		}
		clear(e)
		binary.LittleEndian.PutUint32(e[0:4], uint32(len(payload)))
		binary.LittleEndian.PutUint32(e[4:8], seq)
		copy(e[8:], payload)
		return nil
	})
	if err != nil {
		return 0, err
	}
	s.txSeq[ring]++
	return seq, nil
}

// FindPeer returns the peer with mac and takes a reference on it. The caller
// must Release it.
func (s *SoC) FindPeer(mac net.HardwareAddr) (*Peer, bool) {
	s.graphMu.Lock()
	defer s.graphMu.Unlock()

	v, ok := s.peers.Get(mac.String())
	if !ok {
		return nil, false
	}
	p := v.(*Peer)
	p.refs.Add(1)
	return p, true
}

// PeersWithPrefix returns the peers whose mac starts with prefix, in mac
// order. A prefix like "02:00:5e" selects an OUI. No references are taken.
func (s *SoC) PeersWithPrefix(prefix string) []*Peer {
	s.graphMu.Lock()
	defer s.graphMu.Unlock()

	var out []*Peer
	s.peers.WalkPrefix(prefix, func(_ string, v interface{}) bool {
		out = append(out, v.(*Peer))
		return false
	})
	return out
}

// Peers returns the number of peers across all radios.
func (s *SoC) Peers() int {
	s.graphMu.Lock()
	defer s.graphMu.Unlock()
	return s.peers.Len()
}
