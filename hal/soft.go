package hal

import (
	"encoding/binary"
	"errors"
	"fmt"
	"sync"

	"github.com/sirupsen/logrus"
	"github.com/slackhq/wlandp/host"
)

const (
	// MaxRings is the number of rings the software engine can hold at once.
	MaxRings = 64

	softMaxEntries = 1 << 20

	// softScatterBufSize matches the idle list scatter buffer size of the
	// engines this models. It is deliberately not a power of two.
	softScatterBufSize = 32704

	// ScatterNextPtrSize is reserved at the end of every scatter buffer for
	// the address of the next buffer in the chain.
	ScatterNextPtrSize = 8
)

// ErrRingFull is returned by [Soft.Post] when hardware has nowhere to put an
// entry because the host has not consumed the ring.
var ErrRingFull = errors.New("ring is full")

var softEntrySizes = [numRingTypes]int{
	REODst:        32,
	REOException:  32,
	REOReinject:   32,
	REOCmd:        64,
	REOStatus:     64,
	TCLData:       32,
	TCLCmd:        32,
	TCLStatus:     32,
	SW2WBMRelease: 32,
	WBM2SWRelease: 32,
	WBMIdleLink:   LinkDescEntrySize,
	RXDMABuf:      LinkDescEntrySize,
	RXDMADst:      32,
}

var softRingAlign = [numRingTypes]int{
	TCLCmd: 16,
	REOCmd: 16,
}

// LinkDescRef is one link descriptor reference found in the idle list.
type LinkDescRef struct {
	Cookie uint32
	Paddr  uint64
}

type softRing struct {
	id        RingID
	typ       RingType
	instance  int
	owner     int
	params    RingParams
	entrySize int

	hpReg uint32
	tpReg uint32

	// Host side state. Only the ring's single host user touches these.
	access bool
	cached uint32
	snap   uint32

	// hwMu serializes the simulated device side.
	hwMu sync.Mutex
}

// Soft is a software [Engine]. Head and tail pointers of every ring live in
// a [host.RegisterFile] so the host side and a simulated device can run on
// different goroutines.
type Soft struct {
	l    *logrus.Logger
	regs *host.RegisterFile

	mu       sync.RWMutex
	rings    [MaxRings]*softRing
	idleRing RingID
	scatter  *ScatterList

	failSetup map[RingType]error
	failIdle  error
}

// NewSoft returns a software engine with an empty register file.
func NewSoft(l *logrus.Logger) *Soft {
	return &Soft{
		l:         l,
		regs:      host.NewRegisterFile(MaxRings * 8),
		idleRing:  NoRing,
		failSetup: make(map[RingType]error),
	}
}

// Registers exposes the register file holding the ring pointers. Ring n has
// its head pointer at offset n*8 and its tail pointer at n*8+4.
func (s *Soft) Registers() host.Registers {
	return s.regs
}

// FailRingSetup makes every SetupRing for t fail with err. A nil err clears
// the fault.
func (s *Soft) FailRingSetup(t RingType, err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err == nil {
		delete(s.failSetup, t)
		return
	}
	s.failSetup[t] = err
}

// FailIdleList makes idle list publication fail with err. A nil err clears
// the fault.
func (s *Soft) FailIdleList(err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.failIdle = err
}

func (s *Soft) EntrySize(t RingType) int {
	if !t.Valid() {
		return 0
	}
	return softEntrySizes[t]
}

func (s *Soft) RingAlignment(t RingType) int {
	if !t.Valid() || softRingAlign[t] == 0 {
		return MinRingAlignment
	}
	return softRingAlign[t]
}

func (s *Soft) MaxEntries(t RingType) int {
	return softMaxEntries
}

func (s *Soft) LinkDescGeometry() LinkDescGeometry {
	return LinkDescGeometry{
		DescSize:              128,
		DescAlign:             128,
		MPDUsPerLinkDesc:      6,
		MSDUsPerLinkDesc:      6,
		MPDULinksPerQueueDesc: 12,
	}
}

func (s *Soft) ScatterBufSize() int {
	return softScatterBufSize
}

func (s *Soft) ScatterEntriesPerBuf(bufSize int) int {
	if bufSize <= ScatterNextPtrSize {
		return 0
	}
	return (bufSize - ScatterNextPtrSize) / s.EntrySize(WBMIdleLink)
}

func (s *Soft) SetLinkDescAddr(entry []byte, cookie uint32, paddr uint64) {
	EncodeLinkDescAddr(entry, cookie, paddr)
}

func (s *Soft) SetupRing(t RingType, instance, owner int, p RingParams) (RingID, error) {
	if !t.Valid() {
		return NoRing, fmt.Errorf("%w: unknown ring type %d", ErrRegistration, int(t))
	}
	if p.NumEntries <= 1 || p.NumEntries > softMaxEntries {
		return NoRing, fmt.Errorf("%w: %s ring with %d entries", ErrRegistration, t, p.NumEntries)
	}
	es := s.EntrySize(t)
	if len(p.BaseVaddr) < p.NumEntries*es {
		return NoRing, fmt.Errorf("%w: %s ring memory of %d bytes is too small for %d entries",
			ErrRegistration, t, len(p.BaseVaddr), p.NumEntries)
	}
	if p.BasePaddr%uint64(s.RingAlignment(t)) != 0 {
		return NoRing, fmt.Errorf("%w: %s ring base %#x is not %d byte aligned",
			ErrRegistration, t, p.BasePaddr, s.RingAlignment(t))
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.failSetup[t]; err != nil {
		return NoRing, fmt.Errorf("%w: %s ring: %v", ErrRegistration, t, err)
	}

	free := NoRing
	for i, r := range s.rings {
		if r == nil {
			if free == NoRing {
				free = RingID(i)
			}
			continue
		}
		if r.typ == t && r.instance == instance && r.owner == owner {
			return NoRing, fmt.Errorf("%w: %s ring %d of owner %d is already set up", ErrRegistration, t, instance, owner)
		}
	}
	if free == NoRing {
		return NoRing, fmt.Errorf("%w: all %d rings are in use", ErrRegistration, MaxRings)
	}

	r := &softRing{
		id:        free,
		typ:       t,
		instance:  instance,
		owner:     owner,
		params:    p,
		entrySize: es,
		hpReg:     uint32(free) * 8,
		tpReg:     uint32(free)*8 + 4,
	}
	s.regs.Write32(r.hpReg, 0)
	s.regs.Write32(r.tpReg, 0)
	s.rings[free] = r

	s.l.WithFields(logrus.Fields{
		"ring":      t.String(),
		"instance":  instance,
		"owner":     owner,
		"id":        int(free),
		"entries":   p.NumEntries,
		"paddr":     fmt.Sprintf("%#x", p.BasePaddr),
		"lowThresh": p.LowThreshold,
	}).Debug("Ring registered")

	return free, nil
}

func (s *Soft) CleanupRing(id RingID) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if id < 0 || id >= MaxRings || s.rings[id] == nil {
		s.l.WithField("id", int(id)).Warn("Cleanup of unknown ring")
		return
	}
	if s.idleRing == id {
		s.idleRing = NoRing
	}
	s.rings[id] = nil
}

func (s *Soft) ring(id RingID) *softRing {
	if id < 0 || id >= MaxRings {
		return nil
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.rings[id]
}

func (s *Soft) AccessStart(id RingID) error {
	r := s.ring(id)
	if r == nil {
		return fmt.Errorf("access to unknown ring %d", id)
	}
	if r.access {
		return fmt.Errorf("%s ring %d is already being accessed", r.typ, r.instance)
	}
	if r.typ.IsSource() {
		r.snap = s.regs.Read32(r.tpReg)
	} else {
		r.snap = s.regs.Read32(r.hpReg)
	}
	r.access = true
	return nil
}

func (s *Soft) AccessEnd(id RingID) {
	r := s.ring(id)
	if r == nil || !r.access {
		return
	}
	if r.typ.IsSource() {
		s.regs.Write32(r.hpReg, r.cached)
	} else {
		s.regs.Write32(r.tpReg, r.cached)
	}
	r.access = false
}

func (s *Soft) SrcGetNext(id RingID) []byte {
	r := s.ring(id)
	if r == nil || !r.access || !r.typ.IsSource() {
		return nil
	}
	next := (r.cached + 1) % uint32(r.params.NumEntries)
	if next == r.snap {
		return nil
	}
	entry := r.slot(r.cached)
	r.cached = next
	return entry
}

func (s *Soft) DstGetNext(id RingID) []byte {
	r := s.ring(id)
	if r == nil || !r.access || r.typ.IsSource() {
		return nil
	}
	if r.cached == r.snap {
		return nil
	}
	entry := r.slot(r.cached)
	r.cached = (r.cached + 1) % uint32(r.params.NumEntries)
	return entry
}

func (r *softRing) slot(i uint32) []byte {
	off := int(i) * r.entrySize
	return r.params.BaseVaddr[off : off+r.entrySize : off+r.entrySize]
}

// Post places entry on a hardware produced ring, as the device would.
func (s *Soft) Post(id RingID, entry []byte) error {
	r := s.ring(id)
	if r == nil {
		return fmt.Errorf("post to unknown ring %d", id)
	}
	if r.typ.IsSource() {
		return fmt.Errorf("post to %s ring, which is produced by the host", r.typ)
	}

	r.hwMu.Lock()
	defer r.hwMu.Unlock()

	n := uint32(r.params.NumEntries)
	hp := s.regs.Read32(r.hpReg)
	tp := s.regs.Read32(r.tpReg)
	next := (hp + 1) % n
	if next == tp {
		return fmt.Errorf("%w: %s ring %d", ErrRingFull, r.typ, r.instance)
	}
	copy(r.slot(hp), entry)
	s.regs.Write32(r.hpReg, next)
	return nil
}

// Reap takes the oldest entry the host produced into a source ring, as the
// device would. It returns false when there is nothing to take.
func (s *Soft) Reap(id RingID) ([]byte, bool) {
	r := s.ring(id)
	if r == nil || !r.typ.IsSource() {
		return nil, false
	}

	r.hwMu.Lock()
	defer r.hwMu.Unlock()

	hp := s.regs.Read32(r.hpReg)
	tp := s.regs.Read32(r.tpReg)
	if hp == tp {
		return nil, false
	}
	out := make([]byte, r.entrySize)
	copy(out, r.slot(tp))
	s.regs.Write32(r.tpReg, (tp+1)%uint32(r.params.NumEntries))
	return out, true
}

// Pending returns the number of entries published by the producer of a ring
// and not yet taken by its consumer.
func (s *Soft) Pending(id RingID) int {
	r := s.ring(id)
	if r == nil {
		return 0
	}
	n := uint32(r.params.NumEntries)
	hp := s.regs.Read32(r.hpReg)
	tp := s.regs.Read32(r.tpReg)
	return int((hp + n - tp) % n)
}

// Lookup finds a registered ring.
func (s *Soft) Lookup(t RingType, instance, owner int) (RingID, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, r := range s.rings {
		if r != nil && r.typ == t && r.instance == instance && r.owner == owner {
			return r.id, true
		}
	}
	return NoRing, false
}

// Params returns the parameters a ring was registered with.
func (s *Soft) Params(id RingID) (RingParams, bool) {
	r := s.ring(id)
	if r == nil {
		return RingParams{}, false
	}
	return r.params, true
}

// Rings returns the number of registered rings.
func (s *Soft) Rings() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	n := 0
	for _, r := range s.rings {
		if r != nil {
			n++
		}
	}
	return n
}

func (s *Soft) SetIdleRing(id RingID) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.failIdle != nil {
		return fmt.Errorf("%w: idle ring: %v", ErrRegistration, s.failIdle)
	}
	if id < 0 || id >= MaxRings || s.rings[id] == nil {
		return fmt.Errorf("%w: idle ring %d is not registered", ErrRegistration, id)
	}
	if t := s.rings[id].typ; t != WBMIdleLink {
		return fmt.Errorf("%w: %s ring can not hold the idle list", ErrRegistration, t)
	}
	s.idleRing = id
	s.scatter = nil
	return nil
}

func (s *Soft) SetupScatterIdleList(sl ScatterList) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.failIdle != nil {
		return fmt.Errorf("%w: scatter idle list: %v", ErrRegistration, s.failIdle)
	}
	count := len(sl.Paddrs)
	if count == 0 || count != len(sl.Vaddrs) {
		return fmt.Errorf("%w: scatter list with %d addresses and %d buffers", ErrRegistration, count, len(sl.Vaddrs))
	}
	es := s.EntrySize(WBMIdleLink)
	perBuf := s.ScatterEntriesPerBuf(sl.BufSize)
	if perBuf == 0 {
		return fmt.Errorf("%w: scatter buffer size %d holds no entries", ErrRegistration, sl.BufSize)
	}
	if sl.TailOffset <= 0 || sl.TailOffset > perBuf*es || sl.TailOffset%es != 0 {
		return fmt.Errorf("%w: scatter tail offset %d", ErrRegistration, sl.TailOffset)
	}
	for i, v := range sl.Vaddrs {
		if len(v) < sl.BufSize {
			return fmt.Errorf("%w: scatter buffer %d is %d bytes, want %d", ErrRegistration, i, len(v), sl.BufSize)
		}
	}

	// Chain the buffers: the last bytes of every buffer point at the next.
	for i := 0; i < count-1; i++ {
		binary.LittleEndian.PutUint64(sl.Vaddrs[i][sl.BufSize-ScatterNextPtrSize:sl.BufSize], sl.Paddrs[i+1])
	}
	binary.LittleEndian.PutUint64(sl.Vaddrs[count-1][sl.BufSize-ScatterNextPtrSize:sl.BufSize], 0)

	cp := ScatterList{
		Paddrs:     append([]uint64(nil), sl.Paddrs...),
		Vaddrs:     append([][]byte(nil), sl.Vaddrs...),
		BufSize:    sl.BufSize,
		TailOffset: sl.TailOffset,
	}
	s.scatter = &cp
	s.idleRing = NoRing

	s.l.WithFields(logrus.Fields{
		"buffers":    count,
		"bufSize":    sl.BufSize,
		"tailOffset": sl.TailOffset,
	}).Debug("Scatter idle list published")
	return nil
}

func (s *Soft) ResetIdleList() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.idleRing = NoRing
	s.scatter = nil
}

// IdleRing returns the ring published as the idle list, if any.
func (s *Soft) IdleRing() RingID {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.idleRing
}

// IdleScatterList returns the published scatter list, if any.
func (s *Soft) IdleScatterList() *ScatterList {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.scatter
}

// IdleListEntries walks the published idle list the way hardware would and
// returns every link descriptor reference in it.
func (s *Soft) IdleListEntries() ([]LinkDescRef, error) {
	s.mu.RLock()
	idle := s.idleRing
	scatter := s.scatter
	s.mu.RUnlock()

	switch {
	case idle != NoRing:
		return s.idleRingEntries(idle)
	case scatter != nil:
		return s.scatterEntries(scatter)
	}
	return nil, errors.New("no idle list published")
}

func (s *Soft) idleRingEntries(id RingID) ([]LinkDescRef, error) {
	r := s.ring(id)
	if r == nil {
		return nil, fmt.Errorf("idle ring %d is gone", id)
	}
	n := uint32(r.params.NumEntries)
	hp := s.regs.Read32(r.hpReg)
	refs := make([]LinkDescRef, 0, s.Pending(id))
	for i := s.regs.Read32(r.tpReg); i != hp; i = (i + 1) % n {
		cookie, paddr := DecodeLinkDescAddr(r.slot(i))
		refs = append(refs, LinkDescRef{Cookie: cookie, Paddr: paddr})
	}
	return refs, nil
}

func (s *Soft) scatterEntries(sl *ScatterList) ([]LinkDescRef, error) {
	es := s.EntrySize(WBMIdleLink)
	perBuf := s.ScatterEntriesPerBuf(sl.BufSize)

	index := make(map[uint64]int, len(sl.Paddrs))
	for i, p := range sl.Paddrs {
		index[p] = i
	}

	var refs []LinkDescRef
	buf, walked := 0, 0
	for {
		walked++
		if walked > len(sl.Paddrs) {
			return nil, errors.New("scatter chain contains a loop")
		}
		v := sl.Vaddrs[buf]
		next := binary.LittleEndian.Uint64(v[sl.BufSize-ScatterNextPtrSize : sl.BufSize])

		limit := perBuf
		if next == 0 {
			limit = sl.TailOffset / es
		}
		for i := 0; i < limit; i++ {
			cookie, paddr := DecodeLinkDescAddr(v[i*es : (i+1)*es])
			refs = append(refs, LinkDescRef{Cookie: cookie, Paddr: paddr})
		}

		if next == 0 {
			break
		}
		nb, ok := index[next]
		if !ok {
			return nil, fmt.Errorf("scatter buffer %d points at unknown buffer %#x", buf, next)
		}
		buf = nb
	}
	if walked != len(sl.Paddrs) {
		return nil, fmt.Errorf("scatter chain reached %d of %d buffers", walked, len(sl.Paddrs))
	}
	return refs, nil
}

var _ Engine = (*Soft)(nil)
