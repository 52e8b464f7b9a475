package linkdesc

import (
	"fmt"

	"github.com/rcrowley/go-metrics"
	"github.com/sirupsen/logrus"
	"github.com/slackhq/wlandp/hal"
	"github.com/slackhq/wlandp/host"
	"github.com/slackhq/wlandp/srng"
)

// Bank is one contiguous allocation of link descriptors.
type Bank struct {
	raw     host.Region
	aligned host.Region

	index int
	descs int
}

// Raw returns the region as allocated.
func (b *Bank) Raw() host.Region { return b.raw }

// Aligned returns the descriptor array, starting at the first aligned
// descriptor.
func (b *Bank) Aligned() host.Region { return b.aligned }

// Descs returns the number of descriptors in the bank.
func (b *Bank) Descs() int { return b.descs }

// Index is the position of the bank in the pool. Idle list entries carry it
// as their cookie.
func (b *Bank) Index() int { return b.index }

// Paddr returns the physical address of descriptor i.
func (b *Bank) Paddr(i, descSize int) uint64 {
	return b.aligned.Phys + uint64(i*descSize)
}

// Pool is a set of descriptor banks published to hardware through an idle
// list.
type Pool struct {
	l     *logrus.Logger
	eng   hal.Engine
	alloc host.Allocator
	plan  Plan

	banks []*Bank

	idleRing *srng.Ring
	scatter  []host.Region

	published bool
	tail      int

	gaugeTotal   metrics.Gauge
	gaugeBanks   metrics.Gauge
	gaugeScatter metrics.Gauge
}

// Stats summarizes a pool.
type Stats struct {
	Descs       int
	Banks       int
	BankBytes   int
	IdleInRing  bool
	ScatterBufs int
}

// Setup plans, allocates and publishes a link descriptor pool. A failure at
// any step releases everything acquired so far in reverse order.
func Setup(l *logrus.Logger, eng hal.Engine, alloc host.Allocator, opts Options) (_ *Pool, err error) {
	plan, err := NewPlan(eng, opts)
	if err != nil {
		return nil, err
	}

	p := &Pool{
		l:            l,
		eng:          eng,
		alloc:        alloc,
		plan:         plan,
		gaugeTotal:   metrics.GetOrRegisterGauge("linkdesc.total", nil),
		gaugeBanks:   metrics.GetOrRegisterGauge("linkdesc.banks", nil),
		gaugeScatter: metrics.GetOrRegisterGauge("linkdesc.scatter_bufs", nil),
	}

	// Unwind a partially built pool when something fails.
	defer func() {
		if err != nil {
			p.Cleanup()
		}
	}()

	if err = p.allocBanks(); err != nil {
		return nil, err
	}

	if plan.IdleInRing {
		err = p.setupIdleRing()
	} else {
		err = p.setupScatter()
	}
	if err != nil {
		return nil, err
	}

	p.gaugeTotal.Update(int64(plan.Total))
	p.gaugeBanks.Update(int64(len(p.banks)))
	p.gaugeScatter.Update(int64(len(p.scatter)))

	l.WithFields(p.Describe()).Info("Link descriptor pool ready")
	return p, nil
}

func (p *Pool) allocBanks() error {
	g := p.plan.Geometry
	p.banks = make([]*Bank, 0, len(p.plan.Banks))

	for i, bp := range p.plan.Banks {
		raw, err := p.alloc.AllocCoherent(bp.Size)
		if err != nil {
			return fmt.Errorf("%w: link descriptor bank %d of %d bytes: %w", hal.ErrAllocation, i, bp.Size, err)
		}

		// The allocator only promises its own alignment, every bank is
		// aligned on its own.
		a := srng.AlignUp(raw.Phys, uint64(g.DescAlign))
		p.banks = append(p.banks, &Bank{
			raw:     raw,
			aligned: raw.Sub(int(a.Slack), bp.Descs*g.DescSize),
			index:   i,
			descs:   bp.Descs,
		})
	}
	return nil
}

// forEachDesc calls fn for every descriptor, bank by bank in address order.
func (p *Pool) forEachDesc(fn func(bank uint32, paddr uint64) error) error {
	size := p.plan.Geometry.DescSize
	for _, b := range p.banks {
		for i := 0; i < b.descs; i++ {
			if err := fn(uint32(b.index), b.Paddr(i, size)); err != nil {
				return err
			}
		}
	}
	return nil
}

func (p *Pool) setupIdleRing() error {
	total := p.plan.Total

	// A ring always keeps one slot empty.
	r, err := srng.Setup(p.l, p.eng, p.alloc, hal.WBMIdleLink, 0, 0, total+1)
	if err != nil {
		return err
	}
	p.idleRing = r
	if r.Entries() != total+1 {
		return fmt.Errorf("%w: idle ring holds %d entries, %d descriptors need %d",
			hal.ErrConfiguration, r.Entries(), total, total+1)
	}

	err = r.Produce(func(pr *srng.Producer) error {
		return p.forEachDesc(func(bank uint32, paddr uint64) error {
			e := pr.Next()
			if e == nil {
				return fmt.Errorf("idle ring filled up after %d of %d descriptors", pr.Count(), total)
			}
			p.eng.SetLinkDescAddr(e, bank, paddr)
			return nil
		})
	})
	if err != nil {
		return err
	}

	if err = p.eng.SetIdleRing(r.ID()); err != nil {
		return fmt.Errorf("%w: idle ring: %w", hal.ErrRegistration, err)
	}
	p.published = true
	return nil
}

func (p *Pool) setupScatter() error {
	pl := p.plan
	p.scatter = make([]host.Region, 0, pl.ScatterBufs)

	for i := 0; i < pl.ScatterBufs; i++ {
		buf, err := p.alloc.AllocCoherent(pl.ScatterBufSize)
		if err != nil {
			return fmt.Errorf("%w: scatter buffer %d of %d bytes: %w", hal.ErrAllocation, i, pl.ScatterBufSize, err)
		}
		p.scatter = append(p.scatter, buf)
	}

	es := pl.idleEntrySize
	limit := pl.ScatterPerBuf * es
	buf, off, written := 0, 0, 0
	err := p.forEachDesc(func(bank uint32, paddr uint64) error {
		if off+es > limit {
			buf++
			off = 0
		}
		if buf >= len(p.scatter) {
			return fmt.Errorf("scatter buffers filled up after %d of %d descriptors", written, pl.Total)
		}
		p.eng.SetLinkDescAddr(p.scatter[buf].Virt[off:off+es], bank, paddr)
		off += es
		written++
		return nil
	})
	if err != nil {
		return err
	}
	if buf != len(p.scatter)-1 {
		return fmt.Errorf("idle list used %d of %d scatter buffers", buf+1, len(p.scatter))
	}
	p.tail = off

	sl := hal.ScatterList{
		Paddrs:     make([]uint64, len(p.scatter)),
		Vaddrs:     make([][]byte, len(p.scatter)),
		BufSize:    pl.ScatterBufSize,
		TailOffset: p.tail,
	}
	for i, b := range p.scatter {
		sl.Paddrs[i] = b.Phys
		sl.Vaddrs[i] = b.Virt
	}
	if err = p.eng.SetupScatterIdleList(sl); err != nil {
		return fmt.Errorf("%w: scatter idle list: %w", hal.ErrRegistration, err)
	}
	p.published = true
	return nil
}

// Cleanup withdraws the idle list and frees the idle ring, the scatter
// buffers and the banks, in that order. It is safe to call more than once.
func (p *Pool) Cleanup() {
	if p == nil {
		return
	}
	if p.published {
		p.eng.ResetIdleList()
		p.published = false
	}

	if p.idleRing != nil {
		p.idleRing.Cleanup()
		p.idleRing = nil
	}

	for i := len(p.scatter) - 1; i >= 0; i-- {
		p.alloc.FreeCoherent(p.scatter[i])
	}
	p.scatter = nil

	for i := len(p.banks) - 1; i >= 0; i-- {
		p.alloc.FreeCoherent(p.banks[i].raw)
	}
	p.banks = nil
	p.tail = 0

	p.gaugeTotal.Update(0)
	p.gaugeBanks.Update(0)
	p.gaugeScatter.Update(0)
}

// Lookup returns the descriptor hardware handed back as a bank cookie and a
// physical address.
func (p *Pool) Lookup(bank uint32, paddr uint64) ([]byte, bool) {
	if int(bank) >= len(p.banks) {
		return nil, false
	}
	b := p.banks[bank]
	size := uint64(p.plan.Geometry.DescSize)
	if paddr < b.aligned.Phys || (paddr-b.aligned.Phys)%size != 0 {
		return nil, false
	}
	i := (paddr - b.aligned.Phys) / size
	if i >= uint64(b.descs) {
		return nil, false
	}
	return b.aligned.Virt[i*size : (i+1)*size], true
}

func (p *Pool) Plan() Plan { return p.plan }

func (p *Pool) Banks() []*Bank { return p.banks }

// IdleRing returns the idle ring when the idle list is kept in a ring.
func (p *Pool) IdleRing() *srng.Ring { return p.idleRing }

// ScatterBuffers returns the scatter buffers when the idle list is kept in
// them.
func (p *Pool) ScatterBuffers() []host.Region { return p.scatter }

// TailOffset is the number of bytes used in the last scatter buffer.
func (p *Pool) TailOffset() int { return p.tail }

func (p *Pool) Stats() Stats {
	s := Stats{
		Banks:       len(p.banks),
		IdleInRing:  p.idleRing != nil,
		ScatterBufs: len(p.scatter),
	}
	for _, b := range p.banks {
		s.Descs += b.descs
		s.BankBytes += b.raw.Size()
	}
	return s
}

// Describe returns log fields for the pool layout.
func (p *Pool) Describe() logrus.Fields {
	f := logrus.Fields{
		"descs":        p.plan.Total,
		"required":     p.plan.Raw,
		"banks":        len(p.banks),
		"maxAllocSize": p.plan.MaxAllocSize,
	}
	if p.idleRing != nil {
		f["idleList"] = "ring"
		f["idleRingEntries"] = p.idleRing.Entries()
	} else {
		f["idleList"] = "scatter"
		f["scatterBufs"] = len(p.scatter)
		f["tailOffset"] = p.tail
	}
	return f
}
