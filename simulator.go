package wlandp

import (
	"encoding/binary"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/eapache/queue"
	"github.com/rcrowley/go-metrics"
	"github.com/sirupsen/logrus"
	"github.com/slackhq/wlandp/config"
	"github.com/slackhq/wlandp/hal"
	"github.com/slackhq/wlandp/host"
	"github.com/slackhq/wlandp/intr"
)

const (
	DefaultSimulateInterval = 100 * time.Millisecond
	DefaultSimulateBurst    = 32

	// maxBacklog bounds the entries waiting for room on a full ring.
	maxBacklog = 4096
)

// Simulator plays the device side of a SoC on the software engine. Every
// interval it completes queued transmits, turns posted rx buffers into REO
// destination entries, releases a link descriptor and reports a REO status,
// then raises the interrupt lines of the rings it posted to.
type Simulator struct {
	l     *logrus.Logger
	soc   *SoC
	hw    *SoftHardware
	raise bool

	interval time.Duration
	burst    int

	mu      sync.Mutex
	timer   host.Timer
	running bool
	backlog *queue.Queue
	descs   []hal.LinkDescRef
	nextRef int
	frames  uint64
	status  uint32

	posted  metrics.Counter
	dropped metrics.Counter
	raised  metrics.Counter
}

type devicePost struct {
	class intr.Class
	index int
	entry []byte
}

func NewSimulator(l *logrus.Logger, soc *SoC, hw *SoftHardware, interval time.Duration, burst int) *Simulator {
	if interval <= 0 {
		interval = DefaultSimulateInterval
	}
	if burst <= 0 {
		burst = DefaultSimulateBurst
	}
	return &Simulator{
		l:        l,
		soc:      soc,
		hw:       hw,
		raise:    soc.cfg.InterruptMode == intr.ModeEvent && hw.Raiser != nil,
		interval: interval,
		burst:    burst,
		backlog:  queue.New(),
		posted:   metrics.GetOrRegisterCounter("simulate.posted", nil),
		dropped:  metrics.GetOrRegisterCounter("simulate.dropped", nil),
		raised:   metrics.GetOrRegisterCounter("simulate.raised", nil),
	}
}

// NewSimulatorFromConfig reads simulate.interval and simulate.burst.
func NewSimulatorFromConfig(l *logrus.Logger, c *config.C, soc *SoC, hw *SoftHardware) *Simulator {
	return NewSimulator(l, soc, hw,
		c.GetDuration("simulate.interval", DefaultSimulateInterval),
		c.GetInt("simulate.burst", DefaultSimulateBurst),
	)
}

// Start snapshots the idle list and arms the simulation timer. The SoC must
// be attached.
func (sim *Simulator) Start() error {
	if !sim.soc.Attached() {
		return ErrNotAttached
	}

	descs, err := sim.hw.Soft.IdleListEntries()
	if err != nil {
		return fmt.Errorf("read idle list: %w", err)
	}
	if len(descs) == 0 {
		return errors.New("idle list is empty")
	}

	sim.mu.Lock()
	defer sim.mu.Unlock()

	if sim.running {
		return errors.New("simulator is already running")
	}
	sim.descs = descs
	sim.timer = sim.hw.Clock.NewTimer(sim.tick)
	sim.running = true
	sim.timer.Reset(sim.interval)

	sim.l.WithFields(logrus.Fields{
		"interval": sim.interval,
		"burst":    sim.burst,
		"raise":    sim.raise,
	}).Info("Device simulator started")
	return nil
}

// Stop disarms the timer. A tick in flight finishes posting first.
func (sim *Simulator) Stop() {
	sim.mu.Lock()
	defer sim.mu.Unlock()

	if !sim.running {
		return
	}
	sim.running = false
	sim.timer.Stop()
	sim.timer.Free()
	sim.timer = nil
	sim.l.WithField("backlog", sim.backlog.Length()).Info("Device simulator stopped")
}

// Backlog returns the number of entries waiting for ring space.
func (sim *Simulator) Backlog() int {
	sim.mu.Lock()
	defer sim.mu.Unlock()
	return sim.backlog.Length()
}

func (sim *Simulator) tick() {
	sim.mu.Lock()
	if !sim.running {
		sim.mu.Unlock()
		return
	}

	sim.completeTransmits()
	sim.receive()
	sim.housekeeping()
	lines := sim.flush()

	sim.timer.Reset(sim.interval)
	sim.mu.Unlock()

	// Handlers may service rings right away, so raise without holding mu.
	for _, src := range lines {
		if err := sim.hw.Raiser.Raise(src); err != nil {
			sim.l.WithError(err).WithField("source", src).Debug("Simulated interrupt not delivered")
			continue
		}
		sim.raised.Inc(1)
	}
}

func (sim *Simulator) enqueue(c intr.Class, index int, entry []byte) {
	if sim.backlog.Length() >= maxBacklog {
		sim.dropped.Inc(1)
		return
	}
	sim.backlog.Add(devicePost{class: c, index: index, entry: entry})
}

func (sim *Simulator) entry(c intr.Class, index int) []byte {
	r := sim.soc.Ring(c, index)
	if r == nil {
		return nil
	}
	return make([]byte, r.EntrySize())
}

func (sim *Simulator) nextDesc() hal.LinkDescRef {
	ref := sim.descs[sim.nextRef]
	sim.nextRef = (sim.nextRef + 1) % len(sim.descs)
	return ref
}

// completeTransmits takes frames off the tcl data rings and completes each
// on the Tx completion ring of the same index.
func (sim *Simulator) completeTransmits() {
	for i := 0; i < sim.soc.cfg.TxRings; i++ {
		tx := sim.soc.TxRing(i)
		if tx == nil {
			return
		}
		for n := 0; n < sim.burst; n++ {
			frame, ok := sim.hw.Soft.Reap(tx.ID())
			if !ok {
				break
			}
			e := sim.entry(intr.TxCompletion, i)
			if e == nil {
				break
			}
			ref := sim.nextDesc()
			EncodeTxCompletion(e, ref.Cookie, ref.Paddr, binary.LittleEndian.Uint32(frame[4:8]))
			sim.enqueue(intr.TxCompletion, i, e)
		}
	}
}

// receive fills posted rx buffers and hands them back through the REO
// destination rings. Every sixteenth frame goes to the exception ring.
func (sim *Simulator) receive() {
	rx := sim.soc.cfg.RxRings
	for id := 0; id < MaxPDevs; id++ {
		pd := sim.soc.PDev(id)
		if pd == nil {
			continue
		}
		refill := pd.RefillRing()
		if refill == nil {
			continue
		}

		for n := 0; n < sim.burst; n++ {
			buf, ok := sim.hw.Soft.Reap(refill.ID())
			if !ok {
				break
			}

			class, index := intr.RxDest, int(sim.frames%uint64(rx))
			if sim.frames%16 == 15 {
				class, index = intr.RxException, 0
			}
			sim.frames++

			e := sim.entry(class, index)
			if e == nil {
				continue
			}
			EncodeRxDest(e, buf, uint32(64+sim.frames%1400))
			sim.enqueue(class, index, e)
		}
	}
}

func (sim *Simulator) housekeeping() {
	if e := sim.entry(intr.RxRelease, 0); e != nil {
		ref := sim.nextDesc()
		hal.EncodeLinkDescAddr(e, ref.Cookie, ref.Paddr)
		sim.enqueue(intr.RxRelease, 0, e)
	}
	if e := sim.entry(intr.REOStatus, 0); e != nil {
		sim.status++
		binary.LittleEndian.PutUint32(e[0:4], sim.status)
		sim.enqueue(intr.REOStatus, 0, e)
	}
}

// flush posts the backlog in order and stops at the first full ring. It
// returns the interrupt sources to raise.
func (sim *Simulator) flush() []int {
	var lines []int
	seen := make(map[int]bool)

	for sim.backlog.Length() > 0 {
		p := sim.backlog.Peek().(devicePost)
		r := sim.soc.Ring(p.class, p.index)
		if r == nil {
			sim.backlog.Remove()
			sim.dropped.Inc(1)
			continue
		}

		err := sim.hw.Soft.Post(r.ID(), p.entry)
		if errors.Is(err, hal.ErrRingFull) {
			break
		}
		sim.backlog.Remove()
		if err != nil {
			sim.l.WithError(err).WithField("ring", r).Error("Simulated post failed")
			sim.dropped.Inc(1)
			continue
		}
		sim.posted.Inc(1)

		if src := intr.DefaultSourceMap(p.class, p.index); sim.raise && !seen[src] {
			seen[src] = true
			lines = append(lines, src)
		}
	}
	return lines
}
