package intr

import (
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/rcrowley/go-metrics"
	"github.com/sirupsen/logrus"
	"github.com/slackhq/wlandp/hal"
	"github.com/slackhq/wlandp/host"
)

// DefaultPollPeriod is how long the poll timer waits between ticks.
const DefaultPollPeriod = 10 * time.Millisecond

// PollDispatcher services every context from one shared timer, for hosts
// without usable interrupt lines. Each tick services the contexts one after
// another with PollBudget.
type PollDispatcher struct {
	l      *logrus.Logger
	clock  host.Clock
	period time.Duration

	mu       sync.Mutex
	attached bool
	timer    host.Timer
	contexts []*Context

	// running is held for the duration of a tick so Detach can wait for
	// one in flight.
	running sync.Mutex

	ticks metrics.Counter
}

func NewPollDispatcher(l *logrus.Logger, clock host.Clock, period time.Duration) *PollDispatcher {
	if period == 0 {
		period = DefaultPollPeriod
	}
	return &PollDispatcher{
		l:      l,
		clock:  clock,
		period: period,
		ticks:  metrics.GetOrRegisterCounter("intr.poll.ticks", nil),
	}
}

func (d *PollDispatcher) Mode() Mode { return ModePoll }

func (d *PollDispatcher) Attach(contexts []*Context) error {
	if d.period < 0 {
		return fmt.Errorf("%w: poll period %v", hal.ErrConfiguration, d.period)
	}

	d.mu.Lock()
	defer d.mu.Unlock()

	if d.attached {
		return errors.New("poll dispatcher is already attached")
	}

	for _, c := range contexts {
		c.arm()
	}
	d.contexts = contexts
	d.timer = d.clock.NewTimer(d.tick)
	d.attached = true
	d.timer.Reset(d.period)

	d.l.WithFields(logrus.Fields{
		"contexts": len(contexts),
		"period":   d.period,
	}).Info("Interrupt contexts attached to poll timer")
	return nil
}

func (d *PollDispatcher) tick() {
	d.running.Lock()
	defer d.running.Unlock()

	d.mu.Lock()
	if !d.attached {
		d.mu.Unlock()
		return
	}
	contexts := d.contexts
	d.mu.Unlock()

	for _, c := range contexts {
		Service(c, PollBudget)
	}
	d.ticks.Inc(1)

	d.mu.Lock()
	if d.attached {
		d.timer.Reset(d.period)
	}
	d.mu.Unlock()
}

func (d *PollDispatcher) Detach() {
	d.mu.Lock()
	if !d.attached {
		d.mu.Unlock()
		return
	}
	d.attached = false
	d.timer.Stop()
	timer := d.timer
	contexts := d.contexts
	d.timer = nil
	d.contexts = nil
	d.mu.Unlock()

	// Wait out a tick that already started.
	d.running.Lock()
	d.running.Unlock() //nolint:staticcheck // empty critical section waits for the tick

	for _, c := range contexts {
		c.ResetMasks()
	}
	timer.Free()
	d.l.Info("Poll timer stopped")
}
