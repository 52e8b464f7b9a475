package intr

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/sirupsen/logrus"
	"github.com/slackhq/wlandp/hal"
	"github.com/slackhq/wlandp/host"
	"golang.org/x/sync/errgroup"
)

// EventDispatcher services a context whenever one of its interrupt lines
// fires. Handlers only schedule the context's bottom half, which runs on its
// own goroutine, so a context is never serviced twice at once while
// different contexts run in parallel.
type EventDispatcher struct {
	l       *logrus.Logger
	ic      host.InterruptController
	sources SourceMap
	budget  int

	mu       sync.Mutex
	attached bool
	contexts []*Context
	irqs     []host.IRQ
	cancel   context.CancelFunc
	eg       *errgroup.Group
}

// NewEventDispatcher returns a dispatcher registering lines with ic. A nil
// sources uses DefaultSourceMap.
func NewEventDispatcher(l *logrus.Logger, ic host.InterruptController, budget int, sources SourceMap) *EventDispatcher {
	if sources == nil {
		sources = DefaultSourceMap
	}
	return &EventDispatcher{
		l:       l,
		ic:      ic,
		sources: sources,
		budget:  budget,
	}
}

func (d *EventDispatcher) Mode() Mode { return ModeEvent }

func (d *EventDispatcher) Attach(contexts []*Context) (err error) {
	if d.budget <= 0 {
		return fmt.Errorf("%w: interrupt budget must be positive, got %d", hal.ErrConfiguration, d.budget)
	}

	d.mu.Lock()
	defer d.mu.Unlock()

	if d.attached {
		return errors.New("event dispatcher is already attached")
	}

	ctx, cancel := context.WithCancel(context.Background())
	eg, ctx := errgroup.WithContext(ctx)
	d.cancel = cancel
	d.eg = eg
	d.contexts = contexts

	// Release everything registered so far when something fails.
	defer func() {
		if err != nil {
			d.teardown()
		}
	}()

	for _, c := range contexts {
		kick := make(chan struct{}, 1)
		schedule := func() {
			select {
			case kick <- struct{}{}:
			default:
			}
		}

		var regErr error
		c.sources(func(class Class, index int) {
			if regErr != nil {
				return
			}
			src := d.sources(class, index)
			name := fmt.Sprintf("ctx%d-%s%d", c.id, class, index)
			irq, err := d.ic.Register(src, name, schedule)
			if err != nil {
				regErr = fmt.Errorf("%w: %s interrupt source %d: %w", hal.ErrRegistration, name, src, err)
				return
			}
			d.irqs = append(d.irqs, irq)
		})
		if regErr != nil {
			return regErr
		}

		c.arm()
		eg.Go(func() error {
			return d.bottomHalf(ctx, c, kick)
		})
	}

	d.attached = true
	d.l.WithFields(logrus.Fields{
		"contexts": len(contexts),
		"irqs":     len(d.irqs),
		"budget":   d.budget,
	}).Info("Interrupt contexts attached")
	return nil
}

// bottomHalf services c every time it is kicked. A run that used the whole
// budget may have left work behind, so it schedules itself again.
func (d *EventDispatcher) bottomHalf(ctx context.Context, c *Context, kick chan struct{}) error {
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-kick:
		}

		if work := Service(c, d.budget); work >= d.budget {
			select {
			case kick <- struct{}{}:
			default:
			}
		}
	}
}

func (d *EventDispatcher) Detach() {
	d.mu.Lock()
	defer d.mu.Unlock()

	if !d.attached {
		return
	}
	d.teardown()
	d.l.Info("Interrupt contexts detached")
}

// teardown frees lines in reverse, stops every bottom half and clears the
// masks. Callers hold d.mu.
func (d *EventDispatcher) teardown() {
	for i := len(d.irqs) - 1; i >= 0; i-- {
		if err := d.ic.Free(d.irqs[i]); err != nil {
			d.l.WithError(err).WithField("irq", int(d.irqs[i])).Warn("Failed to free interrupt")
		}
	}
	d.irqs = nil

	if d.cancel != nil {
		d.cancel()
		_ = d.eg.Wait()
	}
	d.cancel = nil
	d.eg = nil

	for _, c := range d.contexts {
		c.ResetMasks()
	}
	d.contexts = nil
	d.attached = false
}
