package wlandp

import (
	"github.com/sirupsen/logrus"
	"github.com/slackhq/wlandp/config"
	"github.com/slackhq/wlandp/hal"
	"github.com/slackhq/wlandp/host"
)

// Hardware is everything a SoC is attached to.
type Hardware struct {
	Engine     hal.Engine
	Alloc      host.Allocator
	Interrupts host.InterruptController
	Clock      host.Clock
}

type interruptLines interface {
	host.InterruptController
	host.Raiser
}

// SoftHardware runs the rings on the software engine so a Simulator can play
// the device side.
type SoftHardware struct {
	Hardware
	Soft   *hal.Soft
	Raiser host.Raiser
}

// NewSoftHardware wires the software engine to a heap allocator, soft
// interrupt lines and the wall clock.
func NewSoftHardware(l *logrus.Logger) *SoftHardware {
	return newSoftHardware(l, host.NewHeapAllocator(), host.NewSoftInterrupts(), host.WallClock{})
}

func newSoftHardware(l *logrus.Logger, alloc host.Allocator, lines interruptLines, clock host.Clock) *SoftHardware {
	soft := hal.NewSoft(l)
	return &SoftHardware{
		Hardware: Hardware{
			Engine:     soft,
			Alloc:      alloc,
			Interrupts: lines,
			Clock:      clock,
		},
		Soft:   soft,
		Raiser: lines,
	}
}

// NewSoftHardwareFromConfig picks the allocator from host.allocator (heap or
// mmap) and the interrupt lines from host.interrupts (soft or eventfd).
func NewSoftHardwareFromConfig(l *logrus.Logger, c *config.C) (*SoftHardware, error) {
	allocName := c.GetString("host.allocator", "heap")
	alloc, err := newAllocator(allocName)
	if err != nil {
		return nil, err
	}

	linesName := c.GetString("host.interrupts", "soft")
	lines, err := newInterruptLines(linesName)
	if err != nil {
		return nil, err
	}

	l.WithField("allocator", allocName).WithField("interrupts", linesName).Debug("Host runtime selected")
	return newSoftHardware(l, alloc, lines, host.WallClock{}), nil
}
