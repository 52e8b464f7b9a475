package host

import (
	"errors"
	"fmt"
	"sync"
)

var (
	// ErrSourceBusy is returned when an interrupt source already has a handler.
	ErrSourceBusy = errors.New("interrupt source already registered")
	// ErrUnknownIRQ is returned when freeing or raising an interrupt nobody
	// registered.
	ErrUnknownIRQ = errors.New("unknown interrupt")
)

// IRQ is the handle for a registered interrupt line.
type IRQ int

// InterruptController registers handlers against interrupt sources. A
// handler runs in the top half and must not block; it should only schedule
// work.
type InterruptController interface {
	Register(source int, name string, handler func()) (IRQ, error)
	Free(irq IRQ) error
}

// Raiser lets a simulated device assert an interrupt source.
type Raiser interface {
	Raise(source int) error
}

type softLine struct {
	source  int
	name    string
	handler func()
	count   uint64
}

// SoftInterrupts is an InterruptController whose lines are raised in software.
// Raise runs the handler on the caller's goroutine.
type SoftInterrupts struct {
	mu       sync.Mutex
	next     IRQ
	lines    map[IRQ]*softLine
	bySource map[int]IRQ
}

func NewSoftInterrupts() *SoftInterrupts {
	return &SoftInterrupts{
		next:     1,
		lines:    make(map[IRQ]*softLine),
		bySource: make(map[int]IRQ),
	}
}

func (s *SoftInterrupts) Register(source int, name string, handler func()) (IRQ, error) {
	if handler == nil {
		return 0, fmt.Errorf("register %s: nil handler", name)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if irq, ok := s.bySource[source]; ok {
		return 0, fmt.Errorf("%w: source %d held by %s", ErrSourceBusy, source, s.lines[irq].name)
	}

	irq := s.next
	s.next++
	s.lines[irq] = &softLine{source: source, name: name, handler: handler}
	s.bySource[source] = irq
	return irq, nil
}

func (s *SoftInterrupts) Free(irq IRQ) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	line, ok := s.lines[irq]
	if !ok {
		return fmt.Errorf("%w: %d", ErrUnknownIRQ, irq)
	}
	delete(s.lines, irq)
	delete(s.bySource, line.source)
	return nil
}

func (s *SoftInterrupts) Raise(source int) error {
	s.mu.Lock()
	irq, ok := s.bySource[source]
	var handler func()
	if ok {
		line := s.lines[irq]
		line.count++
		handler = line.handler
	}
	s.mu.Unlock()

	if !ok {
		return fmt.Errorf("%w: no handler for source %d", ErrUnknownIRQ, source)
	}
	handler()
	return nil
}

// Registered returns the number of registered lines.
func (s *SoftInterrupts) Registered() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.lines)
}

// Sources returns the registered source ids mapped to their line names.
func (s *SoftInterrupts) Sources() map[int]string {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := make(map[int]string, len(s.bySource))
	for src, irq := range s.bySource {
		out[src] = s.lines[irq].name
	}
	return out
}
