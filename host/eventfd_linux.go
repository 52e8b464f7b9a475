package host

import (
	"encoding/binary"
	"fmt"
	"sync"
	"sync/atomic"

	"golang.org/x/sys/unix"
)

// EventFDInterrupts backs every interrupt line with an eventfd. Each line has
// its own goroutine blocked in epoll that runs the handler once per wakeup,
// so multiple raises before the handler gets to run coalesce into one call.
type EventFDInterrupts struct {
	mu       sync.Mutex
	next     IRQ
	lines    map[IRQ]*eventLine
	bySource map[int]*eventLine
}

type eventLine struct {
	source  int
	name    string
	handler func()

	efd  int
	epfd int

	stop atomic.Bool
	done chan struct{}
}

func NewEventFDInterrupts() *EventFDInterrupts {
	return &EventFDInterrupts{
		next:     1,
		lines:    make(map[IRQ]*eventLine),
		bySource: make(map[int]*eventLine),
	}
}

func (e *EventFDInterrupts) Register(source int, name string, handler func()) (_ IRQ, err error) {
	if handler == nil {
		return 0, fmt.Errorf("register %s: nil handler", name)
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	if l, ok := e.bySource[source]; ok {
		return 0, fmt.Errorf("%w: source %d held by %s", ErrSourceBusy, source, l.name)
	}

	line := &eventLine{source: source, name: name, handler: handler, efd: -1, epfd: -1, done: make(chan struct{})}
	defer func() {
		if err != nil {
			line.closeFDs()
		}
	}()

	line.efd, err = unix.Eventfd(0, unix.EFD_NONBLOCK|unix.EFD_CLOEXEC)
	if err != nil {
		return 0, fmt.Errorf("create eventfd for %s: %w", name, err)
	}
	line.epfd, err = unix.EpollCreate1(unix.EPOLL_CLOEXEC)
	if err != nil {
		return 0, fmt.Errorf("create epoll for %s: %w", name, err)
	}
	ev := unix.EpollEvent{Events: unix.EPOLLIN, Fd: int32(line.efd)}
	if err = unix.EpollCtl(line.epfd, unix.EPOLL_CTL_ADD, line.efd, &ev); err != nil {
		return 0, fmt.Errorf("watch eventfd for %s: %w", name, err)
	}

	irq := e.next
	e.next++
	e.lines[irq] = line
	e.bySource[source] = line

	go line.run()
	return irq, nil
}

func (e *EventFDInterrupts) Free(irq IRQ) error {
	e.mu.Lock()
	line, ok := e.lines[irq]
	if ok {
		delete(e.lines, irq)
		delete(e.bySource, line.source)
	}
	e.mu.Unlock()

	if !ok {
		return fmt.Errorf("%w: %d", ErrUnknownIRQ, irq)
	}

	// The goroutine only notices stop after a wakeup, so produce one.
	line.stop.Store(true)
	if err := line.kick(); err != nil {
		return fmt.Errorf("wake %s for shutdown: %w", line.name, err)
	}
	<-line.done
	line.closeFDs()
	return nil
}

func (e *EventFDInterrupts) Raise(source int) error {
	e.mu.Lock()
	line, ok := e.bySource[source]
	e.mu.Unlock()

	if !ok {
		return fmt.Errorf("%w: no handler for source %d", ErrUnknownIRQ, source)
	}
	return line.kick()
}

func (l *eventLine) run() {
	defer close(l.done)

	events := make([]unix.EpollEvent, 1)
	var buf [8]byte
	for {
		n, err := unix.EpollWait(l.epfd, events, -1)
		if err != nil && err != unix.EINTR {
			return
		}
		if l.stop.Load() {
			return
		}
		if n > 0 {
			// Reading resets the counter, which is what makes raises coalesce.
			_, _ = unix.Read(l.efd, buf[:])
			l.handler()
		}
	}
}

func (l *eventLine) kick() error {
	var buf [8]byte
	binary.LittleEndian.PutUint64(buf[:], 1)
	_, err := unix.Write(l.efd, buf[:])
	return err
}

func (l *eventLine) closeFDs() {
	if l.epfd >= 0 {
		_ = unix.Close(l.epfd)
		l.epfd = -1
	}
	if l.efd >= 0 {
		_ = unix.Close(l.efd)
		l.efd = -1
	}
}
