package intr

import (
	"fmt"
	"strings"
)

// Mode selects how contexts get serviced.
type Mode int

const (
	ModeEvent Mode = iota
	ModePoll
)

func (m Mode) String() string {
	switch m {
	case ModeEvent:
		return "event"
	case ModePoll:
		return "poll"
	}
	return fmt.Sprintf("mode(%d)", int(m))
}

// ParseMode parses the configured interrupt mode.
func ParseMode(s string) (Mode, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "event", "interrupt":
		return ModeEvent, nil
	case "poll", "timer":
		return ModePoll, nil
	}
	return 0, fmt.Errorf("unknown interrupt mode %q, expected event or poll", s)
}

// Dispatcher schedules Service calls for a set of contexts.
type Dispatcher interface {
	// Attach activates the context masks and starts servicing. On error
	// nothing stays registered.
	Attach(contexts []*Context) error
	// Detach stops servicing and clears every context mask. It is safe to
	// call on a dispatcher that was never attached and more than once.
	Detach()
	Mode() Mode
}

// SourceMap returns the interrupt source id of a ring instance.
type SourceMap func(c Class, index int) int

// DefaultSourceMap numbers Tx completion lines from 0, Rx destination lines
// from 8 and puts the shared rings on 16 to 18.
func DefaultSourceMap(c Class, index int) int {
	switch c {
	case TxCompletion:
		return index
	case RxDest:
		return 8 + index
	case RxException:
		return 16
	case RxRelease:
		return 17
	case REOStatus:
		return 18
	}
	return -1
}
