package intr

import (
	"fmt"
	"math/bits"
)

// Class is a group of rings a context can service.
type Class int

const (
	TxCompletion Class = iota
	RxDest
	RxException
	RxRelease
	REOStatus

	NumClasses
)

var classNames = [NumClasses]string{
	TxCompletion: "tx_completion",
	RxDest:       "rx_dest",
	RxException:  "rx_exception",
	RxRelease:    "rx_release",
	REOStatus:    "reo_status",
}

func (c Class) String() string {
	if c < 0 || c >= NumClasses {
		return fmt.Sprintf("class(%d)", int(c))
	}
	return classNames[c]
}

// MaxRingsPerClass is the number of ring instances a mask can select.
const MaxRingsPerClass = 32

// Masks selects ring instances for one context. Bit n of a mask selects
// ring instance n of that class.
type Masks struct {
	Tx        uint32
	Rx        uint32
	RxErr     uint32
	RxWBMRel  uint32
	REOStatus uint32
}

// Mask returns the mask for a class.
func (m Masks) Mask(c Class) uint32 {
	switch c {
	case TxCompletion:
		return m.Tx
	case RxDest:
		return m.Rx
	case RxException:
		return m.RxErr
	case RxRelease:
		return m.RxWBMRel
	case REOStatus:
		return m.REOStatus
	}
	return 0
}

func (m Masks) IsZero() bool {
	return m == Masks{}
}

// Rings calls fn for every ring instance of c selected by the mask, in
// index order.
func (m Masks) Rings(c Class, fn func(index int)) {
	for v := m.Mask(c); v != 0; v &= v - 1 {
		fn(lowestBit(v))
	}
}

// MaskTable holds the masks of every context, indexed by context id.
type MaskTable []Masks

// DefaultMaskTable spreads Tx completion and Rx destination rings over
// separate contexts and leaves the shared rings to the last one.
var DefaultMaskTable = MaskTable{
	{Tx: 1 << 0},
	{Tx: 1 << 1},
	{Tx: 1 << 2},
	{Rx: 1 << 0},
	{Rx: 1 << 1},
	{Rx: 1 << 2},
	{Rx: 1 << 3, RxErr: 1, RxWBMRel: 1, REOStatus: 1},
}

// Validate rejects tables that select a ring instance from more than one
// context, which would have two contexts consume the same ring.
func (t MaskTable) Validate() error {
	if len(t) == 0 {
		return fmt.Errorf("mask table has no contexts")
	}
	for c := Class(0); c < NumClasses; c++ {
		var seen uint32
		for id, m := range t {
			v := m.Mask(c)
			if seen&v != 0 {
				return fmt.Errorf("context %d selects %s rings %#x already owned by another context", id, c, seen&v)
			}
			seen |= v
		}
	}
	return nil
}

func lowestBit(v uint32) int {
	return bits.TrailingZeros32(v)
}
