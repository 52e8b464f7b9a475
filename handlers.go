package wlandp

import (
	"encoding/binary"
	"fmt"

	"github.com/rcrowley/go-metrics"
	"github.com/slackhq/wlandp/hal"
	"github.com/slackhq/wlandp/intr"
	"github.com/slackhq/wlandp/srng"
)

// Entry layouts understood by the default handlers. Words are little endian.
//
//	tcl data:       word 0 msdu length, word 1 sequence, payload from byte 8
//	tx completion:  link descriptor address, word 2 sequence
//	rx release:     link descriptor address
//	reo dest/exc:   rx buffer address, word 2 msdu length
//	reo status:     word 0 command number
const (
	entryAddrSize = hal.LinkDescEntrySize
	entryWord2    = entryAddrSize
)

// EntryHandler sees every entry the SoC consumes from a hardware produced
// ring, after the default handling. The entry is only valid during the call.
type EntryHandler func(c intr.Class, index int, entry []byte)

type RingMetrics struct {
	processed []metrics.Counter
	invalid   []metrics.Counter
}

func (m *RingMetrics) Processed(c intr.Class, n int64) {
	if m != nil && c >= 0 && int(c) < len(m.processed) {
		m.processed[c].Inc(n)
	}
}

func (m *RingMetrics) Invalid(c intr.Class, n int64) {
	if m != nil && c >= 0 && int(c) < len(m.invalid) {
		m.invalid[c].Inc(n)
	}
}

func newRingMetrics() *RingMetrics {
	gen := func(kind string) []metrics.Counter {
		out := make([]metrics.Counter, intr.NumClasses)
		for c := intr.Class(0); c < intr.NumClasses; c++ {
			out[c] = metrics.GetOrRegisterCounter(fmt.Sprintf("rings.%s.%s", c, kind), nil)
		}
		return out
	}
	return &RingMetrics{
		processed: gen("processed"),
		invalid:   gen("invalid"),
	}
}

// ServiceRing drains up to quota entries of one ring. It is called by the
// interrupt context owning the ring.
func (s *SoC) ServiceRing(c intr.Class, index, quota int) int {
	r := s.ring(c, index)
	if r == nil || quota <= 0 {
		return 0
	}

	n := 0
	err := r.Consume(func(cons *srng.Consumer) error {
		for n < quota {
			e := cons.Next()
			if e == nil {
				break
			}
			s.handleEntry(c, index, e)
			n++
		}
		return nil
	})
	if err != nil {
		s.l.WithError(err).WithField("ring", r).Error("Failed to service ring")
		return 0
	}

	s.metrics.Processed(c, int64(n))
	if n > 0 && (c == intr.RxDest || c == intr.RxException) {
		s.refillPDevs()
	}
	return n
}

func (s *SoC) handleEntry(c intr.Class, index int, e []byte) {
	switch c {
	case intr.TxCompletion, intr.RxRelease:
		bank, paddr := hal.DecodeLinkDescAddr(e)
		if _, ok := s.pool.Lookup(bank, paddr); !ok {
			s.metrics.Invalid(c, 1)
		}

	case intr.RxDest, intr.RxException:
		cookie, paddr := hal.DecodeLinkDescAddr(e)
		if !s.returnRxBuffer(cookie, paddr) {
			s.metrics.Invalid(c, 1)
		}
	}

	if s.onEntry != nil {
		s.onEntry(c, index, e)
	}
}

// EncodeTxCompletion writes a Tx completion entry releasing a link
// descriptor.
func EncodeTxCompletion(e []byte, bank uint32, paddr uint64, seq uint32) {
	hal.EncodeLinkDescAddr(e, bank, paddr)
	binary.LittleEndian.PutUint32(e[entryWord2:], seq)
}

// DecodeTxCompletion reads an entry written by EncodeTxCompletion.
func DecodeTxCompletion(e []byte) (bank uint32, paddr uint64, seq uint32) {
	bank, paddr = hal.DecodeLinkDescAddr(e)
	return bank, paddr, binary.LittleEndian.Uint32(e[entryWord2:])
}

// EncodeRxDest writes a REO destination or exception entry handing an rx
// buffer with length bytes of frame back to the host.
func EncodeRxDest(e []byte, buf []byte, length uint32) {
	copy(e[:entryAddrSize], buf[:entryAddrSize])
	binary.LittleEndian.PutUint32(e[entryWord2:], length)
}

// DecodeRxDest reads an entry written by EncodeRxDest.
func DecodeRxDest(e []byte) (cookie uint32, paddr uint64, length uint32) {
	cookie, paddr = hal.DecodeLinkDescAddr(e)
	return cookie, paddr, binary.LittleEndian.Uint32(e[entryWord2:])
}
