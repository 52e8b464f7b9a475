package host

import (
	"errors"
	"fmt"
)

// ErrNoMemory is returned by an [Allocator] when coherent memory is exhausted.
var ErrNoMemory = errors.New("coherent memory exhausted")

// Region is a span of DMA-coherent memory. Virt is the CPU view of the memory
// and Phys is the device-visible address of Virt[0].
type Region struct {
	Virt []byte
	Phys uint64
}

// Size returns the number of bytes in the region.
func (r Region) Size() int {
	return len(r.Virt)
}

// IsZero reports whether r refers to no memory at all.
func (r Region) IsZero() bool {
	return r.Virt == nil && r.Phys == 0
}

// Sub returns the n bytes starting off bytes into r. Both views are moved by
// the same offset so the physical address keeps describing Virt[0].
func (r Region) Sub(off, n int) Region {
	if off < 0 || n < 0 || off+n > len(r.Virt) {
		panic(fmt.Sprintf("sub region [%d:%d] out of range for region of %d bytes", off, off+n, len(r.Virt)))
	}
	return Region{
		Virt: r.Virt[off : off+n : off+n],
		Phys: r.Phys + uint64(off),
	}
}

// Allocator hands out DMA-coherent memory.
type Allocator interface {
	// AllocCoherent returns a region of exactly size bytes or an error
	// wrapping [ErrNoMemory].
	AllocCoherent(size int) (Region, error)
	// FreeCoherent returns a region previously handed out by AllocCoherent.
	// The region must be the one returned, not a sub region of it.
	FreeCoherent(r Region)
}
