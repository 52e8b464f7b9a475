package host

import (
	"fmt"
	"sync"
)

const (
	heapPhysBase = 0x1000_0000
	// heapPhysSkew offsets every physical address so that nothing handed out
	// is accidentally aligned beyond 4 bytes. Callers must do their own
	// alignment, exactly as they would on hardware.
	heapPhysSkew = 4
	heapPageSize = 4096
)

// HeapAllocator backs coherent memory with the Go heap and makes up physical
// addresses for it. It tracks every live allocation and can be told to start
// failing, which is what the setup unwind tests are built on.
type HeapAllocator struct {
	mu sync.Mutex

	nextPhys uint64
	live     map[uint64]int

	allocs    int
	frees     int
	failAfter int
	limit     int
}

// NewHeapAllocator returns a HeapAllocator that never fails on its own.
func NewHeapAllocator() *HeapAllocator {
	return &HeapAllocator{
		nextPhys:  heapPhysBase,
		live:      make(map[uint64]int),
		failAfter: -1,
	}
}

// FailAfter lets the next n allocations succeed and fails every one after
// that. A negative n disables failure injection.
func (a *HeapAllocator) FailAfter(n int) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.failAfter = n
}

// SetLimit fails any allocation that would push the live byte count over
// limit. Zero means no limit.
func (a *HeapAllocator) SetLimit(limit int) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.limit = limit
}

func (a *HeapAllocator) AllocCoherent(size int) (Region, error) {
	if size <= 0 {
		return Region{}, fmt.Errorf("%w: invalid size %d", ErrNoMemory, size)
	}

	a.mu.Lock()
	defer a.mu.Unlock()

	if a.failAfter == 0 {
		return Region{}, fmt.Errorf("%w: injected failure for %d bytes", ErrNoMemory, size)
	}
	if a.limit > 0 && a.liveBytes()+size > a.limit {
		return Region{}, fmt.Errorf("%w: %d bytes would exceed the %d byte limit", ErrNoMemory, size, a.limit)
	}
	if a.failAfter > 0 {
		a.failAfter--
	}

	phys := a.nextPhys + heapPhysSkew
	a.nextPhys = (phys + uint64(size) + heapPageSize - 1) &^ (heapPageSize - 1)
	a.live[phys] = size
	a.allocs++

	return Region{Virt: make([]byte, size), Phys: phys}, nil
}

func (a *HeapAllocator) FreeCoherent(r Region) {
	a.mu.Lock()
	defer a.mu.Unlock()

	size, ok := a.live[r.Phys]
	if !ok {
		panic(fmt.Sprintf("free of unknown coherent region at %#x", r.Phys))
	}
	if size != len(r.Virt) {
		panic(fmt.Sprintf("free of coherent region at %#x with size %d, allocated with %d", r.Phys, len(r.Virt), size))
	}
	delete(a.live, r.Phys)
	a.frees++
}

// Outstanding returns the number of live allocations.
func (a *HeapAllocator) Outstanding() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return len(a.live)
}

// OutstandingBytes returns the number of live bytes.
func (a *HeapAllocator) OutstandingBytes() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.liveBytes()
}

// Allocs returns the number of successful allocations so far.
func (a *HeapAllocator) Allocs() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.allocs
}

// Frees returns the number of frees so far.
func (a *HeapAllocator) Frees() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.frees
}

func (a *HeapAllocator) liveBytes() int {
	var n int
	for _, s := range a.live {
		n += s
	}
	return n
}
