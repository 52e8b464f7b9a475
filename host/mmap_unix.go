//go:build unix

package host

import (
	"fmt"
	"sync"
	"unsafe"

	"golang.org/x/sys/unix"
)

// MmapAllocator hands out anonymous memory mappings. There is no IOMMU in
// play, so the physical address reported is the userspace address, the same
// way vhost sees guest memory in a process without virtualization.
type MmapAllocator struct {
	mu   sync.Mutex
	live map[uint64][]byte
}

func NewMmapAllocator() *MmapAllocator {
	return &MmapAllocator{live: make(map[uint64][]byte)}
}

func (a *MmapAllocator) AllocCoherent(size int) (Region, error) {
	if size <= 0 {
		return Region{}, fmt.Errorf("%w: invalid size %d", ErrNoMemory, size)
	}

	b, err := unix.Mmap(-1, 0, size, unix.PROT_READ|unix.PROT_WRITE, unix.MAP_PRIVATE|unix.MAP_ANONYMOUS)
	if err != nil {
		return Region{}, fmt.Errorf("%w: mmap %d bytes: %v", ErrNoMemory, size, err)
	}

	// The mapping is not managed by Go, so holding its address is safe.
	phys := uint64(uintptr(unsafe.Pointer(&b[0])))

	a.mu.Lock()
	a.live[phys] = b
	a.mu.Unlock()

	return Region{Virt: b, Phys: phys}, nil
}

func (a *MmapAllocator) FreeCoherent(r Region) {
	a.mu.Lock()
	b, ok := a.live[r.Phys]
	delete(a.live, r.Phys)
	a.mu.Unlock()

	if !ok {
		panic(fmt.Sprintf("free of unknown coherent region at %#x", r.Phys))
	}
	if err := unix.Munmap(b); err != nil {
		panic(fmt.Sprintf("unmap coherent region at %#x: %v", r.Phys, err))
	}
}

// Outstanding returns the number of live mappings.
func (a *MmapAllocator) Outstanding() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return len(a.live)
}
