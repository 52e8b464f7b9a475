//go:build !linux

package wlandp

import (
	"fmt"

	"github.com/slackhq/wlandp/host"
)

func newAllocator(name string) (host.Allocator, error) {
	switch name {
	case "heap":
		return host.NewHeapAllocator(), nil
	case "mmap":
		return nil, fmt.Errorf("host.allocator mmap is only supported on linux")
	}
	return nil, fmt.Errorf("host.allocator was not understood: %s", name)
}

func newInterruptLines(name string) (interruptLines, error) {
	switch name {
	case "soft":
		return host.NewSoftInterrupts(), nil
	case "eventfd":
		return nil, fmt.Errorf("host.interrupts eventfd is only supported on linux")
	}
	return nil, fmt.Errorf("host.interrupts was not understood: %s", name)
}
