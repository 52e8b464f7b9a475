package host

import (
	"fmt"
	"sync/atomic"
)

// Registers is a mapped region of 32-bit hardware registers addressed by
// byte offset.
type Registers interface {
	Read32(off uint32) uint32
	Write32(off uint32, v uint32)
}

// RegisterFile is a Registers implementation backed by memory. Accesses are
// atomic so a simulated device can share it with the host side.
type RegisterFile struct {
	regs []atomic.Uint32
}

// NewRegisterFile returns a register file covering size bytes.
func NewRegisterFile(size int) *RegisterFile {
	return &RegisterFile{regs: make([]atomic.Uint32, (size+3)/4)}
}

func (f *RegisterFile) Read32(off uint32) uint32 {
	return f.reg(off).Load()
}

func (f *RegisterFile) Write32(off uint32, v uint32) {
	f.reg(off).Store(v)
}

// Size returns the size of the register file in bytes.
func (f *RegisterFile) Size() int {
	return len(f.regs) * 4
}

func (f *RegisterFile) reg(off uint32) *atomic.Uint32 {
	if off%4 != 0 || int(off/4) >= len(f.regs) {
		panic(fmt.Sprintf("register access at %#x outside of %d byte register file", off, len(f.regs)*4))
	}
	return &f.regs[off/4]
}
