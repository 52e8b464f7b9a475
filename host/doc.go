// Package host describes what the datapath consumes from the host runtime:
// DMA-coherent memory, interrupt lines, timers and a 32-bit register space.
// It also carries userspace implementations of each so a SoC can be attached
// and serviced without real hardware.
package host
