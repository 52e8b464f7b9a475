// Package srng manages the memory and registration of shared hardware rings.
//
// A ring is a circular array of fixed size entries in DMA-coherent memory
// that the host and the hardware engine take turns producing into and
// consuming from. Entries are only touched inside [Ring.Produce] or
// [Ring.Consume], which bracket the engine's access window.
package srng
