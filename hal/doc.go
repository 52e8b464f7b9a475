// Package hal is the boundary between the datapath and the hardware engine
// that owns the rings. [Engine] is what the datapath programs against; [Soft]
// is an in-process engine that keeps ring indices in a register file and lets
// a simulated device post and reap entries.
package hal
