// Package linkdesc sizes, allocates and publishes the pool of link
// descriptors hardware chains MPDUs and MSDUs through.
//
// The pool is spread over one or more coherent memory banks. Every
// descriptor is handed to hardware through the idle list, which is either a
// WBM idle link ring or, when that ring would not fit into one allocation,
// a chain of scatter buffers.
package linkdesc
