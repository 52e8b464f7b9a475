package hal

// MinRingAlignment is the smallest base alignment any ring may use.
const MinRingAlignment = 8

// RingID is the engine's handle for a registered ring.
type RingID int

// NoRing is never returned for a registered ring.
const NoRing RingID = -1

// RingFlags tune how the engine treats a ring.
type RingFlags uint32

const (
	// RingFlagLowThresholdIntr asks the engine to interrupt when the number
	// of entries available to hardware drops to the low threshold.
	RingFlagLowThresholdIntr RingFlags = 1 << iota
)

// RingParams is what the host hands the engine when registering a ring.
type RingParams struct {
	// BaseVaddr is the aligned CPU view of the ring memory, exactly
	// NumEntries*entry size bytes long.
	BaseVaddr []byte
	// BasePaddr is the device-visible address of BaseVaddr[0].
	BasePaddr  uint64
	NumEntries int

	IntrTimerThresholdUs      uint32
	IntrBatchCounterThreshold uint32
	LowThreshold              uint32
	Flags                     RingFlags
}

// LinkDescGeometry describes link descriptors as the engine lays them out.
type LinkDescGeometry struct {
	DescSize              int
	DescAlign             int
	MPDUsPerLinkDesc      int
	MSDUsPerLinkDesc      int
	MPDULinksPerQueueDesc int
}

// ScatterList publishes an idle list spread over several scatter buffers.
type ScatterList struct {
	Paddrs  []uint64
	Vaddrs  [][]byte
	BufSize int
	// TailOffset is the byte offset just past the last entry written into
	// the final buffer.
	TailOffset int
}

// Engine is the hardware engine owning the rings.
type Engine interface {
	EntrySize(t RingType) int
	RingAlignment(t RingType) int
	MaxEntries(t RingType) int

	SetupRing(t RingType, instance, owner int, p RingParams) (RingID, error)
	CleanupRing(id RingID)

	// AccessStart snapshots the hardware side of the ring. Entries may only
	// be produced or consumed between AccessStart and AccessEnd.
	AccessStart(id RingID) error
	// AccessEnd publishes the host side of the ring to hardware.
	AccessEnd(id RingID)
	// SrcGetNext returns the next free entry of a source ring or nil when
	// the ring is full.
	SrcGetNext(id RingID) []byte
	// DstGetNext returns the next entry hardware produced or nil when there
	// is none left.
	DstGetNext(id RingID) []byte

	LinkDescGeometry() LinkDescGeometry
	ScatterBufSize() int
	ScatterEntriesPerBuf(bufSize int) int
	SetLinkDescAddr(entry []byte, cookie uint32, paddr uint64)

	// SetIdleRing publishes a WBMIdleLink ring as the idle list.
	SetIdleRing(id RingID) error
	// SetupScatterIdleList publishes scatter buffers as the idle list.
	SetupScatterIdleList(sl ScatterList) error
	// ResetIdleList forgets the published idle list.
	ResetIdleList()
}
