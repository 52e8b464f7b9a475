package hal

import "fmt"

// RingType is the class of a hardware ring. It decides the entry size, who
// produces into the ring and which defaults the ring is set up with.
type RingType int

const (
	REODst RingType = iota
	REOException
	REOReinject
	REOCmd
	REOStatus
	TCLData
	TCLCmd
	TCLStatus
	SW2WBMRelease
	WBM2SWRelease
	WBMIdleLink
	RXDMABuf
	RXDMADst

	numRingTypes
)

var ringTypeNames = [numRingTypes]string{
	REODst:        "reo_dst",
	REOException:  "reo_exception",
	REOReinject:   "reo_reinject",
	REOCmd:        "reo_cmd",
	REOStatus:     "reo_status",
	TCLData:       "tcl_data",
	TCLCmd:        "tcl_cmd",
	TCLStatus:     "tcl_status",
	SW2WBMRelease: "sw2wbm_release",
	WBM2SWRelease: "wbm2sw_release",
	WBMIdleLink:   "wbm_idle_link",
	RXDMABuf:      "rxdma_buf",
	RXDMADst:      "rxdma_dst",
}

func (t RingType) String() string {
	if t < 0 || t >= numRingTypes {
		return fmt.Sprintf("ring_type(%d)", int(t))
	}
	return ringTypeNames[t]
}

// Valid reports whether t is a known ring type.
func (t RingType) Valid() bool {
	return t >= 0 && t < numRingTypes
}

// IsSource reports whether the host produces into rings of this type. All
// other rings are produced by hardware and consumed by the host.
func (t RingType) IsSource() bool {
	switch t {
	case REOReinject, REOCmd, TCLData, TCLCmd, SW2WBMRelease, WBMIdleLink, RXDMABuf:
		return true
	}
	return false
}

// IsBufferSupply reports whether rings of this type hand empty buffers to
// hardware and should interrupt the host when they run low.
func (t RingType) IsBufferSupply() bool {
	return t == RXDMABuf
}
