package hal

import "encoding/binary"

const (
	// LinkDescEntrySize is the size of a buffer address entry as found in
	// the idle list and in buffer supply rings.
	LinkDescEntrySize = 8

	// ReturnBufferManagerIdleList marks an entry as owned by the idle list.
	ReturnBufferManagerIdleList = 1

	// MaxLinkDescCookie is the largest cookie an entry can carry.
	MaxLinkDescCookie = 1<<21 - 1

	// MaxLinkDescAddr is the largest physical address an entry can carry.
	MaxLinkDescAddr = 1<<40 - 1
)

// EncodeLinkDescAddr writes a buffer address entry.
//
//	word 0: address[31:0]
//	word 1: address[39:32] | return buffer manager << 8 | cookie << 11
func EncodeLinkDescAddr(entry []byte, cookie uint32, paddr uint64) {
	_ = entry[LinkDescEntrySize-1]
	binary.LittleEndian.PutUint32(entry[0:4], uint32(paddr))
	w1 := uint32(paddr>>32)&0xff | ReturnBufferManagerIdleList<<8 | (cookie&MaxLinkDescCookie)<<11
	binary.LittleEndian.PutUint32(entry[4:8], w1)
}

// DecodeLinkDescAddr reads back an entry written by [EncodeLinkDescAddr].
func DecodeLinkDescAddr(entry []byte) (cookie uint32, paddr uint64) {
	_ = entry[LinkDescEntrySize-1]
	w0 := binary.LittleEndian.Uint32(entry[0:4])
	w1 := binary.LittleEndian.Uint32(entry[4:8])
	paddr = uint64(w0) | uint64(w1&0xff)<<32
	cookie = w1 >> 11
	return cookie, paddr
}
