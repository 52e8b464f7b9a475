package linkdesc

import (
	"fmt"

	"github.com/slackhq/wlandp/hal"
	"github.com/slackhq/wlandp/srng"
)

// Per client traffic estimates the pool is sized by.
const (
	AvgTIDsPerClient  = 2
	AvgMaxMPDUsPerTID = 128
	AvgFlowsPerTID    = 2
	AvgMSDUsPerFlow   = 128
	AvgMSDUsPerMPDU   = 4

	// rxMSDUsPerLinkDesc is fixed regardless of what the engine reports for
	// Tx MSDU link descriptors.
	rxMSDUsPerLinkDesc = 6
)

const (
	// DefaultMaxAllocSize is the largest contiguous coherent allocation made
	// for a bank or an idle ring.
	DefaultMaxAllocSize = 2 << 20

	MaxBanks       = 64
	MaxScatterBufs = 32

	// MaxLinkDescs bounds the rounded descriptor count.
	MaxLinkDescs = 1 << 24
)

// Options size a pool.
type Options struct {
	MaxClients   int
	MaxAllocSize int
}

// Requirement is the number of descriptors needed for a client count.
type Requirement struct {
	MPDULinkDescs   int
	TxQueueDescs    int
	TxMSDULinkDescs int
	RxMSDULinkDescs int

	// Raw is the sum of all the above and Total is Raw rounded up to a power
	// of two.
	Raw   int
	Total int
}

// ComputeRequirement returns how many descriptors clients need. Rx queue
// descriptors are allocated elsewhere and not part of the pool.
func ComputeRequirement(g hal.LinkDescGeometry, clients int) (Requirement, error) {
	if clients <= 0 {
		return Requirement{}, fmt.Errorf("%w: max clients must be positive, got %d", hal.ErrConfiguration, clients)
	}
	if g.MPDUsPerLinkDesc <= 0 || g.MSDUsPerLinkDesc <= 0 || g.MPDULinksPerQueueDesc <= 0 {
		return Requirement{}, fmt.Errorf("%w: invalid link descriptor geometry %+v", hal.ErrConfiguration, g)
	}
	// Keeps every product below well inside int range.
	if clients > MaxLinkDescs {
		return Requirement{}, fmt.Errorf("%w: %d clients", hal.ErrConfiguration, clients)
	}

	var r Requirement
	r.MPDULinkDescs = clients * AvgTIDsPerClient * AvgMaxMPDUsPerTID / g.MPDUsPerLinkDesc
	r.TxQueueDescs = r.MPDULinkDescs / g.MPDULinksPerQueueDesc
	r.TxMSDULinkDescs = clients * AvgTIDsPerClient * AvgFlowsPerTID * AvgMSDUsPerFlow / g.MSDUsPerLinkDesc
	r.RxMSDULinkDescs = clients * AvgTIDsPerClient * AvgMaxMPDUsPerTID * AvgMSDUsPerMPDU / rxMSDUsPerLinkDesc

	r.Raw = r.MPDULinkDescs + r.TxQueueDescs + r.TxMSDULinkDescs + r.RxMSDULinkDescs
	r.Total = srng.NextPowerOfTwo(r.Raw)
	if r.Total > MaxLinkDescs {
		return Requirement{}, fmt.Errorf("%w: %d clients need %d link descriptors, at most %d are addressable",
			hal.ErrConfiguration, clients, r.Total, MaxLinkDescs)
	}
	return r, nil
}

// BankPlan is the size of one bank and the descriptors it holds.
type BankPlan struct {
	Size  int
	Descs int
}

// Plan is the complete layout of a pool, worked out before anything is
// allocated.
type Plan struct {
	Requirement
	Geometry     hal.LinkDescGeometry
	MaxAllocSize int

	// MemSize is what one allocation holding every descriptor would need.
	MemSize int
	Banks   []BankPlan

	// IdleInRing is set when the idle ring, one spare entry and its
	// alignment slack included, fits into a single allocation.
	IdleInRing   bool
	IdleMem      int
	IdleRingSize int

	ScatterBufs    int
	ScatterBufSize int
	ScatterPerBuf  int
	idleEntrySize  int
}

// NewPlan lays out a pool for opts on eng. Every limit is checked here so a
// rejected configuration never allocates.
func NewPlan(eng hal.Engine, opts Options) (Plan, error) {
	g := eng.LinkDescGeometry()
	if g.DescSize <= 0 || !srng.IsPowerOfTwo(g.DescAlign) {
		return Plan{}, fmt.Errorf("%w: invalid link descriptor geometry %+v", hal.ErrConfiguration, g)
	}

	maxAlloc := opts.MaxAllocSize
	if maxAlloc == 0 {
		maxAlloc = DefaultMaxAllocSize
	}

	req, err := ComputeRequirement(g, opts.MaxClients)
	if err != nil {
		return Plan{}, err
	}

	p := Plan{
		Requirement:   req,
		Geometry:      g,
		MaxAllocSize:  maxAlloc,
		MemSize:       req.Total*g.DescSize + g.DescAlign,
		idleEntrySize: eng.EntrySize(hal.WBMIdleLink),
	}

	p.Banks, err = planBanks(req.Total, g, maxAlloc)
	if err != nil {
		return Plan{}, err
	}

	if p.idleEntrySize <= 0 {
		return Plan{}, fmt.Errorf("%w: engine reports idle entry size %d", hal.ErrConfiguration, p.idleEntrySize)
	}
	p.IdleMem = p.idleEntrySize * req.Total
	p.IdleRingSize = (req.Total+1)*p.idleEntrySize + eng.RingAlignment(hal.WBMIdleLink) - 1
	if p.IdleRingSize <= maxAlloc {
		p.IdleInRing = true
		return p, nil
	}

	p.ScatterBufSize = eng.ScatterBufSize()
	p.ScatterPerBuf = eng.ScatterEntriesPerBuf(p.ScatterBufSize)
	if p.ScatterBufSize <= 0 || p.ScatterPerBuf <= 0 {
		return Plan{}, fmt.Errorf("%w: scatter buffers of %d bytes hold %d entries",
			hal.ErrConfiguration, p.ScatterBufSize, p.ScatterPerBuf)
	}
	if p.ScatterBufSize > maxAlloc {
		return Plan{}, fmt.Errorf("%w: scatter buffer of %d bytes exceeds the %d byte allocation limit",
			hal.ErrConfiguration, p.ScatterBufSize, maxAlloc)
	}

	// The byte count alone ignores the next buffer pointer at the end of
	// every buffer and can come up one buffer short.
	p.ScatterBufs = max(ceilDiv(p.IdleMem, p.ScatterBufSize), ceilDiv(req.Total, p.ScatterPerBuf))
	if p.ScatterBufs > MaxScatterBufs {
		return Plan{}, fmt.Errorf("%w: idle list needs %d scatter buffers, at most %d are supported",
			hal.ErrConfiguration, p.ScatterBufs, MaxScatterBufs)
	}
	return p, nil
}

func planBanks(total int, g hal.LinkDescGeometry, maxAlloc int) ([]BankPlan, error) {
	memSize := total*g.DescSize + g.DescAlign
	if memSize <= maxAlloc {
		return []BankPlan{{Size: memSize, Descs: total}}, nil
	}

	perBank := (maxAlloc - g.DescAlign) / g.DescSize
	if perBank <= 0 {
		return nil, fmt.Errorf("%w: allocation limit %d can not hold a single %d byte descriptor",
			hal.ErrConfiguration, maxAlloc, g.DescSize)
	}

	full, rem := total/perBank, total%perBank
	count := full
	if rem > 0 {
		count++
	}
	if count > MaxBanks {
		return nil, fmt.Errorf("%w: %d link descriptors need %d banks, at most %d are supported",
			hal.ErrConfiguration, total, count, MaxBanks)
	}

	banks := make([]BankPlan, 0, count)
	for i := 0; i < full; i++ {
		banks = append(banks, BankPlan{Size: maxAlloc, Descs: perBank})
	}
	if rem > 0 {
		banks = append(banks, BankPlan{Size: rem*g.DescSize + g.DescAlign, Descs: rem})
	}
	return banks, nil
}

func ceilDiv(a, b int) int {
	return (a + b - 1) / b
}
