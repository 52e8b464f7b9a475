package linkdesc

import (
	"fmt"
	"testing"

	"github.com/slackhq/wlandp/hal"
	"github.com/slackhq/wlandp/test"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestComputeRequirement(t *testing.T) {
	g := hal.NewSoft(test.NewLogger()).LinkDescGeometry()

	r, err := ComputeRequirement(g, 64)
	require.NoError(t, err)
	assert.Equal(t, Requirement{
		MPDULinkDescs:   2730,
		TxQueueDescs:    227,
		TxMSDULinkDescs: 5461,
		RxMSDULinkDescs: 10922,
		Raw:             19340,
		Total:           32768,
	}, r)

	r, err = ComputeRequirement(g, 1)
	require.NoError(t, err)
	assert.Equal(t, 300, r.Raw)
	assert.Equal(t, 512, r.Total)
}

func TestComputeRequirement_Errors(t *testing.T) {
	g := hal.NewSoft(test.NewLogger()).LinkDescGeometry()

	tests := []struct {
		name    string
		g       hal.LinkDescGeometry
		clients int
	}{
		{"zero clients", g, 0},
		{"negative clients", g, -1},
		{"too many descriptors", g, 100000},
		{"no mpdus per desc", hal.LinkDescGeometry{DescSize: 128, DescAlign: 128, MSDUsPerLinkDesc: 6, MPDULinksPerQueueDesc: 12}, 64},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := ComputeRequirement(tt.g, tt.clients)
			require.ErrorIs(t, err, hal.ErrConfiguration)
		})
	}
}

func TestNewPlan_InRing(t *testing.T) {
	p, err := NewPlan(hal.NewSoft(test.NewLogger()), Options{MaxClients: 64})
	require.NoError(t, err)

	assert.Equal(t, DefaultMaxAllocSize, p.MaxAllocSize)
	assert.Equal(t, 4194432, p.MemSize)
	assert.Equal(t, []BankPlan{
		{Size: 2 << 20, Descs: 16383},
		{Size: 2 << 20, Descs: 16383},
		{Size: 2*128 + 128, Descs: 2},
	}, p.Banks)
	assert.True(t, p.IdleInRing)
	assert.Equal(t, 262144, p.IdleMem)
	assert.Equal(t, 262159, p.IdleRingSize)
	assert.Zero(t, p.ScatterBufs)
}

// The idle ring carries a spare entry and alignment slack on top of the
// descriptor references, so an allocation limit of exactly the reference
// bytes is not enough for it.
func TestNewPlan_IdleRingBoundary(t *testing.T) {
	eng := hal.NewSoft(test.NewLogger())

	p, err := NewPlan(eng, Options{MaxClients: 64, MaxAllocSize: 256 << 10})
	require.NoError(t, err)
	assert.Equal(t, 256<<10, p.IdleMem)
	assert.False(t, p.IdleInRing)
	assert.Equal(t, 9, p.ScatterBufs)

	p, err = NewPlan(eng, Options{MaxClients: 64, MaxAllocSize: 262159})
	require.NoError(t, err)
	assert.True(t, p.IdleInRing)
	assert.LessOrEqual(t, p.IdleRingSize, p.MaxAllocSize)
}

func TestNewPlan_Scatter(t *testing.T) {
	p, err := NewPlan(hal.NewSoft(test.NewLogger()), Options{MaxClients: 64, MaxAllocSize: 128 << 10})
	require.NoError(t, err)

	require.Len(t, p.Banks, 33)
	for _, b := range p.Banks[:32] {
		assert.Equal(t, BankPlan{Size: 128 << 10, Descs: 1023}, b)
	}
	assert.Equal(t, BankPlan{Size: 32*128 + 128, Descs: 32}, p.Banks[32])

	assert.False(t, p.IdleInRing)
	assert.Equal(t, 32704, p.ScatterBufSize)
	assert.Equal(t, 4087, p.ScatterPerBuf)
	assert.Equal(t, 9, p.ScatterBufs)
}

func TestNewPlan_SingleBank(t *testing.T) {
	p, err := NewPlan(hal.NewSoft(test.NewLogger()), Options{MaxClients: 1})
	require.NoError(t, err)
	assert.Equal(t, []BankPlan{{Size: 512*128 + 128, Descs: 512}}, p.Banks)
	assert.True(t, p.IdleInRing)
}

func TestNewPlan_Limits(t *testing.T) {
	eng := hal.NewSoft(test.NewLogger())

	tests := []struct {
		name string
		opts Options
	}{
		{"too many banks", Options{MaxClients: 64, MaxAllocSize: 16 << 10}},
		{"too many scatter buffers", Options{MaxClients: 256, MaxAllocSize: 512 << 10}},
		{"alloc smaller than a descriptor", Options{MaxClients: 1, MaxAllocSize: 200}},
		{"no clients", Options{MaxAllocSize: 1 << 20}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := NewPlan(eng, tt.opts)
			require.ErrorIs(t, err, hal.ErrConfiguration)
		})
	}
}

// Every planned layout holds exactly the descriptors required, with every
// bank within the allocation limit and all but the last filling it.
func TestNewPlan_BankInvariants(t *testing.T) {
	eng := hal.NewSoft(test.NewLogger())

	for _, clients := range []int{1, 2, 7, 16, 33, 64, 100, 200} {
		for _, maxAlloc := range []int{64 << 10, 128 << 10, 512 << 10, 2 << 20} {
			t.Run(fmt.Sprintf("%d clients %d bytes", clients, maxAlloc), func(t *testing.T) {
				p, err := NewPlan(eng, Options{MaxClients: clients, MaxAllocSize: maxAlloc})
				if err != nil {
					require.ErrorIs(t, err, hal.ErrConfiguration)
					return
				}

				sum := 0
				for i, b := range p.Banks {
					sum += b.Descs
					assert.LessOrEqual(t, b.Size, maxAlloc)
					assert.GreaterOrEqual(t, b.Size, b.Descs*p.Geometry.DescSize+p.Geometry.DescAlign)
					if len(p.Banks) > 1 && i < len(p.Banks)-1 {
						assert.Equal(t, maxAlloc, b.Size, "bank %d", i)
					}
				}
				assert.Equal(t, p.Total, sum)
				assert.LessOrEqual(t, len(p.Banks), MaxBanks)

				if p.IdleInRing {
					assert.LessOrEqual(t, p.IdleRingSize, maxAlloc)
				} else {
					assert.GreaterOrEqual(t, p.ScatterBufs*p.ScatterPerBuf, p.Total)
					assert.Less(t, (p.ScatterBufs-1)*p.ScatterPerBuf, p.Total, "no spare scatter buffer")
				}
			})
		}
	}
}
