package srng

import (
	"fmt"

	"github.com/sirupsen/logrus"
	"github.com/slackhq/wlandp/hal"
	"github.com/slackhq/wlandp/host"
)

const (
	// IntrTimerThresholdUs is the interrupt mitigation timer every ring is
	// registered with.
	IntrTimerThresholdUs = 8
	// IntrBatchCounterThreshold is the number of entries that raise an
	// interrupt without waiting for the timer.
	IntrBatchCounterThreshold = 1
	// lowThresholdDivisor sets the low threshold of buffer supply rings to
	// an eighth of their size.
	lowThresholdDivisor = 8
)

// Ring is one registered hardware ring and the coherent memory behind it.
type Ring struct {
	l     *logrus.Logger
	eng   hal.Engine
	alloc host.Allocator

	class    hal.RingType
	instance int
	owner    int

	// raw is exactly what the allocator handed out and is what gets freed.
	raw     host.Region
	aligned host.Region

	entries   int
	entrySize int
	align     int

	id         hal.RingID
	registered bool
}

// Setup allocates memory for a ring of the given class and registers it with
// the engine. entries above what the engine supports for the class are
// clamped. A failed setup leaves nothing allocated or registered.
func Setup(l *logrus.Logger, eng hal.Engine, alloc host.Allocator, class hal.RingType, instance, owner, entries int) (*Ring, error) {
	if !class.Valid() {
		return nil, fmt.Errorf("%w: unknown ring class %d", hal.ErrConfiguration, int(class))
	}
	if entries <= 0 {
		return nil, fmt.Errorf("%w: %s ring %d needs entries, got %d", hal.ErrConfiguration, class, instance, entries)
	}

	entrySize := eng.EntrySize(class)
	if entrySize <= 0 {
		return nil, fmt.Errorf("%w: engine reports entry size %d for %s rings", hal.ErrConfiguration, entrySize, class)
	}

	align := eng.RingAlignment(class)
	if align < hal.MinRingAlignment || !IsPowerOfTwo(align) {
		return nil, fmt.Errorf("%w: %s ring alignment %d must be a power of two of at least %d",
			hal.ErrConfiguration, class, align, hal.MinRingAlignment)
	}

	if limit := eng.MaxEntries(class); limit > 0 && entries > limit {
		l.WithFields(logrus.Fields{
			"ring":      class.String(),
			"instance":  instance,
			"requested": entries,
			"max":       limit,
		}).Warn("Ring size exceeds what the engine supports, clamping")
		entries = limit
	}

	r := &Ring{
		l:         l,
		eng:       eng,
		alloc:     alloc,
		class:     class,
		instance:  instance,
		owner:     owner,
		entries:   entries,
		entrySize: entrySize,
		align:     align,
		id:        hal.NoRing,
	}

	size := entries*entrySize + align - 1
	raw, err := alloc.AllocCoherent(size)
	if err != nil {
		return nil, fmt.Errorf("%w: %s ring %d of %d bytes: %w", hal.ErrAllocation, class, instance, size, err)
	}
	r.raw = raw

	a := AlignUp(raw.Phys, uint64(align))
	r.aligned = raw.Sub(int(a.Slack), entries*entrySize)

	p := hal.RingParams{
		BaseVaddr:                 r.aligned.Virt,
		BasePaddr:                 r.aligned.Phys,
		NumEntries:                entries,
		IntrTimerThresholdUs:      IntrTimerThresholdUs,
		IntrBatchCounterThreshold: IntrBatchCounterThreshold,
	}
	if class.IsBufferSupply() {
		p.LowThreshold = uint32(entries / lowThresholdDivisor)
		p.Flags |= hal.RingFlagLowThresholdIntr
	}

	r.id, err = eng.SetupRing(class, instance, owner, p)
	if err != nil {
		alloc.FreeCoherent(r.raw)
		r.raw = host.Region{}
		return nil, fmt.Errorf("%w: %s ring %d: %w", hal.ErrRegistration, class, instance, err)
	}
	r.registered = true

	return r, nil
}

// Cleanup unregisters the ring and frees its memory. Cleaning up a ring that
// is not registered only logs a warning. Buffers the entries point at are
// never touched.
func (r *Ring) Cleanup() {
	if r == nil {
		return
	}
	if !r.registered {
		r.l.WithField("ring", r.String()).Warn("Cleanup of a ring that is not set up")
		return
	}

	r.eng.CleanupRing(r.id)
	r.alloc.FreeCoherent(r.raw)

	r.registered = false
	r.id = hal.NoRing
	r.raw = host.Region{}
	r.aligned = host.Region{}
}

func (r *Ring) ID() hal.RingID       { return r.id }
func (r *Ring) Class() hal.RingType  { return r.class }
func (r *Ring) Instance() int        { return r.instance }
func (r *Ring) Owner() int           { return r.owner }
func (r *Ring) Entries() int         { return r.entries }
func (r *Ring) EntrySize() int       { return r.entrySize }
func (r *Ring) Alignment() int       { return r.align }
func (r *Ring) Registered() bool     { return r.registered }
func (r *Ring) Raw() host.Region     { return r.raw }
func (r *Ring) Aligned() host.Region { return r.aligned }

func (r *Ring) String() string {
	return fmt.Sprintf("%s/%d", r.class, r.instance)
}
