package srng

import (
	"errors"
	"fmt"
)

// ErrNotRegistered is returned when accessing a ring after Cleanup or before
// a successful Setup.
var ErrNotRegistered = errors.New("ring is not registered")

// Producer fills free entries of a source ring.
type Producer struct {
	r *Ring
	n int
}

// Next returns the next free entry or nil when the ring is full. The entry
// is handed to hardware when the enclosing Produce returns.
func (p *Producer) Next() []byte {
	e := p.r.eng.SrcGetNext(p.r.id)
	if e != nil {
		p.n++
	}
	return e
}

// Count returns the number of entries produced so far.
func (p *Producer) Count() int {
	return p.n
}

// Consumer drains entries hardware produced into a destination ring.
type Consumer struct {
	r *Ring
	n int
}

// Next returns the next entry or nil when the ring is drained. Entries are
// only valid until the enclosing Consume returns.
func (c *Consumer) Next() []byte {
	e := c.r.eng.DstGetNext(c.r.id)
	if e != nil {
		c.n++
	}
	return e
}

// Count returns the number of entries consumed so far.
func (c *Consumer) Count() int {
	return c.n
}

// Produce runs fn inside the engine access window of a source ring.
// Everything fn produced is published when fn returns, even when it
// returns an error or panics.
func (r *Ring) Produce(fn func(p *Producer) error) error {
	if err := r.begin(true); err != nil {
		return err
	}
	defer r.eng.AccessEnd(r.id)
	return fn(&Producer{r: r})
}

// Consume runs fn inside the engine access window of a destination ring.
// Everything fn consumed is returned to hardware when fn returns.
func (r *Ring) Consume(fn func(c *Consumer) error) error {
	if err := r.begin(false); err != nil {
		return err
	}
	defer r.eng.AccessEnd(r.id)
	return fn(&Consumer{r: r})
}

func (r *Ring) begin(source bool) error {
	if !r.registered {
		return fmt.Errorf("%w: %s", ErrNotRegistered, r)
	}
	if r.class.IsSource() != source {
		if source {
			return fmt.Errorf("%s ring is produced by hardware", r)
		}
		return fmt.Errorf("%s ring is produced by the host", r)
	}
	if err := r.eng.AccessStart(r.id); err != nil {
		return fmt.Errorf("access %s ring: %w", r, err)
	}
	return nil
}
