package intr

import (
	"fmt"
	"sync/atomic"

	"github.com/rcrowley/go-metrics"
)

// Target owns the rings contexts service.
type Target interface {
	// Rings returns how many ring instances of a class exist.
	Rings(c Class) int
	// ServiceRing processes up to quota entries of one ring and returns how
	// many it processed.
	ServiceRing(c Class, index, quota int) int
}

// TargetFunc adapts a plain function to a Target with a fixed ring count per
// class.
type TargetFunc struct {
	Counts [NumClasses]int
	Fn     func(c Class, index, quota int) int
}

func (t TargetFunc) Rings(c Class) int {
	if c < 0 || c >= NumClasses {
		return 0
	}
	return t.Counts[c]
}

func (t TargetFunc) ServiceRing(c Class, index, quota int) int {
	return t.Fn(c, index, quota)
}

// Context is one interrupt context. It is serviced by at most one goroutine
// at a time.
type Context struct {
	id     int
	target Target

	// assigned is handed out by the mask table, active is what Service sees.
	// Masks are only active while a dispatcher is attached.
	assigned Masks
	active   atomic.Pointer[Masks]

	work      metrics.Counter
	exhausted metrics.Counter
	runs      metrics.Counter
}

// NewContexts creates one context per mask table entry.
func NewContexts(target Target, table MaskTable) []*Context {
	contexts := make([]*Context, len(table))
	for i, m := range table {
		contexts[i] = newContext(i, target, m)
	}
	return contexts
}

func newContext(id int, target Target, m Masks) *Context {
	c := &Context{
		id:        id,
		target:    target,
		assigned:  m,
		work:      metrics.GetOrRegisterCounter(fmt.Sprintf("intr.ctx.%d.work", id), nil),
		exhausted: metrics.GetOrRegisterCounter(fmt.Sprintf("intr.ctx.%d.exhausted", id), nil),
		runs:      metrics.GetOrRegisterCounter(fmt.Sprintf("intr.ctx.%d.runs", id), nil),
	}
	c.active.Store(&Masks{})
	return c
}

func (c *Context) ID() int { return c.id }

// Masks returns the masks currently in effect.
func (c *Context) Masks() Masks { return *c.active.Load() }

// Assigned returns the masks the context receives when attached.
func (c *Context) Assigned() Masks { return c.assigned }

func (c *Context) arm() {
	m := c.assigned
	c.active.Store(&m)
}

// ResetMasks clears the active masks, after which Service does nothing.
func (c *Context) ResetMasks() {
	c.active.Store(&Masks{})
}

// sources calls fn for every ring instance the context owns that exists on
// the target.
func (c *Context) sources(fn func(class Class, index int)) {
	m := c.assigned
	for class := Class(0); class < NumClasses; class++ {
		n := c.target.Rings(class)
		m.Rings(class, func(i int) {
			if i < n {
				fn(class, i)
			}
		})
	}
}
