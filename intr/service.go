package intr

import "math"

// PollBudget is the budget every context gets on a poll timer tick.
const PollBudget = 0xffff

// unboundedQuota is handed to rings drained without a budget.
const unboundedQuota = math.MaxInt32

// boundedOrder is the order budgeted classes are serviced in. Tx completions
// go first so freed Tx buffers are available before more Rx work is taken
// on. Exception and release rings precede the normal Rx rings.
var boundedOrder = [...]Class{TxCompletion, RxException, RxRelease, RxDest}

// Service drains the rings of c and returns the amount of work done, which
// never exceeds budget. Budgeted classes stop as soon as the budget is used
// up. REO status rings are always drained completely, whatever the budget.
func Service(c *Context, budget int) int {
	m := c.Masks()
	remaining := max(budget, 0)
	start := remaining

	c.runs.Inc(1)

bounded:
	for _, class := range boundedOrder {
		n := c.target.Rings(class)
		for v := m.Mask(class); v != 0; v &= v - 1 {
			if remaining <= 0 {
				break bounded
			}
			i := lowestBit(v)
			if i >= n {
				continue
			}
			done := c.target.ServiceRing(class, i, remaining)
			remaining -= min(max(done, 0), remaining)
		}
	}
	if remaining == 0 && start > 0 {
		c.exhausted.Inc(1)
	}

	if m.REOStatus != 0 {
		n := c.target.Rings(REOStatus)
		m.Rings(REOStatus, func(i int) {
			if i < n {
				c.target.ServiceRing(REOStatus, i, unboundedQuota)
			}
		})
	}

	done := start - remaining
	c.work.Inc(int64(done))
	return done
}
