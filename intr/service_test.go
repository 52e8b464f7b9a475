package intr

import (
	"testing"

	"github.com/rcrowley/go-metrics"
	"github.com/stretchr/testify/assert"
)

func TestService_PriorityAndBudget(t *testing.T) {
	// One pending unit each on Tx completion, Rx exception and Rx release
	// with room for two.
	target := newFakeTarget(1, 1)
	target.add(TxCompletion, 0, 1)
	target.add(RxException, 0, 1)
	target.add(RxRelease, 0, 1)
	c := armed(target, Masks{Tx: 1, RxErr: 1, RxWBMRel: 1})

	assert.Equal(t, 2, Service(c, 2))
	assert.Equal(t, []string{"tx_completion0", "rx_exception0"}, target.order())
	assert.Equal(t, 1, target.left(RxRelease, 0))
}

func TestService_TxBeforeRx(t *testing.T) {
	target := newFakeTarget(1, 1)
	target.add(TxCompletion, 0, 1)
	target.add(RxDest, 0, 1)
	c := armed(target, Masks{Tx: 1, Rx: 1})

	assert.Equal(t, 1, Service(c, 1))
	assert.Zero(t, target.left(TxCompletion, 0))
	assert.Equal(t, 1, target.left(RxDest, 0), "rx must be left untouched")
	assert.Equal(t, []string{"tx_completion0"}, target.order())
}

func TestService_Order(t *testing.T) {
	target := newFakeTarget(3, 4)
	c := armed(target, Masks{Tx: 0b101, Rx: 0b1010, RxErr: 1, RxWBMRel: 1, REOStatus: 1})

	assert.Zero(t, Service(c, 64))
	assert.Equal(t, []string{
		"tx_completion0",
		"tx_completion2",
		"rx_exception0",
		"rx_release0",
		"rx_dest1",
		"rx_dest3",
		"reo_status0",
	}, target.order())
}

func TestService_SkipsMissingRings(t *testing.T) {
	target := newFakeTarget(2, 1)
	c := armed(target, Masks{Tx: 0b111, Rx: 0b11})

	Service(c, 64)
	assert.Equal(t, []string{"tx_completion0", "tx_completion1", "rx_dest0"}, target.order())
}

func TestService_StopsWhenBudgetIsUsed(t *testing.T) {
	target := newFakeTarget(3, 4)
	target.add(TxCompletion, 0, 10)
	target.add(TxCompletion, 1, 10)
	target.add(TxCompletion, 2, 10)
	target.add(RxDest, 0, 10)
	c := armed(target, Masks{Tx: 0b111, Rx: 1})

	// The second Tx ring uses the rest of the budget mid class.
	assert.Equal(t, 15, Service(c, 15))
	assert.Equal(t, []string{"tx_completion0", "tx_completion1"}, target.order())
	assert.Equal(t, 5, target.left(TxCompletion, 1))
	assert.Equal(t, 10, target.left(TxCompletion, 2))
	assert.Equal(t, 10, target.left(RxDest, 0))
}

func TestService_QuotaShrinks(t *testing.T) {
	target := newFakeTarget(2, 1)
	target.add(TxCompletion, 0, 3)
	target.add(TxCompletion, 1, 3)
	target.add(RxDest, 0, 100)
	c := armed(target, Masks{Tx: 0b11, Rx: 1})

	assert.Equal(t, 10, Service(c, 10))
	target.mu.Lock()
	defer target.mu.Unlock()
	var quotas []int
	for _, cl := range target.calls {
		quotas = append(quotas, cl.quota)
	}
	assert.Equal(t, []int{10, 7, 4}, quotas)
}

func TestService_StatusDrainedWithoutBudget(t *testing.T) {
	for _, budget := range []int{0, -5, 1} {
		target := newFakeTarget(1, 1)
		target.add(REOStatus, 0, 5000)
		target.add(TxCompletion, 0, 10)
		c := armed(target, Masks{Tx: 1, REOStatus: 1})

		done := Service(c, budget)
		assert.Equal(t, max(budget, 0), done, "budget %d", budget)
		assert.Zero(t, target.left(REOStatus, 0), "budget %d", budget)

		target.mu.Lock()
		last := target.calls[len(target.calls)-1]
		target.mu.Unlock()
		assert.Equal(t, REOStatus, last.class)
		assert.Equal(t, unboundedQuota, last.quota)
	}
}

func TestService_StatusWorkIsNotCounted(t *testing.T) {
	target := newFakeTarget(1, 1)
	target.add(REOStatus, 0, 50)
	target.add(RxDest, 0, 3)
	c := armed(target, Masks{Rx: 1, REOStatus: 1})

	assert.Equal(t, 3, Service(c, 64))
}

// Whatever handlers report, the work done is budget minus what is left and
// never more than the budget.
func TestService_ClampsHandlerResults(t *testing.T) {
	tests := []struct {
		name    string
		results []int
		budget  int
		want    int
		calls   int
	}{
		{"exact", []int{2, 3, 5}, 10, 10, 3},
		{"negative ignored", []int{-4, 3, -1}, 10, 3, 3},
		{"overrun clamped", []int{4, 100, 1}, 10, 10, 2},
		{"first drains all", []int{64, 1, 1}, 64, 64, 1},
		{"nothing pending", []int{0, 0, 0}, 10, 0, 3},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			target := newFakeTarget(3, 0)
			i := 0
			target.override = func(c call) int {
				r := tt.results[i]
				i++
				return r
			}
			c := armed(target, Masks{Tx: 0b111})

			assert.Equal(t, tt.want, Service(c, tt.budget))
			assert.Len(t, target.order(), tt.calls)
		})
	}
}

func TestService_InactiveContext(t *testing.T) {
	target := newFakeTarget(1, 1)
	target.add(TxCompletion, 0, 1)
	c := newContext(0, target, Masks{Tx: 1})

	assert.Zero(t, Service(c, 64))
	assert.Empty(t, target.order())

	c.arm()
	assert.Equal(t, 1, Service(c, 64))
	c.ResetMasks()
	assert.True(t, c.Masks().IsZero())
	assert.Equal(t, Masks{Tx: 1}, c.Assigned())
}

func TestService_Metrics(t *testing.T) {
	target := newFakeTarget(1, 1)
	target.add(RxDest, 0, 100)
	c := newContext(41, target, Masks{Rx: 1})
	c.arm()

	work := metrics.GetOrRegisterCounter("intr.ctx.41.work", nil)
	exhausted := metrics.GetOrRegisterCounter("intr.ctx.41.exhausted", nil)
	work.Clear()
	exhausted.Clear()

	Service(c, 64)
	Service(c, 64)
	assert.Equal(t, int64(100), work.Count())
	assert.Equal(t, int64(1), exhausted.Count())
}

func TestNewContexts(t *testing.T) {
	target := newFakeTarget(3, 4)
	contexts := NewContexts(target, DefaultMaskTable)
	assert.Len(t, contexts, 7)
	for i, c := range contexts {
		assert.Equal(t, i, c.ID())
		assert.True(t, c.Masks().IsZero(), "masks are only active once attached")
		assert.Equal(t, DefaultMaskTable[i], c.Assigned())
	}
}
