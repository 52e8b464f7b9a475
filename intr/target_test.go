package intr

import (
	"fmt"
	"sync"
)

type call struct {
	class Class
	index int
	quota int
}

func (c call) String() string {
	return fmt.Sprintf("%s%d", c.class, c.index)
}

// fakeTarget has a number of pending entries per ring and services as many
// as the quota allows. Every call is recorded.
type fakeTarget struct {
	mu      sync.Mutex
	counts  [NumClasses]int
	pending map[call]int
	calls   []call

	// override, when set, replaces what ServiceRing reports.
	override func(c call) int
}

func newFakeTarget(tx, rx int) *fakeTarget {
	t := &fakeTarget{pending: make(map[call]int)}
	t.counts[TxCompletion] = tx
	t.counts[RxDest] = rx
	t.counts[RxException] = 1
	t.counts[RxRelease] = 1
	t.counts[REOStatus] = 1
	return t
}

func (t *fakeTarget) add(class Class, index, n int) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.pending[call{class: class, index: index}] += n
}

func (t *fakeTarget) left(class Class, index int) int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.pending[call{class: class, index: index}]
}

func (t *fakeTarget) total() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	n := 0
	for _, v := range t.pending {
		n += v
	}
	return n
}

func (t *fakeTarget) order() []string {
	t.mu.Lock()
	defer t.mu.Unlock()
	out := make([]string, len(t.calls))
	for i, c := range t.calls {
		out[i] = c.String()
	}
	return out
}

func (t *fakeTarget) Rings(c Class) int {
	return t.counts[c]
}

func (t *fakeTarget) ServiceRing(c Class, index, quota int) int {
	t.mu.Lock()
	defer t.mu.Unlock()

	cl := call{class: c, index: index, quota: quota}
	t.calls = append(t.calls, cl)
	if t.override != nil {
		return t.override(cl)
	}

	key := call{class: c, index: index}
	n := min(t.pending[key], quota)
	t.pending[key] -= n
	return n
}

func armed(target Target, m Masks) *Context {
	c := newContext(0, target, m)
	c.arm()
	return c
}
