package host

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestManualClock_Advance(t *testing.T) {
	c := NewManualClock()

	var order []string
	a := c.NewTimer(func() { order = append(order, "a") })
	b := c.NewTimer(func() { order = append(order, "b") })

	a.Reset(20 * time.Millisecond)
	b.Reset(10 * time.Millisecond)
	assert.Equal(t, 2, c.Armed())

	assert.Equal(t, 0, c.Advance(5*time.Millisecond))
	assert.Equal(t, 2, c.Advance(20*time.Millisecond))
	assert.Equal(t, []string{"b", "a"}, order)
	assert.Equal(t, 25*time.Millisecond, c.Now())
	assert.Equal(t, 0, c.Armed())
}

func TestManualClock_Rearm(t *testing.T) {
	c := NewManualClock()

	fires := 0
	var tm Timer
	tm = c.NewTimer(func() {
		fires++
		tm.Reset(10 * time.Millisecond)
	})
	tm.Reset(10 * time.Millisecond)

	assert.Equal(t, 5, c.Advance(55*time.Millisecond))
	assert.Equal(t, 5, fires)

	assert.True(t, tm.Stop())
	assert.Equal(t, 0, c.Advance(time.Second))

	tm.Free()
	tm.Reset(time.Millisecond)
	assert.Equal(t, 0, c.Advance(time.Second))
	assert.Equal(t, 0, c.Live())
}

func TestWallClock(t *testing.T) {
	done := make(chan struct{})
	tm := WallClock{}.NewTimer(func() { close(done) })
	tm.Reset(time.Millisecond)

	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("timer did not fire")
	}

	tm.Free()
	tm.Reset(time.Millisecond)
	assert.False(t, tm.Stop())
}

func TestRegisterFile(t *testing.T) {
	f := NewRegisterFile(16)
	assert.Equal(t, 16, f.Size())

	f.Write32(4, 0xdeadbeef)
	assert.Equal(t, uint32(0xdeadbeef), f.Read32(4))
	assert.Equal(t, uint32(0), f.Read32(0))

	assert.Panics(t, func() { f.Read32(16) })
	assert.Panics(t, func() { f.Write32(2, 1) })
}
