package timer

import (
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	fakeclock "k8s.io/utils/clock/testing"
)

func TestInactivity_FiresAfterWindow(t *testing.T) {
	clk := fakeclock.NewFakeClock(time.Now())
	var fired atomic.Int32
	it := NewInactivity(clk, 2*time.Second, func() { fired.Add(1) })

	it.Reset()
	assert.True(t, it.armed())

	clk.Step(1999 * time.Millisecond)
	time.Sleep(20 * time.Millisecond)
	assert.Equal(t, int32(0), fired.Load())

	clk.Step(time.Millisecond)
	require.Eventually(t, func() bool { return fired.Load() == 1 }, time.Second, 5*time.Millisecond)
	assert.False(t, it.armed())
}

func TestInactivity_ResetPostpones(t *testing.T) {
	clk := fakeclock.NewFakeClock(time.Now())
	var fired atomic.Int32
	it := NewInactivity(clk, 2*time.Second, func() { fired.Add(1) })

	it.Reset()
	clk.Step(1500 * time.Millisecond)
	it.Reset()
	clk.Step(1500 * time.Millisecond)
	time.Sleep(20 * time.Millisecond)
	assert.Equal(t, int32(0), fired.Load(), "reset must cancel the first deadline")

	clk.Step(500 * time.Millisecond)
	require.Eventually(t, func() bool { return fired.Load() == 1 }, time.Second, 5*time.Millisecond)
}

func TestInactivity_Stop(t *testing.T) {
	clk := fakeclock.NewFakeClock(time.Now())
	var fired atomic.Int32
	it := NewInactivity(clk, time.Second, func() { fired.Add(1) })

	it.Reset()
	it.Stop()
	assert.False(t, it.armed())
	assert.False(t, clk.HasWaiters())

	clk.Step(5 * time.Second)
	time.Sleep(20 * time.Millisecond)
	assert.Equal(t, int32(0), fired.Load())
}

func TestInactivity_StaleFireIgnored(t *testing.T) {
	clk := fakeclock.NewFakeClock(time.Now())
	var fired atomic.Int32
	it := NewInactivity(clk, time.Second, func() { fired.Add(1) })

	it.Reset()
	it.mu.Lock()
	stale := it.gen
	it.mu.Unlock()
	it.Reset()

	it.fire(stale)
	assert.Equal(t, int32(0), fired.Load())
	assert.True(t, it.armed())
}
