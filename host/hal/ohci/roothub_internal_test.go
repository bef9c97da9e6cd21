package ohci

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ardnew/softohci/host/hal/dma"
)

// =============================================================================
// Status Change Rate Tests
// =============================================================================

func newRateLimitedController(t *testing.T) *Controller {
	t.Helper()
	c := New(newFakeRegs(), dma.NewArena(dma.DefaultBase, 1<<20),
		WithResetDelays(0, 0, 0), WithSettle(0, 0), WithRHSCInterval(time.Hour))
	require.NoError(t, c.Init(context.Background()))
	return c
}

func (r *RootHub) pendingRearm() *time.Timer {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.rearm
}

func TestStatusChange_RearmsAfterInterval(t *testing.T) {
	c := newRateLimitedController(t)
	t.Cleanup(func() { _ = c.Shutdown() })

	c.disableIntrs(IntrRHSC)
	c.root.statusChange(true)
	assert.NotZero(t, c.enabledIntrs()&IntrRHSC, "first change re-enables at once")
	assert.Nil(t, c.root.pendingRearm())

	c.disableIntrs(IntrRHSC)
	c.root.statusChange(true)
	assert.Zero(t, c.enabledIntrs()&IntrRHSC, "second change waits for the interval")
	assert.NotNil(t, c.root.pendingRearm())

	c.root.statusChange(false)
	assert.Zero(t, c.enabledIntrs()&IntrRHSC, "polling never re-enables")
}

func TestStatusChange_ShutdownStopsRearm(t *testing.T) {
	c := newRateLimitedController(t)

	c.root.statusChange(true)
	c.root.statusChange(true)
	timer := c.root.pendingRearm()
	require.NotNil(t, timer)

	require.NoError(t, c.Shutdown())
	assert.Nil(t, c.root.pendingRearm())
	assert.False(t, timer.Stop(), "timer already stopped")

	c.root.statusChange(true)
	assert.Nil(t, c.root.pendingRearm(), "nothing armed after shutdown")
}
