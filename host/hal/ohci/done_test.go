package ohci

import (
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ardnew/softohci/host/hal/dma"
	"github.com/ardnew/softohci/pkg"
)

// recorder collects transfers in callback order.
type recorder struct {
	got []*Xfer
}

func (r *recorder) callback(x *Xfer) { r.got = append(r.got, x) }

func submitData(t *testing.T, mem *dma.Arena, p *Pipe, n int, flags XferFlags, rec *recorder) *Xfer {
	t.Helper()
	buf, _ := dmaBuffer(t, mem, max(n, 4), 4, 0, n)
	x := &Xfer{Buffer: buf, Length: n, Flags: flags, Callback: rec.callback}
	require.NoError(t, p.Submit(x))
	return x
}

// =============================================================================
// Top Half Tests
// =============================================================================

func TestInterrupt_NotOurs(t *testing.T) {
	c, regs, _ := newFakeController(t)
	assert.False(t, c.Interrupt(), "no status bits")

	regs.raise(IntrSF)
	assert.False(t, c.Interrupt(), "only disabled sources")

	regs.r[RegInterruptStatus] = 0xffffffff
	assert.False(t, c.Interrupt(), "controller gone")
}

func TestInterrupt_WDHDeferredToBottomHalf(t *testing.T) {
	c, regs, _ := newFakeController(t)
	regs.raise(IntrWDH)

	require.True(t, c.Interrupt())
	assert.Zero(t, c.enabledIntrs()&IntrWDH, "WDH masked until the done list is taken")
	assert.NotZero(t, regs.Read32(RegInterruptStatus)&IntrWDH, "WDH left for the bottom half")
	assert.Len(t, c.wdhCh, 1)

	<-c.wdhCh
	c.softIntr()
	assert.Zero(t, regs.Read32(RegInterruptStatus)&IntrWDH)
	assert.NotZero(t, c.enabledIntrs()&IntrWDH)
	assert.Equal(t, uint64(1), c.Stats().Interrupts)
}

func TestInterrupt_Polling(t *testing.T) {
	c, regs, _ := newFakeController(t)
	c.SetPolling(true)
	regs.raise(IntrWDH)
	assert.False(t, c.Interrupt())

	c.Poll()
	assert.Zero(t, regs.Read32(RegInterruptStatus))
	assert.NotZero(t, c.enabledIntrs()&IntrWDH)
}

func TestInterrupt_Overrun(t *testing.T) {
	c, regs, _ := newFakeController(t)
	regs.raise(IntrSO)
	require.True(t, c.Interrupt())
	regs.raise(IntrSO)
	require.True(t, c.Interrupt())

	assert.Equal(t, uint64(2), c.Stats().Overruns)
	assert.Zero(t, regs.Read32(RegInterruptStatus), "acknowledged")
	assert.NotZero(t, c.enabledIntrs()&IntrSO, "stays enabled")
}

func TestInterrupt_UnrecoverableHalts(t *testing.T) {
	c, regs, _ := newFakeController(t)
	regs.raise(IntrUE)

	require.True(t, c.Interrupt())
	assert.True(t, c.Halted())
	assert.Equal(t, uint32(CtlHCFSReset), regs.Read32(RegControl)&CtlHCFSMask)
	assert.Len(t, c.fatalCh, 1)

	_, err := c.OpenPipe(PipeConfig{Address: 1, Endpoint: fakeBulkOut})
	assert.ErrorIs(t, err, pkg.ErrControllerHalted)
}

func TestInterrupt_UnexpectedSourceBlocked(t *testing.T) {
	c, regs, _ := newFakeController(t)
	c.enableIntrs(IntrFNO)
	regs.raise(IntrFNO)

	require.True(t, c.Interrupt())
	assert.Zero(t, c.enabledIntrs()&IntrFNO)
	assert.Zero(t, regs.Read32(RegInterruptEnable)&IntrFNO)
}

// =============================================================================
// Done List Tests
// =============================================================================

func TestDone_CompletesTransfer(t *testing.T) {
	c, regs, mem := newFakeController(t)
	p := openFake(t, c, fakeBulkOut)
	rec := &recorder{}
	x := submitData(t, mem, p, 100, 0, rec)

	retire(x.firstTD, CCNoError, 0)
	publish(c, regs, x.firstTD)
	c.softIntr()

	require.Len(t, rec.got, 1)
	assert.Equal(t, pkg.TransferStatusSuccess, x.Status())
	assert.NoError(t, x.Err())
	assert.Equal(t, 100, x.Actual())
	assert.Nil(t, x.firstTD)
	assert.Equal(t, 1, c.Stats().Pool.TDs, "only the tail sentinel remains")
	assert.Equal(t, 1, c.Stats().LiveHashed)
	assert.Equal(t, uint64(1), c.Stats().Completed)
	assert.Equal(t, PipeIdle, p.State())
	select {
	case <-x.Done():
	default:
		t.Fatal("done channel not closed")
	}
}

func TestDone_ShortPacket(t *testing.T) {
	tests := []struct {
		name    string
		flags   XferFlags
		want    pkg.TransferStatus
		wantErr error
	}{
		{"accepted", XferShortOK, pkg.TransferStatusSuccess, nil},
		{"rejected", 0, pkg.TransferStatusError, pkg.ErrIO},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c, regs, mem := newFakeController(t)
			p := openFake(t, c, fakeBulkIn)
			rec := &recorder{}
			x := submitData(t, mem, p, 100, tt.flags, rec)
			next := submitData(t, mem, p, 10, 0, rec)

			// The controller halts the ED on the short TD.
			retire(x.firstTD, CCDataUnderrun, 60)
			p.ed.hw.setHeadp(x.firstTD.phys() | EDHeadHalted | EDToggleCarry)
			publish(c, regs, x.firstTD)
			c.softIntr()

			require.Len(t, rec.got, 1)
			assert.Equal(t, tt.want, x.Status())
			assert.Equal(t, tt.wantErr, x.Err())
			assert.Equal(t, 40, x.Actual())

			headp := p.ed.hw.headp()
			assert.Equal(t, next.firstTD.phys(), headp&EDHeadMask, "restarted at the next transfer")
			assert.Zero(t, headp&EDHeadHalted)
			if tt.want == pkg.TransferStatusSuccess {
				assert.NotZero(t, headp&EDToggleCarry, "toggle survives an accepted short packet")
			} else {
				assert.Zero(t, headp&EDToggleCarry)
			}
			assert.Equal(t, 1, p.Pending())
		})
	}
}

func TestDone_Stall(t *testing.T) {
	c, regs, mem := newFakeController(t)
	p := openFake(t, c, fakeBulkOut)
	rec := &recorder{}
	x := submitData(t, mem, p, 64, 0, rec)

	retire(x.firstTD, CCStall, 64)
	publish(c, regs, x.firstTD)
	c.softIntr()

	require.Len(t, rec.got, 1)
	assert.ErrorIs(t, x.Err(), pkg.ErrStall)
	assert.Zero(t, x.Actual())
	assert.Equal(t, uint64(1), c.Stats().Stalled)
}

func TestDone_ListIsReversed(t *testing.T) {
	c, regs, mem := newFakeController(t)
	p := openFake(t, c, fakeBulkOut)
	rec := &recorder{}
	xs := []*Xfer{
		submitData(t, mem, p, 10, 0, rec),
		submitData(t, mem, p, 20, 0, rec),
		submitData(t, mem, p, 30, 0, rec),
	}
	var tds []*softTD
	for _, x := range xs {
		retire(x.firstTD, CCNoError, 0)
		tds = append(tds, x.firstTD)
	}
	publish(c, regs, tds...)
	c.softIntr()

	assert.Equal(t, xs, rec.got, "callbacks follow submission order")
}

func TestDone_MultiTDTransfer(t *testing.T) {
	c, regs, mem := newFakeController(t)
	p := openFake(t, c, fakeBulkOut)
	rec := &recorder{}
	buf, _ := dmaBuffer(t, mem, 3*dma.PageSize, dma.PageSize, 0, 3*dma.PageSize)
	x := &Xfer{Buffer: buf, Length: 3 * dma.PageSize, Callback: rec.callback}
	require.NoError(t, p.Submit(x))
	tds := chainOf(x)
	require.Len(t, tds, 2)

	retire(tds[0], CCNoError, 0)
	publish(c, regs, tds[0])
	c.softIntr()
	assert.Empty(t, rec.got, "intermediate TD does not complete the transfer")
	assert.Equal(t, pkg.TransferStatusInProgress, x.Status())

	retire(tds[1], CCNoError, 0)
	publish(c, regs, tds[1])
	c.softIntr()
	require.Len(t, rec.got, 1)
	assert.Equal(t, 3*dma.PageSize, x.Actual())
}

func TestDone_UnknownAddress(t *testing.T) {
	c, regs, _ := newFakeController(t)
	c.hcca.store(HCCADoneHead, 0xdead0000|HCCADoneHeadOtherIE)
	regs.raise(IntrWDH)
	c.softIntr()

	assert.Equal(t, uint64(1), c.Stats().UnknownDone)
	assert.Zero(t, c.hcca.load(HCCADoneHead), "done head consumed")
}

func TestDone_CallbackMaySubmit(t *testing.T) {
	c, regs, mem := newFakeController(t)
	p := openFake(t, c, fakeBulkOut)
	buf, _ := dmaBuffer(t, mem, 16, 4, 0, 16)

	var calls atomic.Int32
	next := &Xfer{Buffer: buf, Length: 16}
	x := &Xfer{Buffer: buf, Length: 16, Callback: func(*Xfer) {
		calls.Add(1)
		assert.NoError(t, p.Submit(next))
	}}
	require.NoError(t, p.Submit(x))

	retire(x.firstTD, CCNoError, 0)
	publish(c, regs, x.firstTD)
	c.softIntr()

	assert.Equal(t, int32(1), calls.Load())
	assert.Equal(t, pkg.TransferStatusInProgress, next.Status())
	assert.Equal(t, 1, p.Pending())
}

func TestDone_CallbackMayResubmitSelf(t *testing.T) {
	c, regs, mem := newFakeController(t)
	p := openFake(t, c, fakeBulkOut)
	buf, _ := dmaBuffer(t, mem, 16, 4, 0, 16)

	var calls atomic.Int32
	x := &Xfer{Buffer: buf, Length: 16}
	x.Callback = func(x *Xfer) {
		if calls.Add(1) == 1 {
			assert.NoError(t, p.Submit(x))
		}
	}
	require.NoError(t, p.Submit(x))
	first := x.Done()

	retire(x.firstTD, CCNoError, 0)
	publish(c, regs, x.firstTD)
	c.softIntr()

	assert.Equal(t, int32(1), calls.Load())
	assert.Equal(t, pkg.TransferStatusInProgress, x.Status())
	select {
	case <-first:
	default:
		t.Fatal("first submission not released")
	}
	select {
	case <-x.Done():
		t.Fatal("resubmitted transfer released early")
	default:
	}

	retire(x.firstTD, CCNoError, 0)
	publish(c, regs, x.firstTD)
	require.NotPanics(t, c.softIntr)

	assert.Equal(t, int32(2), calls.Load())
	assert.Equal(t, pkg.TransferStatusSuccess, x.Status())
	assert.Equal(t, 16, x.Actual())
	<-x.Done()
}

// =============================================================================
// Abort Tests
// =============================================================================

func TestAbort_MiddleTransferRelinks(t *testing.T) {
	c, _, mem := newFakeController(t)
	p := openFake(t, c, fakeBulkOut)
	rec := &recorder{}
	x1 := submitData(t, mem, p, 10, 0, rec)
	x2 := submitData(t, mem, p, 20, 0, rec)
	x3 := submitData(t, mem, p, 30, 0, rec)

	p.Abort(x2)

	require.Equal(t, []*Xfer{x2}, rec.got)
	assert.ErrorIs(t, x2.Err(), pkg.ErrCancelled)
	assert.Same(t, x3.firstTD, x1.lastTD.next)
	assert.Equal(t, x3.firstTD.phys(), x1.lastTD.hw.next())
	assert.Equal(t, 2, p.Pending())
	assert.False(t, p.ed.hw.skipped(), "ED resumes after the abort")
	assert.Equal(t, x1.firstTD.phys(), p.ed.hw.headp()&EDHeadMask, "head untouched")

	p.Abort(x2)
	assert.Len(t, rec.got, 1, "second abort is a no-op")
	assert.Equal(t, uint64(1), c.Stats().Cancelled)
}

func TestAbort_HeadTransferMovesHead(t *testing.T) {
	c, _, mem := newFakeController(t)
	p := openFake(t, c, fakeBulkOut)
	rec := &recorder{}
	x1 := submitData(t, mem, p, 10, 0, rec)
	x2 := submitData(t, mem, p, 20, 0, rec)
	p.ed.hw.setHeadp(x1.firstTD.phys() | EDToggleCarry)

	p.Abort(x1)

	assert.Equal(t, x2.firstTD.phys()|EDToggleCarry, p.ed.hw.headp())
	assert.Equal(t, 2, c.Stats().Pool.TDs, "x2's TD and the tail sentinel")
}

func TestAbort_RetiredTDBecomesOrphan(t *testing.T) {
	c, regs, mem := newFakeController(t)
	p := openFake(t, c, fakeBulkOut)
	rec := &recorder{}
	x := submitData(t, mem, p, 10, 0, rec)
	td := x.firstTD

	// The controller finished the TD and moved on, but the done list
	// naming it has not been written back yet.
	retire(td, CCNoError, 0)
	p.ed.hw.setHeadp(p.tail.phys())

	p.Abort(x)
	require.Len(t, rec.got, 1)
	assert.ErrorIs(t, x.Err(), pkg.ErrCancelled)
	assert.True(t, td.orphan)
	assert.Equal(t, 2, c.Stats().Pool.TDs, "orphan is held until reported")

	publish(c, regs, td)
	c.softIntr()
	assert.Equal(t, 1, c.Stats().Pool.TDs)
	assert.Len(t, rec.got, 1, "orphan completion is silent")
}

func TestAbort_AfterCompletionIsNoop(t *testing.T) {
	c, regs, mem := newFakeController(t)
	p := openFake(t, c, fakeBulkOut)
	rec := &recorder{}
	x := submitData(t, mem, p, 10, 0, rec)

	retire(x.firstTD, CCNoError, 0)
	publish(c, regs, x.firstTD)
	c.softIntr()

	p.Abort(x)
	require.Len(t, rec.got, 1)
	assert.Equal(t, pkg.TransferStatusSuccess, x.Status())
	assert.Zero(t, c.Stats().Cancelled)
}

func TestAbort_ClaimsBeforePendingDoneList(t *testing.T) {
	c, regs, mem := newFakeController(t)
	p := openFake(t, c, fakeBulkOut)
	rec := &recorder{}
	x := submitData(t, mem, p, 10, 0, rec)
	td := x.firstTD

	// The done list is written back but the bottom half has not run.
	retire(td, CCNoError, 0)
	p.ed.hw.setHeadp(p.tail.phys())
	publish(c, regs, td)

	p.Abort(x)
	require.Len(t, rec.got, 1)
	assert.ErrorIs(t, x.Err(), pkg.ErrCancelled)
	assert.True(t, td.free, "seen on the done list, so freed at once")
	assert.Equal(t, 1, c.Stats().Pool.TDs)
	assert.Equal(t, 1, c.Stats().LiveHashed)
}

func TestAbort_TimeoutRacesCompletion(t *testing.T) {
	for round := 0; round < 20; round++ {
		c, regs, mem := newFakeController(t)
		p := openFake(t, c, fakeBulkOut)
		buf, _ := dmaBuffer(t, mem, 16, 4, 0, 16)

		var calls atomic.Int32
		x := &Xfer{Buffer: buf, Length: 16, Callback: func(*Xfer) { calls.Add(1) }}
		require.NoError(t, p.Submit(x))

		retire(x.firstTD, CCNoError, 0)
		p.ed.hw.setHeadp(p.tail.phys())
		publish(c, regs, x.firstTD)

		fired := make(chan struct{})
		time.AfterFunc(0, func() {
			defer close(fired)
			c.abort(x, pkg.TransferStatusTimeout)
		})
		var wg sync.WaitGroup
		wg.Add(1)
		go func() {
			defer wg.Done()
			c.softIntr()
		}()
		wg.Wait()
		<-fired
		<-x.Done()

		st := c.Stats()
		assert.Equal(t, int32(1), calls.Load(), "round %d", round)
		assert.Contains(t, []pkg.TransferStatus{pkg.TransferStatusSuccess, pkg.TransferStatusTimeout}, x.Status())
		assert.Equal(t, uint64(1), st.Completed+st.TimedOut, "round %d", round)
		assert.Equal(t, 1, st.Pool.TDs, "round %d: only the tail sentinel remains", round)
		assert.Zero(t, p.Pending())
	}
}

func TestClose_CancelsQueueAndFreesPipe(t *testing.T) {
	c, _, mem := newFakeController(t)
	base := c.Stats().Pool
	p := openFake(t, c, fakeIntrIn)
	rec := &recorder{}
	x1 := submitData(t, mem, p, 8, XferShortOK, rec)
	x2 := submitData(t, mem, p, 8, XferShortOK, rec)
	require.NotZero(t, c.Schedule().Bandwidth[(p.slot.pos*p.slot.nslots)%NumIntrs])

	require.NoError(t, p.Close())

	assert.Equal(t, []*Xfer{x1, x2}, rec.got)
	assert.Equal(t, PipeClosed, p.State())
	assert.Equal(t, base.EDs, c.Stats().Pool.EDs)
	assert.Zero(t, c.Stats().Pool.TDs)
	assert.Equal(t, ScheduleSnapshot{}, c.Schedule())
	assert.ErrorIs(t, p.Close(), pkg.ErrPipeClosed)
	assert.ErrorIs(t, p.Submit(&Xfer{}), pkg.ErrPipeClosed)
}

func TestClose_RemembersToggle(t *testing.T) {
	c, _, _ := newFakeController(t)
	p := openFake(t, c, fakeBulkIn)
	p.ed.hw.setHeadp(p.ed.hw.headp() | EDToggleCarry)
	require.NoError(t, p.Close())

	p = openFake(t, c, fakeBulkIn)
	assert.NotZero(t, p.ed.hw.headp()&EDToggleCarry, "reopened pipe continues the toggle")

	require.NoError(t, p.ClearToggle())
	assert.Zero(t, p.ed.hw.headp()&EDToggleCarry)
}
