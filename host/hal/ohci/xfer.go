package ohci

import (
	"context"
	"sync/atomic"
	"time"

	"github.com/ardnew/softohci/host/hal"
	"github.com/ardnew/softohci/host/hal/dma"
	"github.com/ardnew/softohci/pkg"
)

// XferFlags modify how a transfer is built.
type XferFlags uint8

// Transfer flags.
const (
	// XferShortOK accepts a short packet as the normal end of the transfer.
	XferShortOK XferFlags = 1 << iota

	// XferForceShort terminates an OUT transfer whose length is a multiple
	// of the max packet size with a zero-length packet.
	XferForceShort
)

// Xfer is one transfer request. The caller fills in the exported fields
// and hands it to Pipe.Submit. The callback runs exactly once, after the
// transfer completed, failed, timed out or was aborted. An Xfer may be
// submitted again after its callback has run.
type Xfer struct {
	// Buffer is the DMA memory the data stage reads from or writes to.
	Buffer dma.Buffer

	// Length is the number of bytes to transfer. For isochronous pipes it
	// is ignored; Frames gives the per-frame lengths instead.
	Length int

	Flags XferFlags

	// Timeout aborts the transfer with TransferStatusTimeout when it
	// expires. Zero disables the timer.
	Timeout time.Duration

	// Setup is the request of a control transfer.
	Setup hal.SetupPacket

	// Frames holds the byte count of each isochronous frame. On
	// completion of an IN transfer each entry is replaced by the number
	// of bytes received in that frame.
	Frames []uint16

	// Callback is invoked once with the finished transfer. It runs
	// without any driver lock held and may submit new transfers.
	Callback func(*Xfer)

	state  atomic.Int32
	actual atomic.Int64

	// Fields below are guarded by the controller lock.
	pipe     *Pipe
	firstTD  *softTD
	lastTD   *softTD
	firstITD *softITD
	lastITD  *softITD
	setup    *dma.Region
	pending  int // accumulated length of retired TDs
	timer    *time.Timer
	done     chan struct{}
}

// Status returns the transfer's current state.
func (x *Xfer) Status() pkg.TransferStatus {
	return pkg.TransferStatus(x.state.Load())
}

// Err returns the error matching the final status, or nil on success.
func (x *Xfer) Err() error {
	return x.Status().Error()
}

// Actual returns the number of bytes transferred. It is valid once the
// status is final.
func (x *Xfer) Actual() int {
	return int(x.actual.Load())
}

// Done returns a channel that is closed after the callback has run.
func (x *Xfer) Done() <-chan struct{} {
	return x.done
}

// Wait blocks until the transfer finished or ctx is done. When ctx ends
// first the transfer is aborted and Wait still returns its final error.
func (x *Xfer) Wait(ctx context.Context) error {
	done := x.done
	if done == nil {
		return x.Err()
	}
	select {
	case <-done:
		return x.Err()
	case <-ctx.Done():
	}
	if p := x.Pipe(); p != nil {
		p.Abort(x)
	}
	<-done
	return x.Err()
}

// Pipe returns the pipe the transfer was last submitted to.
func (x *Xfer) Pipe() *Pipe {
	return x.pipe
}

// begin moves a new or finished transfer to InProgress.
func (x *Xfer) begin() bool {
	s := x.state.Load()
	if pkg.TransferStatus(s) == pkg.TransferStatusInProgress {
		return false
	}
	if !x.state.CompareAndSwap(s, int32(pkg.TransferStatusInProgress)) {
		return false
	}
	x.actual.Store(0)
	x.pending = 0
	x.done = make(chan struct{})
	return true
}

// claim performs the single InProgress transition out of the controller's
// hands. Only the caller that wins the claim may tear the transfer down
// and deliver its callback.
func (x *Xfer) claim(s pkg.TransferStatus) bool {
	return x.state.CompareAndSwap(int32(pkg.TransferStatusInProgress), int32(s))
}

// unclaim returns a transfer that failed to build to the not-started
// state so the caller may fix and resubmit it.
func (x *Xfer) unclaim() {
	x.state.Store(int32(pkg.TransferStatusNotStarted))
	close(x.done)
}

func (x *Xfer) inProgress() bool {
	return x.Status() == pkg.TransferStatusInProgress
}

func (x *Xfer) isIn() bool {
	if x.pipe.typ == hal.TransferControl {
		return x.Setup.RequestType&0x80 != 0
	}
	return x.pipe.in
}

// stopTimer cancels the transfer timer. If the timer already fired its
// handler will lose the claim and return without effect.
func (x *Xfer) stopTimer() {
	if x.timer != nil {
		x.timer.Stop()
		x.timer = nil
	}
}

// finish runs the callback and releases Wait callers. It is called
// without the controller lock. The callback may resubmit x, which gives
// it a new done channel, so the current one is taken first.
func (x *Xfer) finish() {
	done := x.done
	if x.Callback != nil {
		x.Callback(x)
	}
	close(done)
}
