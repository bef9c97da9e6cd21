package ohci

import (
	"fmt"

	"github.com/ardnew/softohci/host/hal"
	"github.com/ardnew/softohci/host/hal/dma"
	"github.com/ardnew/softohci/pkg"
)

// softIntr is the bottom half. It takes the done list the controller
// published in the HCCA, completes the transfers it finishes and
// re-enables the writeback interrupt. Passes are serialized so an abort
// can run one inline.
func (c *Controller) softIntr() {
	c.bhMu.Lock()
	if c.readReg(RegInterruptStatus)&IntrWDH != 0 {
		c.mu.Lock()
		if c.hccaMem != nil {
			c.mem.Sync(c.hccaMem, HCCADoneHead, 4, dma.FromDevice)
			head := c.hcca.swapDoneHead() &^ HCCADoneHeadOtherIE
			c.writeReg(RegInterruptStatus, IntrWDH)
			c.processDone(head)
		}
		c.mu.Unlock()
	}
	if !c.halted.Load() {
		c.enableIntrs(IntrWDH)
	}
	c.bhMu.Unlock()
	c.deliver()
}

// processDone walks a done list. The controller links retired
// descriptors newest first, so the list is reversed before processing.
// General TDs are handled before isochronous ones. Called with mu held.
func (c *Controller) processDone(head uint32) {
	var order []doneEntry
	for a := head; a != 0; {
		e := c.table.resolve(a)
		if e == nil {
			n := c.stats.unknown.Add(1)
			c.unknownLog.Do(func() {
				pkg.LogWarn(pkg.ComponentIntr, "done list names unknown descriptor",
					"addr", fmt.Sprintf("0x%08x", a), "total", n)
			})
			break
		}
		order = append(order, e)
		switch d := e.(type) {
		case *softTD:
			c.syncRecord(d.hw.record, TDSize, dma.FromDevice)
			a = d.hw.next() &^ 0xf
		case *softITD:
			c.syncRecord(d.hw.record, ITDSize, dma.FromDevice)
			a = d.hw.next() &^ 0x1f
		}
	}
	for i, j := 0, len(order)-1; i < j; i, j = i+1, j-1 {
		order[i], order[j] = order[j], order[i]
	}

	for _, e := range order {
		if td, ok := e.(*softTD); ok && !td.free {
			c.doneTD(td)
		}
	}
	for _, e := range order {
		if itd, ok := e.(*softITD); ok && !itd.free {
			c.doneITD(itd)
		}
	}
}

// doneTD handles one retired general TD.
func (c *Controller) doneTD(td *softTD) {
	td.seen = true
	if td.orphan {
		c.freeTD(td)
		return
	}
	x := td.xfer
	if x == nil || !x.inProgress() {
		// tail sentinel, or a transfer already being torn down elsewhere
		return
	}

	cc := td.hw.cc()
	if td.flags&tdAddLen != 0 {
		n := td.len
		if cbp := td.hw.cbp(); cbp != 0 {
			n -= int(td.hw.be()-cbp) + 1
		}
		x.pending += n
	}

	if cc == CCNoError {
		if td.flags&tdCallDone != 0 {
			c.retire(x, pkg.TransferStatusSuccess)
		}
		return
	}

	// The ED halted on this TD. Drop the rest of the transfer and restart
	// the endpoint at the next one.
	p := x.pipe
	status := cc.Status(x.Flags&XferShortOK != 0)
	after := x.lastTD.next
	carry := uint32(0)
	if status == pkg.TransferStatusSuccess {
		carry = p.ed.hw.headp() & EDToggleCarry
	}
	p.ed.hw.setHeadp(after.phys() | carry)
	c.syncRecord(p.ed.hw.record, EDSize, dma.ToDevice)

	if status != pkg.TransferStatusSuccess {
		pkg.LogDebug(pkg.ComponentOHCI, "transfer failed",
			"addr", p.cfg.Address, "ep", fmt.Sprintf("0x%02x", p.cfg.Endpoint.Address),
			"cc", cc, "td", td.hw)
	}
	c.retire(x, status)
	if p.typ == hal.TransferControl || p.typ == hal.TransferBulk {
		p.kick()
	}
}

// retire completes x with status if nothing else claimed it first. The
// controller has let go of every TD in x's chain. Called with mu held.
func (c *Controller) retire(x *Xfer, status pkg.TransferStatus) {
	if !x.claim(status) {
		return
	}
	x.stopTimer()
	x.actual.Store(int64(x.pending))
	c.releaseTDs(x)
	x.pipe.dequeue(x)
	if x.isIn() {
		x.Buffer.Sync(c.mem, dma.FromDevice)
	}
	c.queueCompletion(x)
}

// doneITD handles one retired ITD. A transfer completes when its last
// ITD retires; the status aggregates every frame.
func (c *Controller) doneITD(itd *softITD) {
	itd.seen = true
	if itd.orphan {
		c.freeITD(itd)
		return
	}
	x := itd.xfer
	if x == nil {
		return
	}
	p := x.pipe
	if !x.inProgress() || !itd.last {
		return
	}

	status := pkg.TransferStatusSuccess
	actual := 0
	for it := x.firstITD; ; it = it.next {
		if cc := it.hw.cc(); cc != CCNoError && !cc.NotAccessed() {
			status = pkg.TransferStatusError
		}
		for j := 0; j < it.frames; j++ {
			psw := it.hw.offset(j)
			fcc := CompletionCode(psw >> PSWCCShift)
			want := int(x.Frames[it.frame+j])
			n := 0
			switch {
			case fcc.NotAccessed():
			case fcc == CCNoError || fcc == CCDataUnderrun:
				if p.in {
					n = int(psw & PSWLenMask)
				} else {
					n = want
				}
			default:
				status = pkg.TransferStatusError
			}
			if p.in {
				x.Frames[it.frame+j] = uint16(n)
			}
			actual += n
		}
		if it == x.lastITD {
			break
		}
	}
	if status != pkg.TransferStatusSuccess {
		p.isoNext = -1
		pkg.LogDebug(pkg.ComponentOHCI, "isochronous transfer had errors",
			"addr", p.cfg.Address, "ep", fmt.Sprintf("0x%02x", p.cfg.Endpoint.Address))
	}
	if !x.claim(status) {
		return
	}
	x.stopTimer()
	x.actual.Store(int64(actual))
	c.releaseITDs(x)
	p.dequeue(x)
	if p.in {
		x.Buffer.Sync(c.mem, dma.FromDevice)
	}
	c.queueCompletion(x)
}

// failAll completes every queued transfer on every pipe with status and
// resets each ED to its sentinel. Used once the controller halted; it
// touches no registers and waits for nothing.
func (c *Controller) failAll(status pkg.TransferStatus) {
	c.mu.Lock()
	for p := range c.pipes {
		for _, x := range append([]*Xfer(nil), p.queue...) {
			if !x.claim(status) {
				continue
			}
			x.stopTimer()
			x.actual.Store(int64(x.pending))
			if p.typ == hal.TransferIsochronous {
				c.releaseITDs(x)
			} else {
				c.releaseTDs(x)
			}
			p.dequeue(x)
			c.queueCompletion(x)
		}
		if p.ed == nil {
			continue
		}
		carry := p.ed.hw.headp() & EDToggleCarry
		if p.typ == hal.TransferIsochronous {
			p.ed.hw.setHeadp(p.itail.phys())
			p.isoNext = -1
		} else {
			p.ed.hw.setHeadp(p.tail.phys() | carry)
		}
	}
	c.mu.Unlock()
	c.deliver()
}
