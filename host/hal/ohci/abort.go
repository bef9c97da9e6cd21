package ohci

import (
	"time"

	"github.com/ardnew/softohci/host/hal"
	"github.com/ardnew/softohci/host/hal/dma"
	"github.com/ardnew/softohci/pkg"
)

// Abort cancels x on whichever pipe it was last submitted to. It has
// the same guarantees as Pipe.Abort.
func (c *Controller) Abort(x *Xfer) {
	c.abort(x, pkg.TransferStatusCancelled)
}

// abort cancels x with status. Racing callers are resolved by the claim
// on x's status: the loser returns at once and the winner tears the
// transfer down and delivers the callback.
func (c *Controller) abort(x *Xfer, status pkg.TransferStatus) {
	p := x.Pipe()
	if p == nil {
		return
	}
	c.abortAll(p, []*Xfer{x}, status)
}

// abortAll cancels the given transfers of p. The ED is skipped first and
// the controller given time to finish whatever frame it is in. A bottom
// half pass then drains any done list still naming the transfers' TDs
// before they are unlinked and freed.
func (c *Controller) abortAll(p *Pipe, xs []*Xfer, status pkg.TransferStatus) {
	c.mu.Lock()
	var claimed []*Xfer
	for _, x := range xs {
		if x.pipe != p || !x.claim(status) {
			continue
		}
		x.stopTimer()
		claimed = append(claimed, x)
	}
	if len(claimed) == 0 {
		c.mu.Unlock()
		return
	}
	p.aborting++
	p.aborts.Add(1)
	if p.ed != nil {
		p.ed.hw.setSkip(true)
		c.syncRecord(p.ed.hw.record, EDSize, dma.ToDevice)
	}
	c.mu.Unlock()

	if !c.halted.Load() {
		time.Sleep(c.cfg.AbortSettle)
		c.softIntr()
	}

	c.mu.Lock()
	for _, x := range claimed {
		if p.typ == hal.TransferIsochronous {
			c.unlinkITDs(p, x)
		} else {
			c.unlinkTDs(p, x)
		}
		x.actual.Store(int64(x.pending))
		p.dequeue(x)
		c.queueCompletion(x)
	}
	p.aborting--
	if p.aborting == 0 && p.ed != nil && p.state == PipeIdle {
		p.ed.hw.setSkip(false)
		c.syncRecord(p.ed.hw.record, EDSize, dma.ToDevice)
		if len(p.queue) > 0 {
			p.kick()
		}
	}
	c.mu.Unlock()
	p.aborts.Done()

	pkg.LogDebug(pkg.ComponentOHCI, "transfers aborted",
		"addr", p.cfg.Address, "count", len(claimed), "status", status)
	c.deliver()
}

// unlinkTDs takes x's TDs off the skipped ED. If the controller's head
// pointer sits inside x, or on the TD after x with the halt bit set, it
// is moved to the first surviving TD. The transfer queued ahead of x is
// relinked around it. TDs the controller already retired but no done
// list reported yet become orphans, freed when they show up.
func (c *Controller) unlinkTDs(p *Pipe, x *Xfer) {
	if x.firstTD == nil {
		return
	}
	after := x.lastTD.next
	headp := p.ed.hw.headp()
	hp := headp & EDHeadMask

	pos, headPos := 0, -1
	index := make(map[*softTD]int)
	for _, q := range p.queue {
		for td := q.firstTD; td != nil; td = td.next {
			if td.phys() == hp {
				headPos = pos
			}
			if q == x {
				index[td] = pos
			}
			pos++
			if td == q.lastTD {
				break
			}
		}
	}
	if headPos < 0 {
		// head is at the tail sentinel: everything queued has retired
		headPos = pos
	}

	inside := false
	for td := x.firstTD; ; td = td.next {
		if td.phys() == hp {
			inside = true
		}
		if td == x.lastTD {
			break
		}
	}

	if prev := p.before(x); prev != nil {
		prev.lastTD.next = after
		prev.lastTD.hw.setNext(after.phys())
		c.syncRecord(prev.lastTD.hw.record, TDSize, dma.ToDevice)
	}
	if inside || (headp&EDHeadHalted != 0 && hp == after.phys()) {
		p.ed.hw.setHeadp(after.phys() | headp&EDToggleCarry)
		c.syncRecord(p.ed.hw.record, EDSize, dma.ToDevice)
	}

	for td := x.firstTD; ; {
		next := td.next
		last := td == x.lastTD
		if index[td] < headPos && !td.seen {
			td.xfer = nil
			td.orphan = true
		} else {
			c.freeTD(td)
		}
		if last {
			break
		}
		td = next
	}
	x.firstTD, x.lastTD = nil, nil
	if x.setup != nil {
		_ = c.mem.Free(x.setup)
		x.setup = nil
	}
}

// unlinkITDs is unlinkTDs for isochronous transfers.
func (c *Controller) unlinkITDs(p *Pipe, x *Xfer) {
	if x.firstITD == nil {
		return
	}
	after := x.lastITD.next
	headp := p.ed.hw.headp()
	hp := headp & EDHeadMask

	pos, headPos := 0, -1
	index := make(map[*softITD]int)
	for _, q := range p.queue {
		for it := q.firstITD; it != nil; it = it.next {
			if it.phys() == hp {
				headPos = pos
			}
			if q == x {
				index[it] = pos
			}
			pos++
			if it == q.lastITD {
				break
			}
		}
	}
	if headPos < 0 {
		headPos = pos
	}

	inside := false
	for it := x.firstITD; ; it = it.next {
		if it.phys() == hp {
			inside = true
		}
		if it == x.lastITD {
			break
		}
	}

	if prev := p.before(x); prev != nil {
		prev.lastITD.next = after
		prev.lastITD.hw.setNext(after.phys())
		c.syncRecord(prev.lastITD.hw.record, ITDSize, dma.ToDevice)
	}
	if inside || (headp&EDHeadHalted != 0 && hp == after.phys()) {
		p.ed.hw.setHeadp(after.phys())
		c.syncRecord(p.ed.hw.record, EDSize, dma.ToDevice)
	}

	for it := x.firstITD; ; {
		next := it.next
		last := it == x.lastITD
		if index[it] < headPos && !it.seen {
			it.xfer = nil
			it.orphan = true
		} else {
			c.freeITD(it)
		}
		p.isoInuse--
		if last {
			break
		}
		it = next
	}
	x.firstITD, x.lastITD = nil, nil
	if len(p.queue) <= 1 {
		p.isoNext = -1
	}
}
