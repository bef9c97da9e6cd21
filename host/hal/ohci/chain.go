package ohci

import (
	"fmt"

	"github.com/ardnew/softohci/host/hal"
	"github.com/ardnew/softohci/host/hal/dma"
	"github.com/ardnew/softohci/pkg"
)

// tdChain collects the TDs allocated while building one transfer so a
// failure can hand all of them back.
type tdChain struct {
	c     *Controller
	fresh []*softTD
}

func (ch *tdChain) alloc() (*softTD, error) {
	td, err := ch.c.allocTD()
	if err != nil {
		return nil, err
	}
	ch.fresh = append(ch.fresh, td)
	return td, nil
}

// unwind frees everything allocated so far and restores the pipe's tail
// sentinel, which the build had started to fill.
func (ch *tdChain) unwind(sentinel *softTD) {
	for _, td := range ch.fresh {
		ch.c.freeTD(td)
	}
	ch.fresh = nil
	sentinel.hw.clear(TDSize)
	sentinel.next = nil
	sentinel.xfer = nil
	sentinel.len = 0
	sentinel.flags = 0
}

// fillTD programs one TD and links it to next.
func (c *Controller) fillTD(td *softTD, flags, cbp, be uint32, next *softTD, x *Xfer, n int, f tdFlag) {
	td.hw.setFlags(flags)
	td.hw.setCBP(cbp)
	td.hw.setBE(be)
	td.hw.setNext(next.phys())
	td.next = next
	td.xfer = x
	td.len = n
	td.flags = f
	c.syncRecord(td.hw.record, TDSize, dma.ToDevice)
}

// appendData fills cur and as many further TDs as needed to cover n bytes
// of buf. A TD covers at most two pages and never crosses a segment
// boundary; every TD but the last carries a whole number of packets. It
// returns the last data TD and the first unused TD after it.
func (p *Pipe) appendData(ch *tdChain, x *Xfer, cur *softTD, buf dma.Buffer, n int, dp, toggle uint32, round bool) (last, next *softTD, err error) {
	maxp := p.maxPacket()
	segs := buf.Coalesce()
	si, soff := 0, 0
	for remaining := n; remaining > 0; {
		if si >= len(segs) {
			return nil, nil, fmt.Errorf("%w: buffer shorter than %d bytes", pkg.ErrBufferTooSmall, n)
		}
		seg := segs[si]
		phys := seg.Phys() + uint32(soff)

		curlen := seg.Length - soff
		if curlen > remaining {
			curlen = remaining
		}
		if lim := 2*dma.PageSize - int(phys&(dma.PageSize-1)); curlen > lim {
			curlen = lim
		}
		if curlen < remaining {
			curlen -= curlen % maxp
			if curlen == 0 {
				return nil, nil, fmt.Errorf("%w: segment at 0x%08x splits a %d byte packet",
					pkg.ErrInvalidParameter, phys, maxp)
			}
		}

		nt, err := ch.alloc()
		if err != nil {
			return nil, nil, err
		}
		flags := dp | TDNoCC | toggle | TDDelay(diIntermediate)
		if round {
			flags |= TDRound
		}
		p.c.fillTD(cur, flags, phys, phys+uint32(curlen)-1, nt, x, curlen, tdAddLen)
		last, cur = cur, nt
		toggle = TDToggleCarry

		remaining -= curlen
		soff += curlen
		if soff == seg.Length {
			si, soff = si+1, 0
		}
	}
	return last, cur, nil
}

// finishChain marks last as the TD that completes x.
func (c *Controller) finishChain(last *softTD, shortOK bool) {
	f := last.hw.flags()&^TDDIMask | TDDelay(diLast)
	if shortOK {
		f |= TDRound
	}
	last.hw.setFlags(f)
	last.flags |= tdCallDone
	c.syncRecord(last.hw.record, TDSize, dma.ToDevice)
}

// buildData queues a bulk or interrupt transfer. The pipe's tail sentinel
// becomes the first TD and a fresh TD becomes the new sentinel.
func (p *Pipe) buildData(x *Xfer) error {
	c := p.c
	n := x.Length
	if n < 0 || n > x.Buffer.Len() {
		return fmt.Errorf("%w: length %d with %d byte buffer", pkg.ErrBufferTooSmall, n, x.Buffer.Len())
	}
	dp := uint32(TDDPOut)
	if p.in {
		dp = TDDPIn
	}
	shortOK := x.Flags&XferShortOK != 0

	ch := &tdChain{c: c}
	first := p.tail
	last, next, err := p.appendData(ch, x, first, x.Buffer, n, dp, TDToggleCarry, false)
	if err != nil {
		ch.unwind(first)
		return err
	}

	zlp := n == 0 || (x.Flags&XferForceShort != 0 && !p.in && n%p.maxPacket() == 0)
	if zlp {
		nt, err := ch.alloc()
		if err != nil {
			ch.unwind(first)
			return err
		}
		c.fillTD(next, dp|TDNoCC|TDToggleCarry|TDDelay(diIntermediate), 0, 0, nt, x, 0, tdAddLen)
		last, next = next, nt
	}
	c.finishChain(last, shortOK)

	x.firstTD, x.lastTD = first, last
	p.tail = next
	return nil
}

// buildControl queues a control transfer: a SETUP stage, an optional data
// stage and a status stage in the opposite direction.
func (p *Pipe) buildControl(x *Xfer) error {
	c := p.c
	n := int(x.Setup.Length)
	if n > x.Buffer.Len() {
		return fmt.Errorf("%w: wLength %d with %d byte buffer", pkg.ErrBufferTooSmall, n, x.Buffer.Len())
	}
	in := x.Setup.RequestType&0x80 != 0

	setup, err := c.mem.Alloc(hal.SetupPacketSize, 4)
	if err != nil {
		return err
	}
	x.Setup.MarshalTo(setup.Bytes())
	c.mem.Sync(setup, 0, hal.SetupPacketSize, dma.ToDevice)

	ch := &tdChain{c: c}
	first := p.tail
	fail := func(err error) error {
		ch.unwind(first)
		_ = c.mem.Free(setup)
		return err
	}

	cur, err := ch.alloc()
	if err != nil {
		return fail(err)
	}
	c.fillTD(first, TDDPSetup|TDToggle0|TDNoCC|TDDelay(diIntermediate),
		setup.Phys(), setup.Phys()+hal.SetupPacketSize-1, cur, x, hal.SetupPacketSize, 0)

	if n > 0 {
		dp := uint32(TDDPOut)
		if in {
			dp = TDDPIn
		}
		_, cur, err = p.appendData(ch, x, cur, x.Buffer, n, dp, TDToggle1, x.Flags&XferShortOK != 0)
		if err != nil {
			return fail(err)
		}
	}

	tail, err := ch.alloc()
	if err != nil {
		return fail(err)
	}
	sdp := uint32(TDDPIn)
	if in && n > 0 {
		sdp = TDDPOut
	}
	c.fillTD(cur, sdp|TDToggle1|TDNoCC, 0, 0, tail, x, 0, 0)
	c.finishChain(cur, false)

	x.firstTD, x.lastTD = first, cur
	x.setup = setup
	p.tail = tail
	return nil
}

// releaseTDs frees x's TD chain and its setup packet. Called with the
// controller lock held once the controller no longer references them.
func (c *Controller) releaseTDs(x *Xfer) {
	if x.firstTD != nil {
		for td := x.firstTD; ; {
			next := td.next
			last := td == x.lastTD
			c.freeTD(td)
			if last {
				break
			}
			td = next
		}
	}
	x.firstTD, x.lastTD = nil, nil
	if x.setup != nil {
		_ = c.mem.Free(x.setup)
		x.setup = nil
	}
}
