package ohci

import (
	"fmt"

	"github.com/ardnew/softohci/host/hal/dma"
	"github.com/ardnew/softohci/pkg"
)

// isocSync picks the frame the next ITD starts in. An idle or
// unsynchronized pipe starts a few frames ahead of the controller; a
// busy one continues where its last ITD ended.
func (p *Pipe) isocSync() {
	c := p.c
	cur := int(c.hcca.frameNumber())
	if p.isoNext >= 0 && p.isoInuse > 0 {
		return
	}
	if p.isoNext >= 0 && int16(uint16(p.isoNext)-uint16(cur)) > 0 {
		return
	}
	p.isoNext = (cur + c.cfg.IsocStartDelay) & FmNumberMask
	pkg.LogDebug(pkg.ComponentOHCI, "isochronous pipe synchronized",
		"frame", cur, "start", p.isoNext)
}

// buildIsoc queues an isochronous transfer as a run of ITDs with up to
// eight frames each. Frames in one ITD are contiguous and span at most
// two pages.
func (p *Pipe) buildIsoc(x *Xfer) error {
	c := p.c
	nframes := len(x.Frames)
	if nframes == 0 {
		return fmt.Errorf("%w: no isochronous frames", pkg.ErrInvalidParameter)
	}
	total := 0
	for _, f := range x.Frames {
		if int(f) > p.maxPacket() {
			return fmt.Errorf("%w: frame of %d bytes exceeds max packet %d", pkg.ErrInvalidParameter, f, p.maxPacket())
		}
		total += int(f)
	}
	if total > x.Buffer.Len() {
		return fmt.Errorf("%w: %d frame bytes with %d byte buffer", pkg.ErrBufferTooSmall, total, x.Buffer.Len())
	}

	p.isocSync()

	segs := x.Buffer.Coalesce()
	si, soff := 0, 0
	frameAt := func(pos uint32, n int) (uint32, bool) {
		for si < len(segs) && soff == segs[si].Length {
			si, soff = si+1, 0
		}
		if si >= len(segs) {
			return pos, n == 0
		}
		if segs[si].Length-soff < n {
			return 0, false
		}
		return segs[si].Phys() + uint32(soff), true
	}

	var fresh []*softITD
	unwind := func(err error) error {
		for _, itd := range fresh {
			c.freeITD(itd)
		}
		p.itail.hw.clear(ITDSize)
		p.itail.next, p.itail.xfer = nil, nil
		p.itail.frame, p.itail.frames, p.itail.last = 0, 0, false
		return err
	}

	first := p.itail
	cur := first
	var last *softITD
	next := p.isoNext
	var pos uint32
	for i := 0; i < nframes; {
		start, ok := frameAt(pos, int(x.Frames[i]))
		if !ok {
			return unwind(fmt.Errorf("%w: frame %d straddles a segment boundary", pkg.ErrInvalidParameter, i))
		}
		bp0 := start &^ (dma.PageSize - 1)
		pos = start
		ncur := 0
		for ncur < ITDNOffs && i < nframes {
			n := int(x.Frames[i])
			fstart, ok := frameAt(pos, n)
			if !ok {
				return unwind(fmt.Errorf("%w: frame %d straddles a segment boundary", pkg.ErrInvalidParameter, i))
			}
			if ncur > 0 && fstart != pos {
				break
			}
			if n > 0 && fstart+uint32(n)-1-bp0 >= 2*dma.PageSize {
				break
			}
			cur.hw.setOffset(ncur, ITDMakeOffset(fstart, fstart&^(dma.PageSize-1) != bp0))
			pos = fstart + uint32(n)
			soff += n
			i++
			ncur++
		}

		nt, err := c.allocITD()
		if err != nil {
			return unwind(err)
		}
		fresh = append(fresh, nt)

		cur.hw.setFlags(ITDNoCC | uint32(next)&ITDSFMask | uint32(ncur-1)<<ITDFCShift | TDDelay(diIntermediate))
		cur.hw.setBP0(bp0)
		cur.hw.setBE(pos - 1)
		cur.hw.setNext(nt.phys())
		cur.next = nt
		cur.xfer = x
		cur.frame = i - ncur
		cur.frames = ncur
		next = (next + ncur) & FmNumberMask
		last = cur
		cur = nt
	}

	// the final ITD interrupts as soon as it retires
	last.hw.setFlags(last.hw.flags()&^ITDDIMask | TDDelay(0))
	last.last = true
	for it := first; ; it = it.next {
		c.syncRecord(it.hw.record, ITDSize, dma.ToDevice)
		if it == last {
			break
		}
	}

	x.firstITD, x.lastITD = first, last
	p.isoInuse += len(fresh)
	p.itail = cur
	p.isoNext = next
	return nil
}

// releaseITDs frees x's ITD chain. Called with the controller lock held.
func (c *Controller) releaseITDs(x *Xfer) {
	if x.firstITD != nil {
		for it := x.firstITD; ; {
			next := it.next
			last := it == x.lastITD
			c.freeITD(it)
			x.pipe.isoInuse--
			if last {
				break
			}
			it = next
		}
	}
	x.firstITD, x.lastITD = nil, nil
}
