package emu

import (
	"fmt"

	"github.com/ardnew/softohci/host/hal"
	"github.com/ardnew/softohci/host/hal/ohci"
)

// maxListWalk bounds list walks so a corrupted link cannot hang a frame.
const maxListWalk = 4096

type pid int

const (
	pidSetup pid = iota
	pidOut
	pidIn
)

type result int

const (
	pktMore result = iota // TD still has data
	pktRetired
	pktNAK
)

// memory access helpers; a bad address is a host system error

func (e *Controller) load32(a uint32) uint32 {
	v, err := e.mem.Load32(a)
	if err != nil {
		e.fail(err.Error())
	}
	return v
}

func (e *Controller) store32(a, v uint32) {
	if err := e.mem.Store32(a, v); err != nil {
		e.fail(err.Error())
	}
}

func (e *Controller) load16(a uint32) uint16 {
	r, off, ok := e.mem.Lookup(a)
	if !ok || off+2 > r.Len() {
		e.fail(fmt.Sprintf("load16 0x%08x", a))
		return 0
	}
	return r.Load16(off)
}

func (e *Controller) store16(a uint32, v uint16) {
	r, off, ok := e.mem.Lookup(a)
	if !ok || off+2 > r.Len() {
		e.fail(fmt.Sprintf("store16 0x%08x", a))
		return
	}
	r.Store16(off, v)
}

func (e *Controller) read(a uint32, p []byte) {
	if len(p) == 0 {
		return
	}
	if err := e.mem.Read(a, p); err != nil {
		e.fail(err.Error())
	}
}

func (e *Controller) write(a uint32, p []byte) {
	if len(p) == 0 {
		return
	}
	if err := e.mem.Write(a, p); err != nil {
		e.fail(err.Error())
	}
}

// runFrame advances the frame counter and executes the periodic, control
// and bulk lists. Called with mu held.
func (e *Controller) runFrame() {
	e.frame++
	e.frames.Add(1)
	e.store32(e.hcca+ohci.HCCAFrameNumber, uint32(e.frame))
	e.intrStatus |= ohci.IntrSF

	if e.control&ohci.CtlPLE != 0 {
		head := e.load32(e.hcca + ohci.HCCAIntrTable + 4*uint32(e.frame%ohci.NumIntrs))
		e.walkPeriodic(head)
	}

	budget := e.cfg.PacketBudget
	if e.control&ohci.CtlCLE != 0 && e.cmdstatus&ohci.CmdCLF != 0 {
		if !e.walkAsync(e.ctrlHead, &budget) {
			e.cmdstatus &^= ohci.CmdCLF
		}
	}
	if e.control&ohci.CtlBLE != 0 && e.cmdstatus&ohci.CmdBLF != 0 {
		if !e.walkAsync(e.bulkHead, &budget) {
			e.cmdstatus &^= ohci.CmdBLF
		}
	}

	e.writebackDone()
}

// writebackDone publishes the done queue once its delay ran out and the
// driver took the previous one.
func (e *Controller) writebackDone() {
	if e.doneHead == 0 {
		return
	}
	if e.doneCount > 0 && e.doneCount != doneIdle {
		e.doneCount--
	}
	if e.doneCount != 0 || e.intrStatus&ohci.IntrWDH != 0 {
		return
	}
	e.store32(e.hcca+ohci.HCCADoneHead, e.doneHead)
	e.doneHead = 0
	e.doneCount = doneIdle
	e.intrStatus |= ohci.IntrWDH
}

func (e *Controller) walkPeriodic(a uint32) {
	for n := 0; a != 0 && !e.dead; n++ {
		if n > maxListWalk {
			e.fail("periodic list loop")
			return
		}
		flags := e.load32(a)
		if flags&ohci.EDSkip == 0 {
			if flags&ohci.EDFormatIso != 0 {
				if e.control&ohci.CtlIE != 0 {
					e.serviceIso(a)
				}
			} else {
				budget := 1
				e.serviceED(a, &budget)
			}
		}
		a = e.load32(a+12) &^ 0xf
	}
}

// walkAsync runs a control or bulk list. It reports whether any ED still
// has work.
func (e *Controller) walkAsync(a uint32, budget *int) bool {
	pending := false
	for n := 0; a != 0 && !e.dead; n++ {
		if n > maxListWalk {
			e.fail("async list loop")
			return false
		}
		if e.load32(a)&ohci.EDSkip == 0 && e.serviceED(a, budget) {
			pending = true
		}
		a = e.load32(a+12) &^ 0xf
	}
	return pending
}

// serviceED runs general TDs of one ED until it empties, halts, NAKs or
// the packet budget is spent. It reports whether work is left.
func (e *Controller) serviceED(ed uint32, budget *int) bool {
	for !e.dead {
		head := e.load32(ed + 8)
		if head&ohci.EDHeadHalted != 0 {
			return false
		}
		td := head & ohci.EDHeadMask
		if td == e.load32(ed+4)&ohci.EDHeadMask {
			return false
		}
		if *budget <= 0 {
			return true
		}
		*budget--
		if e.packet(ed, td) == pktNAK {
			return true
		}
	}
	return false
}

// broadcast offers a token to every enabled, resumed function signalling
// at the ED's speed, as a shared bus would. Functions ignore tokens for
// other addresses, so the first handshake other than HandshakeNone is the
// addressed function's answer.
func (e *Controller) broadcast(low bool, send func(Device) Handshake) Handshake {
	if e.control&ohci.CtlHCFSMask != ohci.CtlHCFSOperational {
		return HandshakeNone
	}
	for _, p := range e.ports {
		if p.dev == nil || p.status&ohci.PortPES == 0 || p.status&ohci.PortPSS != 0 || p.status&ohci.PortPPS == 0 {
			continue
		}
		if (p.dev.Speed() == hal.SpeedLow) != low {
			continue
		}
		if hs := send(p.dev); hs != HandshakeNone {
			return hs
		}
	}
	return HandshakeNone
}

// tdRemaining returns the bytes left between cbp and be, which may sit
// in different pages.
func tdRemaining(cbp, be uint32) int {
	if cbp == 0 {
		return 0
	}
	if cbp&^0xfff == be&^0xfff {
		return int(be-cbp) + 1
	}
	return int(0x1000-cbp&0xfff) + int(be&0xfff) + 1
}

// tdAdvance returns the buffer pointer k bytes past cbp.
func tdAdvance(cbp, be uint32, k int) uint32 {
	if cbp&^0xfff == be&^0xfff || int(cbp&0xfff)+k < 0x1000 {
		return cbp + uint32(k)
	}
	return be&^0xfff | uint32(int(cbp&0xfff)+k-0x1000)
}

// tdAccess splits an n-byte access at cbp into its first-page and
// second-page parts.
func tdAccess(cbp, be uint32, n int) (a1 uint32, n1 int, a2 uint32, n2 int) {
	if cbp&^0xfff == be&^0xfff || int(cbp&0xfff)+n <= 0x1000 {
		return cbp, n, 0, 0
	}
	n1 = 0x1000 - int(cbp&0xfff)
	return cbp, n1, be &^ 0xfff, n - n1
}

func (e *Controller) tdRead(cbp, be uint32, n int) []byte {
	buf := make([]byte, n)
	a1, n1, a2, n2 := tdAccess(cbp, be, n)
	e.read(a1, buf[:n1])
	e.read(a2, buf[n1:n1+n2])
	return buf
}

func (e *Controller) tdWrite(cbp, be uint32, data []byte) {
	a1, n1, a2, n2 := tdAccess(cbp, be, len(data))
	e.write(a1, data[:n1])
	e.write(a2, data[n1:n1+n2])
}

// packet executes one packet of the TD at td.
func (e *Controller) packet(ed, td uint32) result {
	edf := e.load32(ed)
	headp := e.load32(ed + 8)
	f := e.load32(td)
	cbp := e.load32(td + 4)
	next := e.load32(td+8) &^ 0xf
	be := e.load32(td + 12)
	if e.dead {
		return pktRetired
	}
	e.packets.Add(1)

	maxp := int(edf&ohci.EDMPSMask) >> ohci.EDMPSShift
	tok := Token{
		Addr:     uint8(edf & ohci.EDFAMask),
		Endpoint: uint8((edf & ohci.EDENMask) >> ohci.EDENShift),
	}

	var dir pid
	switch edf & ohci.EDDirMask {
	case ohci.EDDirOut:
		dir = pidOut
	case ohci.EDDirIn:
		dir = pidIn
	default:
		switch f & ohci.TDDPMask {
		case ohci.TDDPSetup:
			dir = pidSetup
		case ohci.TDDPOut:
			dir = pidOut
		case ohci.TDDPIn:
			dir = pidIn
		default:
			e.fail("reserved TD direction")
			return pktRetired
		}
	}

	toggle := (headp >> 1) & 1
	if f&ohci.TDToggle0 != 0 {
		toggle = (f >> 24) & 1
	}
	tok.Toggle = uint8(toggle)

	remaining := tdRemaining(cbp, be)
	n := remaining
	if n > maxp {
		n = maxp
	}

	low := edf&ohci.EDSpeedLow != 0
	var hs Handshake
	var data []byte
	switch dir {
	case pidSetup:
		pkt := e.tdRead(cbp, be, n)
		hs = e.broadcast(low, func(d Device) Handshake { return d.Setup(tok, pkt) })
	case pidOut:
		pkt := e.tdRead(cbp, be, n)
		hs = e.broadcast(low, func(d Device) Handshake { return d.Out(tok, pkt) })
	case pidIn:
		hs = e.broadcast(low, func(d Device) Handshake {
			var h Handshake
			data, h = d.In(tok, n)
			return h
		})
	}

	switch hs {
	case HandshakeNAK:
		return pktNAK
	case HandshakeNone:
		e.retireTD(ed, td, f|3<<ohci.TDECShift, ohci.CCDeviceNotResponding, cbp, next, toggle)
		return pktRetired
	case HandshakeStall:
		e.retireTD(ed, td, f, ohci.CCStall, cbp, next, toggle)
		return pktRetired
	}

	moved := n
	if dir == pidIn {
		if len(data) > n {
			e.tdWrite(cbp, be, data[:n])
			e.retireTD(ed, td, f, ohci.CCDataOverrun, tdAdvance(cbp, be, n), next, toggle)
			return pktRetired
		}
		moved = len(data)
		e.tdWrite(cbp, be, data)
	}

	toggle ^= 1
	f = f&^(ohci.TDToggleMask|ohci.TDECMask) | ohci.TDToggle0 | toggle<<24
	left := remaining - moved
	short := dir == pidIn && moved < n
	if left == 0 || short {
		ncbp := uint32(0)
		cc := ohci.CCNoError
		if left > 0 {
			ncbp = tdAdvance(cbp, be, moved)
			if f&ohci.TDRound == 0 {
				cc = ohci.CCDataUnderrun
			}
		}
		e.retireTD(ed, td, f, cc, ncbp, next, toggle)
		return pktRetired
	}
	e.store32(td, f)
	e.store32(td+4, tdAdvance(cbp, be, moved))
	return pktMore
}

// retireTD writes the completion code, moves the ED head past td and
// queues td on the done queue.
func (e *Controller) retireTD(ed, td, f uint32, cc ohci.CompletionCode, cbp, next, toggle uint32) {
	f = f&^ohci.TDCCMask | uint32(cc)<<ohci.TDCCShift
	e.store32(td+4, cbp)
	e.store32(td, f)

	head := next | toggle<<1
	if cc != ohci.CCNoError {
		head |= ohci.EDHeadHalted
	}
	e.store32(ed+8, head)
	e.queueDone(td, (f&ohci.TDDIMask)>>ohci.TDDIShift, cc != ohci.CCNoError)
}

func (e *Controller) queueDone(a, di uint32, failed bool) {
	e.store32(a+8, e.doneHead)
	e.doneHead = a
	if failed {
		di = 0
	}
	if di != doneIdle && di < e.doneCount {
		e.doneCount = di
	}
}

// serviceIso runs at most one frame of the ITD at the ED's head.
func (e *Controller) serviceIso(ed uint32) {
	headp := e.load32(ed + 8)
	if headp&ohci.EDHeadHalted != 0 {
		return
	}
	itd := headp &^ 0x1f
	if itd == e.load32(ed+4)&^0x1f {
		return
	}
	f := e.load32(itd)
	sf := uint16(f & ohci.ITDSFMask)
	fc := int((f & ohci.ITDFCMask) >> ohci.ITDFCShift)
	r := int(int16(e.frame - sf))
	switch {
	case r < 0:
		return
	case r > fc:
		e.retireITD(ed, itd, f, ohci.CCDataOverrun)
		return
	}

	edf := e.load32(ed)
	bp0 := e.load32(itd+4) & ohci.ITDBP0Mask
	be := e.load32(itd + 12)
	off := e.load16(itd + 0x10 + 2*uint32(r))
	o13 := int(off & 0x1fff)
	var end13 int
	if r < fc {
		end13 = int(e.load16(itd+0x10+2*uint32(r+1)) & 0x1fff)
	} else {
		end13 = int(be & 0xfff)
		if be&^0xfff != bp0 {
			end13 |= 0x1000
		}
		end13++
	}
	size := end13 - o13
	if size < 0 {
		size = 0
	}

	phys := func(o int) uint32 {
		if o&0x1000 != 0 {
			return be&^0xfff | uint32(o&0xfff)
		}
		return bp0 | uint32(o&0xfff)
	}
	access := func(n int) (uint32, int, uint32, int) {
		if o13 < 0x1000 && o13+n > 0x1000 {
			n1 := 0x1000 - o13
			return phys(o13), n1, phys(0x1000), n - n1
		}
		return phys(o13), n, 0, 0
	}

	tok := Token{
		Addr:     uint8(edf & ohci.EDFAMask),
		Endpoint: uint8((edf & ohci.EDENMask) >> ohci.EDENShift),
		Iso:      true,
	}
	e.packets.Add(1)
	low := edf&ohci.EDSpeedLow != 0

	psw := uint16(ohci.CCDeviceNotResponding) << ohci.PSWCCShift
	if edf&ohci.EDDirMask == ohci.EDDirIn {
		var data []byte
		hs := e.broadcast(low, func(d Device) Handshake {
			var h Handshake
			data, h = d.In(tok, size)
			return h
		})
		if hs == HandshakeACK {
			cc := ohci.CCNoError
			if len(data) > size {
				data, cc = data[:size], ohci.CCDataOverrun
			} else if len(data) < size {
				cc = ohci.CCDataUnderrun
			}
			a1, n1, a2, n2 := access(len(data))
			e.write(a1, data[:n1])
			e.write(a2, data[n1:n1+n2])
			psw = uint16(cc)<<ohci.PSWCCShift | uint16(len(data))&ohci.PSWLenMask
		}
	} else {
		buf := make([]byte, size)
		a1, n1, a2, n2 := access(size)
		e.read(a1, buf[:n1])
		e.read(a2, buf[n1:n1+n2])
		if e.broadcast(low, func(d Device) Handshake { return d.Out(tok, buf) }) == HandshakeACK {
			psw = uint16(ohci.CCNoError) << ohci.PSWCCShift
		}
	}
	e.store16(itd+0x10+2*uint32(r), psw)

	if r == fc {
		e.retireITD(ed, itd, f, ohci.CCNoError)
	}
}

func (e *Controller) retireITD(ed, itd, f uint32, cc ohci.CompletionCode) {
	f = f&^ohci.ITDCCMask | uint32(cc)<<ohci.ITDCCShift
	e.store32(itd, f)
	next := e.load32(itd+8) &^ 0x1f
	headp := e.load32(ed + 8)
	e.store32(ed+8, next|headp&ohci.EDToggleCarry)
	e.queueDone(itd, (f&ohci.ITDDIMask)>>ohci.ITDDIShift, false)
}
