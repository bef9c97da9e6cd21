package ohci

import (
	"fmt"

	"github.com/ardnew/softohci/host/hal/dma"
	"github.com/ardnew/softohci/pkg"
)

// Hardware record sizes and alignments.
const (
	EDSize   = 16
	EDAlign  = 16
	TDSize   = 16
	TDAlign  = 16
	ITDSize  = 32
	ITDAlign = 32

	HCCASize  = 256
	HCCAAlign = 256
)

// HCCA layout.
const (
	NumIntrs            = 32 // interrupt table entries
	HCCAIntrTable       = 0x00
	HCCAFrameNumber     = 0x80
	HCCADoneHead        = 0x84
	HCCADoneHeadOtherIE = 0x1 // done head bit 0: other interrupts pending
)

// Endpoint descriptor words.
const (
	edFlags = 0x0
	edTailP = 0x4
	edHeadP = 0x8
	edNext  = 0xc
)

// ED flag fields.
const (
	EDFAMask      = 0x0000007f
	EDENShift     = 7
	EDENMask      = 0x00000780
	EDDirTD       = 0x00000000
	EDDirOut      = 0x00000800
	EDDirIn       = 0x00001000
	EDDirMask     = 0x00001800
	EDSpeedLow    = 0x00002000
	EDSkip        = 0x00004000
	EDFormatIso   = 0x00008000
	EDMPSShift    = 16
	EDMPSMask     = 0x07ff0000
	EDHeadHalted  = 0x00000001
	EDToggleCarry = 0x00000002
	EDHeadMask    = 0xfffffff0
)

// EDFlags packs the fields of an endpoint descriptor's first word.
func EDFlags(addr, endpoint uint8, dir uint32, low bool, iso bool, maxp uint16) uint32 {
	f := uint32(addr)&EDFAMask | uint32(endpoint&0xf)<<EDENShift | dir | uint32(maxp&0x7ff)<<EDMPSShift
	if low {
		f |= EDSpeedLow
	}
	if iso {
		f |= EDFormatIso
	}
	return f
}

// General transfer descriptor words.
const (
	tdFlags = 0x0
	tdCBP   = 0x4
	tdNext  = 0x8
	tdBE    = 0xc
)

// TD flag fields.
const (
	TDRound       = 0x00040000
	TDDPSetup     = 0x00000000
	TDDPOut       = 0x00080000
	TDDPIn        = 0x00100000
	TDDPMask      = 0x00180000
	TDDIShift     = 21
	TDDIMask      = 0x00e00000
	TDToggleCarry = 0x00000000
	TDToggle0     = 0x02000000
	TDToggle1     = 0x03000000
	TDToggleMask  = 0x03000000
	TDECShift     = 26
	TDECMask      = 0x0c000000
	TDCCShift     = 28
	TDCCMask      = 0xf0000000
	TDNoCC        = 0xf0000000
)

// TDDelay encodes a delay-interrupt count. Seven means no interrupt.
func TDDelay(n uint32) uint32 { return (n << TDDIShift) & TDDIMask }

// TDNoIntr is the delay-interrupt value that never raises WDH.
const TDNoIntr = 7 << TDDIShift

// Delay-interrupt counts used for intermediate and final TDs.
const (
	diIntermediate = 6
	diLast         = 1
)

// Isochronous transfer descriptor words.
const (
	itdFlags   = 0x00
	itdBP0     = 0x04
	itdNext    = 0x08
	itdBE      = 0x0c
	itdOffsets = 0x10
)

// ITD flag fields.
const (
	ITDSFMask       = 0x0000ffff
	ITDDIShift      = 21
	ITDDIMask       = 0x00e00000
	ITDFCShift      = 24
	ITDFCMask       = 0x07000000
	ITDCCShift      = 28
	ITDCCMask       = 0xf0000000
	ITDNoCC         = 0xf0000000
	ITDBP0Mask      = 0xfffff000
	ITDNOffs        = 8
	ITDPageSel      = 0x1000
	ITDOffsMask     = 0x0fff
	PSWCCShift      = 12
	PSWLenMask      = 0x07ff
	offsNotAccessed = 0xe000
)

// ITDMakeOffset builds the initial offset/PSW half-word for a frame whose
// buffer starts at byte offset off of the selected page.
func ITDMakeOffset(off uint32, secondPage bool) uint16 {
	v := uint16(off&ITDOffsMask) | offsNotAccessed
	if secondPage {
		v |= ITDPageSel
	}
	return v
}

// CompletionCode is the condition code the controller writes into a
// retired TD or ITD, or into an ITD frame's packet status word.
type CompletionCode uint8

// Completion codes (OHCI 1.0a, table 4-7).
const (
	CCNoError             CompletionCode = 0x0
	CCCRC                 CompletionCode = 0x1
	CCBitStuffing         CompletionCode = 0x2
	CCDataToggleMismatch  CompletionCode = 0x3
	CCStall               CompletionCode = 0x4
	CCDeviceNotResponding CompletionCode = 0x5
	CCPIDCheckFailure     CompletionCode = 0x6
	CCUnexpectedPID       CompletionCode = 0x7
	CCDataOverrun         CompletionCode = 0x8
	CCDataUnderrun        CompletionCode = 0x9
	CCBufferOverrun       CompletionCode = 0xc
	CCBufferUnderrun      CompletionCode = 0xd
	CCNotAccessed         CompletionCode = 0xf
)

var ccNames = [16]string{
	"NO_ERROR", "CRC", "BIT_STUFFING", "DATA_TOGGLE_MISMATCH",
	"STALL", "DEVICE_NOT_RESPONDING", "PID_CHECK_FAILURE", "UNEXPECTED_PID",
	"DATA_OVERRUN", "DATA_UNDERRUN", "RESERVED", "RESERVED",
	"BUFFER_OVERRUN", "BUFFER_UNDERRUN", "NOT_ACCESSED", "NOT_ACCESSED",
}

// String returns the completion code name.
func (cc CompletionCode) String() string {
	return ccNames[cc&0xf]
}

// NotAccessed reports whether the controller never touched the
// descriptor or frame.
func (cc CompletionCode) NotAccessed() bool {
	return cc&0xe == 0xe
}

// Status classifies the code as a driver-visible outcome. Data underrun
// is an error unless shortOK is set.
func (cc CompletionCode) Status(shortOK bool) pkg.TransferStatus {
	switch cc {
	case CCNoError:
		return pkg.TransferStatusSuccess
	case CCDataUnderrun:
		if shortOK {
			return pkg.TransferStatusSuccess
		}
		return pkg.TransferStatusError
	case CCStall:
		return pkg.TransferStatusStall
	default:
		return pkg.TransferStatusError
	}
}

// record is a hardware-visible descriptor: a fixed window of a DMA region
// shared with the controller. Every access goes through the region's
// atomic word operations.
type record struct {
	mem *dma.Region
	off int
}

func (r record) phys() uint32            { return r.mem.PhysAt(r.off) }
func (r record) load(w int) uint32       { return r.mem.Load32(r.off + w) }
func (r record) store(w int, v uint32)   { r.mem.Store32(r.off+w, v) }
func (r record) load16(w int) uint16     { return r.mem.Load16(r.off + w) }
func (r record) store16(w int, v uint16) { r.mem.Store16(r.off+w, v) }

func (r record) clear(size int) {
	for w := 0; w < size; w += 4 {
		r.store(w, 0)
	}
}

// edRecord is the hardware view of an endpoint descriptor.
type edRecord struct{ record }

func (e edRecord) flags() uint32     { return e.load(edFlags) }
func (e edRecord) setFlags(v uint32) { e.store(edFlags, v) }
func (e edRecord) tailp() uint32     { return e.load(edTailP) }
func (e edRecord) setTailp(v uint32) { e.store(edTailP, v) }
func (e edRecord) headp() uint32     { return e.load(edHeadP) }
func (e edRecord) setHeadp(v uint32) { e.store(edHeadP, v) }
func (e edRecord) next() uint32      { return e.load(edNext) }
func (e edRecord) setNext(v uint32)  { e.store(edNext, v) }

func (e edRecord) setSkip(on bool) {
	f := e.flags()
	if on {
		f |= EDSkip
	} else {
		f &^= EDSkip
	}
	e.setFlags(f)
}

func (e edRecord) skipped() bool { return e.flags()&EDSkip != 0 }

// tdRecord is the hardware view of a general transfer descriptor.
type tdRecord struct{ record }

func (t tdRecord) flags() uint32     { return t.load(tdFlags) }
func (t tdRecord) setFlags(v uint32) { t.store(tdFlags, v) }
func (t tdRecord) cbp() uint32       { return t.load(tdCBP) }
func (t tdRecord) setCBP(v uint32)   { t.store(tdCBP, v) }
func (t tdRecord) next() uint32      { return t.load(tdNext) }
func (t tdRecord) setNext(v uint32)  { t.store(tdNext, v) }
func (t tdRecord) be() uint32        { return t.load(tdBE) }
func (t tdRecord) setBE(v uint32)    { t.store(tdBE, v) }

func (t tdRecord) cc() CompletionCode {
	return CompletionCode(t.flags() >> TDCCShift)
}

// itdRecord is the hardware view of an isochronous transfer descriptor.
type itdRecord struct{ record }

func (t itdRecord) flags() uint32     { return t.load(itdFlags) }
func (t itdRecord) setFlags(v uint32) { t.store(itdFlags, v) }
func (t itdRecord) bp0() uint32       { return t.load(itdBP0) }
func (t itdRecord) setBP0(v uint32)   { t.store(itdBP0, v) }
func (t itdRecord) next() uint32      { return t.load(itdNext) }
func (t itdRecord) setNext(v uint32)  { t.store(itdNext, v) }
func (t itdRecord) be() uint32        { return t.load(itdBE) }
func (t itdRecord) setBE(v uint32)    { t.store(itdBE, v) }

func (t itdRecord) offset(i int) uint16 {
	return t.load16(itdOffsets + 2*i)
}

func (t itdRecord) setOffset(i int, v uint16) {
	t.store16(itdOffsets+2*i, v)
}

func (t itdRecord) cc() CompletionCode {
	return CompletionCode(t.flags() >> ITDCCShift)
}

// hccaRecord is the host controller communications area.
type hccaRecord struct{ record }

func (h hccaRecord) setIntrEntry(i int, phys uint32) {
	h.store(HCCAIntrTable+4*i, phys)
}

func (h hccaRecord) intrEntry(i int) uint32 {
	return h.load(HCCAIntrTable + 4*i)
}

func (h hccaRecord) frameNumber() uint16 {
	return h.load16(HCCAFrameNumber)
}

// swapDoneHead reads the done head once and leaves zero behind.
func (h hccaRecord) swapDoneHead() uint32 {
	return h.mem.Swap32(h.off+HCCADoneHead, 0)
}

func (r record) String() string {
	return fmt.Sprintf("0x%08x", r.phys())
}
