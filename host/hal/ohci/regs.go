package ohci

// Registers is the memory-mapped OHCI operational register block.
// Offsets are byte offsets from the start of the block. Implementations
// must make each access a single 32-bit read or write.
type Registers interface {
	Read32(off uint32) uint32
	Write32(off uint32, v uint32)
}

// Operational register offsets (OHCI 1.0a, section 7).
const (
	RegRevision         uint32 = 0x00
	RegControl          uint32 = 0x04
	RegCommandStatus    uint32 = 0x08
	RegInterruptStatus  uint32 = 0x0c
	RegInterruptEnable  uint32 = 0x10
	RegInterruptDisable uint32 = 0x14
	RegHCCA             uint32 = 0x18
	RegPeriodCurrentED  uint32 = 0x1c
	RegControlHeadED    uint32 = 0x20
	RegControlCurrentED uint32 = 0x24
	RegBulkHeadED       uint32 = 0x28
	RegBulkCurrentED    uint32 = 0x2c
	RegDoneHead         uint32 = 0x30
	RegFmInterval       uint32 = 0x34
	RegFmRemaining      uint32 = 0x38
	RegFmNumber         uint32 = 0x3c
	RegPeriodicStart    uint32 = 0x40
	RegLSThreshold      uint32 = 0x44
	RegRhDescriptorA    uint32 = 0x48
	RegRhDescriptorB    uint32 = 0x4c
	RegRhStatus         uint32 = 0x50
	RegRhPortStatus1    uint32 = 0x54
)

// RegRhPortStatus returns the offset of the status register of port
// (1-indexed).
func RegRhPortStatus(port int) uint32 {
	return RegRhPortStatus1 + uint32(port-1)*4
}

// HcRevision.
const (
	RevisionMask   = 0xff
	RevisionLegacy = 0x100
	Revision10     = 0x10
)

// HcControl.
const (
	CtlCBSRMask        = 0x00000003
	CtlRatio1_1        = 0x00000000
	CtlRatio2_1        = 0x00000001
	CtlRatio3_1        = 0x00000002
	CtlRatio4_1        = 0x00000003
	CtlPLE             = 0x00000004
	CtlIE              = 0x00000008
	CtlCLE             = 0x00000010
	CtlBLE             = 0x00000020
	CtlHCFSMask        = 0x000000c0
	CtlHCFSReset       = 0x00000000
	CtlHCFSResume      = 0x00000040
	CtlHCFSOperational = 0x00000080
	CtlHCFSSuspend     = 0x000000c0
	CtlIR              = 0x00000100
	CtlRWC             = 0x00000200
	CtlRWE             = 0x00000400
)

// HcCommandStatus.
const (
	CmdHCR = 0x00000001
	CmdCLF = 0x00000002
	CmdBLF = 0x00000004
	CmdOCR = 0x00000008
)

// Interrupt status, enable and disable bits.
const (
	IntrSO   uint32 = 0x00000001 // scheduling overrun
	IntrWDH  uint32 = 0x00000002 // writeback done head
	IntrSF   uint32 = 0x00000004 // start of frame
	IntrRD   uint32 = 0x00000008 // resume detected
	IntrUE   uint32 = 0x00000010 // unrecoverable error
	IntrFNO  uint32 = 0x00000020 // frame number overflow
	IntrRHSC uint32 = 0x00000040 // root hub status change
	IntrOC   uint32 = 0x40000000 // ownership change
	IntrMIE  uint32 = 0x80000000 // master interrupt enable

	IntrAll = IntrSO | IntrWDH | IntrSF | IntrRD | IntrUE | IntrFNO | IntrRHSC | IntrOC
)

// IntrNormal is the set of interrupts the driver runs with.
const IntrNormal = IntrSO | IntrWDH | IntrRD | IntrUE | IntrRHSC

// HcFmInterval.
const (
	FmFIMask       = 0x00003fff
	FmFSMPSShift   = 16
	FmFIT          = 0x80000000
	FmDefaultFI    = 11999
	fmMaxOverhead  = 210
	FmNumberMask   = 0x0000ffff
	LSThresholdDef = 0x628
)

// FmFSMPS returns the largest data packet the controller will start in a
// frame of fi bit times.
func FmFSMPS(fi uint32) uint32 {
	return ((fi - fmMaxOverhead) * 6) / 7
}

// HcRhDescriptorA.
const (
	RhANDPMask     = 0x000000ff
	RhAPSM         = 0x00000100
	RhANPS         = 0x00000200
	RhADT          = 0x00000400
	RhAOCPM        = 0x00000800
	RhANOCP        = 0x00001000
	RhAPOTPGTShift = 24
)

// HcRhStatus.
const (
	RhsLPS  = 0x00000001
	RhsOCI  = 0x00000002
	RhsDRWE = 0x00008000
	RhsLPSC = 0x00010000
	RhsOCIC = 0x00020000
	RhsCRWE = 0x80000000
)

// HcRhPortStatus. Writing a one to a status bit performs the command in
// the trailing comment; writing a one to a change bit clears it.
const (
	PortCCS  = 0x00000001 // ClearPortEnable
	PortPES  = 0x00000002 // SetPortEnable
	PortPSS  = 0x00000004 // SetPortSuspend
	PortPOCI = 0x00000008 // ClearSuspendStatus
	PortPRS  = 0x00000010 // SetPortReset
	PortPPS  = 0x00000100 // SetPortPower
	PortLSDA = 0x00000200 // ClearPortPower
	PortCSC  = 0x00010000
	PortPESC = 0x00020000
	PortPSSC = 0x00040000
	PortOCIC = 0x00080000
	PortPRSC = 0x00100000

	PortChangeMask = PortCSC | PortPESC | PortPSSC | PortOCIC | PortPRSC
)

// MaxPorts is the largest port count HcRhDescriptorA can report.
const MaxPorts = 15
