package emu

import (
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/ardnew/softohci/host/hal"
	"github.com/ardnew/softohci/host/hal/dma"
	"github.com/ardnew/softohci/host/hal/ohci"
	"github.com/ardnew/softohci/pkg"
)

// Config describes the emulated controller.
type Config struct {
	// Ports is the number of root hub ports.
	Ports int

	// FramePeriod is the wall-clock length of a frame. Zero disables the
	// frame goroutine; frames then only advance through Step.
	FramePeriod time.Duration

	// Revision is reported in HcRevision.
	Revision uint32

	// FirmwareOwned starts the controller with InterruptRouting set, as
	// if system firmware were using it.
	FirmwareOwned bool

	// FirmwareStubborn keeps InterruptRouting set after an ownership
	// change request.
	FirmwareStubborn bool

	// PacketBudget bounds how many control and bulk packets run per frame.
	PacketBudget int

	// PortResetTime is how long a port reset takes.
	PortResetTime time.Duration
}

// DefaultConfig returns a two-port controller with 1 ms frames.
func DefaultConfig() Config {
	return Config{
		Ports:         2,
		FramePeriod:   time.Millisecond,
		Revision:      ohci.Revision10,
		PacketBudget:  64,
		PortResetTime: 10 * time.Millisecond,
	}
}

// Option adjusts a Config.
type Option func(*Config)

// WithPorts sets the port count.
func WithPorts(n int) Option { return func(c *Config) { c.Ports = n } }

// WithFramePeriod sets the frame length; zero means manual stepping.
func WithFramePeriod(d time.Duration) Option { return func(c *Config) { c.FramePeriod = d } }

// WithRevision sets the reported revision.
func WithRevision(rev uint32) Option { return func(c *Config) { c.Revision = rev } }

// WithFirmware starts the controller owned by firmware. A stubborn
// firmware never lets go.
func WithFirmware(stubborn bool) Option {
	return func(c *Config) {
		c.FirmwareOwned = true
		c.FirmwareStubborn = stubborn
	}
}

// WithPortResetTime sets how long a port reset takes.
func WithPortResetTime(d time.Duration) Option { return func(c *Config) { c.PortResetTime = d } }

type port struct {
	status     uint32
	dev        Device
	resetUntil time.Time
}

// Controller emulates an OHCI host controller. It implements
// ohci.Registers and executes the schedule found in a dma.Arena.
type Controller struct {
	cfg Config
	mem *dma.Arena

	mu         sync.Mutex
	control    uint32
	cmdstatus  uint32
	intrStatus uint32
	intrEnable uint32
	hcca       uint32
	ctrlHead   uint32
	ctrlCur    uint32
	bulkHead   uint32
	bulkCur    uint32
	fmInterval uint32
	frame      uint16
	periodic   uint32
	lsThresh   uint32
	descA      uint32
	descB      uint32
	rhStatus   uint32
	ports      []*port
	dead       bool

	doneHead  uint32
	doneCount uint32

	irq atomic.Pointer[func()]

	frames  atomic.Uint64
	packets atomic.Uint64

	stop chan struct{}
	wg   sync.WaitGroup
}

const doneIdle = 7

// New creates an emulated controller reading descriptors from mem.
func New(mem *dma.Arena, opts ...Option) *Controller {
	cfg := DefaultConfig()
	for _, opt := range opts {
		opt(&cfg)
	}
	if cfg.Ports < 1 {
		cfg.Ports = 1
	}
	if cfg.Ports > ohci.MaxPorts {
		cfg.Ports = ohci.MaxPorts
	}
	if cfg.PacketBudget <= 0 {
		cfg.PacketBudget = DefaultConfig().PacketBudget
	}
	e := &Controller{cfg: cfg, mem: mem}
	e.ports = make([]*port, cfg.Ports)
	for i := range e.ports {
		e.ports[i] = &port{}
	}
	e.descA = uint32(cfg.Ports) | ohci.RhAPSM | 2<<ohci.RhAPOTPGTShift
	e.reset()
	if cfg.FirmwareOwned {
		e.control |= ohci.CtlIR
	}
	return e
}

// reset puts the registers in their post-reset state. Called with mu held.
func (e *Controller) reset() {
	e.control = ohci.CtlHCFSReset | e.control&ohci.CtlIR
	e.cmdstatus = 0
	e.intrStatus = 0
	e.intrEnable = 0
	e.hcca = 0
	e.ctrlHead, e.ctrlCur = 0, 0
	e.bulkHead, e.bulkCur = 0, 0
	e.fmInterval = ohci.FmFSMPS(ohci.FmDefaultFI)<<ohci.FmFSMPSShift | ohci.FmDefaultFI
	e.periodic = 0
	e.lsThresh = ohci.LSThresholdDef
	e.doneHead = 0
	e.doneCount = doneIdle
	e.dead = false
	for _, p := range e.ports {
		p.status &^= ohci.PortPES | ohci.PortPSS | ohci.PortPRS
	}
}

// SetIRQ installs the function called while the interrupt line is
// asserted at the end of a frame. It runs on the frame goroutine without
// any emulator lock held.
func (e *Controller) SetIRQ(fn func()) {
	if fn == nil {
		e.irq.Store(nil)
		return
	}
	e.irq.Store(&fn)
}

// Start launches the frame goroutine. It is a no-op with a zero frame
// period.
func (e *Controller) Start() {
	if e.cfg.FramePeriod <= 0 || e.stop != nil {
		return
	}
	e.stop = make(chan struct{})
	e.wg.Add(1)
	go func() {
		defer e.wg.Done()
		t := time.NewTicker(e.cfg.FramePeriod)
		defer t.Stop()
		for {
			select {
			case <-e.stop:
				return
			case <-t.C:
				e.Step()
			}
		}
	}()
}

// Stop ends the frame goroutine.
func (e *Controller) Stop() {
	if e.stop == nil {
		return
	}
	close(e.stop)
	e.wg.Wait()
	e.stop = nil
}

// Frames returns how many frames ran while operational.
func (e *Controller) Frames() uint64 { return e.frames.Load() }

// Packets returns how many packets the emulator executed.
func (e *Controller) Packets() uint64 { return e.packets.Load() }

// Read32 implements ohci.Registers.
func (e *Controller) Read32(off uint32) uint32 {
	e.mu.Lock()
	defer e.mu.Unlock()
	switch off {
	case ohci.RegRevision:
		return e.cfg.Revision
	case ohci.RegControl:
		return e.control
	case ohci.RegCommandStatus:
		return e.cmdstatus
	case ohci.RegInterruptStatus:
		return e.intrStatus
	case ohci.RegInterruptEnable, ohci.RegInterruptDisable:
		return e.intrEnable
	case ohci.RegHCCA:
		return e.hcca
	case ohci.RegControlHeadED:
		return e.ctrlHead
	case ohci.RegControlCurrentED:
		return e.ctrlCur
	case ohci.RegBulkHeadED:
		return e.bulkHead
	case ohci.RegBulkCurrentED:
		return e.bulkCur
	case ohci.RegDoneHead:
		return e.doneHead
	case ohci.RegFmInterval:
		return e.fmInterval
	case ohci.RegFmNumber:
		return uint32(e.frame)
	case ohci.RegPeriodicStart:
		return e.periodic
	case ohci.RegLSThreshold:
		return e.lsThresh
	case ohci.RegRhDescriptorA:
		return e.descA
	case ohci.RegRhDescriptorB:
		return e.descB
	case ohci.RegRhStatus:
		return e.rhStatus
	}
	if p := e.portAt(off); p != nil {
		e.finishReset(p)
		v := p.status
		if v&ohci.PortPPS == 0 {
			v &^= ohci.PortCCS | ohci.PortLSDA
		}
		return v
	}
	return 0
}

// Write32 implements ohci.Registers.
func (e *Controller) Write32(off, v uint32) {
	e.mu.Lock()
	defer e.mu.Unlock()
	switch off {
	case ohci.RegControl:
		e.control = v
	case ohci.RegCommandStatus:
		e.command(v)
	case ohci.RegInterruptStatus:
		e.intrStatus &^= v
	case ohci.RegInterruptEnable:
		e.intrEnable |= v
	case ohci.RegInterruptDisable:
		e.intrEnable &^= v
	case ohci.RegHCCA:
		e.hcca = v &^ 0xff
	case ohci.RegControlHeadED:
		e.ctrlHead = v &^ 0xf
	case ohci.RegControlCurrentED:
		e.ctrlCur = v &^ 0xf
	case ohci.RegBulkHeadED:
		e.bulkHead = v &^ 0xf
	case ohci.RegBulkCurrentED:
		e.bulkCur = v &^ 0xf
	case ohci.RegFmInterval:
		e.fmInterval = v
	case ohci.RegPeriodicStart:
		e.periodic = v & ohci.FmFIMask
	case ohci.RegLSThreshold:
		e.lsThresh = v & 0xfff
	case ohci.RegRhDescriptorA:
		const writable = ohci.RhAPSM | ohci.RhANPS | ohci.RhAOCPM | ohci.RhANOCP | 0xff<<ohci.RhAPOTPGTShift
		e.descA = e.descA&^writable | v&writable
	case ohci.RegRhDescriptorB:
		e.descB = v
	case ohci.RegRhStatus:
		e.rhWrite(v)
	default:
		if p := e.portAt(off); p != nil {
			e.portWrite(p, v)
		}
	}
}

func (e *Controller) command(v uint32) {
	if v&ohci.CmdHCR != 0 {
		e.reset()
		e.control = ohci.CtlHCFSSuspend | e.control&ohci.CtlIR
		pkg.LogDebug(pkg.ComponentEmulator, "controller reset")
	}
	if v&ohci.CmdOCR != 0 && e.control&ohci.CtlIR != 0 && !e.cfg.FirmwareStubborn {
		e.control &^= ohci.CtlIR
		e.intrStatus |= ohci.IntrOC
	}
	e.cmdstatus |= v & (ohci.CmdCLF | ohci.CmdBLF)
}

func (e *Controller) portAt(off uint32) *port {
	if off < ohci.RegRhPortStatus1 || off&3 != 0 {
		return nil
	}
	i := int(off-ohci.RegRhPortStatus1) / 4
	if i >= len(e.ports) {
		return nil
	}
	return e.ports[i]
}

// setChange sets port change bits and raises RHSC when one appears.
func (e *Controller) setChange(p *port, bits uint32) {
	if p.status&bits != bits {
		e.intrStatus |= ohci.IntrRHSC
	}
	p.status |= bits
}

func (e *Controller) rhWrite(v uint32) {
	if v&ohci.RhsLPSC != 0 {
		for _, p := range e.ports {
			p.status |= ohci.PortPPS
		}
	}
	if v&ohci.RhsLPS != 0 {
		for _, p := range e.ports {
			p.status &^= ohci.PortPPS | ohci.PortPES
		}
	}
	if v&ohci.RhsOCIC != 0 {
		e.rhStatus &^= ohci.RhsOCIC
	}
}

func (e *Controller) portWrite(p *port, v uint32) {
	connected := p.status&ohci.PortCCS != 0
	if v&ohci.PortCCS != 0 {
		p.status &^= ohci.PortPES
	}
	if v&ohci.PortPES != 0 {
		if connected {
			p.status |= ohci.PortPES
		} else {
			e.setChange(p, ohci.PortCSC)
		}
	}
	if v&ohci.PortPSS != 0 && connected {
		p.status |= ohci.PortPSS
	}
	if v&ohci.PortPOCI != 0 && p.status&ohci.PortPSS != 0 {
		p.status &^= ohci.PortPSS
		e.setChange(p, ohci.PortPSSC)
	}
	if v&ohci.PortPRS != 0 {
		if connected {
			p.status |= ohci.PortPRS
			p.resetUntil = time.Now().Add(e.cfg.PortResetTime)
		} else {
			e.setChange(p, ohci.PortCSC)
		}
	}
	if v&ohci.PortPPS != 0 {
		p.status |= ohci.PortPPS
	}
	if v&ohci.PortLSDA != 0 {
		p.status &^= ohci.PortPPS | ohci.PortPES
	}
	p.status &^= v & ohci.PortChangeMask
}

// finishReset completes a port reset whose time has passed.
func (e *Controller) finishReset(p *port) {
	if p.status&ohci.PortPRS == 0 || time.Now().Before(p.resetUntil) {
		return
	}
	p.status &^= ohci.PortPRS
	if p.dev != nil {
		p.dev.Reset()
		p.status |= ohci.PortPES
	}
	e.setChange(p, ohci.PortPRSC)
}

// Attach plugs dev into port (1-indexed).
func (e *Controller) Attach(port int, dev Device) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if port < 1 || port > len(e.ports) {
		return fmt.Errorf("%w: port %d", pkg.ErrInvalidParameter, port)
	}
	p := e.ports[port-1]
	if p.dev != nil {
		return fmt.Errorf("%w: port %d occupied", pkg.ErrBusy, port)
	}
	p.dev = dev
	p.status |= ohci.PortCCS
	if dev.Speed() == hal.SpeedLow {
		p.status |= ohci.PortLSDA
	} else {
		p.status &^= ohci.PortLSDA
	}
	e.setChange(p, ohci.PortCSC)
	pkg.LogDebug(pkg.ComponentEmulator, "device attached", "port", port, "speed", dev.Speed())
	return nil
}

// Detach unplugs whatever is in port.
func (e *Controller) Detach(port int) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if port < 1 || port > len(e.ports) {
		return fmt.Errorf("%w: port %d", pkg.ErrInvalidParameter, port)
	}
	p := e.ports[port-1]
	if p.dev == nil {
		return pkg.ErrNoDevice
	}
	p.dev = nil
	p.status &^= ohci.PortCCS | ohci.PortPES | ohci.PortPSS | ohci.PortPRS | ohci.PortLSDA
	e.setChange(p, ohci.PortCSC)
	return nil
}

// InjectUnrecoverable makes the controller fail as if it hit a host
// system error.
func (e *Controller) InjectUnrecoverable() {
	e.mu.Lock()
	e.fail("injected")
	e.mu.Unlock()
}

// InjectOverrun reports a scheduling overrun.
func (e *Controller) InjectOverrun() {
	e.mu.Lock()
	e.intrStatus |= ohci.IntrSO
	e.mu.Unlock()
}

// InjectResume reports resume signalling.
func (e *Controller) InjectResume() {
	e.mu.Lock()
	e.intrStatus |= ohci.IntrRD
	e.mu.Unlock()
}

func (e *Controller) fail(why string) {
	if e.dead {
		return
	}
	e.dead = true
	e.intrStatus |= ohci.IntrUE
	pkg.LogWarn(pkg.ComponentEmulator, "unrecoverable error", "reason", why)
}

// Step runs one frame and then raises the interrupt line if needed.
func (e *Controller) Step() {
	e.mu.Lock()
	for _, p := range e.ports {
		e.finishReset(p)
	}
	if e.control&ohci.CtlHCFSMask == ohci.CtlHCFSOperational && !e.dead && e.hcca != 0 {
		e.runFrame()
	}
	assert := e.intrEnable&ohci.IntrMIE != 0 && e.intrStatus&e.intrEnable&^ohci.IntrMIE != 0
	e.mu.Unlock()

	if assert {
		if fn := e.irq.Load(); fn != nil {
			(*fn)()
		}
	}
}
