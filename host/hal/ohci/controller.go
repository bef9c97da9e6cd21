package ohci

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/sync/errgroup"
	"golang.org/x/time/rate"

	"github.com/ardnew/softohci/host/hal/dma"
	"github.com/ardnew/softohci/pkg"
)

// Controller is one OHCI host controller. It owns the descriptor pool,
// the physical address table, the schedule and every open pipe.
//
// Lock order: mu, then regMu. The bottom half additionally serializes on
// bhMu, which is always taken before mu.
type Controller struct {
	cfg  Config
	regs Registers
	mem  dma.Allocator

	// regMu guards raw register access and eintrs.
	regMu  sync.Mutex
	eintrs uint32

	// mu is the controller lock. It guards everything below it.
	mu          sync.Mutex
	pool        *pool
	table       physTable
	sched       schedule
	hcca        hccaRecord
	hccaMem     *dma.Region
	pipes       map[*Pipe]struct{}
	toggles     map[uint16]bool
	nports      int
	initialized bool
	completions []*Xfer
	delivering  bool

	bhMu sync.Mutex

	halted  atomic.Bool
	polling atomic.Bool
	running atomic.Bool

	wdhCh   chan struct{}
	rhscCh  chan struct{}
	fatalCh chan struct{}
	cancel  context.CancelFunc
	group   *errgroup.Group

	root *RootHub

	overrunLog rate.Sometimes
	unknownLog rate.Sometimes

	stats counters
}

type counters struct {
	interrupts atomic.Uint64
	overruns   atomic.Uint64
	unknown    atomic.Uint64
	success    atomic.Uint64
	stalls     atomic.Uint64
	errors     atomic.Uint64
	cancelled  atomic.Uint64
	timeouts   atomic.Uint64
}

// Stats is a snapshot of controller counters.
type Stats struct {
	Interrupts  uint64
	Overruns    uint64
	UnknownDone uint64
	Completed   uint64
	Stalled     uint64
	Errors      uint64
	Cancelled   uint64
	TimedOut    uint64
	Pool        PoolStats
	LiveHashed  int
}

// New creates a controller driving regs with descriptors and buffers
// drawn from mem. Call Init before use.
func New(regs Registers, mem dma.Allocator, opts ...Option) *Controller {
	cfg := DefaultConfig()
	for _, opt := range opts {
		opt(&cfg)
	}
	cfg.normalize()

	c := &Controller{
		cfg:        cfg,
		regs:       regs,
		mem:        mem,
		pipes:      make(map[*Pipe]struct{}),
		toggles:    make(map[uint16]bool),
		wdhCh:      make(chan struct{}, 1),
		rhscCh:     make(chan struct{}, 1),
		fatalCh:    make(chan struct{}, 1),
		overrunLog: rate.Sometimes{Interval: time.Second},
		unknownLog: rate.Sometimes{Interval: time.Second},
	}
	c.pool = newPool(mem, &c.cfg)
	c.root = newRootHub(c)
	return c
}

// Config returns the configuration the controller runs with.
func (c *Controller) Config() Config { return c.cfg }

// RootHub returns the root hub emulation.
func (c *Controller) RootHub() *RootHub { return c.root }

func (c *Controller) readReg(off uint32) uint32 {
	c.regMu.Lock()
	defer c.regMu.Unlock()
	return c.regs.Read32(off)
}

func (c *Controller) writeReg(off, v uint32) {
	c.regMu.Lock()
	defer c.regMu.Unlock()
	c.regs.Write32(off, v)
}

func (c *Controller) enableIntrs(bits uint32) {
	c.regMu.Lock()
	defer c.regMu.Unlock()
	c.eintrs |= bits
	c.regs.Write32(RegInterruptEnable, bits)
}

func (c *Controller) disableIntrs(bits uint32) {
	c.regMu.Lock()
	defer c.regMu.Unlock()
	c.eintrs &^= bits
	c.regs.Write32(RegInterruptDisable, bits)
}

func (c *Controller) enabledIntrs() uint32 {
	c.regMu.Lock()
	defer c.regMu.Unlock()
	return c.eintrs
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Init checks the controller revision, builds the schedule and brings
// the controller to the operational state with port power on.
func (c *Controller) Init(ctx context.Context) error {
	rev := c.readReg(RegRevision)
	if rev&RevisionMask != Revision10 {
		return fmt.Errorf("%w: 0x%02x", pkg.ErrUnsupportedRevision, rev&RevisionMask)
	}
	pkg.LogInfo(pkg.ComponentOHCI, "controller found",
		"revision", fmt.Sprintf("%d.%d", (rev>>4)&0xf, rev&0xf),
		"legacy", rev&RevisionLegacy != 0)

	c.mu.Lock()
	if c.initialized {
		c.mu.Unlock()
		return pkg.ErrAlreadyRunning
	}
	err := c.allocSchedule()
	c.mu.Unlock()
	if err != nil {
		return err
	}

	if err := c.controllerInit(ctx); err != nil {
		c.mu.Lock()
		c.freeSchedule()
		c.mu.Unlock()
		return err
	}

	c.mu.Lock()
	c.initialized = true
	c.mu.Unlock()
	return nil
}

// allocSchedule allocates the HCCA and the list heads. Called with mu held.
func (c *Controller) allocSchedule() error {
	r, err := c.mem.Alloc(HCCASize, HCCAAlign)
	if err != nil {
		return err
	}
	c.hccaMem = r
	c.hcca = hccaRecord{record{r, 0}}
	if err := c.sched.build(c.pool, c.hcca); err != nil {
		c.freeSchedule()
		return err
	}
	c.mem.Sync(r, 0, HCCASize, dma.Bidirectional)
	return nil
}

func (c *Controller) freeSchedule() {
	c.sched.free(c.pool)
	if c.hccaMem != nil {
		_ = c.mem.Free(c.hccaMem)
		c.hccaMem = nil
	}
}

// controllerInit takes the controller from firmware, resets it and
// programs the schedule heads.
func (c *Controller) controllerInit(ctx context.Context) error {
	ctl := c.readReg(RegControl)
	if ctl&CtlIR != 0 {
		pkg.LogDebug(pkg.ComponentOHCI, "requesting ownership from firmware")
		c.writeReg(RegCommandStatus, CmdOCR)
		deadline := time.Now().Add(c.cfg.OwnershipTimeout)
		for c.readReg(RegControl)&CtlIR != 0 {
			if time.Now().After(deadline) {
				pkg.LogWarn(pkg.ComponentOHCI, "firmware did not release controller, taking it")
				c.writeReg(RegControl, CtlHCFSReset)
				break
			}
			if err := sleepCtx(ctx, time.Millisecond); err != nil {
				return err
			}
		}
	}

	fi := c.readReg(RegFmInterval) & FmFIMask
	if fi == 0 {
		fi = c.cfg.FrameInterval
	}

	c.writeReg(RegInterruptDisable, IntrAll|IntrMIE)
	c.writeReg(RegControl, CtlHCFSReset)
	if err := sleepCtx(ctx, c.cfg.BusResetDelay); err != nil {
		return err
	}

	c.writeReg(RegCommandStatus, CmdHCR)
	reset := false
	for i := 0; i < 10; i++ {
		if c.readReg(RegCommandStatus)&CmdHCR == 0 {
			reset = true
			break
		}
		time.Sleep(10 * time.Microsecond)
	}
	if !reset {
		return fmt.Errorf("%w: controller reset did not complete", pkg.ErrBusy)
	}

	c.mu.Lock()
	hcca, ctrlHead, bulkHead := c.hccaMem.Phys(), c.sched.ctrl.phys(), c.sched.bulk.phys()
	c.mu.Unlock()
	c.writeReg(RegHCCA, hcca)
	c.writeReg(RegControlHeadED, ctrlHead)
	c.writeReg(RegBulkHeadED, bulkHead)
	c.writeReg(RegInterruptDisable, IntrAll|IntrMIE)

	ctl = c.readReg(RegControl)
	ctl &^= CtlCBSRMask | CtlHCFSMask | CtlIR | CtlPLE | CtlIE | CtlCLE | CtlBLE
	ctl |= CtlPLE | CtlIE | CtlCLE | CtlBLE | CtlRatio4_1 | CtlHCFSOperational
	c.writeReg(RegControl, ctl)

	fm := (c.readReg(RegFmInterval) & FmFIT) ^ FmFIT
	fm |= FmFSMPS(fi)<<FmFSMPSShift | fi
	c.writeReg(RegFmInterval, fm)
	c.writeReg(RegPeriodicStart, fi*9/10)
	c.writeReg(RegLSThreshold, LSThresholdDef)

	desca := c.readReg(RegRhDescriptorA)
	c.writeReg(RegRhDescriptorA, desca|RhANOCP)
	c.writeReg(RegRhStatus, RhsLPSC)
	if err := sleepCtx(ctx, c.cfg.PowerOnDelay); err != nil {
		return err
	}
	c.writeReg(RegRhDescriptorA, desca)

	nports := int(desca & RhANDPMask)
	if nports > MaxPorts {
		nports = MaxPorts
	}
	c.mu.Lock()
	c.nports = nports
	c.mu.Unlock()

	c.regMu.Lock()
	c.eintrs = IntrNormal
	c.regs.Write32(RegInterruptEnable, IntrNormal|IntrMIE)
	c.regMu.Unlock()

	c.halted.Store(false)
	pkg.LogInfo(pkg.ComponentOHCI, "controller operational", "ports", nports, "fi", fi)
	return nil
}

// Start launches the bottom half, the root hub task and the fatal error
// task. They stop when ctx is cancelled or Shutdown is called.
func (c *Controller) Start(ctx context.Context) error {
	c.mu.Lock()
	inited := c.initialized
	c.mu.Unlock()
	if !inited {
		return pkg.ErrNotRunning
	}
	if !c.running.CompareAndSwap(false, true) {
		return pkg.ErrAlreadyRunning
	}
	ctx, cancel := context.WithCancel(ctx)
	g, ctx := errgroup.WithContext(ctx)
	c.cancel = cancel
	c.group = g

	g.Go(func() error {
		for {
			select {
			case <-ctx.Done():
				return nil
			case <-c.wdhCh:
				c.softIntr()
			}
		}
	})
	g.Go(func() error {
		t := time.NewTicker(c.cfg.RHSCInterval)
		defer t.Stop()
		for {
			select {
			case <-ctx.Done():
				return nil
			case <-c.rhscCh:
				c.root.statusChange(true)
			case <-t.C:
				c.root.statusChange(false)
			}
		}
	})
	g.Go(func() error {
		for {
			select {
			case <-ctx.Done():
				return nil
			case <-c.fatalCh:
				c.failAll(pkg.TransferStatusError)
			}
		}
	})
	return nil
}

// Reset recovers a controller halted by an unrecoverable error. Open
// pipes stay open; their queues were already failed.
func (c *Controller) Reset(ctx context.Context) error {
	if !c.halted.Load() {
		return nil
	}
	c.failAll(pkg.TransferStatusError)
	return c.controllerInit(ctx)
}

// Halted reports whether the controller stopped after an unrecoverable
// error.
func (c *Controller) Halted() bool { return c.halted.Load() }

// halt stops the controller. It only touches registers, so the top half
// may call it.
func (c *Controller) halt() {
	c.halted.Store(true)
	c.writeReg(RegControl, CtlHCFSReset)
}

// Shutdown stops the controller, cancels every queued transfer and
// returns all DMA memory. Pipes are closed implicitly.
func (c *Controller) Shutdown() error {
	c.mu.Lock()
	if !c.initialized {
		c.mu.Unlock()
		return pkg.ErrNotRunning
	}
	c.mu.Unlock()

	c.disableIntrs(IntrAll)
	c.writeReg(RegInterruptDisable, IntrMIE)
	c.halt()

	if c.running.CompareAndSwap(true, false) {
		c.cancel()
		_ = c.group.Wait()
	}

	c.failAll(pkg.TransferStatusCancelled)

	c.mu.Lock()
	for p := range c.pipes {
		p.state = PipeClosed
		c.releasePipe(p)
	}
	c.freeSchedule()
	c.pool.release()
	c.table = physTable{}
	c.initialized = false
	c.mu.Unlock()

	c.root.shutdown()
	pkg.LogInfo(pkg.ComponentOHCI, "controller shut down")
	return nil
}

// SetPolling switches the controller into or out of polled mode. In
// polled mode Interrupt ignores the interrupt line and Poll must be
// called to make progress.
func (c *Controller) SetPolling(on bool) {
	c.polling.Store(on)
}

// Poll runs one top half and whatever deferred work it scheduled,
// synchronously.
func (c *Controller) Poll() {
	c.intr1()
	for {
		select {
		case <-c.wdhCh:
			c.softIntr()
		case <-c.rhscCh:
			c.root.statusChange(true)
		case <-c.fatalCh:
			c.failAll(pkg.TransferStatusError)
		default:
			return
		}
	}
}

// FrameNumber returns the frame number last written to the HCCA.
func (c *Controller) FrameNumber() uint16 {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.hccaMem == nil {
		return 0
	}
	return c.hcca.frameNumber()
}

// NumPorts returns the root hub port count.
func (c *Controller) NumPorts() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.nports
}

// Stats returns a snapshot of controller counters.
func (c *Controller) Stats() Stats {
	c.mu.Lock()
	ps := c.pool.stats()
	hashed := c.table.len()
	c.mu.Unlock()
	return Stats{
		Interrupts:  c.stats.interrupts.Load(),
		Overruns:    c.stats.overruns.Load(),
		UnknownDone: c.stats.unknown.Load(),
		Completed:   c.stats.success.Load(),
		Stalled:     c.stats.stalls.Load(),
		Errors:      c.stats.errors.Load(),
		Cancelled:   c.stats.cancelled.Load(),
		TimedOut:    c.stats.timeouts.Load(),
		Pool:        ps,
		LiveHashed:  hashed,
	}
}

// Schedule returns the interrupt schedule load.
func (c *Controller) Schedule() ScheduleSnapshot {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.sched.snapshot()
}

func (c *Controller) count(s pkg.TransferStatus) {
	switch s {
	case pkg.TransferStatusSuccess:
		c.stats.success.Add(1)
	case pkg.TransferStatusStall:
		c.stats.stalls.Add(1)
	case pkg.TransferStatusCancelled:
		c.stats.cancelled.Add(1)
	case pkg.TransferStatusTimeout:
		c.stats.timeouts.Add(1)
	default:
		c.stats.errors.Add(1)
	}
}

// allocTD takes a TD from the pool and makes it resolvable by address.
// Called with mu held.
func (c *Controller) allocTD() (*softTD, error) {
	td, err := c.pool.allocTD()
	if err != nil {
		return nil, err
	}
	c.table.register(td)
	return td, nil
}

func (c *Controller) freeTD(td *softTD) {
	c.table.unregister(td.phys())
	c.pool.freeTD(td)
}

func (c *Controller) allocITD() (*softITD, error) {
	itd, err := c.pool.allocITD()
	if err != nil {
		return nil, err
	}
	c.table.register(itd)
	return itd, nil
}

func (c *Controller) freeITD(itd *softITD) {
	c.table.unregister(itd.phys())
	c.pool.freeITD(itd)
}

func (c *Controller) syncRecord(r record, size int, dir dma.Direction) {
	c.mem.Sync(r.mem, r.off, size, dir)
}

// queueCompletion records a finished transfer for delivery. Called with
// mu held.
func (c *Controller) queueCompletion(x *Xfer) {
	c.count(x.Status())
	c.completions = append(c.completions, x)
}

// deliver runs queued callbacks in the order their transfers finished.
// Only one goroutine delivers at a time; a nested call from inside a
// callback returns at once and its completions are picked up by the
// outer loop.
func (c *Controller) deliver() {
	c.mu.Lock()
	if c.delivering {
		c.mu.Unlock()
		return
	}
	c.delivering = true
	for len(c.completions) > 0 {
		q := c.completions
		c.completions = nil
		c.mu.Unlock()
		for _, x := range q {
			x.finish()
		}
		c.mu.Lock()
	}
	c.delivering = false
	c.mu.Unlock()
}

func kick(ch chan struct{}) {
	select {
	case ch <- struct{}{}:
	default:
	}
}
