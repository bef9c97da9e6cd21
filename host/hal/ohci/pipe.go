package ohci

import (
	"fmt"
	"sync"
	"time"

	"github.com/ardnew/softohci/host/hal"
	"github.com/ardnew/softohci/host/hal/dma"
	"github.com/ardnew/softohci/pkg"
)

// PipeConfig names the endpoint a pipe talks to.
type PipeConfig struct {
	Address  uint8
	Endpoint hal.EndpointDescriptor
	Speed    hal.Speed
}

// PipeState is the lifecycle state of a pipe.
type PipeState int

// Pipe states. Idle and Active are both open; they differ only in whether
// transfers are queued.
const (
	PipeClosed PipeState = iota
	PipeIdle
	PipeActive
	PipeClosing
)

func (s PipeState) String() string {
	switch s {
	case PipeIdle:
		return "idle"
	case PipeActive:
		return "active"
	case PipeClosing:
		return "closing"
	default:
		return "closed"
	}
}

// Pipe is an open endpoint: one ED on the schedule plus the queue of
// transfers submitted to it. Transfers on a pipe complete in submission
// order.
type Pipe struct {
	c   *Controller
	cfg PipeConfig
	typ hal.TransferType
	in  bool

	// Guarded by the controller lock.
	ed       *softED
	list     *softED // head the ED is linked after, nil while unlinked
	tail     *softTD
	itail    *softITD
	queue    []*Xfer
	state    PipeState
	aborting int

	// interrupt placement
	slot slot
	bw   int

	// isochronous frame bookkeeping
	isoNext  int // frame number of the next ITD, -1 when unsynchronized
	isoInuse int // ITDs owned by the controller

	aborts sync.WaitGroup
}

// toggleKey identifies an endpoint across pipe reopenings.
func toggleKey(addr, ep uint8, in bool) uint16 {
	k := uint16(addr)<<5 | uint16(ep&0xf)<<1
	if in {
		k |= 1
	}
	return k
}

// OpenPipe creates an ED for the endpoint and links it onto the matching
// schedule list. Isochronous EDs are linked on their first submission.
func (c *Controller) OpenPipe(cfg PipeConfig) (*Pipe, error) {
	ep := cfg.Endpoint
	maxp := ep.MaxPacketSize & 0x7ff
	switch {
	case cfg.Address > 127:
		return nil, fmt.Errorf("%w: device address %d", pkg.ErrInvalidParameter, cfg.Address)
	case maxp == 0:
		return nil, fmt.Errorf("%w: max packet size 0", pkg.ErrInvalidEndpoint)
	case cfg.Speed == hal.SpeedHigh:
		return nil, fmt.Errorf("%w: high speed endpoint", pkg.ErrNotSupported)
	}

	p := &Pipe{
		c:       c,
		cfg:     cfg,
		typ:     ep.TransferType(),
		in:      ep.IsIn(),
		isoNext: -1,
	}
	if p.typ == hal.TransferControl {
		p.in = false
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if c.halted.Load() {
		return nil, pkg.ErrControllerHalted
	}
	if !c.initialized {
		return nil, pkg.ErrNotRunning
	}

	var sl slot
	if p.typ == hal.TransferInterrupt {
		var err error
		if sl, err = c.sched.chooseSlot(int(ep.Interval)); err != nil {
			return nil, err
		}
	}

	sed, err := c.pool.allocED()
	if err != nil {
		return nil, err
	}

	var dir uint32 = EDDirTD
	if p.typ != hal.TransferControl {
		dir = EDDirOut
		if p.in {
			dir = EDDirIn
		}
	}
	iso := p.typ == hal.TransferIsochronous
	flags := EDFlags(cfg.Address, ep.Number(), dir, cfg.Speed == hal.SpeedLow, iso, maxp)
	if iso {
		flags |= EDSkip
	}
	sed.hw.setFlags(flags)

	var head uint32
	if iso {
		itd, err := c.allocITD()
		if err != nil {
			c.pool.freeED(sed)
			return nil, err
		}
		p.itail = itd
		head = itd.phys()
	} else {
		td, err := c.allocTD()
		if err != nil {
			c.pool.freeED(sed)
			return nil, err
		}
		p.tail = td
		head = td.phys()
	}
	sed.hw.setTailp(head)
	if c.toggles[p.key()] {
		head |= EDToggleCarry
	}
	sed.hw.setHeadp(head)
	p.ed = sed

	switch p.typ {
	case hal.TransferControl:
		p.link(c.sched.ctrl)
	case hal.TransferBulk:
		p.link(c.sched.bulk)
	case hal.TransferInterrupt:
		p.slot, p.bw = sl, int(maxp)
		p.link(c.sched.tree[sl.pos])
		c.sched.commit(sl, p.bw)
	}
	c.syncRecord(sed.hw.record, EDSize, dma.ToDevice)

	p.state = PipeIdle
	c.pipes[p] = struct{}{}
	pkg.LogDebug(pkg.ComponentOHCI, "pipe opened",
		"addr", cfg.Address, "ep", fmt.Sprintf("0x%02x", ep.Address),
		"type", p.typ, "maxp", maxp, "ed", sed.hw)
	return p, nil
}

func (p *Pipe) key() uint16 {
	return toggleKey(p.cfg.Address, p.cfg.Endpoint.Number(), p.in)
}

func (p *Pipe) link(head *softED) {
	p.c.sched.insert(p.ed, head)
	p.list = head
}

func (p *Pipe) maxPacket() int {
	return int(p.ed.hw.flags()&EDMPSMask) >> EDMPSShift
}

// Config returns the endpoint the pipe was opened for.
func (p *Pipe) Config() PipeConfig { return p.cfg }

// Type returns the pipe's transfer type.
func (p *Pipe) Type() hal.TransferType { return p.typ }

// State returns the pipe's lifecycle state.
func (p *Pipe) State() PipeState {
	p.c.mu.Lock()
	defer p.c.mu.Unlock()
	if p.state == PipeIdle && len(p.queue) > 0 {
		return PipeActive
	}
	return p.state
}

// Pending returns the number of queued transfers.
func (p *Pipe) Pending() int {
	p.c.mu.Lock()
	defer p.c.mu.Unlock()
	return len(p.queue)
}

// Submit builds the descriptor chain for x and hands it to the
// controller. It never blocks on the transfer; completion is reported
// through x.Callback and x.Done.
func (p *Pipe) Submit(x *Xfer) error {
	if x == nil {
		return pkg.ErrInvalidParameter
	}
	c := p.c
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.halted.Load() {
		return pkg.ErrControllerHalted
	}
	if p.state != PipeIdle {
		return pkg.ErrPipeClosed
	}
	if !x.begin() {
		return fmt.Errorf("%w: transfer already submitted", pkg.ErrBusy)
	}
	x.pipe = p

	var err error
	switch p.typ {
	case hal.TransferControl:
		err = p.buildControl(x)
	case hal.TransferIsochronous:
		err = p.buildIsoc(x)
	default:
		err = p.buildData(x)
	}
	if err != nil {
		x.unclaim()
		return err
	}

	if !x.isIn() || p.typ == hal.TransferControl {
		x.Buffer.Sync(c.mem, dma.ToDevice)
	}

	p.queue = append(p.queue, x)
	p.start()

	if x.Timeout > 0 {
		x.timer = time.AfterFunc(x.Timeout, func() {
			c.abort(x, pkg.TransferStatusTimeout)
		})
	}
	return nil
}

// start publishes the pipe's new tail to the controller and tells it a
// list has work. Called with the controller lock held.
func (p *Pipe) start() {
	c := p.c
	if p.typ == hal.TransferIsochronous {
		p.ed.hw.setTailp(p.itail.phys())
		if p.list == nil {
			p.link(c.sched.isoc)
		}
	} else {
		p.ed.hw.setTailp(p.tail.phys())
	}
	if p.aborting == 0 {
		p.ed.hw.setSkip(false)
	}
	c.syncRecord(p.ed.hw.record, EDSize, dma.ToDevice)
	p.kick()
}

// kick sets the list-filled bit for a control or bulk pipe.
func (p *Pipe) kick() {
	switch p.typ {
	case hal.TransferControl:
		p.c.writeReg(RegCommandStatus, CmdCLF)
	case hal.TransferBulk:
		p.c.writeReg(RegCommandStatus, CmdBLF)
	}
}

// dequeue drops x from the queue. Called with the controller lock held.
func (p *Pipe) dequeue(x *Xfer) {
	for i, q := range p.queue {
		if q == x {
			copy(p.queue[i:], p.queue[i+1:])
			p.queue[len(p.queue)-1] = nil
			p.queue = p.queue[:len(p.queue)-1]
			return
		}
	}
}

// before returns the transfer queued ahead of x, or nil.
func (p *Pipe) before(x *Xfer) *Xfer {
	for i, q := range p.queue {
		if q == x {
			if i == 0 {
				return nil
			}
			return p.queue[i-1]
		}
	}
	return nil
}

// Abort cancels x. It returns once x's descriptors are off the schedule
// and its callback has been queued; if x already finished it does
// nothing.
func (p *Pipe) Abort(x *Xfer) {
	p.c.abort(x, pkg.TransferStatusCancelled)
}

// ClearToggle resets the endpoint's data toggle to DATA0, as required
// after clearing a halt on the device. The pipe must be idle.
func (p *Pipe) ClearToggle() error {
	c := p.c
	c.mu.Lock()
	defer c.mu.Unlock()
	if p.state != PipeIdle {
		return pkg.ErrPipeClosed
	}
	if len(p.queue) > 0 {
		return fmt.Errorf("%w: transfers queued", pkg.ErrBusy)
	}
	p.ed.hw.setHeadp(p.ed.hw.headp() &^ (EDToggleCarry | EDHeadHalted))
	c.syncRecord(p.ed.hw.record, EDSize, dma.ToDevice)
	return nil
}

// SetMaxPacketSize updates the ED after the device descriptor revealed
// the real default-pipe packet size.
func (p *Pipe) SetMaxPacketSize(maxp uint16) error {
	c := p.c
	if maxp == 0 || maxp > 0x7ff {
		return fmt.Errorf("%w: max packet size %d", pkg.ErrInvalidParameter, maxp)
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if p.state != PipeIdle {
		return pkg.ErrPipeClosed
	}
	f := p.ed.hw.flags()&^EDMPSMask | uint32(maxp)<<EDMPSShift
	p.ed.hw.setFlags(f)
	p.cfg.Endpoint.MaxPacketSize = maxp
	c.syncRecord(p.ed.hw.record, EDSize, dma.ToDevice)
	return nil
}

// SetAddress rewrites the ED's function address, used after SET_ADDRESS
// moved the device off address 0.
func (p *Pipe) SetAddress(addr uint8) error {
	c := p.c
	if addr > 127 {
		return fmt.Errorf("%w: device address %d", pkg.ErrInvalidParameter, addr)
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if p.state != PipeIdle {
		return pkg.ErrPipeClosed
	}
	if len(p.queue) > 0 {
		return fmt.Errorf("%w: transfers queued", pkg.ErrBusy)
	}
	p.ed.hw.setFlags(p.ed.hw.flags()&^EDFAMask | uint32(addr))
	p.cfg.Address = addr
	c.syncRecord(p.ed.hw.record, EDSize, dma.ToDevice)
	return nil
}

// Close aborts every queued transfer, unlinks the ED and frees it. The
// data toggle is remembered for the next pipe opened on the endpoint.
func (p *Pipe) Close() error {
	c := p.c
	c.mu.Lock()
	if p.state != PipeIdle {
		c.mu.Unlock()
		return pkg.ErrPipeClosed
	}
	p.state = PipeClosing
	pending := append([]*Xfer(nil), p.queue...)
	c.mu.Unlock()

	c.abortAll(p, pending, pkg.TransferStatusCancelled)
	p.aborts.Wait()

	c.mu.Lock()
	p.ed.hw.setSkip(true)
	settle := c.cfg.CloseSettle
	if p.ed.hw.headp()&EDHeadMask != p.ed.hw.tailp() {
		settle += 2 * time.Millisecond
	}
	c.mu.Unlock()

	if !c.halted.Load() {
		time.Sleep(settle)
	}

	c.mu.Lock()
	c.toggles[p.key()] = p.ed.hw.headp()&EDToggleCarry != 0
	c.releasePipe(p)
	p.state = PipeClosed
	c.mu.Unlock()

	c.deliver()
	pkg.LogDebug(pkg.ComponentOHCI, "pipe closed", "addr", p.cfg.Address,
		"ep", fmt.Sprintf("0x%02x", p.cfg.Endpoint.Address))
	return nil
}

// releasePipe unlinks the ED and returns it and the tail sentinel to the
// pool. Called with the controller lock held after the controller let go
// of the ED.
func (c *Controller) releasePipe(p *Pipe) {
	if p.list != nil {
		c.sched.remove(p.ed, p.list)
		p.list = nil
		if p.typ == hal.TransferInterrupt {
			c.sched.commit(p.slot, -p.bw)
		}
	}
	if p.tail != nil {
		c.freeTD(p.tail)
		p.tail = nil
	}
	if p.itail != nil {
		c.freeITD(p.itail)
		p.itail = nil
	}
	if p.ed != nil {
		c.pool.freeED(p.ed)
		p.ed = nil
	}
	delete(c.pipes, p)
}
