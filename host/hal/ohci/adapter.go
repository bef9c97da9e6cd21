package ohci

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/ardnew/softohci/host/hal"
	"github.com/ardnew/softohci/host/hal/dma"
	"github.com/ardnew/softohci/pkg"
)

// Compile-time interface check.
var _ hal.HostHAL = (*HostHAL)(nil)

// setAddressRecovery is the time a device may take to apply SET_ADDRESS.
const setAddressRecovery = 2 * time.Millisecond

type pipeKey struct {
	addr hal.DeviceAddress
	ep   uint8
}

// HostHAL adapts a Controller to hal.HostHAL. Transfers run through
// bounce buffers taken from the controller's allocator, so callers pass
// ordinary byte slices.
//
// WaitForConnection and WaitForDisconnection may run concurrently. Only
// one of them holds the root hub's status change request; the other
// polls the port registers.
type HostHAL struct {
	c   *Controller
	mem dma.Allocator

	mu      sync.Mutex
	pipes   map[pipeKey]*Pipe
	speeds  map[hal.DeviceAddress]hal.Speed
	running bool
	timeout time.Duration
}

// NewHostHAL wraps c. mem must be the allocator c was created with.
func NewHostHAL(c *Controller, mem dma.Allocator) *HostHAL {
	return &HostHAL{
		c:       c,
		mem:     mem,
		pipes:   make(map[pipeKey]*Pipe),
		speeds:  make(map[hal.DeviceAddress]hal.Speed),
		timeout: 5 * time.Second,
	}
}

// Controller returns the wrapped controller.
func (h *HostHAL) Controller() *Controller { return h.c }

// SetTransferTimeout sets the timeout applied to every transfer. Zero
// disables it.
func (h *HostHAL) SetTransferTimeout(d time.Duration) {
	h.mu.Lock()
	h.timeout = d
	h.mu.Unlock()
}

// Init initializes the controller.
func (h *HostHAL) Init(ctx context.Context) error {
	return h.c.Init(ctx)
}

// Start launches the controller tasks and powers every port.
func (h *HostHAL) Start() error {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.running {
		return pkg.ErrAlreadyRunning
	}
	if !h.c.running.Load() {
		if err := h.c.Start(context.Background()); err != nil {
			return err
		}
	}
	for port := 1; port <= h.c.NumPorts(); port++ {
		if err := h.c.root.SetPortFeature(context.Background(), port, PortFeaturePower); err != nil {
			return err
		}
	}
	h.running = true
	return nil
}

// Stop removes power from every port. The controller keeps running.
func (h *HostHAL) Stop() error {
	h.mu.Lock()
	defer h.mu.Unlock()
	if !h.running {
		return pkg.ErrNotRunning
	}
	for port := 1; port <= h.c.NumPorts(); port++ {
		if err := h.c.root.ClearPortFeature(port, PortFeaturePower); err != nil {
			return err
		}
	}
	h.running = false
	return nil
}

// Close closes every pipe and shuts the controller down.
func (h *HostHAL) Close() error {
	h.mu.Lock()
	pipes := make([]*Pipe, 0, len(h.pipes))
	for k, p := range h.pipes {
		pipes = append(pipes, p)
		delete(h.pipes, k)
	}
	h.running = false
	h.mu.Unlock()

	for _, p := range pipes {
		if err := p.Close(); err != nil {
			pkg.LogDebug(pkg.ComponentHAL, "close pipe", "error", err)
		}
	}
	return h.c.Shutdown()
}

// NumPorts returns the number of root hub ports.
func (h *HostHAL) NumPorts() int {
	return h.c.NumPorts()
}

// GetPortStatus returns the status of a port.
func (h *HostHAL) GetPortStatus(port int) (hal.PortStatus, error) {
	status, change, err := h.c.root.PortStatus(port)
	if err != nil {
		return hal.PortStatus{}, err
	}
	return hal.PortStatusFromHub(status, change), nil
}

// PortSpeed returns the speed of the device on port.
func (h *HostHAL) PortSpeed(port int) hal.Speed {
	ps, err := h.GetPortStatus(port)
	if err != nil {
		return hal.SpeedUnknown
	}
	return ps.Speed
}

// ResetPort resets port. The device behind it answers at address 0
// afterwards, so any default pipe left at address 0 is reopened at the
// new device's speed on the next control transfer.
func (h *HostHAL) ResetPort(port int) error {
	if err := h.c.root.ResetPort(context.Background(), port); err != nil {
		return err
	}
	if err := h.c.root.ClearPortFeature(port, PortFeatureCReset); err != nil {
		return err
	}
	speed := h.PortSpeed(port)

	h.mu.Lock()
	p := h.pipes[pipeKey{}]
	delete(h.pipes, pipeKey{})
	h.speeds[0] = speed
	h.mu.Unlock()

	if p != nil {
		return p.Close()
	}
	return nil
}

// EnablePort enables or disables port.
func (h *HostHAL) EnablePort(port int, enable bool) error {
	if enable {
		return h.c.root.SetPortFeature(context.Background(), port, PortFeatureEnable)
	}
	return h.c.root.ClearPortFeature(port, PortFeatureEnable)
}

// ControlTransfer runs a control transfer on the default pipe of addr.
func (h *HostHAL) ControlTransfer(ctx context.Context, addr hal.DeviceAddress, setup *hal.SetupPacket, data []byte) (int, error) {
	n := int(setup.Length)
	if n > len(data) {
		return 0, fmt.Errorf("%w: %d byte buffer for %d byte request", pkg.ErrBufferTooSmall, len(data), n)
	}
	p, err := h.defaultPipe(addr)
	if err != nil {
		return 0, err
	}
	x := &Xfer{Setup: *setup, Length: n}
	if setup.IsIn() {
		x.Flags = XferShortOK
	}
	got, err := h.run(ctx, p, x, data[:n], setup.IsIn())
	if err != nil {
		return got, err
	}

	// Pick up the real ep0 packet size from the device descriptor.
	if setup.RequestType == 0x80 && setup.Request == ReqGetDescriptor &&
		setup.Value>>8 == 0x01 && got >= 8 {
		if mps := uint16(data[7]); mps != 0 && mps != p.Config().Endpoint.MaxPacketSize {
			if err := p.SetMaxPacketSize(mps); err != nil {
				return got, err
			}
		}
	}
	return got, nil
}

// BulkTransfer runs one bulk transfer on an opened endpoint.
func (h *HostHAL) BulkTransfer(ctx context.Context, addr hal.DeviceAddress, endpoint uint8, data []byte) (int, error) {
	return h.dataTransfer(ctx, addr, endpoint, hal.TransferBulk, data)
}

// InterruptTransfer runs one interrupt transfer on an opened endpoint.
func (h *HostHAL) InterruptTransfer(ctx context.Context, addr hal.DeviceAddress, endpoint uint8, data []byte) (int, error) {
	return h.dataTransfer(ctx, addr, endpoint, hal.TransferInterrupt, data)
}

func (h *HostHAL) dataTransfer(ctx context.Context, addr hal.DeviceAddress, endpoint uint8, typ hal.TransferType, data []byte) (int, error) {
	p, err := h.lookup(addr, endpoint, typ)
	if err != nil {
		return 0, err
	}
	in := endpoint&0x80 != 0
	x := &Xfer{Length: len(data)}
	if in {
		x.Flags = XferShortOK
	}
	return h.run(ctx, p, x, data, in)
}

// IsochronousTransfer sends or receives data split into one packet of
// at most the endpoint's max packet size per frame. Received packets are
// packed back to back into data.
func (h *HostHAL) IsochronousTransfer(ctx context.Context, addr hal.DeviceAddress, endpoint uint8, data []byte) (int, error) {
	p, err := h.lookup(addr, endpoint, hal.TransferIsochronous)
	if err != nil {
		return 0, err
	}
	if len(data) == 0 {
		return 0, fmt.Errorf("%w: empty isochronous transfer", pkg.ErrInvalidParameter)
	}
	maxp := p.maxPacket()
	var frames []uint16
	for off := 0; off < len(data); off += maxp {
		frames = append(frames, uint16(min(maxp, len(data)-off)))
	}
	req := append([]uint16(nil), frames...)

	r, err := h.mem.Alloc(len(data), 4)
	if err != nil {
		return 0, err
	}
	defer h.free(r)

	in := endpoint&0x80 != 0
	x := &Xfer{Buffer: dma.BufferOf(r, 0, len(data)), Frames: frames, Timeout: h.transferTimeout()}
	if !in {
		x.Buffer.CopyIn(data)
	}
	if err := p.Submit(x); err != nil {
		return 0, err
	}
	err = x.Wait(ctx)
	if !in {
		return x.Actual(), err
	}

	raw := r.Bytes()
	n, off := 0, 0
	for i, got := range x.Frames {
		n += copy(data[n:], raw[off:off+int(got)])
		off += int(req[i])
	}
	return n, err
}

// SetDeviceAddress moves the device at address 0 to newAddr.
func (h *HostHAL) SetDeviceAddress(ctx context.Context, newAddr hal.DeviceAddress) error {
	if !newAddr.Assignable() {
		return fmt.Errorf("%w: address %d", pkg.ErrInvalidParameter, newAddr)
	}
	setup := &hal.SetupPacket{RequestType: 0x00, Request: ReqSetAddress, Value: uint16(newAddr)}
	if _, err := h.ControlTransfer(ctx, 0, setup, nil); err != nil {
		return err
	}

	h.mu.Lock()
	var stale []*Pipe
	for k, p := range h.pipes {
		if k.addr == newAddr {
			stale = append(stale, p)
			delete(h.pipes, k)
		}
	}
	p := h.pipes[pipeKey{}]
	delete(h.pipes, pipeKey{})
	h.speeds[newAddr] = h.speeds[0]
	h.mu.Unlock()

	for _, sp := range stale {
		_ = sp.Close()
	}
	if p != nil {
		if err := p.SetAddress(uint8(newAddr)); err != nil {
			_ = p.Close()
			return err
		}
		h.mu.Lock()
		h.pipes[pipeKey{addr: newAddr}] = p
		h.mu.Unlock()
	}
	return sleepCtx(ctx, setAddressRecovery)
}

// OpenEndpoint opens a pipe for a non-default endpoint of addr.
func (h *HostHAL) OpenEndpoint(addr hal.DeviceAddress, ep hal.EndpointDescriptor) error {
	if ep.Number() == 0 {
		return fmt.Errorf("%w: endpoint 0 is managed by the adapter", pkg.ErrInvalidEndpoint)
	}
	key := pipeKey{addr: addr, ep: ep.Address}

	h.mu.Lock()
	defer h.mu.Unlock()
	if _, ok := h.pipes[key]; ok {
		return fmt.Errorf("%w: endpoint 0x%02x of device %d already open", pkg.ErrBusy, ep.Address, addr)
	}
	p, err := h.c.OpenPipe(PipeConfig{Address: uint8(addr), Endpoint: ep, Speed: h.speed(addr)})
	if err != nil {
		return err
	}
	// A freshly configured endpoint starts at DATA0.
	if err := p.ClearToggle(); err != nil {
		_ = p.Close()
		return err
	}
	h.pipes[key] = p
	return nil
}

// CloseEndpoint closes the pipe of an endpoint, cancelling its transfers.
func (h *HostHAL) CloseEndpoint(addr hal.DeviceAddress, endpoint uint8) error {
	key := pipeKey{addr: addr, ep: endpoint}
	h.mu.Lock()
	p, ok := h.pipes[key]
	delete(h.pipes, key)
	h.mu.Unlock()
	if !ok {
		return fmt.Errorf("%w: endpoint 0x%02x of device %d not open", pkg.ErrInvalidEndpoint, endpoint, addr)
	}
	return p.Close()
}

// WaitForConnection blocks until a port reports a new connection.
func (h *HostHAL) WaitForConnection(ctx context.Context) (int, error) {
	return h.waitConnect(ctx, true)
}

// WaitForDisconnection blocks until a port reports a disconnection.
func (h *HostHAL) WaitForDisconnection(ctx context.Context) (int, error) {
	return h.waitConnect(ctx, false)
}

func (h *HostHAL) waitConnect(ctx context.Context, connected bool) (int, error) {
	for {
		for port := 1; port <= h.c.NumPorts(); port++ {
			status, change, err := h.c.root.PortStatus(port)
			if err != nil {
				return 0, err
			}
			if change&uint16(PortCSC>>16) == 0 || (status&uint16(PortCCS) != 0) != connected {
				continue
			}
			if err := h.c.root.ClearPortFeature(port, PortFeatureCConnection); err != nil {
				return 0, err
			}
			return port, nil
		}
		// The other waiter may own the root hub's change request; poll
		// while it does.
		if _, err := h.c.root.WaitChange(ctx); err != nil && !errors.Is(err, pkg.ErrBusy) {
			return 0, err
		}
		if err := sleepCtx(ctx, h.c.cfg.PortResetDelay); err != nil {
			return 0, err
		}
	}
}

func (h *HostHAL) speed(addr hal.DeviceAddress) hal.Speed {
	if s, ok := h.speeds[addr]; ok && s != hal.SpeedUnknown {
		return s
	}
	return hal.SpeedFull
}

func (h *HostHAL) transferTimeout() time.Duration {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.timeout
}

func (h *HostHAL) defaultPipe(addr hal.DeviceAddress) (*Pipe, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if p, ok := h.pipes[pipeKey{addr: addr}]; ok {
		return p, nil
	}
	p, err := h.c.OpenPipe(PipeConfig{
		Address:  uint8(addr),
		Endpoint: hal.DefaultControlEndpoint(8),
		Speed:    h.speed(addr),
	})
	if err != nil {
		return nil, err
	}
	h.pipes[pipeKey{addr: addr}] = p
	return p, nil
}

func (h *HostHAL) lookup(addr hal.DeviceAddress, endpoint uint8, typ hal.TransferType) (*Pipe, error) {
	h.mu.Lock()
	p, ok := h.pipes[pipeKey{addr: addr, ep: endpoint}]
	h.mu.Unlock()
	if !ok {
		return nil, fmt.Errorf("%w: endpoint 0x%02x of device %d not open", pkg.ErrInvalidEndpoint, endpoint, addr)
	}
	if p.Type() != typ {
		return nil, fmt.Errorf("%w: endpoint 0x%02x is %s, not %s", pkg.ErrInvalidEndpoint, endpoint, p.Type(), typ)
	}
	return p, nil
}

// run submits x with a bounce buffer holding data and waits for it.
func (h *HostHAL) run(ctx context.Context, p *Pipe, x *Xfer, data []byte, in bool) (int, error) {
	var r *dma.Region
	if len(data) > 0 {
		var err error
		if r, err = h.mem.Alloc(len(data), 4); err != nil {
			return 0, err
		}
		defer h.free(r)
		x.Buffer = dma.BufferOf(r, 0, len(data))
		if !in {
			x.Buffer.CopyIn(data)
		}
	}
	x.Timeout = h.transferTimeout()
	if err := p.Submit(x); err != nil {
		return 0, err
	}
	err := x.Wait(ctx)
	n := x.Actual()
	if in && n > 0 {
		x.Buffer.CopyOut(data[:n])
	}
	return n, err
}

func (h *HostHAL) free(r *dma.Region) {
	if err := h.mem.Free(r); err != nil {
		pkg.LogWarn(pkg.ComponentHAL, "free bounce buffer", "error", err)
	}
}
