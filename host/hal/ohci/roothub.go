package ohci

import (
	"context"
	"encoding/binary"
	"fmt"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"github.com/ardnew/softohci/host/hal"
	"github.com/ardnew/softohci/pkg"
)

// Standard and hub class request codes served by the root hub.
const (
	ReqGetStatus        = 0x00
	ReqClearFeature     = 0x01
	ReqSetFeature       = 0x03
	ReqSetAddress       = 0x05
	ReqGetDescriptor    = 0x06
	ReqGetConfiguration = 0x08
	ReqSetConfiguration = 0x09
)

// Request type values seen by the root hub.
const (
	rtDeviceIn  = 0x80
	rtDeviceOut = 0x00
	rtHubIn     = 0xa0
	rtHubOut    = 0x20
	rtPortIn    = 0xa3
	rtPortOut   = 0x23
)

// DescHub is the hub class descriptor type.
const DescHub = 0x29

// Hub features.
const (
	HubFeatureCLocalPower  = 0
	HubFeatureCOverCurrent = 1
)

// Port features (USB 2.0, table 11-17).
const (
	PortFeatureConnection   = 0
	PortFeatureEnable       = 1
	PortFeatureSuspend      = 2
	PortFeatureOverCurrent  = 3
	PortFeatureReset        = 4
	PortFeaturePower        = 8
	PortFeatureLowSpeed     = 9
	PortFeatureCConnection  = 16
	PortFeatureCEnable      = 17
	PortFeatureCSuspend     = 18
	PortFeatureCOverCurrent = 19
	PortFeatureCReset       = 20
)

// wHubCharacteristics bits.
const (
	hubPwrGanged     = 0x0000
	hubPwrIndividual = 0x0001
	hubPwrNoSwitch   = 0x0002
	hubOCGlobal      = 0x0000
	hubOCIndividual  = 0x0008
	hubOCNone        = 0x0010
)

const portResetPolls = 5

// RootHub presents the controller's root hub registers as a USB hub so
// the usual hub requests drive it.
type RootHub struct {
	c       *Controller
	limiter *rate.Limiter

	mu      sync.Mutex
	addr    uint8
	config  uint8
	waiting bool
	rearm   *time.Timer // pending RHSC re-enable

	notify    chan struct{}
	closed    chan struct{}
	closeOnce sync.Once
}

func newRootHub(c *Controller) *RootHub {
	return &RootHub{
		c:       c,
		limiter: rate.NewLimiter(rate.Every(c.cfg.RHSCInterval), 1),
		notify:  make(chan struct{}, 1),
		closed:  make(chan struct{}),
	}
}

// NumPorts returns the number of downstream ports.
func (r *RootHub) NumPorts() int { return r.c.NumPorts() }

// Address returns the address assigned with SET_ADDRESS.
func (r *RootHub) Address() uint8 {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.addr
}

func (r *RootHub) checkPort(port int) error {
	if port < 1 || port > r.NumPorts() {
		return fmt.Errorf("%w: port %d", pkg.ErrInvalidParameter, port)
	}
	return nil
}

// PortStatus returns the hub-format status and change words of port.
func (r *RootHub) PortStatus(port int) (status, change uint16, err error) {
	if err := r.checkPort(port); err != nil {
		return 0, 0, err
	}
	v := r.c.readReg(RegRhPortStatus(port))
	return uint16(v), uint16(v >> 16), nil
}

// HubStatus returns the hub-format status and change words of the hub.
func (r *RootHub) HubStatus() (status, change uint16) {
	v := r.c.readReg(RegRhStatus)
	return uint16(v & RhsOCI), uint16((v >> 16) & 0x3)
}

// SetPortFeature performs a SetPortFeature request. A reset blocks until
// the controller reports it finished or the poll budget runs out.
func (r *RootHub) SetPortFeature(ctx context.Context, port int, feature uint16) error {
	if err := r.checkPort(port); err != nil {
		return err
	}
	reg := RegRhPortStatus(port)
	switch feature {
	case PortFeatureEnable:
		r.c.writeReg(reg, PortPES)
	case PortFeatureSuspend:
		r.c.writeReg(reg, PortPSS)
	case PortFeaturePower:
		r.c.writeReg(reg, PortPPS)
	case PortFeatureReset:
		return r.resetPort(ctx, port)
	default:
		return fmt.Errorf("%w: set port feature %d", pkg.ErrInvalidRequest, feature)
	}
	return nil
}

func (r *RootHub) resetPort(ctx context.Context, port int) error {
	reg := RegRhPortStatus(port)
	r.c.writeReg(reg, PortPRS)
	for i := 0; i < portResetPolls; i++ {
		if err := sleepCtx(ctx, r.c.cfg.PortResetDelay); err != nil {
			return err
		}
		if r.c.readReg(reg)&PortPRS == 0 {
			pkg.LogDebug(pkg.ComponentRootHub, "port reset complete", "port", port)
			return nil
		}
	}
	return fmt.Errorf("%w: port %d reset did not complete", pkg.ErrTimeout, port)
}

// ResetPort resets port and waits for it to finish.
func (r *RootHub) ResetPort(ctx context.Context, port int) error {
	return r.SetPortFeature(ctx, port, PortFeatureReset)
}

// ClearPortFeature performs a ClearPortFeature request.
func (r *RootHub) ClearPortFeature(port int, feature uint16) error {
	if err := r.checkPort(port); err != nil {
		return err
	}
	var v uint32
	switch feature {
	case PortFeatureEnable:
		v = PortCCS
	case PortFeatureSuspend:
		v = PortPOCI
	case PortFeaturePower:
		v = PortLSDA
	case PortFeatureCConnection:
		v = PortCSC
	case PortFeatureCEnable:
		v = PortPESC
	case PortFeatureCSuspend:
		v = PortPSSC
	case PortFeatureCOverCurrent:
		v = PortOCIC
	case PortFeatureCReset:
		v = PortPRSC
	default:
		return fmt.Errorf("%w: clear port feature %d", pkg.ErrInvalidRequest, feature)
	}
	r.c.writeReg(RegRhPortStatus(port), v)
	return nil
}

// HubDescriptor builds the hub class descriptor from the root hub
// descriptor registers.
func (r *RootHub) HubDescriptor() []byte {
	desca := r.c.readReg(RegRhDescriptorA)
	descb := r.c.readReg(RegRhDescriptorB)
	n := r.NumPorts()

	var chars uint16
	switch {
	case desca&RhANPS != 0:
		chars |= hubPwrNoSwitch
	case desca&RhAPSM != 0:
		chars |= hubPwrIndividual
	default:
		chars |= hubPwrGanged
	}
	switch {
	case desca&RhANOCP != 0:
		chars |= hubOCNone
	case desca&RhAOCPM != 0:
		chars |= hubOCIndividual
	default:
		chars |= hubOCGlobal
	}

	nb := (n + 1 + 7) / 8
	d := make([]byte, 7+2*nb)
	d[0] = byte(len(d))
	d[1] = DescHub
	d[2] = byte(n)
	binary.LittleEndian.PutUint16(d[3:], chars)
	d[5] = byte(desca >> RhAPOTPGTShift)
	d[6] = 0
	for i := 1; i <= n; i++ {
		if descb&(1<<i) != 0 {
			d[7+i/8] |= 1 << (i % 8)
		}
	}
	for i := 0; i < nb; i++ {
		d[7+nb+i] = 0xff
	}
	return d
}

// ChangeBitmap returns the hub's status change bitmap: bit 0 for the hub
// itself and bit i for port i.
func (r *RootHub) ChangeBitmap() uint32 {
	var bm uint32
	if r.c.readReg(RegRhStatus)&(RhsLPSC|RhsOCIC) != 0 {
		bm |= 1
	}
	for i := 1; i <= r.NumPorts(); i++ {
		if r.c.readReg(RegRhPortStatus(i))&PortChangeMask != 0 {
			bm |= 1 << i
		}
	}
	return bm
}

// WaitChange blocks until some port or the hub reports a change and
// returns the change bitmap. Only one caller may wait at a time.
func (r *RootHub) WaitChange(ctx context.Context) (uint32, error) {
	r.mu.Lock()
	if r.waiting {
		r.mu.Unlock()
		return 0, fmt.Errorf("%w: status change request outstanding", pkg.ErrBusy)
	}
	r.waiting = true
	r.mu.Unlock()
	defer func() {
		r.mu.Lock()
		r.waiting = false
		r.mu.Unlock()
	}()

	for {
		if bm := r.ChangeBitmap(); bm != 0 {
			return bm, nil
		}
		select {
		case <-r.notify:
		case <-ctx.Done():
			return 0, ctx.Err()
		case <-r.closed:
			return 0, pkg.ErrNotRunning
		}
	}
}

// statusChange runs from the root hub task on an RHSC interrupt or the
// periodic poll. After an interrupt the source stays disabled until the
// rate limiter allows another one.
func (r *RootHub) statusChange(fromIntr bool) {
	if r.c.halted.Load() {
		return
	}
	if bm := r.ChangeBitmap(); bm != 0 {
		pkg.LogDebug(pkg.ComponentRootHub, "status change", "bitmap", fmt.Sprintf("0x%04x", bm))
		kick(r.notify)
	}
	if !fromIntr {
		return
	}
	if d := r.limiter.Reserve().Delay(); d > 0 {
		r.mu.Lock()
		defer r.mu.Unlock()
		select {
		case <-r.closed:
			return
		default:
		}
		if r.rearm != nil {
			r.rearm.Stop()
		}
		r.rearm = time.AfterFunc(d, r.reenable)
		return
	}
	r.reenable()
}

func (r *RootHub) reenable() {
	if r.c.halted.Load() {
		return
	}
	r.c.writeReg(RegInterruptStatus, IntrRHSC)
	r.c.enableIntrs(IntrRHSC)
}

func (r *RootHub) shutdown() {
	r.mu.Lock()
	r.closeOnce.Do(func() { close(r.closed) })
	if r.rearm != nil {
		r.rearm.Stop()
		r.rearm = nil
	}
	r.mu.Unlock()
}

// Control executes a request addressed to the root hub and returns the
// number of data bytes produced or consumed.
func (r *RootHub) Control(ctx context.Context, setup *hal.SetupPacket, data []byte) (int, error) {
	var reply []byte
	switch {
	case setup.RequestType == rtDeviceIn && setup.Request == ReqGetStatus:
		reply = []byte{0x01, 0x00} // self powered
	case setup.RequestType == rtDeviceOut && setup.Request == ReqSetAddress:
		if setup.Value > 127 {
			return 0, fmt.Errorf("%w: address %d", pkg.ErrInvalidRequest, setup.Value)
		}
		r.mu.Lock()
		r.addr = uint8(setup.Value)
		r.mu.Unlock()
		return 0, nil
	case setup.RequestType == rtDeviceIn && setup.Request == ReqGetConfiguration:
		r.mu.Lock()
		reply = []byte{r.config}
		r.mu.Unlock()
	case setup.RequestType == rtDeviceOut && setup.Request == ReqSetConfiguration:
		if setup.Value > 1 {
			return 0, fmt.Errorf("%w: configuration %d", pkg.ErrInvalidRequest, setup.Value)
		}
		r.mu.Lock()
		r.config = uint8(setup.Value)
		r.mu.Unlock()
		return 0, nil
	case (setup.RequestType == rtHubIn || setup.RequestType == rtDeviceIn) &&
		setup.Request == ReqGetDescriptor && setup.Value>>8 == DescHub:
		reply = r.HubDescriptor()
	case setup.RequestType == rtHubIn && setup.Request == ReqGetStatus:
		s, ch := r.HubStatus()
		reply = make([]byte, 4)
		binary.LittleEndian.PutUint16(reply, s)
		binary.LittleEndian.PutUint16(reply[2:], ch)
	case setup.RequestType == rtPortIn && setup.Request == ReqGetStatus:
		s, ch, err := r.PortStatus(int(setup.Index))
		if err != nil {
			return 0, err
		}
		reply = make([]byte, 4)
		binary.LittleEndian.PutUint16(reply, s)
		binary.LittleEndian.PutUint16(reply[2:], ch)
	case setup.RequestType == rtHubOut && setup.Request == ReqClearFeature:
		switch setup.Value {
		case HubFeatureCLocalPower:
		case HubFeatureCOverCurrent:
			r.c.writeReg(RegRhStatus, RhsOCIC)
		default:
			return 0, fmt.Errorf("%w: clear hub feature %d", pkg.ErrInvalidRequest, setup.Value)
		}
		return 0, nil
	case setup.RequestType == rtPortOut && setup.Request == ReqClearFeature:
		return 0, r.ClearPortFeature(int(setup.Index), setup.Value)
	case setup.RequestType == rtPortOut && setup.Request == ReqSetFeature:
		return 0, r.SetPortFeature(ctx, int(setup.Index), setup.Value)
	default:
		return 0, fmt.Errorf("%w: root hub request 0x%02x/0x%02x",
			pkg.ErrInvalidRequest, setup.RequestType, setup.Request)
	}

	n := copy(data, reply)
	if n > int(setup.Length) {
		n = int(setup.Length)
	}
	return n, nil
}
