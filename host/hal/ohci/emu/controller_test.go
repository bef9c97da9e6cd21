package emu

import (
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ardnew/softohci/host/hal"
	"github.com/ardnew/softohci/host/hal/dma"
	"github.com/ardnew/softohci/host/hal/ohci"
	"github.com/ardnew/softohci/pkg"
)

func newTestController(opts ...Option) *Controller {
	mem := dma.NewArena(dma.DefaultBase, 1<<20)
	opts = append([]Option{WithFramePeriod(0), WithPortResetTime(0)}, opts...)
	return New(mem, opts...)
}

func portReg(e *Controller, port int) uint32 {
	return e.Read32(ohci.RegRhPortStatus(port))
}

// =============================================================================
// Register Model Tests
// =============================================================================

func TestNew_Defaults(t *testing.T) {
	e := newTestController()

	assert.Equal(t, uint32(ohci.Revision10), e.Read32(ohci.RegRevision))
	assert.Equal(t, uint32(ohci.CtlHCFSReset), e.Read32(ohci.RegControl)&ohci.CtlHCFSMask)
	assert.Equal(t, uint32(2), e.Read32(ohci.RegRhDescriptorA)&ohci.RhANDPMask)
	assert.Equal(t, uint32(ohci.FmDefaultFI), e.Read32(ohci.RegFmInterval)&ohci.FmFIMask)
	assert.Zero(t, e.Read32(ohci.RegControl)&ohci.CtlIR)
}

func TestNew_PortClamp(t *testing.T) {
	assert.Equal(t, uint32(1), newTestController(WithPorts(0)).Read32(ohci.RegRhDescriptorA)&ohci.RhANDPMask)
	assert.Equal(t, uint32(ohci.MaxPorts), newTestController(WithPorts(40)).Read32(ohci.RegRhDescriptorA)&ohci.RhANDPMask)
}

func TestCommand_HostControllerReset(t *testing.T) {
	e := newTestController()
	e.Write32(ohci.RegControl, ohci.CtlHCFSOperational|ohci.CtlCLE)
	e.Write32(ohci.RegInterruptEnable, ohci.IntrWDH|ohci.IntrMIE)
	e.Write32(ohci.RegHCCA, 0x1234_5600)

	e.Write32(ohci.RegCommandStatus, ohci.CmdHCR)

	assert.Equal(t, uint32(ohci.CtlHCFSSuspend), e.Read32(ohci.RegControl))
	assert.Zero(t, e.Read32(ohci.RegInterruptEnable))
	assert.Zero(t, e.Read32(ohci.RegHCCA))
}

func TestCommand_OwnershipChange(t *testing.T) {
	tests := []struct {
		name     string
		stubborn bool
		wantIR   bool
	}{
		{"cooperative firmware", false, false},
		{"stubborn firmware", true, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			e := newTestController(WithFirmware(tt.stubborn))
			require.NotZero(t, e.Read32(ohci.RegControl)&ohci.CtlIR)

			e.Write32(ohci.RegCommandStatus, ohci.CmdOCR)

			assert.Equal(t, tt.wantIR, e.Read32(ohci.RegControl)&ohci.CtlIR != 0)
			assert.Equal(t, !tt.wantIR, e.Read32(ohci.RegInterruptStatus)&ohci.IntrOC != 0)
		})
	}
}

func TestInterruptStatus_WriteOneClears(t *testing.T) {
	e := newTestController()
	e.InjectOverrun()
	e.InjectResume()
	require.Equal(t, ohci.IntrSO|ohci.IntrRD, e.Read32(ohci.RegInterruptStatus))

	e.Write32(ohci.RegInterruptStatus, ohci.IntrSO)
	assert.Equal(t, ohci.IntrRD, e.Read32(ohci.RegInterruptStatus))
}

func TestInterruptEnable_SetAndClear(t *testing.T) {
	e := newTestController()
	e.Write32(ohci.RegInterruptEnable, ohci.IntrWDH|ohci.IntrRHSC)
	e.Write32(ohci.RegInterruptDisable, ohci.IntrWDH)
	assert.Equal(t, ohci.IntrRHSC, e.Read32(ohci.RegInterruptEnable))
}

// =============================================================================
// Root Hub Tests
// =============================================================================

func TestPort_PowerHidesConnection(t *testing.T) {
	e := newTestController()
	require.NoError(t, e.Attach(1, NewLoopback(hal.SpeedLow)))

	v := portReg(e, 1)
	assert.Zero(t, v&(ohci.PortCCS|ohci.PortLSDA), "unpowered port reports no device")
	assert.NotZero(t, v&ohci.PortCSC)

	e.Write32(ohci.RegRhStatus, ohci.RhsLPSC)
	v = portReg(e, 1)
	assert.NotZero(t, v&ohci.PortPPS)
	assert.NotZero(t, v&ohci.PortCCS)
	assert.NotZero(t, v&ohci.PortLSDA)

	e.Write32(ohci.RegRhStatus, ohci.RhsLPS)
	assert.Zero(t, portReg(e, 1)&(ohci.PortPPS|ohci.PortCCS))
}

func TestPort_ResetEnablesAndResetsDevice(t *testing.T) {
	e := newTestController()
	dev := NewLoopback(hal.SpeedFull)
	dev.addr = 9
	require.NoError(t, e.Attach(1, dev))
	e.Write32(ohci.RegRhStatus, ohci.RhsLPSC)

	e.Write32(ohci.RegRhPortStatus(1), ohci.PortPRS)
	v := portReg(e, 1)

	assert.Zero(t, v&ohci.PortPRS)
	assert.NotZero(t, v&ohci.PortPES)
	assert.NotZero(t, v&ohci.PortPRSC)
	assert.Equal(t, uint8(0), dev.Address())
}

func TestPort_ResetEmptyPortFlagsConnectChange(t *testing.T) {
	e := newTestController()
	e.Write32(ohci.RegRhStatus, ohci.RhsLPSC)

	e.Write32(ohci.RegRhPortStatus(2), ohci.PortPRS|ohci.PortPES)
	v := portReg(e, 2)
	assert.Zero(t, v&(ohci.PortPRS|ohci.PortPES))
	assert.NotZero(t, v&ohci.PortCSC)
	assert.NotZero(t, e.Read32(ohci.RegInterruptStatus)&ohci.IntrRHSC)
}

func TestPort_ChangeBitsWriteOneClear(t *testing.T) {
	e := newTestController()
	require.NoError(t, e.Attach(1, NewLoopback(hal.SpeedFull)))
	e.Write32(ohci.RegRhStatus, ohci.RhsLPSC)
	require.NotZero(t, portReg(e, 1)&ohci.PortCSC)

	e.Write32(ohci.RegRhPortStatus(1), ohci.PortCSC)
	v := portReg(e, 1)
	assert.Zero(t, v&ohci.PortChangeMask)
	assert.NotZero(t, v&ohci.PortCCS)
}

func TestPort_ClearEnableAndSuspend(t *testing.T) {
	e := newTestController()
	require.NoError(t, e.Attach(1, NewLoopback(hal.SpeedFull)))
	e.Write32(ohci.RegRhStatus, ohci.RhsLPSC)
	e.Write32(ohci.RegRhPortStatus(1), ohci.PortPES|ohci.PortPSS)
	require.Equal(t, uint32(ohci.PortPES|ohci.PortPSS), portReg(e, 1)&(ohci.PortPES|ohci.PortPSS))

	e.Write32(ohci.RegRhPortStatus(1), ohci.PortPOCI)
	v := portReg(e, 1)
	assert.Zero(t, v&ohci.PortPSS)
	assert.NotZero(t, v&ohci.PortPSSC)

	e.Write32(ohci.RegRhPortStatus(1), ohci.PortCCS)
	assert.Zero(t, portReg(e, 1)&ohci.PortPES)
}

func TestAttachDetach(t *testing.T) {
	e := newTestController()

	err := e.Attach(0, NewLoopback(hal.SpeedFull))
	assert.ErrorIs(t, err, pkg.ErrInvalidParameter)

	require.NoError(t, e.Attach(2, NewLoopback(hal.SpeedFull)))
	assert.ErrorIs(t, e.Attach(2, NewLoopback(hal.SpeedFull)), pkg.ErrBusy)

	require.NoError(t, e.Detach(2))
	assert.ErrorIs(t, e.Detach(2), pkg.ErrNoDevice)
	assert.ErrorIs(t, e.Detach(3), pkg.ErrInvalidParameter)
}

func TestBroadcast_AddressedFunctionAnswers(t *testing.T) {
	e := newTestController()
	first, second := NewLoopback(hal.SpeedFull), NewLoopback(hal.SpeedFull)
	require.NoError(t, e.Attach(1, first))
	require.NoError(t, e.Attach(2, second))
	e.Write32(ohci.RegRhStatus, ohci.RhsLPSC)
	e.Write32(ohci.RegRhPortStatus(1), ohci.PortPRS)
	e.Write32(ohci.RegRhPortStatus(2), ohci.PortPRS)
	e.Write32(ohci.RegControl, ohci.CtlHCFSOperational)
	first.addr = 5

	getDesc := setupBytes(hal.SetupPacket{RequestType: 0x80, Request: 0x06, Value: 0x0100, Length: 8})
	send := func(addr uint8) (Device, Handshake) {
		var answered Device
		hs := e.broadcast(false, func(d Device) Handshake {
			hs := d.Setup(Token{Addr: addr}, getDesc)
			if hs != HandshakeNone {
				answered = d
			}
			return hs
		})
		return answered, hs
	}

	d, hs := send(0)
	assert.Equal(t, HandshakeACK, hs)
	assert.Same(t, second, d)

	d, hs = send(5)
	assert.Equal(t, HandshakeACK, hs)
	assert.Same(t, first, d)

	_, hs = send(9)
	assert.Equal(t, HandshakeNone, hs)
}

// =============================================================================
// Frame and IRQ Tests
// =============================================================================

func TestStep_RaisesIRQOnlyWhenEnabled(t *testing.T) {
	e := newTestController()
	var calls atomic.Int32
	e.SetIRQ(func() { calls.Add(1) })

	e.InjectResume()
	e.Step()
	assert.Zero(t, calls.Load(), "masked")

	e.Write32(ohci.RegInterruptEnable, ohci.IntrRD)
	e.Step()
	assert.Zero(t, calls.Load(), "master enable clear")

	e.Write32(ohci.RegInterruptEnable, ohci.IntrMIE)
	e.Step()
	assert.Equal(t, int32(1), calls.Load())

	e.Write32(ohci.RegInterruptStatus, ohci.IntrRD)
	e.Step()
	assert.Equal(t, int32(1), calls.Load())
}

func TestStep_NoFramesUnlessOperational(t *testing.T) {
	e := newTestController()
	e.Step()
	assert.Zero(t, e.Frames())
	assert.Zero(t, e.Read32(ohci.RegFmNumber))
}

func TestInjectUnrecoverable(t *testing.T) {
	e := newTestController()
	e.InjectUnrecoverable()
	assert.NotZero(t, e.Read32(ohci.RegInterruptStatus)&ohci.IntrUE)

	e.Write32(ohci.RegCommandStatus, ohci.CmdHCR)
	assert.Zero(t, e.Read32(ohci.RegInterruptStatus))
}

func TestStartStop_ZeroPeriodIsManual(t *testing.T) {
	e := newTestController()
	e.Start()
	e.Stop()
	assert.Zero(t, e.Frames())
}
