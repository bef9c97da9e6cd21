package host

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ardnew/softohci/host/hal"
	"github.com/ardnew/softohci/host/hal/dma"
	"github.com/ardnew/softohci/host/hal/ohci"
	"github.com/ardnew/softohci/host/hal/ohci/emu"
	"github.com/ardnew/softohci/pkg"
)

// newTestHost builds a host over an interrupt-driven controller whose
// emulated frames run on a fast ticker.
func newTestHost(t *testing.T) (*Host, *emu.Controller) {
	t.Helper()
	mem := dma.NewArena(dma.DefaultBase, 4<<20)
	hw := emu.New(mem, emu.WithFramePeriod(100*time.Microsecond), emu.WithPortResetTime(0))
	c := ohci.New(hw, mem,
		ohci.WithResetDelays(0, 0, time.Millisecond),
		ohci.WithSettle(time.Millisecond, 0),
		ohci.WithRHSCInterval(time.Millisecond))
	hw.SetIRQ(func() { c.Interrupt() })
	hh := ohci.NewHostHAL(c, mem)
	hh.SetTransferTimeout(time.Second)

	h := New(hh)
	require.NoError(t, h.Start(context.Background()))
	hw.Start()
	t.Cleanup(func() {
		_ = h.Stop()
		_ = hh.Close()
		hw.Stop()
	})
	return h, hw
}

func waitDevice(t *testing.T, h *Host) *Device {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	dev, err := h.WaitDevice(ctx)
	require.NoError(t, err)
	return dev
}

// =============================================================================
// Host Lifecycle Tests
// =============================================================================

func TestHost_StartStop(t *testing.T) {
	h, _ := newTestHost(t)
	assert.True(t, h.IsRunning())
	assert.ErrorIs(t, h.Start(context.Background()), pkg.ErrAlreadyRunning)
	assert.Equal(t, 2, h.NumPorts())

	require.NoError(t, h.Stop())
	assert.False(t, h.IsRunning())
	assert.NoError(t, h.Stop(), "stopping twice is harmless")
}

func TestHost_WaitDeviceTimeout(t *testing.T) {
	h, _ := newTestHost(t)
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()
	_, err := h.WaitDevice(ctx)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestHost_AllocateAddress(t *testing.T) {
	h := New(nil)
	assert.Equal(t, uint8(1), h.allocateAddress())
	assert.Equal(t, uint8(2), h.allocateAddress())

	h.releaseAddress(2)
	assert.Equal(t, uint8(2), h.allocateAddress(), "released address is reused")

	h.devices[3] = &Device{address: 3}
	assert.Equal(t, uint8(4), h.allocateAddress(), "addresses in use are skipped")

	h.nextAddress = MaxDevices
	assert.Equal(t, uint8(MaxDevices), h.allocateAddress())
	assert.Equal(t, uint8(1), h.allocateAddress(), "wraps to 1")
}

// =============================================================================
// Enumeration Tests
// =============================================================================

func TestHost_EnumeratesLoopback(t *testing.T) {
	h, hw := newTestHost(t)
	connected := make(chan *Device, 1)
	h.SetOnDeviceConnect(func(d *Device) { connected <- d })

	require.NoError(t, hw.Attach(1, emu.NewLoopback(hal.SpeedFull)))
	dev := waitDevice(t, h)

	assert.Equal(t, uint8(1), dev.Address())
	assert.Equal(t, 1, dev.Port())
	assert.Equal(t, hal.SpeedFull, dev.Speed())
	assert.Equal(t, uint16(emu.LoopbackVendorID), dev.VendorID())
	assert.Equal(t, uint16(emu.LoopbackProductID), dev.ProductID())
	assert.Equal(t, emu.LoopbackManufacturer, dev.Manufacturer())
	assert.Equal(t, emu.LoopbackProduct, dev.Product())
	assert.Empty(t, dev.SerialNumber())
	assert.Equal(t, DeviceStateConfigured, dev.State())
	assert.Equal(t, uint8(emu.LoopbackEP0Size), dev.Descriptor().MaxPacketSize0)

	cfg := dev.Configuration()
	assert.Len(t, cfg.Endpoints, 5)
	ep, ok := dev.Endpoint(emu.LoopbackIntrIn)
	require.True(t, ok)
	assert.Equal(t, hal.TransferInterrupt, ep.TransferType())

	assert.Same(t, dev, h.GetDevice(1))
	assert.Len(t, h.Devices(), 1)
	select {
	case got := <-connected:
		assert.Same(t, dev, got)
	case <-time.After(time.Second):
		t.Fatal("connect callback not called")
	}
}

func TestHost_DeviceTransfers(t *testing.T) {
	h, hw := newTestHost(t)
	lb := emu.NewLoopback(hal.SpeedFull)
	require.NoError(t, hw.Attach(1, lb))
	dev := waitDevice(t, h)
	ctx := context.Background()

	msg := []byte("the quick brown fox jumps over the lazy dog, twice over: the quick brown fox")
	n, err := dev.BulkTransfer(ctx, emu.LoopbackBulkOut, msg)
	require.NoError(t, err)
	assert.Equal(t, len(msg), n)

	buf := make([]byte, 128)
	n, err = dev.BulkTransfer(ctx, emu.LoopbackBulkIn, buf)
	require.NoError(t, err)
	assert.Equal(t, msg, buf[:n])

	lb.QueueReport([]byte{0x42})
	n, err = dev.InterruptTransfer(ctx, emu.LoopbackIntrIn, buf[:emu.LoopbackIntrSize])
	require.NoError(t, err)
	assert.Equal(t, []byte{0x42}, buf[:n])

	status, err := dev.GetStatus(ctx)
	require.NoError(t, err)
	assert.Equal(t, uint16(1), status, "self powered")

	lb.Halt(emu.LoopbackBulkIn)
	_, err = dev.BulkTransfer(ctx, emu.LoopbackBulkIn, buf)
	require.ErrorIs(t, err, pkg.ErrStall)
	require.NoError(t, dev.ClearEndpointHalt(ctx, emu.LoopbackBulkIn))
	assert.False(t, lb.Halted(emu.LoopbackBulkIn))
}

func TestHost_Disconnect(t *testing.T) {
	h, hw := newTestHost(t)
	gone := make(chan *Device, 1)
	h.SetOnDeviceDisconnect(func(d *Device) { gone <- d })

	require.NoError(t, hw.Attach(1, emu.NewLoopback(hal.SpeedFull)))
	dev := waitDevice(t, h)

	require.NoError(t, hw.Detach(1))
	select {
	case got := <-gone:
		assert.Same(t, dev, got)
	case <-time.After(5 * time.Second):
		t.Fatal("disconnect not reported")
	}
	assert.Equal(t, DeviceStateDetached, dev.State())
	assert.Nil(t, h.GetDevice(dev.Address()))
}
