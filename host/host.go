package host

import (
	"context"
	"sync"

	"golang.org/x/sync/errgroup"

	"github.com/ardnew/softohci/host/hal"
	"github.com/ardnew/softohci/pkg"
)

// Host enumerates the devices attached to a HAL's root hub ports and
// tracks them until they disconnect.
type Host struct {
	hal hal.HostHAL

	mutex       sync.RWMutex
	devices     map[uint8]*Device
	nextAddress uint8
	running     bool
	cancel      context.CancelFunc
	group       *errgroup.Group

	deviceConnected chan *Device

	onDeviceConnect    func(*Device)
	onDeviceDisconnect func(*Device)
}

// New creates a host on top of h.
func New(h hal.HostHAL) *Host {
	return &Host{
		hal:             h,
		devices:         make(map[uint8]*Device),
		nextAddress:     1,
		deviceConnected: make(chan *Device, 16),
	}
}

// HAL returns the underlying HAL.
func (h *Host) HAL() hal.HostHAL { return h.hal }

// Start initializes the HAL and begins watching for devices.
func (h *Host) Start(ctx context.Context) error {
	h.mutex.Lock()
	defer h.mutex.Unlock()
	if h.running {
		return pkg.ErrAlreadyRunning
	}

	if err := h.hal.Init(ctx); err != nil {
		return err
	}
	if err := h.hal.Start(); err != nil {
		return err
	}

	ctx, h.cancel = context.WithCancel(ctx)
	h.group, ctx = errgroup.WithContext(ctx)
	h.group.Go(func() error { return h.monitorConnections(ctx) })
	h.group.Go(func() error { return h.monitorDisconnections(ctx) })
	h.running = true

	pkg.LogInfo(pkg.ComponentHost, "host started", "ports", h.hal.NumPorts())
	return nil
}

// Stop stops the monitors, releases every device and stops the HAL.
func (h *Host) Stop() error {
	h.mutex.Lock()
	if !h.running {
		h.mutex.Unlock()
		return nil
	}
	h.running = false
	h.cancel()
	g := h.group
	h.mutex.Unlock()

	_ = g.Wait()

	h.mutex.Lock()
	for addr, dev := range h.devices {
		_ = dev.Close()
		delete(h.devices, addr)
	}
	h.mutex.Unlock()

	if err := h.hal.Stop(); err != nil {
		return err
	}
	pkg.LogInfo(pkg.ComponentHost, "host stopped")
	return nil
}

// IsRunning returns true if the host is running.
func (h *Host) IsRunning() bool {
	h.mutex.RLock()
	defer h.mutex.RUnlock()
	return h.running
}

// Devices returns all enumerated devices.
func (h *Host) Devices() []*Device {
	h.mutex.RLock()
	defer h.mutex.RUnlock()
	result := make([]*Device, 0, len(h.devices))
	for _, dev := range h.devices {
		result = append(result, dev)
	}
	return result
}

// GetDevice returns the device at the given address.
func (h *Host) GetDevice(address uint8) *Device {
	h.mutex.RLock()
	defer h.mutex.RUnlock()
	return h.devices[address]
}

// WaitDevice blocks until a device connects and is enumerated.
func (h *Host) WaitDevice(ctx context.Context) (*Device, error) {
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case dev := <-h.deviceConnected:
		return dev, nil
	}
}

// SetOnDeviceConnect sets the callback for device connection.
func (h *Host) SetOnDeviceConnect(cb func(*Device)) {
	h.mutex.Lock()
	defer h.mutex.Unlock()
	h.onDeviceConnect = cb
}

// SetOnDeviceDisconnect sets the callback for device disconnection.
func (h *Host) SetOnDeviceDisconnect(cb func(*Device)) {
	h.mutex.Lock()
	defer h.mutex.Unlock()
	h.onDeviceDisconnect = cb
}

func (h *Host) monitorConnections(ctx context.Context) error {
	for {
		port, err := h.hal.WaitForConnection(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			pkg.LogWarn(pkg.ComponentHost, "error waiting for connection", "error", err)
			return err
		}
		pkg.LogInfo(pkg.ComponentHost, "device connected", "port", port)

		dev, err := h.enumerate(ctx, port)
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			pkg.LogWarn(pkg.ComponentHost, "enumeration failed", "port", port, "error", err)
			continue
		}

		h.mutex.Lock()
		h.devices[dev.address] = dev
		cb := h.onDeviceConnect
		h.mutex.Unlock()

		select {
		case h.deviceConnected <- dev:
		default:
		}
		if cb != nil {
			cb(dev)
		}
		pkg.LogInfo(pkg.ComponentHost, "device enumerated",
			"address", dev.address,
			"vendor", dev.descriptor.VendorID,
			"product", dev.descriptor.ProductID)
	}
}

func (h *Host) monitorDisconnections(ctx context.Context) error {
	for {
		port, err := h.hal.WaitForDisconnection(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			pkg.LogWarn(pkg.ComponentHost, "error waiting for disconnection", "error", err)
			return err
		}

		h.mutex.Lock()
		var gone []*Device
		for addr, dev := range h.devices {
			if dev.port == port {
				gone = append(gone, dev)
				delete(h.devices, addr)
			}
		}
		cb := h.onDeviceDisconnect
		h.mutex.Unlock()

		for _, dev := range gone {
			pkg.LogInfo(pkg.ComponentHost, "device disconnected", "port", port, "address", dev.address)
			_ = dev.Close()
			if cb != nil {
				cb(dev)
			}
		}
	}
}

// allocateAddress reserves the next free device address, or returns 0.
func (h *Host) allocateAddress() uint8 {
	h.mutex.Lock()
	defer h.mutex.Unlock()
	for i := 0; i < MaxDevices; i++ {
		addr := h.nextAddress
		h.nextAddress++
		if h.nextAddress > MaxDevices {
			h.nextAddress = 1
		}
		if _, used := h.devices[addr]; !used {
			return addr
		}
	}
	return 0
}

// releaseAddress makes addr available again after a failed enumeration.
func (h *Host) releaseAddress(addr uint8) {
	h.mutex.Lock()
	defer h.mutex.Unlock()
	if h.devices[addr] == nil && h.nextAddress == addr+1 {
		h.nextAddress = addr
	}
}

// NumPorts returns the number of root hub ports.
func (h *Host) NumPorts() int {
	return h.hal.NumPorts()
}

// GetPortStatus returns the status of a port.
func (h *Host) GetPortStatus(port int) (hal.PortStatus, error) {
	return h.hal.GetPortStatus(port)
}
