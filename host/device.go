package host

import (
	"context"
	"sync"

	"github.com/ardnew/softohci/host/hal"
)

// Device represents a connected USB device from the host's perspective.
type Device struct {
	host    *Host
	address uint8
	port    int
	speed   hal.Speed

	descriptor DeviceDescriptor
	config     Configuration
	strings    map[uint8]string

	state DeviceState
	mutex sync.RWMutex
}

func newDevice(host *Host, port int, speed hal.Speed) *Device {
	return &Device{
		host:    host,
		port:    port,
		speed:   speed,
		strings: make(map[uint8]string),
		state:   DeviceStateDefault,
	}
}

// Address returns the device address.
func (d *Device) Address() uint8 { return d.address }

// Port returns the root hub port the device is connected to.
func (d *Device) Port() int { return d.port }

// Speed returns the device speed.
func (d *Device) Speed() hal.Speed { return d.speed }

// VendorID returns the device vendor ID.
func (d *Device) VendorID() uint16 { return d.descriptor.VendorID }

// ProductID returns the device product ID.
func (d *Device) ProductID() uint16 { return d.descriptor.ProductID }

// Descriptor returns the device descriptor.
func (d *Device) Descriptor() DeviceDescriptor { return d.descriptor }

// Configuration returns the active configuration.
func (d *Device) Configuration() Configuration { return d.config }

// Endpoint returns the descriptor of the endpoint with the given address.
func (d *Device) Endpoint(address uint8) (hal.EndpointDescriptor, bool) {
	for _, ep := range d.config.Endpoints {
		if ep.Address == address {
			return ep, true
		}
	}
	return hal.EndpointDescriptor{}, false
}

// String returns a cached string descriptor.
func (d *Device) String(index uint8) string {
	return d.strings[index]
}

// Manufacturer returns the manufacturer string.
func (d *Device) Manufacturer() string {
	return d.String(d.descriptor.ManufacturerIndex)
}

// Product returns the product string.
func (d *Device) Product() string {
	return d.String(d.descriptor.ProductIndex)
}

// SerialNumber returns the serial number string.
func (d *Device) SerialNumber() string {
	return d.String(d.descriptor.SerialNumberIndex)
}

// State returns the current device state.
func (d *Device) State() DeviceState {
	d.mutex.RLock()
	defer d.mutex.RUnlock()
	return d.state
}

func (d *Device) setState(s DeviceState) {
	d.mutex.Lock()
	d.state = s
	d.mutex.Unlock()
}

// ControlTransfer performs a control transfer to the device.
func (d *Device) ControlTransfer(ctx context.Context, setup *hal.SetupPacket, data []byte) (int, error) {
	return d.host.hal.ControlTransfer(ctx, hal.DeviceAddress(d.address), setup, data)
}

// BulkTransfer performs a bulk transfer.
func (d *Device) BulkTransfer(ctx context.Context, endpoint uint8, data []byte) (int, error) {
	return d.host.hal.BulkTransfer(ctx, hal.DeviceAddress(d.address), endpoint, data)
}

// InterruptTransfer performs an interrupt transfer.
func (d *Device) InterruptTransfer(ctx context.Context, endpoint uint8, data []byte) (int, error) {
	return d.host.hal.InterruptTransfer(ctx, hal.DeviceAddress(d.address), endpoint, data)
}

// IsochronousTransfer performs an isochronous transfer.
func (d *Device) IsochronousTransfer(ctx context.Context, endpoint uint8, data []byte) (int, error) {
	return d.host.hal.IsochronousTransfer(ctx, hal.DeviceAddress(d.address), endpoint, data)
}

// GetDescriptor performs a GET_DESCRIPTOR request.
func (d *Device) GetDescriptor(ctx context.Context, descType, descIndex uint8, langID uint16, data []byte) (int, error) {
	setup := hal.SetupPacket{
		RequestType: RequestTypeIn | RequestTypeStandard | RequestTypeDevice,
		Request:     RequestGetDescriptor,
		Value:       uint16(descType)<<8 | uint16(descIndex),
		Index:       langID,
		Length:      uint16(len(data)),
	}
	return d.ControlTransfer(ctx, &setup, data)
}

// GetStatus performs a GET_STATUS request on the device.
func (d *Device) GetStatus(ctx context.Context) (uint16, error) {
	var buf [2]byte
	setup := hal.SetupPacket{
		RequestType: RequestTypeIn | RequestTypeStandard | RequestTypeDevice,
		Request:     RequestGetStatus,
		Length:      2,
	}
	if _, err := d.ControlTransfer(ctx, &setup, buf[:]); err != nil {
		return 0, err
	}
	return uint16(buf[0]) | uint16(buf[1])<<8, nil
}

// SetConfiguration selects a configuration and opens its endpoints.
func (d *Device) SetConfiguration(ctx context.Context, value uint8) error {
	setup := hal.SetupPacket{
		RequestType: RequestTypeOut | RequestTypeStandard | RequestTypeDevice,
		Request:     RequestSetConfiguration,
		Value:       uint16(value),
	}
	if _, err := d.ControlTransfer(ctx, &setup, nil); err != nil {
		return err
	}
	if value == 0 {
		d.closeEndpoints()
		d.setState(DeviceStateAddress)
		return nil
	}
	for _, ep := range d.config.Endpoints {
		if err := d.host.hal.OpenEndpoint(hal.DeviceAddress(d.address), ep); err != nil {
			d.closeEndpoints()
			return err
		}
	}
	d.setState(DeviceStateConfigured)
	return nil
}

// ClearEndpointHalt clears a halt on an endpoint of the device.
func (d *Device) ClearEndpointHalt(ctx context.Context, endpoint uint8) error {
	setup := hal.SetupPacket{
		RequestType: RequestTypeOut | RequestTypeStandard | RequestTypeEndpoint,
		Request:     RequestClearFeature,
		Value:       FeatureEndpointHalt,
		Index:       uint16(endpoint),
	}
	_, err := d.ControlTransfer(ctx, &setup, nil)
	return err
}

func (d *Device) closeEndpoints() {
	for _, ep := range d.config.Endpoints {
		_ = d.host.hal.CloseEndpoint(hal.DeviceAddress(d.address), ep.Address)
	}
}

// Close releases the device's endpoints and marks it detached.
func (d *Device) Close() error {
	if d.State() == DeviceStateConfigured {
		d.closeEndpoints()
	}
	d.setState(DeviceStateDetached)
	return nil
}
