package hal

import "context"

// HostHAL is what a host stack needs from a controller driver.
//
// Ports are numbered from 1. Transfer methods block until the transfer
// completes, ctx ends or the driver's own timeout expires, and return the
// number of bytes moved. Implementations are safe for concurrent use.
type HostHAL interface {
	// Init brings the controller to a known state. It may block for
	// resets and power settling.
	Init(ctx context.Context) error

	// Start makes the controller operational and powers the ports.
	Start() error

	// Stop cancels outstanding work and removes port power.
	Stop() error

	// Close stops the controller if needed and releases its resources.
	Close() error

	NumPorts() int
	GetPortStatus(port int) (PortStatus, error)
	PortSpeed(port int) Speed

	// ResetPort drives reset on a port and waits for it to finish. The
	// device answers on address 0 afterwards.
	ResetPort(port int) error

	EnablePort(port int, enable bool) error

	// WaitForConnection returns the next port on which a device appeared.
	WaitForConnection(ctx context.Context) (int, error)

	// WaitForDisconnection returns the next port whose device went away.
	WaitForDisconnection(ctx context.Context) (int, error)

	// ControlTransfer runs a request on the default pipe of addr. data
	// holds the OUT stage or receives the IN stage; the returned count
	// covers the data stage only.
	ControlTransfer(ctx context.Context, addr DeviceAddress, setup *SetupPacket, data []byte) (int, error)

	// SetDeviceAddress moves the device on address 0 to newAddr.
	SetDeviceAddress(ctx context.Context, newAddr DeviceAddress) error

	// OpenEndpoint readies a non-default endpoint. Data transfers to an
	// endpoint that was not opened fail.
	OpenEndpoint(addr DeviceAddress, ep EndpointDescriptor) error

	// CloseEndpoint cancels outstanding transfers on an endpoint and
	// releases it.
	CloseEndpoint(addr DeviceAddress, endpoint uint8) error

	BulkTransfer(ctx context.Context, addr DeviceAddress, endpoint uint8, data []byte) (int, error)
	InterruptTransfer(ctx context.Context, addr DeviceAddress, endpoint uint8, data []byte) (int, error)

	// IsochronousTransfer splits data into one packet per frame. IN data
	// is packed back to back in the order the packets arrived.
	IsochronousTransfer(ctx context.Context, addr DeviceAddress, endpoint uint8, data []byte) (int, error)
}
