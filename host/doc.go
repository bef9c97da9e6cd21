// Package host enumerates USB devices on top of a [hal.HostHAL].
//
// A [Host] watches the root hub ports for connections. For each new
// device it resets the port, reads the first eight bytes of the device
// descriptor to learn the default pipe's packet size, moves the device to
// a free address with SET_ADDRESS, reads the device, configuration and
// string descriptors, selects the first configuration and opens every
// endpoint of it through the HAL. Disconnected devices release their
// endpoints and addresses.
//
// # Example
//
//	h := host.New(ohci.NewHostHAL(ctrl, mem))
//	if err := h.Start(ctx); err != nil {
//	    return err
//	}
//	defer h.Stop()
//
//	dev, err := h.WaitDevice(ctx)
//	if err != nil {
//	    return err
//	}
//	buf := make([]byte, 64)
//	n, err := dev.BulkTransfer(ctx, 0x81, buf)
package host
