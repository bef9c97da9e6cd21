// Package hal is the boundary between a USB host stack and the driver
// of the controller underneath it.
//
// [HostHAL] is the contract: port control and connection events on the
// root hub, the default control pipe of every device, and blocking bulk,
// interrupt and isochronous transfers on endpoints the stack opened. The
// package also holds the small wire types both sides share, such as
// [SetupPacket] and [EndpointDescriptor].
//
// The OHCI driver implements the contract in
// [github.com/ardnew/softohci/host/hal/ohci.HostHAL], and
// [github.com/ardnew/softohci/host] enumerates devices on top of it:
//
//	hh := ohci.NewHostHAL(ctrl, mem)
//	if err := hh.Init(ctx); err != nil {
//	    return err
//	}
//	if err := hh.Start(); err != nil {
//	    return err
//	}
//	port, err := hh.WaitForConnection(ctx)
package hal
