// Package ohci drives a USB Open Host Controller Interface (OHCI 1.0a)
// host controller.
//
// The controller is reached through a [Registers] block and walks data
// structures the driver places in DMA memory obtained from a
// [dma.Allocator]. Everything the hardware reads or writes concurrently
// lives in that memory and is accessed with 32-bit atomic loads and
// stores.
//
// # Schedule
//
// Every open endpoint is one endpoint descriptor (ED) with a queue of
// transfer descriptors (TD) or, for isochronous endpoints, isochronous
// transfer descriptors (ITD). Each queue ends in an empty sentinel
// descriptor so that new work is appended by filling the sentinel and
// moving the ED's tail pointer. EDs hang off one of four lists:
//   - control and bulk, whose heads are programmed into registers
//   - the interrupt tree, 63 placeholder EDs whose 32 leaves are the
//     entries of the HCCA interrupt table
//   - the isochronous list, which the root of the tree feeds into
//
// A new interrupt endpoint is placed at the tree node of its quantized
// period that carries the least bandwidth.
//
// # Transfers
//
// [Controller.OpenPipe] returns a [Pipe]. [Pipe.Submit] builds the
// descriptor chain for an [Xfer] and returns at once; the transfer's
// Callback runs exactly once when it completes, fails, times out or is
// aborted. Transfers on one pipe complete in submission order.
//
//	p, err := c.OpenPipe(ohci.PipeConfig{Address: 1, Endpoint: ep, Speed: hal.SpeedFull})
//	if err != nil {
//	    return err
//	}
//	x := &ohci.Xfer{Buffer: buf, Length: n, Flags: ohci.XferShortOK}
//	if err := p.Submit(x); err != nil {
//	    return err
//	}
//	err = x.Wait(ctx)
//
// # Interrupts
//
// [Controller.Interrupt] is the top half. It acknowledges what it can,
// masks the writeback-done and root hub sources and hands them to tasks
// started by [Controller.Start]: the bottom half reverses the done list
// into submission order and completes transfers, and the root hub task
// wakes [RootHub.WaitChange]. In polled mode [Controller.Poll] runs the
// same work synchronously.
//
// # Aborts
//
// An aborted transfer's ED is skipped, the controller is given time to
// leave it, and a bottom half pass drains any done list that still names
// its TDs before they are unlinked. A TD the controller already retired
// but has not yet reported stays allocated until it shows up on a done
// list.
//
// [HostHAL] adapts a Controller to [hal.HostHAL] for the host package.
package ohci
