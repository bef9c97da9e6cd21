// Package emu emulates an OHCI host controller and the functions plugged
// into its root hub, so the ohci driver can run without hardware.
//
// [Controller] implements ohci.Registers. Each frame it walks the
// interrupt tree from the HCCA, then the control and bulk lists, executes
// one packet per TD against the attached [Device], writes back completion
// codes and buffer pointers, and pushes retired TDs onto the done queue
// with the delay-interrupt counter honoured. Descriptors and buffers are
// read from and written to a [dma.Arena] by physical address.
//
// Frames run from a ticker after [Controller.Start], or one at a time
// through [Controller.Step]:
//
//	mem := dma.NewArena(dma.DefaultBase, dma.DefaultSize)
//	hw := emu.New(mem, emu.WithFramePeriod(0))
//	c := ohci.New(hw, mem)
//	hw.SetIRQ(func() { c.Interrupt() })
//	hw.Attach(1, emu.NewLoopback(hal.SpeedFull))
//
// [Loopback] is a function with one endpoint of every transfer type,
// used by the driver tests and the ohcisim command.
package emu
