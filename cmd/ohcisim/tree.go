package main

import (
	"context"
	"fmt"
	"io"
	"strings"

	"github.com/ardnew/softohci/host/hal"
	"github.com/ardnew/softohci/host/hal/ohci"
)

// openInterruptPipes opens one interrupt IN pipe per interval on
// consecutive device addresses so the placements are independent.
func openInterruptPipes(c *ohci.Controller, intervals []int, maxp uint16) ([]*ohci.Pipe, error) {
	pipes := make([]*ohci.Pipe, 0, len(intervals))
	for i, iv := range intervals {
		if iv < 1 || iv > 255 {
			return pipes, fmt.Errorf("interval %d out of range 1..255", iv)
		}
		p, err := c.OpenPipe(ohci.PipeConfig{
			Address: uint8(1 + i%127),
			Endpoint: hal.EndpointDescriptor{
				Address:       0x81,
				Attributes:    uint8(hal.TransferInterrupt),
				MaxPacketSize: maxp,
				Interval:      uint8(iv),
			},
			Speed: hal.SpeedFull,
		})
		if err != nil {
			return pipes, err
		}
		pipes = append(pipes, p)
	}
	return pipes, nil
}

// renderTree prints the interrupt tree one polling period per line,
// followed by the committed load of every frame slot.
func renderTree(w io.Writer, snap ohci.ScheduleSnapshot) {
	base := 0
	for period := 1; period <= ohci.NumIntrs; period *= 2 {
		var b strings.Builder
		for i := 0; i < period; i++ {
			n := snap.Endpoints[base+i]
			if n == 0 {
				b.WriteString(" .")
			} else {
				fmt.Fprintf(&b, " %d", n)
			}
		}
		fmt.Fprintf(w, "%2d ms |%s\n", period, b.String())
		base += period
	}

	fmt.Fprintln(w, "frame | bytes")
	for i, bw := range snap.Bandwidth {
		fmt.Fprintf(w, "%5d | %d\n", i, bw)
	}
}

func treeCommand(ctx context.Context, w io.Writer, cfg simConfig, intervals []int, maxp int) error {
	s, err := bootController(ctx, cfg)
	if err != nil {
		return err
	}
	defer s.close()

	pipes, err := openInterruptPipes(s.ctrl, intervals, uint16(maxp))
	defer func() {
		for _, p := range pipes {
			_ = p.Close()
		}
	}()
	if err != nil {
		return err
	}
	renderTree(w, s.ctrl.Schedule())
	return nil
}
