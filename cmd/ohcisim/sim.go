package main

import (
	"context"
	"fmt"
	"slices"
	"time"

	"github.com/ardnew/softohci/host"
	"github.com/ardnew/softohci/host/hal"
	"github.com/ardnew/softohci/host/hal/dma"
	"github.com/ardnew/softohci/host/hal/ohci"
	"github.com/ardnew/softohci/host/hal/ohci/emu"
	"github.com/ardnew/softohci/pkg"
)

// arenaSize is the emulated DMA window shared by the driver and the
// emulated controller.
const arenaSize = 8 << 20

// simConfig holds the global flag values.
type simConfig struct {
	Ports   int
	Frame   time.Duration
	Settle  time.Duration
	Reset   time.Duration
	RHSC    time.Duration
	Timeout time.Duration
}

// sim is an emulated controller with the driver and host stack on top.
type sim struct {
	mem  *dma.Arena
	hw   *emu.Controller
	ctrl *ohci.Controller
	hh   *ohci.HostHAL
	host *host.Host

	loops []*emu.Loopback
}

func (cfg simConfig) emuOptions() []emu.Option {
	return []emu.Option{
		emu.WithPorts(cfg.Ports),
		emu.WithFramePeriod(cfg.Frame),
		emu.WithPortResetTime(cfg.Reset),
	}
}

func (cfg simConfig) ohciOptions() []ohci.Option {
	return []ohci.Option{
		ohci.WithSettle(cfg.Settle, cfg.Settle),
		ohci.WithResetDelays(0, 0, cfg.Reset),
		ohci.WithRHSCInterval(cfg.RHSC),
	}
}

// bootController brings up the driver core alone, without the host stack.
// The emulated controller is not started; frames only advance through
// Step.
func bootController(ctx context.Context, cfg simConfig) (*sim, error) {
	s := &sim{mem: dma.NewArena(dma.DefaultBase, arenaSize)}
	s.hw = emu.New(s.mem, append(cfg.emuOptions(), emu.WithFramePeriod(0))...)
	s.ctrl = ohci.New(s.hw, s.mem, cfg.ohciOptions()...)
	if err := s.ctrl.Init(ctx); err != nil {
		return nil, err
	}
	s.ctrl.SetPolling(true)
	return s, nil
}

// boot brings up the emulated controller, the driver and the host stack
// with interrupts delivered from the emulator's frame loop.
func boot(ctx context.Context, cfg simConfig) (*sim, error) {
	s := &sim{mem: dma.NewArena(dma.DefaultBase, arenaSize)}
	s.hw = emu.New(s.mem, cfg.emuOptions()...)
	s.ctrl = ohci.New(s.hw, s.mem, cfg.ohciOptions()...)
	s.hw.SetIRQ(func() { s.ctrl.Interrupt() })

	s.hh = ohci.NewHostHAL(s.ctrl, s.mem)
	if cfg.Timeout > 0 {
		s.hh.SetTransferTimeout(cfg.Timeout)
	}
	s.host = host.New(s.hh)
	if err := s.host.Start(ctx); err != nil {
		return nil, err
	}
	s.hw.Start()

	pkg.LogInfo(pkg.ComponentCLI, "controller up",
		"ports", s.ctrl.NumPorts(), "frame", cfg.Frame)
	return s, nil
}

// attach plugs a loopback device into each of the first n ports.
func (s *sim) attach(n int) error {
	if n > s.ctrl.NumPorts() {
		return fmt.Errorf("%w: %d devices on %d ports", pkg.ErrInvalidParameter, n, s.ctrl.NumPorts())
	}
	for port := 1; port <= n; port++ {
		lb := emu.NewLoopback(hal.SpeedFull)
		if err := s.hw.Attach(port, lb); err != nil {
			return err
		}
		s.loops = append(s.loops, lb)
	}
	return nil
}

// waitDevices waits until n devices have been enumerated.
func (s *sim) waitDevices(ctx context.Context, n int) ([]*host.Device, error) {
	for {
		if devs := s.host.Devices(); len(devs) >= n {
			slices.SortFunc(devs, func(a, b *host.Device) int { return a.Port() - b.Port() })
			return devs, nil
		}
		select {
		case <-ctx.Done():
			return nil, fmt.Errorf("waiting for %d devices: %w", n, ctx.Err())
		case <-time.After(5 * time.Millisecond):
		}
	}
}

// close tears the stack down in reverse order of boot.
func (s *sim) close() {
	if s.host != nil {
		if err := s.host.Stop(); err != nil {
			pkg.LogWarn(pkg.ComponentCLI, "host stop", "error", err)
		}
	}
	if s.hh != nil {
		if err := s.hh.Close(); err != nil {
			pkg.LogWarn(pkg.ComponentCLI, "hal close", "error", err)
		}
	} else if s.ctrl != nil {
		if err := s.ctrl.Shutdown(); err != nil {
			pkg.LogWarn(pkg.ComponentCLI, "shutdown", "error", err)
		}
	}
	if s.hw != nil {
		s.hw.Stop()
	}
}
