package main

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/ardnew/softohci/host"
	"github.com/ardnew/softohci/host/hal/ohci"
	"github.com/ardnew/softohci/host/hal/ohci/emu"
	"github.com/ardnew/softohci/pkg"
)

// enumerateTimeout bounds how long a command waits for attached
// loopbacks to be configured.
const enumerateTimeout = 10 * time.Second

// bootWithDevices boots the stack and waits for n loopbacks to enumerate.
func bootWithDevices(ctx context.Context, cfg simConfig, n int) (*sim, []*host.Device, error) {
	s, err := boot(ctx, cfg)
	if err != nil {
		return nil, nil, err
	}
	if err := s.attach(n); err != nil {
		s.close()
		return nil, nil, err
	}
	wctx, cancel := context.WithTimeout(ctx, enumerateTimeout)
	defer cancel()
	devs, err := s.waitDevices(wctx, n)
	if err != nil {
		s.close()
		return nil, nil, err
	}
	return s, devs, nil
}

// =============================================================================
// enumerate
// =============================================================================

func printDevice(w io.Writer, d *host.Device) {
	fmt.Fprintf(w, "port %d  addr %d  %s  %04x:%04x  %s %s\n",
		d.Port(), d.Address(), d.Speed(), d.VendorID(), d.ProductID(),
		d.Manufacturer(), d.Product())
	for _, ep := range d.Configuration().Endpoints {
		fmt.Fprintf(w, "  ep 0x%02x  %-11s  maxp %-4d  interval %d\n",
			ep.Address, ep.TransferType(), ep.MaxPacketSize, ep.Interval)
	}
}

func enumerateCommand(ctx context.Context, w io.Writer, cfg simConfig, devices int) error {
	s, devs, err := bootWithDevices(ctx, cfg, devices)
	if err != nil {
		return err
	}
	defer s.close()

	for _, d := range devs {
		printDevice(w, d)
	}
	return nil
}

// =============================================================================
// bench
// =============================================================================

// benchResult summarizes a bulk loopback run.
type benchResult struct {
	Bytes   int
	Elapsed time.Duration
	Stats   ohci.Stats
}

func (r benchResult) throughput() float64 {
	if r.Elapsed <= 0 {
		return 0
	}
	return float64(r.Bytes) / r.Elapsed.Seconds()
}

// echo writes msg to the loopback and reads it back in full.
func echo(ctx context.Context, d *host.Device, msg, buf []byte) error {
	n, err := d.BulkTransfer(ctx, emu.LoopbackBulkOut, msg)
	if err != nil {
		return fmt.Errorf("bulk out: %w", err)
	}
	if n != len(msg) {
		return fmt.Errorf("%w: bulk out wrote %d of %d", pkg.ErrIO, n, len(msg))
	}
	got := 0
	for got < len(msg) {
		n, err := d.BulkTransfer(ctx, emu.LoopbackBulkIn, buf[got:len(msg)])
		if err != nil {
			return fmt.Errorf("bulk in: %w", err)
		}
		got += n
	}
	if !bytes.Equal(msg, buf[:got]) {
		return fmt.Errorf("%w: echo mismatch", pkg.ErrIO)
	}
	return nil
}

func bench(ctx context.Context, s *sim, devs []*host.Device, size, count int) (benchResult, error) {
	g, ctx := errgroup.WithContext(ctx)
	start := time.Now()
	for _, d := range devs {
		d := d
		g.Go(func() error {
			msg := make([]byte, size)
			for i := range msg {
				msg[i] = byte(i) ^ d.Address()
			}
			buf := make([]byte, size)
			for i := 0; i < count; i++ {
				if err := echo(ctx, d, msg, buf); err != nil {
					return fmt.Errorf("device %d round %d: %w", d.Address(), i, err)
				}
			}
			return nil
		})
	}
	err := g.Wait()
	return benchResult{
		Bytes:   2 * size * count * len(devs),
		Elapsed: time.Since(start),
		Stats:   s.ctrl.Stats(),
	}, err
}

func benchCommand(ctx context.Context, w io.Writer, cfg simConfig, devices, size, count int) error {
	if size <= 0 || count <= 0 {
		return fmt.Errorf("%w: size %d count %d", pkg.ErrInvalidParameter, size, count)
	}
	s, devs, err := bootWithDevices(ctx, cfg, devices)
	if err != nil {
		return err
	}
	defer s.close()

	r, err := bench(ctx, s, devs, size, count)
	if err != nil {
		return err
	}
	fmt.Fprintf(w, "%d bytes in %v (%.0f B/s)\n", r.Bytes, r.Elapsed.Round(time.Millisecond), r.throughput())
	printStats(w, r.Stats)
	return nil
}

func printStats(w io.Writer, st ohci.Stats) {
	fmt.Fprintf(w, "interrupts %d  completed %d  stalled %d  errors %d  cancelled %d  timed out %d\n",
		st.Interrupts, st.Completed, st.Stalled, st.Errors, st.Cancelled, st.TimedOut)
	fmt.Fprintf(w, "overruns %d  unknown done %d  hashed %d\n",
		st.Overruns, st.UnknownDone, st.LiveHashed)
	fmt.Fprintf(w, "pool eds %d/%d  tds %d/%d  itds %d/%d  chunks %d\n",
		st.Pool.FreeEDs, st.Pool.EDs, st.Pool.FreeTDs, st.Pool.TDs,
		st.Pool.FreeITDs, st.Pool.ITDs, st.Pool.Chunks)
}

// =============================================================================
// run
// =============================================================================

// exercise runs one round of every transfer type against a loopback.
func exercise(ctx context.Context, d *host.Device, lb *emu.Loopback, round int) error {
	msg := []byte(fmt.Sprintf("round %d from device %d", round, d.Address()))
	if err := echo(ctx, d, msg, make([]byte, len(msg))); err != nil {
		return err
	}

	lb.QueueReport([]byte{byte(round)})
	report := make([]byte, emu.LoopbackIntrSize)
	n, err := d.InterruptTransfer(ctx, emu.LoopbackIntrIn, report)
	if err != nil {
		return fmt.Errorf("interrupt in: %w", err)
	}
	if n != 1 || report[0] != byte(round) {
		return fmt.Errorf("%w: report % x", pkg.ErrIO, report[:n])
	}

	iso := make([]byte, 4*emu.LoopbackIsoSize)
	if _, err := d.IsochronousTransfer(ctx, emu.LoopbackIsoIn, iso); err != nil {
		return fmt.Errorf("isochronous in: %w", err)
	}
	if _, err := d.IsochronousTransfer(ctx, emu.LoopbackIsoOut, iso[:emu.LoopbackIsoSize]); err != nil {
		return fmt.Errorf("isochronous out: %w", err)
	}
	return nil
}

func runCommand(ctx context.Context, w io.Writer, cfg simConfig, devices int, duration, interval time.Duration) error {
	s, devs, err := bootWithDevices(ctx, cfg, devices)
	if err != nil {
		return err
	}
	defer s.close()

	if duration > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, duration)
		defer cancel()
	}

	g, ctx := errgroup.WithContext(ctx)
	for _, d := range devs {
		d := d
		lb := s.loops[d.Port()-1]
		g.Go(func() error {
			for round := 0; ctx.Err() == nil; round++ {
				if err := exercise(ctx, d, lb, round); err != nil {
					if ctx.Err() != nil {
						return nil
					}
					return fmt.Errorf("device %d: %w", d.Address(), err)
				}
			}
			return nil
		})
	}
	if interval > 0 {
		g.Go(func() error {
			t := time.NewTicker(interval)
			defer t.Stop()
			for {
				select {
				case <-ctx.Done():
					return nil
				case <-t.C:
					st := s.ctrl.Stats()
					pkg.LogInfo(pkg.ComponentCLI, "stats",
						"frame", s.ctrl.FrameNumber(),
						"completed", st.Completed,
						"errors", st.Errors,
						"interrupts", st.Interrupts)
				}
			}
		})
	}

	err = g.Wait()
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		err = nil
	}
	printStats(w, s.ctrl.Stats())
	return err
}
