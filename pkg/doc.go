// Package pkg provides shared utilities for the softohci driver.
//
// This package contains functionality used by the DMA layer, the OHCI
// driver core, the controller emulator and the command-line tool:
//
//   - Structured logging via Go's standard [log/slog] package
//   - Sentinel errors for transfer outcomes and driver failures
//   - [TransferStatus], the state word every transfer request carries
//   - Component identifiers for log filtering
//
// # Logging
//
// The logging subsystem wraps [log/slog] with a component attribute:
//
//	pkg.SetLogLevel(slog.LevelDebug)
//	pkg.LogInfo(pkg.ComponentOHCI, "controller operational", "ports", 2)
//
// # Errors
//
// Hardware-reported transfer failures never surface as Go errors from a
// submit call. They arrive through the transfer's completion status, and
// [TransferStatus.Error] maps them to the sentinels below:
//
//	if errors.Is(xfer.Err(), pkg.ErrStall) {
//	    // Clear the endpoint halt
//	}
//
// Resource and configuration problems found at open or submit time are
// returned directly, wrapped around one of the sentinels with %w.
package pkg
