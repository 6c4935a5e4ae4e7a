// Package pkg provides shared utilities for the softusb mass-storage host stack.
//
// This package contains common functionality used by the host core, the
// simulated controller and the mass-storage class driver:
//
//   - Structured logging via Go's standard [log/slog] package
//   - Sentinel errors for USB transport and driver misuse conditions
//   - Component identifiers for log filtering
//
// # Logging
//
// The logging subsystem wraps [log/slog] with USB-specific context:
//
//	pkg.SetLogLevel(slog.LevelDebug)
//	pkg.LogInfo(pkg.ComponentMSC, "device ready", "device", 0)
//
// Long-lived objects that log with the same attributes on every record
// derive a scoped logger once:
//
//	log := pkg.Logger(pkg.ComponentMSC).With("device", 0)
//
// # Errors
//
// Common USB errors are defined as sentinel values:
//
//	if errors.Is(err, pkg.ErrStall) {
//	    // Handle endpoint stall
//	}
package pkg
