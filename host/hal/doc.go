// Package hal defines the contracts between the host core, the controller
// hardware beneath it and the class drivers above it.
//
// Two layers meet here:
//
//   - [HostHAL] is the blocking controller interface. A platform implements
//     it once; the host core calls it from its poll loop.
//   - [Core] is the asynchronous, callback-based service a class driver
//     consumes. Transfers are submitted as [Packet] values and complete
//     through a [Callback] with a [Result] whose [Status] is one of
//     [StatusOK], [StatusEAGAIN], [StatusEFATAL] or [StatusERRSIZ].
//
// Class drivers register through [ClassDriver]; the host core matches them
// by [DriverInfo], hands each claimed device a [DeviceDriver], feeds it the
// raw descriptors that follow the matched interface, and polls it.
//
// # Zero-Allocation Design
//
// Implementations should follow zero-allocation patterns where feasible:
//   - Reuse buffers provided by the caller
//   - Avoid allocations in the hot path (transfer submission and completion)
//   - Use fixed-size internal buffers where dynamic allocation would occur
//
// # Example
//
//	type MyHostHAL struct {
//	    // Platform-specific fields
//	}
//
//	func (h *MyHostHAL) BulkTransfer(ctx context.Context, addr hal.DeviceAddress, ep uint8, data []byte) (int, error) {
//	    // Run one bulk transaction, returning pkg.ErrStall on a STALL handshake
//	    return n, nil
//	}
//
//	// ... implement remaining HostHAL methods
//
// A simulated controller with an emulated mass-storage device is available
// in [github.com/ardnew/softusb-msc/host/hal/sim].
package hal
