// Package host implements a poll-driven USB host core.
//
// The core sits between a blocking controller ([hal.HostHAL]) and class
// drivers written against the non-blocking [hal.Core] interface. Class
// drivers queue transfers; the core executes them on the controller from
// [Host.Poll] and reports each completion through the transfer's callback.
//
// # Poll Cycle
//
// Each call to Poll does three things, in order:
//
//   - Scans the root hub ports. A new connection is reset, addressed,
//     configured and offered to the registered class drivers; a departed
//     device has its driver removed and its queued transfers dropped.
//   - Executes the transfers queued before the call and invokes their
//     callbacks. Transfers queued from inside a callback run on the next Poll.
//   - Polls every bound class driver with a microsecond timestamp.
//
// Completion codes follow [hal.StatusOf]: stalls, NAKs and timeouts become
// [hal.StatusEAGAIN], overruns become [hal.StatusERRSIZ] and every other
// controller error is [hal.StatusEFATAL]. On success the core advances the
// packet's data toggle by the number of packets moved.
//
// # Zero-Allocation Design
//
// Devices, drivers and pending transfers live in fixed-size arrays, so a
// running host does not allocate.
//
// # Example
//
//	h := host.New(sim.New(sim.DefaultConfig()))
//	if err := h.Start(ctx); err != nil {
//	    log.Fatal(err)
//	}
//	defer h.Stop()
//
//	drv := msc.New(h)
//	drv.Init(nil)
//	h.RegisterDriver(drv)
//
//	for !drv.Idle(0) {
//	    h.Poll()
//	}
//
// A simulated controller with a mass-storage stick attached is available in
// [github.com/ardnew/softusb-msc/host/hal/sim].
package host
