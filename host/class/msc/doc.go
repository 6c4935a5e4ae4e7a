// Package msc implements the host side of the USB Mass Storage Class using
// Bulk-Only Transport (BOT) with the SCSI transparent command set.
//
// The driver sits on a poll-driven host core ([hal.Core]). Nothing in this
// package blocks: every transfer is issued to the core and its completion
// arrives later as a callback from the core's Poll, which re-enters the
// driver's state machines.
//
// # State Machines
//
// Each attached device runs two state machines.
//
// The outer machine brings the device up once per attach:
//
//	GET MAX LUN → READ CAPACITY(10) → TEST UNIT READY → INQUIRY →
//	MODE SENSE(6) → REQUEST SENSE → idle
//
// READ CAPACITY and TEST UNIT READY must succeed (each is retried up to
// Config.EnumRetryLimit times); failures of the other steps are logged and
// skipped. Once idle, the device accepts Read10 and Write10.
//
// The transaction machine runs one BOT exchange at a time:
//
//	CBW → data in | data out → CSW
//
// A stall on any phase clears the endpoint halt and resets the data toggle,
// up to Config.RetryLimit times. The CBW, data-out and CSW phases are then
// resent. A stalled data-in phase is over: the host reads the CSW next and
// reports its status and residue. A phase error or an invalid CSW triggers
// BOT reset recovery. Every accepted command completes its callback exactly
// once.
//
// # Usage Example
//
//	drv := msc.New(h)
//	drv.Init(&msc.Config{
//	    NotifyConnected: func(id msc.DeviceID) { log.Println("attached", id) },
//	})
//	h.RegisterDriver(drv)
//
//	for !drv.Idle(0) {
//	    h.Poll()
//	}
//
//	buf := make([]byte, 512)
//	drv.Read10(0, buf, 1, 0, func(r msc.Result) {
//	    if r.Err != nil {
//	        log.Println("read failed:", r.Err)
//	    }
//	})
//
// # References
//
//   - USB Mass Storage Class Bulk-Only Transport 1.0
//   - SCSI Primary Commands (SPC-4)
//   - SCSI Block Commands (SBC-3)
package msc
