package msc

import (
	"github.com/ardnew/softusb-msc/host/hal"
	"github.com/ardnew/softusb-msc/pkg"
)

// Poll advances bring-up. It does nothing while a transaction is in flight,
// so the outer state never moves ahead of the BOT exchange.
func (d *Device) Poll(nowMicros uint32) {
	d.now = nowMicros
	if d.tx.state != txIdle {
		return
	}

	switch d.state {
	case StateClaimed:
		if !d.in.bound() || !d.out.bound() {
			return
		}
		d.started = nowMicros
		d.state = StateGetMaxLUNRequest

		pkg.LogInfo(pkg.ComponentMSC, "mass storage device attached",
			"device", d.id,
			"session", d.session,
			"address", d.dev.Address,
			"vid", d.dev.Descriptor.VendorID,
			"pid", d.dev.Descriptor.ProductID,
			"bulkIn", d.in.address,
			"bulkOut", d.out.address,
			"maxPacket", d.in.maxPacket)

	case StateGetMaxLUNRequest:
		d.state = StateGetMaxLUNComplete
		d.setup = hal.SetupPacket{
			RequestType: hal.RequestTypeIn | hal.RequestTypeClass | hal.RequestTypeInterface,
			Request:     RequestGetMaxLUN,
			Index:       uint16(d.iface),
			Length:      1,
		}
		d.drv.core.Control(d.dev, &d.setup, d.scratch[:1], d.onMaxLUN)

	case StateReadCapacityRequest:
		d.state = StateReadCapacityComplete
		ReadCapacity10(&d.tx.cbw)
		d.submit(d.scratch[:ReadCapacity10Size])

	case StateTestUnitReadyRequest:
		d.state = StateTestUnitReadyComplete
		TestUnitReady(&d.tx.cbw)
		d.submit(nil)

	case StateInquiryRequest:
		d.state = StateInquiryComplete
		Inquiry(&d.tx.cbw, InquiryStandardSize)
		d.submit(d.scratch[:InquiryStandardSize])

	case StateModeSenseRequest:
		d.state = StateModeSenseComplete
		ModeSense6(&d.tx.cbw, ModePageAllPages, ModeSense6AllocSize)
		d.submit(d.scratch[:ModeSense6AllocSize])

	case StateRequestSenseRequest:
		d.state = StateRequestSenseComplete
		RequestSense(&d.tx.cbw, SenseFixedSize)
		d.submit(d.scratch[:SenseFixedSize])
	}
}

// handleMaxLUN completes GET MAX LUN. Devices with a single LUN may stall
// the request.
func (d *Device) handleMaxLUN(dev *hal.Device, res hal.Result) {
	if dev != d.dev || d.state != StateGetMaxLUNComplete {
		return
	}

	switch res.Status {
	case hal.StatusOK:
		if res.Transferred > 0 {
			d.maxLUN = d.scratch[0] & 0x0F
		}
	case hal.StatusEAGAIN:
		d.maxLUN = 0
		pkg.LogDebug(pkg.ComponentMSC, "GET MAX LUN stalled, assuming one LUN",
			"device", d.id)
	default:
		pkg.LogError(pkg.ComponentMSC, "GET MAX LUN failed",
			"device", d.id,
			"session", d.session,
			"status", res.Status)
		d.state = StateFailed
		return
	}

	// Connected once the LUN count is known.
	d.connected = true
	d.state = StateReadCapacityRequest
	if notify := d.drv.cfg.NotifyConnected; notify != nil {
		notify(d.id)
	}
}

// complete is called by the engine when a transaction finishes.
func (d *Device) complete(err error, residue uint32) {
	switch d.state {
	case StateRead10Complete, StateWrite10Complete:
		cb := d.userCB
		d.userCB = nil
		d.state = StateIdle

		if err != nil {
			pkg.LogWarn(pkg.ComponentMSC, "block transfer failed",
				"device", d.id,
				"session", d.session,
				"opcode", opcodeName(d.tx.cbw.Opcode()),
				"error", err)
		}
		if cb != nil {
			cb(Result{Err: err, Residue: residue})
		}

	case StateReadCapacityComplete:
		var capacity ReadCapacity10Data
		if err == nil && ParseReadCapacity10(d.reply(), &capacity) && capacity.BlockLength != 0 {
			d.capacity = capacity
			d.capKnown = true
			d.attempts = 0
			d.state = StateTestUnitReadyRequest
			pkg.LogDebug(pkg.ComponentMSC, "capacity",
				"device", d.id,
				"lastLBA", capacity.LastLBA,
				"blockSize", capacity.BlockLength)
			return
		}
		if err == nil {
			err = ErrCapacityUnknown
		}
		d.gatingFailure(StateReadCapacityRequest, err)

	case StateTestUnitReadyComplete:
		if err == nil {
			d.attempts = 0
			d.state = StateInquiryRequest
			return
		}
		d.gatingFailure(StateTestUnitReadyRequest, err)

	case StateInquiryComplete:
		if err == nil && ParseInquiry(d.reply(), &d.inquiry) {
			pkg.LogInfo(pkg.ComponentMSC, "inquiry",
				"device", d.id,
				"session", d.session,
				"vendor", d.inquiry.Vendor(),
				"product", d.inquiry.Product(),
				"revision", d.inquiry.Revision(),
				"removable", d.inquiry.Removable)
		} else {
			d.diagnosticFailure(err)
		}
		d.state = StateModeSenseRequest

	case StateModeSenseComplete:
		var hdr ModeSense6Header
		if err == nil && ParseModeSense6Header(d.reply(), &hdr) {
			d.wp = hdr.WriteProtected()
		} else {
			d.diagnosticFailure(err)
		}
		d.state = StateRequestSenseRequest

	case StateRequestSenseComplete:
		if err != nil || !ParseSense(d.reply(), &d.sense) {
			d.diagnosticFailure(err)
		}
		d.state = StateIdle

		info := d.info()
		pkg.LogInfo(pkg.ComponentMSC, "mass storage device ready",
			"device", d.id,
			"session", d.session,
			"blocks", info.BlockCount,
			"blockSize", info.BlockSize,
			"writeProtected", d.wp,
			"maxLUN", d.maxLUN,
			"elapsedUs", d.now-d.started)

	default:
		pkg.LogWarn(pkg.ComponentMSC, "transaction completed in unexpected state",
			"device", d.id,
			"state", d.state,
			"error", err)
	}
}

// gatingFailure re-arms a required bring-up step or gives up on the device.
func (d *Device) gatingFailure(retry State, err error) {
	d.attempts++
	if d.attempts >= d.drv.cfg.EnumRetryLimit {
		pkg.LogError(pkg.ComponentMSC, "enumeration failed",
			"device", d.id,
			"session", d.session,
			"step", retry,
			"attempts", d.attempts,
			"error", err)
		d.state = StateFailed
		return
	}

	pkg.LogDebug(pkg.ComponentMSC, "enumeration step failed, retrying",
		"device", d.id,
		"step", retry,
		"attempt", d.attempts,
		"error", err)
	d.state = retry
}

func (d *Device) diagnosticFailure(err error) {
	pkg.LogWarn(pkg.ComponentMSC, "optional enumeration step failed",
		"device", d.id,
		"session", d.session,
		"state", d.state,
		"error", err)
}
