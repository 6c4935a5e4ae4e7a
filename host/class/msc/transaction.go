package msc

import (
	"errors"

	"github.com/ardnew/softusb-msc/host/hal"
	"github.com/ardnew/softusb-msc/pkg"
)

// submit starts the BOT exchange for the command already built in d.tx.cbw.
// data must be exactly as long as the declared transfer length and stays
// borrowed until the transaction finishes.
func (d *Device) submit(data []byte) {
	tx := &d.tx
	tx.cbw.Tag = d.nextTag()
	tx.cbw.MarshalTo(tx.cbwBuf[:])
	tx.data = data
	tx.transferred = 0
	tx.retries = 0
	tx.recovery = 0
	tx.err = nil
	tx.csw = CommandStatusWrapper{}

	pkg.LogDebug(pkg.ComponentMSC, "submit command",
		"device", d.id,
		"session", d.session,
		"opcode", opcodeName(tx.cbw.Opcode()),
		"tag", tx.cbw.Tag,
		"length", tx.cbw.DataTransferLength)

	d.sendCBW()
}

func (d *Device) sendCBW() {
	d.tx.state = txCBW
	d.out.pkt.Data = d.tx.cbwBuf[:]
	d.drv.core.Write(d.dev, &d.out.pkt)
}

func (d *Device) startData() {
	tx := &d.tx
	if tx.cbw.DataTransferLength == 0 {
		d.readCSW()
		return
	}
	if tx.cbw.IsDataIn() {
		tx.state = txDataIn
		d.in.pkt.Data = tx.data
		d.drv.core.Read(d.dev, &d.in.pkt)
		return
	}
	tx.state = txDataOut
	d.out.pkt.Data = tx.data
	d.drv.core.Write(d.dev, &d.out.pkt)
}

func (d *Device) readCSW() {
	d.tx.state = txCSW
	d.in.pkt.Data = d.tx.cswBuf[:]
	d.drv.core.Read(d.dev, &d.in.pkt)
}

// handleTransfer is the completion callback for every bulk and control
// transfer the engine issues.
func (d *Device) handleTransfer(dev *hal.Device, res hal.Result) {
	if dev != d.dev || d.state == StateInactive {
		pkg.LogDebug(pkg.ComponentMSC, "dropping stale completion",
			"device", d.id,
			"status", res.Status)
		return
	}

	tx := &d.tx
	switch tx.state {
	case txCBW:
		if res.Status != hal.StatusOK {
			d.resync(res.Status, d.out.address)
			return
		}
		d.startData()

	case txDataIn:
		if res.Status != hal.StatusOK {
			d.resync(res.Status, d.in.address)
			return
		}
		tx.transferred = res.Transferred
		d.readCSW()

	case txDataOut:
		if res.Status != hal.StatusOK {
			d.resync(res.Status, d.out.address)
			return
		}
		tx.transferred = res.Transferred
		d.readCSW()

	case txCSW:
		if res.Status != hal.StatusOK {
			d.resync(res.Status, d.in.address)
			return
		}
		d.checkCSW(res.Transferred)

	case txClearHalt:
		d.clearHaltDone(res.Status)

	case txResetRecovery:
		d.recoveryStep(res.Status)

	default:
		pkg.LogWarn(pkg.ComponentMSC, "completion without transaction",
			"device", d.id,
			"session", d.session,
			"status", res.Status)
	}
}

// resync handles a failed phase. A stall clears the endpoint halt and resends
// the same phase; anything else ends the transaction.
func (d *Device) resync(status hal.Status, ep uint8) {
	tx := &d.tx
	phase := tx.state

	if status != hal.StatusEAGAIN {
		pkg.LogError(pkg.ComponentMSC, "transfer failed",
			"device", d.id,
			"session", d.session,
			"phase", phase,
			"status", status,
			"opcode", opcodeName(tx.cbw.Opcode()))
		d.finish(&TransportError{Status: status, Phase: phase.String()})
		return
	}

	tx.retries++
	if tx.retries > d.drv.cfg.RetryLimit {
		pkg.LogWarn(pkg.ComponentMSC, "stall retry limit reached",
			"device", d.id,
			"session", d.session,
			"phase", phase,
			"retries", tx.retries-1)
		d.recover(ErrRetryLimit)
		return
	}

	pkg.LogDebug(pkg.ComponentMSC, "endpoint stalled",
		"device", d.id,
		"phase", phase,
		"endpoint", ep,
		"retry", tx.retries)

	tx.resume = phase
	tx.haltEP = ep
	tx.state = txClearHalt
	d.clearHalt(ep)
}

func (d *Device) clearHalt(ep uint8) {
	d.setup = hal.SetupPacket{
		RequestType: hal.RequestTypeOut | hal.RequestTypeStandard | hal.RequestTypeEndpoint,
		Request:     hal.RequestClearFeature,
		Value:       hal.FeatureEndpointHalt,
		Index:       uint16(ep),
	}
	d.drv.core.Control(d.dev, &d.setup, nil, d.onTransfer)
}

func (d *Device) clearHaltDone(status hal.Status) {
	tx := &d.tx
	switch status {
	case hal.StatusOK:
	case hal.StatusEAGAIN:
		tx.retries++
		if tx.retries > d.drv.cfg.RetryLimit {
			d.finish(ErrRetryLimit)
			return
		}
		d.clearHalt(tx.haltEP)
		return
	default:
		d.finish(&TransportError{Status: status, Phase: txClearHalt.String()})
		return
	}

	d.pipe(tx.haltEP).toggle = 0

	switch tx.resume {
	case txCBW:
		d.sendCBW()
	case txDataIn:
		// A stalled data-in ends the data phase; the CSW follows on bulk-IN.
		d.readCSW()
	case txDataOut:
		d.startData()
	case txCSW:
		d.readCSW()
	default:
		d.finish(pkg.ErrInvalidState)
	}
}

func (d *Device) pipe(addr uint8) *endpoint {
	if addr&hal.EndpointDirectionIn != 0 {
		return &d.in
	}
	return &d.out
}

func (d *Device) checkCSW(n int) {
	tx := &d.tx
	if n < CSWSize || !ParseCSW(tx.cswBuf[:], &tx.csw) || !tx.csw.Valid(tx.cbw.Tag) {
		pkg.LogWarn(pkg.ComponentMSC, "invalid CSW",
			"device", d.id,
			"session", d.session,
			"length", n,
			"signature", tx.csw.Signature,
			"tag", tx.csw.Tag,
			"want", tx.cbw.Tag)
		tx.csw = CommandStatusWrapper{}
		d.recover(ErrInvalidCSW)
		return
	}

	switch tx.csw.Status {
	case CSWStatusGood:
		d.finish(nil)
	case CSWStatusFailed:
		pkg.LogDebug(pkg.ComponentMSC, "command failed",
			"device", d.id,
			"opcode", opcodeName(tx.cbw.Opcode()),
			"residue", tx.csw.DataResidue)
		d.finish(ErrCommandFailed)
	default:
		pkg.LogWarn(pkg.ComponentMSC, "phase error",
			"device", d.id,
			"session", d.session,
			"opcode", opcodeName(tx.cbw.Opcode()))
		d.recover(ErrPhaseError)
	}
}

// recover runs BOT reset recovery: mass storage reset, then clear halt on
// bulk IN and bulk OUT. The transaction then finishes with err.
func (d *Device) recover(err error) {
	tx := &d.tx
	tx.err = err
	tx.state = txResetRecovery
	tx.recovery = 0

	pkg.LogInfo(pkg.ComponentMSC, "reset recovery",
		"device", d.id,
		"session", d.session,
		"reason", err)

	d.setup = hal.SetupPacket{
		RequestType: hal.RequestTypeOut | hal.RequestTypeClass | hal.RequestTypeInterface,
		Request:     RequestBulkOnlyMassStorageReset,
		Index:       uint16(d.iface),
	}
	d.drv.core.Control(d.dev, &d.setup, nil, d.onTransfer)
}

func (d *Device) recoveryStep(status hal.Status) {
	tx := &d.tx
	if status != hal.StatusOK {
		pkg.LogWarn(pkg.ComponentMSC, "reset recovery step failed",
			"device", d.id,
			"step", tx.recovery,
			"status", status)
	}

	tx.recovery++
	switch tx.recovery {
	case 1:
		d.clearHalt(d.in.address)
	case 2:
		d.clearHalt(d.out.address)
	default:
		d.in.toggle = 0
		d.out.toggle = 0
		d.finish(tx.err)
	}
}

// finish returns the transaction to idle and hands the outcome to the outer
// state machine.
func (d *Device) finish(err error) {
	tx := &d.tx
	residue := tx.cbw.DataTransferLength
	if err == nil || errors.Is(err, ErrCommandFailed) {
		residue = min(tx.csw.DataResidue, tx.cbw.DataTransferLength)
	}

	tx.state = txIdle
	tx.data = nil
	d.in.pkt.Data = nil
	d.out.pkt.Data = nil

	d.complete(err, residue)
}
