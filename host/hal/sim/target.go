package sim

import (
	"github.com/ardnew/softusb-msc/host/class/msc"
	"github.com/ardnew/softusb-msc/pkg"
)

// Phase is the BOT phase the simulated stick is waiting in.
type Phase uint8

// BOT phases, device side.
const (
	PhaseCommand Phase = iota // waiting for a CBW on bulk OUT
	PhaseDataIn               // data queued for bulk IN
	PhaseDataOut              // waiting for data on bulk OUT
	PhaseStatus               // CSW queued for bulk IN
)

// String returns the phase name.
func (p Phase) String() string {
	switch p {
	case PhaseCommand:
		return "command"
	case PhaseDataIn:
		return "data-in"
	case PhaseDataOut:
		return "data-out"
	case PhaseStatus:
		return "status"
	default:
		return "unknown"
	}
}

// maxTransfer bounds one data phase.
const maxTransfer = 64 * 1024

// target is the SCSI/BOT function of the simulated stick.
type target struct {
	storage Storage
	inquiry msc.InquiryData
	maxLUN  uint8

	phase   Phase
	cbw     msc.CommandBlockWrapper
	csw     msc.CommandStatusWrapper
	data    [maxTransfer]byte
	dataLen int
	sense   msc.SenseData

	haltIn  bool
	haltOut bool

	// injected command failures, keyed by opcode
	failOp     map[uint8]int
	failSense  map[uint8]msc.SenseData
	phaseErrOp map[uint8]int
	corruptCSW int
	shortRead  int
}

func newTarget(storage Storage, inquiry msc.InquiryData, maxLUN uint8) *target {
	return &target{
		storage:    storage,
		inquiry:    inquiry,
		maxLUN:     maxLUN,
		sense:      msc.NewSenseData(msc.SenseNoSense, msc.ASCNoAdditionalInfo, 0),
		failOp:     make(map[uint8]int),
		failSense:  make(map[uint8]msc.SenseData),
		phaseErrOp: make(map[uint8]int),
	}
}

// reset implements Bulk-Only Mass Storage Reset.
func (t *target) reset() {
	t.phase = PhaseCommand
	t.dataLen = 0
	t.haltIn = false
	t.haltOut = false
}

// in services a bulk IN transfer.
func (t *target) in(buf []byte) (int, error) {
	if t.haltIn {
		return 0, pkg.ErrStall
	}

	switch t.phase {
	case PhaseDataIn:
		if len(buf) < t.dataLen {
			return 0, pkg.ErrOverrun
		}
		n := copy(buf, t.data[:t.dataLen])
		t.phase = PhaseStatus
		return n, nil

	case PhaseStatus:
		n := t.csw.MarshalTo(buf)
		if n == 0 {
			return 0, pkg.ErrOverrun
		}
		t.phase = PhaseCommand
		return n, nil

	default:
		return 0, pkg.ErrNAK
	}
}

// out services a bulk OUT transfer.
func (t *target) out(data []byte) (int, error) {
	if t.haltOut {
		return 0, pkg.ErrStall
	}

	switch t.phase {
	case PhaseCommand:
		if len(data) != msc.CBWSize || !msc.ParseCBW(data, &t.cbw) {
			pkg.LogWarn(pkg.ComponentSim, "invalid CBW", "length", len(data))
			return 0, pkg.ErrProtocol
		}
		t.execute()
		return len(data), nil

	case PhaseDataOut:
		n := copy(t.data[:t.dataLen], data)
		t.finishWrite(n)
		return n, nil

	default:
		return 0, pkg.ErrNAK
	}
}

// execute runs the command in t.cbw and queues the data and status phases.
func (t *target) execute() {
	op := t.cbw.Opcode()
	t.csw = msc.CommandStatusWrapper{
		Signature: msc.CSWSignature,
		Tag:       t.cbw.Tag,
		Status:    msc.CSWStatusGood,
	}
	t.dataLen = 0

	pkg.LogDebug(pkg.ComponentSim, "SCSI command",
		"opcode", op,
		"tag", t.cbw.Tag,
		"length", t.cbw.DataTransferLength)

	if t.corruptCSW > 0 {
		t.corruptCSW--
		t.csw.Tag ^= 0xA5A5A5A5
	}

	if take(t.phaseErrOp, op) {
		t.csw.Status = msc.CSWStatusPhaseError
		t.csw.DataResidue = t.cbw.DataTransferLength
		t.queue(0)
		return
	}

	if take(t.failOp, op) {
		sense, ok := t.failSense[op]
		if !ok {
			sense = msc.NewSenseData(msc.SenseNotReady, msc.ASCMediumNotPresent, 0)
		}
		t.fail(sense)
		return
	}

	if t.cbw.LUN > t.maxLUN {
		t.fail(msc.NewSenseData(msc.SenseIllegalRequest, msc.ASCInvalidFieldInCDB, 0))
		return
	}

	switch op {
	case msc.SCSITestUnitReady:
		t.queue(0)

	case msc.SCSIRequestSense:
		n := t.sense.MarshalTo(t.data[:])
		t.sense = msc.NewSenseData(msc.SenseNoSense, msc.ASCNoAdditionalInfo, 0)
		t.queue(min(n, int(t.cbw.CB[4])))

	case msc.SCSIInquiry:
		alloc := int(t.cbw.CB[3])<<8 | int(t.cbw.CB[4])
		n := t.inquiry.MarshalTo(t.data[:])
		t.queue(min(n, alloc))

	case msc.SCSIModeSense6:
		hdr := msc.ModeSense6Header{ModeDataLength: msc.ModeSense6HeaderSize - 1}
		if t.storage.IsReadOnly() {
			hdr.DeviceParam = msc.ModeDeviceParamWP
		}
		n := hdr.MarshalTo(t.data[:])
		t.queue(min(n, int(t.cbw.CB[4])))

	case msc.SCSIReadCapacity10:
		count := t.storage.BlockCount()
		last := uint32(0xFFFFFFFF)
		if count > 0 && count-1 < uint64(last) {
			last = uint32(count - 1)
		}
		resp := msc.ReadCapacity10Data{LastLBA: last, BlockLength: t.storage.BlockSize()}
		t.queue(resp.MarshalTo(t.data[:]))

	case msc.SCSIRead10:
		t.read10()

	case msc.SCSIWrite10:
		t.write10()

	default:
		t.fail(msc.NewSenseData(msc.SenseIllegalRequest, msc.ASCInvalidCommand, 0))
	}
}

// queue sets up n bytes of data-in (or none) followed by the CSW.
func (t *target) queue(n int) {
	n = min(n, int(t.cbw.DataTransferLength))
	t.dataLen = n
	if t.csw.Status != msc.CSWStatusPhaseError {
		t.csw.DataResidue = t.cbw.DataTransferLength - uint32(n)
	}

	switch {
	case t.cbw.DataTransferLength == 0:
		t.phase = PhaseStatus
	case t.cbw.IsDataIn():
		t.phase = PhaseDataIn
	default:
		// Absorb whatever the host sends.
		t.dataLen = min(int(t.cbw.DataTransferLength), maxTransfer)
		t.phase = PhaseDataOut
	}
}

// fail records sense data and queues a failed CSW.
func (t *target) fail(sense msc.SenseData) {
	t.sense = sense
	t.csw.Status = msc.CSWStatusFailed
	t.queue(0)
	t.csw.DataResidue = t.cbw.DataTransferLength
}

func (t *target) blockRange() (lba uint64, blocks uint32, ok bool) {
	l, n := msc.CommandLBA(t.cbw.CB[:])
	lba, blocks = uint64(l), uint32(n)
	if lba+uint64(blocks) > t.storage.BlockCount() {
		t.fail(msc.NewSenseData(msc.SenseIllegalRequest, msc.ASCLBAOutOfRange, 0))
		return 0, 0, false
	}
	if uint64(blocks)*uint64(t.storage.BlockSize()) > maxTransfer {
		t.fail(msc.NewSenseData(msc.SenseIllegalRequest, msc.ASCInvalidFieldInCDB, 0))
		return 0, 0, false
	}
	return lba, blocks, true
}

func (t *target) read10() {
	lba, blocks, ok := t.blockRange()
	if !ok {
		return
	}
	length := int(blocks * t.storage.BlockSize())
	if _, err := t.storage.Read(lba, blocks, t.data[:length]); err != nil {
		t.fail(msc.NewSenseData(msc.SenseMediumError, msc.ASCNoAdditionalInfo, 0))
		return
	}
	if t.shortRead > 0 {
		t.shortRead--
		length /= 2
	}
	t.queue(length)
}

// abortDataIn ends a data-in phase the stick stalled. The CSW that follows
// reports nothing transferred.
func (t *target) abortDataIn() {
	if t.csw.Status == msc.CSWStatusGood {
		t.csw.Status = msc.CSWStatusFailed
		t.sense = msc.NewSenseData(msc.SenseMediumError, msc.ASCUnrecoveredReadError, 0)
	}
	t.csw.DataResidue = t.cbw.DataTransferLength
	t.dataLen = 0
	t.phase = PhaseStatus
}

func (t *target) write10() {
	if t.storage.IsReadOnly() {
		t.fail(msc.NewSenseData(msc.SenseDataProtect, msc.ASCWriteProtected, 0))
		return
	}
	if _, _, ok := t.blockRange(); !ok {
		return
	}
	t.queue(0)
}

// finishWrite commits n received bytes of a WRITE(10).
func (t *target) finishWrite(n int) {
	t.phase = PhaseStatus
	if t.csw.Status != msc.CSWStatusGood || t.cbw.Opcode() != msc.SCSIWrite10 {
		return
	}

	lba, blocks := msc.CommandLBA(t.cbw.CB[:])
	bs := t.storage.BlockSize()
	whole := uint32(n) / bs
	if whole < uint32(blocks) {
		t.csw.DataResidue = t.cbw.DataTransferLength - uint32(n)
	} else {
		t.csw.DataResidue = 0
	}
	if whole == 0 {
		return
	}
	if _, err := t.storage.Write(uint64(lba), whole, t.data[:whole*bs]); err != nil {
		t.fail(msc.NewSenseData(msc.SenseMediumError, msc.ASCNoAdditionalInfo, 0))
		t.phase = PhaseStatus
	}
}

// take consumes one pending injection for key.
func take(m map[uint8]int, key uint8) bool {
	if m[key] <= 0 {
		return false
	}
	m[key]--
	return true
}
