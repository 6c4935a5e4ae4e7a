package msc

import (
	uuid "github.com/satori/go.uuid"

	"github.com/ardnew/softusb-msc/host/hal"
)

// DeviceID indexes a device slot in a Driver. Valid IDs are [0, MaxDevices).
type DeviceID int

// State is the outer state of a device slot.
type State uint8

// Outer device states. Each bring-up command has a request state, entered
// when the previous step finished, and a complete state, held while the
// command is in flight.
const (
	StateInactive State = iota
	StateClaimed
	StateGetMaxLUNRequest
	StateGetMaxLUNComplete
	StateReadCapacityRequest
	StateReadCapacityComplete
	StateTestUnitReadyRequest
	StateTestUnitReadyComplete
	StateInquiryRequest
	StateInquiryComplete
	StateModeSenseRequest
	StateModeSenseComplete
	StateRequestSenseRequest
	StateRequestSenseComplete
	StateIdle
	StateRead10Complete
	StateWrite10Complete
	StateFailed
)

// String returns the state name.
func (s State) String() string {
	switch s {
	case StateInactive:
		return "inactive"
	case StateClaimed:
		return "claimed"
	case StateGetMaxLUNRequest:
		return "get-max-lun-request"
	case StateGetMaxLUNComplete:
		return "get-max-lun-complete"
	case StateReadCapacityRequest:
		return "read-capacity-request"
	case StateReadCapacityComplete:
		return "read-capacity-complete"
	case StateTestUnitReadyRequest:
		return "test-unit-ready-request"
	case StateTestUnitReadyComplete:
		return "test-unit-ready-complete"
	case StateInquiryRequest:
		return "inquiry-request"
	case StateInquiryComplete:
		return "inquiry-complete"
	case StateModeSenseRequest:
		return "mode-sense-request"
	case StateModeSenseComplete:
		return "mode-sense-complete"
	case StateRequestSenseRequest:
		return "request-sense-request"
	case StateRequestSenseComplete:
		return "request-sense-complete"
	case StateIdle:
		return "idle"
	case StateRead10Complete:
		return "read10-complete"
	case StateWrite10Complete:
		return "write10-complete"
	case StateFailed:
		return "failed"
	default:
		return "unknown"
	}
}

// enumerating reports whether s belongs to the bring-up sequence.
func (s State) enumerating() bool {
	return s >= StateClaimed && s < StateIdle
}

// txState is the state of the single BOT transaction of a device.
type txState uint8

const (
	txIdle txState = iota
	txCBW
	txDataIn
	txDataOut
	txCSW
	txClearHalt
	txResetRecovery
)

func (s txState) String() string {
	switch s {
	case txIdle:
		return "idle"
	case txCBW:
		return "cbw"
	case txDataIn:
		return "data-in"
	case txDataOut:
		return "data-out"
	case txCSW:
		return "csw"
	case txClearHalt:
		return "clear-halt"
	case txResetRecovery:
		return "reset-recovery"
	default:
		return "unknown"
	}
}

// Result is delivered to a Callback exactly once per accepted command.
type Result struct {
	Err     error  // nil on CSW status 0
	Residue uint32 // dCSWDataResidue, or the full length on transport failure
}

// Callback receives the completion of Read10 or Write10.
type Callback func(Result)

// endpoint is one bulk pipe of a device.
type endpoint struct {
	address   uint8
	maxPacket uint16
	toggle    uint8
	pkt       hal.Packet
}

func (ep *endpoint) bound() bool {
	return ep.address != 0
}

// transaction is the in-flight BOT command of a device.
type transaction struct {
	state  txState
	cbw    CommandBlockWrapper
	cbwBuf [CBWSize]byte
	cswBuf [CSWSize]byte
	csw    CommandStatusWrapper
	data   []byte

	// transferred is the byte count of the last data phase.
	transferred int

	// resync bookkeeping
	retries  int
	resume   txState
	haltEP   uint8
	recovery int
	err      error
}

// DeviceInfo is a snapshot of what bring-up learned about a device.
type DeviceInfo struct {
	ID             DeviceID
	Session        uuid.UUID
	State          State
	Address        uint8
	VendorID       uint16
	ProductID      uint16
	MaxLUN         uint8
	LastLBA        uint32
	BlockCount     uint64
	BlockSize      uint32
	WriteProtected bool
	Inquiry        InquiryData
	Sense          SenseData
}

// Capacity returns the medium size in bytes.
func (i *DeviceInfo) Capacity() uint64 {
	return i.BlockCount * uint64(i.BlockSize)
}

// Device is the per-device context of the driver. It implements
// [hal.DeviceDriver]. Devices live in the Driver arena and are never
// allocated on their own.
type Device struct {
	drv     *Driver
	id      DeviceID
	dev     *hal.Device
	session uuid.UUID

	state     State
	iface     uint8
	in        endpoint
	out       endpoint
	tag       uint32
	tx        transaction
	attempts  int
	connected bool
	started   uint32
	now       uint32

	// bring-up results
	maxLUN     uint8
	capacity   ReadCapacity10Data
	capKnown   bool
	wp         bool
	inquiry    InquiryData
	sense      SenseData
	scratch    [ScratchSize]byte
	setup      hal.SetupPacket
	userCB     Callback
	onTransfer hal.Callback
	onMaxLUN   hal.Callback
}

// ID returns the slot index of the device.
func (d *Device) ID() DeviceID {
	return d.id
}

// State returns the outer state.
func (d *Device) State() State {
	return d.state
}

func (d *Device) present() bool {
	return d.state != StateInactive
}

func (d *Device) idle() bool {
	return d.state == StateIdle && d.tx.state == txIdle
}

func (d *Device) info() DeviceInfo {
	info := DeviceInfo{
		ID:             d.id,
		Session:        d.session,
		State:          d.state,
		MaxLUN:         d.maxLUN,
		WriteProtected: d.wp,
		Inquiry:        d.inquiry,
		Sense:          d.sense,
	}
	if d.dev != nil {
		info.Address = d.dev.Address
		info.VendorID = d.dev.Descriptor.VendorID
		info.ProductID = d.dev.Descriptor.ProductID
	}
	if d.capKnown {
		info.LastLBA = d.capacity.LastLBA
		info.BlockCount = d.capacity.BlockCount()
		info.BlockSize = d.capacity.BlockLength
	}
	return info
}

// reply returns the bytes received by the last data-in phase into scratch.
func (d *Device) reply() []byte {
	return d.scratch[:min(d.tx.transferred, len(d.scratch))]
}

// nextTag returns a fresh non-zero CBW tag.
func (d *Device) nextTag() uint32 {
	d.tag++
	if d.tag == 0 {
		d.tag = 1
	}
	return d.tag
}
