package hal

import (
	"errors"

	"github.com/ardnew/softusb-msc/pkg"
)

// Status is the completion code the host core reports for a transfer.
type Status uint8

// Transfer completion codes.
const (
	StatusOK     Status = iota // Transfer completed
	StatusEAGAIN               // Stall or NAK; the phase may be resent
	StatusEFATAL               // Unrecoverable transport failure
	StatusERRSIZ               // Device returned more data than requested
)

// String returns the status name.
func (s Status) String() string {
	switch s {
	case StatusOK:
		return "ok"
	case StatusEAGAIN:
		return "eagain"
	case StatusEFATAL:
		return "efatal"
	case StatusERRSIZ:
		return "errsiz"
	default:
		return "unknown"
	}
}

// StatusOf maps an error returned by a [HostHAL] transfer to a completion code.
func StatusOf(err error) Status {
	switch {
	case err == nil:
		return StatusOK
	case errors.Is(err, pkg.ErrStall), errors.Is(err, pkg.ErrNAK), errors.Is(err, pkg.ErrTimeout):
		return StatusEAGAIN
	case errors.Is(err, pkg.ErrOverrun), errors.Is(err, pkg.ErrBufferTooSmall):
		return StatusERRSIZ
	default:
		return StatusEFATAL
	}
}

// Result describes a completed transfer.
type Result struct {
	Status      Status
	Transferred int // bytes moved in the data stage
}

// Callback receives a transfer completion. The host core invokes it from its
// own Poll, never concurrently for the same device.
type Callback func(dev *Device, res Result)

// Packet describes one bulk or interrupt transfer submitted to the host core.
type Packet struct {
	EndpointAddress uint8        // Endpoint address including direction bit
	EndpointType    TransferType // Bulk or interrupt
	MaxPacketSize   uint16       // Endpoint wMaxPacketSize
	Toggle          *uint8       // Data toggle, advanced by the core on success
	Data            []byte       // Buffer to send or fill
	Callback        Callback
}

// Device is the host core's view of an addressed device on the bus.
// Class drivers hold it as a non-owning back-reference.
type Device struct {
	Address uint8
	Speed   Speed
	Port    int

	// Descriptor is the parsed device descriptor.
	Descriptor DeviceDescriptor
}

// Core is the set of host core services a class driver consumes.
//
// None of the methods block. Completion is always reported through the
// supplied callback from a later call to the core's Poll.
type Core interface {
	// Control issues a control transfer on the default pipe.
	Control(dev *Device, setup *SetupPacket, data []byte, cb Callback)

	// Read issues an IN transfer described by p.
	Read(dev *Device, p *Packet)

	// Write issues an OUT transfer described by p.
	Write(dev *Device, p *Packet)
}

// DriverInfo selects which interfaces a class driver binds to.
// A negative field matches any value.
type DriverInfo struct {
	DeviceClass    int
	DeviceSubClass int
	DeviceProtocol int
	VendorID       int
	ProductID      int
	IfaceClass     int
	IfaceSubClass  int
	IfaceProtocol  int
}

// MatchInterface reports whether the interface descriptor satisfies the
// interface triple of info.
func (info *DriverInfo) MatchInterface(iface *InterfaceDescriptor) bool {
	return matchField(info.IfaceClass, iface.InterfaceClass) &&
		matchField(info.IfaceSubClass, iface.InterfaceSubClass) &&
		matchField(info.IfaceProtocol, iface.InterfaceProtocol)
}

// MatchDevice reports whether the device descriptor satisfies info.
// A zero device class in the descriptor defers to the interfaces.
func (info *DriverInfo) MatchDevice(desc *DeviceDescriptor) bool {
	if desc.DeviceClass != 0 && !matchField(info.DeviceClass, desc.DeviceClass) {
		return false
	}
	return matchField16(info.VendorID, desc.VendorID) &&
		matchField16(info.ProductID, desc.ProductID)
}

func matchField(want int, got uint8) bool {
	return want < 0 || want == int(got)
}

func matchField16(want int, got uint16) bool {
	return want < 0 || want == int(got)
}

// ClassDriver is registered with the host core and binds to matching devices.
type ClassDriver interface {
	// Info returns the matching table for this driver.
	Info() DriverInfo

	// Attach claims per-device state for dev. It returns nil when the
	// driver cannot serve the device (not initialized, no free slot).
	Attach(dev *Device) DeviceDriver
}

// DeviceDriver is the per-device half of a class driver.
type DeviceDriver interface {
	// AnalyzeDescriptor receives each raw descriptor following the matched
	// interface descriptor (inclusive). It returns true once the driver has
	// everything it needs.
	AnalyzeDescriptor(desc []byte) bool

	// Poll advances the driver. nowMicros is a monotonic microsecond clock.
	Poll(nowMicros uint32)

	// Remove is called once when the device detaches.
	Remove()
}
