package hal

import (
	"context"
)

// Speed represents the USB connection speed.
type Speed uint8

// USB speed constants (USB 2.0 Specification).
const (
	SpeedUnknown Speed = iota // Not connected or unknown
	SpeedLow                  // Low Speed (1.5 Mbit/s)
	SpeedFull                 // Full Speed (12 Mbit/s)
	SpeedHigh                 // High Speed (480 Mbit/s)
)

// String returns a human-readable speed name.
func (s Speed) String() string {
	switch s {
	case SpeedLow:
		return "Low Speed"
	case SpeedFull:
		return "Full Speed"
	case SpeedHigh:
		return "High Speed"
	default:
		return "Unknown"
	}
}

// MaxPacketSize0 returns the default control endpoint packet size at this speed.
func (s Speed) MaxPacketSize0() uint16 {
	switch s {
	case SpeedFull, SpeedHigh:
		return 64
	default:
		return 8
	}
}

// PortStatus represents the status of a host port.
type PortStatus struct {
	Connected bool  // Device is connected
	Enabled   bool  // Port is enabled
	Speed     Speed // Connected device speed
}

// SetupPacket represents a USB SETUP packet in the HAL layer.
type SetupPacket struct {
	RequestType uint8  // Request characteristics
	Request     uint8  // Specific request
	Value       uint16 // Request-specific value
	Index       uint16 // Request-specific index
	Length      uint16 // Number of bytes to transfer
}

// SetupPacketSize is the size of a USB SETUP packet in bytes.
const SetupPacketSize = 8

// ParseSetupPacket parses raw bytes into a SetupPacket.
// Returns false if data is too short.
func ParseSetupPacket(data []byte, out *SetupPacket) bool {
	if len(data) < SetupPacketSize {
		return false
	}
	out.RequestType = data[0]
	out.Request = data[1]
	out.Value = uint16(data[2]) | uint16(data[3])<<8
	out.Index = uint16(data[4]) | uint16(data[5])<<8
	out.Length = uint16(data[6]) | uint16(data[7])<<8
	return true
}

// MarshalTo writes the setup packet to buf.
// Returns the number of bytes written (8), or 0 if buf is too small.
func (s *SetupPacket) MarshalTo(buf []byte) int {
	if len(buf) < SetupPacketSize {
		return 0
	}
	buf[0] = s.RequestType
	buf[1] = s.Request
	buf[2] = byte(s.Value)
	buf[3] = byte(s.Value >> 8)
	buf[4] = byte(s.Index)
	buf[5] = byte(s.Index >> 8)
	buf[6] = byte(s.Length)
	buf[7] = byte(s.Length >> 8)
	return SetupPacketSize
}

// IsIn returns true if the data stage (if any) is device-to-host.
func (s *SetupPacket) IsIn() bool {
	return s.RequestType&RequestTypeIn != 0
}

// TransferType indicates the type of USB transfer.
type TransferType uint8

// Transfer type constants.
const (
	TransferControl     TransferType = 0 // Control transfer
	TransferIsochronous TransferType = 1 // Isochronous transfer
	TransferBulk        TransferType = 2 // Bulk transfer
	TransferInterrupt   TransferType = 3 // Interrupt transfer
)

// String returns the transfer type name.
func (t TransferType) String() string {
	switch t {
	case TransferControl:
		return "control"
	case TransferIsochronous:
		return "isochronous"
	case TransferBulk:
		return "bulk"
	case TransferInterrupt:
		return "interrupt"
	default:
		return "unknown"
	}
}

// DeviceAddress represents a USB device address (1-127).
type DeviceAddress uint8

// HostHAL defines the blocking controller interface beneath the host core.
//
// The HAL provides the low-level operations needed by the host core to
// communicate with USB controller hardware. Each transfer method blocks until
// the transaction completes on the bus and reports failures with the sentinel
// errors from package pkg: [pkg.ErrStall] and [pkg.ErrNAK] for conditions the
// class driver may retry, [pkg.ErrOverrun] when the device returned more data
// than requested, anything else for fatal transport faults.
type HostHAL interface {
	// Init initializes the USB host controller hardware.
	// The context can be used to cancel initialization.
	Init(ctx context.Context) error

	// Start enables the host controller and applies power to ports.
	Start() error

	// Stop disables the host controller and removes power from ports.
	Stop() error

	// NumPorts returns the number of root hub ports.
	NumPorts() int

	// GetPortStatus returns the status of a port (1-indexed).
	GetPortStatus(port int) (PortStatus, error)

	// ResetPort initiates a port reset (1-indexed).
	// After reset completes, the device will be at address 0.
	ResetPort(port int) error

	// ControlTransfer performs a control transfer to a device.
	// For OUT transfers, data contains the data to send.
	// For IN transfers, data is filled with received data.
	// Returns the number of bytes transferred in the data phase.
	ControlTransfer(ctx context.Context, addr DeviceAddress, setup *SetupPacket, data []byte) (int, error)

	// BulkTransfer performs a bulk transfer to/from an endpoint.
	// The direction is taken from bit 7 of endpoint.
	// Returns the number of bytes transferred.
	BulkTransfer(ctx context.Context, addr DeviceAddress, endpoint uint8, data []byte) (int, error)
}
