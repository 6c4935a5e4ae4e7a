package host

import "fmt"

// Resource limits.
const (
	MaxDevices    = 8   // Addressed devices tracked by the host
	MaxDrivers    = 4   // Registered class drivers
	MaxPending    = 16  // Queued transfers awaiting Poll
	MaxConfigSize = 256 // Largest configuration descriptor read
)

// Device states as defined in USB 2.0 specification.
const (
	DeviceStateDetached   DeviceState = 0 // Device is not connected
	DeviceStateAttached   DeviceState = 1 // Device is attached but not addressed
	DeviceStateDefault    DeviceState = 2 // Device has been reset, at address 0
	DeviceStateAddress    DeviceState = 3 // Device has been assigned an address
	DeviceStateConfigured DeviceState = 4 // Device is configured
)

// DeviceState represents USB device state (from host perspective).
type DeviceState uint8

// String returns the state name.
func (s DeviceState) String() string {
	switch s {
	case DeviceStateDetached:
		return "Detached"
	case DeviceStateAttached:
		return "Attached"
	case DeviceStateDefault:
		return "Default"
	case DeviceStateAddress:
		return "Address"
	case DeviceStateConfigured:
		return "Configured"
	default:
		return fmt.Sprintf("Unknown(%d)", s)
	}
}

// MaxPorts bounds the root hub ports the host scans.
const MaxPorts = 8
