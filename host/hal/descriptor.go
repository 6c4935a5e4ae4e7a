package hal

import "github.com/ardnew/softusb-msc/pkg"

// Descriptor types.
const (
	DescriptorTypeDevice        = 0x01
	DescriptorTypeConfiguration = 0x02
	DescriptorTypeString        = 0x03
	DescriptorTypeInterface     = 0x04
	DescriptorTypeEndpoint      = 0x05
)

// Standard request codes.
const (
	RequestGetStatus        = 0x00
	RequestClearFeature     = 0x01
	RequestSetFeature       = 0x03
	RequestSetAddress       = 0x05
	RequestGetDescriptor    = 0x06
	RequestGetConfiguration = 0x08
	RequestSetConfiguration = 0x09
)

// Request types (bmRequestType).
const (
	RequestTypeOut       = 0x00 // Host to device
	RequestTypeIn        = 0x80 // Device to host
	RequestTypeStandard  = 0x00 // Standard request
	RequestTypeClass     = 0x20 // Class-specific request
	RequestTypeVendor    = 0x40 // Vendor-specific request
	RequestTypeDevice    = 0x00 // Recipient: device
	RequestTypeInterface = 0x01 // Recipient: interface
	RequestTypeEndpoint  = 0x02 // Recipient: endpoint
)

// FeatureEndpointHalt is the ENDPOINT_HALT feature selector.
const FeatureEndpointHalt = 0x00

// Endpoint directions.
const (
	EndpointDirectionOut = 0x00 // Host to device
	EndpointDirectionIn  = 0x80 // Device to host
)

// DeviceDescriptor represents a USB device descriptor.
type DeviceDescriptor struct {
	Length            uint8
	DescriptorType    uint8
	USBVersion        uint16
	DeviceClass       uint8
	DeviceSubClass    uint8
	DeviceProtocol    uint8
	MaxPacketSize0    uint8
	VendorID          uint16
	ProductID         uint16
	DeviceVersion     uint16
	ManufacturerIndex uint8
	ProductIndex      uint8
	SerialNumberIndex uint8
	NumConfigurations uint8
}

// DeviceDescriptorSize is the size of a device descriptor.
const DeviceDescriptorSize = 18

// ParseDeviceDescriptor parses device descriptor from data.
// Returns true if successful.
func ParseDeviceDescriptor(data []byte, out *DeviceDescriptor) bool {
	if len(data) < DeviceDescriptorSize || data[1] != DescriptorTypeDevice {
		return false
	}
	out.Length = data[0]
	out.DescriptorType = data[1]
	out.USBVersion = uint16(data[2]) | uint16(data[3])<<8
	out.DeviceClass = data[4]
	out.DeviceSubClass = data[5]
	out.DeviceProtocol = data[6]
	out.MaxPacketSize0 = data[7]
	out.VendorID = uint16(data[8]) | uint16(data[9])<<8
	out.ProductID = uint16(data[10]) | uint16(data[11])<<8
	out.DeviceVersion = uint16(data[12]) | uint16(data[13])<<8
	out.ManufacturerIndex = data[14]
	out.ProductIndex = data[15]
	out.SerialNumberIndex = data[16]
	out.NumConfigurations = data[17]
	return true
}

// MarshalTo writes the device descriptor to buf.
// Returns the number of bytes written, or 0 if buf is too small.
func (d *DeviceDescriptor) MarshalTo(buf []byte) int {
	if len(buf) < DeviceDescriptorSize {
		return 0
	}
	buf[0] = DeviceDescriptorSize
	buf[1] = DescriptorTypeDevice
	buf[2], buf[3] = byte(d.USBVersion), byte(d.USBVersion>>8)
	buf[4] = d.DeviceClass
	buf[5] = d.DeviceSubClass
	buf[6] = d.DeviceProtocol
	buf[7] = d.MaxPacketSize0
	buf[8], buf[9] = byte(d.VendorID), byte(d.VendorID>>8)
	buf[10], buf[11] = byte(d.ProductID), byte(d.ProductID>>8)
	buf[12], buf[13] = byte(d.DeviceVersion), byte(d.DeviceVersion>>8)
	buf[14] = d.ManufacturerIndex
	buf[15] = d.ProductIndex
	buf[16] = d.SerialNumberIndex
	buf[17] = d.NumConfigurations
	return DeviceDescriptorSize
}

// ConfigurationDescriptor represents a USB configuration descriptor.
type ConfigurationDescriptor struct {
	Length             uint8
	DescriptorType     uint8
	TotalLength        uint16
	NumInterfaces      uint8
	ConfigurationValue uint8
	ConfigurationIndex uint8
	Attributes         uint8
	MaxPower           uint8
}

// ConfigurationDescriptorSize is the size of a configuration descriptor header.
const ConfigurationDescriptorSize = 9

// ParseConfigurationDescriptor parses configuration descriptor from data.
func ParseConfigurationDescriptor(data []byte, out *ConfigurationDescriptor) bool {
	if len(data) < ConfigurationDescriptorSize || data[1] != DescriptorTypeConfiguration {
		return false
	}
	out.Length = data[0]
	out.DescriptorType = data[1]
	out.TotalLength = uint16(data[2]) | uint16(data[3])<<8
	out.NumInterfaces = data[4]
	out.ConfigurationValue = data[5]
	out.ConfigurationIndex = data[6]
	out.Attributes = data[7]
	out.MaxPower = data[8]
	return true
}

// InterfaceDescriptor represents a USB interface descriptor.
type InterfaceDescriptor struct {
	Length            uint8
	DescriptorType    uint8
	InterfaceNumber   uint8
	AlternateSetting  uint8
	NumEndpoints      uint8
	InterfaceClass    uint8
	InterfaceSubClass uint8
	InterfaceProtocol uint8
	InterfaceIndex    uint8
}

// InterfaceDescriptorSize is the size of an interface descriptor.
const InterfaceDescriptorSize = 9

// ParseInterfaceDescriptor parses interface descriptor from data.
func ParseInterfaceDescriptor(data []byte, out *InterfaceDescriptor) bool {
	if len(data) < InterfaceDescriptorSize || data[1] != DescriptorTypeInterface {
		return false
	}
	out.Length = data[0]
	out.DescriptorType = data[1]
	out.InterfaceNumber = data[2]
	out.AlternateSetting = data[3]
	out.NumEndpoints = data[4]
	out.InterfaceClass = data[5]
	out.InterfaceSubClass = data[6]
	out.InterfaceProtocol = data[7]
	out.InterfaceIndex = data[8]
	return true
}

// EndpointDescriptor represents a USB endpoint descriptor.
type EndpointDescriptor struct {
	Length          uint8
	DescriptorType  uint8
	EndpointAddress uint8
	Attributes      uint8
	MaxPacketSize   uint16
	Interval        uint8
}

// EndpointDescriptorSize is the size of an endpoint descriptor.
const EndpointDescriptorSize = 7

// ParseEndpointDescriptor parses endpoint descriptor from data.
func ParseEndpointDescriptor(data []byte, out *EndpointDescriptor) bool {
	if len(data) < EndpointDescriptorSize || data[1] != DescriptorTypeEndpoint {
		return false
	}
	out.Length = data[0]
	out.DescriptorType = data[1]
	out.EndpointAddress = data[2]
	out.Attributes = data[3]
	out.MaxPacketSize = uint16(data[4]) | uint16(data[5])<<8
	out.Interval = data[6]
	return true
}

// Number returns the endpoint number (0-15).
func (e *EndpointDescriptor) Number() uint8 {
	return e.EndpointAddress & 0x0F
}

// IsIn returns true if this is an IN endpoint.
func (e *EndpointDescriptor) IsIn() bool {
	return e.EndpointAddress&EndpointDirectionIn != 0
}

// TransferType returns the transfer type.
func (e *EndpointDescriptor) TransferType() TransferType {
	return TransferType(e.Attributes & 0x03)
}

// IsBulk returns true if this is a bulk endpoint.
func (e *EndpointDescriptor) IsBulk() bool {
	return e.TransferType() == TransferBulk
}

// NextDescriptor splits the first descriptor off data.
// It returns the descriptor, the remainder and an error if the length byte
// is malformed.
func NextDescriptor(data []byte) (desc, rest []byte, err error) {
	if len(data) < 2 {
		return nil, nil, pkg.ErrDescriptorTooShort
	}
	n := int(data[0])
	if n < 2 || n > len(data) {
		return nil, nil, pkg.ErrDescriptorTooShort
	}
	return data[:n], data[n:], nil
}
