package msc

import (
	"encoding/binary"
	"strings"
)

// InquiryData holds the identifying fields of standard INQUIRY data.
type InquiryData struct {
	DeviceType uint8    // Peripheral device type
	Removable  bool     // RMB bit
	Version    uint8    // SCSI version
	VendorID   [8]byte  // Vendor identification (ASCII)
	ProductID  [16]byte // Product identification (ASCII)
	ProductRev [4]byte  // Product revision (ASCII)
}

// ParseInquiry decodes standard INQUIRY data.
// Returns false if data is shorter than InquiryStandardSize.
func ParseInquiry(data []byte, out *InquiryData) bool {
	if len(data) < InquiryStandardSize {
		return false
	}

	out.DeviceType = data[0] & 0x1F
	out.Removable = data[1]&InquiryRMB != 0
	out.Version = data[2]
	copy(out.VendorID[:], data[8:16])
	copy(out.ProductID[:], data[16:32])
	copy(out.ProductRev[:], data[32:36])

	return true
}

// MarshalTo writes standard INQUIRY data to buf.
// Returns the number of bytes written, or 0 if buf is too small.
func (r *InquiryData) MarshalTo(buf []byte) int {
	if len(buf) < InquiryStandardSize {
		return 0
	}

	clear(buf[:InquiryStandardSize])
	buf[0] = r.DeviceType & 0x1F
	if r.Removable {
		buf[1] = InquiryRMB
	}
	buf[2] = r.Version
	buf[3] = 0x02 // Response data format
	buf[4] = InquiryStandardSize - 5
	copy(buf[8:16], r.VendorID[:])
	copy(buf[16:32], r.ProductID[:])
	copy(buf[32:36], r.ProductRev[:])

	return InquiryStandardSize
}

// Vendor returns the vendor identification with padding removed.
func (r *InquiryData) Vendor() string { return trimASCII(r.VendorID[:]) }

// Product returns the product identification with padding removed.
func (r *InquiryData) Product() string { return trimASCII(r.ProductID[:]) }

// Revision returns the product revision with padding removed.
func (r *InquiryData) Revision() string { return trimASCII(r.ProductRev[:]) }

// NewInquiryData builds INQUIRY data with space-padded identity strings.
func NewInquiryData(removable bool, vendor, product, revision string) InquiryData {
	r := InquiryData{Removable: removable, Version: 0x06}
	padCopy(r.VendorID[:], vendor)
	padCopy(r.ProductID[:], product)
	padCopy(r.ProductRev[:], revision)
	return r
}

// ReadCapacity10Data represents READ CAPACITY (10) parameter data.
type ReadCapacity10Data struct {
	LastLBA     uint32 // Last logical block address
	BlockLength uint32 // Block length in bytes
}

// ParseReadCapacity10 decodes READ CAPACITY (10) parameter data.
func ParseReadCapacity10(data []byte, out *ReadCapacity10Data) bool {
	if len(data) < ReadCapacity10Size {
		return false
	}
	out.LastLBA = binary.BigEndian.Uint32(data[0:4])
	out.BlockLength = binary.BigEndian.Uint32(data[4:8])
	return true
}

// MarshalTo writes the parameter data to buf.
// Returns the number of bytes written, or 0 if buf is too small.
func (r *ReadCapacity10Data) MarshalTo(buf []byte) int {
	if len(buf) < ReadCapacity10Size {
		return 0
	}

	binary.BigEndian.PutUint32(buf[0:4], r.LastLBA)
	binary.BigEndian.PutUint32(buf[4:8], r.BlockLength)

	return ReadCapacity10Size
}

// BlockCount returns the number of addressable blocks.
func (r *ReadCapacity10Data) BlockCount() uint64 {
	return uint64(r.LastLBA) + 1
}

// SenseData is fixed-format REQUEST SENSE data.
type SenseData struct {
	ResponseCode uint8 // 0x70 current, 0x71 deferred
	Key          uint8 // Sense key (bits 0-3)
	ASC          uint8 // Additional sense code
	ASCQ         uint8 // Additional sense code qualifier
}

// ParseSense decodes fixed-format sense data.
func ParseSense(data []byte, out *SenseData) bool {
	if len(data) < 14 {
		return false
	}
	out.ResponseCode = data[0] & 0x7F
	out.Key = data[2] & 0x0F
	out.ASC = data[12]
	out.ASCQ = data[13]
	return true
}

// MarshalTo writes fixed-format sense data to buf.
// Returns the number of bytes written, or 0 if buf is too small.
func (r *SenseData) MarshalTo(buf []byte) int {
	if len(buf) < SenseFixedSize {
		return 0
	}

	clear(buf[:SenseFixedSize])
	buf[0] = r.ResponseCode
	buf[2] = r.Key & 0x0F
	buf[7] = SenseFixedSize - 8 // Additional sense length
	buf[12] = r.ASC
	buf[13] = r.ASCQ

	return SenseFixedSize
}

// NewSenseData returns current-error sense data.
func NewSenseData(key, asc, ascq uint8) SenseData {
	return SenseData{ResponseCode: 0x70, Key: key & 0x0F, ASC: asc, ASCQ: ascq}
}

// ModeSense6Header represents the MODE SENSE (6) parameter header.
type ModeSense6Header struct {
	ModeDataLength uint8 // Mode data length (excluding this field)
	MediumType     uint8 // Medium type
	DeviceParam    uint8 // Device-specific parameter
	BlockDescLen   uint8 // Block descriptor length
}

// ParseModeSense6Header decodes the MODE SENSE (6) parameter header.
func ParseModeSense6Header(data []byte, out *ModeSense6Header) bool {
	if len(data) < ModeSense6HeaderSize {
		return false
	}
	out.ModeDataLength = data[0]
	out.MediumType = data[1]
	out.DeviceParam = data[2]
	out.BlockDescLen = data[3]
	return true
}

// MarshalTo writes the header to buf.
// Returns the number of bytes written, or 0 if buf is too small.
func (r *ModeSense6Header) MarshalTo(buf []byte) int {
	if len(buf) < ModeSense6HeaderSize {
		return 0
	}

	buf[0] = r.ModeDataLength
	buf[1] = r.MediumType
	buf[2] = r.DeviceParam
	buf[3] = r.BlockDescLen

	return ModeSense6HeaderSize
}

// WriteProtected reports the WP bit of the device-specific parameter.
func (r *ModeSense6Header) WriteProtected() bool {
	return r.DeviceParam&ModeDeviceParamWP != 0
}

func padCopy(dst []byte, s string) {
	for i := range dst {
		if i < len(s) {
			dst[i] = s[i]
		} else {
			dst[i] = ' '
		}
	}
}

func trimASCII(b []byte) string {
	return strings.TrimRight(string(b), " \x00")
}
