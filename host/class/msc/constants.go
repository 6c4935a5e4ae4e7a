package msc

// USB Mass Storage Class codes.
const (
	ClassMSC = 0x08 // Mass Storage Class
)

// MSC Subclass codes.
const (
	SubclassRBC  = 0x01 // Reduced Block Commands
	SubclassUFI  = 0x04 // USB Floppy Interface
	SubclassSCSI = 0x06 // SCSI Transparent Command Set
)

// MSC Protocol codes.
const (
	ProtocolCBI      = 0x00 // Control/Bulk/Interrupt
	ProtocolBulkOnly = 0x50 // Bulk-Only Transport (BOT)
)

// Bulk-Only Transport request codes.
const (
	RequestBulkOnlyMassStorageReset = 0xFF // Reset the MSC device
	RequestGetMaxLUN                = 0xFE // Get maximum Logical Unit Number
)

// Command Block Wrapper (CBW) constants.
const (
	CBWSignature   = 0x43425355 // "USBC" signature
	CBWSize        = 31         // Fixed CBW size in bytes
	CBWFlagDataOut = 0x00       // Data transfer: host to device
	CBWFlagDataIn  = 0x80       // Data transfer: device to host
)

// Command Status Wrapper (CSW) constants.
const (
	CSWSignature        = 0x53425355 // "USBS" signature
	CSWSize             = 13         // Fixed CSW size in bytes
	CSWStatusGood       = 0x00       // Command passed
	CSWStatusFailed     = 0x01       // Command failed
	CSWStatusPhaseError = 0x02       // Phase error occurred
)

// SCSI operation codes issued by the driver.
const (
	SCSITestUnitReady  = 0x00 // Test if unit is ready
	SCSIRequestSense   = 0x03 // Request sense data
	SCSIInquiry        = 0x12 // Get device information
	SCSIModeSense6     = 0x1A // Get mode parameters (6-byte)
	SCSIReadCapacity10 = 0x25 // Read capacity (10-byte)
	SCSIRead10         = 0x28 // Read blocks (10-byte)
	SCSIWrite10        = 0x2A // Write blocks (10-byte)
)

// CDB lengths for the supported commands.
const (
	CDBLength6  = 6
	CDBLength10 = 10
)

// SCSI sense keys.
const (
	SenseNoSense        = 0x00 // No error
	SenseRecoveredError = 0x01 // Recovered error
	SenseNotReady       = 0x02 // Device not ready
	SenseMediumError    = 0x03 // Medium error
	SenseHardwareError  = 0x04 // Hardware error
	SenseIllegalRequest = 0x05 // Illegal request
	SenseUnitAttention  = 0x06 // Unit attention
	SenseDataProtect    = 0x07 // Data protect
)

// Additional Sense Codes (ASC).
const (
	ASCNoAdditionalInfo     = 0x00 // No additional sense information
	ASCUnrecoveredReadError = 0x11 // Unrecovered read error
	ASCInvalidCommand       = 0x20 // Invalid command operation code
	ASCLBAOutOfRange        = 0x21 // Logical block address out of range
	ASCInvalidFieldInCDB    = 0x24 // Invalid field in CDB
	ASCWriteProtected       = 0x27 // Write protected
	ASCMediumNotPresent     = 0x3A // Medium not present
)

// Response sizes and allocation lengths.
const (
	InquiryStandardSize  = 36 // Standard INQUIRY data length
	ReadCapacity10Size   = 8  // READ CAPACITY (10) parameter data
	SenseFixedSize       = 18 // Fixed-format sense data
	ModeSense6HeaderSize = 4  // MODE SENSE (6) parameter header
	ModeSense6AllocSize  = 64 // Allocation length used for MODE SENSE (6)
)

// Mode page codes.
const (
	ModePageAllPages = 0x3F // All mode pages
)

// ModeDeviceParamWP is the write-protect bit in the MODE SENSE device-specific
// parameter byte.
const ModeDeviceParamWP = 0x80

// INQUIRY flags.
const (
	InquiryRMB = 0x80 // Removable media bit
)

// Driver limits.
const (
	// MaxDevices is the number of device slots in a Driver.
	MaxDevices = 4

	// ScratchSize is the per-device buffer used for diagnostic replies.
	ScratchSize = 64

	// MaxBulkPacketSize caps the negotiated bulk max packet size.
	MaxBulkPacketSize = 512

	// MaxBlocksPerCommand is the largest transfer length a READ(10) or
	// WRITE(10) can express.
	MaxBlocksPerCommand = 0xFFFF
)

// Default retry limits used when Config leaves them zero.
const (
	DefaultRetryLimit     = 8
	DefaultEnumRetryLimit = 3
)
