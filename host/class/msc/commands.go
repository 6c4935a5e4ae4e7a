package msc

import "encoding/binary"

// The builders below fill a CBW for one SCSI command. They leave Tag alone;
// the transaction engine assigns it when the command is submitted.

func (cbw *CommandBlockWrapper) reset(flags uint8, length uint32, cdbLen uint8) {
	cbw.Signature = CBWSignature
	cbw.DataTransferLength = length
	cbw.Flags = flags
	cbw.LUN = 0
	cbw.CBLength = cdbLen
	clear(cbw.CB[:])
}

// TestUnitReady builds a TEST UNIT READY command. It has no data phase.
func TestUnitReady(cbw *CommandBlockWrapper) {
	cbw.reset(CBWFlagDataOut, 0, CDBLength6)
	cbw.CB[0] = SCSITestUnitReady
}

// RequestSense builds a REQUEST SENSE command with the given allocation length.
func RequestSense(cbw *CommandBlockWrapper, alloc uint8) {
	cbw.reset(CBWFlagDataIn, uint32(alloc), CDBLength6)
	cbw.CB[0] = SCSIRequestSense
	cbw.CB[4] = alloc
}

// Inquiry builds a standard INQUIRY command. The allocation length is
// big-endian in CDB bytes 3-4.
func Inquiry(cbw *CommandBlockWrapper, alloc uint16) {
	cbw.reset(CBWFlagDataIn, uint32(alloc), CDBLength6)
	cbw.CB[0] = SCSIInquiry
	binary.BigEndian.PutUint16(cbw.CB[3:5], alloc)
}

// ModeSense6 builds a MODE SENSE (6) command for the current values of page.
func ModeSense6(cbw *CommandBlockWrapper, page uint8, alloc uint8) {
	cbw.reset(CBWFlagDataIn, uint32(alloc), CDBLength6)
	cbw.CB[0] = SCSIModeSense6
	cbw.CB[2] = page & 0x3F
	cbw.CB[4] = alloc
}

// ReadCapacity10 builds a READ CAPACITY (10) command.
func ReadCapacity10(cbw *CommandBlockWrapper) {
	cbw.reset(CBWFlagDataIn, ReadCapacity10Size, CDBLength10)
	cbw.CB[0] = SCSIReadCapacity10
}

// Read10 builds a READ (10) command for blocks blocks starting at lba.
// The declared length is blocks × blockSize.
func Read10(cbw *CommandBlockWrapper, lba uint32, blocks uint16, blockSize uint32) {
	rw10(cbw, SCSIRead10, CBWFlagDataIn, lba, blocks, blockSize)
}

// Write10 builds a WRITE (10) command for blocks blocks starting at lba.
// The declared length is blocks × blockSize.
func Write10(cbw *CommandBlockWrapper, lba uint32, blocks uint16, blockSize uint32) {
	rw10(cbw, SCSIWrite10, CBWFlagDataOut, lba, blocks, blockSize)
}

func rw10(cbw *CommandBlockWrapper, op, flags uint8, lba uint32, blocks uint16, blockSize uint32) {
	cbw.reset(flags, uint32(blocks)*blockSize, CDBLength10)
	cbw.CB[0] = op
	binary.BigEndian.PutUint32(cbw.CB[2:6], lba)
	binary.BigEndian.PutUint16(cbw.CB[7:9], blocks)
}

// CommandLBA returns the LBA and transfer length of a READ (10) or WRITE (10)
// command block.
func CommandLBA(cb []byte) (lba uint32, blocks uint16) {
	if len(cb) < CDBLength10 {
		return 0, 0
	}
	return binary.BigEndian.Uint32(cb[2:6]), binary.BigEndian.Uint16(cb[7:9])
}

// opcodeName is used in log records.
func opcodeName(op uint8) string {
	switch op {
	case SCSITestUnitReady:
		return "TEST_UNIT_READY"
	case SCSIRequestSense:
		return "REQUEST_SENSE"
	case SCSIInquiry:
		return "INQUIRY"
	case SCSIModeSense6:
		return "MODE_SENSE_6"
	case SCSIReadCapacity10:
		return "READ_CAPACITY_10"
	case SCSIRead10:
		return "READ_10"
	case SCSIWrite10:
		return "WRITE_10"
	default:
		return "UNKNOWN"
	}
}
