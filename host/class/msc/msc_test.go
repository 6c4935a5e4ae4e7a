package msc

import (
	"bytes"
	"encoding/binary"
	"errors"
	"math"
	"testing"

	"github.com/ardnew/softusb-msc/host/hal"
	"github.com/ardnew/softusb-msc/pkg"
)

// =============================================================================
// Mock Core for Testing
// =============================================================================

// coreCall records one request issued to the mock core.
type coreCall struct {
	kind  string // "control", "read" or "write"
	setup hal.SetupPacket
	ep    uint8
	data  []byte // copy of OUT data
	buf   []byte // live IN buffer
	cb    hal.Callback
}

// mockCore implements hal.Core and queues every request until the test
// completes it.
type mockCore struct {
	calls []coreCall
}

func (m *mockCore) Control(dev *hal.Device, setup *hal.SetupPacket, data []byte, cb hal.Callback) {
	m.calls = append(m.calls, coreCall{kind: "control", setup: *setup, buf: data, cb: cb})
}

func (m *mockCore) Read(dev *hal.Device, p *hal.Packet) {
	m.calls = append(m.calls, coreCall{kind: "read", ep: p.EndpointAddress, buf: p.Data, cb: p.Callback})
}

func (m *mockCore) Write(dev *hal.Device, p *hal.Packet) {
	m.calls = append(m.calls, coreCall{kind: "write", ep: p.EndpointAddress, data: bytes.Clone(p.Data), cb: p.Callback})
}

func (m *mockCore) pop(t *testing.T, kind string) coreCall {
	t.Helper()
	if len(m.calls) == 0 {
		t.Fatalf("expected %s request, none pending", kind)
	}
	c := m.calls[0]
	m.calls = m.calls[1:]
	if c.kind != kind {
		t.Fatalf("expected %s request, got %s", kind, c.kind)
	}
	return c
}

// serve plays the device side of one BOT command: accept the CBW, move
// reply (IN) or absorb the OUT data, then return a CSW with status.
func (m *mockCore) serve(t *testing.T, dev *hal.Device, reply []byte, status uint8) CommandBlockWrapper {
	t.Helper()

	c := m.pop(t, "write")
	var cbw CommandBlockWrapper
	if !ParseCBW(c.data, &cbw) {
		t.Fatalf("invalid CBW % x", c.data)
	}
	c.cb(dev, hal.Result{Status: hal.StatusOK, Transferred: CBWSize})

	var moved uint32
	if cbw.DataTransferLength > 0 {
		if cbw.IsDataIn() {
			c = m.pop(t, "read")
			n := copy(c.buf, reply)
			moved = uint32(n)
			c.cb(dev, hal.Result{Status: hal.StatusOK, Transferred: n})
		} else {
			c = m.pop(t, "write")
			moved = uint32(len(c.data))
			c.cb(dev, hal.Result{Status: hal.StatusOK, Transferred: len(c.data)})
		}
	}

	m.replyCSW(t, dev, cbw.Tag, cbw.DataTransferLength-moved, status)
	return cbw
}

func (m *mockCore) replyCSW(t *testing.T, dev *hal.Device, tag, residue uint32, status uint8) {
	t.Helper()
	c := m.pop(t, "read")
	csw := CommandStatusWrapper{Signature: CSWSignature, Tag: tag, DataResidue: residue, Status: status}
	n := csw.MarshalTo(c.buf)
	c.cb(dev, hal.Result{Status: hal.StatusOK, Transferred: n})
}

// =============================================================================
// Fixtures
// =============================================================================

var (
	ifaceDesc  = []byte{0x09, hal.DescriptorTypeInterface, 0, 0, 2, ClassMSC, SubclassSCSI, ProtocolBulkOnly, 0}
	bulkInDesc = []byte{0x07, hal.DescriptorTypeEndpoint, 0x81, 0x02, 0x00, 0x02, 0x00}
	bulkOutDes = []byte{0x07, hal.DescriptorTypeEndpoint, 0x02, 0x02, 0x00, 0x02, 0x00}
)

func capacityReply(lastLBA, blockSize uint32) []byte {
	r := ReadCapacity10Data{LastLBA: lastLBA, BlockLength: blockSize}
	buf := make([]byte, ReadCapacity10Size)
	r.MarshalTo(buf)
	return buf
}

func inquiryReply() []byte {
	r := NewInquiryData(true, "softusb", "Test Stick", "1.0")
	buf := make([]byte, InquiryStandardSize)
	r.MarshalTo(buf)
	return buf
}

func modeReply(deviceParam uint8) []byte {
	return []byte{3, 0, deviceParam, 0}
}

func senseReply() []byte {
	s := NewSenseData(SenseNoSense, ASCNoAdditionalInfo, 0)
	buf := make([]byte, SenseFixedSize)
	s.MarshalTo(buf)
	return buf
}

type fixture struct {
	drv  *Driver
	core *mockCore
	dev  *hal.Device
	d    *Device

	connected    []DeviceID
	disconnected []DeviceID
}

// newFixture attaches one device and hands it its descriptors.
func newFixture(t *testing.T, cfg Config) *fixture {
	t.Helper()
	f := &fixture{core: &mockCore{}, dev: &hal.Device{Address: 1, Speed: hal.SpeedHigh}}
	f.drv = New(f.core)
	cfg.NotifyConnected = func(id DeviceID) { f.connected = append(f.connected, id) }
	cfg.NotifyDisconnected = func(id DeviceID) { f.disconnected = append(f.disconnected, id) }
	f.drv.Init(&cfg)

	dd := f.drv.Attach(f.dev)
	if dd == nil {
		t.Fatal("Attach returned nil")
	}
	f.d = dd.(*Device)

	for _, desc := range [][]byte{ifaceDesc, bulkInDesc} {
		if f.d.AnalyzeDescriptor(desc) {
			t.Fatal("AnalyzeDescriptor reported ready before both endpoints")
		}
	}
	if !f.d.AnalyzeDescriptor(bulkOutDes) {
		t.Fatal("AnalyzeDescriptor did not report ready")
	}
	return f
}

// startEnumeration runs the device up to READ CAPACITY.
func (f *fixture) startEnumeration(t *testing.T) {
	t.Helper()
	f.d.Poll(0) // claimed → get max lun
	f.d.Poll(1) // issue GET MAX LUN
	c := f.core.pop(t, "control")
	if c.setup.Request != RequestGetMaxLUN {
		t.Fatalf("first request = 0x%02X, want GET MAX LUN", c.setup.Request)
	}
	c.buf[0] = 0
	c.cb(f.dev, hal.Result{Status: hal.StatusOK, Transferred: 1})
}

// bringUp runs the whole bring-up sequence with successful replies.
func (f *fixture) bringUp(t *testing.T, deviceParam uint8) {
	t.Helper()
	f.startEnumeration(t)
	replies := [][]byte{
		capacityReply(1023, 512),
		nil,
		inquiryReply(),
		modeReply(deviceParam),
		senseReply(),
	}
	for _, reply := range replies {
		f.d.Poll(2)
		f.core.serve(t, f.dev, reply, CSWStatusGood)
	}
	if !f.drv.Idle(0) {
		t.Fatalf("device not idle after bring-up, state %v", f.d.state)
	}
}

// =============================================================================
// Command Builder Tests
// =============================================================================

func TestRead10_CBW(t *testing.T) {
	var cbw CommandBlockWrapper
	Read10(&cbw, 5, 2, 512)

	if cbw.DataTransferLength != 1024 {
		t.Errorf("DataTransferLength = %d, want 1024", cbw.DataTransferLength)
	}
	if !cbw.IsDataIn() {
		t.Error("READ(10) should be data-in")
	}
	if cbw.CBLength != CDBLength10 {
		t.Errorf("CBLength = %d, want 10", cbw.CBLength)
	}
	if lba := binary.BigEndian.Uint32(cbw.CB[2:6]); lba != 5 {
		t.Errorf("CDB LBA = %d, want 5", lba)
	}
	if n := binary.BigEndian.Uint16(cbw.CB[7:9]); n != 2 {
		t.Errorf("CDB transfer length = %d, want 2", n)
	}

	buf := make([]byte, CBWSize)
	if n := cbw.MarshalTo(buf); n != CBWSize {
		t.Fatalf("MarshalTo returned %d", n)
	}
	if !bytes.Equal(buf[0:4], []byte("USBC")) {
		t.Errorf("signature bytes = % x, want \"USBC\"", buf[0:4])
	}
	if got := binary.LittleEndian.Uint32(buf[8:12]); got != 1024 {
		t.Errorf("wire dCBWDataTransferLength = %d, want 1024", got)
	}
}

func TestBuilders(t *testing.T) {
	tests := []struct {
		name   string
		build  func(*CommandBlockWrapper)
		opcode uint8
		length uint32
		in     bool
		check  func(t *testing.T, cb []byte)
	}{
		{"test unit ready", TestUnitReady, SCSITestUnitReady, 0, false, nil},
		{"request sense", func(c *CommandBlockWrapper) { RequestSense(c, 18) }, SCSIRequestSense, 18, true,
			func(t *testing.T, cb []byte) {
				if cb[4] != 18 {
					t.Errorf("alloc = %d, want 18", cb[4])
				}
			}},
		{"inquiry", func(c *CommandBlockWrapper) { Inquiry(c, 36) }, SCSIInquiry, 36, true,
			func(t *testing.T, cb []byte) {
				if cb[3] != 0 || cb[4] != 36 {
					t.Errorf("alloc bytes = %02x %02x, want 00 24", cb[3], cb[4])
				}
			}},
		{"mode sense 6", func(c *CommandBlockWrapper) { ModeSense6(c, ModePageAllPages, 64) }, SCSIModeSense6, 64, true,
			func(t *testing.T, cb []byte) {
				if cb[2] != ModePageAllPages || cb[4] != 64 {
					t.Errorf("page/alloc = %02x/%d", cb[2], cb[4])
				}
			}},
		{"read capacity 10", ReadCapacity10, SCSIReadCapacity10, 8, true, nil},
		{"write 10", func(c *CommandBlockWrapper) { Write10(c, 0x01020304, 3, 4096) }, SCSIWrite10, 3 * 4096, false,
			func(t *testing.T, cb []byte) {
				lba, n := CommandLBA(cb)
				if lba != 0x01020304 || n != 3 {
					t.Errorf("CommandLBA = %#x/%d", lba, n)
				}
			}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cbw := CommandBlockWrapper{CB: [16]byte{0xFF, 0xFF, 0xFF, 0xFF, 0xFF, 0xFF, 0xFF, 0xFF, 0xFF, 0xFF, 0xFF, 0xFF, 0xFF, 0xFF, 0xFF, 0xFF}}
			tt.build(&cbw)

			if cbw.Signature != CBWSignature {
				t.Errorf("Signature = %#x", cbw.Signature)
			}
			if cbw.Opcode() != tt.opcode {
				t.Errorf("opcode = %#x, want %#x", cbw.Opcode(), tt.opcode)
			}
			if cbw.DataTransferLength != tt.length {
				t.Errorf("length = %d, want %d", cbw.DataTransferLength, tt.length)
			}
			if cbw.IsDataIn() != tt.in {
				t.Errorf("IsDataIn = %v, want %v", cbw.IsDataIn(), tt.in)
			}
			if cbw.CB[15] != 0 {
				t.Error("CDB not cleared")
			}
			if tt.check != nil {
				tt.check(t, cbw.CB[:])
			}
		})
	}
}

// =============================================================================
// Wire Format Tests
// =============================================================================

func TestCommandStatusWrapper_Valid(t *testing.T) {
	tests := []struct {
		name string
		csw  CommandStatusWrapper
		want bool
	}{
		{"good", CommandStatusWrapper{Signature: CSWSignature, Tag: 7, Status: CSWStatusGood}, true},
		{"failed", CommandStatusWrapper{Signature: CSWSignature, Tag: 7, Status: CSWStatusFailed}, true},
		{"phase error", CommandStatusWrapper{Signature: CSWSignature, Tag: 7, Status: CSWStatusPhaseError}, true},
		{"bad signature", CommandStatusWrapper{Signature: CBWSignature, Tag: 7}, false},
		{"tag mismatch", CommandStatusWrapper{Signature: CSWSignature, Tag: 8}, false},
		{"reserved status", CommandStatusWrapper{Signature: CSWSignature, Tag: 7, Status: 3}, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := tt.csw.Valid(7); got != tt.want {
				t.Errorf("Valid() = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestParseCSW_Short(t *testing.T) {
	var csw CommandStatusWrapper
	if ParseCSW(make([]byte, CSWSize-1), &csw) {
		t.Error("ParseCSW accepted short data")
	}
}

func TestInquiryData_Strings(t *testing.T) {
	buf := inquiryReply()
	var inq InquiryData
	if !ParseInquiry(buf, &inq) {
		t.Fatal("ParseInquiry failed")
	}
	if inq.Vendor() != "softusb" || inq.Product() != "Test Stick" || inq.Revision() != "1.0" {
		t.Errorf("identity = %q %q %q", inq.Vendor(), inq.Product(), inq.Revision())
	}
	if !inq.Removable {
		t.Error("Removable = false")
	}
}

func TestReadCapacity10Data_BlockCount(t *testing.T) {
	var r ReadCapacity10Data
	if !ParseReadCapacity10(capacityReply(math.MaxUint32, 512), &r) {
		t.Fatal("parse failed")
	}
	if r.BlockCount() != 1<<32 {
		t.Errorf("BlockCount() = %d, want %d", r.BlockCount(), uint64(1)<<32)
	}
}

// =============================================================================
// Slot Manager Tests
// =============================================================================

func TestDriver_QueriesOutOfRange(t *testing.T) {
	drv := New(&mockCore{})
	drv.Init(&Config{})

	for _, id := range []DeviceID{-1, MaxDevices, 7} {
		if drv.Present(id) {
			t.Errorf("Present(%d) = true", id)
		}
		if drv.Idle(id) {
			t.Errorf("Idle(%d) = true", id)
		}
		if _, err := drv.DeviceInfo(id); !errors.Is(err, ErrInvalidDevice) {
			t.Errorf("DeviceInfo(%d) err = %v, want ErrInvalidDevice", id, err)
		}
		if err := drv.Read10(id, make([]byte, 512), 1, 0, nil); !errors.Is(err, ErrInvalidDevice) {
			t.Errorf("Read10(%d) err = %v, want ErrInvalidDevice", id, err)
		}
	}
}

func TestDriver_Initialized(t *testing.T) {
	drv := New(&mockCore{})
	if drv.Initialized() {
		t.Error("Initialized() = true before Init")
	}

	drv.Init(nil)
	if drv.Initialized() {
		t.Error("Init(nil) should be ignored")
	}
	if drv.Attach(&hal.Device{Address: 1}) != nil {
		t.Error("Attach before Init should return nil")
	}

	drv.Init(&Config{})
	if !drv.Initialized() {
		t.Error("Initialized() = false after Init")
	}
	if drv.cfg.RetryLimit != DefaultRetryLimit || drv.cfg.EnumRetryLimit != DefaultEnumRetryLimit {
		t.Errorf("limits = %d/%d, want defaults", drv.cfg.RetryLimit, drv.cfg.EnumRetryLimit)
	}
}

func TestDriver_AttachExhaustion(t *testing.T) {
	drv := New(&mockCore{})
	drv.Init(&Config{})

	for i := 0; i < MaxDevices; i++ {
		dd := drv.Attach(&hal.Device{Address: uint8(i + 1)})
		if dd == nil {
			t.Fatalf("Attach %d returned nil", i)
		}
		if got := dd.(*Device).ID(); got != DeviceID(i) {
			t.Errorf("slot = %d, want %d", got, i)
		}
		if !drv.Present(DeviceID(i)) {
			t.Errorf("Present(%d) = false after attach", i)
		}
		if drv.Idle(DeviceID(i)) {
			t.Errorf("Idle(%d) = true before enumeration", i)
		}
	}

	if dd := drv.Attach(&hal.Device{Address: 9}); dd != nil {
		t.Error("Attach with full pool should return nil")
	}

	// Freed slots are reused.
	drv.devices[2].Remove()
	dd := drv.Attach(&hal.Device{Address: 10})
	if dd == nil || dd.(*Device).ID() != 2 {
		t.Errorf("Attach after remove = %v, want slot 2", dd)
	}
	if len(drv.Devices()) != MaxDevices {
		t.Errorf("Devices() = %v", drv.Devices())
	}
}

func TestDevice_NextTagSkipsZero(t *testing.T) {
	d := &Device{tag: math.MaxUint32 - 1}
	if got := d.nextTag(); got != math.MaxUint32 {
		t.Errorf("nextTag() = %d", got)
	}
	if got := d.nextTag(); got != 1 {
		t.Errorf("nextTag() after wrap = %d, want 1", got)
	}
}

// =============================================================================
// Enumeration Tests
// =============================================================================

func TestEnumeration_Order(t *testing.T) {
	f := newFixture(t, Config{})
	f.startEnumeration(t)

	if len(f.connected) != 1 || f.connected[0] != 0 {
		t.Errorf("connected notifications = %v", f.connected)
	}

	want := []uint8{SCSIReadCapacity10, SCSITestUnitReady, SCSIInquiry, SCSIModeSense6, SCSIRequestSense}
	replies := [][]byte{capacityReply(1023, 512), nil, inquiryReply(), modeReply(0), senseReply()}

	for i, op := range want {
		if f.drv.Idle(0) {
			t.Fatalf("Idle before %s completed", opcodeName(op))
		}
		f.d.Poll(uint32(10 + i))
		// Polling while the transaction is in flight must not issue anything.
		f.d.Poll(uint32(20 + i))
		if len(f.core.calls) != 1 {
			t.Fatalf("%d requests in flight, want 1", len(f.core.calls))
		}
		cbw := f.core.serve(t, f.dev, replies[i], CSWStatusGood)
		if cbw.Opcode() != op {
			t.Fatalf("step %d opcode = %s, want %s", i, opcodeName(cbw.Opcode()), opcodeName(op))
		}
	}

	if !f.drv.Idle(0) {
		t.Fatalf("not idle after REQUEST SENSE, state %v", f.d.state)
	}

	info, err := f.drv.DeviceInfo(0)
	if err != nil {
		t.Fatalf("DeviceInfo: %v", err)
	}
	if info.BlockCount != 1024 || info.BlockSize != 512 || info.LastLBA != 1023 {
		t.Errorf("capacity = %d×%d (last %d)", info.BlockCount, info.BlockSize, info.LastLBA)
	}
	if info.Capacity() != 1024*512 {
		t.Errorf("Capacity() = %d", info.Capacity())
	}
	if info.Inquiry.Vendor() != "softusb" {
		t.Errorf("vendor = %q", info.Inquiry.Vendor())
	}
	if info.Session.String() == "00000000-0000-0000-0000-000000000000" {
		t.Error("session id not assigned")
	}

	// Further polls do nothing.
	f.d.Poll(100)
	if len(f.core.calls) != 0 {
		t.Errorf("idle poll issued %d requests", len(f.core.calls))
	}
}

func TestEnumeration_GetMaxLUN(t *testing.T) {
	tests := []struct {
		name   string
		status hal.Status
		want   State
	}{
		{"ok", hal.StatusOK, StateReadCapacityRequest},
		{"stall means single lun", hal.StatusEAGAIN, StateReadCapacityRequest},
		{"fatal", hal.StatusEFATAL, StateFailed},
		{"babble", hal.StatusERRSIZ, StateFailed},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newFixture(t, Config{})
			f.d.Poll(0)
			f.d.Poll(1)
			c := f.core.pop(t, "control")
			if c.setup.RequestType != 0xA1 || c.setup.Length != 1 || c.setup.Index != 0 {
				t.Errorf("setup = %+v", c.setup)
			}
			if len(f.connected) != 0 {
				t.Fatal("connect notified before GET MAX LUN completed")
			}
			c.buf[0] = 2
			c.cb(f.dev, hal.Result{Status: tt.status, Transferred: 1})

			if f.d.state != tt.want {
				t.Errorf("state = %v, want %v", f.d.state, tt.want)
			}
			wantConnected := 0
			if tt.want == StateReadCapacityRequest {
				wantConnected = 1
			}
			if len(f.connected) != wantConnected {
				t.Errorf("connected notifications = %v, want %d", f.connected, wantConnected)
			}
			f.d.Remove()
			if len(f.disconnected) != wantConnected {
				t.Errorf("disconnected notifications = %v, want %d", f.disconnected, wantConnected)
			}
			if tt.status == hal.StatusOK && f.d.maxLUN != 2 {
				t.Errorf("maxLUN = %d, want 2", f.d.maxLUN)
			}
			if tt.status == hal.StatusEAGAIN && f.d.maxLUN != 0 {
				t.Errorf("maxLUN = %d, want 0", f.d.maxLUN)
			}
		})
	}
}

func TestEnumeration_GatingFailure(t *testing.T) {
	f := newFixture(t, Config{EnumRetryLimit: 2})
	f.startEnumeration(t)

	for i := 0; i < 2; i++ {
		f.d.Poll(5)
		cbw := f.core.serve(t, f.dev, nil, CSWStatusFailed)
		if cbw.Opcode() != SCSIReadCapacity10 {
			t.Fatalf("attempt %d opcode = %s", i, opcodeName(cbw.Opcode()))
		}
	}

	if f.d.state != StateFailed {
		t.Fatalf("state = %v, want failed", f.d.state)
	}
	if !f.drv.Present(0) || f.drv.Idle(0) {
		t.Error("failed device should be present and not idle")
	}
	if err := f.drv.Read10(0, make([]byte, 512), 1, 0, nil); !errors.Is(err, ErrNotReady) {
		t.Errorf("Read10 err = %v, want ErrNotReady", err)
	}

	f.d.Poll(6)
	if len(f.core.calls) != 0 {
		t.Error("failed device issued requests")
	}
}

func TestEnumeration_TestUnitReadyRetry(t *testing.T) {
	f := newFixture(t, Config{})
	f.startEnumeration(t)

	f.d.Poll(1)
	f.core.serve(t, f.dev, capacityReply(99, 512), CSWStatusGood)

	// Not ready once, then ready.
	f.d.Poll(2)
	f.core.serve(t, f.dev, nil, CSWStatusFailed)
	if f.d.state != StateTestUnitReadyRequest {
		t.Fatalf("state = %v, want test-unit-ready-request", f.d.state)
	}
	f.d.Poll(3)
	if cbw := f.core.serve(t, f.dev, nil, CSWStatusGood); cbw.Opcode() != SCSITestUnitReady {
		t.Fatalf("retry opcode = %s", opcodeName(cbw.Opcode()))
	}
	if f.d.state != StateInquiryRequest {
		t.Errorf("state = %v, want inquiry-request", f.d.state)
	}
}

func TestEnumeration_DiagnosticFailuresAreSkipped(t *testing.T) {
	f := newFixture(t, Config{})
	f.startEnumeration(t)

	f.d.Poll(1)
	f.core.serve(t, f.dev, capacityReply(99, 512), CSWStatusGood)
	f.d.Poll(2)
	f.core.serve(t, f.dev, nil, CSWStatusGood)

	for i := 0; i < 3; i++ {
		f.d.Poll(3)
		f.core.serve(t, f.dev, nil, CSWStatusFailed)
	}

	if !f.drv.Idle(0) {
		t.Fatalf("state = %v, want idle", f.d.state)
	}
}

func TestEnumeration_InvalidCapacity(t *testing.T) {
	f := newFixture(t, Config{EnumRetryLimit: 1})
	f.startEnumeration(t)

	f.d.Poll(1)
	f.core.serve(t, f.dev, capacityReply(99, 0), CSWStatusGood)

	if f.d.state != StateFailed {
		t.Errorf("state = %v, want failed", f.d.state)
	}
}

// =============================================================================
// Transaction Engine Tests
// =============================================================================

func TestRead10_Scenario(t *testing.T) {
	f := newFixture(t, Config{})
	f.bringUp(t, 0)

	buf := make([]byte, 512)
	calls := 0
	var got Result
	err := f.drv.Read10(0, buf, 1, 100, func(r Result) {
		calls++
		got = r
		if !f.drv.Idle(0) {
			t.Error("device not idle when callback runs")
		}
	})
	if err != nil {
		t.Fatalf("Read10: %v", err)
	}
	if f.drv.Idle(0) {
		t.Error("Idle() = true with command in flight")
	}

	c := f.core.pop(t, "write")
	var cbw CommandBlockWrapper
	ParseCBW(c.data, &cbw)
	if lba, n := CommandLBA(cbw.CB[:]); lba != 100 || n != 1 {
		t.Errorf("CDB lba/blocks = %d/%d", lba, n)
	}
	c.cb(f.dev, hal.Result{Status: hal.StatusOK, Transferred: CBWSize})

	c = f.core.pop(t, "read")
	if c.ep != 0x81 || len(c.buf) != 512 {
		t.Errorf("data phase ep %#x len %d", c.ep, len(c.buf))
	}
	for i := range c.buf {
		c.buf[i] = byte(i)
	}
	c.cb(f.dev, hal.Result{Status: hal.StatusOK, Transferred: 512})

	if calls != 0 {
		t.Fatal("callback before CSW")
	}
	f.core.replyCSW(t, f.dev, cbw.Tag, 0, CSWStatusGood)

	if calls != 1 {
		t.Fatalf("callback ran %d times, want 1", calls)
	}
	if got.Err != nil || got.Residue != 0 {
		t.Errorf("result = %+v", got)
	}
	if buf[511] != byte(511&0xFF) {
		t.Error("data not delivered into caller buffer")
	}
}

func TestWrite10_Scenario(t *testing.T) {
	f := newFixture(t, Config{})
	f.bringUp(t, 0)

	buf := bytes.Repeat([]byte{0xA5}, 1024)
	var got *Result
	if err := f.drv.Write10(0, buf, 2, 7, func(r Result) { got = &r }); err != nil {
		t.Fatalf("Write10: %v", err)
	}

	c := f.core.pop(t, "write")
	c.cb(f.dev, hal.Result{Status: hal.StatusOK, Transferred: CBWSize})
	c = f.core.pop(t, "write")
	if c.ep != 0x02 || !bytes.Equal(c.data, buf) {
		t.Errorf("data phase ep %#x len %d", c.ep, len(c.data))
	}
	c.cb(f.dev, hal.Result{Status: hal.StatusOK, Transferred: len(c.data)})
	f.core.replyCSW(t, f.dev, f.d.tx.cbw.Tag, 0, CSWStatusGood)

	if got == nil || got.Err != nil {
		t.Fatalf("result = %v", got)
	}
}

func TestRead10_Busy(t *testing.T) {
	f := newFixture(t, Config{})
	f.bringUp(t, 0)

	buf := make([]byte, 512)
	if err := f.drv.Read10(0, buf, 1, 0, nil); err != nil {
		t.Fatalf("first Read10: %v", err)
	}

	for i := 0; i < 5; i++ {
		if err := f.drv.Read10(0, buf, 1, 1, nil); !errors.Is(err, pkg.ErrBusy) {
			t.Errorf("Read10 while busy err = %v, want ErrBusy", err)
		}
		if err := f.drv.Write10(0, buf, 1, 1, nil); !errors.Is(err, pkg.ErrBusy) {
			t.Errorf("Write10 while busy err = %v, want ErrBusy", err)
		}
	}
	if len(f.core.calls) != 1 {
		t.Errorf("%d requests in flight, want 1", len(f.core.calls))
	}
}

func TestRead10_Validation(t *testing.T) {
	f := newFixture(t, Config{})
	f.bringUp(t, 0)

	tests := []struct {
		name   string
		id     DeviceID
		buf    []byte
		blocks uint32
		lba    uint32
		want   error
	}{
		{"absent slot", 1, make([]byte, 512), 1, 0, pkg.ErrNoDevice},
		{"zero blocks", 0, make([]byte, 512), 0, 0, pkg.ErrInvalidParameter},
		{"too many blocks", 0, make([]byte, 512), 65536, 0, pkg.ErrInvalidParameter},
		{"short buffer", 0, make([]byte, 511), 1, 0, pkg.ErrBufferTooSmall},
		{"past end", 0, make([]byte, 1024), 2, 1023, ErrLBAOutOfRange},
		{"last block", 0, make([]byte, 512), 1, 1023, nil},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := f.drv.Read10(tt.id, tt.buf, tt.blocks, tt.lba, nil)
			if !errors.Is(err, tt.want) {
				t.Errorf("Read10 err = %v, want %v", err, tt.want)
			}
			if err == nil {
				f.core.calls = nil
				f.d.tx.state = txIdle
				f.d.state = StateIdle
			}
		})
	}
}

func TestWrite10_WriteProtected(t *testing.T) {
	f := newFixture(t, Config{})
	f.bringUp(t, ModeDeviceParamWP)

	info, _ := f.drv.DeviceInfo(0)
	if !info.WriteProtected {
		t.Fatal("WriteProtected = false")
	}
	if err := f.drv.Write10(0, make([]byte, 512), 1, 0, nil); !errors.Is(err, ErrWriteProtected) {
		t.Errorf("Write10 err = %v, want ErrWriteProtected", err)
	}
	if err := f.drv.Read10(0, make([]byte, 512), 1, 0, nil); err != nil {
		t.Errorf("Read10 on protected medium: %v", err)
	}
}

func TestTransaction_StallResendsIdenticalCBW(t *testing.T) {
	f := newFixture(t, Config{})
	f.bringUp(t, 0)

	if err := f.drv.Read10(0, make([]byte, 512), 1, 3, nil); err != nil {
		t.Fatalf("Read10: %v", err)
	}

	first := f.core.pop(t, "write")
	f.d.out.toggle = 1
	first.cb(f.dev, hal.Result{Status: hal.StatusEAGAIN})

	if f.d.state != StateRead10Complete {
		t.Errorf("outer state advanced to %v", f.d.state)
	}

	c := f.core.pop(t, "control")
	if c.setup.Request != hal.RequestClearFeature || c.setup.Value != hal.FeatureEndpointHalt || c.setup.Index != 0x02 {
		t.Fatalf("recovery setup = %+v", c.setup)
	}
	c.cb(f.dev, hal.Result{Status: hal.StatusOK})

	if f.d.out.toggle != 0 {
		t.Errorf("OUT toggle = %d after clear halt, want 0", f.d.out.toggle)
	}

	resent := f.core.pop(t, "write")
	if !bytes.Equal(first.data, resent.data) {
		t.Errorf("resent CBW differs:\n% x\n% x", first.data, resent.data)
	}
}

func TestTransaction_DataStallOnIn(t *testing.T) {
	f := newFixture(t, Config{})
	f.bringUp(t, 0)

	buf := bytes.Repeat([]byte{0x5A}, 512)
	var got *Result
	f.drv.Read10(0, buf, 1, 0, func(r Result) { got = &r })

	c := f.core.pop(t, "write")
	c.cb(f.dev, hal.Result{Status: hal.StatusOK, Transferred: CBWSize})
	c = f.core.pop(t, "read")
	f.d.in.toggle = 1
	c.cb(f.dev, hal.Result{Status: hal.StatusEAGAIN})

	c = f.core.pop(t, "control")
	if c.setup.Index != 0x81 {
		t.Fatalf("cleared endpoint %#x, want 0x81", c.setup.Index)
	}
	c.cb(f.dev, hal.Result{Status: hal.StatusOK})
	if f.d.in.toggle != 0 {
		t.Error("IN toggle not reset")
	}

	// The device ended the data phase, so the next IN is the CSW.
	if len(f.core.calls) != 1 || f.core.calls[0].kind != "read" {
		t.Fatalf("pending requests after clear = %d", len(f.core.calls))
	}
	if n := len(f.core.calls[0].buf); n != CSWSize {
		t.Fatalf("read after clear is %d bytes, want a %d-byte CSW", n, CSWSize)
	}
	f.core.replyCSW(t, f.dev, f.d.tx.cbw.Tag, 512, CSWStatusFailed)

	if got == nil {
		t.Fatal("no completion")
	}
	if !errors.Is(got.Err, ErrCommandFailed) {
		t.Errorf("err = %v, want ErrCommandFailed", got.Err)
	}
	if got.Residue != 512 {
		t.Errorf("residue = %d, want 512", got.Residue)
	}
	if !bytes.Equal(buf, bytes.Repeat([]byte{0x5A}, 512)) {
		t.Error("caller buffer modified by a stalled data phase")
	}
	if !f.drv.Idle(0) {
		t.Error("device not idle")
	}
}

func TestTransaction_DataStallOnOutResends(t *testing.T) {
	f := newFixture(t, Config{})
	f.bringUp(t, 0)

	buf := bytes.Repeat([]byte{0xC3}, 1024)
	var got *Result
	if err := f.drv.Write10(0, buf, 2, 3, func(r Result) { got = &r }); err != nil {
		t.Fatalf("Write10: %v", err)
	}

	f.core.pop(t, "write").cb(f.dev, hal.Result{Status: hal.StatusOK, Transferred: CBWSize})
	first := f.core.pop(t, "write")
	f.d.out.toggle = 1
	first.cb(f.dev, hal.Result{Status: hal.StatusEAGAIN})

	c := f.core.pop(t, "control")
	if c.setup.Index != 0x02 {
		t.Fatalf("cleared endpoint %#x, want 0x02", c.setup.Index)
	}
	c.cb(f.dev, hal.Result{Status: hal.StatusOK})
	if f.d.out.toggle != 0 {
		t.Error("OUT toggle not reset")
	}

	second := f.core.pop(t, "write")
	if second.ep != 0x02 || !bytes.Equal(second.data, first.data) {
		t.Fatalf("data phase resent as ep %#x len %d", second.ep, len(second.data))
	}
	second.cb(f.dev, hal.Result{Status: hal.StatusOK, Transferred: len(second.data)})
	f.core.replyCSW(t, f.dev, f.d.tx.cbw.Tag, 0, CSWStatusGood)

	if got == nil || got.Err != nil || got.Residue != 0 {
		t.Fatalf("result = %v", got)
	}
}

// recoverySequence checks the three control requests of BOT reset recovery.
func recoverySequence(t *testing.T, f *fixture) {
	t.Helper()
	want := []struct {
		request uint8
		index   uint16
	}{
		{RequestBulkOnlyMassStorageReset, 0},
		{hal.RequestClearFeature, 0x81},
		{hal.RequestClearFeature, 0x02},
	}
	for _, w := range want {
		c := f.core.pop(t, "control")
		if c.setup.Request != w.request || c.setup.Index != w.index {
			t.Fatalf("recovery request = %#x/%#x, want %#x/%#x", c.setup.Request, c.setup.Index, w.request, w.index)
		}
		c.cb(f.dev, hal.Result{Status: hal.StatusOK})
	}
}

func TestTransaction_RetryLimit(t *testing.T) {
	f := newFixture(t, Config{RetryLimit: 2})
	f.bringUp(t, 0)

	var results []Result
	f.drv.Read10(0, make([]byte, 512), 1, 0, func(r Result) { results = append(results, r) })

	for i := 0; i < 2; i++ {
		f.core.pop(t, "write").cb(f.dev, hal.Result{Status: hal.StatusEAGAIN})
		f.core.pop(t, "control").cb(f.dev, hal.Result{Status: hal.StatusOK})
	}
	f.core.pop(t, "write").cb(f.dev, hal.Result{Status: hal.StatusEAGAIN})
	recoverySequence(t, f)

	if len(results) != 1 {
		t.Fatalf("callback ran %d times", len(results))
	}
	if !errors.Is(results[0].Err, ErrRetryLimit) {
		t.Errorf("err = %v, want ErrRetryLimit", results[0].Err)
	}
	if results[0].Residue != 512 {
		t.Errorf("residue = %d, want 512", results[0].Residue)
	}
	if !f.drv.Idle(0) {
		t.Error("device not idle after failed command")
	}
}

func TestTransaction_FatalCompletes(t *testing.T) {
	for _, status := range []hal.Status{hal.StatusEFATAL, hal.StatusERRSIZ} {
		t.Run(status.String(), func(t *testing.T) {
			f := newFixture(t, Config{})
			f.bringUp(t, 0)

			var got *Result
			f.drv.Read10(0, make([]byte, 1024), 2, 0, func(r Result) { got = &r })
			f.core.pop(t, "write").cb(f.dev, hal.Result{Status: hal.StatusOK, Transferred: CBWSize})
			f.core.pop(t, "read").cb(f.dev, hal.Result{Status: status})

			if got == nil {
				t.Fatal("no completion after fatal transfer")
			}
			if !errors.Is(got.Err, ErrTransport) {
				t.Errorf("err = %v, want ErrTransport", got.Err)
			}
			var te *TransportError
			if !errors.As(got.Err, &te) || te.Status != status {
				t.Errorf("transport error = %v", got.Err)
			}
			if got.Residue != 1024 {
				t.Errorf("residue = %d", got.Residue)
			}
			if !f.drv.Idle(0) {
				t.Error("device not idle")
			}
		})
	}
}

func TestTransaction_CSWStatus(t *testing.T) {
	tests := []struct {
		name     string
		status   uint8
		tagDelta uint32
		want     error
		recovery bool
	}{
		{"failed", CSWStatusFailed, 0, ErrCommandFailed, false},
		{"phase error", CSWStatusPhaseError, 0, ErrPhaseError, true},
		{"tag mismatch", CSWStatusGood, 1, ErrInvalidCSW, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newFixture(t, Config{})
			f.bringUp(t, 0)

			var got *Result
			f.drv.Read10(0, make([]byte, 512), 1, 0, func(r Result) { got = &r })
			f.core.pop(t, "write").cb(f.dev, hal.Result{Status: hal.StatusOK, Transferred: CBWSize})
			f.core.pop(t, "read").cb(f.dev, hal.Result{Status: hal.StatusOK, Transferred: 512})
			f.core.replyCSW(t, f.dev, f.d.tx.cbw.Tag+tt.tagDelta, 512, tt.status)

			if tt.recovery {
				if got != nil {
					t.Fatal("completed before reset recovery")
				}
				recoverySequence(t, f)
			}
			if got == nil {
				t.Fatal("no completion")
			}
			if !errors.Is(got.Err, tt.want) {
				t.Errorf("err = %v, want %v", got.Err, tt.want)
			}
			if len(f.core.calls) != 0 {
				t.Errorf("%d requests left over", len(f.core.calls))
			}
		})
	}
}

func TestTransaction_ShortCSW(t *testing.T) {
	f := newFixture(t, Config{})
	f.bringUp(t, 0)

	var got *Result
	f.drv.Read10(0, make([]byte, 512), 1, 0, func(r Result) { got = &r })
	f.core.pop(t, "write").cb(f.dev, hal.Result{Status: hal.StatusOK, Transferred: CBWSize})
	f.core.pop(t, "read").cb(f.dev, hal.Result{Status: hal.StatusOK, Transferred: 512})
	f.core.pop(t, "read").cb(f.dev, hal.Result{Status: hal.StatusOK, Transferred: 4})
	recoverySequence(t, f)

	if got == nil || !errors.Is(got.Err, ErrInvalidCSW) {
		t.Errorf("result = %v, want ErrInvalidCSW", got)
	}
}

// =============================================================================
// Detach Tests
// =============================================================================

func TestRemove_CompletesPendingCommand(t *testing.T) {
	f := newFixture(t, Config{})
	f.bringUp(t, 0)

	var results []Result
	f.drv.Read10(0, make([]byte, 512), 1, 0, func(r Result) { results = append(results, r) })
	stale := f.core.pop(t, "write")

	f.d.Remove()

	if len(results) != 1 || !errors.Is(results[0].Err, pkg.ErrNoDevice) {
		t.Fatalf("results = %+v", results)
	}
	if f.drv.Present(0) || f.drv.Idle(0) {
		t.Error("removed device still present")
	}
	if len(f.disconnected) != 1 || f.disconnected[0] != 0 {
		t.Errorf("disconnect notifications = %v", f.disconnected)
	}

	// A completion arriving after removal is dropped.
	stale.cb(f.dev, hal.Result{Status: hal.StatusOK, Transferred: CBWSize})
	if len(results) != 1 || len(f.core.calls) != 0 {
		t.Error("stale completion was processed")
	}

	// A second Remove is a no-op.
	f.d.Remove()
	if len(f.disconnected) != 1 {
		t.Error("second Remove notified again")
	}
}

func TestRemove_BeforeEnumeration(t *testing.T) {
	f := newFixture(t, Config{})
	f.d.Remove()

	if len(f.disconnected) != 0 {
		t.Error("disconnect notified for a device that never connected")
	}
	if f.drv.State(0) != StateInactive {
		t.Errorf("state = %v", f.drv.State(0))
	}
}

// =============================================================================
// State Tests
// =============================================================================

func TestState_String(t *testing.T) {
	for s := StateInactive; s <= StateFailed; s++ {
		if s.String() == "unknown" {
			t.Errorf("State(%d) has no name", s)
		}
	}
	if State(200).String() != "unknown" {
		t.Error("out of range state should be unknown")
	}
}

// =============================================================================
// Benchmarks
// =============================================================================

func BenchmarkRead10(b *testing.B) {
	core := &mockCore{}
	dev := &hal.Device{Address: 1}
	drv := New(core)
	drv.Init(&Config{})
	d := drv.Attach(dev).(*Device)
	d.AnalyzeDescriptor(bulkInDesc)
	d.AnalyzeDescriptor(bulkOutDes)
	d.state = StateIdle
	d.capacity = ReadCapacity10Data{LastLBA: 1023, BlockLength: 512}
	d.capKnown = true

	buf := make([]byte, 512)
	csw := CommandStatusWrapper{Signature: CSWSignature, Status: CSWStatusGood}

	b.ReportAllocs()
	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		core.calls = core.calls[:0]
		drv.Read10(0, buf, 1, 0, nil)
		core.calls[0].cb(dev, hal.Result{Status: hal.StatusOK, Transferred: CBWSize})
		core.calls[1].cb(dev, hal.Result{Status: hal.StatusOK, Transferred: 512})
		csw.Tag = d.tx.cbw.Tag
		csw.MarshalTo(core.calls[2].buf)
		core.calls[2].cb(dev, hal.Result{Status: hal.StatusOK, Transferred: CSWSize})
	}
}
