package sim

import (
	"context"
	"encoding/binary"
	"sync"

	"github.com/ardnew/softusb-msc/host/class/msc"
	"github.com/ardnew/softusb-msc/host/hal"
	"github.com/ardnew/softusb-msc/pkg"
)

// Endpoint addresses of the simulated stick.
const (
	EndpointIn  = 0x81
	EndpointOut = 0x02
)

// Config describes the simulated stick.
type Config struct {
	BlockCount     uint64 // Medium size in blocks (ignored with NewWithStorage)
	BlockSize      uint32 // Block size in bytes (ignored with NewWithStorage)
	VendorID       uint16
	ProductID      uint16
	Vendor         string // INQUIRY vendor identification
	Product        string // INQUIRY product identification
	Revision       string // INQUIRY product revision
	ReadOnly       bool   // Report write protect and reject WRITE(10)
	MaxPacketSize  uint16 // Bulk wMaxPacketSize
	MaxLUN         uint8  // GET MAX LUN reply
	StallGetMaxLUN bool   // Stall GET MAX LUN like many single-LUN sticks
}

// DefaultConfig returns a 1 MiB high-speed stick.
func DefaultConfig() Config {
	return Config{
		BlockCount:    2048,
		BlockSize:     512,
		VendorID:      0x1209,
		ProductID:     0x4D53,
		Vendor:        "softusb",
		Product:       "Sim Stick",
		Revision:      "1.0",
		MaxPacketSize: 512,
	}
}

// Stats counts bus activity.
type Stats struct {
	Commands  uint64 // CBWs accepted
	Stalls    uint64 // transfers answered with STALL
	Resets    uint64 // Bulk-Only Mass Storage Resets
	ClearHalt uint64 // CLEAR_FEATURE(ENDPOINT_HALT) requests
	BytesIn   uint64 // data-phase bytes sent to the host
	BytesOut  uint64 // data-phase bytes received from the host
}

// Controller is a single-port host controller with a BOT mass-storage
// stick plugged into it. It implements [hal.HostHAL].
type Controller struct {
	mu sync.Mutex

	cfg        Config
	storage    Storage
	target     *target
	started    bool
	connected  bool
	enabled    bool
	address    uint8
	configured uint8

	// fault injection
	stallNext  [PhaseStatus + 1]int
	failNext   [PhaseStatus + 1]error
	stallEvery int
	bulkCount  int

	stats Stats
}

// New creates a controller with an in-memory medium described by cfg.
// The stick starts plugged in.
func New(cfg Config) *Controller {
	cfg = cfg.withDefaults()
	storage := NewMemoryStorage(cfg.BlockCount, cfg.BlockSize)
	storage.SetReadOnly(cfg.ReadOnly)
	return NewWithStorage(cfg, storage)
}

// NewWithStorage creates a controller whose stick serves storage.
func NewWithStorage(cfg Config, storage Storage) *Controller {
	cfg = cfg.withDefaults()
	inquiry := msc.NewInquiryData(true, cfg.Vendor, cfg.Product, cfg.Revision)
	return &Controller{
		cfg:       cfg,
		storage:   storage,
		target:    newTarget(storage, inquiry, cfg.MaxLUN),
		connected: true,
	}
}

func (c Config) withDefaults() Config {
	def := DefaultConfig()
	if c.BlockCount == 0 {
		c.BlockCount = def.BlockCount
	}
	if c.BlockSize == 0 {
		c.BlockSize = def.BlockSize
	}
	if c.MaxPacketSize == 0 {
		c.MaxPacketSize = def.MaxPacketSize
	}
	if c.Vendor == "" {
		c.Vendor = def.Vendor
	}
	if c.Product == "" {
		c.Product = def.Product
	}
	if c.Revision == "" {
		c.Revision = def.Revision
	}
	return c
}

// Storage returns the medium behind the stick.
func (c *Controller) Storage() Storage {
	return c.storage
}

// Stats returns a snapshot of the bus counters.
func (c *Controller) Stats() Stats {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.stats
}

// Connect plugs the stick in.
func (c *Controller) Connect() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.connected = true
	c.enabled = false
	pkg.LogDebug(pkg.ComponentSim, "device connected")
}

// Disconnect unplugs the stick. Transfers in progress fail.
func (c *Controller) Disconnect() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.connected = false
	c.enabled = false
	c.address = 0
	c.configured = 0
	c.target.reset()
	pkg.LogDebug(pkg.ComponentSim, "device disconnected")
}

// =============================================================================
// Fault Injection
// =============================================================================

// StallNext makes the next n transfers of phase p stall. Each stall halts
// the endpoint until the host clears it. A data-in stall ends the data
// phase early: the stick reports CSW status 1 with the whole transfer
// length as residue and sets medium error sense.
func (c *Controller) StallNext(p Phase, n int) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.stallNext[p] += n
}

// FailNext makes the next transfer of phase p fail with err.
func (c *Controller) FailNext(p Phase, err error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.failNext[p] = err
}

// StallEvery stalls every nth bulk transfer outside the data-in phase.
// Zero disables it; n must be at least 2 or the resent phase stalls again.
func (c *Controller) StallEvery(n int) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.stallEvery = n
	c.bulkCount = 0
}

// FailCommand makes the next n commands with opcode report CSW status 1
// with the given sense data.
func (c *Controller) FailCommand(opcode uint8, n int, sense msc.SenseData) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.target.failOp[opcode] += n
	c.target.failSense[opcode] = sense
}

// PhaseErrorNext makes the next command with opcode report CSW status 2.
func (c *Controller) PhaseErrorNext(opcode uint8) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.target.phaseErrOp[opcode]++
}

// ShortReadNext makes the next n READ(10) commands return half the
// requested data with a good CSW and a nonzero residue.
func (c *Controller) ShortReadNext(n int) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.target.shortRead += n
}

// CorruptNextCSW makes the next n CSWs carry a wrong tag.
func (c *Controller) CorruptNextCSW(n int) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.target.corruptCSW += n
}

// =============================================================================
// hal.HostHAL
// =============================================================================

// Init prepares the controller.
func (c *Controller) Init(ctx context.Context) error {
	return ctx.Err()
}

// Start enables the controller.
func (c *Controller) Start() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.started {
		return pkg.ErrAlreadyRunning
	}
	c.started = true
	return nil
}

// Stop disables the controller.
func (c *Controller) Stop() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.started {
		return pkg.ErrNotRunning
	}
	c.started = false
	return nil
}

// NumPorts returns 1.
func (c *Controller) NumPorts() int {
	return 1
}

// GetPortStatus reports the single port.
func (c *Controller) GetPortStatus(port int) (hal.PortStatus, error) {
	if port != 1 {
		return hal.PortStatus{}, pkg.ErrInvalidParameter
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	st := hal.PortStatus{Connected: c.connected, Enabled: c.enabled}
	if c.connected {
		st.Speed = hal.SpeedHigh
	}
	return st, nil
}

// ResetPort resets the stick to address 0, unconfigured.
func (c *Controller) ResetPort(port int) error {
	if port != 1 {
		return pkg.ErrInvalidParameter
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.connected {
		return pkg.ErrNoDevice
	}
	c.enabled = true
	c.address = 0
	c.configured = 0
	c.target.reset()
	return nil
}

// ControlTransfer answers standard and class requests on the default pipe.
func (c *Controller) ControlTransfer(ctx context.Context, addr hal.DeviceAddress, setup *hal.SetupPacket, data []byte) (int, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	c.mu.Lock()
	defer c.mu.Unlock()

	if !c.connected || !c.enabled {
		return 0, pkg.ErrNoDevice
	}
	if uint8(addr) != c.address {
		return 0, pkg.ErrTimeout
	}

	switch setup.RequestType & 0x60 {
	case hal.RequestTypeStandard:
		return c.standardRequest(setup, data)
	case hal.RequestTypeClass:
		return c.classRequest(setup, data)
	default:
		return 0, pkg.ErrStall
	}
}

func (c *Controller) standardRequest(setup *hal.SetupPacket, data []byte) (int, error) {
	switch setup.Request {
	case hal.RequestGetDescriptor:
		var buf [64]byte
		var n int
		switch setup.Value >> 8 {
		case hal.DescriptorTypeDevice:
			n = c.deviceDescriptor().MarshalTo(buf[:])
		case hal.DescriptorTypeConfiguration:
			n = c.configDescriptor(buf[:])
		default:
			return 0, pkg.ErrStall
		}
		n = min(n, int(setup.Length))
		return copy(data, buf[:n]), nil

	case hal.RequestSetAddress:
		if setup.Value == 0 || setup.Value > 127 {
			return 0, pkg.ErrStall
		}
		c.address = uint8(setup.Value)
		return 0, nil

	case hal.RequestSetConfiguration:
		if setup.Value > 1 {
			return 0, pkg.ErrStall
		}
		c.configured = uint8(setup.Value)
		return 0, nil

	case hal.RequestClearFeature:
		if setup.RequestType&0x1F != hal.RequestTypeEndpoint || setup.Value != hal.FeatureEndpointHalt {
			return 0, pkg.ErrStall
		}
		c.stats.ClearHalt++
		switch uint8(setup.Index) {
		case EndpointIn:
			c.target.haltIn = false
		case EndpointOut:
			c.target.haltOut = false
		case 0:
		default:
			return 0, pkg.ErrStall
		}
		return 0, nil

	default:
		return 0, pkg.ErrStall
	}
}

func (c *Controller) classRequest(setup *hal.SetupPacket, data []byte) (int, error) {
	switch setup.Request {
	case msc.RequestGetMaxLUN:
		if c.cfg.StallGetMaxLUN {
			return 0, pkg.ErrStall
		}
		if len(data) < 1 {
			return 0, pkg.ErrBufferTooSmall
		}
		data[0] = c.cfg.MaxLUN
		return 1, nil

	case msc.RequestBulkOnlyMassStorageReset:
		c.stats.Resets++
		c.target.reset()
		return 0, nil

	default:
		return 0, pkg.ErrStall
	}
}

// BulkTransfer moves data on the stick's bulk endpoints.
func (c *Controller) BulkTransfer(ctx context.Context, addr hal.DeviceAddress, endpoint uint8, data []byte) (int, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	c.mu.Lock()
	defer c.mu.Unlock()

	if !c.connected || !c.enabled {
		return 0, pkg.ErrNoDevice
	}
	if uint8(addr) != c.address {
		return 0, pkg.ErrTimeout
	}
	if c.configured == 0 {
		return 0, pkg.ErrNotConfigured
	}
	if endpoint != EndpointIn && endpoint != EndpointOut {
		return 0, pkg.ErrInvalidEndpoint
	}

	phase := c.target.phase
	if err := c.inject(phase, endpoint); err != nil {
		return 0, err
	}

	var n int
	var err error
	if endpoint == EndpointIn {
		n, err = c.target.in(data)
		if err == nil && phase == PhaseDataIn {
			c.stats.BytesIn += uint64(n)
		}
	} else {
		n, err = c.target.out(data)
		switch {
		case err != nil:
		case phase == PhaseCommand:
			c.stats.Commands++
		case phase == PhaseDataOut:
			c.stats.BytesOut += uint64(n)
		}
	}
	if err == pkg.ErrStall {
		c.stats.Stalls++
	}
	return n, err
}

// inject applies pending faults to a transfer arriving in phase.
func (c *Controller) inject(phase Phase, endpoint uint8) error {
	if err := c.failNext[phase]; err != nil {
		c.failNext[phase] = nil
		return err
	}

	stall := false
	if c.stallNext[phase] > 0 {
		c.stallNext[phase]--
		stall = true
	}
	if c.stallEvery > 0 && phase != PhaseDataIn {
		c.bulkCount++
		if c.bulkCount%c.stallEvery == 0 {
			stall = true
		}
	}
	if !stall {
		return nil
	}

	if endpoint == EndpointIn {
		c.target.haltIn = true
		if phase == PhaseDataIn {
			c.target.abortDataIn()
		}
	} else {
		c.target.haltOut = true
	}
	c.stats.Stalls++
	pkg.LogDebug(pkg.ComponentSim, "injected stall",
		"phase", phase,
		"endpoint", endpoint)
	return pkg.ErrStall
}

func (c *Controller) deviceDescriptor() *hal.DeviceDescriptor {
	return &hal.DeviceDescriptor{
		Length:            hal.DeviceDescriptorSize,
		DescriptorType:    hal.DescriptorTypeDevice,
		USBVersion:        0x0200,
		MaxPacketSize0:    64,
		VendorID:          c.cfg.VendorID,
		ProductID:         c.cfg.ProductID,
		DeviceVersion:     0x0100,
		NumConfigurations: 1,
	}
}

// configDescriptor writes configuration, interface and both bulk endpoint
// descriptors to buf.
func (c *Controller) configDescriptor(buf []byte) int {
	const total = hal.ConfigurationDescriptorSize + hal.InterfaceDescriptorSize + 2*hal.EndpointDescriptorSize
	if len(buf) < total {
		return 0
	}

	b := buf[:0]
	b = append(b, hal.ConfigurationDescriptorSize, hal.DescriptorTypeConfiguration, 0, 0, 1, 1, 0, 0x80, 50)
	binary.LittleEndian.PutUint16(b[2:4], total)
	b = append(b, hal.InterfaceDescriptorSize, hal.DescriptorTypeInterface, 0, 0, 2,
		msc.ClassMSC, msc.SubclassSCSI, msc.ProtocolBulkOnly, 0)
	for _, ep := range []uint8{EndpointIn, EndpointOut} {
		b = append(b, hal.EndpointDescriptorSize, hal.DescriptorTypeEndpoint, ep, byte(hal.TransferBulk), 0, 0, 0)
		binary.LittleEndian.PutUint16(b[len(b)-3:len(b)-1], c.cfg.MaxPacketSize)
	}
	return len(b)
}
