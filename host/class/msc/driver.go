package msc

import (
	"math"

	"github.com/ardnew/softusb-msc/host/hal"
	"github.com/ardnew/softusb-msc/pkg"
)

// Driver is the mass-storage class driver. It owns a fixed arena of
// MaxDevices device slots and implements [hal.ClassDriver].
//
// A Driver is not safe for concurrent use. All methods, including the
// callbacks it hands to the host core, must run on the goroutine that polls
// the host core.
type Driver struct {
	core        hal.Core
	cfg         Config
	initialized bool
	devices     [MaxDevices]Device
}

// New creates a driver that issues transfers through core.
func New(core hal.Core) *Driver {
	return &Driver{
		core: core,
		cfg:  Config{}.withDefaults(),
	}
}

// Init installs cfg. It must be called before the host core attaches
// devices; a nil cfg is ignored and the driver stays uninitialized.
func (drv *Driver) Init(cfg *Config) {
	if cfg == nil {
		pkg.LogWarn(pkg.ComponentMSC, "init called without configuration")
		return
	}
	drv.cfg = cfg.withDefaults()
	drv.initialized = true

	pkg.LogDebug(pkg.ComponentMSC, "driver initialized",
		"slots", MaxDevices,
		"retryLimit", drv.cfg.RetryLimit,
		"enumRetryLimit", drv.cfg.EnumRetryLimit)
}

// Info returns the interface triple this driver binds to:
// Mass Storage, SCSI transparent command set, Bulk-Only Transport.
func (drv *Driver) Info() hal.DriverInfo {
	return hal.DriverInfo{
		DeviceClass:    -1,
		DeviceSubClass: -1,
		DeviceProtocol: -1,
		VendorID:       -1,
		ProductID:      -1,
		IfaceClass:     ClassMSC,
		IfaceSubClass:  SubclassSCSI,
		IfaceProtocol:  ProtocolBulkOnly,
	}
}

// Attach claims a slot for dev. It returns nil if the driver is not
// initialized or every slot is in use.
func (drv *Driver) Attach(dev *hal.Device) hal.DeviceDriver {
	if !drv.initialized {
		pkg.LogWarn(pkg.ComponentMSC, "attach before init",
			"address", dev.Address)
		return nil
	}

	d := drv.claim(dev)
	if d == nil {
		pkg.LogWarn(pkg.ComponentMSC, "no free device slot",
			"address", dev.Address,
			"slots", MaxDevices)
		return nil
	}

	pkg.LogDebug(pkg.ComponentMSC, "slot claimed",
		"device", d.id,
		"session", d.session,
		"address", dev.Address)
	return d
}

// AnalyzeDescriptor records the interface number and the bulk endpoints.
// It returns true once both bulk endpoints are known.
func (d *Device) AnalyzeDescriptor(desc []byte) bool {
	if len(desc) < 2 {
		return false
	}

	switch desc[1] {
	case hal.DescriptorTypeInterface:
		var iface hal.InterfaceDescriptor
		if hal.ParseInterfaceDescriptor(desc, &iface) {
			d.iface = iface.InterfaceNumber
		}

	case hal.DescriptorTypeEndpoint:
		var ep hal.EndpointDescriptor
		if !hal.ParseEndpointDescriptor(desc, &ep) || !ep.IsBulk() {
			break
		}
		pipe := &d.out
		if ep.IsIn() {
			pipe = &d.in
		}
		if pipe.bound() {
			break
		}
		pipe.address = ep.EndpointAddress
		pipe.maxPacket = min(ep.MaxPacketSize&0x07FF, MaxBulkPacketSize)
		pipe.toggle = 0
		pipe.pkt.EndpointAddress = pipe.address
		pipe.pkt.EndpointType = hal.TransferBulk
		pipe.pkt.MaxPacketSize = pipe.maxPacket
	}

	return d.in.bound() && d.out.bound()
}

// Remove releases the slot. A command still in flight completes with
// pkg.ErrNoDevice.
func (d *Device) Remove() {
	if d.state == StateInactive {
		return
	}

	pending := d.state == StateRead10Complete || d.state == StateWrite10Complete
	cb := d.userCB
	length := d.tx.cbw.DataTransferLength
	id, connected := d.id, d.connected

	pkg.LogInfo(pkg.ComponentMSC, "mass storage device removed",
		"device", id,
		"session", d.session,
		"state", d.state,
		"transaction", d.tx.state)

	d.release()

	if pending && cb != nil {
		cb(Result{Err: pkg.ErrNoDevice, Residue: length})
	}
	if notify := d.drv.cfg.NotifyDisconnected; connected && notify != nil {
		notify(id)
	}
}

// Read10 reads blockCount blocks starting at lba into buf. It returns at once;
// cb receives the outcome from a later host core poll, after the device has
// returned to idle. buf must stay untouched until then.
func (drv *Driver) Read10(id DeviceID, buf []byte, blockCount, lba uint32, cb Callback) error {
	return drv.transfer(id, buf, blockCount, lba, cb, false)
}

// Write10 writes blockCount blocks from buf starting at lba. It has the same
// contract as Read10.
func (drv *Driver) Write10(id DeviceID, buf []byte, blockCount, lba uint32, cb Callback) error {
	return drv.transfer(id, buf, blockCount, lba, cb, true)
}

func (drv *Driver) transfer(id DeviceID, buf []byte, blockCount, lba uint32, cb Callback, write bool) error {
	d, err := drv.lookup(id)
	if err != nil {
		return err
	}
	switch {
	case !d.present():
		return pkg.ErrNoDevice
	case d.state == StateRead10Complete, d.state == StateWrite10Complete, d.tx.state != txIdle:
		return pkg.ErrBusy
	case d.state.enumerating(), d.state == StateFailed:
		return ErrNotReady
	case blockCount == 0 || blockCount > MaxBlocksPerCommand:
		return pkg.ErrInvalidParameter
	case !d.capKnown:
		return ErrCapacityUnknown
	}

	length := uint64(blockCount) * uint64(d.capacity.BlockLength)
	if length > math.MaxUint32 {
		return pkg.ErrInvalidParameter
	}
	if uint64(len(buf)) < length {
		return pkg.ErrBufferTooSmall
	}
	if uint64(lba)+uint64(blockCount) > d.capacity.BlockCount() {
		return ErrLBAOutOfRange
	}
	if write && d.wp {
		return ErrWriteProtected
	}

	d.userCB = cb
	if write {
		d.state = StateWrite10Complete
		Write10(&d.tx.cbw, lba, uint16(blockCount), d.capacity.BlockLength)
	} else {
		d.state = StateRead10Complete
		Read10(&d.tx.cbw, lba, uint16(blockCount), d.capacity.BlockLength)
	}
	d.submit(buf[:length])
	return nil
}
