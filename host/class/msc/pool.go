package msc

import (
	uuid "github.com/satori/go.uuid"

	"github.com/ardnew/softusb-msc/host/hal"
	"github.com/ardnew/softusb-msc/pkg"
)

// claim hands out the first inactive slot for dev, or nil if all are taken.
func (drv *Driver) claim(dev *hal.Device) *Device {
	for i := range drv.devices {
		d := &drv.devices[i]
		if d.state != StateInactive {
			continue
		}
		d.reset()
		d.drv = drv
		d.id = DeviceID(i)
		d.dev = dev
		d.session = uuid.NewV1()
		d.state = StateClaimed
		d.onTransfer = d.handleTransfer
		d.onMaxLUN = d.handleMaxLUN
		d.in.pkt.Toggle = &d.in.toggle
		d.out.pkt.Toggle = &d.out.toggle
		d.in.pkt.Callback = d.onTransfer
		d.out.pkt.Callback = d.onTransfer
		return d
	}
	return nil
}

// release returns the slot to the pool.
func (d *Device) release() {
	d.state = StateInactive
	d.tx = transaction{}
	d.dev = nil
	d.userCB = nil
	d.connected = false
}

// reset clears everything learned about the previous occupant of the slot.
func (d *Device) reset() {
	d.iface = 0
	d.in = endpoint{}
	d.out = endpoint{}
	d.tx = transaction{}
	d.attempts = 0
	d.connected = false
	d.started = 0
	d.now = 0
	d.maxLUN = 0
	d.capacity = ReadCapacity10Data{}
	d.capKnown = false
	d.wp = false
	d.inquiry = InquiryData{}
	d.sense = SenseData{}
	d.userCB = nil
}

// lookup bounds-checks id and returns its slot.
func (drv *Driver) lookup(id DeviceID) (*Device, error) {
	if id < 0 || int(id) >= len(drv.devices) {
		return nil, ErrInvalidDevice
	}
	return &drv.devices[id], nil
}

// Present reports whether slot id holds an attached device, whatever its
// enumeration or transaction state. Out-of-range IDs report false.
func (drv *Driver) Present(id DeviceID) bool {
	d, err := drv.lookup(id)
	return err == nil && d.present()
}

// Idle reports whether device id finished bring-up and has no command in
// flight. Out-of-range IDs report false.
func (drv *Driver) Idle(id DeviceID) bool {
	d, err := drv.lookup(id)
	return err == nil && d.idle()
}

// Initialized reports whether Init received a configuration.
func (drv *Driver) Initialized() bool {
	return drv.initialized
}

// State returns the outer state of slot id.
func (drv *Driver) State(id DeviceID) State {
	d, err := drv.lookup(id)
	if err != nil {
		return StateInactive
	}
	return d.state
}

// DeviceInfo returns what bring-up learned about device id.
func (drv *Driver) DeviceInfo(id DeviceID) (DeviceInfo, error) {
	d, err := drv.lookup(id)
	if err != nil {
		return DeviceInfo{}, err
	}
	if !d.present() {
		return DeviceInfo{}, pkg.ErrNoDevice
	}
	return d.info(), nil
}

// Devices returns the IDs of all present devices.
func (drv *Driver) Devices() []DeviceID {
	var ids []DeviceID
	for i := range drv.devices {
		if drv.devices[i].present() {
			ids = append(ids, DeviceID(i))
		}
	}
	return ids
}
