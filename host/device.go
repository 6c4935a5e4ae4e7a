package host

import (
	"github.com/ardnew/softusb-msc/host/hal"
)

// Device is an addressed device on one of the host's ports.
type Device struct {
	hal.Device

	state  DeviceState
	config hal.ConfigurationDescriptor

	// Raw configuration tree, as read from the device.
	configData [MaxConfigSize]byte
	configLen  int

	// Bound class driver, nil if none matched.
	driver hal.DeviceDriver
}

// State returns the device state.
func (d *Device) State() DeviceState {
	return d.state
}

// Configuration returns the configuration descriptor header.
func (d *Device) Configuration() hal.ConfigurationDescriptor {
	return d.config
}

// Bound reports whether a class driver claimed the device.
func (d *Device) Bound() bool {
	return d.driver != nil
}

// ConfigData returns the raw configuration tree.
// The returned slice references internal storage; do not modify.
func (d *Device) ConfigData() []byte {
	return d.configData[:d.configLen]
}

// detach removes the class driver and clears the slot.
func (d *Device) detach() {
	if d.driver != nil {
		d.driver.Remove()
	}
	*d = Device{}
}
