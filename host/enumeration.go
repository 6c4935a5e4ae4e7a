package host

import (
	"errors"

	"github.com/ardnew/softusb-msc/host/hal"
	"github.com/ardnew/softusb-msc/pkg"
)

// Enumeration errors.
var (
	ErrEnumerationFailed = errors.New("enumeration failed")
	ErrNoAddress         = errors.New("no address available")
)

// enumerate performs the USB enumeration sequence for a new device on port,
// configures it and offers it to the registered class drivers. It returns
// the address assigned to the device.
func (h *Host) enumerate(port int) (uint8, error) {
	pkg.LogDebug(pkg.ComponentHost, "starting enumeration", "port", port)

	if err := h.hal.ResetPort(port); err != nil {
		return 0, err
	}
	st, err := h.hal.GetPortStatus(port)
	if err != nil {
		return 0, err
	}

	// Read the first 8 bytes of the device descriptor to learn bMaxPacketSize0.
	var buf [hal.DeviceDescriptorSize]byte
	setup := hal.SetupPacket{
		RequestType: hal.RequestTypeIn | hal.RequestTypeStandard | hal.RequestTypeDevice,
		Request:     hal.RequestGetDescriptor,
		Value:       uint16(hal.DescriptorTypeDevice) << 8,
		Length:      8,
	}
	n, err := h.hal.ControlTransfer(h.ctx, 0, &setup, buf[:8])
	if err != nil {
		return 0, err
	}
	if n < 8 {
		return 0, ErrEnumerationFailed
	}

	address := h.allocateAddress()
	if address == 0 {
		return 0, ErrNoAddress
	}

	setup = hal.SetupPacket{
		RequestType: hal.RequestTypeOut | hal.RequestTypeStandard | hal.RequestTypeDevice,
		Request:     hal.RequestSetAddress,
		Value:       uint16(address),
	}
	if _, err := h.hal.ControlTransfer(h.ctx, 0, &setup, nil); err != nil {
		return 0, err
	}

	pkg.LogDebug(pkg.ComponentHost, "assigned address", "address", address)

	d := &h.devices[address-1]
	*d = Device{state: DeviceStateAddress}
	d.Address = address
	d.Speed = st.Speed
	d.Port = port

	if err := h.readDescriptors(d); err != nil {
		*d = Device{}
		return 0, err
	}

	setup = hal.SetupPacket{
		RequestType: hal.RequestTypeOut | hal.RequestTypeStandard | hal.RequestTypeDevice,
		Request:     hal.RequestSetConfiguration,
		Value:       uint16(d.config.ConfigurationValue),
	}
	if _, err := h.hal.ControlTransfer(h.ctx, hal.DeviceAddress(address), &setup, nil); err != nil {
		*d = Device{}
		return 0, err
	}
	d.state = DeviceStateConfigured

	pkg.LogInfo(pkg.ComponentHost, "device enumerated",
		"address", address,
		"vendor", d.Descriptor.VendorID,
		"product", d.Descriptor.ProductID)

	h.bind(d)
	return address, nil
}

// readDescriptors reads the device descriptor and the full configuration tree.
func (h *Host) readDescriptors(d *Device) error {
	addr := hal.DeviceAddress(d.Address)

	var buf [hal.DeviceDescriptorSize]byte
	setup := hal.SetupPacket{
		RequestType: hal.RequestTypeIn | hal.RequestTypeStandard | hal.RequestTypeDevice,
		Request:     hal.RequestGetDescriptor,
		Value:       uint16(hal.DescriptorTypeDevice) << 8,
		Length:      hal.DeviceDescriptorSize,
	}
	n, err := h.hal.ControlTransfer(h.ctx, addr, &setup, buf[:])
	if err != nil {
		return err
	}
	if !hal.ParseDeviceDescriptor(buf[:n], &d.Descriptor) {
		return ErrEnumerationFailed
	}

	// Header first for wTotalLength.
	setup.Value = uint16(hal.DescriptorTypeConfiguration) << 8
	setup.Length = hal.ConfigurationDescriptorSize
	n, err = h.hal.ControlTransfer(h.ctx, addr, &setup, d.configData[:hal.ConfigurationDescriptorSize])
	if err != nil {
		return err
	}
	if !hal.ParseConfigurationDescriptor(d.configData[:n], &d.config) {
		return ErrEnumerationFailed
	}

	total := min(int(d.config.TotalLength), MaxConfigSize)
	setup.Length = uint16(total)
	n, err = h.hal.ControlTransfer(h.ctx, addr, &setup, d.configData[:total])
	if err != nil {
		return err
	}
	d.configLen = n

	pkg.LogDebug(pkg.ComponentHost, "configuration descriptor",
		"address", d.Address,
		"numInterfaces", d.config.NumInterfaces,
		"configValue", d.config.ConfigurationValue,
		"length", n)
	return nil
}

// bind offers each interface of d to the registered drivers in order. The
// first driver that attaches and accepts the interface's descriptors owns
// the device.
func (h *Host) bind(d *Device) {
	for i := 0; i < h.driverCount; i++ {
		drv := h.drivers[i]
		info := drv.Info()
		if !info.MatchDevice(&d.Descriptor) {
			continue
		}

		rest := d.ConfigData()
		for len(rest) > 0 {
			desc, next, err := hal.NextDescriptor(rest)
			if err != nil {
				pkg.LogWarn(pkg.ComponentHost, "malformed configuration",
					"address", d.Address,
					"error", err)
				return
			}
			rest = next

			var iface hal.InterfaceDescriptor
			if !hal.ParseInterfaceDescriptor(desc, &iface) || !info.MatchInterface(&iface) {
				continue
			}

			dd := drv.Attach(&d.Device)
			if dd == nil {
				continue
			}
			if analyze(dd, desc, rest) {
				d.driver = dd
				pkg.LogInfo(pkg.ComponentHost, "driver bound",
					"address", d.Address,
					"interface", iface.InterfaceNumber)
				return
			}
			dd.Remove()
		}
	}
	pkg.LogDebug(pkg.ComponentHost, "no driver for device", "address", d.Address)
}

// analyze feeds the interface descriptor and everything up to the next
// interface descriptor to dd.
func analyze(dd hal.DeviceDriver, iface, rest []byte) bool {
	if dd.AnalyzeDescriptor(iface) {
		return true
	}
	for len(rest) > 0 {
		desc, next, err := hal.NextDescriptor(rest)
		if err != nil || desc[1] == hal.DescriptorTypeInterface {
			return false
		}
		if dd.AnalyzeDescriptor(desc) {
			return true
		}
		rest = next
	}
	return false
}

// allocateAddress returns the lowest free device address, or 0.
func (h *Host) allocateAddress() uint8 {
	for i := range h.devices {
		if h.devices[i].state == DeviceStateDetached {
			return uint8(i + 1)
		}
	}
	return 0
}
