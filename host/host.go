package host

import (
	"context"
	"time"

	"github.com/ardnew/softusb-msc/host/hal"
	"github.com/ardnew/softusb-msc/pkg"
)

// Host is a poll-driven USB host core. It owns a blocking [hal.HostHAL],
// enumerates devices on its ports and serves class drivers through the
// non-blocking [hal.Core] interface.
//
// A Host is not safe for concurrent use. All calls, including the class
// drivers' own, must come from the goroutine that calls Poll.
type Host struct {
	hal hal.HostHAL

	ctx     context.Context
	cancel  context.CancelFunc
	running bool

	drivers     [MaxDrivers]hal.ClassDriver
	driverCount int

	// Devices indexed by address - 1.
	devices [MaxDevices]Device
	ports   [MaxPorts]port

	queue transferQueue

	start time.Time
	clock func() uint32
}

// port tracks hotplug state of one root hub port.
type port struct {
	connected bool
	failed    bool  // enumeration failed, wait for disconnect
	address   uint8 // 0 if no device slot is held
}

var _ hal.Core = (*Host)(nil)

// New creates a host on top of h.
func New(h hal.HostHAL) *Host {
	host := &Host{
		hal:   h,
		start: time.Now(),
	}
	host.clock = host.elapsedMicros
	return host
}

// Start initializes the controller and powers the ports.
func (h *Host) Start(ctx context.Context) error {
	if h.running {
		return pkg.ErrAlreadyRunning
	}

	h.ctx, h.cancel = context.WithCancel(ctx)

	if err := h.hal.Init(h.ctx); err != nil {
		h.cancel()
		return err
	}
	if err := h.hal.Start(); err != nil {
		h.cancel()
		return err
	}

	h.running = true
	pkg.LogInfo(pkg.ComponentHost, "host started", "ports", h.numPorts())
	return nil
}

// Stop detaches every device and stops the controller.
func (h *Host) Stop() error {
	if !h.running {
		return nil
	}
	h.running = false

	for i := range h.devices {
		if h.devices[i].state != DeviceStateDetached {
			h.removeDevice(uint8(i + 1))
		}
	}
	h.ports = [MaxPorts]port{}
	h.queue.reset()
	h.cancel()

	if err := h.hal.Stop(); err != nil {
		return err
	}

	pkg.LogInfo(pkg.ComponentHost, "host stopped")
	return nil
}

// IsRunning returns true if the host is running.
func (h *Host) IsRunning() bool {
	return h.running
}

// RegisterDriver adds a class driver. Drivers are matched in registration
// order when a device enumerates.
func (h *Host) RegisterDriver(drv hal.ClassDriver) error {
	if drv == nil {
		return pkg.ErrInvalidParameter
	}
	if h.driverCount >= MaxDrivers {
		return pkg.ErrNoResources
	}
	h.drivers[h.driverCount] = drv
	h.driverCount++
	return nil
}

// Devices returns the attached devices.
func (h *Host) Devices() []*Device {
	result := make([]*Device, 0, MaxDevices)
	for i := range h.devices {
		if h.devices[i].state != DeviceStateDetached {
			result = append(result, &h.devices[i])
		}
	}
	return result
}

// GetDevice returns the device at address, or nil.
func (h *Host) GetDevice(address uint8) *Device {
	if address == 0 || address > MaxDevices {
		return nil
	}
	d := &h.devices[address-1]
	if d.state == DeviceStateDetached {
		return nil
	}
	return d
}

// Poll runs one step of the host: it scans the ports for hotplug events,
// executes the transfers queued since the previous Poll and then polls every
// bound class driver. Completion callbacks run from within Poll.
func (h *Host) Poll() {
	if !h.running {
		return
	}
	h.scanPorts()
	h.service()

	now := h.clock()
	for i := range h.devices {
		if d := &h.devices[i]; d.driver != nil {
			d.driver.Poll(now)
		}
	}
}

func (h *Host) elapsedMicros() uint32 {
	return uint32(time.Since(h.start).Microseconds())
}

func (h *Host) numPorts() int {
	return min(h.hal.NumPorts(), MaxPorts)
}

// scanPorts enumerates new connections and removes departed devices.
func (h *Host) scanPorts() {
	for i := 0; i < h.numPorts(); i++ {
		p := &h.ports[i]
		st, err := h.hal.GetPortStatus(i + 1)
		if err != nil {
			pkg.LogWarn(pkg.ComponentHost, "port status failed", "port", i+1, "error", err)
			continue
		}

		switch {
		case st.Connected && !p.connected:
			p.connected = true
			pkg.LogInfo(pkg.ComponentHost, "device connected", "port", i+1, "speed", st.Speed)
			addr, err := h.enumerate(i + 1)
			if err != nil {
				p.failed = true
				pkg.LogWarn(pkg.ComponentHost, "enumeration failed",
					"port", i+1,
					"error", err)
				continue
			}
			p.address = addr

		case !st.Connected && p.connected:
			pkg.LogInfo(pkg.ComponentHost, "device disconnected",
				"port", i+1,
				"address", p.address)
			if p.address != 0 {
				h.removeDevice(p.address)
			}
			*p = port{}
		}
	}
}

// removeDevice drops queued transfers for the device at address, detaches its
// driver and frees the slot.
func (h *Host) removeDevice(address uint8) {
	d := &h.devices[address-1]
	if n := h.queue.drop(&d.Device); n > 0 {
		pkg.LogDebug(pkg.ComponentHost, "dropped queued transfers",
			"address", address,
			"count", n)
	}
	d.detach()
}
