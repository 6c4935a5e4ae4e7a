package host

import (
	"github.com/ardnew/softusb-msc/host/hal"
	"github.com/ardnew/softusb-msc/pkg"
)

// transferKind selects how a queued transfer is executed.
type transferKind uint8

const (
	kindControl transferKind = iota
	kindIn
	kindOut
)

func (k transferKind) String() string {
	switch k {
	case kindControl:
		return "control"
	case kindIn:
		return "in"
	case kindOut:
		return "out"
	default:
		return "unknown"
	}
}

// transfer is one request queued by a class driver.
type transfer struct {
	kind  transferKind
	dev   *hal.Device
	setup hal.SetupPacket
	data  []byte
	pkt   *hal.Packet
	cb    hal.Callback
}

// transferQueue is a fixed-capacity FIFO of pending transfers.
type transferQueue struct {
	items [MaxPending]transfer
	head  int
	count int
}

func (q *transferQueue) push(t transfer) bool {
	if q.count == MaxPending {
		return false
	}
	q.items[(q.head+q.count)%MaxPending] = t
	q.count++
	return true
}

func (q *transferQueue) pop() (transfer, bool) {
	if q.count == 0 {
		return transfer{}, false
	}
	t := q.items[q.head]
	q.items[q.head] = transfer{}
	q.head = (q.head + 1) % MaxPending
	q.count--
	return t, true
}

// drop removes every transfer queued for dev without completing it and
// returns how many were removed.
func (q *transferQueue) drop(dev *hal.Device) int {
	n := q.count
	dropped := 0
	for i := 0; i < n; i++ {
		t, _ := q.pop()
		if t.dev == dev {
			dropped++
			continue
		}
		q.push(t)
	}
	return dropped
}

func (q *transferQueue) reset() {
	*q = transferQueue{}
}

// Control queues a control transfer on the default pipe of dev.
// If the queue is full the callback runs immediately with StatusEFATAL.
func (h *Host) Control(dev *hal.Device, setup *hal.SetupPacket, data []byte, cb hal.Callback) {
	h.enqueue(transfer{kind: kindControl, dev: dev, setup: *setup, data: data, cb: cb})
}

// Read queues an IN transfer.
// If the queue is full the callback runs immediately with StatusEFATAL.
func (h *Host) Read(dev *hal.Device, p *hal.Packet) {
	h.enqueue(transfer{kind: kindIn, dev: dev, data: p.Data, pkt: p, cb: p.Callback})
}

// Write queues an OUT transfer.
// If the queue is full the callback runs immediately with StatusEFATAL.
func (h *Host) Write(dev *hal.Device, p *hal.Packet) {
	h.enqueue(transfer{kind: kindOut, dev: dev, data: p.Data, pkt: p, cb: p.Callback})
}

func (h *Host) enqueue(t transfer) {
	if h.queue.push(t) {
		return
	}
	pkg.LogError(pkg.ComponentTransfer, "transfer queue full",
		"address", t.dev.Address,
		"pending", MaxPending)
	if t.cb != nil {
		t.cb(t.dev, hal.Result{Status: hal.StatusEFATAL})
	}
}

// service executes the transfers queued before this call. Transfers queued
// by completion callbacks wait for the next Poll.
func (h *Host) service() {
	for n := h.queue.count; n > 0; n-- {
		t, ok := h.queue.pop()
		if !ok {
			return
		}
		res := h.execute(&t)
		if t.cb != nil {
			t.cb(t.dev, res)
		}
	}
}

// execute runs t on the controller and maps the outcome to a completion code.
func (h *Host) execute(t *transfer) hal.Result {
	addr := hal.DeviceAddress(t.dev.Address)

	var n int
	var err error
	switch t.kind {
	case kindControl:
		n, err = h.hal.ControlTransfer(h.ctx, addr, &t.setup, t.data)
	case kindIn, kindOut:
		n, err = h.hal.BulkTransfer(h.ctx, addr, t.pkt.EndpointAddress, t.data)
	}

	status := hal.StatusOf(err)
	if err != nil {
		pkg.LogDebug(pkg.ComponentTransfer, "transfer error",
			"address", t.dev.Address,
			"kind", t.kind,
			"status", status,
			"error", err)
		return hal.Result{Status: status, Transferred: n}
	}

	if t.pkt != nil && t.pkt.Toggle != nil {
		*t.pkt.Toggle ^= uint8(packets(n, t.pkt.MaxPacketSize) & 1)
	}
	return hal.Result{Status: status, Transferred: n}
}

// packets returns how many data packets carry n bytes. A zero-length
// transfer is still one packet.
func packets(n int, maxPacket uint16) int {
	if maxPacket == 0 || n == 0 {
		return 1
	}
	return (n + int(maxPacket) - 1) / int(maxPacket)
}
