package disk

import (
	"context"
	"errors"
	"time"

	"github.com/ardnew/softusb-msc/host/class/msc"
	"github.com/ardnew/softusb-msc/pkg"
)

// Poller drives the host core. *host.Host satisfies it.
type Poller interface {
	Poll()
}

// Defaults.
const (
	DefaultTimeout     = 5 * time.Second
	DefaultMaxTransfer = 64 * 1024 // bytes per READ(10)/WRITE(10)
)

// ErrShortTransfer is returned when the device reports success but moved
// fewer bytes than requested.
var ErrShortTransfer = errors.New("short transfer")

// Status mirrors the FatFs disk status bits.
type Status uint8

// Status bits.
const (
	StatusOK     Status = 0x00
	StatusNoInit Status = 0x01 // Device present but not ready
	StatusNoDisk Status = 0x02 // No device in the slot
)

// String returns the status name.
func (s Status) String() string {
	switch s {
	case StatusOK:
		return "ok"
	case StatusNoInit:
		return "noinit"
	case StatusNoDisk:
		return "nodisk"
	default:
		return "unknown"
	}
}

// Disk is a blocking block device over one slot of an msc.Driver. Each call
// submits a command and polls the host until it completes, the context ends
// or the timeout elapses.
//
// Disk must be used from the goroutine that owns the host.
type Disk struct {
	drv         *msc.Driver
	poller      Poller
	id          msc.DeviceID
	timeout     time.Duration
	maxTransfer int
	now         func() time.Time
}

// Option configures a Disk.
type Option func(*Disk)

// WithTimeout bounds each command. Zero disables the bound; the context still
// applies.
func WithTimeout(d time.Duration) Option {
	return func(disk *Disk) {
		disk.timeout = d
	}
}

// WithClock replaces time.Now for deadline checks.
func WithClock(now func() time.Time) Option {
	return func(disk *Disk) {
		disk.now = now
	}
}

// WithDevice selects the driver slot. The default is 0.
func WithDevice(id msc.DeviceID) Option {
	return func(disk *Disk) {
		disk.id = id
	}
}

// WithMaxTransfer caps the bytes moved by one command. Larger requests are
// split.
func WithMaxTransfer(n int) Option {
	return func(disk *Disk) {
		if n > 0 {
			disk.maxTransfer = n
		}
	}
}

// New creates a Disk for drv, polling p while it waits.
func New(drv *msc.Driver, p Poller, opts ...Option) *Disk {
	d := &Disk{
		drv:         drv,
		poller:      p,
		timeout:     DefaultTimeout,
		maxTransfer: DefaultMaxTransfer,
		now:         time.Now,
	}
	for _, opt := range opts {
		opt(d)
	}
	return d
}

// ID returns the driver slot the disk serves.
func (d *Disk) ID() msc.DeviceID {
	return d.id
}

// Status reports whether the slot holds a ready device.
func (d *Disk) Status() Status {
	if !d.drv.Present(d.id) {
		return StatusNoDisk
	}
	if !d.drv.Initialized() {
		return StatusNoInit
	}
	switch d.drv.State(d.id) {
	case msc.StateIdle, msc.StateRead10Complete, msc.StateWrite10Complete:
		return StatusOK
	default:
		return StatusNoInit
	}
}

// WaitReady polls until the device finishes bring-up.
func (d *Disk) WaitReady(ctx context.Context) error {
	deadline := d.deadline()
	for {
		switch {
		case d.drv.Idle(d.id):
			return nil
		case d.drv.State(d.id) == msc.StateFailed:
			return msc.ErrNotReady
		}
		if err := d.expired(ctx, deadline); err != nil {
			return err
		}
		d.poller.Poll()
	}
}

// Info returns what bring-up learned about the device.
func (d *Disk) Info() (msc.DeviceInfo, error) {
	return d.drv.DeviceInfo(d.id)
}

// ReadBlocks reads count blocks starting at lba into buf.
func (d *Disk) ReadBlocks(ctx context.Context, buf []byte, lba, count uint32) error {
	return d.blocks(ctx, buf, lba, count, false)
}

// WriteBlocks writes count blocks from buf starting at lba.
func (d *Disk) WriteBlocks(ctx context.Context, buf []byte, lba, count uint32) error {
	return d.blocks(ctx, buf, lba, count, true)
}

func (d *Disk) blocks(ctx context.Context, buf []byte, lba, count uint32, write bool) error {
	info, err := d.drv.DeviceInfo(d.id)
	if err != nil {
		return err
	}
	if info.BlockSize == 0 {
		return msc.ErrCapacityUnknown
	}
	if uint64(len(buf)) < uint64(count)*uint64(info.BlockSize) {
		return pkg.ErrBufferTooSmall
	}

	chunk := uint32(max(d.maxTransfer/int(info.BlockSize), 1))
	chunk = min(chunk, msc.MaxBlocksPerCommand)

	for count > 0 {
		n := min(count, chunk)
		size := n * info.BlockSize
		if err := d.command(ctx, buf[:size], lba, n, write); err != nil {
			pkg.LogWarn(pkg.ComponentDisk, "block transfer failed",
				"device", d.id,
				"write", write,
				"lba", lba,
				"blocks", n,
				"error", err)
			return err
		}
		buf = buf[size:]
		lba += n
		count -= n
	}
	return nil
}

// command runs one READ(10) or WRITE(10) to completion.
func (d *Disk) command(ctx context.Context, buf []byte, lba, count uint32, write bool) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	var done bool
	var result msc.Result
	cb := func(r msc.Result) {
		done = true
		result = r
	}

	var err error
	if write {
		err = d.drv.Write10(d.id, buf, count, lba, cb)
	} else {
		err = d.drv.Read10(d.id, buf, count, lba, cb)
	}
	if err != nil {
		return err
	}

	deadline := d.deadline()
	for !done {
		if err := d.expired(ctx, deadline); err != nil {
			return err
		}
		d.poller.Poll()
	}

	pkg.LogDebug(pkg.ComponentDisk, "block transfer complete",
		"device", d.id,
		"write", write,
		"lba", lba,
		"blocks", count,
		"residue", result.Residue)
	if result.Err == nil && result.Residue != 0 {
		return ErrShortTransfer
	}
	return result.Err
}

func (d *Disk) deadline() time.Time {
	if d.timeout <= 0 {
		return time.Time{}
	}
	return d.now().Add(d.timeout)
}

// expired returns the context error, or pkg.ErrTimeout once deadline passes.
// A command that times out keeps its buffer until the driver completes it.
func (d *Disk) expired(ctx context.Context, deadline time.Time) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if !deadline.IsZero() && d.now().After(deadline) {
		return pkg.ErrTimeout
	}
	return nil
}
