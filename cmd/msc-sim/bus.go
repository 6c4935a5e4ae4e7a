package main

import (
	"context"
	"fmt"

	"github.com/ardnew/softusb-msc/host"
	"github.com/ardnew/softusb-msc/host/class/msc"
	"github.com/ardnew/softusb-msc/host/class/msc/disk"
	"github.com/ardnew/softusb-msc/host/hal/sim"
)

// bus is one simulated controller with the driver stack on top of it.
type bus struct {
	ctrl  *sim.Controller
	host  *host.Host
	drv   *msc.Driver
	disk  *disk.Disk
	image *sim.FileStorage
}

// openBus builds the stack and waits for the stick to finish bring-up.
func openBus(ctx context.Context, opts *options) (*bus, error) {
	if err := opts.validate(); err != nil {
		return nil, err
	}

	cfg := sim.DefaultConfig()
	cfg.BlockCount = opts.blocks
	cfg.BlockSize = opts.blockSize
	cfg.ReadOnly = opts.readOnly

	b := &bus{}
	if opts.image != "" {
		img, err := sim.NewFileStorage(opts.image, opts.blockSize, opts.readOnly)
		if err != nil {
			return nil, err
		}
		b.image = img
		b.ctrl = sim.NewWithStorage(cfg, img)
	} else {
		b.ctrl = sim.New(cfg)
	}

	b.host = host.New(b.ctrl)
	b.drv = msc.New(b.host)
	b.drv.Init(&msc.Config{RetryLimit: opts.retryLimit})
	if err := b.host.RegisterDriver(b.drv); err != nil {
		b.Close()
		return nil, err
	}
	if err := b.host.Start(ctx); err != nil {
		b.Close()
		return nil, err
	}

	b.disk = disk.New(b.drv, b.host, disk.WithTimeout(opts.timeout))
	if err := b.disk.WaitReady(ctx); err != nil {
		b.Close()
		return nil, fmt.Errorf("device not ready: %w", err)
	}

	if opts.stallEvery > 0 {
		b.ctrl.StallEvery(opts.stallEvery)
	}
	return b, nil
}

// Close stops the host and releases the image file.
func (b *bus) Close() error {
	var err error
	if b.host != nil {
		err = b.host.Stop()
	}
	if b.image != nil {
		if cerr := b.image.Close(); err == nil {
			err = cerr
		}
	}
	return err
}
