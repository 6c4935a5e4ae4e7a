package main

import (
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/ardnew/softusb-msc/pkg"
	"github.com/ardnew/softusb-msc/pkg/prof"
)

// options holds the flags shared by every subcommand.
type options struct {
	logLevel   string
	logJSON    bool
	blocks     uint64
	blockSize  uint32
	readOnly   bool
	image      string
	stallEvery int
	retryLimit int
	timeout    time.Duration
	usbIDs     string

	cpuProfile  string
	heapProfile string
	profile     *prof.Session
}

func newRootCmd() *cobra.Command {
	opts := &options{}

	root := &cobra.Command{
		Use:           "msc-sim",
		Short:         "Exercise the USB mass-storage host driver on a simulated stick",
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(_ *cobra.Command, _ []string) error {
			if err := opts.configureLogging(); err != nil {
				return err
			}
			return opts.startProfile()
		},
		PersistentPostRunE: func(_ *cobra.Command, _ []string) error {
			return opts.profile.Stop()
		},
	}

	flags := root.PersistentFlags()
	flags.StringVar(&opts.logLevel, "log-level", "warn", "log level: debug|info|warn|error")
	flags.BoolVar(&opts.logJSON, "log-json", false, "emit logs as JSON")
	flags.Uint64Var(&opts.blocks, "blocks", 2048, "medium size in blocks (in-memory medium)")
	flags.Uint32Var(&opts.blockSize, "block-size", 512, "block size in bytes")
	flags.BoolVar(&opts.readOnly, "read-only", false, "write-protect the medium")
	flags.StringVar(&opts.image, "image", "", "serve a disk image file instead of memory")
	flags.IntVar(&opts.stallEvery, "stall-every", 0, "stall every Nth bulk transfer outside data-in once the device is ready (0 disables, minimum 2)")
	flags.IntVar(&opts.retryLimit, "retry-limit", 0, "stall retries per command (0 selects the driver default)")
	flags.DurationVar(&opts.timeout, "timeout", 5*time.Second, "per-command timeout")
	flags.StringVar(&opts.usbIDs, "usb-ids", "", "usb.ids file for vendor names (default: system locations)")
	flags.StringVar(&opts.cpuProfile, "cpu-profile", "", "write a CPU profile (needs -tags profile)")
	flags.StringVar(&opts.heapProfile, "heap-profile", "", "write a heap profile on exit (needs -tags profile)")

	root.AddCommand(newInfoCmd(opts), newRWCmd(opts), newSoakCmd(opts))
	return root
}

func (o *options) configureLogging() error {
	level, ok := pkg.ParseLogLevel(o.logLevel)
	if !ok {
		return fmt.Errorf("unknown log level %q", o.logLevel)
	}
	pkg.SetLogLevel(level)
	if o.logJSON {
		pkg.SetLogFormat(pkg.LogFormatJSON)
	}
	return nil
}

func (o *options) startProfile() error {
	if o.cpuProfile == "" && o.heapProfile == "" {
		return nil
	}
	if !prof.Enabled {
		pkg.LogWarn(pkg.ComponentHost, "profiling not compiled in; rebuild with -tags profile")
		return nil
	}
	s, err := prof.Start(o.cpuProfile, o.heapProfile)
	if err != nil {
		return fmt.Errorf("profile: %w", err)
	}
	o.profile = s
	return nil
}

func (o *options) validate() error {
	if o.blockSize == 0 || o.blockSize%512 != 0 {
		return fmt.Errorf("block size %d is not a multiple of 512", o.blockSize)
	}
	if o.image == "" && o.blocks == 0 {
		return fmt.Errorf("medium has no blocks")
	}
	if o.stallEvery == 1 {
		return fmt.Errorf("--stall-every 1 stalls every resend; use 0 or at least 2")
	}
	return nil
}
