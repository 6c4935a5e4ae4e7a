package main

import (
	"errors"
	"fmt"
	"io"

	"github.com/spf13/cobra"

	"github.com/ardnew/softusb-msc/host/class/msc/disk"
	"github.com/ardnew/softusb-msc/pkg"
	"github.com/ardnew/softusb-msc/pkg/usbid"
)

func newInfoCmd(opts *options) *cobra.Command {
	return &cobra.Command{
		Use:   "info",
		Short: "Enumerate the stick and print what the driver learned",
		RunE: func(cmd *cobra.Command, _ []string) error {
			b, err := openBus(cmd.Context(), opts)
			if err != nil {
				return err
			}
			defer b.Close()

			info, err := b.disk.Info()
			if err != nil {
				return err
			}

			w := cmd.OutOrStdout()
			fmt.Fprintf(w, "device     %d (session %s)\n", info.ID, info.Session)
			fmt.Fprintf(w, "address    %d  %s\n", info.Address, lookupIDs(opts).Describe(info.VendorID, info.ProductID))
			fmt.Fprintf(w, "inquiry    %q %q rev %q removable=%v\n",
				info.Inquiry.Vendor(), info.Inquiry.Product(), info.Inquiry.Revision(), info.Inquiry.Removable)
			fmt.Fprintf(w, "capacity   %d blocks x %d bytes = %s\n",
				info.BlockCount, info.BlockSize, human(info.Capacity()))
			fmt.Fprintf(w, "max LUN    %d\n", info.MaxLUN)
			fmt.Fprintf(w, "protected  %v\n", info.WriteProtected)
			fmt.Fprintf(w, "sense      key=%#x asc=%#x ascq=%#x\n", info.Sense.Key, info.Sense.ASC, info.Sense.ASCQ)
			fmt.Fprintf(w, "status     %v\n", b.disk.Status())

			if info.BlockSize == disk.SectorSize {
				if err := printPartitions(cmd, w, b); err != nil {
					return err
				}
			}
			return nil
		},
	}
}

func printPartitions(cmd *cobra.Command, w io.Writer, b *bus) error {
	mbr, err := b.disk.ReadMBR(cmd.Context())
	if errors.Is(err, disk.ErrNoSignature) {
		fmt.Fprintln(w, "partitions none (no MBR signature)")
		return nil
	}
	if err != nil {
		return err
	}

	for i := range mbr.Partitions {
		p := &mbr.Partitions[i]
		if p.Empty() {
			continue
		}
		fmt.Fprintf(w, "partition  %d type=%#02x start=%d sectors=%d boot=%v\n",
			i, p.Type, p.LBABegin, p.Sectors, p.Bootable())
		if !p.IsFAT() {
			continue
		}
		bs, err := b.disk.ReadBootSector(cmd.Context(), mbr, i)
		if err != nil {
			fmt.Fprintf(w, "           volume ID unreadable: %v\n", err)
			continue
		}
		fmt.Fprintf(w, "           FAT at %d, data at %d, root cluster %d\n",
			bs.FATBegin(p.LBABegin), bs.ClusterBegin(p.LBABegin), bs.RootCluster)
	}
	return nil
}

// lookupIDs loads usb.ids; a nil database still describes raw IDs.
func lookupIDs(opts *options) *usbid.Database {
	var paths []string
	if opts.usbIDs != "" {
		paths = []string{opts.usbIDs}
	}
	db, err := usbid.Open(paths...)
	if err != nil {
		pkg.LogDebug(pkg.ComponentHost, "usb.ids unavailable", "error", err)
		return nil
	}
	return db
}

func human(b uint64) string {
	switch {
	case b >= 1<<30:
		return fmt.Sprintf("%dG", b>>30)
	case b >= 1<<20:
		return fmt.Sprintf("%dM", b>>20)
	case b >= 1<<10:
		return fmt.Sprintf("%dK", b>>10)
	default:
		return fmt.Sprintf("%dB", b)
	}
}
