// Package disk adapts the asynchronous mass-storage driver to a blocking
// block device, the way a FAT filesystem layer expects to see it.
//
// A [Disk] issues READ(10) and WRITE(10) through [msc.Driver] and polls the
// host core until the callback fires. Requests larger than the transfer cap
// are split into several commands. Every command is bounded by the caller's
// context and by the disk timeout.
//
// The package also decodes the MBR partition table and the FAT32 volume ID
// sector so callers can locate a filesystem on the stick.
//
//	d := disk.New(drv, h, disk.WithTimeout(2*time.Second))
//	if err := d.WaitReady(ctx); err != nil {
//	    return err
//	}
//	mbr, err := d.ReadMBR(ctx)
package disk
