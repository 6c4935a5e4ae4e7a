package disk

import (
	"context"
	"encoding/binary"
	"errors"
)

// SectorSize is the size of the MBR and FAT boot sectors.
const SectorSize = 512

// Boot sector signature at offset 510.
const bootSignature = 0xAA55

const (
	partitionTableOffset = 0x1BE
	partitionEntrySize   = 16
)

// Parsing errors.
var (
	ErrNoSignature = errors.New("missing boot sector signature")
	ErrNoPartition = errors.New("no such partition")
)

// Partition is one primary entry of an MBR partition table.
type Partition struct {
	Status   uint8  // 0x80 if bootable
	Type     uint8  // Partition type code
	LBABegin uint32 // First sector
	Sectors  uint32 // Number of sectors
}

// Empty reports whether the entry is unused.
func (p *Partition) Empty() bool {
	return p.Type == 0 || p.Sectors == 0
}

// Bootable reports whether the active flag is set.
func (p *Partition) Bootable() bool {
	return p.Status&0x80 != 0
}

// IsFAT reports whether the type code is a FAT variant.
func (p *Partition) IsFAT() bool {
	switch p.Type {
	case 0x01, 0x04, 0x06, 0x0B, 0x0C, 0x0E:
		return true
	default:
		return false
	}
}

// MBR is the decoded master boot record.
type MBR struct {
	Partitions [4]Partition
}

// ParseMBR decodes the partition table of sector 0.
func ParseMBR(sector []byte, out *MBR) error {
	if len(sector) < SectorSize {
		return ErrNoSignature
	}
	if binary.LittleEndian.Uint16(sector[510:512]) != bootSignature {
		return ErrNoSignature
	}
	for i := range out.Partitions {
		e := sector[partitionTableOffset+i*partitionEntrySize:]
		out.Partitions[i] = Partition{
			Status:   e[0],
			Type:     e[4],
			LBABegin: binary.LittleEndian.Uint32(e[8:12]),
			Sectors:  binary.LittleEndian.Uint32(e[12:16]),
		}
	}
	return nil
}

// MarshalTo writes the partition table and signature into sector.
// Returns the number of bytes covered (512), or 0 if sector is too small.
func (m *MBR) MarshalTo(sector []byte) int {
	if len(sector) < SectorSize {
		return 0
	}
	for i, p := range m.Partitions {
		e := sector[partitionTableOffset+i*partitionEntrySize:]
		clear(e[:partitionEntrySize])
		e[0] = p.Status
		e[4] = p.Type
		binary.LittleEndian.PutUint32(e[8:12], p.LBABegin)
		binary.LittleEndian.PutUint32(e[12:16], p.Sectors)
	}
	binary.LittleEndian.PutUint16(sector[510:512], bootSignature)
	return SectorSize
}

// BootSector holds the FAT32 volume ID fields needed to locate the FATs and
// the root directory.
type BootSector struct {
	BytesPerSector    uint16
	SectorsPerCluster uint8
	ReservedSectors   uint16
	NumFATs           uint8
	SectorsPerFAT     uint32
	RootCluster       uint32
}

// ParseBootSector decodes the FAT32 volume ID sector.
func ParseBootSector(sector []byte, out *BootSector) error {
	if len(sector) < SectorSize {
		return ErrNoSignature
	}
	if binary.LittleEndian.Uint16(sector[510:512]) != bootSignature {
		return ErrNoSignature
	}
	out.BytesPerSector = binary.LittleEndian.Uint16(sector[0x0B:])
	out.SectorsPerCluster = sector[0x0D]
	out.ReservedSectors = binary.LittleEndian.Uint16(sector[0x0E:])
	out.NumFATs = sector[0x10]
	out.SectorsPerFAT = binary.LittleEndian.Uint32(sector[0x24:])
	out.RootCluster = binary.LittleEndian.Uint32(sector[0x2C:])
	return nil
}

// FATBegin returns the first sector of the first FAT for a volume starting at
// partitionLBA.
func (b *BootSector) FATBegin(partitionLBA uint32) uint32 {
	return partitionLBA + uint32(b.ReservedSectors)
}

// ClusterBegin returns the first sector of the data region.
func (b *BootSector) ClusterBegin(partitionLBA uint32) uint32 {
	return b.FATBegin(partitionLBA) + uint32(b.NumFATs)*b.SectorsPerFAT
}

// ClusterLBA returns the first sector of cluster n (n >= 2).
func (b *BootSector) ClusterLBA(partitionLBA, n uint32) uint32 {
	return b.ClusterBegin(partitionLBA) + (n-2)*uint32(b.SectorsPerCluster)
}

// ReadMBR reads and decodes sector 0.
func (d *Disk) ReadMBR(ctx context.Context) (*MBR, error) {
	var sector [SectorSize]byte
	if err := d.ReadBlocks(ctx, sector[:], 0, 1); err != nil {
		return nil, err
	}
	var mbr MBR
	if err := ParseMBR(sector[:], &mbr); err != nil {
		return nil, err
	}
	return &mbr, nil
}

// ReadBootSector reads the volume ID sector of partition index i.
func (d *Disk) ReadBootSector(ctx context.Context, mbr *MBR, i int) (*BootSector, error) {
	if i < 0 || i >= len(mbr.Partitions) || mbr.Partitions[i].Empty() {
		return nil, ErrNoPartition
	}
	var sector [SectorSize]byte
	if err := d.ReadBlocks(ctx, sector[:], mbr.Partitions[i].LBABegin, 1); err != nil {
		return nil, err
	}
	var bs BootSector
	if err := ParseBootSector(sector[:], &bs); err != nil {
		return nil, err
	}
	return &bs, nil
}
