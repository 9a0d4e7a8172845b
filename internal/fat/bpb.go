package fat

import (
	"encoding/binary"
	"fmt"
)

// Open reads the boot sector of a volume at byte offset base and
// returns a handle for it.
func Open(dev Device, base int64) (*FS, error) {
	var boot [sectorSize]byte
	if _, err := dev.ReadAt(boot[:], base); err != nil {
		return nil, fmt.Errorf("read boot sector: %w", err)
	}
	if boot[510] != 0x55 || boot[511] != 0xAA {
		return nil, fmt.Errorf("no FAT boot sector at byte offset %d", base)
	}
	bps := uint32(binary.LittleEndian.Uint16(boot[11:]))
	if bps != sectorSize {
		return nil, fmt.Errorf("unsupported sector size %d", bps)
	}

	fs := &FS{
		dev:               dev,
		base:              base,
		sectorsPerCluster: uint32(boot[13]),
		reservedSectors:   uint32(binary.LittleEndian.Uint16(boot[14:])),
		numFATs:           uint32(boot[16]),
		rootEntries:       uint32(binary.LittleEndian.Uint16(boot[17:])),
	}
	if fs.sectorsPerCluster == 0 || fs.numFATs == 0 {
		return nil, fmt.Errorf("corrupt boot sector at byte offset %d", base)
	}
	fs.totalSectors = uint32(binary.LittleEndian.Uint16(boot[19:]))
	if fs.totalSectors == 0 {
		fs.totalSectors = binary.LittleEndian.Uint32(boot[32:])
	}
	fs.fatSectors = uint32(binary.LittleEndian.Uint16(boot[22:]))
	if fs.fatSectors == 0 {
		// FAT32 keeps the FAT size in the extended BPB.
		fs.fatSectors = binary.LittleEndian.Uint32(boot[36:])
		fs.rootCluster = binary.LittleEndian.Uint32(boot[44:])
	}

	rootDirSectors := (fs.rootEntries*dirEntrySize + sectorSize - 1) / sectorSize
	dataStart := fs.reservedSectors + fs.numFATs*fs.fatSectors + rootDirSectors
	if dataStart >= fs.totalSectors {
		return nil, fmt.Errorf("corrupt boot sector: no data region")
	}
	fs.clusterCount = (fs.totalSectors - dataStart) / fs.sectorsPerCluster
	fs.fat32 = fs.clusterCount >= fat16Limit
	if fs.clusterCount < fat12Limit {
		return nil, fmt.Errorf("FAT12 volumes are not supported (%d clusters)", fs.clusterCount)
	}

	fs.fatStart = int64(fs.reservedSectors) * sectorSize
	fs.rootStart = int64(fs.reservedSectors+fs.numFATs*fs.fatSectors) * sectorSize
	fs.dataStart = int64(dataStart) * sectorSize
	return fs, nil
}

// Mkfs formats totalSectors sectors starting at byte offset base and
// returns the freshly opened volume. The FAT width and cluster size
// are chosen from the sector count: FAT16 where the cluster count can
// be kept under its limit, FAT32 beyond that.
func Mkfs(dev Device, base int64, totalSectors uint32) (*FS, error) {
	spc, fatSectors, fat32, err := chooseGeometry(totalSectors)
	if err != nil {
		return nil, err
	}

	var boot [sectorSize]byte
	boot[0], boot[1], boot[2] = 0xEB, 0x3C, 0x90
	copy(boot[3:11], "MSDOS5.0")
	binary.LittleEndian.PutUint16(boot[11:], sectorSize)
	boot[13] = byte(spc)
	boot[16] = 2 // FAT copies
	boot[21] = 0xF8
	binary.LittleEndian.PutUint16(boot[24:], 63)  // sectors/track
	binary.LittleEndian.PutUint16(boot[26:], 255) // heads
	binary.LittleEndian.PutUint32(boot[28:], uint32(base/sectorSize))
	if totalSectors < 0x10000 && !fat32 {
		binary.LittleEndian.PutUint16(boot[19:], uint16(totalSectors))
	} else {
		binary.LittleEndian.PutUint32(boot[32:], totalSectors)
	}

	if fat32 {
		binary.LittleEndian.PutUint16(boot[14:], fat32Reserved)
		binary.LittleEndian.PutUint32(boot[36:], fatSectors)
		binary.LittleEndian.PutUint32(boot[44:], 2) // root cluster
		binary.LittleEndian.PutUint16(boot[48:], 1) // FSInfo sector
		binary.LittleEndian.PutUint16(boot[50:], 6) // backup boot sector
		boot[64] = 0x80
		boot[66] = 0x29
		copy(boot[71:82], "NO NAME    ")
		copy(boot[82:90], "FAT32   ")
	} else {
		binary.LittleEndian.PutUint16(boot[14:], 1) // reserved sectors
		binary.LittleEndian.PutUint16(boot[17:], fat16RootEntries)
		binary.LittleEndian.PutUint16(boot[22:], uint16(fatSectors))
		boot[36] = 0x80
		boot[38] = 0x29
		copy(boot[43:54], "NO NAME    ")
		copy(boot[54:62], "FAT16   ")
	}
	boot[510], boot[511] = 0x55, 0xAA

	if _, err := dev.WriteAt(boot[:], base); err != nil {
		return nil, fmt.Errorf("write boot sector: %w", err)
	}
	if fat32 {
		if err := writeFSInfo(dev, base); err != nil {
			return nil, err
		}
		if _, err := dev.WriteAt(boot[:], base+6*sectorSize); err != nil {
			return nil, fmt.Errorf("write backup boot sector: %w", err)
		}
	}

	fs, err := Open(dev, base)
	if err != nil {
		return nil, err
	}

	// Zero both FAT copies and the FAT16 root region, then set the
	// reserved entries.
	zero := make([]byte, sectorSize)
	fatEnd := fs.rootStart
	for off := fs.fatStart; off < fatEnd; off += sectorSize {
		if _, err := dev.WriteAt(zero, base+off); err != nil {
			return nil, err
		}
	}
	for off := fs.rootStart; off < fs.dataStart; off += sectorSize {
		if _, err := dev.WriteAt(zero, base+off); err != nil {
			return nil, err
		}
	}
	if err := fs.setFATEntry(0, 0x0FFFFFF8&maskFor(fat32)|0xF8); err != nil {
		return nil, err
	}
	if err := fs.setFATEntry(1, fs.eoc()); err != nil {
		return nil, err
	}
	if fat32 {
		// Root directory: one zeroed cluster.
		if err := fs.setFATEntry(2, fs.eoc()); err != nil {
			return nil, err
		}
		if err := fs.zeroCluster(2); err != nil {
			return nil, err
		}
	}
	return fs, nil
}

const (
	fat16RootEntries = 512
	fat32Reserved    = 32
)

func maskFor(fat32 bool) uint32 {
	if fat32 {
		return 0x0FFFFFFF
	}
	return 0xFFFF
}

// chooseGeometry picks sectors-per-cluster, FAT size and FAT width for
// a sector count. FAT16 is preferred while its cluster limit holds.
func chooseGeometry(totalSectors uint32) (spc, fatSectors uint32, fat32 bool, err error) {
	if totalSectors < 4200 {
		return 0, 0, false, fmt.Errorf("%d sectors is too small for a FAT16 filesystem", totalSectors)
	}
	rootDirSectors := uint32(fat16RootEntries * dirEntrySize / sectorSize)
	for spc = 1; spc <= 64; spc *= 2 {
		fatSectors = estimateFATSectors(totalSectors, 1, rootDirSectors, spc, 2)
		clusters := (totalSectors - 1 - rootDirSectors - 2*fatSectors) / spc
		if clusters < fat16Limit {
			if clusters < fat12Limit {
				return 0, 0, false, fmt.Errorf("%d sectors is too small for a FAT16 filesystem", totalSectors)
			}
			return spc, fatSectors, false, nil
		}
	}
	for spc = 1; spc <= 128; spc *= 2 {
		fatSectors = estimateFATSectors(totalSectors, fat32Reserved, 0, spc, 4)
		clusters := (totalSectors - fat32Reserved - 2*fatSectors) / spc
		if clusters < 0x0FFFFFF0 {
			return spc, fatSectors, true, nil
		}
	}
	return 0, 0, false, fmt.Errorf("%d sectors is too large to format", totalSectors)
}

// estimateFATSectors converges on the number of sectors per FAT copy.
func estimateFATSectors(total, reserved, rootDirSectors, spc, entryBytes uint32) uint32 {
	fatSectors := uint32(1)
	for i := 0; i < 8; i++ {
		clusters := (total - reserved - rootDirSectors - 2*fatSectors) / spc
		next := (clusters + 2) * entryBytes
		next = (next + sectorSize - 1) / sectorSize
		if next == fatSectors {
			break
		}
		fatSectors = next
	}
	return fatSectors
}

func writeFSInfo(dev Device, base int64) error {
	var info [sectorSize]byte
	binary.LittleEndian.PutUint32(info[0:], 0x41615252)
	binary.LittleEndian.PutUint32(info[484:], 0x61417272)
	binary.LittleEndian.PutUint32(info[488:], 0xFFFFFFFF) // free count unknown
	binary.LittleEndian.PutUint32(info[492:], 0xFFFFFFFF) // next free unknown
	info[510], info[511] = 0x55, 0xAA
	if _, err := dev.WriteAt(info[:], base+sectorSize); err != nil {
		return fmt.Errorf("write FSInfo sector: %w", err)
	}
	return nil
}
