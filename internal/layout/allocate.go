package layout

import (
	"fmt"
	"sort"
	"unicode"
)

const (
	// MiB is the unit partition extents and volume sizes are expressed in.
	MiB = 1 << 20

	// startOffset leaves room for the partition table in front of the first extent.
	startOffset int64 = 1
	// endReserve keeps the last MiB free for the GPT backup header.
	endReserve int64 = 1

	biosGrubSize int64 = 24
	bootSize     int64 = 200
	rootSize     int64 = 200
	swapSize     int64 = 400
	// minLVMSize is the smallest LVM-backing extent the allocator will create.
	minLVMSize int64 = 64

	// FlagBiosGrub marks the partition reserved for the bootloader's core image.
	FlagBiosGrub = "bios_grub"

	partitionTypePrimary = "primary"
)

// Partition sequence numbers, in creation order.
const (
	BiosGrubPartition = iota + 1
	BootPartition
	RootPartition
	SwapPartition
	LVMPartition
)

// extent is the allocation policy for one partition. size 0 means "take the rest".
type extent struct {
	size        int64
	flags       []string
	configDrive bool
}

var extents = []extent{
	BiosGrubPartition - 1: {size: biosGrubSize, flags: []string{FlagBiosGrub}},
	BootPartition - 1:     {size: bootSize},
	RootPartition - 1:     {size: rootSize},
	SwapPartition - 1:     {size: swapSize},
	LVMPartition - 1:      {configDrive: true},
}

// MinDiskSize is the smallest disk, in bytes, Allocate accepts.
func MinDiskSize() int64 {
	var total int64
	for _, e := range extents {
		total += e.size
	}

	return (startOffset + total + minLVMSize + endReserve) * MiB
}

// Allocate lays out the fixed partition set on d.
// The partitions are contiguous, start at 1 MiB and are returned sorted by Count.
func Allocate(d Disk) ([]Partition, error) {
	usableEnd := d.SizeBytes/MiB - endReserve
	if d.SizeBytes < MinDiskSize() {
		return nil, fmt.Errorf("%w: disk %s has %d bytes, need at least %d", ErrInsufficientCapacity, d.Device, d.SizeBytes, MinDiskSize())
	}

	ps := make([]Partition, 0, len(extents))
	begin := startOffset
	for i, e := range extents {
		end := begin + e.size
		if e.size == 0 {
			end = usableEnd
		}
		flags := append([]string{}, e.flags...)
		sort.Strings(flags)
		ps = append(ps, Partition{
			Name:          partitionName(d.Device, i+1),
			Device:        d.Device,
			Count:         i + 1,
			Begin:         begin,
			End:           end,
			PartitionType: partitionTypePrimary,
			Flags:         flags,
			ConfigDrive:   e.configDrive,
		})
		begin = end
	}
	sort.SliceStable(ps, func(i, j int) bool { return ps[i].Count < ps[j].Count })

	if err := CheckExtents(ps); err != nil {
		return nil, err
	}

	return ps, nil
}

// CheckExtents verifies that partitions on the same device are ordered by Count,
// non-empty and do not overlap.
func CheckExtents(ps []Partition) error {
	last := map[string]Partition{}
	for _, p := range ps {
		if p.Count < 1 {
			return fmt.Errorf("%w: partition %s has sequence %d", ErrInsufficientCapacity, p.Name, p.Count)
		}
		if p.Begin >= p.End {
			return fmt.Errorf("%w: partition %s is empty (%d-%d)", ErrInsufficientCapacity, p.Name, p.Begin, p.End)
		}
		if prev, ok := last[p.Device]; ok {
			if p.Count <= prev.Count {
				return fmt.Errorf("partition %s out of order after %s", p.Name, prev.Name)
			}
			if p.Begin < prev.End {
				return fmt.Errorf("partition %s overlaps %s", p.Name, prev.Name)
			}
		}
		last[p.Device] = p
	}

	return nil
}

// partitionName follows the kernel naming: a "p" separates the number from a
// device name that already ends in a digit (nvme0n1p1, mmcblk0p1).
func partitionName(device string, count int) string {
	if device != "" && unicode.IsDigit(rune(device[len(device)-1])) {
		return fmt.Sprintf("%sp%d", device, count)
	}

	return fmt.Sprintf("%s%d", device, count)
}
