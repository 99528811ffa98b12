package layout

import (
	"fmt"
	"sort"
)

const (
	// VolumeGroupOS is the volume group holding the operating system volumes.
	VolumeGroupOS = "os"
	// LogicalVolumeRoot and LogicalVolumeSwap are the logical volumes carved from VolumeGroupOS.
	LogicalVolumeRoot = "root"
	LogicalVolumeSwap = "swap"

	rootVolumeSize int64 = 10000
	swapVolumeSize int64 = 2000

	pvMetadataCopies       = 2
	pvMetadataSize   int64 = 28
)

// Capacity is the space a physical volume contributes to its volume group, in MiB.
// Each metadata copy is carved out of the backing partition.
func (pv PhysicalVolume) Capacity(backing Partition) int64 {
	c := backing.Size() - int64(pv.MetadataCopies)*pv.MetadataSizeMB
	if c < 0 {
		return 0
	}

	return c
}

// BuildVolumes creates the LVM graph on the LVM-backing partition:
// one physical volume, the "os" volume group and its root and swap logical volumes.
func BuildVolumes(lvm Partition) (PhysicalVolume, VolumeGroup, []LogicalVolume, error) {
	pv := PhysicalVolume{
		Name:           lvm.Name,
		MetadataCopies: pvMetadataCopies,
		MetadataSizeMB: pvMetadataSize,
	}
	vg := VolumeGroup{
		Name:    VolumeGroupOS,
		PVNames: []string{pv.Name},
	}
	lvs := []LogicalVolume{
		{Name: LogicalVolumeRoot, SizeMB: rootVolumeSize, VGName: vg.Name},
		{Name: LogicalVolumeSwap, SizeMB: swapVolumeSize, VGName: vg.Name},
	}

	if err := CheckVolumeGroup(vg, []PhysicalVolume{pv}, []Partition{lvm}, lvs); err != nil {
		return PhysicalVolume{}, VolumeGroup{}, nil, err
	}

	return pv, vg, lvs, nil
}

// CheckVolumeGroup validates vg against the physical volumes and partitions allocated
// for the same node: every member PV must exist and be backed by a partition, and the
// logical volumes placed in vg must fit in the capacity of its members.
func CheckVolumeGroup(vg VolumeGroup, pvs []PhysicalVolume, parts []Partition, lvs []LogicalVolume) error {
	pvByName := make(map[string]PhysicalVolume, len(pvs))
	for _, pv := range pvs {
		pvByName[pv.Name] = pv
	}
	partByName := make(map[string]Partition, len(parts))
	for _, p := range parts {
		partByName[p.Name] = p
	}

	members := append([]string{}, vg.PVNames...)
	sort.Strings(members)
	var capacity int64
	for i, name := range members {
		if i > 0 && members[i-1] == name {
			return fmt.Errorf("volume group %s lists physical volume %s twice", vg.Name, name)
		}
		pv, ok := pvByName[name]
		if !ok {
			return fmt.Errorf("%w: volume group %s member %s is not a physical volume", ErrDanglingReference, vg.Name, name)
		}
		backing, ok := partByName[pv.Name]
		if !ok {
			return fmt.Errorf("%w: physical volume %s has no backing partition", ErrDanglingReference, pv.Name)
		}
		capacity += pv.Capacity(backing)
	}

	var requested int64
	for _, lv := range lvs {
		if lv.VGName != vg.Name {
			continue
		}
		if lv.SizeMB <= 0 {
			return fmt.Errorf("logical volume %s has invalid size %d", lv.Name, lv.SizeMB)
		}
		requested += lv.SizeMB
	}
	if requested > capacity {
		return fmt.Errorf("%w: volume group %s has %d MiB, logical volumes need %d MiB", ErrCapacityExceeded, vg.Name, capacity, requested)
	}

	return nil
}
