package layout

import (
	"fmt"
	"sort"
)

// Validate checks the invariants a layout must hold regardless of how it was produced:
// partition extents are ordered and disjoint, every volume group fits its logical
// volumes, and every filesystem refers to a partition or logical volume of the layout.
func (l *Layout) Validate() error {
	parts := l.Partitions()
	for _, t := range l.PartitionTables {
		if !sort.SliceIsSorted(t.Partitions, func(i, j int) bool { return t.Partitions[i].Count < t.Partitions[j].Count }) {
			return fmt.Errorf("partition table %s is not in creation order", t.Device)
		}
	}
	if err := CheckExtents(parts); err != nil {
		return err
	}

	lvNames := map[string]bool{}
	for _, lv := range l.LogicalVolumes {
		if lvNames[lv.Name] {
			return fmt.Errorf("logical volume %s defined twice", lv.Name)
		}
		lvNames[lv.Name] = true
	}
	vgNames := map[string]bool{}
	for _, vg := range l.VolumeGroups {
		vgNames[vg.Name] = true
		if err := CheckVolumeGroup(vg, l.PhysicalVolumes, parts, l.LogicalVolumes); err != nil {
			return err
		}
	}
	for _, lv := range l.LogicalVolumes {
		if !vgNames[lv.VGName] {
			return fmt.Errorf("%w: logical volume %s refers to unknown volume group %s", ErrDanglingReference, lv.Name, lv.VGName)
		}
	}

	known := knownDevices(parts, l.LogicalVolumes)
	for _, fs := range l.FileSystems {
		if !known[fs.Device] {
			return fmt.Errorf("%w: filesystem %s refers to unknown device %q", ErrDanglingReference, fs.Mount, fs.Device)
		}
	}

	return nil
}
