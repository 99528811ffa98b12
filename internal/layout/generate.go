package layout

import "fmt"

// LabelGPT is the partition table label used for provisioning disks.
const LabelGPT = "gpt"

// Generate derives the layout for node from its disks.
// Only the first disk is provisioned; the rest are recorded as unused.
func Generate(node NodeID, disks []Disk) (*Layout, error) {
	if len(disks) == 0 {
		return nil, fmt.Errorf("%w: node %s", ErrNoDisksAvailable, node)
	}
	target := disks[0]

	parts, err := Allocate(target)
	if err != nil {
		return nil, fmt.Errorf("node %s: %w", node, err)
	}

	pv, vg, lvs, err := BuildVolumes(parts[LVMPartition-1])
	if err != nil {
		return nil, fmt.Errorf("node %s: %w", node, err)
	}

	var root, swap LogicalVolume
	for _, lv := range lvs {
		switch lv.Name {
		case LogicalVolumeRoot:
			root = lv
		case LogicalVolumeSwap:
			swap = lv
		}
	}
	fss, err := BindFileSystems(knownDevices(parts, lvs), parts[BootPartition-1], root, swap)
	if err != nil {
		return nil, fmt.Errorf("node %s: %w", node, err)
	}

	unused := make([]string, 0, len(disks)-1)
	for _, d := range disks[1:] {
		unused = append(unused, d.Device)
	}

	return &Layout{
		Node:          node,
		TargetDevice:  target.Device,
		UnusedDevices: unused,
		PartitionTables: []PartitionTable{{
			Device:            target.Device,
			Label:             LabelGPT,
			Partitions:        parts,
			InstallBootloader: true,
		}},
		PhysicalVolumes: []PhysicalVolume{pv},
		VolumeGroups:    []VolumeGroup{vg},
		LogicalVolumes:  lvs,
		FileSystems:     fss,
	}, nil
}
