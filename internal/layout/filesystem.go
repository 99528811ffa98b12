package layout

import "fmt"

const (
	FSTypeExt2 = "ext2"
	FSTypeExt4 = "ext4"
	FSTypeSwap = "swap"

	// MountSwap is the mount marker for swap; it is not a path.
	MountSwap = "swap"
)

// BindFileSystems assigns filesystems to the boot partition, the root volume and the swap volume.
// known holds every partition and logical volume name in the layout being built;
// a device missing from it is a dangling reference.
func BindFileSystems(known map[string]bool, boot Partition, root, swap LogicalVolume) ([]FileSystem, error) {
	fss := []FileSystem{
		{Device: boot.Name, Label: "boot", FSType: FSTypeExt2, Mount: "/boot"},
		{Device: root.Name, Label: "root", FSType: FSTypeExt4, Mount: "/"},
		{Device: swap.Name, Label: "", FSType: FSTypeSwap, Mount: MountSwap},
	}
	for _, fs := range fss {
		if fs.Device == "" || !known[fs.Device] {
			return nil, fmt.Errorf("%w: filesystem %s refers to unknown device %q", ErrDanglingReference, fs.Mount, fs.Device)
		}
	}

	return fss, nil
}

// knownDevices collects the names a filesystem may refer to.
func knownDevices(parts []Partition, lvs []LogicalVolume) map[string]bool {
	known := make(map[string]bool, len(parts)+len(lvs))
	for _, p := range parts {
		known[p.Name] = true
	}
	for _, lv := range lvs {
		known[lv.Name] = true
	}

	return known
}
