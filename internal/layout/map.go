package layout

// The Map methods render records as maps of named fields. The keys match the JSON tags.

func (d Disk) Map() map[string]interface{} {
	m := map[string]interface{}{
		"device":    d.Device,
		"size":      d.SizeBytes,
		"removable": d.Removable,
		"vendor":    d.Vendor,
	}
	if d.Model != "" {
		m["model"] = d.Model
	}

	return m
}

func (p Partition) Map() map[string]interface{} {
	return map[string]interface{}{
		"name":           p.Name,
		"device":         p.Device,
		"count":          p.Count,
		"begin":          p.Begin,
		"end":            p.End,
		"partition_type": p.PartitionType,
		"flags":          stringList(p.Flags),
		"configdrive":    p.ConfigDrive,
	}
}

func (t PartitionTable) Map() map[string]interface{} {
	parts := make([]interface{}, 0, len(t.Partitions))
	for _, p := range t.Partitions {
		parts = append(parts, p.Map())
	}

	return map[string]interface{}{
		"name":               t.Device,
		"label":              t.Label,
		"partitions":         parts,
		"install_bootloader": t.InstallBootloader,
	}
}

func (pv PhysicalVolume) Map() map[string]interface{} {
	return map[string]interface{}{
		"name":           pv.Name,
		"metadatacopies": pv.MetadataCopies,
		"metadatasize":   pv.MetadataSizeMB,
	}
}

func (vg VolumeGroup) Map() map[string]interface{} {
	return map[string]interface{}{
		"name":    vg.Name,
		"pvnames": stringList(vg.PVNames),
	}
}

func (lv LogicalVolume) Map() map[string]interface{} {
	return map[string]interface{}{
		"name":   lv.Name,
		"size":   lv.SizeMB,
		"vgname": lv.VGName,
	}
}

func (fs FileSystem) Map() map[string]interface{} {
	return map[string]interface{}{
		"device":   fs.Device,
		"fs_label": fs.Label,
		"fs_type":  fs.FSType,
		"mount":    fs.Mount,
	}
}

// Map renders the whole layout, nesting the Map form of every record.
func (l *Layout) Map() map[string]interface{} {
	m := map[string]interface{}{
		"node_id":        string(l.Node),
		"target_device":  l.TargetDevice,
		"unused_devices": stringList(l.UnusedDevices),
	}

	parteds := make([]interface{}, 0, len(l.PartitionTables))
	for _, t := range l.PartitionTables {
		parteds = append(parteds, t.Map())
	}
	m["parteds"] = parteds

	pvs := make([]interface{}, 0, len(l.PhysicalVolumes))
	for _, pv := range l.PhysicalVolumes {
		pvs = append(pvs, pv.Map())
	}
	m["pvs"] = pvs

	vgs := make([]interface{}, 0, len(l.VolumeGroups))
	for _, vg := range l.VolumeGroups {
		vgs = append(vgs, vg.Map())
	}
	m["vgs"] = vgs

	lvs := make([]interface{}, 0, len(l.LogicalVolumes))
	for _, lv := range l.LogicalVolumes {
		lvs = append(lvs, lv.Map())
	}
	m["lvs"] = lvs

	fss := make([]interface{}, 0, len(l.FileSystems))
	for _, fs := range l.FileSystems {
		fss = append(fss, fs.Map())
	}
	m["fss"] = fss

	return m
}

func stringList(s []string) []interface{} {
	out := make([]interface{}, 0, len(s))
	for _, v := range s {
		out = append(out, v)
	}

	return out
}
