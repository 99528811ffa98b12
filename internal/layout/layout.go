// Package layout derives a storage layout (partitions, LVM volumes and filesystems)
// from a node's block-device inventory.
//
// Everything in this package is pure: the same disks always produce the same Layout.
package layout

import (
	"errors"
	"fmt"
)

// Errors returned by the layout engine.
var (
	// ErrInsufficientCapacity is returned when a disk cannot hold the minimum partition extents.
	ErrInsufficientCapacity = errors.New("insufficient capacity")
	// ErrCapacityExceeded is returned when the logical volumes do not fit in their volume group.
	ErrCapacityExceeded = errors.New("volume group capacity exceeded")
	// ErrDanglingReference is returned when a filesystem points at a device that is not part of the layout.
	ErrDanglingReference = errors.New("dangling device reference")
	// ErrNoDisksAvailable is returned when a layout is requested for an empty disk set.
	ErrNoDisksAvailable = errors.New("no disks available")
)

// NodeID identifies a node. It is assigned by the discovery source and never changes.
type NodeID string

func (n NodeID) String() string {
	return string(n)
}

// Disk is a block device that can be used as a provisioning target.
type Disk struct {
	Device    string `json:"device"`
	SizeBytes int64  `json:"size"`
	Removable bool   `json:"removable"`
	Vendor    string `json:"vendor"`
	Model     string `json:"model,omitempty"`
}

// Partition is one extent on a disk. Begin and End are in MiB.
type Partition struct {
	Name          string   `json:"name"`
	Device        string   `json:"device"`
	Count         int      `json:"count"`
	Begin         int64    `json:"begin"`
	End           int64    `json:"end"`
	PartitionType string   `json:"partition_type"`
	Flags         []string `json:"flags"`
	ConfigDrive   bool     `json:"configdrive"`
}

// Size is the extent length in MiB.
func (p Partition) Size() int64 {
	return p.End - p.Begin
}

// DevicePath is the kernel device path of the partition, e.g. /dev/sda1.
func (p Partition) DevicePath() string {
	return "/dev/" + p.Name
}

// HasFlag reports whether flag is set on the partition.
func (p Partition) HasFlag(flag string) bool {
	for _, f := range p.Flags {
		if f == flag {
			return true
		}
	}

	return false
}

// PartitionTable is the parted description of one disk.
// Partitions are kept in creation order and must be written in that order.
type PartitionTable struct {
	Device            string      `json:"name"`
	Label             string      `json:"label"`
	Partitions        []Partition `json:"partitions"`
	InstallBootloader bool        `json:"install_bootloader"`
}

// PhysicalVolume is an LVM PV. Name is the name of the backing partition.
type PhysicalVolume struct {
	Name           string `json:"name"`
	MetadataCopies int    `json:"metadatacopies"`
	MetadataSizeMB int64  `json:"metadatasize"`
}

type VolumeGroup struct {
	Name    string   `json:"name"`
	PVNames []string `json:"pvnames"`
}

type LogicalVolume struct {
	Name   string `json:"name"`
	SizeMB int64  `json:"size"`
	VGName string `json:"vgname"`
}

// DevicePath is the device-mapper path of the volume, e.g. /dev/mapper/os-root.
func (lv LogicalVolume) DevicePath() string {
	return fmt.Sprintf("/dev/mapper/%s-%s", lv.VGName, lv.Name)
}

// FileSystem binds a partition or logical volume (by name) to a filesystem and mount point.
type FileSystem struct {
	Device string `json:"device"`
	Label  string `json:"fs_label"`
	FSType string `json:"fs_type"`
	Mount  string `json:"mount"`
}

// Layout is the complete storage plan for one node.
type Layout struct {
	Node NodeID `json:"node_id"`
	// TargetDevice is the disk the layout is written to.
	TargetDevice string `json:"target_device"`
	// UnusedDevices are known disks the current policy leaves untouched.
	UnusedDevices   []string         `json:"unused_devices"`
	PartitionTables []PartitionTable `json:"parteds"`
	PhysicalVolumes []PhysicalVolume `json:"pvs"`
	VolumeGroups    []VolumeGroup    `json:"vgs"`
	LogicalVolumes  []LogicalVolume  `json:"lvs"`
	FileSystems     []FileSystem     `json:"fss"`
}

// Partitions returns all partitions of all partition tables in the layout.
func (l *Layout) Partitions() []Partition {
	var ps []Partition
	for _, t := range l.PartitionTables {
		ps = append(ps, t.Partitions...)
	}

	return ps
}

// DeepCopy returns a copy of the layout that shares no slices with l.
func (l *Layout) DeepCopy() *Layout {
	if l == nil {
		return nil
	}
	out := &Layout{
		Node:          l.Node,
		TargetDevice:  l.TargetDevice,
		UnusedDevices: append([]string{}, l.UnusedDevices...),
	}
	for _, t := range l.PartitionTables {
		nt := t
		nt.Partitions = make([]Partition, len(t.Partitions))
		for i, p := range t.Partitions {
			np := p
			np.Flags = append([]string{}, p.Flags...)
			nt.Partitions[i] = np
		}
		out.PartitionTables = append(out.PartitionTables, nt)
	}
	out.PhysicalVolumes = append([]PhysicalVolume{}, l.PhysicalVolumes...)
	for _, vg := range l.VolumeGroups {
		out.VolumeGroups = append(out.VolumeGroups, VolumeGroup{Name: vg.Name, PVNames: append([]string{}, vg.PVNames...)})
	}
	out.LogicalVolumes = append([]LogicalVolume{}, l.LogicalVolumes...)
	out.FileSystems = append([]FileSystem{}, l.FileSystems...)

	return out
}
