// Package discovery reads the block device inventory that the discovery agent
// collects from every node and turns it into disk sets.
package discovery

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"sort"
	"strconv"
	"strings"

	"github.com/tinkerbell/spaces/internal/layout"
)

const tracerName = "github.com/tinkerbell/spaces/discovery"

// sectorSize is the unit of the ohai block_device size attribute.
const sectorSize = 512

// DefaultVendors are the block device vendors treated as disks.
var DefaultVendors = []string{"ATA"}

var (
	errFormat    = errors.New("invalid discovery data")
	errMissingID = errors.New("node without id")
)

// Node is one node as reported by discovery, with its disks already filtered.
type Node struct {
	ID    layout.NodeID
	Disks []layout.Disk
}

// Source returns the current inventory of every discovered node.
//
//go:generate mockgen -destination mock/mock.go -package mock . Source
type Source interface {
	Nodes(ctx context.Context) ([]Node, error)
}

// report is one element of the discovery payload.
type report struct {
	ID        json.RawMessage `json:"id"`
	Discovery *struct {
		BlockDevice map[string]blockDevice `json:"block_device"`
	} `json:"discovery"`
}

// blockDevice holds the ohai attributes of one block device. Ohai reports every
// value as a string.
type blockDevice struct {
	Size      string `json:"size"`
	Removable string `json:"removable"`
	Vendor    string `json:"vendor"`
	Model     string `json:"model"`
}

// Decoder converts a raw discovery payload into nodes.
type Decoder struct {
	// Vendors lists the block device vendors kept as disks. Nil means DefaultVendors.
	Vendors []string
}

// Decode parses a JSON list of node reports. A node with a null discovery
// section gets an empty disk set. Disks are sorted by device name.
func (d Decoder) Decode(b []byte) ([]Node, error) {
	var reports []report
	if err := json.Unmarshal(b, &reports); err != nil {
		return nil, fmt.Errorf("%w: %w", errFormat, err)
	}

	nodes := make([]Node, 0, len(reports))
	for i, r := range reports {
		id, err := nodeID(r.ID)
		if err != nil {
			return nil, fmt.Errorf("report %d: %w", i, err)
		}
		n := Node{ID: id, Disks: []layout.Disk{}}
		if r.Discovery != nil {
			n.Disks, err = d.disks(r.Discovery.BlockDevice)
			if err != nil {
				return nil, fmt.Errorf("node %s: %w", id, err)
			}
		}
		nodes = append(nodes, n)
	}
	sort.SliceStable(nodes, func(i, j int) bool { return nodes[i].ID < nodes[j].ID })

	return nodes, nil
}

func (d Decoder) disks(devs map[string]blockDevice) ([]layout.Disk, error) {
	disks := make([]layout.Disk, 0, len(devs))
	for name, dev := range devs {
		if !d.isDisk(dev) {
			continue
		}
		sectors, err := strconv.ParseInt(strings.TrimSpace(dev.Size), 10, 64)
		if err != nil || sectors < 0 || sectors > math.MaxInt64/sectorSize {
			return nil, fmt.Errorf("%w: device %s has size %q", errFormat, name, dev.Size)
		}
		disks = append(disks, layout.Disk{
			Device:    name,
			SizeBytes: sectors * sectorSize,
			Removable: dev.Removable == "1",
			Vendor:    dev.Vendor,
			Model:     strings.TrimSpace(dev.Model),
		})
	}
	sort.Slice(disks, func(i, j int) bool { return disks[i].Device < disks[j].Device })

	return disks, nil
}

func (d Decoder) isDisk(dev blockDevice) bool {
	vendors := d.Vendors
	if vendors == nil {
		vendors = DefaultVendors
	}
	for _, v := range vendors {
		if strings.TrimSpace(dev.Vendor) == v {
			return true
		}
	}

	return false
}

// nodeID accepts both string and numeric ids.
func nodeID(raw json.RawMessage) (layout.NodeID, error) {
	raw = bytes.TrimSpace(raw)
	if len(raw) == 0 || bytes.Equal(raw, []byte("null")) {
		return "", errMissingID
	}
	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		if s == "" {
			return "", errMissingID
		}
		return layout.NodeID(s), nil
	}
	var n json.Number
	if err := json.Unmarshal(raw, &n); err != nil {
		return "", fmt.Errorf("%w: id %s", errFormat, raw)
	}

	return layout.NodeID(n.String()), nil
}
