package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"text/tabwriter"

	"github.com/dustin/go-humanize"
	"github.com/ghodss/yaml"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"

	"github.com/tinkerbell/spaces/internal/discovery"
	"github.com/tinkerbell/spaces/internal/layout"
)

type planConfig struct {
	inventory string
	vendors   string
	json      bool
	out       io.Writer
}

// nodePlan is the outcome of generating one node's layout.
type nodePlan struct {
	Node   layout.NodeID  `json:"node_id"`
	Disks  []layout.Disk  `json:"disks"`
	Layout *layout.Layout `json:"layout,omitempty"`
	Error  string         `json:"error,omitempty"`
}

func (p *planConfig) run(ctx context.Context) error {
	if p.inventory == "" {
		return errors.New("-inventory is required")
	}
	_, span := otel.Tracer("github.com/tinkerbell/spaces/plan").Start(ctx, "spaces.plan")
	defer span.End()

	b, err := os.ReadFile(filepath.Clean(p.inventory))
	if err != nil {
		return err
	}
	j, err := yaml.YAMLToJSON(b)
	if err != nil {
		return fmt.Errorf("failed to parse %s: %w", p.inventory, err)
	}
	nodes, err := discovery.Decoder{Vendors: splitList(p.vendors)}.Decode(j)
	if err != nil {
		return fmt.Errorf("failed to decode %s: %w", p.inventory, err)
	}
	span.SetAttributes(attribute.Int("plan.nodes", len(nodes)))

	plans := make([]nodePlan, 0, len(nodes))
	for _, n := range nodes {
		np := nodePlan{Node: n.ID, Disks: n.Disks}
		if l, err := layout.Generate(n.ID, n.Disks); err != nil {
			np.Error = err.Error()
		} else {
			np.Layout = l
		}
		plans = append(plans, np)
	}

	if p.json {
		enc := json.NewEncoder(p.out)
		enc.SetIndent("", "  ")
		return enc.Encode(plans)
	}

	return printPlans(p.out, plans)
}

func printPlans(w io.Writer, plans []nodePlan) error {
	for i, np := range plans {
		if i > 0 {
			fmt.Fprintln(w)
		}
		disks := make([]string, 0, len(np.Disks))
		for _, d := range np.Disks {
			disks = append(disks, fmt.Sprintf("%s (%s)", d.Device, humanize.Bytes(uint64(d.SizeBytes))))
		}
		fmt.Fprintf(w, "node %s: %s\n", np.Node, strings.Join(disks, ", "))
		if np.Error != "" {
			fmt.Fprintf(w, "  error: %s\n", np.Error)
			continue
		}

		tw := tabwriter.NewWriter(w, 0, 2, 2, ' ', 0)
		fmt.Fprintln(tw, "  DEVICE\tSIZE\tTYPE\tMOUNT")
		for _, part := range np.Layout.Partitions() {
			fmt.Fprintf(tw, "  %s\t%s\t%s\t%s\n", part.DevicePath(), mib(part.Size()), partitionKind(part), mount(np.Layout, part.Name))
		}
		for _, lv := range np.Layout.LogicalVolumes {
			fmt.Fprintf(tw, "  %s\t%s\tlv\t%s\n", lv.DevicePath(), mib(lv.SizeMB), mount(np.Layout, lv.Name))
		}
		if err := tw.Flush(); err != nil {
			return err
		}
		if len(np.Layout.UnusedDevices) > 0 {
			fmt.Fprintf(w, "  unused: %s\n", strings.Join(np.Layout.UnusedDevices, ", "))
		}
	}

	return nil
}

func mib(n int64) string {
	return humanize.IBytes(uint64(n) * layout.MiB)
}

func partitionKind(p layout.Partition) string {
	if len(p.Flags) == 0 {
		return p.PartitionType
	}

	return p.PartitionType + " " + strings.Join(p.Flags, ",")
}

// mount describes the filesystem bound to device, or "-".
func mount(l *layout.Layout, device string) string {
	for _, fs := range l.FileSystems {
		if fs.Device != device {
			continue
		}
		if fs.Mount == "" || fs.Mount == layout.MountSwap {
			return fs.FSType
		}
		return fs.FSType + " " + fs.Mount
	}

	return "-"
}
