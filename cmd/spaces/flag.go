package main

import (
	"context"
	"flag"
	"fmt"
	"regexp"
	"sort"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/peterbourgon/ff/v3"
	"github.com/peterbourgon/ff/v3/ffcli"

	"github.com/tinkerbell/spaces/internal/otel"
)

// customUsageFunc is a custom UsageFunc used for all commands.
func customUsageFunc(c *ffcli.Command) string {
	var b strings.Builder

	if c.LongHelp != "" {
		fmt.Fprintf(&b, "%s\n\n", c.LongHelp)
	}

	fmt.Fprintf(&b, "USAGE\n")
	if c.ShortUsage != "" {
		fmt.Fprintf(&b, "  %s\n", c.ShortUsage)
	} else {
		fmt.Fprintf(&b, "  %s\n", c.Name)
	}
	fmt.Fprintf(&b, "\n")

	if len(c.Subcommands) > 0 {
		fmt.Fprintf(&b, "SUBCOMMANDS\n")
		tw := tabwriter.NewWriter(&b, 0, 2, 2, ' ', 0)
		for _, subcommand := range c.Subcommands {
			fmt.Fprintf(tw, "  %s\t%s\n", subcommand.Name, subcommand.ShortHelp)
		}
		tw.Flush()
		fmt.Fprintf(&b, "\n")
	}

	if countFlags(c.FlagSet) > 0 {
		fmt.Fprintf(&b, "FLAGS\n")
		tw := tabwriter.NewWriter(&b, 0, 2, 2, ' ', 0)
		type flagUsage struct {
			name         string
			usage        string
			defaultValue string
		}
		flags := []flagUsage{}
		c.FlagSet.VisitAll(func(f *flag.Flag) {
			flags = append(flags, flagUsage{name: f.Name, usage: f.Usage, defaultValue: f.DefValue})
		})

		// group by the service name between the brackets "[]" of the usage string
		r := regexp.MustCompile(`^\[(.*?)\]`)
		sort.SliceStable(flags, func(i, j int) bool {
			return r.FindString(flags[i].usage) < r.FindString(flags[j].usage)
		})
		for _, elem := range flags {
			if elem.defaultValue != "" {
				fmt.Fprintf(tw, "  -%s\t%s (default %q)\n", elem.name, elem.usage, elem.defaultValue)
			} else {
				fmt.Fprintf(tw, "  -%s\t%s\n", elem.name, elem.usage)
			}
		}
		tw.Flush()
		fmt.Fprintf(&b, "\n")
	}

	return strings.TrimSpace(b.String()) + "\n"
}

func countFlags(fs *flag.FlagSet) (n int) {
	fs.VisitAll(func(*flag.Flag) { n++ })

	return n
}

func httpFlags(c *config, fs *flag.FlagSet) {
	fs.StringVar(&c.http.bindAddr, "http-addr", "0.0.0.0", "[http] local IP to listen on for API requests")
	fs.IntVar(&c.http.bindPort, "http-port", 8080, "[http] local port to listen on for API requests")
	fs.StringVar(&c.http.trustedProxies, "trusted-proxies", "", "[http] comma separated list of trusted proxies in CIDR notation")
}

func discoveryFlags(c *config, fs *flag.FlagSet) {
	fs.StringVar(&c.discovery.url, "discovery-url", "", "[discovery] URL of the discovery service reporting node block devices")
	fs.StringVar(&c.discovery.file, "discovery-file", "", "[discovery] YAML or JSON inventory file, watched for changes, used instead of the discovery service")
	fs.StringVar(&c.discovery.vendors, "discovery-vendors", "ATA", "[discovery] comma separated list of block device vendors treated as disks")
	fs.UintVar(&c.discovery.retries, "discovery-retries", 3, "[discovery] number of attempts per discovery fetch")
}

func syncFlags(c *config, fs *flag.FlagSet) {
	fs.DurationVar(&c.sync.interval, "sync-interval", 5*time.Minute, "[sync] time between discovery syncs, 0 syncs only at startup and on request")
	fs.BoolVar(&c.sync.generate, "sync-generate", false, "[sync] generate a layout for every node after each sync")
	fs.IntVar(&c.sync.workers, "sync-workers", 4, "[sync] number of layouts generated concurrently")
}

func storageFlags(c *config, fs *flag.FlagSet) {
	fs.StringVar(&c.reposFile, "repos-file", "", "[repos] YAML or JSON list of package repositories handed to every node, built in Ubuntu repositories when empty")
	fs.StringVar(&c.dbPath, "db-path", "", "[db] SQLite database recording node identities, disabled when empty")
}

func otelFlags(c *config, fs *flag.FlagSet) {
	fs.StringVar(&c.otel.endpoint, "otel-endpoint", "", "[otel] OpenTelemetry collector endpoint")
	fs.BoolVar(&c.otel.insecure, "otel-insecure", true, "[otel] OpenTelemetry collector insecure")
}

func setFlags(c *config, fs *flag.FlagSet) {
	fs.StringVar(&c.logLevel, "log-level", "info", "log level (debug, info)")
	httpFlags(c, fs)
	discoveryFlags(c, fs)
	syncFlags(c, fs)
	storageFlags(c, fs)
	otelFlags(c, fs)
}

func newCLI(cfg *config, fs *flag.FlagSet, plan *ffcli.Command) *ffcli.Command {
	setFlags(cfg, fs)
	return &ffcli.Command{
		Exec: func(ctx context.Context, _ []string) error {
			return cfg.run(ctx)
		},
		Name:        name,
		ShortUsage:  "spaces [flags] [<subcommand>]",
		LongHelp:    "Spaces keeps the disk inventory of every discovered node and derives its storage layout.",
		FlagSet:     fs,
		Options:     []ff.Option{ff.WithEnvVarPrefix(name)},
		UsageFunc:   customUsageFunc,
		Subcommands: []*ffcli.Command{plan},
	}
}

func newPlanCLI(p *planConfig, fs *flag.FlagSet) *ffcli.Command {
	fs.StringVar(&p.inventory, "inventory", "", "[plan] YAML or JSON inventory file in the discovery format")
	fs.StringVar(&p.vendors, "vendors", "ATA", "[plan] comma separated list of block device vendors treated as disks")
	fs.BoolVar(&p.json, "json", false, "[plan] print the layouts as JSON")
	return &ffcli.Command{
		Exec: func(ctx context.Context, _ []string) error {
			return p.run(otel.ContextWithEnvTraceparent(ctx))
		},
		Name:       "plan",
		ShortUsage: "spaces plan -inventory <file> [flags]",
		ShortHelp:  "print the layout of every node in an inventory file",
		LongHelp:   "Plan generates the layout of every node in an inventory file without starting the service.",
		FlagSet:    fs,
		Options:    []ff.Option{ff.WithEnvVarPrefix(name)},
		UsageFunc:  customUsageFunc,
	}
}

func splitList(s string) []string {
	var out []string
	for _, v := range strings.Split(s, ",") {
		if v = strings.TrimSpace(v); v != "" {
			out = append(out, v)
		}
	}

	return out
}
