package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-logr/logr"
	"github.com/go-logr/zapr"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"golang.org/x/sync/errgroup"

	"github.com/tinkerbell/spaces/internal/api"
	"github.com/tinkerbell/spaces/internal/discovery"
	"github.com/tinkerbell/spaces/internal/http"
	"github.com/tinkerbell/spaces/internal/nodedb"
	"github.com/tinkerbell/spaces/internal/otel"
	"github.com/tinkerbell/spaces/internal/registry"
	"github.com/tinkerbell/spaces/internal/repo"
	"github.com/tinkerbell/spaces/internal/syncer"
)

var (
	// GitRev is the git revision of the build, set with -ldflags "-X main.GitRev=...".
	GitRev = "unknown (use make)"

	startTime = time.Now()
)

const name = "spaces"

type config struct {
	// logLevel is the log level for spaces.
	logLevel  string
	http      httpConfig
	discovery discoveryConfig
	sync      syncConfig
	reposFile string
	dbPath    string
	otel      otelConfig
}

type httpConfig struct {
	bindAddr       string
	bindPort       int
	trustedProxies string
}

type discoveryConfig struct {
	url     string
	file    string
	vendors string
	retries uint
}

type syncConfig struct {
	interval time.Duration
	generate bool
	workers  int
}

type otelConfig struct {
	endpoint string
	insecure bool
}

func main() {
	cfg := &config{}
	pcfg := &planConfig{out: os.Stdout}
	plan := newPlanCLI(pcfg, flag.NewFlagSet("plan", flag.ExitOnError))
	cli := newCLI(cfg, flag.NewFlagSet(name, flag.ExitOnError), plan)

	ctx, done := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGHUP, syscall.SIGTERM)
	defer done()
	if err := cli.ParseAndRun(ctx, os.Args[1:]); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func (c *config) run(ctx context.Context) error {
	log := defaultLogger(c.logLevel)
	log.Info("starting", "version", GitRev)

	ctx, otelShutdown, err := otel.Init(ctx, otel.Config{
		ServiceName: name,
		Endpoint:    c.otel.endpoint,
		Insecure:    c.otel.insecure,
		Logger:      log,
	})
	if err != nil {
		return fmt.Errorf("failed to initialize OpenTelemetry: %w", err)
	}
	defer otelShutdown()

	repos, err := repo.Load(c.reposFile)
	if err != nil {
		return fmt.Errorf("failed to load repositories: %w", err)
	}

	g, ctx := errgroup.WithContext(ctx)
	src, trigger, err := c.source(ctx, log, g)
	if err != nil {
		return fmt.Errorf("failed to create discovery source: %w", err)
	}

	reg := registry.New()
	h := &api.Handler{Registry: reg, Log: log.WithName("api")}
	s := &syncer.Syncer{
		Source:   src,
		Registry: reg,
		Repos:    repos,
		Generate: c.sync.generate,
		Workers:  c.sync.workers,
		Log:      log.WithName("syncer"),
	}
	h.Syncer = s
	if c.dbPath != "" {
		db, err := nodedb.Open(c.dbPath)
		if err != nil {
			return fmt.Errorf("failed to open node database: %w", err)
		}
		defer db.Close()
		s.DB = db
		h.Records = db
		log.Info("recording nodes", "db", db.Path())
	}
	if _, ok := src.(discovery.Noop); ok {
		log.Info("no discovery source configured, nodes are only registered through the API")
	} else {
		g.Go(func() error {
			s.Run(ctx, c.sync.interval, trigger)
			return nil
		})
	}

	tp, err := parseTrustedProxies(c.http.trustedProxies)
	if err != nil {
		return err
	}
	httpServer := &http.Config{
		GitRev:         GitRev,
		StartTime:      startTime,
		Logger:         log,
		TrustedProxies: tp,
	}
	bindAddr := net.JoinHostPort(c.http.bindAddr, fmt.Sprint(c.http.bindPort))
	log.Info("serving http", "addr", bindAddr, "trusted_proxies", tp)
	g.Go(func() error {
		return httpServer.ServeHTTP(ctx, bindAddr, h.Routes())
	})

	if err := g.Wait(); err != nil && !errors.Is(err, context.Canceled) {
		log.Error(err, "failed running all spaces services")
		return err
	}
	log.Info("spaces is shutting down")

	return nil
}

// source picks the discovery source. A file source also returns a channel
// that fires when the file changes.
func (c *config) source(ctx context.Context, log logr.Logger, g *errgroup.Group) (discovery.Source, <-chan struct{}, error) {
	vendors := splitList(c.discovery.vendors)
	switch {
	case c.discovery.url != "" && c.discovery.file != "":
		return nil, nil, errors.New("only one of -discovery-url and -discovery-file can be set")
	case c.discovery.url != "":
		cl, err := discovery.NewClient(log.WithName("discovery"), c.discovery.url, vendors)
		if err != nil {
			return nil, nil, err
		}
		cl.Attempts = c.discovery.retries
		return cl, nil, nil
	case c.discovery.file != "":
		w, err := discovery.NewWatcher(log.WithName("discovery"), c.discovery.file, vendors)
		if err != nil {
			return nil, nil, err
		}
		g.Go(func() error {
			w.Start(ctx)
			return nil
		})
		return w, w.Notify(), nil
	default:
		return discovery.Noop{}, nil, nil
	}
}

// defaultLogger is zap logr implementation.
func defaultLogger(level string) logr.Logger {
	config := zap.NewProductionConfig()
	config.OutputPaths = []string{"stdout"}
	switch level {
	case "debug":
		config.Level = zap.NewAtomicLevelAt(zapcore.DebugLevel)
	default:
		config.Level = zap.NewAtomicLevelAt(zapcore.InfoLevel)
	}
	zapLogger, err := config.Build()
	if err != nil {
		panic(fmt.Sprintf("who watches the watchmen (%v)?", err))
	}

	return zapr.NewLogger(zapLogger)
}

func parseTrustedProxies(trustedProxies string) ([]string, error) {
	var result []string
	for _, cidr := range splitList(trustedProxies) {
		if _, _, err := net.ParseCIDR(cidr); err != nil {
			// not a cidr, but maybe an IP
			ip := net.ParseIP(cidr)
			if ip == nil {
				return nil, fmt.Errorf("invalid ip cidr in trusted proxies: %q", cidr)
			}
			if ip.To4() != nil {
				cidr += "/32"
			} else {
				cidr += "/128"
			}
		}
		result = append(result, cidr)
	}

	return result, nil
}
