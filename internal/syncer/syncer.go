// Package syncer copies the discovered inventory into the registry and,
// optionally, regenerates the layout of every synced node.
package syncer

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/gammazero/workerpool"
	"github.com/go-logr/logr"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"

	"github.com/tinkerbell/spaces/internal/discovery"
	"github.com/tinkerbell/spaces/internal/layout"
	"github.com/tinkerbell/spaces/internal/metric"
	"github.com/tinkerbell/spaces/internal/nodedb"
	"github.com/tinkerbell/spaces/internal/registry"
	"github.com/tinkerbell/spaces/internal/repo"
)

const tracerName = "github.com/tinkerbell/spaces/syncer"

var errNoSource = errors.New("syncer has no discovery source")

// Recorder persists node identities.
type Recorder interface {
	Record(ctx context.Context, node layout.NodeID, diskCount int) (nodedb.Record, error)
}

// Syncer pulls from a discovery source into a registry.
type Syncer struct {
	Source   discovery.Source
	Registry *registry.Registry
	// Repos is handed to every synced node.
	Repos []repo.Repo
	// DB, if set, records every synced node.
	DB Recorder
	// Generate regenerates the layout of every synced node.
	Generate bool
	// Workers bounds concurrent layout generation. Zero means one.
	Workers int
	Log     logr.Logger

	// one sync at a time
	mu sync.Mutex
}

// Result summarizes one sync.
type Result struct {
	Nodes   []layout.NodeID          `json:"nodes"`
	Layouts int                      `json:"layouts"`
	Failed  map[layout.NodeID]string `json:"failed"`
}

// SyncAll fetches the inventory and replaces the disks of every reported node.
// Nodes missing from the inventory keep their last known disks.
func (s *Syncer) SyncAll(ctx context.Context) (Result, error) {
	if s.Source == nil {
		return Result{}, errNoSource
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	tracer := otel.Tracer(tracerName)
	ctx, span := tracer.Start(ctx, "syncer.SyncAll")
	defer span.End()
	start := time.Now()
	defer func() { metric.SyncDuration.Observe(time.Since(start).Seconds()) }()

	// fetch before touching the registry so readers never wait on discovery
	nodes, err := s.Source.Nodes(ctx)
	if err != nil {
		metric.SyncsTotal.WithLabelValues(metric.ResultError).Inc()
		span.SetStatus(codes.Error, err.Error())

		return Result{}, fmt.Errorf("failed to fetch inventory: %w", err)
	}

	res := Result{Nodes: make([]layout.NodeID, 0, len(nodes)), Failed: map[layout.NodeID]string{}}
	for _, n := range nodes {
		if err := s.apply(ctx, n); err != nil {
			metric.SyncsTotal.WithLabelValues(metric.ResultError).Inc()
			span.SetStatus(codes.Error, err.Error())

			return res, err
		}
		res.Nodes = append(res.Nodes, n.ID)
	}
	metric.NodesDiscovered.Set(float64(len(nodes)))

	if s.Generate {
		s.generate(ctx, res.Nodes, &res)
	}
	metric.SyncsTotal.WithLabelValues(metric.ResultOK).Inc()
	span.SetAttributes(
		attribute.Int("sync.nodes", len(res.Nodes)),
		attribute.Int("sync.layouts", res.Layouts),
		attribute.Int("sync.failed", len(res.Failed)),
	)
	span.SetStatus(codes.Ok, "")
	s.Log.Info("sync complete", "nodes", len(res.Nodes), "layouts", res.Layouts, "failed", res.FailedNodes(), "duration", time.Since(start))

	return res, nil
}

func (s *Syncer) apply(ctx context.Context, n discovery.Node) error {
	if _, err := s.Registry.RegisterNode(n.ID); err != nil {
		return fmt.Errorf("register node %q: %w", n.ID, err)
	}
	if err := s.Registry.SyncDisks(n.ID, n.Disks); err != nil {
		return fmt.Errorf("sync disks of node %s: %w", n.ID, err)
	}
	if err := s.Registry.SetRepos(n.ID, s.Repos); err != nil {
		return fmt.Errorf("set repos of node %s: %w", n.ID, err)
	}
	if s.DB != nil {
		rec, err := s.DB.Record(ctx, n.ID, len(n.Disks))
		if err != nil {
			// a missing row is written again by the next sync
			s.Log.Error(err, "failed to record node", "node", n.ID)
			return nil
		}
		s.Log.V(1).Info("recorded node", "node", n.ID, "uuid", rec.UUID)
	}

	return nil
}

func (s *Syncer) generate(ctx context.Context, ids []layout.NodeID, res *Result) {
	workers := s.Workers
	if workers < 1 {
		workers = 1
	}
	pool := workerpool.New(workers)

	var mu sync.Mutex
	for _, id := range ids {
		id := id
		pool.Submit(func() {
			if ctx.Err() != nil {
				return
			}
			metric.LayoutsInProgress.WithLabelValues(metric.FromSync).Inc()
			start := time.Now()
			_, err := s.Registry.Generate(id)
			metric.ObserveLayout(metric.FromSync, start, err)
			metric.LayoutsInProgress.WithLabelValues(metric.FromSync).Dec()

			mu.Lock()
			defer mu.Unlock()
			if err != nil {
				s.Log.V(1).Info("no layout for node", "node", id, "err", err)
				res.Failed[id] = err.Error()
				return
			}
			res.Layouts++
		})
	}
	pool.StopWait()
}

// Run syncs every interval and whenever trigger receives, until ctx is done.
// A non-positive interval disables periodic syncs. Failed syncs are logged
// and retried at the next tick.
func (s *Syncer) Run(ctx context.Context, interval time.Duration, trigger <-chan struct{}) {
	var tick <-chan time.Time
	if interval > 0 {
		t := time.NewTicker(interval)
		defer t.Stop()
		tick = t.C
	}
	s.runOnce(ctx)
	for {
		select {
		case <-ctx.Done():
			s.Log.Info("stopping syncer")
			return
		case <-tick:
			s.runOnce(ctx)
		case <-trigger:
			s.runOnce(ctx)
		}
	}
}

func (s *Syncer) runOnce(ctx context.Context) {
	if _, err := s.SyncAll(ctx); err != nil && ctx.Err() == nil {
		s.Log.Error(err, "sync failed")
	}
}

// FailedNodes returns the ids in r.Failed, sorted.
func (r Result) FailedNodes() []layout.NodeID {
	out := make([]layout.NodeID, 0, len(r.Failed))
	for id := range r.Failed {
		out = append(out, id)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })

	return out
}
