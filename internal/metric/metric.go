package metric

import (
	"errors"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/tinkerbell/spaces/internal/layout"
)

// Label values of the "from" label.
const (
	FromSync = "sync"
	FromAPI  = "api"
)

// Label values of the "result" label.
const (
	ResultOK                   = "ok"
	ResultNoDisks              = "no_disks"
	ResultInsufficientCapacity = "insufficient_capacity"
	ResultCapacityExceeded     = "capacity_exceeded"
	ResultError                = "error"
)

var (
	SyncsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "spaces_syncs_total",
		Help: "Number of discovery syncs.",
	}, []string{"result"})
	SyncDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "spaces_sync_duration_seconds",
		Help:    "Duration taken to fetch discovery data and update every node.",
		Buckets: prometheus.ExponentialBuckets(.01, 2, 12),
	})
	NodesDiscovered = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "spaces_nodes_discovered",
		Help: "Number of nodes returned by the last successful sync.",
	})

	LayoutDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "spaces_layout_duration_seconds",
		Help:    "Duration taken to generate a layout.",
		Buckets: prometheus.ExponentialBuckets(.0001, 4, 8),
	}, []string{"from"})
	LayoutsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "spaces_layouts_total",
		Help: "Number of layout generations.",
	}, []string{"from", "result"})
	LayoutsInProgress = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "spaces_layouts_in_progress",
		Help: "Number of layout generations that have not finished.",
	}, []string{"from"})

	APIRequestsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "spaces_api_requests_total",
		Help: "Number of /v1 API requests by method and status code.",
	}, []string{"method", "code"})
)

func init() {
	initCounterLabels(SyncsTotal, []prometheus.Labels{{"result": ResultOK}, {"result": ResultError}})

	from := []prometheus.Labels{{"from": FromSync}, {"from": FromAPI}}
	initObserverLabels(LayoutDuration, from)
	initGaugeLabels(LayoutsInProgress, from)

	var results []prometheus.Labels
	for _, f := range from {
		for _, r := range []string{ResultOK, ResultNoDisks, ResultInsufficientCapacity, ResultCapacityExceeded, ResultError} {
			results = append(results, prometheus.Labels{"from": f["from"], "result": r})
		}
	}
	initCounterLabels(LayoutsTotal, results)
}

// LayoutResult maps a generation error to its "result" label value.
func LayoutResult(err error) string {
	switch {
	case err == nil:
		return ResultOK
	case errors.Is(err, layout.ErrNoDisksAvailable):
		return ResultNoDisks
	case errors.Is(err, layout.ErrInsufficientCapacity):
		return ResultInsufficientCapacity
	case errors.Is(err, layout.ErrCapacityExceeded):
		return ResultCapacityExceeded
	default:
		return ResultError
	}
}

// ObserveLayout records one finished generation started at start.
func ObserveLayout(from string, start time.Time, err error) {
	LayoutDuration.WithLabelValues(from).Observe(time.Since(start).Seconds())
	LayoutsTotal.WithLabelValues(from, LayoutResult(err)).Inc()
}

func initCounterLabels(m *prometheus.CounterVec, l []prometheus.Labels) {
	for _, labels := range l {
		m.With(labels)
	}
}

func initGaugeLabels(m *prometheus.GaugeVec, l []prometheus.Labels) {
	for _, labels := range l {
		m.With(labels)
	}
}

func initObserverLabels(m prometheus.ObserverVec, l []prometheus.Labels) {
	for _, labels := range l {
		m.With(labels)
	}
}
