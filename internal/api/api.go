// Package api serves the node registry over HTTP.
package api

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"time"

	"github.com/go-logr/logr"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/tinkerbell/spaces/internal/discovery"
	ihttp "github.com/tinkerbell/spaces/internal/http"
	"github.com/tinkerbell/spaces/internal/layout"
	"github.com/tinkerbell/spaces/internal/metric"
	"github.com/tinkerbell/spaces/internal/nodedb"
	"github.com/tinkerbell/spaces/internal/registry"
	"github.com/tinkerbell/spaces/internal/syncer"
)

const maxBody = 1 << 20

var (
	errBadRequest = errors.New("bad request")
	errNoSyncer   = errors.New("discovery sync is not configured")
	errNoDB       = errors.New("node database is not configured")
)

// SyncAller runs a discovery sync.
type SyncAller interface {
	SyncAll(ctx context.Context) (syncer.Result, error)
}

// RecordLister lists the node identities recorded by discovery syncs.
type RecordLister interface {
	List(ctx context.Context) ([]nodedb.Record, error)
}

// Handler serves the /v1 routes.
type Handler struct {
	Registry *registry.Registry
	// Syncer backs POST /v1/actions/sync_all. Nil disables the route.
	Syncer SyncAller
	// Records backs GET /v1/records. Nil disables the route.
	Records RecordLister
	Log     logr.Logger
}

type putNodeRequest struct {
	Disks []layout.Disk `json:"disks"`
}

// nodeResponse is a node with the layout derived from exactly its disks.
type nodeResponse struct {
	registry.Node
	Layout *layout.Layout `json:"layout,omitempty"`
}

// Routes returns the routes of the API.
func (h *Handler) Routes() ihttp.HandlerMapping {
	return ihttp.HandlerMapping{
		"GET /v1/nodes":                h.listNodes,
		"GET /v1/nodes/{id}":           h.getNode,
		"PUT /v1/nodes/{id}":           h.putNode,
		"GET /v1/nodes/{id}/disks":     h.listDisks,
		"GET /v1/nodes/{id}/disks/{n}": h.getDisk,
		"GET /v1/nodes/{id}/layout":    h.getLayout,
		"POST /v1/nodes/{id}/layout":   h.generateLayout,
		"GET /v1/nodes/{id}/repos":     h.listRepos,
		"POST /v1/actions/sync_all":    h.syncAll,
		"GET /v1/records":              h.listRecords,
	}
}

func (h *Handler) listNodes(w http.ResponseWriter, _ *http.Request) {
	h.write(w, http.StatusOK, h.Registry.Nodes())
}

func (h *Handler) getNode(w http.ResponseWriter, r *http.Request) {
	h.writeNode(w, r, nodeID(r))
}

func (h *Handler) writeNode(w http.ResponseWriter, r *http.Request, id layout.NodeID) {
	n, l, err := h.Registry.Snapshot(id)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	h.write(w, http.StatusOK, nodeResponse{Node: n, Layout: l})
}

func (h *Handler) putNode(w http.ResponseWriter, r *http.Request) {
	id := nodeID(r)
	b, err := io.ReadAll(io.LimitReader(r.Body, maxBody))
	if err != nil {
		h.fail(w, r, fmt.Errorf("%w: %w", errBadRequest, err))
		return
	}
	dec := json.NewDecoder(bytes.NewReader(b))
	dec.DisallowUnknownFields()
	var req putNodeRequest
	if err := dec.Decode(&req); err != nil {
		h.fail(w, r, fmt.Errorf("%w: %w", errBadRequest, err))
		return
	}
	if req.Disks == nil {
		req.Disks = []layout.Disk{}
	}
	for _, d := range req.Disks {
		if d.Device == "" || d.SizeBytes < 0 {
			h.fail(w, r, fmt.Errorf("%w: every disk needs a device and a non-negative size", errBadRequest))
			return
		}
	}

	if _, err := h.Registry.RegisterNode(id); err != nil {
		h.fail(w, r, fmt.Errorf("%w: %w", errBadRequest, err))
		return
	}
	if err := h.Registry.SyncDisks(id, req.Disks); err != nil {
		h.fail(w, r, err)
		return
	}
	h.writeNode(w, r, id)
}

func (h *Handler) listDisks(w http.ResponseWriter, r *http.Request) {
	d, err := h.Registry.Disks(nodeID(r))
	if err != nil {
		h.fail(w, r, err)
		return
	}
	h.write(w, http.StatusOK, d)
}

// getDisk addresses disks from 1.
func (h *Handler) getDisk(w http.ResponseWriter, r *http.Request) {
	n, err := strconv.Atoi(r.PathValue("n"))
	if err != nil {
		h.fail(w, r, registry.ErrNotFound)
		return
	}
	d, err := h.Registry.Disk(nodeID(r), n-1)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	h.write(w, http.StatusOK, d)
}

func (h *Handler) getLayout(w http.ResponseWriter, r *http.Request) {
	l, err := h.Registry.Layout(nodeID(r))
	if err != nil {
		h.fail(w, r, err)
		return
	}
	h.write(w, http.StatusOK, l)
}

func (h *Handler) generateLayout(w http.ResponseWriter, r *http.Request) {
	id := nodeID(r)
	metric.LayoutsInProgress.WithLabelValues(metric.FromAPI).Inc()
	start := time.Now()
	l, err := h.Registry.Generate(id)
	metric.ObserveLayout(metric.FromAPI, start, err)
	metric.LayoutsInProgress.WithLabelValues(metric.FromAPI).Dec()
	if err != nil {
		h.fail(w, r, err)
		return
	}
	trace.SpanFromContext(r.Context()).SetAttributes(
		attribute.String("layout.node", string(id)),
		attribute.String("layout.target_device", l.TargetDevice),
	)
	h.write(w, http.StatusOK, l)
}

func (h *Handler) listRepos(w http.ResponseWriter, r *http.Request) {
	repos, err := h.Registry.Repos(nodeID(r))
	if err != nil {
		h.fail(w, r, err)
		return
	}
	h.write(w, http.StatusOK, repos)
}

func (h *Handler) syncAll(w http.ResponseWriter, r *http.Request) {
	if h.Syncer == nil {
		h.fail(w, r, errNoSyncer)
		return
	}
	res, err := h.Syncer.SyncAll(r.Context())
	if err != nil {
		h.fail(w, r, err)
		return
	}
	h.write(w, http.StatusOK, res)
}

func (h *Handler) listRecords(w http.ResponseWriter, r *http.Request) {
	if h.Records == nil {
		h.fail(w, r, errNoDB)
		return
	}
	recs, err := h.Records.List(r.Context())
	if err != nil {
		h.fail(w, r, err)
		return
	}
	h.write(w, http.StatusOK, recs)
}

func nodeID(r *http.Request) layout.NodeID {
	return layout.NodeID(r.PathValue("id"))
}

// StatusCode maps an error returned by the registry or the layout engine to an HTTP status.
func StatusCode(err error) int {
	switch {
	case errors.Is(err, registry.ErrNotFound), errors.Is(err, registry.ErrNotComputed):
		return http.StatusNotFound
	case errors.Is(err, layout.ErrNoDisksAvailable):
		return http.StatusConflict
	case errors.Is(err, layout.ErrInsufficientCapacity), errors.Is(err, layout.ErrCapacityExceeded):
		return http.StatusUnprocessableEntity
	case errors.Is(err, errBadRequest):
		return http.StatusBadRequest
	case errors.Is(err, errNoSyncer), errors.Is(err, errNoDB), errors.Is(err, discovery.ErrNoSource):
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

func (h *Handler) fail(w http.ResponseWriter, r *http.Request, err error) {
	code := StatusCode(err)
	if code >= http.StatusInternalServerError {
		h.Log.Error(err, "request failed", "method", r.Method, "uri", r.RequestURI)
	}
	h.write(w, code, struct {
		Error string `json:"error"`
	}{Error: err.Error()})
}

func (h *Handler) write(w http.ResponseWriter, code int, v interface{}) {
	b, err := json.Marshal(v)
	if err != nil {
		h.Log.Error(err, "marshaling response")
		w.WriteHeader(http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_, _ = w.Write(append(b, '\n'))
}
