package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/go-logr/logr"
	"github.com/google/go-cmp/cmp"
	"github.com/google/uuid"

	"github.com/tinkerbell/spaces/internal/discovery"
	ihttp "github.com/tinkerbell/spaces/internal/http"
	"github.com/tinkerbell/spaces/internal/layout"
	"github.com/tinkerbell/spaces/internal/nodedb"
	"github.com/tinkerbell/spaces/internal/registry"
	"github.com/tinkerbell/spaces/internal/repo"
	"github.com/tinkerbell/spaces/internal/syncer"
)

var (
	sda = layout.Disk{Device: "sda", SizeBytes: 40_000_000_000, Vendor: "ATA"}
	sdb = layout.Disk{Device: "sdb", SizeBytes: 500_107_862_016, Vendor: "ATA"}
)

type fakeSyncer struct {
	res syncer.Result
	err error
}

func (f fakeSyncer) SyncAll(context.Context) (syncer.Result, error) { return f.res, f.err }

func newServer(t *testing.T, s SyncAller) (http.Handler, *registry.Registry) {
	t.Helper()
	reg := registry.New()
	for id, disks := range map[layout.NodeID][]layout.Disk{
		"n1":    {sda, sdb},
		"empty": {},
		"tiny":  {{Device: "vda", SizeBytes: 100 * layout.MiB}},
	} {
		if _, err := reg.RegisterNode(id); err != nil {
			t.Fatal(err)
		}
		if err := reg.SyncDisks(id, disks); err != nil {
			t.Fatal(err)
		}
	}
	if err := reg.SetRepos("n1", []repo.Repo{{Name: "ubuntu", URI: "http://archive.ubuntu.com/ubuntu/"}}); err != nil {
		t.Fatal(err)
	}

	h := &Handler{Registry: reg, Syncer: s, Log: logr.Discard()}
	c := &ihttp.Config{Logger: logr.Discard()}
	srv, err := c.Handler(h.Routes())
	if err != nil {
		t.Fatal(err)
	}

	return srv, reg
}

func do(h http.Handler, method, path, body string) *httptest.ResponseRecorder {
	w := httptest.NewRecorder()
	h.ServeHTTP(w, httptest.NewRequest(method, path, strings.NewReader(body)))

	return w
}

func TestRoutes(t *testing.T) {
	tests := map[string]struct {
		method     string
		path       string
		body       string
		wantStatus int
		wantBody   string
	}{
		"list nodes":              {method: http.MethodGet, path: "/v1/nodes", wantStatus: http.StatusOK},
		"get node":                {method: http.MethodGet, path: "/v1/nodes/empty", wantStatus: http.StatusOK, wantBody: `{"id":"empty","disks":[]}`},
		"unknown node":            {method: http.MethodGet, path: "/v1/nodes/n9", wantStatus: http.StatusNotFound},
		"first disk":              {method: http.MethodGet, path: "/v1/nodes/n1/disks/1", wantStatus: http.StatusOK, wantBody: `{"device":"sda","size":40000000000,"removable":false,"vendor":"ATA"}`},
		"second disk":             {method: http.MethodGet, path: "/v1/nodes/n1/disks/2", wantStatus: http.StatusOK, wantBody: `{"device":"sdb","size":500107862016,"removable":false,"vendor":"ATA"}`},
		"disk zero":               {method: http.MethodGet, path: "/v1/nodes/n1/disks/0", wantStatus: http.StatusNotFound},
		"disk past the end":       {method: http.MethodGet, path: "/v1/nodes/n1/disks/3", wantStatus: http.StatusNotFound},
		"disk not a number":       {method: http.MethodGet, path: "/v1/nodes/n1/disks/sda", wantStatus: http.StatusNotFound},
		"disks":                   {method: http.MethodGet, path: "/v1/nodes/empty/disks", wantStatus: http.StatusOK, wantBody: `[]`},
		"layout not computed":     {method: http.MethodGet, path: "/v1/nodes/n1/layout", wantStatus: http.StatusNotFound},
		"generate without disks":  {method: http.MethodPost, path: "/v1/nodes/empty/layout", wantStatus: http.StatusConflict},
		"generate on a tiny disk": {method: http.MethodPost, path: "/v1/nodes/tiny/layout", wantStatus: http.StatusUnprocessableEntity},
		"generate unknown node":   {method: http.MethodPost, path: "/v1/nodes/n9/layout", wantStatus: http.StatusNotFound},
		"repos":                   {method: http.MethodGet, path: "/v1/nodes/n1/repos", wantStatus: http.StatusOK, wantBody: `[{"name":"ubuntu","uri":"http://archive.ubuntu.com/ubuntu/","suite":"","section":"","priority":null}]`},
		"no repos":                {method: http.MethodGet, path: "/v1/nodes/empty/repos", wantStatus: http.StatusOK, wantBody: `[]`},
		"put bad json":            {method: http.MethodPut, path: "/v1/nodes/n2", body: `{"disks": [`, wantStatus: http.StatusBadRequest},
		"put unknown field":       {method: http.MethodPut, path: "/v1/nodes/n2", body: `{"disks": [], "mac": "x"}`, wantStatus: http.StatusBadRequest},
		"put disk without name":   {method: http.MethodPut, path: "/v1/nodes/n2", body: `{"disks": [{"size": 1}]}`, wantStatus: http.StatusBadRequest},
		"delete not allowed":      {method: http.MethodDelete, path: "/v1/nodes/n1", wantStatus: http.StatusMethodNotAllowed},
	}
	for name, tt := range tests {
		t.Run(name, func(t *testing.T) {
			h, _ := newServer(t, nil)
			w := do(h, tt.method, tt.path, tt.body)
			if w.Code != tt.wantStatus {
				t.Fatalf("status = %d, want %d: %s", w.Code, tt.wantStatus, w.Body.String())
			}
			if tt.wantBody != "" {
				if diff := cmp.Diff(tt.wantBody, strings.TrimSpace(w.Body.String())); diff != "" {
					t.Fatal(diff)
				}
			}
		})
	}
}

func TestGenerateThenGet(t *testing.T) {
	h, _ := newServer(t, nil)

	w := do(h, http.MethodPost, "/v1/nodes/n1/layout", "")
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d: %s", w.Code, w.Body.String())
	}
	var generated layout.Layout
	if err := json.Unmarshal(w.Body.Bytes(), &generated); err != nil {
		t.Fatal(err)
	}
	if generated.TargetDevice != "sda" || generated.PartitionTables[0].Partitions[4].Name != "sda5" {
		t.Fatalf("unexpected layout: %+v", generated)
	}

	w = do(h, http.MethodGet, "/v1/nodes/n1/layout", "")
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d: %s", w.Code, w.Body.String())
	}
	var stored layout.Layout
	if err := json.Unmarshal(w.Body.Bytes(), &stored); err != nil {
		t.Fatal(err)
	}
	if diff := cmp.Diff(generated, stored); diff != "" {
		t.Fatal(diff)
	}
}

func TestGetNodeIncludesLayout(t *testing.T) {
	h, reg := newServer(t, nil)

	l, err := reg.Generate("n1")
	if err != nil {
		t.Fatal(err)
	}
	w := do(h, http.MethodGet, "/v1/nodes/n1", "")
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d: %s", w.Code, w.Body.String())
	}
	var got struct {
		ID     layout.NodeID  `json:"id"`
		Disks  []layout.Disk  `json:"disks"`
		Layout *layout.Layout `json:"layout"`
	}
	if err := json.Unmarshal(w.Body.Bytes(), &got); err != nil {
		t.Fatal(err)
	}
	if got.Layout == nil {
		t.Fatalf("layout missing from %s", w.Body.String())
	}
	if diff := cmp.Diff([]layout.Disk{sda, sdb}, got.Disks); diff != "" {
		t.Fatal(diff)
	}
	if diff := cmp.Diff(*l, *got.Layout); diff != "" {
		t.Fatal(diff)
	}
}

type fakeRecords struct {
	recs []nodedb.Record
	err  error
}

func (f fakeRecords) List(context.Context) ([]nodedb.Record, error) { return f.recs, f.err }

func TestListRecords(t *testing.T) {
	seen := time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)
	tests := map[string]struct {
		records    RecordLister
		wantStatus int
		wantBody   string
	}{
		"not configured": {wantStatus: http.StatusServiceUnavailable},
		"empty":          {records: fakeRecords{recs: []nodedb.Record{}}, wantStatus: http.StatusOK, wantBody: `[]`},
		"db error":       {records: fakeRecords{err: errors.New("database is locked")}, wantStatus: http.StatusInternalServerError},
		"one node": {
			records:    fakeRecords{recs: []nodedb.Record{{Node: "n1", UUID: uuid.MustParse("5f0a2c9e-8a61-4c1e-9b8e-2d6e4f1c7a10"), DiskCount: 2, FirstSeen: seen, LastSeen: seen}}},
			wantStatus: http.StatusOK,
			wantBody:   `[{"node_id":"n1","uuid":"5f0a2c9e-8a61-4c1e-9b8e-2d6e4f1c7a10","disk_count":2,"first_seen":"2024-03-01T12:00:00Z","last_seen":"2024-03-01T12:00:00Z"}]`,
		},
	}
	for name, tt := range tests {
		t.Run(name, func(t *testing.T) {
			h := &Handler{Registry: registry.New(), Records: tt.records, Log: logr.Discard()}
			srv, err := (&ihttp.Config{Logger: logr.Discard()}).Handler(h.Routes())
			if err != nil {
				t.Fatal(err)
			}
			w := do(srv, http.MethodGet, "/v1/records", "")
			if w.Code != tt.wantStatus {
				t.Fatalf("status = %d, want %d: %s", w.Code, tt.wantStatus, w.Body.String())
			}
			if tt.wantBody != "" {
				if diff := cmp.Diff(tt.wantBody, strings.TrimSpace(w.Body.String())); diff != "" {
					t.Fatal(diff)
				}
			}
		})
	}
}

func TestPutNode(t *testing.T) {
	h, reg := newServer(t, nil)

	if _, err := reg.Generate("n1"); err != nil {
		t.Fatal(err)
	}
	w := do(h, http.MethodPut, "/v1/nodes/n1", `{"disks": [{"device": "sdc", "size": 250059350016, "vendor": "ATA"}]}`)
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d: %s", w.Code, w.Body.String())
	}
	if _, err := reg.Layout("n1"); !errors.Is(err, registry.ErrNotComputed) {
		t.Fatalf("replacing disks must drop the layout, got %v", err)
	}

	w = do(h, http.MethodPut, "/v1/nodes/new", `{"disks": [{"device": "sda", "size": 40000000000}]}`)
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d: %s", w.Code, w.Body.String())
	}
	n, err := reg.LookupNode("new")
	if err != nil {
		t.Fatal(err)
	}
	if len(n.Disks) != 1 || n.Disks[0].Device != "sda" {
		t.Fatalf("unexpected node: %+v", n)
	}
}

func TestSyncAll(t *testing.T) {
	tests := map[string]struct {
		syncer     SyncAller
		wantStatus int
	}{
		"not configured": {wantStatus: http.StatusServiceUnavailable},
		"ok":             {syncer: fakeSyncer{res: syncer.Result{Nodes: []layout.NodeID{"n1"}}}, wantStatus: http.StatusOK},
		"source down":    {syncer: fakeSyncer{err: fmt.Errorf("failed to fetch inventory: %w", errors.New("HTTP 502"))}, wantStatus: http.StatusInternalServerError},
		"no source":      {syncer: fakeSyncer{err: fmt.Errorf("failed to fetch inventory: %w", discovery.ErrNoSource)}, wantStatus: http.StatusServiceUnavailable},
	}
	for name, tt := range tests {
		t.Run(name, func(t *testing.T) {
			h, _ := newServer(t, tt.syncer)
			w := do(h, http.MethodPost, "/v1/actions/sync_all", "")
			if w.Code != tt.wantStatus {
				t.Fatalf("status = %d, want %d: %s", w.Code, tt.wantStatus, w.Body.String())
			}
		})
	}
}

func TestStatusCode(t *testing.T) {
	tests := map[string]struct {
		err  error
		want int
	}{
		"not found":    {err: fmt.Errorf("%w: node n1", registry.ErrNotFound), want: http.StatusNotFound},
		"not computed": {err: registry.ErrNotComputed, want: http.StatusNotFound},
		"no disks":     {err: layout.ErrNoDisksAvailable, want: http.StatusConflict},
		"too small":    {err: layout.ErrInsufficientCapacity, want: http.StatusUnprocessableEntity},
		"too big":      {err: layout.ErrCapacityExceeded, want: http.StatusUnprocessableEntity},
		"dangling":     {err: layout.ErrDanglingReference, want: http.StatusInternalServerError},
	}
	for name, tt := range tests {
		t.Run(name, func(t *testing.T) {
			if got := StatusCode(tt.err); got != tt.want {
				t.Fatalf("StatusCode() = %d, want %d", got, tt.want)
			}
		})
	}
}
