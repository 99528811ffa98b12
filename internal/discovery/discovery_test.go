package discovery

import (
	"context"
	"errors"
	"math"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/go-logr/logr"
	"github.com/google/go-cmp/cmp"

	"github.com/tinkerbell/spaces/internal/layout"
)

const payload = `[
  {"id": "n1", "discovery": {"block_device": {
    "sdb": {"size": "976773168", "removable": "0", "vendor": "ATA", "model": "ST500DM002 "},
    "sda": {"size": "78125000", "removable": "0", "vendor": "ATA", "model": "QEMU HARDDISK"},
    "sr0": {"size": "2097151", "removable": "1", "vendor": "QEMU", "model": "QEMU DVD-ROM"},
    "loop0": {"size": "0", "removable": "0"}
  }}},
  {"id": 7, "discovery": null},
  {"id": "n0"}
]`

func TestDecode(t *testing.T) {
	want := []Node{
		{ID: "7", Disks: []layout.Disk{}},
		{ID: "n0", Disks: []layout.Disk{}},
		{ID: "n1", Disks: []layout.Disk{
			{Device: "sda", SizeBytes: 40_000_000_000, Vendor: "ATA", Model: "QEMU HARDDISK"},
			{Device: "sdb", SizeBytes: 500_107_862_016, Vendor: "ATA", Model: "ST500DM002"},
		}},
	}
	got, err := Decoder{}.Decode([]byte(payload))
	if err != nil {
		t.Fatal(err)
	}
	if diff := cmp.Diff(want, got); diff != "" {
		t.Fatal(diff)
	}
}

func TestDecodeVendors(t *testing.T) {
	got, err := Decoder{Vendors: []string{"QEMU"}}.Decode([]byte(payload))
	if err != nil {
		t.Fatal(err)
	}
	want := []layout.Disk{{Device: "sr0", SizeBytes: 2097151 * 512, Removable: true, Vendor: "QEMU", Model: "QEMU DVD-ROM"}}
	if diff := cmp.Diff(want, got[2].Disks); diff != "" {
		t.Fatal(diff)
	}
}

func TestDecodeErrors(t *testing.T) {
	tests := map[string]struct {
		input   string
		wantErr error
	}{
		"not json":    {input: `<html>`, wantErr: errFormat},
		"not a list":  {input: `{"id": "n1"}`, wantErr: errFormat},
		"missing id":  {input: `[{"discovery": null}]`, wantErr: errMissingID},
		"empty id":    {input: `[{"id": ""}]`, wantErr: errMissingID},
		"object id":   {input: `[{"id": {}}]`, wantErr: errFormat},
		"bad size":    {input: `[{"id": "n1", "discovery": {"block_device": {"sda": {"size": "big", "vendor": "ATA"}}}}]`, wantErr: errFormat},
		"huge size":   {input: `[{"id": "n1", "discovery": {"block_device": {"sda": {"size": "18014398509481984", "vendor": "ATA"}}}}]`, wantErr: errFormat},
		"max sectors": {input: `[{"id": "n1", "discovery": {"block_device": {"sda": {"size": "9223372036854775807", "vendor": "ATA"}}}}]`, wantErr: errFormat},
		"empty input": {input: `[]`},
	}
	for name, tt := range tests {
		t.Run(name, func(t *testing.T) {
			_, err := Decoder{}.Decode([]byte(tt.input))
			if !errors.Is(err, tt.wantErr) {
				t.Fatalf("Decode() error = %v, wantErr %v", err, tt.wantErr)
			}
		})
	}
}

func TestDecodeErrorMessage(t *testing.T) {
	tests := map[string]string{
		"not json":   `<html>`,
		"not a list": `{"id": "n1"}`,
	}
	for name, input := range tests {
		t.Run(name, func(t *testing.T) {
			_, err := Decoder{}.Decode([]byte(input))
			if err == nil || !strings.HasPrefix(err.Error(), "invalid discovery data: ") {
				t.Fatalf("Decode() error = %v, want it to start with the error kind", err)
			}
		})
	}
}

func TestDecodeLargestDisk(t *testing.T) {
	const sectors = math.MaxInt64 / sectorSize
	nodes, err := Decoder{}.Decode([]byte(`[{"id": "n1", "discovery": {"block_device": {"sda": {"size": "` + strconv.FormatInt(sectors, 10) + `", "vendor": "ATA"}}}}]`))
	if err != nil {
		t.Fatal(err)
	}
	if got := nodes[0].Disks[0].SizeBytes; got != sectors*sectorSize || got <= 0 {
		t.Fatalf("SizeBytes = %d, want %d", got, int64(sectors*sectorSize))
	}
}

func TestClient(t *testing.T) {
	tests := map[string]struct {
		statuses   []int
		wantCalls  int32
		wantErr    bool
		wantStatus int
	}{
		"ok":                 {statuses: []int{200}, wantCalls: 1},
		"retry server error": {statuses: []int{503, 500, 200}, wantCalls: 3},
		"give up":            {statuses: []int{500, 500, 500, 500}, wantCalls: 3, wantErr: true, wantStatus: 500},
		"no retry on 404":    {statuses: []int{404, 200}, wantCalls: 1, wantErr: true, wantStatus: 404},
	}
	for name, tt := range tests {
		t.Run(name, func(t *testing.T) {
			var calls int32
			srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
				n := atomic.AddInt32(&calls, 1)
				status := tt.statuses[n-1]
				w.WriteHeader(status)
				if status == http.StatusOK {
					_, _ = w.Write([]byte(payload))
					return
				}
				_, _ = w.Write([]byte(`{"error": "unavailable"}`))
			}))
			defer srv.Close()

			c, err := NewClient(logr.Discard(), srv.URL, nil)
			if err != nil {
				t.Fatal(err)
			}
			c.Delay = time.Millisecond

			nodes, err := c.Nodes(context.Background())
			if (err != nil) != tt.wantErr {
				t.Fatalf("Nodes() error = %v, wantErr %v", err, tt.wantErr)
			}
			if got := atomic.LoadInt32(&calls); got != tt.wantCalls {
				t.Fatalf("got %d calls, want %d", got, tt.wantCalls)
			}
			var he *httpError
			if errors.As(err, &he) != (tt.wantStatus != 0) || (he != nil && he.StatusCode != tt.wantStatus) {
				t.Fatalf("Nodes() error = %v, want HTTP status %d", err, tt.wantStatus)
			}
			if !tt.wantErr && len(nodes) != 3 {
				t.Fatalf("got %d nodes, want 3", len(nodes))
			}
		})
	}
}

func TestNewClientErrors(t *testing.T) {
	for _, u := range []string{"ftp://discovery/", "://nope"} {
		if _, err := NewClient(logr.Discard(), u, nil); err == nil {
			t.Errorf("NewClient(%q) expected an error", u)
		}
	}
}

func TestWatcher(t *testing.T) {
	name := filepath.Join(t.TempDir(), "inventory.yaml")
	initial := "- id: n1\n  discovery:\n    block_device:\n      sda: {size: \"78125000\", removable: \"0\", vendor: ATA}\n"
	if err := os.WriteFile(name, []byte(initial), 0o600); err != nil {
		t.Fatal(err)
	}

	w, err := NewWatcher(logr.Discard(), name, nil)
	if err != nil {
		t.Fatal(err)
	}
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go w.Start(ctx)

	nodes, err := w.Nodes(ctx)
	if err != nil {
		t.Fatal(err)
	}
	want := []Node{{ID: "n1", Disks: []layout.Disk{{Device: "sda", SizeBytes: 40_000_000_000, Vendor: "ATA"}}}}
	if diff := cmp.Diff(want, nodes); diff != "" {
		t.Fatal(diff)
	}

	if err := os.WriteFile(name, []byte("- id: n2\n  discovery: null\n"), 0o600); err != nil {
		t.Fatal(err)
	}
	select {
	case <-w.Notify():
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for the file to be reloaded")
	}
	// a write may be reported as several events; wait for the final content
	deadline := time.Now().Add(5 * time.Second)
	for {
		nodes, err = w.Nodes(ctx)
		if err == nil && len(nodes) == 1 && nodes[0].ID == "n2" {
			break
		}
		if time.Now().After(deadline) {
			t.Fatalf("file reload not observed: nodes=%+v err=%v", nodes, err)
		}
		time.Sleep(10 * time.Millisecond)
	}
}

func TestNoop(t *testing.T) {
	if _, err := (Noop{}).Nodes(context.Background()); !errors.Is(err, ErrNoSource) {
		t.Fatalf("expected ErrNoSource, got %v", err)
	}
}
