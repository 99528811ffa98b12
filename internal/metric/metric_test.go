package metric

import (
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"

	"github.com/tinkerbell/spaces/internal/layout"
)

func TestLayoutResult(t *testing.T) {
	tests := map[string]struct {
		err  error
		want string
	}{
		"success":         {want: ResultOK},
		"no disks":        {err: fmt.Errorf("node n1: %w", layout.ErrNoDisksAvailable), want: ResultNoDisks},
		"small disk":      {err: layout.ErrInsufficientCapacity, want: ResultInsufficientCapacity},
		"volumes too big": {err: layout.ErrCapacityExceeded, want: ResultCapacityExceeded},
		"anything else":   {err: errors.New("boom"), want: ResultError},
	}
	for name, tt := range tests {
		t.Run(name, func(t *testing.T) {
			if got := LayoutResult(tt.err); got != tt.want {
				t.Fatalf("LayoutResult() = %q, want %q", got, tt.want)
			}
		})
	}
}

func TestObserveLayout(t *testing.T) {
	c := LayoutsTotal.WithLabelValues(FromAPI, ResultNoDisks)
	before := testutil.ToFloat64(c)
	ObserveLayout(FromAPI, time.Now(), layout.ErrNoDisksAvailable)
	if got := testutil.ToFloat64(c); got != before+1 {
		t.Fatalf("counter = %v, want %v", got, before+1)
	}
}
