package http

import (
	"net"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-logr/logr"

	"github.com/tinkerbell/spaces/internal/metric"
)

const nodesPrefix = "/v1/nodes/"

// accessLog logs and counts /v1 API requests. Reads are logged at V(1);
// inventory writes and server errors are always logged.
type accessLog struct {
	next http.Handler
	log  logr.Logger
}

func (a *accessLog) ServeHTTP(w http.ResponseWriter, req *http.Request) {
	start := time.Now()
	rec := &statusRecorder{ResponseWriter: w}
	a.next.ServeHTTP(rec, req)

	path := req.URL.Path
	if !strings.HasPrefix(path, "/v1/") {
		return
	}
	status := rec.status()
	metric.APIRequestsTotal.WithLabelValues(req.Method, strconv.Itoa(status)).Inc()

	kv := []interface{}{"method", req.Method, "path", path, "status", status, "bytes", rec.bytes, "elapsed", time.Since(start), "client", clientIP(req.RemoteAddr)}
	if node := nodeFromPath(path); node != "" {
		kv = append(kv, "node", node)
	}
	log := a.log
	if req.Method == http.MethodGet && status < http.StatusInternalServerError {
		log = log.V(1)
	}
	log.Info("api request", kv...)
}

// nodeFromPath returns the node id segment of a /v1/nodes/{id}/... path.
func nodeFromPath(path string) string {
	rest, ok := strings.CutPrefix(path, nodesPrefix)
	if !ok {
		return ""
	}
	id, _, _ := strings.Cut(rest, "/")

	return id
}

type statusRecorder struct {
	http.ResponseWriter
	code  int
	bytes int
}

func (r *statusRecorder) status() int {
	if r.code == 0 {
		return http.StatusOK
	}

	return r.code
}

func (r *statusRecorder) Write(b []byte) (int, error) {
	if r.code == 0 {
		r.code = http.StatusOK
	}
	n, err := r.ResponseWriter.Write(b)
	r.bytes += n

	return n, err
}

func (r *statusRecorder) WriteHeader(code int) {
	if r.code == 0 {
		r.code = code
	}
	r.ResponseWriter.WriteHeader(code)
}

func clientIP(str string) string {
	host, _, err := net.SplitHostPort(str)
	if err != nil {
		return "?"
	}

	return host
}
