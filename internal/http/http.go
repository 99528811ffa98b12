// Package http is the http server for spaces.
package http

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"runtime"
	"time"

	"github.com/go-logr/logr"
	"github.com/packethost/xff"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
)

// Config is the configuration for the http server.
type Config struct {
	GitRev         string
	StartTime      time.Time
	Logger         logr.Logger
	TrustedProxies []string
}

// HandlerMapping is a map of method and path patterns, as understood by
// http.ServeMux, to http.HandlerFuncs.
type HandlerMapping map[string]http.HandlerFunc

// Handler builds the full handler chain: the routes plus /metrics and
// /healthcheck, instrumented with OpenTelemetry, logged, and with
// X-Forwarded-For support when trusted proxies are configured.
func (s *Config) Handler(handlers HandlerMapping) (http.Handler, error) {
	mux := http.NewServeMux()
	for pattern, handler := range handlers {
		mux.Handle(otelFuncWrapper(pattern, handler))
	}
	mux.Handle("GET /metrics", promhttp.Handler())
	mux.HandleFunc("GET /healthcheck", s.serveHealthchecker(s.GitRev, s.StartTime))

	var h http.Handler = &accessLog{
		next: otelhttp.NewHandler(mux, "spaces-http"),
		log:  s.Logger,
	}
	if len(s.TrustedProxies) > 0 {
		xffmw, err := xff.New(xff.Options{AllowedSubnets: s.TrustedProxies})
		if err != nil {
			return nil, fmt.Errorf("failed to create new xff object: %w", err)
		}
		h = xffmw.Handler(h)
	}

	return h, nil
}

// ServeHTTP starts the http server on addr and blocks until ctx is done.
func (s *Config) ServeHTTP(ctx context.Context, addr string, handlers HandlerMapping) error {
	h, err := s.Handler(handlers)
	if err != nil {
		return err
	}
	server := http.Server{
		Addr:    addr,
		Handler: h,

		// Mitigate Slowloris attacks.
		ReadHeaderTimeout: 20 * time.Second,
	}

	go func() {
		<-ctx.Done()
		s.Logger.Info("shutting down http server")
		sctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = server.Shutdown(sctx)
	}()
	if err := server.ListenAndServe(); err != nil {
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		s.Logger.Error(err, "listen and serve http")
		return err
	}

	return nil
}

func (s *Config) serveHealthchecker(rev string, start time.Time) http.HandlerFunc {
	return func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		res := struct {
			GitRev     string  `json:"git_rev"`
			Uptime     float64 `json:"uptime"`
			Goroutines int     `json:"goroutines"`
		}{
			GitRev:     rev,
			Uptime:     time.Since(start).Seconds(),
			Goroutines: runtime.NumGoroutine(),
		}
		if err := json.NewEncoder(w).Encode(&res); err != nil {
			w.WriteHeader(http.StatusInternalServerError)
			s.Logger.Error(err, "marshaling healthcheck json")
		}
	}
}

// otelFuncWrapper takes a route and an http handler function, wraps the function
// with otelhttp, and returns the route again and http.Handler all set for mux.Handle().
func otelFuncWrapper(route string, h func(w http.ResponseWriter, req *http.Request)) (string, http.Handler) {
	return route, otelhttp.WithRouteTag(route, http.HandlerFunc(h))
}
