package discovery

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/avast/retry-go"
	"github.com/go-logr/logr"
	"github.com/pkg/errors"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
)

// maxBody bounds the size of a discovery response.
const maxBody = 64 << 20

// Client fetches the inventory from the discovery service over HTTP.
type Client struct {
	http    *http.Client
	baseURL *url.URL
	decoder Decoder
	log     logr.Logger

	// Attempts is the number of tries per fetch.
	Attempts uint
	// Delay is the base back-off between tries.
	Delay time.Duration
}

// NewClient returns a Client for the discovery service at baseURL.
func NewClient(l logr.Logger, baseURL string, vendors []string) (*Client, error) {
	u, err := url.Parse(baseURL)
	if err != nil {
		return nil, errors.Wrapf(err, "parse discovery url %q", baseURL)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return nil, errors.Errorf("unsupported discovery url scheme %q", u.Scheme)
	}
	t, ok := http.DefaultTransport.(*http.Transport)
	if !ok {
		return nil, errors.New("unexpected type for http.DefaultTransport")
	}

	return &Client{
		http: &http.Client{
			Timeout: 30 * time.Second,
			Transport: &loggingTransport{
				RoundTripper: otelhttp.NewTransport(t.Clone()),
				log:          l,
			},
		},
		baseURL:  u,
		decoder:  Decoder{Vendors: vendors},
		log:      l,
		Attempts: 3,
		Delay:    time.Second,
	}, nil
}

// Nodes implements Source. Server errors and transport failures are retried;
// client errors are not.
func (c *Client) Nodes(ctx context.Context) ([]Node, error) {
	tracer := otel.Tracer(tracerName)
	ctx, span := tracer.Start(ctx, "discovery.client.Nodes")
	defer span.End()

	var (
		nodes   []Node
		lastErr error
	)
	err := retry.Do(
		func() error {
			nodes, lastErr = c.fetch(ctx)

			return lastErr
		},
		retry.Attempts(c.attempts()),
		retry.Delay(c.Delay),
		retry.RetryIf(func(err error) bool {
			if ctx.Err() != nil {
				return false
			}
			var he *httpError
			if errors.As(err, &he) {
				return he.StatusCode >= http.StatusInternalServerError
			}

			return !errors.Is(err, errFormat)
		}),
		retry.OnRetry(func(n uint, err error) {
			c.log.V(1).Info("retrying discovery fetch", "attempt", n+1, "err", err)
		}),
	)
	if err != nil {
		// the retry error aggregates every attempt; callers inspect the last one
		if lastErr != nil {
			err = lastErr
		}
		span.SetStatus(codes.Error, err.Error())

		return nil, errors.Wrap(err, "fetch discovery data")
	}
	span.SetAttributes(attribute.Int("discovery.nodes", len(nodes)))
	span.SetStatus(codes.Ok, "")

	return nodes, nil
}

func (c *Client) attempts() uint {
	if c.Attempts == 0 {
		return 1
	}

	return c.Attempts
}

func (c *Client) fetch(ctx context.Context) ([]Node, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL.String(), nil)
	if err != nil {
		return nil, errors.Wrap(err, "setup GET request")
	}
	req.Header.Set("Accept", "application/json")

	res, err := c.http.Do(req)
	if err != nil {
		return nil, errors.Wrap(err, "submit http request")
	}
	defer res.Body.Close()
	defer io.Copy(io.Discard, res.Body) //nolint:errcheck // drain so the connection can be reused

	if res.StatusCode < 200 || res.StatusCode > 399 {
		e := &httpError{StatusCode: res.StatusCode}
		e.unmarshalErrors(res.Body)

		return nil, errors.Wrap(e, "unmarshalling response")
	}
	b, err := io.ReadAll(io.LimitReader(res.Body, maxBody))
	if err != nil {
		return nil, errors.Wrap(err, "read body")
	}

	return c.decoder.Decode(b)
}

type httpError struct {
	StatusCode int
	Errors     []error
}

func (e *httpError) Error() string {
	switch len(e.Errors) {
	case 0:
		return fmt.Sprintf("HTTP %d", e.StatusCode)
	case 1:
		return fmt.Sprintf("HTTP %d: %s", e.StatusCode, e.Errors[0])
	}
	errs := make([]string, 0, len(e.Errors))
	for _, err := range e.Errors {
		errs = append(errs, err.Error())
	}

	return fmt.Sprintf("HTTP %d: %s", e.StatusCode, strings.Join(errs, "; "))
}

func (e *httpError) unmarshalErrors(r io.Reader) {
	var v struct {
		Error  string   `json:"error"`
		Errors []string `json:"errors"`
	}
	if err := json.NewDecoder(io.LimitReader(r, 1<<20)).Decode(&v); err != nil {
		return
	}
	if n := len(v.Errors); n > 0 {
		errs := make([]error, n)
		for i := range v.Errors {
			errs[i] = errors.New(v.Errors[i])
		}
		e.Errors = errs
	} else if v.Error != "" {
		e.Errors = []error{errors.New(v.Error)}
	}
}

// loggingTransport logs every request made to the discovery service.
type loggingTransport struct {
	http.RoundTripper
	log logr.Logger
}

func (t *loggingTransport) RoundTrip(req *http.Request) (*http.Response, error) {
	method, uri := req.Method, req.URL.String()
	t.log.V(1).Info("client request", "event", "cs", "method", method, "uri", uri)

	start := time.Now()
	res, err := t.RoundTripper.RoundTrip(req)
	d := time.Since(start)

	if res != nil {
		t.log.Info("client response", "event", "cr", "method", method, "uri", uri, "duration", d, "status", res.StatusCode)
	}

	return res, err
}
