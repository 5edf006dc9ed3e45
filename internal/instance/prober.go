package instance

import (
	"context"
	"fmt"
	"io"
	"net"
	"net/http"
	"strconv"
	"time"
)

// Prober checks whether the backend listening on port is ready.
type Prober interface {
	Probe(ctx context.Context, port int) error
}

// HTTPProber issues GET requests against the backend's health path and
// treats any 2xx response as ready.
type HTTPProber struct {
	client *http.Client
	path   string
}

// NewHTTPProber creates a prober for path. timeout bounds each request in
// addition to the caller's context.
func NewHTTPProber(path string, timeout time.Duration) *HTTPProber {
	if path == "" {
		path = "/"
	}
	if path[0] != '/' {
		path = "/" + path
	}
	return &HTTPProber{
		client: &http.Client{
			Timeout: timeout,
			Transport: &http.Transport{
				DisableKeepAlives: true,
				Proxy:             nil,
			},
		},
		path: path,
	}
}

// Probe performs one readiness check.
func (p *HTTPProber) Probe(ctx context.Context, port int) error {
	url := "http://" + net.JoinHostPort("127.0.0.1", strconv.Itoa(port)) + p.path
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return err
	}

	resp, err := p.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 4096))

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return fmt.Errorf("health check returned %d", resp.StatusCode)
	}
	return nil
}
