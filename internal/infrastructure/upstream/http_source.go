package upstream

import (
	"context"
	"fmt"
	"io"
	"net"
	"net/http"
	"time"

	"videorelay/internal/core/domain"
	"videorelay/internal/core/ports"
)

// HTTPSource opens an upstream video stream with a plain GET.
type HTTPSource struct {
	url    string
	client *http.Client
}

func NewHTTPSource(url string, client *http.Client) *HTTPSource {
	return &HTTPSource{url: url, client: client}
}

// NewClient returns a client for long-lived streaming responses: dial and
// header timeouts are bounded, the body is not.
func NewClient(connectTimeout time.Duration) *http.Client {
	transport := &http.Transport{
		Proxy: http.ProxyFromEnvironment,
		DialContext: (&net.Dialer{
			Timeout:   connectTimeout,
			KeepAlive: 30 * time.Second,
		}).DialContext,
		ResponseHeaderTimeout: connectTimeout,
		MaxIdleConnsPerHost:   4,
		IdleConnTimeout:       90 * time.Second,
		// Video payloads are already compressed.
		DisableCompression: true,
	}
	return &http.Client{Transport: transport}
}

// Factory builds HTTP sources sharing one client.
func Factory(client *http.Client) ports.SourceFactory {
	return func(cfg domain.StreamConfig) ports.Source {
		return NewHTTPSource(cfg.URL, client)
	}
}

func (s *HTTPSource) Open(ctx context.Context) (io.ReadCloser, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, s.url, nil)
	if err != nil {
		return nil, fmt.Errorf("build request for %s: %w", s.url, err)
	}
	resp, err := s.client.Do(req)
	if err != nil {
		return nil, err
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		resp.Body.Close()
		return nil, fmt.Errorf("upstream %s answered %s", s.url, resp.Status)
	}
	return resp.Body, nil
}
