package http

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/http/httputil"
	"net/url"
	"strings"
	"sync"
	"time"

	"videorelay/internal/core/services"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
)

// ServingStrategy serves one viewer request for a stream once the access
// gates have passed. The strategy is chosen at startup from video.serving.
type ServingStrategy interface {
	ServeStream(c *gin.Context, s *services.Stream, subpath string, privileged bool) error
}

type rawWriterKey struct{}

// WithRawWriter exposes the server's own ResponseWriter to the relay so it
// can set per-write deadlines on the connection; gin's wrapper does not
// forward them.
func WithRawWriter(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ctx := context.WithValue(r.Context(), rawWriterKey{}, w)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

func rawWriter(c *gin.Context) http.ResponseWriter {
	if w, ok := c.Request.Context().Value(rawWriterKey{}).(http.ResponseWriter); ok {
		return w
	}
	return c.Writer
}

var errSinkClosed = errors.New("viewer response closed")

// httpSink writes relayed chunks to a viewer response. Each write gets a
// fresh deadline and is flushed so players see data as it arrives. Close
// waits for an in-flight write so the response is never touched after the
// handler returns.
type httpSink struct {
	mu      sync.Mutex
	w       http.ResponseWriter
	rc      *http.ResponseController
	timeout time.Duration
	closed  bool
}

func newHTTPSink(w http.ResponseWriter, timeout time.Duration) *httpSink {
	return &httpSink{w: w, rc: http.NewResponseController(w), timeout: timeout}
}

func (s *httpSink) Write(p []byte) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return 0, errSinkClosed
	}
	if s.timeout > 0 {
		if err := s.rc.SetWriteDeadline(time.Now().Add(s.timeout)); err != nil && !errors.Is(err, http.ErrNotSupported) {
			return 0, err
		}
	}
	n, err := s.w.Write(p)
	if err != nil {
		return n, err
	}
	if err := s.rc.Flush(); err != nil && !errors.Is(err, http.ErrNotSupported) {
		return n, err
	}
	return n, nil
}

func (s *httpSink) Close() {
	s.mu.Lock()
	s.closed = true
	s.mu.Unlock()
}

// viewerHeaders are sent on every relayed response.
func viewerHeaders(c *gin.Context, index int, mimeType, ext string) {
	if mimeType == "" {
		mimeType = "application/octet-stream"
	}
	if ext == "" {
		ext = "bin"
	}
	c.Header("Cache-Control", "no-cache")
	c.Header("Access-Control-Allow-Origin", "*")
	c.Header("X-Accel-Buffering", "no")
	c.Header("Content-Type", mimeType)
	c.Header("Content-Disposition", fmt.Sprintf(`inline; filename="stream-%d.%s"`, index, ext))
}

// attachFunc adds a listener to a stream or channel.
type attachFunc func(ctx context.Context, l *services.Listener) (*services.Subscription, error)

// RelayStrategy attaches the viewer to the stream's fan-out and holds the
// request open until the viewer leaves or is evicted.
type RelayStrategy struct {
	queueSize    int
	writeTimeout time.Duration
	logger       *zap.SugaredLogger
}

func NewRelayStrategy(queueSize int, writeTimeout time.Duration, logger *zap.SugaredLogger) *RelayStrategy {
	return &RelayStrategy{queueSize: queueSize, writeTimeout: writeTimeout, logger: logger}
}

func (r *RelayStrategy) ServeStream(c *gin.Context, s *services.Stream, subpath string, privileged bool) error {
	viewerHeaders(c, s.Index(), s.MimeType(), s.FileExtension())
	return r.relay(c, s.AddListener, privileged, "stream", s.Index())
}

// ServeChannel relays a channel; channels are always relayed since their
// source changes on failover.
func (r *RelayStrategy) ServeChannel(c *gin.Context, ch *services.Channel, mimeType, ext string, privileged bool) error {
	viewerHeaders(c, ch.Index(), mimeType, ext)
	return r.relay(c, ch.AddListener, privileged, "channel", ch.Index())
}

func (r *RelayStrategy) relay(c *gin.Context, attach attachFunc, privileged bool, kind string, index int) error {
	ctx := c.Request.Context()

	// Headers go out before the attach so the listener's writer is the
	// only goroutine touching the response afterwards.
	c.Status(http.StatusOK)
	c.Writer.WriteHeaderNow()
	c.Writer.Flush()

	sink := newHTTPSink(rawWriter(c), r.writeTimeout)
	defer sink.Close()

	l := services.NewListener(sink, privileged, r.queueSize)
	sub, err := attach(ctx, l)
	if err != nil {
		return err
	}
	defer sub.Close()

	r.logger.Debugw("viewer attached",
		kind, index,
		"listener", l.ID(),
		"privileged", privileged,
		"remote", c.ClientIP(),
	)

	select {
	case <-ctx.Done():
	case <-sub.Done():
	}
	sub.Close()

	r.logger.Debugw("viewer detached",
		kind, index,
		"listener", l.ID(),
		"viewed", time.Since(l.AttachedAt()).Round(time.Second),
	)
	return nil
}

// ProxyStrategy forwards viewer requests to the stream's source URL. A
// sub-path is resolved against the source URL, so /stream/3/seg1.ts on an
// HLS source at http://cam/hls/index.m3u8 fetches http://cam/hls/seg1.ts.
type ProxyStrategy struct {
	transport http.RoundTripper
	logger    *zap.SugaredLogger

	mu      sync.Mutex
	proxies map[int]*httputil.ReverseProxy
}

func NewProxyStrategy(transport http.RoundTripper, logger *zap.SugaredLogger) *ProxyStrategy {
	if transport == nil {
		transport = http.DefaultTransport
	}
	return &ProxyStrategy{
		transport: transport,
		logger:    logger,
		proxies:   make(map[int]*httputil.ReverseProxy),
	}
}

func (p *ProxyStrategy) ServeStream(c *gin.Context, s *services.Stream, subpath string, privileged bool) error {
	proxy, err := p.proxyFor(s)
	if err != nil {
		return err
	}

	req := c.Request.Clone(c.Request.Context())
	req.URL.Path = "/" + strings.TrimPrefix(subpath, "/")
	req.URL.RawPath = ""
	q := req.URL.Query()
	q.Del("token")
	req.URL.RawQuery = q.Encode()

	c.Header("Access-Control-Allow-Origin", "*")
	proxy.ServeHTTP(c.Writer, req)
	return nil
}

func (p *ProxyStrategy) proxyFor(s *services.Stream) (*httputil.ReverseProxy, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if proxy, ok := p.proxies[s.Index()]; ok {
		return proxy, nil
	}

	target, err := url.Parse(s.URL())
	if err != nil {
		return nil, fmt.Errorf("stream %d source url: %w", s.Index(), err)
	}
	index := s.Index()
	proxy := &httputil.ReverseProxy{
		Rewrite: func(pr *httputil.ProxyRequest) {
			dst := *target
			if sub := strings.TrimPrefix(pr.In.URL.Path, "/"); sub != "" {
				dst = *target.ResolveReference(&url.URL{Path: sub})
			}
			dst.RawQuery = mergeQuery(dst.RawQuery, pr.In.URL.RawQuery)
			pr.Out.URL = &dst
			pr.Out.Host = ""
			pr.SetXForwarded()
			pr.Out.Header.Del("Authorization")
		},
		Transport:     p.transport,
		FlushInterval: -1,
		ErrorHandler: func(w http.ResponseWriter, r *http.Request, err error) {
			p.logger.Warnw("proxy request failed",
				"stream", index,
				"path", r.URL.Path,
				"error", err,
			)
			w.WriteHeader(http.StatusBadGateway)
		},
	}
	p.proxies[index] = proxy
	return proxy, nil
}

func mergeQuery(base, extra string) string {
	switch {
	case base == "":
		return extra
	case extra == "":
		return base
	default:
		return base + "&" + extra
	}
}
