package ports

import (
	"context"
	"io"
	"net/http"
	"time"

	"videorelay/internal/core/domain"
)

// Source opens the upstream byte stream of one video source.
type Source interface {
	Open(ctx context.Context) (io.ReadCloser, error)
}

// SourceFactory builds the Source for a configured stream.
type SourceFactory func(cfg domain.StreamConfig) Source

type RelayMetrics interface {
	ListenerAttached(stream string, privileged bool)
	ListenerDetached(stream string, privileged bool, viewed time.Duration)
	ListenerEvicted(stream string, reason string)
	BytesRelayed(stream string, n int)
	UpstreamConnect(stream string, ok bool)
	StatusChanged(stream string, status domain.Status)
	BreakerChanged(stream string, state string)
}

type EventPublisher interface {
	Publish(ctx context.Context, event domain.StreamEvent) error
}

// Authorizer answers the privilege questions the video surface asks.
type Authorizer interface {
	IsAdmin(r *http.Request) bool
	IsStaff(r *http.Request) bool
}
