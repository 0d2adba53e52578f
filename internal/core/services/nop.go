package services

import (
	"context"
	"time"

	"videorelay/internal/core/domain"
)

// NopMetrics discards relay metrics.
type NopMetrics struct{}

func (NopMetrics) ListenerAttached(string, bool)                {}
func (NopMetrics) ListenerDetached(string, bool, time.Duration) {}
func (NopMetrics) ListenerEvicted(string, string)               {}
func (NopMetrics) BytesRelayed(string, int)                     {}
func (NopMetrics) UpstreamConnect(string, bool)                 {}
func (NopMetrics) StatusChanged(string, domain.Status)          {}
func (NopMetrics) BreakerChanged(string, string)                {}

// NopPublisher drops stream events; used when no event bus is configured.
type NopPublisher struct{}

func (NopPublisher) Publish(context.Context, domain.StreamEvent) error { return nil }
