package main

import (
	"fmt"
	"os"

	"videorelay/internal/core/domain"
	"videorelay/internal/core/services"
	"videorelay/pkg/circuitbreaker"
	"videorelay/pkg/config"
	"videorelay/pkg/retry"
)

var configPaths = []string{
	"configs/config.yaml",
	"/etc/videorelay/config.yaml",
	"config.yaml",
}

// findConfig returns VIDEORELAY_CONFIG when set, otherwise the first
// candidate path that exists. An empty result means defaults only.
func findConfig() string {
	if path := os.Getenv("VIDEORELAY_CONFIG"); path != "" {
		return path
	}
	for _, path := range configPaths {
		if _, err := os.Stat(path); err == nil {
			return path
		}
	}
	return ""
}

func streamOptions(cfg *config.Config) services.StreamOptions {
	v := cfg.Video
	return services.StreamOptions{
		ConnectTimeout: v.ConnectTimeout,
		ReadBufferSize: v.ReadBuffer,
		LazyLinger:     v.LazyLinger,
		Reconnect: retry.Config{
			Enabled:      v.Reconnect.Enabled,
			MaxAttempts:  v.Reconnect.MaxAttempts,
			InitialDelay: v.Reconnect.InitialDelay,
			MaxDelay:     v.Reconnect.MaxDelay,
			Multiplier:   v.Reconnect.Multiplier,
			Jitter:       true,
		},
		Breaker: circuitbreaker.Config{
			FailureThreshold:    v.Breaker.FailureThreshold,
			SuccessThreshold:    1,
			Timeout:             v.Breaker.Timeout,
			MaxRequestsHalfOpen: 1,
		},
	}
}

// aggregatorConfig turns the video section into the registry layout.
// A stream without a type is OTHER; one without a mode takes
// video.default_mode.
func aggregatorConfig(cfg *config.Config) (services.AggregatorConfig, error) {
	defaultMode, ok := domain.ParseConnectionMode(cfg.Video.DefaultMode)
	if !ok {
		return services.AggregatorConfig{}, fmt.Errorf("video.default_mode: unknown mode %q", cfg.Video.DefaultMode)
	}

	streams := make([]domain.StreamConfig, 0, len(cfg.Video.Streams))
	for i, e := range cfg.Video.Streams {
		typ := domain.StreamTypeOther
		if e.Type != "" {
			parsed, ok := domain.ParseStreamType(e.Type)
			if !ok {
				return services.AggregatorConfig{}, fmt.Errorf("video.streams[%d].type: unknown type %q", i, e.Type)
			}
			typ = parsed
		}

		mode := defaultMode
		if e.Mode != "" {
			parsed, ok := domain.ParseConnectionMode(e.Mode)
			if !ok {
				return services.AggregatorConfig{}, fmt.Errorf("video.streams[%d].mode: unknown mode %q", i, e.Mode)
			}
			mode = parsed
		}

		name := e.Name
		if name == "" {
			name = fmt.Sprintf("stream %d", i)
		}
		streams = append(streams, domain.StreamConfig{
			Name:          name,
			TeamID:        e.Team,
			Type:          typ,
			URL:           e.URL,
			MimeType:      e.MimeType,
			FileExtension: e.FileExtension,
			Mode:          mode,
		})
	}

	return services.AggregatorConfig{
		Streams:         streams,
		Channels:        cfg.Video.Channels,
		ChannelFailover: cfg.Video.ChannelFailover,
		Stream:          streamOptions(cfg),
	}, nil
}
