package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v2"
)

// MaxChannels mirrors the fixed number of channel subscription points.
const MaxChannels = 16

type StreamEntry struct {
	Name          string `yaml:"name"`
	Team          string `yaml:"team"`
	Type          string `yaml:"type"`
	URL           string `yaml:"url"`
	MimeType      string `yaml:"mime_type"`
	FileExtension string `yaml:"extension"`
	// Mode overrides video.default_mode for this stream.
	Mode string `yaml:"mode,omitempty"`
}

type ContestEntry struct {
	ID      string `yaml:"id"`
	Frozen  bool   `yaml:"frozen"`
	Running bool   `yaml:"running"`
}

type Config struct {
	Server struct {
		Address         string        `yaml:"address"`
		ReadTimeout     time.Duration `yaml:"read_timeout"`
		ShutdownTimeout time.Duration `yaml:"shutdown_timeout"`
	} `yaml:"server"`

	Monitoring struct {
		PrometheusEnabled bool          `yaml:"prometheus_enabled"`
		StatusInterval    time.Duration `yaml:"status_interval"`
	} `yaml:"monitoring"`

	Logging struct {
		Level  string `yaml:"level"`
		Format string `yaml:"format"`
	} `yaml:"logging"`

	Tracing struct {
		Enabled     bool    `yaml:"enabled"`
		ServiceName string  `yaml:"service_name"`
		JaegerURL   string  `yaml:"jaeger_url"`
		Environment string  `yaml:"environment"`
		SampleRate  float64 `yaml:"sample_rate"`
	} `yaml:"tracing"`

	Redis struct {
		Enabled  bool   `yaml:"enabled"`
		Address  string `yaml:"address"`
		Password string `yaml:"password"`
		DB       int    `yaml:"db"`
		PoolSize int    `yaml:"pool_size"`
		// StateCacheTTL bounds how stale contest freeze flags may be; zero
		// reads Redis on every viewer request.
		StateCacheTTL time.Duration `yaml:"state_cache_ttl"`
		// View counts are written in batches of ViewBatchSize or every
		// ViewFlushInterval; a size of 0 or 1 writes each view at once.
		ViewBatchSize     int           `yaml:"view_batch_size"`
		ViewFlushInterval time.Duration `yaml:"view_flush_interval"`
	} `yaml:"redis"`

	Auth struct {
		JWTSecret      string        `yaml:"jwt_secret"`
		AccessTokenTTL time.Duration `yaml:"access_token_ttl"`
		// TokenQueryParam lets players that cannot set headers pass the
		// bearer token in the URL.
		TokenQueryParam string   `yaml:"token_query_param"`
		AdminRoles      []string `yaml:"admin_roles"`
		StaffRoles      []string `yaml:"staff_roles"`
	} `yaml:"auth"`

	RateLimiting struct {
		Enabled bool `yaml:"enabled"`

		HTTP struct {
			RequestsPerSecond float64 `yaml:"requests_per_second"`
			Burst             int     `yaml:"burst"`
			MaxConcurrent     int     `yaml:"max_concurrent"` // global concurrent admin/status requests
		} `yaml:"http"`
	} `yaml:"rate_limiting"`

	Video struct {
		// Serving selects how viewers are served: "relay" fans the upstream
		// out, "proxy" forwards each request to the source.
		Serving        string        `yaml:"serving"`
		DefaultMode    string        `yaml:"default_mode"`
		ListenerQueue  int           `yaml:"listener_queue"`
		WriteTimeout   time.Duration `yaml:"write_timeout"`
		ConnectTimeout time.Duration `yaml:"connect_timeout"`
		ReadBuffer     int           `yaml:"read_buffer"`
		LazyLinger     time.Duration `yaml:"lazy_linger"`
		// ChannelFailover is how long a channel waits on a member that is
		// not CONNECTED before moving to the next one.
		ChannelFailover time.Duration `yaml:"channel_failover"`

		Reconnect struct {
			Enabled      bool          `yaml:"enabled"`
			MaxAttempts  int           `yaml:"max_attempts"`
			InitialDelay time.Duration `yaml:"initial_delay"`
			MaxDelay     time.Duration `yaml:"max_delay"`
			Multiplier   float64       `yaml:"multiplier"`
		} `yaml:"reconnect"`

		Breaker struct {
			FailureThreshold int           `yaml:"failure_threshold"`
			Timeout          time.Duration `yaml:"timeout"`
		} `yaml:"breaker"`

		Streams  []StreamEntry `yaml:"streams"`
		Channels [][]int       `yaml:"channels"`
	} `yaml:"video"`

	Contests []ContestEntry `yaml:"contests"`
}

// Validate checks that configuration values are within acceptable ranges.
func (c *Config) Validate() error {
	if c.Server.Address == "" {
		return fmt.Errorf("server.address must not be empty")
	}
	if c.Server.ShutdownTimeout <= 0 {
		return fmt.Errorf("server.shutdown_timeout must be > 0")
	}

	if c.Monitoring.StatusInterval <= 0 {
		return fmt.Errorf("monitoring.status_interval must be > 0")
	}

	if c.Logging.Level == "" {
		return fmt.Errorf("logging.level must not be empty")
	}

	if c.Tracing.Enabled {
		if c.Tracing.JaegerURL == "" {
			return fmt.Errorf("tracing.jaeger_url must not be empty when tracing.enabled=true")
		}
		if c.Tracing.SampleRate < 0 || c.Tracing.SampleRate > 1 {
			return fmt.Errorf("tracing.sample_rate must be within [0, 1]")
		}
	}

	if c.Redis.Enabled {
		if c.Redis.Address == "" {
			return fmt.Errorf("redis.address must not be empty when redis.enabled=true")
		}
		if c.Redis.PoolSize <= 0 {
			return fmt.Errorf("redis.pool_size must be > 0 when redis.enabled=true")
		}
		if c.Redis.StateCacheTTL < 0 {
			return fmt.Errorf("redis.state_cache_ttl must be >= 0")
		}
		if c.Redis.ViewBatchSize > 1 && c.Redis.ViewFlushInterval <= 0 {
			return fmt.Errorf("redis.view_flush_interval must be > 0 when view batching is enabled")
		}
	}

	if c.Auth.JWTSecret == "" {
		return fmt.Errorf("auth.jwt_secret must not be empty")
	}
	if len(c.Auth.AdminRoles) == 0 {
		return fmt.Errorf("auth.admin_roles must not be empty")
	}

	if c.RateLimiting.Enabled {
		if c.RateLimiting.HTTP.RequestsPerSecond <= 0 {
			return fmt.Errorf("rate_limiting.http.requests_per_second must be > 0 when rate limiting is enabled")
		}
		if c.RateLimiting.HTTP.Burst <= 0 {
			return fmt.Errorf("rate_limiting.http.burst must be > 0 when rate limiting is enabled")
		}
		if c.RateLimiting.HTTP.MaxConcurrent < 0 {
			return fmt.Errorf("rate_limiting.http.max_concurrent must be >= 0")
		}
	}

	return c.validateVideo()
}

func (c *Config) validateVideo() error {
	v := &c.Video
	switch v.Serving {
	case "relay", "proxy":
	default:
		return fmt.Errorf("video.serving must be relay or proxy, got %q", v.Serving)
	}
	if v.ListenerQueue <= 0 {
		return fmt.Errorf("video.listener_queue must be > 0")
	}
	if v.WriteTimeout <= 0 {
		return fmt.Errorf("video.write_timeout must be > 0")
	}
	if v.ConnectTimeout <= 0 {
		return fmt.Errorf("video.connect_timeout must be > 0")
	}
	if v.ReadBuffer <= 0 {
		return fmt.Errorf("video.read_buffer must be > 0")
	}
	if v.LazyLinger < 0 {
		return fmt.Errorf("video.lazy_linger must be >= 0")
	}
	if v.ChannelFailover <= 0 {
		return fmt.Errorf("video.channel_failover must be > 0")
	}
	if v.Reconnect.Enabled {
		if v.Reconnect.InitialDelay <= 0 {
			return fmt.Errorf("video.reconnect.initial_delay must be > 0")
		}
		if v.Reconnect.MaxDelay < v.Reconnect.InitialDelay {
			return fmt.Errorf("video.reconnect.max_delay must be >= initial_delay")
		}
		if v.Reconnect.Multiplier < 1 {
			return fmt.Errorf("video.reconnect.multiplier must be >= 1")
		}
		if v.Reconnect.MaxAttempts < 0 {
			return fmt.Errorf("video.reconnect.max_attempts must be >= 0")
		}
	}

	for i, s := range v.Streams {
		if s.URL == "" {
			return fmt.Errorf("video.streams[%d].url must not be empty", i)
		}
	}
	if len(v.Channels) > MaxChannels {
		return fmt.Errorf("video.channels: %d configured, at most %d allowed", len(v.Channels), MaxChannels)
	}
	for ch, members := range v.Channels {
		for _, idx := range members {
			if idx < 0 || idx >= len(v.Streams) {
				return fmt.Errorf("video.channels[%d]: stream %d out of range", ch, idx)
			}
		}
	}

	seen := make(map[string]bool, len(c.Contests))
	for i, ct := range c.Contests {
		if ct.ID == "" {
			return fmt.Errorf("contests[%d].id must not be empty", i)
		}
		if seen[ct.ID] {
			return fmt.Errorf("contests[%d]: duplicate id %q", i, ct.ID)
		}
		seen[ct.ID] = true
	}
	return nil
}

// Load reads configuration from YAML file, applies defaults and env overrides.
func Load(configPath string) (*Config, error) {
	cfg := DefaultConfig()

	data, err := os.ReadFile(configPath)
	switch {
	case os.IsNotExist(err):
		// defaults only
	case err != nil:
		return nil, fmt.Errorf("failed to read config file %s: %w", configPath, err)
	default:
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("failed to unmarshal config yaml: %w", err)
		}
	}

	cfg.applyEnvOverrides()
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return cfg, nil
}

// DefaultConfig returns configuration with sane defaults.
func DefaultConfig() *Config {
	cfg := &Config{}

	cfg.Server.Address = ":8080"
	cfg.Server.ReadTimeout = 30 * time.Second
	cfg.Server.ShutdownTimeout = 15 * time.Second

	cfg.Monitoring.PrometheusEnabled = true
	cfg.Monitoring.StatusInterval = 2 * time.Second

	cfg.Logging.Level = "info"
	cfg.Logging.Format = "json"

	cfg.Tracing.Enabled = false
	cfg.Tracing.ServiceName = "videorelay"
	cfg.Tracing.JaegerURL = "http://localhost:14268/api/traces"
	cfg.Tracing.Environment = "development"
	cfg.Tracing.SampleRate = 1.0

	cfg.Redis.Enabled = false
	cfg.Redis.Address = "localhost:6379"
	cfg.Redis.PoolSize = 10
	cfg.Redis.StateCacheTTL = time.Second
	cfg.Redis.ViewBatchSize = 100
	cfg.Redis.ViewFlushInterval = time.Second

	cfg.Auth.JWTSecret = "change-me-in-production"
	cfg.Auth.AccessTokenTTL = 12 * time.Hour
	cfg.Auth.TokenQueryParam = "token"
	cfg.Auth.AdminRoles = []string{"admin"}
	cfg.Auth.StaffRoles = []string{"staff"}

	cfg.RateLimiting.Enabled = false
	cfg.RateLimiting.HTTP.RequestsPerSecond = 20
	cfg.RateLimiting.HTTP.Burst = 40

	cfg.Video.Serving = "relay"
	cfg.Video.DefaultMode = "lazy"
	cfg.Video.ListenerQueue = 256
	cfg.Video.WriteTimeout = 10 * time.Second
	cfg.Video.ConnectTimeout = 10 * time.Second
	cfg.Video.ReadBuffer = 32 * 1024
	cfg.Video.LazyLinger = 5 * time.Second
	cfg.Video.ChannelFailover = 5 * time.Second
	cfg.Video.Reconnect.Enabled = true
	cfg.Video.Reconnect.MaxAttempts = 10
	cfg.Video.Reconnect.InitialDelay = time.Second
	cfg.Video.Reconnect.MaxDelay = 30 * time.Second
	cfg.Video.Reconnect.Multiplier = 2.0
	cfg.Video.Breaker.FailureThreshold = 5
	cfg.Video.Breaker.Timeout = 15 * time.Second

	return cfg
}

func (c *Config) applyEnvOverrides() {
	if addr := os.Getenv("VIDEORELAY_SERVER_ADDRESS"); addr != "" {
		c.Server.Address = addr
	}
	if level := os.Getenv("VIDEORELAY_LOG_LEVEL"); level != "" {
		c.Logging.Level = level
	}
	if secret := os.Getenv("VIDEORELAY_JWT_SECRET"); secret != "" {
		c.Auth.JWTSecret = secret
	}
	if addr := os.Getenv("VIDEORELAY_REDIS_ADDRESS"); addr != "" {
		c.Redis.Address = addr
		c.Redis.Enabled = true
	}
	if serving := os.Getenv("VIDEORELAY_SERVING"); serving != "" {
		c.Video.Serving = strings.ToLower(serving)
	}
	if mode := os.Getenv("VIDEORELAY_DEFAULT_MODE"); mode != "" {
		c.Video.DefaultMode = mode
	}
	if v := os.Getenv("VIDEORELAY_TRACING_ENABLED"); v != "" {
		if enabled, err := strconv.ParseBool(v); err == nil {
			c.Tracing.Enabled = enabled
		}
	}
}
