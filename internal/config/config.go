package config

import (
	"errors"
	"fmt"
	"net/url"
	"path/filepath"
	"strings"
	"time"
)

type Config struct {
	Server   ServerConfig
	Upstream UpstreamConfig
	Storage  StorageConfig
	Cache    CacheConfig
	Queue    QueueConfig
	Log      LogConfig
	API      APIConfig
}

type ServerConfig struct {
	Port int
	// AllowedOrigins is a comma-separated list of CORS origins.
	AllowedOrigins string
}

// Origins splits AllowedOrigins into trimmed, non-empty entries.
func (s ServerConfig) Origins() []string {
	var out []string
	for _, o := range strings.Split(s.AllowedOrigins, ",") {
		if o = strings.TrimSpace(o); o != "" {
			out = append(out, o)
		}
	}
	return out
}

type UpstreamConfig struct {
	URL         string
	Mock        bool
	Token       string
	Timeout     time.Duration
	MaxAttempts int
	BaseBackoff time.Duration
}

type StorageConfig struct {
	DataDir string
}

type CacheConfig struct {
	TTL time.Duration
}

type QueueConfig struct {
	FlushInterval time.Duration
}

type LogConfig struct {
	Level string
	Dir   string
}

type APIConfig struct {
	Token string
}

func defaults() Config {
	return Config{
		Server: ServerConfig{
			Port:           8000,
			AllowedOrigins: "http://localhost:3000,http://localhost:5173",
		},
		Upstream: UpstreamConfig{
			Timeout:     15 * time.Second,
			MaxAttempts: 3,
			BaseBackoff: time.Second,
		},
		Storage: StorageConfig{
			DataDir: defaultDataDir(),
		},
		Log: LogConfig{
			Level: "info",
		},
	}
}

// RemoteMode reports whether questions go to the remote inference service:
// a URL is configured and mock mode is not forced.
func (c Config) RemoteMode() bool {
	return c.Upstream.URL != "" && !c.Upstream.Mock
}

// LogDir is where the JSONL query logs live.
func (c Config) LogDir() string {
	if c.Log.Dir != "" {
		return c.Log.Dir
	}
	return filepath.Join(c.Storage.DataDir, "logs")
}

// Validate reports every invalid setting at once.
func (c Config) Validate() error {
	var errs []error
	if c.Server.Port < 1 || c.Server.Port > 65535 {
		errs = append(errs, fmt.Errorf("server.port %d out of range", c.Server.Port))
	}
	if c.Upstream.URL != "" {
		u, err := url.Parse(c.Upstream.URL)
		if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
			errs = append(errs, fmt.Errorf("upstream.url %q is not an http(s) URL", c.Upstream.URL))
		}
	}
	if c.Upstream.MaxAttempts < 1 {
		errs = append(errs, fmt.Errorf("upstream.max_attempts must be at least 1, got %d", c.Upstream.MaxAttempts))
	}
	if c.Upstream.Timeout <= 0 {
		errs = append(errs, fmt.Errorf("upstream.timeout must be positive, got %s", c.Upstream.Timeout))
	}
	if c.Upstream.BaseBackoff < 0 {
		errs = append(errs, fmt.Errorf("upstream.base_backoff must not be negative, got %s", c.Upstream.BaseBackoff))
	}
	if c.Cache.TTL < 0 {
		errs = append(errs, fmt.Errorf("cache.ttl must not be negative, got %s", c.Cache.TTL))
	}
	if c.Queue.FlushInterval < 0 {
		errs = append(errs, fmt.Errorf("queue.flush_interval must not be negative, got %s", c.Queue.FlushInterval))
	}
	if c.Storage.DataDir == "" {
		errs = append(errs, errors.New("storage.data_dir is empty"))
	}
	return errors.Join(errs...)
}

// Load reads configuration from the YAML file at
// $XDG_CONFIG_HOME/advisor/config.yaml, then applies ADVISOR_* environment
// overrides. Secrets are read from the environment only.
func Load() (Config, error) {
	return loadWith(newFileBackend(configFilePath()))
}

func loadWith(b ConfigBackend) (Config, error) {
	cfg := defaults()

	if err := applyBackend(&cfg, b); err != nil {
		return Config{}, err
	}
	applyEnvOverrides(&cfg)

	if err := cfg.Validate(); err != nil {
		return Config{}, fmt.Errorf("invalid config: %w", err)
	}
	return cfg, nil
}
