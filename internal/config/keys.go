package config

import (
	"fmt"
	"os"
	"strconv"
	"time"
)

type keyType int

const (
	kString keyType = iota
	kInt
	kBool
	kDuration
)

type keySpec struct {
	key     string
	typ     keyType
	env     string
	secret  bool
	apply   func(cfg *Config, v any)
	extract func(cfg Config) any
}

var specs = []keySpec{
	{
		key: "server.port", typ: kInt, env: "ADVISOR_SERVER_PORT",
		apply:   func(cfg *Config, v any) { cfg.Server.Port = v.(int) },
		extract: func(cfg Config) any { return cfg.Server.Port },
	},
	{
		key: "server.allowed_origins", typ: kString, env: "ADVISOR_SERVER_ALLOWED_ORIGINS",
		apply:   func(cfg *Config, v any) { cfg.Server.AllowedOrigins = v.(string) },
		extract: func(cfg Config) any { return cfg.Server.AllowedOrigins },
	},
	{
		key: "upstream.url", typ: kString, env: "ADVISOR_UPSTREAM_URL",
		apply:   func(cfg *Config, v any) { cfg.Upstream.URL = v.(string) },
		extract: func(cfg Config) any { return cfg.Upstream.URL },
	},
	{
		key: "upstream.mock", typ: kBool, env: "ADVISOR_UPSTREAM_MOCK",
		apply:   func(cfg *Config, v any) { cfg.Upstream.Mock = v.(bool) },
		extract: func(cfg Config) any { return cfg.Upstream.Mock },
	},
	{
		key: "upstream.token", typ: kString, env: "ADVISOR_UPSTREAM_TOKEN",
		secret:  true,
		apply:   func(cfg *Config, v any) { cfg.Upstream.Token = v.(string) },
		extract: func(cfg Config) any { return cfg.Upstream.Token },
	},
	{
		key: "upstream.timeout", typ: kDuration, env: "ADVISOR_UPSTREAM_TIMEOUT",
		apply:   func(cfg *Config, v any) { cfg.Upstream.Timeout = v.(time.Duration) },
		extract: func(cfg Config) any { return cfg.Upstream.Timeout },
	},
	{
		key: "upstream.max_attempts", typ: kInt, env: "ADVISOR_UPSTREAM_MAX_ATTEMPTS",
		apply:   func(cfg *Config, v any) { cfg.Upstream.MaxAttempts = v.(int) },
		extract: func(cfg Config) any { return cfg.Upstream.MaxAttempts },
	},
	{
		key: "upstream.base_backoff", typ: kDuration, env: "ADVISOR_UPSTREAM_BASE_BACKOFF",
		apply:   func(cfg *Config, v any) { cfg.Upstream.BaseBackoff = v.(time.Duration) },
		extract: func(cfg Config) any { return cfg.Upstream.BaseBackoff },
	},
	{
		key: "storage.data_dir", typ: kString, env: "ADVISOR_STORAGE_DATA_DIR",
		apply:   func(cfg *Config, v any) { cfg.Storage.DataDir = v.(string) },
		extract: func(cfg Config) any { return cfg.Storage.DataDir },
	},
	{
		key: "cache.ttl", typ: kDuration, env: "ADVISOR_CACHE_TTL",
		apply:   func(cfg *Config, v any) { cfg.Cache.TTL = v.(time.Duration) },
		extract: func(cfg Config) any { return cfg.Cache.TTL },
	},
	{
		key: "queue.flush_interval", typ: kDuration, env: "ADVISOR_QUEUE_FLUSH_INTERVAL",
		apply:   func(cfg *Config, v any) { cfg.Queue.FlushInterval = v.(time.Duration) },
		extract: func(cfg Config) any { return cfg.Queue.FlushInterval },
	},
	{
		key: "log.level", typ: kString, env: "ADVISOR_LOG_LEVEL",
		apply:   func(cfg *Config, v any) { cfg.Log.Level = v.(string) },
		extract: func(cfg Config) any { return cfg.Log.Level },
	},
	{
		key: "log.dir", typ: kString, env: "ADVISOR_LOG_DIR",
		apply:   func(cfg *Config, v any) { cfg.Log.Dir = v.(string) },
		extract: func(cfg Config) any { return cfg.Log.Dir },
	},
	{
		key: "api.token", typ: kString, env: "ADVISOR_API_TOKEN",
		secret:  true,
		apply:   func(cfg *Config, v any) { cfg.API.Token = v.(string) },
		extract: func(cfg Config) any { return cfg.API.Token },
	},
}

// parseValue converts raw text into the Go type expected by typ.
func parseValue(typ keyType, raw string) (any, error) {
	switch typ {
	case kInt:
		return strconv.Atoi(raw)
	case kBool:
		return strconv.ParseBool(raw)
	case kDuration:
		return time.ParseDuration(raw)
	default:
		return raw, nil
	}
}

func applyBackend(cfg *Config, b ConfigBackend) error {
	for _, s := range specs {
		if s.secret {
			continue
		}
		if s.typ == kInt {
			v, ok, err := b.GetInt(s.key)
			if err != nil {
				return fmt.Errorf("reading %s: %w", s.key, err)
			}
			if ok {
				s.apply(cfg, v)
			}
			continue
		}

		raw, ok, err := b.GetString(s.key)
		if err != nil {
			return fmt.Errorf("reading %s: %w", s.key, err)
		}
		if !ok || (raw == "" && s.typ != kString) {
			continue
		}
		v, err := parseValue(s.typ, raw)
		if err != nil {
			fmt.Fprintf(os.Stderr, "[WARN] could not parse config key %s=%q: %v. Using default value.\n", s.key, raw, err)
			continue
		}
		s.apply(cfg, v)
	}
	return nil
}

func applyEnvOverrides(cfg *Config) {
	for _, s := range specs {
		if s.env == "" {
			continue
		}
		raw := os.Getenv(s.env)
		if raw == "" {
			continue
		}
		v, err := parseValue(s.typ, raw)
		if err != nil {
			fmt.Fprintf(os.Stderr, "[WARN] could not parse env var %s=%q: %v. Using default value.\n", s.env, raw, err)
			continue
		}
		s.apply(cfg, v)
	}
}
