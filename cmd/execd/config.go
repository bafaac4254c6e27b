package main

import (
	"fmt"
	"os"
	"time"

	"execbox/internal/common/cache"
	commonmw "execbox/internal/common/http/middleware"
	"execbox/internal/execd/ratelimit"
	"execbox/internal/sandbox/config"
	"execbox/internal/sandbox/spec"
	"execbox/pkg/utils/logger"

	"gopkg.in/yaml.v3"
)

const (
	defaultHTTPAddr        = "0.0.0.0:8090"
	defaultReadTimeout     = 5 * time.Second
	defaultWriteTimeout    = 2 * time.Minute
	defaultIdleTimeout     = 60 * time.Second
	defaultShutdownTimeout = 30 * time.Second
	defaultMaxBodyBytes    = 2 << 20
	defaultCacheTTL        = 24 * time.Hour
	defaultRateWindow      = time.Minute
)

// ServerConfig holds HTTP server settings.
type ServerConfig struct {
	Addr         string              `yaml:"addr"`
	ReadTimeout  time.Duration       `yaml:"readTimeout"`
	WriteTimeout time.Duration       `yaml:"writeTimeout"`
	IdleTimeout  time.Duration       `yaml:"idleTimeout"`
	MaxBodyBytes int64               `yaml:"maxBodyBytes"`
	CORS         commonmw.CORSConfig `yaml:"cors"`
}

// ExecConfig holds request policy and concurrency settings.
type ExecConfig struct {
	MaxConcurrent   int64                `yaml:"maxConcurrent"`
	AllowNative     bool                 `yaml:"allowNative"`
	AllowExtraFlags bool                 `yaml:"allowExtraFlags"`
	MaxLimits       spec.ExecutionLimits `yaml:"maxLimits"`
	// RateLimit applies only when the cache is enabled.
	RateLimit ratelimit.Policy `yaml:"rateLimit"`
}

// ArtifactCacheConfig enables the Redis artifact cache when Enabled is set.
type ArtifactCacheConfig struct {
	Enabled bool              `yaml:"enabled"`
	TTL     time.Duration     `yaml:"ttl"`
	Redis   cache.RedisConfig `yaml:"redis"`
}

// AppConfig holds execd config.
type AppConfig struct {
	Server  ServerConfig        `yaml:"server"`
	Logger  logger.Config       `yaml:"logger"`
	Exec    ExecConfig          `yaml:"exec"`
	Cache   ArtifactCacheConfig `yaml:"cache"`
	Sandbox config.Config       `yaml:"sandbox"`
}

func loadYAML(path string, out interface{}) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("read config file failed: %w", err)
	}
	if err := yaml.Unmarshal(data, out); err != nil {
		return fmt.Errorf("parse config file failed: %w", err)
	}
	return nil
}

func loadAppConfig(path string, lookup func(string) (string, bool)) (*AppConfig, error) {
	var cfg AppConfig
	if err := loadYAML(path, &cfg); err != nil {
		return nil, err
	}
	cfg.Sandbox.ApplyDefaults()
	cfg.Sandbox.ApplyEnv(lookup)
	if err := cfg.Sandbox.Validate(); err != nil {
		return nil, fmt.Errorf("invalid sandbox config: %w", err)
	}
	if cfg.Server.Addr == "" {
		cfg.Server.Addr = defaultHTTPAddr
	}
	if cfg.Server.ReadTimeout == 0 {
		cfg.Server.ReadTimeout = defaultReadTimeout
	}
	if cfg.Server.WriteTimeout == 0 {
		cfg.Server.WriteTimeout = defaultWriteTimeout
	}
	if cfg.Server.IdleTimeout == 0 {
		cfg.Server.IdleTimeout = defaultIdleTimeout
	}
	if cfg.Server.MaxBodyBytes <= 0 {
		cfg.Server.MaxBodyBytes = defaultMaxBodyBytes
	}
	if cfg.Exec.MaxConcurrent < 0 {
		return nil, fmt.Errorf("exec maxConcurrent must not be negative")
	}
	if err := cfg.Exec.MaxLimits.Validate(); err != nil {
		return nil, fmt.Errorf("invalid exec maxLimits: %w", err)
	}
	if cfg.Exec.RateLimit.IPMax < 0 || cfg.Exec.RateLimit.RouteMax < 0 {
		return nil, fmt.Errorf("exec rateLimit maxima must not be negative")
	}
	if cfg.Exec.RateLimit.Window <= 0 {
		cfg.Exec.RateLimit.Window = defaultRateWindow
	}
	if cfg.Cache.Enabled {
		if cfg.Cache.Redis.Addr == "" {
			return nil, fmt.Errorf("redis addr is required when the artifact cache is enabled")
		}
		cfg.Cache.Redis.ApplyDefaults()
		if cfg.Cache.TTL <= 0 {
			cfg.Cache.TTL = defaultCacheTTL
		}
	}
	if cfg.Logger.Level == "" {
		cfg.Logger.Level = "info"
	}
	if cfg.Logger.Format == "" {
		cfg.Logger.Format = "json"
	}
	return &cfg, nil
}
