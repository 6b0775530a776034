// Package config loads labqc configuration from an optional YAML file with
// LABQC_ environment overrides.
package config

import (
	"fmt"
	"os"
	"strings"

	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/providers/rawbytes"
	"github.com/knadh/koanf/v2"
)

// EnvPrefix prefixes every environment override.
const EnvPrefix = "LABQC_"

const maxConfigFileSize = 1024 * 1024

// Config is the root configuration.
type Config struct {
	Storage Storage `koanf:"storage"`
	Blob    Blob    `koanf:"blob"`
	Log     Log     `koanf:"log"`
	Server  Server  `koanf:"server"`
	Trace   Trace   `koanf:"trace"`
}

// Storage selects the persistent store.
type Storage struct {
	Driver      string `koanf:"driver"` // memory|sqlite|postgres
	SQLitePath  string `koanf:"sqlite_path"`
	PostgresDSN string `koanf:"postgres_dsn"`
}

// Blob selects where audit exports are written.
type Blob struct {
	Driver      string `koanf:"driver"` // fs|s3|memory
	FSRoot      string `koanf:"fs_root"`
	S3Bucket    string `koanf:"s3_bucket"`
	S3Region    string `koanf:"s3_region"`
	S3Endpoint  string `koanf:"s3_endpoint"`
	S3PathStyle bool   `koanf:"s3_path_style"`
}

// Log configures the zap logger.
type Log struct {
	Level  string `koanf:"level"`
	Format string `koanf:"format"` // json|console
}

// Server configures the HTTP listener.
type Server struct {
	Addr string `koanf:"addr"`
}

// Trace selects how service spans are exported.
type Trace struct {
	Exporter   string  `koanf:"exporter"` // log|otlp|none
	Endpoint   string  `koanf:"endpoint"` // host:port of an OTLP/HTTP collector
	Insecure   bool    `koanf:"insecure"`
	SampleRate float64 `koanf:"sample_rate"`
}

// Load reads path (when non-empty) and then applies environment overrides.
//
//	LABQC_STORAGE_DRIVER      -> storage.driver
//	LABQC_STORAGE_SQLITE_PATH -> storage.sqlite_path
//	LABQC_BLOB_S3_BUCKET      -> blob.s3_bucket
func Load(path string) (*Config, error) {
	k := koanf.New(".")

	if path != "" {
		info, err := os.Stat(path)
		if err != nil {
			return nil, fmt.Errorf("stat config file: %w", err)
		}
		if info.Size() > maxConfigFileSize {
			return nil, fmt.Errorf("config file %s exceeds %d bytes", path, maxConfigFileSize)
		}
		content, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("read config file: %w", err)
		}
		if err := k.Load(rawbytes.Provider(content), yaml.Parser()); err != nil {
			return nil, fmt.Errorf("load config file %s: %w", path, err)
		}
	}

	if err := k.Load(env.Provider(EnvPrefix, ".", envKey), nil); err != nil {
		return nil, fmt.Errorf("load environment: %w", err)
	}

	var cfg Config
	if err := k.Unmarshal("", &cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}
	applyDefaults(&cfg)
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}
	return &cfg, nil
}

// envKey maps LABQC_SECTION_FIELD_NAME to section.field_name.
func envKey(s string) string {
	lower := strings.ToLower(strings.TrimPrefix(s, EnvPrefix))
	parts := strings.SplitN(lower, "_", 2)
	if len(parts) == 1 {
		return lower
	}
	return parts[0] + "." + parts[1]
}

// Default returns the configuration used when nothing is set.
func Default() *Config {
	var cfg Config
	applyDefaults(&cfg)
	return &cfg
}

func applyDefaults(cfg *Config) {
	if cfg.Storage.Driver == "" {
		cfg.Storage.Driver = "sqlite"
	}
	if cfg.Storage.SQLitePath == "" {
		cfg.Storage.SQLitePath = "labqc.db"
	}
	if cfg.Blob.Driver == "" {
		cfg.Blob.Driver = "fs"
	}
	if cfg.Blob.FSRoot == "" {
		cfg.Blob.FSRoot = "audit"
	}
	if cfg.Log.Level == "" {
		cfg.Log.Level = "info"
	}
	if cfg.Log.Format == "" {
		cfg.Log.Format = "json"
	}
	if cfg.Server.Addr == "" {
		cfg.Server.Addr = ":8080"
	}
	if cfg.Trace.Exporter == "" {
		cfg.Trace.Exporter = "log"
	}
	if cfg.Trace.SampleRate == 0 {
		cfg.Trace.SampleRate = 1
	}
}

// Validate rejects unknown drivers and incomplete backend settings.
func (c *Config) Validate() error {
	switch c.Storage.Driver {
	case "memory", "sqlite":
	case "postgres":
		if c.Storage.PostgresDSN == "" {
			return fmt.Errorf("storage.postgres_dsn is required for the postgres driver")
		}
	default:
		return fmt.Errorf("unknown storage driver %q", c.Storage.Driver)
	}
	switch c.Blob.Driver {
	case "fs", "memory":
	case "s3":
		if c.Blob.S3Bucket == "" {
			return fmt.Errorf("blob.s3_bucket is required for the s3 driver")
		}
	default:
		return fmt.Errorf("unknown blob driver %q", c.Blob.Driver)
	}
	switch c.Log.Format {
	case "json", "console":
	default:
		return fmt.Errorf("unknown log format %q", c.Log.Format)
	}
	switch c.Trace.Exporter {
	case "log", "none":
	case "otlp":
		if c.Trace.Endpoint == "" {
			return fmt.Errorf("trace.endpoint is required for the otlp exporter")
		}
	default:
		return fmt.Errorf("unknown trace exporter %q", c.Trace.Exporter)
	}
	if c.Trace.SampleRate < 0 || c.Trace.SampleRate > 1 {
		return fmt.Errorf("trace.sample_rate must be within [0, 1], got %v", c.Trace.SampleRate)
	}
	return nil
}
