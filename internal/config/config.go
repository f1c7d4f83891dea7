// Package config loads rmsync configuration from an optional YAML file and
// environment variables.
//
// Precedence, lowest to highest: built-in defaults, the YAML file named by
// the --config flag or RMSYNC_CONFIG, RMSYNC_* environment variables.
// Command-line flags are applied on top by the caller.
package config

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/fruitsalade/rmsync/internal/xochitl"
)

// Config holds all rmsync configuration.
type Config struct {
	Device DeviceConfig `yaml:"device"`
	Cache  CacheConfig  `yaml:"cache"`
	Export ExportConfig `yaml:"export"`
	Log    LogConfig    `yaml:"log"`

	// MetricsAddr enables the Prometheus endpoint when non-empty.
	MetricsAddr string `yaml:"metrics_addr"`
}

// DeviceConfig configures the SSH connection to the tablet.
type DeviceConfig struct {
	Host           string        `yaml:"host"`
	Port           int           `yaml:"port"`
	User           string        `yaml:"user"`
	Password       string        `yaml:"password"`
	KeyFile        string        `yaml:"key_file"`
	KnownHostsFile string        `yaml:"known_hosts_file"`
	ContentRoot    string        `yaml:"content_root"`
	Timeout        time.Duration `yaml:"timeout"`
}

// CacheConfig configures the local page cache used by the mount.
type CacheConfig struct {
	Dir     string `yaml:"dir"`
	MaxSize int64  `yaml:"max_size"`
}

// ExportConfig configures export destinations.
type ExportConfig struct {
	Dir string   `yaml:"dir"`
	S3  S3Config `yaml:"s3"`
}

// S3Config holds S3 connection settings for the bucket sink.
type S3Config struct {
	Endpoint  string `yaml:"endpoint"`
	Bucket    string `yaml:"bucket"`
	AccessKey string `yaml:"access_key"`
	SecretKey string `yaml:"secret_key"`
	Region    string `yaml:"region"`
	Prefix    string `yaml:"prefix"`
}

// LogConfig configures logging.
type LogConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

// Default returns the built-in defaults. 10.11.99.1 is the tablet's address
// on the USB network.
func Default() *Config {
	return &Config{
		Device: DeviceConfig{
			Host:        "10.11.99.1",
			Port:        22,
			User:        "root",
			ContentRoot: xochitl.DefaultRoot,
			Timeout:     10 * time.Second,
		},
		Cache: CacheConfig{
			Dir:     defaultCacheDir(),
			MaxSize: 512 << 20,
		},
		Export: ExportConfig{
			Dir: "rmsync-export",
			S3: S3Config{
				Endpoint: "http://localhost:9000",
				Bucket:   "rmsync",
				Region:   "us-east-1",
			},
		},
		Log: LogConfig{
			Level:  "info",
			Format: "console",
		},
	}
}

func defaultCacheDir() string {
	if dir, err := os.UserCacheDir(); err == nil {
		return dir + "/rmsync"
	}
	return os.TempDir() + "/rmsync-cache"
}

// Load reads configuration. path may be empty, in which case RMSYNC_CONFIG
// is consulted; with neither set only defaults and environment apply.
func Load(path string) (*Config, error) {
	cfg := Default()

	if path == "" {
		path = os.Getenv("RMSYNC_CONFIG")
	}
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("read config %s: %w", path, err)
		}
		dec := yaml.NewDecoder(bytes.NewReader(data))
		dec.KnownFields(true)
		if err := dec.Decode(cfg); err != nil && !errors.Is(err, io.EOF) {
			return nil, fmt.Errorf("parse config %s: %w", path, err)
		}
	}

	if err := cfg.applyEnv(); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) applyEnv() error {
	envString(&c.Device.Host, "RMSYNC_HOST")
	envString(&c.Device.User, "RMSYNC_USER")
	envString(&c.Device.Password, "RMSYNC_PASSWORD")
	envString(&c.Device.KeyFile, "RMSYNC_KEY_FILE")
	envString(&c.Device.KnownHostsFile, "RMSYNC_KNOWN_HOSTS")
	envString(&c.Device.ContentRoot, "RMSYNC_CONTENT_ROOT")
	envString(&c.Cache.Dir, "RMSYNC_CACHE_DIR")
	envString(&c.Export.Dir, "RMSYNC_EXPORT_DIR")
	envString(&c.Export.S3.Endpoint, "RMSYNC_S3_ENDPOINT")
	envString(&c.Export.S3.Bucket, "RMSYNC_S3_BUCKET")
	envString(&c.Export.S3.AccessKey, "RMSYNC_S3_ACCESS_KEY")
	envString(&c.Export.S3.SecretKey, "RMSYNC_S3_SECRET_KEY")
	envString(&c.Export.S3.Region, "RMSYNC_S3_REGION")
	envString(&c.Export.S3.Prefix, "RMSYNC_S3_PREFIX")
	envString(&c.Log.Level, "RMSYNC_LOG_LEVEL")
	envString(&c.Log.Format, "RMSYNC_LOG_FORMAT")
	envString(&c.MetricsAddr, "RMSYNC_METRICS_ADDR")

	if err := envInt(&c.Device.Port, "RMSYNC_PORT"); err != nil {
		return err
	}
	if err := envInt64(&c.Cache.MaxSize, "RMSYNC_CACHE_MAX_SIZE"); err != nil {
		return err
	}
	return envDuration(&c.Device.Timeout, "RMSYNC_TIMEOUT")
}

// Validate checks the fields every command depends on.
func (c *Config) Validate() error {
	if c.Device.Host == "" {
		return fmt.Errorf("device host is required")
	}
	if c.Device.Port <= 0 || c.Device.Port > 65535 {
		return fmt.Errorf("device port %d out of range", c.Device.Port)
	}
	if c.Device.User == "" {
		return fmt.Errorf("device user is required")
	}
	if c.Device.ContentRoot == "" {
		return fmt.Errorf("content root is required")
	}
	if c.Cache.MaxSize <= 0 {
		return fmt.Errorf("cache max size must be positive")
	}
	return nil
}

func envString(dst *string, key string) {
	if v := os.Getenv(key); v != "" {
		*dst = v
	}
}

func envInt(dst *int, key string) error {
	v := os.Getenv(key)
	if v == "" {
		return nil
	}
	i, err := strconv.Atoi(v)
	if err != nil {
		return fmt.Errorf("%s: %w", key, err)
	}
	*dst = i
	return nil
}

func envInt64(dst *int64, key string) error {
	v := os.Getenv(key)
	if v == "" {
		return nil
	}
	i, err := strconv.ParseInt(v, 10, 64)
	if err != nil {
		return fmt.Errorf("%s: %w", key, err)
	}
	*dst = i
	return nil
}

func envDuration(dst *time.Duration, key string) error {
	v := os.Getenv(key)
	if v == "" {
		return nil
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return fmt.Errorf("%s: %w", key, err)
	}
	*dst = d
	return nil
}
