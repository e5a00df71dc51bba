// Package config loads the process-wide cache configuration once at startup.
// Core packages receive the resulting values explicitly and never read the
// environment themselves.
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/spf13/viper"

	"github.com/richardartoul/artifactcache/pkg/archive"
)

// EnvPrefix prefixes every environment variable, e.g. ARTIFACTCACHE_ROOT.
const EnvPrefix = "ARTIFACTCACHE"

// Backend names.
const (
	BackendLocal = "local"
	BackendS3    = "s3"
)

// Config holds everything derived from the environment and config file.
type Config struct {
	// Backend selects the storage backend: "local" or "s3".
	Backend string `mapstructure:"backend"`
	// Root is the cache directory for the local backend. It defaults to a
	// directory under the user cache dir and is ignored by the s3 backend.
	Root string `mapstructure:"root"`
	// Repository identifies the project; it is part of every storage path.
	Repository string `mapstructure:"repository"`
	// Compression is the default archive compression method.
	Compression string `mapstructure:"compression"`
	// CrossOS lets archives created on Windows be restored elsewhere and vice versa.
	CrossOS bool `mapstructure:"cross_os"`
	// WorkDir is where relative paths are resolved and archives unpacked.
	WorkDir string `mapstructure:"workdir"`
	// LockDir holds cross-process save reservations. Empty disables them.
	LockDir string `mapstructure:"lock_dir"`
	Debug   bool   `mapstructure:"debug"`

	S3Bucket string `mapstructure:"s3_bucket"`
	// S3Prefix is prepended to every object key in the bucket. Empty keeps
	// entries at the bucket root so every runner shares them.
	S3Prefix    string `mapstructure:"s3_prefix"`
	S3Region    string `mapstructure:"s3_region"`
	S3Endpoint  string `mapstructure:"s3_endpoint"`
	S3PathStyle bool   `mapstructure:"s3_path_style"`
}

// Load reads configuration from the optional file at path, then from
// ARTIFACTCACHE_* environment variables, which take precedence.
func Load(path string) (*Config, error) {
	v := viper.New()
	setDefaults(v)

	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	v.AutomaticEnv()
	// AutomaticEnv only applies to keys viper already knows about; defaults
	// register all of them.

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("failed to read config: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}

	if cfg.Repository == "" {
		cfg.Repository = os.Getenv("GITHUB_REPOSITORY")
	}
	if cfg.Repository == "" {
		cfg.Repository = "local"
	}

	if cfg.Backend == BackendLocal && cfg.Root == "" {
		cfg.Root = defaultRoot()
	}
	cfg.S3Prefix = strings.Trim(cfg.S3Prefix, "/")

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	if cfg.Backend == BackendLocal {
		abs, err := filepath.Abs(cfg.Root)
		if err != nil {
			return nil, fmt.Errorf("failed to resolve cache root: %w", err)
		}
		cfg.Root = abs
	}
	return &cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("backend", BackendLocal)
	v.SetDefault("root", "")
	v.SetDefault("repository", "")
	v.SetDefault("compression", string(archive.MethodZstd))
	v.SetDefault("cross_os", false)
	v.SetDefault("workdir", ".")
	v.SetDefault("lock_dir", "")
	v.SetDefault("debug", false)
	v.SetDefault("s3_bucket", "")
	v.SetDefault("s3_prefix", "")
	v.SetDefault("s3_region", "")
	v.SetDefault("s3_endpoint", "")
	v.SetDefault("s3_path_style", false)
}

func defaultRoot() string {
	if dir, err := os.UserCacheDir(); err == nil {
		return filepath.Join(dir, "artifactcache")
	}
	return filepath.Join(os.TempDir(), "artifactcache")
}

// Validate checks the configuration for unusable values.
func (c *Config) Validate() error {
	switch c.Backend {
	case BackendLocal:
		if c.Root == "" {
			return errors.New("root is required for the local backend")
		}
	case BackendS3:
		if c.S3Bucket == "" {
			return errors.New("s3_bucket is required for the s3 backend")
		}
	default:
		return fmt.Errorf("unknown backend %q (want %q or %q)", c.Backend, BackendLocal, BackendS3)
	}
	if _, err := archive.ParseMethod(c.Compression); err != nil {
		return err
	}
	if c.WorkDir == "" {
		return errors.New("workdir is required")
	}
	return nil
}

// Method returns the configured compression method.
func (c *Config) Method() archive.Method {
	m, _ := archive.ParseMethod(c.Compression)
	return m
}
