// Package config holds the daemon's settings, loaded from defaults,
// an optional YAML file, and FLEETVM_* environment variables.
package config

import (
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/viper"
	"gitlab.com/tozd/go/errors"

	"github.com/fleetvm/fleetvm/pkg/api"
)

// Config holds all daemon configuration.
type Config struct {
	// Backend selects the hypervisor implementation: "qemu" or "libvirt".
	Backend string `mapstructure:"backend"`

	// DataDir is the root for instance records, images, and keys.
	DataDir string `mapstructure:"data-dir"`

	// SocketPath is the unix socket the daemon listens on.
	SocketPath string `mapstructure:"socket-path"`

	// CatalogURL points at the image manifest. Empty uses the built-in
	// catalog.
	CatalogURL string `mapstructure:"catalog-url"`

	// Launch resource floors and defaults.
	MinCPUs         int    `mapstructure:"min-cpus"`
	DefaultMemSize  string `mapstructure:"default-mem-size"`
	DefaultDiskSize string `mapstructure:"default-disk-size"`

	// DownloadTimeout bounds the wait for response headers on image
	// transfers.
	DownloadTimeout time.Duration `mapstructure:"download-timeout"`

	// BootTimeout bounds the post-start wait for SSH connectivity.
	BootTimeout time.Duration `mapstructure:"boot-timeout"`

	Verbose bool `mapstructure:"verbose"`
}

// Load reads configuration from defaults, config file, and environment. A
// non-empty path pins the config file instead of searching the usual places.
func Load(path string) (*Config, error) {
	v := viper.New()

	v.SetDefault("backend", "qemu")
	v.SetDefault("data-dir", "/var/lib/fleetvm")
	v.SetDefault("socket-path", "/run/fleetvm/fleetd.sock")
	v.SetDefault("catalog-url", "")
	v.SetDefault("min-cpus", 1)
	v.SetDefault("default-mem-size", "1G")
	v.SetDefault("default-disk-size", "5G")
	v.SetDefault("download-timeout", 30*time.Second)
	v.SetDefault("boot-timeout", 5*time.Minute)
	v.SetDefault("verbose", false)

	v.SetEnvPrefix("FLEETVM")
	v.AutomaticEnv()
	v.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return nil, errors.Errorf("reading config %s: %w", path, err)
		}
	} else {
		v.SetConfigName("fleetd")
		v.SetConfigType("yaml")
		v.AddConfigPath("/etc/fleetvm")
		v.AddConfigPath("$HOME/.fleetvm")
		_ = v.ReadInConfig()
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, errors.Errorf("unmarshaling config: %w", err)
	}
	return &cfg, nil
}

// Validate checks configuration for errors.
func (c *Config) Validate() error {
	if c.Backend != "qemu" && c.Backend != "libvirt" {
		return errors.Errorf("unsupported backend %q", c.Backend)
	}
	if c.DataDir == "" {
		return errors.New("data-dir cannot be empty")
	}
	if c.SocketPath == "" {
		return errors.New("socket-path cannot be empty")
	}
	if c.MinCPUs < 1 {
		return errors.New("min-cpus must be at least 1")
	}
	if _, err := api.ParseMemorySize(c.DefaultMemSize); err != nil {
		return errors.Errorf("default-mem-size: %w", err)
	}
	if _, err := api.ParseMemorySize(c.DefaultDiskSize); err != nil {
		return errors.Errorf("default-disk-size: %w", err)
	}
	if c.DownloadTimeout <= 0 {
		return errors.New("download-timeout must be positive")
	}
	if c.BootTimeout <= 0 {
		return errors.New("boot-timeout must be positive")
	}
	return nil
}

// InstancesDir is where per-instance working directories live.
func (c *Config) InstancesDir() string {
	return filepath.Join(c.DataDir, "instances")
}

// CacheDir is where the download cache keeps image artifacts.
func (c *Config) CacheDir() string {
	return filepath.Join(c.DataDir, "cache")
}

// KeysDir is where the daemon SSH identity lives.
func (c *Config) KeysDir() string {
	return filepath.Join(c.DataDir, "keys")
}
