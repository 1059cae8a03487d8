package config_test

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fleetvm/fleetvm/pkg/config"
)

func TestLoadDefaults(t *testing.T) {
	cfg, err := config.Load("")
	require.NoError(t, err)

	assert.Equal(t, "qemu", cfg.Backend)
	assert.Equal(t, "/var/lib/fleetvm", cfg.DataDir)
	assert.Equal(t, "1G", cfg.DefaultMemSize)
	assert.Equal(t, "5G", cfg.DefaultDiskSize)
	assert.Equal(t, 1, cfg.MinCPUs)
	assert.Equal(t, 5*time.Minute, cfg.BootTimeout)

	require.NoError(t, cfg.Validate())
}

func TestLoadEnvOverride(t *testing.T) {
	t.Setenv("FLEETVM_BACKEND", "libvirt")
	t.Setenv("FLEETVM_DATA_DIR", "/tmp/fleet-test")

	cfg, err := config.Load("")
	require.NoError(t, err)
	assert.Equal(t, "libvirt", cfg.Backend)
	assert.Equal(t, "/tmp/fleet-test", cfg.DataDir)
}

func TestValidate(t *testing.T) {
	base := func() *config.Config {
		cfg, err := config.Load("")
		require.NoError(t, err)
		return cfg
	}

	tests := []struct {
		name   string
		mutate func(*config.Config)
	}{
		{name: "bad backend", mutate: func(c *config.Config) { c.Backend = "vbox" }},
		{name: "empty data dir", mutate: func(c *config.Config) { c.DataDir = "" }},
		{name: "empty socket", mutate: func(c *config.Config) { c.SocketPath = "" }},
		{name: "zero cpus", mutate: func(c *config.Config) { c.MinCPUs = 0 }},
		{name: "bad mem size", mutate: func(c *config.Config) { c.DefaultMemSize = "lots" }},
		{name: "bad disk size", mutate: func(c *config.Config) { c.DefaultDiskSize = "-1G" }},
		{name: "zero boot timeout", mutate: func(c *config.Config) { c.BootTimeout = 0 }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := base()
			tt.mutate(cfg)
			assert.Error(t, cfg.Validate())
		})
	}
}

func TestDerivedDirs(t *testing.T) {
	cfg := &config.Config{DataDir: "/var/lib/fleetvm"}
	assert.Equal(t, "/var/lib/fleetvm/instances", cfg.InstancesDir())
	assert.Equal(t, "/var/lib/fleetvm/cache", cfg.CacheDir())
	assert.Equal(t, "/var/lib/fleetvm/keys", cfg.KeysDir())
}

func TestLoadExplicitFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "fleetd.yaml")
	require.NoError(t, os.WriteFile(path, []byte(
		"backend: libvirt\ndata-dir: /tmp/fleet\nboot-timeout: 2m\n"), 0o644))

	cfg, err := config.Load(path)
	require.NoError(t, err)
	assert.Equal(t, "libvirt", cfg.Backend)
	assert.Equal(t, "/tmp/fleet", cfg.DataDir)
	assert.Equal(t, 2*time.Minute, cfg.BootTimeout)

	_, err = config.Load(filepath.Join(t.TempDir(), "missing.yaml"))
	assert.Error(t, err)
}
