package qemu

import (
	"context"
	"regexp"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fleetvm/fleetvm/pkg/api"
	"github.com/fleetvm/fleetvm/pkg/machine"
)

func testMachine(t *testing.T, desc machine.Description) *Machine {
	t.Helper()
	if desc.Name == "" {
		desc.Name = "test1"
	}
	if desc.WorkDir == "" {
		desc.WorkDir = t.TempDir()
	}
	return &Machine{
		Base: machine.NewBase(desc.Name),
		desc: desc,
	}
}

func TestBuildArgs(t *testing.T) {
	m := testMachine(t, machine.Description{
		Name:             "test1",
		NumCores:         2,
		MemSizeBytes:     2 * 1024 * 1024 * 1024,
		ImagePath:        "/data/test1/disk.qcow2",
		CloudInitISOPath: "/data/test1/seed.iso",
		SSHPort:          50022,
	})

	args, err := m.buildArgs(false)
	require.NoError(t, err)
	joined := strings.Join(args, " ")

	assert.Contains(t, joined, "-name test1")
	assert.Contains(t, joined, "-smp 2")
	assert.Contains(t, joined, "-m 2048M")
	assert.Contains(t, joined, "file=/data/test1/disk.qcow2,format=qcow2")
	assert.Contains(t, joined, "file=/data/test1/seed.iso,format=raw")
	assert.Contains(t, joined, "hostfwd=tcp::50022-:22")
	assert.NotContains(t, joined, "-loadvm")
}

func TestBuildArgsResume(t *testing.T) {
	m := testMachine(t, machine.Description{
		NumCores:     1,
		MemSizeBytes: 1024 * 1024 * 1024,
		ImagePath:    "/data/test1/disk.qcow2",
		SSHPort:      50022,
	})

	args, err := m.buildArgs(true)
	require.NoError(t, err)
	assert.Contains(t, strings.Join(args, " "), "-loadvm "+suspendSnapshot)
}

func TestBuildArgsExtraNetworks(t *testing.T) {
	m := testMachine(t, machine.Description{
		NumCores:     1,
		MemSizeBytes: 1024 * 1024 * 1024,
		ImagePath:    "/data/test1/disk.qcow2",
		SSHPort:      50022,
		NetworkOptions: []api.NetworkOption{
			{ID: "br0", Mode: api.NetworkModeAuto, MACAddress: "52:54:00:aa:bb:cc"},
		},
	})

	args, err := m.buildArgs(false)
	require.NoError(t, err)
	joined := strings.Join(args, " ")
	assert.Contains(t, joined, "bridge,id=extra0,br=br0")
	assert.Contains(t, joined, "mac=52:54:00:aa:bb:cc")
}

func TestBuildArgsRequiresMemory(t *testing.T) {
	m := testMachine(t, machine.Description{
		NumCores:  1,
		ImagePath: "/data/test1/disk.qcow2",
	})
	_, err := m.buildArgs(false)
	require.Error(t, err)
}

func TestRandomMAC(t *testing.T) {
	pattern := regexp.MustCompile(`^52:54:00:[0-9a-f]{2}:[0-9a-f]{2}:[0-9a-f]{2}$`)
	for i := 0; i < 10; i++ {
		assert.Regexp(t, pattern, machine.RandomMAC())
	}
}

func TestConnectivityAnswers(t *testing.T) {
	m := testMachine(t, machine.Description{
		SSHPort:     50022,
		SSHUsername: "ubuntu",
	})

	host, err := m.SSHHostname(context.Background(), 0)
	require.NoError(t, err)
	assert.Equal(t, "localhost", host)

	ip, err := m.ManagementIPv4(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "127.0.0.1", ip)

	assert.Equal(t, 50022, m.SSHPort())
	assert.Equal(t, "ubuntu", m.SSHUsername())
}
