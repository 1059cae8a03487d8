package libvirt

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"libvirt.org/go/libvirtxml"

	"github.com/fleetvm/fleetvm/pkg/api"
	"github.com/fleetvm/fleetvm/pkg/machine"
)

func TestDomainXML(t *testing.T) {
	desc := machine.Description{
		Name:             "test1",
		NumCores:         2,
		MemSizeBytes:     2 * 1024 * 1024 * 1024,
		ImagePath:        "/data/test1/disk.qcow2",
		CloudInitISOPath: "/data/test1/seed.iso",
	}

	xml, err := domainXML(desc)
	require.NoError(t, err)

	var dom libvirtxml.Domain
	require.NoError(t, dom.Unmarshal(xml))

	assert.Equal(t, "kvm", dom.Type)
	assert.Equal(t, "test1", dom.Name)
	assert.EqualValues(t, 2, dom.VCPU.Value)
	assert.EqualValues(t, 2*1024*1024, dom.Memory.Value)
	assert.Equal(t, "KiB", dom.Memory.Unit)

	require.Len(t, dom.Devices.Disks, 2)
	assert.Equal(t, "/data/test1/disk.qcow2", dom.Devices.Disks[0].Source.File.File)
	assert.Equal(t, "cdrom", dom.Devices.Disks[1].Device)
	assert.NotNil(t, dom.Devices.Disks[1].ReadOnly)

	require.Len(t, dom.Devices.Interfaces, 1)
	assert.Equal(t, defaultNetwork, dom.Devices.Interfaces[0].Source.Network.Network)
}

func TestDomainXMLExtraNetworks(t *testing.T) {
	desc := machine.Description{
		Name:         "test1",
		NumCores:     1,
		MemSizeBytes: 1024 * 1024 * 1024,
		ImagePath:    "/data/test1/disk.qcow2",
		NetworkOptions: []api.NetworkOption{
			{ID: "br0", Mode: api.NetworkModeManual, MACAddress: "52:54:00:aa:bb:cc"},
		},
	}

	xml, err := domainXML(desc)
	require.NoError(t, err)

	var dom libvirtxml.Domain
	require.NoError(t, dom.Unmarshal(xml))

	require.Len(t, dom.Devices.Interfaces, 2)
	extra := dom.Devices.Interfaces[1]
	assert.Equal(t, "br0", extra.Source.Bridge.Bridge)
	require.NotNil(t, extra.MAC)
	assert.Equal(t, "52:54:00:aa:bb:cc", extra.MAC.Address)
}

func TestDomainXMLKernelBoot(t *testing.T) {
	desc := machine.Description{
		Name:         "test1",
		NumCores:     1,
		MemSizeBytes: 1024 * 1024 * 1024,
		ImagePath:    "/data/test1/disk.qcow2",
		KernelPath:   "/data/cache/vmlinuz",
		InitrdPath:   "/data/cache/initrd",
	}

	xml, err := domainXML(desc)
	require.NoError(t, err)

	var dom libvirtxml.Domain
	require.NoError(t, dom.Unmarshal(xml))
	assert.Equal(t, "/data/cache/vmlinuz", dom.OS.Kernel)
	assert.Equal(t, "/data/cache/initrd", dom.OS.Initrd)
}

func TestDomainXMLRequiresMemory(t *testing.T) {
	_, err := domainXML(machine.Description{Name: "test1", NumCores: 1})
	require.Error(t, err)
}
