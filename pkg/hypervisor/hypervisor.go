// Package hypervisor selects the backend implementation the daemon drives.
package hypervisor

import (
	"gitlab.com/tozd/go/errors"

	"github.com/fleetvm/fleetvm/pkg/hypervisor/libvirt"
	"github.com/fleetvm/fleetvm/pkg/hypervisor/qemu"
	"github.com/fleetvm/fleetvm/pkg/machine"
)

// NewFactory returns the machine factory for the named backend.
func NewFactory(backend, dataDir string) (machine.Factory, error) {
	switch backend {
	case qemu.Backend:
		return qemu.NewFactory(dataDir), nil
	case libvirt.Backend:
		return libvirt.NewFactory(dataDir), nil
	default:
		return nil, errors.Errorf("unsupported backend %q", backend)
	}
}
