// Package libvirt runs instances as libvirt domains over the local
// qemu:///system connection. Domains attach to libvirt networks and get
// their addresses from DHCP leases, so SSH goes straight to the guest.
package libvirt

import (
	"context"
	"fmt"
	"sync"
	"time"

	golibvirt "github.com/digitalocean/go-libvirt"
	"github.com/digitalocean/go-libvirt/socket/dialers"
	"github.com/rs/zerolog"
	"gitlab.com/tozd/go/errors"

	"github.com/fleetvm/fleetvm/pkg/api"
	"github.com/fleetvm/fleetvm/pkg/machine"
)

const (
	Backend = "libvirt"

	defaultSocketPath = "/var/run/libvirt/libvirt-sock"
	defaultNetwork    = "default"
	connectTimeout    = 5 * time.Second
)

// Factory builds libvirt-backed machines sharing one daemon connection.
type Factory struct {
	dataDir    string
	socketPath string

	mu   sync.Mutex
	conn *golibvirt.Libvirt
}

func NewFactory(dataDir string) *Factory {
	return &Factory{dataDir: dataDir, socketPath: defaultSocketPath}
}

// NewFactoryWithSocket is used by tests pointing at a session libvirtd.
func NewFactoryWithSocket(dataDir, socketPath string) *Factory {
	return &Factory{dataDir: dataDir, socketPath: socketPath}
}

func (f *Factory) Backend() string { return Backend }

func (f *Factory) New(ctx context.Context, desc machine.Description) (machine.VirtualMachine, error) {
	conn, err := f.connect()
	if err != nil {
		return nil, err
	}
	return &Machine{
		Base: machine.NewBase(desc.Name),
		desc: desc,
		conn: conn,
	}, nil
}

// Networks lists the libvirt networks instances may attach to, plus the
// sentinel bridged network.
func (f *Factory) Networks(ctx context.Context) ([]machine.NetworkInterface, error) {
	conn, err := f.connect()
	if err != nil {
		return nil, err
	}

	networks, _, err := conn.ConnectListAllNetworks(1, 0)
	if err != nil {
		return nil, errors.Errorf("listing libvirt networks: %w", err)
	}

	nets := []machine.NetworkInterface{
		{Name: api.BridgedNetworkID, Type: "network", Description: "Default bridged network"},
	}
	for _, n := range networks {
		nets = append(nets, machine.NetworkInterface{
			Name:        n.Name,
			Type:        "network",
			Description: fmt.Sprintf("libvirt network %s", n.Name),
		})
	}
	return nets, nil
}

// ConfigureBridge resolves the sentinel bridged network to the libvirt
// default network, starting it if it is defined but inactive.
func (f *Factory) ConfigureBridge(ctx context.Context) (string, error) {
	conn, err := f.connect()
	if err != nil {
		return "", err
	}

	network, err := conn.NetworkLookupByName(defaultNetwork)
	if err != nil {
		return "", errors.Errorf("looking up network %q: %w", defaultNetwork, err)
	}

	active, err := conn.NetworkIsActive(network)
	if err != nil {
		return "", errors.Errorf("checking network %q: %w", defaultNetwork, err)
	}
	if active == 0 {
		zerolog.Ctx(ctx).Info().Str("network", defaultNetwork).Msg("starting libvirt network")
		if err := conn.NetworkCreate(network); err != nil {
			return "", errors.Errorf("starting network %q: %w", defaultNetwork, err)
		}
	}
	return defaultNetwork, nil
}

func (f *Factory) connect() (*golibvirt.Libvirt, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	if f.conn != nil {
		return f.conn, nil
	}

	dialer := dialers.NewLocal(
		dialers.WithSocket(f.socketPath),
		dialers.WithLocalTimeout(connectTimeout),
	)
	conn := golibvirt.NewWithDialer(dialer)
	if err := conn.Connect(); err != nil {
		return nil, errors.Errorf("connecting to libvirt at %s: %w", f.socketPath, err)
	}
	f.conn = conn
	return f.conn, nil
}

// Close disconnects the shared libvirt connection.
func (f *Factory) Close() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.conn == nil {
		return nil
	}
	err := f.conn.Disconnect()
	f.conn = nil
	if err != nil {
		return errors.Errorf("disconnecting from libvirt: %w", err)
	}
	return nil
}
