// Package qemu runs instances as qemu-system processes controlled over QMP.
// Instances use user-mode networking with an SSH host forward, so no root
// privileges or host bridge setup is required.
package qemu

import (
	"context"
	"fmt"
	"net"
	"os"
	"os/exec"
	"path/filepath"
	"runtime"
	"strings"

	"github.com/rs/zerolog"
	"gitlab.com/tozd/go/errors"

	"github.com/fleetvm/fleetvm/pkg/api"
	"github.com/fleetvm/fleetvm/pkg/machine"
)

const Backend = "qemu"

// Factory builds qemu-backed machines under dataDir.
type Factory struct {
	dataDir string
}

func NewFactory(dataDir string) *Factory {
	return &Factory{dataDir: dataDir}
}

func (f *Factory) Backend() string { return Backend }

func (f *Factory) New(ctx context.Context, desc machine.Description) (machine.VirtualMachine, error) {
	binary, err := qemuBinary()
	if err != nil {
		return nil, err
	}
	if desc.WorkDir == "" {
		return nil, errors.New("instance work directory not set")
	}
	if err := os.MkdirAll(desc.WorkDir, 0o755); err != nil {
		return nil, errors.Errorf("creating instance directory: %w", err)
	}

	return &Machine{
		Base:      machine.NewBase(desc.Name),
		desc:      desc,
		binary:    binary,
		qmpSocket: filepath.Join(desc.WorkDir, "qmp.sock"),
		pidFile:   filepath.Join(desc.WorkDir, "qemu.pid"),
		logPath:   filepath.Join(desc.WorkDir, "qemu.log"),
	}, nil
}

// Networks lists host interfaces that look like attachable bridges, plus the
// sentinel bridged network.
func (f *Factory) Networks(ctx context.Context) ([]machine.NetworkInterface, error) {
	ifaces, err := net.Interfaces()
	if err != nil {
		return nil, errors.Errorf("enumerating host interfaces: %w", err)
	}

	nets := []machine.NetworkInterface{
		{Name: api.BridgedNetworkID, Type: "bridge", Description: "Default bridged network"},
	}
	for _, iface := range ifaces {
		if iface.Flags&net.FlagLoopback != 0 {
			continue
		}
		if !strings.HasPrefix(iface.Name, "br") && !strings.HasPrefix(iface.Name, "virbr") {
			continue
		}
		nets = append(nets, machine.NetworkInterface{
			Name:        iface.Name,
			Type:        "bridge",
			Description: fmt.Sprintf("Host bridge %s", iface.Name),
		})
	}
	return nets, nil
}

// ConfigureBridge resolves the sentinel bridged network to the first host
// bridge found. This backend never creates bridges itself.
func (f *Factory) ConfigureBridge(ctx context.Context) (string, error) {
	nets, err := f.Networks(ctx)
	if err != nil {
		return "", err
	}
	for _, n := range nets {
		if n.Name != api.BridgedNetworkID {
			zerolog.Ctx(ctx).Debug().Str("bridge", n.Name).Msg("resolved bridged network")
			return n.Name, nil
		}
	}
	return "", errors.New("no host bridge available for the bridged network")
}

func qemuBinary() (string, error) {
	candidates := []string{"qemu-system-x86_64", "qemu-system-aarch64"}
	if runtime.GOARCH == "arm64" {
		candidates = []string{"qemu-system-aarch64", "qemu-system-x86_64"}
	}
	for _, name := range candidates {
		if path, err := exec.LookPath(name); err == nil {
			return path, nil
		}
	}
	return "", errors.New("qemu-system binary not found in PATH")
}
