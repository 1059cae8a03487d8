// Package daemon is the long-running fleetd process: the instance registry,
// the launch pipeline, and the unix-socket API the client talks to.
package daemon

import (
	"context"
	"os/exec"
	"path/filepath"

	"github.com/rs/zerolog"
	"gitlab.com/tozd/go/errors"

	"github.com/fleetvm/fleetvm/pkg/api"
	"github.com/fleetvm/fleetvm/pkg/catalog"
	"github.com/fleetvm/fleetvm/pkg/cloudinit"
	"github.com/fleetvm/fleetvm/pkg/config"
	"github.com/fleetvm/fleetvm/pkg/download"
	"github.com/fleetvm/fleetvm/pkg/hypervisor"
	"github.com/fleetvm/fleetvm/pkg/machine"
)

// Daemon wires the collaborators together and owns their lifetimes.
type Daemon struct {
	Config     *config.Config
	Registry   *Registry
	Factory    machine.Factory
	Downloader *download.Downloader
	Catalog    *catalog.Catalog
	OptIn      *OptInStore
	Pipeline   *Pipeline
}

// New builds a daemon from configuration, restoring persisted instances.
func New(ctx context.Context, cfg *config.Config) (*Daemon, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	factory, err := hypervisor.NewFactory(cfg.Backend, cfg.DataDir)
	if err != nil {
		return nil, err
	}

	downloader, err := download.New(cfg.CacheDir(), cfg.DownloadTimeout)
	if err != nil {
		return nil, err
	}

	cat := catalog.Builtin()
	if cfg.CatalogURL != "" {
		cat = catalog.New(cfg.CatalogURL, downloader)
	}

	keys, err := cloudinit.EnsureKeyPair(cfg.KeysDir())
	if err != nil {
		return nil, err
	}

	registry, err := NewRegistry(cfg.InstancesDir())
	if err != nil {
		return nil, err
	}

	optIn := NewOptInStore(filepath.Join(cfg.DataDir, "metrics-opt-in.json"))

	qemuImgPath, err := exec.LookPath("qemu-img")
	if err != nil {
		zerolog.Ctx(ctx).Warn().Msg("qemu-img not found, instance disks keep the base image size")
		qemuImgPath = ""
	}

	d := &Daemon{
		Config:     cfg,
		Registry:   registry,
		Factory:    factory,
		Downloader: downloader,
		Catalog:    cat,
		OptIn:      optIn,
		Pipeline: &Pipeline{
			Registry:        registry,
			Factory:         factory,
			Downloader:      downloader,
			Catalog:         cat,
			Keys:            keys,
			OptIn:           optIn,
			MinCPUs:         cfg.MinCPUs,
			DefaultMemSize:  cfg.DefaultMemSize,
			DefaultDiskSize: cfg.DefaultDiskSize,
			DefaultSSHUser:  "ubuntu",
			BootTimeout:     cfg.BootTimeout,
			QemuImgPath:     qemuImgPath,
		},
	}

	if err := d.restore(ctx); err != nil {
		return nil, err
	}
	return d, nil
}

// restore rebuilds machines for persisted records. A record whose state was
// running when the daemon died comes back unknown until its backend
// reconciles through UpdateState.
func (d *Daemon) restore(ctx context.Context) error {
	logger := zerolog.Ctx(ctx)

	err := d.Registry.LoadRecords(func(rec Record) (machine.VirtualMachine, error) {
		desc := machine.Description{
			Name:             rec.Name,
			NumCores:         rec.NumCores,
			MemSizeBytes:     rec.MemSizeBytes,
			DiskSizeBytes:    rec.DiskSizeBytes,
			ImagePath:        filepath.Join(d.Registry.InstanceDir(rec.Name), "disk.qcow2"),
			CloudInitISOPath: filepath.Join(d.Registry.InstanceDir(rec.Name), "seed.iso"),
			NetworkOptions:   rec.Networks,
			SSHUsername:      rec.SSHUsername,
			SSHPort:          rec.SSHPort,
			Release:          rec.Release,
			WorkDir:          d.Registry.InstanceDir(rec.Name),
		}
		vm, err := d.Factory.New(ctx, desc)
		if err != nil {
			return nil, err
		}
		switch rec.LastState {
		case machine.StateSuspended:
			// Resume must still report the instance was suspended.
			vm.SetStateForRestore(machine.StateSuspended, true)
		case machine.StateOff, machine.StateStopped:
			vm.SetStateForRestore(rec.LastState, false)
		default:
			vm.SetStateForRestore(machine.StateUnknown, false)
		}
		return vm, nil
	})
	if err != nil {
		return errors.Errorf("restoring instances: %w", err)
	}

	for _, inst := range d.Registry.List() {
		logger.Info().Str("instance", inst.Name).
			Str("state", string(inst.VM.CurrentState())).Msg("restored instance")
	}
	return nil
}

// Shutdown aborts in-flight downloads so the HTTP server can drain quickly.
func (d *Daemon) Shutdown(ctx context.Context) {
	zerolog.Ctx(ctx).Info().Msg("shutting down, aborting downloads")
	d.Downloader.AbortAll()
}

func (d *Daemon) instanceInfo(ctx context.Context, inst *Instance) api.InstanceInfo {
	info := api.InstanceInfo{
		Name:     inst.Name,
		State:    string(inst.VM.CurrentState()),
		Backend:  inst.Backend,
		Release:  inst.Release,
		NumCores: inst.NumCores,
		MemSize:  inst.MemSizeBytes,
		DiskSize: inst.DiskSizeBytes,
	}
	if inst.VM.CurrentState() == machine.StateRunning {
		if addrs, err := inst.VM.AllIPv4(ctx); err == nil {
			info.IPv4 = addrs
		}
	}
	return info
}
