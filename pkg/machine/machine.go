// Package machine defines the virtual-machine capability contract shared by
// all hypervisor backends, plus the state bookkeeping they embed.
package machine

import (
	"context"
	"fmt"
	"math/rand"
	"time"

	"gitlab.com/tozd/go/errors"

	"github.com/fleetvm/fleetvm/pkg/api"
)

// RandomMAC returns a locally administered MAC with the QEMU OUI. Extra
// interfaces get one assigned during provisioning so the cloud-init seed and
// the backend NIC agree on the address.
func RandomMAC() string {
	return fmt.Sprintf("52:54:00:%02x:%02x:%02x",
		rand.Intn(256), rand.Intn(256), rand.Intn(256))
}

// State is the lifecycle state of a virtual machine. Every state except
// deletion is re-enterable.
type State string

const (
	StateOff             State = "off"
	StateStarting        State = "starting"
	StateRunning         State = "running"
	StateStopping        State = "stopping"
	StateStopped         State = "stopped"
	StateSuspending      State = "suspending"
	StateSuspended       State = "suspended"
	StateRestarting      State = "restarting"
	StateDelayedShutdown State = "delayed_shutdown"
	StateUnknown         State = "unknown"
)

var (
	// ErrNotRunning is returned by operations that require a running instance.
	ErrNotRunning = errors.New("instance is not running")

	// ErrBootTimedOut is returned when an instance does not become reachable
	// over SSH within the allowed time.
	ErrBootTimedOut = errors.New("timed out waiting for instance to boot")

	// ErrConnectivityTimedOut is returned when the guest network stack does
	// not become reachable within the allowed time.
	ErrConnectivityTimedOut = errors.New("timed out waiting for instance network")
)

// Description holds everything a backend needs to build an instance: resolved
// image paths, resource allocation, network options and cloud-init data. It is
// immutable once constructed and owned by the VirtualMachine built from it.
type Description struct {
	Name             string
	NumCores         int
	MemSizeBytes     int64
	DiskSizeBytes    int64
	ImagePath        string
	KernelPath       string
	InitrdPath       string
	CloudInitISOPath string
	NetworkOptions   []api.NetworkOption
	SSHUsername      string
	SSHPort          int
	Release          string
	WorkDir          string
}

// VirtualMachine is the capability contract every hypervisor backend
// implements. State transitions are safe to invoke concurrently from a
// request worker and from the backend's asynchronous monitor.
type VirtualMachine interface {
	Name() string

	// Start boots the instance. Valid from off, stopped and suspended; a
	// start while already starting or running is a no-op success. On backend
	// failure the machine is left in StateUnknown and the error is fatal to
	// the caller.
	Start(ctx context.Context) error

	// Stop requests shutdown. With force false the guest is given time to
	// shut down cleanly before the backend powers it off. Stopping an
	// already stopped machine is a no-op success.
	Stop(ctx context.Context, force bool) error

	// Shutdown acknowledges a host-initiated shutdown request. Requested
	// before the machine reaches running, it is deferred until boot
	// completes (delayed_shutdown ordering).
	Shutdown(ctx context.Context, force bool) error

	// Suspend is valid only from running.
	Suspend(ctx context.Context) error

	// CurrentState returns the last known state without blocking; it may lag
	// reality until UpdateState or a monitor notification refreshes it.
	CurrentState() State

	// UpdateState re-synchronizes the cached state with the backend.
	UpdateState(ctx context.Context) State

	// SetStateForRestore seeds state from a persisted record when the daemon
	// rebuilds its fleet after a restart.
	SetStateForRestore(s State, suspended bool)

	// WasSuspended reports whether the instance was suspended; the flag is
	// sticky until the next successful Start.
	WasSuspended() bool

	// Connectivity queries. Each may block up to timeout (or a backend
	// default) waiting for the guest network stack.
	SSHHostname(ctx context.Context, timeout time.Duration) (string, error)
	ManagementIPv4(ctx context.Context) (string, error)
	IPv6(ctx context.Context) (string, error)
	AllIPv4(ctx context.Context) ([]string, error)
	SSHPort() int
	SSHUsername() string

	// WaitUntilSSHUp blocks until a TCP connection to the guest's SSH port
	// succeeds or timeout elapses, failing with ErrBootTimedOut.
	WaitUntilSSHUp(ctx context.Context, timeout time.Duration) error

	// EnsureRunning fails fast with ErrNotRunning if the state has drifted
	// away from running.
	EnsureRunning() error

	// Delete releases the instance's backing resources. Never invoked
	// implicitly.
	Delete(ctx context.Context) error

	// Events exposes the machine's state-change publisher.
	Events() *Events
}

// NetworkInterface describes one network a backend can attach instances to.
type NetworkInterface struct {
	Name        string
	Type        string
	Description string
}

// Factory builds VirtualMachines for one backend and answers the network
// questions the launch pipeline asks before allocating anything.
type Factory interface {
	Backend() string

	New(ctx context.Context, desc Description) (VirtualMachine, error)

	// Networks enumerates the host networks instances may attach to. A
	// NetworkOption naming a network absent from this list is rejected
	// before any resource is allocated.
	Networks(ctx context.Context) ([]NetworkInterface, error)

	// ConfigureBridge resolves the sentinel "bridged" network to a concrete
	// host network, configuring one if needed.
	ConfigureBridge(ctx context.Context) (string, error)
}
