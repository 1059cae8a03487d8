package libvirt

import (
	"context"
	"net"
	"os"
	"strconv"
	"sync"
	"time"

	golibvirt "github.com/digitalocean/go-libvirt"
	"github.com/rs/zerolog"
	"gitlab.com/tozd/go/errors"

	"github.com/fleetvm/fleetvm/pkg/machine"
)

const (
	shutdownGrace   = 2 * time.Minute
	statePollEvery  = 3 * time.Second
	leasePollEvery  = 2 * time.Second
	defaultLeaseMax = 2 * time.Minute
)

// Machine is one libvirt domain.
type Machine struct {
	*machine.Base

	desc machine.Description
	conn *golibvirt.Libvirt

	mu       sync.Mutex
	pollStop chan struct{}
}

func (m *Machine) Start(ctx context.Context) error {
	proceed, err := m.BeginStart()
	if err != nil || !proceed {
		return err
	}

	logger := zerolog.Ctx(ctx).With().Str("instance", m.desc.Name).Logger()

	dom, err := m.lookupOrDefine()
	if err != nil {
		m.StartFailed()
		return err
	}

	// DomainCreate restores a managed save image when one exists, which is
	// how suspended instances resume.
	if err := m.conn.DomainCreate(dom); err != nil {
		m.StartFailed()
		return errors.Errorf("starting domain %s: %w", m.desc.Name, err)
	}

	m.startPolling(logger)

	if pending := m.BootCompleted(); pending {
		logger.Info().Msg("honoring shutdown requested during boot")
		return m.Stop(ctx, false)
	}

	logger.Info().Msg("instance started")
	return nil
}

func (m *Machine) Stop(ctx context.Context, force bool) error {
	proceed, err := m.BeginStop()
	if err != nil || !proceed {
		return err
	}

	logger := zerolog.Ctx(ctx).With().Str("instance", m.desc.Name).Logger()

	dom, err := m.conn.DomainLookupByName(m.desc.Name)
	if err != nil {
		m.StopCompleted()
		return nil
	}

	m.stopPolling()

	if force {
		logger.Info().Msg("force stopping instance")
		if err := m.conn.DomainDestroy(dom); err != nil {
			m.SetState(machine.StateUnknown)
			return errors.Errorf("destroying domain %s: %w", m.desc.Name, err)
		}
		m.StopCompleted()
		return nil
	}

	if err := m.conn.DomainShutdown(dom); err != nil {
		logger.Warn().Err(err).Msg("shutdown request failed, destroying domain")
		if err := m.conn.DomainDestroy(dom); err != nil {
			m.SetState(machine.StateUnknown)
			return errors.Errorf("destroying domain %s: %w", m.desc.Name, err)
		}
		m.StopCompleted()
		return nil
	}

	deadline := time.Now().Add(shutdownGrace)
	for time.Now().Before(deadline) {
		if ctx.Err() != nil {
			break
		}
		state, _, err := m.conn.DomainGetState(dom, 0)
		if err != nil || golibvirt.DomainState(state) == golibvirt.DomainShutoff {
			m.StopCompleted()
			logger.Info().Msg("instance stopped")
			return nil
		}
		time.Sleep(time.Second)
	}

	logger.Warn().Msg("guest did not shut down in time, destroying domain")
	if err := m.conn.DomainDestroy(dom); err != nil {
		m.SetState(machine.StateUnknown)
		return errors.Errorf("destroying domain %s: %w", m.desc.Name, err)
	}
	m.StopCompleted()
	return nil
}

func (m *Machine) Shutdown(ctx context.Context, force bool) error {
	if delayed := m.RequestShutdown(); delayed {
		zerolog.Ctx(ctx).Info().Str("instance", m.desc.Name).
			Msg("shutdown deferred until boot completes")
		return nil
	}
	return m.Stop(ctx, force)
}

// Suspend saves guest state through libvirt's managed save, which the next
// Start transparently restores.
func (m *Machine) Suspend(ctx context.Context) error {
	proceed, err := m.BeginSuspend()
	if err != nil || !proceed {
		return err
	}

	dom, err := m.conn.DomainLookupByName(m.desc.Name)
	if err != nil {
		m.StartFailed()
		return errors.Errorf("looking up domain %s: %w", m.desc.Name, err)
	}

	m.stopPolling()

	if err := m.conn.DomainManagedSave(dom, 0); err != nil {
		m.StartFailed()
		return errors.Errorf("suspending domain %s: %w", m.desc.Name, err)
	}

	m.SuspendCompleted()
	zerolog.Ctx(ctx).Info().Str("instance", m.desc.Name).Msg("instance suspended")
	return nil
}

func (m *Machine) UpdateState(ctx context.Context) machine.State {
	current := m.CurrentState()

	dom, err := m.conn.DomainLookupByName(m.desc.Name)
	if err != nil {
		return current
	}
	state, _, err := m.conn.DomainGetState(dom, 0)
	if err != nil {
		return current
	}

	observed := current
	switch golibvirt.DomainState(state) {
	case golibvirt.DomainRunning:
		observed = machine.StateRunning
	case golibvirt.DomainPaused, golibvirt.DomainPmsuspended:
		observed = machine.StateSuspended
	case golibvirt.DomainShutoff:
		observed = machine.StateOff
		if saved, err := m.conn.DomainHasManagedSaveImage(dom, 0); err == nil && saved != 0 {
			observed = machine.StateSuspended
		}
	case golibvirt.DomainCrashed:
		observed = machine.StateUnknown
	}
	if observed != current && !isTransitional(current) {
		m.SetState(observed)
	}
	return m.CurrentState()
}

// SSHHostname waits for the guest's DHCP lease and returns its address.
func (m *Machine) SSHHostname(ctx context.Context, timeout time.Duration) (string, error) {
	if timeout <= 0 {
		timeout = defaultLeaseMax
	}
	deadline := time.Now().Add(timeout)
	for {
		if addrs, err := m.leaseAddrs(golibvirt.IPAddrTypeIpv4); err == nil && len(addrs) > 0 {
			return addrs[0], nil
		}
		if time.Now().After(deadline) {
			return "", errors.Errorf("instance %s: %w", m.desc.Name, machine.ErrConnectivityTimedOut)
		}
		select {
		case <-ctx.Done():
			return "", errors.Errorf("waiting for instance address: %w", ctx.Err())
		case <-time.After(leasePollEvery):
		}
	}
}

func (m *Machine) ManagementIPv4(ctx context.Context) (string, error) {
	addrs, err := m.leaseAddrs(golibvirt.IPAddrTypeIpv4)
	if err != nil {
		return "", err
	}
	if len(addrs) == 0 {
		return "", errors.Errorf("instance %s: %w", m.desc.Name, machine.ErrConnectivityTimedOut)
	}
	return addrs[0], nil
}

func (m *Machine) IPv6(ctx context.Context) (string, error) {
	addrs, err := m.leaseAddrs(golibvirt.IPAddrTypeIpv6)
	if err != nil {
		return "", err
	}
	if len(addrs) == 0 {
		return "", nil
	}
	return addrs[0], nil
}

func (m *Machine) AllIPv4(ctx context.Context) ([]string, error) {
	return m.leaseAddrs(golibvirt.IPAddrTypeIpv4)
}

func (m *Machine) SSHPort() int { return m.desc.SSHPort }

func (m *Machine) SSHUsername() string { return m.desc.SSHUsername }

func (m *Machine) WaitUntilSSHUp(ctx context.Context, timeout time.Duration) error {
	deadline := time.Now().Add(timeout)

	host, err := m.SSHHostname(ctx, timeout)
	if err != nil {
		return err
	}

	remaining := time.Until(deadline)
	if remaining <= 0 {
		return errors.Errorf("instance %s: %w", m.desc.Name, machine.ErrBootTimedOut)
	}
	hostport := net.JoinHostPort(host, strconv.Itoa(m.desc.SSHPort))
	return m.Base.WaitUntilSSHUp(ctx, hostport, remaining)
}

func (m *Machine) Delete(ctx context.Context) error {
	m.stopPolling()
	m.Events().Close()

	dom, err := m.conn.DomainLookupByName(m.desc.Name)
	if err == nil {
		m.conn.DomainDestroy(dom)
		flags := golibvirt.DomainUndefineManagedSave | golibvirt.DomainUndefineNvram
		if err := m.conn.DomainUndefineFlags(dom, flags); err != nil {
			return errors.Errorf("undefining domain %s: %w", m.desc.Name, err)
		}
	}

	if err := os.RemoveAll(m.desc.WorkDir); err != nil {
		return errors.Errorf("removing instance directory: %w", err)
	}
	return nil
}

func (m *Machine) lookupOrDefine() (golibvirt.Domain, error) {
	dom, err := m.conn.DomainLookupByName(m.desc.Name)
	if err == nil {
		return dom, nil
	}

	xml, err := domainXML(m.desc)
	if err != nil {
		return golibvirt.Domain{}, err
	}
	dom, err = m.conn.DomainDefineXML(xml)
	if err != nil {
		return golibvirt.Domain{}, errors.Errorf("defining domain %s: %w", m.desc.Name, err)
	}
	return dom, nil
}

func (m *Machine) leaseAddrs(kind golibvirt.IPAddrType) ([]string, error) {
	dom, err := m.conn.DomainLookupByName(m.desc.Name)
	if err != nil {
		return nil, errors.Errorf("looking up domain %s: %w", m.desc.Name, err)
	}

	ifaces, err := m.conn.DomainInterfaceAddresses(dom,
		uint32(golibvirt.DomainInterfaceAddressesSrcLease), 0)
	if err != nil {
		return nil, errors.Errorf("querying addresses for %s: %w", m.desc.Name, err)
	}

	var addrs []string
	for _, iface := range ifaces {
		for _, addr := range iface.Addrs {
			if golibvirt.IPAddrType(addr.Type) == kind {
				addrs = append(addrs, addr.Addr)
			}
		}
	}
	return addrs, nil
}

// startPolling mirrors out-of-band domain transitions into the state
// machine until the instance leaves running.
func (m *Machine) startPolling(logger zerolog.Logger) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.pollStop != nil {
		return
	}
	stop := make(chan struct{})
	m.pollStop = stop

	go func() {
		defer m.clearPoll(stop)
		ticker := time.NewTicker(statePollEvery)
		defer ticker.Stop()
		for {
			select {
			case <-stop:
				return
			case <-ticker.C:
				state := m.UpdateState(context.Background())
				if state == machine.StateOff || state == machine.StateUnknown {
					logger.Debug().Str("state", string(state)).Msg("domain left running state")
					return
				}
			}
		}
	}()
}

func (m *Machine) clearPoll(stop chan struct{}) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.pollStop == stop {
		m.pollStop = nil
	}
}

func (m *Machine) stopPolling() {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.pollStop != nil {
		close(m.pollStop)
		m.pollStop = nil
	}
}

func isTransitional(s machine.State) bool {
	switch s {
	case machine.StateStarting, machine.StateStopping, machine.StateSuspending, machine.StateRestarting:
		return true
	}
	return false
}
