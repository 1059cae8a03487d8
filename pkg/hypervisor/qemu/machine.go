package qemu

import (
	"context"
	"encoding/json"
	"fmt"
	"net"
	"os"
	"os/exec"
	"strconv"
	"sync"
	"time"

	"github.com/digitalocean/go-qemu/qmp"
	"github.com/rs/zerolog"
	"gitlab.com/tozd/go/errors"

	"github.com/fleetvm/fleetvm/pkg/machine"
)

const (
	qmpConnectTimeout = 2 * time.Second
	qmpConnectRetries = 20
	shutdownGrace     = 2 * time.Minute
	suspendSnapshot   = "fleetvm-suspend"
)

// Machine is one qemu process plus its QMP control channel.
type Machine struct {
	*machine.Base

	desc      machine.Description
	binary    string
	qmpSocket string
	pidFile   string
	logPath   string

	mu      sync.Mutex
	cmd     *exec.Cmd
	monitor *qmp.SocketMonitor
	waitCh  chan error
}

func (m *Machine) Start(ctx context.Context) error {
	proceed, err := m.BeginStart()
	if err != nil || !proceed {
		return err
	}

	logger := zerolog.Ctx(ctx).With().Str("instance", m.desc.Name).Logger()

	resume := m.WasSuspended()
	args, err := m.buildArgs(resume)
	if err != nil {
		m.StartFailed()
		return err
	}

	os.Remove(m.qmpSocket)
	os.Remove(m.pidFile)

	logFile, err := os.Create(m.logPath)
	if err != nil {
		m.StartFailed()
		return errors.Errorf("creating qemu log file: %w", err)
	}

	cmd := exec.Command(m.binary, args...)
	cmd.Stdout = logFile
	cmd.Stderr = logFile

	logger.Debug().Strs("args", args).Bool("resume", resume).Msg("starting qemu")

	if err := cmd.Start(); err != nil {
		logFile.Close()
		m.StartFailed()
		return errors.Errorf("starting qemu: %w", err)
	}

	waitCh := make(chan error, 1)
	go func() {
		waitCh <- cmd.Wait()
		logFile.Close()
	}()

	monitor, err := m.connectQMP(ctx)
	if err != nil {
		cmd.Process.Kill()
		m.StartFailed()
		return err
	}

	m.mu.Lock()
	m.cmd = cmd
	m.monitor = monitor
	m.waitCh = waitCh
	m.mu.Unlock()

	go m.watchEvents(logger)

	if pending := m.BootCompleted(); pending {
		logger.Info().Msg("honoring shutdown requested during boot")
		return m.Stop(ctx, false)
	}

	logger.Info().Int("pid", cmd.Process.Pid).Msg("instance started")
	return nil
}

func (m *Machine) Stop(ctx context.Context, force bool) error {
	proceed, err := m.BeginStop()
	if err != nil || !proceed {
		return err
	}

	logger := zerolog.Ctx(ctx).With().Str("instance", m.desc.Name).Logger()

	m.mu.Lock()
	monitor, waitCh, cmd := m.monitor, m.waitCh, m.cmd
	m.mu.Unlock()

	if cmd == nil {
		m.StopCompleted()
		return nil
	}

	if force {
		logger.Info().Msg("force stopping instance")
		if monitor != nil {
			m.runCommand(monitor, "quit")
		}
		cmd.Process.Kill()
	} else if monitor != nil {
		if _, err := m.runCommand(monitor, "system_powerdown"); err != nil {
			logger.Warn().Err(err).Msg("powerdown request failed, killing process")
			cmd.Process.Kill()
		}
	} else {
		cmd.Process.Kill()
	}

	select {
	case <-waitCh:
	case <-time.After(shutdownGrace):
		logger.Warn().Msg("guest did not shut down in time, killing process")
		cmd.Process.Kill()
		<-waitCh
	case <-ctx.Done():
		cmd.Process.Kill()
		<-waitCh
	}

	m.teardown()
	m.StopCompleted()
	logger.Info().Msg("instance stopped")
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

// Suspend snapshots guest state to the qcow2 disk and quits the process. The
// next Start resumes from the snapshot.
func (m *Machine) Suspend(ctx context.Context) error {
	proceed, err := m.BeginSuspend()
	if err != nil || !proceed {
		return err
	}

	m.mu.Lock()
	monitor, waitCh, cmd := m.monitor, m.waitCh, m.cmd
	m.mu.Unlock()

	if monitor == nil || cmd == nil {
		m.StartFailed()
		return errors.New("no control channel to suspend through")
	}

	if _, err := m.humanMonitorCommand(monitor, "savevm "+suspendSnapshot); err != nil {
		m.StartFailed()
		return errors.Errorf("saving suspend snapshot: %w", err)
	}
	m.runCommand(monitor, "quit")

	select {
	case <-waitCh:
	case <-time.After(shutdownGrace):
		cmd.Process.Kill()
		<-waitCh
	}

	m.teardown()
	m.SuspendCompleted()
	zerolog.Ctx(ctx).Info().Str("instance", m.desc.Name).Msg("instance suspended")
	return nil
}

// UpdateState reconciles the cached state with the qemu process. The process
// exiting outside a requested stop leaves the machine off.
func (m *Machine) UpdateState(ctx context.Context) machine.State {
	m.mu.Lock()
	monitor := m.monitor
	m.mu.Unlock()

	current := m.CurrentState()
	if monitor == nil {
		return current
	}

	raw, err := m.runCommand(monitor, "query-status")
	if err != nil {
		if current == machine.StateRunning {
			m.SetState(machine.StateUnknown)
		}
		return m.CurrentState()
	}

	var reply struct {
		Return struct {
			Status string `json:"status"`
		} `json:"return"`
	}
	if err := json.Unmarshal(raw, &reply); err != nil {
		return current
	}

	observed := current
	switch reply.Return.Status {
	case "running":
		observed = machine.StateRunning
	case "paused", "suspended":
		observed = machine.StateSuspended
	case "shutdown":
		observed = machine.StateOff
	}
	if observed != current && !isTransitional(current) {
		m.SetState(observed)
	}
	return m.CurrentState()
}

func (m *Machine) SSHHostname(ctx context.Context, timeout time.Duration) (string, error) {
	// User-mode networking forwards the guest SSH port to localhost.
	return "localhost", nil
}

func (m *Machine) ManagementIPv4(ctx context.Context) (string, error) {
	return "127.0.0.1", nil
}

func (m *Machine) IPv6(ctx context.Context) (string, error) {
	return "", nil
}

func (m *Machine) AllIPv4(ctx context.Context) ([]string, error) {
	return []string{"127.0.0.1"}, nil
}

func (m *Machine) SSHPort() int { return m.desc.SSHPort }

func (m *Machine) SSHUsername() string { return m.desc.SSHUsername }

func (m *Machine) WaitUntilSSHUp(ctx context.Context, timeout time.Duration) error {
	hostport := net.JoinHostPort("localhost", strconv.Itoa(m.desc.SSHPort))
	return m.Base.WaitUntilSSHUp(ctx, hostport, timeout)
}

func (m *Machine) Delete(ctx context.Context) error {
	m.mu.Lock()
	cmd, waitCh := m.cmd, m.waitCh
	m.mu.Unlock()

	if cmd != nil {
		cmd.Process.Kill()
		<-waitCh
		m.teardown()
	}
	m.Events().Close()

	if err := os.RemoveAll(m.desc.WorkDir); err != nil {
		return errors.Errorf("removing instance directory: %w", err)
	}
	return nil
}

func (m *Machine) buildArgs(resume bool) ([]string, error) {
	memMB := m.desc.MemSizeBytes / (1024 * 1024)
	if memMB <= 0 {
		return nil, errors.New("instance memory size not set")
	}

	args := []string{
		"-name", m.desc.Name,
		"-nographic",
		"-cpu", "host",
		"-smp", strconv.Itoa(m.desc.NumCores),
		"-m", fmt.Sprintf("%dM", memMB),
		"-drive", fmt.Sprintf("file=%s,format=qcow2,if=virtio", m.desc.ImagePath),
		"-qmp", fmt.Sprintf("unix:%s,server,nowait", m.qmpSocket),
		"-pidfile", m.pidFile,
		"-nic", fmt.Sprintf("user,model=virtio-net-pci,hostfwd=tcp::%d-:22", m.desc.SSHPort),
	}
	if kvmAvailable() {
		args = append(args, "-enable-kvm")
	}
	if m.desc.KernelPath != "" {
		args = append(args, "-kernel", m.desc.KernelPath)
	}
	if m.desc.InitrdPath != "" {
		args = append(args, "-initrd", m.desc.InitrdPath)
	}
	if m.desc.CloudInitISOPath != "" {
		args = append(args, "-drive",
			fmt.Sprintf("file=%s,format=raw,if=virtio,readonly=on", m.desc.CloudInitISOPath))
	}
	for i, opt := range m.desc.NetworkOptions {
		mac := opt.MACAddress
		if mac == "" {
			mac = machine.RandomMAC()
		}
		args = append(args,
			"-netdev", fmt.Sprintf("bridge,id=extra%d,br=%s", i, opt.ID),
			"-device", fmt.Sprintf("virtio-net-pci,netdev=extra%d,mac=%s", i, mac))
	}
	if resume {
		args = append(args, "-loadvm", suspendSnapshot)
	}
	return args, nil
}

func (m *Machine) connectQMP(ctx context.Context) (*qmp.SocketMonitor, error) {
	var lastErr error
	for i := 0; i < qmpConnectRetries; i++ {
		if ctx.Err() != nil {
			return nil, errors.Errorf("connecting to qemu monitor: %w", ctx.Err())
		}
		monitor, err := qmp.NewSocketMonitor("unix", m.qmpSocket, qmpConnectTimeout)
		if err == nil {
			if err = monitor.Connect(); err == nil {
				return monitor, nil
			}
		}
		lastErr = err
		time.Sleep(500 * time.Millisecond)
	}
	return nil, errors.Errorf("connecting to qemu monitor: %w", lastErr)
}

// watchEvents mirrors guest-initiated transitions into the state machine.
func (m *Machine) watchEvents(logger zerolog.Logger) {
	m.mu.Lock()
	monitor := m.monitor
	m.mu.Unlock()
	if monitor == nil {
		return
	}

	events, err := monitor.Events(context.Background())
	if err != nil {
		logger.Debug().Err(err).Msg("qemu event stream unavailable")
		return
	}
	for ev := range events {
		switch ev.Event {
		case "SHUTDOWN":
			if m.CurrentState() == machine.StateRunning {
				logger.Info().Msg("guest shut down on its own")
				m.SetState(machine.StateOff)
			}
		case "RESET":
			if m.CurrentState() == machine.StateRunning {
				m.SetState(machine.StateRestarting)
			}
		case "RESUME":
			if m.CurrentState() == machine.StateRestarting {
				m.SetState(machine.StateRunning)
			}
		}
	}
}

func (m *Machine) runCommand(monitor *qmp.SocketMonitor, name string) ([]byte, error) {
	cmd, err := json.Marshal(map[string]any{"execute": name})
	if err != nil {
		return nil, errors.Errorf("marshaling %s command: %w", name, err)
	}
	return monitor.Run(cmd)
}

func (m *Machine) humanMonitorCommand(monitor *qmp.SocketMonitor, line string) ([]byte, error) {
	cmd, err := json.Marshal(map[string]any{
		"execute": "human-monitor-command",
		"arguments": map[string]string{
			"command-line": line,
		},
	})
	if err != nil {
		return nil, errors.Errorf("marshaling monitor command: %w", err)
	}
	return monitor.Run(cmd)
}

func (m *Machine) teardown() {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.monitor != nil {
		m.monitor.Disconnect()
		m.monitor = nil
	}
	m.cmd = nil
	m.waitCh = nil
	os.Remove(m.qmpSocket)
	os.Remove(m.pidFile)
}

func isTransitional(s machine.State) bool {
	switch s {
	case machine.StateStarting, machine.StateStopping, machine.StateSuspending, machine.StateRestarting:
		return true
	}
	return false
}

func kvmAvailable() bool {
	_, err := os.Stat("/dev/kvm")
	return err == nil
}
