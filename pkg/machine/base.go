package machine

import (
	"context"
	"net"
	"sync"
	"time"

	"gitlab.com/tozd/go/errors"
)

const sshProbeInterval = 500 * time.Millisecond

// Base carries the state bookkeeping shared by every backend: the lifecycle
// state machine, the sticky suspend flag, delayed-shutdown ordering and the
// event publisher. Backends embed it and drive transitions through the
// Begin/Completed pairs.
type Base struct {
	name   string
	events *Events

	mu              sync.Mutex
	state           State
	suspended       bool
	shutdownPending bool
}

// NewBase returns a Base in StateOff.
func NewBase(name string) *Base {
	return &Base{name: name, state: StateOff, events: NewEvents()}
}

func (b *Base) Name() string { return b.name }

func (b *Base) Events() *Events { return b.events }

// CurrentState returns the last known state without blocking.
func (b *Base) CurrentState() State {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.state
}

// WasSuspended reports the sticky suspend flag. It survives until the next
// successful start so a resumed instance still reports it was suspended.
func (b *Base) WasSuspended() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.suspended
}

func (b *Base) setStateLocked(s State) {
	if b.state == s {
		return
	}
	b.state = s
	b.events.Publish(StateEvent{Name: b.name, State: s, Time: time.Now()})
}

// SetState records a state observed out-of-band, e.g. by a backend monitor
// that noticed the guest powered itself off.
func (b *Base) SetState(s State) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.setStateLocked(s)
}

// SetStateForRestore seeds the state and suspend flag from a persisted
// record, so a resume across daemon restarts still reports it was suspended.
func (b *Base) SetStateForRestore(s State, suspended bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.state = s
	b.suspended = suspended
}

// BeginStart moves to starting. It returns proceed=false without error when
// the machine is already starting or running, so retried starts are no-ops.
func (b *Base) BeginStart() (bool, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	switch b.state {
	case StateOff, StateStopped, StateSuspended:
		b.setStateLocked(StateStarting)
		return true, nil
	case StateStarting, StateRunning, StateRestarting, StateDelayedShutdown:
		return false, nil
	default:
		return false, errors.Errorf("instance %q cannot be started from state %q", b.name, b.state)
	}
}

// BootCompleted marks the boot as confirmed, clears the suspend flag, and
// reports whether a shutdown was requested while the machine was still
// booting.
func (b *Base) BootCompleted() (shutdownPending bool) {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.setStateLocked(StateRunning)
	b.suspended = false
	shutdownPending = b.shutdownPending
	b.shutdownPending = false
	return shutdownPending
}

// StartFailed records a fatal backend failure during start.
func (b *Base) StartFailed() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.setStateLocked(StateUnknown)
}

// BeginStop moves to stopping. Stopping an already stopped or off machine is
// a no-op success, so the daemon may retry after a crash without first
// re-synchronizing state.
func (b *Base) BeginStop() (bool, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	switch b.state {
	case StateStopped, StateOff:
		return false, nil
	default:
		b.setStateLocked(StateStopping)
		return true, nil
	}
}

// StopCompleted records a completed power-off.
func (b *Base) StopCompleted() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.setStateLocked(StateStopped)
	b.shutdownPending = false
}

// RequestShutdown registers a shutdown wish. Requested before boot completes
// it defers the shutdown (delayed_shutdown) and returns true; the backend
// performs the actual power-off after BootCompleted reports it pending.
func (b *Base) RequestShutdown() (delayed bool) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.state == StateStarting {
		b.shutdownPending = true
		b.setStateLocked(StateDelayedShutdown)
		return true
	}
	return false
}

// BeginSuspend moves to suspending. Valid only from running; suspending an
// already suspended machine is a no-op success.
func (b *Base) BeginSuspend() (bool, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	switch b.state {
	case StateRunning:
		b.setStateLocked(StateSuspending)
		return true, nil
	case StateSuspended:
		return false, nil
	default:
		return false, errors.Errorf("instance %q cannot be suspended from state %q: %w", b.name, b.state, ErrNotRunning)
	}
}

// SuspendCompleted records a completed suspend and sets the sticky flag.
func (b *Base) SuspendCompleted() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.setStateLocked(StateSuspended)
	b.suspended = true
}

// EnsureRunning fails fast when the state has drifted away from running, so
// long operations surface a specific error instead of hanging.
func (b *Base) EnsureRunning() error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.state != StateRunning {
		return errors.Errorf("instance %q is in state %q: %w", b.name, b.state, ErrNotRunning)
	}
	return nil
}

// WaitUntilSSHUp dials hostport until a TCP connection succeeds or timeout
// elapses. This is how the launch pipeline knows an instance finished
// booting.
func (b *Base) WaitUntilSSHUp(ctx context.Context, hostport string, timeout time.Duration) error {
	deadline := time.Now().Add(timeout)
	dialer := net.Dialer{Timeout: sshProbeInterval}

	for {
		conn, err := dialer.DialContext(ctx, "tcp", hostport)
		if err == nil {
			conn.Close()
			return nil
		}
		if ctx.Err() != nil {
			return errors.Errorf("waiting for SSH on %s: %w", hostport, ctx.Err())
		}
		if time.Now().After(deadline) {
			return errors.Errorf("instance %q not reachable on %s after %s: %w", b.name, hostport, timeout, ErrBootTimedOut)
		}
		// A machine that died mid-wait fails with the state error, not a
		// misleading timeout.
		if err := b.EnsureRunning(); err != nil {
			return err
		}

		select {
		case <-ctx.Done():
			return errors.Errorf("waiting for SSH on %s: %w", hostport, ctx.Err())
		case <-time.After(sshProbeInterval):
		}
	}
}
