package daemon_test

import (
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gitlab.com/tozd/go/errors"

	"github.com/fleetvm/fleetvm/pkg/daemon"
	"github.com/fleetvm/fleetvm/pkg/machine"
)

func newTestInstance(name string) *daemon.Instance {
	return &daemon.Instance{
		Record: daemon.Record{
			Name:         name,
			Backend:      "fake",
			NumCores:     1,
			MemSizeBytes: 1024 * 1024 * 1024,
			LastState:    machine.StateOff,
			CreatedAt:    time.Now().UTC(),
		},
		VM: &fakeMachine{Base: machine.NewBase(name)},
	}
}

func TestRegistryAddAndGet(t *testing.T) {
	r, err := daemon.NewRegistry(t.TempDir())
	require.NoError(t, err)

	require.NoError(t, r.Add(newTestInstance("test1")))
	assert.True(t, r.Exists("test1"))

	inst, err := r.Get("test1")
	require.NoError(t, err)
	assert.Equal(t, "test1", inst.Name)

	_, err = r.Get("nope")
	require.Error(t, err)
	assert.True(t, errors.Is(err, daemon.ErrInstanceNotFound))
}

func TestRegistryNameUniqueness(t *testing.T) {
	r, err := daemon.NewRegistry(t.TempDir())
	require.NoError(t, err)

	require.NoError(t, r.Add(newTestInstance("test1")))
	err = r.Add(newTestInstance("test1"))
	require.Error(t, err)
	assert.True(t, errors.Is(err, daemon.ErrInstanceExists))
}

func TestRegistryListSorted(t *testing.T) {
	r, err := daemon.NewRegistry(t.TempDir())
	require.NoError(t, err)

	for _, name := range []string{"charlie", "alpha", "bravo"} {
		require.NoError(t, r.Add(newTestInstance(name)))
	}

	var names []string
	for _, inst := range r.List() {
		names = append(names, inst.Name)
	}
	assert.Equal(t, []string{"alpha", "bravo", "charlie"}, names)
}

func TestRegistryPersistence(t *testing.T) {
	dir := t.TempDir()

	r, err := daemon.NewRegistry(dir)
	require.NoError(t, err)

	inst := newTestInstance("test1")
	require.NoError(t, r.Add(inst))
	require.NoError(t, r.SyncState("test1"))
	assert.FileExists(t, filepath.Join(dir, "test1", "instance.json"))

	// A fresh registry rebuilds the fleet from the records on disk.
	r2, err := daemon.NewRegistry(dir)
	require.NoError(t, err)
	require.NoError(t, r2.LoadRecords(func(rec daemon.Record) (machine.VirtualMachine, error) {
		vm := &fakeMachine{Base: machine.NewBase(rec.Name)}
		vm.SetStateForRestore(rec.LastState, false)
		return vm, nil
	}))

	loaded, err := r2.Get("test1")
	require.NoError(t, err)
	assert.Equal(t, "fake", loaded.Backend)
	assert.Equal(t, machine.StateOff, loaded.VM.CurrentState())
}

func TestRegistryRestoreSuspendFlag(t *testing.T) {
	dir := t.TempDir()

	r, err := daemon.NewRegistry(dir)
	require.NoError(t, err)

	inst := newTestInstance("test1")
	inst.LastState = machine.StateSuspended
	require.NoError(t, r.Add(inst))

	r2, err := daemon.NewRegistry(dir)
	require.NoError(t, err)
	require.NoError(t, r2.LoadRecords(func(rec daemon.Record) (machine.VirtualMachine, error) {
		vm := &fakeMachine{Base: machine.NewBase(rec.Name)}
		if rec.LastState == machine.StateSuspended {
			vm.SetStateForRestore(machine.StateSuspended, true)
		}
		return vm, nil
	}))

	loaded, err := r2.Get("test1")
	require.NoError(t, err)
	assert.True(t, loaded.VM.WasSuspended(), "resume across restarts must still report suspension")
}

func TestRegistryRemove(t *testing.T) {
	r, err := daemon.NewRegistry(t.TempDir())
	require.NoError(t, err)

	require.NoError(t, r.Add(newTestInstance("test1")))
	require.NoError(t, r.Remove("test1"))
	assert.False(t, r.Exists("test1"))

	err = r.Remove("test1")
	require.Error(t, err)
	assert.True(t, errors.Is(err, daemon.ErrInstanceNotFound))
}
