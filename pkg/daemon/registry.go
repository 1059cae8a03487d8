package daemon

import (
	"encoding/json"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"gitlab.com/tozd/go/errors"

	"github.com/fleetvm/fleetvm/pkg/api"
	"github.com/fleetvm/fleetvm/pkg/machine"
)

const recordFileName = "instance.json"

var ErrInstanceExists = errors.New("instance already exists")

var ErrInstanceNotFound = errors.New("instance not found")

// Record is the persisted part of an instance, written next to its disk so
// retried operations survive a daemon crash.
type Record struct {
	Name          string              `json:"name"`
	Backend       string              `json:"backend"`
	Release       string              `json:"release,omitempty"`
	NumCores      int                 `json:"num_cores"`
	MemSizeBytes  int64               `json:"mem_size_bytes"`
	DiskSizeBytes int64               `json:"disk_size_bytes"`
	SSHPort       int                 `json:"ssh_port"`
	SSHUsername   string              `json:"ssh_username"`
	Networks      []api.NetworkOption `json:"networks,omitempty"`
	LastState     machine.State       `json:"last_state"`
	CreatedAt     time.Time           `json:"created_at"`
}

// Instance pairs a persisted record with its live machine.
type Instance struct {
	Record
	VM machine.VirtualMachine
}

// Registry owns the fleet: name uniqueness, record persistence, and access
// to the live machines.
type Registry struct {
	dir string

	mu        sync.RWMutex
	instances map[string]*Instance
}

func NewRegistry(dir string) (*Registry, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, errors.Errorf("creating instances directory: %w", err)
	}
	return &Registry{
		dir:       dir,
		instances: make(map[string]*Instance),
	}, nil
}

// InstanceDir is the working directory for a named instance.
func (r *Registry) InstanceDir(name string) string {
	return filepath.Join(r.dir, name)
}

// Exists reports whether a name is already taken.
func (r *Registry) Exists(name string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.instances[name]
	return ok
}

// Add registers a new instance, failing if the name is taken, and persists
// its record.
func (r *Registry) Add(inst *Instance) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.instances[inst.Name]; ok {
		return errors.Errorf("%q: %w", inst.Name, ErrInstanceExists)
	}
	if err := r.saveRecord(&inst.Record); err != nil {
		return err
	}
	r.instances[inst.Name] = inst
	return nil
}

func (r *Registry) Get(name string) (*Instance, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	inst, ok := r.instances[name]
	if !ok {
		return nil, errors.Errorf("%q: %w", name, ErrInstanceNotFound)
	}
	return inst, nil
}

// Remove drops an instance from the fleet and deletes its record. The
// machine's backing resources are released by the caller beforehand.
func (r *Registry) Remove(name string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.instances[name]; !ok {
		return errors.Errorf("%q: %w", name, ErrInstanceNotFound)
	}
	delete(r.instances, name)
	return nil
}

// List returns all instances sorted by name.
func (r *Registry) List() []*Instance {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]*Instance, 0, len(r.instances))
	for _, inst := range r.instances {
		out = append(out, inst)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// SyncState persists the machine's current state into the record.
func (r *Registry) SyncState(name string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	inst, ok := r.instances[name]
	if !ok {
		return errors.Errorf("%q: %w", name, ErrInstanceNotFound)
	}
	inst.LastState = inst.VM.CurrentState()
	return r.saveRecord(&inst.Record)
}

// LoadRecords reads every persisted record under the instances directory and
// rebuilds machines through the factory. Instances that were running when the
// daemon died come back in the unknown state until their backend reconciles.
func (r *Registry) LoadRecords(rebuild func(Record) (machine.VirtualMachine, error)) error {
	entries, err := os.ReadDir(r.dir)
	if err != nil {
		return errors.Errorf("reading instances directory: %w", err)
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	for _, entry := range entries {
		if !entry.IsDir() {
			continue
		}
		path := filepath.Join(r.dir, entry.Name(), recordFileName)
		data, err := os.ReadFile(path)
		if err != nil {
			continue
		}
		var rec Record
		if err := json.Unmarshal(data, &rec); err != nil {
			return errors.Errorf("decoding record %s: %w", path, err)
		}
		vm, err := rebuild(rec)
		if err != nil {
			return errors.Errorf("rebuilding instance %s: %w", rec.Name, err)
		}
		r.instances[rec.Name] = &Instance{Record: rec, VM: vm}
	}
	return nil
}

func (r *Registry) saveRecord(rec *Record) error {
	dir := filepath.Join(r.dir, rec.Name)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return errors.Errorf("creating instance directory: %w", err)
	}

	data, err := json.MarshalIndent(rec, "", "  ")
	if err != nil {
		return errors.Errorf("encoding instance record: %w", err)
	}

	path := filepath.Join(dir, recordFileName)
	tmp := path + ".partial"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return errors.Errorf("writing instance record: %w", err)
	}
	if err := os.Rename(tmp, path); err != nil {
		os.Remove(tmp)
		return errors.Errorf("replacing instance record: %w", err)
	}
	return nil
}
