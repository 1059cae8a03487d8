package daemon

import (
	"encoding/json"
	"os"
	"sync"

	"gitlab.com/tozd/go/errors"

	"github.com/fleetvm/fleetvm/pkg/api"
)

// OptInStore persists the one-time usage-reporting answer. "later" leaves the
// question open so the next interactive launch asks again.
type OptInStore struct {
	path string

	mu     sync.Mutex
	status api.OptInStatus
	loaded bool
}

func NewOptInStore(path string) *OptInStore {
	return &OptInStore{path: path}
}

// Status returns the recorded answer, or "later" when none was recorded yet.
func (s *OptInStore) Status() api.OptInStatus {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.load()
	if s.status == "" {
		return api.OptInLater
	}
	return s.status
}

// Decided reports whether a final yes/no answer has been recorded.
func (s *OptInStore) Decided() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.load()
	return s.status == api.OptInAccepted || s.status == api.OptInDenied
}

// Record stores the client's answer. "later" is persisted too so a restart
// remembers the question was at least asked.
func (s *OptInStore) Record(status api.OptInStatus) error {
	switch status {
	case api.OptInAccepted, api.OptInDenied, api.OptInLater:
	default:
		return errors.Errorf("unknown opt-in status %q", status)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	data, err := json.Marshal(struct {
		Status api.OptInStatus `json:"status"`
	}{Status: status})
	if err != nil {
		return errors.Errorf("encoding opt-in record: %w", err)
	}
	if err := os.WriteFile(s.path, data, 0o644); err != nil {
		return errors.Errorf("writing opt-in record: %w", err)
	}
	s.status = status
	s.loaded = true
	return nil
}

func (s *OptInStore) load() {
	if s.loaded {
		return
	}
	s.loaded = true

	data, err := os.ReadFile(s.path)
	if err != nil {
		return
	}
	var rec struct {
		Status api.OptInStatus `json:"status"`
	}
	if err := json.Unmarshal(data, &rec); err != nil {
		return
	}
	s.status = rec.Status
}
