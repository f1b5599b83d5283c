package policy

import (
	"fmt"
	"os"
	"path/filepath"
	"slices"
	"sync"
	"time"

	"desync-engine/internal/core"
)

// Store keeps the user policy set, persists it as JSON and announces every
// change with core.EventPolicySetChanged (payload: []FlowPolicy).
type Store struct {
	mu       sync.RWMutex
	policies []FlowPolicy
	filePath string // empty disables persistence
	bus      *core.EventBus
}

// NewStore creates a store backed by filePath.
func NewStore(filePath string, bus *core.EventBus) *Store {
	return &Store{filePath: filePath, bus: bus}
}

// Load reads persisted policies. A missing file is not an error; a corrupt
// one is logged and ignored.
func (s *Store) Load() error {
	if s.filePath == "" {
		return nil
	}
	data, err := os.ReadFile(s.filePath)
	if err != nil {
		if os.IsNotExist(err) {
			core.Log.Debugf("Policy", "No policy store at %s", s.filePath)
			return nil
		}
		return fmt.Errorf("[Policy] read store: %w", err)
	}

	ps, err := ParseDocuments(data, FormatJSON, time.Now())
	if err != nil {
		core.Log.Warnf("Policy", "Corrupt policy store, starting fresh: %v", err)
		return nil
	}

	s.mu.Lock()
	s.policies = ps
	s.mu.Unlock()

	core.Log.Infof("Policy", "Loaded %d policies from %s", len(ps), s.filePath)
	s.changed()
	return nil
}

// Save writes the policy set atomically (temp + rename).
func (s *Store) Save() error {
	if s.filePath == "" {
		return nil
	}
	s.mu.RLock()
	data, err := MarshalDocuments(s.policies, FormatJSON)
	s.mu.RUnlock()
	if err != nil {
		return fmt.Errorf("[Policy] marshal store: %w", err)
	}

	if err := os.MkdirAll(filepath.Dir(s.filePath), 0755); err != nil {
		return fmt.Errorf("[Policy] create store dir: %w", err)
	}

	tmpPath := s.filePath + ".tmp"
	if err := os.WriteFile(tmpPath, data, 0644); err != nil {
		return fmt.Errorf("[Policy] write store temp: %w", err)
	}
	if err := os.Rename(tmpPath, s.filePath); err != nil {
		os.Remove(tmpPath)
		return fmt.Errorf("[Policy] rename store: %w", err)
	}
	return nil
}

// Policies returns a copy of the current set.
func (s *Store) Policies() []FlowPolicy {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.snapshotLocked()
}

func (s *Store) snapshotLocked() []FlowPolicy {
	out := make([]FlowPolicy, len(s.policies))
	for i := range s.policies {
		out[i] = s.policies[i].clone()
	}
	return out
}

// Replace swaps the whole set and persists it.
func (s *Store) Replace(ps []FlowPolicy) error {
	s.mu.Lock()
	s.policies = slices.Clone(ps)
	s.mu.Unlock()
	return s.commit()
}

// Upsert adds p or replaces the policy with the same id. An empty id gets a
// ULID and a zero CreatedAt gets the current time. Returns the stored id.
func (s *Store) Upsert(p FlowPolicy) (string, error) {
	if p.ID == "" {
		p.ID = NewID()
	}
	if p.CreatedAt.IsZero() {
		p.CreatedAt = time.Now()
	}

	s.mu.Lock()
	if i := slices.IndexFunc(s.policies, func(q FlowPolicy) bool { return q.ID == p.ID }); i >= 0 {
		s.policies[i] = p
	} else {
		s.policies = append(s.policies, p)
	}
	s.mu.Unlock()
	return p.ID, s.commit()
}

// Remove deletes the policy with id and reports whether it existed.
func (s *Store) Remove(id string) (bool, error) {
	s.mu.Lock()
	n := len(s.policies)
	s.policies = slices.DeleteFunc(s.policies, func(q FlowPolicy) bool { return q.ID == id })
	removed := len(s.policies) != n
	s.mu.Unlock()

	if !removed {
		return false, nil
	}
	return true, s.commit()
}

// PruneExpired drops policies whose TTL has elapsed at now.
func (s *Store) PruneExpired(now time.Time) (int, error) {
	s.mu.Lock()
	n := len(s.policies)
	s.policies = slices.DeleteFunc(s.policies, func(q FlowPolicy) bool { return q.Expired(now) })
	removed := n - len(s.policies)
	s.mu.Unlock()

	if removed == 0 {
		return 0, nil
	}
	return removed, s.commit()
}

func (s *Store) commit() error {
	s.changed()
	return s.Save()
}

func (s *Store) changed() {
	if s.bus == nil {
		return
	}
	s.bus.Publish(core.Event{Type: core.EventPolicySetChanged, Payload: s.Policies()})
}
