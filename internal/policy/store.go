package policy

import (
	"encoding/json"
	"fmt"
	"sort"
	"strings"
	"sync"

	"github.com/medvault/custody/internal/domain"
)

// Store persists the policy set as prefix-keyed entries, the same
// key-per-grant shape this codebase has used for role membership before,
// generalized to hold a full policy document per key instead of a bare
// role membership flag.
type Store struct {
	mu      sync.Mutex
	entries map[string][]byte // "policy:<id>" -> json(domain.Policy)
}

// NewStore constructs an empty in-memory policy store.
func NewStore() *Store {
	return &Store{entries: make(map[string][]byte)}
}

func policyKey(id string) string { return "policy:" + id }

// Put inserts or replaces a policy.
func (s *Store) Put(p domain.Policy) error {
	blob, err := json.Marshal(p)
	if err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.entries[policyKey(p.ID)] = blob
	return nil
}

// Delete removes a policy by ID.
func (s *Store) Delete(id string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.entries, policyKey(id))
}

// Get fetches one policy by ID.
func (s *Store) Get(id string) (domain.Policy, bool, error) {
	s.mu.Lock()
	blob, ok := s.entries[policyKey(id)]
	s.mu.Unlock()
	if !ok {
		return domain.Policy{}, false, nil
	}
	var p domain.Policy
	if err := json.Unmarshal(blob, &p); err != nil {
		return domain.Policy{}, false, err
	}
	return p, true, nil
}

// List returns every stored policy, sorted by ID for stable iteration.
func (s *Store) List() ([]domain.Policy, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var keys []string
	for k := range s.entries {
		if strings.HasPrefix(k, "policy:") {
			keys = append(keys, k)
		}
	}
	sort.Strings(keys)
	out := make([]domain.Policy, 0, len(keys))
	for _, k := range keys {
		var p domain.Policy
		if err := json.Unmarshal(s.entries[k], &p); err != nil {
			return nil, fmt.Errorf("policy store: decode %s: %w", k, err)
		}
		out = append(out, p)
	}
	return out, nil
}
