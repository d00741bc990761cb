package store

import (
	"context"
	"sort"
	"sync"

	"github.com/blueberrycongee/credmux/internal/credential"
)

// MemoryStore implements Store using in-memory maps. It is the default
// for tests and single-node deployments without external storage.
type MemoryStore struct {
	mu          sync.RWMutex
	credentials map[string]*credential.Credential
	bans        map[string]*BanRecord
	blacklists  map[string]map[string]struct{}
	samples     map[string][]Sample
}

// NewMemoryStore creates a new in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		credentials: make(map[string]*credential.Credential),
		bans:        make(map[string]*BanRecord),
		blacklists:  make(map[string]map[string]struct{}),
		samples:     make(map[string][]Sample),
	}
}

func (s *MemoryStore) Ping(ctx context.Context) error {
	return nil
}

func (s *MemoryStore) Close() error {
	return nil
}

func (s *MemoryStore) GetCredential(_ context.Context, id string) (*credential.Credential, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	cred, ok := s.credentials[id]
	if !ok {
		return nil, nil
	}
	return cred.Clone(), nil
}

func (s *MemoryStore) ListCredentials(_ context.Context) ([]*credential.Credential, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	result := make([]*credential.Credential, 0, len(s.credentials))
	for _, cred := range s.credentials {
		result = append(result, cred.Clone())
	}
	// Stable order keeps round-robin rotation deterministic across reloads.
	sort.Slice(result, func(i, j int) bool { return result[i].ID < result[j].ID })
	return result, nil
}

func (s *MemoryStore) UpsertCredential(_ context.Context, cred *credential.Credential) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.credentials[cred.ID] = cred.Clone()
	return nil
}

func (s *MemoryStore) DeleteCredential(_ context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.credentials, id)
	delete(s.blacklists, id)
	return nil
}

func (s *MemoryStore) GetBan(_ context.Context, borrowerID string) (*BanRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	ban, ok := s.bans[borrowerID]
	if !ok {
		return nil, nil
	}
	banCopy := *ban
	return &banCopy, nil
}

func (s *MemoryStore) UpsertBan(_ context.Context, ban *BanRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	banCopy := *ban
	s.bans[ban.BorrowerID] = &banCopy
	return nil
}

func (s *MemoryStore) DeleteBan(_ context.Context, borrowerID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.bans, borrowerID)
	return nil
}

func (s *MemoryStore) ListBlacklist(_ context.Context, credID string) ([]string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	entries := s.blacklists[credID]
	result := make([]string, 0, len(entries))
	for borrowerID := range entries {
		result = append(result, borrowerID)
	}
	sort.Strings(result)
	return result, nil
}

func (s *MemoryStore) IsBlacklisted(_ context.Context, credID, borrowerID string) (bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	_, ok := s.blacklists[credID][borrowerID]
	return ok, nil
}

func (s *MemoryStore) AddBlacklist(_ context.Context, credID, borrowerID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.blacklists[credID] == nil {
		s.blacklists[credID] = make(map[string]struct{})
	}
	s.blacklists[credID][borrowerID] = struct{}{}
	return nil
}

func (s *MemoryStore) RemoveBlacklist(_ context.Context, credID, borrowerID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.blacklists[credID], borrowerID)
	return nil
}

func (s *MemoryStore) ListSamples(_ context.Context, borrowerID string) ([]Sample, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	samples := s.samples[borrowerID]
	result := make([]Sample, len(samples))
	copy(result, samples)
	return result, nil
}

func (s *MemoryStore) PutSamples(_ context.Context, borrowerID string, samples []Sample) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(samples) == 0 {
		delete(s.samples, borrowerID)
		return nil
	}
	stored := make([]Sample, len(samples))
	copy(stored, samples)
	s.samples[borrowerID] = stored
	return nil
}
