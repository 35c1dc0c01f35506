package keylog

import (
	"sync"
)

// StoreConfig configures the secret store.
type StoreConfig struct {
	// OnSecretAdded is called when a secret lands in a map keyed by
	// client random. Used to retry decryption of sessions that were
	// observed before their keys arrived.
	OnSecretAdded func(m MapID, clientRandom []byte)
}

// Store holds the secret maps for one capture. Keys and values are
// copied on Save so entries never alias live session buffers; there is
// no eviction, entries live for the capture lifetime.
type Store struct {
	mu     sync.RWMutex
	config StoreConfig
	maps   [mapCount]map[string][]byte

	totalAdded   uint64
	totalLookups uint64
	totalHits    uint64
}

// NewStore creates an empty secret store.
func NewStore(config StoreConfig) *Store {
	s := &Store{config: config}
	for i := range s.maps {
		s.maps[i] = make(map[string][]byte)
	}
	return s
}

// Save records a secret under key in the given map. A zero-length key
// or secret is a no-op: callers must never poison the cache with
// missing data.
func (s *Store) Save(m MapID, key, secret []byte) {
	if len(key) == 0 || len(secret) == 0 || m < 0 || m >= mapCount {
		return
	}

	s.mu.Lock()
	v := make([]byte, len(secret))
	copy(v, secret)
	s.maps[m][string(key)] = v
	s.totalAdded++
	cb := s.config.OnSecretAdded
	s.mu.Unlock()

	keyedByRandom := m.IsTLS13() || m == MapClientRandom || m == MapCRPreMaster
	if cb != nil && keyedByRandom {
		cb(m, key)
	}
}

// Restore looks up a secret by byte-exact key. The returned slice is
// the stored copy; callers must not mutate it.
func (s *Store) Restore(m MapID, key []byte) ([]byte, bool) {
	if len(key) == 0 || m < 0 || m >= mapCount {
		return nil, false
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	s.totalLookups++
	v, ok := s.maps[m][string(key)]
	if ok {
		s.totalHits++
	}
	return v, ok
}

// Len returns the number of entries in one map.
func (s *Store) Len(m MapID) int {
	if m < 0 || m >= mapCount {
		return 0
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.maps[m])
}

// Clear drops every entry. Called at capture close.
func (s *Store) Clear() {
	s.mu.Lock()
	defer s.mu.Unlock()
	for i := range s.maps {
		s.maps[i] = make(map[string][]byte)
	}
}

// Stats returns store counters.
func (s *Store) Stats() StoreStats {
	s.mu.RLock()
	defer s.mu.RUnlock()

	total := 0
	for i := range s.maps {
		total += len(s.maps[i])
	}
	return StoreStats{
		TotalEntries: total,
		TotalAdded:   s.totalAdded,
		TotalLookups: s.totalLookups,
		TotalHits:    s.totalHits,
	}
}

// StoreStats contains store counters.
type StoreStats struct {
	TotalEntries int
	TotalAdded   uint64
	TotalLookups uint64
	TotalHits    uint64
}
