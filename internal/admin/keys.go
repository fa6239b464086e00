package admin

import (
	"fmt"
	"sort"
	"sync"
	"time"
)

// KeyStore is an in-memory Store.
type KeyStore struct {
	mu     sync.RWMutex
	byID   map[string]*APIKey
	byHash map[string]string // secret hash -> ID
	hashes map[string]string // ID -> secret hash
}

// NewKeyStore creates an empty KeyStore.
func NewKeyStore() *KeyStore {
	return &KeyStore{
		byID:   make(map[string]*APIKey),
		byHash: make(map[string]string),
		hashes: make(map[string]string),
	}
}

// Create generates a new key. The returned value carries the secret.
func (s *KeyStore) Create(name string, scopes []string, expiresAt *time.Time) (*APIKey, error) {
	secret, err := generateSecret()
	if err != nil {
		return nil, err
	}
	k, err := s.insert(secret, name, scopes, expiresAt)
	if err != nil {
		return nil, err
	}
	out := *k
	out.Key = secret
	return &out, nil
}

// Register stores a caller-supplied secret, typically the bootstrap key.
// Registering the same secret twice returns the existing key.
func (s *KeyStore) Register(secret, name string, scopes []string) (*APIKey, error) {
	if secret == "" {
		return nil, fmt.Errorf("empty secret")
	}
	s.mu.RLock()
	id, ok := s.byHash[hashSecret(secret)]
	s.mu.RUnlock()
	if ok {
		k, _ := s.Get(id)
		return k, nil
	}
	return s.insert(secret, name, scopes, nil)
}

func (s *KeyStore) insert(secret, name string, scopes []string, expiresAt *time.Time) (*APIKey, error) {
	k := &APIKey{
		ID:        newID(),
		Prefix:    displayPrefix(secret),
		Name:      name,
		Scopes:    defaultScopes(scopes),
		CreatedAt: time.Now().UTC(),
		ExpiresAt: expiresAt,
		Active:    true,
	}
	h := hashSecret(secret)

	s.mu.Lock()
	defer s.mu.Unlock()
	s.byID[k.ID] = k
	s.byHash[h] = k.ID
	s.hashes[k.ID] = h
	out := *k
	return &out, nil
}

// Get retrieves a key by ID.
func (s *KeyStore) Get(id string) (*APIKey, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	k, ok := s.byID[id]
	if !ok {
		return nil, false
	}
	out := *k
	return &out, true
}

// List returns every key, oldest first.
func (s *KeyStore) List() []*APIKey {
	s.mu.RLock()
	defer s.mu.RUnlock()
	keys := make([]*APIKey, 0, len(s.byID))
	for _, k := range s.byID {
		out := *k
		keys = append(keys, &out)
	}
	sort.Slice(keys, func(i, j int) bool { return keys[i].CreatedAt.Before(keys[j].CreatedAt) })
	return keys
}

// Revoke marks a key as revoked and inactive.
func (s *KeyStore) Revoke(id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	k, ok := s.byID[id]
	if !ok {
		return fmt.Errorf("key not found: %s", id)
	}
	now := time.Now().UTC()
	k.RevokedAt = &now
	k.Active = false
	return nil
}

// Delete removes a key.
func (s *KeyStore) Delete(id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.byID[id]; !ok {
		return fmt.Errorf("key not found: %s", id)
	}
	delete(s.byHash, s.hashes[id])
	delete(s.hashes, id)
	delete(s.byID, id)
	return nil
}

// RotateKey replaces the secret of a key. The returned value carries the
// new secret.
func (s *KeyStore) RotateKey(id string) (*APIKey, error) {
	secret, err := generateSecret()
	if err != nil {
		return nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	k, ok := s.byID[id]
	if !ok {
		return nil, fmt.Errorf("key not found: %s", id)
	}
	h := hashSecret(secret)
	delete(s.byHash, s.hashes[id])
	s.byHash[h] = id
	s.hashes[id] = h
	now := time.Now().UTC()
	k.RotatedAt = &now
	k.Prefix = displayPrefix(secret)

	out := *k
	out.Key = secret
	return &out, nil
}

// ValidateKey returns the key for secret if it is usable and records the use.
func (s *KeyStore) ValidateKey(secret string) (*APIKey, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	id, ok := s.byHash[hashSecret(secret)]
	if !ok {
		return nil, false
	}
	k := s.byID[id]
	now := time.Now().UTC()
	if !k.Usable(now) {
		return nil, false
	}
	k.UsageCount++
	k.LastUsedAt = &now
	out := *k
	return &out, true
}
