package auth

import (
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"strings"
	"sync"
	"time"
)

// APIKey is an issued key. An empty Account marks an operator key that may act
// for any account; otherwise the key may only act as Account.
type APIKey struct {
	Account   string    `json:"account,omitempty"`
	CreatedAt time.Time `json:"created_at"`
	Source    string    `json:"source,omitempty"` // e.g. "config", "env", "issued"
}

// Operator reports whether the key is unbound.
func (k APIKey) Operator() bool { return k.Account == "" }

// Validator is what the HTTP middleware needs.
type Validator interface {
	Get(key string) (APIKey, bool)
	Len() int
}

// APIKeyStore keeps keys in memory, indexed by their SHA-256 digest so the
// plaintext is never retained.
type APIKeyStore struct {
	mu   sync.RWMutex
	keys map[string]APIKey
}

// NewAPIKeyStore constructs an empty store.
func NewAPIKeyStore() *APIKeyStore {
	return &APIKeyStore{keys: make(map[string]APIKey)}
}

func keyHash(key string) string {
	sum := sha256.Sum256([]byte(strings.TrimSpace(key)))
	return hex.EncodeToString(sum[:])
}

// Seed adds a pre-existing key, e.g. from config or the environment.
func (s *APIKeyStore) Seed(key, account, source string) {
	if strings.TrimSpace(key) == "" {
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.keys[keyHash(key)] = APIKey{Account: strings.TrimSpace(account), Source: source, CreatedAt: time.Now().UTC()}
}

// Get returns the record for key, if present. A nil store has no keys.
func (s *APIKeyStore) Get(key string) (APIKey, bool) {
	if s == nil || strings.TrimSpace(key) == "" {
		return APIKey{}, false
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	rec, ok := s.keys[keyHash(key)]
	return rec, ok
}

// Len returns the number of keys. A store with no keys disables auth.
func (s *APIKeyStore) Len() int {
	if s == nil {
		return 0
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.keys)
}

// Issue creates a key bound to account and returns its plaintext once.
func (s *APIKeyStore) Issue(account, source string) (string, APIKey, error) {
	if strings.TrimSpace(account) == "" {
		return "", APIKey{}, fmt.Errorf("account required")
	}
	key, err := generateKey()
	if err != nil {
		return "", APIKey{}, err
	}
	rec := APIKey{Account: strings.TrimSpace(account), Source: source, CreatedAt: time.Now().UTC()}
	s.mu.Lock()
	s.keys[keyHash(key)] = rec
	s.mu.Unlock()
	return key, rec, nil
}

// Revoke removes key and reports whether it existed.
func (s *APIKeyStore) Revoke(key string) bool {
	h := keyHash(key)
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.keys[h]; !ok {
		return false
	}
	delete(s.keys, h)
	return true
}

func generateKey() (string, error) {
	b := make([]byte, 32) // 256-bit key
	if _, err := rand.Read(b); err != nil {
		return "", err
	}
	return hex.EncodeToString(b), nil
}
