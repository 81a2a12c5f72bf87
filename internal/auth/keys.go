package auth

import (
	"crypto/sha256"
	"errors"
	"sync"
)

// ErrInvalidCredentials is returned when a key or password does not match.
var ErrInvalidCredentials = errors.New("invalid credentials")

// KeyRing verifies bearer API keys against bcrypt hashes. Keys that
// verified once are remembered by digest so bcrypt runs once per key.
type KeyRing struct {
	hashes []string

	mu       sync.RWMutex
	verified map[[sha256.Size]byte]int
}

// NewKeyRing creates a KeyRing for the given bcrypt hashes.
func NewKeyRing(hashes []string) *KeyRing {
	return &KeyRing{
		hashes:   hashes,
		verified: make(map[[sha256.Size]byte]int),
	}
}

// Empty reports whether no keys are configured.
func (k *KeyRing) Empty() bool {
	return k == nil || len(k.hashes) == 0
}

// Verify returns the index of the hash key matches.
func (k *KeyRing) Verify(key string) (int, error) {
	if k.Empty() || key == "" {
		return -1, ErrInvalidCredentials
	}
	digest := sha256.Sum256([]byte(key))

	k.mu.RLock()
	idx, ok := k.verified[digest]
	k.mu.RUnlock()
	if ok {
		return idx, nil
	}

	for i, h := range k.hashes {
		if VerifyPassword(h, key) == nil {
			k.mu.Lock()
			k.verified[digest] = i
			k.mu.Unlock()
			return i, nil
		}
	}
	return -1, ErrInvalidCredentials
}

// Credentials maps usernames to bcrypt password hashes.
type Credentials map[string]string

// Authenticate checks username and password.
func (c Credentials) Authenticate(username, password string) error {
	hash, ok := c[username]
	if !ok {
		return ErrInvalidCredentials
	}
	if err := VerifyPassword(hash, password); err != nil {
		return ErrInvalidCredentials
	}
	return nil
}
