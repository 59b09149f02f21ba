package storage

import (
	"context"
	"crypto/sha256"
	"errors"
	"fmt"
	"strings"
	"sync"

	"github.com/google/uuid"
	"golang.org/x/crypto/bcrypt"

	"github.com/T-SLP/fub-stage-tracker-sub000/internal/config"
)

// adminKeyNamespace derives stable key ids from hashes.
var adminKeyNamespace = uuid.MustParse("0b7f6c1e-3c8a-4d61-9a55-6f2f0d1c9e42") //nolint: gochecknoglobals

// ErrInvalidKeyHash is returned when a configured hash is not a bcrypt hash.
var ErrInvalidKeyHash = errors.New("invalid admin key hash")

type (
	// AdminKey identifies an operator credential. Only the hash is ever held.
	AdminKey struct {
		ID   string
		Hash string
	}

	// AdminKeyStore authenticates operator API keys.
	AdminKeyStore interface {
		// Authenticate returns the matching key, or false when key matches none.
		Authenticate(ctx context.Context, key string) (*AdminKey, bool)
	}

	// StaticAdminKeyStore checks keys against a fixed list of bcrypt hashes. Successful matches
	// are remembered by SHA-256 of the key so bcrypt runs once per key per process.
	StaticAdminKeyStore struct {
		keys []*AdminKey

		mu       sync.RWMutex
		verified map[[sha256.Size]byte]*AdminKey
	}
)

var _ AdminKeyStore = (*StaticAdminKeyStore)(nil)

// NewStaticAdminKeyStore builds a store from bcrypt hashes.
func NewStaticAdminKeyStore(hashes []string) (*StaticAdminKeyStore, error) {
	store := &StaticAdminKeyStore{
		keys:     make([]*AdminKey, 0, len(hashes)),
		verified: make(map[[sha256.Size]byte]*AdminKey),
	}

	for i, hash := range hashes {
		hash = strings.TrimSpace(hash)

		if _, err := bcrypt.Cost([]byte(hash)); err != nil {
			return nil, fmt.Errorf("%w: entry %d: %w", ErrInvalidKeyHash, i, err)
		}

		store.keys = append(store.keys, &AdminKey{
			ID:   uuid.NewSHA1(adminKeyNamespace, []byte(hash)).String(),
			Hash: hash,
		})
	}

	return store, nil
}

// LoadAdminKeyStore reads STAGETRACKER_ADMIN_KEY_HASHES (comma separated). It returns nil and
// no error when the variable is empty, which disables the operator API.
func LoadAdminKeyStore() (*StaticAdminKeyStore, error) {
	hashes := config.GetEnvList("STAGETRACKER_ADMIN_KEY_HASHES")
	if len(hashes) == 0 {
		return nil, nil //nolint: nilnil
	}

	return NewStaticAdminKeyStore(hashes)
}

// Len returns the number of configured keys.
func (s *StaticAdminKeyStore) Len() int {
	return len(s.keys)
}

// Authenticate checks key against every configured hash.
func (s *StaticAdminKeyStore) Authenticate(_ context.Context, key string) (*AdminKey, bool) {
	parsed, err := ParseAdminKey(key)
	if err != nil {
		return nil, false
	}

	digest := sha256.Sum256([]byte(parsed))

	s.mu.RLock()
	found, ok := s.verified[digest]
	s.mu.RUnlock()

	if ok {
		return found, true
	}

	for _, candidate := range s.keys {
		if CompareAdminKeyHash(candidate.Hash, parsed) {
			s.mu.Lock()
			s.verified[digest] = candidate
			s.mu.Unlock()

			return candidate, true
		}
	}

	return nil, false
}
