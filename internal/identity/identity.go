// Package identity resolves an inbound VLESS identifier to an
// accept/reject decision. It composes a static identifier from
// process configuration with an optional dynamic key-value backend,
// short-circuiting on the first match.
//
// The map-guarded-by-RWMutex shape mirrors a v2ray-family proxy's own
// user table (proxy/vless/server.go's Server.userHashes), generalised
// here to hold arbitrary metadata instead of a single *V2rayUser
// value.
package identity

import (
	"encoding/hex"
	"sync"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/nullbind/vlessway/internal/logging"
)

// DynamicBackend is consulted only on a static mismatch. hexKey is the
// 32-character lowercase hex form of the identifier without
// separators. A lookup error is always treated as a reject, never as
// an accept.
type DynamicBackend interface {
	Lookup(hexKey string) (found bool, err error)
}

// Account is the metadata the management surface stores alongside an
// identifier.
type Account struct {
	UUID string
	Name string
}

// MapBackend is the in-process DynamicBackend implementation used
// when no external KV store is configured: a plain RWMutex-guarded
// map, in the same idiom as the user table above. See DESIGN.md for
// why this stays hand-rolled rather than reaching for a third-party
// KV client.
type MapBackend struct {
	mu    sync.RWMutex
	byHex map[string]Account
}

// NewMapBackend returns an empty MapBackend.
func NewMapBackend() *MapBackend {
	return &MapBackend{byHex: make(map[string]Account)}
}

func (m *MapBackend) Lookup(hexKey string) (bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	_, ok := m.byHex[hexKey]
	return ok, nil
}

// Add inserts or replaces an account. Writes are serialised by the
// backend's own mutex; callers (the management HTTP surface) do not
// need external locking.
func (m *MapBackend) Add(a Account) error {
	key, err := hexKey(a.UUID)
	if err != nil {
		return err
	}
	m.mu.Lock()
	m.byHex[key] = a
	m.mu.Unlock()
	return nil
}

// Remove deletes an account by canonical UUID string. Removing an
// unknown UUID is a no-op.
func (m *MapBackend) Remove(uuidStr string) error {
	key, err := hexKey(uuidStr)
	if err != nil {
		return err
	}
	m.mu.Lock()
	delete(m.byHex, key)
	m.mu.Unlock()
	return nil
}

// List returns a snapshot of all accounts, suitable for the
// GET /api/accounts management endpoint.
func (m *MapBackend) List() []Account {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]Account, 0, len(m.byHex))
	for _, a := range m.byHex {
		out = append(out, a)
	}
	return out
}

func hexKey(uuidStr string) (string, error) {
	u, err := uuid.Parse(uuidStr)
	if err != nil {
		return "", err
	}
	return hex.EncodeToString(u[:]), nil
}

// Store resolves a 16-byte identifier read off the wire to
// accept/reject. It holds one static identifier (from process
// configuration) and an optional dynamic backend consulted on
// mismatch.
type Store struct {
	static   [16]byte
	hasStatic bool
	dynamic  DynamicBackend
}

// New builds a Store around the given canonical static UUID string.
// staticUUID may be empty if only the dynamic backend should decide.
func New(staticUUID string, dynamic DynamicBackend) (*Store, error) {
	s := &Store{dynamic: dynamic}
	if staticUUID != "" {
		u, err := uuid.Parse(staticUUID)
		if err != nil {
			return nil, err
		}
		s.static = u
		s.hasStatic = true
	}
	return s, nil
}

// Accept decides whether id (16 raw bytes read from a parsed VLESS
// header) is authorized. The return value does not reveal whether the
// identifier matched the static value or the dynamic backend — both
// paths return the same boolean shape. The static check short-circuits,
// so a static match returns without a backend lookup.
func (s *Store) Accept(id [16]byte) bool {
	if s.hasStatic && id == s.static {
		return true
	}
	if s.dynamic == nil {
		return false
	}

	key := hex.EncodeToString(id[:])
	found, err := s.dynamic.Lookup(key)
	if err != nil {
		if ce := logging.CanLog(zap.WarnLevel, "identity backend lookup failed"); ce != nil {
			ce.Write(zap.String("key", key), zap.Error(err))
		}
		return false
	}
	return found
}
