package registry

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"

	"crmgate/internal/config"
)

var (
	// ErrUnauthenticated is returned for an absent, empty, or unrecognized
	// credential. The same failure is produced regardless of what the
	// credential looks like, so a well-formed-but-unknown key and a garbage
	// string are indistinguishable to the caller.
	ErrUnauthenticated = errors.New("that api key could not be validated")
	// ErrTenantNotFound means the credential matched a binding but the
	// bound tenant name is missing from the directory. This is a
	// configuration defect, not a client error; callers still see a 401
	// but the operational log records it at error level.
	ErrTenantNotFound = errors.New("tenant not found for key")
)

// Snapshot is the immutable credential and tenant directory state loaded
// once at process start. Credentials are held as SHA-256 hashes; Resolve
// hashes the presented value before lookup, so plaintext keys never sit in
// process memory longer than a request.
type Snapshot struct {
	bindings map[string]string // credential hash -> tenant name
	tenants  map[string]int64  // tenant name -> backend company id
}

func hashCredential(raw string) string {
	sum := sha256.Sum256([]byte(raw))
	return hex.EncodeToString(sum[:])
}

// Binding ties one raw credential to a tenant name.
type Binding struct {
	Credential string
	Tenant     string
}

// New builds a snapshot from raw bindings and a tenant directory. When two
// bindings carry the same credential the first one wins; ambiguous
// configuration is not itself validated.
func New(bindings []Binding, tenants map[string]int64) *Snapshot {
	s := &Snapshot{
		bindings: make(map[string]string, len(bindings)),
		tenants:  make(map[string]int64, len(tenants)),
	}
	for _, b := range bindings {
		h := hashCredential(b.Credential)
		if _, exists := s.bindings[h]; !exists {
			s.bindings[h] = b.Tenant
		}
	}
	for name, id := range tenants {
		s.tenants[name] = id
	}
	return s
}

// NewFromHashes builds a snapshot from pre-hashed bindings, as loaded from
// the Postgres key store.
func NewFromHashes(hashes map[string]string, tenants map[string]int64) *Snapshot {
	s := &Snapshot{
		bindings: make(map[string]string, len(hashes)),
		tenants:  make(map[string]int64, len(tenants)),
	}
	for h, tenant := range hashes {
		s.bindings[h] = tenant
	}
	for name, id := range tenants {
		s.tenants[name] = id
	}
	return s
}

// FromConfig builds a snapshot from the yaml configuration file.
func FromConfig(cfg *config.Config) *Snapshot {
	bindings := make([]Binding, 0, len(cfg.Auth.Keys))
	for _, k := range cfg.Auth.Keys {
		bindings = append(bindings, Binding{Credential: k.Key, Tenant: k.Tenant})
	}
	return New(bindings, cfg.Tenants)
}

// Source is the subset of the store needed to load a snapshot from
// Postgres.
type Source interface {
	ListKeyHashes(ctx context.Context) (map[string]string, error)
	ListTenants(ctx context.Context) (map[string]int64, error)
}

// FromStore loads a snapshot from a persistent key store.
func FromStore(ctx context.Context, src Source) (*Snapshot, error) {
	hashes, err := src.ListKeyHashes(ctx)
	if err != nil {
		return nil, err
	}
	tenants, err := src.ListTenants(ctx)
	if err != nil {
		return nil, err
	}
	return NewFromHashes(hashes, tenants), nil
}

// Resolve maps a presented credential to its tenant id. The tenant name is
// an internal detail; callers only ever see the numeric id or an error.
func (s *Snapshot) Resolve(credential string) (int64, error) {
	if credential == "" {
		return 0, ErrUnauthenticated
	}
	tenant, ok := s.bindings[hashCredential(credential)]
	if !ok {
		return 0, ErrUnauthenticated
	}
	id, ok := s.tenants[tenant]
	if !ok || id <= 0 {
		return 0, ErrTenantNotFound
	}
	return id, nil
}

// TenantName returns the tenant name bound to a credential, for audit
// logging. ok is false for unknown credentials.
func (s *Snapshot) TenantName(credential string) (string, bool) {
	tenant, ok := s.bindings[hashCredential(credential)]
	return tenant, ok
}
