package store

import (
	"context"
	"crypto/sha256"
	"database/sql"
	"encoding/hex"
	"encoding/json"

	"github.com/google/uuid"
	_ "github.com/jackc/pgx/v5/stdlib"
	"github.com/sqlc-dev/pqtype"
)

// Store wraps access to the Postgres-backed key registry source and the
// decision log. It is optional: deployments that keep key bindings in the
// config file run without a database entirely.
type Store struct {
	DB *sql.DB
}

// New creates a new Store that uses a shared *sql.DB with pooling.
func New(database *sql.DB) *Store {
	return &Store{DB: database}
}

// hashAPIKey hashes a raw API key string using SHA-256 and returns a hex
// string. Keys are stored hashed only.
func hashAPIKey(raw string) string {
	sum := sha256.Sum256([]byte(raw))
	return hex.EncodeToString(sum[:])
}

// ListKeyHashes returns all active key bindings as key-hash -> tenant name.
func (s *Store) ListKeyHashes(ctx context.Context) (map[string]string, error) {
	rows, err := s.DB.QueryContext(ctx,
		`SELECT key_hash, tenant_name FROM api_keys WHERE revoked_at IS NULL ORDER BY created_at`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	out := make(map[string]string)
	for rows.Next() {
		var hash, tenant string
		if err := rows.Scan(&hash, &tenant); err != nil {
			return nil, err
		}
		// First binding wins on duplicate hashes, matching file-config
		// resolution order.
		if _, exists := out[hash]; !exists {
			out[hash] = tenant
		}
	}
	return out, rows.Err()
}

// ListTenants returns the tenant directory as name -> backend company id.
func (s *Store) ListTenants(ctx context.Context) (map[string]int64, error) {
	rows, err := s.DB.QueryContext(ctx, `SELECT name, company_id FROM tenants`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	out := make(map[string]int64)
	for rows.Next() {
		var name string
		var id int64
		if err := rows.Scan(&name, &id); err != nil {
			return nil, err
		}
		out[name] = id
	}
	return out, rows.Err()
}

// EnsureTenant upserts one tenant directory entry.
func (s *Store) EnsureTenant(ctx context.Context, name string, companyID int64) error {
	_, err := s.DB.ExecContext(ctx,
		`INSERT INTO tenants (name, company_id) VALUES ($1, $2)
		 ON CONFLICT (name) DO UPDATE SET company_id = EXCLUDED.company_id`,
		name, companyID)
	return err
}

// EnsureKeyBinding inserts a key binding if its hash is not already
// present. The raw key is hashed here and never stored.
func (s *Store) EnsureKeyBinding(ctx context.Context, rawKey, tenant, label string) error {
	_, err := s.DB.ExecContext(ctx,
		`INSERT INTO api_keys (id, key_hash, tenant_name, label) VALUES ($1, $2, $3, $4)
		 ON CONFLICT (key_hash) DO NOTHING`,
		uuid.New(), hashAPIKey(rawKey), tenant, label)
	return err
}

// Decision is one row of the decision log: who asked for what and how the
// gateway ruled.
type Decision struct {
	RequestID string
	Tenant    string
	TenantID  int64
	Entity    string
	Operation string
	Outcome   string
	Status    int
	IP        string
	Metadata  any
}

// InsertDecision records one authorization decision. Callers treat this as
// best-effort; a logging failure never fails the request it describes.
func (s *Store) InsertDecision(ctx context.Context, d Decision) error {
	meta := pqtype.NullRawMessage{}
	if d.Metadata != nil {
		if b, err := json.Marshal(d.Metadata); err == nil {
			meta = pqtype.NullRawMessage{RawMessage: b, Valid: true}
		}
	}

	tenant := sql.NullString{String: d.Tenant, Valid: d.Tenant != ""}
	tenantID := sql.NullInt64{Int64: d.TenantID, Valid: d.TenantID > 0}
	ip := sql.NullString{String: d.IP, Valid: d.IP != ""}

	_, err := s.DB.ExecContext(ctx,
		`INSERT INTO decision_log (id, request_id, tenant_name, tenant_id, entity, operation, outcome, status, ip, metadata)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)`,
		uuid.New(), d.RequestID, tenant, tenantID, d.Entity, d.Operation, d.Outcome, d.Status, ip, meta)
	return err
}
