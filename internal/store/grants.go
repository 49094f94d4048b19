package store

import (
	"database/sql"
	"fmt"
	"log/slog"
	"time"

	"github.com/soren/packsync/internal/model"
)

// SaveGrant records (or replaces) a device's role for a scope. Grant
// management is driven by the surrounding application; the sync core only
// reads grants through the resolver.
func (s *Store) SaveGrant(g model.RoleGrant) error {
	if !model.ValidRole(g.Role) {
		return fmt.Errorf("save grant: invalid role %q", g.Role)
	}
	var expires sql.NullInt64
	if g.ExpiresAt != nil {
		expires = sql.NullInt64{Int64: g.ExpiresAt.UnixNano(), Valid: true}
	}
	_, err := s.conn.Exec(
		`INSERT INTO role_grants (scope_id, device_id, role, granted_at, granted_by, expires_at)
		 VALUES (?, ?, ?, ?, ?, ?)
		 ON CONFLICT(scope_id, device_id) DO UPDATE SET
			role = excluded.role,
			granted_at = excluded.granted_at,
			granted_by = excluded.granted_by,
			expires_at = excluded.expires_at`,
		g.ScopeID, g.DeviceID, string(g.Role), g.GrantedAt.UnixNano(), g.GrantedBy, expires,
	)
	if err != nil {
		return fmt.Errorf("save grant: %w", err)
	}
	return nil
}

// RevokeGrant removes a device's grant for a scope.
func (s *Store) RevokeGrant(scopeID, deviceID string) error {
	if _, err := s.conn.Exec(
		`DELETE FROM role_grants WHERE scope_id = ? AND device_id = ?`, scopeID, deviceID,
	); err != nil {
		return fmt.Errorf("revoke grant: %w", err)
	}
	return nil
}

// GrantResolver resolves roles from the role_grants table. It satisfies
// permission.Resolver.
type GrantResolver struct {
	store  *Store
	logger *slog.Logger
}

// Resolver returns a role resolver backed by this store.
func (s *Store) Resolver(logger *slog.Logger) *GrantResolver {
	return &GrantResolver{store: s, logger: logger}
}

// RoleFor returns the device's role for a scope. Missing, expired and
// malformed grants all resolve to guest, as do lookup failures.
func (r *GrantResolver) RoleFor(scopeID, deviceID string) model.Role {
	var (
		role    string
		expires sql.NullInt64
	)
	err := r.store.conn.QueryRow(
		`SELECT role, expires_at FROM role_grants WHERE scope_id = ? AND device_id = ?`,
		scopeID, deviceID,
	).Scan(&role, &expires)
	if err == sql.ErrNoRows {
		return model.RoleGuest
	}
	if err != nil {
		r.logger.Warn("role lookup failed", "scope", scopeID, "device", deviceID, "err", err)
		return model.RoleGuest
	}
	if expires.Valid && time.Now().UnixNano() > expires.Int64 {
		return model.RoleGuest
	}
	if !model.ValidRole(model.Role(role)) {
		r.logger.Warn("unknown role in grant table", "scope", scopeID, "role", role)
		return model.RoleGuest
	}
	return model.Role(role)
}
