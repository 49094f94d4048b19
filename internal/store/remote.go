package store

import (
	"bytes"
	"database/sql"
	"fmt"
	"time"

	"github.com/soren/packsync/internal/model"
)

// ApplyRemoteChange implements Interface. It is idempotent: the same
// (origin device, seq) pair is applied at most once, and version comparison
// guarantees an entity never moves to a strictly older version.
func (s *Store) ApplyRemoteChange(rec model.ChangeRecord) (Outcome, error) {
	if !model.ValidAction(rec.Action) {
		return "", fmt.Errorf("apply remote: unknown action %q", rec.Action)
	}
	if rec.EntityID == "" || rec.OriginDeviceID == "" {
		return "", fmt.Errorf("apply remote: entity id and origin required")
	}

	tx, err := s.conn.Begin()
	if err != nil {
		return "", fmt.Errorf("begin: %w", err)
	}
	defer tx.Rollback()

	// Duplicate detection first; a replayed change is a no-op regardless of
	// its content.
	res, err := tx.Exec(
		`INSERT OR IGNORE INTO applied_changes (origin_device_id, seq, applied_at) VALUES (?, ?, ?)`,
		rec.OriginDeviceID, rec.Seq, s.now().UTC().UnixNano(),
	)
	if err != nil {
		return "", fmt.Errorf("record applied change: %w", err)
	}
	if n, err := res.RowsAffected(); err != nil {
		return "", fmt.Errorf("rows affected: %w", err)
	} else if n == 0 {
		return OutcomeDuplicate, nil
	}

	outcome, conflict, err := s.reconcile(tx, rec)
	if err != nil {
		return "", err
	}
	if err := tx.Commit(); err != nil {
		return "", fmt.Errorf("commit: %w", err)
	}
	if conflict != nil {
		s.conflicts.Publish(*conflict)
	}
	if outcome == OutcomeApplied {
		// Notify subscribers with origin tagging intact so the batch queue
		// can skip re-broadcasting what a peer just sent us.
		s.mutations.Publish(rec)
	}
	return outcome, nil
}

// reconcile applies the timestamp/device-id ordering rules inside tx and
// returns the outcome plus an optional conflict to surface after commit.
func (s *Store) reconcile(tx *sql.Tx, rec model.ChangeRecord) (Outcome, *model.Conflict, error) {
	ts, err := getTombstone(tx, rec.EntityID)
	if err != nil {
		return "", nil, err
	}

	if rec.Action == model.ActionDelete {
		local, err := getEntityTx(tx, rec.EntityID)
		if err != nil {
			return "", nil, err
		}
		if local != nil &&
			model.CompareVersions(local.LastModifiedAt, local.LastModifiedBy, rec.Timestamp, rec.OriginDeviceID) > 0 {
			return OutcomeStale, nil, nil
		}
		if ts != nil &&
			model.CompareVersions(ts.DeletedAt, ts.DeletedBy, rec.Timestamp, rec.OriginDeviceID) >= 0 {
			return OutcomeDuplicate, nil, nil
		}
		if err := deleteEntity(tx, rec.EntityID, rec.ParentScopeID, rec.Timestamp, rec.OriginDeviceID); err != nil {
			return "", nil, err
		}
		return OutcomeApplied, nil, nil
	}

	// Create/Update/Move: an accepted delete with an equal-or-newer version
	// suppresses the change even when it arrives later (out-of-order
	// delivery must not resurrect entities).
	if ts != nil &&
		model.CompareVersions(ts.DeletedAt, ts.DeletedBy, rec.Timestamp, rec.OriginDeviceID) >= 0 {
		return OutcomeTombstoned, nil, nil
	}

	local, err := getEntityTx(tx, rec.EntityID)
	if err != nil {
		return "", nil, err
	}
	if local != nil {
		switch model.CompareVersions(rec.Timestamp, rec.OriginDeviceID, local.LastModifiedAt, local.LastModifiedBy) {
		case -1:
			return OutcomeStale, nil, nil
		case 0:
			if bytes.Equal(local.Payload, rec.Payload) {
				return OutcomeDuplicate, nil, nil
			}
			// Identical (timestamp, device) pair, different content: a
			// genuine concurrent edit. Keep the local version and surface it.
			c := model.Conflict{
				EntityID:      rec.EntityID,
				ParentScopeID: rec.ParentScopeID,
				LocalPayload:  local.Payload,
				RemotePayload: rec.Payload,
				Timestamp:     rec.Timestamp,
				PeerID:        rec.OriginDeviceID,
				DetectedAt:    s.now().UTC(),
			}
			if err := insertConflict(tx, c); err != nil {
				return "", nil, err
			}
			return OutcomeConflict, &c, nil
		}
	}

	e := model.SyncableEntity{
		ID:             rec.EntityID,
		ParentScopeID:  rec.ParentScopeID,
		OwnerID:        ownerFor(local, rec),
		IsPublic:       local != nil && local.IsPublic,
		LastModifiedAt: rec.Timestamp,
		LastModifiedBy: rec.OriginDeviceID,
		Payload:        rec.Payload,
	}
	if err := upsertEntity(tx, e); err != nil {
		return "", nil, err
	}
	return OutcomeApplied, nil, nil
}

// ownerFor keeps the existing owner on updates; creates are owned by their
// origin device.
func ownerFor(local *model.SyncableEntity, rec model.ChangeRecord) string {
	if local != nil && local.OwnerID != "" {
		return local.OwnerID
	}
	return rec.OriginDeviceID
}

// ApplyRemoteEntity implements Interface: the full-sync path. The entity
// snapshot carries its own version metadata, so reconciliation is the same
// ordering rule without sequence-number dedupe.
func (s *Store) ApplyRemoteEntity(e model.SyncableEntity, peerID string) (Outcome, error) {
	if e.ID == "" {
		return "", fmt.Errorf("apply remote entity: id required")
	}

	tx, err := s.conn.Begin()
	if err != nil {
		return "", fmt.Errorf("begin: %w", err)
	}
	defer tx.Rollback()

	ts, err := getTombstone(tx, e.ID)
	if err != nil {
		return "", err
	}
	if ts != nil &&
		model.CompareVersions(ts.DeletedAt, ts.DeletedBy, e.LastModifiedAt, e.LastModifiedBy) >= 0 {
		return OutcomeTombstoned, nil
	}

	local, err := getEntityTx(tx, e.ID)
	if err != nil {
		return "", err
	}
	if local != nil {
		switch model.CompareVersions(e.LastModifiedAt, e.LastModifiedBy, local.LastModifiedAt, local.LastModifiedBy) {
		case -1:
			return OutcomeStale, nil
		case 0:
			if bytes.Equal(local.Payload, e.Payload) {
				return OutcomeDuplicate, nil
			}
			c := model.Conflict{
				EntityID:      e.ID,
				ParentScopeID: e.ParentScopeID,
				LocalPayload:  local.Payload,
				RemotePayload: e.Payload,
				Timestamp:     e.LastModifiedAt,
				PeerID:        peerID,
				DetectedAt:    s.now().UTC(),
			}
			if err := insertConflict(tx, c); err != nil {
				return "", err
			}
			if err := tx.Commit(); err != nil {
				return "", fmt.Errorf("commit: %w", err)
			}
			s.conflicts.Publish(c)
			return OutcomeConflict, nil
		}
	}

	if err := upsertEntity(tx, e); err != nil {
		return "", err
	}
	if err := tx.Commit(); err != nil {
		return "", fmt.Errorf("commit: %w", err)
	}
	return OutcomeApplied, nil
}

// ListConflicts returns recorded conflicts, most recent first.
func (s *Store) ListConflicts(limit int) ([]model.Conflict, error) {
	rows, err := s.conn.Query(
		`SELECT entity_id, parent_scope_id, local_payload, remote_payload, peer_id, detected_at
		 FROM sync_conflicts ORDER BY id DESC LIMIT ?`, limit)
	if err != nil {
		return nil, fmt.Errorf("list conflicts: %w", err)
	}
	defer rows.Close()

	var out []model.Conflict
	for rows.Next() {
		var (
			c             model.Conflict
			local, remote string
			nano          int64
		)
		if err := rows.Scan(&c.EntityID, &c.ParentScopeID, &local, &remote, &c.PeerID, &nano); err != nil {
			return nil, fmt.Errorf("scan conflict: %w", err)
		}
		c.LocalPayload = []byte(local)
		c.RemotePayload = []byte(remote)
		c.DetectedAt = time.Unix(0, nano).UTC()
		out = append(out, c)
	}
	return out, rows.Err()
}

// ApplyRemoteTombstone implements Interface: the delete half of the full-sync
// path. A snapshot tombstone carries its own version metadata, so it follows
// the same ordering rule as a delete change without sequence-number dedupe.
func (s *Store) ApplyRemoteTombstone(ts model.Tombstone) (Outcome, error) {
	if ts.EntityID == "" {
		return "", fmt.Errorf("apply remote tombstone: entity id required")
	}

	tx, err := s.conn.Begin()
	if err != nil {
		return "", fmt.Errorf("begin: %w", err)
	}
	defer tx.Rollback()

	local, err := getEntityTx(tx, ts.EntityID)
	if err != nil {
		return "", err
	}
	if local != nil &&
		model.CompareVersions(local.LastModifiedAt, local.LastModifiedBy, ts.DeletedAt, ts.DeletedBy) > 0 {
		return OutcomeStale, nil
	}
	existing, err := getTombstone(tx, ts.EntityID)
	if err != nil {
		return "", err
	}
	if existing != nil &&
		model.CompareVersions(existing.DeletedAt, existing.DeletedBy, ts.DeletedAt, ts.DeletedBy) >= 0 {
		return OutcomeDuplicate, nil
	}
	if err := deleteEntity(tx, ts.EntityID, ts.ParentScopeID, ts.DeletedAt, ts.DeletedBy); err != nil {
		return "", err
	}
	if err := tx.Commit(); err != nil {
		return "", fmt.Errorf("commit: %w", err)
	}
	return OutcomeApplied, nil
}

// ListTombstones returns the retained delete markers for a scope.
func (s *Store) ListTombstones(scopeID string) ([]model.Tombstone, error) {
	rows, err := s.conn.Query(
		`SELECT entity_id, parent_scope_id, deleted_at, deleted_by
		 FROM tombstones WHERE parent_scope_id = ? ORDER BY entity_id`, scopeID)
	if err != nil {
		return nil, fmt.Errorf("list tombstones: %w", err)
	}
	defer rows.Close()

	var out []model.Tombstone
	for rows.Next() {
		var (
			t    model.Tombstone
			nano int64
		)
		if err := rows.Scan(&t.EntityID, &t.ParentScopeID, &nano, &t.DeletedBy); err != nil {
			return nil, fmt.Errorf("scan tombstone: %w", err)
		}
		t.DeletedAt = time.Unix(0, nano).UTC()
		out = append(out, t)
	}
	return out, rows.Err()
}

func getTombstone(tx *sql.Tx, entityID string) (*model.Tombstone, error) {
	var (
		t    model.Tombstone
		nano int64
	)
	err := tx.QueryRow(
		`SELECT entity_id, parent_scope_id, deleted_at, deleted_by FROM tombstones WHERE entity_id = ?`,
		entityID,
	).Scan(&t.EntityID, &t.ParentScopeID, &nano, &t.DeletedBy)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get tombstone %s: %w", entityID, err)
	}
	t.DeletedAt = time.Unix(0, nano).UTC()
	return &t, nil
}

func getEntityTx(tx *sql.Tx, id string) (*model.SyncableEntity, error) {
	row := tx.QueryRow(
		`SELECT id, parent_scope_id, owner_id, is_public, last_modified_at, last_modified_by, payload
		 FROM entities WHERE id = ?`, id)
	e, err := scanEntity(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get entity %s: %w", id, err)
	}
	return &e, nil
}

func insertConflict(tx *sql.Tx, c model.Conflict) error {
	_, err := tx.Exec(
		`INSERT INTO sync_conflicts (entity_id, parent_scope_id, local_payload, remote_payload, peer_id, detected_at)
		 VALUES (?, ?, ?, ?, ?, ?)`,
		c.EntityID, c.ParentScopeID, string(c.LocalPayload), string(c.RemotePayload), c.PeerID, c.DetectedAt.UnixNano(),
	)
	if err != nil {
		return fmt.Errorf("record conflict %s: %w", c.EntityID, err)
	}
	return nil
}
