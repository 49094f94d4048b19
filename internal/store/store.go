// Package store implements the inventory-facing persistence the sync core
// collaborates with: syncable entities, the local change log, tombstones,
// applied-change bookkeeping and the conflict log, all in one SQLite file.
// The sync engine consumes it through the Interface type, so applications
// with their own inventory store can substitute it wholesale.
package store

import (
	"database/sql"
	"fmt"
	"time"

	_ "modernc.org/sqlite"

	"github.com/soren/packsync/internal/bus"
	"github.com/soren/packsync/internal/model"
)

// Outcome classifies the result of applying a remote change or entity.
type Outcome string

const (
	OutcomeApplied    Outcome = "applied"    // accepted and written
	OutcomeDuplicate  Outcome = "duplicate"  // same (origin, seq) already applied
	OutcomeStale      Outcome = "stale"      // local version is strictly newer
	OutcomeTombstoned Outcome = "tombstoned" // suppressed by an accepted delete
	OutcomeConflict   Outcome = "conflict"   // identical version pair, different payloads
)

// Interface is the narrow surface the sync engine consumes. The SQLite Store
// implements it; the surrounding application may provide its own.
type Interface interface {
	// OnLocalMutation subscribes to change notifications. Remote-applied
	// changes are delivered too, tagged with their origin device, so
	// subscribers must filter by origin to avoid re-broadcast loops.
	OnLocalMutation(fn func(model.ChangeRecord)) func()

	// ApplyRemoteChange reconciles one remote change against local state.
	ApplyRemoteChange(rec model.ChangeRecord) (Outcome, error)

	// ApplyRemoteEntity reconciles one full-sync entity snapshot.
	ApplyRemoteEntity(e model.SyncableEntity, peerID string) (Outcome, error)

	// ApplyRemoteTombstone reconciles one full-sync delete marker.
	ApplyRemoteTombstone(ts model.Tombstone) (Outcome, error)

	// GetEntity returns the live entity, or nil when absent or deleted.
	GetEntity(id string) (*model.SyncableEntity, error)

	// ListEntities returns every live entity in the scope.
	ListEntities(scopeID string) ([]model.SyncableEntity, error)

	// ListChanges returns locally-originated changes for a scope with a
	// sequence number greater than afterSeq, in sequence order.
	ListChanges(scopeID string, afterSeq int64) ([]model.ChangeRecord, error)

	// ListTombstones returns the retained delete markers for a scope.
	ListTombstones(scopeID string) ([]model.Tombstone, error)

	// ListScopes returns every scope with at least one entity or tombstone.
	ListScopes() ([]string, error)

	// Version returns an opaque monotonic version for the scope, used in
	// full-sync responses.
	Version(scopeID string) (int64, error)
}

// Store is the SQLite implementation.
type Store struct {
	conn      *sql.DB
	deviceID  string
	mutations *bus.Bus[model.ChangeRecord]
	conflicts *bus.Bus[model.Conflict]
	now       func() time.Time
}

var _ Interface = (*Store)(nil)

const schema = `
CREATE TABLE IF NOT EXISTS entities (
	id               TEXT PRIMARY KEY,
	parent_scope_id  TEXT NOT NULL,
	owner_id         TEXT NOT NULL,
	is_public        INTEGER NOT NULL DEFAULT 0,
	last_modified_at INTEGER NOT NULL,
	last_modified_by TEXT NOT NULL,
	payload          TEXT NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_entities_scope ON entities(parent_scope_id);

CREATE TABLE IF NOT EXISTS change_log (
	seq              INTEGER PRIMARY KEY AUTOINCREMENT,
	entity_id        TEXT NOT NULL,
	parent_scope_id  TEXT NOT NULL,
	action           TEXT NOT NULL,
	payload          TEXT,
	origin_device_id TEXT NOT NULL,
	ts               INTEGER NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_change_log_scope ON change_log(parent_scope_id);

CREATE TABLE IF NOT EXISTS tombstones (
	entity_id        TEXT PRIMARY KEY,
	parent_scope_id  TEXT NOT NULL,
	deleted_at       INTEGER NOT NULL,
	deleted_by       TEXT NOT NULL
);

CREATE TABLE IF NOT EXISTS applied_changes (
	origin_device_id TEXT NOT NULL,
	seq              INTEGER NOT NULL,
	applied_at       INTEGER NOT NULL,
	PRIMARY KEY (origin_device_id, seq)
);

CREATE TABLE IF NOT EXISTS sync_conflicts (
	id               INTEGER PRIMARY KEY AUTOINCREMENT,
	entity_id        TEXT NOT NULL,
	parent_scope_id  TEXT NOT NULL,
	local_payload    TEXT,
	remote_payload   TEXT,
	peer_id          TEXT NOT NULL,
	detected_at      INTEGER NOT NULL
);

CREATE TABLE IF NOT EXISTS role_grants (
	scope_id   TEXT NOT NULL,
	device_id  TEXT NOT NULL,
	role       TEXT NOT NULL,
	granted_at INTEGER NOT NULL,
	granted_by TEXT NOT NULL,
	expires_at INTEGER,
	PRIMARY KEY (scope_id, device_id)
);
`

// Open opens (creating if needed) the store database at path. deviceID tags
// locally originated changes.
func Open(path, deviceID string) (*Store, error) {
	conn, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open store db: %w", err)
	}
	// SQLite handles one writer; serialize access through a single conn.
	conn.SetMaxOpenConns(1)
	if _, err := conn.Exec(schema); err != nil {
		conn.Close()
		return nil, fmt.Errorf("init store schema: %w", err)
	}
	return &Store{
		conn:      conn,
		deviceID:  deviceID,
		mutations: bus.New[model.ChangeRecord](),
		conflicts: bus.New[model.Conflict](),
		now:       time.Now,
	}, nil
}

// Close releases the database.
func (s *Store) Close() error {
	s.mutations.Close()
	s.conflicts.Close()
	return s.conn.Close()
}

// OnLocalMutation implements Interface.
func (s *Store) OnLocalMutation(fn func(model.ChangeRecord)) func() {
	return s.mutations.Subscribe(fn)
}

// OnConflict subscribes to concurrent-edit conflicts recorded by this store.
func (s *Store) OnConflict(fn func(model.Conflict)) func() {
	return s.conflicts.Subscribe(fn)
}

// SaveLocal records a user mutation: it upserts (or deletes) the entity,
// appends a change-log row whose rowid becomes the change's sequence number,
// and notifies subscribers. This is the write path the inventory UI drives.
func (s *Store) SaveLocal(action model.Action, e model.SyncableEntity) (model.ChangeRecord, error) {
	if e.ID == "" || e.ParentScopeID == "" {
		return model.ChangeRecord{}, fmt.Errorf("save local: entity id and scope required")
	}
	if e.LastModifiedAt.IsZero() {
		e.LastModifiedAt = s.now().UTC()
	}
	e.LastModifiedBy = s.deviceID

	tx, err := s.conn.Begin()
	if err != nil {
		return model.ChangeRecord{}, fmt.Errorf("begin: %w", err)
	}
	defer tx.Rollback()

	switch action {
	case model.ActionDelete:
		if err := deleteEntity(tx, e.ID, e.ParentScopeID, e.LastModifiedAt, s.deviceID); err != nil {
			return model.ChangeRecord{}, err
		}
	case model.ActionCreate, model.ActionUpdate, model.ActionMove:
		if err := upsertEntity(tx, e); err != nil {
			return model.ChangeRecord{}, err
		}
	default:
		return model.ChangeRecord{}, fmt.Errorf("save local: unknown action %q", action)
	}

	res, err := tx.Exec(
		`INSERT INTO change_log (entity_id, parent_scope_id, action, payload, origin_device_id, ts)
		 VALUES (?, ?, ?, ?, ?, ?)`,
		e.ID, e.ParentScopeID, string(action), string(e.Payload), s.deviceID, e.LastModifiedAt.UnixNano(),
	)
	if err != nil {
		return model.ChangeRecord{}, fmt.Errorf("append change log: %w", err)
	}
	seq, err := res.LastInsertId()
	if err != nil {
		return model.ChangeRecord{}, fmt.Errorf("change log seq: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return model.ChangeRecord{}, fmt.Errorf("commit: %w", err)
	}

	rec := model.ChangeRecord{
		EntityID:       e.ID,
		ParentScopeID:  e.ParentScopeID,
		Action:         action,
		Payload:        e.Payload,
		OriginDeviceID: s.deviceID,
		Timestamp:      e.LastModifiedAt,
		Seq:            seq,
	}
	s.mutations.Publish(rec)
	return rec, nil
}

func upsertEntity(tx *sql.Tx, e model.SyncableEntity) error {
	_, err := tx.Exec(
		`INSERT INTO entities (id, parent_scope_id, owner_id, is_public, last_modified_at, last_modified_by, payload)
		 VALUES (?, ?, ?, ?, ?, ?, ?)
		 ON CONFLICT(id) DO UPDATE SET
			parent_scope_id = excluded.parent_scope_id,
			owner_id = excluded.owner_id,
			is_public = excluded.is_public,
			last_modified_at = excluded.last_modified_at,
			last_modified_by = excluded.last_modified_by,
			payload = excluded.payload`,
		e.ID, e.ParentScopeID, e.OwnerID, boolInt(e.IsPublic),
		e.LastModifiedAt.UnixNano(), e.LastModifiedBy, string(e.Payload),
	)
	if err != nil {
		return fmt.Errorf("upsert entity %s: %w", e.ID, err)
	}
	return nil
}

func deleteEntity(tx *sql.Tx, id, scopeID string, at time.Time, by string) error {
	if _, err := tx.Exec(`DELETE FROM entities WHERE id = ?`, id); err != nil {
		return fmt.Errorf("delete entity %s: %w", id, err)
	}
	_, err := tx.Exec(
		`INSERT INTO tombstones (entity_id, parent_scope_id, deleted_at, deleted_by)
		 VALUES (?, ?, ?, ?)
		 ON CONFLICT(entity_id) DO UPDATE SET
			deleted_at = excluded.deleted_at,
			deleted_by = excluded.deleted_by
		 WHERE excluded.deleted_at > tombstones.deleted_at`,
		id, scopeID, at.UnixNano(), by,
	)
	if err != nil {
		return fmt.Errorf("tombstone entity %s: %w", id, err)
	}
	return nil
}

// GetEntity returns the live entity, or nil when absent or deleted.
func (s *Store) GetEntity(id string) (*model.SyncableEntity, error) {
	row := s.conn.QueryRow(
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

// ListEntities implements Interface.
func (s *Store) ListEntities(scopeID string) ([]model.SyncableEntity, error) {
	rows, err := s.conn.Query(
		`SELECT id, parent_scope_id, owner_id, is_public, last_modified_at, last_modified_by, payload
		 FROM entities WHERE parent_scope_id = ? ORDER BY id`, scopeID)
	if err != nil {
		return nil, fmt.Errorf("list entities %s: %w", scopeID, err)
	}
	defer rows.Close()

	var out []model.SyncableEntity
	for rows.Next() {
		e, err := scanEntity(rows)
		if err != nil {
			return nil, fmt.Errorf("scan entity: %w", err)
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

// ListScopes implements Interface.
func (s *Store) ListScopes() ([]string, error) {
	rows, err := s.conn.Query(`
		SELECT parent_scope_id FROM entities
		UNION
		SELECT parent_scope_id FROM tombstones
		ORDER BY 1`)
	if err != nil {
		return nil, fmt.Errorf("list scopes: %w", err)
	}
	defer rows.Close()

	var scopes []string
	for rows.Next() {
		var s string
		if err := rows.Scan(&s); err != nil {
			return nil, err
		}
		scopes = append(scopes, s)
	}
	return scopes, rows.Err()
}

// ListChanges implements Interface.
func (s *Store) ListChanges(scopeID string, afterSeq int64) ([]model.ChangeRecord, error) {
	rows, err := s.conn.Query(
		`SELECT seq, entity_id, parent_scope_id, action, payload, origin_device_id, ts
		 FROM change_log WHERE parent_scope_id = ? AND seq > ? ORDER BY seq ASC`,
		scopeID, afterSeq)
	if err != nil {
		return nil, fmt.Errorf("list changes %s: %w", scopeID, err)
	}
	defer rows.Close()

	var out []model.ChangeRecord
	for rows.Next() {
		var (
			rec     model.ChangeRecord
			action  string
			payload sql.NullString
			nano    int64
		)
		if err := rows.Scan(&rec.Seq, &rec.EntityID, &rec.ParentScopeID, &action, &payload, &rec.OriginDeviceID, &nano); err != nil {
			return nil, fmt.Errorf("scan change: %w", err)
		}
		rec.Action = model.Action(action)
		rec.Timestamp = time.Unix(0, nano).UTC()
		if payload.Valid {
			rec.Payload = []byte(payload.String)
		}
		out = append(out, rec)
	}
	return out, rows.Err()
}

// Version implements Interface: the highest change-log sequence recorded for
// the scope, 0 when none.
func (s *Store) Version(scopeID string) (int64, error) {
	var v sql.NullInt64
	err := s.conn.QueryRow(
		`SELECT MAX(seq) FROM change_log WHERE parent_scope_id = ?`, scopeID).Scan(&v)
	if err != nil {
		return 0, fmt.Errorf("scope version %s: %w", scopeID, err)
	}
	return v.Int64, nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanEntity(r rowScanner) (model.SyncableEntity, error) {
	var (
		e       model.SyncableEntity
		public  int
		modNano int64
		payload string
	)
	if err := r.Scan(&e.ID, &e.ParentScopeID, &e.OwnerID, &public, &modNano, &e.LastModifiedBy, &payload); err != nil {
		return model.SyncableEntity{}, err
	}
	e.IsPublic = public != 0
	e.LastModifiedAt = time.Unix(0, modNano).UTC()
	e.Payload = []byte(payload)
	return e, nil
}

func boolInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
