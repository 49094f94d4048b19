package model

import (
	"encoding/json"
	"strings"
	"time"
)

// DeviceIdentity identifies one installation of the application. The ID is
// generated once and never changes; the display name may be edited.
type DeviceIdentity struct {
	ID           string   `json:"id"`
	Name         string   `json:"name"`
	Address      string   `json:"address"` // host:port of the sync listener
	Capabilities []string `json:"capabilities,omitempty"`
}

// HasCapability reports whether the identity advertises the given capability.
func (d DeviceIdentity) HasCapability(cap string) bool {
	for _, c := range d.Capabilities {
		if c == cap {
			return true
		}
	}
	return false
}

// ConnState is the connection lifecycle state of a peer as tracked by the
// roster. The transport keeps its own finer-grained state machine.
type ConnState string

const (
	ConnDiscovered   ConnState = "discovered"
	ConnConnecting   ConnState = "connecting"
	ConnConnected    ConnState = "connected"
	ConnDisconnected ConnState = "disconnected"
)

// PeerRecord is one entry in the active peer roster.
type PeerRecord struct {
	Identity   DeviceIdentity `json:"identity"`
	LastSeenAt time.Time      `json:"last_seen_at"`
	State      ConnState      `json:"state"`
}

// Action is the kind of mutation carried by a ChangeRecord.
type Action string

const (
	ActionCreate Action = "create"
	ActionUpdate Action = "update"
	ActionDelete Action = "delete"
	ActionMove   Action = "move"
)

// ValidAction reports whether a wire-received action string is known.
func ValidAction(a Action) bool {
	switch a {
	case ActionCreate, ActionUpdate, ActionDelete, ActionMove:
		return true
	}
	return false
}

// SyncableEntity is the minimal shape the sync core requires from the
// inventory store. It applies uniformly to warehouses, rooms, containers and
// items; the core never looks inside Payload.
type SyncableEntity struct {
	ID             string          `json:"id"`
	ParentScopeID  string          `json:"parent_scope_id"`
	OwnerID        string          `json:"owner_id"`
	IsPublic       bool            `json:"is_public"`
	LastModifiedAt time.Time       `json:"last_modified_at"`
	LastModifiedBy string          `json:"last_modified_by"`
	Payload        json.RawMessage `json:"payload"`
}

// ChangeRecord is one mutation captured from the store's change notifications.
// Seq is a per-origin-device monotonic counter used for duplicate detection;
// Timestamp is only a conflict-resolution signal.
type ChangeRecord struct {
	EntityID       string          `json:"entity_id"`
	ParentScopeID  string          `json:"parent_scope_id"`
	Action         Action          `json:"action"`
	Payload        json.RawMessage `json:"payload,omitempty"`
	OriginDeviceID string          `json:"origin_device_id"`
	Timestamp      time.Time       `json:"timestamp"`
	Seq            int64           `json:"seq"`
}

// CompareVersions orders two entity versions by (timestamp, device id).
// Later timestamps win; on an exact timestamp tie the lower device id wins,
// so both sides of an exchange settle on the same version. Returns -1 when
// (aTS, aDev) loses to (bTS, bDev), +1 when it wins and 0 when the pair is
// identical.
func CompareVersions(aTS time.Time, aDev string, bTS time.Time, bDev string) int {
	if aTS.Before(bTS) {
		return -1
	}
	if aTS.After(bTS) {
		return 1
	}
	// Equal timestamps: lower device id is the deterministic winner.
	switch c := strings.Compare(aDev, bDev); {
	case c < 0:
		return 1
	case c > 0:
		return -1
	}
	return 0
}

// Tombstone is a retained delete marker. Tombstones ride full-sync responses
// so a deletion made while a peer was offline still reaches it on reconnect.
type Tombstone struct {
	EntityID      string    `json:"entity_id"`
	ParentScopeID string    `json:"parent_scope_id"`
	DeletedAt     time.Time `json:"deleted_at"`
	DeletedBy     string    `json:"deleted_by"`
}

// Conflict is surfaced when two versions of an entity carry the identical
// (timestamp, device id) pair but different payloads. The core never
// auto-merges; resolution belongs to the application layer.
type Conflict struct {
	EntityID      string          `json:"entity_id"`
	ParentScopeID string          `json:"parent_scope_id"`
	LocalPayload  json.RawMessage `json:"local_payload"`
	RemotePayload json.RawMessage `json:"remote_payload"`
	Timestamp     time.Time       `json:"timestamp"`
	PeerID        string          `json:"peer_id"`
	DetectedAt    time.Time       `json:"detected_at"`
}

// Role is a peer's access level for one scope (warehouse).
type Role string

const (
	RoleOwner  Role = "owner"
	RoleAdmin  Role = "admin"
	RoleEditor Role = "editor"
	RoleViewer Role = "viewer"
	RoleGuest  Role = "guest"
)

// rank orders roles for at-least comparisons. Unknown roles rank below guest.
func (r Role) rank() int {
	switch r {
	case RoleOwner:
		return 5
	case RoleAdmin:
		return 4
	case RoleEditor:
		return 3
	case RoleViewer:
		return 2
	case RoleGuest:
		return 1
	}
	return 0
}

// AtLeast reports whether r grants everything min does.
func (r Role) AtLeast(min Role) bool {
	return r.rank() >= min.rank()
}

// ValidRole reports whether a role string read from storage is known.
func ValidRole(r Role) bool {
	return r.rank() > 0
}

// RoleGrant assigns a role to a device for one scope. Owned by the external
// access-control collaborator; the sync core only reads grants.
type RoleGrant struct {
	ScopeID   string     `json:"scope_id"`
	DeviceID  string     `json:"device_id"`
	Role      Role       `json:"role"`
	GrantedAt time.Time  `json:"granted_at"`
	GrantedBy string     `json:"granted_by"`
	ExpiresAt *time.Time `json:"expires_at,omitempty"`
}

// Expired reports whether the grant has lapsed at the given instant.
func (g RoleGrant) Expired(now time.Time) bool {
	return g.ExpiresAt != nil && now.After(*g.ExpiresAt)
}
