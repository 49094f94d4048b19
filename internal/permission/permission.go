// Package permission decides which entities a peer may see and which actions
// it may perform within a scope. Role assignment itself belongs to the
// external access-control collaborator; this package only reads it.
package permission

import (
	"sync"
	"time"

	"github.com/soren/packsync/internal/model"
)

// Resolver reports the role a device holds for a scope. Implementations must
// return RoleGuest (not an error) for devices without any grant; resolution
// failures degrade to the least-privileged role.
type Resolver interface {
	RoleFor(scopeID, deviceID string) model.Role
}

// Filter applies visibility and writability rules on top of a Resolver.
type Filter struct {
	resolver Resolver
}

// NewFilter builds a filter over the given resolver.
func NewFilter(r Resolver) *Filter {
	return &Filter{resolver: r}
}

// RoleFor exposes the underlying resolution, mainly for logging.
func (f *Filter) RoleFor(scopeID, deviceID string) model.Role {
	return f.resolver.RoleFor(scopeID, deviceID)
}

// Visible reports whether the device may read the entity. Public entities are
// visible to everyone in the roster; private ones require Owner/Admin or an
// explicit read grant (Viewer and up).
func (f *Filter) Visible(entity model.SyncableEntity, deviceID string) bool {
	if entity.IsPublic {
		return true
	}
	if entity.OwnerID == deviceID {
		return true
	}
	role := f.resolver.RoleFor(entity.ParentScopeID, deviceID)
	return role.AtLeast(model.RoleViewer)
}

// Readable reports whether the device may receive changes for the scope at
// all. Scope-level check used for incremental pushes, where the change record
// does not carry the full entity.
func (f *Filter) Readable(scopeID, deviceID string) bool {
	return f.resolver.RoleFor(scopeID, deviceID).AtLeast(model.RoleViewer)
}

// Writable reports whether the device may perform the action in the scope.
// Create/Update/Move need at least Editor; Delete needs Admin or Owner.
func (f *Filter) Writable(action model.Action, scopeID, deviceID string) bool {
	role := f.resolver.RoleFor(scopeID, deviceID)
	switch action {
	case model.ActionDelete:
		return role.AtLeast(model.RoleAdmin)
	case model.ActionCreate, model.ActionUpdate, model.ActionMove:
		return role.AtLeast(model.RoleEditor)
	}
	return false
}

// VisibleEntities filters a scope listing down to what the device may see.
func (f *Filter) VisibleEntities(entities []model.SyncableEntity, deviceID string) []model.SyncableEntity {
	out := make([]model.SyncableEntity, 0, len(entities))
	for _, e := range entities {
		if f.Visible(e, deviceID) {
			out = append(out, e)
		}
	}
	return out
}

// StaticResolver is an in-memory Resolver keyed by scope and device, with
// optional expiry. Used in tests and by embedders that manage grants
// themselves.
type StaticResolver struct {
	mu     sync.RWMutex
	grants map[string]map[string]model.RoleGrant // scope -> device -> grant
	now    func() time.Time
}

// NewStaticResolver returns an empty resolver.
func NewStaticResolver() *StaticResolver {
	return &StaticResolver{
		grants: make(map[string]map[string]model.RoleGrant),
		now:    time.Now,
	}
}

// Grant records a role for a device in a scope, replacing any previous grant.
func (r *StaticResolver) Grant(g model.RoleGrant) {
	r.mu.Lock()
	defer r.mu.Unlock()
	byDevice, ok := r.grants[g.ScopeID]
	if !ok {
		byDevice = make(map[string]model.RoleGrant)
		r.grants[g.ScopeID] = byDevice
	}
	byDevice[g.DeviceID] = g
}

// Revoke removes a device's grant for a scope.
func (r *StaticResolver) Revoke(scopeID, deviceID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.grants[scopeID], deviceID)
}

// RoleFor implements Resolver. Expired grants resolve to guest.
func (r *StaticResolver) RoleFor(scopeID, deviceID string) model.Role {
	r.mu.RLock()
	defer r.mu.RUnlock()
	g, ok := r.grants[scopeID][deviceID]
	if !ok || g.Expired(r.now()) || !model.ValidRole(g.Role) {
		return model.RoleGuest
	}
	return g.Role
}
