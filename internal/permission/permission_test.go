package permission

import (
	"testing"
	"time"

	"github.com/soren/packsync/internal/model"
)

func resolverWith(t *testing.T, grants ...model.RoleGrant) *StaticResolver {
	t.Helper()
	r := NewStaticResolver()
	for _, g := range grants {
		r.Grant(g)
	}
	return r
}

func TestVisible(t *testing.T) {
	r := resolverWith(t, model.RoleGrant{ScopeID: "wh-1", DeviceID: "dev-viewer", Role: model.RoleViewer})
	f := NewFilter(r)

	public := model.SyncableEntity{ID: "e1", ParentScopeID: "wh-1", OwnerID: "dev-owner", IsPublic: true}
	private := model.SyncableEntity{ID: "e2", ParentScopeID: "wh-1", OwnerID: "dev-owner", IsPublic: false}

	if !f.Visible(public, "dev-stranger") {
		t.Error("public entity should be visible to any device")
	}
	if !f.Visible(private, "dev-owner") {
		t.Error("owner should see its own private entity")
	}
	if !f.Visible(private, "dev-viewer") {
		t.Error("viewer grant should make the private entity visible")
	}
	if f.Visible(private, "dev-stranger") {
		t.Error("private entity must be opaque to ungranted devices")
	}
}

func TestWritable(t *testing.T) {
	r := resolverWith(t,
		model.RoleGrant{ScopeID: "wh-1", DeviceID: "dev-editor", Role: model.RoleEditor},
		model.RoleGrant{ScopeID: "wh-1", DeviceID: "dev-admin", Role: model.RoleAdmin},
		model.RoleGrant{ScopeID: "wh-1", DeviceID: "dev-viewer", Role: model.RoleViewer},
	)
	f := NewFilter(r)

	if !f.Writable(model.ActionUpdate, "wh-1", "dev-editor") {
		t.Error("editor should update")
	}
	if !f.Writable(model.ActionMove, "wh-1", "dev-editor") {
		t.Error("editor should move")
	}
	if f.Writable(model.ActionDelete, "wh-1", "dev-editor") {
		t.Error("editor must not delete")
	}
	if !f.Writable(model.ActionDelete, "wh-1", "dev-admin") {
		t.Error("admin should delete")
	}
	if f.Writable(model.ActionCreate, "wh-1", "dev-viewer") {
		t.Error("viewer must not create")
	}
	if f.Writable(model.ActionUpdate, "wh-1", "dev-stranger") {
		t.Error("ungranted device must not write")
	}
	if f.Writable(model.Action("compact"), "wh-1", "dev-admin") {
		t.Error("unknown action must not be writable")
	}
}

func TestReadable(t *testing.T) {
	r := resolverWith(t, model.RoleGrant{ScopeID: "wh-1", DeviceID: "dev-viewer", Role: model.RoleViewer})
	f := NewFilter(r)

	if !f.Readable("wh-1", "dev-viewer") {
		t.Error("viewer should read the scope")
	}
	if f.Readable("wh-1", "dev-stranger") {
		t.Error("guest must not read the scope")
	}
	if f.Readable("wh-other", "dev-viewer") {
		t.Error("grant must not leak into other scopes")
	}
}

func TestExpiredGrantDegradesToGuest(t *testing.T) {
	past := time.Now().Add(-time.Minute)
	r := resolverWith(t, model.RoleGrant{
		ScopeID: "wh-1", DeviceID: "dev-tmp", Role: model.RoleEditor, ExpiresAt: &past,
	})

	if got := r.RoleFor("wh-1", "dev-tmp"); got != model.RoleGuest {
		t.Errorf("expired grant resolved to %s, want guest", got)
	}
}

func TestRevoke(t *testing.T) {
	r := resolverWith(t, model.RoleGrant{ScopeID: "wh-1", DeviceID: "dev-a", Role: model.RoleAdmin})
	r.Revoke("wh-1", "dev-a")
	if got := r.RoleFor("wh-1", "dev-a"); got != model.RoleGuest {
		t.Errorf("revoked grant resolved to %s, want guest", got)
	}
}

func TestVisibleEntities(t *testing.T) {
	r := resolverWith(t)
	f := NewFilter(r)

	in := []model.SyncableEntity{
		{ID: "e1", ParentScopeID: "wh-1", OwnerID: "dev-o", IsPublic: true},
		{ID: "e2", ParentScopeID: "wh-1", OwnerID: "dev-o", IsPublic: false},
		{ID: "e3", ParentScopeID: "wh-1", OwnerID: "dev-x", IsPublic: true},
	}
	out := f.VisibleEntities(in, "dev-x")
	if len(out) != 2 {
		t.Fatalf("expected 2 visible entities, got %d", len(out))
	}
	for _, e := range out {
		if e.ID == "e2" {
			t.Error("private entity leaked through the filter")
		}
	}
}
