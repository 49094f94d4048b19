package model

import (
	"testing"
	"time"
)

func TestCompareVersions_TimestampWins(t *testing.T) {
	t0 := time.Unix(100, 0)
	t1 := time.Unix(200, 0)

	if got := CompareVersions(t1, "dev-b", t0, "dev-a"); got != 1 {
		t.Errorf("later timestamp should win, got %d", got)
	}
	if got := CompareVersions(t0, "dev-a", t1, "dev-b"); got != -1 {
		t.Errorf("earlier timestamp should lose, got %d", got)
	}
}

func TestCompareVersions_DeviceTieBreak(t *testing.T) {
	ts := time.Unix(150, 0)

	// Equal timestamps: the lower device id wins on both sides.
	if got := CompareVersions(ts, "dev-a", ts, "dev-b"); got != 1 {
		t.Errorf("lower device id should win tie, got %d", got)
	}
	if got := CompareVersions(ts, "dev-b", ts, "dev-a"); got != -1 {
		t.Errorf("higher device id should lose tie, got %d", got)
	}
}

func TestCompareVersions_IdenticalPair(t *testing.T) {
	ts := time.Unix(150, 0)
	if got := CompareVersions(ts, "dev-a", ts, "dev-a"); got != 0 {
		t.Errorf("identical pair should compare equal, got %d", got)
	}
}

func TestRoleAtLeast(t *testing.T) {
	cases := []struct {
		role, min Role
		want      bool
	}{
		{RoleOwner, RoleAdmin, true},
		{RoleAdmin, RoleAdmin, true},
		{RoleEditor, RoleAdmin, false},
		{RoleViewer, RoleEditor, false},
		{RoleGuest, RoleViewer, false},
		{RoleEditor, RoleViewer, true},
		{Role("bogus"), RoleGuest, false},
	}
	for _, c := range cases {
		if got := c.role.AtLeast(c.min); got != c.want {
			t.Errorf("%s.AtLeast(%s): got %v, want %v", c.role, c.min, got, c.want)
		}
	}
}

func TestValidAction(t *testing.T) {
	for _, a := range []Action{ActionCreate, ActionUpdate, ActionDelete, ActionMove} {
		if !ValidAction(a) {
			t.Errorf("%s should be valid", a)
		}
	}
	if ValidAction(Action("upsert")) {
		t.Error("unknown action should be invalid")
	}
}

func TestRoleGrantExpired(t *testing.T) {
	now := time.Now()
	past := now.Add(-time.Hour)
	g := RoleGrant{Role: RoleEditor, ExpiresAt: &past}
	if !g.Expired(now) {
		t.Error("grant past its expiry should be expired")
	}
	g.ExpiresAt = nil
	if g.Expired(now) {
		t.Error("grant without expiry should never expire")
	}
}
