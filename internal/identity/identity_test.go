package identity

import (
	"path/filepath"
	"testing"
	"time"

	"github.com/soren/packsync/internal/model"
)

func openStore(t *testing.T) (*Store, string) {
	t.Helper()
	path := filepath.Join(t.TempDir(), "identity.db")
	s, err := Open(path)
	if err != nil {
		t.Fatalf("open identity store: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s, path
}

func TestEnsureGeneratesStableID(t *testing.T) {
	s, path := openStore(t)

	first, err := s.Ensure("laptop", "192.168.1.5:7430", []string{"sync/1"})
	if err != nil {
		t.Fatalf("Ensure: %v", err)
	}
	if first.ID == "" {
		t.Fatal("expected a generated id")
	}
	if first.Name != "laptop" || first.Address != "192.168.1.5:7430" {
		t.Errorf("unexpected identity %+v", first)
	}

	// Reopen: the id must survive while name/address refresh.
	s.Close()
	s2, err := Open(path)
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	defer s2.Close()

	second, err := s2.Ensure("laptop-renamed", "192.168.1.9:7430", nil)
	if err != nil {
		t.Fatalf("Ensure after reopen: %v", err)
	}
	if second.ID != first.ID {
		t.Errorf("id changed across restarts: %s -> %s", first.ID, second.ID)
	}
	if second.Name != "laptop-renamed" || second.Address != "192.168.1.9:7430" {
		t.Errorf("name/address not refreshed: %+v", second)
	}
}

func TestEnsureKeepsNameWhenEmpty(t *testing.T) {
	s, _ := openStore(t)
	if _, err := s.Ensure("original", "a:1", nil); err != nil {
		t.Fatal(err)
	}
	id, err := s.Ensure("", "a:1", nil)
	if err != nil {
		t.Fatal(err)
	}
	if id.Name != "original" {
		t.Errorf("empty name should keep stored name, got %q", id.Name)
	}
}

func TestSetName(t *testing.T) {
	s, _ := openStore(t)
	if err := s.SetName("x"); err == nil {
		t.Error("SetName before Ensure should fail")
	}
	if _, err := s.Ensure("before", "a:1", nil); err != nil {
		t.Fatal(err)
	}
	if err := s.SetName("after"); err != nil {
		t.Fatalf("SetName: %v", err)
	}
	id, err := s.Ensure("", "a:1", nil)
	if err != nil {
		t.Fatal(err)
	}
	if id.Name != "after" {
		t.Errorf("Name = %q, want after", id.Name)
	}
}

func TestPeerCacheRoundTrip(t *testing.T) {
	s, _ := openStore(t)

	seen := time.Now().Truncate(time.Second)
	in := []model.PeerRecord{
		{Identity: model.DeviceIdentity{ID: "dev-a", Name: "alpha", Address: "10.0.0.1:7430"}, LastSeenAt: seen, State: model.ConnDisconnected},
		{Identity: model.DeviceIdentity{ID: "dev-b", Name: "beta", Address: "10.0.0.2:7430"}, LastSeenAt: seen, State: model.ConnDisconnected},
	}
	if err := s.SavePeers(in); err != nil {
		t.Fatalf("SavePeers: %v", err)
	}

	out, err := s.LoadPeers()
	if err != nil {
		t.Fatalf("LoadPeers: %v", err)
	}
	if len(out) != 2 {
		t.Fatalf("expected 2 cached peers, got %d", len(out))
	}
	byID := map[string]model.PeerRecord{}
	for _, p := range out {
		byID[p.Identity.ID] = p
	}
	if byID["dev-a"].Identity.Name != "alpha" || byID["dev-b"].Identity.Address != "10.0.0.2:7430" {
		t.Errorf("roster round trip mismatch: %+v", out)
	}

	// Saving again replaces rather than appends.
	if err := s.SavePeers(in[:1]); err != nil {
		t.Fatal(err)
	}
	out, err = s.LoadPeers()
	if err != nil {
		t.Fatal(err)
	}
	if len(out) != 1 || out[0].Identity.ID != "dev-a" {
		t.Errorf("SavePeers should replace the snapshot, got %+v", out)
	}
}
