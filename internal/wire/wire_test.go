package wire

import (
	"testing"

	"github.com/soren/packsync/internal/model"
)

func TestSealOpenRoundTrip(t *testing.T) {
	env, err := Seal(MsgOffer, "dev-a", "dev-b", Offer{Addr: "10.0.0.1:7430"})
	if err != nil {
		t.Fatalf("Seal: %v", err)
	}
	if env.Type != MsgOffer || env.From != "dev-a" || env.To != "dev-b" {
		t.Errorf("envelope metadata: %+v", env)
	}

	var offer Offer
	if err := env.Open(&offer); err != nil {
		t.Fatalf("Open: %v", err)
	}
	if offer.Addr != "10.0.0.1:7430" {
		t.Errorf("Addr = %q", offer.Addr)
	}
}

func TestEncodeDecode(t *testing.T) {
	env, err := Seal(MsgAnnounce, "dev-a", "", Announce{
		Identity: model.DeviceIdentity{ID: "dev-a", Name: "alpha", Address: "10.0.0.1:7430"},
	})
	if err != nil {
		t.Fatal(err)
	}
	data, err := env.Encode()
	if err != nil {
		t.Fatal(err)
	}

	got, err := Decode(data)
	if err != nil {
		t.Fatalf("Decode: %v", err)
	}
	if got.Type != MsgAnnounce || got.From != "dev-a" {
		t.Errorf("decoded envelope: %+v", got)
	}
	var a Announce
	if err := got.Open(&a); err != nil {
		t.Fatal(err)
	}
	if a.Identity.Name != "alpha" {
		t.Errorf("Identity = %+v", a.Identity)
	}
}

func TestDecodeRejectsAnonymousAndUntyped(t *testing.T) {
	if _, err := Decode([]byte(`{"from":"dev-a"}`)); err == nil {
		t.Error("missing type should fail")
	}
	if _, err := Decode([]byte(`{"type":"ping"}`)); err == nil {
		t.Error("missing sender should fail")
	}
	if _, err := Decode([]byte(`not json`)); err == nil {
		t.Error("garbage should fail")
	}
}

func TestDecodeAcceptsUnknownType(t *testing.T) {
	env, err := Decode([]byte(`{"type":"future-thing","from":"dev-a"}`))
	if err != nil {
		t.Fatalf("unknown types are dispatch's problem, not decode's: %v", err)
	}
	if env.Type != "future-thing" {
		t.Errorf("Type = %q", env.Type)
	}
}
