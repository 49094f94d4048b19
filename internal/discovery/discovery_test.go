package discovery

import (
	"context"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/soren/packsync/internal/model"
	"github.com/soren/packsync/internal/wire"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func ident(id string) model.DeviceIdentity {
	return model.DeviceIdentity{ID: id, Name: "peer-" + id, Address: "10.0.0.1:7430"}
}

func waitFor(t *testing.T, timeout time.Duration, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("condition not met before deadline")
}

func TestObserveAnnounceUpsertsRoster(t *testing.T) {
	d := New(Config{Self: ident("dev-a"), Logger: discardLogger()})

	d.ObserveAnnounce(ident("dev-b"))
	rec, ok := d.Get("dev-b")
	if !ok {
		t.Fatal("peer not in roster")
	}
	if rec.State != model.ConnDiscovered {
		t.Errorf("state = %s, want discovered", rec.State)
	}

	// Re-announce with a new address updates in place.
	updated := ident("dev-b")
	updated.Address = "10.0.0.9:7430"
	d.ObserveAnnounce(updated)
	rec, _ = d.Get("dev-b")
	if rec.Identity.Address != "10.0.0.9:7430" {
		t.Errorf("address not refreshed: %q", rec.Identity.Address)
	}
	if len(d.Roster()) != 1 {
		t.Errorf("roster length = %d, want 1", len(d.Roster()))
	}

	// Self announces are ignored.
	d.ObserveAnnounce(ident("dev-a"))
	if _, ok := d.Get("dev-a"); ok {
		t.Error("roster must not contain self")
	}
}

func TestLowerIDInitiates(t *testing.T) {
	var mu sync.Mutex
	var dialed []string
	onConnect := func(p model.PeerRecord) {
		mu.Lock()
		dialed = append(dialed, p.Identity.ID)
		mu.Unlock()
	}

	low := New(Config{Self: ident("dev-a"), Logger: discardLogger(), OnShouldConnect: onConnect})
	low.ObserveAnnounce(ident("dev-b"))

	high := New(Config{Self: ident("dev-z"), Logger: discardLogger(), OnShouldConnect: onConnect})
	high.ObserveAnnounce(ident("dev-b"))

	mu.Lock()
	defer mu.Unlock()
	if len(dialed) != 1 || dialed[0] != "dev-b" {
		t.Errorf("only the lower-id side should initiate; dialed = %v", dialed)
	}
}

func TestShouldConnectSkipsConnectedPeers(t *testing.T) {
	calls := 0
	d := New(Config{
		Self:            ident("dev-a"),
		Logger:          discardLogger(),
		OnShouldConnect: func(model.PeerRecord) { calls++ },
	})

	d.ObserveAnnounce(ident("dev-b"))
	if calls != 1 {
		t.Fatalf("initial announce should trigger connect, calls = %d", calls)
	}

	d.SetState("dev-b", model.ConnConnected)
	d.ObserveAnnounce(ident("dev-b"))
	if calls != 1 {
		t.Errorf("announce from a connected peer must not re-dial, calls = %d", calls)
	}

	d.SetState("dev-b", model.ConnDisconnected)
	d.ObserveAnnounce(ident("dev-b"))
	if calls != 2 {
		t.Errorf("disconnected peer should be re-dialed on announce, calls = %d", calls)
	}
}

func TestAnnouncesFlowThroughHub(t *testing.T) {
	hub := NewMemHub()

	a := New(Config{
		Self:             ident("dev-a"),
		Medium:           hub.Join(),
		AnnounceInterval: 20 * time.Millisecond,
		StaleThreshold:   time.Minute,
		Logger:           discardLogger(),
	})
	b := New(Config{
		Self:             ident("dev-b"),
		Medium:           hub.Join(),
		AnnounceInterval: 20 * time.Millisecond,
		StaleThreshold:   time.Minute,
		Logger:           discardLogger(),
	})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go a.Run(ctx)
	go b.Run(ctx)

	waitFor(t, time.Second, func() bool {
		_, aSeesB := a.Get("dev-b")
		_, bSeesA := b.Get("dev-a")
		return aSeesB && bSeesA
	})
}

func TestStaleEviction(t *testing.T) {
	hub := NewMemHub()
	var mu sync.Mutex
	var evicted []string

	d := New(Config{
		Self:             ident("dev-a"),
		Medium:           hub.Join(),
		AnnounceInterval: 15 * time.Millisecond,
		StaleThreshold:   50 * time.Millisecond,
		Logger:           discardLogger(),
		OnEvict: func(id string) {
			mu.Lock()
			evicted = append(evicted, id)
			mu.Unlock()
		},
	})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go d.Run(ctx)

	// One announce, then silence: the peer must age out.
	d.ObserveAnnounce(ident("dev-gone"))

	waitFor(t, time.Second, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(evicted) == 1 && evicted[0] == "dev-gone"
	})
	if _, ok := d.Get("dev-gone"); ok {
		t.Error("evicted peer still in roster")
	}
}

func TestTouchKeepsSilentPeerAlive(t *testing.T) {
	hub := NewMemHub()
	var mu sync.Mutex
	var evicted []string

	d := New(Config{
		Self:             ident("dev-a"),
		Medium:           hub.Join(),
		AnnounceInterval: 15 * time.Millisecond,
		StaleThreshold:   50 * time.Millisecond,
		Logger:           discardLogger(),
		OnEvict: func(id string) {
			mu.Lock()
			evicted = append(evicted, id)
			mu.Unlock()
		},
	})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go d.Run(ctx)

	// The peer announces once, then only its transport heartbeat stays
	// healthy. Touch stands in for the heartbeat callback and must keep the
	// peer out of the stale sweep.
	d.ObserveAnnounce(ident("dev-quiet"))
	stop := make(chan struct{})
	go func() {
		tick := time.NewTicker(10 * time.Millisecond)
		defer tick.Stop()
		for {
			select {
			case <-stop:
				return
			case <-tick.C:
				d.Touch("dev-quiet")
			}
		}
	}()

	time.Sleep(200 * time.Millisecond)
	if _, ok := d.Get("dev-quiet"); !ok {
		t.Fatal("peer with a live channel was evicted")
	}
	mu.Lock()
	n := len(evicted)
	mu.Unlock()
	if n != 0 {
		t.Fatalf("unexpected evictions: %v", evicted)
	}

	// Once the channel dies too, the sweep reclaims it.
	close(stop)
	waitFor(t, time.Second, func() bool {
		_, ok := d.Get("dev-quiet")
		return !ok
	})
}

func TestSignalForwarding(t *testing.T) {
	hub := NewMemHub()
	var mu sync.Mutex
	var got []wire.Envelope

	d := New(Config{
		Self:             ident("dev-b"),
		Medium:           hub.Join(),
		AnnounceInterval: time.Hour,
		StaleThreshold:   time.Hour,
		Logger:           discardLogger(),
		OnSignal: func(env wire.Envelope) {
			mu.Lock()
			got = append(got, env)
			mu.Unlock()
		},
	})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go d.Run(ctx)

	sender := hub.Join()
	send := func(to string) {
		env, err := wire.Seal(wire.MsgOffer, "dev-a", to, wire.Offer{Addr: "10.0.0.1:7430"})
		if err != nil {
			t.Fatal(err)
		}
		if err := sender.Broadcast(env); err != nil {
			t.Fatal(err)
		}
	}

	send("dev-b")     // addressed to us
	send("dev-other") // not for us

	waitFor(t, time.Second, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(got) >= 1
	})
	time.Sleep(30 * time.Millisecond) // give the misaddressed one a chance to (wrongly) arrive

	mu.Lock()
	defer mu.Unlock()
	if len(got) != 1 {
		t.Fatalf("expected exactly our signal, got %d", len(got))
	}
	if got[0].From != "dev-a" || got[0].To != "dev-b" {
		t.Errorf("forwarded envelope: %+v", got[0])
	}
}

func TestMemHubDeliversToAllMembers(t *testing.T) {
	hub := NewMemHub()
	m1 := hub.Join()
	m2 := hub.Join()
	defer m1.Close()
	defer m2.Close()

	env, err := wire.Seal(wire.MsgPing, "dev-a", "", wire.Heartbeat{Timestamp: time.Now()})
	if err != nil {
		t.Fatal(err)
	}
	if err := m1.Broadcast(env); err != nil {
		t.Fatal(err)
	}

	for _, m := range []*MemMedium{m1, m2} {
		select {
		case got := <-m.Receive():
			if got.Type != wire.MsgPing {
				t.Errorf("got %s", got.Type)
			}
		case <-time.After(time.Second):
			t.Fatal("broadcast not delivered")
		}
	}

	m1.Close()
	if err := m1.Broadcast(env); err == nil {
		t.Error("broadcast after close should fail")
	}
}
