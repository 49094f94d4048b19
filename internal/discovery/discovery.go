// Package discovery announces local presence on a broadcast medium and
// maintains the roster of recently-seen peers. The same medium doubles as the
// signaling side-channel for connection offers and answers; signaling is
// simply forwarded to the transport, so swapping the medium for a dedicated
// rendezvous exchange would not touch the connection state machine.
package discovery

import (
	"context"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/soren/packsync/internal/model"
	"github.com/soren/packsync/internal/wire"
)

// Config wires a Discoverer. All callbacks are optional; nil callbacks are
// skipped.
type Config struct {
	Self             model.DeviceIdentity
	Medium           Medium
	AnnounceInterval time.Duration
	StaleThreshold   time.Duration
	Logger           *slog.Logger

	// OnSignal receives offer/answer envelopes addressed to this device.
	OnSignal func(wire.Envelope)
	// OnShouldConnect fires when a fresh peer should be dialed by this side
	// (local id sorts lower than the peer's, so only one side initiates).
	OnShouldConnect func(model.PeerRecord)
	// OnEvict fires when a stale peer leaves the roster; the transport uses
	// it to tear down any open connection.
	OnEvict func(peerID string)
}

// Discoverer owns the peer roster and the announce/sweep loop.
type Discoverer struct {
	cfg    Config
	logger *slog.Logger

	mu    sync.Mutex
	peers map[string]*model.PeerRecord
}

// New builds a Discoverer; call Run to start it.
func New(cfg Config) *Discoverer {
	return &Discoverer{
		cfg:    cfg,
		logger: cfg.Logger,
		peers:  make(map[string]*model.PeerRecord),
	}
}

// Run announces on the configured interval, sweeps stale peers on the same
// tick and consumes the medium until ctx is cancelled.
func (d *Discoverer) Run(ctx context.Context) {
	if err := d.Announce(); err != nil {
		d.logger.Warn("initial announce failed", "err", err)
	}

	ticker := time.NewTicker(d.cfg.AnnounceInterval)
	defer ticker.Stop()

	recv := d.cfg.Medium.Receive()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := d.Announce(); err != nil {
				d.logger.Warn("announce failed", "err", err)
			}
			d.sweepStale()
		case env, ok := <-recv:
			if !ok {
				return
			}
			d.handle(env)
		}
	}
}

// Announce broadcasts local presence once.
func (d *Discoverer) Announce() error {
	env, err := wire.Seal(wire.MsgAnnounce, d.cfg.Self.ID, "", wire.Announce{Identity: d.cfg.Self})
	if err != nil {
		return err
	}
	return d.cfg.Medium.Broadcast(env)
}

// Signal sends a directed signaling envelope over the broadcast medium.
// Used by the transport for offers and answers.
func (d *Discoverer) Signal(env wire.Envelope) error {
	return d.cfg.Medium.Broadcast(env)
}

func (d *Discoverer) handle(env wire.Envelope) {
	if env.From == d.cfg.Self.ID {
		return // our own broadcast echoed back
	}
	switch env.Type {
	case wire.MsgAnnounce:
		var a wire.Announce
		if err := env.Open(&a); err != nil {
			d.logger.Warn("malformed announce", "from", env.From, "err", err)
			return
		}
		if a.Identity.ID == "" || a.Identity.ID != env.From {
			d.logger.Warn("announce identity mismatch", "from", env.From, "claimed", a.Identity.ID)
			return
		}
		d.ObserveAnnounce(a.Identity)
	case wire.MsgOffer, wire.MsgAnswer:
		if env.To != d.cfg.Self.ID {
			return // signaling for someone else
		}
		d.Touch(env.From)
		if d.cfg.OnSignal != nil {
			d.cfg.OnSignal(env)
		}
	default:
		d.logger.Debug("ignoring envelope on discovery medium", "type", env.Type, "from", env.From)
	}
}

// ObserveAnnounce upserts a peer into the roster and triggers connection
// establishment when this side is the designated initiator. Also the entry
// point for secondary discovery sources (mDNS).
func (d *Discoverer) ObserveAnnounce(id model.DeviceIdentity) {
	if id.ID == d.cfg.Self.ID {
		return
	}

	d.mu.Lock()
	rec, known := d.peers[id.ID]
	if !known {
		rec = &model.PeerRecord{Identity: id, State: model.ConnDiscovered}
		d.peers[id.ID] = rec
		d.logger.Info("peer discovered", "peer", id.ID, "name", id.Name, "addr", id.Address)
	}
	rec.Identity = id
	rec.LastSeenAt = time.Now()
	state := rec.State
	snapshot := *rec
	d.mu.Unlock()

	shouldConnect := d.cfg.Self.ID < id.ID &&
		(state == model.ConnDiscovered || state == model.ConnDisconnected)
	if shouldConnect && d.cfg.OnShouldConnect != nil {
		d.cfg.OnShouldConnect(snapshot)
	}
}

// Touch refreshes a peer's last-seen time (heartbeats count as liveness).
func (d *Discoverer) Touch(peerID string) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if rec, ok := d.peers[peerID]; ok {
		rec.LastSeenAt = time.Now()
	}
}

// SetState records the transport's view of a peer's connection state.
func (d *Discoverer) SetState(peerID string, state model.ConnState) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if rec, ok := d.peers[peerID]; ok {
		rec.State = state
	}
}

// Get returns the roster entry for a peer.
func (d *Discoverer) Get(peerID string) (model.PeerRecord, bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	rec, ok := d.peers[peerID]
	if !ok {
		return model.PeerRecord{}, false
	}
	return *rec, true
}

// Roster returns a snapshot of the active roster, ordered by peer id.
func (d *Discoverer) Roster() []model.PeerRecord {
	d.mu.Lock()
	out := make([]model.PeerRecord, 0, len(d.peers))
	for _, rec := range d.peers {
		out = append(out, *rec)
	}
	d.mu.Unlock()
	sort.Slice(out, func(i, j int) bool { return out[i].Identity.ID < out[j].Identity.ID })
	return out
}

// sweepStale evicts peers not seen within the staleness threshold.
func (d *Discoverer) sweepStale() {
	cutoff := time.Now().Add(-d.cfg.StaleThreshold)

	d.mu.Lock()
	var evicted []string
	for id, rec := range d.peers {
		if rec.LastSeenAt.Before(cutoff) {
			delete(d.peers, id)
			evicted = append(evicted, id)
		}
	}
	d.mu.Unlock()

	for _, id := range evicted {
		d.logger.Info("evicting stale peer", "peer", id)
		if d.cfg.OnEvict != nil {
			d.cfg.OnEvict(id)
		}
	}
}
