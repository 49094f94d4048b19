// Package sync drives full and incremental synchronization exchanges with
// connected peers and funnels every inbound change through permission
// filtering and conflict resolution before it touches the store.
package sync

import (
	"log/slog"

	"github.com/soren/packsync/internal/model"
	"github.com/soren/packsync/internal/permission"
	"github.com/soren/packsync/internal/store"
	"github.com/soren/packsync/internal/wire"
)

// Transport is how the engine reaches peers. Delivery is best-effort; the
// engine never assumes a send arrived.
type Transport interface {
	Send(peerID string, env wire.Envelope) error
	ConnectedPeers() []string
}

// Config wires an Engine.
type Config struct {
	Self      model.DeviceIdentity
	Store     store.Interface
	Filter    *permission.Filter
	Transport Transport
	Logger    *slog.Logger
}

// Engine is stateless between messages; all durable state lives in the
// store, which keeps half-completed exchanges safe (application is
// per-entity and idempotent, not transactional across a batch).
type Engine struct {
	cfg    Config
	logger *slog.Logger
}

// New builds an Engine.
func New(cfg Config) *Engine {
	return &Engine{cfg: cfg, logger: cfg.Logger}
}

// HandleMessage dispatches one inbound sync message from an established
// channel. Malformed payloads are dropped and logged; they never tear down
// the engine.
func (e *Engine) HandleMessage(peerID string, env wire.Envelope) {
	switch env.Type {
	case wire.MsgSyncRequest:
		e.handleRequest(peerID, env)
	case wire.MsgSyncResponse:
		e.handleResponse(peerID, env)
	case wire.MsgSyncPush:
		e.handlePush(peerID, env)
	default:
		e.logger.Debug("unexpected message type", "peer", peerID, "type", env.Type)
	}
}

// OnPeerConnected bootstraps a fresh channel: request a full sync of every
// scope we know about. Scopes the peer cannot see come back empty.
func (e *Engine) OnPeerConnected(peerID string) {
	scopes, err := e.cfg.Store.ListScopes()
	if err != nil {
		e.logger.Error("list scopes for bootstrap", "peer", peerID, "err", err)
		return
	}
	for _, scopeID := range scopes {
		e.RequestSync(scopeID, peerID)
	}
}

// RequestSync asks one peer for a full sync of a scope (also the manual
// trigger exposed to the application layer).
func (e *Engine) RequestSync(scopeID, peerID string) {
	env, err := wire.Seal(wire.MsgSyncRequest, e.cfg.Self.ID, peerID, wire.SyncRequest{
		ScopeID: scopeID,
		Mode:    wire.ModeFull,
	})
	if err != nil {
		e.logger.Error("seal sync request", "scope", scopeID, "err", err)
		return
	}
	if err := e.cfg.Transport.Send(peerID, env); err != nil {
		e.logger.Debug("sync request not sent", "peer", peerID, "scope", scopeID, "err", err)
	}
}

// handleRequest serves a peer's sync request, filtered to what its role may
// see. Requests for scopes the peer has no grant in return only public
// entities, never an error, so private scopes stay unobservable.
func (e *Engine) handleRequest(peerID string, env wire.Envelope) {
	var req wire.SyncRequest
	if err := env.Open(&req); err != nil {
		e.logger.Warn("malformed sync request", "peer", peerID, "err", err)
		return
	}
	if req.ScopeID == "" {
		e.logger.Warn("sync request without scope", "peer", peerID)
		return
	}

	if req.Mode == wire.ModeIncremental {
		e.serveIncremental(peerID, req)
		return
	}

	entities, err := e.cfg.Store.ListEntities(req.ScopeID)
	if err != nil {
		e.logger.Error("list entities", "scope", req.ScopeID, "err", err)
		return
	}
	version, err := e.cfg.Store.Version(req.ScopeID)
	if err != nil {
		e.logger.Error("scope version", "scope", req.ScopeID, "err", err)
		return
	}
	visible := e.cfg.Filter.VisibleEntities(entities, peerID)

	// Delete markers have no per-entity visibility left to consult, so they
	// follow the scope grant, like deletes in filterOutbound.
	var tombstones []model.Tombstone
	if e.cfg.Filter.Readable(req.ScopeID, peerID) {
		tombstones, err = e.cfg.Store.ListTombstones(req.ScopeID)
		if err != nil {
			e.logger.Error("list tombstones", "scope", req.ScopeID, "err", err)
			return
		}
	}

	resp, err := wire.Seal(wire.MsgSyncResponse, e.cfg.Self.ID, peerID, wire.SyncResponse{
		ScopeID:    req.ScopeID,
		Entities:   visible,
		Tombstones: tombstones,
		Version:    version,
	})
	if err != nil {
		e.logger.Error("seal sync response", "scope", req.ScopeID, "err", err)
		return
	}
	e.logger.Info("serving full sync", "peer", peerID, "scope", req.ScopeID,
		"entities", len(visible), "tombstones", len(tombstones),
		"filtered", len(entities)-len(visible))
	if err := e.cfg.Transport.Send(peerID, resp); err != nil {
		e.logger.Debug("sync response not sent", "peer", peerID, "err", err)
	}
}

// serveIncremental answers an incremental request with the locally
// originated changes after the peer's baseline, as a push.
func (e *Engine) serveIncremental(peerID string, req wire.SyncRequest) {
	changes, err := e.cfg.Store.ListChanges(req.ScopeID, req.SinceVersion)
	if err != nil {
		e.logger.Error("list changes", "scope", req.ScopeID, "err", err)
		return
	}
	filtered := e.filterOutbound(req.ScopeID, changes, peerID)
	if len(filtered) == 0 {
		return
	}
	push, err := wire.Seal(wire.MsgSyncPush, e.cfg.Self.ID, peerID, wire.SyncPush{
		ScopeID: req.ScopeID,
		Changes: filtered,
	})
	if err != nil {
		e.logger.Error("seal incremental push", "scope", req.ScopeID, "err", err)
		return
	}
	if err := e.cfg.Transport.Send(peerID, push); err != nil {
		e.logger.Debug("incremental push not sent", "peer", peerID, "err", err)
	}
}

// handleResponse applies a full-sync snapshot. Entities in scopes the sender
// has no read grant for are dropped before any comparison, and delete markers
// require the sender to hold delete rights, matching the push path.
func (e *Engine) handleResponse(peerID string, env wire.Envelope) {
	var resp wire.SyncResponse
	if err := env.Open(&resp); err != nil {
		e.logger.Warn("malformed sync response", "peer", peerID, "err", err)
		return
	}

	var applied, skipped, conflicts int
	for _, entity := range resp.Entities {
		if entity.ID == "" {
			skipped++
			continue
		}
		if !entity.IsPublic && !e.cfg.Filter.Readable(entity.ParentScopeID, peerID) {
			// The sender claims data it has no grant for; drop silently.
			skipped++
			continue
		}
		outcome, err := e.cfg.Store.ApplyRemoteEntity(entity, peerID)
		if err != nil {
			e.logger.Warn("apply sync entity", "peer", peerID, "entity", entity.ID, "err", err)
			continue
		}
		switch outcome {
		case store.OutcomeApplied:
			applied++
		case store.OutcomeConflict:
			conflicts++
		default:
			skipped++
		}
	}
	for _, ts := range resp.Tombstones {
		if ts.EntityID == "" {
			skipped++
			continue
		}
		// A tombstone is a delete claim; the sender needs the same grant a
		// pushed delete would need.
		if !e.cfg.Filter.Writable(model.ActionDelete, ts.ParentScopeID, peerID) {
			skipped++
			continue
		}
		outcome, err := e.cfg.Store.ApplyRemoteTombstone(ts)
		if err != nil {
			e.logger.Warn("apply sync tombstone", "peer", peerID, "entity", ts.EntityID, "err", err)
			continue
		}
		if outcome == store.OutcomeApplied {
			applied++
		} else {
			skipped++
		}
	}
	e.logger.Info("full sync applied", "peer", peerID, "scope", resp.ScopeID,
		"applied", applied, "skipped", skipped, "conflicts", conflicts)
}

// handlePush applies an incremental change batch.
func (e *Engine) handlePush(peerID string, env wire.Envelope) {
	var push wire.SyncPush
	if err := env.Open(&push); err != nil {
		e.logger.Warn("malformed sync push", "peer", peerID, "err", err)
		return
	}

	var applied, dropped, conflicts int
	for _, rec := range push.Changes {
		if !model.ValidAction(rec.Action) || rec.EntityID == "" {
			e.logger.Warn("invalid change record", "peer", peerID, "entity", rec.EntityID, "action", rec.Action)
			dropped++
			continue
		}
		// Permission enforcement precedes conflict comparison: the sending
		// peer needs write access for the action in the scope. Violations
		// are filtered without a reply so private scopes stay opaque.
		if !e.cfg.Filter.Writable(rec.Action, rec.ParentScopeID, peerID) {
			dropped++
			continue
		}
		outcome, err := e.cfg.Store.ApplyRemoteChange(rec)
		if err != nil {
			e.logger.Warn("apply change", "peer", peerID, "entity", rec.EntityID, "err", err)
			continue
		}
		switch outcome {
		case store.OutcomeApplied:
			applied++
		case store.OutcomeConflict:
			conflicts++
		default:
			dropped++
		}
	}
	e.logger.Debug("push applied", "peer", peerID, "scope", push.ScopeID,
		"applied", applied, "dropped", dropped, "conflicts", conflicts)
}

// Flush broadcasts a quiesced local batch to every connected peer, filtered
// per peer before send. Wired as the batch queue's flush callback.
func (e *Engine) Flush(scopeID string, changes []model.ChangeRecord) {
	peers := e.cfg.Transport.ConnectedPeers()
	for _, peerID := range peers {
		filtered := e.filterOutbound(scopeID, changes, peerID)
		if len(filtered) == 0 {
			continue
		}
		env, err := wire.Seal(wire.MsgSyncPush, e.cfg.Self.ID, peerID, wire.SyncPush{
			ScopeID: scopeID,
			Changes: filtered,
		})
		if err != nil {
			e.logger.Error("seal push", "scope", scopeID, "peer", peerID, "err", err)
			continue
		}
		if err := e.cfg.Transport.Send(peerID, env); err != nil {
			e.logger.Debug("push not sent", "peer", peerID, "scope", scopeID, "err", err)
		}
	}
}

// filterOutbound drops changes the peer may not see: entity-level visibility
// when the entity still exists, scope-level read access for deletes.
func (e *Engine) filterOutbound(scopeID string, changes []model.ChangeRecord, peerID string) []model.ChangeRecord {
	out := make([]model.ChangeRecord, 0, len(changes))
	for _, rec := range changes {
		entity, err := e.cfg.Store.GetEntity(rec.EntityID)
		if err != nil {
			e.logger.Warn("lookup entity for filter", "entity", rec.EntityID, "err", err)
			continue
		}
		visible := false
		if entity != nil {
			visible = e.cfg.Filter.Visible(*entity, peerID)
		} else {
			// Deleted (or moved away) entities fall back to the scope grant.
			visible = e.cfg.Filter.Readable(scopeID, peerID)
		}
		if visible {
			out = append(out, rec)
		}
	}
	return out
}
