// Package wire defines the message envelope exchanged between peers, both on
// the discovery/signaling medium and on established peer channels. Everything
// is JSON; the envelope carries routing metadata and an opaque payload decoded
// per message type.
package wire

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/soren/packsync/internal/model"
)

// MsgType discriminates envelope payloads.
type MsgType string

const (
	MsgAnnounce     MsgType = "announce"
	MsgOffer        MsgType = "offer"
	MsgAnswer       MsgType = "answer"
	MsgPing         MsgType = "ping"
	MsgPong         MsgType = "pong"
	MsgSyncRequest  MsgType = "sync_request"
	MsgSyncResponse MsgType = "sync_response"
	MsgSyncPush     MsgType = "sync_push"
)

// Envelope is the transport-agnostic message wrapper. From is always set; To
// is empty on broadcasts and set on directed signaling messages, which lets
// every receiver of a broadcast medium discard traffic not addressed to it.
type Envelope struct {
	Type    MsgType         `json:"type"`
	From    string          `json:"from"`
	To      string          `json:"to,omitempty"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

// Announce advertises local presence on the broadcast medium.
type Announce struct {
	Identity model.DeviceIdentity `json:"identity"`
}

// Offer asks a peer to accept a direct connection. Addr is the initiator's
// sync listener, included so the responder can fall back to dialing if its
// answer is lost.
type Offer struct {
	Addr string `json:"addr"`
}

// Answer accepts an offer. Addr is the responder's sync listener; the
// initiator dials it to open the channel.
type Answer struct {
	Addr     string `json:"addr"`
	Accepted bool   `json:"accepted"`
}

// Heartbeat is the ping/pong payload.
type Heartbeat struct {
	Timestamp time.Time `json:"timestamp"`
}

// SyncMode selects full or incremental exchange.
type SyncMode string

const (
	ModeFull        SyncMode = "full"
	ModeIncremental SyncMode = "incremental"
)

// SyncRequest asks a peer for the state of one scope.
type SyncRequest struct {
	ScopeID      string   `json:"scope_id"`
	Mode         SyncMode `json:"mode"`
	SinceVersion int64    `json:"since_version,omitempty"`
}

// SyncResponse answers a full sync request with every entity in scope that
// the requester is permitted to see, plus the scope's delete markers so a
// deletion made during a partition still reaches the requester.
type SyncResponse struct {
	ScopeID    string                 `json:"scope_id"`
	Entities   []model.SyncableEntity `json:"entities"`
	Tombstones []model.Tombstone      `json:"tombstones,omitempty"`
	Version    int64                  `json:"version"`
}

// SyncPush carries a batch of incremental changes for one scope.
type SyncPush struct {
	ScopeID string               `json:"scope_id"`
	Changes []model.ChangeRecord `json:"changes"`
}

// Seal wraps a typed payload into an envelope.
func Seal(t MsgType, from, to string, payload any) (Envelope, error) {
	env := Envelope{Type: t, From: from, To: to}
	if payload != nil {
		data, err := json.Marshal(payload)
		if err != nil {
			return Envelope{}, fmt.Errorf("marshal %s payload: %w", t, err)
		}
		env.Payload = data
	}
	return env, nil
}

// Open decodes the envelope payload into dst.
func (e Envelope) Open(dst any) error {
	if err := json.Unmarshal(e.Payload, dst); err != nil {
		return fmt.Errorf("decode %s payload: %w", e.Type, err)
	}
	return nil
}

// Encode serializes the envelope for the wire.
func (e Envelope) Encode() ([]byte, error) {
	data, err := json.Marshal(e)
	if err != nil {
		return nil, fmt.Errorf("marshal envelope: %w", err)
	}
	return data, nil
}

// Decode parses an envelope off the wire. Unknown message types are accepted
// here; dispatch layers decide whether to drop them.
func Decode(data []byte) (Envelope, error) {
	var env Envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return Envelope{}, fmt.Errorf("unmarshal envelope: %w", err)
	}
	if env.Type == "" {
		return Envelope{}, fmt.Errorf("envelope missing type")
	}
	if env.From == "" {
		return Envelope{}, fmt.Errorf("%s envelope missing sender", env.Type)
	}
	return env, nil
}
