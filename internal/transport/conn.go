package transport

import (
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/gorilla/websocket"

	"github.com/soren/packsync/internal/wire"
)

// writePump owns all writes on one channel, including the heartbeat. It runs
// until the send queue closes or a write fails.
func (m *Manager) writePump(peerID string, conn *websocket.Conn, send chan wire.Envelope, gen int) {
	heartbeat := time.NewTicker(m.cfg.HeartbeatInterval)
	defer heartbeat.Stop()

	lastPong := time.Now()
	for {
		select {
		case env, ok := <-send:
			if !ok {
				return
			}
			if env.Type == wire.MsgPong {
				lastPong = time.Now() // peer is alive if it pings us
			}
			data, err := env.Encode()
			if err != nil {
				m.logger.Error("encode outbound message", "peer", peerID, "type", env.Type, "err", err)
				continue
			}
			if err := conn.WriteMessage(websocket.TextMessage, data); err != nil {
				m.logger.Debug("write failed", "peer", peerID, "err", err)
				m.channelFailed(peerID, gen)
				return
			}
		case <-heartbeat.C:
			if m.pongOverdue(peerID, lastPong) {
				m.logger.Warn("heartbeat lost", "peer", peerID)
				conn.Close()
				m.channelFailed(peerID, gen)
				return
			}
			ping, err := wire.Seal(wire.MsgPing, m.cfg.Self.ID, peerID, wire.Heartbeat{Timestamp: time.Now().UTC()})
			if err != nil {
				continue
			}
			data, _ := ping.Encode()
			if err := conn.WriteMessage(websocket.TextMessage, data); err != nil {
				m.channelFailed(peerID, gen)
				return
			}
		}
	}
}

// pongOverdue checks whether the peer answered any heartbeat within two
// intervals, consulting the read side's record.
func (m *Manager) pongOverdue(peerID string, lastLocal time.Time) bool {
	m.mu.Lock()
	pc, ok := m.peers[peerID]
	var lastSeen time.Time
	if ok {
		lastSeen = pc.lastPong
	}
	m.mu.Unlock()
	if lastSeen.Before(lastLocal) {
		lastSeen = lastLocal
	}
	return time.Since(lastSeen) > 2*m.cfg.HeartbeatInterval
}

// readPump consumes inbound frames: heartbeats are handled here, sync
// messages hand off to the configured handler in arrival order.
func (m *Manager) readPump(peerID string, conn *websocket.Conn, gen int) {
	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			m.channelFailed(peerID, gen)
			return
		}
		env, err := wire.Decode(data)
		if err != nil {
			if m.protocolError(peerID, err) {
				conn.Close()
				m.channelFailed(peerID, gen)
				return
			}
			continue
		}
		if env.From != peerID {
			if m.protocolError(peerID, errSenderMismatch) {
				conn.Close()
				m.channelFailed(peerID, gen)
				return
			}
			continue
		}

		switch env.Type {
		case wire.MsgPing:
			pong, err := wire.Seal(wire.MsgPong, m.cfg.Self.ID, peerID, wire.Heartbeat{Timestamp: time.Now().UTC()})
			if err == nil {
				_ = m.Send(peerID, pong)
			}
			m.peerAlive(peerID)
		case wire.MsgPong:
			m.mu.Lock()
			if pc, ok := m.peers[peerID]; ok {
				pc.lastPong = time.Now()
			}
			m.mu.Unlock()
			m.peerAlive(peerID)
		case wire.MsgSyncRequest, wire.MsgSyncResponse, wire.MsgSyncPush:
			if m.cfg.OnMessage != nil {
				m.cfg.OnMessage(peerID, env)
			}
		default:
			// Unknown types are dropped, not fatal: a newer peer may speak a
			// superset of this protocol.
			m.logger.Debug("dropping unknown message type", "peer", peerID, "type", env.Type)
			if m.protocolError(peerID, nil) {
				conn.Close()
				m.channelFailed(peerID, gen)
				return
			}
		}
	}
}

// peerAlive forwards heartbeat traffic to the liveness callback.
func (m *Manager) peerAlive(peerID string) {
	if m.cfg.OnHeartbeat != nil {
		m.cfg.OnHeartbeat(peerID)
	}
}

type senderMismatchError struct{}

func (senderMismatchError) Error() string { return "envelope sender does not match channel peer" }

var errSenderMismatch = senderMismatchError{}

// protocolError counts a malformed message against the connection and
// reports whether the threshold was crossed.
func (m *Manager) protocolError(peerID string, err error) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	pc, ok := m.peers[peerID]
	if !ok {
		return false
	}
	pc.protoErrs++
	if err != nil {
		m.logger.Warn("protocol error", "peer", peerID, "count", pc.protoErrs, "err", err)
	}
	if pc.protoErrs >= m.cfg.ProtocolErrLimit {
		m.logger.Warn("protocol error threshold reached, closing channel", "peer", peerID)
		return true
	}
	return false
}

// channelFailed handles a closed or failed channel: the offering side retries
// with exponential backoff until attempts run out, the answering side goes
// idle and waits for a fresh offer.
func (m *Manager) channelFailed(peerID string, gen int) {
	m.mu.Lock()
	pc, ok := m.peers[peerID]
	if !ok || pc.gen != gen {
		m.mu.Unlock()
		return // a newer channel superseded this one
	}
	pc.gen++
	pc.stopHandshakeTimer()
	if pc.conn != nil {
		pc.conn.Close()
		pc.conn = nil
	}
	if pc.send != nil {
		close(pc.send)
		pc.send = nil
	}

	if !pc.initiator {
		m.setState(pc, StateIdle)
		m.mu.Unlock()
		m.logger.Info("channel closed, awaiting new offer", "peer", peerID)
		return
	}

	if pc.attempts >= m.cfg.MaxReconnects {
		m.setState(pc, StateClosed)
		m.mu.Unlock()
		m.logger.Warn("peer unreachable, giving up", "peer", peerID, "attempts", pc.attempts)
		return
	}

	if pc.retry == nil {
		pc.retry = newRetryPolicy(m.cfg.BackoffBase, m.cfg.BackoffCap)
	}
	pc.attempts++
	delay := pc.retry.NextBackOff()
	attempt := pc.attempts
	m.setState(pc, StateReconnecting)
	newGen := pc.gen
	m.mu.Unlock()

	m.logger.Info("scheduling reconnect", "peer", peerID, "attempt", attempt, "delay", delay)
	time.AfterFunc(delay, func() { m.reconnect(peerID, newGen) })
}

// reconnect re-runs the offer flow after a backoff delay.
func (m *Manager) reconnect(peerID string, gen int) {
	m.mu.Lock()
	pc, ok := m.peers[peerID]
	if !ok || pc.gen != gen || pc.state != StateReconnecting {
		m.mu.Unlock()
		return
	}
	m.toOffering(pc)
	m.mu.Unlock()
}

func newRetryPolicy(base, ceiling time.Duration) *backoff.ExponentialBackOff {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = base
	b.MaxInterval = ceiling
	b.Multiplier = 2
	b.RandomizationFactor = 0.2
	b.MaxElapsedTime = 0 // attempts are bounded by MaxReconnects, not time
	b.Reset()
	return b
}
