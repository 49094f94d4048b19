// Package transport maintains one direct bidirectional channel per peer. The
// handshake runs offer/answer over the discovery medium as a signaling
// side-channel; the channel itself is a websocket dialed by the offering
// side. Ordered, reliable delivery on an open channel comes from TCP
// underneath the websocket framing.
package transport

import (
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/gorilla/websocket"

	"github.com/soren/packsync/internal/model"
	"github.com/soren/packsync/internal/wire"
)

// State is the per-peer connection lifecycle.
type State string

const (
	StateIdle           State = "idle"
	StateOffering       State = "offering"
	StateAwaitingAnswer State = "awaiting_answer"
	StateConnected      State = "connected"
	StateReconnecting   State = "reconnecting"
	StateClosed         State = "closed"
)

// deviceHeader identifies the dialing side of a websocket connection.
const deviceHeader = "X-Packsync-Device"

// handshakeTimeout bounds how long Offering/AwaitingAnswer may last before
// the attempt is treated as a failed channel.
const handshakeTimeout = 15 * time.Second

// ErrNotConnected is returned by Send when no live channel exists. Callers
// must treat delivery as best-effort either way.
var ErrNotConnected = errors.New("peer not connected")

// Signaler delivers offer/answer envelopes out of band.
type Signaler interface {
	Signal(env wire.Envelope) error
}

// Config wires a Manager.
type Config struct {
	Self              model.DeviceIdentity
	Signaler          Signaler
	HeartbeatInterval time.Duration
	BackoffBase       time.Duration
	BackoffCap        time.Duration
	MaxReconnects     int
	ProtocolErrLimit  int
	Logger            *slog.Logger

	// OnMessage receives sync messages from an established channel, in the
	// order the peer sent them.
	OnMessage func(peerID string, env wire.Envelope)
	// OnStateChange reports lifecycle transitions (roster updates, full-sync
	// triggers on connect).
	OnStateChange func(peerID string, state State)
	// OnHeartbeat reports ping/pong traffic on an established channel so the
	// roster can count a live channel as presence even when announces stall.
	OnHeartbeat func(peerID string)
}

// Manager owns every peer connection. All state transitions are serialized
// through one mutex; network I/O runs on per-connection goroutines.
type Manager struct {
	cfg      Config
	logger   *slog.Logger
	upgrader websocket.Upgrader

	mu    sync.Mutex
	peers map[string]*peerConn
}

type peerConn struct {
	id        string
	addr      string // peer's sync listener, learned from signaling
	state     State
	initiator bool
	conn      *websocket.Conn
	send      chan wire.Envelope
	gen       int // incremented per channel; stale pump callbacks are ignored
	retry     *backoff.ExponentialBackOff
	attempts  int
	protoErrs int
	hsTimer   *time.Timer
	lastPong  time.Time
}

// NewManager builds a Manager; attach it to an HTTP mux via Handler.
func NewManager(cfg Config) *Manager {
	return &Manager{
		cfg:    cfg,
		logger: cfg.Logger,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			// Peers are trusted LAN devices; there is no browser origin.
			CheckOrigin: func(*http.Request) bool { return true },
		},
		peers: make(map[string]*peerConn),
	}
}

// Handler returns the websocket endpoint peers dial after answering.
func (m *Manager) Handler() http.Handler {
	return http.HandlerFunc(m.serveSync)
}

// Initiate starts the handshake toward a discovered peer. A no-op when a
// handshake or live channel already exists (at most one transport per peer).
func (m *Manager) Initiate(peer model.PeerRecord) {
	m.mu.Lock()
	pc, ok := m.peers[peer.Identity.ID]
	if ok && pc.state != StateIdle && pc.state != StateClosed {
		m.mu.Unlock()
		return
	}
	if pc == nil {
		pc = &peerConn{id: peer.Identity.ID}
		m.peers[peer.Identity.ID] = pc
	}
	pc.addr = peer.Identity.Address
	pc.initiator = true
	pc.attempts = 0
	pc.retry = nil
	m.toOffering(pc)
	m.mu.Unlock()
}

// toOffering sends the offer and arms the handshake timeout. Caller holds mu.
func (m *Manager) toOffering(pc *peerConn) {
	m.setState(pc, StateOffering)
	gen := pc.gen
	pc.hsTimer = time.AfterFunc(handshakeTimeout, func() { m.handshakeExpired(pc.id, gen) })

	env, err := wire.Seal(wire.MsgOffer, m.cfg.Self.ID, pc.id, wire.Offer{Addr: m.cfg.Self.Address})
	if err != nil {
		m.logger.Error("seal offer", "peer", pc.id, "err", err)
		return
	}
	if err := m.cfg.Signaler.Signal(env); err != nil {
		m.logger.Warn("send offer failed", "peer", pc.id, "err", err)
	}
}

// HandleSignal processes an offer or answer addressed to this device.
func (m *Manager) HandleSignal(env wire.Envelope) {
	switch env.Type {
	case wire.MsgOffer:
		m.handleOffer(env)
	case wire.MsgAnswer:
		m.handleAnswer(env)
	}
}

func (m *Manager) handleOffer(env wire.Envelope) {
	var offer wire.Offer
	if err := env.Open(&offer); err != nil {
		m.logger.Warn("malformed offer", "from", env.From, "err", err)
		return
	}

	m.mu.Lock()
	pc, ok := m.peers[env.From]
	if ok && pc.state == StateConnected {
		// Duplicate offer while a channel is live is ignored.
		m.mu.Unlock()
		m.logger.Debug("ignoring duplicate offer", "peer", env.From)
		return
	}
	if pc == nil {
		pc = &peerConn{id: env.From}
		m.peers[env.From] = pc
	}
	pc.addr = offer.Addr
	pc.initiator = false
	pc.stopHandshakeTimer()
	m.setState(pc, StateAwaitingAnswer)
	gen := pc.gen
	pc.hsTimer = time.AfterFunc(handshakeTimeout, func() { m.handshakeExpired(pc.id, gen) })
	m.mu.Unlock()

	answer, err := wire.Seal(wire.MsgAnswer, m.cfg.Self.ID, env.From, wire.Answer{
		Addr:     m.cfg.Self.Address,
		Accepted: true,
	})
	if err != nil {
		m.logger.Error("seal answer", "peer", env.From, "err", err)
		return
	}
	if err := m.cfg.Signaler.Signal(answer); err != nil {
		m.logger.Warn("send answer failed", "peer", env.From, "err", err)
	}
}

func (m *Manager) handleAnswer(env wire.Envelope) {
	var answer wire.Answer
	if err := env.Open(&answer); err != nil {
		m.logger.Warn("malformed answer", "from", env.From, "err", err)
		return
	}

	m.mu.Lock()
	pc, ok := m.peers[env.From]
	if !ok || pc.state != StateOffering {
		m.mu.Unlock()
		m.logger.Debug("unexpected answer", "from", env.From)
		return
	}
	if !answer.Accepted {
		m.mu.Unlock()
		m.logger.Info("offer rejected by peer", "peer", env.From)
		m.channelFailed(env.From, pc.gen)
		return
	}
	pc.addr = answer.Addr
	gen := pc.gen
	addr := pc.addr
	m.mu.Unlock()

	go m.dial(env.From, addr, gen)
}

// dial opens the websocket toward the answering peer.
func (m *Manager) dial(peerID, addr string, gen int) {
	url := fmt.Sprintf("ws://%s/sync", addr)
	header := http.Header{deviceHeader: []string{m.cfg.Self.ID}}

	dialer := *websocket.DefaultDialer
	dialer.HandshakeTimeout = handshakeTimeout
	conn, _, err := dialer.Dial(url, header)
	if err != nil {
		m.logger.Warn("dial peer failed", "peer", peerID, "url", url, "err", err)
		m.channelFailed(peerID, gen)
		return
	}
	m.adoptConn(peerID, conn)
}

// serveSync accepts the inbound websocket dial that completes a handshake.
func (m *Manager) serveSync(w http.ResponseWriter, r *http.Request) {
	peerID := r.Header.Get(deviceHeader)
	if peerID == "" || peerID == m.cfg.Self.ID {
		http.Error(w, "missing device id", http.StatusBadRequest)
		return
	}

	m.mu.Lock()
	pc := m.peers[peerID]
	if pc != nil && pc.state == StateConnected && pc.conn != nil {
		m.mu.Unlock()
		m.logger.Debug("rejecting duplicate channel", "peer", peerID)
		http.Error(w, "already connected", http.StatusConflict)
		return
	}
	m.mu.Unlock()

	conn, err := m.upgrader.Upgrade(w, r, nil)
	if err != nil {
		m.logger.Warn("websocket upgrade failed", "peer", peerID, "err", err)
		return
	}
	m.adoptConn(peerID, conn)
}

// adoptConn installs a freshly opened channel and starts its pumps.
func (m *Manager) adoptConn(peerID string, conn *websocket.Conn) {
	m.mu.Lock()
	pc, ok := m.peers[peerID]
	if !ok {
		// Peer dialed before we saw its announce; accept and track it.
		pc = &peerConn{id: peerID}
		m.peers[peerID] = pc
	}
	if pc.conn != nil {
		pc.conn.Close()
	}
	pc.stopHandshakeTimer()
	pc.conn = conn
	pc.gen++
	pc.attempts = 0
	pc.retry = nil
	pc.protoErrs = 0
	pc.send = make(chan wire.Envelope, 64)
	gen := pc.gen
	send := pc.send
	m.setState(pc, StateConnected)
	m.mu.Unlock()

	m.logger.Info("channel open", "peer", peerID)
	go m.writePump(peerID, conn, send, gen)
	go m.readPump(peerID, conn, gen)
}

// Send queues an envelope for a connected peer. Delivery is best-effort:
// without a live channel the message is dropped and ErrNotConnected returned.
func (m *Manager) Send(peerID string, env wire.Envelope) error {
	m.mu.Lock()
	pc, ok := m.peers[peerID]
	if !ok || pc.state != StateConnected || pc.send == nil {
		m.mu.Unlock()
		m.logger.Debug("send dropped, peer not connected", "peer", peerID, "type", env.Type)
		return ErrNotConnected
	}
	// Queue under the lock so the channel cannot be torn down mid-send.
	select {
	case pc.send <- env:
		m.mu.Unlock()
		return nil
	default:
		m.mu.Unlock()
		m.logger.Warn("send queue full, dropping", "peer", peerID, "type", env.Type)
		return fmt.Errorf("send to %s: queue full", peerID)
	}
}

// PeerState returns the lifecycle state for one peer.
func (m *Manager) PeerState(peerID string) State {
	m.mu.Lock()
	defer m.mu.Unlock()
	if pc, ok := m.peers[peerID]; ok {
		return pc.state
	}
	return StateIdle
}

// ConnectedPeers lists peers with a live channel.
func (m *Manager) ConnectedPeers() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []string
	for id, pc := range m.peers {
		if pc.state == StateConnected {
			out = append(out, id)
		}
	}
	return out
}

// Drop tears down a peer's connection permanently (stale eviction).
func (m *Manager) Drop(peerID string) {
	m.mu.Lock()
	pc, ok := m.peers[peerID]
	if !ok {
		m.mu.Unlock()
		return
	}
	pc.stopHandshakeTimer()
	if pc.conn != nil {
		pc.conn.Close()
		pc.conn = nil
	}
	pc.gen++
	m.setState(pc, StateClosed)
	delete(m.peers, peerID)
	m.mu.Unlock()
}

// Close tears down every connection (shutdown path).
func (m *Manager) Close() {
	m.mu.Lock()
	ids := make([]string, 0, len(m.peers))
	for id := range m.peers {
		ids = append(ids, id)
	}
	m.mu.Unlock()
	for _, id := range ids {
		m.Drop(id)
	}
}

// setState records and reports a transition. Caller holds mu.
func (m *Manager) setState(pc *peerConn, state State) {
	if pc.state == state {
		return
	}
	pc.state = state
	if m.cfg.OnStateChange != nil {
		// Report outside the lock; handlers may call back into the manager.
		id := pc.id
		go m.cfg.OnStateChange(id, state)
	}
}

func (pc *peerConn) stopHandshakeTimer() {
	if pc.hsTimer != nil {
		pc.hsTimer.Stop()
		pc.hsTimer = nil
	}
}

// handshakeExpired fires when an offer or answer went unanswered.
func (m *Manager) handshakeExpired(peerID string, gen int) {
	m.mu.Lock()
	pc, ok := m.peers[peerID]
	if !ok || pc.gen != gen || (pc.state != StateOffering && pc.state != StateAwaitingAnswer) {
		m.mu.Unlock()
		return
	}
	m.mu.Unlock()
	m.logger.Warn("handshake timed out", "peer", peerID)
	m.channelFailed(peerID, gen)
}
