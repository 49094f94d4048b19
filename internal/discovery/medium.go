package discovery

import (
	"errors"
	"fmt"
	"log/slog"
	"net"
	"sync"

	"github.com/soren/packsync/internal/wire"
)

// Medium is the local broadcast channel used for presence announcements and,
// as a side-channel, for connection signaling (offers and answers). Delivery
// is best-effort and unordered; everything that matters rides the transport
// once a channel is up.
type Medium interface {
	Broadcast(env wire.Envelope) error
	Receive() <-chan wire.Envelope
	Close() error
}

const maxDatagram = 8192

// UDPMedium broadcasts JSON envelopes over a LAN multicast group.
type UDPMedium struct {
	group  *net.UDPAddr
	read   *net.UDPConn
	write  *net.UDPConn
	recv   chan wire.Envelope
	logger *slog.Logger

	closeOnce sync.Once
	done      chan struct{}
}

// NewUDPMedium joins the multicast group at addr ("239.77.83.1:7431").
func NewUDPMedium(addr string, logger *slog.Logger) (*UDPMedium, error) {
	group, err := net.ResolveUDPAddr("udp4", addr)
	if err != nil {
		return nil, fmt.Errorf("resolve multicast addr %s: %w", addr, err)
	}
	read, err := net.ListenMulticastUDP("udp4", nil, group)
	if err != nil {
		return nil, fmt.Errorf("join multicast group %s: %w", addr, err)
	}
	_ = read.SetReadBuffer(maxDatagram * 8)
	write, err := net.DialUDP("udp4", nil, group)
	if err != nil {
		read.Close()
		return nil, fmt.Errorf("open multicast sender %s: %w", addr, err)
	}

	m := &UDPMedium{
		group:  group,
		read:   read,
		write:  write,
		recv:   make(chan wire.Envelope, 64),
		logger: logger,
		done:   make(chan struct{}),
	}
	go m.readLoop()
	return m, nil
}

func (m *UDPMedium) readLoop() {
	defer close(m.recv)
	buf := make([]byte, maxDatagram)
	for {
		n, _, err := m.read.ReadFromUDP(buf)
		if err != nil {
			select {
			case <-m.done:
			default:
				m.logger.Warn("multicast read failed", "err", err)
			}
			return
		}
		env, err := wire.Decode(buf[:n])
		if err != nil {
			// Other traffic on the group is not our problem; drop it.
			m.logger.Debug("dropping malformed datagram", "err", err)
			continue
		}
		select {
		case m.recv <- env:
		default:
			m.logger.Warn("discovery receive queue full, dropping", "type", env.Type, "from", env.From)
		}
	}
}

// Broadcast implements Medium.
func (m *UDPMedium) Broadcast(env wire.Envelope) error {
	data, err := env.Encode()
	if err != nil {
		return err
	}
	if len(data) > maxDatagram {
		return fmt.Errorf("broadcast %s: %d bytes exceeds datagram limit", env.Type, len(data))
	}
	if _, err := m.write.Write(data); err != nil {
		return fmt.Errorf("multicast send: %w", err)
	}
	return nil
}

// Receive implements Medium.
func (m *UDPMedium) Receive() <-chan wire.Envelope {
	return m.recv
}

// Close implements Medium.
func (m *UDPMedium) Close() error {
	m.closeOnce.Do(func() {
		close(m.done)
		m.read.Close()
		m.write.Close()
	})
	return nil
}

// MemHub is an in-process broadcast medium shared by peers in the same
// process: the test double for the multicast group, and the medium of choice
// when several logical devices share one host.
type MemHub struct {
	mu      sync.Mutex
	members map[*MemMedium]struct{}
	closed  bool
}

// NewMemHub returns an empty hub.
func NewMemHub() *MemHub {
	return &MemHub{members: make(map[*MemMedium]struct{})}
}

// Join attaches a new endpoint to the hub.
func (h *MemHub) Join() *MemMedium {
	m := &MemMedium{hub: h, recv: make(chan wire.Envelope, 64)}
	h.mu.Lock()
	if !h.closed {
		h.members[m] = struct{}{}
	}
	h.mu.Unlock()
	return m
}

func (h *MemHub) broadcast(env wire.Envelope) {
	h.mu.Lock()
	members := make([]*MemMedium, 0, len(h.members))
	for m := range h.members {
		members = append(members, m)
	}
	h.mu.Unlock()
	// Senders hear their own broadcasts, like multicast with loopback;
	// receivers filter on the From field.
	for _, m := range members {
		select {
		case m.recv <- env:
		default:
		}
	}
}

func (h *MemHub) leave(m *MemMedium) {
	h.mu.Lock()
	delete(h.members, m)
	h.mu.Unlock()
}

// MemMedium is one endpoint of a MemHub.
type MemMedium struct {
	hub       *MemHub
	recv      chan wire.Envelope
	closeOnce sync.Once
	closed    bool
	mu        sync.Mutex
}

var errMediumClosed = errors.New("medium closed")

// Broadcast implements Medium.
func (m *MemMedium) Broadcast(env wire.Envelope) error {
	m.mu.Lock()
	closed := m.closed
	m.mu.Unlock()
	if closed {
		return errMediumClosed
	}
	m.hub.broadcast(env)
	return nil
}

// Receive implements Medium.
func (m *MemMedium) Receive() <-chan wire.Envelope {
	return m.recv
}

// Close implements Medium.
func (m *MemMedium) Close() error {
	m.closeOnce.Do(func() {
		m.mu.Lock()
		m.closed = true
		m.mu.Unlock()
		m.hub.leave(m)
		close(m.recv)
	})
	return nil
}
