// Package node is the composition root of the sync core: it owns every
// component, wires their callbacks together and exposes the narrow surface
// the application layer consumes. No package-level state anywhere; tests run
// as many nodes in one process as they like.
package node

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"path/filepath"
	"time"

	"github.com/soren/packsync/internal/batch"
	"github.com/soren/packsync/internal/config"
	"github.com/soren/packsync/internal/discovery"
	"github.com/soren/packsync/internal/identity"
	"github.com/soren/packsync/internal/model"
	"github.com/soren/packsync/internal/permission"
	"github.com/soren/packsync/internal/store"
	syncengine "github.com/soren/packsync/internal/sync"
	"github.com/soren/packsync/internal/transport"
	"github.com/soren/packsync/internal/wire"
)

// signalerFunc adapts a closure to transport.Signaler, breaking the
// construction cycle between the transport and the discoverer.
type signalerFunc func(wire.Envelope) error

func (f signalerFunc) Signal(env wire.Envelope) error { return f(env) }

// Options overrides component construction, mainly for tests and for hosts
// that embed the core with their own store or access-control collaborator.
type Options struct {
	Medium   discovery.Medium    // default: UDP multicast from config
	Resolver permission.Resolver // default: the store's grant table
}

// Node owns the running sync core for one device.
type Node struct {
	cfg    config.Config
	logger *slog.Logger

	ids    *identity.Store
	self   model.DeviceIdentity
	st     *store.Store
	filter *permission.Filter
	medium discovery.Medium
	disc   *discovery.Discoverer
	mdns   *discovery.MDNSSource
	mgr    *transport.Manager
	engine *syncengine.Engine
	queue  *batch.Queue

	unsubs []func()
}

// New builds a node from configuration. Identity or store failure here is
// fatal for the sync subsystem; callers should fall back to local-only mode.
func New(cfg config.Config, logger *slog.Logger, opts Options) (*Node, error) {
	if err := os.MkdirAll(cfg.DataDir, 0o755); err != nil {
		return nil, fmt.Errorf("create data dir: %w", err)
	}

	ids, err := identity.Open(filepath.Join(cfg.DataDir, "identity.db"))
	if err != nil {
		return nil, err
	}

	name := cfg.DeviceName
	if name == "" {
		name, _ = os.Hostname()
	}
	self, err := ids.Ensure(name, advertiseAddr(cfg.ListenAddr), []string{"sync/1"})
	if err != nil {
		ids.Close()
		return nil, err
	}

	st, err := store.Open(filepath.Join(cfg.DataDir, "inventory.db"), self.ID)
	if err != nil {
		ids.Close()
		return nil, err
	}

	resolver := opts.Resolver
	if resolver == nil {
		resolver = st.Resolver(logger)
	}

	medium := opts.Medium
	if medium == nil {
		m, err := discovery.NewUDPMedium(cfg.Discovery.MulticastAddr, logger)
		if err != nil {
			st.Close()
			ids.Close()
			return nil, err
		}
		medium = m
	}

	n := &Node{
		cfg:    cfg,
		logger: logger,
		ids:    ids,
		self:   self,
		st:     st,
		filter: permission.NewFilter(resolver),
		medium: medium,
	}

	n.mgr = transport.NewManager(transport.Config{
		Self:              self,
		Signaler:          signalerFunc(func(env wire.Envelope) error { return n.disc.Signal(env) }),
		HeartbeatInterval: cfg.Transport.HeartbeatInterval,
		BackoffBase:       cfg.Transport.BackoffBase,
		BackoffCap:        cfg.Transport.BackoffCap,
		MaxReconnects:     cfg.Transport.MaxReconnects,
		ProtocolErrLimit:  cfg.Transport.ProtocolErrLimit,
		Logger:            logger,
		OnMessage:         func(peerID string, env wire.Envelope) { n.engine.HandleMessage(peerID, env) },
		OnStateChange:     n.onTransportState,
		// Heartbeats count as presence: a healthy channel must keep its peer
		// out of the stale sweep even when UDP announces stop arriving.
		OnHeartbeat: func(peerID string) { n.disc.Touch(peerID) },
	})

	n.disc = discovery.New(discovery.Config{
		Self:             self,
		Medium:           medium,
		AnnounceInterval: cfg.Discovery.AnnounceInterval,
		StaleThreshold:   cfg.Discovery.StaleThreshold,
		Logger:           logger,
		OnSignal:         n.mgr.HandleSignal,
		OnShouldConnect: func(peer model.PeerRecord) {
			n.disc.SetState(peer.Identity.ID, model.ConnConnecting)
			n.mgr.Initiate(peer)
		},
		OnEvict: n.mgr.Drop,
	})

	n.engine = syncengine.New(syncengine.Config{
		Self:      self,
		Store:     st,
		Filter:    n.filter,
		Transport: n.mgr,
		Logger:    logger,
	})

	n.queue = batch.New(self.ID, cfg.Batch.Debounce, cfg.Batch.MaxWait, n.engine.Flush, logger)
	n.unsubs = append(n.unsubs, st.OnLocalMutation(n.queue.Add))

	if cfg.Discovery.EnableMDNS {
		n.mdns = discovery.NewMDNSSource(self, cfg.Discovery.MDNSService, n.disc, logger)
	}

	return n, nil
}

// Run starts the sync core and blocks until ctx is cancelled. All teardown
// happens before it returns; every subscription is released exactly once.
func (n *Node) Run(ctx context.Context) error {
	mux := http.NewServeMux()
	mux.Handle("/sync", n.mgr.Handler())
	mux.HandleFunc("/status", n.handleStatus)
	srv := &http.Server{Addr: n.cfg.ListenAddr, Handler: mux}

	errCh := make(chan error, 1)
	go func() {
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	// Seed the roster from the previous run; stale entries sweep out on
	// the normal schedule, live ones reconnect quickly.
	if cached, err := n.ids.LoadPeers(); err == nil {
		for _, p := range cached {
			n.disc.ObserveAnnounce(p.Identity)
		}
		if len(cached) > 0 {
			n.logger.Info("seeded roster from cache", "peers", len(cached))
		}
	}

	go n.disc.Run(ctx)
	if n.mdns != nil {
		go func() {
			if err := n.mdns.Run(ctx); err != nil && ctx.Err() == nil {
				n.logger.Warn("mdns source stopped", "err", err)
			}
		}()
	}

	n.logger.Info("sync core running", "device", n.self.ID, "name", n.self.Name, "addr", n.cfg.ListenAddr)

	select {
	case <-ctx.Done():
	case err := <-errCh:
		n.logger.Error("sync listener failed", "err", err)
		n.shutdown(srv)
		return err
	}

	n.shutdown(srv)
	return nil
}

func (n *Node) shutdown(srv *http.Server) {
	n.queue.FlushAll()
	n.queue.Close()
	for _, unsub := range n.unsubs {
		unsub()
	}
	n.mgr.Close()

	if err := n.ids.SavePeers(n.disc.Roster()); err != nil {
		n.logger.Warn("save roster cache", "err", err)
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	_ = srv.Shutdown(shutdownCtx)

	n.medium.Close()
	n.st.Close()
	n.ids.Close()
	n.logger.Info("sync core stopped")
}

// onTransportState folds transport lifecycle into the roster and triggers
// the full-sync bootstrap on a fresh channel.
func (n *Node) onTransportState(peerID string, state transport.State) {
	switch state {
	case transport.StateOffering, transport.StateAwaitingAnswer, transport.StateReconnecting:
		n.disc.SetState(peerID, model.ConnConnecting)
	case transport.StateConnected:
		n.disc.SetState(peerID, model.ConnConnected)
		n.engine.OnPeerConnected(peerID)
	case transport.StateIdle, transport.StateClosed:
		n.disc.SetState(peerID, model.ConnDisconnected)
	}
}

// Identity returns the local device identity.
func (n *Node) Identity() model.DeviceIdentity {
	return n.self
}

// Store exposes the inventory store write API (the application's mutation
// path; the sync core itself only reacts to its notifications).
func (n *Node) Store() *store.Store {
	return n.st
}

// PeerRoster returns the active roster.
func (n *Node) PeerRoster() []model.PeerRecord {
	return n.disc.Roster()
}

// ConnectionStatus returns the transport state for a peer.
func (n *Node) ConnectionStatus(peerID string) transport.State {
	return n.mgr.PeerState(peerID)
}

// RequestSync manually triggers a full sync of a scope, with one peer or
// with every connected peer when peerID is empty.
func (n *Node) RequestSync(scopeID, peerID string) {
	if peerID != "" {
		n.engine.RequestSync(scopeID, peerID)
		return
	}
	for _, id := range n.mgr.ConnectedPeers() {
		n.engine.RequestSync(scopeID, id)
	}
}

// OnConflict subscribes to unresolved concurrent-edit conflicts. The handle
// unsubscribes; calling it more than once is safe.
func (n *Node) OnConflict(fn func(model.Conflict)) func() {
	return n.st.OnConflict(fn)
}

// advertiseAddr turns a listen address into something peers can dial: a bare
// port gets the first usable non-loopback IPv4 address.
func advertiseAddr(listenAddr string) string {
	host, port, err := net.SplitHostPort(listenAddr)
	if err != nil {
		return listenAddr
	}
	if host != "" && host != "0.0.0.0" && host != "::" {
		return listenAddr
	}
	ifaces, err := net.InterfaceAddrs()
	if err == nil {
		for _, addr := range ifaces {
			ipNet, ok := addr.(*net.IPNet)
			if !ok || ipNet.IP.IsLoopback() {
				continue
			}
			if ip4 := ipNet.IP.To4(); ip4 != nil {
				return net.JoinHostPort(ip4.String(), port)
			}
		}
	}
	return net.JoinHostPort("127.0.0.1", port)
}
