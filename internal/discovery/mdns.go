package discovery

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"strconv"
	"strings"

	"github.com/grandcat/zeroconf"

	"github.com/soren/packsync/internal/model"
)

// MDNSSource registers the local device as a zeroconf service and browses for
// other instances, feeding discoveries into the roster. It complements the
// multicast medium on networks where the custom group is filtered; mDNS
// carries presence only, never signaling.
type MDNSSource struct {
	self    model.DeviceIdentity
	service string
	disc    *Discoverer
	logger  *slog.Logger
}

// NewMDNSSource builds an mDNS presence source for the given service name
// (e.g. "_packsync._tcp").
func NewMDNSSource(self model.DeviceIdentity, service string, disc *Discoverer, logger *slog.Logger) *MDNSSource {
	return &MDNSSource{self: self, service: service, disc: disc, logger: logger}
}

// Run registers and browses until ctx is cancelled.
func (m *MDNSSource) Run(ctx context.Context) error {
	port := listenPort(m.self.Address)
	server, err := zeroconf.Register(
		"packsync-"+shortID(m.self.ID),
		m.service,
		"local.",
		port,
		[]string{
			"id=" + m.self.ID,
			"name=" + m.self.Name,
			"addr=" + m.self.Address,
			"caps=" + strings.Join(m.self.Capabilities, ","),
		},
		nil,
	)
	if err != nil {
		return fmt.Errorf("register mdns service: %w", err)
	}
	defer server.Shutdown()

	resolver, err := zeroconf.NewResolver(nil)
	if err != nil {
		return fmt.Errorf("init mdns resolver: %w", err)
	}

	entries := make(chan *zeroconf.ServiceEntry, 16)
	go func() {
		for entry := range entries {
			if id, ok := m.identityFrom(entry); ok {
				m.disc.ObserveAnnounce(id)
			}
		}
	}()

	if err := resolver.Browse(ctx, m.service, "local.", entries); err != nil {
		return fmt.Errorf("browse mdns: %w", err)
	}
	<-ctx.Done()
	return nil
}

// identityFrom reconstructs a peer identity from TXT records, falling back to
// the resolved address when the advertised one is unusable.
func (m *MDNSSource) identityFrom(entry *zeroconf.ServiceEntry) (model.DeviceIdentity, bool) {
	var id model.DeviceIdentity
	for _, txt := range entry.Text {
		key, value, ok := strings.Cut(txt, "=")
		if !ok {
			continue
		}
		switch key {
		case "id":
			id.ID = value
		case "name":
			id.Name = value
		case "addr":
			id.Address = value
		case "caps":
			if value != "" {
				id.Capabilities = strings.Split(value, ",")
			}
		}
	}
	if id.ID == "" || id.ID == m.self.ID {
		return model.DeviceIdentity{}, false
	}
	if id.Address == "" && len(entry.AddrIPv4) > 0 {
		id.Address = net.JoinHostPort(entry.AddrIPv4[0].String(), strconv.Itoa(entry.Port))
	}
	if id.Address == "" {
		m.logger.Debug("mdns entry without usable address", "instance", entry.Instance)
		return model.DeviceIdentity{}, false
	}
	return id, true
}

func listenPort(addr string) int {
	_, portStr, err := net.SplitHostPort(addr)
	if err != nil {
		return 0
	}
	port, err := strconv.Atoi(portStr)
	if err != nil {
		return 0
	}
	return port
}

func shortID(id string) string {
	if len(id) > 8 {
		return id[:8]
	}
	return id
}
