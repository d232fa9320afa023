// ABOUTME: LAN peer discovery via mDNS: advertises this host, browses for others
// ABOUTME: Strictly an operator convenience; group convergence never depends on this
package discovery

import (
	"context"
	"fmt"
	"log"
	"net"
	"sync"

	"github.com/hashicorp/mdns"
)

// ServiceType is the mDNS service type Harmonia hosts advertise and browse
// for on the LAN.
const ServiceType = "_harmonia._tcp"

// Config holds this host's advertisement settings.
type Config struct {
	// Nick is the instance name advertised to peers, e.g. "violins-3".
	Nick string
	// Port is this host's HTTP API port.
	Port int
}

// Peer describes another Harmonia host seen on the LAN.
type Peer struct {
	Name string
	Host string
	Port int
}

// Manager advertises this host and keeps a running list of peers seen via
// mDNS browsing. It never feeds the group negotiator: discovery and group
// convergence are independent.
type Manager struct {
	config Config

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu    sync.RWMutex
	peers map[string]Peer
}

// NewManager constructs a Manager. Call Advertise and Browse to start it.
func NewManager(config Config) *Manager {
	ctx, cancel := context.WithCancel(context.Background())
	return &Manager{
		config: config,
		ctx:    ctx,
		cancel: cancel,
		peers:  make(map[string]Peer),
	}
}

// Advertise publishes this host's HTTP port under ServiceType. It returns
// once the mDNS server is listening; shutdown happens on Stop.
func (m *Manager) Advertise() error {
	ips, err := getLocalIPs()
	if err != nil {
		return fmt.Errorf("discovery: getting local IPs: %w", err)
	}

	service, err := mdns.NewMDNSService(m.config.Nick, ServiceType, "", "", m.config.Port, ips, nil)
	if err != nil {
		return fmt.Errorf("discovery: creating service: %w", err)
	}

	server, err := mdns.NewServer(&mdns.Config{Zone: service})
	if err != nil {
		return fmt.Errorf("discovery: starting server: %w", err)
	}

	log.Printf("discovery: advertising %s as %s on port %d", ServiceType, m.config.Nick, m.config.Port)

	m.wg.Add(1)
	go func() {
		defer m.wg.Done()
		<-m.ctx.Done()
		server.Shutdown()
	}()

	return nil
}

// Browse starts a background loop that periodically queries for peers and
// keeps Peers() up to date.
func (m *Manager) Browse() {
	m.wg.Add(1)
	go m.browseLoop()
}

func (m *Manager) browseLoop() {
	defer m.wg.Done()
	for {
		select {
		case <-m.ctx.Done():
			return
		default:
		}

		entries := make(chan *mdns.ServiceEntry, 16)
		done := make(chan struct{})
		go func() {
			defer close(done)
			for entry := range entries {
				if entry.AddrV4 == nil {
					continue
				}
				peer := Peer{Name: entry.Name, Host: entry.AddrV4.String(), Port: entry.Port}
				m.mu.Lock()
				m.peers[peer.Name] = peer
				m.mu.Unlock()
			}
		}()

		mdns.Query(&mdns.QueryParam{Service: ServiceType, Domain: "local", Timeout: 3, Entries: entries})
		close(entries)
		<-done
	}
}

// Peers returns a snapshot of every peer seen so far.
func (m *Manager) Peers() []Peer {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]Peer, 0, len(m.peers))
	for _, p := range m.peers {
		out = append(out, p)
	}
	return out
}

// Stop cancels advertisement and browsing and waits for both to finish.
func (m *Manager) Stop() {
	m.cancel()
	m.wg.Wait()
}

func getLocalIPs() ([]net.IP, error) {
	var ips []net.IP

	ifaces, err := net.Interfaces()
	if err != nil {
		return nil, err
	}

	for _, iface := range ifaces {
		if iface.Flags&net.FlagUp == 0 || iface.Flags&net.FlagLoopback != 0 {
			continue
		}

		addrs, err := iface.Addrs()
		if err != nil {
			continue
		}

		for _, addr := range addrs {
			if ipnet, ok := addr.(*net.IPNet); ok && !ipnet.IP.IsLoopback() {
				if ipnet.IP.To4() != nil {
					ips = append(ips, ipnet.IP)
				}
			}
		}
	}

	return ips, nil
}
