// ABOUTME: Per-interface IPv4 multicast transport shared by the group protocol and the beat-clock peer link
// ABOUTME: Binds one socket per local interface, rebinds periodically, fans inbound datagrams into one channel
package transport

import (
	"context"
	"fmt"
	"log"
	"net"
	"runtime"
	"sync"
	"syscall"
	"time"

	"golang.org/x/net/ipv4"
	"golang.org/x/time/rate"
)

// RebindInterval is how often the transport re-scans local interfaces for
// ones it isn't bound to yet, and retries ones that previously failed.
const RebindInterval = 5 * time.Second

// MaxBindTries is how many consecutive bind failures an interface tolerates
// before the transport stops retrying it for the rest of the process
// lifetime.
const MaxBindTries = 5

// Datagram is one inbound multicast packet, tagged with the interface it
// arrived on for diagnostics.
type Datagram struct {
	Data  []byte
	From  net.Addr
	Iface string
}

// Transport sends and receives UDP datagrams on a fixed multicast group
// address, maintaining one socket per local IPv4 interface. It is
// content-agnostic: callers (internal/group, internal/linksession) decode
// and validate payloads themselves.
type Transport struct {
	groupAddr *net.UDPAddr

	mu      sync.Mutex
	sockets map[string]*socket // keyed by interface name
	failed  map[string]int     // consecutive bind failures, keyed by interface name

	inbound chan Datagram
	warnLim *rate.Limiter

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

type socket struct {
	iface    net.Interface
	conn     *net.UDPConn
	pconn    *ipv4.PacketConn
	failures int
}

// New constructs a Transport bound to groupAddr (e.g. "224.76.78.75:20810").
// It does not bind any sockets until Start is called.
func New(groupAddr string) (*Transport, error) {
	addr, err := net.ResolveUDPAddr("udp4", groupAddr)
	if err != nil {
		return nil, fmt.Errorf("transport: resolve %q: %w", groupAddr, err)
	}
	return &Transport{
		groupAddr: addr,
		sockets:   make(map[string]*socket),
		failed:    make(map[string]int),
		inbound:   make(chan Datagram, 64),
		warnLim:   rate.NewLimiter(rate.Every(time.Second), 5),
	}, nil
}

// Start begins the bind/rebind loop. It returns once the first bind pass has
// run, though individual interfaces may still be unreachable.
func (t *Transport) Start(ctx context.Context) {
	t.ctx, t.cancel = context.WithCancel(ctx)
	t.rebind()

	t.wg.Add(1)
	go func() {
		defer t.wg.Done()
		ticker := time.NewTicker(RebindInterval)
		defer ticker.Stop()
		for {
			select {
			case <-t.ctx.Done():
				return
			case <-ticker.C:
				t.rebind()
			}
		}
	}()
}

// Inbound returns the channel every bound socket's datagrams are fanned into.
func (t *Transport) Inbound() <-chan Datagram {
	return t.inbound
}

// Send writes data to the multicast group on every live socket. Failures on
// individual sockets are logged (rate-limited) and counted toward that
// socket's eviction threshold; Send itself never returns an error, matching
// the "best effort, many sockets" nature of multicast fan-out.
func (t *Transport) Send(data []byte) {
	t.mu.Lock()
	socks := make([]*socket, 0, len(t.sockets))
	for _, s := range t.sockets {
		socks = append(socks, s)
	}
	t.mu.Unlock()

	for _, s := range socks {
		if _, err := s.conn.WriteToUDP(data, t.groupAddr); err != nil {
			t.noteSendFailure(s, err)
		} else {
			s.failures = 0
		}
	}
}

func (t *Transport) noteSendFailure(s *socket, err error) {
	s.failures++
	if t.warnLim.Allow() {
		log.Printf("transport: send on %s failed: %v", s.iface.Name, err)
	}
	if s.failures >= MaxBindTries {
		t.evict(s.iface.Name)
	}
}

// Close shuts down every socket and the rebind loop.
func (t *Transport) Close() error {
	if t.cancel != nil {
		t.cancel()
	}
	t.wg.Wait()

	t.mu.Lock()
	defer t.mu.Unlock()
	for name, s := range t.sockets {
		s.conn.Close()
		delete(t.sockets, name)
	}
	return nil
}

func (t *Transport) rebind() {
	ifaces, err := net.Interfaces()
	if err != nil {
		log.Printf("transport: list interfaces: %v", err)
		return
	}

	for _, iface := range ifaces {
		if iface.Flags&net.FlagUp == 0 || iface.Flags&net.FlagMulticast == 0 {
			continue
		}
		if !hasIPv4(iface) {
			continue
		}

		t.mu.Lock()
		_, bound := t.sockets[iface.Name]
		tries := t.failed[iface.Name]
		t.mu.Unlock()

		if bound || tries >= MaxBindTries {
			continue
		}

		s, err := t.bind(iface)
		if err != nil {
			t.mu.Lock()
			t.failed[iface.Name]++
			quarantined := t.failed[iface.Name] >= MaxBindTries
			t.mu.Unlock()
			if quarantined {
				log.Printf("transport: %s quarantined after %d failed binds: %v", iface.Name, MaxBindTries, err)
			} else if t.warnLim.Allow() {
				log.Printf("transport: bind %s failed (attempt %d/%d): %v", iface.Name, t.failed[iface.Name], MaxBindTries, err)
			}
			continue
		}

		t.mu.Lock()
		t.sockets[iface.Name] = s
		t.failed[iface.Name] = 0
		t.mu.Unlock()

		t.wg.Add(1)
		go t.readLoop(s)
	}
}

func (t *Transport) bind(iface net.Interface) (*socket, error) {
	lc := net.ListenConfig{Control: reuseAddrAndPort}

	pc, err := lc.ListenPacket(t.ctx, "udp4", fmt.Sprintf(":%d", t.groupAddr.Port))
	if err != nil {
		return nil, fmt.Errorf("listen: %w", err)
	}
	conn, ok := pc.(*net.UDPConn)
	if !ok {
		pc.Close()
		return nil, fmt.Errorf("unexpected packet conn type %T", pc)
	}

	pconn := ipv4.NewPacketConn(conn)
	if err := pconn.JoinGroup(&iface, &net.UDPAddr{IP: t.groupAddr.IP}); err != nil {
		conn.Close()
		return nil, fmt.Errorf("join group on %s: %w", iface.Name, err)
	}
	// Multicast loopback is only useful (and only enabled) on the loopback
	// interface itself: binding to 0.0.0.0 would otherwise make the OS
	// route our own traffic back to us on every interface, which defeats
	// testing across a real LAN where host and peer are different machines.
	if err := pconn.SetMulticastLoopback(iface.Flags&net.FlagLoopback != 0); err != nil {
		log.Printf("transport: set multicast loopback on %s: %v", iface.Name, err)
	}

	return &socket{iface: iface, conn: conn, pconn: pconn}, nil
}

func (t *Transport) readLoop(s *socket) {
	defer t.wg.Done()
	buf := make([]byte, 65536)
	s.conn.SetReadDeadline(time.Time{})
	for {
		s.conn.SetReadDeadline(time.Now().Add(100 * time.Millisecond))
		n, addr, err := s.conn.ReadFromUDP(buf)
		select {
		case <-t.ctx.Done():
			return
		default:
		}
		if err != nil {
			if ne, ok := err.(net.Error); ok && ne.Timeout() {
				continue
			}
			return
		}
		data := make([]byte, n)
		copy(data, buf[:n])
		select {
		case t.inbound <- Datagram{Data: data, From: addr, Iface: s.iface.Name}:
		case <-t.ctx.Done():
			return
		default:
			if t.warnLim.Allow() {
				log.Printf("transport: inbound channel full, dropping datagram from %s", s.iface.Name)
			}
		}
	}
}

func (t *Transport) evict(ifaceName string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	s, ok := t.sockets[ifaceName]
	if !ok {
		return
	}
	s.conn.Close()
	delete(t.sockets, ifaceName)
	// Leave t.failed alone: the next rebind pass will try again with a
	// clean failure count, since eviction was a runtime send failure, not
	// a bind failure.
}

func hasIPv4(iface net.Interface) bool {
	addrs, err := iface.Addrs()
	if err != nil {
		return false
	}
	for _, a := range addrs {
		if ipnet, ok := a.(*net.IPNet); ok && ipnet.IP.To4() != nil {
			return true
		}
	}
	return false
}

func reuseAddrAndPort(_, _ string, c syscall.RawConn) error {
	var ctrlErr error
	err := c.Control(func(fd uintptr) {
		if e := syscall.SetsockoptInt(int(fd), syscall.SOL_SOCKET, syscall.SO_REUSEADDR, 1); e != nil {
			ctrlErr = e
			return
		}
		if runtime.GOOS != "windows" {
			if e := setReusePort(int(fd)); e != nil {
				ctrlErr = e
			}
		}
	})
	if err != nil {
		return err
	}
	return ctrlErr
}
