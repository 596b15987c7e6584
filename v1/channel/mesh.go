package channel

import (
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"net"
	"sync"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/google/uuid"
	"golang.org/x/net/ipv4"

	wardenerrors "github.com/mirkobrombin/go-warden/v1/errors"
)

// MeshOptions configures a broker-less UDP mesh channel.
type MeshOptions struct {
	Port          int
	Interface     string
	Group         string        // Multicast group (default 239.0.0.7)
	Peers         []string      // Static seeds for unicast gossip
	AdvertiseAddr string        // Address announced to other peers (e.g. "10.0.0.1:7788")
	Announce      time.Duration // Interval between presence announcements (default 5s)
}

// MeshChannel implements Channel over UDP multicast plus unicast gossip,
// with no broker at all. UDP is a natural fit for the channel contract:
// delivery is best effort and a lost frame costs nothing but latency,
// because the lock record remains the enforcement backstop. Frames carry
// the sending node's id, so a node never surfaces its own traffic.
type MeshChannel struct {
	opts      MeshOptions
	nodeID    [16]byte
	conn      net.PacketConn
	pconn     *ipv4.PacketConn
	groupAddr *net.UDPAddr

	mu     sync.Mutex
	subs   []chan Message
	closed bool

	peersMu      sync.RWMutex
	knownPeers   map[string]time.Time
	resolvedAddr map[string]*net.UDPAddr

	published atomic.Uint64
	delivered atomic.Uint64

	ctx    context.Context
	cancel context.CancelFunc
}

// NewMeshChannel opens the UDP socket, joins the multicast group and starts
// announcing this node to its peers.
func NewMeshChannel(opts MeshOptions) (*MeshChannel, error) {
	if opts.Port == 0 {
		opts.Port = 7788
	}
	if opts.Group == "" {
		opts.Group = "239.0.0.7"
	}
	if opts.Announce == 0 {
		opts.Announce = 5 * time.Second
	}

	addr, err := net.ResolveUDPAddr("udp4", fmt.Sprintf("%s:%d", opts.Group, opts.Port))
	if err != nil {
		return nil, fmt.Errorf("mesh: failed to resolve multicast address: %w", err)
	}

	// Configure socket to allow multiple listeners on the same port.
	lc := net.ListenConfig{
		Control: func(network, address string, c syscall.RawConn) error {
			var err error
			c.Control(func(fd uintptr) {
				_ = syscall.SetsockoptInt(int(fd), syscall.SOL_SOCKET, syscall.SO_REUSEADDR, 1)
				_ = syscall.SetsockoptInt(int(fd), syscall.SOL_SOCKET, 15, 1)
			})
			return err
		},
	}

	c, err := lc.ListenPacket(context.Background(), "udp4", fmt.Sprintf("0.0.0.0:%d", opts.Port))
	if err != nil {
		return nil, fmt.Errorf("mesh: failed to listen on port %d: %w", opts.Port, err)
	}

	pconn := ipv4.NewPacketConn(c)

	var iface *net.Interface
	if opts.Interface != "" {
		iface, err = net.InterfaceByName(opts.Interface)
		if err != nil {
			_ = c.Close()
			return nil, fmt.Errorf("mesh: failed to find interface %s: %w", opts.Interface, err)
		}
	}

	if err := pconn.JoinGroup(iface, addr); err != nil {
		_ = c.Close()
		return nil, fmt.Errorf("mesh: failed to join group %s: %w", opts.Group, err)
	}

	if iface != nil {
		if err := pconn.SetMulticastInterface(iface); err != nil {
			_ = c.Close()
			return nil, fmt.Errorf("mesh: failed to set multicast interface: %w", err)
		}
	}

	// Enable loopback so multiple nodes on same host can hear each other.
	_ = pconn.SetMulticastLoopback(true)

	ctx, cancel := context.WithCancel(context.Background())
	m := &MeshChannel{
		opts:         opts,
		nodeID:       uuid.New(),
		conn:         c,
		pconn:        pconn,
		groupAddr:    addr,
		knownPeers:   make(map[string]time.Time),
		resolvedAddr: make(map[string]*net.UDPAddr),
		ctx:          ctx,
		cancel:       cancel,
	}

	go m.listen()
	go m.announceLoop()
	go m.cleanupPeers()

	return m, nil
}

// Publish implements Channel.Publish. The frame goes out on the multicast
// group and is unicast to every known peer as a fallback for networks that
// filter multicast.
func (m *MeshChannel) Publish(ctx context.Context, data []byte) error {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return wardenerrors.ErrChannelClosed
	}
	m.mu.Unlock()

	buf := meshBufferPool.Get().([]byte)
	defer meshBufferPool.Put(buf)
	p := meshPacket{Type: meshFrame, NodeID: m.nodeID, Payload: data}
	n, err := p.marshal(buf)
	if err != nil {
		return err
	}
	if err := m.broadcast(buf[:n]); err != nil {
		return err
	}
	m.published.Add(1)
	return nil
}

// broadcast sends the packet payload to the multicast group and the known
// unicast peers.
func (m *MeshChannel) broadcast(payload []byte) error {
	_, err := m.conn.WriteTo(payload, m.groupAddr)

	m.peersMu.RLock()
	addrs := make([]*net.UDPAddr, 0, len(m.resolvedAddr))
	for _, addr := range m.resolvedAddr {
		addrs = append(addrs, addr)
	}
	m.peersMu.RUnlock()
	for _, addr := range addrs {
		_, _ = m.conn.WriteTo(payload, addr)
	}

	// Seed peers that have not announced themselves yet still get a copy.
	for _, peer := range m.opts.Peers {
		m.peersMu.RLock()
		_, known := m.resolvedAddr[peer]
		m.peersMu.RUnlock()
		if known {
			continue
		}
		addr, rerr := net.ResolveUDPAddr("udp4", peer)
		if rerr != nil {
			continue
		}
		_, _ = m.conn.WriteTo(payload, addr)
	}

	return err
}

// Subscribe implements Channel.Subscribe.
func (m *MeshChannel) Subscribe(ctx context.Context) (<-chan Message, error) {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return nil, wardenerrors.ErrChannelClosed
	}
	ch := make(chan Message, 16)
	m.subs = append(m.subs, ch)
	m.mu.Unlock()

	go func() {
		<-ctx.Done()
		_ = m.Unsubscribe(context.Background(), ch)
	}()
	return ch, nil
}

// Unsubscribe implements Channel.Unsubscribe.
func (m *MeshChannel) Unsubscribe(ctx context.Context, ch <-chan Message) error {
	m.mu.Lock()
	for i, s := range m.subs {
		if s == ch {
			m.subs[i] = m.subs[len(m.subs)-1]
			m.subs = m.subs[:len(m.subs)-1]
			close(s)
			break
		}
	}
	m.mu.Unlock()
	return nil
}

// Close implements Channel.Close. It stops the background loops and closes
// the socket.
func (m *MeshChannel) Close() error {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return nil
	}
	m.closed = true
	subs := m.subs
	m.subs = nil
	m.mu.Unlock()

	m.cancel()
	for _, s := range subs {
		close(s)
	}
	return m.conn.Close()
}

func (m *MeshChannel) listen() {
	buf := make([]byte, 2048)
	for {
		select {
		case <-m.ctx.Done():
			return
		default:
		}

		n, _, err := m.conn.ReadFrom(buf)
		if err != nil {
			continue
		}

		var p meshPacket
		if err := p.unmarshal(buf[:n]); err != nil {
			continue
		}
		if p.NodeID == m.nodeID {
			continue
		}

		switch p.Type {
		case meshAnnounce:
			m.trackPeer(string(p.Payload))
		case meshFrame:
			m.deliver(p.Payload)
		}
	}
}

func (m *MeshChannel) trackPeer(addr string) {
	m.peersMu.Lock()
	m.knownPeers[addr] = time.Now()
	if _, ok := m.resolvedAddr[addr]; !ok {
		if rAddr, err := net.ResolveUDPAddr("udp4", addr); err == nil {
			m.resolvedAddr[addr] = rAddr
		}
	}
	m.peersMu.Unlock()
}

func (m *MeshChannel) deliver(data []byte) {
	// The read buffer is reused, frames handed to subscribers are not.
	payload := make([]byte, len(data))
	copy(payload, data)

	m.mu.Lock()
	subs := append([]chan Message(nil), m.subs...)
	m.mu.Unlock()
	for _, s := range subs {
		select {
		case s <- Message{Data: payload}:
			m.delivered.Add(1)
		default:
		}
	}
}

func (m *MeshChannel) announceLoop() {
	ticker := time.NewTicker(m.opts.Announce)
	defer ticker.Stop()

	for {
		select {
		case <-m.ctx.Done():
			return
		case <-ticker.C:
			addr := m.opts.AdvertiseAddr
			if addr == "" {
				addr = m.conn.LocalAddr().String()
			}
			buf := meshBufferPool.Get().([]byte)
			p := meshPacket{Type: meshAnnounce, NodeID: m.nodeID, Payload: []byte(addr)}
			if n, err := p.marshal(buf); err == nil {
				_ = m.broadcast(buf[:n])
			}
			meshBufferPool.Put(buf)
		}
	}
}

func (m *MeshChannel) cleanupPeers() {
	ticker := time.NewTicker(30 * time.Second)
	defer ticker.Stop()

	for {
		select {
		case <-m.ctx.Done():
			return
		case <-ticker.C:
			m.peersMu.Lock()
			now := time.Now()
			for addr, lastSeen := range m.knownPeers {
				if now.Sub(lastSeen) > 60*time.Second {
					delete(m.knownPeers, addr)
					delete(m.resolvedAddr, addr)
				}
			}
			m.peersMu.Unlock()
		}
	}
}

// Peers returns the currently known active peers.
func (m *MeshChannel) Peers() []string {
	m.peersMu.RLock()
	defer m.peersMu.RUnlock()
	peers := make([]string, 0, len(m.knownPeers))
	for addr := range m.knownPeers {
		peers = append(peers, addr)
	}
	return peers
}

// Metrics returns the published and delivered counts.
func (m *MeshChannel) Metrics() Metrics {
	return Metrics{
		Published: m.published.Load(),
		Delivered: m.delivered.Load(),
	}
}

const (
	meshMagic         = 0x77
	meshFrame    byte = 0x01
	meshAnnounce byte = 0x02
)

var (
	errMeshInvalidMagic = errors.New("mesh: invalid magic byte")
	errMeshShortBuffer  = errors.New("mesh: buffer too short")
)

var meshBufferPool = sync.Pool{
	New: func() interface{} {
		return make([]byte, 2048)
	},
}

// meshPacket is the wire format: magic, type, sender node id, then a
// length-prefixed payload. The payload is the broadcast frame for
// meshFrame packets and the advertised address for meshAnnounce packets.
type meshPacket struct {
	Type    byte
	NodeID  [16]byte
	Payload []byte
}

func (p *meshPacket) marshal(b []byte) (int, error) {
	if len(b) < 20+len(p.Payload) {
		return 0, errMeshShortBuffer
	}
	b[0] = meshMagic
	b[1] = p.Type
	copy(b[2:18], p.NodeID[:])
	binary.BigEndian.PutUint16(b[18:20], uint16(len(p.Payload)))
	copy(b[20:], p.Payload)
	return 20 + len(p.Payload), nil
}

func (p *meshPacket) unmarshal(b []byte) error {
	if len(b) < 20 {
		return errMeshShortBuffer
	}
	if b[0] != meshMagic {
		return errMeshInvalidMagic
	}
	p.Type = b[1]
	copy(p.NodeID[:], b[2:18])
	plen := int(binary.BigEndian.Uint16(b[18:20]))
	if len(b) < 20+plen {
		return errMeshShortBuffer
	}
	p.Payload = b[20 : 20+plen]
	return nil
}
