// Package p2p implements the connection manager: the accept loop, the
// outbound dial pool, the handshake, and the maintenance/discovery
// background loops that keep a node's peer set alive.
package p2p

import (
	"encoding/json"
	"fmt"
	"net"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"synnergy-network/internal/dispatch"
	"synnergy-network/internal/errs"
	"synnergy-network/internal/identity"
	"synnergy-network/internal/metrics"
	"synnergy-network/internal/peer"
	"synnergy-network/internal/ratelimit"
	"synnergy-network/internal/tor"
	"synnergy-network/internal/wire"
	"synnergy-network/pkg/config"
)

// Manager owns the accept loop, the dial pool, and the set of active peer
// sessions keyed by node_id.
type Manager struct {
	cfg        *config.Config
	identity   *identity.Identity
	sessions   *identity.Sessions
	dispatcher *dispatch.Dispatcher
	limiter    *ratelimit.Limiter
	errHandler *errs.Handler
	metrics    *metrics.Metrics
	addrBook   *AddressBook
	logger     *logrus.Logger
	dial       func(network, address string, timeout time.Duration) (net.Conn, error)

	mu       sync.Mutex
	listener net.Listener
	peers    map[string]*peer.Session // by node_id
	pending  map[string]struct{}      // by host:port currently being dialed
	stopping bool
	stopCh   chan struct{}
	wg       sync.WaitGroup
}

// Deps bundles Manager's collaborators.
type Deps struct {
	Config     *config.Config
	Identity   *identity.Identity
	Sessions   *identity.Sessions
	Dispatcher *dispatch.Dispatcher
	Limiter    *ratelimit.Limiter
	ErrHandler *errs.Handler
	Metrics    *metrics.Metrics
	AddrBook   *AddressBook
	Logger     *logrus.Logger
	// TorSocksAddr, when non-empty, routes every outbound dial through this
	// SOCKS5 proxy address instead of dialing the network directly. Set it
	// to a running Facade's SocksAddr() to anonymize outbound connections.
	TorSocksAddr string
}

// New constructs a Manager from deps.
func New(d Deps) *Manager {
	if d.Logger == nil {
		d.Logger = logrus.New()
	}
	dial := net.DialTimeout
	if d.TorSocksAddr != "" {
		socksAddr := d.TorSocksAddr
		dial = func(network, address string, timeout time.Duration) (net.Conn, error) {
			return dialSOCKS5(socksAddr, address, timeout)
		}
	}
	return &Manager{
		cfg:        d.Config,
		identity:   d.Identity,
		sessions:   d.Sessions,
		dispatcher: d.Dispatcher,
		limiter:    d.Limiter,
		errHandler: d.ErrHandler,
		metrics:    d.Metrics,
		addrBook:   d.AddrBook,
		logger:     d.Logger,
		dial:       dial,
		peers:      make(map[string]*peer.Session),
		pending:    make(map[string]struct{}),
		stopCh:     make(chan struct{}),
	}
}

// Start binds host:port, spawns the accept loop, and spawns the
// maintain-connections and discover-peers background loops.
func (m *Manager) Start() error {
	addr := net.JoinHostPort(m.cfg.ListenHost, strconv.Itoa(m.cfg.DefaultPort))
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("p2p: listen on %s: %w", addr, err)
	}
	m.mu.Lock()
	m.listener = ln
	m.mu.Unlock()

	m.logger.WithField("addr", addr).Info("connection manager listening")

	m.wg.Add(3)
	go m.acceptLoop()
	go m.maintainConnections()
	go m.discoverPeers()
	return nil
}

// Addr returns the listener's bound address, or nil before Start.
func (m *Manager) Addr() net.Addr {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.listener == nil {
		return nil
	}
	return m.listener.Addr()
}

// Stop closes the listener, closes every session, clears internal state,
// and persists the address book.
func (m *Manager) Stop() error {
	m.mu.Lock()
	if m.stopping {
		m.mu.Unlock()
		return nil
	}
	m.stopping = true
	close(m.stopCh)
	ln := m.listener
	m.mu.Unlock()

	if ln != nil {
		ln.Close()
	}

	m.mu.Lock()
	for id, sess := range m.peers {
		sess.Close()
		delete(m.peers, id)
	}
	m.mu.Unlock()

	m.wg.Wait()

	if m.addrBook != nil {
		if err := m.addrBook.Save(); err != nil {
			m.logger.WithError(err).Warn("failed to persist address book on shutdown")
		}
	}
	return nil
}

func (m *Manager) acceptLoop() {
	defer m.wg.Done()
	for {
		conn, err := m.listener.Accept()
		if err != nil {
			select {
			case <-m.stopCh:
				return
			default:
				m.logger.WithError(err).Warn("accept failed")
				continue
			}
		}
		go m.handleInbound(conn)
	}
}

func (m *Manager) handleInbound(conn net.Conn) {
	nodeID, peerPub, err := m.performHandshake(conn)
	if err != nil {
		m.logger.WithError(err).Debug("inbound handshake failed")
		conn.Close()
		return
	}
	m.registerSession(conn, nodeID, peerPub)
}

// DialPeer connects to addr ("host:port"), performs the handshake, and
// registers the resulting session. pending suppresses concurrent duplicate
// dials to the same address.
func (m *Manager) DialPeer(addr string) bool {
	m.mu.Lock()
	if _, busy := m.pending[addr]; busy {
		m.mu.Unlock()
		return false
	}
	m.pending[addr] = struct{}{}
	m.mu.Unlock()
	defer func() {
		m.mu.Lock()
		delete(m.pending, addr)
		m.mu.Unlock()
	}()

	conn, err := m.dial("tcp", addr, m.cfg.ConnectionTimeout)
	if err != nil {
		m.logger.WithError(err).WithField("addr", addr).Debug("dial failed")
		return false
	}

	nodeID, peerPub, err := m.performHandshake(conn)
	if err != nil {
		m.logger.WithError(err).WithField("addr", addr).Debug("outbound handshake failed")
		conn.Close()
		return false
	}

	if !m.registerSession(conn, nodeID, peerPub) {
		return false
	}
	if m.addrBook != nil {
		m.addrBook.Add(addr)
	}
	m.logger.WithFields(logrus.Fields{"peer": nodeID, "addr": addr}).Info("connected to peer")
	return true
}

// performHandshake sends the local HANDSHAKE and awaits the peer's, within
// one frame pair each way, bounded by ConnectionTimeout.
func (m *Manager) performHandshake(conn net.Conn) (nodeID, peerPubPEM string, err error) {
	if m.cfg.ConnectionTimeout > 0 {
		conn.SetDeadline(time.Now().Add(m.cfg.ConnectionTimeout))
		defer conn.SetDeadline(time.Time{})
	}

	pubPEM, err := m.identity.PublicKeyPEM()
	if err != nil {
		return "", "", fmt.Errorf("p2p: local public key: %w", err)
	}
	data, err := json.Marshal(wire.HandshakeData{NodeID: m.identity.NodeID, PublicKey: string(pubPEM)})
	if err != nil {
		return "", "", fmt.Errorf("p2p: encode handshake: %w", err)
	}
	local := wire.New(wire.TypeHandshake, data, m.identity.NodeID, nowSeconds())
	if err := wire.WriteFrame(conn, local); err != nil {
		return "", "", fmt.Errorf("p2p: send handshake: %w", err)
	}

	remote, err := wire.ReadFrame(conn, m.cfg.MaxMessageSize)
	if err != nil {
		return "", "", fmt.Errorf("p2p: recv handshake: %w", err)
	}
	if remote.Type != wire.TypeHandshake {
		return "", "", fmt.Errorf("p2p: expected handshake, got %s", remote.Type)
	}
	var hs wire.HandshakeData
	if err := json.Unmarshal(remote.Data, &hs); err != nil || hs.NodeID == "" {
		return "", "", fmt.Errorf("p2p: malformed handshake payload")
	}

	if m.metrics != nil {
		m.metrics.HandshakeTotal.Inc()
	}
	return hs.NodeID, hs.PublicKey, nil
}

// registerSession establishes the crypto session (if a public key was
// offered), wraps conn as a peer.Session, and starts its read loop. A
// node_id already holding an active session causes the new connection to
// be closed instead (duplicate dial or accept closes the newer).
func (m *Manager) registerSession(conn net.Conn, nodeID, peerPubPEM string) bool {
	if peerPubPEM != "" {
		if err := m.sessions.EstablishSession(nodeID, []byte(peerPubPEM)); err != nil {
			m.logger.WithError(err).WithField("peer", nodeID).Warn("failed to establish crypto session")
		}
	}

	m.mu.Lock()
	if existing, ok := m.peers[nodeID]; ok && existing.IsActive() {
		m.mu.Unlock()
		conn.Close()
		return false
	}
	sess := peer.New(conn, nodeID, m.cfg.MaxMessageSize, m.errHandler)
	m.peers[nodeID] = sess
	m.mu.Unlock()

	if m.limiter != nil {
		m.limiter.AddPeer(nodeID)
	}
	if m.metrics != nil {
		m.metrics.PeerCount.Set(float64(m.PeerCount()))
	}

	m.wg.Add(1)
	go m.readLoop(sess)
	return true
}

func (m *Manager) readLoop(sess *peer.Session) {
	defer m.wg.Done()
	defer m.removeSession(sess.NodeID)

	for sess.IsActive() {
		msg, err := sess.Recv()
		if err != nil {
			return
		}

		if m.limiter != nil {
			allowed, reason := m.limiter.IsAllowed(sess.NodeID, string(msg.Type), len(msg.Data))
			if !allowed {
				if m.metrics != nil {
					m.metrics.RateLimitDenials.WithLabelValues(reason).Inc()
				}
				if m.errHandler != nil {
					m.errHandler.HandleError(errs.New(errs.KindRateLimit, errs.SeverityLow, reason, nil).WithPeer(sess.NodeID))
				}
				if strings.Contains(reason, "not registered") {
					return
				}
				continue
			}
		}

		if m.metrics != nil {
			m.metrics.MessagesReceived.WithLabelValues(string(msg.Type)).Inc()
			m.metrics.BytesReceived.Add(float64(len(msg.Data)))
		}

		reply, err := m.dispatcher.Dispatch(msg)
		if err != nil {
			m.logger.WithError(err).WithField("peer", sess.NodeID).Warn("dispatch failed")
			continue
		}
		if reply != nil {
			if err := sess.Send(reply); err != nil {
				return
			}
			if m.metrics != nil {
				m.metrics.MessagesSent.WithLabelValues(string(reply.Type)).Inc()
			}
		}
	}
}

func (m *Manager) removeSession(nodeID string) {
	m.mu.Lock()
	delete(m.peers, nodeID)
	m.mu.Unlock()
	if m.limiter != nil {
		m.limiter.RemovePeer(nodeID)
	}
	if m.metrics != nil {
		m.metrics.PeerCount.Set(float64(m.PeerCount()))
	}
}

// Broadcast sends msg to every active session, closing and dropping any
// session whose send fails.
func (m *Manager) Broadcast(msg *wire.Message) {
	for _, sess := range m.activeSessions() {
		if err := sess.Send(msg); err != nil {
			sess.Close()
			m.removeSession(sess.NodeID)
			continue
		}
		if m.metrics != nil {
			m.metrics.MessagesSent.WithLabelValues(string(msg.Type)).Inc()
		}
	}
}

func (m *Manager) activeSessions() []*peer.Session {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]*peer.Session, 0, len(m.peers))
	for _, s := range m.peers {
		out = append(out, s)
	}
	return out
}

// PeerCount returns the number of currently tracked sessions.
func (m *Manager) PeerCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.peers)
}

// Sessions returns a snapshot of active sessions keyed by node_id, used by
// the sync manager to pick dial/query targets.
func (m *Manager) Sessions() map[string]*peer.Session {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make(map[string]*peer.Session, len(m.peers))
	for id, s := range m.peers {
		if s.IsActive() {
			out[id] = s
		}
	}
	return out
}

// maintainConnections reaps dead or stale sessions, dials bootstrap and
// address-book nodes sequentially when the remaining count falls below
// MinPeersForSync, and persists the address book so a restart doesn't
// lose addresses learned since the last save.
func (m *Manager) maintainConnections() {
	defer m.wg.Done()
	ticker := time.NewTicker(m.cfg.PingInterval)
	defer ticker.Stop()

	for {
		select {
		case <-m.stopCh:
			return
		case <-ticker.C:
			m.reapStaleSessions()
			if m.PeerCount() < m.cfg.MinPeersForSync {
				m.dialMoreBootstrap()
			}
			if m.addrBook != nil {
				if err := m.addrBook.Save(); err != nil {
					m.logger.WithError(err).Warn("failed to persist address book")
				}
			}
		}
	}
}

func (m *Manager) reapStaleSessions() {
	for _, sess := range m.activeSessions() {
		stale := !sess.IsActive() || time.Since(sess.LastSeen()) > m.cfg.ConnectionTimeout
		if stale {
			sess.Close()
			m.removeSession(sess.NodeID)
			if m.metrics != nil {
				m.metrics.ReapedPeers.Inc()
			}
		}
	}
}

func (m *Manager) dialMoreBootstrap() {
	candidates := append([]string{}, m.cfg.BootstrapNodes...)
	if m.addrBook != nil {
		candidates = append(candidates, m.addrBook.Addrs()...)
	}
	if m.cfg.UseTor {
		for _, addr := range m.cfg.Tor.BootstrapNodes {
			if !validOnionBootstrap(addr) {
				m.logger.WithField("addr", addr).Warn("skipping malformed onion bootstrap address")
				continue
			}
			candidates = append(candidates, addr)
		}
	}
	for _, addr := range candidates {
		if m.PeerCount() >= m.cfg.MinPeersForSync {
			return
		}
		m.DialPeer(addr)
	}
}

// validOnionBootstrap reports whether addr ("<onion-id>.onion:port") has a
// syntactically valid v3 onion host.
func validOnionBootstrap(addr string) bool {
	host, _, err := net.SplitHostPort(addr)
	if err != nil {
		return false
	}
	return tor.ValidateOnionAddress(host)
}

// discoverPeers periodically sends a PEER_DISCOVERY message carrying the
// known address set to one active session.
func (m *Manager) discoverPeers() {
	defer m.wg.Done()
	ticker := time.NewTicker(m.cfg.PeerDiscoveryInterval)
	defer ticker.Stop()

	for {
		select {
		case <-m.stopCh:
			return
		case <-ticker.C:
			sessions := m.activeSessions()
			if len(sessions) == 0 {
				continue
			}
			target := sessions[0]
			known := []string{}
			if m.addrBook != nil {
				known = m.addrBook.KnownPeers()
			}
			data, err := json.Marshal(wire.PeerDiscoveryData{Peers: known})
			if err != nil {
				continue
			}
			msg := wire.New(wire.TypePeerDiscovery, data, m.identity.NodeID, nowSeconds())
			if err := target.Send(msg); err != nil {
				target.Close()
				m.removeSession(target.NodeID)
			}
		}
	}
}

func nowSeconds() float64 {
	return float64(time.Now().UnixNano()) / float64(time.Second)
}
