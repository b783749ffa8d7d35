package p2p

import (
	"path/filepath"
	"testing"
	"time"

	"synnergy-network/internal/chain"
	"synnergy-network/internal/dispatch"
	"synnergy-network/internal/errs"
	"synnergy-network/internal/identity"
	"synnergy-network/internal/ratelimit"
	"synnergy-network/internal/wire"
	"synnergy-network/pkg/config"
)

func testConfig(t *testing.T) *config.Config {
	t.Helper()
	return &config.Config{
		NodeID:                "ignored",
		ListenHost:            "127.0.0.1",
		DefaultPort:           0,
		MaxPeers:              10,
		MinPeersForSync:       3,
		PingInterval:          50 * time.Millisecond,
		PeerDiscoveryInterval: time.Hour,
		ConnectionTimeout:     2 * time.Second,
		MaxMessageSize:        1 << 20,
		MaxBlocksPerRequest:   64,
	}
}

func newTestManager(t *testing.T) *Manager {
	t.Helper()
	id, err := identity.LoadOrGenerate(t.TempDir())
	if err != nil {
		t.Fatalf("LoadOrGenerate: %v", err)
	}
	store := chain.NewMemoryChain()
	d := dispatch.New(dispatch.Config{
		LocalNodeID: id.NodeID,
		Store:       store,
		Validator:   store,
	})
	return New(Deps{
		Config:     testConfig(t),
		Identity:   id,
		Sessions:   identity.NewSessions(id),
		Dispatcher: d,
		Limiter:    ratelimit.New(nil),
		ErrHandler: errs.NewHandler(nil),
		AddrBook:   LoadAddressBook(filepath.Join(t.TempDir(), "peers.yaml")),
	})
}

func waitForCondition(t *testing.T, timeout time.Duration, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("condition not met before timeout")
}

func TestHandshakeEstablishesSessionsOnBothSides(t *testing.T) {
	a := newTestManager(t)
	b := newTestManager(t)

	if err := a.Start(); err != nil {
		t.Fatalf("a.Start: %v", err)
	}
	defer a.Stop()
	if err := b.Start(); err != nil {
		t.Fatalf("b.Start: %v", err)
	}
	defer b.Stop()

	if ok := a.DialPeer(b.Addr().String()); !ok {
		t.Fatal("expected DialPeer to succeed")
	}

	waitForCondition(t, 2*time.Second, func() bool {
		return a.PeerCount() == 1 && b.PeerCount() == 1
	})
}

func TestDuplicateDialIsSuppressedByPendingSet(t *testing.T) {
	a := newTestManager(t)
	if err := a.Start(); err != nil {
		t.Fatalf("Start: %v", err)
	}
	defer a.Stop()

	a.mu.Lock()
	a.pending["10.0.0.1:9999"] = struct{}{}
	a.mu.Unlock()

	if ok := a.DialPeer("10.0.0.1:9999"); ok {
		t.Fatal("expected dial to an already-pending address to be suppressed")
	}
}

func TestBroadcastReachesConnectedPeer(t *testing.T) {
	a := newTestManager(t)
	b := newTestManager(t)
	if err := a.Start(); err != nil {
		t.Fatalf("a.Start: %v", err)
	}
	defer a.Stop()
	if err := b.Start(); err != nil {
		t.Fatalf("b.Start: %v", err)
	}
	defer b.Stop()

	if ok := a.DialPeer(b.Addr().String()); !ok {
		t.Fatal("expected DialPeer to succeed")
	}
	waitForCondition(t, 2*time.Second, func() bool { return a.PeerCount() == 1 && b.PeerCount() == 1 })

	b.mu.Lock()
	inbound := b.peers[a.identity.NodeID]
	b.mu.Unlock()
	before := inbound.LastSeen()
	time.Sleep(5 * time.Millisecond)

	msg := wire.New(wire.TypeHeartbeat, []byte("{}"), a.identity.NodeID, nowSeconds())
	a.Broadcast(msg)

	waitForCondition(t, 2*time.Second, func() bool {
		return inbound.LastSeen().After(before)
	})
}
