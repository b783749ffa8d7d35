package ratelimit

import (
	"testing"

	"github.com/sirupsen/logrus"
)

func newTestLimiter() *Limiter {
	logger := logrus.New()
	logger.SetLevel(logrus.PanicLevel)
	return New(logger)
}

func TestIsAllowedUnregisteredPeer(t *testing.T) {
	l := newTestLimiter()
	allowed, reason := l.IsAllowed("unknown", "heartbeat", 10)
	if allowed {
		t.Fatal("expected unregistered peer to be denied")
	}
	if reason != "peer not registered" {
		t.Fatalf("unexpected reason: %q", reason)
	}
}

func TestIsAllowedWithinDefaults(t *testing.T) {
	l := newTestLimiter()
	l.AddPeer("peer1")
	allowed, reason := l.IsAllowed("peer1", "heartbeat", 10)
	if !allowed {
		t.Fatalf("expected first request allowed, got denial: %s", reason)
	}
}

func TestIsAllowedViolationBlocksSubsequentRequests(t *testing.T) {
	l := newTestLimiter()
	l.AddPeer("peer1")
	huge := 1e9
	if !l.UpdateLimits("peer1", &huge, &huge) {
		t.Fatal("expected UpdateLimits to succeed for registered peer")
	}

	for i := 0; i < maxRequestsPerWindow+1; i++ {
		allowed, reason := l.IsAllowed("peer1", "ping", 1)
		if !allowed {
			t.Fatalf("request %d unexpectedly denied: %s", i, reason)
		}
	}

	allowed, reason := l.IsAllowed("peer1", "ping", 1)
	if allowed {
		t.Fatal("expected request past the violation threshold to be blocked")
	}
	if reason == "" {
		t.Fatal("expected a block reason")
	}
}

func TestUpdateLimitsUnknownPeer(t *testing.T) {
	l := newTestLimiter()
	rate := 10.0
	if l.UpdateLimits("ghost", &rate, nil) {
		t.Fatal("expected UpdateLimits to fail for unregistered peer")
	}
}

func TestPeerStatsAndGlobalStats(t *testing.T) {
	l := newTestLimiter()
	l.AddPeer("peer1")
	l.IsAllowed("peer1", "heartbeat", 10)

	stats, ok := l.PeerStats("peer1")
	if !ok {
		t.Fatal("expected stats for registered peer")
	}
	if stats.RequestsInWindow != 1 {
		t.Fatalf("expected 1 request in window, got %d", stats.RequestsInWindow)
	}
	if stats.IsBlocked {
		t.Fatal("expected peer not blocked")
	}

	g := l.GlobalStats()
	if g.TotalPeers != 1 {
		t.Fatalf("expected 1 total peer, got %d", g.TotalPeers)
	}
	if g.BlockedPeers != 0 {
		t.Fatalf("expected 0 blocked peers, got %d", g.BlockedPeers)
	}
}

func TestRemovePeer(t *testing.T) {
	l := newTestLimiter()
	l.AddPeer("peer1")
	l.RemovePeer("peer1")
	if _, ok := l.PeerStats("peer1"); ok {
		t.Fatal("expected removed peer to have no stats")
	}
}
