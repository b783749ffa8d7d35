package ratelimit

import (
	"fmt"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
)

const (
	defaultMessageRate   = 100.0             // messages per second
	defaultBandwidthRate = 1024 * 1024.0     // bytes per second
	burstMultiplier      = 2.0               // allowed burst over the steady rate
	requestWindow        = 60 * time.Second  // sliding window for frequency checks
	maxRequestsPerWindow = 1000              // violation threshold within the window
	blockDuration        = 300 * time.Second // first-offense block duration
	historyHardCap       = 4000              // defensive cap independent of the window prune
)

type requestEvent struct {
	at   time.Time
	size int
}

// PeerLimits holds the rate-limiting state for a single peer: its two token
// buckets, a time-windowed request history, and any active block.
type PeerLimits struct {
	NodeID           string
	MessageBucket    *Bucket
	BandwidthBucket  *Bucket

	mu           sync.Mutex
	history      []requestEvent
	blockedUntil time.Time
}

func newPeerLimits(nodeID string) *PeerLimits {
	return &PeerLimits{
		NodeID:          nodeID,
		MessageBucket:   NewBucket(defaultMessageRate*burstMultiplier, defaultMessageRate),
		BandwidthBucket: NewBucket(defaultBandwidthRate*burstMultiplier, defaultBandwidthRate),
	}
}

// Limiter manages per-peer and global rate limiting for network operations.
type Limiter struct {
	logger *logrus.Logger

	mu    sync.RWMutex
	peers map[string]*PeerLimits

	globalMessageBucket   *Bucket
	globalBandwidthBucket *Bucket
}

// New constructs a Limiter with global buckets scaled to 10x the per-peer
// defaults, matching the source's combined-traffic headroom.
func New(logger *logrus.Logger) *Limiter {
	if logger == nil {
		logger = logrus.New()
	}
	return &Limiter{
		logger:                logger,
		peers:                 make(map[string]*PeerLimits),
		globalMessageBucket:   NewBucket(defaultMessageRate*burstMultiplier*10, defaultMessageRate*10),
		globalBandwidthBucket: NewBucket(defaultBandwidthRate*burstMultiplier*10, defaultBandwidthRate*10),
	}
}

// AddPeer registers node_id for rate limiting with default buckets. It is a
// no-op if the peer is already registered.
func (l *Limiter) AddPeer(nodeID string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if _, ok := l.peers[nodeID]; ok {
		return
	}
	l.peers[nodeID] = newPeerLimits(nodeID)
	l.logger.WithField("peer", nodeID).Info("added rate limits for peer")
}

// RemovePeer discards nodeID's rate-limit state.
func (l *Limiter) RemovePeer(nodeID string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	delete(l.peers, nodeID)
}

// IsAllowed implements the five-step admission check: registration, block
// status, global buckets, peer buckets, then frequency tracking.
func (l *Limiter) IsAllowed(nodeID, messageType string, size int) (bool, string) {
	l.mu.RLock()
	peer, ok := l.peers[nodeID]
	l.mu.RUnlock()
	if !ok {
		return false, "peer not registered"
	}

	now := time.Now()

	peer.mu.Lock()
	if peer.blockedUntil.After(now) {
		remaining := peer.blockedUntil.Sub(now).Seconds()
		peer.mu.Unlock()
		return false, fmt.Sprintf("blocked for %.1f seconds", remaining)
	}
	peer.mu.Unlock()

	if !l.globalMessageBucket.Consume(1) {
		return false, "global message rate limit exceeded"
	}
	if !l.globalBandwidthBucket.Consume(float64(size)) {
		return false, "global bandwidth limit exceeded"
	}

	if !peer.MessageBucket.Consume(1) {
		return false, "peer message rate limit exceeded"
	}
	if !peer.BandwidthBucket.Consume(float64(size)) {
		return false, "peer bandwidth limit exceeded"
	}

	peer.mu.Lock()
	peer.history = append(peer.history, requestEvent{at: now, size: size})
	if len(peer.history) > historyHardCap {
		peer.history = peer.history[len(peer.history)-historyHardCap:]
	}
	l.checkRequestFrequency(peer, now)
	peer.mu.Unlock()

	return true, ""
}

// checkRequestFrequency prunes history older than the sliding window and
// blocks the peer if the remaining count exceeds the threshold. Callers
// must hold peer.mu.
func (l *Limiter) checkRequestFrequency(peer *PeerLimits, now time.Time) {
	windowStart := now.Add(-requestWindow)
	i := 0
	for ; i < len(peer.history); i++ {
		if !peer.history[i].at.Before(windowStart) {
			break
		}
	}
	if i > 0 {
		peer.history = peer.history[i:]
	}

	if len(peer.history) > maxRequestsPerWindow {
		l.blockPeerLocked(peer, now)
	}
}

// blockPeerLocked sets or extends peer.blockedUntil. Re-blocking a
// still-blocked peer doubles the remaining duration; a fresh block lasts
// blockDuration. Callers must hold peer.mu.
func (l *Limiter) blockPeerLocked(peer *PeerLimits, now time.Time) {
	if peer.blockedUntil.After(now) {
		remaining := peer.blockedUntil.Sub(now)
		peer.blockedUntil = now.Add(remaining * 2)
	} else {
		peer.blockedUntil = now.Add(blockDuration)
	}
	l.logger.WithFields(logrus.Fields{
		"peer":     peer.NodeID,
		"duration": peer.blockedUntil.Sub(now).String(),
	}).Warn("blocked peer for rate limit violations")
}

// UpdateLimits replaces a peer's buckets with fresh ones at the given
// rates, refilled to capacity. It reports false if the peer is unknown.
func (l *Limiter) UpdateLimits(nodeID string, messageRate, bandwidthRate *float64) bool {
	l.mu.RLock()
	peer, ok := l.peers[nodeID]
	l.mu.RUnlock()
	if !ok {
		return false
	}
	if messageRate != nil {
		peer.MessageBucket = NewBucket(*messageRate*burstMultiplier, *messageRate)
	}
	if bandwidthRate != nil {
		peer.BandwidthBucket = NewBucket(*bandwidthRate*burstMultiplier, *bandwidthRate)
	}
	l.logger.WithField("peer", nodeID).Info("updated rate limits for peer")
	return true
}

// PeerStats is the snapshot returned by PeerStats.
type PeerStats struct {
	NodeID            string  `json:"node_id"`
	MessageTokens     float64 `json:"message_tokens"`
	BandwidthTokens   float64 `json:"bandwidth_tokens"`
	RequestsInWindow  int     `json:"requests_in_window"`
	IsBlocked         bool    `json:"is_blocked"`
	BlockRemainingSec float64 `json:"block_remaining"`
}

// PeerStats returns current rate-limiting statistics for nodeID, or false
// if the peer is not registered.
func (l *Limiter) PeerStats(nodeID string) (PeerStats, bool) {
	l.mu.RLock()
	peer, ok := l.peers[nodeID]
	l.mu.RUnlock()
	if !ok {
		return PeerStats{}, false
	}

	now := time.Now()
	peer.mu.Lock()
	requestsInWindow := len(peer.history)
	blocked := peer.blockedUntil.After(now)
	remaining := 0.0
	if blocked {
		remaining = peer.blockedUntil.Sub(now).Seconds()
	}
	peer.mu.Unlock()

	return PeerStats{
		NodeID:            nodeID,
		MessageTokens:     peer.MessageBucket.Tokens(),
		BandwidthTokens:   peer.BandwidthBucket.Tokens(),
		RequestsInWindow:  requestsInWindow,
		IsBlocked:         blocked,
		BlockRemainingSec: remaining,
	}, true
}

// GlobalStats is the snapshot returned by GlobalStats.
type GlobalStats struct {
	GlobalMessageTokens   float64 `json:"global_message_tokens"`
	GlobalBandwidthTokens float64 `json:"global_bandwidth_tokens"`
	TotalPeers            int     `json:"total_peers"`
	BlockedPeers          int     `json:"blocked_peers"`
}

// GlobalStats returns current global rate-limiting statistics.
func (l *Limiter) GlobalStats() GlobalStats {
	l.mu.RLock()
	defer l.mu.RUnlock()

	now := time.Now()
	blocked := 0
	for _, p := range l.peers {
		p.mu.Lock()
		if p.blockedUntil.After(now) {
			blocked++
		}
		p.mu.Unlock()
	}

	return GlobalStats{
		GlobalMessageTokens:   l.globalMessageBucket.Tokens(),
		GlobalBandwidthTokens: l.globalBandwidthBucket.Tokens(),
		TotalPeers:            len(l.peers),
		BlockedPeers:          blocked,
	}
}
