// Package sync implements the single-flight chain-sync state machine:
// height discovery across active peers, block backfill in bounded
// batches, and progress tracking.
package sync

import (
	"encoding/json"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"synnergy-network/internal/chain"
	"synnergy-network/internal/errs"
	"synnergy-network/internal/metrics"
	"synnergy-network/internal/peer"
	"synnergy-network/internal/wire"
	"synnergy-network/pkg/config"
)

// PeerSessions supplies the set of currently active peer sessions the sync
// manager may query and pull blocks from.
type PeerSessions interface {
	Sessions() map[string]*peer.Session
}

// Manager drives should_sync / sync_blockchain as a periodic background
// task. Exactly one sync run is active at a time across the node.
type Manager struct {
	cfg         *config.Config
	localNodeID string
	store       chain.BlockchainStore
	validator   chain.Validator
	peers       PeerSessions
	metrics     *metrics.Metrics
	errHandler  *errs.Handler
	logger      *logrus.Logger

	mu           sync.Mutex
	isSyncing    bool
	lastSync     time.Time
	syncHeight   uint64
	targetHeight uint64
	syncPeers    []string

	pendingMu    sync.Mutex
	pendingChain map[string]chan wire.ChainResponseData
	pendingBlock map[string]chan wire.BlockResponseData

	stopCh chan struct{}
	wg     sync.WaitGroup
}

// Deps bundles Manager's collaborators.
type Deps struct {
	Config      *config.Config
	LocalNodeID string
	Store       chain.BlockchainStore
	Validator   chain.Validator
	Peers       PeerSessions
	Metrics     *metrics.Metrics
	ErrHandler  *errs.Handler
	Logger      *logrus.Logger
}

// New constructs a Manager from deps.
func New(d Deps) *Manager {
	if d.Logger == nil {
		d.Logger = logrus.New()
	}
	return &Manager{
		cfg:          d.Config,
		localNodeID:  d.LocalNodeID,
		store:        d.Store,
		validator:    d.Validator,
		peers:        d.Peers,
		metrics:      d.Metrics,
		errHandler:   d.ErrHandler,
		logger:       d.Logger,
		pendingChain: make(map[string]chan wire.ChainResponseData),
		pendingBlock: make(map[string]chan wire.BlockResponseData),
		stopCh:       make(chan struct{}),
	}
}

// SetPeers wires the peer-session source after construction, for callers
// that build the connection manager (itself a PeerSessions implementation)
// only after the sync manager it depends on.
func (m *Manager) SetPeers(peers PeerSessions) {
	m.mu.Lock()
	m.peers = peers
	m.mu.Unlock()
}

// Start spawns the periodic sync loop (period = PeerDiscoveryInterval).
func (m *Manager) Start() {
	m.wg.Add(1)
	go m.loop()
}

// Stop signals the periodic loop to exit and waits for it to finish.
func (m *Manager) Stop() {
	close(m.stopCh)
	m.wg.Wait()
}

func (m *Manager) loop() {
	defer m.wg.Done()
	ticker := time.NewTicker(m.cfg.PeerDiscoveryInterval)
	defer ticker.Stop()

	for {
		select {
		case <-m.stopCh:
			return
		case <-ticker.C:
			if m.ShouldSync() {
				if err := m.SyncOnce(); err != nil {
					m.logger.WithError(err).Warn("sync run failed")
					if m.errHandler != nil {
						m.errHandler.HandleError(errs.New(errs.KindSync, errs.SeverityMedium, err.Error(), nil))
					}
				}
			}
		}
	}
}

// ShouldSync reports whether a new sync run should start: enough time has
// elapsed since the last run, enough peers are active, and no run is
// currently in progress.
func (m *Manager) ShouldSync() bool {
	sessions := m.peers.Sessions()

	m.mu.Lock()
	defer m.mu.Unlock()
	if m.isSyncing {
		return false
	}
	if len(sessions) < m.cfg.MinPeersForSync {
		return false
	}
	return time.Since(m.lastSync) >= m.cfg.PeerDiscoveryInterval
}

// SyncOnce runs one sync attempt: query every active peer's height, pick
// the highest, and backfill from it if it exceeds the local height. It is
// idempotent against concurrent invocation: a run already in progress
// causes this call to return immediately.
func (m *Manager) SyncOnce() error {
	m.mu.Lock()
	if m.isSyncing {
		m.mu.Unlock()
		return nil
	}
	m.isSyncing = true
	m.mu.Unlock()
	if m.metrics != nil {
		m.metrics.SyncInProgress.Set(1)
	}

	defer func() {
		m.mu.Lock()
		m.isSyncing = false
		m.lastSync = time.Now()
		m.mu.Unlock()
		if m.metrics != nil {
			m.metrics.SyncInProgress.Set(0)
		}
	}()

	sessions := m.peers.Sessions()
	peerIDs := make([]string, 0, len(sessions))
	for id := range sessions {
		peerIDs = append(peerIDs, id)
	}
	sort.Strings(peerIDs) // stable tie-break ordering by node_id

	m.mu.Lock()
	m.syncPeers = peerIDs
	m.mu.Unlock()

	heights := m.queryHeights(sessions, peerIDs)
	if len(heights) == 0 {
		return nil
	}

	bestPeer := ""
	bestHeight := -1
	for _, id := range peerIDs {
		if h, ok := heights[id]; ok && h > bestHeight {
			bestHeight, bestPeer = h, id
		}
	}
	if bestPeer == "" || uint64(bestHeight) <= m.store.Height() {
		return nil
	}

	m.mu.Lock()
	m.targetHeight = uint64(bestHeight)
	m.mu.Unlock()
	if m.metrics != nil {
		m.metrics.TargetHeight.Set(float64(bestHeight))
	}

	return m.syncFrom(bestPeer, sessions[bestPeer], bestHeight)
}

// queryHeights sends CHAIN_REQUEST to each session and awaits one reply
// each, bounded by ConnectionTimeout. A per-peer failure is logged and
// skipped rather than aborting the whole query round.
func (m *Manager) queryHeights(sessions map[string]*peer.Session, order []string) map[string]int {
	heights := make(map[string]int, len(sessions))
	for _, nodeID := range order {
		sess := sessions[nodeID]
		reqID := uuid.New()
		ch := make(chan wire.ChainResponseData, 1)
		m.pendingMu.Lock()
		m.pendingChain[nodeID] = ch
		m.pendingMu.Unlock()

		data, _ := json.Marshal(struct{}{})
		msg := wire.New(wire.TypeChainRequest, data, m.localNodeID, nowSeconds())
		if err := sess.Send(msg); err != nil {
			m.logger.WithError(err).WithField("peer", nodeID).Debug("chain_request send failed")
			m.clearPendingChain(nodeID)
			continue
		}

		select {
		case resp := <-ch:
			heights[nodeID] = resp.Chain.Height
		case <-time.After(m.cfg.ConnectionTimeout):
			m.logger.WithFields(logrus.Fields{"peer": nodeID, "request_id": reqID}).Warn("chain_request timed out")
		}
		m.clearPendingChain(nodeID)
	}
	return heights
}

// syncFrom backfills blocks from nodeID in MaxBlocksPerRequest-sized
// batches until the local store reaches target or a run is aborted. On any
// validation or ordering failure the run stops immediately; the store
// remains at the last successfully appended height, never partially
// advanced past a bad batch.
func (m *Manager) syncFrom(nodeID string, sess *peer.Session, target int) error {
	for m.store.Height() < uint64(target) && m.stillSyncing() {
		start := m.store.Height() + 1
		end := start + uint64(m.cfg.MaxBlocksPerRequest) - 1
		if end > uint64(target) {
			end = uint64(target)
		}

		reqID := uuid.New()
		ch := make(chan wire.BlockResponseData, 1)
		m.pendingMu.Lock()
		m.pendingBlock[nodeID] = ch
		m.pendingMu.Unlock()

		data, err := json.Marshal(wire.BlockRequestData{StartHeight: int(start), EndHeight: int(end)})
		if err != nil {
			m.clearPendingBlock(nodeID)
			return fmt.Errorf("sync: encode block_request: %w", err)
		}
		msg := wire.New(wire.TypeBlockRequest, data, m.localNodeID, nowSeconds())
		if err := sess.Send(msg); err != nil {
			m.clearPendingBlock(nodeID)
			return fmt.Errorf("sync: send block_request to %s: %w", nodeID, err)
		}

		var resp wire.BlockResponseData
		select {
		case resp = <-ch:
		case <-time.After(m.cfg.ConnectionTimeout):
			m.clearPendingBlock(nodeID)
			return fmt.Errorf("sync: block_request to %s (id=%s) timed out", nodeID, reqID)
		}
		m.clearPendingBlock(nodeID)

		blocks := make([]*chain.Block, 0, len(resp.Blocks))
		for _, raw := range resp.Blocks {
			var b chain.Block
			if err := json.Unmarshal(raw, &b); err != nil {
				return fmt.Errorf("sync: decode block from %s: %w", nodeID, err)
			}
			blocks = append(blocks, &b)
		}
		if len(blocks) == 0 {
			return fmt.Errorf("sync: %s returned no blocks for range [%d,%d]", nodeID, start, end)
		}
		sort.Slice(blocks, func(i, j int) bool { return blocks[i].Header.Height < blocks[j].Header.Height })

		for _, b := range blocks {
			if m.validator != nil {
				if err := m.validator.ValidateBlock(b); err != nil {
					return fmt.Errorf("sync: validate block %d from %s: %w", b.Header.Height, nodeID, err)
				}
			}
			if err := m.store.AddBlock(b); err != nil {
				return fmt.Errorf("sync: append block %d from %s: %w", b.Header.Height, nodeID, err)
			}
			m.mu.Lock()
			m.syncHeight = b.Header.Height
			m.mu.Unlock()
			if m.metrics != nil {
				m.metrics.SyncHeight.Set(float64(b.Header.Height))
			}
		}
	}
	return nil
}

func (m *Manager) stillSyncing() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.isSyncing
}

func (m *Manager) clearPendingChain(nodeID string) {
	m.pendingMu.Lock()
	delete(m.pendingChain, nodeID)
	m.pendingMu.Unlock()
}

func (m *Manager) clearPendingBlock(nodeID string) {
	m.pendingMu.Lock()
	delete(m.pendingBlock, nodeID)
	m.pendingMu.Unlock()
}

// DeliverChainResponse implements dispatch.SyncFeed: it hands a
// CHAIN_RESPONSE payload to the goroutine awaiting a reply from nodeID, if
// any is currently waiting.
func (m *Manager) DeliverChainResponse(nodeID string, data wire.ChainResponseData) {
	m.pendingMu.Lock()
	ch, ok := m.pendingChain[nodeID]
	m.pendingMu.Unlock()
	if !ok {
		return
	}
	select {
	case ch <- data:
	default:
	}
}

// DeliverBlockResponse implements dispatch.SyncFeed: it hands a
// BLOCK_RESPONSE payload to the goroutine awaiting a reply from nodeID, if
// any is currently waiting.
func (m *Manager) DeliverBlockResponse(nodeID string, data wire.BlockResponseData) {
	m.pendingMu.Lock()
	ch, ok := m.pendingBlock[nodeID]
	m.pendingMu.Unlock()
	if !ok {
		return
	}
	select {
	case ch <- data:
	default:
	}
}

// Progress is the telemetry snapshot of the current or last sync run.
type Progress struct {
	IsSyncing    bool
	SyncHeight   uint64
	TargetHeight uint64
	SyncPeers    []string
	LastSync     time.Time
}

// Progress returns the current sync progress snapshot.
func (m *Manager) Progress() Progress {
	m.mu.Lock()
	defer m.mu.Unlock()
	return Progress{
		IsSyncing:    m.isSyncing,
		SyncHeight:   m.syncHeight,
		TargetHeight: m.targetHeight,
		SyncPeers:    append([]string(nil), m.syncPeers...),
		LastSync:     m.lastSync,
	}
}

func nowSeconds() float64 {
	return float64(time.Now().UnixNano()) / float64(time.Second)
}
