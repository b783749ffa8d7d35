// Package dispatch routes incoming wire.Message values to per-type
// handlers and produces the reply (if any) the caller should send back.
package dispatch

import (
	"encoding/json"
	"fmt"
	"time"

	"synnergy-network/internal/chain"
	"synnergy-network/internal/errs"
	"synnergy-network/internal/wire"
)

// PeerDirectory is the known-peer-address collaborator used by the
// PEER_DISCOVERY/PEER_LIST handlers.
type PeerDirectory interface {
	KnownPeers() []string
	MergePeers(peers []string)
}

// SyncFeed receives CHAIN_RESPONSE/BLOCK_RESPONSE payloads on behalf of the
// sync manager, which owns request/reply correlation.
type SyncFeed interface {
	DeliverChainResponse(nodeID string, data wire.ChainResponseData)
	DeliverBlockResponse(nodeID string, data wire.BlockResponseData)
}

// handlerFunc processes a message's Data and returns the reply payload (nil
// for no reply) plus an error that, if non-nil, becomes an ERROR reply.
type handlerFunc func(msg *wire.Message) (*wire.Message, error)

// Dispatcher holds the eleven message-type handlers and their shared
// collaborators.
type Dispatcher struct {
	localNodeID string
	store       chain.BlockchainStore
	validator   chain.Validator
	peers       PeerDirectory
	sync        SyncFeed
	errHandler  *errs.Handler
	onHandshake func(nodeID, publicKeyPEM string)

	handlers map[wire.Type]handlerFunc
}

// Config bundles Dispatcher's collaborators. Validator, Peers, Sync,
// ErrHandler, and OnHandshake may be nil; the corresponding handlers
// degrade to no-ops or pass-throughs.
type Config struct {
	LocalNodeID string
	Store       chain.BlockchainStore
	Validator   chain.Validator
	Peers       PeerDirectory
	Sync        SyncFeed
	ErrHandler  *errs.Handler
	OnHandshake func(nodeID, publicKeyPEM string)
}

// New builds a Dispatcher wired with cfg's collaborators.
func New(cfg Config) *Dispatcher {
	d := &Dispatcher{
		localNodeID: cfg.LocalNodeID,
		store:       cfg.Store,
		validator:   cfg.Validator,
		peers:       cfg.Peers,
		sync:        cfg.Sync,
		errHandler:  cfg.ErrHandler,
		onHandshake: cfg.OnHandshake,
	}
	d.handlers = map[wire.Type]handlerFunc{
		wire.TypeHandshake:     d.handleHandshake,
		wire.TypeBlock:         d.handleBlock,
		wire.TypeTransaction:   d.handleTransaction,
		wire.TypePeerDiscovery: d.handlePeerDiscovery,
		wire.TypePeerList:      d.handlePeerList,
		wire.TypeHeartbeat:     d.handleHeartbeat,
		wire.TypeChainRequest:  d.handleChainRequest,
		wire.TypeChainResponse: d.handleChainResponse,
		wire.TypeBlockRequest:  d.handleBlockRequest,
		wire.TypeBlockResponse: d.handleBlockResponse,
		wire.TypeError:         d.handleError,
	}
	return d
}

// Dispatch routes msg to its handler and returns the reply to send, if any.
// Handler errors and panics are both converted into an ERROR reply rather
// than propagated; Dispatch itself only returns an error for conditions
// that prevent building even an ERROR reply (none today).
func (d *Dispatcher) Dispatch(msg *wire.Message) (reply *wire.Message, err error) {
	defer func() {
		if r := recover(); r != nil {
			reply = d.errorReply(msg, fmt.Errorf("handler panic: %v", r))
		}
	}()

	handler, ok := d.handlers[msg.Type]
	if !ok {
		return d.errorReply(msg, fmt.Errorf("unknown message type: %s", msg.Type)), nil
	}
	resp, herr := handler(msg)
	if herr != nil {
		return d.errorReply(msg, herr), nil
	}
	return resp, nil
}

func (d *Dispatcher) errorReply(msg *wire.Message, cause error) *wire.Message {
	if d.errHandler != nil {
		d.errHandler.HandleError(errs.New(errs.KindProtocol, errs.SeverityMedium, cause.Error(), nil).WithPeer(msg.Sender))
	}
	data, _ := json.Marshal(wire.ErrorData{Error: cause.Error()})
	return wire.New(wire.TypeError, data, d.localNodeID, msg.Timestamp)
}

func (d *Dispatcher) reply(t wire.Type, payload any, msg *wire.Message) (*wire.Message, error) {
	data, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("dispatch: encode %s reply: %w", t, err)
	}
	return wire.New(t, data, d.localNodeID, msg.Timestamp), nil
}

func (d *Dispatcher) handleHandshake(msg *wire.Message) (*wire.Message, error) {
	var hs wire.HandshakeData
	if err := json.Unmarshal(msg.Data, &hs); err != nil || hs.NodeID == "" {
		return nil, fmt.Errorf("dispatch: missing node_id in handshake")
	}
	if d.onHandshake != nil {
		d.onHandshake(hs.NodeID, hs.PublicKey)
	}
	return d.reply(wire.TypeHandshake, wire.HandshakeData{NodeID: d.localNodeID}, msg)
}

func (d *Dispatcher) handleBlock(msg *wire.Message) (*wire.Message, error) {
	if d.store == nil {
		return nil, nil
	}
	var b chain.Block
	if err := json.Unmarshal(msg.Data, &b); err != nil {
		return nil, fmt.Errorf("dispatch: decode block: %w", err)
	}
	if d.validator != nil {
		if err := d.validator.ValidateBlock(&b); err != nil {
			return nil, fmt.Errorf("dispatch: invalid block: %w", err)
		}
	}
	if err := d.store.AddBlock(&b); err != nil {
		return nil, fmt.Errorf("dispatch: add block: %w", err)
	}
	return nil, nil
}

func (d *Dispatcher) handleTransaction(msg *wire.Message) (*wire.Message, error) {
	if d.store == nil {
		return nil, nil
	}
	var tx chain.Transaction
	if err := json.Unmarshal(msg.Data, &tx); err != nil {
		return nil, fmt.Errorf("dispatch: decode transaction: %w", err)
	}
	if d.validator != nil {
		if err := d.validator.ValidateTransaction(tx); err != nil {
			return nil, fmt.Errorf("dispatch: invalid transaction: %w", err)
		}
	}
	if err := d.store.AddTransaction(tx); err != nil {
		return nil, fmt.Errorf("dispatch: add transaction: %w", err)
	}
	return nil, nil
}

func (d *Dispatcher) handlePeerDiscovery(msg *wire.Message) (*wire.Message, error) {
	var req wire.PeerDiscoveryData
	if err := json.Unmarshal(msg.Data, &req); err != nil {
		return nil, fmt.Errorf("dispatch: decode peer_discovery: %w", err)
	}
	known := []string{}
	if d.peers != nil {
		d.peers.MergePeers(req.Peers)
		known = d.peers.KnownPeers()
	}
	return d.reply(wire.TypePeerList, wire.PeerDiscoveryData{Peers: known}, msg)
}

func (d *Dispatcher) handlePeerList(msg *wire.Message) (*wire.Message, error) {
	var list wire.PeerDiscoveryData
	if err := json.Unmarshal(msg.Data, &list); err != nil {
		return nil, fmt.Errorf("dispatch: decode peer_list: %w", err)
	}
	if d.peers != nil {
		d.peers.MergePeers(list.Peers)
	}
	return nil, nil
}

func (d *Dispatcher) handleHeartbeat(msg *wire.Message) (*wire.Message, error) {
	// last_seen is advanced by peer.Session on every successful recv,
	// independent of message type; nothing else to update here.
	return d.reply(wire.TypeHeartbeat, struct{}{}, msg)
}

func (d *Dispatcher) handleChainRequest(msg *wire.Message) (*wire.Message, error) {
	height := 0
	if d.store != nil {
		height = int(d.store.Height())
	}
	return d.reply(wire.TypeChainResponse, wire.ChainResponseData{Chain: wire.ChainResponseSummary{Height: height}}, msg)
}

func (d *Dispatcher) handleChainResponse(msg *wire.Message) (*wire.Message, error) {
	var resp wire.ChainResponseData
	if err := json.Unmarshal(msg.Data, &resp); err != nil {
		return nil, fmt.Errorf("dispatch: decode chain_response: %w", err)
	}
	if d.sync != nil {
		d.sync.DeliverChainResponse(msg.Sender, resp)
	}
	return nil, nil
}

func (d *Dispatcher) handleBlockRequest(msg *wire.Message) (*wire.Message, error) {
	var req wire.BlockRequestData
	if err := json.Unmarshal(msg.Data, &req); err != nil {
		return nil, fmt.Errorf("dispatch: decode block_request: %w", err)
	}
	blocks := []json.RawMessage{}
	if d.store != nil {
		found, err := d.store.BlocksInRange(uint64(req.StartHeight), uint64(req.EndHeight))
		if err != nil {
			return nil, fmt.Errorf("dispatch: read blocks [%d,%d]: %w", req.StartHeight, req.EndHeight, err)
		}
		for _, b := range found {
			raw, err := json.Marshal(b)
			if err != nil {
				return nil, fmt.Errorf("dispatch: encode block at height %d: %w", b.Header.Height, err)
			}
			blocks = append(blocks, raw)
		}
	}
	return d.reply(wire.TypeBlockResponse, wire.BlockResponseData{Blocks: blocks}, msg)
}

func (d *Dispatcher) handleBlockResponse(msg *wire.Message) (*wire.Message, error) {
	var resp wire.BlockResponseData
	if err := json.Unmarshal(msg.Data, &resp); err != nil {
		return nil, fmt.Errorf("dispatch: decode block_response: %w", err)
	}
	if d.sync != nil {
		d.sync.DeliverBlockResponse(msg.Sender, resp)
	}
	return nil, nil
}

func (d *Dispatcher) handleError(msg *wire.Message) (*wire.Message, error) {
	var errData wire.ErrorData
	_ = json.Unmarshal(msg.Data, &errData)
	if d.errHandler != nil {
		d.errHandler.HandleError(errs.New(errs.KindProtocol, errs.SeverityLow, errData.Error, nil).WithPeer(msg.Sender))
	}
	return nil, nil
}

// now returns the current time as seconds since epoch, as a float, matching
// the wire schema's `timestamp` field. p2p and sync each define their own
// equivalent nowSeconds helper rather than calling this one.
func now() float64 {
	return float64(time.Now().UnixNano()) / float64(time.Second)
}
