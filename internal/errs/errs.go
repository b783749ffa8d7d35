// Package errs implements the networking core's error taxonomy: typed
// errors carrying a kind and severity, a bounded history of recent errors,
// and a per-kind handler registry.
package errs

import (
	"fmt"
	"sync"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"
	"github.com/sirupsen/logrus"
)

// Kind identifies a category of network error.
type Kind string

const (
	KindConnection     Kind = "CONNECTION_ERROR"
	KindProtocol       Kind = "PROTOCOL_ERROR"
	KindAuthentication Kind = "AUTHENTICATION_ERROR"
	KindRateLimit      Kind = "RATE_LIMIT_ERROR"
	KindValidation     Kind = "VALIDATION_ERROR"
	KindSync           Kind = "SYNC_ERROR"
	KindPeer           Kind = "PEER_ERROR"
	KindInternal       Kind = "INTERNAL_ERROR"
)

// allKinds enumerates every Kind, used to seed zeroed counters.
var allKinds = []Kind{
	KindConnection, KindProtocol, KindAuthentication, KindRateLimit,
	KindValidation, KindSync, KindPeer, KindInternal,
}

// Severity ranks how serious an error is.
type Severity int

const (
	SeverityLow Severity = iota + 1
	SeverityMedium
	SeverityHigh
	SeverityCritical
)

func (s Severity) String() string {
	switch s {
	case SeverityLow:
		return "LOW"
	case SeverityMedium:
		return "MEDIUM"
	case SeverityHigh:
		return "HIGH"
	case SeverityCritical:
		return "CRITICAL"
	default:
		return "UNKNOWN"
	}
}

// NetworkError is the typed error carried through the networking core.
type NetworkError struct {
	Kind      Kind
	Severity  Severity
	Message   string
	Details   map[string]any
	PeerID    string
	Timestamp time.Time
}

// New builds a NetworkError with the current time as its timestamp.
func New(kind Kind, severity Severity, message string, details map[string]any) *NetworkError {
	return &NetworkError{
		Kind:      kind,
		Severity:  severity,
		Message:   message,
		Details:   details,
		Timestamp: time.Now(),
	}
}

func (e *NetworkError) Error() string {
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

// WithPeer returns a copy of e tagged with the given peer id.
func (e *NetworkError) WithPeer(peerID string) *NetworkError {
	c := *e
	c.PeerID = peerID
	return &c
}

// HandlerFunc observes an error after it has been recorded. It must never
// panic; Handler recovers and logs if it does.
type HandlerFunc func(*NetworkError)

const maxHistorySize = 1000

// Handler records, counts, and dispatches network errors to registered
// per-kind observers. It owns a bounded ring buffer of the most recent
// errors, kept via an insertion-only LRU cache so the oldest entry is
// evicted once the buffer is full.
type Handler struct {
	logger *logrus.Logger

	mu       sync.Mutex
	counts   map[Kind]int
	seq      uint64
	history  *lru.Cache[uint64, *NetworkError]
	handlers map[Kind][]HandlerFunc
}

// NewHandler constructs a Handler with the default per-kind handlers
// registered (connection, authentication, sync and peer errors log from
// HIGH, internal errors from CRITICAL, protocol and validation errors from
// MEDIUM, and rate-limit errors not at all; callers may register
// additional handlers with RegisterHandler).
func NewHandler(logger *logrus.Logger) *Handler {
	if logger == nil {
		logger = logrus.New()
	}
	cache, err := lru.New[uint64, *NetworkError](maxHistorySize)
	if err != nil {
		// Only returns an error for a non-positive size, which never happens
		// here; a panic at construction time is preferable to a silently
		// unbounded history.
		panic(err)
	}
	h := &Handler{
		logger:   logger,
		counts:   make(map[Kind]int, len(allKinds)),
		history:  cache,
		handlers: make(map[Kind][]HandlerFunc, len(allKinds)),
	}
	for _, k := range allKinds {
		h.counts[k] = 0
		h.registerDefault(k)
	}
	return h
}

func (h *Handler) registerDefault(kind Kind) {
	h.RegisterHandler(kind, func(e *NetworkError) {
		switch kind {
		case KindConnection, KindAuthentication, KindSync, KindPeer:
			if e.Severity >= SeverityHigh {
				h.logger.WithFields(logrus.Fields{"kind": e.Kind, "peer": e.PeerID}).Warn("high-severity network error")
			}
		case KindInternal:
			if e.Severity >= SeverityCritical {
				h.logger.WithFields(logrus.Fields{"kind": e.Kind}).Error("critical internal error")
			}
		case KindProtocol, KindValidation:
			if e.Severity >= SeverityMedium {
				h.logger.WithFields(logrus.Fields{"kind": e.Kind, "peer": e.PeerID}).Warn("protocol/validation error")
			}
		case KindRateLimit:
			// the rate limiter itself is responsible for acting on these.
		}
	})
}

// RegisterHandler appends handler to the list invoked for kind.
func (h *Handler) RegisterHandler(kind Kind, handler HandlerFunc) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.handlers[kind] = append(h.handlers[kind], handler)
}

// HandleError records err, updates counters and history, logs a structured
// record, and invokes every handler registered for err.Kind. Handler panics
// are recovered and logged, never propagated.
func (h *Handler) HandleError(err *NetworkError) {
	h.mu.Lock()
	h.counts[err.Kind]++
	h.seq++
	h.history.Add(h.seq, err)
	handlers := append([]HandlerFunc(nil), h.handlers[err.Kind]...)
	h.mu.Unlock()

	h.logger.WithFields(logrus.Fields{
		"kind":     err.Kind,
		"severity": err.Severity.String(),
		"peer":     err.PeerID,
		"details":  err.Details,
	}).Error(err.Message)

	for _, handler := range handlers {
		h.runHandler(handler, err)
	}
}

func (h *Handler) runHandler(handler HandlerFunc, err *NetworkError) {
	defer func() {
		if r := recover(); r != nil {
			h.logger.WithField("recover", r).Error("error handler panicked")
		}
	}()
	handler(err)
}

// RecentEvent is a compact view of a recorded error for stats reporting.
type RecentEvent struct {
	Kind      Kind      `json:"type"`
	Severity  string    `json:"severity"`
	Message   string    `json:"message"`
	Timestamp time.Time `json:"timestamp"`
}

// Stats is the snapshot returned by Stats().
type Stats struct {
	TotalErrors  int           `json:"total_errors"`
	ErrorCounts  map[Kind]int  `json:"error_counts"`
	RecentErrors []RecentEvent `json:"recent_errors"`
}

// Stats returns the total error count, per-kind counts, and the 10 most
// recent errors, newest first.
func (h *Handler) Stats() Stats {
	h.mu.Lock()
	defer h.mu.Unlock()

	counts := make(map[Kind]int, len(h.counts))
	total := 0
	for k, v := range h.counts {
		counts[k] = v
		total += v
	}

	keys := h.history.Keys() // oldest to newest
	start := 0
	if len(keys) > 10 {
		start = len(keys) - 10
	}
	recent := make([]RecentEvent, 0, len(keys)-start)
	for i := len(keys) - 1; i >= start; i-- {
		e, ok := h.history.Peek(keys[i])
		if !ok {
			continue
		}
		recent = append(recent, RecentEvent{
			Kind:      e.Kind,
			Severity:  e.Severity.String(),
			Message:   e.Message,
			Timestamp: e.Timestamp,
		})
	}

	return Stats{TotalErrors: total, ErrorCounts: counts, RecentErrors: recent}
}

// ClearHistory empties the error history and resets every counter to zero.
func (h *Handler) ClearHistory() {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.history.Purge()
	for _, k := range allKinds {
		h.counts[k] = 0
	}
}
