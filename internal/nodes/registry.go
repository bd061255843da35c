package nodes

import (
	"context"
	"crypto/hmac"
	"crypto/rand"
	"crypto/sha3"
	"crypto/subtle"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"math/rand/v2"
	"sync"
	"time"

	"github.com/puzpuzpuz/xsync/v3"

	"github.com/chimera-autarch/autarch/internal/events"
	"github.com/chimera-autarch/autarch/internal/observability"
)

var (
	// ErrAuthFailed indicates an invalid signature, replayed nonce, or
	// expired timestamp on a registration or heartbeat.
	ErrAuthFailed = errors.New("auth failed")

	// ErrNodeNotFound indicates the node doesn't exist in the registry.
	ErrNodeNotFound = errors.New("node not found")

	// ErrNoneAvailable indicates no healthy node satisfies the requested
	// capabilities.
	ErrNoneAvailable = errors.New("no healthy node available")
)

// RegistrationRequest is the payload of an inbound `register` frame.
type RegistrationRequest struct {
	NodeType     string         `json:"node_type"`
	Capabilities []string       `json:"capabilities"`
	Resources    map[string]any `json:"resources"`
	Nonce        string         `json:"nonce"`
	Timestamp    int64          `json:"timestamp"` // unix seconds
	Signature    string         `json:"signature"` // base64 HMAC-SHA3-256
}

// HeartbeatRequest is the payload of an inbound `heartbeat` frame.
type HeartbeatRequest struct {
	NodeID    NodeID         `json:"node_id"`
	Resources map[string]any `json:"resources"`
	Signature string         `json:"signature"`
}

// Config tunes the registry's health and auth policy.
type Config struct {
	HeartbeatTimeout time.Duration
	HeartbeatInterval time.Duration
	ReplayWindow     time.Duration
	ReputationUp     float64
	ReputationDown   float64
	MaxRetries       int

	// Secret authenticates registration and heartbeat signatures. Node
	// authentication only; client intents are unauthenticated at this
	// layer (spec's explicit scope note).
	Secret []byte
}

// DefaultConfig returns the documented defaults.
func DefaultConfig() Config {
	return Config{
		HeartbeatTimeout:  90 * time.Second,
		HeartbeatInterval: 30 * time.Second,
		ReplayWindow:      5 * time.Minute,
		ReputationUp:      0.02,
		ReputationDown:    0.05,
		MaxRetries:        2,
	}
}

// Registry tracks connected worker nodes: lifecycle, health, reputation,
// and reputation-weighted dispatch target selection. The hot online-node
// index is a lock-free map (puzpuzpuz/xsync), an alternative to
// mutex-guarded maps for a structure read on every dispatch.
type Registry struct {
	cfg     Config
	logger  *slog.Logger
	broker  *events.Broker
	metrics *observability.Metrics

	nodes *xsync.MapOf[NodeID, *Node]

	noncesMu sync.Mutex
	nonces   map[string]time.Time
}

// New creates a Registry. broker may be nil; if set, node_registered and
// node_disconnected events are published on state transitions. metrics may
// be nil.
func New(cfg Config, broker *events.Broker, logger *slog.Logger, metrics *observability.Metrics) *Registry {
	if logger == nil {
		logger = slog.Default()
	}
	return &Registry{
		cfg:     cfg,
		logger:  logger.With("component", "nodes.registry"),
		broker:  broker,
		metrics: metrics,
		nodes:   xsync.NewMapOf[NodeID, *Node](),
		nonces:  make(map[string]time.Time),
	}
}

// canonicalPayload produces the deterministic byte serialization that
// registration and heartbeat signatures are computed over.
func canonicalPayload(fields map[string]any) ([]byte, error) {
	return json.Marshal(fields) // Go map keys serialize alphabetically as of encoding/json's stable map ordering
}

func (r *Registry) sign(fields map[string]any) (string, error) {
	payload, err := canonicalPayload(fields)
	if err != nil {
		return "", err
	}
	mac := hmac.New(sha3.New256, r.cfg.Secret)
	mac.Write(payload)
	return base64.StdEncoding.EncodeToString(mac.Sum(nil)), nil
}

func (r *Registry) verify(fields map[string]any, signature string) bool {
	expected, err := r.sign(fields)
	if err != nil {
		return false
	}
	return subtle.ConstantTimeCompare([]byte(expected), []byte(signature)) == 1
}

// generateNodeID returns a cryptographically random, URL-safe identifier
// with at least 128 bits of entropy.
func generateNodeID() (NodeID, error) {
	buf := make([]byte, 18) // 144 bits
	if _, err := rand.Read(buf); err != nil {
		return "", fmt.Errorf("generate node id: %w", err)
	}
	return NodeID(base64.RawURLEncoding.EncodeToString(buf)), nil
}

// Register validates a registration request's signature and replay window,
// assigns a fresh node_id, and transitions the node directly to Healthy
// (its first heartbeat is implicit in a successful registration).
func (r *Registry) Register(ctx context.Context, req RegistrationRequest, conn Connection) (*Node, error) {
	now := time.Now()

	ts := time.Unix(req.Timestamp, 0)
	if now.Sub(ts) > r.cfg.ReplayWindow || ts.Sub(now) > r.cfg.ReplayWindow {
		return nil, ErrAuthFailed
	}

	fields := map[string]any{
		"node_type":    req.NodeType,
		"capabilities": req.Capabilities,
		"resources":    req.Resources,
		"nonce":        req.Nonce,
		"timestamp":    req.Timestamp,
	}
	if !r.verify(fields, req.Signature) {
		return nil, ErrAuthFailed
	}

	if !r.claimNonce(req.Nonce, now) {
		return nil, ErrAuthFailed
	}

	id, err := generateNodeID()
	if err != nil {
		return nil, err
	}

	caps := make(map[string]bool, len(req.Capabilities))
	for _, c := range req.Capabilities {
		caps[c] = true
	}

	node := newNode(id, req.NodeType, caps, req.Resources, 0.5, now, conn)
	r.nodes.Store(id, node)

	r.logger.Info("node registered", "node_id", id, "node_type", req.NodeType, "capabilities", req.Capabilities)
	if r.broker != nil {
		r.broker.PublishDefault(events.TypeNodeRegistered, map[string]any{"node_id": string(id)})
	}

	return node, nil
}

// claimNonce rejects a nonce seen within the replay window and sweeps
// expired entries opportunistically.
func (r *Registry) claimNonce(nonce string, now time.Time) bool {
	r.noncesMu.Lock()
	defer r.noncesMu.Unlock()

	for n, seenAt := range r.nonces {
		if now.Sub(seenAt) > r.cfg.ReplayWindow {
			delete(r.nonces, n)
		}
	}

	if _, seen := r.nonces[nonce]; seen {
		return false
	}
	r.nonces[nonce] = now
	return true
}

// Heartbeat validates the signature and refreshes last_heartbeat,
// transitioning Stale back to Healthy if the node had not yet exceeded its
// grace period.
func (r *Registry) Heartbeat(ctx context.Context, req HeartbeatRequest) error {
	node, ok := r.nodes.Load(req.NodeID)
	if !ok {
		return ErrNodeNotFound
	}

	fields := map[string]any{
		"node_id":   string(req.NodeID),
		"resources": req.Resources,
	}
	if !r.verify(fields, req.Signature) {
		return ErrAuthFailed
	}

	node.touch(time.Now(), req.Resources)
	return nil
}

// Get returns a node by id.
func (r *Registry) Get(id NodeID) (*Node, bool) {
	return r.nodes.Load(id)
}

// UpdateReputation adjusts a node's reputation after a task outcome,
// clamped to [0, 1].
func (r *Registry) UpdateReputation(id NodeID, success bool) {
	node, ok := r.nodes.Load(id)
	if !ok {
		return
	}
	delta := r.cfg.ReputationUp
	if !success {
		delta = -r.cfg.ReputationDown
	}
	node.addReputation(delta)
	if r.metrics != nil {
		r.metrics.SetNodeReputation(string(id), node.Reputation())
	}
}

func clamp(v, lo, hi float64) float64 {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}

// ChooseNode selects a Healthy node whose capabilities satisfy required,
// sampling with probability proportional to reputation. Ties in the
// sampling weight are not possible by construction; nodes with zero
// aggregate weight fall back to the earliest last_heartbeat.
func (r *Registry) ChooseNode(required []string, exclude map[NodeID]bool) (NodeID, error) {
	var candidates []*Node
	r.nodes.Range(func(id NodeID, n *Node) bool {
		if n.State() != StateHealthy {
			return true
		}
		if exclude != nil && exclude[id] {
			return true
		}
		if !n.HasCapabilities(required) {
			return true
		}
		candidates = append(candidates, n)
		return true
	})

	if len(candidates) == 0 {
		return "", ErrNoneAvailable
	}

	total := 0.0
	for _, n := range candidates {
		total += n.Reputation()
	}
	if total <= 0 {
		earliest := candidates[0]
		for _, n := range candidates[1:] {
			if n.LastHeartbeat().Before(earliest.LastHeartbeat()) {
				earliest = n
			}
		}
		return earliest.ID, nil
	}

	pick := rand.Float64() * total
	for _, n := range candidates {
		pick -= n.Reputation()
		if pick <= 0 {
			return n.ID, nil
		}
	}
	return candidates[len(candidates)-1].ID, nil
}

// SweepHealth transitions nodes whose heartbeat has lapsed: Healthy->Stale
// past heartbeat_timeout, Stale->Disconnected past a further
// heartbeat_timeout grace period, freeing the node_id.
func (r *Registry) SweepHealth(now time.Time) {
	var disconnected []NodeID

	r.nodes.Range(func(id NodeID, n *Node) bool {
		age := now.Sub(n.LastHeartbeat())
		switch n.State() {
		case StateHealthy:
			if age > r.cfg.HeartbeatTimeout {
				n.setState(StateStale)
				r.logger.Debug("node went stale", "node_id", id)
			}
		case StateStale:
			if age > 2*r.cfg.HeartbeatTimeout {
				disconnected = append(disconnected, id)
			}
		}
		return true
	})

	for _, id := range disconnected {
		r.disconnect(id)
	}
}

// Disconnect removes a node immediately, e.g. on transport close.
func (r *Registry) Disconnect(id NodeID) {
	r.disconnect(id)
}

func (r *Registry) disconnect(id NodeID) {
	node, ok := r.nodes.LoadAndDelete(id)
	if !ok {
		return
	}
	if node.Connection != nil {
		_ = node.Connection.Close()
	}
	r.logger.Info("node disconnected", "node_id", id)
	if r.broker != nil {
		r.broker.PublishDefault(events.TypeNodeDisconnected, map[string]any{"node_id": string(id)})
	}
}

// Count returns the number of currently tracked nodes, for diagnostics.
func (r *Registry) Count() int {
	return r.nodes.Size()
}
