package nodes

import (
	"context"
	"crypto/hmac"
	"crypto/sha3"
	"encoding/base64"
	"encoding/json"
	"testing"
	"time"
)

var testSecret = []byte("test-shared-secret")

func sign(t *testing.T, fields map[string]any) string {
	t.Helper()
	payload, err := json.Marshal(fields)
	if err != nil {
		t.Fatalf("marshal fields: %v", err)
	}
	mac := hmac.New(sha3.New256, testSecret)
	mac.Write(payload)
	return base64.StdEncoding.EncodeToString(mac.Sum(nil))
}

func validRegistration(t *testing.T, nonce string) RegistrationRequest {
	t.Helper()
	req := RegistrationRequest{
		NodeType:     "worker",
		Capabilities: []string{"echo"},
		Resources:    map[string]any{"cpu": float64(4)},
		Nonce:        nonce,
		Timestamp:    time.Now().Unix(),
	}
	fields := map[string]any{
		"node_type":    req.NodeType,
		"capabilities": req.Capabilities,
		"resources":    req.Resources,
		"nonce":        req.Nonce,
		"timestamp":    req.Timestamp,
	}
	req.Signature = sign(t, fields)
	return req
}

func newTestRegistry() *Registry {
	cfg := DefaultConfig()
	cfg.Secret = testSecret
	return New(cfg, nil, nil, nil)
}

func TestRegisterAssignsHealthyNode(t *testing.T) {
	r := newTestRegistry()
	node, err := r.Register(context.Background(), validRegistration(t, "n1"), nil)
	if err != nil {
		t.Fatalf("register: %v", err)
	}
	if node.State() != StateHealthy {
		t.Fatalf("expected Healthy, got %s", node.State())
	}
	if node.Reputation() != 0.5 {
		t.Fatalf("expected initial reputation 0.5, got %f", node.Reputation())
	}
}

func TestRegisterRejectsBadSignature(t *testing.T) {
	r := newTestRegistry()
	req := validRegistration(t, "n2")
	req.Signature = "not-a-real-signature"
	if _, err := r.Register(context.Background(), req, nil); err != ErrAuthFailed {
		t.Fatalf("expected ErrAuthFailed, got %v", err)
	}
}

func TestRegisterRejectsReplayedNonce(t *testing.T) {
	r := newTestRegistry()
	req := validRegistration(t, "dup-nonce")
	if _, err := r.Register(context.Background(), req, nil); err != nil {
		t.Fatalf("first register: %v", err)
	}
	if _, err := r.Register(context.Background(), req, nil); err != ErrAuthFailed {
		t.Fatalf("expected replay rejection, got %v", err)
	}
}

func TestRegisterRejectsStaleTimestamp(t *testing.T) {
	r := newTestRegistry()
	req := validRegistration(t, "n3")
	req.Timestamp = time.Now().Add(-10 * time.Minute).Unix()
	fields := map[string]any{
		"node_type": req.NodeType, "capabilities": req.Capabilities,
		"resources": req.Resources, "nonce": req.Nonce, "timestamp": req.Timestamp,
	}
	req.Signature = sign(t, fields)
	if _, err := r.Register(context.Background(), req, nil); err != ErrAuthFailed {
		t.Fatalf("expected ErrAuthFailed for stale timestamp, got %v", err)
	}
}

func TestReRegisterProducesDifferentNodeID(t *testing.T) {
	r := newTestRegistry()
	first, err := r.Register(context.Background(), validRegistration(t, "a"), nil)
	if err != nil {
		t.Fatalf("register: %v", err)
	}
	r.Disconnect(first.ID)

	second, err := r.Register(context.Background(), validRegistration(t, "b"), nil)
	if err != nil {
		t.Fatalf("register: %v", err)
	}
	if first.ID == second.ID {
		t.Fatal("expected a different node_id after re-registration")
	}
}

func TestReputationClampedToUnitInterval(t *testing.T) {
	r := newTestRegistry()
	node, _ := r.Register(context.Background(), validRegistration(t, "rep1"), nil)
	for i := 0; i < 100; i++ {
		r.UpdateReputation(node.ID, true)
	}
	if node.Reputation() > 1.0 {
		t.Fatalf("reputation exceeded 1.0: %f", node.Reputation())
	}
	for i := 0; i < 100; i++ {
		r.UpdateReputation(node.ID, false)
	}
	if node.Reputation() < 0.0 {
		t.Fatalf("reputation went below 0.0: %f", node.Reputation())
	}
}

func TestChooseNodeFiltersByCapability(t *testing.T) {
	r := newTestRegistry()
	if _, err := r.Register(context.Background(), validRegistration(t, "cap1"), nil); err != nil {
		t.Fatalf("register: %v", err)
	}
	if _, err := r.ChooseNode([]string{"shell"}, nil); err != ErrNoneAvailable {
		t.Fatalf("expected ErrNoneAvailable, got %v", err)
	}
	id, err := r.ChooseNode([]string{"echo"}, nil)
	if err != nil {
		t.Fatalf("choose node: %v", err)
	}
	if id == "" {
		t.Fatal("expected a node id")
	}
}

func TestSweepHealthTransitionsStaleThenDisconnected(t *testing.T) {
	r := newTestRegistry()
	cfg := r.cfg
	cfg.HeartbeatTimeout = time.Minute
	r.cfg = cfg

	node, err := r.Register(context.Background(), validRegistration(t, "sweep1"), nil)
	if err != nil {
		t.Fatalf("register: %v", err)
	}

	r.SweepHealth(time.Now().Add(2 * time.Minute))
	got, _ := r.Get(node.ID)
	if got.State() != StateStale {
		t.Fatalf("expected Stale, got %s", got.State())
	}

	r.SweepHealth(time.Now().Add(5 * time.Minute))
	if _, ok := r.Get(node.ID); ok {
		t.Fatal("expected node to be disconnected and removed")
	}
}
