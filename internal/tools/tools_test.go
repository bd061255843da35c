package tools

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/santhosh-tekuri/jsonschema/v5"

	"github.com/chimera-autarch/autarch/internal/apperr"
)

type fakeTool struct {
	name    string
	version string
	deps    []string
	schema  *jsonschema.Schema
	delay   time.Duration
	err     error
	panics  bool
	result  json.RawMessage
}

func (f *fakeTool) Name() string                  { return f.name }
func (f *fakeTool) Version() string                { return f.version }
func (f *fakeTool) Dependencies() []string         { return f.deps }
func (f *fakeTool) Schema() *jsonschema.Schema     { return f.schema }

func (f *fakeTool) Execute(ctx context.Context, args json.RawMessage) (json.RawMessage, error) {
	if f.panics {
		panic("simulated panic")
	}
	if f.delay > 0 {
		select {
		case <-time.After(f.delay):
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	if f.err != nil {
		return nil, f.err
	}
	if f.result == nil {
		return json.RawMessage(`{}`), nil
	}
	return f.result, nil
}

func TestRegisterRejectsNonGreaterVersion(t *testing.T) {
	r := NewRegistry(nil, nil, nil)
	if err := r.Register(&fakeTool{name: "probe", version: "1.2.0"}); err != nil {
		t.Fatalf("initial register: %v", err)
	}
	if err := r.Register(&fakeTool{name: "probe", version: "1.2.0"}); err == nil {
		t.Fatal("expected rejection of equal version")
	}
	if err := r.Register(&fakeTool{name: "probe", version: "1.1.9"}); err == nil {
		t.Fatal("expected rejection of lesser version")
	}
	var aerr *apperr.AutarchError
	err := r.Register(&fakeTool{name: "probe", version: "1.1.9"})
	if !errors.As(err, &aerr) || aerr.Kind != apperr.KindProtocolError {
		t.Fatalf("expected KindProtocolError, got %v", err)
	}
	if err := r.Register(&fakeTool{name: "probe", version: "1.3.0"}); err != nil {
		t.Fatalf("expected strictly-greater version to be accepted: %v", err)
	}
}

func TestExecuteUnknownTool(t *testing.T) {
	r := NewRegistry(nil, nil, nil)
	result := r.Execute(context.Background(), "does_not_exist", json.RawMessage(`{}`))
	if result.Ok || result.ErrorKind != apperr.KindUnknownTool {
		t.Fatalf("expected KindUnknownTool, got %+v", result)
	}
}

func TestExecuteInvalidArgs(t *testing.T) {
	r := NewRegistry(nil, nil, nil)
	if err := r.Register(NewEchoTool()); err != nil {
		t.Fatalf("register: %v", err)
	}
	result := r.Execute(context.Background(), "echo", json.RawMessage(`{}`))
	if result.Ok || result.ErrorKind != apperr.KindInvalidArgs {
		t.Fatalf("expected KindInvalidArgs for missing required field, got %+v", result)
	}
}

func TestExecuteSuccess(t *testing.T) {
	r := NewRegistry(nil, nil, nil)
	if err := r.Register(NewEchoTool()); err != nil {
		t.Fatalf("register: %v", err)
	}
	result := r.Execute(context.Background(), "echo", json.RawMessage(`{"message":"hi"}`))
	if !result.Ok {
		t.Fatalf("expected success, got %+v", result)
	}
	var out map[string]string
	if err := json.Unmarshal(result.Data, &out); err != nil {
		t.Fatalf("decode data: %v", err)
	}
	if out["echo"] != "hi" {
		t.Fatalf("expected echo of 'hi', got %q", out["echo"])
	}
}

func TestExecuteTimeout(t *testing.T) {
	r := NewRegistry(nil, nil, nil)
	r.timeout = 20 * time.Millisecond
	if err := r.Register(&fakeTool{name: "slow", version: "1.0.0", delay: 200 * time.Millisecond}); err != nil {
		t.Fatalf("register: %v", err)
	}
	result := r.Execute(context.Background(), "slow", json.RawMessage(`{}`))
	if result.Ok || result.ErrorKind != apperr.KindTimeout {
		t.Fatalf("expected KindTimeout, got %+v", result)
	}
}

func TestExecuteClassifiesExecutionErrorAndPanic(t *testing.T) {
	r := NewRegistry(nil, nil, nil)
	if err := r.Register(&fakeTool{name: "broken", version: "1.0.0", err: errors.New("boom")}); err != nil {
		t.Fatalf("register: %v", err)
	}
	result := r.Execute(context.Background(), "broken", json.RawMessage(`{}`))
	if result.Ok || result.ErrorKind != apperr.KindExecutionError {
		t.Fatalf("expected KindExecutionError, got %+v", result)
	}

	if err := r.Register(&fakeTool{name: "panicky", version: "1.0.0", panics: true}); err != nil {
		t.Fatalf("register: %v", err)
	}
	result = r.Execute(context.Background(), "panicky", json.RawMessage(`{}`))
	if result.Ok || result.ErrorKind != apperr.KindExecutionError {
		t.Fatalf("expected panic recovered as KindExecutionError, got %+v", result)
	}
}

// fakeSelector hands out nodes in order, recording which were excluded and
// which outcomes were reported.
type fakeSelector struct {
	order    []NodeID
	next     int
	outcomes map[NodeID]bool
}

func (s *fakeSelector) ChooseNode(required []string, exclude map[NodeID]bool) (NodeID, error) {
	for s.next < len(s.order) {
		candidate := s.order[s.next]
		s.next++
		if !exclude[candidate] {
			return candidate, nil
		}
	}
	return "", errors.New("no node available")
}

func (s *fakeSelector) ReportOutcome(id NodeID, success bool) {
	if s.outcomes == nil {
		s.outcomes = make(map[NodeID]bool)
	}
	s.outcomes[id] = success
}

// fakeRemote maps a node id to the canned result it returns.
type fakeRemote struct {
	byNode map[NodeID]ToolResult
	calls  []NodeID
}

func (r *fakeRemote) ExecuteRemote(_ context.Context, node NodeID, _ string, _ json.RawMessage, _ time.Duration) ToolResult {
	r.calls = append(r.calls, node)
	return r.byNode[node]
}

func TestDispatchSucceedsOnFirstNode(t *testing.T) {
	reg := NewRegistry(nil, nil, nil)
	selector := &fakeSelector{order: []NodeID{"node-a"}}
	remote := &fakeRemote{byNode: map[NodeID]ToolResult{
		"node-a": Success(json.RawMessage(`{"ok":true}`), Metrics{}),
	}}
	d := NewDispatcher(reg, selector, remote, 2, nil, nil)

	result := d.Dispatch(context.Background(), "echo", json.RawMessage(`{}`), nil, time.Second)
	if !result.Ok {
		t.Fatalf("expected success, got %+v", result)
	}
	if len(remote.calls) != 1 {
		t.Fatalf("expected exactly one remote call, got %d", len(remote.calls))
	}
}

func TestDispatchRetriesOnRemoteFaultAndExcludesFailedNode(t *testing.T) {
	reg := NewRegistry(nil, nil, nil)
	selector := &fakeSelector{order: []NodeID{"node-a", "node-b"}}
	remote := &fakeRemote{byNode: map[NodeID]ToolResult{
		"node-a": Failure(apperr.KindRemoteCrashed, "crashed", Metrics{}),
		"node-b": Success(json.RawMessage(`{"ok":true}`), Metrics{}),
	}}
	d := NewDispatcher(reg, selector, remote, 2, nil, nil)

	result := d.Dispatch(context.Background(), "echo", json.RawMessage(`{}`), nil, time.Second)
	if !result.Ok {
		t.Fatalf("expected eventual success, got %+v", result)
	}
	if len(remote.calls) != 2 || remote.calls[0] != "node-a" || remote.calls[1] != "node-b" {
		t.Fatalf("expected node-a then node-b, got %v", remote.calls)
	}
	if selector.outcomes["node-a"] {
		t.Fatal("expected node-a outcome reported as failure")
	}
	if !selector.outcomes["node-b"] {
		t.Fatal("expected node-b outcome reported as success")
	}
}

func TestDispatchDoesNotRetryNonRemoteFault(t *testing.T) {
	reg := NewRegistry(nil, nil, nil)
	selector := &fakeSelector{order: []NodeID{"node-a", "node-b"}}
	remote := &fakeRemote{byNode: map[NodeID]ToolResult{
		"node-a": Failure(apperr.KindInvalidArgs, "bad args", Metrics{}),
	}}
	d := NewDispatcher(reg, selector, remote, 2, nil, nil)

	result := d.Dispatch(context.Background(), "echo", json.RawMessage(`{}`), nil, time.Second)
	if result.Ok || result.ErrorKind != apperr.KindInvalidArgs {
		t.Fatalf("expected InvalidArgs to pass through without retry, got %+v", result)
	}
	if len(remote.calls) != 1 {
		t.Fatalf("expected no retry, got %d calls", len(remote.calls))
	}
}

func TestDispatchFallsBackToLocalWhenNoNodeAvailable(t *testing.T) {
	reg := NewRegistry(nil, nil, nil)
	if err := reg.Register(NewEchoTool()); err != nil {
		t.Fatalf("register: %v", err)
	}
	selector := &fakeSelector{order: nil}
	remote := &fakeRemote{byNode: map[NodeID]ToolResult{}}
	d := NewDispatcher(reg, selector, remote, 2, nil, nil)

	result := d.Dispatch(context.Background(), "echo", json.RawMessage(`{"message":"local"}`), nil, time.Second)
	if !result.Ok {
		t.Fatalf("expected local fallback success, got %+v", result)
	}
	if len(remote.calls) != 0 {
		t.Fatal("expected no remote calls when no node is available")
	}
}

func TestDispatchExhaustsRetriesAndReturnsLastFailure(t *testing.T) {
	reg := NewRegistry(nil, nil, nil)
	selector := &fakeSelector{order: []NodeID{"node-a", "node-b"}}
	remote := &fakeRemote{byNode: map[NodeID]ToolResult{
		"node-a": Failure(apperr.KindTimeout, "timed out", Metrics{}),
		"node-b": Failure(apperr.KindTimeout, "timed out", Metrics{}),
	}}
	d := NewDispatcher(reg, selector, remote, 1, nil, nil)

	result := d.Dispatch(context.Background(), "echo", json.RawMessage(`{}`), nil, time.Second)
	if result.Ok || result.ErrorKind != apperr.KindTimeout {
		t.Fatalf("expected final timeout failure, got %+v", result)
	}
	if len(remote.calls) != 2 {
		t.Fatalf("expected exactly maxRetries+1 calls, got %d", len(remote.calls))
	}
}

func TestRegisterBuiltinsPopulatesRegistry(t *testing.T) {
	r := NewRegistry(nil, nil, nil)
	if err := RegisterBuiltins(r); err != nil {
		t.Fatalf("register builtins: %v", err)
	}
	for _, name := range []string{"echo", "analyze_and_patch", "initialize_symbiotic_link", "start_federated_training"} {
		if _, ok := r.Get(name); !ok {
			t.Fatalf("expected builtin %q to be registered", name)
		}
	}
}
