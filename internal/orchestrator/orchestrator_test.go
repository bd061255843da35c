package orchestrator

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/santhosh-tekuri/jsonschema/v5"

	"github.com/chimera-autarch/autarch/internal/metacog"
	"github.com/chimera-autarch/autarch/internal/store"
	"github.com/chimera-autarch/autarch/internal/tools"
)

func newTestOrchestrator(t *testing.T) (*Orchestrator, *metacog.Engine) {
	t.Helper()
	toolsReg := tools.NewRegistry(nil, nil, nil)
	if err := tools.RegisterBuiltins(toolsReg); err != nil {
		t.Fatalf("register builtins: %v", err)
	}
	mem := store.NewMemoryStore()
	metacogCfg := metacog.DefaultConfig()
	metacogCfg.MinSamples = 1
	metacogCfg.LearningCooldown = 10 * time.Millisecond
	engine := metacog.New(metacogCfg, nil, mem, nil, nil)

	cfg := DefaultConfig()
	cfg.StepTimeout = 2 * time.Second
	o := New(cfg, toolsReg, nil, nil, engine, nil, 2, nil, nil)
	return o, engine
}

func TestHandleIntentDefaultFallsBackToEcho(t *testing.T) {
	o, _ := newTestOrchestrator(t)
	result := o.HandleIntent(context.Background(), "hello there")
	if !result.Ok {
		t.Fatalf("expected success, got %+v", result)
	}
	if len(result.Steps) != 1 || result.Steps[0].ToolName != "echo" {
		t.Fatalf("expected single echo step, got %+v", result.Steps)
	}
}

func TestHandleIntentMatchesOptimizeFunction(t *testing.T) {
	o, _ := newTestOrchestrator(t)
	result := o.HandleIntent(context.Background(), "please optimize function computeScore for speed")
	if !result.Ok {
		t.Fatalf("expected success, got %+v", result)
	}
	if result.Steps[0].ToolName != "analyze_and_patch" {
		t.Fatalf("expected analyze_and_patch step, got %q", result.Steps[0].ToolName)
	}
	if result.Steps[0].Topic != "optimization" {
		t.Fatalf("expected topic optimization, got %q", result.Steps[0].Topic)
	}
}

func TestHandleIntentMatchesSymbiotic(t *testing.T) {
	o, _ := newTestOrchestrator(t)
	result := o.HandleIntent(context.Background(), "establish a symbiotic connection")
	if !result.Ok || result.Steps[0].ToolName != "initialize_symbiotic_link" {
		t.Fatalf("expected initialize_symbiotic_link step, got %+v", result)
	}
}

func TestHandleIntentMatchesFederated(t *testing.T) {
	o, _ := newTestOrchestrator(t)
	result := o.HandleIntent(context.Background(), "start a federated learning job")
	if !result.Ok || result.Steps[0].ToolName != "start_federated_training" {
		t.Fatalf("expected start_federated_training step, got %+v", result)
	}
}

func TestHandleIntentRecordsMetacogOutcome(t *testing.T) {
	o, engine := newTestOrchestrator(t)
	o.HandleIntent(context.Background(), "hello")
	if got := engine.Confidence("general"); got != 1.0 {
		t.Fatalf("expected confidence 1.0 after a single success, got %f", got)
	}
}

// flakyTool always fails, used to drive a topic's confidence below
// threshold in a single observation.
type flakyTool struct{}

func (flakyTool) Name() string                      { return "flaky" }
func (flakyTool) Version() string                   { return "1.0.0" }
func (flakyTool) Dependencies() []string            { return nil }
func (flakyTool) Schema() *jsonschema.Schema        { return nil }
func (flakyTool) Execute(context.Context, json.RawMessage) (json.RawMessage, error) {
	return nil, errors.New("simulated failure")
}

func TestHandleIntentTriggersLearningRoundOnLowConfidence(t *testing.T) {
	mem := store.NewMemoryStore()
	engineCfg := metacog.Config{
		ConfidenceThreshold: 0.99,
		LearningCooldown:    10 * time.Millisecond,
		MinSamples:          1,
		HistoryWindow:       10,
	}
	engine := metacog.New(engineCfg, nil, mem, nil, nil)

	toolsReg := tools.NewRegistry(nil, nil, nil)
	if err := tools.RegisterBuiltins(toolsReg); err != nil {
		t.Fatalf("register builtins: %v", err)
	}
	if err := toolsReg.Register(flakyTool{}); err != nil {
		t.Fatalf("register flaky tool: %v", err)
	}

	cfg := DefaultConfig()
	cfg.StepTimeout = 2 * time.Second
	o := New(cfg, toolsReg, nil, nil, engine, nil, 2, nil, nil)
	o.patterns = []IntentPattern{{
		Name:  "flaky",
		Match: func(string) bool { return true },
		Plan: func(raw, normalized string) []Step {
			return []Step{{ToolName: "flaky", Args: json.RawMessage(`{}`), Topic: "flaky"}}
		},
	}}

	result := o.HandleIntent(context.Background(), "trigger it")
	if result.Ok {
		t.Fatal("expected the flaky step to fail the plan")
	}

	deadline := time.Now().Add(time.Second)
	for time.Now().Before(deadline) {
		records, err := mem.LoadRecentEvolutions(context.Background(), 10)
		if err != nil {
			t.Fatalf("load evolutions: %v", err)
		}
		if len(records) > 0 {
			if records[0].Topic != "flaky" {
				t.Fatalf("expected evolution for topic 'flaky', got %+v", records[0])
			}
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("expected a background learning round to record an evolution")
}
