// Package orchestrator is the Intent Compiler & Orchestrator: the only
// component that talks to clients, compiling intents into plans and
// driving the Tool Registry/Dispatcher, Node Registry, Metacognitive
// Engine, and Event Broker to execute them.
package orchestrator

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/chimera-autarch/autarch/internal/apperr"
	"github.com/chimera-autarch/autarch/internal/events"
	"github.com/chimera-autarch/autarch/internal/metacog"
	"github.com/chimera-autarch/autarch/internal/nodes"
	"github.com/chimera-autarch/autarch/internal/observability"
	"github.com/chimera-autarch/autarch/internal/tools"
)

// Config controls the default tool and per-step deadline.
type Config struct {
	DefaultTool   string
	StepTimeout   time.Duration
}

// DefaultConfig mirrors the documented default.
func DefaultConfig() Config {
	return Config{DefaultTool: "echo", StepTimeout: 30 * time.Second}
}

// Orchestrator owns no long-lived domain state; it coordinates references
// to the other four components for the lifetime of the process.
type Orchestrator struct {
	cfg        Config
	patterns   []IntentPattern
	toolsReg   *tools.Registry
	dispatcher *tools.Dispatcher
	metacog    *metacog.Engine
	broker     *events.Broker
	logger     *slog.Logger
}

// New wires an Orchestrator. remote may be nil, in which case every tool
// dispatch runs locally against toolsReg. metrics may be nil.
func New(cfg Config, toolsReg *tools.Registry, nodeRegistry *nodes.Registry, remote tools.RemoteExecutor, metacogEngine *metacog.Engine, broker *events.Broker, maxRetries int, logger *slog.Logger, metrics *observability.Metrics) *Orchestrator {
	if logger == nil {
		logger = slog.Default()
	}
	var selector tools.NodeSelector
	if nodeRegistry != nil {
		selector = newRegistrySelector(nodeRegistry)
	}
	dispatcher := tools.NewDispatcher(toolsReg, selector, remote, maxRetries, logger, metrics)
	return &Orchestrator{
		cfg:        cfg,
		patterns:   SeedPatterns(cfg.DefaultTool),
		toolsReg:   toolsReg,
		dispatcher: dispatcher,
		metacog:    metacogEngine,
		broker:     broker,
		logger:     logger.With("component", "orchestrator"),
	}
}

// StepResult is one executed Step's outcome, surfaced to the client
// alongside the plan's overall verdict.
type StepResult struct {
	TaskID   string          `json:"task_id"`
	ToolName string          `json:"tool_name"`
	Topic    string          `json:"topic"`
	Result   tools.ToolResult `json:"result"`
}

// PlanResult is the structured response to a client intent.
type PlanResult struct {
	Ok      bool         `json:"ok"`
	Steps   []StepResult `json:"steps"`
	Message string       `json:"message,omitempty"`
}

// HandleIntent compiles rawIntent into a plan and executes it step by step,
// failing fast on the first step failure. After the plan completes it polls
// the metacognitive engine and, if a learning trigger fires, schedules a
// background learning round.
// HandleIntent never panics: an internal invariant violation is caught and
// surfaced as a structured failure for this intent alone, per the
// InternalInvariant error kind's "fatal for the task, not the process" rule.
func (o *Orchestrator) HandleIntent(ctx context.Context, rawIntent string) (result PlanResult) {
	defer func() {
		if r := recover(); r != nil {
			o.logger.Error("internal invariant violation handling intent", "panic", r)
			o.publish(events.TypeSystemAlert, map[string]any{"reason": fmt.Sprint(r)})
			result = surfaceInternalError(fmt.Sprintf("internal invariant violation: %v", r))
		}
	}()

	plan := Compile(rawIntent, o.patterns)
	if len(plan) == 0 {
		return PlanResult{Ok: false, Message: "intent compiled to an empty plan"}
	}

	result = PlanResult{Ok: true}
	for _, step := range plan {
		stepResult := o.runStep(ctx, step)
		result.Steps = append(result.Steps, stepResult)
		if !stepResult.Result.Ok {
			result.Ok = false
			result.Message = fmt.Sprintf("step %q failed: %s", step.ToolName, stepResult.Result.Message)
			break
		}
	}

	o.afterPlan()
	return result
}

func (o *Orchestrator) runStep(ctx context.Context, step Step) StepResult {
	taskID := uuid.NewString()
	var dependencies []string
	if tool, ok := o.toolsReg.Get(step.ToolName); ok {
		dependencies = tool.Dependencies()
	}

	o.publish(events.TypeTaskDispatched, map[string]any{
		"task_id": taskID, "tool": step.ToolName, "topic": step.Topic,
	})

	stepCtx, cancel := context.WithTimeout(ctx, o.cfg.StepTimeout)
	result := o.dispatcher.Dispatch(stepCtx, step.ToolName, step.Args, dependencies, o.cfg.StepTimeout)
	cancel()

	o.publish(events.TypeTaskCompleted, map[string]any{
		"task_id": taskID, "tool": step.ToolName, "topic": step.Topic, "success": result.Ok,
	})

	if o.metacog != nil {
		errorTag := ""
		if !result.Ok {
			errorTag = string(result.ErrorKind)
		}
		o.metacog.RecordOutcome(step.Topic, result.Ok, errorTag)
	}

	return StepResult{TaskID: taskID, ToolName: step.ToolName, Topic: step.Topic, Result: result}
}

// afterPlan implements orchestration-loop step 5: poll for a learning
// trigger and, if one fires, run a background federated-training round for
// that topic.
func (o *Orchestrator) afterPlan() {
	o.PollLearning()
}

// PollLearning polls the metacognitive engine for a learning trigger and, if
// one fires, runs a background federated-training round for that topic. It
// is called reactively after every HandleIntent, and is also exposed for the
// scheduler's independent metacog_poll job, so a topic past its cooldown
// still re-triggers once intent traffic stops.
func (o *Orchestrator) PollLearning() {
	if o.metacog == nil {
		return
	}
	trigger, ok := o.metacog.Poll()
	if !ok {
		return
	}
	go o.runLearningRound(trigger)
}

// syntheticDeltaConfidence estimates the confidence improvement a training
// round of the given length should buy back, proportional to the remaining
// gap to a perfect score: more rounds close more of the gap, but a round can
// never be credited with more improvement than the gap itself.
func syntheticDeltaConfidence(trigger metacog.LearningTrigger) float64 {
	gap := 1.0 - trigger.Confidence
	delta := 0.02 * float64(trigger.RecommendedRounds)
	if delta > gap {
		delta = gap
	}
	return delta
}

// runLearningRound dispatches a federated training round for trigger.Topic
// and feeds its observed improvement back into the metacognitive engine.
// start_federated_training is opaque to the engine: the caller supplies a
// synthetic delta_confidence in the dispatch args, and the tool echoes it
// back in its result unchanged. A failed dispatch is credited with zero
// improvement; either way, the round's own pass/fail is never recorded as an
// outcome sample of the topic being measured, since that would mix a
// learning-round meta-event into the topic's real task-outcome history.
func (o *Orchestrator) runLearningRound(trigger metacog.LearningTrigger) {
	ctx, cancel := context.WithTimeout(context.Background(), o.cfg.StepTimeout)
	defer cancel()

	deltaConfidence := syntheticDeltaConfidence(trigger)

	args := mustJSON(map[string]any{
		"model_name":       trigger.Topic,
		"rounds":           trigger.RecommendedRounds,
		"participants":     []string{},
		"delta_confidence": deltaConfidence,
	})
	result := o.dispatcher.Dispatch(ctx, "start_federated_training", args, []string{"federated_training"}, o.cfg.StepTimeout)

	observed := 0.0
	if result.Ok {
		var decoded struct {
			DeltaConfidence float64 `json:"delta_confidence"`
		}
		if err := json.Unmarshal(result.Data, &decoded); err != nil {
			o.logger.Warn("learning round result decode failed", "topic", trigger.Topic, "error", err)
		} else {
			observed = decoded.DeltaConfidence
		}
	} else {
		o.logger.Warn("learning round dispatch failed", "topic", trigger.Topic, "error", result.Message)
	}

	o.metacog.OnLearningComplete(ctx, trigger.Topic, observed)
}

func (o *Orchestrator) publish(eventType string, data map[string]any) {
	if o.broker != nil {
		o.broker.PublishDefault(eventType, data)
	}
}

// surfaceInternalError is used by callers translating a recovered panic or
// invariant violation into the structured error the client sees, per the
// InternalInvariant error kind's "fatal for the task, not the process" rule.
func surfaceInternalError(message string) PlanResult {
	return PlanResult{
		Ok:      false,
		Message: apperr.New(apperr.KindInternalInvariant, message).Error(),
	}
}
