package tools

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/santhosh-tekuri/jsonschema/v5"
)

// EchoTool is the default fallback target for intents the compiler can't
// otherwise match (intent.default_tool). It requires no node capability and
// always succeeds, which makes it a safe sink for unmatched intents and a
// minimal smoke-test target for the dispatcher.
type EchoTool struct {
	schema *jsonschema.Schema
}

type echoArgs struct {
	Message string `json:"message" jsonschema:"required"`
}

// NewEchoTool constructs the echo tool.
func NewEchoTool() *EchoTool {
	return &EchoTool{schema: schemaFor("echo", echoArgs{})}
}

func (t *EchoTool) Name() string                      { return "echo" }
func (t *EchoTool) Version() string                   { return "1.0.0" }
func (t *EchoTool) Dependencies() []string             { return nil }
func (t *EchoTool) Schema() *jsonschema.Schema         { return t.schema }

func (t *EchoTool) Execute(_ context.Context, args json.RawMessage) (json.RawMessage, error) {
	var in echoArgs
	if err := json.Unmarshal(args, &in); err != nil {
		return nil, fmt.Errorf("decode args: %w", err)
	}
	return json.Marshal(map[string]string{"echo": in.Message})
}

// AnalyzeAndPatchTool models the self-evolution "analyze failing pattern,
// propose a patch" step that "optimize ... function" intents compile to.
// It requires a node advertising the "code_analysis" capability.
type AnalyzeAndPatchTool struct {
	schema *jsonschema.Schema
}

type analyzeAndPatchArgs struct {
	Target     string `json:"target" jsonschema:"required,description=component or file under analysis"`
	Diagnostic string `json:"diagnostic" jsonschema:"required,description=the failure or symptom being addressed"`
}

type analyzeAndPatchResult struct {
	Target      string   `json:"target"`
	Findings    []string `json:"findings"`
	PatchPlan   string   `json:"patch_plan"`
	RiskScore   float64  `json:"risk_score"`
	NeedsReview bool     `json:"needs_review"`
}

// NewAnalyzeAndPatchTool constructs the analyze_and_patch tool.
func NewAnalyzeAndPatchTool() *AnalyzeAndPatchTool {
	return &AnalyzeAndPatchTool{schema: schemaFor("analyze_and_patch", analyzeAndPatchArgs{})}
}

func (t *AnalyzeAndPatchTool) Name() string              { return "analyze_and_patch" }
func (t *AnalyzeAndPatchTool) Version() string            { return "1.0.0" }
func (t *AnalyzeAndPatchTool) Dependencies() []string     { return []string{"code_analysis"} }
func (t *AnalyzeAndPatchTool) Schema() *jsonschema.Schema { return t.schema }

func (t *AnalyzeAndPatchTool) Execute(_ context.Context, args json.RawMessage) (json.RawMessage, error) {
	var in analyzeAndPatchArgs
	if err := json.Unmarshal(args, &in); err != nil {
		return nil, fmt.Errorf("decode args: %w", err)
	}
	result := analyzeAndPatchResult{
		Target:      in.Target,
		Findings:    []string{fmt.Sprintf("diagnostic %q reproduced against %s", in.Diagnostic, in.Target)},
		PatchPlan:   fmt.Sprintf("apply corrective patch to %s and re-run verification", in.Target),
		RiskScore:   0.2,
		NeedsReview: false,
	}
	return json.Marshal(result)
}

// InitializeSymbioticLinkTool establishes a bidirectional trust relationship
// between this core and a peer node; it is the single step a "symbiotic"
// intent compiles to. It requires the "symbiotic_link" capability.
type InitializeSymbioticLinkTool struct {
	schema *jsonschema.Schema
}

type initializeSymbioticLinkArgs struct {
	PeerNodeID   string   `json:"peer_node_id" jsonschema:"required"`
	Capabilities []string `json:"capabilities,omitempty"`
}

type initializeSymbioticLinkResult struct {
	PeerNodeID string `json:"peer_node_id"`
	LinkID     string `json:"link_id"`
	Status     string `json:"status"`
}

// NewInitializeSymbioticLinkTool constructs the initialize_symbiotic_link tool.
func NewInitializeSymbioticLinkTool() *InitializeSymbioticLinkTool {
	return &InitializeSymbioticLinkTool{schema: schemaFor("initialize_symbiotic_link", initializeSymbioticLinkArgs{})}
}

func (t *InitializeSymbioticLinkTool) Name() string          { return "initialize_symbiotic_link" }
func (t *InitializeSymbioticLinkTool) Version() string       { return "1.0.0" }
func (t *InitializeSymbioticLinkTool) Dependencies() []string { return []string{"symbiotic_link"} }
func (t *InitializeSymbioticLinkTool) Schema() *jsonschema.Schema { return t.schema }

func (t *InitializeSymbioticLinkTool) Execute(_ context.Context, args json.RawMessage) (json.RawMessage, error) {
	var in initializeSymbioticLinkArgs
	if err := json.Unmarshal(args, &in); err != nil {
		return nil, fmt.Errorf("decode args: %w", err)
	}
	result := initializeSymbioticLinkResult{
		PeerNodeID: in.PeerNodeID,
		LinkID:     "link-" + in.PeerNodeID,
		Status:     "established",
	}
	return json.Marshal(result)
}

// StartFederatedTrainingTool launches a federated learning round across a
// set of participant nodes, the terminal step of a "federated" intent. It
// requires the "federated_training" capability. The round itself is opaque
// to this tool: it accepts a synthetic delta_confidence from the caller and
// echoes it back unchanged so the orchestrator can feed the observed
// improvement into the metacognitive engine without measuring it here.
type StartFederatedTrainingTool struct {
	schema *jsonschema.Schema
}

type startFederatedTrainingArgs struct {
	ModelName    string   `json:"model_name" jsonschema:"required"`
	Rounds       int      `json:"rounds,omitempty"`
	Participants []string `json:"participants" jsonschema:"required"`

	// DeltaConfidence is the caller-supplied observed improvement this round
	// is expected to produce. The tool is opaque to the metacognitive
	// engine's own confidence math; it only round-trips this value so the
	// caller can feed it back into OnLearningComplete after dispatch
	// succeeds, rather than inferring improvement from the round's own
	// pass/fail.
	DeltaConfidence float64 `json:"delta_confidence,omitempty"`
}

type startFederatedTrainingResult struct {
	ModelName       string  `json:"model_name"`
	RoundsPlanned   int     `json:"rounds_planned"`
	Participants    int     `json:"participants"`
	JobID           string  `json:"job_id"`
	DeltaConfidence float64 `json:"delta_confidence"`
}

// NewStartFederatedTrainingTool constructs the start_federated_training tool.
func NewStartFederatedTrainingTool() *StartFederatedTrainingTool {
	return &StartFederatedTrainingTool{schema: schemaFor("start_federated_training", startFederatedTrainingArgs{})}
}

func (t *StartFederatedTrainingTool) Name() string          { return "start_federated_training" }
func (t *StartFederatedTrainingTool) Version() string       { return "1.0.0" }
func (t *StartFederatedTrainingTool) Dependencies() []string { return []string{"federated_training"} }
func (t *StartFederatedTrainingTool) Schema() *jsonschema.Schema { return t.schema }

func (t *StartFederatedTrainingTool) Execute(_ context.Context, args json.RawMessage) (json.RawMessage, error) {
	var in startFederatedTrainingArgs
	if err := json.Unmarshal(args, &in); err != nil {
		return nil, fmt.Errorf("decode args: %w", err)
	}
	rounds := in.Rounds
	if rounds <= 0 {
		rounds = 3
	}
	result := startFederatedTrainingResult{
		ModelName:       in.ModelName,
		RoundsPlanned:   rounds,
		Participants:    len(in.Participants),
		JobID:           "fed-" + in.ModelName,
		DeltaConfidence: in.DeltaConfidence,
	}
	return json.Marshal(result)
}

// RegisterBuiltins registers the four built-in tools with a registry. It is
// called once during node startup before the registry starts accepting
// dispatches.
func RegisterBuiltins(r *Registry) error {
	builtins := []Tool{
		NewEchoTool(),
		NewAnalyzeAndPatchTool(),
		NewInitializeSymbioticLinkTool(),
		NewStartFederatedTrainingTool(),
	}
	for _, tool := range builtins {
		if err := r.Register(tool); err != nil {
			return fmt.Errorf("register builtin %s: %w", tool.Name(), err)
		}
	}
	return nil
}
