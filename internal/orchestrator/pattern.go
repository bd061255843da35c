package orchestrator

import (
	"encoding/json"
	"regexp"
	"strings"
)

// Step is one unit of a compiled plan.
type Step struct {
	ToolName string
	Args     json.RawMessage
	Topic    string
}

// IntentPattern is a (matcher, planner) pair. Patterns are tried in order;
// the first match wins. Keeping this data-driven and exported lets callers
// of New extend the recognized set without touching the compiler.
type IntentPattern struct {
	Name  string
	Match func(normalized string) bool
	Plan  func(rawIntent, normalized string) []Step
}

var functionSymbolRE = regexp.MustCompile(`(?i)function\s+(\w+)`)

func mustJSON(v any) json.RawMessage {
	data, err := json.Marshal(v)
	if err != nil {
		panic(err)
	}
	return data
}

// SeedPatterns returns the documented seed pattern set. defaultTool names
// the fallback tool for intents none of the patterns recognize.
func SeedPatterns(defaultTool string) []IntentPattern {
	return []IntentPattern{
		{
			Name: "federated",
			Match: func(normalized string) bool {
				return strings.Contains(normalized, "federated")
			},
			Plan: func(raw, normalized string) []Step {
				return []Step{{
					ToolName: "start_federated_training",
					Args: mustJSON(map[string]any{
						"model_name":   "federated_learning",
						"participants": []string{},
					}),
					Topic: "federated_learning",
				}}
			},
		},
		{
			Name: "optimize_function",
			Match: func(normalized string) bool {
				return strings.Contains(normalized, "optimize") && strings.Contains(normalized, "function")
			},
			Plan: func(raw, normalized string) []Step {
				target := "unknown"
				if m := functionSymbolRE.FindStringSubmatch(raw); len(m) == 2 {
					target = m[1]
				}
				return []Step{{
					ToolName: "analyze_and_patch",
					Args: mustJSON(map[string]any{
						"target":     target,
						"diagnostic": "performance",
					}),
					Topic: "optimization",
				}}
			},
		},
		{
			Name: "symbiotic",
			Match: func(normalized string) bool {
				return strings.Contains(normalized, "symbiotic")
			},
			Plan: func(raw, normalized string) []Step {
				return []Step{{
					ToolName: "initialize_symbiotic_link",
					Args: mustJSON(map[string]any{
						"peer_node_id": "unspecified",
						"capabilities": []string{},
					}),
					Topic: "symbiosis",
				}}
			},
		},
		{
			Name: "default",
			Match: func(normalized string) bool { return true },
			Plan: func(raw, normalized string) []Step {
				return []Step{{
					ToolName: defaultTool,
					Args:     mustJSON(map[string]any{"message": raw}),
					Topic:    "general",
				}}
			},
		},
	}
}

// Compile normalizes rawIntent and runs it through patterns in order,
// returning the first match's plan. Since SeedPatterns always ends in an
// unconditional default, Compile never returns an empty plan when patterns
// derives from SeedPatterns.
func Compile(rawIntent string, patterns []IntentPattern) []Step {
	normalized := strings.ToLower(strings.TrimSpace(rawIntent))
	for _, p := range patterns {
		if p.Match(normalized) {
			return p.Plan(rawIntent, normalized)
		}
	}
	return nil
}
