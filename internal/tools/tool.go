// Package tools is the Tool Registry & Dispatcher: name->Tool mapping,
// invocation with timing and classification, and dispatch to remote worker
// nodes with retry-with-reselect.
package tools

import (
	"context"
	"encoding/json"
	"strconv"
	"strings"
	"sync"

	"github.com/santhosh-tekuri/jsonschema/v5"

	"github.com/chimera-autarch/autarch/internal/apperr"
)

// Tool is a uniform, plugin-style extensibility point: a named, versioned
// callable over opaque JSON args.
type Tool interface {
	Name() string
	Version() string
	// Dependencies lists capability tags a node must declare to run this
	// tool remotely.
	Dependencies() []string
	// Schema optionally returns a JSON Schema that args must satisfy.
	// Returning nil skips validation.
	Schema() *jsonschema.Schema
	Execute(ctx context.Context, args json.RawMessage) (json.RawMessage, error)
}

// Metrics accompanies every ToolResult.
type Metrics struct {
	LatencySeconds float64 `json:"latency_seconds"`
}

// ToolResult is the tagged variant every execution produces: exactly one
// of Success or Failure.
type ToolResult struct {
	Ok        bool            `json:"ok"`
	Data      json.RawMessage `json:"data,omitempty"`
	ErrorKind apperr.Kind     `json:"error_kind,omitempty"`
	Message   string          `json:"message,omitempty"`
	Metrics   Metrics         `json:"metrics"`
}

// Success builds a successful ToolResult.
func Success(data json.RawMessage, metrics Metrics) ToolResult {
	return ToolResult{Ok: true, Data: data, Metrics: metrics}
}

// Failure builds a failed ToolResult.
func Failure(kind apperr.Kind, message string, metrics Metrics) ToolResult {
	return ToolResult{Ok: false, ErrorKind: kind, Message: message, Metrics: metrics}
}

// runningMetrics is a tool's mutated-on-execution bookkeeping.
type runningMetrics struct {
	mu           sync.Mutex
	successCount uint64
	failureCount uint64
	totalLatency float64
	lastError    string
}

func (m *runningMetrics) record(result ToolResult) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.totalLatency += result.Metrics.LatencySeconds
	if result.Ok {
		m.successCount++
	} else {
		m.failureCount++
		m.lastError = result.Message
	}
}

// Snapshot is a read-only copy of a tool's running metrics.
type Snapshot struct {
	SuccessCount uint64  `json:"success_count"`
	FailureCount uint64  `json:"failure_count"`
	TotalLatency float64 `json:"total_latency_seconds"`
	LastError    string  `json:"last_error,omitempty"`
}

func (m *runningMetrics) snapshot() Snapshot {
	m.mu.Lock()
	defer m.mu.Unlock()
	return Snapshot{
		SuccessCount: m.successCount,
		FailureCount: m.failureCount,
		TotalLatency: m.totalLatency,
		LastError:    m.lastError,
	}
}

// versionGreater implements the strictly-greater check the registry's
// re-registration policy needs. Versions are dot-separated numeric
// components compared left to right; a missing or non-numeric component
// counts as 0.
func versionGreater(a, b string) bool {
	as := strings.Split(a, ".")
	bs := strings.Split(b, ".")
	for i := 0; i < len(as) || i < len(bs); i++ {
		var av, bv int
		if i < len(as) {
			av, _ = strconv.Atoi(as[i])
		}
		if i < len(bs) {
			bv, _ = strconv.Atoi(bs[i])
		}
		if av != bv {
			return av > bv
		}
	}
	return false
}
