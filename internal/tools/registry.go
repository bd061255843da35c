package tools

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/chimera-autarch/autarch/internal/apperr"
	"github.com/chimera-autarch/autarch/internal/events"
	"github.com/chimera-autarch/autarch/internal/store"
)

// DefaultTimeout is the invocation deadline Execute applies to every local
// tool run. It is registry-wide: tools do not declare a timeout of their own.
const DefaultTimeout = 30 * time.Second

type entry struct {
	tool    Tool
	metrics *runningMetrics
}

// Registry is the name->Tool mapping with invocation, timing, and metric
// emission.
type Registry struct {
	mu      sync.RWMutex
	tools   map[string]*entry
	broker  *events.Broker
	store   store.Store
	logger  *slog.Logger
	timeout time.Duration
}

// NewRegistry creates an empty tool registry.
func NewRegistry(broker *events.Broker, persistence store.Store, logger *slog.Logger) *Registry {
	if logger == nil {
		logger = slog.Default()
	}
	return &Registry{
		tools:   make(map[string]*entry),
		broker:  broker,
		store:   persistence,
		logger:  logger.With("component", "tools.registry"),
		timeout: DefaultTimeout,
	}
}

// Register adds a tool. Re-registration under an existing name is rejected
// unless the incoming version is strictly greater (this core's documented
// choice for the spec's open re-registration question).
func (r *Registry) Register(tool Tool) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	existing, ok := r.tools[tool.Name()]
	if ok && !versionGreater(tool.Version(), existing.tool.Version()) {
		return apperr.New(apperr.KindProtocolError,
			fmt.Sprintf("tool %q version %q does not supersede registered version %q", tool.Name(), tool.Version(), existing.tool.Version()))
	}

	r.tools[tool.Name()] = &entry{tool: tool, metrics: &runningMetrics{}}
	r.logger.Info("tool registered", "name", tool.Name(), "version", tool.Version())
	return nil
}

// Get returns the registered tool by name.
func (r *Registry) Get(name string) (Tool, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	e, ok := r.tools[name]
	if !ok {
		return nil, false
	}
	return e.tool, true
}

// Metrics returns a snapshot of a tool's running metrics.
func (r *Registry) Metrics(name string) (Snapshot, bool) {
	r.mu.RLock()
	e, ok := r.tools[name]
	r.mu.RUnlock()
	if !ok {
		return Snapshot{}, false
	}
	return e.metrics.snapshot(), true
}

// Execute looks up and runs a tool locally, classifying the outcome,
// emitting a tool_executed event, and recording a ToolMetricEvent — except
// for UnknownTool and InvalidArgs, which are surfaced without a metric per
// the spec's error-kind table.
func (r *Registry) Execute(ctx context.Context, name string, args json.RawMessage) ToolResult {
	r.mu.RLock()
	e, ok := r.tools[name]
	r.mu.RUnlock()
	if !ok {
		return Failure(apperr.KindUnknownTool, fmt.Sprintf("tool not found: %s", name), Metrics{})
	}

	if schema := e.tool.Schema(); schema != nil {
		var decoded any
		if err := json.Unmarshal(args, &decoded); err != nil {
			return Failure(apperr.KindInvalidArgs, fmt.Sprintf("args is not valid JSON: %v", err), Metrics{})
		}
		if err := schema.Validate(decoded); err != nil {
			return Failure(apperr.KindInvalidArgs, err.Error(), Metrics{})
		}
	}

	deadline := r.timeout
	runCtx, cancel := context.WithTimeout(ctx, deadline)
	defer cancel()

	result := r.invoke(runCtx, e.tool, args)
	e.metrics.record(result)
	r.emit(name, result)
	return result
}

func (r *Registry) invoke(ctx context.Context, tool Tool, args json.RawMessage) (result ToolResult) {
	start := time.Now()

	type outcome struct {
		data json.RawMessage
		err  error
	}
	done := make(chan outcome, 1)

	go func() {
		defer func() {
			if rec := recover(); rec != nil {
				done <- outcome{err: fmt.Errorf("tool panicked: %v", rec)}
			}
		}()
		data, err := tool.Execute(ctx, args)
		done <- outcome{data: data, err: err}
	}()

	select {
	case <-ctx.Done():
		return Failure(apperr.KindTimeout, "tool execution deadline exceeded", Metrics{LatencySeconds: time.Since(start).Seconds()})
	case o := <-done:
		latency := Metrics{LatencySeconds: time.Since(start).Seconds()}
		if o.err != nil {
			return Failure(apperr.KindExecutionError, o.err.Error(), latency)
		}
		return Success(o.data, latency)
	}
}

func (r *Registry) emit(name string, result ToolResult) {
	if r.broker != nil {
		r.broker.PublishDefault(events.TypeToolExecuted, map[string]any{
			"tool":    name,
			"success": result.Ok,
			"latency": result.Metrics.LatencySeconds,
		})
	}
	if r.store != nil {
		ctx := context.Background()
		if err := r.store.RecordToolMetric(ctx, store.ToolMetricEvent{
			ToolName:       name,
			Timestamp:      time.Now(),
			Success:        result.Ok,
			LatencySeconds: result.Metrics.LatencySeconds,
		}); err != nil {
			r.logger.Warn("failed to record tool metric", "tool", name, "error", err)
		}
	}
}
