package tools

import (
	"context"
	"encoding/json"
	"log/slog"
	"time"

	"github.com/cenkalti/backoff/v5"

	"github.com/chimera-autarch/autarch/internal/apperr"
	"github.com/chimera-autarch/autarch/internal/observability"
)

// NodeID mirrors nodes.NodeID without importing the nodes package, keeping
// the dispatcher's dependency on node selection behind a narrow interface.
type NodeID string

// NodeSelector resolves a dispatch target compatible with the declared
// tool dependencies.
type NodeSelector interface {
	ChooseNode(required []string, exclude map[NodeID]bool) (NodeID, error)
	ReportOutcome(id NodeID, success bool)
}

// RemoteExecutor sends a tool invocation to a selected node and awaits its
// result, implemented by internal/controlplane over the node's connection.
type RemoteExecutor interface {
	ExecuteRemote(ctx context.Context, node NodeID, toolName string, args json.RawMessage, deadline time.Duration) ToolResult
}

// Dispatcher decides whether a step runs locally or remotely and retries
// remote-fault failures against a reselected node, bounded by MaxRetries.
type Dispatcher struct {
	registry *Registry
	selector NodeSelector
	remote   RemoteExecutor
	logger   *slog.Logger
	metrics  *observability.Metrics

	maxRetries int
	backOff    func() *backoff.ExponentialBackOff
}

// NewDispatcher creates a Dispatcher. selector/remote may be nil, in which
// case every tool runs locally. metrics may be nil.
func NewDispatcher(registry *Registry, selector NodeSelector, remote RemoteExecutor, maxRetries int, logger *slog.Logger, metrics *observability.Metrics) *Dispatcher {
	if logger == nil {
		logger = slog.Default()
	}
	if maxRetries <= 0 {
		maxRetries = 2
	}
	return &Dispatcher{
		registry:   registry,
		selector:   selector,
		remote:     remote,
		logger:     logger.With("component", "tools.dispatcher"),
		metrics:    metrics,
		maxRetries: maxRetries,
		backOff: func() *backoff.ExponentialBackOff {
			bo := backoff.NewExponentialBackOff()
			bo.InitialInterval = 50 * time.Millisecond
			bo.MaxInterval = 2 * time.Second
			return bo
		},
	}
}

// isRemoteFault reports whether a ToolResult's error kind is eligible for
// retry-with-reselect.
func isRemoteFault(kind apperr.Kind) bool {
	switch kind {
	case apperr.KindRemoteRefused, apperr.KindRemoteCrashed, apperr.KindTimeout:
		return true
	default:
		return false
	}
}

// Dispatch runs a tool: locally if no capable node exists or no selector is
// configured, otherwise on a chosen remote node, retrying on remote-fault
// failures against a newly reselected node up to maxRetries times.
func (d *Dispatcher) Dispatch(ctx context.Context, toolName string, args json.RawMessage, dependencies []string, deadline time.Duration) ToolResult {
	start := time.Now()
	result := d.dispatch(ctx, toolName, args, dependencies, deadline)
	if d.metrics != nil {
		outcome := "failure"
		if result.Ok {
			outcome = "success"
		}
		d.metrics.RecordDispatch(toolName, outcome, time.Since(start).Seconds())
	}
	return result
}

func (d *Dispatcher) dispatch(ctx context.Context, toolName string, args json.RawMessage, dependencies []string, deadline time.Duration) ToolResult {
	if d.selector == nil || d.remote == nil {
		return d.registry.Execute(ctx, toolName, args)
	}

	exclude := make(map[NodeID]bool)
	var last ToolResult
	bo := d.backOff()

	for attempt := 0; attempt <= d.maxRetries; attempt++ {
		node, err := d.selector.ChooseNode(dependencies, exclude)
		if err != nil {
			if attempt == 0 {
				// No compatible node at all: fall back to local execution.
				return d.registry.Execute(ctx, toolName, args)
			}
			return Failure(apperr.KindDependencyUnavailable, "no remaining node available for retry", Metrics{})
		}

		last = d.remote.ExecuteRemote(ctx, node, toolName, args, deadline)
		d.selector.ReportOutcome(node, last.Ok)

		if last.Ok || !isRemoteFault(last.ErrorKind) {
			return last
		}

		exclude[node] = true
		d.logger.Warn("remote dispatch failed, reselecting", "tool", toolName, "node", node, "kind", last.ErrorKind, "attempt", attempt)
		if d.metrics != nil {
			d.metrics.RecordRetry(toolName)
		}

		if attempt < d.maxRetries {
			if delay := bo.NextBackOff(); delay != backoff.Stop {
				select {
				case <-time.After(delay):
				case <-ctx.Done():
					return last
				}
			}
		}
	}

	return last
}
