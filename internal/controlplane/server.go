// Package controlplane is the external transport: one WebSocket port
// serving worker-node registration/heartbeat/dispatch and client
// intent/event-subscription traffic over a single framed JSON protocol.
package controlplane

import (
	"context"
	"crypto/tls"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/chimera-autarch/autarch/internal/apperr"
	"github.com/chimera-autarch/autarch/internal/config"
	"github.com/chimera-autarch/autarch/internal/events"
	"github.com/chimera-autarch/autarch/internal/nodes"
	"github.com/chimera-autarch/autarch/internal/orchestrator"
	"github.com/chimera-autarch/autarch/internal/tools"
)

const (
	readLimitBytes = 1 << 20
	pongWait       = 45 * time.Second
	writeWait      = 10 * time.Second
)

// pendingCall is an in-flight remote dispatch awaiting its `result` frame.
type pendingCall struct {
	nodeID nodes.NodeID
	ch     chan tools.ToolResult
}

// Server accepts WebSocket connections and routes frames to the Node
// Registry, the Orchestrator, and the Event Broker. It also implements
// tools.RemoteExecutor so the Dispatcher can reach nodes connected here.
type Server struct {
	cfg          config.ControlPlaneConfig
	registry     *nodes.Registry
	orchestrator *orchestrator.Orchestrator
	broker       *events.Broker
	logger       *slog.Logger
	upgrader     websocket.Upgrader

	pending sync.Map // task_id -> *pendingCall

	httpServer *http.Server
}

// New wires a Server. Any of orchestrator/registry/broker may be nil in
// tests that only exercise a subset of the protocol.
func New(cfg config.ControlPlaneConfig, registry *nodes.Registry, orch *orchestrator.Orchestrator, broker *events.Broker, logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	return &Server{
		cfg:          cfg,
		registry:     registry,
		orchestrator: orch,
		broker:       broker,
		logger:       logger.With("component", "controlplane.server"),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  8192,
			WriteBufferSize: 8192,
			CheckOrigin:     func(*http.Request) bool { return true },
		},
	}
}

// ListenAndServe binds the configured address and serves until ctx is
// canceled, at which point it shuts down gracefully.
func (s *Server) ListenAndServe(ctx context.Context) error {
	addr := fmt.Sprintf("%s:%d", s.cfg.Host, s.cfg.Port)
	mux := http.NewServeMux()
	mux.HandleFunc("/", s.ServeHTTP)

	s.httpServer = &http.Server{Addr: addr, Handler: mux}

	errCh := make(chan error, 1)
	go func() {
		var err error
		if s.cfg.TLSEnabled() {
			s.httpServer.TLSConfig = &tls.Config{MinVersion: tls.VersionTLS12}
			err = s.httpServer.ListenAndServeTLS(s.cfg.TLSCert, s.cfg.TLSKey)
		} else {
			err = s.httpServer.ListenAndServe()
		}
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
			return
		}
		errCh <- nil
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		_ = s.httpServer.Shutdown(shutdownCtx)
		return <-errCh
	}
}

// SetOrchestrator wires the Orchestrator after construction, breaking the
// New/New circular dependency between Server and Orchestrator: the
// Orchestrator needs a tools.RemoteExecutor at construction time, and the
// Server needs an *orchestrator.Orchestrator to handle intent frames.
func (s *Server) SetOrchestrator(orch *orchestrator.Orchestrator) {
	s.orchestrator = orch
}

// ServeHTTP upgrades the connection and runs the session to completion.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}
	sess := newSession(s, conn)
	sess.run()
}

// ExecuteRemote implements tools.RemoteExecutor: it sends a dispatch frame
// to the node's connection and blocks until the matching `result` frame
// arrives, the deadline elapses, or the connection is lost mid-call.
func (s *Server) ExecuteRemote(ctx context.Context, node tools.NodeID, toolName string, args json.RawMessage, deadline time.Duration) tools.ToolResult {
	if s.registry == nil {
		return tools.Failure(apperr.KindDependencyUnavailable, "no node registry configured", tools.Metrics{})
	}
	n, ok := s.registry.Get(nodes.NodeID(node))
	if !ok || n.Connection == nil {
		return tools.Failure(apperr.KindRemoteRefused, "node not connected", tools.Metrics{})
	}

	taskID := uuid.NewString()
	call := &pendingCall{nodeID: nodes.NodeID(node), ch: make(chan tools.ToolResult, 1)}
	s.pending.Store(taskID, call)
	defer s.pending.Delete(taskID)

	frame := Frame{
		Type:     frameDispatch,
		TaskID:   taskID,
		Tool:     toolName,
		Args:     args,
		Deadline: time.Now().Add(deadline).UnixMilli(),
	}
	data, err := json.Marshal(frame)
	if err != nil {
		return tools.Failure(apperr.KindInternalInvariant, err.Error(), tools.Metrics{})
	}

	started := time.Now()
	if err := n.Connection.Send(data); err != nil {
		return tools.Failure(apperr.KindRemoteRefused, err.Error(), tools.Metrics{})
	}

	timer := time.NewTimer(deadline)
	defer timer.Stop()

	select {
	case result := <-call.ch:
		result.Metrics.LatencySeconds = time.Since(started).Seconds()
		return result
	case <-timer.C:
		return tools.Failure(apperr.KindTimeout, "remote dispatch deadline exceeded", tools.Metrics{LatencySeconds: time.Since(started).Seconds()})
	case <-ctx.Done():
		return tools.Failure(apperr.KindTimeout, ctx.Err().Error(), tools.Metrics{LatencySeconds: time.Since(started).Seconds()})
	}
}

// resolvePending delivers a `result` frame's outcome to the waiting
// ExecuteRemote call, if any is still pending.
func (s *Server) resolvePending(taskID string, result tools.ToolResult) {
	v, ok := s.pending.LoadAndDelete(taskID)
	if !ok {
		return
	}
	call := v.(*pendingCall)
	select {
	case call.ch <- result:
	default:
	}
}

// toolResultFromFrame converts an inbound `result` frame into the
// tools.ToolResult shape ExecuteRemote's caller expects. A node-reported
// failure (ok=false) is classified RemoteRefused: the node ran the task and
// declined it, as opposed to RemoteCrashed, which this package assigns
// itself when the connection drops mid-call.
func toolResultFromFrame(ok bool, data json.RawMessage, message string) tools.ToolResult {
	if ok {
		return tools.Success(data, tools.Metrics{})
	}
	return tools.Failure(apperr.KindRemoteRefused, message, tools.Metrics{})
}

// failPendingForNode resolves every in-flight call routed to nodeID as
// RemoteCrashed, used when that node's connection is lost mid-call.
func (s *Server) failPendingForNode(nodeID nodes.NodeID) {
	s.pending.Range(func(key, value any) bool {
		call := value.(*pendingCall)
		if call.nodeID != nodeID {
			return true
		}
		s.pending.Delete(key)
		select {
		case call.ch <- tools.Failure(apperr.KindRemoteCrashed, "node disconnected mid-call", tools.Metrics{}):
		default:
		}
		return true
	})
}
