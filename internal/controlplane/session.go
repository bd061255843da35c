package controlplane

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/chimera-autarch/autarch/internal/apperr"
	"github.com/chimera-autarch/autarch/internal/events"
	"github.com/chimera-autarch/autarch/internal/nodes"
)

// session is one accepted connection. It implements nodes.Connection so the
// Node Registry can address a registered worker without knowing this
// package's transport details, and it doubles as the client-facing
// intent/event-subscription endpoint since both traverse the same port.
type session struct {
	server *Server
	conn   *websocket.Conn
	send   chan []byte

	ctx    context.Context
	cancel context.CancelFunc

	closeOnce sync.Once
	writeDone chan struct{}

	nodeID nodes.NodeID

	subsMu sync.Mutex
	subs   map[string]*events.Subscription
}

func newSession(s *Server, conn *websocket.Conn) *session {
	ctx, cancel := context.WithCancel(context.Background())
	return &session{
		server:    s,
		conn:      conn,
		send:      make(chan []byte, 64),
		ctx:       ctx,
		cancel:    cancel,
		writeDone: make(chan struct{}),
		subs:      make(map[string]*events.Subscription),
	}
}

// Send implements nodes.Connection: it enqueues a dispatch frame for
// delivery, returning an error if the session's outbound queue is full or
// already closed.
func (s *session) Send(frame []byte) error {
	select {
	case s.send <- frame:
		return nil
	case <-s.ctx.Done():
		return fmt.Errorf("session closed")
	default:
		return fmt.Errorf("send buffer full")
	}
}

// Close implements nodes.Connection: it signals shutdown and waits for
// writeLoop to drain any frames already queued (an error reply to the
// frame that triggered the close, typically) before tearing down the
// transport, so a peer always receives the error it was closed for.
func (s *session) Close() error {
	s.closeOnce.Do(func() {
		s.cancel()
		<-s.writeDone
		_ = s.conn.Close()
	})
	return nil
}

func (s *session) run() {
	defer s.cleanup()
	go s.writeLoop()
	s.readLoop()
}

func (s *session) cleanup() {
	_ = s.Close()

	if s.nodeID != "" && s.server.registry != nil {
		s.server.registry.Disconnect(s.nodeID)
		s.server.failPendingForNode(s.nodeID)
	}

	s.subsMu.Lock()
	subs := make([]*events.Subscription, 0, len(s.subs))
	for _, sub := range s.subs {
		subs = append(subs, sub)
	}
	s.subs = nil
	s.subsMu.Unlock()
	if s.server.broker != nil {
		for _, sub := range subs {
			s.server.broker.Unsubscribe(sub)
		}
	}
}

func (s *session) readLoop() {
	s.conn.SetReadLimit(readLimitBytes)
	_ = s.conn.SetReadDeadline(time.Now().Add(pongWait))
	s.conn.SetPongHandler(func(string) error {
		return s.conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		messageType, data, err := s.conn.ReadMessage()
		if err != nil {
			return
		}
		if messageType != websocket.TextMessage {
			continue
		}

		var frame Frame
		if err := json.Unmarshal(data, &frame); err != nil {
			s.sendError("", apperr.KindProtocolError, err.Error())
			continue
		}

		if err := s.handle(frame); err != nil {
			var ae *apperr.AutarchError
			if aerr, ok := err.(*apperr.AutarchError); ok {
				ae = aerr
			} else {
				ae = apperr.Wrap(apperr.KindProtocolError, err)
			}
			s.sendError(frame.TaskID, ae.Kind, ae.Message)
			if ae.Kind == apperr.KindAuthFailed {
				return
			}
		}
	}
}

func (s *session) writeLoop() {
	defer close(s.writeDone)
	for {
		select {
		case msg, ok := <-s.send:
			if !ok {
				return
			}
			if !s.writeMessage(msg) {
				return
			}
		case <-s.ctx.Done():
			s.drain()
			return
		}
	}
}

// drain flushes whatever is already queued in s.send once shutdown has been
// signaled, without blocking waiting for more.
func (s *session) drain() {
	for {
		select {
		case msg, ok := <-s.send:
			if !ok || !s.writeMessage(msg) {
				return
			}
		default:
			return
		}
	}
}

func (s *session) writeMessage(msg []byte) bool {
	_ = s.conn.SetWriteDeadline(time.Now().Add(writeWait))
	return s.conn.WriteMessage(websocket.TextMessage, msg) == nil
}

func (s *session) handle(frame Frame) error {
	switch frame.Type {
	case framePing:
		return s.enqueue(Frame{Type: framePong})
	case frameRegister:
		return s.handleRegister(frame)
	case frameHeartbeat:
		return s.handleHeartbeat(frame)
	case frameIntent:
		return s.handleIntent(frame)
	case frameResult:
		return s.handleResult(frame)
	case frameSubscribe:
		return s.handleSubscribe(frame)
	case frameUnsubscribe:
		return s.handleUnsubscribe(frame)
	default:
		return apperr.New(apperr.KindProtocolError, fmt.Sprintf("unknown frame type %q", frame.Type))
	}
}

func (s *session) handleRegister(frame Frame) error {
	if s.server.registry == nil {
		return apperr.New(apperr.KindDependencyUnavailable, "node registry unavailable")
	}
	req := nodes.RegistrationRequest{
		NodeType:     frame.NodeType,
		Capabilities: frame.Capabilities,
		Resources:    frame.Resources,
		Nonce:        frame.Nonce,
		Timestamp:    frame.Timestamp,
		Signature:    frame.Signature,
	}
	node, err := s.server.registry.Register(s.ctx, req, s)
	if err != nil {
		return apperr.Wrap(registrationErrorKind(err), err)
	}
	s.nodeID = node.ID
	return s.enqueue(Frame{Type: frameRegistered, NodeID: string(node.ID)})
}

func (s *session) handleHeartbeat(frame Frame) error {
	if s.server.registry == nil {
		return apperr.New(apperr.KindDependencyUnavailable, "node registry unavailable")
	}
	req := nodes.HeartbeatRequest{
		NodeID:    nodes.NodeID(frame.NodeID),
		Resources: frame.Resources,
		Signature: frame.Signature,
	}
	if err := s.server.registry.Heartbeat(s.ctx, req); err != nil {
		return apperr.Wrap(registrationErrorKind(err), err)
	}
	return nil
}

// registrationErrorKind classifies a Registry error for the error frame
// sent back to the peer. Everything the registry returns other than its
// two documented sentinels is treated as an internal failure rather than a
// credential problem.
func registrationErrorKind(err error) apperr.Kind {
	switch {
	case errors.Is(err, nodes.ErrAuthFailed):
		return apperr.KindAuthFailed
	case errors.Is(err, nodes.ErrNodeNotFound):
		return apperr.KindProtocolError
	default:
		return apperr.KindInternalInvariant
	}
}

func (s *session) handleIntent(frame Frame) error {
	if s.server.orchestrator == nil {
		return apperr.New(apperr.KindDependencyUnavailable, "orchestrator unavailable")
	}
	result := s.server.orchestrator.HandleIntent(s.ctx, frame.Intent)
	return s.enqueue(Frame{Type: frameIntentResult, Result: &result})
}

func (s *session) handleResult(frame Frame) error {
	ok := frame.OK != nil && *frame.OK
	s.server.resolvePending(frame.TaskID, toolResultFromFrame(ok, frame.Data, frame.Error))
	return nil
}

func (s *session) handleSubscribe(frame Frame) error {
	if s.server.broker == nil {
		return apperr.New(apperr.KindDependencyUnavailable, "event broker unavailable")
	}
	filter := frame.EventType
	if filter == "" {
		filter = events.WildcardFilter
	}
	sub, ch := s.server.broker.Subscribe(frame.ClientID, filter)

	s.subsMu.Lock()
	s.subs[frame.ClientID] = sub
	s.subsMu.Unlock()

	go s.forwardEvents(ch)
	return nil
}

func (s *session) handleUnsubscribe(frame Frame) error {
	s.subsMu.Lock()
	sub, ok := s.subs[frame.ClientID]
	if ok {
		delete(s.subs, frame.ClientID)
	}
	s.subsMu.Unlock()
	if ok && s.server.broker != nil {
		s.server.broker.Unsubscribe(sub)
	}
	return nil
}

func (s *session) forwardEvents(ch <-chan events.Event) {
	for {
		select {
		case <-s.ctx.Done():
			return
		case ev, ok := <-ch:
			if !ok {
				return
			}
			evCopy := ev
			_ = s.enqueue(Frame{Type: frameEvent, Event: &evCopy})
		}
	}
}

func (s *session) enqueue(frame Frame) error {
	data, err := json.Marshal(frame)
	if err != nil {
		return err
	}
	return s.Send(data)
}

func (s *session) sendError(taskID string, kind apperr.Kind, message string) {
	_ = s.enqueue(Frame{Type: frameError, TaskID: taskID, Kind: string(kind), Message: message})
}
