package controlplane

import (
	"encoding/json"

	"github.com/chimera-autarch/autarch/internal/events"
	"github.com/chimera-autarch/autarch/internal/orchestrator"
)

// Inbound frame types.
const (
	frameRegister    = "register"
	frameHeartbeat   = "heartbeat"
	frameIntent      = "intent"
	frameResult      = "result"
	frameSubscribe   = "subscribe_events"
	frameUnsubscribe = "unsubscribe_events"
	framePing        = "ping"
)

// Outbound frame types.
const (
	frameRegistered   = "registered"
	frameDispatch     = "dispatch"
	frameEvent        = "event"
	frameError        = "error"
	framePong         = "pong"
	frameIntentResult = "intent_result"
)

// Frame is the single wire envelope every control-plane message is decoded
// into or encoded from. Every payload carries a type discriminator; the
// remaining fields are populated according to that type and left zero
// otherwise.
type Frame struct {
	Type string `json:"type"`

	// register (inbound)
	NodeType     string         `json:"node_type,omitempty"`
	Resources    map[string]any `json:"resources,omitempty"`
	Capabilities []string       `json:"capabilities,omitempty"`
	Nonce        string         `json:"nonce,omitempty"`
	Timestamp    int64          `json:"timestamp,omitempty"`
	Signature    string         `json:"signature,omitempty"`

	// heartbeat / result / registered
	NodeID string `json:"node_id,omitempty"`

	// intent (inbound)
	Intent string `json:"intent,omitempty"`

	// intent_result (outbound)
	Result *orchestrator.PlanResult `json:"result,omitempty"`

	// result (inbound), dispatch (outbound)
	TaskID string          `json:"task_id,omitempty"`
	OK     *bool           `json:"ok,omitempty"`
	Data   json.RawMessage `json:"data,omitempty"`
	Error  string          `json:"error,omitempty"`

	// subscribe_events / unsubscribe_events (inbound)
	ClientID  string `json:"client_id,omitempty"`
	EventType string `json:"event_type,omitempty"`

	// dispatch (outbound)
	Tool     string          `json:"tool,omitempty"`
	Args     json.RawMessage `json:"args,omitempty"`
	Deadline int64           `json:"deadline,omitempty"`

	// event (outbound)
	Event *events.Event `json:"event,omitempty"`

	// error (outbound)
	Kind    string `json:"kind,omitempty"`
	Message string `json:"message,omitempty"`
}
