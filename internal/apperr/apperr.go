// Package apperr defines the error kind taxonomy shared across the
// orchestration core and the wire representation used to surface failures
// to control-plane clients.
package apperr

import "fmt"

// Kind classifies a failure the way it must be reported across component
// and wire boundaries. Kinds are not Go error types; they are a closed,
// documented vocabulary callers can switch on.
type Kind string

const (
	KindProtocolError         Kind = "ProtocolError"
	KindAuthFailed            Kind = "AuthFailed"
	KindUnknownTool           Kind = "UnknownTool"
	KindInvalidArgs           Kind = "InvalidArgs"
	KindTimeout               Kind = "Timeout"
	KindRemoteRefused         Kind = "RemoteRefused"
	KindRemoteCrashed         Kind = "RemoteCrashed"
	KindDependencyUnavailable Kind = "DependencyUnavailable"
	KindStorageUnavailable    Kind = "StorageUnavailable"
	KindInternalInvariant     Kind = "InternalInvariant"
	KindExecutionError        Kind = "ExecutionError"
	KindNoneAvailable         Kind = "NoneAvailable"
)

// AutarchError is the one error type that crosses the control-plane
// boundary. Internal code prefers plain sentinel errors and %w wrapping;
// this type exists for the handful of places that must carry a Kind out to
// a client as {kind, message}.
type AutarchError struct {
	Kind    Kind
	Message string
	Err     error
}

// New creates an AutarchError with no wrapped cause.
func New(kind Kind, message string) *AutarchError {
	return &AutarchError{Kind: kind, Message: message}
}

// Wrap attaches a Kind to an underlying error, keeping it unwrappable.
func Wrap(kind Kind, err error) *AutarchError {
	if err == nil {
		return nil
	}
	return &AutarchError{Kind: kind, Message: err.Error(), Err: err}
}

func (e *AutarchError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s", e.Kind, e.Err.Error())
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

func (e *AutarchError) Unwrap() error {
	return e.Err
}

// Wire is the JSON shape sent to control-plane clients as an `error` frame.
type Wire struct {
	Kind    Kind   `json:"kind"`
	Message string `json:"message"`
}

// ToWire converts an AutarchError to its wire representation.
func (e *AutarchError) ToWire() Wire {
	return Wire{Kind: e.Kind, Message: e.Message}
}
