package relay

import "errors"

// Sentinel errors surfaced by the review RPC and manager-channel lifecycle.
// Handlers translate these into HTTP status codes at the boundary (§7).
var (
	// ErrManagerNotConnected means no manager channel is currently connected.
	ErrManagerNotConnected = errors.New("manager not connected")

	// ErrManagerTimeout means a review RPC's deadline elapsed with no reply.
	ErrManagerTimeout = errors.New("manager review timed out")

	// ErrManagerDisconnected means the manager channel was torn down while
	// a review RPC was in flight.
	ErrManagerDisconnected = errors.New("manager disconnected")

	// ErrTargetFailure means dialing or round-tripping to the target failed.
	ErrTargetFailure = errors.New("target request failed")

	// ErrProtocolViolation means an inbound manager frame was unparseable
	// or carried an unexpected shape. It is never fatal — the frame is
	// dropped and the manager channel stays up.
	ErrProtocolViolation = errors.New("protocol violation")
)

// ErrManagerRejected is returned when the manager explicitly rejects a
// request or response. Reason is whatever the manager supplied, suitable
// for echoing back to the client as the body of a 403.
type ErrManagerRejected struct {
	Reason string
}

func (e *ErrManagerRejected) Error() string {
	if e.Reason == "" {
		return "rejected by manager"
	}
	return "rejected by manager: " + e.Reason
}
