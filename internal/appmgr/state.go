// Package appmgr owns the per-session App connections: launching Apps over
// the session_request webhook, tracking each connection through its state
// machine, relaying outbound frames with at-most-once delivery, and
// resurrecting Apps that went away.
package appmgr

import "fmt"

// ConnState is the lifecycle state of one App connection on a session.
type ConnState int

const (
	// StateResurrecting means the webhook fired and the cloud is waiting
	// for the App to connect back. Used for first launches and automatic
	// restarts alike.
	StateResurrecting ConnState = iota

	// StateRunning means the App link is live and receiving frames.
	StateRunning

	// StateGracePeriod means the link dropped unexpectedly; the App may
	// reconnect within the grace window and resume without a relaunch.
	StateGracePeriod

	// StateStopping means a stop is in flight; inbound frames are ignored.
	StateStopping

	// StateDisconnected means the grace window elapsed. The connection
	// record is kept so a later send can trigger resurrection.
	StateDisconnected
)

// String implements fmt.Stringer.
func (s ConnState) String() string {
	switch s {
	case StateResurrecting:
		return "RESURRECTING"
	case StateRunning:
		return "RUNNING"
	case StateGracePeriod:
		return "GRACE_PERIOD"
	case StateStopping:
		return "STOPPING"
	case StateDisconnected:
		return "DISCONNECTED"
	}
	return fmt.Sprintf("ConnState(%d)", int(s))
}

// StartStage identifies where an App launch failed.
type StartStage string

const (
	// StageWebhook means the session_request webhook could not be
	// delivered within the attempt budget.
	StageWebhook StartStage = "WEBHOOK"

	// StageTimeout means the webhook was accepted but the App never
	// connected back before the start timeout.
	StageTimeout StartStage = "TIMEOUT"

	// StageConnection means the App connected but the link failed during
	// the handshake.
	StageConnection StartStage = "CONNECTION"

	// StageAuth means the App presented an invalid API key or session id.
	StageAuth StartStage = "AUTH"
)

// StartError reports a failed App launch with the stage that failed.
type StartError struct {
	PackageName string
	Stage       StartStage
	Err         error
}

// Error implements error.
func (e *StartError) Error() string {
	if e.Err == nil {
		return fmt.Sprintf("appmgr: start %s failed at %s", e.PackageName, e.Stage)
	}
	return fmt.Sprintf("appmgr: start %s failed at %s: %v", e.PackageName, e.Stage, e.Err)
}

// Unwrap supports errors.Is/As chains.
func (e *StartError) Unwrap() error { return e.Err }

// SendResult reports the outcome of a relay send toward an App.
type SendResult struct {
	// Sent is true when the frame was written to a live link.
	Sent bool

	// ResurrectionTriggered is true when the target was disconnected and
	// an automatic relaunch was kicked off. The frame itself is dropped;
	// delivery is at most once and nothing is queued.
	ResurrectionTriggered bool

	// Err holds the write error, if any.
	Err error
}
