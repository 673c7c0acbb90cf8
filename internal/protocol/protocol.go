// Package protocol defines the JSON frame types exchanged over the glasses
// and App duplex links, together with the WebSocket close codes the cloud
// uses.
//
// Every frame carries a "type" discriminator. Inbound frames form a closed
// set: [DecodeGlassesFrame] and [DecodeAppFrame] return one of the concrete
// structs in this package, so endpoint dispatch is a single exhaustive type
// switch. Unknown types decode to [UnknownFrame] rather than an error so the
// peer can be answered with a validation error without tearing the link down.
package protocol

import (
	"encoding/json"
	"fmt"
	"time"
)

// WebSocket close codes used by the cloud. 1000/1001 are the standard
// normal/going-away codes; 1008 signals an auth or policy failure and 1011
// an internal error, matching RFC 6455 semantics.
const (
	CloseNormal    = 1000
	CloseGoingAway = 1001
	ClosePolicy    = 1008
	CloseInternal  = 1011
)

// envelope is the minimal shape every frame shares.
type envelope struct {
	Type string `json:"type"`
}

// Timestamp is a wire timestamp. The TypeScript peers serialise Date values
// as RFC 3339 strings; time.Time round-trips those.
type Timestamp = time.Time

// frameType extracts the discriminator from raw JSON.
func frameType(data []byte) (string, error) {
	var env envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return "", fmt.Errorf("protocol: decode envelope: %w", err)
	}
	if env.Type == "" {
		return "", fmt.Errorf("protocol: frame has no type field")
	}
	return env.Type, nil
}

// UnknownFrame is returned for syntactically valid JSON whose type is not
// part of the closed set. The endpoint answers it with a validation error.
type UnknownFrame struct {
	Type string
	Raw  json.RawMessage
}

func (UnknownFrame) isGlassesFrame() {}
func (UnknownFrame) isAppFrame()     {}
