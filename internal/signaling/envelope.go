// Package signaling implements the module registry and envelope codec (C5)
// and the per-connection runner (C6) described in spec.md §4.5–§4.6. It is
// adapted from the teacher's internal/v1/session/room.go broadcast style
// (JSON Message{Event,Payload} envelopes) generalized from a hardcoded event
// switch into a namespace-keyed module registry.
package signaling

import (
	"encoding/json"
	"time"
)

// ParticipantID is the 128-bit opaque identifier from spec.md §3, carried as
// a canonical-hyphenated UUID string on the wire.
type ParticipantID string

// Role is a participant's permission level (spec.md §3).
type Role string

const (
	RoleUser      Role = "user"
	RoleModerator Role = "moderator"
)

// Kind distinguishes directory users from guests/sip/recorder participants.
type Kind string

const (
	KindUser     Kind = "user"
	KindGuest    Kind = "guest"
	KindSip      Kind = "sip"
	KindRecorder Kind = "recorder"
)

// ControlNamespace is the namespace name of the control module (C7), the
// only module a runner will dispatch to while parked in the Joining state.
const ControlNamespace = "control"

// RoomRef is the composite SignalingRoomId from spec.md §3: a room plus an
// optional breakout sub-room.
type RoomRef struct {
	RoomID     string  `json:"room_id"`
	BreakoutID *string `json:"breakout_id,omitempty"`
}

// Scope returns the flat string used to key state-store and bus names for
// this room/breakout pair.
func (r RoomRef) Scope() string {
	if r.BreakoutID != nil {
		return r.RoomID + ":" + *r.BreakoutID
	}
	return r.RoomID
}

// Envelope is the wire format named in spec.md §4.5/§6: a JSON object
// {"namespace", "timestamp", "payload"} in both directions.
type Envelope struct {
	Namespace string          `json:"namespace"`
	Timestamp time.Time       `json:"timestamp"`
	Payload   json.RawMessage `json:"payload"`
}

// NewEnvelope builds an Envelope with payload marshaled from v and the
// current time stamped in RFC3339 (via time.Time's default JSON encoding).
func NewEnvelope(namespace string, v any) (Envelope, error) {
	raw, err := json.Marshal(v)
	if err != nil {
		return Envelope{}, err
	}
	return Envelope{Namespace: namespace, Timestamp: time.Now().UTC(), Payload: raw}, nil
}

// Decode unmarshals the envelope's payload into v.
func (e Envelope) Decode(v any) error {
	return json.Unmarshal(e.Payload, v)
}
