// Package broker implements the session broker core: connection and room
// registries, broadcast with bounded history, message dispatch, and the
// ambient pose ticker.
package broker

import (
	"encoding/json"
	"time"
)

// Reply codes follow a status-code convention: 2xx success, 4xx client-caused
// failure, 5xx server-side failure.
const (
	CodeOK              = 200
	CodeLoggedIn        = 201
	CodePong            = 202
	CodeListing         = 203
	CodeBadRequest      = 400
	CodeUnauthenticated = 401
	CodeForbidden       = 403
	CodeNotFound        = 404
	CodeConflict        = 409
	CodeInternal        = 500
	CodeNotImplemented  = 501
)

// Inbound message types understood on the system target.
const (
	TypeLogin  = "login"
	TypePing   = "ping"
	TypeRooms  = "rooms"
	TypeSearch = "search"
	TypeReady  = "ready"
	TypeChoice = "choice"
	TypeResign = "resign"
)

// Inbound message types understood on room targets.
const (
	TypeMsg   = "msg"
	TypeJoin  = "join"
	TypeLeave = "leave"
	TypePose  = "pose"
)

// Outbound-only event types.
const (
	TypeHistory = "history"
	TypeKick    = "kick"
	TypeMatch   = "match"
	TypeRound   = "round"
	TypeBlock   = "block"
	TypeWaiting = "waiting"
	TypeEnded   = "ended"
	TypeAborted = "aborted"
)

// SystemTarget is the reserved inbound target for non-room commands.
const SystemTarget = "system"

// Envelope is an inbound structured record. The wire codec is the
// transport's concern; the broker consumes envelopes as-is.
type Envelope struct {
	// Target is either SystemTarget or a room id.
	Target string `json:"target"`
	// Type names the operation; defaults to "msg" on room targets.
	Type string `json:"type"`
	// Payload is the operation argument, decoded per Type by the dispatcher.
	Payload json.RawMessage `json:"payload"`
}

// Event is an outbound room-traffic record.
type Event struct {
	Timestamp time.Time `json:"timestamp"`
	Room      string    `json:"room"`
	Sender    string    `json:"sender"`
	Type      string    `json:"type"`
	Payload   any       `json:"payload"`
}

// Reply is an outbound direct system response.
type Reply struct {
	Timestamp time.Time `json:"timestamp"`
	Code      int       `json:"code"`
	Message   string    `json:"message"`
	Detail    any       `json:"detail,omitempty"`
}

// Vec3 is a position or orientation component.
type Vec3 struct {
	X float64 `json:"x"`
	Y float64 `json:"y"`
	Z float64 `json:"z"`
}

// Pose is a participant's ambient position and orientation.
type Pose struct {
	Pos Vec3 `json:"pos"`
	Rot Vec3 `json:"rot"`
}

// NewEvent builds a room event stamped with the current time.
func NewEvent(room, sender, typ string, payload any) Event {
	return Event{
		Timestamp: time.Now(),
		Room:      room,
		Sender:    sender,
		Type:      typ,
		Payload:   payload,
	}
}

// NewReply builds a direct reply stamped with the current time.
func NewReply(code int, message string, detail any) Reply {
	return Reply{
		Timestamp: time.Now(),
		Code:      code,
		Message:   message,
		Detail:    detail,
	}
}
