package signaling

import "encoding/json"

// The control channel speaks a JSON envelope protocol: every frame carries a
// top-level "type" plus a field keyed by that type holding the payload.
// Requests may carry an "id" echoed back by the relay on the matching
// response.
//
// This package models the protocol surface only; it does not depend on any
// WebRTC library type.

type messageType string

const (
	messageTypeHello   messageType = "hello"
	messageTypeRoom    messageType = "room"
	messageTypeMessage messageType = "message"
	messageTypeBye     messageType = "bye"
	messageTypeError   messageType = "error"
)

const protocolVersion = "1.0"

// Data types the relay forwards between sessions.
const (
	DataTypeOffer        = "offer"
	DataTypeAnswer       = "answer"
	DataTypeCandidate    = "candidate"
	DataTypeRequestOffer = "requestoffer"
)

type clientMessage struct {
	ID   string      `json:"id,omitempty"`
	Type messageType `json:"type"`

	Hello   *helloRequest   `json:"hello,omitempty"`
	Room    *roomRequest    `json:"room,omitempty"`
	Message *messageRequest `json:"message,omitempty"`
	Bye     *byeRequest     `json:"bye,omitempty"`
}

type helloRequest struct {
	Version string    `json:"version"`
	Auth    helloAuth `json:"auth"`
}

type helloAuth struct {
	URL    string          `json:"url"`
	Params helloAuthParams `json:"params"`
}

type helloAuthParams struct {
	UserID string `json:"userid"`
	Ticket string `json:"ticket"`
}

// roomRequest announces the relay-side room binding using the membership
// session id obtained from the room backend. An empty RoomID clears the
// binding.
type roomRequest struct {
	RoomID    string `json:"roomid"`
	SessionID string `json:"sessionid,omitempty"`
}

type messageRequest struct {
	Recipient recipient       `json:"recipient"`
	Data      json.RawMessage `json:"data"`
}

type recipient struct {
	Type      string `json:"type"`
	SessionID string `json:"sessionid"`
}

type byeRequest struct{}

// ServerMessage is a parsed frame received from the relay.
type ServerMessage struct {
	ID   string      `json:"id,omitempty"`
	Type messageType `json:"type"`

	Hello   *HelloResult  `json:"hello,omitempty"`
	Room    *RoomResult   `json:"room,omitempty"`
	Message *MessageEvent `json:"message,omitempty"`
	Error   *Error        `json:"error,omitempty"`
}

type HelloResult struct {
	Version   string `json:"version"`
	SessionID string `json:"sessionid"`
	ResumeID  string `json:"resumeid,omitempty"`
}

type RoomResult struct {
	RoomID string `json:"roomid"`
}

// MessageEvent wraps a data frame another session addressed to us.
type MessageEvent struct {
	Sender recipient       `json:"sender"`
	Data   json.RawMessage `json:"data"`
}

// Error is a relay-reported error event. It is informational: the session
// stays usable after receiving one.
type Error struct {
	Code    string          `json:"code"`
	Message string          `json:"message"`
	Details json.RawMessage `json:"details,omitempty"`
}

func (e *Error) Error() string {
	if e.Message != "" {
		return e.Code + ": " + e.Message
	}
	return e.Code
}

// Data is the inner payload relayed between sessions: negotiation artifacts
// (offer/answer/candidate/requestoffer) tagged with the logical media kind of
// the peer connection they belong to ("video" or "screen").
type Data struct {
	Type     string          `json:"type"`
	From     string          `json:"from,omitempty"`
	To       string          `json:"to,omitempty"`
	RoomType string          `json:"roomType,omitempty"`
	Payload  json.RawMessage `json:"payload,omitempty"`
}
