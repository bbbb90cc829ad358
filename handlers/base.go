package handlers

import (
	"context"
	"encoding/json"
)

// Frame types exchanged with terminals.
const (
	TypeEvent = "event"
	TypeState = "state"
	TypePing  = "ping"
	TypeAck   = "ack"
	TypePong  = "pong"
	TypeError = "error"
)

// Frame is one JSON message on a terminal connection. ID is echoed back so a
// terminal can match replies to requests.
type Frame struct {
	Type string          `json:"type"`
	ID   string          `json:"id,omitempty"`
	Data json.RawMessage `json:"data,omitempty"`
}

// Reply is what a handler answers.
type Reply struct {
	Type string      `json:"type"`
	ID   string      `json:"id,omitempty"`
	Data interface{} `json:"data,omitempty"`
}

// MessageHandler processes one frame type for an authenticated instance.
type MessageHandler interface {
	Handle(ctx context.Context, instanceID string, data json.RawMessage) (Reply, error)

	// GetMessageType returns the frame type this handler accepts
	GetMessageType() string
}
