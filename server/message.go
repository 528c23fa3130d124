package server

import (
	"encoding/json"

	"github.com/alimasry/go-camp/model"
	"github.com/alimasry/go-camp/service"
)

// Message types exchanged over WebSocket.
const (
	MsgWatch     = "watch"
	MsgUnwatch   = "unwatch"
	MsgDoc       = "doc"
	MsgEvent     = "event"
	MsgUnwatched = "unwatched"
	MsgError     = "error"
)

// ClientMessage is a message from client to server.
type ClientMessage struct {
	Type  string `json:"type"`
	DocID int64  `json:"docId,omitempty"`
}

// ServerMessage is a message from server to client.
type ServerMessage struct {
	Type     string              `json:"type"`
	DocID    int64               `json:"docId,omitempty"`
	Document *model.DocumentView `json:"document,omitempty"`
	Event    *service.Event      `json:"event,omitempty"`
	ClientID string              `json:"clientId,omitempty"`
	Watchers int                 `json:"watchers,omitempty"`
	Message  string              `json:"message,omitempty"`
}

// Encode serializes a ServerMessage to JSON bytes.
func (m ServerMessage) Encode() []byte {
	b, _ := json.Marshal(m)
	return b
}
