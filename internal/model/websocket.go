package model

import "encoding/json"

// WebSocket message types sent by clients
const (
	WSMessageTypePing = "ping"
)

// WSMessage represents a generic inbound WebSocket message
type WSMessage struct {
	Type string `json:"type"`
}

// WSFrame is the outbound frame written to a live connection
type WSFrame struct {
	Event string          `json:"event"`
	Data  json.RawMessage `json:"data,omitempty"`
}

// LivePingRequest refreshes one live connection through the bus
type LivePingRequest struct {
	ConnectionID string `query:"connectionId" validate:"required,max=128"`
}
