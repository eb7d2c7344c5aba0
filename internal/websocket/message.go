package websocket

import (
	"encoding/json"
	"time"
)

// Message is the outbound envelope for the alert lifecycle feed.
type Message struct {
	Type      string      `json:"type"`
	Timestamp time.Time   `json:"timestamp"`
	Data      interface{} `json:"data,omitempty"`
}

// ToJSON serializes the message, falling back to an error frame so a
// marshal failure never kills the write pump.
func (m Message) ToJSON() []byte {
	data, err := json.Marshal(m)
	if err != nil {
		fallback, _ := json.Marshal(Message{
			Type:      "error",
			Timestamp: time.Now().UTC(),
		})
		return fallback
	}
	return data
}

// clientMessage is the inbound envelope from connected dashboards.
type clientMessage struct {
	Type string                 `json:"type"`
	Data map[string]interface{} `json:"data"`
}
