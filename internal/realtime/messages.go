package realtime

import "encoding/json"

// Frame types of the control protocol.
const (
	TypeAuth        = "auth"
	TypePing        = "ping"
	TypeAuthSuccess = "auth_success"
	TypeAuthError   = "auth_error"
	TypePong        = "pong"
	TypeError       = "error"

	// TypeNotification frames carry producer notifications to clients.
	TypeNotification = "notification"
)

// Frame is the envelope of every inbound message.
type Frame struct {
	Type string          `json:"type"`
	Data json.RawMessage `json:"data,omitempty"`
}

type authData struct {
	Token        string `json:"token"`
	ConnectionID string `json:"connectionId"`
}

type pingData struct {
	Timestamp json.RawMessage `json:"timestamp"`
}

type authSuccessData struct {
	UserID       string `json:"user_id"`
	ConnectionID string `json:"connection_id"`
}

type messageData struct {
	Message string `json:"message"`
}

type pongData struct {
	Timestamp json.RawMessage `json:"timestamp"`
}

type outbound struct {
	Type string `json:"type"`
	Data any    `json:"data"`
}

// Encode marshals a server frame. The payload types used here always marshal.
func Encode(typ string, data any) []byte {
	b, err := json.Marshal(outbound{Type: typ, Data: data})
	if err != nil {
		b, _ = json.Marshal(outbound{Type: TypeError, Data: messageData{Message: "internal encoding error"}})
	}
	return b
}
