package protocol

import (
	"encoding/json"
	"fmt"
)

// validClientTypes is the set of allowed client→server message types.
var validClientTypes = map[string]bool{
	TypePair:      true,
	TypeInterrupt: true,
	TypeComplete:  true,
	TypeList:      true,
	TypeDescribe:  true,
	TypeResize:    true,
}

// ValidateClientMessage validates a raw JSON message from a client.
// Returns the parsed Message and any validation error.
func ValidateClientMessage(raw []byte) (*Message, error) {
	var msg Message
	if err := json.Unmarshal(raw, &msg); err != nil {
		return nil, fmt.Errorf("invalid JSON: %w", err)
	}

	if msg.Type == "" {
		return nil, fmt.Errorf("missing 'type' field")
	}

	if !validClientTypes[msg.Type] {
		return nil, fmt.Errorf("unknown message type: %s", msg.Type)
	}

	// Requests without arguments may omit the payload.
	if msg.Payload == nil {
		msg.Payload = json.RawMessage("{}")
	}

	switch msg.Type {
	case TypePair:
		var p SessionIDPayload
		if err := json.Unmarshal(msg.Payload, &p); err != nil {
			return nil, fmt.Errorf("invalid payload for %s: %w", msg.Type, err)
		}
		if p.SessionID == "" {
			return nil, fmt.Errorf("missing required field 'sessionId' in %s payload", msg.Type)
		}

	case TypeInterrupt:
		var p SessionIDPayload
		if err := json.Unmarshal(msg.Payload, &p); err != nil {
			return nil, fmt.Errorf("invalid payload for %s: %w", msg.Type, err)
		}

	case TypeComplete:
		var p CompletePayload
		if err := json.Unmarshal(msg.Payload, &p); err != nil {
			return nil, fmt.Errorf("invalid payload for %s: %w", msg.Type, err)
		}

	case TypeResize:
		var p ResizePayload
		if err := json.Unmarshal(msg.Payload, &p); err != nil {
			return nil, fmt.Errorf("invalid payload for %s: %w", msg.Type, err)
		}
		if p.Cols == 0 || p.Rows == 0 {
			return nil, fmt.Errorf("%s requires non-zero 'cols' and 'rows'", msg.Type)
		}
	}

	return &msg, nil
}

// NewErrorMessage creates an error message ready to send to the client.
func NewErrorMessage(code, message string) (*Message, error) {
	return NewMessage(TypeError, ErrorPayload{
		Code:    code,
		Message: message,
	})
}
