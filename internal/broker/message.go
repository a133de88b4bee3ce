package broker

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/go-playground/validator/v10"
)

// Message is the JSON payload published to this node's queue. code and ids
// are required; the remaining fields are passthrough and end up in the wire
// envelope unchanged.
type Message struct {
	Code      *int              `json:"code" validate:"required"`
	IDs       []string          `json:"ids" validate:"required"`
	Data      json.RawMessage   `json:"data,omitempty"`
	Token     string            `json:"token,omitempty"`
	Metadata  map[string]string `json:"metadata,omitempty"`
	Message   string            `json:"message,omitempty"`
	RequestID string            `json:"request_id,omitempty"`
	Timestamp int64             `json:"timestamp,omitempty"`
}

// Dispatcher turns a decoded broker message into per-session enqueues. An
// error marks the message as poison; per-session failures are not errors.
type Dispatcher interface {
	Dispatch(ctx context.Context, msg *Message) error
}

var validate = validator.New()

// Decode parses and validates a queue delivery body. A decode error means
// the message is poison: the consumer acks and drops it.
func Decode(body []byte) (*Message, error) {
	var msg Message
	if err := json.Unmarshal(body, &msg); err != nil {
		return nil, fmt.Errorf("broker: decode message: %w", err)
	}
	if err := validate.Struct(&msg); err != nil {
		return nil, fmt.Errorf("broker: invalid message: %w", err)
	}
	return &msg, nil
}
