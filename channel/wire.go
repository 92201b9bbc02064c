package channel

import (
	"encoding/json"
	"fmt"

	"github.com/go-playground/validator/v10"
)

// Envelope types on the websocket transport
const (
	// FrameEvent server -> client notification
	FrameEvent = "event"
	// FrameEmit client -> server fire-and-forget
	FrameEmit = "emit"
	// FrameRequest client -> server acknowledgable command
	FrameRequest = "request"
	// FrameAck server -> client acknowledgement of a request
	FrameAck = "ack"
)

// Envelope one JSON frame on the websocket transport
type Envelope struct {
	Type  string          `json:"type" validate:"required,oneof=event emit request ack"`
	Event string          `json:"event,omitempty" validate:"required_unless=Type ack"`
	AckID string          `json:"ack_id,omitempty"`
	Data  json.RawMessage `json:"data,omitempty"`
}

// frameCodec encodes and validates envelopes
type frameCodec struct {
	validate *validator.Validate
}

func newFrameCodec() frameCodec {
	return frameCodec{validate: validator.New()}
}

// encode build an envelope frame around a payload
func (c frameCodec) encode(frameType, event, ackID string, payload interface{}) ([]byte, error) {
	envelope := Envelope{Type: frameType, Event: event, AckID: ackID}
	if payload != nil {
		switch typed := payload.(type) {
		case json.RawMessage:
			envelope.Data = typed
		case []byte:
			envelope.Data = json.RawMessage(typed)
		default:
			data, err := json.Marshal(payload)
			if err != nil {
				return nil, fmt.Errorf("unable to encode '%s' payload: %w", event, err)
			}
			envelope.Data = data
		}
	}
	if err := c.check(&envelope); err != nil {
		return nil, err
	}
	return json.Marshal(&envelope)
}

// decode parse and validate one frame
func (c frameCodec) decode(frame []byte) (Envelope, error) {
	var envelope Envelope
	if err := json.Unmarshal(frame, &envelope); err != nil {
		return envelope, fmt.Errorf("malformed frame: %w", err)
	}
	return envelope, c.check(&envelope)
}

func (c frameCodec) check(envelope *Envelope) error {
	if err := c.validate.Struct(envelope); err != nil {
		return err
	}
	if (envelope.Type == FrameRequest || envelope.Type == FrameAck) && envelope.AckID == "" {
		return fmt.Errorf("%s frame without ack_id", envelope.Type)
	}
	return nil
}
