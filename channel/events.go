package channel

import (
	"encoding/json"
	"errors"
	"fmt"
)

// Event names exchanged on the event channel
const (
	// EventQueueUpdated server -> client: the queue of one scope changed
	EventQueueUpdated = "queue:updated"
	// EventQueueUpdatedAll server -> client: queues changed globally
	EventQueueUpdatedAll = "queue:updated:all"
	// EventRoomJoin client -> server: join the room of a scope
	EventRoomJoin = "room:join"
	// EventQueueAdvance client -> server: acknowledgable "call next"
	EventQueueAdvance = "queue:advance"
	// EventQueueSkip client -> server: acknowledgable "skip current"
	EventQueueSkip = "queue:skip"
)

var (
	// ErrNotConnected the event channel has no live link
	ErrNotConnected = errors.New("event channel not connected")
	// ErrLinkClosed the link was closed
	ErrLinkClosed = errors.New("event channel link closed")
)

// ScopePayload payload of queue:updated, room:join, queue:advance and queue:skip
type ScopePayload struct {
	ResourceID string `json:"resourceId" validate:"required"`
	Date       string `json:"date,omitempty"`
}

// ParseScopePayload parse an event payload carrying a scope reference. The
// resource ID may be sent as a string or a number.
func ParseScopePayload(raw json.RawMessage) (ScopePayload, error) {
	var parsed struct {
		ResourceID json.RawMessage `json:"resourceId"`
		Date       string          `json:"date"`
	}
	if err := json.Unmarshal(raw, &parsed); err != nil {
		return ScopePayload{}, err
	}
	result := ScopePayload{Date: parsed.Date}
	if len(parsed.ResourceID) == 0 {
		return result, fmt.Errorf("payload has no resourceId")
	}
	var asString string
	if err := json.Unmarshal(parsed.ResourceID, &asString); err == nil {
		result.ResourceID = asString
	} else {
		var asNumber json.Number
		if err := json.Unmarshal(parsed.ResourceID, &asNumber); err != nil {
			return result, fmt.Errorf("resourceId must be a string or a number: %w", err)
		}
		result.ResourceID = asNumber.String()
	}
	if result.ResourceID == "" {
		return result, fmt.Errorf("payload has empty resourceId")
	}
	return result, nil
}

// AckBody body of an acknowledgement to queue:advance / queue:skip
type AckBody struct {
	Success *bool  `json:"success,omitempty"`
	Message string `json:"message,omitempty"`
}

// Send result error codes
const (
	SendErrNotConnected = "not-connected"
	SendErrRejected     = "rejected"
	SendErrTransport    = "transport-error"
	SendErrCancelled    = "cancelled"
)

// SendResult outcome of one ReliableSend call
type SendResult struct {
	// Success whether the command is considered delivered
	Success bool `json:"success"`
	// Error failure code, one of the SendErr* constants
	Error string `json:"error,omitempty"`
	// Message server or transport message
	Message string `json:"message,omitempty"`
	// Rejected whether the server explicitly refused the command
	Rejected bool `json:"rejected,omitempty"`
	// TimedOut whether success was assumed because no ACK arrived in time
	TimedOut bool `json:"timedOut,omitempty"`
	// Reply raw ACK body
	Reply json.RawMessage `json:"reply,omitempty"`
}

// resultFromAck convert an ACK body into a SendResult. An ACK without a success
// field counts as success.
func resultFromAck(reply json.RawMessage) SendResult {
	result := SendResult{Success: true, Reply: reply}
	if len(reply) == 0 {
		return result
	}
	var body AckBody
	if err := json.Unmarshal(reply, &body); err != nil {
		return result
	}
	result.Message = body.Message
	if body.Success != nil && !*body.Success {
		result.Success = false
		result.Rejected = true
		result.Error = SendErrRejected
	}
	return result
}
