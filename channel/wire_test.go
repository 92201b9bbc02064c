package channel

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestFrameCodec(t *testing.T) {
	assert := assert.New(t)
	uut := newFrameCodec()

	// Case 0: request round trip
	{
		frame, err := uut.encode(FrameRequest, EventQueueAdvance, "ack-1", ScopePayload{ResourceID: "d1"})
		assert.Nil(err)
		decoded, err := uut.decode(frame)
		assert.Nil(err)
		assert.Equal(FrameRequest, decoded.Type)
		assert.Equal("ack-1", decoded.AckID)
		assert.JSONEq(`{"resourceId": "d1"}`, string(decoded.Data))
	}

	// Case 1: raw payload passes through
	{
		frame, err := uut.encode(FrameEmit, EventRoomJoin, "", json.RawMessage(`{"resourceId":"d2"}`))
		assert.Nil(err)
		decoded, err := uut.decode(frame)
		assert.Nil(err)
		assert.JSONEq(`{"resourceId":"d2"}`, string(decoded.Data))
	}

	// Case 2: invalid frames
	{
		_, err := uut.decode([]byte(`{"type": "shout", "event": "x"}`))
		assert.NotNil(err)
		_, err = uut.decode([]byte(`{"type": "event"}`))
		assert.NotNil(err)
		_, err = uut.decode([]byte(`{"type": "ack"}`))
		assert.NotNil(err)
		_, err = uut.decode([]byte(`not json`))
		assert.NotNil(err)
		_, err = uut.encode(FrameRequest, EventQueueSkip, "", nil)
		assert.NotNil(err)
	}

	// Case 3: ack needs no event name
	{
		decoded, err := uut.decode([]byte(`{"type": "ack", "ack_id": "a", "data": {"success": true}}`))
		assert.Nil(err)
		assert.Equal("a", decoded.AckID)
	}
}

func TestResultFromAck(t *testing.T) {
	assert := assert.New(t)

	result := resultFromAck(json.RawMessage(`{"success": true, "message": "called"}`))
	assert.True(result.Success)
	assert.Equal("called", result.Message)

	result = resultFromAck(json.RawMessage(`{"success": false, "message": "empty"}`))
	assert.False(result.Success)
	assert.True(result.Rejected)
	assert.Equal(SendErrRejected, result.Error)

	result = resultFromAck(nil)
	assert.True(result.Success)

	result = resultFromAck(json.RawMessage(`"ok"`))
	assert.True(result.Success)
}
