package channel_test

import (
	"context"
	"encoding/json"
	"fmt"
	"sync/atomic"
	"testing"
	"time"

	"github.com/apex/log"
	"github.com/clinicflow/queuesync/channel"
	"github.com/clinicflow/queuesync/channel/channeltest"
	"github.com/stretchr/testify/assert"
)

func defineManager(t *testing.T, transport channel.Transport) *channel.Manager {
	uut, err := channel.NewManager(channel.ManagerParams{
		Transport:      transport,
		ConnectTimeout: time.Second,
		ReconnectWait:  time.Millisecond * 20,
		AckGrace:       time.Millisecond * 10,
		EventBuffer:    16,
	})
	assert.Nil(t, err)
	return uut
}

func waitForLink(t *testing.T, transport *channeltest.Transport) *channeltest.Link {
	select {
	case link := <-transport.Dialed:
		return link
	case <-time.After(time.Second):
		assert.FailNow(t, "no link dialed")
	}
	return nil
}

func TestManagerParams(t *testing.T) {
	assert := assert.New(t)

	_, err := channel.NewManager(channel.ManagerParams{
		ConnectTimeout: time.Second, ReconnectWait: time.Second, EventBuffer: 1,
	})
	assert.NotNil(err)

	_, err = channel.NewManager(channel.ManagerParams{
		Transport: channeltest.NewTransport(), ReconnectWait: time.Second, EventBuffer: 1,
	})
	assert.NotNil(err)
}

func TestReliableSendWhileDisconnected(t *testing.T) {
	assert := assert.New(t)
	log.SetLevel(log.DebugLevel)

	transport := channeltest.NewTransport()
	uut := defineManager(t, transport)
	defer func() {
		assert.Nil(uut.Close())
	}()

	// Case 0: never connected
	{
		start := time.Now()
		result := uut.ReliableSend(
			context.Background(), channel.EventQueueAdvance,
			channel.ScopePayload{ResourceID: "d1", Date: "2026-10-14"}, time.Second*5,
		)
		assert.False(result.Success)
		assert.Equal(channel.SendErrNotConnected, result.Error)
		assert.Less(time.Since(start), time.Millisecond*50)
		assert.Equal(channel.ErrNotConnected, uut.Emit(context.Background(), channel.EventRoomJoin, nil))
	}

	// Case 1: link dropped and redial refused
	{
		ctxt, cancel := context.WithCancel(context.Background())
		defer cancel()
		assert.Nil(uut.Connect(ctxt))
		link := waitForLink(t, transport)
		assert.Eventually(uut.IsConnected, time.Second, time.Millisecond*5)

		transport.FailNextDials(1000)
		link.Drop(fmt.Errorf("network down"))
		assert.Eventually(func() bool { return !uut.IsConnected() }, time.Second, time.Millisecond*5)

		start := time.Now()
		result := uut.ReliableSend(ctxt, channel.EventQueueSkip, nil, time.Second*5)
		assert.False(result.Success)
		assert.Equal(channel.SendErrNotConnected, result.Error)
		assert.Less(time.Since(start), time.Millisecond*50)
		assert.Empty(link.SentEvents(channel.EventQueueSkip))
	}
}

func TestSubscribeUnsubscribe(t *testing.T) {
	assert := assert.New(t)

	ctxt, cancel := context.WithCancel(context.Background())
	defer cancel()

	transport := channeltest.NewTransport()
	uut := defineManager(t, transport)
	defer func() {
		assert.Nil(uut.Close())
	}()

	var firstCalls, secondCalls int32
	unsubFirst := uut.Subscribe(channel.EventQueueUpdated, func(json.RawMessage) {
		atomic.AddInt32(&firstCalls, 1)
	})
	secondRx := make(chan json.RawMessage, 4)
	unsubSecond := uut.Subscribe(channel.EventQueueUpdated, func(payload json.RawMessage) {
		atomic.AddInt32(&secondCalls, 1)
		secondRx <- payload
	})

	assert.Nil(uut.Connect(ctxt))
	// Case 0: repeated connect is a no-op
	assert.Nil(uut.Connect(ctxt))
	link := waitForLink(t, transport)
	assert.Eventually(uut.IsConnected, time.Second, time.Millisecond*5)
	assert.Equal(2, link.HandlerCount(channel.EventQueueUpdated))

	// Case 1: double unsubscribe only removes its own listener
	{
		unsubFirst()
		unsubFirst()
		assert.Equal(1, link.HandlerCount(channel.EventQueueUpdated))

		assert.Nil(link.Push(channel.EventQueueUpdated, channel.ScopePayload{ResourceID: "d1"}))
		select {
		case payload := <-secondRx:
			parsed, err := channel.ParseScopePayload(payload)
			assert.Nil(err)
			assert.Equal("d1", parsed.ResourceID)
		case <-time.After(time.Second):
			assert.Fail("event not delivered")
		}
		assert.Equal(int32(0), atomic.LoadInt32(&firstCalls))
	}

	// Case 2: events arrive in order
	{
		for itr := 0; itr < 5; itr++ {
			assert.Nil(link.Push(
				channel.EventQueueUpdated, channel.ScopePayload{ResourceID: fmt.Sprintf("d%d", itr)},
			))
		}
		for itr := 0; itr < 5; itr++ {
			select {
			case payload := <-secondRx:
				parsed, err := channel.ParseScopePayload(payload)
				assert.Nil(err)
				assert.Equal(fmt.Sprintf("d%d", itr), parsed.ResourceID)
			case <-time.After(time.Second):
				assert.Fail("event not delivered")
			}
		}
	}

	// Case 3: removing the other listener
	{
		unsubSecond()
		unsubSecond()
		assert.Equal(0, link.HandlerCount(channel.EventQueueUpdated))
		assert.Nil(link.Push(channel.EventQueueUpdated, channel.ScopePayload{ResourceID: "d1"}))
		time.Sleep(time.Millisecond * 20)
		assert.Equal(int32(6), atomic.LoadInt32(&secondCalls))
	}
}

func TestListenerReplayAcrossReconnect(t *testing.T) {
	assert := assert.New(t)

	ctxt, cancel := context.WithCancel(context.Background())
	defer cancel()

	transport := channeltest.NewTransport()
	uut := defineManager(t, transport)
	defer func() {
		assert.Nil(uut.Close())
	}()

	received := make(chan string, 8)
	uut.Subscribe(channel.EventQueueUpdated, func(payload json.RawMessage) {
		parsed, err := channel.ParseScopePayload(payload)
		assert.Nil(err)
		received <- parsed.ResourceID
	})

	lost := make(chan error, 4)
	uut.OnConnectionLost(func(cause error) {
		lost <- cause
	})

	assert.Nil(uut.Connect(ctxt))
	first := waitForLink(t, transport)
	assert.Eventually(uut.IsConnected, time.Second, time.Millisecond*5)

	// Case 0: dropped link, two failed redials, then a new link
	transport.FailNextDials(2)
	first.Drop(fmt.Errorf("reset by peer"))
	select {
	case cause := <-lost:
		assert.EqualError(cause, "reset by peer")
	case <-time.After(time.Second):
		assert.Fail("lost callback not called")
	}
	second := waitForLink(t, transport)
	assert.Eventually(uut.IsConnected, time.Second, time.Millisecond*5)
	assert.Equal(2, transport.DialCount())

	// Case 1: the listener was replayed onto the new link exactly once
	{
		assert.Equal(1, second.HandlerCount(channel.EventQueueUpdated))
		assert.Nil(second.Push(channel.EventQueueUpdated, channel.ScopePayload{ResourceID: "d7"}))
		select {
		case resourceID := <-received:
			assert.Equal("d7", resourceID)
		case <-time.After(time.Second):
			assert.Fail("event not delivered after reconnect")
		}
	}

	// Case 2: subscribe while disconnected gets bound on the next link
	{
		transport.FailNextDials(0)
		second.Drop(fmt.Errorf("again"))
		assert.Eventually(func() bool { return !uut.IsConnected() }, time.Second, time.Millisecond)

		globalRx := make(chan struct{}, 2)
		uut.Subscribe(channel.EventQueueUpdatedAll, func(json.RawMessage) {
			globalRx <- struct{}{}
		})
		third := waitForLink(t, transport)
		assert.Eventually(uut.IsConnected, time.Second, time.Millisecond*5)
		assert.Equal(1, third.HandlerCount(channel.EventQueueUpdatedAll))
		assert.Nil(third.Push(channel.EventQueueUpdatedAll, map[string]string{}))
		select {
		case <-globalRx:
		case <-time.After(time.Second):
			assert.Fail("global event not delivered")
		}
	}
}

func TestConnectionEstablishedCallback(t *testing.T) {
	assert := assert.New(t)

	ctxt, cancel := context.WithCancel(context.Background())
	defer cancel()

	transport := channeltest.NewTransport()
	uut := defineManager(t, transport)
	defer func() {
		assert.Nil(uut.Close())
	}()

	var earlyCalls int32
	uut.OnConnectionEstablished(func() {
		atomic.AddInt32(&earlyCalls, 1)
	})

	assert.Nil(uut.Connect(ctxt))
	first := waitForLink(t, transport)
	assert.Eventually(
		func() bool { return atomic.LoadInt32(&earlyCalls) == 1 }, time.Second, time.Millisecond*5,
	)

	// Case 0: registered while connected, called before returning
	var lateCalls int32
	uut.OnConnectionEstablished(func() {
		atomic.AddInt32(&lateCalls, 1)
	})
	assert.Equal(int32(1), atomic.LoadInt32(&lateCalls))

	// Case 1: no second call for the same connection
	time.Sleep(time.Millisecond * 30)
	assert.Equal(int32(1), atomic.LoadInt32(&lateCalls))
	assert.Equal(int32(1), atomic.LoadInt32(&earlyCalls))

	// Case 2: once more per new connection
	first.Drop(fmt.Errorf("gone"))
	waitForLink(t, transport)
	assert.Eventually(
		func() bool {
			return atomic.LoadInt32(&earlyCalls) == 2 && atomic.LoadInt32(&lateCalls) == 2
		},
		time.Second, time.Millisecond*5,
	)

	// Case 3: unsubscribed callbacks are not called
	var removedCalls int32
	unsub := uut.OnConnectionEstablished(func() {
		atomic.AddInt32(&removedCalls, 1)
	})
	assert.Equal(int32(1), atomic.LoadInt32(&removedCalls))
	unsub()
	unsub()
	transport.Current().Drop(fmt.Errorf("gone"))
	waitForLink(t, transport)
	assert.Eventually(
		func() bool { return atomic.LoadInt32(&earlyCalls) == 3 }, time.Second, time.Millisecond*5,
	)
	assert.Equal(int32(1), atomic.LoadInt32(&removedCalls))
}

func TestReliableSendAck(t *testing.T) {
	assert := assert.New(t)

	ctxt, cancel := context.WithCancel(context.Background())
	defer cancel()

	transport := channeltest.NewTransport()
	var ackMode atomic.Value
	ackMode.Store("success")
	transport.SetAckFunc(func(event string, payload json.RawMessage) (json.RawMessage, bool, error) {
		switch ackMode.Load().(string) {
		case "success":
			return json.RawMessage(`{"success": true}`), true, nil
		case "reject":
			return json.RawMessage(`{"success": false, "message": "no patient to call"}`), true, nil
		case "bare":
			return nil, true, nil
		case "undeliverable":
			return nil, false, fmt.Errorf("no responders available for request")
		}
		return nil, false, nil
	})
	uut := defineManager(t, transport)
	defer func() {
		assert.Nil(uut.Close())
	}()
	assert.Nil(uut.Connect(ctxt))
	link := waitForLink(t, transport)
	assert.Eventually(uut.IsConnected, time.Second, time.Millisecond*5)

	payload := channel.ScopePayload{ResourceID: "d1", Date: "2026-10-14"}

	// Case 0: acked
	{
		result := uut.ReliableSend(ctxt, channel.EventQueueAdvance, payload, time.Second)
		assert.True(result.Success)
		assert.False(result.TimedOut)
		assert.False(result.Rejected)
		sent := link.SentEvents(channel.EventQueueAdvance)
		assert.Len(sent, 1)
		assert.True(sent[0].WithAck)
		parsed, err := channel.ParseScopePayload(sent[0].Payload)
		assert.Nil(err)
		assert.Equal(payload, parsed)
	}

	// Case 1: rejected
	{
		ackMode.Store("reject")
		result := uut.ReliableSend(ctxt, channel.EventQueueAdvance, payload, time.Second)
		assert.False(result.Success)
		assert.True(result.Rejected)
		assert.Equal(channel.SendErrRejected, result.Error)
		assert.Equal("no patient to call", result.Message)
	}

	// Case 2: ACK without body
	{
		ackMode.Store("bare")
		result := uut.ReliableSend(ctxt, channel.EventQueueSkip, payload, time.Second)
		assert.True(result.Success)
		assert.False(result.TimedOut)
	}

	// Case 3: no ACK resolves optimistically after timeout + grace
	{
		ackMode.Store("silent")
		start := time.Now()
		result := uut.ReliableSend(ctxt, channel.EventQueueSkip, payload, time.Millisecond*50)
		assert.True(result.Success)
		assert.True(result.TimedOut)
		assert.GreaterOrEqual(time.Since(start), time.Millisecond*60)
	}

	// Case 4: caller context cancelled
	{
		callCtxt, callCancel := context.WithTimeout(ctxt, time.Millisecond*20)
		defer callCancel()
		result := uut.ReliableSend(callCtxt, channel.EventQueueSkip, payload, time.Second*5)
		assert.False(result.Success)
		assert.Equal(channel.SendErrCancelled, result.Error)
	}

	// Case 5: nothing received the request
	{
		ackMode.Store("undeliverable")
		start := time.Now()
		result := uut.ReliableSend(ctxt, channel.EventQueueAdvance, payload, time.Second*5)
		assert.False(result.Success)
		assert.False(result.TimedOut)
		assert.Equal(channel.SendErrTransport, result.Error)
		assert.Less(time.Since(start), time.Second)
	}

	// Case 6: fire-and-forget emit
	{
		assert.Nil(uut.Emit(ctxt, channel.EventRoomJoin, payload))
		sent := link.SentEvents(channel.EventRoomJoin)
		assert.Len(sent, 1)
		assert.False(sent[0].WithAck)
	}
}

func TestParseScopePayload(t *testing.T) {
	assert := assert.New(t)

	parsed, err := channel.ParseScopePayload(json.RawMessage(`{"resourceId": 42, "date": "2026-10-14"}`))
	assert.Nil(err)
	assert.Equal(channel.ScopePayload{ResourceID: "42", Date: "2026-10-14"}, parsed)

	parsed, err = channel.ParseScopePayload(json.RawMessage(`{"resourceId": "d1"}`))
	assert.Nil(err)
	assert.Equal("", parsed.Date)

	_, err = channel.ParseScopePayload(json.RawMessage(`{"date": "2026-10-14"}`))
	assert.NotNil(err)
	_, err = channel.ParseScopePayload(json.RawMessage(`not json`))
	assert.NotNil(err)
}
