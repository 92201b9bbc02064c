// Package channeltest in-memory event channel transport for tests
package channeltest

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"

	"github.com/clinicflow/queuesync/channel"
)

// AckFunc decides the ACK of an acknowledgable emit. Returning false sends no ACK.
// A non-nil error reports the emit as undelivered.
type AckFunc func(event string, payload json.RawMessage) (json.RawMessage, bool, error)

// Sent one frame sent by the client
type Sent struct {
	Event   string
	Payload json.RawMessage
	WithAck bool
}

// Transport in-memory channel.Transport
type Transport struct {
	lock     sync.Mutex
	links    []*Link
	failures int
	ack      AckFunc
	// Dialed receives each new link
	Dialed chan *Link
}

// NewTransport define a new in-memory transport
func NewTransport() *Transport {
	return &Transport{Dialed: make(chan *Link, 32)}
}

// FailNextDials make the next n dial attempts fail
func (t *Transport) FailNextDials(n int) {
	t.lock.Lock()
	defer t.lock.Unlock()
	t.failures = n
}

// SetAckFunc install the ACK behavior of links dialed from now on
func (t *Transport) SetAckFunc(f AckFunc) {
	t.lock.Lock()
	defer t.lock.Unlock()
	t.ack = f
}

// Name transport name
func (t *Transport) Name() string {
	return "memory"
}

// Dial open a new in-memory link
func (t *Transport) Dial(ctxt context.Context) (channel.Link, error) {
	if err := ctxt.Err(); err != nil {
		return nil, err
	}
	t.lock.Lock()
	if t.failures > 0 {
		t.failures--
		t.lock.Unlock()
		return nil, fmt.Errorf("dial refused")
	}
	link := &Link{
		handlers: make(map[string]map[uint64]channel.EventHandler),
		done:     make(chan struct{}),
		ack:      t.ack,
	}
	t.links = append(t.links, link)
	t.lock.Unlock()
	select {
	case t.Dialed <- link:
	default:
	}
	return link, nil
}

// DialCount number of links dialed so far
func (t *Transport) DialCount() int {
	t.lock.Lock()
	defer t.lock.Unlock()
	return len(t.links)
}

// Current the most recently dialed link
func (t *Transport) Current() *Link {
	t.lock.Lock()
	defer t.lock.Unlock()
	if len(t.links) == 0 {
		return nil
	}
	return t.links[len(t.links)-1]
}

// Link in-memory channel.Link
type Link struct {
	lock     sync.Mutex
	nextID   uint64
	handlers map[string]map[uint64]channel.EventHandler
	sent     []Sent
	ack      AckFunc
	done     chan struct{}
	once     sync.Once
	err      error
}

// On attach a handler for an event
func (l *Link) On(event string, handler channel.EventHandler) (channel.Binding, error) {
	l.lock.Lock()
	defer l.lock.Unlock()
	if l.isClosed() {
		return nil, channel.ErrLinkClosed
	}
	l.nextID++
	id := l.nextID
	if _, ok := l.handlers[event]; !ok {
		l.handlers[event] = make(map[uint64]channel.EventHandler)
	}
	l.handlers[event][id] = handler
	return binding(func() {
		l.lock.Lock()
		defer l.lock.Unlock()
		delete(l.handlers[event], id)
	}), nil
}

// Emit record a fire-and-forget event
func (l *Link) Emit(_ context.Context, event string, payload interface{}) error {
	data, err := json.Marshal(payload)
	if err != nil {
		return err
	}
	l.lock.Lock()
	defer l.lock.Unlock()
	if l.isClosed() {
		return channel.ErrLinkClosed
	}
	l.sent = append(l.sent, Sent{Event: event, Payload: data})
	return nil
}

// EmitWithAck record an acknowledgable event and ACK it per the AckFunc
func (l *Link) EmitWithAck(
	_ context.Context, event string, payload interface{}, onAck channel.AckHandler,
) error {
	data, err := json.Marshal(payload)
	if err != nil {
		return err
	}
	l.lock.Lock()
	if l.isClosed() {
		l.lock.Unlock()
		return channel.ErrLinkClosed
	}
	l.sent = append(l.sent, Sent{Event: event, Payload: data, WithAck: true})
	ack := l.ack
	l.lock.Unlock()
	if ack != nil {
		reply, ok, undelivered := ack(event, data)
		switch {
		case undelivered != nil:
			go onAck(nil, undelivered)
		case ok:
			go onAck(reply, nil)
		}
	}
	return nil
}

// Done closes when the link is dropped
func (l *Link) Done() <-chan struct{} {
	return l.done
}

// Err drop cause
func (l *Link) Err() error {
	l.lock.Lock()
	defer l.lock.Unlock()
	return l.err
}

// Close the link
func (l *Link) Close() error {
	l.Drop(channel.ErrLinkClosed)
	return nil
}

// Drop simulate losing the connection
func (l *Link) Drop(cause error) {
	l.once.Do(func() {
		l.lock.Lock()
		l.err = cause
		close(l.done)
		l.lock.Unlock()
	})
}

func (l *Link) isClosed() bool {
	select {
	case <-l.done:
		return true
	default:
		return false
	}
}

// Push deliver a server event to the attached handlers
func (l *Link) Push(event string, payload interface{}) error {
	data, err := json.Marshal(payload)
	if err != nil {
		return err
	}
	l.lock.Lock()
	toCall := make([]channel.EventHandler, 0, len(l.handlers[event]))
	for _, handler := range l.handlers[event] {
		toCall = append(toCall, handler)
	}
	l.lock.Unlock()
	for _, handler := range toCall {
		handler(data)
	}
	return nil
}

// HandlerCount number of handlers attached for an event
func (l *Link) HandlerCount(event string) int {
	l.lock.Lock()
	defer l.lock.Unlock()
	return len(l.handlers[event])
}

// Sent frames sent so far
func (l *Link) Sent() []Sent {
	l.lock.Lock()
	defer l.lock.Unlock()
	result := make([]Sent, len(l.sent))
	copy(result, l.sent)
	return result
}

// SentEvents frames of one event sent so far
func (l *Link) SentEvents(event string) []Sent {
	result := []Sent{}
	for _, oneSent := range l.Sent() {
		if oneSent.Event == event {
			result = append(result, oneSent)
		}
	}
	return result
}

type binding func()

func (b binding) Remove() { b() }
