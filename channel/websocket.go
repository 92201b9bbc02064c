// Copyright 2026 The queuesync Authors
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//      http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package channel

import (
	"context"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/apex/log"
	"github.com/clinicflow/queuesync/common"
	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
)

// WebsocketParams parameters of the websocket transport
type WebsocketParams struct {
	// URL the ws:// or wss:// endpoint
	URL string `validate:"required,uri"`
	// Token bearer token sent on the upgrade request
	Token string
	// PingPeriod interval between keep-alive pings
	PingPeriod time.Duration `validate:"gt=0"`
	// ReadLimit max size of one inbound frame
	ReadLimit int64 `validate:"gte=1024"`
	// SendBuffer depth of the outbound frame queue
	SendBuffer int `validate:"gte=1"`
	// WriteTimeout max duration of one frame write
	WriteTimeout time.Duration `validate:"gt=0"`
}

// WebsocketTransport Transport over a JSON framed websocket
type WebsocketTransport struct {
	common.Component
	params WebsocketParams
	dialer *websocket.Dialer
	codec  frameCodec
}

// NewWebsocketTransport define a new websocket transport
func NewWebsocketTransport(params WebsocketParams) (*WebsocketTransport, error) {
	if err := validator.New().Struct(&params); err != nil {
		return nil, err
	}
	logTags := log.Fields{
		"module": "channel", "component": "websocket-transport", "instance": params.URL,
	}
	return &WebsocketTransport{
		Component: common.Component{LogTags: logTags},
		params:    params,
		dialer: &websocket.Dialer{
			Proxy:            http.ProxyFromEnvironment,
			HandshakeTimeout: 10 * time.Second,
		},
		codec: newFrameCodec(),
	}, nil
}

// Name transport name
func (t *WebsocketTransport) Name() string {
	return "websocket"
}

// Dial open a new websocket link
func (t *WebsocketTransport) Dial(ctxt context.Context) (Link, error) {
	header := http.Header{}
	if t.params.Token != "" {
		header.Set("Authorization", fmt.Sprintf("Bearer %s", t.params.Token))
	}
	conn, resp, err := t.dialer.DialContext(ctxt, t.params.URL, header)
	if err != nil {
		if resp != nil {
			return nil, fmt.Errorf("websocket dial %s failed with HTTP %d: %w", t.params.URL, resp.StatusCode, err)
		}
		return nil, fmt.Errorf("websocket dial %s failed: %w", t.params.URL, err)
	}
	logTags := log.Fields{
		"module": "channel", "component": "websocket-link", "instance": t.params.URL,
		"link": uuid.NewString(),
	}
	link := &wsLink{
		Component:   common.Component{LogTags: logTags},
		conn:        conn,
		codec:       t.codec,
		send:        make(chan []byte, t.params.SendBuffer),
		handlers:    make(map[string]map[uint64]EventHandler),
		pendingAcks: make(map[string]AckHandler),
		done:        make(chan struct{}),
		pingPeriod:  t.params.PingPeriod,
		writeWait:   t.params.WriteTimeout,
	}
	conn.SetReadLimit(t.params.ReadLimit)
	go link.writePump()
	go link.readPump()
	log.WithFields(logTags).Info("Websocket link established")
	return link, nil
}

// wsLink Link over one websocket connection
type wsLink struct {
	common.Component
	conn       *websocket.Conn
	codec      frameCodec
	send       chan []byte
	pingPeriod time.Duration
	writeWait  time.Duration

	lock        sync.Mutex
	nextID      uint64
	handlers    map[string]map[uint64]EventHandler
	pendingAcks map[string]AckHandler

	done      chan struct{}
	closeOnce sync.Once
	err       error
}

// On attach a handler for an event
func (l *wsLink) On(event string, handler EventHandler) (Binding, error) {
	l.lock.Lock()
	defer l.lock.Unlock()
	select {
	case <-l.done:
		return nil, ErrLinkClosed
	default:
	}
	l.nextID++
	id := l.nextID
	if _, ok := l.handlers[event]; !ok {
		l.handlers[event] = make(map[uint64]EventHandler)
	}
	l.handlers[event][id] = handler
	return bindingFunc(func() {
		l.lock.Lock()
		defer l.lock.Unlock()
		if group, ok := l.handlers[event]; ok {
			delete(group, id)
			if len(group) == 0 {
				delete(l.handlers, event)
			}
		}
	}), nil
}

// Emit send a fire-and-forget event
func (l *wsLink) Emit(ctxt context.Context, event string, payload interface{}) error {
	frame, err := l.codec.encode(FrameEmit, event, "", payload)
	if err != nil {
		return err
	}
	return l.enqueue(ctxt, frame)
}

// EmitWithAck send an acknowledgable event
func (l *wsLink) EmitWithAck(
	ctxt context.Context, event string, payload interface{}, onAck AckHandler,
) error {
	ackID := uuid.NewString()
	frame, err := l.codec.encode(FrameRequest, event, ackID, payload)
	if err != nil {
		return err
	}
	l.lock.Lock()
	l.pendingAcks[ackID] = onAck
	l.lock.Unlock()
	release := func() {
		l.lock.Lock()
		delete(l.pendingAcks, ackID)
		l.lock.Unlock()
	}
	if err := l.enqueue(ctxt, frame); err != nil {
		release()
		return err
	}
	go func() {
		select {
		case <-ctxt.Done():
			release()
		case <-l.done:
		}
	}()
	return nil
}

func (l *wsLink) enqueue(ctxt context.Context, frame []byte) error {
	select {
	case <-l.done:
		return ErrLinkClosed
	default:
	}
	select {
	case l.send <- frame:
		return nil
	case <-l.done:
		return ErrLinkClosed
	case <-ctxt.Done():
		return ctxt.Err()
	}
}

// Done closes when the link is lost
func (l *wsLink) Done() <-chan struct{} {
	return l.done
}

// Err reason the link was lost
func (l *wsLink) Err() error {
	l.lock.Lock()
	defer l.lock.Unlock()
	return l.err
}

// Close the link
func (l *wsLink) Close() error {
	l.shutdown(ErrLinkClosed)
	return nil
}

func (l *wsLink) shutdown(cause error) {
	l.closeOnce.Do(func() {
		l.lock.Lock()
		l.err = cause
		l.pendingAcks = make(map[string]AckHandler)
		close(l.done)
		l.lock.Unlock()
		_ = l.conn.Close()
		log.WithError(cause).WithFields(l.LogTags).Info("Websocket link closed")
	})
}

// writePump serialize frame writes and keep-alive pings
func (l *wsLink) writePump() {
	ticker := time.NewTicker(l.pingPeriod)
	defer ticker.Stop()
	for {
		select {
		case <-l.done:
			_ = l.conn.WriteControl(
				websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
				time.Now().Add(l.writeWait),
			)
			return
		case frame := <-l.send:
			if err := l.conn.SetWriteDeadline(time.Now().Add(l.writeWait)); err != nil {
				l.shutdown(err)
				return
			}
			if err := l.conn.WriteMessage(websocket.TextMessage, frame); err != nil {
				log.WithError(err).WithFields(l.LogTags).Error("Frame write failed")
				l.shutdown(err)
				return
			}
		case <-ticker.C:
			if err := l.conn.WriteControl(
				websocket.PingMessage, nil, time.Now().Add(l.writeWait),
			); err != nil {
				log.WithError(err).WithFields(l.LogTags).Error("Ping failed")
				l.shutdown(err)
				return
			}
		}
	}
}

// readPump read and dispatch inbound frames until the connection fails
func (l *wsLink) readPump() {
	pongWait := l.pingPeriod * 2
	_ = l.conn.SetReadDeadline(time.Now().Add(pongWait))
	l.conn.SetPongHandler(func(string) error {
		return l.conn.SetReadDeadline(time.Now().Add(pongWait))
	})
	l.conn.SetPingHandler(func(appData string) error {
		_ = l.conn.SetReadDeadline(time.Now().Add(pongWait))
		return l.conn.WriteControl(websocket.PongMessage, []byte(appData), time.Now().Add(l.writeWait))
	})
	for {
		_, frame, err := l.conn.ReadMessage()
		if err != nil {
			l.shutdown(err)
			return
		}
		_ = l.conn.SetReadDeadline(time.Now().Add(pongWait))
		envelope, err := l.codec.decode(frame)
		if err != nil {
			log.WithError(err).WithFields(l.LogTags).Warn("Dropping invalid frame")
			continue
		}
		switch envelope.Type {
		case FrameEvent:
			l.lock.Lock()
			group := l.handlers[envelope.Event]
			toCall := make([]EventHandler, 0, len(group))
			for _, handler := range group {
				toCall = append(toCall, handler)
			}
			l.lock.Unlock()
			for _, handler := range toCall {
				handler(envelope.Data)
			}
		case FrameAck:
			l.lock.Lock()
			onAck, ok := l.pendingAcks[envelope.AckID]
			delete(l.pendingAcks, envelope.AckID)
			l.lock.Unlock()
			if ok {
				onAck(envelope.Data, nil)
			} else {
				log.WithFields(l.LogTags).Debugf("ACK %s has no pending request", envelope.AckID)
			}
		default:
			log.WithFields(l.LogTags).Warnf("Unexpected '%s' frame from server", envelope.Type)
		}
	}
}
