package channel

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/apex/log"
	"github.com/clinicflow/queuesync/common"
	"github.com/go-playground/validator/v10"
	"github.com/nats-io/nats.go"
)

// NATSParams parameters of the NATS transport
type NATSParams struct {
	// ServerURI NATS server to connect to
	ServerURI string `validate:"required,uri"`
	// Token auth token
	Token string
	// SubjectPrefix prefix prepended to every event subject
	SubjectPrefix string `validate:"required"`
	// ConnectTimeout max time to wait for connection
	ConnectTimeout time.Duration `validate:"gt=0"`
}

// NATSTransport Transport mapping each event onto a NATS subject. Acknowledgable
// emits use NATS request / reply.
//
// The NATS client's own reconnect is disabled: a lost connection ends the link, and
// the Manager redials and re-binds listeners.
type NATSTransport struct {
	common.Component
	params NATSParams
}

// NewNATSTransport define a new NATS transport
func NewNATSTransport(params NATSParams) (*NATSTransport, error) {
	if err := validator.New().Struct(&params); err != nil {
		return nil, err
	}
	logTags := log.Fields{
		"module": "channel", "component": "nats-transport", "instance": params.ServerURI,
	}
	return &NATSTransport{Component: common.Component{LogTags: logTags}, params: params}, nil
}

// Name transport name
func (t *NATSTransport) Name() string {
	return "nats"
}

// EventSubject NATS subject of an event
func EventSubject(prefix, event string) string {
	return fmt.Sprintf("%s.%s", prefix, strings.ReplaceAll(event, ":", "."))
}

// Dial open a new NATS connection
func (t *NATSTransport) Dial(ctxt context.Context) (Link, error) {
	link := &natsLink{
		Component: common.Component{LogTags: t.LogTags},
		prefix:    t.params.SubjectPrefix,
		done:      make(chan struct{}),
	}
	options := []nats.Option{
		nats.Name("queuesync"),
		nats.Timeout(t.params.ConnectTimeout),
		nats.NoReconnect(),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			if err == nil {
				err = ErrLinkClosed
			}
			link.shutdown(err)
		}),
		nats.ClosedHandler(func(_ *nats.Conn) {
			link.shutdown(ErrLinkClosed)
		}),
	}
	if t.params.Token != "" {
		options = append(options, nats.Token(t.params.Token))
	}

	type dialResult struct {
		conn *nats.Conn
		err  error
	}
	result := make(chan dialResult, 1)
	go func() {
		conn, err := nats.Connect(t.params.ServerURI, options...)
		result <- dialResult{conn: conn, err: err}
	}()
	select {
	case <-ctxt.Done():
		go func() {
			if late := <-result; late.conn != nil {
				late.conn.Close()
			}
		}()
		return nil, ctxt.Err()
	case dialed := <-result:
		if dialed.err != nil {
			log.WithError(dialed.err).WithFields(t.LogTags).Errorf("NATS client connect failed")
			return nil, dialed.err
		}
		link.conn = dialed.conn
	}
	log.WithFields(t.LogTags).Info("NATS link established")
	return link, nil
}

// natsLink Link over one NATS connection
type natsLink struct {
	common.Component
	conn   *nats.Conn
	prefix string

	lock      sync.Mutex
	done      chan struct{}
	closeOnce sync.Once
	err       error
}

// On subscribe to the event subject
func (l *natsLink) On(event string, handler EventHandler) (Binding, error) {
	sub, err := l.conn.Subscribe(EventSubject(l.prefix, event), func(msg *nats.Msg) {
		handler(json.RawMessage(msg.Data))
	})
	if err != nil {
		return nil, err
	}
	var once sync.Once
	return bindingFunc(func() {
		once.Do(func() {
			if err := sub.Unsubscribe(); err != nil && err != nats.ErrConnectionClosed {
				log.WithError(err).WithFields(l.LogTags).Debugf("Unsubscribe of '%s' failed", event)
			}
		})
	}), nil
}

func encodePayload(payload interface{}) ([]byte, error) {
	switch typed := payload.(type) {
	case nil:
		return []byte("null"), nil
	case json.RawMessage:
		return typed, nil
	case []byte:
		return typed, nil
	}
	return json.Marshal(payload)
}

// Emit publish the event
func (l *natsLink) Emit(_ context.Context, event string, payload interface{}) error {
	data, err := encodePayload(payload)
	if err != nil {
		return err
	}
	if err := l.conn.Publish(EventSubject(l.prefix, event), data); err != nil {
		if err == nats.ErrConnectionClosed {
			return ErrLinkClosed
		}
		return err
	}
	return nil
}

// EmitWithAck request / reply on the event subject
func (l *natsLink) EmitWithAck(
	ctxt context.Context, event string, payload interface{}, onAck AckHandler,
) error {
	data, err := encodePayload(payload)
	if err != nil {
		return err
	}
	if l.conn.IsClosed() {
		return ErrLinkClosed
	}
	subject := EventSubject(l.prefix, event)
	go func() {
		msg, err := l.conn.RequestWithContext(ctxt, subject, data)
		if err != nil {
			if errors.Is(err, nats.ErrNoResponders) {
				log.WithError(err).WithFields(l.LogTags).Warnf("Nothing serves %s", subject)
				onAck(nil, err)
				return
			}
			log.WithError(err).WithFields(l.LogTags).Debugf("No reply on %s", subject)
			return
		}
		onAck(json.RawMessage(msg.Data), nil)
	}()
	return nil
}

// Done closes when the connection is lost
func (l *natsLink) Done() <-chan struct{} {
	return l.done
}

// Err reason the connection was lost
func (l *natsLink) Err() error {
	l.lock.Lock()
	defer l.lock.Unlock()
	return l.err
}

// Close the connection
func (l *natsLink) Close() error {
	l.shutdown(ErrLinkClosed)
	if l.conn != nil && !l.conn.IsClosed() {
		l.conn.Close()
	}
	return nil
}

func (l *natsLink) shutdown(cause error) {
	l.closeOnce.Do(func() {
		l.lock.Lock()
		l.err = cause
		close(l.done)
		l.lock.Unlock()
		log.WithError(cause).WithFields(l.LogTags).Info("NATS link closed")
	})
}
