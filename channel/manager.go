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
	"encoding/json"
	"errors"
	"fmt"
	"reflect"
	"sort"
	"sync"
	"time"

	"github.com/apex/log"
	"github.com/clinicflow/queuesync/common"
	"github.com/clinicflow/queuesync/metrics"
	"github.com/go-playground/validator/v10"
)

// UnsubscribeFunc removes a previously registered callback. Calling it more than
// once is a no-op.
type UnsubscribeFunc func()

// ConnectionService the process wide event channel connection
type ConnectionService interface {
	// Connect start maintaining the connection. Repeated calls are no-ops.
	//
	// The connection lives until Close or until ctxt is cancelled.
	Connect(ctxt context.Context) error

	// Subscribe register a handler for an event. The handler survives reconnects.
	Subscribe(event string, handler EventHandler) UnsubscribeFunc

	// OnConnectionEstablished register a callback for each new connection. If the
	// channel is already connected, the callback is called immediately in the
	// caller's goroutine.
	OnConnectionEstablished(cb func()) UnsubscribeFunc

	// OnConnectionLost register a callback for each lost connection
	OnConnectionLost(cb func(cause error)) UnsubscribeFunc

	// ReliableSend emit an acknowledgable event and wait for the outcome. Exactly
	// one result is returned per call.
	ReliableSend(
		ctxt context.Context, event string, payload interface{}, ackTimeout time.Duration,
	) SendResult

	// Emit send a fire-and-forget event
	Emit(ctxt context.Context, event string, payload interface{}) error

	// IsConnected whether a link is currently up
	IsConnected() bool

	// Close the connection and stop all background work
	Close() error
}

// ManagerParams parameters for defining a Manager
type ManagerParams struct {
	// Transport opens the links
	Transport Transport `validate:"required"`
	// ConnectTimeout max duration of one dial attempt
	ConnectTimeout time.Duration `validate:"gt=0"`
	// ReconnectWait fixed delay between dial attempts
	ReconnectWait time.Duration `validate:"gt=0"`
	// AckGrace extra wait on top of the ACK timeout
	AckGrace time.Duration `validate:"gte=0"`
	// EventBuffer depth of the inbound event queue
	EventBuffer int `validate:"gte=1"`
}

// listener one registered event handler
type listener struct {
	id      uint64
	event   string
	handler EventHandler
	binding Binding
	active  bool
}

// connectCallback one registered connection established callback
type connectCallback struct {
	id      uint64
	cb      func()
	lastGen uint64
	active  bool
}

// lostCallback one registered connection lost callback
type lostCallback struct {
	id     uint64
	cb     func(error)
	active bool
}

// deliverEventTask task param for delivering an inbound event
type deliverEventTask struct {
	target  *listener
	payload json.RawMessage
}

// connectedTask task param for a new connection
type connectedTask struct {
	generation uint64
}

// disconnectedTask task param for a lost connection
type disconnectedTask struct {
	cause error
}

// Manager implements ConnectionService on top of a Transport.
//
// A supervisor goroutine dials the transport, re-binds every registered listener on
// each new link, and redials with a fixed delay after the link is lost. Inbound events
// and connection transitions are delivered in order on one event loop.
type Manager struct {
	common.Component
	params ManagerParams

	lock       sync.Mutex
	link       Link
	connected  bool
	generation uint64
	nextID     uint64
	listeners  map[string]map[uint64]*listener
	connectCBs map[uint64]*connectCallback
	lostCBs    map[uint64]*lostCallback

	started   bool
	runCtxt   context.Context
	runCancel context.CancelFunc
	processor common.TaskProcessor
	wg        sync.WaitGroup
}

// NewManager define a new Manager
func NewManager(params ManagerParams) (*Manager, error) {
	if err := validator.New().Struct(&params); err != nil {
		return nil, err
	}
	logTags := log.Fields{
		"module": "channel", "component": "manager", "transport": params.Transport.Name(),
	}
	return &Manager{
		Component:  common.Component{LogTags: logTags},
		params:     params,
		listeners:  make(map[string]map[uint64]*listener),
		connectCBs: make(map[uint64]*connectCallback),
		lostCBs:    make(map[uint64]*lostCallback),
	}, nil
}

// Connect start the link supervisor
func (m *Manager) Connect(ctxt context.Context) error {
	m.lock.Lock()
	defer m.lock.Unlock()
	if m.started {
		return nil
	}
	runCtxt, cancel := context.WithCancel(ctxt)
	processor, err := common.GetNewTaskProcessorInstance(
		runCtxt, fmt.Sprintf("channel-%s", m.params.Transport.Name()), m.params.EventBuffer,
	)
	if err != nil {
		cancel()
		return err
	}
	if err := processor.SetTaskExecutionMap(map[reflect.Type]common.TaskHandler{
		reflect.TypeOf(deliverEventTask{}): m.processDeliverEvent,
		reflect.TypeOf(connectedTask{}):    m.processConnected,
		reflect.TypeOf(disconnectedTask{}): m.processDisconnected,
	}); err != nil {
		cancel()
		return err
	}
	if err := processor.StartEventLoop(&m.wg); err != nil {
		cancel()
		return err
	}
	m.runCtxt = runCtxt
	m.runCancel = cancel
	m.processor = processor
	m.started = true

	m.wg.Add(1)
	go m.supervise()
	log.WithFields(m.LogTags).Info("Started event channel supervisor")
	return nil
}

// Close stop the supervisor and the event loop
func (m *Manager) Close() error {
	m.lock.Lock()
	if !m.started {
		m.lock.Unlock()
		return nil
	}
	cancel := m.runCancel
	m.lock.Unlock()
	cancel()
	m.wg.Wait()
	log.WithFields(m.LogTags).Info("Event channel closed")
	return nil
}

// IsConnected whether a link is currently up
func (m *Manager) IsConnected() bool {
	m.lock.Lock()
	defer m.lock.Unlock()
	return m.connected
}

// ========================================================================================
// Registration

// Subscribe register a handler for an event
func (m *Manager) Subscribe(event string, handler EventHandler) UnsubscribeFunc {
	m.lock.Lock()
	defer m.lock.Unlock()
	m.nextID++
	entry := &listener{id: m.nextID, event: event, handler: handler, active: true}
	if _, ok := m.listeners[event]; !ok {
		m.listeners[event] = make(map[uint64]*listener)
	}
	m.listeners[event][entry.id] = entry
	if m.link != nil {
		m.bindListener(m.link, entry)
	}
	return func() {
		m.lock.Lock()
		defer m.lock.Unlock()
		if !entry.active {
			return
		}
		entry.active = false
		if entry.binding != nil {
			entry.binding.Remove()
			entry.binding = nil
		}
		if group, ok := m.listeners[entry.event]; ok {
			delete(group, entry.id)
			if len(group) == 0 {
				delete(m.listeners, entry.event)
			}
		}
	}
}

// OnConnectionEstablished register a callback for each new connection
func (m *Manager) OnConnectionEstablished(cb func()) UnsubscribeFunc {
	m.lock.Lock()
	m.nextID++
	entry := &connectCallback{id: m.nextID, cb: cb, active: true}
	m.connectCBs[entry.id] = entry
	callNow := m.connected
	if callNow {
		entry.lastGen = m.generation
	}
	m.lock.Unlock()

	if callNow {
		cb()
	}
	return func() {
		m.lock.Lock()
		defer m.lock.Unlock()
		entry.active = false
		delete(m.connectCBs, entry.id)
	}
}

// OnConnectionLost register a callback for each lost connection
func (m *Manager) OnConnectionLost(cb func(cause error)) UnsubscribeFunc {
	m.lock.Lock()
	defer m.lock.Unlock()
	m.nextID++
	entry := &lostCallback{id: m.nextID, cb: cb, active: true}
	m.lostCBs[entry.id] = entry
	return func() {
		m.lock.Lock()
		defer m.lock.Unlock()
		entry.active = false
		delete(m.lostCBs, entry.id)
	}
}

// bindListener attach a listener to a link. Caller must hold the lock.
func (m *Manager) bindListener(link Link, entry *listener) {
	binding, err := link.On(entry.event, func(payload json.RawMessage) {
		if err := m.processor.Submit(m.runCtxt, deliverEventTask{
			target: entry, payload: payload,
		}); err != nil {
			log.WithError(err).WithFields(m.LogTags).Errorf(
				"Unable to queue '%s' event for delivery", entry.event,
			)
		}
	})
	if err != nil {
		log.WithError(err).WithFields(m.LogTags).Errorf(
			"Failed to bind listener for '%s'", entry.event,
		)
		return
	}
	entry.binding = binding
}

// ========================================================================================
// Sending

// Emit send a fire-and-forget event
func (m *Manager) Emit(ctxt context.Context, event string, payload interface{}) error {
	link := m.currentLink()
	if link == nil {
		return ErrNotConnected
	}
	if err := link.Emit(ctxt, event, payload); err != nil {
		return common.NewTransportError(fmt.Sprintf("emit %s", event), err)
	}
	return nil
}

// ReliableSend emit an acknowledgable event and wait for the outcome
func (m *Manager) ReliableSend(
	ctxt context.Context, event string, payload interface{}, ackTimeout time.Duration,
) SendResult {
	logTags, _ := common.UpdateLogTags(ctxt, m.LogTags)
	link := m.currentLink()
	if link == nil {
		metrics.TrackAck(event, SendErrNotConnected)
		return SendResult{Success: false, Error: SendErrNotConnected}
	}

	outcome := make(chan SendResult, 1)
	resolve := func(result SendResult) {
		select {
		case outcome <- result:
		default:
		}
	}
	// The link releases its ACK bookkeeping once ackCtxt ends
	ackCtxt, cancel := context.WithTimeout(ctxt, ackTimeout+m.params.AckGrace)
	defer cancel()
	if err := link.EmitWithAck(ackCtxt, event, payload, func(reply json.RawMessage, undelivered error) {
		if undelivered != nil {
			resolve(SendResult{Success: false, Error: SendErrTransport, Message: undelivered.Error()})
			return
		}
		resolve(resultFromAck(reply))
	}); err != nil {
		log.WithError(err).WithFields(logTags).Warnf("Acknowledgable emit of '%s' failed", event)
		if errors.Is(err, ErrLinkClosed) || errors.Is(err, ErrNotConnected) {
			metrics.TrackAck(event, SendErrNotConnected)
			return SendResult{Success: false, Error: SendErrNotConnected, Message: err.Error()}
		}
		metrics.TrackAck(event, SendErrTransport)
		return SendResult{Success: false, Error: SendErrTransport, Message: err.Error()}
	}

	timer := time.NewTimer(ackTimeout + m.params.AckGrace)
	defer timer.Stop()
	select {
	case result := <-outcome:
		switch {
		case result.Rejected:
			metrics.TrackAck(event, SendErrRejected)
		case result.Error == SendErrTransport:
			log.WithFields(logTags).Warnf("'%s' was not delivered: %s", event, result.Message)
			metrics.TrackAck(event, SendErrTransport)
		default:
			metrics.TrackAck(event, "acked")
		}
		return result
	case <-timer.C:
		log.WithFields(logTags).Warnf(
			"No ACK for '%s' within %s, assuming delivered", event, ackTimeout,
		)
		metrics.TrackAck(event, "timeout")
		return SendResult{Success: true, TimedOut: true}
	case <-ctxt.Done():
		metrics.TrackAck(event, SendErrCancelled)
		return SendResult{Success: false, Error: SendErrCancelled, Message: ctxt.Err().Error()}
	}
}

func (m *Manager) currentLink() Link {
	m.lock.Lock()
	defer m.lock.Unlock()
	if !m.connected {
		return nil
	}
	return m.link
}

// ========================================================================================
// Link supervision

// supervise dial, hold, and redial links until the run context ends
func (m *Manager) supervise() {
	defer m.wg.Done()
	defer log.WithFields(m.LogTags).Debug("Supervisor exiting")
	transportName := m.params.Transport.Name()
	for {
		if m.runCtxt.Err() != nil {
			return
		}
		dialCtxt, cancel := context.WithTimeout(m.runCtxt, m.params.ConnectTimeout)
		link, err := m.params.Transport.Dial(dialCtxt)
		cancel()
		if err != nil {
			if m.runCtxt.Err() != nil {
				return
			}
			log.WithError(err).WithFields(m.LogTags).Warnf(
				"Dial failed, retrying in %s", m.params.ReconnectWait,
			)
			metrics.TrackConnection(transportName, metrics.TransitionDialFailed)
			if !m.wait(m.params.ReconnectWait) {
				return
			}
			continue
		}

		m.attach(link)
		metrics.TrackConnection(transportName, metrics.TransitionConnected)

		select {
		case <-link.Done():
		case <-m.runCtxt.Done():
			_ = link.Close()
			m.detach(link, m.runCtxt.Err())
			metrics.TrackConnection(transportName, metrics.TransitionDisconnected)
			return
		}
		cause := link.Err()
		if cause == nil {
			cause = ErrLinkClosed
		}
		_ = link.Close()
		log.WithError(cause).WithFields(m.LogTags).Warnf(
			"Link lost, reconnecting in %s", m.params.ReconnectWait,
		)
		m.detach(link, cause)
		metrics.TrackConnection(transportName, metrics.TransitionDisconnected)
		if !m.wait(m.params.ReconnectWait) {
			return
		}
	}
}

// wait for a duration. Returns false if the run context ended first.
func (m *Manager) wait(duration time.Duration) bool {
	timer := time.NewTimer(duration)
	defer timer.Stop()
	select {
	case <-timer.C:
		return true
	case <-m.runCtxt.Done():
		return false
	}
}

// attach install a new link and replay every registered listener onto it
func (m *Manager) attach(link Link) {
	m.lock.Lock()
	m.link = link
	m.connected = true
	m.generation++
	generation := m.generation
	bound := 0
	for _, group := range m.listeners {
		for _, entry := range group {
			m.bindListener(link, entry)
			bound++
		}
	}
	m.lock.Unlock()
	log.WithFields(m.LogTags).Infof("Connected (generation %d), re-bound %d listeners", generation, bound)
	if err := m.processor.Submit(m.runCtxt, connectedTask{generation: generation}); err != nil {
		log.WithError(err).WithFields(m.LogTags).Error("Unable to queue connected transition")
	}
}

// detach remove a lost link
func (m *Manager) detach(link Link, cause error) {
	m.lock.Lock()
	if m.link != link {
		m.lock.Unlock()
		return
	}
	m.link = nil
	m.connected = false
	for _, group := range m.listeners {
		for _, entry := range group {
			entry.binding = nil
		}
	}
	m.lock.Unlock()
	if m.runCtxt.Err() != nil {
		return
	}
	if err := m.processor.Submit(m.runCtxt, disconnectedTask{cause: cause}); err != nil {
		log.WithError(err).WithFields(m.LogTags).Error("Unable to queue disconnected transition")
	}
}

// ========================================================================================
// Event loop handlers

func (m *Manager) processDeliverEvent(param interface{}) error {
	task, ok := param.(deliverEventTask)
	if !ok {
		return fmt.Errorf("can not process unknown type %s", reflect.TypeOf(param))
	}
	m.lock.Lock()
	active := task.target.active
	m.lock.Unlock()
	if !active {
		return nil
	}
	task.target.handler(task.payload)
	return nil
}

func (m *Manager) processConnected(param interface{}) error {
	task, ok := param.(connectedTask)
	if !ok {
		return fmt.Errorf("can not process unknown type %s", reflect.TypeOf(param))
	}
	m.lock.Lock()
	ids := make([]uint64, 0, len(m.connectCBs))
	for id := range m.connectCBs {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	toCall := make([]func(), 0, len(ids))
	for _, id := range ids {
		entry := m.connectCBs[id]
		if entry.active && entry.lastGen < task.generation {
			entry.lastGen = task.generation
			toCall = append(toCall, entry.cb)
		}
	}
	m.lock.Unlock()
	for _, cb := range toCall {
		cb()
	}
	return nil
}

func (m *Manager) processDisconnected(param interface{}) error {
	task, ok := param.(disconnectedTask)
	if !ok {
		return fmt.Errorf("can not process unknown type %s", reflect.TypeOf(param))
	}
	m.lock.Lock()
	ids := make([]uint64, 0, len(m.lostCBs))
	for id := range m.lostCBs {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	toCall := make([]func(error), 0, len(ids))
	for _, id := range ids {
		if entry := m.lostCBs[id]; entry.active {
			toCall = append(toCall, entry.cb)
		}
	}
	m.lock.Unlock()
	for _, cb := range toCall {
		cb(task.cause)
	}
	return nil
}
