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

package action

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/apex/log"
	"github.com/clinicflow/queuesync/backend"
	"github.com/clinicflow/queuesync/channel"
	"github.com/clinicflow/queuesync/common"
	"github.com/clinicflow/queuesync/metrics"
	"github.com/clinicflow/queuesync/queue"
)

// Outcome final state of one action invocation
type Outcome string

// Action outcomes
const (
	// OutcomeConfirmed the command was delivered
	OutcomeConfirmed Outcome = "CONFIRMED"
	// OutcomeFailed the command was refused or could not be delivered
	OutcomeFailed Outcome = "FAILED"
	// OutcomeIgnored the same command for the same scope is already dispatched
	OutcomeIgnored Outcome = "IGNORED"
)

// Delivery paths
const (
	PathREST    = "rest"
	PathChannel = "channel"
	PathNone    = "none"
)

// Result outcome of one Execute call
type Result struct {
	Scope   queue.Scope   `json:"scope"`
	Command queue.Command `json:"command"`
	Outcome Outcome       `json:"outcome"`
	// Path which path settled the outcome
	Path string `json:"path"`
	// ErrorKind NOT_CONNECTED, BUSINESS_REJECTED, TIMEOUT or TRANSPORT when set
	ErrorKind common.ErrorKind `json:"errorKind,omitempty"`
	// Message server message, or a description of the failure
	Message string `json:"message,omitempty"`
	// Optimistic success assumed without an ACK
	Optimistic bool `json:"optimistic,omitempty"`
}

// Warning whether the result should be surfaced to the user as a warning
func (r Result) Warning() bool {
	return r.Outcome == OutcomeFailed
}

// Notifier receives every settled result
type Notifier func(result Result)

// SettleFunc re-fetches a scope once a confirmed action had time to propagate
type SettleFunc func(scope queue.Scope)

// CoordinatorParams parameters for defining a Coordinator
type CoordinatorParams struct {
	// Backend reliable request path
	Backend backend.Client
	// Channel event channel fallback path
	Channel channel.ConnectionService
	// AckTimeout bound on the fallback ACK
	AckTimeout time.Duration
	// SettleDelay delay between confirmation and the settle re-fetch
	SettleDelay time.Duration
	// Notify optional result notifier
	Notify Notifier
	// Settle optional settle re-fetch
	Settle SettleFunc
}

// Coordinator runs advance / skip commands: the REST path first, the event channel
// as fallback on transport failure.
type Coordinator struct {
	common.Component
	params   CoordinatorParams
	rootCtxt context.Context
	wg       *sync.WaitGroup

	lock         sync.Mutex
	inFlight     map[string]bool
	settleTimers map[string]common.IntervalTimer
}

// NewCoordinator define a new Coordinator. Settle timers run under rootCtxt and are
// tracked by wg.
func NewCoordinator(
	rootCtxt context.Context, wg *sync.WaitGroup, params CoordinatorParams,
) (*Coordinator, error) {
	if params.Backend == nil || params.Channel == nil {
		return nil, fmt.Errorf("coordinator requires a backend and a channel")
	}
	if params.AckTimeout <= 0 {
		return nil, fmt.Errorf("coordinator ACK timeout must be positive")
	}
	logTags := log.Fields{"module": "action", "component": "coordinator"}
	return &Coordinator{
		Component:    common.Component{LogTags: logTags},
		params:       params,
		rootCtxt:     rootCtxt,
		wg:           wg,
		inFlight:     make(map[string]bool),
		settleTimers: make(map[string]common.IntervalTimer),
	}, nil
}

func debounceKey(scope queue.Scope, cmd queue.Command) string {
	return fmt.Sprintf("%s/%s", scope.Key(), cmd)
}

// InFlight whether a command is currently dispatched for a scope
func (c *Coordinator) InFlight(scope queue.Scope, cmd queue.Command) bool {
	c.lock.Lock()
	defer c.lock.Unlock()
	return c.inFlight[debounceKey(scope, cmd)]
}

// Execute run one command. While the same command for the same scope is dispatched,
// repeats return OutcomeIgnored without any network call.
func (c *Coordinator) Execute(ctxt context.Context, scope queue.Scope, cmd queue.Command) Result {
	logTags, _ := common.UpdateLogTags(ctxt, c.LogTags)
	logTags["scope"] = scope.Key()
	logTags["command"] = cmd

	key := debounceKey(scope, cmd)
	c.lock.Lock()
	if c.inFlight[key] {
		c.lock.Unlock()
		log.WithFields(logTags).Debug("Already dispatched, ignoring repeat")
		return Result{Scope: scope, Command: cmd, Outcome: OutcomeIgnored, Path: PathNone}
	}
	c.inFlight[key] = true
	c.lock.Unlock()

	start := time.Now()
	result := c.dispatch(ctxt, logTags, scope, cmd)

	c.lock.Lock()
	delete(c.inFlight, key)
	c.lock.Unlock()

	metrics.TrackAction(string(cmd), result.Path, string(result.Outcome), time.Since(start))
	if result.Outcome == OutcomeConfirmed {
		log.WithFields(logTags).Infof("Confirmed via %s", result.Path)
		c.scheduleSettle(scope)
	} else {
		log.WithFields(logTags).Warnf("Failed [%s]: %s", result.ErrorKind, result.Message)
	}
	if c.params.Notify != nil {
		c.params.Notify(result)
	}
	return result
}

// dispatch the two stage attempt
func (c *Coordinator) dispatch(
	ctxt context.Context, logTags log.Fields, scope queue.Scope, cmd queue.Command,
) Result {
	result := Result{Scope: scope, Command: cmd}

	resp, err := c.params.Backend.Invoke(ctxt, scope, cmd)
	if err == nil {
		result.Outcome = OutcomeConfirmed
		result.Path = PathREST
		result.Message = resp.Message
		return result
	}
	if common.IsKind(err, common.KindBusinessRejection) {
		result.Outcome = OutcomeFailed
		result.Path = PathREST
		result.ErrorKind = common.KindBusinessRejection
		var qErr *common.QueueError
		if errors.As(err, &qErr) {
			result.Message = qErr.Message
		} else {
			result.Message = err.Error()
		}
		return result
	}

	// The POST may have reached the backend before the caller went away
	if ctxt.Err() != nil {
		result.Outcome = OutcomeFailed
		result.Path = PathREST
		result.ErrorKind = common.KindTransport
		result.Message = fmt.Sprintf("abandoned with unknown outcome: %s", ctxt.Err())
		return result
	}

	log.WithError(err).WithFields(logTags).Warn("REST path failed, falling back to event channel")
	event := channel.EventQueueAdvance
	if cmd == queue.CommandSkip {
		event = channel.EventQueueSkip
	}
	sent := c.params.Channel.ReliableSend(
		ctxt, event, channel.ScopePayload{ResourceID: scope.ResourceID, Date: scope.Date},
		c.params.AckTimeout,
	)
	result.Path = PathChannel
	result.Message = sent.Message
	switch {
	case sent.Error == channel.SendErrNotConnected:
		result.Outcome = OutcomeFailed
		result.ErrorKind = common.KindNotConnected
		if result.Message == "" {
			result.Message = "event channel not connected"
		}
	case sent.Rejected:
		result.Outcome = OutcomeFailed
		result.ErrorKind = common.KindBusinessRejection
	case sent.Success && sent.TimedOut:
		result.Outcome = OutcomeConfirmed
		result.ErrorKind = common.KindAckTimeout
		result.Optimistic = true
	case sent.Success:
		result.Outcome = OutcomeConfirmed
	default:
		result.Outcome = OutcomeFailed
		result.ErrorKind = common.KindTransport
		if result.Message == "" {
			result.Message = sent.Error
		}
	}
	return result
}

// scheduleSettle (re)start the one-shot settle timer of a scope
func (c *Coordinator) scheduleSettle(scope queue.Scope) {
	if c.params.Settle == nil {
		return
	}
	c.lock.Lock()
	defer c.lock.Unlock()
	timer, ok := c.settleTimers[scope.Key()]
	if !ok {
		var err error
		timer, err = common.GetIntervalTimerInstance(
			fmt.Sprintf("settle-%s", scope.Key()), c.rootCtxt, c.wg,
		)
		if err != nil {
			log.WithError(err).WithFields(c.LogTags).Error("Unable to define settle timer")
			return
		}
		c.settleTimers[scope.Key()] = timer
	}
	if err := timer.Start(c.params.SettleDelay, func() error {
		c.params.Settle(scope)
		return nil
	}, true); err != nil {
		log.WithError(err).WithFields(c.LogTags).Error("Unable to start settle timer")
	}
}

// Close stop all pending settle timers
func (c *Coordinator) Close() error {
	c.lock.Lock()
	defer c.lock.Unlock()
	for _, timer := range c.settleTimers {
		_ = timer.Stop()
	}
	return nil
}
