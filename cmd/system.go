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

package cmd

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/apex/log"
	"github.com/clinicflow/queuesync/action"
	"github.com/clinicflow/queuesync/backend"
	"github.com/clinicflow/queuesync/channel"
	"github.com/clinicflow/queuesync/common"
	"github.com/clinicflow/queuesync/queue"
	"github.com/clinicflow/queuesync/room"
)

const (
	websocketSendBuffer   = 64
	websocketWriteTimeout = time.Second * 10
)

// SyncSystem the wired queue synchronization subsystem: one event channel shared by
// the room hub and the action coordinator
type SyncSystem struct {
	Channel *channel.Manager
	Backend backend.Client
	Hub     *room.Hub
	Actions *action.Coordinator
	// ConnectTimeout bound on waiting for the first connection
	ConnectTimeout time.Duration
}

// DefineTransport define the link transport selected by the config
func DefineTransport(config common.SystemConfig, token string) (channel.Transport, error) {
	endpoint := common.ResolveChannelEndpoint(config)
	switch config.Channel.Transport {
	case "websocket":
		return channel.NewWebsocketTransport(channel.WebsocketParams{
			URL:          endpoint,
			Token:        token,
			PingPeriod:   time.Second * time.Duration(config.Channel.PingPeriod),
			ReadLimit:    config.Channel.ReadLimit,
			SendBuffer:   websocketSendBuffer,
			WriteTimeout: websocketWriteTimeout,
		})
	case "nats":
		return channel.NewNATSTransport(channel.NATSParams{
			ServerURI:      endpoint,
			Token:          token,
			SubjectPrefix:  config.Channel.SubjectPrefix,
			ConnectTimeout: time.Millisecond * time.Duration(config.Channel.ConnectTimeout),
		})
	}
	return nil, fmt.Errorf("unsupported event channel transport '%s'", config.Channel.Transport)
}

// DefineSyncSystem wire the subsystem from config. The event channel is not
// connected yet; call Start.
func DefineSyncSystem(
	config common.SystemConfig,
	token string,
	runtimeContext context.Context,
	wg *sync.WaitGroup,
) (*SyncSystem, error) {
	logTags := log.Fields{"module": "cmd", "component": "sync-system"}

	transport, err := DefineTransport(config, token)
	if err != nil {
		log.WithError(err).WithFields(logTags).Error("Unable to define event channel transport")
		return nil, err
	}

	manager, err := channel.NewManager(channel.ManagerParams{
		Transport:      transport,
		ConnectTimeout: time.Millisecond * time.Duration(config.Channel.ConnectTimeout),
		ReconnectWait:  time.Millisecond * time.Duration(config.Channel.ReconnectWait),
		AckGrace:       time.Millisecond * time.Duration(config.Channel.AckGrace),
		EventBuffer:    config.Channel.EventBuffer,
	})
	if err != nil {
		log.WithError(err).WithFields(logTags).Error("Unable to define channel manager")
		return nil, err
	}

	restClient, err := backend.NewClient(backend.ClientParams{
		BaseURL:         config.Backend.BaseURL,
		Token:           token,
		RequestTimeout:  time.Millisecond * time.Duration(config.Backend.RequestTimeout),
		RequestIDHeader: config.Backend.RequestIDHeader,
	})
	if err != nil {
		log.WithError(err).WithFields(logTags).Error("Unable to define backend client")
		return nil, err
	}

	hub, err := room.NewHub(runtimeContext, wg, room.HubParams{
		Channel:           manager,
		Backend:           restClient,
		FetchTimeout:      time.Millisecond * time.Duration(config.Backend.RequestTimeout),
		PollInterval:      time.Second * time.Duration(config.Viewers.PollInterval),
		SnapshotTTL:       time.Second * time.Duration(config.Viewers.SnapshotTTL),
		MaxSnapshotScopes: config.Viewers.MaxSnapshotScopes,
	})
	if err != nil {
		log.WithError(err).WithFields(logTags).Error("Unable to define room hub")
		return nil, err
	}

	coordinator, err := action.NewCoordinator(runtimeContext, wg, action.CoordinatorParams{
		Backend:     restClient,
		Channel:     manager,
		AckTimeout:  time.Millisecond * time.Duration(config.Actions.AckTimeout),
		SettleDelay: time.Millisecond * time.Duration(config.Actions.SettleDelay),
		Settle: func(scope queue.Scope) {
			hub.Refresh(runtimeContext, scope)
		},
		Notify: func(result action.Result) {
			log.WithFields(logTags).Infof(
				"%s of %s: %s via %s", result.Command, result.Scope.Key(), result.Outcome, result.Path,
			)
		},
	})
	if err != nil {
		log.WithError(err).WithFields(logTags).Error("Unable to define action coordinator")
		return nil, err
	}

	log.WithFields(logTags).Infof(
		"Event channel %s via %s", common.ResolveChannelEndpoint(config), transport.Name(),
	)
	return &SyncSystem{
		Channel:        manager,
		Backend:        restClient,
		Hub:            hub,
		Actions:        coordinator,
		ConnectTimeout: time.Millisecond * time.Duration(config.Channel.ConnectTimeout),
	}, nil
}

// Start attach the hub and connect the event channel
func (s *SyncSystem) Start(runtimeContext context.Context) error {
	s.Hub.Start()
	return s.Channel.Connect(runtimeContext)
}

// WaitConnected wait for the event channel to connect, up to the connect timeout
func (s *SyncSystem) WaitConnected(ctxt context.Context) bool {
	connected := make(chan struct{}, 1)
	unsub := s.Channel.OnConnectionEstablished(func() {
		select {
		case connected <- struct{}{}:
		default:
		}
	})
	defer unsub()
	select {
	case <-connected:
		return true
	case <-time.After(s.ConnectTimeout):
		return s.Channel.IsConnected()
	case <-ctxt.Done():
		return false
	}
}

// Stop release every component of the subsystem
func (s *SyncSystem) Stop() {
	s.Hub.Stop()
	_ = s.Actions.Close()
	_ = s.Channel.Close()
}
