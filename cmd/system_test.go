package cmd

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/apex/log"
	"github.com/clinicflow/queuesync/action"
	"github.com/clinicflow/queuesync/channel"
	"github.com/clinicflow/queuesync/common"
	"github.com/clinicflow/queuesync/queue"
	"github.com/clinicflow/queuesync/room"
	"github.com/gorilla/mux"
	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
)

// clinicServer fake clinic backend serving both the REST API and the event channel
type clinicServer struct {
	server   *httptest.Server
	upgrader websocket.Upgrader

	lock       sync.Mutex
	restBroken bool
	served     int
	conns      []*websocket.Conn
	joins      int
}

func newClinicServer() *clinicServer {
	s := &clinicServer{}
	router := mux.NewRouter()
	router.HandleFunc("/api/queue/{resourceId}", s.getQueue).Methods("GET")
	router.HandleFunc("/api/queue/{resourceId}/{command}", s.runCommand).Methods("POST")
	router.HandleFunc("/ws", s.events)
	s.server = httptest.NewServer(router)
	return s
}

func (s *clinicServer) entries() []queue.Entry {
	current := queue.StatusInProgress
	next := queue.StatusPending
	if s.served > 0 {
		current = queue.StatusCompleted
		next = queue.StatusInProgress
	}
	first, second := int64(1), int64(2)
	return []queue.Entry{
		{ID: "1", SequenceToken: &first, Status: current},
		{ID: "2", SequenceToken: &second, Status: next},
		{ID: "3", Position: 9, Status: queue.StatusConfirmed},
	}
}

func (s *clinicServer) getQueue(w http.ResponseWriter, r *http.Request) {
	s.lock.Lock()
	entries := s.entries()
	s.lock.Unlock()
	_ = json.NewEncoder(w).Encode(map[string]interface{}{"data": entries})
}

func (s *clinicServer) runCommand(w http.ResponseWriter, r *http.Request) {
	s.lock.Lock()
	defer s.lock.Unlock()
	if s.restBroken {
		w.WriteHeader(http.StatusServiceUnavailable)
		return
	}
	s.served++
	_, _ = w.Write([]byte(`{"success": true}`))
}

func (s *clinicServer) events(w http.ResponseWriter, r *http.Request) {
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}
	s.lock.Lock()
	s.conns = append(s.conns, conn)
	s.lock.Unlock()
	for {
		_, frame, err := conn.ReadMessage()
		if err != nil {
			return
		}
		var envelope channel.Envelope
		if err := json.Unmarshal(frame, &envelope); err != nil {
			continue
		}
		switch {
		case envelope.Event == channel.EventRoomJoin:
			s.lock.Lock()
			s.joins++
			s.lock.Unlock()
		case envelope.Type == channel.FrameRequest:
			s.lock.Lock()
			s.served++
			ack, _ := json.Marshal(channel.Envelope{
				Type: channel.FrameAck, AckID: envelope.AckID, Data: json.RawMessage(`{"success": true}`),
			})
			notice, _ := json.Marshal(channel.Envelope{
				Type: channel.FrameEvent, Event: channel.EventQueueUpdated, Data: envelope.Data,
			})
			_ = conn.WriteMessage(websocket.TextMessage, ack)
			_ = conn.WriteMessage(websocket.TextMessage, notice)
			s.lock.Unlock()
		}
	}
}

func (s *clinicServer) close() {
	s.lock.Lock()
	for _, conn := range s.conns {
		_ = conn.Close()
	}
	s.lock.Unlock()
	s.server.Close()
}

func testSystemConfig(baseURL string) common.SystemConfig {
	return common.SystemConfig{
		Backend: common.BackendConfig{
			BaseURL: baseURL, RequestTimeout: 1000, RequestIDHeader: "Queuesync-Request-ID",
		},
		Channel: common.ChannelConfig{
			Transport:      "websocket",
			SubjectPrefix:  "queuesync",
			ConnectTimeout: 1000,
			ReconnectWait:  50,
			AckGrace:       50,
			PingPeriod:     5,
			ReadLimit:      65536,
			EventBuffer:    16,
		},
		Actions: common.ActionConfig{AckTimeout: 500, SettleDelay: 10},
		Monitor: &common.MonitorServerConfig{
			HTTPSetting: common.HTTPConfig{
				Logging: common.HTTPRequestLogging{RequestIDHeader: "Queuesync-Request-ID"},
			},
			Endpoints: common.MonitorEndpointConfig{PathPrefix: "/"},
		},
	}
}

func TestSyncSystemEndToEnd(t *testing.T) {
	assert := assert.New(t)
	log.SetLevel(log.DebugLevel)

	wg := sync.WaitGroup{}
	defer wg.Wait()
	ctxt, cancel := context.WithCancel(context.Background())
	defer cancel()

	clinic := newClinicServer()
	defer clinic.close()

	config := testSystemConfig(clinic.server.URL + "/api")
	assert.Equal(
		"ws"+strings.TrimPrefix(clinic.server.URL, "http")+"/ws", common.ResolveChannelEndpoint(config),
	)

	uut, err := DefineSyncSystem(config, "secret", ctxt, &wg)
	assert.Nil(err)
	defer uut.Stop()
	assert.Nil(uut.Start(ctxt))
	assert.True(uut.WaitConnected(ctxt))

	scope := queue.Scope{ResourceID: "doctor-1", Date: "2026-10-14"}
	updates := make(chan room.Update, 16)
	viewer, err := uut.Hub.Watch(ctxt, scope, room.KindPanel, func(update room.Update) {
		updates <- update
	})
	assert.Nil(err)
	defer viewer.Close()

	waitFor := func(current queue.EntryID) room.Update {
		deadline := time.After(time.Second * 2)
		for {
			select {
			case update := <-updates:
				if update.Projection.Current != nil && update.Projection.Current.ID == current {
					return update
				}
			case <-deadline:
				assert.FailNow("projection never reached", string(current))
				return room.Update{}
			}
		}
	}

	// Case 0: first projection
	{
		update := waitFor("1")
		assert.True(update.Projection.InService)
		assert.Equal(queue.EntryID("2"), update.Projection.Next.ID)
		assert.Len(update.Projection.Waiting, 2)
		assert.Eventually(func() bool {
			clinic.lock.Lock()
			defer clinic.lock.Unlock()
			return clinic.joins == 1
		}, time.Second, time.Millisecond*5)
	}

	// Case 1: REST down, the advance goes through the event channel
	{
		clinic.lock.Lock()
		clinic.restBroken = true
		clinic.lock.Unlock()
		var out bytes.Buffer
		result, err := RunAction(ctxt, uut, scope, queue.CommandAdvance, &out)
		assert.Nil(err)
		assert.Equal(action.OutcomeConfirmed, result.Outcome)
		assert.Equal(action.PathChannel, result.Path)
		assert.Contains(out.String(), "CONFIRMED")
		update := waitFor("2")
		assert.Equal(queue.EntryID("3"), update.Projection.Next.ID)
	}

	// Case 2: the monitor API serves the same projection
	{
		router, err := DefineMonitorRouter(config.Monitor, uut, "ut")
		assert.Nil(err)

		req, err := http.NewRequest("GET", "/v1/queue/doctor-1/token?date=2026-10-14", nil)
		assert.Nil(err)
		respRecorder := httptest.NewRecorder()
		router.ServeHTTP(respRecorder, req)
		assert.Equal(http.StatusOK, respRecorder.Code)
		var token struct {
			Current string `json:"current"`
			Next    string `json:"next"`
		}
		assert.Nil(json.Unmarshal(respRecorder.Body.Bytes(), &token))
		assert.Equal("2", token.Current)

		req, err = http.NewRequest("GET", "/metrics", nil)
		assert.Nil(err)
		respRecorder = httptest.NewRecorder()
		router.ServeHTTP(respRecorder, req)
		assert.Equal(http.StatusOK, respRecorder.Code)
		assert.Contains(respRecorder.Body.String(), "queuesync_action_outcomes_total")
	}
}

func TestDefineTransport(t *testing.T) {
	assert := assert.New(t)

	config := testSystemConfig("http://clinic.example.com/api")

	// Case 0: websocket derived from the backend
	{
		transport, err := DefineTransport(config, "secret")
		assert.Nil(err)
		assert.Equal("websocket", transport.Name())
	}

	// Case 1: nats
	{
		config.Channel.Transport = "nats"
		transport, err := DefineTransport(config, "secret")
		assert.Nil(err)
		assert.Equal("nats", transport.Name())
	}

	// Case 2: unknown
	{
		config.Channel.Transport = "carrier-pigeon"
		_, err := DefineTransport(config, "secret")
		assert.NotNil(err)
	}
}

func TestScopeArgs(t *testing.T) {
	assert := assert.New(t)

	scope, err := ScopeArgs{ResourceID: " doctor-1 ", Date: "2026-10-14"}.Scope()
	assert.Nil(err)
	assert.Equal("doctor-1@2026-10-14", scope.Key())

	_, err = ScopeArgs{ResourceID: "doctor-1", Date: "tomorrow"}.Scope()
	assert.NotNil(err)
}
