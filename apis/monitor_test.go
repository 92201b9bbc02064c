package apis

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/apex/log"
	"github.com/clinicflow/queuesync/action"
	"github.com/clinicflow/queuesync/common"
	"github.com/clinicflow/queuesync/queue"
	"github.com/clinicflow/queuesync/room"
	"github.com/google/uuid"
	"github.com/gorilla/mux"
	"github.com/stretchr/testify/assert"
)

type fakeViews struct {
	lock     sync.Mutex
	entries  map[string][]queue.Entry
	failing  map[string]bool
	requests []queue.Scope
}

func (v *fakeViews) Snapshot(_ context.Context, scope queue.Scope) (room.Update, error) {
	v.lock.Lock()
	defer v.lock.Unlock()
	v.requests = append(v.requests, scope)
	if v.failing[scope.ResourceID] {
		return room.Update{Scope: scope, Projection: queue.Project(scope, nil), Stale: true},
			common.NewSnapshotFetchError("get-queue", fmt.Errorf("backend down"))
	}
	return room.Update{
		Scope: scope, Projection: queue.Project(scope, v.entries[scope.ResourceID]), Sequence: 1,
	}, nil
}

func (v *fakeViews) Scopes() []queue.Scope {
	return []queue.Scope{
		{ResourceID: "doctor-1", Date: "2026-10-14"},
		{ResourceID: "doctor-2", Date: "2026-10-14"},
		{ResourceID: "doctor-3", Date: "2026-10-15"},
	}
}

type fakeActions struct {
	result action.Result
	calls  []queue.Scope
}

func (a *fakeActions) Execute(_ context.Context, scope queue.Scope, cmd queue.Command) action.Result {
	a.calls = append(a.calls, scope)
	result := a.result
	result.Scope = scope
	result.Command = cmd
	return result
}

type fakeStatus struct {
	connected bool
}

func (s *fakeStatus) IsConnected() bool {
	return s.connected
}

func token(v int64) *int64 {
	return &v
}

func TestMonitorAPI(t *testing.T) {
	assert := assert.New(t)
	log.SetLevel(log.DebugLevel)

	views := &fakeViews{
		entries: map[string][]queue.Entry{
			"doctor-1": {
				{ID: "1", SequenceToken: token(5), Status: queue.StatusInProgress},
				{ID: "2", SequenceToken: token(6), Status: queue.StatusPending},
			},
			"doctor-2": {
				{ID: "7", SequenceToken: token(1), Status: queue.StatusPending},
			},
		},
		failing: map[string]bool{"doctor-9": true},
	}
	actions := &fakeActions{}
	status := &fakeStatus{}
	today := func() time.Time { return time.Date(2026, 10, 14, 9, 0, 0, 0, time.UTC) }

	uut, err := GetAPIRestMonitorHandler(views, actions, status, &common.HTTPConfig{
		Logging: common.HTTPRequestLogging{RequestIDHeader: "Queuesync-Request-ID"},
	}, today)
	assert.Nil(err)
	router := mux.NewRouter()
	_ = RegisterMonitorRoutes(router, "/", uut)

	call := func(method, path string) *httptest.ResponseRecorder {
		req, err := http.NewRequest(method, path, nil)
		assert.Nil(err)
		req.Header.Add("Queuesync-Request-ID", uuid.NewString())
		respRecorder := httptest.NewRecorder()
		router.ServeHTTP(respRecorder, req)
		return respRecorder
	}

	// Case 0: readiness follows the event channel
	{
		assert.Equal(http.StatusOK, call("GET", "/alive").Code)
		assert.Equal(http.StatusServiceUnavailable, call("GET", "/ready").Code)
		var resp APIRestRespConnection
		recorder := call("GET", "/v1/connection")
		assert.Equal(http.StatusOK, recorder.Code)
		assert.Nil(json.Unmarshal(recorder.Body.Bytes(), &resp))
		assert.False(resp.Connected)

		status.connected = true
		assert.Equal(http.StatusOK, call("GET", "/ready").Code)
		recorder = call("GET", "/v1/connection")
		assert.Nil(json.Unmarshal(recorder.Body.Bytes(), &resp))
		assert.True(resp.Connected)
	}

	// Case 1: queue projection, date defaults to today
	{
		recorder := call("GET", "/v1/queue/doctor-1")
		assert.Equal(http.StatusOK, recorder.Code)
		var resp APIRestRespQueue
		assert.Nil(json.Unmarshal(recorder.Body.Bytes(), &resp))
		assert.True(resp.Success)
		assert.Equal("2026-10-14", resp.Queue.Scope.Date)
		assert.Equal(queue.EntryID("1"), resp.Queue.Projection.Current.ID)
		assert.True(resp.Queue.Projection.InService)
		assert.Equal(queue.EntryID("2"), resp.Queue.Projection.Next.ID)

		recorder = call("GET", "/v1/queue/doctor-1?date=14-10-2026")
		assert.Equal(http.StatusBadRequest, recorder.Code)

		recorder = call("GET", "/v1/queue/doctor-9?date=2026-10-14")
		assert.Equal(http.StatusBadGateway, recorder.Code)
	}

	// Case 2: token display
	{
		recorder := call("GET", "/v1/queue/doctor-1/token?date=2026-10-14")
		assert.Equal(http.StatusOK, recorder.Code)
		var resp APIRestRespToken
		assert.Nil(json.Unmarshal(recorder.Body.Bytes(), &resp))
		assert.Equal("5", resp.Current)
		assert.Equal("6", resp.Next)
		assert.True(resp.InService)

		recorder = call("GET", "/v1/queue/doctor-5/token?date=2026-10-14")
		assert.Equal(http.StatusOK, recorder.Code)
		assert.Nil(json.Unmarshal(recorder.Body.Bytes(), &resp))
		assert.Equal("", resp.Current)
		assert.False(resp.InService)
	}

	// Case 3: overview of listed resources, failures reported stale
	{
		recorder := call("GET", "/v1/overview?date=2026-10-14&resource=doctor-2&resource=doctor-9,doctor-1")
		assert.Equal(http.StatusOK, recorder.Code)
		var resp APIRestRespOverview
		assert.Nil(json.Unmarshal(recorder.Body.Bytes(), &resp))
		assert.Len(resp.Queues, 3)
		assert.Equal("doctor-2", resp.Queues[0].Scope.ResourceID)
		assert.False(resp.Queues[0].Stale)
		assert.Equal("doctor-9", resp.Queues[1].Scope.ResourceID)
		assert.True(resp.Queues[1].Stale)
		assert.Equal("doctor-1", resp.Queues[2].Scope.ResourceID)
	}

	// Case 4: overview of every tracked resource of the day
	{
		recorder := call("GET", "/v1/overview")
		assert.Equal(http.StatusOK, recorder.Code)
		var resp APIRestRespOverview
		assert.Nil(json.Unmarshal(recorder.Body.Bytes(), &resp))
		assert.Equal("2026-10-14", resp.Date)
		assert.Len(resp.Queues, 2)
	}

	// Case 5: commands
	{
		actions.result = action.Result{Outcome: action.OutcomeConfirmed, Path: action.PathREST}
		recorder := call("POST", "/v1/queue/doctor-1/advance?date=2026-10-14")
		assert.Equal(http.StatusOK, recorder.Code)
		var resp APIRestRespAction
		assert.Nil(json.Unmarshal(recorder.Body.Bytes(), &resp))
		assert.Equal(queue.CommandAdvance, resp.Result.Command)
		assert.Equal(action.OutcomeConfirmed, resp.Result.Outcome)

		actions.result = action.Result{Outcome: action.OutcomeIgnored, Path: action.PathNone}
		assert.Equal(http.StatusAccepted, call("POST", "/v1/queue/doctor-1/skip").Code)

		actions.result = action.Result{
			Outcome: action.OutcomeFailed, ErrorKind: common.KindBusinessRejection, Message: "queue empty",
		}
		recorder = call("POST", "/v1/queue/doctor-1/advance")
		assert.Equal(http.StatusConflict, recorder.Code)
		assert.Nil(json.Unmarshal(recorder.Body.Bytes(), &resp))
		assert.False(resp.Success)
		assert.Equal("queue empty", resp.Result.Message)

		actions.result = action.Result{Outcome: action.OutcomeFailed, ErrorKind: common.KindNotConnected}
		assert.Equal(http.StatusServiceUnavailable, call("POST", "/v1/queue/doctor-1/advance").Code)

		assert.Len(actions.calls, 4)
		assert.Equal(http.StatusBadRequest, call("POST", "/v1/queue/doctor-1/rewind").Code)
		assert.Len(actions.calls, 4)
	}
}

func TestNewMonitorHandler(t *testing.T) {
	assert := assert.New(t)

	_, err := GetAPIRestMonitorHandler(nil, &fakeActions{}, &fakeStatus{}, &common.HTTPConfig{}, nil)
	assert.NotNil(err)
}
