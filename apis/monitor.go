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

package apis

import (
	"context"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/alwitt/goutils"
	"github.com/apex/log"
	"github.com/clinicflow/queuesync/action"
	"github.com/clinicflow/queuesync/common"
	"github.com/clinicflow/queuesync/queue"
	"github.com/clinicflow/queuesync/room"
	"github.com/gorilla/mux"
	"golang.org/x/sync/errgroup"
)

// QueueViews source of scope projections
type QueueViews interface {
	// Snapshot the projection of a scope, joining and fetching it on first use
	Snapshot(ctxt context.Context, scope queue.Scope) (room.Update, error)
	// Scopes every tracked scope
	Scopes() []queue.Scope
}

// ActionRunner runs doctor commands
type ActionRunner interface {
	// Execute run one command against a scope
	Execute(ctxt context.Context, scope queue.Scope, cmd queue.Command) action.Result
}

// ConnectionStatus reports the event channel state
type ConnectionStatus interface {
	// IsConnected whether the event channel is currently up
	IsConnected() bool
}

// APIRestMonitorHandler REST handler for the queue monitor
type APIRestMonitorHandler struct {
	goutils.RestAPIHandler
	views   QueueViews
	actions ActionRunner
	status  ConnectionStatus
	now     Clock
}

// GetAPIRestMonitorHandler define APIRestMonitorHandler
func GetAPIRestMonitorHandler(
	views QueueViews,
	actions ActionRunner,
	status ConnectionStatus,
	httpConfig *common.HTTPConfig,
	now Clock,
) (APIRestMonitorHandler, error) {
	if views == nil || actions == nil || status == nil {
		return APIRestMonitorHandler{}, fmt.Errorf("monitor handler requires views, actions and status")
	}
	if now == nil {
		now = time.Now
	}
	logTags := log.Fields{
		"module":    "apis",
		"component": "monitor",
	}
	return APIRestMonitorHandler{
		RestAPIHandler: goutils.RestAPIHandler{
			Component: goutils.Component{
				LogTags: logTags,
				LogTagModifiers: []goutils.LogMetadataModifier{
					goutils.ModifyLogMetadataByRestRequestParam,
				},
			},
			CallRequestIDHeaderField: &httpConfig.Logging.RequestIDHeader,
			DoNotLogHeaders: func() map[string]bool {
				result := map[string]bool{}
				for _, v := range httpConfig.Logging.DoNotLogHeaders {
					result[v] = true
				}
				return result
			}(),
		},
		views:   views,
		actions: actions,
		status:  status,
		now:     now,
	}, nil
}

// successBase response base of a successful call
func (h APIRestMonitorHandler) successBase(ctxt context.Context) goutils.RestAPIBaseResponse {
	return goutils.RestAPIBaseResponse{Success: true, RequestID: h.ReadRequestIDFromContext(ctxt)}
}

// =======================================================================
// Queue Views

// APIRestRespQueue response carrying one scope projection
type APIRestRespQueue struct {
	goutils.RestAPIBaseResponse
	// Queue the latest projection of the scope
	Queue room.Update `json:"queue"`
}

// GetQueue godoc
// @Summary Get the queue of a resource
// @Description Latest projection of a resource's queue for one day. The scope is joined
// and tracked on first use.
// @tags Monitor
// @Produce json
// @Param Queuesync-Request-ID header string false "User provided request ID to match against logs"
// @Param resourceId path string true "Resource ID"
// @Param date query string false "Day of the queue, YYYY-MM-DD. Defaults to today"
// @Success 200 {object} APIRestRespQueue "success"
// @Failure 400 {object} goutils.RestAPIBaseResponse "error"
// @Failure 502 {object} goutils.RestAPIBaseResponse "error"
// @Router /v1/queue/{resourceId} [get]
func (h APIRestMonitorHandler) GetQueue(w http.ResponseWriter, r *http.Request) {
	localLogTags := h.GetLogTagsForContext(r.Context())
	var respCode int
	var respBody interface{}
	defer func() {
		if err := h.WriteRESTResponse(w, respCode, respBody, nil); err != nil {
			log.WithError(err).WithFields(localLogTags).Error("Failed to form response")
		}
	}()

	scope, err := requestScope(r, h.now)
	if err != nil {
		msg := "Invalid queue scope"
		log.WithError(err).WithFields(localLogTags).Error(msg)
		respCode = http.StatusBadRequest
		respBody = h.GetStdRESTErrorMsg(r.Context(), http.StatusBadRequest, msg, err.Error())
		return
	}

	update, err := h.views.Snapshot(r.Context(), scope)
	if err != nil {
		msg := fmt.Sprintf("Unable to fetch queue of %s", scope.Key())
		log.WithError(err).WithFields(localLogTags).Error(msg)
		respCode = http.StatusBadGateway
		respBody = h.GetStdRESTErrorMsg(r.Context(), http.StatusBadGateway, msg, err.Error())
		return
	}

	respCode = http.StatusOK
	respBody = APIRestRespQueue{
		RestAPIBaseResponse: h.successBase(r.Context()), Queue: update,
	}
}

// GetQueueHandler Wrapper around GetQueue
func (h APIRestMonitorHandler) GetQueueHandler() http.HandlerFunc {
	return h.LoggingMiddleware(h.GetQueue)
}

// -----------------------------------------------------------------------

// APIRestRespToken minimal token display of one scope
type APIRestRespToken struct {
	goutils.RestAPIBaseResponse
	Scope queue.Scope `json:"scope"`
	// Current token of the patient currently served, or at the head of the queue
	Current string `json:"current"`
	// Next token of the patient to be served next
	Next string `json:"next"`
	// InService whether Current is actually being served
	InService bool `json:"inService"`
	// Stale the last fetch failed
	Stale bool `json:"stale"`
}

// GetToken godoc
// @Summary Get the token display of a resource
// @Description Current and next sequence tokens of a resource's queue
// @tags Monitor
// @Produce json
// @Param Queuesync-Request-ID header string false "User provided request ID to match against logs"
// @Param resourceId path string true "Resource ID"
// @Param date query string false "Day of the queue, YYYY-MM-DD. Defaults to today"
// @Success 200 {object} APIRestRespToken "success"
// @Failure 400 {object} goutils.RestAPIBaseResponse "error"
// @Failure 502 {object} goutils.RestAPIBaseResponse "error"
// @Router /v1/queue/{resourceId}/token [get]
func (h APIRestMonitorHandler) GetToken(w http.ResponseWriter, r *http.Request) {
	localLogTags := h.GetLogTagsForContext(r.Context())
	var respCode int
	var respBody interface{}
	defer func() {
		if err := h.WriteRESTResponse(w, respCode, respBody, nil); err != nil {
			log.WithError(err).WithFields(localLogTags).Error("Failed to form response")
		}
	}()

	scope, err := requestScope(r, h.now)
	if err != nil {
		msg := "Invalid queue scope"
		log.WithError(err).WithFields(localLogTags).Error(msg)
		respCode = http.StatusBadRequest
		respBody = h.GetStdRESTErrorMsg(r.Context(), http.StatusBadRequest, msg, err.Error())
		return
	}

	update, err := h.views.Snapshot(r.Context(), scope)
	if err != nil {
		msg := fmt.Sprintf("Unable to fetch queue of %s", scope.Key())
		log.WithError(err).WithFields(localLogTags).Error(msg)
		respCode = http.StatusBadGateway
		respBody = h.GetStdRESTErrorMsg(r.Context(), http.StatusBadGateway, msg, err.Error())
		return
	}

	resp := APIRestRespToken{
		RestAPIBaseResponse: h.successBase(r.Context()),
		Scope:               scope,
		InService:           update.Projection.InService,
		Stale:               update.Stale,
	}
	if update.Projection.Current != nil {
		resp.Current = update.Projection.Current.TokenString()
	}
	if update.Projection.Next != nil {
		resp.Next = update.Projection.Next.TokenString()
	}
	respCode = http.StatusOK
	respBody = resp
}

// GetTokenHandler Wrapper around GetToken
func (h APIRestMonitorHandler) GetTokenHandler() http.HandlerFunc {
	return h.LoggingMiddleware(h.GetToken)
}

// -----------------------------------------------------------------------

// APIRestRespOverview projections of several resources for one day
type APIRestRespOverview struct {
	goutils.RestAPIBaseResponse
	Date string `json:"date"`
	// Queues one projection per resource, in request order
	Queues []room.Update `json:"queues"`
}

// GetOverview godoc
// @Summary Get the overview of many resources
// @Description Projections of the listed resources for one day. Without any resource
// listed, every tracked resource of that day is returned.
// @tags Monitor
// @Produce json
// @Param Queuesync-Request-ID header string false "User provided request ID to match against logs"
// @Param date query string false "Day of the queues, YYYY-MM-DD. Defaults to today"
// @Param resource query []string false "Resource IDs" collectionFormat(multi)
// @Success 200 {object} APIRestRespOverview "success"
// @Failure 400 {object} goutils.RestAPIBaseResponse "error"
// @Router /v1/overview [get]
func (h APIRestMonitorHandler) GetOverview(w http.ResponseWriter, r *http.Request) {
	localLogTags := h.GetLogTagsForContext(r.Context())
	var respCode int
	var respBody interface{}
	defer func() {
		if err := h.WriteRESTResponse(w, respCode, respBody, nil); err != nil {
			log.WithError(err).WithFields(localLogTags).Error("Failed to form response")
		}
	}()

	date, err := requestDate(r, h.now)
	if err != nil {
		msg := "Invalid overview date"
		log.WithError(err).WithFields(localLogTags).Error(msg)
		respCode = http.StatusBadRequest
		respBody = h.GetStdRESTErrorMsg(r.Context(), http.StatusBadRequest, msg, err.Error())
		return
	}

	scopes := []queue.Scope{}
	for _, resourceID := range r.URL.Query()["resource"] {
		for _, oneID := range strings.Split(resourceID, ",") {
			if oneID = strings.TrimSpace(oneID); oneID == "" {
				continue
			}
			scopes = append(scopes, queue.Scope{ResourceID: oneID, Date: date})
		}
	}
	if len(scopes) == 0 {
		for _, tracked := range h.views.Scopes() {
			if tracked.Date == date {
				scopes = append(scopes, tracked)
			}
		}
	}

	// A failed scope is reported stale instead of failing the whole overview
	queues := make([]room.Update, len(scopes))
	var group errgroup.Group
	for idx, scope := range scopes {
		idx, scope := idx, scope
		group.Go(func() error {
			update, err := h.views.Snapshot(r.Context(), scope)
			if err != nil {
				log.WithError(err).WithFields(localLogTags).Warnf("Overview of %s is stale", scope.Key())
				update.Scope = scope
				update.Stale = true
			}
			queues[idx] = update
			return nil
		})
	}
	_ = group.Wait()

	respCode = http.StatusOK
	respBody = APIRestRespOverview{
		RestAPIBaseResponse: h.successBase(r.Context()), Date: date, Queues: queues,
	}
}

// GetOverviewHandler Wrapper around GetOverview
func (h APIRestMonitorHandler) GetOverviewHandler() http.HandlerFunc {
	return h.LoggingMiddleware(h.GetOverview)
}

// =======================================================================
// Actions

// APIRestRespAction result of one doctor command
type APIRestRespAction struct {
	goutils.RestAPIBaseResponse
	Result action.Result `json:"result"`
}

// actionStatusCode HTTP status code reporting an action result
func actionStatusCode(result action.Result) int {
	switch result.Outcome {
	case action.OutcomeConfirmed:
		return http.StatusOK
	case action.OutcomeIgnored:
		return http.StatusAccepted
	}
	if result.ErrorKind == common.KindBusinessRejection {
		return http.StatusConflict
	}
	return http.StatusServiceUnavailable
}

// RunCommand godoc
// @Summary Run a doctor command
// @Description Advance or skip the queue of a resource. The backend REST API is tried
// first, the event channel is used on transport failure.
// @tags Monitor
// @Produce json
// @Param Queuesync-Request-ID header string false "User provided request ID to match against logs"
// @Param resourceId path string true "Resource ID"
// @Param command path string true "advance or skip"
// @Param date query string false "Day of the queue, YYYY-MM-DD. Defaults to today"
// @Success 200 {object} APIRestRespAction "confirmed"
// @Success 202 {object} APIRestRespAction "same command already dispatched"
// @Failure 400 {object} goutils.RestAPIBaseResponse "error"
// @Failure 409 {object} APIRestRespAction "rejected by the server"
// @Failure 503 {object} APIRestRespAction "not delivered"
// @Router /v1/queue/{resourceId}/{command} [post]
func (h APIRestMonitorHandler) RunCommand(w http.ResponseWriter, r *http.Request) {
	localLogTags := h.GetLogTagsForContext(r.Context())
	var respCode int
	var respBody interface{}
	defer func() {
		if err := h.WriteRESTResponse(w, respCode, respBody, nil); err != nil {
			log.WithError(err).WithFields(localLogTags).Error("Failed to form response")
		}
	}()

	cmd, err := queue.ParseCommand(mux.Vars(r)["command"])
	if err != nil {
		msg := "Unknown command"
		log.WithError(err).WithFields(localLogTags).Error(msg)
		respCode = http.StatusBadRequest
		respBody = h.GetStdRESTErrorMsg(r.Context(), http.StatusBadRequest, msg, err.Error())
		return
	}
	scope, err := requestScope(r, h.now)
	if err != nil {
		msg := "Invalid queue scope"
		log.WithError(err).WithFields(localLogTags).Error(msg)
		respCode = http.StatusBadRequest
		respBody = h.GetStdRESTErrorMsg(r.Context(), http.StatusBadRequest, msg, err.Error())
		return
	}

	result := h.actions.Execute(r.Context(), scope, cmd)
	respCode = actionStatusCode(result)
	if respCode < http.StatusMultipleChoices {
		respBody = APIRestRespAction{
			RestAPIBaseResponse: h.successBase(r.Context()), Result: result,
		}
		return
	}
	msg := fmt.Sprintf("%s of %s failed", cmd, scope.Key())
	respBody = APIRestRespAction{
		RestAPIBaseResponse: h.GetStdRESTErrorMsg(r.Context(), respCode, msg, result.Message),
		Result:              result,
	}
}

// RunCommandHandler Wrapper around RunCommand
func (h APIRestMonitorHandler) RunCommandHandler() http.HandlerFunc {
	return h.LoggingMiddleware(h.RunCommand)
}

// =======================================================================
// Connection / Health Checks

// APIRestRespConnection event channel state
type APIRestRespConnection struct {
	goutils.RestAPIBaseResponse
	Connected bool `json:"connected"`
}

// Connection godoc
// @Summary Event channel state
// @Description Whether the event channel is connected. Viewers show a reconnecting
// indicator while it is not.
// @tags Monitor
// @Produce json
// @Success 200 {object} APIRestRespConnection "success"
// @Router /v1/connection [get]
func (h APIRestMonitorHandler) Connection(w http.ResponseWriter, r *http.Request) {
	localLogTags := h.GetLogTagsForContext(r.Context())
	resp := APIRestRespConnection{
		RestAPIBaseResponse: h.successBase(r.Context()),
		Connected:           h.status.IsConnected(),
	}
	if err := h.WriteRESTResponse(w, http.StatusOK, resp, nil); err != nil {
		log.WithError(err).WithFields(localLogTags).Error("Failed to form response")
	}
}

// ConnectionHandler Wrapper around Connection
func (h APIRestMonitorHandler) ConnectionHandler() http.HandlerFunc {
	return h.LoggingMiddleware(h.Connection)
}

// Alive godoc
// @Summary For monitor REST API liveness check
// @Description Will return success to indicate monitor REST API module is live
// @tags Monitor
// @Produce json
// @Success 200 {object} goutils.RestAPIBaseResponse "success"
// @Router /alive [get]
func (h APIRestMonitorHandler) Alive(w http.ResponseWriter, r *http.Request) {
	localLogTags := h.GetLogTagsForContext(r.Context())
	if err := h.WriteRESTResponse(
		w, http.StatusOK, h.GetStdRESTSuccessMsg(r.Context()), nil,
	); err != nil {
		log.WithError(err).WithFields(localLogTags).Error("Failed to form response")
	}
}

// AliveHandler Wrapper around Alive
func (h APIRestMonitorHandler) AliveHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		h.Alive(w, r)
	}
}

// Ready godoc
// @Summary For monitor REST API readiness check
// @Description Will return success once the event channel is connected
// @tags Monitor
// @Produce json
// @Success 200 {object} goutils.RestAPIBaseResponse "success"
// @Failure 503 {object} goutils.RestAPIBaseResponse "error"
// @Router /ready [get]
func (h APIRestMonitorHandler) Ready(w http.ResponseWriter, r *http.Request) {
	msg := "event channel not connected"
	localLogTags := h.GetLogTagsForContext(r.Context())
	var respCode int
	var respBody interface{}
	defer func() {
		if err := h.WriteRESTResponse(w, respCode, respBody, nil); err != nil {
			log.WithError(err).WithFields(localLogTags).Error("Failed to form response")
		}
	}()

	if h.status.IsConnected() {
		respCode = http.StatusOK
		respBody = h.GetStdRESTSuccessMsg(r.Context())
	} else {
		respCode = http.StatusServiceUnavailable
		respBody = h.GetStdRESTErrorMsg(r.Context(), http.StatusServiceUnavailable, msg, msg)
	}
}

// ReadyHandler Wrapper around Ready
func (h APIRestMonitorHandler) ReadyHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		h.Ready(w, r)
	}
}

// =======================================================================

// RegisterMonitorRoutes attach the monitor API routes under a path prefix
func RegisterMonitorRoutes(
	router *mux.Router, pathPrefix string, h APIRestMonitorHandler,
) *mux.Router {
	mainRouter := RegisterPathPrefix(router, pathPrefix, nil)

	perQueueRouter := RegisterPathPrefix(
		mainRouter, "/v1/queue/{resourceId}", MethodHandlers{
			"get": h.GetQueueHandler(),
		},
	)
	_ = RegisterPathPrefix(perQueueRouter, "/token", MethodHandlers{
		"get": h.GetTokenHandler(),
	})
	_ = RegisterPathPrefix(perQueueRouter, "/{command}", MethodHandlers{
		"post": h.RunCommandHandler(),
	})

	_ = RegisterPathPrefix(mainRouter, "/v1/overview", MethodHandlers{
		"get": h.GetOverviewHandler(),
	})
	_ = RegisterPathPrefix(mainRouter, "/v1/connection", MethodHandlers{
		"get": h.ConnectionHandler(),
	})

	// Health check
	_ = RegisterPathPrefix(mainRouter, "/alive", MethodHandlers{
		"get": h.AliveHandler(),
	})
	_ = RegisterPathPrefix(mainRouter, "/ready", MethodHandlers{
		"get": h.ReadyHandler(),
	})
	return mainRouter
}
