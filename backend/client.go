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

package backend

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/apex/log"
	"github.com/clinicflow/queuesync/common"
	"github.com/clinicflow/queuesync/queue"
	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"
)

// maxResponseBody cap on the size of a backend response body
const maxResponseBody = 4 << 20

// Client the queue backend REST API
type Client interface {
	// GetQueue fetch the authoritative snapshot of a scope
	GetQueue(ctxt context.Context, scope queue.Scope) ([]queue.Entry, error)
	// Invoke run a queue command through the REST API
	Invoke(ctxt context.Context, scope queue.Scope, cmd queue.Command) (ActionResponse, error)
}

// ActionResponse response of an advance / skip call
type ActionResponse struct {
	Success *bool  `json:"success,omitempty"`
	Message string `json:"message,omitempty"`
}

// actionRequest body of an advance / skip call
type actionRequest struct {
	Date string `json:"date"`
}

// snapshotEnvelope wrapped form of a snapshot response
type snapshotEnvelope struct {
	Data []queue.Entry `json:"data"`
}

// ClientParams parameters for defining a REST client
type ClientParams struct {
	// BaseURL REST API base
	BaseURL string `validate:"required,url"`
	// Token bearer token
	Token string
	// RequestTimeout max duration of one call
	RequestTimeout time.Duration `validate:"gt=0"`
	// RequestIDHeader header carrying the request ID
	RequestIDHeader string `validate:"required"`
	// HTTPClient optional client override
	HTTPClient *http.Client
}

// restClientImpl implements Client
type restClientImpl struct {
	common.Component
	baseURL         *url.URL
	token           string
	requestIDHeader string
	httpClient      *http.Client
	validate        *validator.Validate
}

// NewClient define a new backend REST client
func NewClient(params ClientParams) (Client, error) {
	validate := validator.New()
	if err := validate.Struct(&params); err != nil {
		return nil, err
	}
	baseURL, err := url.Parse(strings.TrimSuffix(params.BaseURL, "/"))
	if err != nil {
		return nil, err
	}
	httpClient := &http.Client{}
	if params.HTTPClient != nil {
		copied := *params.HTTPClient
		httpClient = &copied
	}
	httpClient.Timeout = params.RequestTimeout
	logTags := log.Fields{
		"module": "backend", "component": "rest-client", "instance": baseURL.Host,
	}
	return &restClientImpl{
		Component:       common.Component{LogTags: logTags},
		baseURL:         baseURL,
		token:           params.Token,
		requestIDHeader: params.RequestIDHeader,
		httpClient:      httpClient,
		validate:        validate,
	}, nil
}

// endpoint build the URL of a path under the base
func (c *restClientImpl) endpoint(pathSegments ...string) *url.URL {
	target := *c.baseURL
	escaped := make([]string, 0, len(pathSegments))
	for _, segment := range pathSegments {
		escaped = append(escaped, url.PathEscape(segment))
	}
	target.Path = fmt.Sprintf("%s/%s", c.baseURL.Path, strings.Join(escaped, "/"))
	target.RawPath = ""
	return &target
}

// do send a request and read the response body
func (c *restClientImpl) do(
	ctxt context.Context, method string, target *url.URL, body interface{},
) (int, []byte, error) {
	var reader io.Reader
	if body != nil {
		encoded, err := json.Marshal(body)
		if err != nil {
			return 0, nil, err
		}
		reader = bytes.NewReader(encoded)
	}
	req, err := http.NewRequestWithContext(ctxt, method, target.String(), reader)
	if err != nil {
		return 0, nil, err
	}
	requestID := uuid.NewString()
	if param, ok := common.GetRequestParam(ctxt); ok && param.ID != "" {
		requestID = param.ID
	}
	req.Header.Set(c.requestIDHeader, requestID)
	req.Header.Set("Accept", "application/json")
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.token != "" {
		req.Header.Set("Authorization", fmt.Sprintf("Bearer %s", c.token))
	}

	logTags, _ := common.UpdateLogTags(ctxt, c.LogTags)
	logTags["backend_request_id"] = requestID
	log.WithFields(logTags).Debugf("%s %s", method, target.Path)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return 0, nil, err
	}
	defer resp.Body.Close()
	respBody, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBody))
	if err != nil {
		return resp.StatusCode, nil, err
	}
	return resp.StatusCode, respBody, nil
}

// GetQueue fetch the authoritative snapshot of a scope
func (c *restClientImpl) GetQueue(ctxt context.Context, scope queue.Scope) ([]queue.Entry, error) {
	op := fmt.Sprintf("get queue %s", scope.Key())
	target := c.endpoint("queue", scope.ResourceID)
	query := target.Query()
	query.Set("date", scope.Date)
	target.RawQuery = query.Encode()

	status, body, err := c.do(ctxt, http.MethodGet, target, nil)
	if err != nil {
		return nil, common.NewSnapshotFetchError(op, common.NewTransportError(op, err))
	}
	if status < 200 || status >= 300 {
		return nil, common.NewSnapshotFetchError(
			op, fmt.Errorf("backend responded HTTP %d: %s", status, summarizeBody(body)),
		)
	}
	entries, err := decodeSnapshot(body)
	if err != nil {
		return nil, common.NewSnapshotFetchError(op, err)
	}
	for idx := range entries {
		if err := c.validate.Struct(&entries[idx]); err != nil {
			return nil, common.NewSnapshotFetchError(
				op, fmt.Errorf("entry %d is invalid: %w", idx, err),
			)
		}
	}
	return entries, nil
}

// decodeSnapshot accept both a bare entry array and {"data": [...]}
func decodeSnapshot(body []byte) ([]queue.Entry, error) {
	trimmed := bytes.TrimSpace(body)
	if len(trimmed) == 0 {
		return nil, fmt.Errorf("empty snapshot body")
	}
	if trimmed[0] == '[' {
		entries := []queue.Entry{}
		if err := json.Unmarshal(trimmed, &entries); err != nil {
			return nil, fmt.Errorf("malformed snapshot: %w", err)
		}
		return entries, nil
	}
	var wrapped snapshotEnvelope
	if err := json.Unmarshal(trimmed, &wrapped); err != nil {
		return nil, fmt.Errorf("malformed snapshot: %w", err)
	}
	if wrapped.Data == nil {
		return []queue.Entry{}, nil
	}
	return wrapped.Data, nil
}

// Invoke run a queue command through the REST API
//
// Network failures, 408, 429 and 5xx responses are transport errors. Other 4xx
// responses and explicit "success": false are business rejections. A 2xx response
// is never a transport error, whatever its body.
func (c *restClientImpl) Invoke(
	ctxt context.Context, scope queue.Scope, cmd queue.Command,
) (ActionResponse, error) {
	op := fmt.Sprintf("%s %s", cmd, scope.Key())
	target := c.endpoint("queue", scope.ResourceID, string(cmd))

	status, body, err := c.do(ctxt, http.MethodPost, target, actionRequest{Date: scope.Date})
	if err != nil {
		return ActionResponse{}, common.NewTransportError(op, err)
	}
	if isTransientStatus(status) {
		return ActionResponse{}, common.NewTransportError(
			op, fmt.Errorf("backend responded HTTP %d: %s", status, summarizeBody(body)),
		)
	}

	var resp ActionResponse
	if len(bytes.TrimSpace(body)) > 0 {
		if err := json.Unmarshal(body, &resp); err != nil {
			resp = ActionResponse{}
			if status < 300 {
				logTags, _ := common.UpdateLogTags(ctxt, c.LogTags)
				log.WithError(err).WithFields(logTags).Warnf(
					"Unreadable reply to accepted %s: %s", op, summarizeBody(body),
				)
			}
		}
	}
	if status >= 300 {
		message := resp.Message
		if message == "" {
			message = fmt.Sprintf("HTTP %d %s", status, http.StatusText(status))
		}
		return resp, common.NewBusinessRejection(op, message)
	}
	if resp.Success != nil && !*resp.Success {
		message := resp.Message
		if message == "" {
			message = "refused by backend"
		}
		return resp, common.NewBusinessRejection(op, message)
	}
	return resp, nil
}

// isTransientStatus whether the backend did not get to process the request
func isTransientStatus(status int) bool {
	return status >= 500 ||
		status == http.StatusRequestTimeout ||
		status == http.StatusTooManyRequests
}

func summarizeBody(body []byte) string {
	const limit = 256
	text := strings.TrimSpace(string(body))
	if len(text) > limit {
		return text[:limit] + "..."
	}
	return text
}
