package common

import (
	"context"
	"fmt"

	"github.com/apex/log"
	"github.com/google/uuid"
)

// RequestParam is a helper object for logging a request's parameters into its context
type RequestParam struct {
	// ID is the request ID
	ID string `json:"id"`
	// Method is the request method: DELETE, POST, PUT, GET, etc.
	Method string `json:"method" `
	// URI is the request URI
	URI string `json:"uri"`
}

// UpdateLogTags updates Apex log.Fields map with values the requests's parameters
func (i *RequestParam) UpdateLogTags(tags log.Fields) {
	tags["request_id"] = i.ID
	tags["request_method"] = i.Method
	tags["request_uri"] = fmt.Sprintf("'%s'", i.URI)
}

// WithRequestParam attach request parameters to a context. A new request ID is
// generated if none is given.
func WithRequestParam(ctxt context.Context, param RequestParam) context.Context {
	if param.ID == "" {
		param.ID = uuid.NewString()
	}
	return context.WithValue(ctxt, RequestParam{}, param)
}

// GetRequestParam read the request parameters within a context
func GetRequestParam(ctxt context.Context) (RequestParam, bool) {
	if ctxt == nil {
		return RequestParam{}, false
	}
	v, ok := ctxt.Value(RequestParam{}).(RequestParam)
	return v, ok
}
