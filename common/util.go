package common

import (
	"context"
	"os"

	"github.com/apex/log"
)

// Component base structure for a Component
type Component struct {
	LogTags log.Fields
}

// UpdateLogTags return a copy of the log tags, extended with the request parameters
// stored in the context (if any)
func UpdateLogTags(ctxt context.Context, original log.Fields) (log.Fields, error) {
	newLogTags := log.Fields{}
	for k, v := range original {
		newLogTags[k] = v
	}
	if ctxt == nil {
		return newLogTags, nil
	}
	if ctxt.Value(RequestParam{}) != nil {
		v, ok := ctxt.Value(RequestParam{}).(RequestParam)
		if ok {
			v.UpdateLogTags(newLogTags)
		}
	}
	return newLogTags, nil
}

// GetUnitTestNatsURI fetch the NATS server URI to use for unit testing.
//
// An empty string means no NATS server is available.
func GetUnitTestNatsURI() string {
	return os.Getenv("UNITTEST_NATS_URL")
}
