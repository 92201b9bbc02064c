package common

import (
	"errors"
	"fmt"
)

// ErrorKind classifies failures of the queue synchronization subsystem
type ErrorKind string

const (
	// KindTransport connection drop or send failure. Always recoverable.
	KindTransport ErrorKind = "TRANSPORT"
	// KindNotConnected the event channel is down
	KindNotConnected ErrorKind = "NOT_CONNECTED"
	// KindAckTimeout no acknowledgement arrived within the bound
	KindAckTimeout ErrorKind = "TIMEOUT"
	// KindBusinessRejection the server explicitly refused the command. Terminal.
	KindBusinessRejection ErrorKind = "BUSINESS_REJECTED"
	// KindSnapshotFetch the authoritative snapshot could not be fetched
	KindSnapshotFetch ErrorKind = "SNAPSHOT_FETCH"
)

// QueueError is an error tagged with its ErrorKind
type QueueError struct {
	// Kind is the failure classification
	Kind ErrorKind
	// Op is the operation which failed
	Op string
	// Message is a human readable description, usually from the server
	Message string
	// Err is the underlying cause
	Err error
}

// Error implements error
func (e *QueueError) Error() string {
	switch {
	case e.Message != "" && e.Err != nil:
		return fmt.Sprintf("%s [%s]: %s: %s", e.Op, e.Kind, e.Message, e.Err.Error())
	case e.Err != nil:
		return fmt.Sprintf("%s [%s]: %s", e.Op, e.Kind, e.Err.Error())
	case e.Message != "":
		return fmt.Sprintf("%s [%s]: %s", e.Op, e.Kind, e.Message)
	}
	return fmt.Sprintf("%s [%s]", e.Op, e.Kind)
}

// Unwrap support errors.Is / errors.As
func (e *QueueError) Unwrap() error {
	return e.Err
}

// NewTransportError define a KindTransport error
func NewTransportError(op string, err error) error {
	return &QueueError{Kind: KindTransport, Op: op, Err: err}
}

// NewBusinessRejection define a KindBusinessRejection error
func NewBusinessRejection(op, message string) error {
	return &QueueError{Kind: KindBusinessRejection, Op: op, Message: message}
}

// NewSnapshotFetchError define a KindSnapshotFetch error
func NewSnapshotFetchError(op string, err error) error {
	return &QueueError{Kind: KindSnapshotFetch, Op: op, Err: err}
}

// KindOf return the ErrorKind of an error. Errors which are not QueueError report
// KindTransport, since unclassified failures are treated as recoverable.
func KindOf(err error) ErrorKind {
	var qErr *QueueError
	if errors.As(err, &qErr) {
		return qErr.Kind
	}
	return KindTransport
}

// IsKind check whether an error is a QueueError of the given kind
func IsKind(err error, kind ErrorKind) bool {
	if err == nil {
		return false
	}
	var qErr *QueueError
	if errors.As(err, &qErr) {
		return qErr.Kind == kind
	}
	return false
}
