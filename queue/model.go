package queue

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strings"
	"time"
)

// Status lifecycle status of a queue entry
type Status string

// Queue entry statuses
const (
	StatusPending    Status = "PENDING"
	StatusConfirmed  Status = "CONFIRMED"
	StatusCheckedIn  Status = "CHECKED_IN"
	StatusInProgress Status = "IN_PROGRESS"
	StatusCompleted  Status = "COMPLETED"
	StatusCancelled  Status = "CANCELLED"
	StatusNoShow     Status = "NO_SHOW"
)

// IsTerminal whether the status ends the entry's participation in the queue
func (s Status) IsTerminal() bool {
	switch s {
	case StatusCompleted, StatusCancelled, StatusNoShow:
		return true
	}
	return false
}

// IsActive whether the entry is the one currently being served
func (s Status) IsActive() bool {
	return s == StatusCheckedIn || s == StatusInProgress
}

// EntryID opaque entry identifier. The backend sends it either as a JSON string
// or as a JSON number.
type EntryID string

// UnmarshalJSON implements json.Unmarshaler
func (i *EntryID) UnmarshalJSON(data []byte) error {
	trimmed := bytes.TrimSpace(data)
	if len(trimmed) == 0 || bytes.Equal(trimmed, []byte("null")) {
		*i = ""
		return nil
	}
	if trimmed[0] == '"' {
		var asString string
		if err := json.Unmarshal(trimmed, &asString); err != nil {
			return err
		}
		*i = EntryID(asString)
		return nil
	}
	var asNumber json.Number
	if err := json.Unmarshal(trimmed, &asNumber); err != nil {
		return fmt.Errorf("entry ID must be a string or a number: %w", err)
	}
	*i = EntryID(asNumber.String())
	return nil
}

// Entry one element of a queue snapshot
type Entry struct {
	// ID unique ID of the entry within the scope
	ID EntryID `json:"id" validate:"required"`
	// ResourceID the resource (doctor) the entry is queued for
	ResourceID string `json:"resourceId,omitempty"`
	// SequenceToken server assigned token, the primary ordering key
	SequenceToken *int64 `json:"sequenceToken,omitempty"`
	// Position secondary ordering key, used when SequenceToken is absent
	Position int `json:"position"`
	// Status lifecycle status
	Status Status `json:"status" validate:"required,oneof=PENDING CONFIRMED CHECKED_IN IN_PROGRESS COMPLETED CANCELLED NO_SHOW"`
	// ScheduledSlot appointment slot, display only
	ScheduledSlot string `json:"scheduledSlot,omitempty"`
	// SubjectRef reference to the patient, display only
	SubjectRef string `json:"subjectRef,omitempty"`
}

// TokenString display form of the sequence token
func (e Entry) TokenString() string {
	if e.SequenceToken == nil {
		return ""
	}
	return fmt.Sprintf("%d", *e.SequenceToken)
}

// ScopeDateFormat layout of Scope.Date
const ScopeDateFormat = "2006-01-02"

// Scope identifies one queue: a resource on a given day
type Scope struct {
	ResourceID string `json:"resourceId" validate:"required"`
	Date       string `json:"date" validate:"required"`
}

// NewScope define a new scope, validating the date
func NewScope(resourceID, date string) (Scope, error) {
	resourceID = strings.TrimSpace(resourceID)
	if resourceID == "" {
		return Scope{}, fmt.Errorf("scope resource ID is empty")
	}
	if _, err := time.Parse(ScopeDateFormat, date); err != nil {
		return Scope{}, fmt.Errorf("scope date '%s' is not YYYY-MM-DD: %w", date, err)
	}
	return Scope{ResourceID: resourceID, Date: date}, nil
}

// Key string key identifying the scope
func (s Scope) Key() string {
	return fmt.Sprintf("%s@%s", s.ResourceID, s.Date)
}

// String implements fmt.Stringer
func (s Scope) String() string {
	return s.Key()
}

// Command a doctor command on a queue
type Command string

// Queue commands
const (
	// CommandAdvance call the next patient
	CommandAdvance Command = "advance"
	// CommandSkip skip the current patient
	CommandSkip Command = "skip"
)

// ParseCommand parse a command name
func ParseCommand(name string) (Command, error) {
	switch Command(strings.ToLower(strings.TrimSpace(name))) {
	case CommandAdvance:
		return CommandAdvance, nil
	case CommandSkip:
		return CommandSkip, nil
	}
	return "", fmt.Errorf("unknown queue command '%s'", name)
}
