package models

import (
	"encoding/json"
	"time"
)

// EventType is the broker's wire type of a CloudEvent.
type EventType string

const (
	EventTypeInitialized          EventType = "no.altinn.broker.filetransferinitialized"
	EventTypeUploadProcessing     EventType = "no.altinn.broker.uploadprocessing"
	EventTypePublished            EventType = "no.altinn.broker.published"
	EventTypeUploadFailed         EventType = "no.altinn.broker.uploadfailed"
	EventTypeDownloadConfirmed    EventType = "no.altinn.broker.downloadconfirmed"
	EventTypeAllConfirmed         EventType = "no.altinn.broker.allconfirmeddownloaded"
	EventTypeNeverConfirmed       EventType = "no.altinn.broker.fileneverconfirmeddownloaded"
	EventTypeDeleted              EventType = "no.altinn.broker.filedeleted"
	EventTypePurged               EventType = "no.altinn.broker.filepurged"
	EventTypeValidateSubscription EventType = "platform.events.validatesubscription"
)

var knownEventTypes = map[EventType]struct{}{
	EventTypeInitialized:          {},
	EventTypeUploadProcessing:     {},
	EventTypePublished:            {},
	EventTypeUploadFailed:         {},
	EventTypeDownloadConfirmed:    {},
	EventTypeAllConfirmed:         {},
	EventTypeNeverConfirmed:       {},
	EventTypeDeleted:              {},
	EventTypePurged:               {},
	EventTypeValidateSubscription: {},
}

// Known reports whether t is one of the broker's event types.
func (t EventType) Known() bool {
	_, ok := knownEventTypes[t]
	return ok
}

// CloudEvent is a lifecycle notification from the broker.
// Ids are only ordered within one resource.
type CloudEvent struct {
	ID                 string          `json:"id"`
	SpecVersion        string          `json:"specversion,omitempty"`
	Type               EventType       `json:"type"`
	Time               *time.Time      `json:"time,omitempty"`
	Resource           string          `json:"resource,omitempty"`
	ResourceInstance   string          `json:"resourceinstance,omitempty"`
	Source             string          `json:"source,omitempty"`
	Subject            string          `json:"subject,omitempty"`
	AlternativeSubject string          `json:"alternativesubject,omitempty"`
	DataContentType    string          `json:"datacontenttype,omitempty"`
	Data               json.RawMessage `json:"data,omitempty"`
}

// Validation error codes
const (
	ErrCodeMissingField = "MISSING_FIELD"
	ErrCodeInvalidValue = "INVALID_VALUE"
)

// Validate performs basic validation on the event
func (e *CloudEvent) Validate() error {
	if e.ID == "" {
		return ErrInvalidEvent{Field: "id", Reason: "cannot be empty", Code: ErrCodeMissingField}
	}
	if e.Type == "" {
		return ErrInvalidEvent{Field: "type", Reason: "cannot be empty", Code: ErrCodeMissingField}
	}
	// Validation events carry no file transfer
	if e.Type == EventTypeValidateSubscription {
		return nil
	}
	if e.ResourceInstance == "" {
		return ErrInvalidEvent{Field: "resourceinstance", Reason: "cannot be empty", Code: ErrCodeMissingField}
	}
	return nil
}

// SentBySender reports whether the event data marks the receiver of this
// notification as the sender of the file transfer.
func (e *CloudEvent) SentBySender() bool {
	if len(e.Data) == 0 {
		return false
	}
	var data map[string]interface{}
	if err := json.Unmarshal(e.Data, &data); err != nil {
		return false
	}
	role, _ := data["Role"].(string)
	return role == "Sender"
}

// EventTime returns the event time or the zero time.
func (e *CloudEvent) EventTime() time.Time {
	if e.Time == nil {
		return time.Time{}
	}
	return *e.Time
}

// ErrInvalidEvent represents a validation error
type ErrInvalidEvent struct {
	Field  string
	Reason string
	Code   string
}

func (e ErrInvalidEvent) Error() string {
	return "invalid event: [" + e.Code + "] " + e.Field + " " + e.Reason
}
