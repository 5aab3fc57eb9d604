package models

import (
	"encoding/json"
	"fmt"
	"time"
)

// PayloadMode indicates how the payload is stored
type PayloadMode string

const (
	PayloadModeInline PayloadMode = "INLINE"
	PayloadModeObject PayloadMode = "OBJECT"
)

// Direction of a transit record relative to the bridge
type Direction string

const (
	DirectionIn  Direction = "IN"
	DirectionOut Direction = "OUT"
)

// TransitStatus is the downstream lifecycle of a transit record
type TransitStatus string

const (
	TransitStatusNew       TransitStatus = "NEW"
	TransitStatusCompleted TransitStatus = "COMPLETED"
)

// TransitRecord represents a file overview row in the transit database
type TransitRecord struct {
	ID               string        `json:"id" db:"id"`
	FileTransferID   string        `json:"file_transfer_id" db:"file_transfer_id"`
	ResourceID       string        `json:"resource_id" db:"resource_id"`
	FileName         string        `json:"file_name" db:"file_name"`
	Sender           string        `json:"sender" db:"sender"`
	SendersReference string        `json:"senders_reference" db:"senders_reference"`
	Checksum         string        `json:"checksum,omitempty" db:"checksum"`
	Direction        Direction     `json:"direction" db:"direction"`
	TransitStatus    TransitStatus `json:"transit_status" db:"transit_status"`
	PropertyJSON     string        `json:"-" db:"json_property_list"`
	Created          *time.Time    `json:"created,omitempty" db:"created"`
	Received         *time.Time    `json:"received,omitempty" db:"received"`
	Sent             *time.Time    `json:"sent,omitempty" db:"sent"`
	Modified         time.Time     `json:"modified" db:"modified"`
	Version          int           `json:"version" db:"version"`
}

// Properties decodes the stored property list
func (r *TransitRecord) Properties() (map[string]string, error) {
	props := map[string]string{}
	if r.PropertyJSON == "" {
		return props, nil
	}
	if err := json.Unmarshal([]byte(r.PropertyJSON), &props); err != nil {
		return nil, fmt.Errorf("failed to unmarshal property list: %w", err)
	}
	return props, nil
}

// NewInboundTransitRecord maps a broker file overview to a NEW inbound record
func NewInboundTransitRecord(o *FileOverview, received time.Time) (*TransitRecord, error) {
	propertyJSON := "{}"
	if o.PropertyList != nil {
		bytes, err := json.Marshal(o.PropertyList)
		if err != nil {
			return nil, fmt.Errorf("failed to marshal property list: %w", err)
		}
		propertyJSON = string(bytes)
	}

	var created *time.Time
	if !o.Created.IsZero() {
		c := o.Created
		created = &c
	}

	return &TransitRecord{
		FileTransferID:   o.FileTransferID,
		ResourceID:       o.ResourceID,
		FileName:         o.FileName,
		Sender:           o.Sender,
		SendersReference: o.SendersReference,
		Checksum:         o.Checksum,
		Direction:        DirectionIn,
		TransitStatus:    TransitStatusNew,
		PropertyJSON:     propertyJSON,
		Created:          created,
		Received:         &received,
		Modified:         received,
	}, nil
}

// TransitFile represents a stored payload
type TransitFile struct {
	ID             string      `db:"id"`
	FileOverviewID string      `db:"file_overview_id"`
	PayloadMode    PayloadMode `db:"payload_mode"`
	Payload        []byte      `db:"payload"`
	ObjectKey      *string     `db:"object_key"`
	Created        time.Time   `db:"created"`
}

// EventRecord represents a persisted broker event
type EventRecord struct {
	ID               string     `json:"id" db:"id"`
	AltinnID         string     `json:"altinn_id" db:"altinn_id"`
	ResourceInstance string     `json:"resourceinstance" db:"resourceinstance"`
	SpecVersion      string     `json:"spec_version" db:"spec_version"`
	Type             string     `json:"type" db:"type"`
	Time             *time.Time `json:"time,omitempty" db:"time"`
	Resource         string     `json:"resource" db:"resource"`
	Source           string     `json:"source" db:"source"`
	Received         time.Time  `json:"received" db:"received"`
}

// NewEventRecord maps a cloud event to its persisted form
func NewEventRecord(e *CloudEvent, received time.Time) *EventRecord {
	return &EventRecord{
		AltinnID:         e.ID,
		ResourceInstance: e.ResourceInstance,
		SpecVersion:      e.SpecVersion,
		Type:             string(e.Type),
		Time:             e.Time,
		Resource:         e.Resource,
		Source:           e.Source,
		Received:         received,
	}
}

// FailedEvent is a ledger row for an event that failed while polling.
// PrecedingEventID is the resume cursor for recovery.
type FailedEvent struct {
	ID               string    `json:"id" db:"id"`
	FailedEventID    string    `json:"failed_event_id" db:"altinn_id"`
	PrecedingEventID string    `json:"preceding_event_id" db:"previous_event_id"`
	ProxyState       string    `json:"proxy_state,omitempty" db:"altinn_proxy_state"`
	CreatedAt        time.Time `json:"created_at" db:"created"`
}

// IdempotencyKeyRecord represents an idempotency key in the database
type IdempotencyKeyRecord struct {
	EventID     string    `db:"event_id"`
	Status      string    `db:"status"`
	FirstSeenAt time.Time `db:"first_seen_at"`
	LastSeenAt  time.Time `db:"last_seen_at"`
	Attempts    int       `db:"attempts"`
	ErrorReason *string   `db:"error_reason"`
}

// IdempotencyStatus represents the processing status
type IdempotencyStatus string

const (
	IdempotencyStatusProcessing IdempotencyStatus = "processing"
	IdempotencyStatusSuccess    IdempotencyStatus = "success"
	IdempotencyStatusFailed     IdempotencyStatus = "failed"
)
