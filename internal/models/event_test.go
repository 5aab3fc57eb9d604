package models

import (
	"encoding/json"
	"errors"
	"fmt"
	"testing"
	"time"
)

func TestCloudEvent_Validate(t *testing.T) {
	tests := []struct {
		name    string
		event   CloudEvent
		wantErr bool
	}{
		{
			name: "valid published event",
			event: CloudEvent{
				ID:               "0b6d8b62-3c4e-4f5e-9d33-2f8d0a4c1b11",
				Type:             EventTypePublished,
				ResourceInstance: "6f1c7a8e-1111-4d1a-9a2b-8d9c0e1f2a3b",
			},
			wantErr: false,
		},
		{
			name: "validation event without resource instance",
			event: CloudEvent{
				ID:   "7e2f",
				Type: EventTypeValidateSubscription,
			},
			wantErr: false,
		},
		{
			name: "missing id",
			event: CloudEvent{
				Type:             EventTypePublished,
				ResourceInstance: "6f1c7a8e-1111-4d1a-9a2b-8d9c0e1f2a3b",
			},
			wantErr: true,
		},
		{
			name: "missing type",
			event: CloudEvent{
				ID:               "0b6d8b62",
				ResourceInstance: "6f1c7a8e-1111-4d1a-9a2b-8d9c0e1f2a3b",
			},
			wantErr: true,
		},
		{
			name: "missing resource instance",
			event: CloudEvent{
				ID:   "0b6d8b62",
				Type: EventTypeInitialized,
			},
			wantErr: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.event.Validate()
			if (err != nil) != tt.wantErr {
				t.Errorf("CloudEvent.Validate() error = %v, wantErr %v", err, tt.wantErr)
			}
		})
	}
}

func TestCloudEvent_SentBySender(t *testing.T) {
	tests := []struct {
		name string
		data string
		want bool
	}{
		{name: "sender role", data: `{"Role":"Sender"}`, want: true},
		{name: "recipient role", data: `{"Role":"Recipient"}`, want: false},
		{name: "no data", data: ``, want: false},
		{name: "data is not an object", data: `"Sender"`, want: false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			e := CloudEvent{ID: "1", Type: EventTypePublished}
			if tt.data != "" {
				e.Data = json.RawMessage(tt.data)
			}
			if got := e.SentBySender(); got != tt.want {
				t.Errorf("SentBySender() = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestCloudEvent_UnmarshalBrokerPayload(t *testing.T) {
	body := `{
		"specversion": "1.0",
		"id": "0192:abc",
		"type": "no.altinn.broker.published",
		"time": "2025-03-04T10:15:00Z",
		"resource": "urn:altinn:resource:kv-test",
		"resourceinstance": "6f1c7a8e-1111-4d1a-9a2b-8d9c0e1f2a3b",
		"source": "https://platform.tt02.altinn.no/broker/api/v1/filetransfer"
	}`

	var e CloudEvent
	if err := json.Unmarshal([]byte(body), &e); err != nil {
		t.Fatalf("Unmarshal failed: %v", err)
	}
	if e.Type != EventTypePublished || !e.Type.Known() {
		t.Errorf("Expected known published type, got %q", e.Type)
	}
	want := time.Date(2025, 3, 4, 10, 15, 0, 0, time.UTC)
	if !e.EventTime().Equal(want) {
		t.Errorf("Expected time %v, got %v", want, e.EventTime())
	}
}

func TestEventType_Known(t *testing.T) {
	if EventType("no.altinn.broker.somethingelse").Known() {
		t.Error("Expected unknown type to be reported as unknown")
	}
	if !EventTypeValidateSubscription.Known() {
		t.Error("Expected validate subscription to be known")
	}
}

func TestFileOverview_IsRecipient(t *testing.T) {
	overview := FileOverview{
		Recipients: []Recipient{
			{Recipient: "0192:971032146"},
			{Recipient: "0192:910000000"},
		},
	}

	if !overview.IsRecipient("971032146") {
		t.Error("Expected recipient match on organisation number")
	}
	if overview.IsRecipient("123456789") {
		t.Error("Expected no match for unrelated organisation")
	}
	if overview.IsRecipient("") {
		t.Error("Expected no match for empty recipient id")
	}
}

func TestFileOverview_HasTerminalHistory(t *testing.T) {
	tests := []struct {
		name    string
		history []StatusEvent
		want    bool
	}{
		{name: "no history", history: nil, want: false},
		{name: "initialized only", history: []StatusEvent{{Status: FileStatusInitialized}}, want: false},
		{name: "all confirmed", history: []StatusEvent{{Status: FileStatusInitialized}, {Status: FileStatusAllConfirmedDownloaded}}, want: true},
		{name: "cancelled", history: []StatusEvent{{Status: FileStatusCancelled}}, want: true},
		{name: "failed", history: []StatusEvent{{Status: FileStatusFailed}}, want: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			o := FileOverview{StatusHistory: tt.history}
			if got := o.HasTerminalHistory(); got != tt.want {
				t.Errorf("HasTerminalHistory() = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestNewInboundTransitRecord(t *testing.T) {
	created := time.Date(2025, 1, 2, 3, 4, 5, 0, time.UTC)
	received := created.Add(time.Minute)
	o := &FileOverview{
		FileTransferID: "6f1c7a8e-1111-4d1a-9a2b-8d9c0e1f2a3b",
		ResourceID:     "kv-test",
		FileName:       "matrikkel.xml",
		Sender:         "0192:910000000",
		Created:        created,
		PropertyList:   map[string]string{"saksnummer": "2025/17"},
	}

	record, err := NewInboundTransitRecord(o, received)
	if err != nil {
		t.Fatalf("NewInboundTransitRecord failed: %v", err)
	}
	if record.Direction != DirectionIn || record.TransitStatus != TransitStatusNew {
		t.Errorf("Expected IN/NEW, got %s/%s", record.Direction, record.TransitStatus)
	}
	props, err := record.Properties()
	if err != nil {
		t.Fatalf("Properties failed: %v", err)
	}
	if props["saksnummer"] != "2025/17" {
		t.Errorf("Expected property to survive, got %v", props)
	}
	if record.Created == nil || !record.Created.Equal(created) {
		t.Errorf("Expected created %v, got %v", created, record.Created)
	}
}

func TestErrorClassification(t *testing.T) {
	retryable := fmt.Errorf("fetch page: %w", NewRetryableError("status_503", nil))
	permanent := fmt.Errorf("fetch page: %w", NewNonRetryableError("status_404", errors.New("not found")))

	if !IsRetryable(retryable) || IsNonRetryable(retryable) {
		t.Error("Expected wrapped retryable error to classify as retryable")
	}
	if IsRetryable(permanent) || !IsNonRetryable(permanent) {
		t.Error("Expected wrapped non-retryable error to classify as non-retryable")
	}
	if permanent.Error() != "fetch page: non-retryable: status_404: not found" {
		t.Errorf("Unexpected message: %s", permanent.Error())
	}
}
