package models

import (
	"strings"
	"time"
)

// FileStatus is the broker-side status of a file transfer
type FileStatus string

const (
	FileStatusInitialized              FileStatus = "Initialized"
	FileStatusUploadStarted            FileStatus = "UploadStarted"
	FileStatusUploadProcessing         FileStatus = "UploadProcessing"
	FileStatusPublished                FileStatus = "Published"
	FileStatusCancelled                FileStatus = "Cancelled"
	FileStatusAllConfirmedDownloaded   FileStatus = "AllConfirmedDownloaded"
	FileStatusPurged                   FileStatus = "Purged"
	FileStatusFailed                   FileStatus = "Failed"
	FileStatusNeverConfirmedDownloaded FileStatus = "NeverConfirmedDownloaded"
)

// Recipient is one recipient of a file transfer with its current status
type Recipient struct {
	Recipient     string     `json:"recipient"`
	StatusCode    string     `json:"currentRecipientFileTransferStatusCode,omitempty"`
	StatusText    string     `json:"currentRecipientFileTransferStatusText,omitempty"`
	StatusChanged *time.Time `json:"currentRecipientFileTransferStatusChanged,omitempty"`
}

// StatusEvent is one entry in a file transfer's status history
type StatusEvent struct {
	Status  FileStatus `json:"fileTransferStatus"`
	Text    string     `json:"fileTransferStatusText,omitempty"`
	Changed *time.Time `json:"fileTransferStatusChanged,omitempty"`
}

// FileOverview is the broker's snapshot of a file transfer.
// StatusHistory is only filled by the details endpoint.
type FileOverview struct {
	FileTransferID    string            `json:"fileTransferId"`
	ResourceID        string            `json:"resourceId,omitempty"`
	FileName          string            `json:"fileName,omitempty"`
	SendersReference  string            `json:"sendersFileTransferReference,omitempty"`
	Checksum          string            `json:"checksum,omitempty"`
	FileTransferSize  int64             `json:"fileTransferSize,omitempty"`
	Status            FileStatus        `json:"fileTransferStatus,omitempty"`
	StatusText        string            `json:"fileTransferStatusText,omitempty"`
	StatusChanged     *time.Time        `json:"fileTransferStatusChanged,omitempty"`
	Created           time.Time         `json:"created"`
	ExpirationTime    *time.Time        `json:"expirationTime,omitempty"`
	Sender            string            `json:"sender,omitempty"`
	Recipients        []Recipient       `json:"recipients,omitempty"`
	PropertyList      map[string]string `json:"propertyList,omitempty"`
	StatusHistory     []StatusEvent     `json:"fileTransferStatusHistory,omitempty"`
}

// IsRecipient reports whether recipientID appears in any recipient identifier.
// Recipient identifiers carry a scheme prefix ("0192:<orgnr>") so this is a
// substring match.
func (f *FileOverview) IsRecipient(recipientID string) bool {
	if recipientID == "" {
		return false
	}
	for _, r := range f.Recipients {
		if strings.Contains(r.Recipient, recipientID) {
			return true
		}
	}
	return false
}

// IsTestOperation reports whether the transfer is marked as a test transfer.
// Such transfers loop back to the bridge when it is both sender and recipient.
func (f *FileOverview) IsTestOperation() bool {
	return f.PropertyList["operation"] == "test"
}

// HasTerminalHistory reports whether the status history shows the transfer
// has already moved past the point where the bridge should prepare for it.
func (f *FileOverview) HasTerminalHistory() bool {
	for _, h := range f.StatusHistory {
		switch h.Status {
		case FileStatusAllConfirmedDownloaded, FileStatusPurged, FileStatusCancelled, FileStatusFailed:
			return true
		}
	}
	return false
}

// EnrichedEvent pairs an event with the current overview of its file transfer
type EnrichedEvent struct {
	Event    CloudEvent
	Overview FileOverview
}
