package queue

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/kartverket/altinn3-file-transfer-proxy/internal/models"
	amqp "github.com/rabbitmq/amqp091-go"
)

// RoutingKeyFileReceived is published once an inbound file is committed to transit
const RoutingKeyFileReceived = "transit.file.received"

const publishTimeout = 5 * time.Second

// FileReceivedMessage tells downstream consumers that a file is ready in transit
type FileReceivedMessage struct {
	EventID        string             `json:"event_id"`
	TransitID      string             `json:"transit_id"`
	FileTransferID string             `json:"file_transfer_id"`
	ResourceID     string             `json:"resource_id"`
	FileName       string             `json:"file_name"`
	Sender         string             `json:"sender"`
	PayloadMode    models.PayloadMode `json:"payload_mode"`
	ObjectKey      *string            `json:"object_key,omitempty"`
	Received       time.Time          `json:"received"`
}

// Notifier publishes transit notifications
type Notifier interface {
	FileReceived(ctx context.Context, msg *FileReceivedMessage) error
	Close() error
}

// channel is the subset of *amqp.Channel the publisher needs
type channel interface {
	PublishWithContext(ctx context.Context, exchange, key string, mandatory, immediate bool, msg amqp.Publishing) error
	Close() error
}

// Publisher wraps an AMQP connection publishing to a topic exchange
type Publisher struct {
	conn     *amqp.Connection
	ch       channel
	exchange string
	mu       sync.Mutex
}

// NewPublisher dials the broker and declares a durable topic exchange
func NewPublisher(url, exchange string) (*Publisher, error) {
	conn, err := amqp.Dial(url)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to AMQP broker: %w", err)
	}

	ch, err := conn.Channel()
	if err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("failed to open AMQP channel: %w", err)
	}

	if err := ch.ExchangeDeclare(exchange, amqp.ExchangeTopic, true, false, false, false, nil); err != nil {
		_ = ch.Close()
		_ = conn.Close()
		return nil, fmt.Errorf("failed to declare exchange %s: %w", exchange, err)
	}

	return &Publisher{conn: conn, ch: ch, exchange: exchange}, nil
}

// FileReceived publishes a persistent transit.file.received message
func (p *Publisher) FileReceived(ctx context.Context, msg *FileReceivedMessage) error {
	body, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("failed to marshal message: %w", err)
	}

	ctx, cancel := context.WithTimeout(ctx, publishTimeout)
	defer cancel()

	// amqp channels are not safe for concurrent publishing
	p.mu.Lock()
	defer p.mu.Unlock()

	err = p.ch.PublishWithContext(ctx, p.exchange, RoutingKeyFileReceived, false, false, amqp.Publishing{
		ContentType:  "application/json",
		DeliveryMode: amqp.Persistent,
		MessageId:    msg.EventID,
		Timestamp:    time.Now().UTC(),
		Headers: amqp.Table{
			"file_transfer_id": msg.FileTransferID,
			"resource_id":      msg.ResourceID,
		},
		Body: body,
	})
	if err != nil {
		return fmt.Errorf("failed to publish message: %w", err)
	}
	return nil
}

// Close closes the channel and the connection
func (p *Publisher) Close() error {
	var firstErr error
	if err := p.ch.Close(); err != nil {
		firstErr = fmt.Errorf("failed to close AMQP channel: %w", err)
	}
	if p.conn != nil {
		if err := p.conn.Close(); err != nil && firstErr == nil {
			firstErr = fmt.Errorf("failed to close AMQP connection: %w", err)
		}
	}
	return firstErr
}

// Nop discards notifications. Used when no AMQP broker is configured.
type Nop struct{}

func (Nop) FileReceived(context.Context, *FileReceivedMessage) error { return nil }

func (Nop) Close() error { return nil }

// ParseFileReceivedMessage parses a message body into FileReceivedMessage
func ParseFileReceivedMessage(body []byte) (*FileReceivedMessage, error) {
	var msg FileReceivedMessage
	if err := json.Unmarshal(body, &msg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal message: %w", err)
	}

	if msg.FileTransferID == "" {
		return nil, fmt.Errorf("file_transfer_id is required")
	}
	if msg.TransitID == "" {
		return nil, fmt.Errorf("transit_id is required")
	}
	if msg.PayloadMode == models.PayloadModeObject && msg.ObjectKey == nil {
		return nil, fmt.Errorf("object_key is required for object payloads")
	}

	return &msg, nil
}
