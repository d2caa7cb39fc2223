package models

import (
	"context"
	"encoding/json"
	"time"

	"github.com/mmdatafocus/fulfillment_backend/utils"
	"gorm.io/gorm"
)

// EventRecord is a transactional outbox row. It is written inside the caller's
// transaction and published to Pub/Sub by the dispatcher after commit.
type EventRecord struct {
	ID               int        `gorm:"primary_key;index:idx_outbox_dispatch,priority:3" json:"id"`
	EventType        string     `gorm:"size:50;index;not null" json:"event_type"`
	AggregateId      string     `gorm:"size:100;index" json:"aggregate_id"`
	Payload          []byte     `gorm:"type:blob" json:"payload"`
	PublishStatus    string     `gorm:"size:20;index;not null;default:'PENDING';index:idx_outbox_dispatch,priority:1" json:"publish_status"` // PENDING|PROCESSING|SENT|FAILED|DEAD
	PublishedAt      *time.Time `gorm:"index" json:"published_at"`
	PubSubMessageId  *string    `gorm:"size:255" json:"pubsub_message_id"`
	PublishAttempts  int        `gorm:"not null;default:0" json:"publish_attempts"`
	NextAttemptAt    *time.Time `gorm:"index;index:idx_outbox_dispatch,priority:2" json:"next_attempt_at"`
	LockedAt         *time.Time `gorm:"index" json:"locked_at"`
	LockedBy         *string    `gorm:"size:100" json:"locked_by"`
	LastPublishError *string    `gorm:"type:text" json:"last_publish_error"`
	CorrelationId    string     `gorm:"size:64;index" json:"correlation_id"`
	CreatedAt        time.Time  `gorm:"autoCreateTime" json:"created_at"`
	UpdatedAt        time.Time  `gorm:"autoUpdateTime" json:"updated_at"`
}

// EventMessage is the wire body published for an EventRecord.
type EventMessage struct {
	ID            int             `json:"id"`
	EventType     string          `json:"event_type"`
	AggregateId   string          `json:"aggregate_id"`
	OccurredAt    time.Time       `json:"occurred_at"`
	Payload       json.RawMessage `json:"payload"`
	CorrelationId string          `json:"correlation_id"`
}

func ConvertToEventMessage(record EventRecord) EventMessage {
	return EventMessage{
		ID:            record.ID,
		EventType:     record.EventType,
		AggregateId:   record.AggregateId,
		OccurredAt:    record.CreatedAt,
		Payload:       json.RawMessage(record.Payload),
		CorrelationId: record.CorrelationId,
	}
}

// PublishEvent writes the outbox row inside tx but does NOT publish to Pub/Sub.
func PublishEvent(ctx context.Context, tx *gorm.DB, eventType string, aggregateId string, payload any) error {
	var body []byte
	if payload != nil {
		b, err := json.Marshal(payload)
		if err != nil {
			return err
		}
		body = b
	}
	record := EventRecord{
		EventType:     eventType,
		AggregateId:   aggregateId,
		Payload:       body,
		PublishStatus: OutboxPublishStatusPending,
		CorrelationId: utils.CorrelationIdOrNew(ctx),
	}
	return tx.Create(&record).Error
}
