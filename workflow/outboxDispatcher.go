package workflow

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/mmdatafocus/fulfillment_backend/config"
	"github.com/mmdatafocus/fulfillment_backend/models"
	"github.com/sirupsen/logrus"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// OutboxDispatcher publishes committed EventRecords to Pub/Sub.
type OutboxDispatcher struct {
	DB           *gorm.DB
	Logger       *logrus.Logger
	Publisher    config.Publisher
	Topic        string
	DispatcherID string

	BatchSize      int
	PollInterval   time.Duration
	LockTimeout    time.Duration
	MaxAttempts    int
	InitialBackoff time.Duration
	MaxBackoff     time.Duration
}

func NewOutboxDispatcher(db *gorm.DB, logger *logrus.Logger, publisher config.Publisher, topic string) *OutboxDispatcher {
	if logger == nil {
		logger = config.GetLogger()
	}
	return &OutboxDispatcher{
		DB:             db,
		Logger:         logger,
		Publisher:      publisher,
		Topic:          topic,
		DispatcherID:   uuid.NewString(),
		BatchSize:      50,
		PollInterval:   500 * time.Millisecond,
		LockTimeout:    30 * time.Second,
		MaxAttempts:    20,
		InitialBackoff: 5 * time.Second,
		MaxBackoff:     10 * time.Minute,
	}
}

func (d *OutboxDispatcher) Run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		default:
		}
		d.DispatchOnce(ctx)
		select {
		case <-ctx.Done():
			return
		case <-time.After(d.PollInterval):
		}
	}
}

// DispatchOnce claims one batch of due records and publishes them. It returns how many were sent.
func (d *OutboxDispatcher) DispatchOnce(ctx context.Context) int {
	if d.DB == nil || d.Publisher == nil {
		return 0
	}
	now := time.Now().UTC()
	claimed, err := d.claim(ctx, now)
	if err != nil {
		config.LogError(d.Logger, "workflow", "DispatchOnce", "claim outbox batch", d.DispatcherID, err)
		return 0
	}

	sent := 0
	for _, rec := range claimed {
		if rec.PublishStatus == models.OutboxPublishStatusDead {
			continue
		}
		body, err := json.Marshal(models.ConvertToEventMessage(rec))
		if err != nil {
			d.markPublishFailed(ctx, rec, err)
			continue
		}
		attrs := map[string]string{
			"event_type":     rec.EventType,
			"aggregate_id":   rec.AggregateId,
			"correlation_id": rec.CorrelationId,
		}
		pubID, pubErr := d.Publisher.Publish(ctx, d.Topic, body, attrs)
		if pubErr != nil {
			d.markPublishFailed(ctx, rec, pubErr)
			continue
		}
		d.markPublishSent(ctx, rec.ID, pubID)
		sent++
	}
	return sent
}

// claim locks due rows: PENDING or FAILED past their backoff, or PROCESSING rows
// whose dispatcher stopped before finishing.
func (d *OutboxDispatcher) claim(ctx context.Context, now time.Time) ([]models.EventRecord, error) {
	staleBefore := now.Add(-d.LockTimeout)
	var claimed []models.EventRecord
	err := d.DB.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		q := tx.
			Where(`
				(
					publish_status IN ? AND (next_attempt_at IS NULL OR next_attempt_at <= ?)
				)
				OR
				(
					publish_status = ? AND locked_at IS NOT NULL AND locked_at <= ?
				)
			`, []string{models.OutboxPublishStatusPending, models.OutboxPublishStatusFailed}, now, models.OutboxPublishStatusProcessing, staleBefore).
			Order("id ASC").
			Limit(d.BatchSize).
			Clauses(clause.Locking{Strength: "UPDATE", Options: "SKIP LOCKED"})
		if err := q.Find(&claimed).Error; err != nil {
			return err
		}
		for i := range claimed {
			// poison messages go terminal
			if d.MaxAttempts > 0 && claimed[i].PublishAttempts >= d.MaxAttempts {
				msg := fmt.Sprintf("max publish attempts exceeded (%d)", d.MaxAttempts)
				claimed[i].PublishStatus = models.OutboxPublishStatusDead
				if err := tx.Model(&models.EventRecord{}).Where("id = ?", claimed[i].ID).Updates(map[string]interface{}{
					"publish_status":     models.OutboxPublishStatusDead,
					"last_publish_error": &msg,
					"next_attempt_at":    nil,
					"locked_at":          nil,
					"locked_by":          nil,
				}).Error; err != nil {
					return err
				}
				continue
			}

			claimed[i].PublishStatus = models.OutboxPublishStatusProcessing
			claimed[i].PublishAttempts++
			if err := tx.Model(&models.EventRecord{}).Where("id = ?", claimed[i].ID).Updates(map[string]interface{}{
				"publish_status":     models.OutboxPublishStatusProcessing,
				"locked_at":          &now,
				"locked_by":          &d.DispatcherID,
				"publish_attempts":   gorm.Expr("publish_attempts + 1"),
				"last_publish_error": nil,
				"next_attempt_at":    nil,
			}).Error; err != nil {
				return err
			}
		}
		return nil
	})
	return claimed, err
}

func (d *OutboxDispatcher) markPublishSent(ctx context.Context, recordID int, pubsubMsgID string) {
	now := time.Now().UTC()
	err := d.DB.WithContext(ctx).Model(&models.EventRecord{}).
		Where("id = ?", recordID).
		Updates(map[string]interface{}{
			"publish_status":     models.OutboxPublishStatusSent,
			"published_at":       &now,
			"pub_sub_message_id": &pubsubMsgID,
			"locked_at":          nil,
			"locked_by":          nil,
			"next_attempt_at":    nil,
		}).Error
	if err != nil {
		config.LogError(d.Logger, "workflow", "markPublishSent", "mark outbox sent", recordID, err)
	}
}

func (d *OutboxDispatcher) markPublishFailed(ctx context.Context, rec models.EventRecord, err error) {
	db := d.DB.WithContext(ctx)
	msg := err.Error()

	if d.MaxAttempts > 0 && rec.PublishAttempts >= d.MaxAttempts {
		_ = db.Model(&models.EventRecord{}).
			Where("id = ?", rec.ID).
			Updates(map[string]interface{}{
				"publish_status":     models.OutboxPublishStatusDead,
				"last_publish_error": &msg,
				"next_attempt_at":    nil,
				"locked_at":          nil,
				"locked_by":          nil,
			}).Error
		d.Logger.WithFields(logrus.Fields{
			"field":      "OutboxDispatcher",
			"record_id":  rec.ID,
			"event_type": rec.EventType,
			"attempt":    rec.PublishAttempts,
		}).Error("outbox publish moved to DEAD after max attempts: " + msg)
		return
	}

	next := time.Now().UTC().Add(Backoff(rec.PublishAttempts, d.InitialBackoff, d.MaxBackoff))
	_ = db.Model(&models.EventRecord{}).
		Where("id = ?", rec.ID).
		Updates(map[string]interface{}{
			"publish_status":     models.OutboxPublishStatusFailed,
			"last_publish_error": &msg,
			"next_attempt_at":    &next,
			"locked_at":          nil,
			"locked_by":          nil,
		}).Error
	d.Logger.WithFields(logrus.Fields{
		"field":           "OutboxDispatcher",
		"record_id":       rec.ID,
		"event_type":      rec.EventType,
		"attempt":         rec.PublishAttempts,
		"next_attempt_at": next.Format(time.RFC3339Nano),
	}).Error("outbox publish failed: " + msg)
}

// RequeueDead puts DEAD records back to PENDING with a fresh attempt budget.
func (d *OutboxDispatcher) RequeueDead(ctx context.Context, ids []int) (int64, error) {
	q := d.DB.WithContext(ctx).Model(&models.EventRecord{}).Where("publish_status = ?", models.OutboxPublishStatusDead)
	if len(ids) > 0 {
		q = q.Where("id IN ?", ids)
	}
	res := q.Updates(map[string]interface{}{
		"publish_status":   models.OutboxPublishStatusPending,
		"publish_attempts": 0,
		"next_attempt_at":  nil,
	})
	return res.RowsAffected, res.Error
}

type OutboxQuery struct {
	models.Query
	Status    string `form:"status"`
	EventType string `form:"event_type"`
}

func ListEvents(ctx context.Context, db *gorm.DB, q OutboxQuery) (models.Page[models.EventRecord], error) {
	var page models.Page[models.EventRecord]
	tx := db.WithContext(ctx).Model(&models.EventRecord{})
	if q.Status != "" {
		tx = tx.Where("publish_status = ?", q.Status)
	}
	if q.EventType != "" {
		tx = tx.Where("event_type = ?", q.EventType)
	}
	tx = tx.Scopes(models.SearchLike(q.Search, "aggregate_id", "correlation_id"))
	if err := tx.Count(&page.Total).Error; err != nil {
		return page, err
	}
	err := tx.Scopes(models.Paginate(q.Query)).Order("id DESC").Find(&page.Data).Error
	return page, err
}

// Backoff is base * 2^(attempt-1), capped at max.
func Backoff(attempt int, base, max time.Duration) time.Duration {
	if attempt <= 1 {
		return base
	}
	delay := base
	for i := 1; i < attempt; i++ {
		delay *= 2
		if delay >= max {
			return max
		}
	}
	return delay
}
