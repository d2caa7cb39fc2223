package integration

import (
	"context"
	"errors"
	"time"

	"github.com/mmdatafocus/fulfillment_backend/config"
	"github.com/mmdatafocus/fulfillment_backend/models"
	"github.com/mmdatafocus/fulfillment_backend/utils"
	"github.com/mmdatafocus/fulfillment_backend/workflow"
	"github.com/sirupsen/logrus"
	"gorm.io/gorm"
)

// Handler replays one queued call.
type Handler func(ctx context.Context, item models.SyncQueueItem) error

// Queue keeps failed external calls and retries them with backoff until
// MaxRetries, after which they go DEAD and wait for a manual retry.
type Queue struct {
	db             *gorm.DB
	logger         *logrus.Logger
	handlers       map[models.SyncService]Handler
	MaxRetries     int
	BatchSize      int
	InitialBackoff time.Duration
	MaxBackoff     time.Duration
	now            func() time.Time
}

func NewQueue(db *gorm.DB, logger *logrus.Logger, maxRetries int) *Queue {
	if logger == nil {
		logger = config.GetLogger()
	}
	if maxRetries <= 0 {
		maxRetries = 10
	}
	return &Queue{
		db:             db,
		logger:         logger,
		handlers:       map[models.SyncService]Handler{},
		MaxRetries:     maxRetries,
		BatchSize:      20,
		InitialBackoff: 30 * time.Second,
		MaxBackoff:     time.Hour,
		now:            time.Now,
	}
}

func (q *Queue) Register(service models.SyncService, h Handler) {
	q.handlers[service] = h
}

// Enqueue records a failed call. A still-open item with the same service and
// reference is refreshed rather than duplicated.
func (q *Queue) Enqueue(ctx context.Context, service models.SyncService, reference string, payload any, cause error) (*models.SyncQueueItem, error) {
	body := ""
	if payload != nil {
		b, err := utils.MarshalToJSON(payload)
		if err != nil {
			return nil, err
		}
		body = b
	}
	msg := cause.Error()
	status := models.SyncStatusFailed
	var next *time.Time
	if shouldRetry(cause) {
		t := q.now().UTC().Add(q.InitialBackoff)
		next = &t
	} else {
		status = models.SyncStatusDead
	}

	var item models.SyncQueueItem
	err := q.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		err := tx.Where("service = ? AND reference = ? AND status IN ?", service, reference,
			[]models.SyncStatus{models.SyncStatusPending, models.SyncStatusFailed}).
			Order("id ASC").Take(&item).Error
		if errors.Is(err, gorm.ErrRecordNotFound) {
			item = models.SyncQueueItem{
				Service:       service,
				Reference:     reference,
				Payload:       body,
				Status:        status,
				LastError:     &msg,
				NextAttemptAt: next,
			}
			return tx.Create(&item).Error
		}
		if err != nil {
			return err
		}
		item.Payload = body
		item.Status = status
		item.LastError = &msg
		item.NextAttemptAt = next
		return tx.Model(&item).Updates(map[string]interface{}{
			"payload":         body,
			"status":          status,
			"last_error":      &msg,
			"next_attempt_at": next,
		}).Error
	})
	if err != nil {
		return nil, err
	}
	q.logger.WithFields(logrus.Fields{
		"field":     "SyncQueue",
		"service":   service,
		"reference": reference,
		"status":    item.Status,
	}).Warn("external call queued: " + msg)
	return &item, nil
}

// ProcessDue retries every item whose backoff has elapsed and returns how many succeeded.
func (q *Queue) ProcessDue(ctx context.Context) int {
	var due []models.SyncQueueItem
	err := q.db.WithContext(ctx).
		Where("status IN ? AND (next_attempt_at IS NULL OR next_attempt_at <= ?)",
			[]models.SyncStatus{models.SyncStatusPending, models.SyncStatusFailed}, q.now().UTC()).
		Order("id ASC").Limit(q.BatchSize).Find(&due).Error
	if err != nil {
		config.LogError(q.logger, "integration", "ProcessDue", "load due sync items", nil, err)
		return 0
	}
	ok := 0
	for _, item := range due {
		if ctx.Err() != nil {
			break
		}
		if q.attempt(ctx, item) == nil {
			ok++
		}
	}
	return ok
}

// Retry runs one item now, DEAD items included.
func (q *Queue) Retry(ctx context.Context, id int) (*models.SyncQueueItem, error) {
	item, err := q.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if item.Status == models.SyncStatusSucceeded {
		return nil, models.NewConflictError("sync item %d already succeeded", id)
	}
	if err := q.attempt(ctx, *item); err != nil {
		var validation *models.ValidationError
		if errors.As(err, &validation) {
			return nil, err
		}
	}
	return q.Get(ctx, id)
}

func (q *Queue) attempt(ctx context.Context, item models.SyncQueueItem) error {
	h, ok := q.handlers[item.Service]
	if !ok {
		return models.NewValidationError("service", "no handler registered for %s", item.Service)
	}
	runErr := h(ctx, item)
	db := q.db.WithContext(ctx).Model(&models.SyncQueueItem{}).Where("id = ?", item.ID)
	if runErr == nil {
		if err := db.Updates(map[string]interface{}{
			"status":          models.SyncStatusSucceeded,
			"last_error":      nil,
			"next_attempt_at": nil,
		}).Error; err != nil {
			config.LogError(q.logger, "integration", "attempt", "mark sync item succeeded", item.ID, err)
		}
		return nil
	}

	retries := item.RetryCount + 1
	msg := runErr.Error()
	updates := map[string]interface{}{
		"retry_count": retries,
		"last_error":  &msg,
	}
	if retries >= q.MaxRetries || !shouldRetry(runErr) {
		updates["status"] = models.SyncStatusDead
		updates["next_attempt_at"] = nil
	} else {
		next := q.now().UTC().Add(workflow.Backoff(retries, q.InitialBackoff, q.MaxBackoff))
		updates["status"] = models.SyncStatusFailed
		updates["next_attempt_at"] = &next
	}
	if err := db.Updates(updates).Error; err != nil {
		config.LogError(q.logger, "integration", "attempt", "mark sync item failed", item.ID, err)
	}
	q.logger.WithFields(logrus.Fields{
		"field":       "SyncQueue",
		"item_id":     item.ID,
		"service":     item.Service,
		"retry_count": retries,
		"status":      updates["status"],
	}).Error("sync retry failed: " + msg)
	return runErr
}

func (q *Queue) Get(ctx context.Context, id int) (*models.SyncQueueItem, error) {
	var item models.SyncQueueItem
	err := q.db.WithContext(ctx).Where("id = ?", id).Take(&item).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, models.NewNotFoundError("sync item", id)
	}
	if err != nil {
		return nil, err
	}
	return &item, nil
}

type QueueQuery struct {
	models.Query
	Service string `form:"service"`
	Status  string `form:"status"`
}

func (q *Queue) List(ctx context.Context, query QueueQuery) (models.Page[models.SyncQueueItem], error) {
	var page models.Page[models.SyncQueueItem]
	tx := q.db.WithContext(ctx).Model(&models.SyncQueueItem{})
	if query.Service != "" {
		tx = tx.Where("service = ?", query.Service)
	}
	if query.Status != "" {
		tx = tx.Where("status = ?", query.Status)
	}
	tx = tx.Scopes(models.SearchLike(query.Search, "reference", "last_error"))
	if err := tx.Count(&page.Total).Error; err != nil {
		return page, err
	}
	err := tx.Scopes(models.Paginate(query.Query)).Order("id DESC").Find(&page.Data).Error
	return page, err
}

func (q *Queue) Run(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		return
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			q.ProcessDue(ctx)
		}
	}
}

func shouldRetry(err error) bool {
	var validation *models.ValidationError
	if errors.As(err, &validation) {
		return false
	}
	return retryable(err)
}
