package integration

import (
	"context"
	"errors"
	"net/url"
	"time"

	"github.com/mmdatafocus/fulfillment_backend/config"
	"github.com/mmdatafocus/fulfillment_backend/models"
	"github.com/mmdatafocus/fulfillment_backend/pipeline"
	"github.com/mmdatafocus/fulfillment_backend/utils"
	"github.com/sirupsen/logrus"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

const maxOrderPages = 50

// OrderIngester turns an order into production units.
type OrderIngester interface {
	IngestOrder(ctx context.Context, order pipeline.IncomingOrder, actor string) (*pipeline.IntakeResult, error)
}

type orderRecord struct {
	pipeline.IncomingOrder
	UpdatedAt string `json:"updated_at"`
}

type orderListResponse struct {
	Data       []orderRecord `json:"data"`
	NextCursor string        `json:"next_cursor"`
	HasMore    *bool         `json:"has_more"`
}

type OrderPullResult struct {
	Fetched  int    `json:"fetched"`
	Created  int    `json:"created"`
	Existing int    `json:"existing"`
	Queued   int    `json:"queued"`
	Since    string `json:"since"`
}

// OrderSyncer pulls new orders from the order service and ingests them.
type OrderSyncer struct {
	db       *gorm.DB
	client   *apiClient
	ingester OrderIngester
	queue    *Queue
	logger   *logrus.Logger
}

func NewOrderSyncer(db *gorm.DB, ingester OrderIngester, queue *Queue, logger *logrus.Logger, settings config.Settings) (*OrderSyncer, error) {
	client, err := newAPIClient("order service", settings.OrderServiceURL, settings.OrderServiceAPIKey, settings.IntegrationRateMin)
	if err != nil {
		return nil, err
	}
	if logger == nil {
		logger = config.GetLogger()
	}
	s := &OrderSyncer{db: db, client: client, ingester: ingester, queue: queue, logger: logger}
	if queue != nil {
		queue.Register(models.SyncServiceOrderIngestion, s.replay)
	}
	return s, nil
}

// Pull reads every order updated since the stored cursor. Orders that fail to
// ingest are queued one by one; the cursor still advances past them.
func (s *OrderSyncer) Pull(ctx context.Context) (*OrderPullResult, error) {
	result, err := s.pull(ctx)
	if err == nil {
		return result, nil
	}
	if s.queue != nil {
		if _, qErr := s.queue.Enqueue(ctx, models.SyncServiceOrderIngestion, "pull", nil, err); qErr != nil {
			config.LogError(s.logger, "integration", "OrderPull", "enqueue order pull", nil, qErr)
		}
	}
	return result, &models.ExternalDependencyError{Service: "order service", Err: err}
}

func (s *OrderSyncer) pull(ctx context.Context) (*OrderPullResult, error) {
	since, err := s.cursor(ctx)
	if err != nil {
		return nil, err
	}
	result := &OrderPullResult{Since: since}
	latest := parseCursorTime(since)
	page := ""

	for n := 0; n < maxOrderPages; n++ {
		params := url.Values{}
		if since != "" {
			params.Set("since", since)
		}
		if page != "" {
			params.Set("cursor", page)
		}
		var resp orderListResponse
		if err := s.client.getJSON(ctx, "/orders", params, &resp); err != nil {
			// keep what was ingested so far
			if !latest.IsZero() {
				_ = s.saveCursor(ctx, latest.Format(time.RFC3339Nano))
			}
			return result, err
		}
		for _, rec := range resp.Data {
			result.Fetched++
			s.ingest(ctx, rec.IncomingOrder, result)
			if t := parseCursorTime(rec.UpdatedAt); t.After(latest) {
				latest = t
			}
		}
		more := resp.NextCursor != ""
		if resp.HasMore != nil {
			more = *resp.HasMore && resp.NextCursor != ""
		}
		if !more {
			break
		}
		page = resp.NextCursor
	}

	if !latest.IsZero() {
		if err := s.saveCursor(ctx, latest.Format(time.RFC3339Nano)); err != nil {
			return result, err
		}
	}
	s.logger.WithFields(logrus.Fields{
		"field":    "OrderPull",
		"fetched":  result.Fetched,
		"created":  result.Created,
		"existing": result.Existing,
		"queued":   result.Queued,
	}).Info("order pull finished")
	return result, nil
}

func (s *OrderSyncer) ingest(ctx context.Context, order pipeline.IncomingOrder, result *OrderPullResult) {
	intake, err := s.ingester.IngestOrder(ctx, order, "order-service")
	if err == nil {
		if intake.Created {
			result.Created++
		} else {
			result.Existing++
		}
		return
	}
	result.Queued++
	if s.queue == nil {
		config.LogError(s.logger, "integration", "OrderPull", "ingest order", order.OrderId, err)
		return
	}
	if _, qErr := s.queue.Enqueue(ctx, models.SyncServiceOrderIngestion, "order:"+order.OrderId, order, err); qErr != nil {
		config.LogError(s.logger, "integration", "OrderPull", "enqueue order", order.OrderId, qErr)
	}
}

// replay re-ingests a queued order, or re-runs the whole pull when the queued
// item was a failed fetch.
func (s *OrderSyncer) replay(ctx context.Context, item models.SyncQueueItem) error {
	if item.Payload == "" {
		_, err := s.pull(ctx)
		return err
	}
	var order pipeline.IncomingOrder
	if err := utils.UnmarshalFromJSON([]byte(item.Payload), &order); err != nil {
		return models.NewValidationError("payload", "cannot decode queued order: %s", err.Error())
	}
	_, err := s.ingester.IngestOrder(ctx, order, "order-service")
	return err
}

func (s *OrderSyncer) cursor(ctx context.Context) (string, error) {
	var c models.SyncCursor
	err := s.db.WithContext(ctx).Where("service = ?", models.SyncServiceOrderIngestion).Take(&c).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return "", nil
	}
	return c.Cursor, err
}

func (s *OrderSyncer) saveCursor(ctx context.Context, value string) error {
	return s.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "service"}},
		DoUpdates: clause.AssignmentColumns([]string{"cursor", "updated_at"}),
	}).Create(&models.SyncCursor{Service: models.SyncServiceOrderIngestion, Cursor: value}).Error
}

func parseCursorTime(v string) time.Time {
	if v == "" {
		return time.Time{}
	}
	t, err := time.Parse(time.RFC3339Nano, v)
	if err != nil {
		return time.Time{}
	}
	return t.UTC()
}
