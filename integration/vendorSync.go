package integration

import (
	"context"
	"encoding/json"
	"strings"
	"time"

	"github.com/mmdatafocus/fulfillment_backend/config"
	"github.com/mmdatafocus/fulfillment_backend/models"
	"github.com/mmdatafocus/fulfillment_backend/utils"
	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

type VendorRecord struct {
	ID     string             `json:"id"`
	Name   string             `json:"name"`
	Phone  string             `json:"phone"`
	Email  string             `json:"email"`
	Active *bool              `json:"active"`
	Rates  []VendorRateRecord `json:"rates"`
}

type VendorRateRecord struct {
	Sku          string      `json:"sku"`
	Rate         json.Number `json:"rate"`
	LeadTimeDays int         `json:"lead_time_days"`
	IsPrimary    bool        `json:"is_primary"`
}

type vendorListResponse struct {
	Data []VendorRecord `json:"data"`
}

type VendorSyncResult struct {
	Upserted    int      `json:"upserted"`
	Deactivated int      `json:"deactivated"`
	Skipped     []string `json:"skipped"`
}

// VendorSyncer mirrors the Vendor Master into vendors and vendor_rates.
type VendorSyncer struct {
	db     *gorm.DB
	client *apiClient
	queue  *Queue
	logger *logrus.Logger
	region string
	now    func() time.Time
}

func NewVendorSyncer(db *gorm.DB, queue *Queue, logger *logrus.Logger, settings config.Settings) (*VendorSyncer, error) {
	client, err := newAPIClient("vendor master", settings.VendorMasterURL, settings.VendorMasterAPIKey, settings.IntegrationRateMin)
	if err != nil {
		return nil, err
	}
	if logger == nil {
		logger = config.GetLogger()
	}
	s := &VendorSyncer{
		db:     db,
		client: client,
		queue:  queue,
		logger: logger,
		region: settings.PhoneRegion,
		now:    time.Now,
	}
	if queue != nil {
		queue.Register(models.SyncServiceVendorSync, func(ctx context.Context, _ models.SyncQueueItem) error {
			_, err := s.fetchAndApply(ctx)
			return err
		})
	}
	return s, nil
}

// Sync pulls the full vendor list. A failed fetch is queued for retry.
func (s *VendorSyncer) Sync(ctx context.Context) (*VendorSyncResult, error) {
	result, err := s.fetchAndApply(ctx)
	if err == nil {
		return result, nil
	}
	if s.queue != nil {
		if _, qErr := s.queue.Enqueue(ctx, models.SyncServiceVendorSync, "vendors", nil, err); qErr != nil {
			config.LogError(s.logger, "integration", "VendorSync", "enqueue vendor sync", nil, qErr)
		}
	}
	return nil, &models.ExternalDependencyError{Service: "vendor master", Err: err}
}

func (s *VendorSyncer) fetchAndApply(ctx context.Context) (*VendorSyncResult, error) {
	var resp vendorListResponse
	if err := s.client.getJSON(ctx, "/vendors", nil, &resp); err != nil {
		return nil, err
	}
	return s.Apply(ctx, resp.Data)
}

// Apply upserts the given vendor list. Vendors missing from a full list are
// deactivated; their rates are kept for history.
func (s *VendorSyncer) Apply(ctx context.Context, records []VendorRecord) (*VendorSyncResult, error) {
	result := &VendorSyncResult{}
	now := s.now().UTC()

	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		seen := make([]string, 0, len(records))
		for _, rec := range records {
			vendor, rates, reason := s.normalize(rec, now)
			if reason != "" {
				result.Skipped = append(result.Skipped, strings.TrimSpace(rec.ID)+": "+reason)
				continue
			}
			if err := tx.Clauses(clause.OnConflict{
				Columns:   []clause.Column{{Name: "id"}},
				DoUpdates: clause.AssignmentColumns([]string{"name", "phone", "email", "is_active", "synced_at", "updated_at"}),
			}).Create(&vendor).Error; err != nil {
				return err
			}
			if err := s.replaceRates(tx, vendor.ID, rates); err != nil {
				return err
			}
			seen = append(seen, vendor.ID)
			result.Upserted++
		}

		// empty feed: leave existing vendors alone
		if len(seen) == 0 {
			return nil
		}
		res := tx.Model(&models.Vendor{}).Where("is_active = ? AND id NOT IN ?", true, seen).Updates(map[string]interface{}{"is_active": false, "synced_at": &now})
		if res.Error != nil {
			return res.Error
		}
		result.Deactivated = int(res.RowsAffected)
		return nil
	})
	if err != nil {
		return nil, err
	}
	s.logger.WithFields(logrus.Fields{
		"field":       "VendorSync",
		"upserted":    result.Upserted,
		"deactivated": result.Deactivated,
		"skipped":     len(result.Skipped),
	}).Info("vendor master synced")
	return result, nil
}

func (s *VendorSyncer) normalize(rec VendorRecord, now time.Time) (models.Vendor, []models.VendorRate, string) {
	id := strings.TrimSpace(rec.ID)
	name := strings.TrimSpace(rec.Name)
	if id == "" || name == "" {
		return models.Vendor{}, nil, "id and name are required"
	}
	phone := ""
	if raw := strings.TrimSpace(rec.Phone); raw != "" {
		normalized, err := utils.NormalizePhoneNumber(raw, s.region)
		if err != nil {
			s.logger.WithFields(logrus.Fields{
				"field":     "VendorSync",
				"vendor_id": id,
			}).Warn("dropping invalid vendor phone: " + err.Error())
		} else {
			phone = normalized
		}
	}
	active := true
	if rec.Active != nil {
		active = *rec.Active
	}
	vendor := models.Vendor{
		ID:       id,
		Name:     name,
		Phone:    phone,
		Email:    strings.TrimSpace(rec.Email),
		IsActive: &active,
		SyncedAt: &now,
	}

	rates := make([]models.VendorRate, 0, len(rec.Rates))
	skus := map[string]bool{}
	for _, r := range rec.Rates {
		sku := strings.TrimSpace(r.Sku)
		if sku == "" || skus[sku] {
			continue
		}
		rate, err := decimal.NewFromString(r.Rate.String())
		if err != nil || rate.IsNegative() {
			return models.Vendor{}, nil, "invalid rate for " + sku
		}
		if r.LeadTimeDays < 0 {
			return models.Vendor{}, nil, "negative lead time for " + sku
		}
		skus[sku] = true
		rates = append(rates, models.VendorRate{
			VendorId:     id,
			Sku:          sku,
			Rate:         rate,
			LeadTimeDays: r.LeadTimeDays,
			IsPrimary:    r.IsPrimary,
		})
	}
	return vendor, rates, ""
}

func (s *VendorSyncer) replaceRates(tx *gorm.DB, vendorId string, rates []models.VendorRate) error {
	skus := make([]string, 0, len(rates))
	for _, r := range rates {
		skus = append(skus, r.Sku)
	}
	del := tx.Where("vendor_id = ?", vendorId)
	if len(skus) > 0 {
		del = del.Where("sku NOT IN ?", skus)
	}
	if err := del.Delete(&models.VendorRate{}).Error; err != nil {
		return err
	}
	if len(rates) == 0 {
		return nil
	}
	return tx.Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "vendor_id"}, {Name: "sku"}},
		DoUpdates: clause.AssignmentColumns([]string{"rate", "lead_time_days", "is_primary", "updated_at"}),
	}).Create(&rates).Error
}
