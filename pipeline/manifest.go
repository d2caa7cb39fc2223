package pipeline

import (
	"context"
	"errors"
	"strings"

	"github.com/mmdatafocus/fulfillment_backend/config"
	"github.com/mmdatafocus/fulfillment_backend/models"
	"github.com/mmdatafocus/fulfillment_backend/utils"
	"github.com/sirupsen/logrus"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/errgroup"
	"gorm.io/gorm"
)

type DispatchRequest struct {
	UnitIds []string `json:"unit_ids" binding:"required,min=1" validate:"required,min=1,dive,required"`
	Carrier string   `json:"carrier" binding:"required" validate:"required"`
}

// Dispatch hands PRINTED units to a carrier. Each unit is moved to DISPATCHED in
// its own transaction; the manifest lists only the units that made it.
func (c *Coordinator) Dispatch(ctx context.Context, req DispatchRequest, actor string) (*models.DispatchResult, error) {
	if err := models.ValidateInput(req); err != nil {
		return nil, err
	}
	unitIds := utils.UniqueSlice(req.UnitIds)

	ctx, span := c.tracer.Start(ctx, "pipeline.Dispatch", trace.WithAttributes(
		attribute.String("carrier", req.Carrier),
		attribute.Int("units", len(unitIds)),
	))
	defer span.End()

	db := c.db.WithContext(ctx)
	manifest := models.DispatchManifest{
		Carrier:   strings.TrimSpace(req.Carrier),
		CreatedBy: actorOrSystem(actor),
	}
	if err := db.Create(&manifest).Error; err != nil {
		config.LogError(c.logger, moduleName, "Dispatch", "create manifest", req, err)
		return nil, err
	}

	results := make([]models.UnitResult, len(unitIds))
	lines := make([]*models.DispatchManifestUnit, len(unitIds))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(c.workers)
	for i, unitId := range unitIds {
		g.Go(func() error {
			line, err := c.dispatchOne(gctx, manifest.ID, unitId, actor)
			results[i] = models.UnitResult{UnitId: unitId, Success: err == nil}
			if err != nil {
				results[i].Error = err.Error()
				return nil
			}
			lines[i] = line
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}

	for _, line := range lines {
		if line != nil {
			manifest.Units = append(manifest.Units, *line)
		}
	}
	if len(manifest.Units) == 0 {
		if err := db.Delete(&models.DispatchManifest{}, manifest.ID).Error; err != nil {
			config.LogError(c.logger, moduleName, "Dispatch", "drop empty manifest", manifest.ID, err)
		}
		return &models.DispatchResult{Results: results}, nil
	}

	c.logger.WithFields(logrus.Fields{
		"module":      moduleName,
		"manifest_id": manifest.ID,
		"carrier":     manifest.Carrier,
		"dispatched":  len(manifest.Units),
		"requested":   len(unitIds),
	}).Info("units dispatched")
	return &models.DispatchResult{Manifest: &manifest, Results: results}, nil
}

func (c *Coordinator) dispatchOne(ctx context.Context, manifestId int, unitId string, actor string) (*models.DispatchManifestUnit, error) {
	var line *models.DispatchManifestUnit
	err := c.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		unit, _, err := c.advanceTx(tx, AdvanceRequest{
			UnitId: unitId,
			From:   models.StagePrinted,
			To:     models.StageDispatched,
			Actor:  actor,
		})
		if err != nil {
			return err
		}
		row := models.DispatchManifestUnit{
			ManifestId: manifestId,
			UnitId:     unit.ID,
			OrderId:    unit.OrderId,
			ProductRef: unit.ProductRef,
		}
		if err := tx.Create(&row).Error; err != nil {
			return err
		}
		line = &row
		return nil
	})
	return line, err
}

func (c *Coordinator) GetManifest(ctx context.Context, id int) (*models.DispatchManifest, error) {
	var manifest models.DispatchManifest
	err := c.db.WithContext(ctx).
		Preload("Units", func(db *gorm.DB) *gorm.DB { return db.Order("unit_id ASC") }).
		Where("id = ?", id).First(&manifest).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, models.NewNotFoundError("manifest", id)
	}
	if err != nil {
		return nil, err
	}
	return &manifest, nil
}

func (c *Coordinator) ListManifests(ctx context.Context, q models.Query) (models.Page[models.DispatchManifest], error) {
	var page models.Page[models.DispatchManifest]
	db := c.db.WithContext(ctx).Model(&models.DispatchManifest{}).
		Scopes(models.SearchLike(q.Search, "carrier", "created_by"))
	if err := db.Count(&page.Total).Error; err != nil {
		return page, err
	}
	err := db.Scopes(models.Paginate(q)).
		Preload("Units").
		Order("created_at DESC, id DESC").
		Find(&page.Data).Error
	return page, err
}
