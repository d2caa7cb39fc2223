// Package handlers is the REST surface over the fulfillment services.
package handlers

import (
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/mmdatafocus/fulfillment_backend/config"
	"github.com/mmdatafocus/fulfillment_backend/integration"
	"github.com/mmdatafocus/fulfillment_backend/inventory"
	"github.com/mmdatafocus/fulfillment_backend/pipeline"
	"github.com/mmdatafocus/fulfillment_backend/replenishment"
	"github.com/mmdatafocus/fulfillment_backend/workflow"
	"github.com/sirupsen/logrus"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/trace"
	"gorm.io/gorm"
)

// Handlers holds the services behind the routes. Vendors, Orders and
// Publisher are optional; their routes answer 502 when unset.
type Handlers struct {
	DB          *gorm.DB
	Ledger      *pipeline.UnitLedger
	Coordinator *pipeline.Coordinator
	Inventory   *inventory.Engine
	ROP         *replenishment.Engine
	Queue       *integration.Queue
	Vendors     *integration.VendorSyncer
	Orders      *integration.OrderSyncer
	Outbox      *workflow.OutboxDispatcher

	Publisher       config.Publisher
	VendorSyncTopic string

	Logger *logrus.Logger
	tracer trace.Tracer
}

func (h *Handlers) Register(r gin.IRouter) {
	if h.Logger == nil {
		h.Logger = config.GetLogger()
	}
	h.tracer = otel.Tracer("fulfillment/handlers")

	api := r.Group("/api")

	units := api.Group("/units")
	units.GET("", h.listUnits)
	units.POST("", h.createUnit)
	units.POST("/pick", h.pickUnits)
	units.GET("/:id", h.getUnit)
	units.POST("/:id/advance", h.advanceUnit)
	units.POST("/:id/batch", h.addToBatch)
	units.DELETE("/:id/batch", h.removeFromBatch)
	units.GET("/:id/reservations", h.unitReservations)

	batches := api.Group("/batches")
	batches.GET("", h.listBatches)
	batches.POST("", h.createBatch)
	batches.GET("/:id", h.getBatch)
	batches.GET("/:id/accounting", h.batchAccounting)
	batches.POST("/:id/advance", h.advanceBatch)
	batches.POST("/:id/complete", h.completeBatch)

	api.POST("/orders/ingest", h.ingestOrder)
	api.POST("/orders/pull", h.pullOrders)

	bins := api.Group("/bins")
	bins.GET("", h.listBins)
	bins.POST("", h.createBin)
	bins.GET("/:id", h.getBin)
	bins.POST("/:id/receive", h.receiveStock)

	api.GET("/stock", h.listStock)
	api.GET("/stock/movements", h.listMovements)
	api.POST("/inventory/availability", h.checkAvailability)
	api.POST("/inventory/pick", h.autoPick)
	api.POST("/inventory/putback", h.putback)

	counts := api.Group("/cycle-counts")
	counts.POST("", h.runCycleCount)
	counts.GET("/:id", h.getCycleCount)
	counts.PUT("/:id/entries/:entryId", h.recordCount)
	counts.POST("/:id/apply", h.applyCycleCount)
	counts.DELETE("/:id", h.discardCycleCount)

	manifests := api.Group("/manifests")
	manifests.GET("", h.listManifests)
	manifests.POST("", h.dispatch)
	manifests.GET("/:id", h.getManifest)
	manifests.GET("/:id/export", h.exportManifest)

	rop := api.Group("/rop")
	rop.POST("/calculate", h.triggerCalculation)
	rop.GET("/calculate", h.calculationStatus)
	rop.GET("/runs/:id", h.getRun)
	rop.POST("/usage", h.recordUsage)
	rop.GET("/items", h.listROPItems)
	rop.GET("/items/:id", h.getROPItem)
	rop.PUT("/items/:id/quantity", h.updateQuantity)
	rop.PUT("/items/:id/vendor-split", h.updateVendorSplit)
	rop.DELETE("/items/:id/overrides", h.discardOverrides)

	pos := api.Group("/purchase-orders")
	pos.GET("", h.listPurchaseOrders)
	pos.POST("", h.createPurchaseOrders)
	pos.GET("/export", h.exportPurchaseOrders)
	pos.GET("/:id", h.getPurchaseOrder)
	pos.POST("/:id/receive", h.receivePurchaseOrder)
	pos.POST("/:id/cancel", h.cancelPurchaseOrder)

	vendors := api.Group("/vendors")
	vendors.GET("", h.listVendors)
	vendors.POST("/sync", h.syncVendors)
	vendors.GET("/:id", h.getVendor)

	api.GET("/sync-queue", h.listSyncQueue)
	api.POST("/sync-queue/:id/retry", h.retrySyncItem)
	api.GET("/outbox", h.listOutbox)
	api.POST("/outbox/requeue", h.requeueOutbox)

	if h.Vendors != nil {
		r.POST("/pubsub/vendor-sync", integration.VendorSyncPushHandler(h.Vendors, h.Logger))
	}
}

// NotFound is the JSON 404 for unknown routes.
func NotFound(c *gin.Context) {
	c.JSON(http.StatusNotFound, gin.H{"success": false, "message": "route not found"})
}
