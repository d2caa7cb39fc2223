package handlers

import (
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
	"github.com/mmdatafocus/fulfillment_backend/models"
	"github.com/mmdatafocus/fulfillment_backend/pipeline"
	"github.com/mmdatafocus/fulfillment_backend/reports"
	"github.com/mmdatafocus/fulfillment_backend/utils"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
)

func actor(c *gin.Context) string {
	return utils.ActorOrSystem(c.Request.Context())
}

func (h *Handlers) listUnits(c *gin.Context) {
	var q pipeline.UnitQuery
	if err := c.ShouldBindQuery(&q); err != nil {
		badRequest(c, err)
		return
	}
	page, err := h.Ledger.ListUnits(c.Request.Context(), q)
	if err != nil {
		fail(c, err)
		return
	}
	respondPage(c, page)
}

func (h *Handlers) createUnit(c *gin.Context) {
	var input models.NewUnit
	if err := c.ShouldBindJSON(&input); err != nil {
		badRequest(c, err)
		return
	}
	unit, err := h.Ledger.CreateUnit(c.Request.Context(), input, actor(c))
	if err != nil {
		fail(c, err)
		return
	}
	respond(c, http.StatusCreated, unit)
}

func (h *Handlers) getUnit(c *gin.Context) {
	unit, err := h.Ledger.GetUnit(c.Request.Context(), c.Param("id"))
	if err != nil {
		fail(c, err)
		return
	}
	respond(c, http.StatusOK, unit)
}

func (h *Handlers) advanceUnit(c *gin.Context) {
	var req pipeline.AdvanceRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, err)
		return
	}
	req.UnitId = c.Param("id")
	req.Actor = actor(c)
	unit, err := h.Coordinator.Advance(c.Request.Context(), req)
	if err != nil {
		fail(c, err)
		return
	}
	respond(c, http.StatusOK, unit)
}

type batchRef struct {
	BatchId string `json:"batch_id" binding:"required"`
}

func (h *Handlers) addToBatch(c *gin.Context) {
	var req batchRef
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, err)
		return
	}
	unit, err := h.Coordinator.AddToBatch(c.Request.Context(), c.Param("id"), req.BatchId, actor(c))
	if err != nil {
		fail(c, err)
		return
	}
	respond(c, http.StatusOK, unit)
}

func (h *Handlers) removeFromBatch(c *gin.Context) {
	unit, err := h.Ledger.RemoveFromBatch(c.Request.Context(), c.Param("id"), actor(c))
	if err != nil {
		fail(c, err)
		return
	}
	respond(c, http.StatusOK, unit)
}

func (h *Handlers) unitReservations(c *gin.Context) {
	rows, err := h.Inventory.ListReservations(c.Request.Context(), c.Param("id"))
	if err != nil {
		fail(c, err)
		return
	}
	respond(c, http.StatusOK, rows)
}

type unitIds struct {
	UnitIds []string `json:"unit_ids" binding:"required,min=1"`
}

// pickUnits reserves stock for units from their stored material lists.
func (h *Handlers) pickUnits(c *gin.Context) {
	var req unitIds
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, err)
		return
	}
	ctx, span := h.tracer.Start(c.Request.Context(), "handlers.pickUnits", trace.WithAttributes(attribute.Int("units", len(req.UnitIds))))
	defer span.End()
	results, err := h.Inventory.AutoPickUnits(ctx, req.UnitIds)
	if err != nil {
		fail(c, err)
		return
	}
	respond(c, http.StatusOK, results)
}

func (h *Handlers) listBatches(c *gin.Context) {
	var q pipeline.BatchQuery
	if err := c.ShouldBindQuery(&q); err != nil {
		badRequest(c, err)
		return
	}
	page, err := h.Ledger.ListBatches(c.Request.Context(), q)
	if err != nil {
		fail(c, err)
		return
	}
	respondPage(c, page)
}

func (h *Handlers) createBatch(c *gin.Context) {
	var input models.NewBatch
	if err := c.ShouldBindJSON(&input); err != nil {
		badRequest(c, err)
		return
	}
	batch, err := h.Ledger.CreateBatch(c.Request.Context(), input)
	if err != nil {
		fail(c, err)
		return
	}
	respond(c, http.StatusCreated, batch)
}

func (h *Handlers) getBatch(c *gin.Context) {
	batch, err := h.Ledger.GetBatch(c.Request.Context(), c.Param("id"))
	if err != nil {
		fail(c, err)
		return
	}
	respond(c, http.StatusOK, batch)
}

func (h *Handlers) batchAccounting(c *gin.Context) {
	acc, err := h.Ledger.BatchAccounting(c.Request.Context(), c.Param("id"))
	if err != nil {
		fail(c, err)
		return
	}
	respond(c, http.StatusOK, acc)
}

type advanceBatchRequest struct {
	To models.Stage `json:"to" binding:"required"`
}

// advanceBatch moves every active member; per-unit failures are in data.
func (h *Handlers) advanceBatch(c *gin.Context) {
	var req advanceBatchRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, err)
		return
	}
	results, err := h.Coordinator.AdvanceAll(c.Request.Context(), c.Param("id"), req.To, actor(c))
	if err != nil {
		fail(c, err)
		return
	}
	respond(c, http.StatusOK, results)
}

func (h *Handlers) completeBatch(c *gin.Context) {
	batch, err := h.Coordinator.CompleteBatch(c.Request.Context(), c.Param("id"), actor(c))
	if err != nil {
		fail(c, err)
		return
	}
	respond(c, http.StatusOK, batch)
}

func (h *Handlers) ingestOrder(c *gin.Context) {
	var order pipeline.IncomingOrder
	if err := c.ShouldBindJSON(&order); err != nil {
		badRequest(c, err)
		return
	}
	result, err := h.Ledger.IngestOrder(c.Request.Context(), order, actor(c))
	if err != nil {
		fail(c, err)
		return
	}
	status := http.StatusOK
	if result.Created {
		status = http.StatusCreated
	}
	respond(c, status, result)
}

func (h *Handlers) pullOrders(c *gin.Context) {
	if h.Orders == nil {
		fail(c, &models.ExternalDependencyError{Service: "order service", Err: errNotConfigured})
		return
	}
	result, err := h.Orders.Pull(c.Request.Context())
	if err != nil {
		fail(c, err)
		return
	}
	respond(c, http.StatusOK, result)
}

func (h *Handlers) listManifests(c *gin.Context) {
	var q models.Query
	if err := c.ShouldBindQuery(&q); err != nil {
		badRequest(c, err)
		return
	}
	page, err := h.Coordinator.ListManifests(c.Request.Context(), q)
	if err != nil {
		fail(c, err)
		return
	}
	respondPage(c, page)
}

func (h *Handlers) dispatch(c *gin.Context) {
	var req pipeline.DispatchRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, err)
		return
	}
	result, err := h.Coordinator.Dispatch(c.Request.Context(), req, actor(c))
	if err != nil {
		fail(c, err)
		return
	}
	status := http.StatusCreated
	if result.Manifest == nil {
		status = http.StatusOK
	}
	respond(c, status, result)
}

func (h *Handlers) getManifest(c *gin.Context) {
	id, ok := intParam(c, "id")
	if !ok {
		return
	}
	m, err := h.Coordinator.GetManifest(c.Request.Context(), id)
	if err != nil {
		fail(c, err)
		return
	}
	respond(c, http.StatusOK, m)
}

func (h *Handlers) exportManifest(c *gin.Context) {
	id, ok := intParam(c, "id")
	if !ok {
		return
	}
	m, err := h.Coordinator.GetManifest(c.Request.Context(), id)
	if err != nil {
		fail(c, err)
		return
	}
	f, err := reports.ManifestWorkbook(m)
	if err != nil {
		fail(c, err)
		return
	}
	writeWorkbook(c, "manifest-"+strings.TrimSpace(c.Param("id"))+".xlsx", f)
}
