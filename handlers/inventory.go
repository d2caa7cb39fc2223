package handlers

import (
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/mmdatafocus/fulfillment_backend/inventory"
	"github.com/mmdatafocus/fulfillment_backend/models"
	"github.com/shopspring/decimal"
)

func (h *Handlers) listBins(c *gin.Context) {
	var q models.Query
	if err := c.ShouldBindQuery(&q); err != nil {
		badRequest(c, err)
		return
	}
	page, err := h.Inventory.Ledger().ListBins(c.Request.Context(), q)
	if err != nil {
		fail(c, err)
		return
	}
	respondPage(c, page)
}

func (h *Handlers) createBin(c *gin.Context) {
	var input models.NewBin
	if err := c.ShouldBindJSON(&input); err != nil {
		badRequest(c, err)
		return
	}
	bin, err := h.Inventory.Ledger().CreateBin(c.Request.Context(), input)
	if err != nil {
		fail(c, err)
		return
	}
	respond(c, http.StatusCreated, bin)
}

func (h *Handlers) getBin(c *gin.Context) {
	id, ok := intParam(c, "id")
	if !ok {
		return
	}
	bin, err := h.Inventory.Ledger().GetBin(c.Request.Context(), id)
	if err != nil {
		fail(c, err)
		return
	}
	respond(c, http.StatusOK, bin)
}

type receiveRequest struct {
	Sku         string          `json:"sku" binding:"required"`
	Qty         decimal.Decimal `json:"qty"`
	ReferenceId string          `json:"reference_id"`
}

func (h *Handlers) receiveStock(c *gin.Context) {
	id, ok := intParam(c, "id")
	if !ok {
		return
	}
	var req receiveRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, err)
		return
	}
	stock, err := h.Inventory.Ledger().Receive(c.Request.Context(), id, req.Sku, req.Qty, req.ReferenceId, actor(c))
	if err != nil {
		fail(c, err)
		return
	}
	respond(c, http.StatusOK, stock)
}

type skuQuery struct {
	models.Query
	Sku string `form:"sku"`
}

func (h *Handlers) listStock(c *gin.Context) {
	var q skuQuery
	if err := c.ShouldBindQuery(&q); err != nil {
		badRequest(c, err)
		return
	}
	page, err := h.Inventory.Ledger().ListStock(c.Request.Context(), q.Sku, q.Query)
	if err != nil {
		fail(c, err)
		return
	}
	respondPage(c, page)
}

func (h *Handlers) listMovements(c *gin.Context) {
	var q skuQuery
	if err := c.ShouldBindQuery(&q); err != nil {
		badRequest(c, err)
		return
	}
	page, err := h.Inventory.Ledger().ListMovements(c.Request.Context(), q.Sku, q.Query)
	if err != nil {
		fail(c, err)
		return
	}
	respondPage(c, page)
}

type availabilityRequest struct {
	Items []inventory.Requirement `json:"items" binding:"required,min=1,dive"`
}

func (h *Handlers) checkAvailability(c *gin.Context) {
	var req availabilityRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, err)
		return
	}
	report, err := h.Inventory.CheckAvailability(c.Request.Context(), req.Items)
	if err != nil {
		fail(c, err)
		return
	}
	respond(c, http.StatusOK, report)
}

type autoPickRequest struct {
	Units []inventory.UnitRequirement `json:"units" binding:"required,min=1,dive"`
}

func (h *Handlers) autoPick(c *gin.Context) {
	var req autoPickRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, err)
		return
	}
	results, err := h.Inventory.AutoPick(c.Request.Context(), req.Units)
	if err != nil {
		fail(c, err)
		return
	}
	respond(c, http.StatusOK, results)
}

type putbackRequest struct {
	Items []inventory.PutbackRequest `json:"items" binding:"required,min=1,dive"`
}

func (h *Handlers) putback(c *gin.Context) {
	var req putbackRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, err)
		return
	}
	results, err := h.Inventory.Putback(c.Request.Context(), req.Items)
	if err != nil {
		fail(c, err)
		return
	}
	respond(c, http.StatusOK, results)
}

type cycleCountRequest struct {
	SampleSize int `json:"sample_size" binding:"required,min=1"`
}

func (h *Handlers) runCycleCount(c *gin.Context) {
	var req cycleCountRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, err)
		return
	}
	session, err := h.Inventory.RunCycleCount(c.Request.Context(), req.SampleSize)
	if err != nil {
		fail(c, err)
		return
	}
	respond(c, http.StatusCreated, session)
}

func (h *Handlers) getCycleCount(c *gin.Context) {
	session, err := h.Inventory.GetCycleCount(c.Request.Context(), c.Param("id"))
	if err != nil {
		fail(c, err)
		return
	}
	respond(c, http.StatusOK, session)
}

type recordCountRequest struct {
	Counted decimal.Decimal `json:"counted"`
}

func (h *Handlers) recordCount(c *gin.Context) {
	entryId, ok := intParam(c, "entryId")
	if !ok {
		return
	}
	var req recordCountRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, err)
		return
	}
	entry, err := h.Inventory.RecordCount(c.Request.Context(), c.Param("id"), entryId, req.Counted)
	if err != nil {
		fail(c, err)
		return
	}
	respond(c, http.StatusOK, entry)
}

func (h *Handlers) applyCycleCount(c *gin.Context) {
	result, err := h.Inventory.ApplyCycleCount(c.Request.Context(), c.Param("id"))
	if err != nil {
		fail(c, err)
		return
	}
	respond(c, http.StatusOK, result)
}

func (h *Handlers) discardCycleCount(c *gin.Context) {
	if err := h.Inventory.DiscardCycleCount(c.Request.Context(), c.Param("id")); err != nil {
		fail(c, err)
		return
	}
	c.JSON(http.StatusOK, response{Success: true, Message: "cycle count discarded"})
}
