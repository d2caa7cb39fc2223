package handlers

import (
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
	"github.com/mmdatafocus/fulfillment_backend/models"
	"github.com/mmdatafocus/fulfillment_backend/replenishment"
	"github.com/mmdatafocus/fulfillment_backend/reports"
	"github.com/shopspring/decimal"
)

type calculateRequest struct {
	DiscardOverrides bool `json:"discard_overrides"`
}

// triggerCalculation starts a run in the background and returns its job id.
// A run already in progress answers with that run's id instead.
func (h *Handlers) triggerCalculation(c *gin.Context) {
	var req calculateRequest
	if c.Request.ContentLength > 0 {
		if err := c.ShouldBindJSON(&req); err != nil {
			badRequest(c, err)
			return
		}
	}
	jobId, err := h.ROP.Trigger(c.Request.Context(), replenishment.CalculateOptions{DiscardOverrides: req.DiscardOverrides})
	if err != nil {
		fail(c, err)
		return
	}
	respond(c, http.StatusAccepted, gin.H{"job_id": jobId})
}

func (h *Handlers) calculationStatus(c *gin.Context) {
	jobId, running := h.ROP.Running()
	respond(c, http.StatusOK, gin.H{"running": running, "job_id": jobId})
}

func (h *Handlers) getRun(c *gin.Context) {
	run, err := h.ROP.GetRun(c.Request.Context(), c.Param("id"))
	if err != nil {
		fail(c, err)
		return
	}
	respond(c, http.StatusOK, run)
}

type usageRequest struct {
	Records []models.UsageRecord `json:"records" binding:"required,min=1,dive"`
}

func (h *Handlers) recordUsage(c *gin.Context) {
	var req usageRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, err)
		return
	}
	n, err := h.ROP.RecordUsage(c.Request.Context(), req.Records)
	if err != nil {
		fail(c, err)
		return
	}
	respond(c, http.StatusOK, gin.H{"recorded": n})
}

func (h *Handlers) listROPItems(c *gin.Context) {
	var q replenishment.ItemQuery
	if err := c.ShouldBindQuery(&q); err != nil {
		badRequest(c, err)
		return
	}
	page, err := h.ROP.ListItems(c.Request.Context(), q)
	if err != nil {
		fail(c, err)
		return
	}
	respondPage(c, page)
}

func (h *Handlers) getROPItem(c *gin.Context) {
	id, ok := intParam(c, "id")
	if !ok {
		return
	}
	item, err := h.ROP.GetItem(c.Request.Context(), id)
	if err != nil {
		fail(c, err)
		return
	}
	respond(c, http.StatusOK, item)
}

type quantityRequest struct {
	Quantity decimal.Decimal `json:"quantity"`
}

func (h *Handlers) updateQuantity(c *gin.Context) {
	id, ok := intParam(c, "id")
	if !ok {
		return
	}
	var req quantityRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, err)
		return
	}
	item, err := h.ROP.UpdateQuantity(c.Request.Context(), id, req.Quantity)
	if err != nil {
		fail(c, err)
		return
	}
	respond(c, http.StatusOK, item)
}

type vendorSplitRequest struct {
	Splits []models.NewVendorSplit `json:"splits" binding:"required,min=1,dive"`
}

func (h *Handlers) updateVendorSplit(c *gin.Context) {
	id, ok := intParam(c, "id")
	if !ok {
		return
	}
	var req vendorSplitRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, err)
		return
	}
	item, err := h.ROP.UpdateVendorSplit(c.Request.Context(), id, req.Splits)
	if err != nil {
		fail(c, err)
		return
	}
	respond(c, http.StatusOK, item)
}

func (h *Handlers) discardOverrides(c *gin.Context) {
	id, ok := intParam(c, "id")
	if !ok {
		return
	}
	item, err := h.ROP.DiscardOverrides(c.Request.Context(), id)
	if err != nil {
		fail(c, err)
		return
	}
	respond(c, http.StatusOK, item)
}

func (h *Handlers) listPurchaseOrders(c *gin.Context) {
	var q replenishment.OrderQuery
	if err := c.ShouldBindQuery(&q); err != nil {
		badRequest(c, err)
		return
	}
	page, err := h.ROP.ListPurchaseOrders(c.Request.Context(), q)
	if err != nil {
		fail(c, err)
		return
	}
	respondPage(c, page)
}

type createOrdersRequest struct {
	ROPItemIds []int `json:"rop_item_ids" binding:"required,min=1"`
}

func (h *Handlers) createPurchaseOrders(c *gin.Context) {
	var req createOrdersRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, err)
		return
	}
	result, err := h.ROP.CreatePurchaseOrders(c.Request.Context(), req.ROPItemIds, actor(c))
	if err != nil {
		fail(c, err)
		return
	}
	respond(c, http.StatusOK, result)
}

func (h *Handlers) getPurchaseOrder(c *gin.Context) {
	id, ok := intParam(c, "id")
	if !ok {
		return
	}
	po, err := h.ROP.GetPurchaseOrder(c.Request.Context(), id)
	if err != nil {
		fail(c, err)
		return
	}
	respond(c, http.StatusOK, po)
}

type receiveOrderRequest struct {
	Receipts []models.Receipt `json:"receipts" binding:"required,min=1,dive"`
}

func (h *Handlers) receivePurchaseOrder(c *gin.Context) {
	id, ok := intParam(c, "id")
	if !ok {
		return
	}
	var req receiveOrderRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, err)
		return
	}
	po, err := h.ROP.ReceivePurchaseOrder(c.Request.Context(), id, req.Receipts, actor(c))
	if err != nil {
		fail(c, err)
		return
	}
	respond(c, http.StatusOK, po)
}

func (h *Handlers) cancelPurchaseOrder(c *gin.Context) {
	id, ok := intParam(c, "id")
	if !ok {
		return
	}
	po, err := h.ROP.CancelPurchaseOrder(c.Request.Context(), id)
	if err != nil {
		fail(c, err)
		return
	}
	respond(c, http.StatusOK, po)
}

// exportPurchaseOrders exports the filtered orders, at most one max-size page.
func (h *Handlers) exportPurchaseOrders(c *gin.Context) {
	var q replenishment.OrderQuery
	if err := c.ShouldBindQuery(&q); err != nil {
		badRequest(c, err)
		return
	}
	q.Page = 1
	q.Limit = models.MaxPageLimit
	page, err := h.ROP.ListPurchaseOrders(c.Request.Context(), q)
	if err != nil {
		fail(c, err)
		return
	}
	f, err := reports.PurchaseOrdersWorkbook(page.Data)
	if err != nil {
		fail(c, err)
		return
	}
	name := "purchase-orders"
	if q.VendorId != "" {
		name += "-" + strings.TrimSpace(q.VendorId)
	}
	writeWorkbook(c, name+".xlsx", f)
}

func (h *Handlers) listVendors(c *gin.Context) {
	var q replenishment.VendorQuery
	if err := c.ShouldBindQuery(&q); err != nil {
		badRequest(c, err)
		return
	}
	page, err := h.ROP.ListVendors(c.Request.Context(), q)
	if err != nil {
		fail(c, err)
		return
	}
	respondPage(c, page)
}

func (h *Handlers) getVendor(c *gin.Context) {
	v, err := h.ROP.GetVendor(c.Request.Context(), c.Param("id"))
	if err != nil {
		fail(c, err)
		return
	}
	respond(c, http.StatusOK, v)
}
