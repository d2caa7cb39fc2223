package handlers

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/mmdatafocus/fulfillment_backend/integration"
	"github.com/mmdatafocus/fulfillment_backend/models"
	"github.com/mmdatafocus/fulfillment_backend/reports"
	"github.com/mmdatafocus/fulfillment_backend/workflow"
	"github.com/xuri/excelize/v2"
)

var errNotConfigured = errors.New("integration is not configured")

func writeWorkbook(c *gin.Context, filename string, f *excelize.File) {
	c.Header("Content-Type", reports.ContentTypeXLSX)
	c.Header("Content-Disposition", "attachment; filename="+filename)
	c.Status(http.StatusOK)
	if err := reports.Write(c.Writer, f); err != nil {
		_ = c.Error(err)
	}
}

// syncVendors publishes a sync trigger when Pub/Sub is configured and runs
// the sync inline otherwise.
func (h *Handlers) syncVendors(c *gin.Context) {
	if h.Publisher != nil && h.VendorSyncTopic != "" {
		id, err := integration.RequestVendorSync(c.Request.Context(), h.Publisher, h.VendorSyncTopic, actor(c))
		if err != nil {
			fail(c, &models.ExternalDependencyError{Service: "pubsub", Err: err})
			return
		}
		respond(c, http.StatusAccepted, gin.H{"message_id": id})
		return
	}
	if h.Vendors == nil {
		fail(c, &models.ExternalDependencyError{Service: "vendor master", Err: errNotConfigured})
		return
	}
	result, err := h.Vendors.Sync(c.Request.Context())
	if err != nil {
		fail(c, err)
		return
	}
	respond(c, http.StatusOK, result)
}

func (h *Handlers) listSyncQueue(c *gin.Context) {
	var q integration.QueueQuery
	if err := c.ShouldBindQuery(&q); err != nil {
		badRequest(c, err)
		return
	}
	page, err := h.Queue.List(c.Request.Context(), q)
	if err != nil {
		fail(c, err)
		return
	}
	respondPage(c, page)
}

func (h *Handlers) retrySyncItem(c *gin.Context) {
	id, ok := intParam(c, "id")
	if !ok {
		return
	}
	item, err := h.Queue.Retry(c.Request.Context(), id)
	if err != nil {
		fail(c, err)
		return
	}
	respond(c, http.StatusOK, item)
}

func (h *Handlers) listOutbox(c *gin.Context) {
	var q workflow.OutboxQuery
	if err := c.ShouldBindQuery(&q); err != nil {
		badRequest(c, err)
		return
	}
	page, err := workflow.ListEvents(c.Request.Context(), h.DB, q)
	if err != nil {
		fail(c, err)
		return
	}
	respondPage(c, page)
}

type requeueRequest struct {
	Ids []int `json:"ids"`
}

func (h *Handlers) requeueOutbox(c *gin.Context) {
	var req requeueRequest
	if c.Request.ContentLength > 0 {
		if err := c.ShouldBindJSON(&req); err != nil {
			badRequest(c, err)
			return
		}
	}
	if h.Outbox == nil {
		fail(c, &models.ExternalDependencyError{Service: "pubsub", Err: errNotConfigured})
		return
	}
	n, err := h.Outbox.RequeueDead(c.Request.Context(), req.Ids)
	if err != nil {
		fail(c, err)
		return
	}
	respond(c, http.StatusOK, gin.H{"requeued": n})
}
