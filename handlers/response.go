package handlers

import (
	"errors"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"
	"github.com/mmdatafocus/fulfillment_backend/models"
	"github.com/mmdatafocus/fulfillment_backend/utils"
	"github.com/mmdatafocus/fulfillment_backend/workflow"
)

type response struct {
	Success bool   `json:"success"`
	Data    any    `json:"data,omitempty"`
	Message string `json:"message,omitempty"`
}

type pageResponse struct {
	Success bool  `json:"success"`
	Data    any   `json:"data"`
	Total   int64 `json:"total"`
}

func respond(c *gin.Context, status int, data any) {
	c.JSON(status, response{Success: true, Data: data})
}

func respondPage[T any](c *gin.Context, page models.Page[T]) {
	data := page.Data
	if data == nil {
		data = []T{}
	}
	c.JSON(http.StatusOK, pageResponse{Success: true, Data: data, Total: page.Total})
}

// fail maps a service error to its status code. Unknown errors are 500 and
// the detail stays in the log.
func fail(c *gin.Context, err error) {
	status := statusFor(err)
	msg := err.Error()
	if status == http.StatusInternalServerError {
		_ = c.Error(err)
		var integrity *models.IntegrityError
		if !errors.As(err, &integrity) {
			msg = "internal error"
		}
	}
	body := gin.H{"success": false, "message": msg}
	var shortage *models.InsufficientStockError
	if errors.As(err, &shortage) {
		body["data"] = shortage.Shortages
	}
	var incomplete *models.BatchIncompleteError
	if errors.As(err, &incomplete) {
		body["data"] = gin.H{"remaining": incomplete.Remaining}
	}
	var stale *models.StaleCountError
	if errors.As(err, &stale) {
		body["data"] = gin.H{"entry_ids": stale.EntryIds}
	}
	var running *models.CalculationInProgressError
	if errors.As(err, &running) {
		body["data"] = gin.H{"job_id": running.JobId}
	}
	c.AbortWithStatusJSON(status, body)
}

func statusFor(err error) int {
	var (
		validation *models.ValidationError
		notFound   *models.NotFoundError
		conflict   *models.ConflictError
		transition *models.InvalidTransitionError
		incomplete *models.BatchIncompleteError
		stale      *models.StaleCountError
		running    *models.CalculationInProgressError
		shortage   *models.InsufficientStockError
		external   *models.ExternalDependencyError
	)
	switch {
	case errors.As(err, &validation):
		return http.StatusBadRequest
	case errors.As(err, &notFound):
		return http.StatusNotFound
	case errors.As(err, &conflict), errors.As(err, &transition), errors.As(err, &incomplete),
		errors.As(err, &stale), errors.As(err, &running), errors.Is(err, workflow.ErrIdempotencyInProgress):
		return http.StatusConflict
	case errors.As(err, &shortage):
		return http.StatusUnprocessableEntity
	case errors.As(err, &external):
		return http.StatusBadGateway
	}
	return http.StatusInternalServerError
}

func badRequest(c *gin.Context, err error) {
	if fields := utils.ProcessValidationErrors(err); len(fields) > 0 {
		c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{
			"success": false,
			"message": "invalid request",
			"data":    gin.H{"fields": fields},
		})
		return
	}
	fail(c, models.NewValidationError("", "invalid request: %s", err.Error()))
}

func intParam(c *gin.Context, name string) (int, bool) {
	id, err := strconv.Atoi(c.Param(name))
	if err != nil || id <= 0 {
		fail(c, models.NewValidationError(name, "must be a positive integer"))
		return 0, false
	}
	return id, true
}
