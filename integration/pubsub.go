package integration

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/mmdatafocus/fulfillment_backend/config"
	"github.com/sirupsen/logrus"
)

type PubSubPushEnvelope struct {
	Message struct {
		Data []byte `json:"data"`
		ID   string `json:"messageId"`
	} `json:"message"`
	Subscription string `json:"subscription"`
}

// VendorSyncRequest is the message body on the vendor-sync topic.
type VendorSyncRequest struct {
	RequestedBy string    `json:"requested_by"`
	RequestedAt time.Time `json:"requested_at"`
}

// RequestVendorSync publishes a vendor-sync trigger. The push subscription
// delivers it back to VendorSyncPushHandler.
func RequestVendorSync(ctx context.Context, publisher config.Publisher, topic string, requestedBy string) (string, error) {
	data, err := json.Marshal(VendorSyncRequest{
		RequestedBy: strings.TrimSpace(requestedBy),
		RequestedAt: time.Now().UTC(),
	})
	if err != nil {
		return "", err
	}
	return publisher.Publish(ctx, topic, data, map[string]string{"kind": "vendor_sync"})
}

// VendorSyncPushHandler always acks with 204. Failed syncs land in the retry
// queue, so a Pub/Sub redelivery would only duplicate the work.
func VendorSyncPushHandler(syncer *VendorSyncer, logger *logrus.Logger) gin.HandlerFunc {
	if logger == nil {
		logger = config.GetLogger()
	}
	return func(c *gin.Context) {
		body, err := io.ReadAll(c.Request.Body)
		if err != nil {
			c.Status(http.StatusNoContent)
			return
		}
		var envelope PubSubPushEnvelope
		if err := json.Unmarshal(body, &envelope); err != nil {
			logger.WithFields(logrus.Fields{"field": "VendorSyncPush"}).Warn("ignoring malformed push envelope")
			c.Status(http.StatusNoContent)
			return
		}
		var req VendorSyncRequest
		if len(envelope.Message.Data) > 0 {
			if err := json.Unmarshal(envelope.Message.Data, &req); err != nil {
				logger.WithFields(logrus.Fields{
					"field":      "VendorSyncPush",
					"message_id": envelope.Message.ID,
				}).Warn("ignoring malformed vendor sync request")
				c.Status(http.StatusNoContent)
				return
			}
		}
		if _, err := syncer.Sync(c.Request.Context()); err != nil {
			logger.WithFields(logrus.Fields{
				"field":        "VendorSyncPush",
				"message_id":   envelope.Message.ID,
				"requested_by": req.RequestedBy,
			}).Error("vendor sync failed: " + err.Error())
		}
		c.Status(http.StatusNoContent)
	}
}
