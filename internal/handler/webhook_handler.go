package handler

import (
	"context"
	"io"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"paygate/internal/gateway"
	"paygate/internal/models"
	"paygate/internal/service"
	"paygate/pkg/middleware"
)

const maxWebhookBody = 1 << 20

// WebhookLogReader lists stored notifications for a reference.
type WebhookLogReader interface {
	FindByReference(ctx context.Context, reference string, limit int64) ([]*models.WebhookLog, error)
}

type WebhookHandler struct {
	reconciler *service.Reconciler
	logs       WebhookLogReader
	logger     *zap.Logger
}

func NewWebhookHandler(reconciler *service.Reconciler, logs WebhookLogReader, logger *zap.Logger) *WebhookHandler {
	return &WebhookHandler{
		reconciler: reconciler,
		logs:       logs,
		logger:     logger,
	}
}

// Receive handles POST /webhooks/payment/:gateway. Responses are plain
// text since providers only look at the status code.
func (h *WebhookHandler) Receive(c *gin.Context) {
	body, err := io.ReadAll(http.MaxBytesReader(c.Writer, c.Request.Body, maxWebhookBody))
	if err != nil {
		h.logger.Warn("failed to read webhook body",
			zap.String("gateway", c.Param("gateway")),
			zap.Error(err))
		c.String(http.StatusBadRequest, "unreadable body")
		return
	}

	ctx := service.WithRequestID(c.Request.Context(), middleware.GetRequestID(c))
	result := h.reconciler.HandleWebhook(ctx, c.Param("gateway"), &gateway.WebhookRequest{
		Headers: c.Request.Header,
		Body:    body,
	})
	c.String(result.StatusCode, result.Body)
}

// ListLogs handles GET /api/v1/webhooks/logs?reference=
func (h *WebhookHandler) ListLogs(c *gin.Context) {
	if h.logs == nil {
		c.JSON(http.StatusNotFound, gin.H{"error": "webhook logging is disabled"})
		return
	}
	reference := c.Query("reference")
	if reference == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "reference is required"})
		return
	}
	limit, err := strconv.ParseInt(c.DefaultQuery("limit", "50"), 10, 64)
	if err != nil || limit <= 0 || limit > 500 {
		c.JSON(http.StatusBadRequest, gin.H{"error": "limit must be between 1 and 500"})
		return
	}

	entries, err := h.logs.FindByReference(c.Request.Context(), reference, limit)
	if err != nil {
		h.logger.Error("failed to list webhook logs", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to list webhook logs"})
		return
	}
	if entries == nil {
		entries = []*models.WebhookLog{}
	}
	c.JSON(http.StatusOK, gin.H{"logs": entries})
}
