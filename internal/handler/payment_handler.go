// internal/handler/payment_handler.go
package handler

import (
	"errors"
	"io"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"paygate/internal/gateway"
	"paygate/internal/models"
	"paygate/internal/service"
	"paygate/pkg/middleware"
)

const (
	IdempotencyKeyHeader = "Idempotency-Key"
	replayedHeader       = "Idempotent-Replayed"
)

type PaymentHandler struct {
	service          *service.PaymentService
	verifyOnCallback bool
	logger           *zap.Logger
}

func NewPaymentHandler(service *service.PaymentService, verifyOnCallback bool, logger *zap.Logger) *PaymentHandler {
	return &PaymentHandler{
		service:          service,
		verifyOnCallback: verifyOnCallback,
		logger:           logger,
	}
}

// Checkout handles POST /api/v1/payments
func (h *PaymentHandler) Checkout(c *gin.Context) {
	var req models.CheckoutRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	resp, err := h.service.Checkout(c.Request.Context(), req, c.GetHeader(IdempotencyKeyHeader))
	if err != nil {
		h.fail(c, "checkout", err)
		return
	}
	if resp.Replayed {
		c.Header(replayedHeader, "true")
	}

	if !resp.Success {
		c.JSON(http.StatusUnprocessableEntity, resp)
		return
	}
	c.JSON(http.StatusCreated, resp)
}

// GetPayment handles GET /api/v1/payments/:reference
func (h *PaymentHandler) GetPayment(c *gin.Context) {
	details, err := h.service.GetPayment(c.Request.Context(), c.Param("reference"))
	if err != nil {
		h.fail(c, "get payment", err)
		return
	}
	c.JSON(http.StatusOK, details)
}

// ListOrderPayments handles GET /api/v1/orders/:orderNumber/payments
func (h *PaymentHandler) ListOrderPayments(c *gin.Context) {
	orderNumber := c.Param("orderNumber")
	payments, err := h.service.ListOrderPayments(c.Request.Context(), orderNumber)
	if err != nil {
		h.fail(c, "list order payments", err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"order_number": orderNumber, "payments": payments})
}

// Verify handles POST /api/v1/payments/:reference/verify
func (h *PaymentHandler) Verify(c *gin.Context) {
	outcome, err := h.service.VerifyAndApply(c.Request.Context(), c.Query("gateway"), c.Param("reference"))
	if err != nil {
		h.fail(c, "verify", err)
		return
	}
	c.JSON(http.StatusOK, outcome)
}

// Refund handles POST /api/v1/payments/:reference/refund. An empty body
// refunds the remaining amount.
func (h *PaymentHandler) Refund(c *gin.Context) {
	var req models.RefundRequest
	if err := c.ShouldBindJSON(&req); err != nil && !errors.Is(err, io.EOF) {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	result, err := h.service.Refund(c.Request.Context(), c.Param("reference"), req.Amount, req.Reason)
	if err != nil {
		h.fail(c, "refund", err)
		return
	}
	if result.Status == gateway.StatusFailed {
		c.JSON(http.StatusUnprocessableEntity, result)
		return
	}
	c.JSON(http.StatusOK, result)
}

// Callback handles GET /api/v1/payments/callback/:gateway, where the
// customer lands after paying.
func (h *PaymentHandler) Callback(c *gin.Context) {
	reference := callbackReference(c)
	if reference == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "reference is required"})
		return
	}

	if !h.verifyOnCallback {
		details, err := h.service.GetPayment(c.Request.Context(), reference)
		if err != nil {
			h.fail(c, "callback", err)
			return
		}
		c.JSON(http.StatusOK, gin.H{
			"reference": reference,
			"status":    details.Payment.GatewayStatus,
		})
		return
	}

	outcome, err := h.service.VerifyAndApply(c.Request.Context(), c.Param("gateway"), reference)
	if err != nil {
		h.fail(c, "callback", err)
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"reference":  reference,
		"status":     outcome.Result.Status,
		"transition": outcome.Transition,
	})
}

// Quote handles GET /api/v1/payments/quote
func (h *PaymentHandler) Quote(c *gin.Context) {
	amount, err := decimal.NewFromString(c.Query("amount"))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "amount must be a decimal number"})
		return
	}
	from, to := c.Query("from"), c.Query("to")
	if from == "" || to == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "from and to are required"})
		return
	}

	quote, err := h.service.Quote(c.Request.Context(), c.Query("gateway"), amount, from, to)
	if err != nil {
		h.fail(c, "quote", err)
		return
	}
	c.JSON(http.StatusOK, quote)
}

// Gateways handles GET /api/v1/gateways
func (h *PaymentHandler) Gateways(c *gin.Context) {
	names, def := h.service.Gateways()
	c.JSON(http.StatusOK, gin.H{"gateways": names, "default": def})
}

func (h *PaymentHandler) fail(c *gin.Context, op string, err error) {
	status, message := errorStatus(err)
	if status >= http.StatusInternalServerError {
		h.logger.Error("payment request failed",
			zap.String("op", op),
			zap.String("request_id", middleware.GetRequestID(c)),
			zap.Error(err))
	}
	c.JSON(status, gin.H{"error": message})
}

func errorStatus(err error) (int, string) {
	switch {
	case errors.Is(err, service.ErrOrderNotFound), errors.Is(err, service.ErrPaymentNotFound):
		return http.StatusNotFound, err.Error()
	case errors.Is(err, service.ErrOrderAlreadyPaid), errors.Is(err, service.ErrCheckoutInProgress),
		errors.Is(err, service.ErrRefundInProgress):
		return http.StatusConflict, err.Error()
	case errors.Is(err, service.ErrNotRefundable), errors.Is(err, service.ErrInvalidAmount):
		return http.StatusUnprocessableEntity, err.Error()
	case errors.Is(err, service.ErrQuoteNotSupported), errors.Is(err, gateway.ErrUnknownGateway):
		return http.StatusBadRequest, err.Error()
	case gateway.IsConfiguration(err):
		return http.StatusServiceUnavailable, "Payment gateway is not configured"
	case gateway.IsTransient(err):
		return http.StatusBadGateway, "Payment provider unavailable, try again"
	default:
		return http.StatusInternalServerError, "Failed to process payment"
	}
}

// callbackReference reads the reference under the query names providers
// use when redirecting the customer back.
func callbackReference(c *gin.Context) string {
	for _, key := range []string{"reference", "trxref", "tx_ref", "order_id"} {
		if v := c.Query(key); v != "" {
			return v
		}
	}
	return ""
}
