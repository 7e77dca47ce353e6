package handler

import "github.com/gin-gonic/gin"

// RegisterRoutes mounts the payment API and the provider webhook endpoint.
func RegisterRoutes(router gin.IRouter, payments *PaymentHandler, webhooks *WebhookHandler) {
	router.POST("/webhooks/payment/:gateway", webhooks.Receive)

	v1 := router.Group("/api/v1")
	{
		p := v1.Group("/payments")
		{
			p.POST("", payments.Checkout)
			p.GET("/quote", payments.Quote)
			p.GET("/callback/:gateway", payments.Callback)
			p.GET("/:reference", payments.GetPayment)
			p.POST("/:reference/verify", payments.Verify)
			p.POST("/:reference/refund", payments.Refund)
		}

		v1.GET("/orders/:orderNumber/payments", payments.ListOrderPayments)
		v1.GET("/gateways", payments.Gateways)
		v1.GET("/webhooks/logs", webhooks.ListLogs)
	}
}
