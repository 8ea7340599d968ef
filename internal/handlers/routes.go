package handlers

import (
	"log/slog"
	"net/http"

	"github.com/gin-gonic/gin"
	validatorv10 "github.com/go-playground/validator/v10"

	"github.com/imrishuroy/go-storefront-payments/internal/aws"
	"github.com/imrishuroy/go-storefront-payments/internal/payments"
	"github.com/imrishuroy/go-storefront-payments/internal/validation"
	"github.com/imrishuroy/go-storefront-payments/internal/webhook"
)

// HandlerConfig groups dependencies for the API handlers.
type HandlerConfig struct {
	Payments    *payments.Service
	Receiver    *webhook.Receiver
	Idempotency IdempotencyStore
	// Publisher enables the queued webhook lane when it has a queue URL.
	Publisher       *aws.Publisher
	TrustUserHeader bool
	Logger          *slog.Logger
}

type handler struct {
	svc       *payments.Service
	receiver  *webhook.Receiver
	idem      IdempotencyStore
	publisher *aws.Publisher
	validate  *validatorv10.Validate
	logger    *slog.Logger
}

// RegisterRoutes registers the payment, order, card and admin routes.
func RegisterRoutes(r *gin.Engine, cfg HandlerConfig) {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	h := &handler{
		svc:       cfg.Payments,
		receiver:  cfg.Receiver,
		idem:      cfg.Idempotency,
		publisher: cfg.Publisher,
		validate:  validation.New(),
		logger:    logger,
	}

	r.GET("/health", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})

	// the processor cannot authenticate; the payment is re-fetched instead
	r.POST("/payments/webhook", h.webhook)

	authed := r.Group("/", authenticate(cfg.TrustUserHeader))
	authed.POST("/payments/create", h.createIntent)
	authed.POST("/payments/pay-with-card", h.payWithCard)
	authed.POST("/payments/:orderId/sync", h.syncOrder)

	authed.GET("/orders/:id", h.getOrder)
	authed.PATCH("/orders/:id/cancel", h.cancelOrder)

	authed.POST("/cards", h.saveCard)
	authed.GET("/cards", h.listCards)
	authed.DELETE("/cards/:id", h.deactivateCard)

	admin := authed.Group("/admin", requireAdmin)
	admin.PATCH("/orders/:id/status", h.overrideStatus)
}
