package handlers

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/imrishuroy/go-storefront-payments/internal/payments"
	"github.com/imrishuroy/go-storefront-payments/internal/processor"
	"github.com/imrishuroy/go-storefront-payments/internal/validation"
	"github.com/imrishuroy/go-storefront-payments/internal/webhook"
)

const maxBodyBytes = 64 << 10

// rawBody reads the request body and puts it back for binding.
func rawBody(c *gin.Context) ([]byte, error) {
	body, err := io.ReadAll(io.LimitReader(c.Request.Body, maxBodyBytes))
	if err != nil {
		return nil, err
	}
	c.Request.Body = io.NopCloser(bytes.NewReader(body))
	return body, nil
}

func (h *handler) createIntent(c *gin.Context) {
	ctx := c.Request.Context()
	body, err := rawBody(c)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "INVALID_REQUEST_BODY"})
		return
	}
	var req validation.CreateIntentRequest
	if err := validation.BindAndValidate(c, &req, h.validate); err != nil {
		return
	}

	call, ok := h.begin(c, "payments/create", c.GetHeader("Idempotency-Key"), body)
	if !ok {
		return
	}

	lines := make([]payments.CartLine, 0, len(req.Items))
	for _, it := range req.Items {
		lines = append(lines, payments.CartLine{ProductID: it.ProductID, Quantity: it.Quantity})
	}
	intent, err := h.svc.CreateIntent(ctx, payments.IntentRequest{
		UserID:     callerOf(c).UserID,
		OrderID:    req.OrderID,
		Items:      lines,
		PayerEmail: req.PayerEmail,
	})
	if err != nil {
		status, resp := errorResponse(err)
		if status == http.StatusInternalServerError {
			h.logger.ErrorContext(ctx, "create intent failed", "error", err)
		}
		h.finish(c, call, status, resp, "")
		return
	}
	h.finish(c, call, http.StatusCreated, intent, intent.OrderID)
}

func (h *handler) payWithCard(c *gin.Context) {
	ctx := c.Request.Context()
	key := c.GetHeader("Idempotency-Key")
	if key == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "MISSING_IDEMPOTENCY_KEY"})
		return
	}
	body, err := rawBody(c)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "INVALID_REQUEST_BODY"})
		return
	}
	var req validation.PayWithCardRequest
	if err := validation.BindAndValidate(c, &req, h.validate); err != nil {
		return
	}

	call, ok := h.begin(c, "payments/pay-with-card", key, body)
	if !ok {
		return
	}

	res, err := h.svc.PayWithCard(ctx, payments.CardPaymentRequest{
		UserID:         callerOf(c).UserID,
		OrderID:        req.OrderID,
		CardID:         req.CardID,
		IdempotencyKey: key,
	})
	if err != nil {
		status, resp := errorResponse(err)
		if status == http.StatusInternalServerError {
			h.logger.ErrorContext(ctx, "pay with card failed", "order_id", req.OrderID, "error", err)
		}
		h.finish(c, call, status, resp, req.OrderID)
		return
	}

	status := http.StatusPaymentRequired
	switch {
	case res.Success:
		status = http.StatusOK
	case res.Duplicate:
		status = http.StatusConflict
	case res.Pending():
		status = http.StatusAccepted
	}
	h.finish(c, call, status, cardPaymentBody(res), req.OrderID)
}

func cardPaymentBody(res *payments.CardPaymentResult) gin.H {
	body := gin.H{
		"success":  res.Success,
		"order_id": res.OrderID,
		"payment": gin.H{
			"id":           res.PaymentID,
			"status":       res.Status,
			"statusDetail": res.StatusDetail,
		},
	}
	if res.Duplicate {
		body["error"] = "ORDER_ALREADY_PAID"
	}
	return body
}

func (h *handler) webhook(c *gin.Context) {
	ctx := c.Request.Context()
	body, err := io.ReadAll(io.LimitReader(c.Request.Body, maxBodyBytes))
	if err != nil {
		body = nil
	}
	n := webhook.ParseNotification(body, c.Request.URL.Query())
	if !n.IsPayment() {
		c.JSON(http.StatusOK, gin.H{"outcome": webhook.OutcomeIgnored})
		return
	}

	if h.publisher.Enabled() {
		msgID, err := h.enqueue(ctx, n)
		if err == nil {
			h.logger.InfoContext(ctx, "notification queued", "resource_id", n.ResourceID, "message_id", msgID)
			c.JSON(http.StatusOK, gin.H{"outcome": "queued"})
			return
		}
		h.logger.WarnContext(ctx, "enqueue failed, processing inline", "resource_id", n.ResourceID, "error", err)
	}

	res, err := h.receiver.Process(ctx, n)
	if err != nil {
		// non-2xx makes the processor redeliver
		h.logger.ErrorContext(ctx, "webhook processing failed", "resource_id", n.ResourceID, "error", err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "INTERNAL_ERROR"})
		return
	}
	c.JSON(http.StatusOK, res)
}

func (h *handler) enqueue(ctx context.Context, n webhook.Notification) (string, error) {
	msg, err := json.Marshal(n)
	if err != nil {
		return "", fmt.Errorf("marshal notification: %w", err)
	}
	return h.publisher.Send(ctx, string(msg), map[string]string{
		"type":        n.Type,
		"resource_id": n.ResourceID,
	})
}

func (h *handler) syncOrder(c *gin.Context) {
	ctx := c.Request.Context()
	caller := callerOf(c)
	orderID := c.Param("orderId")

	if _, err := h.svc.GetOrder(ctx, caller, orderID); err != nil {
		h.writeError(c, err)
		return
	}
	res, err := h.receiver.SyncOrder(ctx, orderID)
	if err != nil {
		h.logger.ErrorContext(ctx, "order sync failed", "order_id", orderID, "error", err)
		if processor.IsTemporary(err) {
			c.JSON(http.StatusBadGateway, gin.H{"error": "EXTERNAL_SERVICE_ERROR"})
			return
		}
		c.JSON(http.StatusInternalServerError, gin.H{"error": "INTERNAL_ERROR"})
		return
	}
	view, err := h.svc.GetOrder(ctx, caller, orderID)
	if err != nil {
		h.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"order": view.Order, "payments": view.Payments, "sync": res})
}

func (h *handler) writeError(c *gin.Context, err error) {
	status, body := errorResponse(err)
	if status == http.StatusInternalServerError {
		h.logger.ErrorContext(c.Request.Context(), "request failed", "path", c.FullPath(), "error", err)
	}
	c.JSON(status, body)
}
