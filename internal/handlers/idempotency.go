package handlers

import (
	"context"
	"encoding/json"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/imrishuroy/go-storefront-payments/internal/idempotency"
)

// IdempotencyStore persists Idempotency-Key outcomes.
type IdempotencyStore interface {
	CreateIfNotExists(ctx context.Context, key, requestHash string) (bool, error)
	Reclaim(ctx context.Context, key, requestHash string) (bool, error)
	Get(ctx context.Context, key string) (*idempotency.IdempotencyRecord, error)
	MarkDone(ctx context.Context, key, orderID, responseBody string, responseStatus int) error
	MarkFailed(ctx context.Context, key, note string) error
}

// idemCall tracks one request running under an Idempotency-Key. A zero
// key means the request is not idempotent and responses are written as is.
type idemCall struct {
	key string
}

// begin claims the key for this request. It returns false after writing
// a response when the request must not run: a stored response is
// replayed, an attempt is still in flight or the key was used for a
// different payload.
func (h *handler) begin(c *gin.Context, route, clientKey string, body []byte) (idemCall, bool) {
	if clientKey == "" || h.idem == nil {
		return idemCall{}, true
	}
	ctx := c.Request.Context()
	key := idempotency.ScopedKey(callerOf(c).UserID, route, clientKey)
	hash := idempotency.Fingerprint(body)

	created, err := h.idem.CreateIfNotExists(ctx, key, hash)
	if err != nil {
		h.logger.ErrorContext(ctx, "idempotency create failed", "key", key, "error", err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "IDEMPOTENCY_CHECK_FAILED"})
		return idemCall{}, false
	}
	if created {
		return idemCall{key: key}, true
	}

	rec, err := h.idem.Get(ctx, key)
	if err != nil || rec == nil {
		h.logger.ErrorContext(ctx, "idempotency record unreadable", "key", key, "error", err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "IDEMPOTENCY_CHECK_FAILED"})
		return idemCall{}, false
	}
	if rec.RequestHash != hash {
		c.JSON(http.StatusUnprocessableEntity, gin.H{"error": "IDEMPOTENCY_KEY_REUSED"})
		return idemCall{}, false
	}

	switch rec.Status {
	case idempotency.StatusDone:
		c.Header("Idempotent-Replayed", "true")
		c.Data(rec.ResponseStatus, "application/json; charset=utf-8", []byte(rec.ResponseBody))
		return idemCall{}, false
	case idempotency.StatusInProgress:
		c.JSON(http.StatusConflict, gin.H{"error": "REQUEST_IN_PROGRESS", "order_id": rec.OrderID})
		return idemCall{}, false
	case idempotency.StatusFailed:
		ok, err := h.idem.Reclaim(ctx, key, hash)
		if err != nil {
			h.logger.ErrorContext(ctx, "idempotency reclaim failed", "key", key, "error", err)
			c.JSON(http.StatusInternalServerError, gin.H{"error": "IDEMPOTENCY_CHECK_FAILED"})
			return idemCall{}, false
		}
		if !ok {
			c.JSON(http.StatusConflict, gin.H{"error": "REQUEST_IN_PROGRESS"})
			return idemCall{}, false
		}
		h.logger.InfoContext(ctx, "retrying failed idempotent request", "key", key)
		return idemCall{key: key}, true
	default:
		c.JSON(http.StatusInternalServerError, gin.H{"error": "IDEMPOTENCY_CHECK_FAILED"})
		return idemCall{}, false
	}
}

// finish writes the response and records it against the key. Server-side
// and processor failures mark the key FAILED so the client may retry with
// the same key; every other outcome is replayable.
func (h *handler) finish(c *gin.Context, call idemCall, status int, payload any, orderID string) {
	body, err := json.Marshal(payload)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "INTERNAL_ERROR"})
		return
	}
	if call.key != "" {
		ctx := c.Request.Context()
		if status >= http.StatusInternalServerError {
			err = h.idem.MarkFailed(ctx, call.key, string(body))
		} else {
			err = h.idem.MarkDone(ctx, call.key, orderID, string(body), status)
		}
		if err != nil {
			// the response is still correct; a retry with this key will see IN_PROGRESS
			h.logger.WarnContext(ctx, "idempotency update failed", "key", call.key, "error", err)
		}
	}
	c.Data(status, "application/json; charset=utf-8", body)
}
