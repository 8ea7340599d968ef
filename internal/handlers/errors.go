package handlers

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/imrishuroy/go-storefront-payments/internal/payments"
)

// errorResponse maps service errors onto status codes and {"error": code}
// bodies. Unknown errors become 500 INTERNAL_ERROR.
func errorResponse(err error) (int, gin.H) {
	var stockErr *payments.StockError
	var extErr *payments.ExternalServiceError
	switch {
	case errors.As(err, &stockErr):
		return http.StatusConflict, gin.H{
			"error":      "INSUFFICIENT_STOCK",
			"product_id": stockErr.ProductID,
			"requested":  stockErr.Requested,
			"available":  stockErr.Available,
		}
	case errors.As(err, &extErr):
		body := gin.H{"error": "EXTERNAL_SERVICE_ERROR"}
		if extErr.OrderID != "" {
			body["order_id"] = extErr.OrderID
		}
		return http.StatusBadGateway, body
	}

	for _, m := range errorCodes {
		if errors.Is(err, m.err) {
			return m.status, gin.H{"error": m.code}
		}
	}
	return http.StatusInternalServerError, gin.H{"error": "INTERNAL_ERROR"}
}

var errorCodes = []struct {
	err    error
	status int
	code   string
}{
	{payments.ErrEmptyCart, http.StatusBadRequest, "EMPTY_CART"},
	{payments.ErrInvalidQuantity, http.StatusBadRequest, "INVALID_QUANTITY"},
	{payments.ErrUnknownProduct, http.StatusNotFound, "PRODUCT_NOT_FOUND"},
	{payments.ErrOrderNotFound, http.StatusNotFound, "ORDER_NOT_FOUND"},
	{payments.ErrForbidden, http.StatusForbidden, "FORBIDDEN"},
	{payments.ErrOrderNotPayable, http.StatusConflict, "ORDER_NOT_PAYABLE"},
	{payments.ErrNotCancellable, http.StatusConflict, "ORDER_NOT_CANCELLABLE"},
	{payments.ErrCardNotFound, http.StatusNotFound, "CARD_NOT_FOUND"},
	{payments.ErrCardInactive, http.StatusConflict, "CARD_INACTIVE"},
	{payments.ErrInvalidTransition, http.StatusConflict, "INVALID_TRANSITION"},
	{payments.ErrConflict, http.StatusConflict, "CONFLICT"},
}
