package handlers

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/imrishuroy/go-storefront-payments/internal/payments"
	"github.com/imrishuroy/go-storefront-payments/internal/processor"
	"github.com/imrishuroy/go-storefront-payments/internal/validation"
)

func (h *handler) saveCard(c *gin.Context) {
	var req validation.SaveCardRequest
	if err := validation.BindAndValidate(c, &req, h.validate); err != nil {
		return
	}
	card, err := h.svc.SaveCard(c.Request.Context(), payments.SaveCardRequest{
		UserID: callerOf(c).UserID,
		Card: processor.CardDetails{
			Number:     req.CardNumber,
			HolderName: req.HolderName,
			ExpMonth:   req.ExpMonth,
			ExpYear:    req.ExpYear,
			CVV:        req.CVV,
		},
	})
	if err != nil {
		h.writeError(c, err)
		return
	}
	c.JSON(http.StatusCreated, card)
}

func (h *handler) listCards(c *gin.Context) {
	cards, err := h.svc.ListCards(c.Request.Context(), callerOf(c).UserID)
	if err != nil {
		h.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"cards": cards})
}

func (h *handler) deactivateCard(c *gin.Context) {
	if err := h.svc.DeactivateCard(c.Request.Context(), callerOf(c).UserID, c.Param("id")); err != nil {
		h.writeError(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}
