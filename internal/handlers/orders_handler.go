package handlers

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/imrishuroy/go-storefront-payments/internal/orders"
	"github.com/imrishuroy/go-storefront-payments/internal/validation"
)

func (h *handler) getOrder(c *gin.Context) {
	view, err := h.svc.GetOrder(c.Request.Context(), callerOf(c), c.Param("id"))
	if err != nil {
		h.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, view)
}

func (h *handler) cancelOrder(c *gin.Context) {
	order, err := h.svc.CancelOrder(c.Request.Context(), callerOf(c), c.Param("id"))
	if err != nil {
		h.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, order)
}

func (h *handler) overrideStatus(c *gin.Context) {
	var req validation.AdminStatusRequest
	if err := validation.BindAndValidate(c, &req, h.validate); err != nil {
		return
	}
	order, err := h.svc.AdminOverride(c.Request.Context(), c.Param("id"), orders.Status(req.Status), req.Note)
	if err != nil {
		h.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, order)
}
