package router

import (
	"net/http"

	"eshop_checkout/internal/checkout"
	"eshop_checkout/internal/lifecycle"
	"eshop_checkout/internal/middleware"
	"eshop_checkout/internal/validation"

	"github.com/gin-gonic/gin"
	validatorv10 "github.com/go-playground/validator/v10"
)

// placeOrder 结账入口：购物车 -> 订单 + 待支付流水 + 支付链接。
func placeOrder(o *checkout.Orchestrator, v *validatorv10.Validate) gin.HandlerFunc {
	return func(c *gin.Context) {
		user, _ := middleware.CurrentUser(c)
		var req checkout.Request
		if err := validation.BindAndValidate(c, &req, v); err != nil {
			respondError(c, err)
			return
		}
		resp, err := o.Checkout(c.Request.Context(), user, req, c.ClientIP())
		if err != nil {
			respondError(c, err)
			return
		}
		ok(c, http.StatusCreated, resp)
	}
}

func listOrders(mg *lifecycle.Manager) gin.HandlerFunc {
	return func(c *gin.Context) {
		user, _ := middleware.CurrentUser(c)
		page, err := queryInt(c, "page", 0)
		if err != nil {
			respondError(c, err)
			return
		}
		size, err := queryInt(c, "size", 20)
		if err != nil {
			respondError(c, err)
			return
		}
		res, err := mg.List(c.Request.Context(), user, page, size)
		if err != nil {
			respondError(c, err)
			return
		}
		ok(c, http.StatusOK, res)
	}
}

func getOrder(mg *lifecycle.Manager) gin.HandlerFunc {
	return func(c *gin.Context) {
		user, _ := middleware.CurrentUser(c)
		order, err := mg.Get(c.Request.Context(), user, c.Param("id"))
		if err != nil {
			respondError(c, err)
			return
		}
		ok(c, http.StatusOK, order)
	}
}

func confirmFulfillment(mg *lifecycle.Manager) gin.HandlerFunc {
	return func(c *gin.Context) {
		user, _ := middleware.CurrentUser(c)
		resp, err := mg.ConfirmFulfillment(c.Request.Context(), user, c.Param("id"))
		if err != nil {
			respondError(c, err)
			return
		}
		ok(c, http.StatusOK, resp)
	}
}
