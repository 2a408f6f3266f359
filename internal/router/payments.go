package router

import (
	"net/http"

	"eshop_checkout/internal/apperr"
	"eshop_checkout/internal/payment"
	"eshop_checkout/pkg/logging"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
)

// ipnReply 是网关 IPN 约定的应答体，HTTP 状态恒为 200。
type ipnReply struct {
	RspCode string `json:"RspCode"`
	Message string `json:"Message"`
}

// confirmPayment 浏览器回跳后前端把 vnp_* 参数原样 POST 回来。
func confirmPayment(p *payment.CallbackProcessor) gin.HandlerFunc {
	return func(c *gin.Context) {
		var payload map[string]string
		if err := c.ShouldBindJSON(&payload); err != nil {
			respondError(c, apperr.Wrap(apperr.KindCallback, "INVALID_REQUEST_BODY", "Callback payload must be a JSON object of strings", err))
			return
		}
		res, err := p.Handle(c.Request.Context(), payload)
		if err != nil {
			respondError(c, err)
			return
		}
		ok(c, http.StatusOK, res)
	}
}

// paymentIPN 网关服务端通知，参数在 query 中；应答码决定网关是否重试。
func paymentIPN(p *payment.CallbackProcessor) gin.HandlerFunc {
	return func(c *gin.Context) {
		query := c.Request.URL.Query()
		payload := make(map[string]string, len(query))
		for k, vs := range query {
			if len(vs) > 0 {
				payload[k] = vs[0]
			}
		}

		res, err := p.Handle(c.Request.Context(), payload)
		if err != nil {
			logging.FromContext(c.Request.Context()).Warn("ipn rejected", zap.Error(err))
			c.JSON(http.StatusOK, ipnReplyFor(err))
			return
		}
		if res.AlreadyProcessed {
			c.JSON(http.StatusOK, ipnReply{RspCode: "02", Message: "Order already confirmed"})
			return
		}
		c.JSON(http.StatusOK, ipnReply{RspCode: "00", Message: "Confirm Success"})
	}
}

func ipnReplyFor(err error) ipnReply {
	e, isApp := apperr.As(err)
	if !isApp {
		return ipnReply{RspCode: "99", Message: "Unknown error"}
	}
	switch e.Code {
	case "INVALID_SIGNATURE":
		return ipnReply{RspCode: "97", Message: "Invalid signature"}
	case "ORDER_NOT_FOUND", "TRANSACTION_NOT_FOUND", "MISSING_REFERENCE":
		return ipnReply{RspCode: "01", Message: "Order not found"}
	case "AMOUNT_MISSING", "AMOUNT_INVALID", "AMOUNT_MISMATCH":
		return ipnReply{RspCode: "04", Message: "Invalid amount"}
	case "INVALID_ORDER_STATE":
		return ipnReply{RspCode: "02", Message: "Order already confirmed"}
	}
	return ipnReply{RspCode: "99", Message: "Unknown error"}
}
