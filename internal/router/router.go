package router

import (
	"context"
	"net/http"
	"strconv"

	"eshop_checkout/internal/apperr"
	"eshop_checkout/internal/checkout"
	"eshop_checkout/internal/lifecycle"
	"eshop_checkout/internal/metrics"
	"eshop_checkout/internal/middleware"
	"eshop_checkout/internal/payment"
	"eshop_checkout/internal/validation"
	"eshop_checkout/pkg/logging"

	"github.com/gin-gonic/gin"
	validatorv10 "github.com/go-playground/validator/v10"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

// StockCache 库存展示缓存，未接 Redis 时为 nil，查询回退到 DB。
type StockCache interface {
	Preload(ctx context.Context, variantID uint, stock int64) error
	Get(ctx context.Context, variantID uint) (int64, bool, error)
}

type Deps struct {
	DB        *gorm.DB
	Users     middleware.UserFinder
	Checkout  *checkout.Orchestrator
	Callbacks *payment.CallbackProcessor
	Lifecycle *lifecycle.Manager
	Admin     *payment.Admin
	Stock     StockCache
	RateLimit *middleware.RateLimiter
	Validate  *validatorv10.Validate
	Metrics   *metrics.Metrics
	Gatherer  prometheus.Gatherer
	Log       *zap.Logger

	AdminToken string
}

// Setup 注册全部 HTTP 路由。
func Setup(r *gin.Engine, d Deps) {
	if d.Validate == nil {
		d.Validate = validation.New()
	}
	if d.Gatherer == nil {
		d.Gatherer = prometheus.DefaultGatherer
	}
	if d.RateLimit == nil {
		d.RateLimit = middleware.NewRateLimiter(nil, "checkout", 20, 0)
	}

	r.Use(middleware.Observability(d.Log, d.Metrics))

	r.GET("/ping", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"msg": "pong"})
	})
	r.GET("/metrics", gin.WrapH(promhttp.HandlerFor(d.Gatherer, promhttp.HandlerOpts{})))

	api := r.Group("/api")

	// 用户接口
	user := api.Group("", middleware.Identity(d.Users))
	user.GET("/cart/items", getCart(d.DB))
	user.PUT("/cart/items", putCartItem(d.DB, d.Validate))
	user.POST("/orders/checkout", d.RateLimit.Handler(), placeOrder(d.Checkout, d.Validate))
	user.GET("/orders", listOrders(d.Lifecycle))
	user.GET("/orders/:id", getOrder(d.Lifecycle))
	user.POST("/orders/:id/confirm-fulfillment", confirmFulfillment(d.Lifecycle))

	// 网关回调：浏览器回跳确认 + 服务端 IPN
	api.POST("/payments/vnpay/confirm", confirmPayment(d.Callbacks))
	api.GET("/payments/vnpay/ipn", paymentIPN(d.Callbacks))

	api.GET("/variants/:id/stock", getStock(d.DB, d.Stock))

	admin := api.Group("/admin", middleware.AdminToken(d.AdminToken))
	admin.POST("/variants", createVariant(d.DB, d.Validate))
	admin.POST("/variants/:id/stock/preload", preloadStock(d.DB, d.Stock))
	admin.GET("/payments/transactions", listTransactions(d.Admin))
	admin.GET("/payments/transactions/:id", getTransaction(d.Admin))
	admin.GET("/orders/:number/transactions", listOrderTransactions(d.Admin))
}

func ok(c *gin.Context, status int, data any) {
	c.JSON(status, gin.H{"code": 0, "data": data})
}

// respondError 按错误分类输出统一的错误体。
func respondError(c *gin.Context, err error) {
	e, isApp := apperr.As(err)
	if !isApp || e.Kind == apperr.KindInternal {
		logging.FromContext(c.Request.Context()).Error("request failed", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{
			"code":  http.StatusInternalServerError,
			"msg":   "Internal server error",
			"error": "INTERNAL",
		})
		return
	}

	status := statusFor(e.Kind)
	if status >= http.StatusInternalServerError {
		logging.FromContext(c.Request.Context()).Error("request failed", zap.Error(err))
	}
	body := gin.H{"code": status, "msg": e.Message, "error": e.Code}
	if len(e.Details) > 0 {
		body["details"] = e.Details
	}
	c.JSON(status, body)
}

func statusFor(k apperr.Kind) int {
	switch k {
	case apperr.KindValidation, apperr.KindCallback:
		return http.StatusBadRequest
	case apperr.KindNotFound:
		return http.StatusNotFound
	case apperr.KindInventory, apperr.KindConflict, apperr.KindBusy:
		return http.StatusConflict
	case apperr.KindGateway:
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}

// pathUint 解析 32 位十进制路径参数。
func pathUint(c *gin.Context, name, code string) (uint, error) {
	id, err := strconv.ParseUint(c.Param(name), 10, 32)
	if err != nil || id == 0 {
		return 0, apperr.Validation(code, "Path parameter "+name+" is invalid")
	}
	return uint(id), nil
}

// queryInt 解析可选的整数查询参数。
func queryInt(c *gin.Context, name string, fallback int) (int, error) {
	raw := c.Query(name)
	if raw == "" {
		return fallback, nil
	}
	v, err := strconv.Atoi(raw)
	if err != nil {
		return 0, apperr.Validation("INVALID_QUERY", "Query parameter "+name+" must be an integer")
	}
	return v, nil
}
