package router

import (
	"errors"
	"net/http"
	"strings"
	"time"

	"eshop_checkout/internal/apperr"
	"eshop_checkout/internal/model"
	"eshop_checkout/internal/payment"
	"eshop_checkout/internal/store"
	"eshop_checkout/internal/validation"
	"eshop_checkout/pkg/logging"

	"github.com/gin-gonic/gin"
	validatorv10 "github.com/go-playground/validator/v10"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

type createVariantRequest struct {
	ProductID uint            `json:"product_id" validate:"required"`
	SKU       string          `json:"sku" validate:"required,max=64"`
	Name      string          `json:"name" validate:"required,max=128"`
	Price     decimal.Decimal `json:"price" validate:"gt=0"`
	Currency  string          `json:"currency" validate:"omitempty,len=3"`
	Stock     int64           `json:"stock" validate:"gte=0"`
	Active    *bool           `json:"active"`
}

// createVariant 创建商品规格（价格 + 初始库存）。
func createVariant(db *gorm.DB, v *validatorv10.Validate) gin.HandlerFunc {
	return func(c *gin.Context) {
		var req createVariantRequest
		if err := validation.BindAndValidate(c, &req, v); err != nil {
			respondError(c, err)
			return
		}
		active := true
		if req.Active != nil {
			active = *req.Active
		}
		cur := strings.ToUpper(req.Currency)
		if cur == "" {
			cur = "USD"
		}
		variant := &model.ProductVariant{
			ProductID: req.ProductID,
			SKU:       strings.TrimSpace(req.SKU),
			Name:      strings.TrimSpace(req.Name),
			Price:     req.Price.Round(2),
			Currency:  cur,
			Stock:     req.Stock,
			Active:    active,
		}
		if err := (store.Variants{}).Create(c.Request.Context(), db, variant); err != nil {
			respondError(c, err)
			return
		}
		// active 列有默认值 true，Create 会忽略零值 false
		if !active {
			if err := db.WithContext(c.Request.Context()).Model(variant).Update("active", false).Error; err != nil {
				respondError(c, err)
				return
			}
		}
		ok(c, http.StatusCreated, variant)
	}
}

// preloadStock 将 DB 库存预热到 Redis 展示缓存。
func preloadStock(db *gorm.DB, cache StockCache) gin.HandlerFunc {
	return func(c *gin.Context) {
		id, err := pathUint(c, "id", "INVALID_VARIANT_ID")
		if err != nil {
			respondError(c, err)
			return
		}
		if cache == nil {
			c.JSON(http.StatusServiceUnavailable, gin.H{
				"code":  http.StatusServiceUnavailable,
				"msg":   "Stock cache is not configured",
				"error": "STOCK_CACHE_UNAVAILABLE",
			})
			return
		}
		variant, err := loadVariant(c, db, id)
		if err != nil {
			respondError(c, err)
			return
		}
		if err := cache.Preload(c.Request.Context(), variant.ID, variant.Stock); err != nil {
			respondError(c, err)
			return
		}
		ok(c, http.StatusOK, gin.H{"variant_id": variant.ID, "stock": variant.Stock})
	}
}

// getStock 优先读缓存，未预热或缓存不可用时读 DB。
func getStock(db *gorm.DB, cache StockCache) gin.HandlerFunc {
	return func(c *gin.Context) {
		id, err := pathUint(c, "id", "INVALID_VARIANT_ID")
		if err != nil {
			respondError(c, err)
			return
		}
		if cache != nil {
			val, found, err := cache.Get(c.Request.Context(), id)
			if err != nil {
				logging.FromContext(c.Request.Context()).Warn("stock cache read failed", zap.Uint("variant_id", id), zap.Error(err))
			}
			if err == nil && found {
				ok(c, http.StatusOK, gin.H{"variant_id": id, "stock": val, "source": "cache"})
				return
			}
		}
		variant, err := loadVariant(c, db, id)
		if err != nil {
			respondError(c, err)
			return
		}
		ok(c, http.StatusOK, gin.H{"variant_id": id, "stock": variant.Stock, "source": "db"})
	}
}

func loadVariant(c *gin.Context, db *gorm.DB, id uint) (model.ProductVariant, error) {
	variant, err := store.Variants{}.Get(c.Request.Context(), db, id)
	if errors.Is(err, store.ErrNotFound) {
		return variant, apperr.VariantNotFound(id)
	}
	return variant, err
}

func listTransactions(a *payment.Admin) gin.HandlerFunc {
	return func(c *gin.Context) {
		q, err := transactionQuery(c)
		if err != nil {
			respondError(c, err)
			return
		}
		res, err := a.List(c.Request.Context(), q)
		if err != nil {
			respondError(c, err)
			return
		}
		ok(c, http.StatusOK, res)
	}
}

func getTransaction(a *payment.Admin) gin.HandlerFunc {
	return func(c *gin.Context) {
		view, err := a.Get(c.Request.Context(), c.Param("id"))
		if err != nil {
			respondError(c, err)
			return
		}
		ok(c, http.StatusOK, view)
	}
}

func listOrderTransactions(a *payment.Admin) gin.HandlerFunc {
	return func(c *gin.Context) {
		list, err := a.ListForOrder(c.Request.Context(), c.Param("number"))
		if err != nil {
			respondError(c, err)
			return
		}
		ok(c, http.StatusOK, list)
	}
}

// transactionQuery 解析流水筛选参数，时间为 RFC3339。
func transactionQuery(c *gin.Context) (payment.TransactionQuery, error) {
	var q payment.TransactionQuery
	if s := c.Query("status"); s != "" {
		st, valid := model.ParsePaymentStatus(s)
		if !valid {
			return q, apperr.Validation("INVALID_FILTER", "Unknown payment status: "+s)
		}
		q.Status = st
	}
	if s := c.Query("method"); s != "" {
		m, valid := model.ParsePaymentMethod(s)
		if !valid {
			return q, apperr.Validation("INVALID_FILTER", "Unknown payment method: "+s)
		}
		q.Method = m
	}
	q.Provider = c.Query("provider")
	q.OrderNumber = c.Query("order_number")

	for name, dst := range map[string]**time.Time{
		"created_after":  &q.CreatedAfter,
		"created_before": &q.CreatedBefore,
	} {
		raw := c.Query(name)
		if raw == "" {
			continue
		}
		t, err := time.Parse(time.RFC3339, raw)
		if err != nil {
			return q, apperr.Validation("INVALID_FILTER", name+" must be an RFC3339 timestamp")
		}
		*dst = &t
	}

	var err error
	if q.Page, err = queryInt(c, "page", 0); err != nil {
		return q, err
	}
	if q.Size, err = queryInt(c, "size", 0); err != nil {
		return q, err
	}
	return q, nil
}
