package router

import (
	"errors"
	"net/http"

	"eshop_checkout/internal/apperr"
	"eshop_checkout/internal/middleware"
	"eshop_checkout/internal/model"
	"eshop_checkout/internal/store"
	"eshop_checkout/internal/validation"

	"github.com/gin-gonic/gin"
	validatorv10 "github.com/go-playground/validator/v10"
	"github.com/shopspring/decimal"
	"gorm.io/gorm"
)

type cartItemRequest struct {
	VariantID uint `json:"variant_id" validate:"required"`
	Quantity  int  `json:"quantity" validate:"gte=0,lte=99"`
}

type cartLine struct {
	VariantID uint   `json:"variant_id"`
	SKU       string `json:"sku"`
	Name      string `json:"name"`
	Quantity  int    `json:"quantity"`
	UnitPrice string `json:"unit_price"`
	LineTotal string `json:"line_total"`
	Active    bool   `json:"active"`
}

type cartView struct {
	Items    []cartLine `json:"items"`
	Subtotal string     `json:"subtotal"`
}

// getCart 返回当前用户购物车，价格取规格现价。
func getCart(db *gorm.DB) gin.HandlerFunc {
	return func(c *gin.Context) {
		user, _ := middleware.CurrentUser(c)
		view, err := loadCart(c, db, user.ID)
		if err != nil {
			respondError(c, err)
			return
		}
		ok(c, http.StatusOK, view)
	}
}

// putCartItem 设置某规格数量，quantity=0 表示移除。
func putCartItem(db *gorm.DB, v *validatorv10.Validate) gin.HandlerFunc {
	return func(c *gin.Context) {
		user, _ := middleware.CurrentUser(c)
		var req cartItemRequest
		if err := validation.BindAndValidate(c, &req, v); err != nil {
			respondError(c, err)
			return
		}

		ctx := c.Request.Context()
		if req.Quantity > 0 {
			variant, err := store.Variants{}.Get(ctx, db, req.VariantID)
			if err != nil {
				if errors.Is(err, store.ErrNotFound) {
					respondError(c, apperr.VariantNotFound(req.VariantID))
					return
				}
				respondError(c, err)
				return
			}
			if !variant.Active {
				respondError(c, apperr.Validation("VARIANT_UNAVAILABLE", "Product variant is not available"))
				return
			}
		}
		if err := (store.Carts{}).Upsert(ctx, db, user.ID, req.VariantID, req.Quantity); err != nil {
			respondError(c, err)
			return
		}

		view, err := loadCart(c, db, user.ID)
		if err != nil {
			respondError(c, err)
			return
		}
		ok(c, http.StatusOK, view)
	}
}

func loadCart(c *gin.Context, db *gorm.DB, userID uint) (cartView, error) {
	ctx := c.Request.Context()
	items, err := store.Carts{}.Items(ctx, db, userID)
	if err != nil {
		return cartView{}, err
	}
	ids := make([]uint, 0, len(items))
	for _, it := range items {
		ids = append(ids, it.VariantID)
	}
	variants := map[uint]model.ProductVariant{}
	if len(ids) > 0 {
		if variants, err = (store.Variants{}).Find(ctx, db, ids); err != nil {
			return cartView{}, err
		}
	}

	view := cartView{Items: make([]cartLine, 0, len(items))}
	subtotal := decimal.Zero
	for _, it := range items {
		v := variants[it.VariantID]
		line := v.Price.Mul(decimal.NewFromInt(int64(it.Quantity))).Round(2)
		if v.Active {
			subtotal = subtotal.Add(line)
		}
		view.Items = append(view.Items, cartLine{
			VariantID: it.VariantID,
			SKU:       v.SKU,
			Name:      v.Name,
			Quantity:  it.Quantity,
			UnitPrice: v.Price.StringFixed(2),
			LineTotal: line.StringFixed(2),
			Active:    v.Active,
		})
	}
	view.Subtotal = subtotal.StringFixed(2)
	return view, nil
}
