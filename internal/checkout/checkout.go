// Package checkout 把购物车转成订单：计算金额、快照地址、预占库存、创建待支付流水并生成支付链接。
package checkout

import (
	"context"
	"errors"
	"fmt"
	"time"

	"eshop_checkout/internal/apperr"
	"eshop_checkout/internal/currency"
	"eshop_checkout/internal/inventory"
	"eshop_checkout/internal/metrics"
	"eshop_checkout/internal/model"
	"eshop_checkout/internal/payment"
	"eshop_checkout/internal/queue"
	"eshop_checkout/internal/store"
	"eshop_checkout/internal/validation"

	validatorv10 "github.com/go-playground/validator/v10"
	"github.com/shopspring/decimal"
	"go.opentelemetry.io/otel/attribute"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

const itemMetadata = `{"source":"cart"}`

// PaymentURLBuilder 生成支付跳转链接。
type PaymentURLBuilder interface {
	CreatePaymentURL(order *model.Order, txn *model.PaymentTransaction, clientIP string) (payment.Redirect, error)
}

type CartStore interface {
	Items(ctx context.Context, db *gorm.DB, userID uint) ([]model.CartItem, error)
}

type AddressBook interface {
	Find(ctx context.Context, db *gorm.DB, userID, addressID uint) (model.Address, error)
	Save(ctx context.Context, db *gorm.DB, addr *model.Address) error
}

type VariantStore interface {
	Find(ctx context.Context, db *gorm.DB, ids []uint) (map[uint]model.ProductVariant, error)
}

type OrderNumbers interface {
	NextOrderNumber(ctx context.Context, tx *gorm.DB) (string, error)
}

// Deps 中未设置的存储协作方使用 store 包的 gorm 实现。
type Deps struct {
	DB        *gorm.DB
	Inventory *inventory.Service
	Gateway   PaymentURLBuilder
	Validate  *validatorv10.Validate
	Events    queue.Sink
	Metrics   *metrics.Metrics
	Log       *zap.Logger
	Currency  string

	Carts     CartStore
	Addresses AddressBook
	Variants  VariantStore
	Numbers   OrderNumbers
}

type Orchestrator struct {
	db        *gorm.DB
	inv       *inventory.Service
	gateway   PaymentURLBuilder
	validate  *validatorv10.Validate
	events    queue.Sink
	m         *metrics.Metrics
	log       *zap.Logger
	currency  string
	carts     CartStore
	addresses AddressBook
	variants  VariantStore
	numbers   OrderNumbers
	now       func() time.Time
}

func NewOrchestrator(d Deps) *Orchestrator {
	o := &Orchestrator{
		db:        d.DB,
		inv:       d.Inventory,
		gateway:   d.Gateway,
		validate:  d.Validate,
		events:    d.Events,
		m:         d.Metrics,
		log:       d.Log,
		currency:  d.Currency,
		carts:     d.Carts,
		addresses: d.Addresses,
		variants:  d.Variants,
		numbers:   d.Numbers,
		now:       func() time.Time { return time.Now().UTC() },
	}
	if o.log == nil {
		o.log = zap.NewNop()
	}
	if o.inv == nil {
		o.inv = inventory.NewService(nil, o.log)
	}
	if o.validate == nil {
		o.validate = validation.New()
	}
	if o.currency == "" {
		o.currency = "USD"
	}
	if o.carts == nil {
		o.carts = store.Carts{}
	}
	if o.addresses == nil {
		o.addresses = store.Addresses{}
	}
	if o.variants == nil {
		o.variants = store.Variants{}
	}
	if o.numbers == nil {
		o.numbers = store.Sequences{}
	}
	return o
}

type breakdown struct {
	subtotal decimal.Decimal
	discount decimal.Decimal
	shipping decimal.Decimal
	tax      decimal.Decimal
	total    decimal.Decimal
}

type pricedLine struct {
	cart      model.CartItem
	variant   model.ProductVariant
	unitPrice decimal.Decimal
	lineTotal decimal.Decimal
}

// Checkout 在一个事务里落订单全图并生成支付链接；任一步失败都不会留下订单。
func (o *Orchestrator) Checkout(ctx context.Context, user model.User, req Request, clientIP string) (resp Response, err error) {
	ctx, uc := o.m.StartUseCase(ctx, o.log, "checkout", "Checkout",
		attribute.Int64("user_id", int64(user.ID)))
	defer func() {
		uc.End(err,
			zap.Uint("user_id", user.ID),
			zap.String("order_number", resp.OrderNumber),
			zap.String("total", resp.TotalAmount))
	}()

	if err := validation.Struct(o.validate, req); err != nil {
		return resp, err
	}
	shipping, err := sanitizeAmount(req.ShippingAmount)
	if err != nil {
		return resp, err
	}
	discount, err := sanitizeAmount(req.DiscountAmount)
	if err != nil {
		return resp, err
	}
	tax, err := sanitizeAmount(req.TaxAmount)
	if err != nil {
		return resp, err
	}

	db := o.db.WithContext(ctx)
	cartItems, err := o.carts.Items(ctx, db, user.ID)
	if err != nil {
		return resp, err
	}
	if len(cartItems) == 0 {
		return resp, apperr.CartEmpty()
	}

	var savedAddr *model.Address
	if req.AddressID != nil {
		addr, err := o.addresses.Find(ctx, db, user.ID, *req.AddressID)
		if errors.Is(err, store.ErrNotFound) {
			return resp, apperr.AddressNotFound(*req.AddressID)
		}
		if err != nil {
			return resp, err
		}
		savedAddr = &addr
	} else if req.Address == nil {
		return resp, apperr.Validation("ADDRESS_REQUIRED", "Either addressId or address payload must be provided")
	}

	lines, err := o.priceLines(ctx, db, cartItems)
	if err != nil {
		return resp, err
	}
	money, err := computeBreakdown(lines, shipping, discount, tax)
	if err != nil {
		return resp, err
	}

	var (
		order    model.Order
		items    []model.OrderItem
		redirect payment.Redirect
	)
	reserve := make([]inventory.Line, 0, len(lines))
	for _, l := range lines {
		reserve = append(reserve, inventory.Line{VariantID: l.variant.ID, Quantity: l.cart.Quantity})
	}

	err = db.Transaction(func(tx *gorm.DB) error {
		if savedAddr == nil && req.SaveAddress {
			addr := addressFromInput(user.ID, *req.Address)
			if err := o.addresses.Save(ctx, tx, &addr); err != nil {
				return err
			}
			savedAddr = &addr
		}

		number, err := o.numbers.NextOrderNumber(ctx, tx)
		if err != nil {
			return err
		}
		uc.SetAttributes(attribute.String("order_number", number))

		order = model.Order{
			OrderNumber:    number,
			UserID:         user.ID,
			PaymentMethod:  model.MethodCard,
			Currency:       o.currency,
			Subtotal:       money.subtotal,
			DiscountAmount: money.discount,
			ShippingAmount: money.shipping,
			TaxAmount:      money.tax,
			TotalAmount:    money.total,
			ShippingMethod: req.ShippingMethod,
			Notes:          req.Notes,
		}
		if err := order.Apply(model.TriggerCheckoutCreated, o.now()); err != nil {
			return err
		}
		if err := tx.Create(&order).Error; err != nil {
			return err
		}

		snapshot := shippingSnapshot(savedAddr, req.Address)
		snapshot.OrderID = order.ID
		if err := tx.Create(&snapshot).Error; err != nil {
			return err
		}

		items = make([]model.OrderItem, 0, len(lines))
		for _, l := range lines {
			items = append(items, model.OrderItem{
				OrderID:        order.ID,
				ProductID:      l.variant.ProductID,
				VariantID:      l.variant.ID,
				SKU:            l.variant.SKU,
				Quantity:       l.cart.Quantity,
				UnitPrice:      l.unitPrice,
				DiscountAmount: decimal.Zero,
				LineTotal:      l.lineTotal,
				Currency:       order.Currency,
				Metadata:       itemMetadata,
			})
		}
		if err := tx.Create(&items).Error; err != nil {
			return err
		}

		if err := o.inv.Reserve(ctx, tx, reserve); err != nil {
			return err
		}

		h := model.NewHistory(&order, "Order created and pending VNPay payment", &user.ID)
		if err := tx.Create(&h).Error; err != nil {
			return err
		}

		txn := model.PaymentTransaction{
			OrderID:        order.ID,
			Provider:       model.ProviderVNPay,
			IdempotencyKey: order.OrderNumber,
			Amount:         order.TotalAmount,
			Currency:       order.Currency,
			Status:         model.PaymentPending,
			Method:         model.MethodCard,
		}
		if err := tx.Create(&txn).Error; err != nil {
			return err
		}

		// 支付链接生成失败则整单回滚，不会留下拿不到链接的待支付订单。
		redirect, err = o.gateway.CreatePaymentURL(&order, &txn, clientIP)
		return err
	})
	if err != nil {
		return Response{}, err
	}

	o.inv.Mirror(ctx, reserve, -1)
	queue.Emit(ctx, o.events, uc.Logger(), queue.NewOrderEvent(queue.EventOrderCreated, &order, o.now()))

	resp = Response{
		OrderID:             order.ID,
		OrderNumber:         order.OrderNumber,
		Status:              order.Status,
		PaymentStatus:       order.PaymentStatus,
		SubtotalAmount:      order.Subtotal.StringFixed(2),
		DiscountAmount:      order.DiscountAmount.StringFixed(2),
		ShippingAmount:      order.ShippingAmount.StringFixed(2),
		TaxAmount:           order.TaxAmount.StringFixed(2),
		TotalAmount:         order.TotalAmount.StringFixed(2),
		Currency:            order.Currency,
		SettlementAmount:    redirect.SettlementAmount.StringFixed(2),
		PaymentProvider:     model.ProviderVNPay,
		PaymentURL:          redirect.URL,
		PaymentURLExpiresAt: redirect.ExpiresAt,
		Items:               make([]ItemResponse, 0, len(items)),
	}
	for _, it := range items {
		resp.Items = append(resp.Items, itemResponse(it))
	}
	return resp, nil
}

// priceLines 读取规格价格并逐行计算行总价（每步两位小数四舍五入）。
func (o *Orchestrator) priceLines(ctx context.Context, db *gorm.DB, cart []model.CartItem) ([]pricedLine, error) {
	ids := make([]uint, 0, len(cart))
	for _, ci := range cart {
		ids = append(ids, ci.VariantID)
	}
	variants, err := o.variants.Find(ctx, db, ids)
	if err != nil {
		return nil, err
	}

	out := make([]pricedLine, 0, len(cart))
	for _, ci := range cart {
		v, ok := variants[ci.VariantID]
		if !ok || !v.Active {
			return nil, apperr.Validation("VARIANT_UNAVAILABLE",
				fmt.Sprintf("Product variant %d is not available", ci.VariantID))
		}
		if !v.Price.IsPositive() {
			return nil, apperr.Validation("VARIANT_PRICE_MISSING",
				fmt.Sprintf("Variant price is not configured for variant: %d", v.ID))
		}
		if ci.Quantity <= 0 {
			return nil, apperr.Validation("INVALID_QUANTITY", "Cart item quantity must be greater than zero")
		}
		unit := currency.Round(v.Price)
		out = append(out, pricedLine{
			cart:      ci,
			variant:   v,
			unitPrice: unit,
			lineTotal: currency.Round(unit.Mul(decimal.NewFromInt(int64(ci.Quantity)))),
		})
	}
	return out, nil
}

// computeBreakdown total = subtotal - discount + shipping + tax。
func computeBreakdown(lines []pricedLine, shipping, discount, tax decimal.Decimal) (breakdown, error) {
	subtotal := decimal.Zero
	for _, l := range lines {
		subtotal = currency.Round(subtotal.Add(l.lineTotal))
	}
	if discount.GreaterThan(subtotal) {
		return breakdown{}, apperr.Validation("DISCOUNT_EXCEEDS_SUBTOTAL", "Discount amount cannot exceed subtotal")
	}
	return breakdown{
		subtotal: subtotal,
		discount: discount,
		shipping: shipping,
		tax:      tax,
		total:    currency.Round(subtotal.Sub(discount).Add(shipping).Add(tax)),
	}, nil
}

func sanitizeAmount(v *decimal.Decimal) (decimal.Decimal, error) {
	if v == nil {
		return decimal.Zero, nil
	}
	if v.IsNegative() {
		return decimal.Zero, apperr.Validation("NEGATIVE_AMOUNT", "Amounts cannot be negative")
	}
	return currency.Round(*v), nil
}

func addressFromInput(userID uint, in AddressInput) model.Address {
	return model.Address{
		UserID:        userID,
		RecipientName: in.RecipientName,
		Phone:         in.Phone,
		Line1:         in.Line1,
		Line2:         in.Line2,
		City:          in.City,
		StateProvince: in.StateProvince,
		PostalCode:    in.PostalCode,
		CountryCode:   in.CountryCode,
		Instructions:  in.Instructions,
	}
}

// shippingSnapshot 优先使用地址簿条目；内联地址里的配送说明总是覆盖。
func shippingSnapshot(saved *model.Address, in *AddressInput) model.OrderAddress {
	var snap model.OrderAddress
	if saved != nil {
		snap = model.SnapshotAddress(*saved, model.AddressShipping)
	} else {
		snap = model.SnapshotAddress(addressFromInput(0, *in), model.AddressShipping)
	}
	if in != nil && in.Instructions != "" {
		snap.Instructions = in.Instructions
	}
	return snap
}
