// Package lifecycle 处理支付完成后由用户驱动的订单状态变更，以及用户侧的订单查询。
package lifecycle

import (
	"context"
	"errors"
	"time"

	"eshop_checkout/internal/apperr"
	"eshop_checkout/internal/metrics"
	"eshop_checkout/internal/model"
	"eshop_checkout/internal/payment"
	"eshop_checkout/internal/queue"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"go.uber.org/zap"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// StatusResponse 订单当前状态。
type StatusResponse struct {
	OrderID       string              `json:"order_id"`
	OrderNumber   string              `json:"order_number"`
	OrderStatus   model.OrderStatus   `json:"order_status"`
	PaymentStatus model.PaymentStatus `json:"payment_status"`
	PaidAt        *time.Time          `json:"paid_at,omitempty"`
	FulfilledAt   *time.Time          `json:"fulfilled_at,omitempty"`
}

// Summary 订单列表条目。
type Summary struct {
	OrderID       string              `json:"order_id"`
	OrderNumber   string              `json:"order_number"`
	OrderStatus   model.OrderStatus   `json:"order_status"`
	PaymentStatus model.PaymentStatus `json:"payment_status"`
	TotalAmount   string              `json:"total_amount"`
	Currency      string              `json:"currency"`
	PlacedAt      time.Time           `json:"placed_at"`
}

type Manager struct {
	db     *gorm.DB
	events queue.Sink
	m      *metrics.Metrics
	log    *zap.Logger
	now    func() time.Time
}

func NewManager(db *gorm.DB, events queue.Sink, m *metrics.Metrics, log *zap.Logger) *Manager {
	if log == nil {
		log = zap.NewNop()
	}
	return &Manager{db: db, events: events, m: m, log: log, now: func() time.Time { return time.Now().UTC() }}
}

// ConfirmFulfillment 用户确认收货。已是 FULFILLED 时直接返回当前状态。
func (mg *Manager) ConfirmFulfillment(ctx context.Context, user model.User, orderID string) (resp StatusResponse, err error) {
	ctx, uc := mg.m.StartUseCase(ctx, mg.log, "confirm_fulfillment", "ConfirmFulfillment",
		attribute.String("order_id", orderID))
	defer func() {
		uc.End(err, zap.Uint("user_id", user.ID), zap.String("order_id", orderID))
	}()

	var (
		order   model.Order
		changed bool
	)
	err = mg.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := findOwned(tx.Clauses(clause.Locking{Strength: "UPDATE"}), user.ID, orderID, &order); err != nil {
			return err
		}
		if order.PaymentStatus != model.PaymentCaptured {
			return apperr.InvalidOrderState(string(order.Status), "confirmed as fulfilled before payment capture")
		}
		if order.Status == model.OrderFulfilled {
			return nil
		}
		if err := order.Apply(model.TriggerFulfillmentConfirmed, mg.now()); err != nil {
			return apperr.InvalidOrderState(string(order.Status), "confirmed as fulfilled")
		}
		if err := tx.Omit(clause.Associations).Save(&order).Error; err != nil {
			return err
		}
		h := model.NewHistory(&order, "Customer confirmed delivery", &user.ID)
		if err := tx.Create(&h).Error; err != nil {
			return err
		}
		changed = true
		return nil
	})
	if err != nil {
		return StatusResponse{}, err
	}

	if changed {
		queue.Emit(ctx, mg.events, uc.Logger(), queue.NewOrderEvent(queue.EventOrderFulfilled, &order, mg.now()))
	}
	return statusOf(&order), nil
}

// Get 返回用户自己的订单，附带订单行、地址快照与状态历史。
func (mg *Manager) Get(ctx context.Context, user model.User, orderID string) (model.Order, error) {
	var order model.Order
	db := mg.db.WithContext(ctx).
		Preload("Items").
		Preload("Addresses").
		Preload("History", func(db *gorm.DB) *gorm.DB { return db.Order("id") })
	if err := findOwned(db, user.ID, orderID, &order); err != nil {
		return model.Order{}, err
	}
	return order, nil
}

// List 按下单时间倒序分页返回用户的订单，page 从 0 开始。
func (mg *Manager) List(ctx context.Context, user model.User, page, size int) (payment.Page[Summary], error) {
	if size <= 0 || size > 100 {
		size = 20
	}
	if page < 0 {
		page = 0
	}
	scope := mg.db.WithContext(ctx).Model(&model.Order{}).Where("user_id = ?", user.ID)

	var total int64
	if err := scope.Session(&gorm.Session{}).Count(&total).Error; err != nil {
		return payment.Page[Summary]{}, err
	}
	var orders []model.Order
	if err := scope.Session(&gorm.Session{}).
		Order("placed_at DESC").Order("order_number DESC").
		Offset(page * size).Limit(size).
		Find(&orders).Error; err != nil {
		return payment.Page[Summary]{}, err
	}

	content := make([]Summary, 0, len(orders))
	for _, o := range orders {
		content = append(content, Summary{
			OrderID:       o.ID,
			OrderNumber:   o.OrderNumber,
			OrderStatus:   o.Status,
			PaymentStatus: o.PaymentStatus,
			TotalAmount:   o.TotalAmount.StringFixed(2),
			Currency:      o.Currency,
			PlacedAt:      o.PlacedAt,
		})
	}
	totalPages := int((total + int64(size) - 1) / int64(size))
	return payment.Page[Summary]{
		Content:       content,
		TotalElements: total,
		TotalPages:    totalPages,
		Page:          page,
		Size:          size,
		HasNext:       page+1 < totalPages,
		HasPrevious:   page > 0,
	}, nil
}

func findOwned(db *gorm.DB, userID uint, orderID string, out *model.Order) error {
	if _, err := uuid.Parse(orderID); err != nil {
		return apperr.OrderNotFound(orderID)
	}
	err := db.Where("id = ? AND user_id = ?", orderID, userID).First(out).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return apperr.OrderNotFound(orderID)
	}
	return err
}

func statusOf(o *model.Order) StatusResponse {
	return StatusResponse{
		OrderID:       o.ID,
		OrderNumber:   o.OrderNumber,
		OrderStatus:   o.Status,
		PaymentStatus: o.PaymentStatus,
		PaidAt:        o.PaidAt,
		FulfilledAt:   o.FulfilledAt,
	}
}
