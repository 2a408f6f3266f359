package queue

import (
	"context"
	"fmt"
	"time"

	"eshop_checkout/internal/model"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

// 订单生命周期事件类型。
const (
	EventOrderCreated    = "order.created"
	EventPaymentCaptured = "payment.captured"
	EventPaymentFailed   = "payment.failed"
	EventOrderFulfilled  = "order.fulfilled"
	EventOrderReclaimed  = "order.reclaimed"
)

// OrderEvent 写入 Stream / Kafka 的订单事件。
type OrderEvent struct {
	EventID       string    `json:"event_id"`
	Type          string    `json:"type"`
	OrderID       string    `json:"order_id"`
	OrderNumber   string    `json:"order_number"`
	UserID        uint      `json:"user_id"`
	OrderStatus   string    `json:"order_status"`
	PaymentStatus string    `json:"payment_status"`
	Total         string    `json:"total"`
	Currency      string    `json:"currency"`
	OccurredAt    time.Time `json:"occurred_at"`
}

// NewOrderEvent 以订单当前状态生成事件。
func NewOrderEvent(typ string, o *model.Order, at time.Time) OrderEvent {
	return OrderEvent{
		EventID:       uuid.NewString(),
		Type:          typ,
		OrderID:       o.ID,
		OrderNumber:   o.OrderNumber,
		UserID:        o.UserID,
		OrderStatus:   string(o.Status),
		PaymentStatus: string(o.PaymentStatus),
		Total:         o.TotalAmount.StringFixed(2),
		Currency:      o.Currency,
		OccurredAt:    at.UTC(),
	}
}

// Validate 做最小字段校验，防止下游处理脏消息。
func (e OrderEvent) Validate() error {
	if e.EventID == "" {
		return fmt.Errorf("event_id is required")
	}
	switch e.Type {
	case EventOrderCreated, EventPaymentCaptured, EventPaymentFailed, EventOrderFulfilled, EventOrderReclaimed:
	default:
		return fmt.Errorf("unknown event type %q", e.Type)
	}
	if e.OrderID == "" || e.OrderNumber == "" {
		return fmt.Errorf("order_id and order_number are required")
	}
	if e.UserID == 0 {
		return fmt.Errorf("user_id is required")
	}
	return nil
}

// Sink 接收已提交的订单事件。
type Sink interface {
	Enqueue(ctx context.Context, evt OrderEvent) error
}

// Emit 投递事件；失败只记日志，不影响已提交的业务结果。
func Emit(ctx context.Context, sink Sink, log *zap.Logger, evt OrderEvent) {
	if sink == nil {
		return
	}
	if err := sink.Enqueue(ctx, evt); err != nil && log != nil {
		log.Warn("order event enqueue failed",
			zap.String("event_type", evt.Type),
			zap.String("order_number", evt.OrderNumber),
			zap.Error(err))
	}
}
