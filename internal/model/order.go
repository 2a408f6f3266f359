package model

import (
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"gorm.io/gorm"
)

// ErrHistoryAppendOnly 历史表只允许插入。
var ErrHistoryAppendOnly = errors.New("order: status history is append-only")

// Order 一次结账产生的订单，金额单位为订单币种的元（两位小数）。
type Order struct {
	ID        string    `gorm:"type:char(36);primaryKey" json:"id"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`

	OrderNumber   string        `gorm:"size:32;uniqueIndex;not null" json:"order_number"`
	UserID        uint          `gorm:"not null;index" json:"user_id"`
	Status        OrderStatus   `gorm:"size:32;not null;index:idx_orders_state" json:"status"`
	PaymentStatus PaymentStatus `gorm:"size:32;not null;index:idx_orders_state" json:"payment_status"`
	PaymentMethod PaymentMethod `gorm:"size:32;not null" json:"payment_method"`

	Currency       string          `gorm:"size:3;not null" json:"currency"`
	Subtotal       decimal.Decimal `gorm:"type:numeric(14,2);not null" json:"subtotal"`
	DiscountAmount decimal.Decimal `gorm:"type:numeric(14,2);not null" json:"discount_amount"`
	ShippingAmount decimal.Decimal `gorm:"type:numeric(14,2);not null" json:"shipping_amount"`
	TaxAmount      decimal.Decimal `gorm:"type:numeric(14,2);not null" json:"tax_amount"`
	TotalAmount    decimal.Decimal `gorm:"type:numeric(14,2);not null" json:"total_amount"`

	ShippingMethod string `gorm:"size:64" json:"shipping_method,omitempty"`
	Notes          string `gorm:"size:1024" json:"notes,omitempty"`

	PlacedAt    time.Time  `gorm:"not null;index" json:"placed_at"`
	PaidAt      *time.Time `json:"paid_at,omitempty"`
	FulfilledAt *time.Time `json:"fulfilled_at,omitempty"`
	CancelledAt *time.Time `json:"cancelled_at,omitempty"`

	Items        []OrderItem          `gorm:"foreignKey:OrderID" json:"items,omitempty"`
	Addresses    []OrderAddress       `gorm:"foreignKey:OrderID" json:"addresses,omitempty"`
	History      []OrderStatusHistory `gorm:"foreignKey:OrderID" json:"history,omitempty"`
	Transactions []PaymentTransaction `gorm:"foreignKey:OrderID" json:"-"`
}

func (Order) TableName() string { return "orders" }

func (o *Order) BeforeCreate(*gorm.DB) error {
	if o.ID == "" {
		o.ID = uuid.NewString()
	}
	return nil
}

// State 返回当前组合状态。
func (o *Order) State() State {
	return State{Order: o.Status, Payment: o.PaymentStatus}
}

// Apply 按迁移表推进状态，并盖上对应的时间戳（每个时间戳只写一次）。
func (o *Order) Apply(trigger Trigger, now time.Time) error {
	next, err := Next(trigger, o.State())
	if err != nil {
		return err
	}
	o.Status, o.PaymentStatus = next.Order, next.Payment

	switch trigger {
	case TriggerCheckoutCreated:
		if o.PlacedAt.IsZero() {
			o.PlacedAt = now
		}
	case TriggerPaymentCaptured:
		stampOnce(&o.PaidAt, now)
	case TriggerPaymentFailed, TriggerReclaimed:
		stampOnce(&o.CancelledAt, now)
	case TriggerFulfillmentConfirmed:
		stampOnce(&o.FulfilledAt, now)
	}
	return nil
}

func stampOnce(dst **time.Time, now time.Time) {
	if *dst != nil {
		return
	}
	t := now
	*dst = &t
}

// OrderItem 结账时购物车行的不可变快照。
type OrderItem struct {
	ID        uint      `gorm:"primarykey" json:"id"`
	CreatedAt time.Time `json:"created_at"`

	OrderID        string          `gorm:"type:char(36);not null;index" json:"order_id"`
	ProductID      uint            `gorm:"not null" json:"product_id"`
	VariantID      uint            `gorm:"not null;index" json:"variant_id"`
	SKU            string          `gorm:"size:64" json:"sku"`
	Quantity       int             `gorm:"not null" json:"quantity"`
	UnitPrice      decimal.Decimal `gorm:"type:numeric(14,2);not null" json:"unit_price"`
	DiscountAmount decimal.Decimal `gorm:"type:numeric(14,2);not null" json:"discount_amount"`
	LineTotal      decimal.Decimal `gorm:"type:numeric(14,2);not null" json:"line_total"`
	Currency       string          `gorm:"size:3;not null" json:"currency"`
	Metadata       string          `gorm:"type:text" json:"metadata,omitempty"`
}

func (OrderItem) TableName() string { return "order_items" }

// OrderAddress 地址快照，之后修改地址簿不会影响历史订单。
type OrderAddress struct {
	ID        uint      `gorm:"primarykey" json:"id"`
	CreatedAt time.Time `json:"created_at"`

	OrderID       string      `gorm:"type:char(36);not null;index" json:"order_id"`
	Type          AddressType `gorm:"size:16;not null" json:"type"`
	RecipientName string      `gorm:"size:128;not null" json:"recipient_name"`
	Phone         string      `gorm:"size:32" json:"phone,omitempty"`
	Line1         string      `gorm:"size:255;not null" json:"line1"`
	Line2         string      `gorm:"size:255" json:"line2,omitempty"`
	City          string      `gorm:"size:128;not null" json:"city"`
	StateProvince string      `gorm:"size:128" json:"state_province,omitempty"`
	PostalCode    string      `gorm:"size:32" json:"postal_code,omitempty"`
	CountryCode   string      `gorm:"size:2;not null" json:"country_code"`
	Instructions  string      `gorm:"size:512" json:"instructions,omitempty"`
}

func (OrderAddress) TableName() string { return "order_addresses" }

// SnapshotAddress 复制地址簿中的字段。
func SnapshotAddress(a Address, typ AddressType) OrderAddress {
	return OrderAddress{
		Type:          typ,
		RecipientName: a.RecipientName,
		Phone:         a.Phone,
		Line1:         a.Line1,
		Line2:         a.Line2,
		City:          a.City,
		StateProvince: a.StateProvince,
		PostalCode:    a.PostalCode,
		CountryCode:   a.CountryCode,
		Instructions:  a.Instructions,
	}
}

// OrderStatusHistory 状态审计日志，与状态变更同事务追加，永不修改。
type OrderStatusHistory struct {
	ID        uint      `gorm:"primarykey" json:"id"`
	CreatedAt time.Time `json:"created_at"`

	OrderID       string        `gorm:"type:char(36);not null;index" json:"order_id"`
	Status        OrderStatus   `gorm:"size:32;not null" json:"status"`
	PaymentStatus PaymentStatus `gorm:"size:32;not null" json:"payment_status"`
	Comment       string        `gorm:"size:512" json:"comment"`
	ChangedBy     *uint         `json:"changed_by,omitempty"`
}

func (OrderStatusHistory) TableName() string { return "order_status_history" }

func (*OrderStatusHistory) BeforeUpdate(*gorm.DB) error { return ErrHistoryAppendOnly }
func (*OrderStatusHistory) BeforeDelete(*gorm.DB) error { return ErrHistoryAppendOnly }

// NewHistory 记录订单当前的状态对。
func NewHistory(o *Order, comment string, actor *uint) OrderStatusHistory {
	return OrderStatusHistory{
		OrderID:       o.ID,
		Status:        o.Status,
		PaymentStatus: o.PaymentStatus,
		Comment:       comment,
		ChangedBy:     actor,
	}
}
