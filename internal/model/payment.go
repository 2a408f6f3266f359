package model

import (
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"gorm.io/gorm"
)

// ErrTransactionClosed 流水已到终态，不允许再次结算。
var ErrTransactionClosed = errors.New("payment: transaction already settled")

const ProviderVNPay = "VNPAY"

// PaymentTransaction 一次通过支付渠道收款的尝试。
type PaymentTransaction struct {
	ID        string    `gorm:"type:char(36);primaryKey" json:"id"`
	CreatedAt time.Time `gorm:"index" json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`

	OrderID               string              `gorm:"type:char(36);not null;index" json:"order_id"`
	Provider              string              `gorm:"size:32;not null;index" json:"provider"`
	ProviderTransactionID *string             `gorm:"size:64" json:"provider_transaction_id,omitempty"`
	IdempotencyKey        string              `gorm:"size:64;uniqueIndex;not null" json:"idempotency_key"`
	Amount                decimal.Decimal     `gorm:"type:numeric(14,2);not null" json:"amount"`
	Currency              string              `gorm:"size:3;not null" json:"currency"`
	Status                PaymentStatus       `gorm:"size:32;not null;index" json:"status"`
	Method                PaymentMethod       `gorm:"size:32;not null;index" json:"method"`
	CapturedAmount        decimal.NullDecimal `gorm:"type:numeric(14,2)" json:"captured_amount"`
	RawResponse           string              `gorm:"type:text" json:"raw_response,omitempty"`
	ErrorCode             string              `gorm:"size:32" json:"error_code,omitempty"`
	ErrorMessage          string              `gorm:"size:255" json:"error_message,omitempty"`

	Order *Order `gorm:"foreignKey:OrderID" json:"-"`
}

func (PaymentTransaction) TableName() string { return "payment_transactions" }

func (t *PaymentTransaction) BeforeCreate(*gorm.DB) error {
	if t.ID == "" {
		t.ID = uuid.NewString()
	}
	return nil
}

// Capture 将流水置为 CAPTURED，只能从非终态调用一次。
func (t *PaymentTransaction) Capture(amount decimal.Decimal, providerRef, raw string) error {
	if t.Status.Terminal() {
		return ErrTransactionClosed
	}
	t.Status = PaymentCaptured
	t.CapturedAmount = decimal.NewNullDecimal(amount)
	t.RawResponse = raw
	if providerRef != "" {
		t.ProviderTransactionID = &providerRef
	}
	return nil
}

// Fail 将流水置为 FAILED 并记录渠道错误。
func (t *PaymentTransaction) Fail(code, message, providerRef, raw string) error {
	if t.Status.Terminal() {
		return ErrTransactionClosed
	}
	t.Status = PaymentFailed
	t.ErrorCode = code
	t.ErrorMessage = message
	if raw != "" {
		t.RawResponse = raw
	}
	if providerRef != "" {
		t.ProviderTransactionID = &providerRef
	}
	return nil
}
