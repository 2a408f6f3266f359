package model

// OrderStatus 订单履约状态，落库为字符串。
type OrderStatus string

const (
	OrderPending         OrderStatus = "PENDING"
	OrderAwaitingPayment OrderStatus = "AWAITING_PAYMENT"
	OrderProcessing      OrderStatus = "PROCESSING"
	OrderFulfilled       OrderStatus = "FULFILLED"
	OrderCancelled       OrderStatus = "CANCELLED"
)

// PaymentStatus 同时用于订单的支付状态和支付流水状态。
type PaymentStatus string

const (
	PaymentPending    PaymentStatus = "PENDING"
	PaymentAuthorized PaymentStatus = "AUTHORIZED"
	PaymentCaptured   PaymentStatus = "CAPTURED"
	PaymentFailed     PaymentStatus = "FAILED"
	PaymentVoided     PaymentStatus = "VOIDED"
)

// Terminal 表示流水已终结，后续回调只做幂等返回。
func (s PaymentStatus) Terminal() bool {
	return s == PaymentCaptured || s == PaymentFailed
}

type PaymentMethod string

const (
	MethodCard           PaymentMethod = "CARD"
	MethodCashOnDelivery PaymentMethod = "CASH_ON_DELIVERY"
	MethodBankTransfer   PaymentMethod = "BANK_TRANSFER"
	MethodWallet         PaymentMethod = "WALLET"
	MethodManual         PaymentMethod = "MANUAL"
	MethodUnknown        PaymentMethod = "UNKNOWN"
)

type AddressType string

const (
	AddressShipping AddressType = "SHIPPING"
	AddressBilling  AddressType = "BILLING"
)

// ParsePaymentStatus 用于管理端查询参数，大小写不敏感。
func ParsePaymentStatus(s string) (PaymentStatus, bool) {
	switch v := PaymentStatus(upper(s)); v {
	case PaymentPending, PaymentAuthorized, PaymentCaptured, PaymentFailed, PaymentVoided:
		return v, true
	}
	return "", false
}

func ParsePaymentMethod(s string) (PaymentMethod, bool) {
	switch v := PaymentMethod(upper(s)); v {
	case MethodCard, MethodCashOnDelivery, MethodBankTransfer, MethodWallet, MethodManual, MethodUnknown:
		return v, true
	}
	return "", false
}
