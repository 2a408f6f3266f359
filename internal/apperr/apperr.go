// Package apperr 定义业务错误分类，接入层按 Kind 映射为传输层状态码。
package apperr

import (
	"errors"
	"fmt"
)

type Kind string

const (
	KindValidation Kind = "validation"
	KindInventory  Kind = "inventory"
	KindConflict   Kind = "state_conflict"
	KindGateway    Kind = "gateway"
	KindCallback   Kind = "callback_validation"
	KindNotFound   Kind = "not_found"
	KindBusy       Kind = "busy"
	KindInternal   Kind = "internal"
)

// Error 携带可机器判断的 Kind/Code 与可读信息。
type Error struct {
	Kind    Kind
	Code    string
	Message string
	Details map[string]any
	Err     error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Code, e.Message, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

func (e *Error) Unwrap() error { return e.Err }

// Is 让 errors.Is 可以按 Code 匹配：errors.Is(err, apperr.CartEmpty())。
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	return t.Code == e.Code
}

func New(kind Kind, code, msg string) *Error {
	return &Error{Kind: kind, Code: code, Message: msg}
}

func Wrap(kind Kind, code, msg string, err error) *Error {
	return &Error{Kind: kind, Code: code, Message: msg, Err: err}
}

// KindOf 返回错误链上第一个业务错误的分类，未分类错误视为 internal。
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return KindInternal
}

// As 是 errors.As 的简写。
func As(err error) (*Error, bool) {
	var e *Error
	if errors.As(err, &e) {
		return e, true
	}
	return nil, false
}

func Validation(code, msg string) *Error {
	return New(KindValidation, code, msg)
}

func CallbackInvalid(code, msg string) *Error {
	return New(KindCallback, code, msg)
}

func CartEmpty() *Error {
	return Validation("CART_EMPTY", "Cart is empty")
}

func InsufficientInventory(variantID uint, requested, available int64) *Error {
	e := New(KindInventory, "INSUFFICIENT_INVENTORY",
		fmt.Sprintf("Insufficient inventory for variant %d: requested %d, available %d", variantID, requested, available))
	e.Details = map[string]any{
		"variant_id": variantID,
		"requested":  requested,
		"available":  available,
	}
	return e
}

func InvalidOrderState(status, action string) *Error {
	e := New(KindConflict, "INVALID_ORDER_STATE",
		fmt.Sprintf("Order in status %s cannot be %s", status, action))
	e.Details = map[string]any{"status": status}
	return e
}

func PaymentInitialization(msg string, err error) *Error {
	return Wrap(KindGateway, "PAYMENT_INITIALIZATION_FAILED", msg, err)
}

func OrderNotFound(ref string) *Error {
	e := New(KindNotFound, "ORDER_NOT_FOUND", "Order not found")
	e.Details = map[string]any{"order": ref}
	return e
}

func AddressNotFound(id uint) *Error {
	e := New(KindNotFound, "ADDRESS_NOT_FOUND", "Address not found")
	e.Details = map[string]any{"address_id": id}
	return e
}

func VariantNotFound(id uint) *Error {
	e := New(KindNotFound, "VARIANT_NOT_FOUND", "Product variant not found")
	e.Details = map[string]any{"variant_id": id}
	return e
}

func TransactionNotFound(ref string) *Error {
	e := New(KindNotFound, "TRANSACTION_NOT_FOUND", "Payment transaction not found")
	e.Details = map[string]any{"transaction": ref}
	return e
}

func OrderBusy(orderNumber string) *Error {
	e := New(KindBusy, "ORDER_BUSY", "Order is being processed, retry later")
	e.Details = map[string]any{"order_number": orderNumber}
	return e
}
