package model

import (
	"errors"
	"fmt"
	"strings"
)

// ErrInvalidTransition 表示触发器在当前状态下不允许。
var ErrInvalidTransition = errors.New("order: invalid state transition")

// Trigger 驱动 (orderStatus, paymentStatus) 状态对迁移的事件。
type Trigger string

const (
	TriggerCheckoutCreated      Trigger = "checkout_created"
	TriggerPaymentCaptured      Trigger = "payment_captured"
	TriggerPaymentFailed        Trigger = "payment_failed"
	TriggerFulfillmentConfirmed Trigger = "fulfillment_confirmed"
	TriggerReclaimed            Trigger = "reclaimed"
)

// State 是订单的组合状态。
type State struct {
	Order   OrderStatus
	Payment PaymentStatus
}

func (s State) String() string {
	return fmt.Sprintf("(%s, %s)", s.Order, s.Payment)
}

type transition struct {
	fromOrder   []OrderStatus // nil 表示任意
	fromPayment []PaymentStatus
	to          State
}

// transitions 是唯一的状态迁移表，所有状态变更都经过 Next。
var transitions = map[Trigger]transition{
	TriggerCheckoutCreated: {
		fromOrder:   []OrderStatus{""},
		fromPayment: []PaymentStatus{""},
		to:          State{OrderAwaitingPayment, PaymentPending},
	},
	TriggerPaymentCaptured: {
		fromOrder:   []OrderStatus{OrderAwaitingPayment, OrderPending},
		fromPayment: []PaymentStatus{PaymentPending},
		to:          State{OrderProcessing, PaymentCaptured},
	},
	TriggerPaymentFailed: {
		fromPayment: []PaymentStatus{PaymentPending},
		to:          State{OrderCancelled, PaymentFailed},
	},
	TriggerFulfillmentConfirmed: {
		fromOrder:   []OrderStatus{OrderProcessing, OrderAwaitingPayment},
		fromPayment: []PaymentStatus{PaymentCaptured},
		to:          State{OrderFulfilled, PaymentCaptured},
	},
	TriggerReclaimed: {
		fromOrder:   []OrderStatus{OrderAwaitingPayment},
		fromPayment: []PaymentStatus{PaymentPending},
		to:          State{OrderCancelled, PaymentFailed},
	},
}

// Next 返回触发器作用于 from 之后的状态。
func Next(trigger Trigger, from State) (State, error) {
	t, ok := transitions[trigger]
	if !ok {
		return from, fmt.Errorf("%w: unknown trigger %q", ErrInvalidTransition, trigger)
	}
	if t.fromOrder != nil && !contains(t.fromOrder, from.Order) {
		return from, fmt.Errorf("%w: %s from %s", ErrInvalidTransition, trigger, from)
	}
	if t.fromPayment != nil && !contains(t.fromPayment, from.Payment) {
		return from, fmt.Errorf("%w: %s from %s", ErrInvalidTransition, trigger, from)
	}
	return t.to, nil
}

// CanApply 只做判断，不返回目标状态。
func CanApply(trigger Trigger, from State) bool {
	_, err := Next(trigger, from)
	return err == nil
}

func contains[T comparable](set []T, v T) bool {
	for _, s := range set {
		if s == v {
			return true
		}
	}
	return false
}

func upper(s string) string {
	return strings.ToUpper(strings.TrimSpace(s))
}
