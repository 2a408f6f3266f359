package payment

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"time"

	"eshop_checkout/internal/apperr"
	"eshop_checkout/internal/currency"
	"eshop_checkout/internal/inventory"
	"eshop_checkout/internal/metrics"
	"eshop_checkout/internal/model"
	"eshop_checkout/internal/queue"
	rediskey "eshop_checkout/pkg/redis"

	"github.com/shopspring/decimal"
	"go.opentelemetry.io/otel/attribute"
	"go.uber.org/zap"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

const successCode = "00"

// 回调处理结果，写入 payment_callbacks_total{result}。
const (
	ResultCaptured  = "captured"
	ResultFailed    = "failed"
	ResultDuplicate = "duplicate"
	ResultRejected  = "rejected"
)

// Verifier 校验回调签名。
type Verifier interface {
	VerifyCallback(payload map[string]string) error
}

// OrderLocker 跨实例串行化同一订单的回调与回收。
type OrderLocker interface {
	Lock(ctx context.Context, orderNumber string) (func(), error)
}

// CartClearer 支付成功后清空购物车。
type CartClearer interface {
	Clear(ctx context.Context, db *gorm.DB, userID uint) error
}

// CallbackResult 回调处理后的订单与流水状态。
type CallbackResult struct {
	OrderNumber       string              `json:"order_number"`
	OrderStatus       model.OrderStatus   `json:"order_status"`
	PaymentStatus     model.PaymentStatus `json:"payment_status"`
	TransactionStatus model.PaymentStatus `json:"transaction_status"`
	AlreadyProcessed  bool                `json:"already_processed"`
}

type CallbackDeps struct {
	DB        *gorm.DB
	Verifier  Verifier
	Converter *currency.Converter
	Inventory *inventory.Service
	Carts     CartClearer
	Locker    OrderLocker
	Events    queue.Sink
	Metrics   *metrics.Metrics
	Log       *zap.Logger
}

// CallbackProcessor 把网关回调幂等地应用到订单与支付流水上。
type CallbackProcessor struct {
	db     *gorm.DB
	verify Verifier
	conv   *currency.Converter
	inv    *inventory.Service
	carts  CartClearer
	locker OrderLocker
	events queue.Sink
	m      *metrics.Metrics
	log    *zap.Logger
	now    func() time.Time
}

func NewCallbackProcessor(d CallbackDeps) *CallbackProcessor {
	log := d.Log
	if log == nil {
		log = zap.NewNop()
	}
	inv := d.Inventory
	if inv == nil {
		inv = inventory.NewService(nil, log)
	}
	return &CallbackProcessor{
		db:     d.DB,
		verify: d.Verifier,
		conv:   d.Converter,
		inv:    inv,
		carts:  d.Carts,
		locker: d.Locker,
		events: d.Events,
		m:      d.Metrics,
		log:    log,
		now:    func() time.Time { return time.Now().UTC() },
	}
}

// Handle 处理一次回调。已到终态的流水直接返回 AlreadyProcessed，不做任何修改。
func (p *CallbackProcessor) Handle(ctx context.Context, payload map[string]string) (res CallbackResult, err error) {
	ref := strings.TrimSpace(payload[ParamTxnRef])
	ctx, uc := p.m.StartUseCase(ctx, p.log, "handle_callback", "HandleCallback",
		attribute.String("order_number", ref))
	defer func() {
		switch {
		case err != nil:
			p.m.CallbackResult(ResultRejected)
		case res.AlreadyProcessed:
			p.m.CallbackResult(ResultDuplicate)
		case res.TransactionStatus == model.PaymentCaptured:
			p.m.CallbackResult(ResultCaptured)
		default:
			p.m.CallbackResult(ResultFailed)
		}
		uc.End(err,
			zap.String("order_number", ref),
			zap.Bool("already_processed", res.AlreadyProcessed),
			zap.String("transaction_status", string(res.TransactionStatus)))
	}()

	if len(payload) == 0 {
		return res, apperr.CallbackInvalid("EMPTY_PAYLOAD", "VNPay payload is empty")
	}
	if p.verify != nil {
		if err := p.verify.VerifyCallback(payload); err != nil {
			return res, err
		}
	}
	if ref == "" {
		return res, apperr.CallbackInvalid("MISSING_REFERENCE", "Missing order reference in VNPay response")
	}

	if p.locker != nil {
		release, lockErr := p.locker.Lock(ctx, ref)
		switch {
		case errors.Is(lockErr, rediskey.ErrLockHeld):
			return res, apperr.OrderBusy(ref)
		case lockErr != nil:
			// 锁服务不可用时退回到行锁与幂等校验。
			uc.Logger().Warn("order lock unavailable", zap.String("order_number", ref), zap.Error(lockErr))
		default:
			defer release()
		}
	}

	success := payload[ParamResponseCode] == successCode && payload[ParamTransactionStatus] == successCode
	var (
		order   model.Order
		settled bool
	)
	err = p.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Clauses(clause.Locking{Strength: "UPDATE"}).
			Preload("Items").
			Where("order_number = ?", ref).
			First(&order).Error; err != nil {
			if errors.Is(err, gorm.ErrRecordNotFound) {
				return apperr.CallbackInvalid("ORDER_NOT_FOUND", "Order not found: "+ref)
			}
			return err
		}

		var txn model.PaymentTransaction
		if err := tx.Where("order_id = ?", order.ID).
			Order("created_at DESC").
			First(&txn).Error; err != nil {
			if errors.Is(err, gorm.ErrRecordNotFound) {
				return apperr.CallbackInvalid("TRANSACTION_NOT_FOUND", "Payment transaction not found for order: "+ref)
			}
			return err
		}

		res = CallbackResult{
			OrderNumber:       ref,
			OrderStatus:       order.Status,
			PaymentStatus:     order.PaymentStatus,
			TransactionStatus: txn.Status,
		}
		if txn.Status.Terminal() {
			res.AlreadyProcessed = true
			if success && txn.Status == model.PaymentFailed {
				uc.Logger().Warn("late success callback for settled order",
					zap.String("order_number", ref),
					zap.String("error_code", txn.ErrorCode),
					zap.String("provider_ref", payload[ParamTransactionNo]))
			}
			return nil
		}

		if err := p.checkAmount(&order, payload[ParamAmount], success); err != nil {
			return err
		}

		raw, err := json.Marshal(payload)
		if err != nil {
			return err
		}
		now := p.now()
		providerRef := strings.TrimSpace(payload[ParamTransactionNo])

		comment := "VNPay payment captured"
		if success {
			if err := order.Apply(model.TriggerPaymentCaptured, now); err != nil {
				return apperr.InvalidOrderState(string(order.Status), "captured")
			}
			if err := txn.Capture(order.TotalAmount, providerRef, string(raw)); err != nil {
				return err
			}
			if p.carts != nil {
				if err := p.carts.Clear(ctx, tx, order.UserID); err != nil {
					return err
				}
			}
		} else {
			comment = "VNPay payment failed"
			if err := order.Apply(model.TriggerPaymentFailed, now); err != nil {
				return apperr.InvalidOrderState(string(order.Status), "cancelled")
			}
			status := payload[ParamTransactionStatus]
			if err := txn.Fail(payload[ParamResponseCode], "VNPay transaction status "+status, providerRef, string(raw)); err != nil {
				return err
			}
			if err := p.inv.Release(ctx, tx, inventory.LinesFromItems(order.Items)); err != nil {
				return err
			}
		}

		if err := tx.Omit(clause.Associations).Save(&order).Error; err != nil {
			return err
		}
		if err := tx.Omit(clause.Associations).Save(&txn).Error; err != nil {
			return err
		}
		h := model.NewHistory(&order, comment, nil)
		if err := tx.Create(&h).Error; err != nil {
			return err
		}

		res.OrderStatus = order.Status
		res.PaymentStatus = order.PaymentStatus
		res.TransactionStatus = txn.Status
		settled = true
		return nil
	})
	if err != nil {
		return CallbackResult{}, err
	}
	if !settled {
		return res, nil
	}

	evtType := queue.EventPaymentCaptured
	if res.TransactionStatus == model.PaymentFailed {
		evtType = queue.EventPaymentFailed
		p.inv.Mirror(ctx, inventory.LinesFromItems(order.Items), 1)
	}
	queue.Emit(ctx, p.events, uc.Logger(), queue.NewOrderEvent(evtType, &order, p.now()))
	return res, nil
}

// checkAmount 比对回调金额（结算币种最小单位）与订单应付金额。
// 成功回调必须带金额；失败回调只在带了金额时校验。
func (p *CallbackProcessor) checkAmount(order *model.Order, raw string, required bool) error {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		if required {
			return apperr.CallbackInvalid("AMOUNT_MISSING", "VNPay amount is missing")
		}
		return nil
	}
	got, err := decimal.NewFromString(raw)
	if err != nil {
		return apperr.CallbackInvalid("AMOUNT_INVALID", "VNPay amount is invalid")
	}
	want := decimal.RequireFromString(p.conv.ToMinorUnitString(p.conv.ToSettlement(order.TotalAmount)))
	if !got.Equal(want) {
		e := apperr.CallbackInvalid("AMOUNT_MISMATCH", "VNPay amount does not match order total")
		e.Details = map[string]any{"expected": want.String(), "received": got.String()}
		return e
	}
	return nil
}
