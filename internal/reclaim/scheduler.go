// Package reclaim 定时取消超时未支付的订单并归还库存。
package reclaim

import (
	"context"
	"errors"
	"fmt"
	"time"

	"eshop_checkout/internal/config"
	"eshop_checkout/internal/inventory"
	"eshop_checkout/internal/metrics"
	"eshop_checkout/internal/model"
	"eshop_checkout/internal/queue"
	rediskey "eshop_checkout/pkg/redis"

	"go.opentelemetry.io/otel/attribute"
	"go.uber.org/zap"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// ExpiredCode 写入被回收订单的待支付流水，之后到达的回调会命中幂等分支。
const ExpiredCode = "EXPIRED"

type OrderLocker interface {
	Lock(ctx context.Context, orderNumber string) (func(), error)
}

type Deps struct {
	DB        *gorm.DB
	Inventory *inventory.Service
	Locker    OrderLocker
	Events    queue.Sink
	Metrics   *metrics.Metrics
	Log       *zap.Logger
	Config    config.ReclaimConfig
}

// Scheduler 两次运行之间不持有任何状态。
type Scheduler struct {
	db       *gorm.DB
	inv      *inventory.Service
	locker   OrderLocker
	events   queue.Sink
	m        *metrics.Metrics
	log      *zap.Logger
	interval time.Duration
	timeout  time.Duration
	batch    int
	now      func() time.Time
}

func NewScheduler(d Deps) *Scheduler {
	s := &Scheduler{
		db:       d.DB,
		inv:      d.Inventory,
		locker:   d.Locker,
		events:   d.Events,
		m:        d.Metrics,
		log:      d.Log,
		interval: d.Config.Interval,
		timeout:  d.Config.Timeout,
		batch:    d.Config.BatchSize,
		now:      func() time.Time { return time.Now().UTC() },
	}
	if s.log == nil {
		s.log = zap.NewNop()
	}
	if s.inv == nil {
		s.inv = inventory.NewService(nil, s.log)
	}
	if s.interval <= 0 {
		s.interval = 5 * time.Minute
	}
	if s.timeout <= 0 {
		s.timeout = 30 * time.Minute
	}
	if s.batch <= 0 {
		s.batch = 100
	}
	return s
}

// Run 启动后先扫一次，之后按固定间隔执行，直到 ctx 取消。
func (s *Scheduler) Run(ctx context.Context) {
	s.log.Info("reclaim scheduler started",
		zap.Duration("interval", s.interval),
		zap.Duration("timeout", s.timeout))

	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()
	for {
		if _, err := s.SweepOnce(ctx); err != nil && ctx.Err() == nil {
			s.log.Error("reclaim sweep finished with errors", zap.Error(err))
		}
		select {
		case <-ctx.Done():
			s.log.Info("reclaim scheduler stopped")
			return
		case <-ticker.C:
		}
	}
}

type candidate struct {
	ID          string
	OrderNumber string
}

// SweepOnce 回收一批超时订单，返回成功回收的数量。
// 单个订单失败只记录，不影响同批其他订单；所有失败合并后返回。
func (s *Scheduler) SweepOnce(ctx context.Context) (n int, err error) {
	ctx, uc := s.m.StartUseCase(ctx, s.log, "reclaim_sweep", "ReclaimSweep")
	defer func() {
		uc.End(err, zap.Int("reclaimed", n))
	}()

	cutoff := s.now().Add(-s.timeout)
	var cands []candidate
	if err := s.db.WithContext(ctx).Model(&model.Order{}).
		Select("id", "order_number").
		Where("status = ? AND payment_status = ? AND placed_at < ?",
			model.OrderAwaitingPayment, model.PaymentPending, cutoff).
		Order("placed_at").
		Limit(s.batch).
		Scan(&cands).Error; err != nil {
		return 0, err
	}
	uc.SetAttributes(attribute.Int("candidates", len(cands)))
	if len(cands) == 0 {
		return 0, nil
	}

	var failures []error
	for _, c := range cands {
		if ctx.Err() != nil {
			failures = append(failures, ctx.Err())
			break
		}
		ok, err := s.reclaimOne(ctx, uc.Logger(), c, cutoff)
		if err != nil {
			uc.Logger().Error("reclaim order failed", zap.String("order_number", c.OrderNumber), zap.Error(err))
			failures = append(failures, fmt.Errorf("%s: %w", c.OrderNumber, err))
			continue
		}
		if ok {
			n++
		}
	}
	s.m.OrdersReclaimed(n)
	return n, errors.Join(failures...)
}

// reclaimOne 在独立事务里重新读取订单并复核条件，期间回调已推进的订单直接跳过。
func (s *Scheduler) reclaimOne(ctx context.Context, log *zap.Logger, c candidate, cutoff time.Time) (bool, error) {
	if s.locker != nil {
		release, err := s.locker.Lock(ctx, c.OrderNumber)
		switch {
		case errors.Is(err, rediskey.ErrLockHeld):
			log.Info("order busy, skip reclaim", zap.String("order_number", c.OrderNumber))
			return false, nil
		case err != nil:
			log.Warn("order lock unavailable", zap.String("order_number", c.OrderNumber), zap.Error(err))
		default:
			defer release()
		}
	}

	var (
		order   model.Order
		changed bool
	)
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Clauses(clause.Locking{Strength: "UPDATE"}).
			Preload("Items").
			First(&order, "id = ?", c.ID).Error; err != nil {
			return err
		}
		if order.Status != model.OrderAwaitingPayment || order.PaymentStatus != model.PaymentPending ||
			!order.PlacedAt.Before(cutoff) {
			return nil
		}

		now := s.now()
		if err := order.Apply(model.TriggerReclaimed, now); err != nil {
			return err
		}
		if err := s.inv.Release(ctx, tx, inventory.LinesFromItems(order.Items)); err != nil {
			return err
		}
		if err := tx.Model(&model.PaymentTransaction{}).
			Where("order_id = ? AND status = ?", order.ID, model.PaymentPending).
			Updates(map[string]any{
				"status":        model.PaymentFailed,
				"error_code":    ExpiredCode,
				"error_message": "Payment window expired",
			}).Error; err != nil {
			return err
		}
		if err := tx.Omit(clause.Associations).Save(&order).Error; err != nil {
			return err
		}
		h := model.NewHistory(&order, "Order cancelled due to payment timeout", nil)
		if err := tx.Create(&h).Error; err != nil {
			return err
		}
		changed = true
		return nil
	})
	if err != nil || !changed {
		return false, err
	}

	s.inv.Mirror(ctx, inventory.LinesFromItems(order.Items), 1)
	queue.Emit(ctx, s.events, log, queue.NewOrderEvent(queue.EventOrderReclaimed, &order, s.now()))
	return true, nil
}
