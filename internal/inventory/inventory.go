// Package inventory 负责规格库存的预占与释放。所有扣减都在调用方事务内完成。
package inventory

import (
	"context"
	"errors"

	"eshop_checkout/internal/apperr"
	"eshop_checkout/internal/model"

	"go.uber.org/zap"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// Line 一条库存变动。
type Line struct {
	VariantID uint
	Quantity  int
}

// StockMirror 提交后同步库存展示缓存，失败不影响主流程。
type StockMirror interface {
	Adjust(ctx context.Context, variantID uint, delta int64) error
}

type Service struct {
	mirror StockMirror
	log    *zap.Logger
}

func NewService(mirror StockMirror, log *zap.Logger) *Service {
	if log == nil {
		log = zap.NewNop()
	}
	return &Service{mirror: mirror, log: log}
}

// Reserve 逐行扣减库存，任何一行失败由调用方回滚整个事务。
// 扣减是带条件的原子 UPDATE（stock >= q），并发预占同一规格时由行锁串行化，不会超卖。
func (s *Service) Reserve(ctx context.Context, tx *gorm.DB, lines []Line) error {
	tx = tx.WithContext(ctx)
	for _, l := range lines {
		if l.Quantity <= 0 {
			return apperr.Validation("INVALID_QUANTITY", "Quantity must be greater than zero")
		}
		qty := int64(l.Quantity)

		// PG/MySQL 上先取行锁；SQLite 忽略 FOR UPDATE，靠库级写锁保证串行。
		variant, err := lockVariant(tx, l.VariantID)
		if err != nil {
			return err
		}
		if variant.Stock < qty {
			return apperr.InsufficientInventory(l.VariantID, qty, variant.Stock)
		}

		res := tx.Model(&model.ProductVariant{}).
			Where("id = ? AND stock >= ?", l.VariantID, qty).
			Update("stock", gorm.Expr("stock - ?", qty))
		if res.Error != nil {
			return res.Error
		}
		if res.RowsAffected == 0 {
			current, err := lockVariant(tx, l.VariantID)
			if err != nil {
				return err
			}
			return apperr.InsufficientInventory(l.VariantID, qty, current.Stock)
		}
	}
	return nil
}

// Release 归还库存；数量 <= 0 的行直接跳过，不做反向扣减。
func (s *Service) Release(ctx context.Context, tx *gorm.DB, lines []Line) error {
	tx = tx.WithContext(ctx)
	for _, l := range lines {
		if l.Quantity <= 0 {
			continue
		}
		// Unscoped：规格下架后，超时订单仍需归还库存。
		res := tx.Unscoped().Model(&model.ProductVariant{}).
			Where("id = ?", l.VariantID).
			Update("stock", gorm.Expr("stock + ?", int64(l.Quantity)))
		if res.Error != nil {
			return res.Error
		}
		if res.RowsAffected == 0 {
			return apperr.VariantNotFound(l.VariantID)
		}
	}
	return nil
}

// Mirror 在事务提交后把库存变化同步到缓存。sign=-1 表示预占，+1 表示释放。
func (s *Service) Mirror(ctx context.Context, lines []Line, sign int64) {
	if s.mirror == nil {
		return
	}
	for _, l := range lines {
		if l.Quantity <= 0 {
			continue
		}
		if err := s.mirror.Adjust(ctx, l.VariantID, sign*int64(l.Quantity)); err != nil {
			s.log.Warn("stock cache adjust failed",
				zap.Uint("variant_id", l.VariantID),
				zap.Int64("delta", sign*int64(l.Quantity)),
				zap.Error(err))
		}
	}
}

// LinesFromItems 由订单行构造库存变动。
func LinesFromItems(items []model.OrderItem) []Line {
	out := make([]Line, 0, len(items))
	for _, it := range items {
		out = append(out, Line{VariantID: it.VariantID, Quantity: it.Quantity})
	}
	return out
}

func lockVariant(tx *gorm.DB, id uint) (model.ProductVariant, error) {
	var v model.ProductVariant
	err := tx.Clauses(clause.Locking{Strength: "UPDATE"}).First(&v, id).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return v, apperr.VariantNotFound(id)
	}
	return v, err
}
