// Package store 负责连接与建表，并提供结账依赖的 gorm 协作方实现。
package store

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"eshop_checkout/internal/model"

	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

// SQLite 不支持行锁，写事务靠库级锁串行：BEGIN IMMEDIATE 先拿写锁，拿不到时等待而不是立即 SQLITE_BUSY。
var driverParams = []struct{ key, value string }{
	{"_busy_timeout", "5000"},
	{"_txlock", "immediate"},
}

// Open 打开 SQLite 数据库。DSN 中已显式给出的驱动参数优先。
// 时间统一按 UTC 写入，保证按 created_at 的文本比较与查询参数一致。
func Open(dsn string, quiet bool) (*gorm.DB, error) {
	cfg := &gorm.Config{
		NowFunc: func() time.Time { return time.Now().UTC() },
	}
	if quiet {
		cfg.Logger = logger.Default.LogMode(logger.Silent)
	}
	db, err := gorm.Open(sqlite.Open(WithDriverParams(dsn)), cfg)
	if err != nil {
		return nil, fmt.Errorf("db open: %w", err)
	}
	return db, nil
}

// WithDriverParams 为 DSN 补齐并发写所需的驱动参数。
func WithDriverParams(dsn string) string {
	var b strings.Builder
	b.WriteString(dsn)
	sep := "?"
	if strings.Contains(dsn, "?") {
		sep = "&"
	}
	for _, p := range driverParams {
		if strings.Contains(dsn, p.key+"=") {
			continue
		}
		b.WriteString(sep)
		b.WriteString(p.key)
		b.WriteByte('=')
		b.WriteString(p.value)
		sep = "&"
	}
	return b.String()
}

// Migrate 自动建表，并初始化订单发号行。
func Migrate(db *gorm.DB) error {
	if err := db.AutoMigrate(
		&model.User{},
		&model.Address{},
		&model.ProductVariant{},
		&model.CartItem{},
		&model.Order{},
		&model.OrderItem{},
		&model.OrderAddress{},
		&model.OrderStatusHistory{},
		&model.PaymentTransaction{},
		&model.OrderSequence{},
	); err != nil {
		return fmt.Errorf("db migrate: %w", err)
	}

	var seq model.OrderSequence
	err := db.Where("name = ?", orderSequenceName).First(&seq).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return db.Create(&model.OrderSequence{Name: orderSequenceName, Value: 0}).Error
	}
	return err
}
