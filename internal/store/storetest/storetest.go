// Package storetest 为各包测试准备内存 SQLite 与基础数据。
package storetest

import (
	"path/filepath"
	"testing"

	"eshop_checkout/internal/model"
	"eshop_checkout/internal/store"

	"github.com/shopspring/decimal"
	"gorm.io/gorm"
)

// New 返回已建表的内存库。单连接保证同一个内存库，并让并发事务排队执行。
func New(t testing.TB) *gorm.DB {
	t.Helper()
	db, err := store.Open(":memory:", true)
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	sqlDB, err := db.DB()
	if err != nil {
		t.Fatalf("sql db: %v", err)
	}
	sqlDB.SetMaxOpenConns(1)
	t.Cleanup(func() { _ = sqlDB.Close() })

	if err := store.Migrate(db); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	return db
}

// NewFile 返回临时目录下的文件库，连接池保持与服务端一致的默认配置。
func NewFile(t testing.TB) *gorm.DB {
	t.Helper()
	db, err := store.Open(filepath.Join(t.TempDir(), "eshop.db"), true)
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	sqlDB, err := db.DB()
	if err != nil {
		t.Fatalf("sql db: %v", err)
	}
	t.Cleanup(func() { _ = sqlDB.Close() })

	if err := store.Migrate(db); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	return db
}

func SeedUser(t testing.TB, db *gorm.DB, email string) model.User {
	t.Helper()
	u := model.User{Email: email, FullName: "Test User"}
	if err := db.Create(&u).Error; err != nil {
		t.Fatalf("seed user: %v", err)
	}
	return u
}

func SeedVariant(t testing.TB, db *gorm.DB, sku, price string, stock int64) model.ProductVariant {
	t.Helper()
	v := model.ProductVariant{
		ProductID: 1,
		SKU:       sku,
		Name:      "Variant " + sku,
		Price:     decimal.RequireFromString(price),
		Currency:  "USD",
		Stock:     stock,
		Active:    true,
	}
	if err := db.Create(&v).Error; err != nil {
		t.Fatalf("seed variant: %v", err)
	}
	return v
}

func SeedCart(t testing.TB, db *gorm.DB, userID, variantID uint, qty int) {
	t.Helper()
	item := model.CartItem{UserID: userID, VariantID: variantID, Quantity: qty}
	if err := db.Create(&item).Error; err != nil {
		t.Fatalf("seed cart: %v", err)
	}
}

func SeedAddress(t testing.TB, db *gorm.DB, userID uint) model.Address {
	t.Helper()
	a := model.Address{
		UserID:        userID,
		RecipientName: "Nguyen Van A",
		Phone:         "+84900000000",
		Line1:         "1 Le Loi",
		City:          "Ho Chi Minh City",
		CountryCode:   "VN",
	}
	if err := db.Create(&a).Error; err != nil {
		t.Fatalf("seed address: %v", err)
	}
	return a
}

// Stock 读取规格当前 DB 库存。
func Stock(t testing.TB, db *gorm.DB, variantID uint) int64 {
	t.Helper()
	var v model.ProductVariant
	if err := db.First(&v, variantID).Error; err != nil {
		t.Fatalf("load variant: %v", err)
	}
	return v.Stock
}

func Count(t testing.TB, db *gorm.DB, m any) int64 {
	t.Helper()
	var n int64
	if err := db.Model(m).Count(&n).Error; err != nil {
		t.Fatalf("count: %v", err)
	}
	return n
}
