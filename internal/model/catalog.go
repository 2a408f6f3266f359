package model

import (
	"time"

	"github.com/shopspring/decimal"
	"gorm.io/gorm"
)

// 以下是结账依赖的外部协作方数据：用户、地址簿、商品规格与购物车。

type User struct {
	ID        uint      `gorm:"primarykey" json:"id"`
	CreatedAt time.Time `json:"created_at"`
	Email     string    `gorm:"size:255;uniqueIndex;not null" json:"email"`
	FullName  string    `gorm:"size:128" json:"full_name"`
}

func (User) TableName() string { return "users" }

// Address 用户地址簿条目，可被修改或删除。
type Address struct {
	ID        uint           `gorm:"primarykey" json:"id"`
	CreatedAt time.Time      `json:"created_at"`
	UpdatedAt time.Time      `json:"updated_at"`
	DeletedAt gorm.DeletedAt `gorm:"index" json:"-"`

	UserID        uint   `gorm:"not null;index" json:"user_id"`
	RecipientName string `gorm:"size:128;not null" json:"recipient_name"`
	Phone         string `gorm:"size:32" json:"phone"`
	Line1         string `gorm:"size:255;not null" json:"line1"`
	Line2         string `gorm:"size:255" json:"line2"`
	City          string `gorm:"size:128;not null" json:"city"`
	StateProvince string `gorm:"size:128" json:"state_province"`
	PostalCode    string `gorm:"size:32" json:"postal_code"`
	CountryCode   string `gorm:"size:2;not null" json:"country_code"`
	Instructions  string `gorm:"size:512" json:"instructions"`
}

func (Address) TableName() string { return "addresses" }

// ProductVariant 商品规格：价格与库存。Stock 以 DB 为准，Redis 只做展示缓存。
type ProductVariant struct {
	ID        uint           `gorm:"primarykey" json:"id"`
	CreatedAt time.Time      `json:"created_at"`
	UpdatedAt time.Time      `json:"updated_at"`
	DeletedAt gorm.DeletedAt `gorm:"index" json:"-"`

	ProductID uint            `gorm:"not null;index" json:"product_id"`
	SKU       string          `gorm:"size:64;uniqueIndex;not null" json:"sku"`
	Name      string          `gorm:"size:128;not null" json:"name"`
	Price     decimal.Decimal `gorm:"type:numeric(14,2);not null" json:"price"`
	Currency  string          `gorm:"size:3" json:"currency"`
	Stock     int64           `gorm:"not null;default:0" json:"stock"`
	Active    bool            `gorm:"not null;default:true" json:"active"`
}

func (ProductVariant) TableName() string { return "product_variants" }

type CartItem struct {
	ID        uint      `gorm:"primarykey" json:"id"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`

	UserID    uint `gorm:"not null;uniqueIndex:idx_cart_user_variant" json:"user_id"`
	VariantID uint `gorm:"not null;uniqueIndex:idx_cart_user_variant" json:"variant_id"`
	Quantity  int  `gorm:"not null" json:"quantity"`
}

func (CartItem) TableName() string { return "cart_items" }

// OrderSequence 发号表，保证订单号单调递增。
type OrderSequence struct {
	Name  string `gorm:"size:32;primaryKey"`
	Value int64  `gorm:"not null"`
}

func (OrderSequence) TableName() string { return "order_sequences" }
