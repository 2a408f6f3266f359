package store

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"eshop_checkout/internal/model"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

const orderSequenceName = "order"

// ErrNotFound 协作方查询不到记录。
var ErrNotFound = errors.New("store: record not found")

func notFound(err error) error {
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return ErrNotFound
	}
	return err
}

// Users 用户身份解析。
type Users struct{ db *gorm.DB }

func NewUsers(db *gorm.DB) *Users { return &Users{db: db} }

// FindByEmail 忽略大小写匹配邮箱。
func (u *Users) FindByEmail(ctx context.Context, email string) (model.User, error) {
	var user model.User
	err := u.db.WithContext(ctx).
		Where("LOWER(email) = ?", strings.ToLower(strings.TrimSpace(email))).
		First(&user).Error
	return user, notFound(err)
}

// Addresses 地址簿。方法接收调用方的事务句柄。
type Addresses struct{}

// Find 只返回属于该用户的地址。
func (Addresses) Find(ctx context.Context, db *gorm.DB, userID, addressID uint) (model.Address, error) {
	var addr model.Address
	err := db.WithContext(ctx).Where("id = ? AND user_id = ?", addressID, userID).First(&addr).Error
	return addr, notFound(err)
}

func (Addresses) Save(ctx context.Context, db *gorm.DB, addr *model.Address) error {
	return db.WithContext(ctx).Create(addr).Error
}

// Carts 购物车存储。
type Carts struct{}

// Items 按加入顺序返回购物车行。
func (Carts) Items(ctx context.Context, db *gorm.DB, userID uint) ([]model.CartItem, error) {
	var items []model.CartItem
	err := db.WithContext(ctx).Where("user_id = ?", userID).Order("id").Find(&items).Error
	return items, err
}

// Upsert 设置某规格的数量，quantity<=0 时移除该行。
func (Carts) Upsert(ctx context.Context, db *gorm.DB, userID, variantID uint, quantity int) error {
	db = db.WithContext(ctx)
	if quantity <= 0 {
		return db.Where("user_id = ? AND variant_id = ?", userID, variantID).Delete(&model.CartItem{}).Error
	}
	item := model.CartItem{UserID: userID, VariantID: variantID, Quantity: quantity}
	return db.Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "user_id"}, {Name: "variant_id"}},
		DoUpdates: clause.AssignmentColumns([]string{"quantity", "updated_at"}),
	}).Create(&item).Error
}

func (Carts) Clear(ctx context.Context, db *gorm.DB, userID uint) error {
	return db.WithContext(ctx).Where("user_id = ?", userID).Delete(&model.CartItem{}).Error
}

// Variants 规格价格与库存读取。库存扣减走 inventory 包。
type Variants struct{}

func (Variants) Find(ctx context.Context, db *gorm.DB, ids []uint) (map[uint]model.ProductVariant, error) {
	var list []model.ProductVariant
	if err := db.WithContext(ctx).Where("id IN ?", ids).Find(&list).Error; err != nil {
		return nil, err
	}
	out := make(map[uint]model.ProductVariant, len(list))
	for _, v := range list {
		out[v.ID] = v
	}
	return out, nil
}

func (Variants) Get(ctx context.Context, db *gorm.DB, id uint) (model.ProductVariant, error) {
	var v model.ProductVariant
	err := db.WithContext(ctx).First(&v, id).Error
	return v, notFound(err)
}

func (Variants) Create(ctx context.Context, db *gorm.DB, v *model.ProductVariant) error {
	return db.WithContext(ctx).Create(v).Error
}

// Sequences 订单号发号器。
type Sequences struct{}

// NextOrderNumber 在调用方事务内自增并返回 ORD-%08d。
// UPDATE 会持有该行写锁，直到事务结束，因此并发结账拿到的号码互不相同。
func (Sequences) NextOrderNumber(ctx context.Context, tx *gorm.DB) (string, error) {
	tx = tx.WithContext(ctx)
	res := tx.Model(&model.OrderSequence{}).
		Where("name = ?", orderSequenceName).
		Update("value", gorm.Expr("value + 1"))
	if res.Error != nil {
		return "", res.Error
	}
	if res.RowsAffected == 0 {
		if err := tx.Create(&model.OrderSequence{Name: orderSequenceName, Value: 1}).Error; err != nil {
			return "", err
		}
	}
	var seq model.OrderSequence
	if err := tx.Where("name = ?", orderSequenceName).First(&seq).Error; err != nil {
		return "", err
	}
	return fmt.Sprintf("ORD-%08d", seq.Value), nil
}
