package payment

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"time"

	"eshop_checkout/internal/apperr"
	"eshop_checkout/internal/model"

	"github.com/google/uuid"
	"gorm.io/gorm"
)

const (
	defaultPageSize = 20
	maxPageSize     = 100
)

// TransactionQuery 管理端流水筛选条件，零值表示不过滤。Page 从 0 开始。
type TransactionQuery struct {
	Status        model.PaymentStatus
	Method        model.PaymentMethod
	Provider      string
	OrderNumber   string
	CreatedAfter  *time.Time
	CreatedBefore *time.Time
	Page          int
	Size          int
}

// Page 分页结果。
type Page[T any] struct {
	Content       []T   `json:"content"`
	TotalElements int64 `json:"total_elements"`
	TotalPages    int   `json:"total_pages"`
	Page          int   `json:"page"`
	Size          int   `json:"size"`
	HasNext       bool  `json:"has_next"`
	HasPrevious   bool  `json:"has_previous"`
}

// TransactionView 管理端展示的流水。
type TransactionView struct {
	ID                    string              `json:"id"`
	OrderID               string              `json:"order_id"`
	OrderNumber           string              `json:"order_number"`
	Provider              string              `json:"provider"`
	ProviderTransactionID *string             `json:"provider_transaction_id"`
	IdempotencyKey        string              `json:"idempotency_key"`
	Amount                string              `json:"amount"`
	Currency              string              `json:"currency"`
	Status                model.PaymentStatus `json:"status"`
	Method                model.PaymentMethod `json:"method"`
	CapturedAmount        *string             `json:"captured_amount"`
	RawResponse           json.RawMessage     `json:"raw_response,omitempty"`
	ErrorCode             string              `json:"error_code,omitempty"`
	ErrorMessage          string              `json:"error_message,omitempty"`
	CreatedAt             time.Time           `json:"created_at"`
	UpdatedAt             time.Time           `json:"updated_at"`
}

// Admin 只读的流水查询。
type Admin struct {
	db *gorm.DB
}

func NewAdmin(db *gorm.DB) *Admin { return &Admin{db: db} }

func (a *Admin) List(ctx context.Context, q TransactionQuery) (Page[TransactionView], error) {
	size := q.Size
	if size <= 0 {
		size = defaultPageSize
	}
	if size > maxPageSize {
		size = maxPageSize
	}
	page := q.Page
	if page < 0 {
		page = 0
	}

	db := a.db.WithContext(ctx)
	scope := db.Model(&model.PaymentTransaction{})
	if q.Status != "" {
		scope = scope.Where("status = ?", q.Status)
	}
	if q.Method != "" {
		scope = scope.Where("method = ?", q.Method)
	}
	if p := strings.TrimSpace(q.Provider); p != "" {
		scope = scope.Where("LOWER(provider) LIKE ?", "%"+strings.ToLower(p)+"%")
	}
	if n := strings.TrimSpace(q.OrderNumber); n != "" {
		scope = scope.Where("order_id IN (?)", db.Model(&model.Order{}).Select("id").Where("order_number = ?", n))
	}
	if q.CreatedAfter != nil {
		scope = scope.Where("created_at >= ?", q.CreatedAfter.UTC())
	}
	if q.CreatedBefore != nil {
		scope = scope.Where("created_at <= ?", q.CreatedBefore.UTC())
	}

	var total int64
	if err := scope.Session(&gorm.Session{}).Count(&total).Error; err != nil {
		return Page[TransactionView]{}, err
	}

	var list []model.PaymentTransaction
	if err := scope.Session(&gorm.Session{}).
		Preload("Order").
		Order("created_at DESC").
		Offset(page * size).
		Limit(size).
		Find(&list).Error; err != nil {
		return Page[TransactionView]{}, err
	}

	totalPages := int((total + int64(size) - 1) / int64(size))
	return Page[TransactionView]{
		Content:       toViews(list),
		TotalElements: total,
		TotalPages:    totalPages,
		Page:          page,
		Size:          size,
		HasNext:       page+1 < totalPages,
		HasPrevious:   page > 0,
	}, nil
}

// ListForOrder 按创建时间倒序返回订单的全部流水；订单不存在时返回空列表。
func (a *Admin) ListForOrder(ctx context.Context, orderNumber string) ([]TransactionView, error) {
	db := a.db.WithContext(ctx)
	var list []model.PaymentTransaction
	err := db.Preload("Order").
		Where("order_id IN (?)", db.Model(&model.Order{}).Select("id").Where("order_number = ?", strings.TrimSpace(orderNumber))).
		Order("created_at DESC").
		Find(&list).Error
	if err != nil {
		return nil, err
	}
	return toViews(list), nil
}

func (a *Admin) Get(ctx context.Context, id string) (TransactionView, error) {
	if _, err := uuid.Parse(id); err != nil {
		return TransactionView{}, apperr.Validation("INVALID_TRANSACTION_ID", "Transaction id must be a UUID")
	}
	var txn model.PaymentTransaction
	err := a.db.WithContext(ctx).Preload("Order").Where("id = ?", id).First(&txn).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return TransactionView{}, apperr.TransactionNotFound(id)
	}
	if err != nil {
		return TransactionView{}, err
	}
	return toView(txn), nil
}

func toViews(list []model.PaymentTransaction) []TransactionView {
	out := make([]TransactionView, 0, len(list))
	for _, t := range list {
		out = append(out, toView(t))
	}
	return out
}

func toView(t model.PaymentTransaction) TransactionView {
	v := TransactionView{
		ID:                    t.ID,
		OrderID:               t.OrderID,
		Provider:              t.Provider,
		ProviderTransactionID: t.ProviderTransactionID,
		IdempotencyKey:        t.IdempotencyKey,
		Amount:                t.Amount.StringFixed(2),
		Currency:              t.Currency,
		Status:                t.Status,
		Method:                t.Method,
		ErrorCode:             t.ErrorCode,
		ErrorMessage:          t.ErrorMessage,
		CreatedAt:             t.CreatedAt,
		UpdatedAt:             t.UpdatedAt,
	}
	if t.Order != nil {
		v.OrderNumber = t.Order.OrderNumber
	}
	if t.CapturedAmount.Valid {
		s := t.CapturedAmount.Decimal.StringFixed(2)
		v.CapturedAmount = &s
	}
	if t.RawResponse != "" && json.Valid([]byte(t.RawResponse)) {
		v.RawResponse = json.RawMessage(t.RawResponse)
	}
	return v
}
