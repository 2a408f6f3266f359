package checkout

import (
	"time"

	"eshop_checkout/internal/model"

	"github.com/shopspring/decimal"
)

// AddressInput 结账时内联提交的收货地址。
type AddressInput struct {
	RecipientName string `json:"recipient_name" validate:"required,max=150"`
	Phone         string `json:"phone" validate:"max=30"`
	Line1         string `json:"line1" validate:"required,max=255"`
	Line2         string `json:"line2" validate:"max=255"`
	City          string `json:"city" validate:"required,max=120"`
	StateProvince string `json:"state_province" validate:"max=120"`
	PostalCode    string `json:"postal_code" validate:"max=32"`
	CountryCode   string `json:"country_code" validate:"required,len=2"`
	Instructions  string `json:"instructions" validate:"max=500"`
}

// Request 结账请求。金额为空视为 0。
type Request struct {
	AddressID      *uint            `json:"address_id"`
	Address        *AddressInput    `json:"address" validate:"omitempty"`
	SaveAddress    bool             `json:"save_address"`
	ShippingAmount *decimal.Decimal `json:"shipping_amount"`
	DiscountAmount *decimal.Decimal `json:"discount_amount"`
	TaxAmount      *decimal.Decimal `json:"tax_amount"`
	ShippingMethod string           `json:"shipping_method" validate:"max=64"`
	Notes          string           `json:"notes" validate:"max=2048"`
}

type ItemResponse struct {
	ProductID      uint   `json:"product_id"`
	VariantID      uint   `json:"variant_id"`
	SKU            string `json:"sku"`
	Quantity       int    `json:"quantity"`
	UnitPrice      string `json:"unit_price"`
	DiscountAmount string `json:"discount_amount"`
	TotalAmount    string `json:"total_amount"`
	Currency       string `json:"currency"`
}

// Response 结账结果，金额统一输出两位小数字符串。
type Response struct {
	OrderID             string              `json:"order_id"`
	OrderNumber         string              `json:"order_number"`
	Status              model.OrderStatus   `json:"status"`
	PaymentStatus       model.PaymentStatus `json:"payment_status"`
	SubtotalAmount      string              `json:"subtotal_amount"`
	DiscountAmount      string              `json:"discount_amount"`
	ShippingAmount      string              `json:"shipping_amount"`
	TaxAmount           string              `json:"tax_amount"`
	TotalAmount         string              `json:"total_amount"`
	Currency            string              `json:"currency"`
	SettlementAmount    string              `json:"settlement_amount"`
	PaymentProvider     string              `json:"payment_provider"`
	PaymentURL          string              `json:"payment_url"`
	PaymentURLExpiresAt time.Time           `json:"payment_url_expires_at"`
	Items               []ItemResponse      `json:"items"`
}

func itemResponse(it model.OrderItem) ItemResponse {
	return ItemResponse{
		ProductID:      it.ProductID,
		VariantID:      it.VariantID,
		SKU:            it.SKU,
		Quantity:       it.Quantity,
		UnitPrice:      it.UnitPrice.StringFixed(2),
		DiscountAmount: it.DiscountAmount.StringFixed(2),
		TotalAmount:    it.LineTotal.StringFixed(2),
		Currency:       it.Currency,
	}
}
