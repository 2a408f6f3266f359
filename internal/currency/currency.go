// Package currency 固定汇率换算：订单币种 -> 结算币种（VND）。
package currency

import "github.com/shopspring/decimal"

// DefaultRate 是 USD -> VND 的固定汇率。
var DefaultRate = decimal.RequireFromString("26355.53")

var hundred = decimal.NewFromInt(100)

// Converter 无状态，可并发使用。
type Converter struct {
	rate decimal.Decimal
}

func NewConverter(rate decimal.Decimal) *Converter {
	if !rate.IsPositive() {
		rate = DefaultRate
	}
	return &Converter{rate: rate}
}

func (c *Converter) Rate() decimal.Decimal { return c.rate }

// ToSettlement 乘以汇率后四舍五入到两位小数。
func (c *Converter) ToSettlement(amount decimal.Decimal) decimal.Decimal {
	return Round(amount.Mul(c.rate))
}

// ToMinorUnitString 放大 100 倍后直接截断，不做舍入，用于网关报文。
func (c *Converter) ToMinorUnitString(amount decimal.Decimal) string {
	return amount.Mul(hundred).Truncate(0).String()
}

// Round 两位小数 half-up；金额均非负，与 half-away-from-zero 一致。
func Round(amount decimal.Decimal) decimal.Decimal {
	return amount.Round(2)
}
