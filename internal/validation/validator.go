// Package validation 封装 go-playground/validator：按 json 字段名报错，并支持 decimal 金额。
package validation

import (
	"reflect"
	"strings"

	"eshop_checkout/internal/apperr"

	validatorv10 "github.com/go-playground/validator/v10"
	"github.com/shopspring/decimal"
)

// New 返回配置好的校验器。
func New() *validatorv10.Validate {
	v := validatorv10.New()

	// 错误里的字段名用 json tag，和请求体保持一致。
	v.RegisterTagNameFunc(func(f reflect.StructField) string {
		name := strings.SplitN(f.Tag.Get("json"), ",", 2)[0]
		if name == "-" {
			return ""
		}
		if name == "" {
			return f.Name
		}
		return name
	})

	// decimal 按数值参与 gte/lte 等比较。
	v.RegisterCustomTypeFunc(func(field reflect.Value) interface{} {
		if d, ok := field.Interface().(decimal.Decimal); ok {
			f, _ := d.Float64()
			return f
		}
		return nil
	}, decimal.Decimal{})

	return v
}

// Struct 校验结构体，失败时返回带字段明细的 validation 错误。
func Struct(v *validatorv10.Validate, out interface{}) error {
	if err := v.Struct(out); err != nil {
		e := apperr.Wrap(apperr.KindValidation, "VALIDATION_FAILED", "Request validation failed", err)
		e.Details = map[string]any{"fields": errorsToMap(err)}
		return e
	}
	return nil
}

func errorsToMap(err error) map[string]string {
	out := map[string]string{}
	if ve, ok := err.(validatorv10.ValidationErrors); ok {
		for _, fe := range ve {
			out[fieldPath(fe.Namespace())] = fe.Tag()
		}
	} else {
		out["error"] = err.Error()
	}
	return out
}

// fieldPath 去掉最外层结构体名：Request.address.city -> address.city。
func fieldPath(ns string) string {
	if i := strings.IndexByte(ns, '.'); i >= 0 {
		return ns[i+1:]
	}
	return ns
}
