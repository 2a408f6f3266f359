package validation

import (
	"eshop_checkout/internal/apperr"

	"github.com/gin-gonic/gin"
	validatorv10 "github.com/go-playground/validator/v10"
)

// BindAndValidate 解析 JSON 请求体并校验。返回的错误交给调用方统一输出。
func BindAndValidate(c *gin.Context, out interface{}, v *validatorv10.Validate) error {
	if err := c.ShouldBindJSON(out); err != nil {
		return apperr.Wrap(apperr.KindValidation, "INVALID_REQUEST_BODY", "Request body is not valid JSON", err)
	}
	return Struct(v, out)
}
