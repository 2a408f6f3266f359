package middleware

import (
	"context"
	"crypto/subtle"
	"errors"
	"net/http"
	"strings"

	"eshop_checkout/internal/model"
	"eshop_checkout/internal/store"
	"eshop_checkout/pkg/logging"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
)

const (
	HeaderUserEmail  = "X-User-Email"
	HeaderAdminToken = "X-Admin-Token"

	ctxUserKey = "eshop.user"
)

// UserFinder 按邮箱解析当前用户。
type UserFinder interface {
	FindByEmail(ctx context.Context, email string) (model.User, error)
}

// Identity 用 X-User-Email 解析用户，缺失或未知用户返回 401。
func Identity(users UserFinder) gin.HandlerFunc {
	return func(c *gin.Context) {
		email := strings.TrimSpace(c.GetHeader(HeaderUserEmail))
		if email == "" {
			abort(c, http.StatusUnauthorized, "UNAUTHENTICATED", "Authentication is required")
			return
		}
		user, err := users.FindByEmail(c.Request.Context(), email)
		if err != nil {
			if !errors.Is(err, store.ErrNotFound) {
				logging.FromContext(c.Request.Context()).Error("resolve user failed", zap.Error(err))
				abort(c, http.StatusInternalServerError, "INTERNAL", "Unable to resolve user")
				return
			}
			abort(c, http.StatusUnauthorized, "UNAUTHENTICATED", "User not found")
			return
		}
		c.Set(ctxUserKey, user)

		ctx := c.Request.Context()
		log := logging.FromContext(ctx).With(zap.Uint("user_id", user.ID))
		c.Request = c.Request.WithContext(logging.ContextWithLogger(ctx, log))
		c.Next()
	}
}

// CurrentUser 取 Identity 解析出的用户。
func CurrentUser(c *gin.Context) (model.User, bool) {
	v, ok := c.Get(ctxUserKey)
	if !ok {
		return model.User{}, false
	}
	u, ok := v.(model.User)
	return u, ok
}

// AdminToken 管理接口的简单令牌校验（X-Admin-Token）。
func AdminToken(token string) gin.HandlerFunc {
	return func(c *gin.Context) {
		got := c.GetHeader(HeaderAdminToken)
		if token == "" || subtle.ConstantTimeCompare([]byte(got), []byte(token)) != 1 {
			abort(c, http.StatusForbidden, "FORBIDDEN", "Admin token is invalid")
			return
		}
		c.Next()
	}
}

func abort(c *gin.Context, status int, code, msg string) {
	c.AbortWithStatusJSON(status, gin.H{"code": status, "msg": msg, "error": code})
}
