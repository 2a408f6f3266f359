package middleware

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"eshop_checkout/internal/metrics"
	"eshop_checkout/internal/model"
	"eshop_checkout/internal/store"
	"eshop_checkout/pkg/logging"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest/observer"
)

type fakeUsers map[string]model.User

func (f fakeUsers) FindByEmail(_ context.Context, email string) (model.User, error) {
	if email == "broken@example.com" {
		return model.User{}, errors.New("db down")
	}
	u, ok := f[email]
	if !ok {
		return model.User{}, store.ErrNotFound
	}
	return u, nil
}

func newEngine(handlers ...gin.HandlerFunc) *gin.Engine {
	gin.SetMode(gin.TestMode)
	r := gin.New()
	r.GET("/t", append(handlers, func(c *gin.Context) {
		u, _ := CurrentUser(c)
		c.JSON(http.StatusOK, gin.H{"user_id": u.ID})
	})...)
	return r
}

func serve(r *gin.Engine, headers map[string]string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(http.MethodGet, "/t", nil)
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)
	return w
}

func TestIdentity(t *testing.T) {
	users := fakeUsers{"buyer@example.com": {ID: 7, Email: "buyer@example.com"}}
	r := newEngine(Identity(users))

	cases := []struct {
		name   string
		email  string
		status int
	}{
		{"missing header", "", http.StatusUnauthorized},
		{"unknown user", "nobody@example.com", http.StatusUnauthorized},
		{"lookup failure", "broken@example.com", http.StatusInternalServerError},
		{"known user", "buyer@example.com", http.StatusOK},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			w := serve(r, map[string]string{HeaderUserEmail: tc.email})
			assert.Equal(t, tc.status, w.Code)
		})
	}

	w := serve(r, map[string]string{HeaderUserEmail: "buyer@example.com"})
	assert.JSONEq(t, `{"user_id":7}`, w.Body.String())
}

func TestAdminToken(t *testing.T) {
	r := newEngine(AdminToken("s3cret"))
	assert.Equal(t, http.StatusForbidden, serve(r, nil).Code)
	assert.Equal(t, http.StatusForbidden, serve(r, map[string]string{HeaderAdminToken: "wrong"}).Code)
	assert.Equal(t, http.StatusOK, serve(r, map[string]string{HeaderAdminToken: "s3cret"}).Code)

	// 未配置令牌时一律拒绝
	r = newEngine(AdminToken(""))
	assert.Equal(t, http.StatusForbidden, serve(r, map[string]string{HeaderAdminToken: ""}).Code)
}

func TestRateLimitFallsBackToLocalLimiterPerSubject(t *testing.T) {
	users := fakeUsers{
		"a@example.com": {ID: 1, Email: "a@example.com"},
		"b@example.com": {ID: 2, Email: "b@example.com"},
	}
	rl := NewRateLimiter(nil, "checkout", 2, time.Minute)
	now := time.Date(2025, 3, 1, 10, 0, 0, 0, time.UTC)
	rl.now = func() time.Time { return now }
	r := newEngine(Identity(users), rl.Handler())

	a := map[string]string{HeaderUserEmail: "a@example.com"}
	b := map[string]string{HeaderUserEmail: "b@example.com"}

	assert.Equal(t, http.StatusOK, serve(r, a).Code)
	assert.Equal(t, http.StatusOK, serve(r, a).Code)
	w := serve(r, a)
	assert.Equal(t, http.StatusTooManyRequests, w.Code)
	assert.Contains(t, w.Body.String(), "RATE_LIMITED")

	// 其他用户有独立额度
	assert.Equal(t, http.StatusOK, serve(r, b).Code)

	// 一个令牌补充周期后恢复
	now = now.Add(30 * time.Second)
	assert.Equal(t, http.StatusOK, serve(r, a).Code)
}

func TestRateLimitKeysAnonymousByIP(t *testing.T) {
	rl := NewRateLimiter(nil, "checkout", 1, time.Minute)
	r := newEngine(rl.Handler())

	assert.Equal(t, http.StatusOK, serve(r, nil).Code)
	assert.Equal(t, http.StatusTooManyRequests, serve(r, nil).Code)

	rl.mu.Lock()
	defer rl.mu.Unlock()
	_, ok := rl.local["eshop:rate_limit:checkout:ip:192.0.2.1"]
	assert.True(t, ok)
}

func TestObservabilitySetsRequestIDAndLogger(t *testing.T) {
	core, logs := observer.New(zap.InfoLevel)
	reg := prometheus.NewRegistry()
	m := metrics.New(reg)

	gin.SetMode(gin.TestMode)
	r := gin.New()
	r.Use(Observability(zap.New(core), m))
	r.GET("/orders/:id", func(c *gin.Context) {
		logging.FromContext(c.Request.Context()).Info("inside")
		c.Status(http.StatusNoContent)
	})

	req := httptest.NewRequest(http.MethodGet, "/orders/42", nil)
	req.Header.Set("X-Request-ID", "req-123")
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)

	assert.Equal(t, http.StatusNoContent, w.Code)
	assert.Equal(t, "req-123", w.Header().Get("X-Request-ID"))

	inside := logs.FilterMessage("inside").All()
	require.Len(t, inside, 1)
	assert.Equal(t, "req-123", inside[0].ContextMap()["request_id"])

	access := logs.FilterMessage("http_request").All()
	require.Len(t, access, 1)
	assert.Equal(t, "/orders/:id", access[0].ContextMap()["route"])

	n, err := testutil.GatherAndCount(reg, "eshop_http_requests_total")
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	// 未带请求头时生成新的 ID
	w = httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/orders/43", nil))
	assert.NotEmpty(t, w.Header().Get("X-Request-ID"))
}
