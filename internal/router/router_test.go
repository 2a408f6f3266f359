package router

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"testing"
	"time"

	"eshop_checkout/internal/apperr"
	"eshop_checkout/internal/checkout"
	"eshop_checkout/internal/config"
	"eshop_checkout/internal/currency"
	"eshop_checkout/internal/inventory"
	"eshop_checkout/internal/lifecycle"
	"eshop_checkout/internal/metrics"
	"eshop_checkout/internal/middleware"
	"eshop_checkout/internal/model"
	"eshop_checkout/internal/payment"
	"eshop_checkout/internal/store"
	"eshop_checkout/internal/store/storetest"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/gorm"
)

const (
	buyerEmail = "buyer@example.com"
	adminToken = "admin-secret"
)

type envelope struct {
	Code    int             `json:"code"`
	Msg     string          `json:"msg"`
	Error   string          `json:"error"`
	Data    json.RawMessage `json:"data"`
	Details map[string]any  `json:"details"`
}

type fakeStockCache struct{ stock map[uint]int64 }

func (f *fakeStockCache) Preload(_ context.Context, id uint, stock int64) error {
	f.stock[id] = stock
	return nil
}

func (f *fakeStockCache) Get(_ context.Context, id uint) (int64, bool, error) {
	v, found := f.stock[id]
	return v, found, nil
}

type testServer struct {
	db      *gorm.DB
	engine  *gin.Engine
	gw      *payment.Gateway
	conv    *currency.Converter
	user    model.User
	variant model.ProductVariant
}

func newTestServer(t *testing.T, stock StockCache) *testServer {
	t.Helper()
	gin.SetMode(gin.TestMode)

	db := storetest.New(t)
	conv := currency.NewConverter(currency.DefaultRate)
	gw := payment.NewGateway(config.GatewayConfig{
		TmnCode:         "TMN01",
		HashSecret:      "test-secret",
		PayURL:          "https://sandbox.vnpayment.vn/paymentv2/vpcpay.html",
		ReturnURL:       "https://shop.example/payment/return",
		ExpireAfter:     15 * time.Minute,
		Version:         "2.1.0",
		Command:         "pay",
		OrderType:       "other",
		Locale:          "vn",
		CurrCode:        "VND",
		OrderInfoPrefix: "E-Shop Order",
		TimeZone:        "Asia/Ho_Chi_Minh",
	}, conv)
	inv := inventory.NewService(nil, nil)
	reg := prometheus.NewRegistry()
	m := metrics.New(reg)

	engine := gin.New()
	Setup(engine, Deps{
		DB:    db,
		Users: store.NewUsers(db),
		Checkout: checkout.NewOrchestrator(checkout.Deps{
			DB: db, Inventory: inv, Gateway: gw, Metrics: m, Currency: "USD",
		}),
		Callbacks: payment.NewCallbackProcessor(payment.CallbackDeps{
			DB: db, Verifier: gw, Converter: conv, Inventory: inv, Carts: store.Carts{}, Metrics: m,
		}),
		Lifecycle:  lifecycle.NewManager(db, nil, m, nil),
		Admin:      payment.NewAdmin(db),
		Stock:      stock,
		RateLimit:  middleware.NewRateLimiter(nil, "checkout", 3, time.Minute),
		Metrics:    m,
		Gatherer:   reg,
		AdminToken: adminToken,
	})

	return &testServer{
		db:      db,
		engine:  engine,
		gw:      gw,
		conv:    conv,
		user:    storetest.SeedUser(t, db, buyerEmail),
		variant: storetest.SeedVariant(t, db, "SKU-1", "25.00", 8),
	}
}

func (s *testServer) do(t *testing.T, method, path string, body any, headers map[string]string) (*httptest.ResponseRecorder, envelope) {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	w := httptest.NewRecorder()
	s.engine.ServeHTTP(w, req)

	var env envelope
	if strings.HasPrefix(w.Header().Get("Content-Type"), "application/json") {
		require.NoError(t, json.Unmarshal(w.Body.Bytes(), &env))
	}
	return w, env
}

func (s *testServer) asBuyer() map[string]string {
	return map[string]string{middleware.HeaderUserEmail: buyerEmail}
}

func (s *testServer) asAdmin() map[string]string {
	return map[string]string{middleware.HeaderAdminToken: adminToken}
}

// signedCallback 构造网关回调参数，金额按订单总额折算。
func (s *testServer) signedCallback(t *testing.T, orderNumber, total, code string) map[string]string {
	t.Helper()
	amount := s.conv.ToMinorUnitString(s.conv.ToSettlement(decimal.RequireFromString(total)))
	params := map[string]string{
		payment.ParamTmnCode:           "TMN01",
		payment.ParamTxnRef:            orderNumber,
		payment.ParamAmount:            amount,
		payment.ParamResponseCode:      code,
		payment.ParamTransactionStatus: code,
		payment.ParamTransactionNo:     "14422574",
	}
	sig, err := s.gw.Sign(params)
	require.NoError(t, err)
	params[payment.ParamSecureHash] = sig
	return params
}

func (s *testServer) checkout(t *testing.T) checkout.Response {
	t.Helper()
	w, _ := s.do(t, http.MethodPut, "/api/cart/items",
		gin.H{"variant_id": s.variant.ID, "quantity": 2}, s.asBuyer())
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())

	w, env := s.do(t, http.MethodPost, "/api/orders/checkout", gin.H{
		"address": gin.H{
			"recipient_name": "Nguyen Van A",
			"line1":          "1 Le Loi",
			"city":           "Ho Chi Minh City",
			"country_code":   "VN",
		},
		"shipping_amount": "5.00",
	}, s.asBuyer())
	require.Equal(t, http.StatusCreated, w.Code, w.Body.String())

	var resp checkout.Response
	require.NoError(t, json.Unmarshal(env.Data, &resp))
	return resp
}

func TestPingAndMetrics(t *testing.T) {
	s := newTestServer(t, nil)

	w, env := s.do(t, http.MethodGet, "/ping", nil, nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "pong", env.Msg)
	assert.NotEmpty(t, w.Header().Get("X-Request-ID"))

	w, _ = s.do(t, http.MethodGet, "/metrics", nil, nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), "http_requests_total")
}

func TestUserRoutesRequireIdentity(t *testing.T) {
	s := newTestServer(t, nil)

	w, env := s.do(t, http.MethodGet, "/api/orders", nil, nil)
	assert.Equal(t, http.StatusUnauthorized, w.Code)
	assert.Equal(t, "UNAUTHENTICATED", env.Error)

	w, _ = s.do(t, http.MethodGet, "/api/orders", nil,
		map[string]string{middleware.HeaderUserEmail: "nobody@example.com"})
	assert.Equal(t, http.StatusUnauthorized, w.Code)

	w, _ = s.do(t, http.MethodGet, "/api/cart/items", nil,
		map[string]string{middleware.HeaderUserEmail: "  BUYER@example.com "})
	assert.Equal(t, http.StatusOK, w.Code)
}

func TestCartUpsertAndRemove(t *testing.T) {
	s := newTestServer(t, nil)

	w, env := s.do(t, http.MethodPut, "/api/cart/items",
		gin.H{"variant_id": s.variant.ID, "quantity": 3}, s.asBuyer())
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	var view cartView
	require.NoError(t, json.Unmarshal(env.Data, &view))
	require.Len(t, view.Items, 1)
	assert.Equal(t, "75.00", view.Subtotal)

	w, env = s.do(t, http.MethodPut, "/api/cart/items",
		gin.H{"variant_id": 9999, "quantity": 1}, s.asBuyer())
	assert.Equal(t, http.StatusNotFound, w.Code)
	assert.Equal(t, "VARIANT_NOT_FOUND", env.Error)

	w, env = s.do(t, http.MethodPut, "/api/cart/items",
		gin.H{"variant_id": s.variant.ID, "quantity": -1}, s.asBuyer())
	assert.Equal(t, http.StatusBadRequest, w.Code)
	assert.Equal(t, "VALIDATION_FAILED", env.Error)

	w, env = s.do(t, http.MethodPut, "/api/cart/items",
		gin.H{"variant_id": s.variant.ID, "quantity": 0}, s.asBuyer())
	require.Equal(t, http.StatusOK, w.Code)
	require.NoError(t, json.Unmarshal(env.Data, &view))
	assert.Empty(t, view.Items)
	assert.Equal(t, "0.00", view.Subtotal)
}

func TestCheckoutPaymentFulfillmentFlow(t *testing.T) {
	s := newTestServer(t, nil)

	resp := s.checkout(t)
	assert.Equal(t, "ORD-00000001", resp.OrderNumber)
	assert.Equal(t, "55.00", resp.TotalAmount)
	assert.Equal(t, model.OrderAwaitingPayment, resp.Status)
	assert.Contains(t, resp.PaymentURL, "vnp_TxnRef=ORD-00000001")
	assert.Equal(t, int64(6), storetest.Stock(t, s.db, s.variant.ID))

	// 未支付不能确认收货
	w, env := s.do(t, http.MethodPost, "/api/orders/"+resp.OrderID+"/confirm-fulfillment", nil, s.asBuyer())
	assert.Equal(t, http.StatusConflict, w.Code)
	assert.Equal(t, "INVALID_ORDER_STATE", env.Error)

	payload := s.signedCallback(t, resp.OrderNumber, resp.TotalAmount, "00")
	w, env = s.do(t, http.MethodPost, "/api/payments/vnpay/confirm", payload, nil)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	var cb payment.CallbackResult
	require.NoError(t, json.Unmarshal(env.Data, &cb))
	assert.Equal(t, model.OrderProcessing, cb.OrderStatus)
	assert.Equal(t, model.PaymentCaptured, cb.PaymentStatus)
	assert.False(t, cb.AlreadyProcessed)

	w, env = s.do(t, http.MethodPost, "/api/payments/vnpay/confirm", payload, nil)
	require.Equal(t, http.StatusOK, w.Code)
	require.NoError(t, json.Unmarshal(env.Data, &cb))
	assert.True(t, cb.AlreadyProcessed)

	w, env = s.do(t, http.MethodPost, "/api/orders/"+resp.OrderID+"/confirm-fulfillment", nil, s.asBuyer())
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	var st lifecycle.StatusResponse
	require.NoError(t, json.Unmarshal(env.Data, &st))
	assert.Equal(t, model.OrderFulfilled, st.OrderStatus)

	w, env = s.do(t, http.MethodGet, "/api/orders/"+resp.OrderID, nil, s.asBuyer())
	require.Equal(t, http.StatusOK, w.Code)
	var order model.Order
	require.NoError(t, json.Unmarshal(env.Data, &order))
	assert.Equal(t, model.OrderFulfilled, order.Status)
	assert.Len(t, order.Items, 1)

	w, env = s.do(t, http.MethodGet, "/api/orders?page=0&size=10", nil, s.asBuyer())
	require.Equal(t, http.StatusOK, w.Code)
	var page payment.Page[lifecycle.Summary]
	require.NoError(t, json.Unmarshal(env.Data, &page))
	assert.Equal(t, int64(1), page.TotalElements)

	w, env = s.do(t, http.MethodGet, "/api/admin/orders/"+resp.OrderNumber+"/transactions", nil, s.asAdmin())
	require.Equal(t, http.StatusOK, w.Code)
	var txns []payment.TransactionView
	require.NoError(t, json.Unmarshal(env.Data, &txns))
	require.Len(t, txns, 1)
	assert.Equal(t, model.PaymentCaptured, txns[0].Status)

	w, env = s.do(t, http.MethodGet, "/api/admin/payments/transactions/"+txns[0].ID, nil, s.asAdmin())
	require.Equal(t, http.StatusOK, w.Code)
	var one payment.TransactionView
	require.NoError(t, json.Unmarshal(env.Data, &one))
	assert.Equal(t, resp.OrderNumber, one.OrderNumber)
}

func TestOtherUsersOrderIsNotFound(t *testing.T) {
	s := newTestServer(t, nil)
	resp := s.checkout(t)
	storetest.SeedUser(t, s.db, "other@example.com")

	w, env := s.do(t, http.MethodGet, "/api/orders/"+resp.OrderID, nil,
		map[string]string{middleware.HeaderUserEmail: "other@example.com"})
	assert.Equal(t, http.StatusNotFound, w.Code)
	assert.Equal(t, "ORDER_NOT_FOUND", env.Error)
}

func TestCheckoutInsufficientStockIsConflict(t *testing.T) {
	s := newTestServer(t, nil)
	w, _ := s.do(t, http.MethodPut, "/api/cart/items",
		gin.H{"variant_id": s.variant.ID, "quantity": 9}, s.asBuyer())
	require.Equal(t, http.StatusOK, w.Code)

	w, env := s.do(t, http.MethodPost, "/api/orders/checkout", gin.H{
		"address": gin.H{"recipient_name": "A", "line1": "1 Le Loi", "city": "HCMC", "country_code": "VN"},
	}, s.asBuyer())
	assert.Equal(t, http.StatusConflict, w.Code)
	assert.Equal(t, "INSUFFICIENT_INVENTORY", env.Error)
	assert.Equal(t, int64(0), storetest.Count(t, s.db, &model.Order{}))
}

func TestCheckoutRateLimitFallsBackToLocalLimiter(t *testing.T) {
	s := newTestServer(t, nil)

	codes := make([]int, 0, 4)
	for i := 0; i < 4; i++ {
		w, _ := s.do(t, http.MethodPost, "/api/orders/checkout", gin.H{}, s.asBuyer())
		codes = append(codes, w.Code)
	}
	// 空购物车前三次 400，第四次被限流
	assert.Equal(t, []int{400, 400, 400, 429}, codes)
}

func TestPaymentIPNReplies(t *testing.T) {
	s := newTestServer(t, nil)
	resp := s.checkout(t)
	payload := s.signedCallback(t, resp.OrderNumber, resp.TotalAmount, "00")

	ipn := func(p map[string]string) ipnReply {
		q := url.Values{}
		for k, v := range p {
			q.Set(k, v)
		}
		w, _ := s.do(t, http.MethodGet, "/api/payments/vnpay/ipn?"+q.Encode(), nil, nil)
		require.Equal(t, http.StatusOK, w.Code)
		var r ipnReply
		require.NoError(t, json.Unmarshal(w.Body.Bytes(), &r))
		return r
	}

	tampered := map[string]string{}
	for k, v := range payload {
		tampered[k] = v
	}
	tampered[payment.ParamAmount] = "100"
	assert.Equal(t, "97", ipn(tampered).RspCode)

	unknown := s.signedCallback(t, "ORD-99999999", resp.TotalAmount, "00")
	assert.Equal(t, "01", ipn(unknown).RspCode)

	assert.Equal(t, "00", ipn(payload).RspCode)
	assert.Equal(t, "02", ipn(payload).RspCode)
}

func TestAdminRoutesRequireToken(t *testing.T) {
	s := newTestServer(t, nil)

	w, env := s.do(t, http.MethodGet, "/api/admin/payments/transactions", nil, nil)
	assert.Equal(t, http.StatusForbidden, w.Code)
	assert.Equal(t, "FORBIDDEN", env.Error)

	w, env = s.do(t, http.MethodGet, "/api/admin/payments/transactions?status=refunded", nil, s.asAdmin())
	assert.Equal(t, http.StatusBadRequest, w.Code)
	assert.Equal(t, "INVALID_FILTER", env.Error)

	w, env = s.do(t, http.MethodGet, "/api/admin/payments/transactions?created_after=yesterday", nil, s.asAdmin())
	assert.Equal(t, http.StatusBadRequest, w.Code)
	assert.Equal(t, "INVALID_FILTER", env.Error)

	w, env = s.do(t, http.MethodGet, "/api/admin/payments/transactions?status=pending&size=5", nil, s.asAdmin())
	require.Equal(t, http.StatusOK, w.Code)
	var page payment.Page[payment.TransactionView]
	require.NoError(t, json.Unmarshal(env.Data, &page))
	assert.Equal(t, 5, page.Size)
	assert.Empty(t, page.Content)
}

func TestAdminVariantAndStockCache(t *testing.T) {
	cache := &fakeStockCache{stock: map[uint]int64{}}
	s := newTestServer(t, cache)

	w, env := s.do(t, http.MethodPost, "/api/admin/variants", gin.H{
		"product_id": 7,
		"sku":        "SKU-NEW",
		"name":       "Blue / M",
		"price":      "19.99",
		"stock":      12,
	}, s.asAdmin())
	require.Equal(t, http.StatusCreated, w.Code, w.Body.String())
	var v model.ProductVariant
	require.NoError(t, json.Unmarshal(env.Data, &v))
	assert.True(t, v.Active)
	assert.Equal(t, "USD", v.Currency)

	w, env = s.do(t, http.MethodPost, "/api/admin/variants", gin.H{
		"product_id": 7, "sku": "SKU-BAD", "name": "Bad", "price": "0",
	}, s.asAdmin())
	assert.Equal(t, http.StatusBadRequest, w.Code)
	assert.Equal(t, "VALIDATION_FAILED", env.Error)

	path := "/api/variants/" + jsonNumber(v.ID) + "/stock"
	_, env = s.do(t, http.MethodGet, path, nil, nil)
	assert.JSONEq(t, `{"variant_id":`+jsonNumber(v.ID)+`,"stock":12,"source":"db"}`, string(env.Data))

	w, _ = s.do(t, http.MethodPost, "/api/admin/variants/"+jsonNumber(v.ID)+"/stock/preload", nil, s.asAdmin())
	require.Equal(t, http.StatusOK, w.Code)
	_, env = s.do(t, http.MethodGet, path, nil, nil)
	assert.JSONEq(t, `{"variant_id":`+jsonNumber(v.ID)+`,"stock":12,"source":"cache"}`, string(env.Data))

	w, env = s.do(t, http.MethodGet, "/api/variants/abc/stock", nil, nil)
	assert.Equal(t, http.StatusBadRequest, w.Code)
	assert.Equal(t, "INVALID_VARIANT_ID", env.Error)
}

func TestPreloadWithoutCacheIsUnavailable(t *testing.T) {
	s := newTestServer(t, nil)
	w, env := s.do(t, http.MethodPost, "/api/admin/variants/"+jsonNumber(s.variant.ID)+"/stock/preload", nil, s.asAdmin())
	assert.Equal(t, http.StatusServiceUnavailable, w.Code)
	assert.Equal(t, "STOCK_CACHE_UNAVAILABLE", env.Error)
}

func TestRespondErrorMapsKinds(t *testing.T) {
	gin.SetMode(gin.TestMode)
	cases := []struct {
		err    error
		status int
		code   string
	}{
		{apperr.CartEmpty(), http.StatusBadRequest, "CART_EMPTY"},
		{apperr.CallbackInvalid("INVALID_SIGNATURE", "bad"), http.StatusBadRequest, "INVALID_SIGNATURE"},
		{apperr.InsufficientInventory(1, 2, 1), http.StatusConflict, "INSUFFICIENT_INVENTORY"},
		{apperr.InvalidOrderState("CANCELLED", "fulfilled"), http.StatusConflict, "INVALID_ORDER_STATE"},
		{apperr.OrderBusy("ORD-1"), http.StatusConflict, "ORDER_BUSY"},
		{apperr.OrderNotFound("x"), http.StatusNotFound, "ORDER_NOT_FOUND"},
		{apperr.PaymentInitialization("down", nil), http.StatusBadGateway, "PAYMENT_INITIALIZATION_FAILED"},
		{errors.New("boom"), http.StatusInternalServerError, "INTERNAL"},
	}
	for _, tc := range cases {
		t.Run(tc.code, func(t *testing.T) {
			w := httptest.NewRecorder()
			c, _ := gin.CreateTestContext(w)
			c.Request = httptest.NewRequest(http.MethodGet, "/", nil)

			respondError(c, tc.err)

			assert.Equal(t, tc.status, w.Code)
			var env envelope
			require.NoError(t, json.Unmarshal(w.Body.Bytes(), &env))
			assert.Equal(t, tc.code, env.Error)
			assert.Equal(t, tc.status, env.Code)
		})
	}
}

func jsonNumber(id uint) string {
	b, _ := json.Marshal(id)
	return string(b)
}
