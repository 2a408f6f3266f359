package payment

import (
	"context"
	"sync"
	"testing"
	"time"

	"eshop_checkout/internal/config"
	"eshop_checkout/internal/currency"
	"eshop_checkout/internal/inventory"
	"eshop_checkout/internal/model"
	"eshop_checkout/internal/queue"
	"eshop_checkout/internal/store"
	"eshop_checkout/internal/store/storetest"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"
	"gorm.io/gorm"
)

var fixedNow = time.Date(2025, 3, 1, 3, 0, 0, 0, time.UTC)

func testGatewayConfig() config.GatewayConfig {
	return config.GatewayConfig{
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
	}
}

func newTestGateway() *Gateway {
	g := NewGateway(testGatewayConfig(), currency.NewConverter(currency.DefaultRate))
	g.now = func() time.Time { return fixedNow }
	return g
}

type recordingSink struct {
	mu     sync.Mutex
	events []queue.OrderEvent
}

func (s *recordingSink) Enqueue(_ context.Context, evt queue.OrderEvent) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.events = append(s.events, evt)
	return nil
}

func (s *recordingSink) types() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]string, 0, len(s.events))
	for _, e := range s.events {
		out = append(out, e.Type)
	}
	return out
}

type stubLocker struct {
	err      error
	released int
}

func (l *stubLocker) Lock(context.Context, string) (func(), error) {
	if l.err != nil {
		return nil, l.err
	}
	return func() { l.released++ }, nil
}

type fixture struct {
	db      *gorm.DB
	user    model.User
	variant model.ProductVariant
	order   model.Order
	txn     model.PaymentTransaction
	sink    *recordingSink
	conv    *currency.Converter
}

// newFixture 准备一张已预占库存、等待支付的订单：2 件 25.00，运费 5.00。
func newFixture(t *testing.T) *fixture {
	t.Helper()
	return newFixtureOn(t, storetest.New(t))
}

func newFixtureOn(t *testing.T, db *gorm.DB) *fixture {
	t.Helper()
	user := storetest.SeedUser(t, db, "buyer@example.com")
	variant := storetest.SeedVariant(t, db, "SKU-1", "25.00", 8)
	storetest.SeedCart(t, db, user.ID, variant.ID, 2)

	order := model.Order{
		OrderNumber:    "ORD-00000001",
		UserID:         user.ID,
		PaymentMethod:  model.MethodCard,
		Currency:       "USD",
		Subtotal:       decimal.RequireFromString("50.00"),
		DiscountAmount: decimal.Zero,
		ShippingAmount: decimal.RequireFromString("5.00"),
		TaxAmount:      decimal.Zero,
		TotalAmount:    decimal.RequireFromString("55.00"),
	}
	require.NoError(t, order.Apply(model.TriggerCheckoutCreated, fixedNow))
	require.NoError(t, db.Create(&order).Error)

	item := model.OrderItem{
		OrderID:        order.ID,
		ProductID:      variant.ProductID,
		VariantID:      variant.ID,
		SKU:            variant.SKU,
		Quantity:       2,
		UnitPrice:      variant.Price,
		DiscountAmount: decimal.Zero,
		LineTotal:      decimal.RequireFromString("50.00"),
		Currency:       "USD",
	}
	require.NoError(t, db.Create(&item).Error)

	txn := model.PaymentTransaction{
		OrderID:        order.ID,
		Provider:       model.ProviderVNPay,
		IdempotencyKey: order.OrderNumber,
		Amount:         order.TotalAmount,
		Currency:       "USD",
		Status:         model.PaymentPending,
		Method:         model.MethodCard,
	}
	require.NoError(t, db.Create(&txn).Error)

	return &fixture{
		db:      db,
		user:    user,
		variant: variant,
		order:   order,
		txn:     txn,
		sink:    &recordingSink{},
		conv:    currency.NewConverter(currency.DefaultRate),
	}
}

func (f *fixture) processor(verifier Verifier, locker OrderLocker) *CallbackProcessor {
	p := NewCallbackProcessor(CallbackDeps{
		DB:        f.db,
		Verifier:  verifier,
		Converter: f.conv,
		Inventory: inventory.NewService(nil, nil),
		Carts:     store.Carts{},
		Locker:    locker,
		Events:    f.sink,
	})
	p.now = func() time.Time { return fixedNow.Add(5 * time.Minute) }
	return p
}

// payload 构造回调参数，金额为订单应付的结算最小单位。
func (f *fixture) payload(code string) map[string]string {
	return map[string]string{
		ParamTxnRef:            f.order.OrderNumber,
		ParamResponseCode:      code,
		ParamTransactionStatus: code,
		ParamAmount:            f.conv.ToMinorUnitString(f.conv.ToSettlement(f.order.TotalAmount)),
		ParamTransactionNo:     "14000001",
	}
}

func (f *fixture) reload(t *testing.T) (model.Order, model.PaymentTransaction) {
	t.Helper()
	var o model.Order
	require.NoError(t, f.db.First(&o, "id = ?", f.order.ID).Error)
	var txn model.PaymentTransaction
	require.NoError(t, f.db.First(&txn, "id = ?", f.txn.ID).Error)
	return o, txn
}

func (f *fixture) historyCount(t *testing.T) int64 {
	t.Helper()
	var n int64
	require.NoError(t, f.db.Model(&model.OrderStatusHistory{}).Where("order_id = ?", f.order.ID).Count(&n).Error)
	return n
}
