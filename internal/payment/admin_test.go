package payment

import (
	"context"
	"testing"
	"time"

	"eshop_checkout/internal/apperr"
	"eshop_checkout/internal/model"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestAdminListFiltersAndPages(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	// 同一订单再追加两笔失败重试流水。
	for i, key := range []string{"ORD-00000001-R1", "ORD-00000001-R2"} {
		txn := model.PaymentTransaction{
			OrderID:        f.order.ID,
			Provider:       "vnpay-retry",
			IdempotencyKey: key,
			Amount:         decimal.RequireFromString("55.00"),
			Currency:       "USD",
			Status:         model.PaymentFailed,
			Method:         model.MethodCard,
			ErrorCode:      "24",
			CreatedAt:      time.Now().UTC().Add(time.Duration(i+1) * time.Minute),
		}
		require.NoError(t, f.db.Create(&txn).Error)
	}

	admin := NewAdmin(f.db)

	page, err := admin.List(ctx, TransactionQuery{Size: 2})
	require.NoError(t, err)
	assert.EqualValues(t, 3, page.TotalElements)
	assert.Equal(t, 2, page.TotalPages)
	assert.Len(t, page.Content, 2)
	assert.True(t, page.HasNext)
	assert.False(t, page.HasPrevious)
	assert.Equal(t, "ORD-00000001", page.Content[0].OrderNumber)

	page, err = admin.List(ctx, TransactionQuery{Size: 2, Page: 1})
	require.NoError(t, err)
	assert.Len(t, page.Content, 1)
	assert.False(t, page.HasNext)
	assert.True(t, page.HasPrevious)

	page, err = admin.List(ctx, TransactionQuery{Status: model.PaymentFailed, Provider: "RETRY"})
	require.NoError(t, err)
	assert.EqualValues(t, 2, page.TotalElements)
	assert.Equal(t, defaultPageSize, page.Size)

	page, err = admin.List(ctx, TransactionQuery{OrderNumber: "ORD-00000001", Status: model.PaymentPending})
	require.NoError(t, err)
	require.Len(t, page.Content, 1)
	assert.Equal(t, "ORD-00000001", page.Content[0].IdempotencyKey)
	assert.Equal(t, "55.00", page.Content[0].Amount)

	page, err = admin.List(ctx, TransactionQuery{OrderNumber: "ORD-404"})
	require.NoError(t, err)
	assert.Empty(t, page.Content)
	assert.Equal(t, 0, page.TotalPages)

	list, err := admin.ListForOrder(ctx, "ORD-00000001")
	require.NoError(t, err)
	require.Len(t, list, 3)
	assert.Equal(t, "ORD-00000001-R2", list[0].IdempotencyKey)
}

// 主机不在 UTC 时，created_at 区间筛选不应随时区偏移。
func TestAdminListCreatedRangeOnNonUTCHost(t *testing.T) {
	orig := time.Local
	time.Local = time.FixedZone("ICT", 7*3600)
	t.Cleanup(func() { time.Local = orig })

	f := newFixture(t)
	admin := NewAdmin(f.db)
	now := time.Now()
	after, before := now.Add(-time.Minute), now.Add(time.Minute)

	page, err := admin.List(context.Background(), TransactionQuery{CreatedAfter: &after, CreatedBefore: &before})
	require.NoError(t, err)
	assert.EqualValues(t, 1, page.TotalElements)

	later := now.Add(time.Hour)
	page, err = admin.List(context.Background(), TransactionQuery{CreatedAfter: &later})
	require.NoError(t, err)
	assert.EqualValues(t, 0, page.TotalElements)
}

func TestAdminGet(t *testing.T) {
	f := newFixture(t)
	admin := NewAdmin(f.db)
	ctx := context.Background()

	_, err := f.processor(nil, nil).Handle(ctx, f.payload("00"))
	require.NoError(t, err)

	v, err := admin.Get(ctx, f.txn.ID)
	require.NoError(t, err)
	assert.Equal(t, model.PaymentCaptured, v.Status)
	require.NotNil(t, v.CapturedAmount)
	assert.Equal(t, "55.00", *v.CapturedAmount)
	assert.NotEmpty(t, v.RawResponse)

	_, err = admin.Get(ctx, uuid.NewString())
	assert.Equal(t, apperr.KindNotFound, apperr.KindOf(err))

	_, err = admin.Get(ctx, "not-a-uuid")
	assert.Equal(t, apperr.KindValidation, apperr.KindOf(err))
}
