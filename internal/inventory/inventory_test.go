package inventory

import (
	"context"
	"errors"
	"sync"
	"testing"

	"eshop_checkout/internal/apperr"
	"eshop_checkout/internal/store/storetest"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/gorm"
)

type recordingMirror struct {
	mu     sync.Mutex
	deltas map[uint]int64
	fail   bool
}

func (m *recordingMirror) Adjust(_ context.Context, variantID uint, delta int64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.fail {
		return errors.New("redis down")
	}
	if m.deltas == nil {
		m.deltas = map[uint]int64{}
	}
	m.deltas[variantID] += delta
	return nil
}

func TestReserveDecrementsStock(t *testing.T) {
	db := storetest.New(t)
	v := storetest.SeedVariant(t, db, "SKU-A", "25.00", 5)
	svc := NewService(nil, nil)

	err := db.Transaction(func(tx *gorm.DB) error {
		return svc.Reserve(context.Background(), tx, []Line{{VariantID: v.ID, Quantity: 2}})
	})
	require.NoError(t, err)
	assert.Equal(t, int64(3), storetest.Stock(t, db, v.ID))
}

func TestReserveInsufficientRollsBackEarlierLines(t *testing.T) {
	db := storetest.New(t)
	a := storetest.SeedVariant(t, db, "SKU-A", "10.00", 5)
	b := storetest.SeedVariant(t, db, "SKU-B", "10.00", 1)
	svc := NewService(nil, nil)

	err := db.Transaction(func(tx *gorm.DB) error {
		return svc.Reserve(context.Background(), tx, []Line{
			{VariantID: a.ID, Quantity: 2},
			{VariantID: b.ID, Quantity: 2},
		})
	})
	require.Error(t, err)
	e, ok := apperr.As(err)
	require.True(t, ok)
	assert.Equal(t, apperr.KindInventory, e.Kind)
	assert.Equal(t, b.ID, e.Details["variant_id"])
	assert.Equal(t, int64(2), e.Details["requested"])
	assert.Equal(t, int64(1), e.Details["available"])

	assert.Equal(t, int64(5), storetest.Stock(t, db, a.ID))
	assert.Equal(t, int64(1), storetest.Stock(t, db, b.ID))
}

func TestReserveRejectsBadInput(t *testing.T) {
	db := storetest.New(t)
	v := storetest.SeedVariant(t, db, "SKU-A", "10.00", 5)
	svc := NewService(nil, nil)

	err := svc.Reserve(context.Background(), db, []Line{{VariantID: v.ID, Quantity: 0}})
	assert.Equal(t, apperr.KindValidation, apperr.KindOf(err))

	err = svc.Reserve(context.Background(), db, []Line{{VariantID: 999, Quantity: 1}})
	assert.Equal(t, apperr.KindNotFound, apperr.KindOf(err))
}

func TestConcurrentReservationsNeverOversell(t *testing.T) {
	db := storetest.New(t)
	const stock = 5
	v := storetest.SeedVariant(t, db, "SKU-HOT", "9.99", stock)
	svc := NewService(nil, nil)

	const workers = 20
	var (
		wg        sync.WaitGroup
		mu        sync.Mutex
		succeeded int
		rejected  int
	)
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			err := db.Transaction(func(tx *gorm.DB) error {
				return svc.Reserve(context.Background(), tx, []Line{{VariantID: v.ID, Quantity: 1}})
			})
			mu.Lock()
			defer mu.Unlock()
			if err == nil {
				succeeded++
			} else if apperr.KindOf(err) == apperr.KindInventory {
				rejected++
			}
		}()
	}
	wg.Wait()

	assert.Equal(t, stock, succeeded)
	assert.Equal(t, workers-stock, rejected)
	assert.Equal(t, int64(0), storetest.Stock(t, db, v.ID))
}

// 文件库走服务端的连接池配置：并发预占应排队执行，失败只能是库存不足。
func TestConcurrentReservationsOnFileDatabase(t *testing.T) {
	db := storetest.NewFile(t)
	const stock = 30
	v := storetest.SeedVariant(t, db, "SKU-HOT", "9.99", stock)
	svc := NewService(nil, nil)

	const workers = 100
	var (
		wg        sync.WaitGroup
		mu        sync.Mutex
		succeeded int
		rejected  int
		other     []error
	)
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			err := db.Transaction(func(tx *gorm.DB) error {
				return svc.Reserve(context.Background(), tx, []Line{{VariantID: v.ID, Quantity: 1}})
			})
			mu.Lock()
			defer mu.Unlock()
			switch {
			case err == nil:
				succeeded++
			case apperr.KindOf(err) == apperr.KindInventory:
				rejected++
			default:
				other = append(other, err)
			}
		}()
	}
	wg.Wait()

	assert.Empty(t, other)
	assert.Equal(t, stock, succeeded)
	assert.Equal(t, workers-stock, rejected)
	assert.Equal(t, int64(0), storetest.Stock(t, db, v.ID))
}

func TestReleaseSkipsNonPositiveQuantities(t *testing.T) {
	db := storetest.New(t)
	v := storetest.SeedVariant(t, db, "SKU-A", "10.00", 1)
	svc := NewService(nil, nil)

	err := svc.Release(context.Background(), db, []Line{
		{VariantID: v.ID, Quantity: 3},
		{VariantID: v.ID, Quantity: 0},
		{VariantID: v.ID, Quantity: -4},
	})
	require.NoError(t, err)
	assert.Equal(t, int64(4), storetest.Stock(t, db, v.ID))
}

func TestReleaseUnknownVariant(t *testing.T) {
	db := storetest.New(t)
	svc := NewService(nil, nil)

	err := svc.Release(context.Background(), db, []Line{{VariantID: 42, Quantity: 1}})
	e, ok := apperr.As(err)
	require.True(t, ok)
	assert.Equal(t, "VARIANT_NOT_FOUND", e.Code)
}

func TestReleaseRestoresSoftDeletedVariant(t *testing.T) {
	db := storetest.New(t)
	v := storetest.SeedVariant(t, db, "SKU-OLD", "10.00", 0)
	require.NoError(t, db.Delete(&v).Error)

	svc := NewService(nil, nil)
	require.NoError(t, svc.Release(context.Background(), db, []Line{{VariantID: v.ID, Quantity: 2}}))

	var stock int64
	require.NoError(t, db.Unscoped().Table("product_variants").Select("stock").Where("id = ?", v.ID).Scan(&stock).Error)
	assert.Equal(t, int64(2), stock)
}

func TestMirrorIsBestEffort(t *testing.T) {
	m := &recordingMirror{}
	svc := NewService(m, nil)

	svc.Mirror(context.Background(), []Line{{VariantID: 1, Quantity: 2}, {VariantID: 2, Quantity: 0}}, -1)
	assert.Equal(t, map[uint]int64{1: -2}, m.deltas)

	m.fail = true
	assert.NotPanics(t, func() {
		svc.Mirror(context.Background(), []Line{{VariantID: 1, Quantity: 2}}, 1)
	})
	NewService(nil, nil).Mirror(context.Background(), []Line{{VariantID: 1, Quantity: 1}}, 1)
}
