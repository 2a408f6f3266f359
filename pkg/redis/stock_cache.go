package redis

import (
	"context"
	"errors"
	"time"

	rd "github.com/redis/go-redis/v9"
)

// luaAdjustIfPresent：仅在缓存键存在时 INCRBY，避免把未预热的键写成负数。
// KEYS[1]=库存key，ARGV[1]=增量（可为负）；返回调整后的值，键不存在返回 nil。
const luaAdjustIfPresent = `
local key = KEYS[1]
local delta = tonumber(ARGV[1])
if redis.call('EXISTS', key) == 1 then
  local v = redis.call('INCRBY', key, delta)
  if v < 0 then
    redis.call('SET', key, 0, 'KEEPTTL')
    return 0
  end
  return v
end
return false
`

// StockCache 规格库存的读缓存。库存以 DB 为准，提交后再镜像到这里。
type StockCache struct {
	rdb *rd.Client
	ttl time.Duration
}

func NewStockCache(rdb *rd.Client, ttl time.Duration) *StockCache {
	return &StockCache{rdb: rdb, ttl: ttl}
}

// Preload 用 DB 库存覆盖缓存。
func (c *StockCache) Preload(ctx context.Context, variantID uint, stock int64) error {
	return c.rdb.Set(ctx, StockKey(variantID), stock, c.ttl).Err()
}

// Get 返回缓存库存，found=false 表示未预热。
func (c *StockCache) Get(ctx context.Context, variantID uint) (int64, bool, error) {
	v, err := c.rdb.Get(ctx, StockKey(variantID)).Int64()
	if err != nil {
		if errors.Is(err, rd.Nil) {
			return 0, false, nil
		}
		return 0, false, err
	}
	return v, true, nil
}

// Adjust 按增量修正缓存。
func (c *StockCache) Adjust(ctx context.Context, variantID uint, delta int64) error {
	err := c.rdb.Eval(ctx, luaAdjustIfPresent, []string{StockKey(variantID)}, delta).Err()
	if errors.Is(err, rd.Nil) {
		return nil
	}
	return err
}
