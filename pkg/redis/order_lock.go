package redis

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	rd "github.com/redis/go-redis/v9"
)

// ErrLockHeld 锁被其他实例持有。
var ErrLockHeld = errors.New("redis: order lock held by another worker")

// luaReleaseLockIfMatch 仅当锁值匹配 token 时才删除，避免误删别人的锁。
const luaReleaseLockIfMatch = `
local lockKey = KEYS[1]
local token = ARGV[1]
if redis.call('GET', lockKey) == token then
  return redis.call('DEL', lockKey)
end
return 0
`

// OrderLocker 基于 SET NX PX 的订单锁。
type OrderLocker struct {
	rdb *rd.Client
	ttl time.Duration
}

func NewOrderLocker(rdb *rd.Client, ttl time.Duration) *OrderLocker {
	if ttl <= 0 {
		ttl = 30 * time.Second
	}
	return &OrderLocker{rdb: rdb, ttl: ttl}
}

// Lock 尝试加锁，成功返回释放函数；已被占用返回 ErrLockHeld。
func (l *OrderLocker) Lock(ctx context.Context, orderNumber string) (func(), error) {
	key := OrderLockKey(orderNumber)
	token := uuid.NewString()

	ok, err := l.rdb.SetNX(ctx, key, token, l.ttl).Result()
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, ErrLockHeld
	}
	return func() {
		// 释放用独立 context，请求取消后也要删锁。
		releaseCtx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		_ = l.rdb.Eval(releaseCtx, luaReleaseLockIfMatch, []string{key}, token).Err()
	}, nil
}
