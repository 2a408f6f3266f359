package middleware

import (
	"fmt"
	"net/http"
	"sync"
	"time"

	"eshop_checkout/pkg/logging"
	rediskey "eshop_checkout/pkg/redis"

	"github.com/gin-gonic/gin"
	rd "github.com/redis/go-redis/v9"
	"go.uber.org/zap"
	"golang.org/x/time/rate"
)

// luaRateLimit：Redis 滑动窗口限流 Lua 脚本（原子操作）
// KEYS[1]=限流key，ARGV[1]=当前时间戳(ms)，ARGV[2]=窗口开始时间戳(ms)，ARGV[3]=窗口毫秒数
// ARGV[4]=本次请求成员，ARGV[5]=窗口内上限
// 返回：当前窗口内的请求数（超限返回 -1）
const luaRateLimit = `
local key = KEYS[1]
local now = tonumber(ARGV[1])
local windowStart = tonumber(ARGV[2])
local windowMs = tonumber(ARGV[3])
local member = ARGV[4]

-- 删除窗口外的旧记录
redis.call('ZREMRANGEBYSCORE', key, '0', windowStart)

local count = redis.call('ZCARD', key)
if count < tonumber(ARGV[5]) then
  redis.call('ZADD', key, now, member)
  redis.call('PEXPIRE', key, windowMs)
  return count + 1
end
return -1
`

// 本地兜底限流器数量上限，超过后清掉长时间未用的条目。
const maxLocalLimiters = 10000

// RateLimiter Redis 分布式滑动窗口限流，按用户（未登录按 IP）计数。
// Redis 出错时降级为进程内令牌桶，而不是直接放行。
type RateLimiter struct {
	rdb    *rd.Client
	route  string
	limit  int
	window time.Duration

	mu    sync.Mutex
	local map[string]*localLimiter
	now   func() time.Time
}

type localLimiter struct {
	lim      *rate.Limiter
	lastSeen time.Time
}

func NewRateLimiter(rdb *rd.Client, route string, limit int, window time.Duration) *RateLimiter {
	if limit <= 0 {
		limit = 1
	}
	if window <= 0 {
		window = time.Second
	}
	return &RateLimiter{
		rdb:    rdb,
		route:  route,
		limit:  limit,
		window: window,
		local:  make(map[string]*localLimiter),
		now:    time.Now,
	}
}

// Handler 返回 gin 中间件；需挂在 Identity 之后才能按用户限流。
func (l *RateLimiter) Handler() gin.HandlerFunc {
	return func(c *gin.Context) {
		subject := "ip:" + c.ClientIP()
		if u, ok := CurrentUser(c); ok {
			subject = fmt.Sprintf("user:%d", u.ID)
		}
		key := rediskey.RateLimitKey(l.route, subject)

		allowed, err := l.allowRedis(c, key)
		if err != nil {
			logging.FromContext(c.Request.Context()).Warn("rate limit redis unavailable, using local limiter",
				zap.String("key", key), zap.Error(err))
			allowed = l.allowLocal(key)
		}
		if !allowed {
			abort(c, http.StatusTooManyRequests, "RATE_LIMITED", "Too many requests, please retry later")
			return
		}
		c.Next()
	}
}

func (l *RateLimiter) allowRedis(c *gin.Context, key string) (bool, error) {
	if l.rdb == nil {
		return false, fmt.Errorf("redis client not configured")
	}
	now := l.now()
	nowMs := now.UnixMilli()
	windowMs := l.window.Milliseconds()
	member := fmt.Sprintf("%d-%d", nowMs, now.UnixNano())

	res, err := l.rdb.Eval(c.Request.Context(), luaRateLimit, []string{key},
		nowMs, nowMs-windowMs, windowMs, member, l.limit).Int()
	if err != nil {
		return false, err
	}
	return res >= 0, nil
}

// allowLocal 令牌桶速率 limit/window，突发上限 limit。
func (l *RateLimiter) allowLocal(key string) bool {
	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.now()
	if len(l.local) >= maxLocalLimiters {
		for k, v := range l.local {
			if now.Sub(v.lastSeen) > 10*l.window {
				delete(l.local, k)
			}
		}
	}
	e, ok := l.local[key]
	if !ok {
		every := rate.Every(l.window / time.Duration(l.limit))
		e = &localLimiter{lim: rate.NewLimiter(every, l.limit)}
		l.local[key] = e
	}
	e.lastSeen = now
	return e.lim.AllowN(now, 1)
}
