package redis

import "fmt"

// StockKey 统一约定规格库存缓存键名。
func StockKey(variantID uint) string {
	return fmt.Sprintf("eshop:stock:%d", variantID)
}

// OrderLockKey 订单级分布式锁，串行化回调与超时回收。
func OrderLockKey(orderNumber string) string {
	return fmt.Sprintf("eshop:order:lock:%s", orderNumber)
}

// RateLimitKey 下单限流键，subject 为 user:<id> 或 ip:<addr>。
func RateLimitKey(route, subject string) string {
	return fmt.Sprintf("eshop:rate_limit:%s:%s", route, subject)
}
