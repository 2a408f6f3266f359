package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
	_ "time/tzdata"

	"github.com/shopspring/decimal"
)

// AppConfig 聚合运行时配置，尽量通过环境变量注入，避免硬编码。
type AppConfig struct {
	ServiceName string
	Env         string

	HTTPAddr string
	DBPath   string

	RedisAddr string
	RedisDB   int

	// Kafka 集群地址（逗号分隔）、Topic、消费者组
	KafkaBrokers []string
	KafkaTopic   string
	KafkaGroupID string

	// Redis Stream outbox（用例提交后入流，Relay 异步转 Kafka）
	OrderEventStream   string
	OrderEventGroup    string
	OrderEventConsumer string

	// 下单接口限流与库存缓存策略
	CheckoutRateLimit  int
	CheckoutRateWindow time.Duration
	StockCacheTTL      time.Duration

	// 管理接口的简单令牌
	AdminToken string

	// 订单展示币种与结算汇率（USD -> VND）
	DefaultCurrency string
	SettlementRate  decimal.Decimal

	Gateway GatewayConfig
	Reclaim ReclaimConfig
}

// GatewayConfig 是 VNPay 跳转协议所需参数。
// 凭据允许为空：缺失时在首次发起支付时报错，而不是启动失败。
type GatewayConfig struct {
	TmnCode         string
	HashSecret      string
	PayURL          string
	ReturnURL       string
	ExpireAfter     time.Duration
	Version         string
	Command         string
	OrderType       string
	Locale          string
	CurrCode        string
	OrderInfoPrefix string
	TimeZone        string
}

// ReclaimConfig 控制超时未支付订单的回收任务。
type ReclaimConfig struct {
	Interval  time.Duration
	Timeout   time.Duration
	BatchSize int
}

// Load 读取并校验配置，缺失时使用默认值。
func Load() (AppConfig, error) {
	cfg := AppConfig{
		ServiceName:        getEnv("SERVICE_NAME", "eshop-checkout"),
		Env:                getEnv("APP_ENV", "dev"),
		HTTPAddr:           getEnv("HTTP_ADDR", ":8080"),
		DBPath:             getEnv("DB_PATH", "eshop_checkout.db"),
		RedisAddr:          getEnv("REDIS_ADDR", "localhost:6379"),
		RedisDB:            0,
		KafkaBrokers:       splitCSV(getEnv("KAFKA_BROKERS", "localhost:9092")),
		KafkaTopic:         getEnv("KAFKA_TOPIC", "eshop-order-events"),
		KafkaGroupID:       getEnv("KAFKA_GROUP_ID", "eshop-order-notifier"),
		OrderEventStream:   getEnv("ORDER_EVENT_STREAM", "eshop:order_events"),
		OrderEventGroup:    getEnv("ORDER_EVENT_GROUP", "eshop-relay-group"),
		OrderEventConsumer: getEnv("ORDER_EVENT_CONSUMER", "eshop-relay-1"),
		CheckoutRateLimit:  20,
		CheckoutRateWindow: time.Second,
		StockCacheTTL:      24 * time.Hour,
		AdminToken:         getEnv("ADMIN_TOKEN", "dev-admin-token"),
		DefaultCurrency:    strings.ToUpper(getEnv("DEFAULT_CURRENCY", "USD")),
		Gateway: GatewayConfig{
			TmnCode:         getEnv("VNPAY_TMN_CODE", ""),
			HashSecret:      getEnv("VNPAY_HASH_SECRET", ""),
			PayURL:          getEnv("VNPAY_PAY_URL", ""),
			ReturnURL:       getEnv("VNPAY_RETURN_URL", ""),
			ExpireAfter:     15 * time.Minute,
			Version:         getEnv("VNPAY_VERSION", "2.1.0"),
			Command:         getEnv("VNPAY_COMMAND", "pay"),
			OrderType:       getEnv("VNPAY_ORDER_TYPE", "other"),
			Locale:          getEnv("VNPAY_LOCALE", "vn"),
			CurrCode:        getEnv("VNPAY_CURR_CODE", "VND"),
			OrderInfoPrefix: getEnv("VNPAY_ORDER_INFO_PREFIX", "E-Shop Order"),
			TimeZone:        getEnv("VNPAY_TIME_ZONE", "Asia/Ho_Chi_Minh"),
		},
		Reclaim: ReclaimConfig{
			Interval:  5 * time.Minute,
			Timeout:   30 * time.Minute,
			BatchSize: 100,
		},
	}

	redisDB, err := getEnvInt("REDIS_DB", cfg.RedisDB)
	if err != nil {
		return AppConfig{}, fmt.Errorf("invalid REDIS_DB: %w", err)
	}
	cfg.RedisDB = redisDB

	rateLimit, err := getEnvInt("CHECKOUT_RATE_LIMIT", cfg.CheckoutRateLimit)
	if err != nil {
		return AppConfig{}, fmt.Errorf("invalid CHECKOUT_RATE_LIMIT: %w", err)
	}
	if rateLimit <= 0 {
		return AppConfig{}, fmt.Errorf("CHECKOUT_RATE_LIMIT must be > 0")
	}
	cfg.CheckoutRateLimit = rateLimit

	rateWindow, err := getEnvDuration("CHECKOUT_RATE_WINDOW", cfg.CheckoutRateWindow)
	if err != nil {
		return AppConfig{}, fmt.Errorf("invalid CHECKOUT_RATE_WINDOW: %w", err)
	}
	if rateWindow < time.Second {
		return AppConfig{}, fmt.Errorf("CHECKOUT_RATE_WINDOW must be >= 1s")
	}
	cfg.CheckoutRateWindow = rateWindow

	stockTTL, err := getEnvDuration("STOCK_CACHE_TTL", cfg.StockCacheTTL)
	if err != nil {
		return AppConfig{}, fmt.Errorf("invalid STOCK_CACHE_TTL: %w", err)
	}
	if stockTTL <= 0 {
		return AppConfig{}, fmt.Errorf("STOCK_CACHE_TTL must be > 0")
	}
	cfg.StockCacheTTL = stockTTL

	rate, err := getEnvDecimal("SETTLEMENT_RATE", decimal.RequireFromString("26355.53"))
	if err != nil {
		return AppConfig{}, fmt.Errorf("invalid SETTLEMENT_RATE: %w", err)
	}
	if !rate.IsPositive() {
		return AppConfig{}, fmt.Errorf("SETTLEMENT_RATE must be > 0")
	}
	cfg.SettlementRate = rate

	expire, err := getEnvDuration("VNPAY_EXPIRE_AFTER", cfg.Gateway.ExpireAfter)
	if err != nil {
		return AppConfig{}, fmt.Errorf("invalid VNPAY_EXPIRE_AFTER: %w", err)
	}
	if expire <= 0 {
		return AppConfig{}, fmt.Errorf("VNPAY_EXPIRE_AFTER must be > 0")
	}
	cfg.Gateway.ExpireAfter = expire

	if _, err := time.LoadLocation(cfg.Gateway.TimeZone); err != nil {
		return AppConfig{}, fmt.Errorf("invalid VNPAY_TIME_ZONE: %w", err)
	}

	interval, err := getEnvDuration("RECLAIM_INTERVAL", cfg.Reclaim.Interval)
	if err != nil {
		return AppConfig{}, fmt.Errorf("invalid RECLAIM_INTERVAL: %w", err)
	}
	if interval <= 0 {
		return AppConfig{}, fmt.Errorf("RECLAIM_INTERVAL must be > 0")
	}
	cfg.Reclaim.Interval = interval

	timeout, err := getEnvDuration("RECLAIM_TIMEOUT", cfg.Reclaim.Timeout)
	if err != nil {
		return AppConfig{}, fmt.Errorf("invalid RECLAIM_TIMEOUT: %w", err)
	}
	if timeout <= 0 {
		return AppConfig{}, fmt.Errorf("RECLAIM_TIMEOUT must be > 0")
	}
	cfg.Reclaim.Timeout = timeout

	batch, err := getEnvInt("RECLAIM_BATCH_SIZE", cfg.Reclaim.BatchSize)
	if err != nil {
		return AppConfig{}, fmt.Errorf("invalid RECLAIM_BATCH_SIZE: %w", err)
	}
	if batch <= 0 {
		return AppConfig{}, fmt.Errorf("RECLAIM_BATCH_SIZE must be > 0")
	}
	cfg.Reclaim.BatchSize = batch

	if len(cfg.KafkaBrokers) == 0 {
		return AppConfig{}, fmt.Errorf("KAFKA_BROKERS must not be empty")
	}
	if cfg.KafkaTopic == "" {
		return AppConfig{}, fmt.Errorf("KAFKA_TOPIC must not be empty")
	}
	if cfg.KafkaGroupID == "" {
		return AppConfig{}, fmt.Errorf("KAFKA_GROUP_ID must not be empty")
	}
	if cfg.OrderEventStream == "" || cfg.OrderEventGroup == "" || cfg.OrderEventConsumer == "" {
		return AppConfig{}, fmt.Errorf("ORDER_EVENT_STREAM/GROUP/CONSUMER must not be empty")
	}
	if len(cfg.DefaultCurrency) != 3 {
		return AppConfig{}, fmt.Errorf("DEFAULT_CURRENCY must be a 3-letter code")
	}

	return cfg, nil
}

// Location 返回网关时间戳使用的时区，Load 已校验过名称。
func (g GatewayConfig) Location() *time.Location {
	loc, err := time.LoadLocation(g.TimeZone)
	if err != nil {
		return time.UTC
	}
	return loc
}

// getEnv 读取字符串环境变量，若为空则返回默认值。
func getEnv(key, fallback string) string {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return fallback
	}
	return v
}

// getEnvInt 读取整数环境变量，若为空则返回默认值。
func getEnvInt(key string, fallback int) (int, error) {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return fallback, nil
	}
	return strconv.Atoi(v)
}

// getEnvDuration 支持 "30m" 这类写法，也兼容纯数字（按秒）。
func getEnvDuration(key string, fallback time.Duration) (time.Duration, error) {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return fallback, nil
	}
	if sec, err := strconv.Atoi(v); err == nil {
		return time.Duration(sec) * time.Second, nil
	}
	return time.ParseDuration(v)
}

func getEnvDecimal(key string, fallback decimal.Decimal) (decimal.Decimal, error) {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return fallback, nil
	}
	return decimal.NewFromString(v)
}

// splitCSV 将逗号分隔字符串解析为字符串切片。
func splitCSV(value string) []string {
	parts := strings.Split(value, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		s := strings.TrimSpace(p)
		if s != "" {
			out = append(out, s)
		}
	}
	return out
}
