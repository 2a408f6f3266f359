package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"eshop_checkout/internal/checkout"
	"eshop_checkout/internal/config"
	"eshop_checkout/internal/currency"
	"eshop_checkout/internal/inventory"
	"eshop_checkout/internal/lifecycle"
	"eshop_checkout/internal/metrics"
	"eshop_checkout/internal/middleware"
	"eshop_checkout/internal/payment"
	"eshop_checkout/internal/queue"
	"eshop_checkout/internal/reclaim"
	"eshop_checkout/internal/router"
	"eshop_checkout/internal/store"
	"eshop_checkout/internal/validation"
	"eshop_checkout/pkg/logging"
	rediskey "eshop_checkout/pkg/redis"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	rd "github.com/redis/go-redis/v9"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/propagation"
	"go.uber.org/zap"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		panic(err)
	}

	baseLogger := logging.MustNewLogger(cfg.ServiceName, cfg.Env)
	defer func() { _ = baseLogger.Sync() }()
	zap.ReplaceGlobals(baseLogger)
	sysLog := baseLogger.With(zap.String("component", "bootstrap"))

	otel.SetTextMapPropagator(propagation.TraceContext{})

	// 1. 连接 SQLite，自动建表
	db, err := store.Open(cfg.DBPath, cfg.Env != "dev")
	if err != nil {
		sysLog.Fatal("db open", zap.Error(err))
	}
	if err := store.Migrate(db); err != nil {
		sysLog.Fatal("db migrate", zap.Error(err))
	}

	// 2. Redis：订单锁、库存缓存、限流、事件 outbox
	rdb := rd.NewClient(&rd.Options{Addr: cfg.RedisAddr, DB: cfg.RedisDB})
	defer func() { _ = rdb.Close() }()
	pingCtx, cancelPing := context.WithTimeout(context.Background(), 3*time.Second)
	if err := rdb.Ping(pingCtx).Err(); err != nil {
		cancelPing()
		sysLog.Fatal("redis ping", zap.String("addr", cfg.RedisAddr), zap.Error(err))
	}
	cancelPing()

	locker := rediskey.NewOrderLocker(rdb, 0)
	stockCache := rediskey.NewStockCache(rdb, cfg.StockCacheTTL)
	outbox := queue.NewStreamOutbox(rdb, cfg.OrderEventStream)

	// 3. Kafka：Relay 把 Stream 转到 Kafka，Consumer 做下游通知
	producer := queue.NewProducer(cfg.KafkaBrokers, cfg.KafkaTopic)
	defer func() { _ = producer.Close() }()
	consumer := queue.NewConsumer(cfg.KafkaBrokers, cfg.KafkaTopic, cfg.KafkaGroupID, baseLogger)
	defer func() { _ = consumer.Close() }()
	relay := queue.NewRelay(rdb, producer, cfg.OrderEventStream, cfg.OrderEventGroup, cfg.OrderEventConsumer, baseLogger)

	m := metrics.New(prometheus.DefaultRegisterer)
	conv := currency.NewConverter(cfg.SettlementRate)
	gateway := payment.NewGateway(cfg.Gateway, conv)
	inv := inventory.NewService(stockCache, baseLogger)

	orchestrator := checkout.NewOrchestrator(checkout.Deps{
		DB:        db,
		Inventory: inv,
		Gateway:   gateway,
		Validate:  validation.New(),
		Events:    outbox,
		Metrics:   m,
		Log:       baseLogger,
		Currency:  cfg.DefaultCurrency,
	})
	callbacks := payment.NewCallbackProcessor(payment.CallbackDeps{
		DB:        db,
		Verifier:  gateway,
		Converter: conv,
		Inventory: inv,
		Carts:     store.Carts{},
		Locker:    locker,
		Events:    outbox,
		Metrics:   m,
		Log:       baseLogger,
	})
	scheduler := reclaim.NewScheduler(reclaim.Deps{
		DB:        db,
		Inventory: inv,
		Locker:    locker,
		Events:    outbox,
		Metrics:   m,
		Log:       baseLogger,
		Config:    cfg.Reclaim,
	})

	if cfg.Env != "dev" {
		gin.SetMode(gin.ReleaseMode)
	}
	engine := gin.New()
	engine.Use(gin.Recovery())
	router.Setup(engine, router.Deps{
		DB:         db,
		Users:      store.NewUsers(db),
		Checkout:   orchestrator,
		Callbacks:  callbacks,
		Lifecycle:  lifecycle.NewManager(db, outbox, m, baseLogger),
		Admin:      payment.NewAdmin(db),
		Stock:      stockCache,
		RateLimit:  middleware.NewRateLimiter(rdb, "checkout", cfg.CheckoutRateLimit, cfg.CheckoutRateWindow),
		Metrics:    m,
		Gatherer:   prometheus.DefaultGatherer,
		Log:        baseLogger,
		AdminToken: cfg.AdminToken,
	})

	server := &http.Server{
		Addr:              cfg.HTTPAddr,
		Handler:           engine,
		ReadHeaderTimeout: 5 * time.Second,
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	var wg sync.WaitGroup
	runBackground := func(name string, fn func(context.Context)) {
		wg.Add(1)
		go func() {
			defer wg.Done()
			sysLog.Info("background_start", zap.String("worker", name))
			fn(ctx)
			sysLog.Info("background_stopped", zap.String("worker", name))
		}()
	}
	runBackground("order_event_relay", relay.Run)
	runBackground("reclaim_scheduler", scheduler.Run)
	runBackground("order_event_consumer", func(ctx context.Context) {
		consumer.Run(ctx, notifyHandler(baseLogger))
	})

	go func() {
		sysLog.Info("http_server_start", zap.String("addr", server.Addr))
		err := server.ListenAndServe()
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			sysLog.Error("http_server_error", zap.Error(err))
			stop()
		}
	}()

	<-ctx.Done()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		sysLog.Error("http_server_shutdown_error", zap.Error(err))
	} else {
		sysLog.Info("http_server_stopped")
	}
	wg.Wait()
}

// notifyHandler 是下游通知的落点：目前只记录事件，邮件等通道接在这里。
func notifyHandler(log *zap.Logger) queue.Handler {
	log = log.With(zap.String("component", "order_notifier"))
	return func(ctx context.Context, evt queue.OrderEvent) error {
		log.Info("order_event",
			zap.String("event_id", evt.EventID),
			zap.String("event_type", evt.Type),
			zap.String("order_number", evt.OrderNumber))
		return nil
	}
}
