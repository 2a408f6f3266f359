package queue

import (
	"context"
	"encoding/json"
	"errors"

	"github.com/segmentio/kafka-go"
	"go.uber.org/zap"
)

// Handler 处理一条订单事件。返回错误只记日志，不阻塞后续消息。
type Handler func(ctx context.Context, evt OrderEvent) error

type Consumer struct {
	r   *kafka.Reader
	log *zap.Logger
}

func NewConsumer(brokers []string, topic, groupID string, log *zap.Logger) *Consumer {
	return &Consumer{
		r: kafka.NewReader(kafka.ReaderConfig{
			Brokers:  brokers,
			Topic:    topic,
			GroupID:  groupID,
			MinBytes: 1e3,
			MaxBytes: 1e6,
		}),
		log: log.With(zap.String("component", "order_event_consumer")),
	}
}

func (c *Consumer) Close() error { return c.r.Close() }

// Run 阻塞消费直到 ctx 取消。
func (c *Consumer) Run(ctx context.Context, handle Handler) {
	for {
		m, err := c.r.ReadMessage(ctx)
		if err != nil {
			if ctx.Err() == nil && !errors.Is(err, context.Canceled) {
				c.log.Error("consumer read", zap.Error(err))
			}
			return // ctx cancel / 连接断开等
		}
		c.dispatch(ctx, m.Value, handle)
	}
}

func (c *Consumer) dispatch(ctx context.Context, value []byte, handle Handler) {
	evt, err := decodeEvent(value)
	if err != nil {
		c.log.Warn("consumer drop malformed event", zap.Error(err))
		return
	}
	if err := handle(ctx, evt); err != nil {
		c.log.Error("consumer handle event",
			zap.String("event_id", evt.EventID),
			zap.String("event_type", evt.Type),
			zap.Error(err))
	}
}

func decodeEvent(value []byte) (OrderEvent, error) {
	var evt OrderEvent
	if err := json.Unmarshal(value, &evt); err != nil {
		return OrderEvent{}, err
	}
	if err := evt.Validate(); err != nil {
		return OrderEvent{}, err
	}
	return evt, nil
}
