package queue

import (
	"context"
	"strconv"
	"time"

	rd "github.com/redis/go-redis/v9"
)

// StreamOutbox 把事件写入 Redis Stream，由 Relay 异步转发到 Kafka。
type StreamOutbox struct {
	rdb    *rd.Client
	stream string
	maxLen int64
}

func NewStreamOutbox(rdb *rd.Client, stream string) *StreamOutbox {
	return &StreamOutbox{rdb: rdb, stream: stream, maxLen: 100000}
}

func (o *StreamOutbox) Enqueue(ctx context.Context, evt OrderEvent) error {
	if err := evt.Validate(); err != nil {
		return err
	}
	return o.rdb.XAdd(ctx, &rd.XAddArgs{
		Stream: o.stream,
		MaxLen: o.maxLen,
		Approx: true,
		Values: map[string]any{
			"event_id":       evt.EventID,
			"type":           evt.Type,
			"order_id":       evt.OrderID,
			"order_number":   evt.OrderNumber,
			"user_id":        strconv.FormatUint(uint64(evt.UserID), 10),
			"order_status":   evt.OrderStatus,
			"payment_status": evt.PaymentStatus,
			"total":          evt.Total,
			"currency":       evt.Currency,
			"occurred_at":    evt.OccurredAt.Format(time.RFC3339Nano),
		},
	}).Err()
}
