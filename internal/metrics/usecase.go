package metrics

import (
	"context"
	"time"

	"eshop_checkout/pkg/logging"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
)

const tracerName = "eshop_checkout"

// UseCase 一次用例执行的观测上下文。
type UseCase struct {
	name  string
	start time.Time
	span  trace.Span
	log   *zap.Logger
	m     *Metrics
}

// StartUseCase 开启 "UC.<span>" span，并准备好带 use_case 字段的 logger。
func (m *Metrics) StartUseCase(ctx context.Context, base *zap.Logger, name, span string, attrs ...attribute.KeyValue) (context.Context, *UseCase) {
	ctx, sp := otel.Tracer(tracerName).Start(ctx, "UC."+span,
		trace.WithAttributes(append(attrs, attribute.String("use_case", name))...))
	log := logging.FromContext(ctx, base).With(zap.String("use_case", name))
	return ctx, &UseCase{name: name, start: time.Now(), span: sp, log: log, m: m}
}

func (u *UseCase) Logger() *zap.Logger { return u.log }

// SetAttributes 追加 span 属性，例如执行中才确定的订单号。
func (u *UseCase) SetAttributes(attrs ...attribute.KeyValue) {
	u.span.SetAttributes(attrs...)
}

// End 结束 span、记录指标并输出 use_case_done。
func (u *UseCase) End(err error, fields ...zap.Field) {
	outcome := Outcome(err)
	if err != nil {
		u.span.RecordError(err)
		u.span.SetStatus(codes.Error, err.Error())
	} else {
		u.span.SetStatus(codes.Ok, "")
	}
	u.span.SetAttributes(attribute.String("outcome", outcome))
	u.span.End()

	u.m.ObserveUseCase(u.name, outcome, u.start)

	fields = append(fields,
		zap.String("outcome", outcome),
		zap.Duration("duration", time.Since(u.start)),
	)
	switch outcome {
	case "success":
		u.log.Info("use_case_done", fields...)
	case "internal", "gateway":
		u.log.Error("use_case_done", append(fields, zap.Error(err))...)
	default:
		u.log.Warn("use_case_done", append(fields, zap.Error(err))...)
	}
}
