// cmd/delay-scheduler/main.go
package main

import (
	"context"
	"os"
	"time"

	"github.com/rs/zerolog"
	zlog "github.com/rs/zerolog/log"
	"github.com/segmentio/kafka-go"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/errgroup"

	"ordersaga/internal/pkg/bootstrap"
	"ordersaga/internal/pkg/logger"
	"ordersaga/internal/pkg/mq"
	"ordersaga/internal/pkg/tracing"
	"ordersaga/internal/service/order/domain"
	"ordersaga/internal/service/order/infrastructure/adapter"
)

const (
	serviceName  = "delay-scheduler"
	pollInterval = time.Second
)

var tracer = otel.Tracer(serviceName)

// Scheduler 负责一个延迟级别的轮询。同一级别内消息的到期时间单调递增，
// 所以只需要看队头: 队头未到期，后面的也不会到期。
type Scheduler struct {
	level  string        // 延迟级别 topic
	delay  time.Duration // 没有 deliver-at 头时的兜底延迟
	reader mq.MessageReader
	writer mq.MessageWriter // 不绑定 topic
	now    func() time.Time

	// head 是已拉取但还没到期的队头消息。kafka-go 拉取后位置就前进了，必须自己保存。
	head *kafka.Message
}

// NewScheduler 创建一个针对特定延迟级别的新调度器
func NewScheduler(level string, delay time.Duration, reader mq.MessageReader, writer mq.MessageWriter) *Scheduler {
	return &Scheduler{level: level, delay: delay, reader: reader, writer: writer, now: time.Now}
}

// StartPolling 启动定时轮询器
func (s *Scheduler) StartPolling(ctx context.Context, interval time.Duration) error {
	log := zlog.With().Str("level", s.level).Logger()
	log.Info().Dur("interval", interval).Msg("✅ Polling scheduler started")
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			log.Info().Msg("🛑 Shutting down polling")
			return nil
		case <-ticker.C:
			s.checkAndPublish(ctx, interval, &log)
		}
	}
}

// checkAndPublish 是轮询的核心逻辑: 投递所有到期的消息，遇到未到期的队头就停下
func (s *Scheduler) checkAndPublish(parentCtx context.Context, wait time.Duration, log *zerolog.Logger) {
	for {
		if s.head == nil {
			fetchCtx, cancel := context.WithTimeout(parentCtx, wait)
			msg, err := s.reader.FetchMessage(fetchCtx)
			cancel()
			if err != nil {
				// 没有新消息或正在退出，等待下一次 tick
				return
			}
			s.head = &msg
		}
		msg := *s.head

		now := s.now().UTC()
		due := s.dueTime(msg)
		if now.Before(due) {
			return
		}

		ctx, span := tracer.Start(mq.ExtractTraceContext(parentCtx, msg.Headers), "scheduler.Publish", trace.WithAttributes(
			attribute.String("delay.level", s.level),
			attribute.String("deliver_at", due.Format(time.RFC3339Nano)),
		))
		realTopic := mq.Header(msg.Headers, mq.HeaderRealTopic)
		if realTopic == "" {
			// 这种错误消息也需要提交，否则会一直被重复消费
			log.Error().Int64("offset", msg.Offset).Msg("'real-topic' header missing, skipping")
		} else if err := s.publish(ctx, realTopic, msg); err != nil {
			// 投递失败，不能提交 offset，等待下次轮询重试
			log.Error().Err(err).Str("real_topic", realTopic).Msg("Failed to publish to real topic")
			span.RecordError(err)
			span.SetStatus(codes.Error, "Failed to publish to real topic")
			span.End()
			return
		}

		if err := s.reader.CommitMessages(ctx, msg); err != nil {
			log.Error().Err(err).Int64("offset", msg.Offset).Msg("Failed to commit message after publish")
		}
		s.head = nil
		span.AddEvent("MessagePublishedAndCommitted", trace.WithAttributes(attribute.String("real.topic", realTopic)))
		span.End()
		log.Debug().Str("real_topic", realTopic).Str("key", string(msg.Key)).Msg("Delayed message delivered")
	}
}

// dueTime 优先使用 deliver-at 头，否则按消息写入时间 + 级别延迟计算
func (s *Scheduler) dueTime(msg kafka.Message) time.Time {
	if v := mq.Header(msg.Headers, mq.HeaderDeliverAt); v != "" {
		if t, err := time.Parse(time.RFC3339Nano, v); err == nil {
			return t
		}
	}
	return msg.Time.Add(s.delay)
}

// publish 将消息投递到真实业务主题，去掉调度用的头，保留追踪上下文
func (s *Scheduler) publish(ctx context.Context, realTopic string, msg kafka.Message) error {
	out := kafka.Message{Topic: realTopic, Key: msg.Key, Value: msg.Value}
	mq.InjectTraceContext(ctx, &out.Headers)
	return s.writer.WriteMessages(ctx, out)
}

func main() {
	cfg, err := bootstrap.Init(os.Getenv("CONFIG_PATH"))
	if err != nil {
		zlog.Fatal().Err(err).Msg("failed to load config")
	}
	logger.Init(serviceName, cfg.App.LogLevel)

	tp, err := tracing.InitTracerProvider(serviceName, cfg.Infra.Jaeger.Endpoint, cfg.Infra.Jaeger.SampleRatio)
	if err != nil {
		zlog.Fatal().Err(err).Msg("failed to initialize tracer provider")
	}
	defer tp.Shutdown(context.Background())

	ctx, stop := bootstrap.SignalContext()
	defer stop()

	brokers := cfg.Infra.Kafka.Brokers
	writer := mq.NewKafkaRoutingWriter(brokers)
	defer writer.Close()

	levels := adapter.DelayLevels(cfg.Topics.DelayPrefix, map[domain.Stage]time.Duration{
		domain.StageValidation: cfg.Saga.Timeouts.Validation,
		domain.StagePayment:    cfg.Saga.Timeouts.Payment,
		domain.StageShipment:   cfg.Saga.Timeouts.Shipment,
	})

	// 为每个延迟级别启动一个独立的调度器 goroutine
	g, gctx := errgroup.WithContext(ctx)
	for level, delay := range levels {
		reader := mq.NewKafkaReader(brokers, level, serviceName+"-group-"+level)
		defer reader.Close()
		scheduler := NewScheduler(level, delay, reader, writer)
		g.Go(func() error { return scheduler.StartPolling(gctx, pollInterval) })
	}
	zlog.Info().Int("levels", len(levels)).Msg("All polling schedulers are running.")
	if err := g.Wait(); err != nil {
		zlog.Error().Err(err).Msg("delay scheduler stopped")
	}
}
