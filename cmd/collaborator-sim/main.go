// cmd/collaborator-sim/main.go
package main

import (
	"context"
	"math/rand/v2"
	"os"
	"strconv"
	"sync"
	"time"

	"github.com/google/uuid"
	zlog "github.com/rs/zerolog/log"
	"github.com/segmentio/kafka-go"
	"golang.org/x/sync/errgroup"

	"ordersaga/internal/pkg/bootstrap"
	"ordersaga/internal/pkg/logger"
	"ordersaga/internal/pkg/mq"
	"ordersaga/internal/service/order/domain"
	"ordersaga/internal/service/order/infrastructure"
	"ordersaga/internal/service/order/port"
)

const serviceName = "collaborator-sim"

// Faults 是故障注入参数
type Faults struct {
	FailRate float64       // 回复 *_FAILED 的概率
	DropRate float64       // 不回复的概率，触发编排器超时
	Latency  time.Duration // 回复前的延迟
}

// outcome 是一种命令对应的成功/失败结果事件
type outcome struct {
	success domain.EventType
	failure domain.EventType
}

// Simulator 模拟一个协作服务: 消费命令，按故障参数回复结果事件。
type Simulator struct {
	name     string
	outcomes map[domain.CommandType]outcome
	producer port.EventProducer
	faults   Faults
	roll     func() float64

	mu   sync.Mutex
	seen map[string]struct{} // 已处理的命令 ID，重复命令不再回复
}

func NewSimulator(name string, outcomes map[domain.CommandType]outcome, producer port.EventProducer, faults Faults) *Simulator {
	return &Simulator{
		name:     name,
		outcomes: outcomes,
		producer: producer,
		faults:   faults,
		roll:     rand.Float64,
		seen:     make(map[string]struct{}),
	}
}

// Handle 处理一条命令消息
func (s *Simulator) Handle(ctx context.Context, msg kafka.Message) error {
	cmd, err := infrastructure.DecodeCommand(msg.Value)
	if err != nil {
		zlog.Warn().Err(err).Str("simulator", s.name).Msg("Skipping undecodable command")
		return nil
	}
	log := logger.Ctx(ctx).With().
		Str("simulator", s.name).
		Str("order_id", cmd.OrderID).
		Str("command", string(cmd.Type)).
		Str("command_id", cmd.ID).
		Logger()

	if s.isSeen(cmd.ID) {
		log.Info().Msg("Duplicate command ignored")
		return nil
	}

	if cmd.Type.IsCompensation() {
		s.markSeen(cmd.ID)
		log.Info().Str("idempotency_key", cmd.IdempotencyKey).Msg("↩️ Compensation applied")
		return nil
	}
	oc, ok := s.outcomes[cmd.Type]
	if !ok {
		log.Warn().Msg("Command not handled by this simulator")
		return nil
	}
	if s.roll() < s.faults.DropRate {
		s.markSeen(cmd.ID)
		log.Warn().Msg("🙈 Dropping command, no reply will be sent")
		return nil
	}
	if s.faults.Latency > 0 {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(s.faults.Latency):
		}
	}

	reply := oc.success
	if s.roll() < s.faults.FailRate {
		reply = oc.failure
	}
	evt := domain.Event{
		ID:      uuid.New().String(),
		Type:    reply,
		OrderID: cmd.OrderID,
		Payload: domain.Payload{OrderID: cmd.OrderID, Items: cmd.Items},
		Source:  serviceName + "/" + s.name,
	}
	if err := s.producer.Produce(ctx, evt); err != nil {
		return err
	}
	// 回复成功后才记为已处理，发送失败的命令重投时还会再回复
	s.markSeen(cmd.ID)
	log.Info().Str("reply", string(reply)).Msg("📨 Result event sent")
	return nil
}

func (s *Simulator) isSeen(id string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.seen[id]
	return ok
}

func (s *Simulator) markSeen(id string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.seen[id] = struct{}{}
}

// Run 消费命令 topic 直到 ctx 取消
func (s *Simulator) Run(ctx context.Context, reader mq.MessageReader) error {
	for {
		msg, err := reader.FetchMessage(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			zlog.Error().Err(err).Str("simulator", s.name).Msg("Could not fetch command, retrying...")
			time.Sleep(time.Second)
			continue
		}
		msgCtx := mq.ExtractTraceContext(ctx, msg.Headers)
		if err := s.Handle(msgCtx, msg); err != nil {
			if ctx.Err() != nil {
				return nil
			}
			zlog.Error().Err(err).Str("simulator", s.name).Msg("Failed to reply, command will be redelivered after restart")
			continue
		}
		if err := reader.CommitMessages(ctx, msg); err != nil {
			zlog.Error().Err(err).Msg("Failed to commit command")
		}
	}
}

func main() {
	cfg, err := bootstrap.Init(os.Getenv("CONFIG_PATH"))
	if err != nil {
		zlog.Fatal().Err(err).Msg("failed to load config")
	}
	logger.Init(serviceName, cfg.App.LogLevel)

	faults := Faults{
		FailRate: getEnvFloat("SIM_FAIL_RATE", 0.1),
		DropRate: getEnvFloat("SIM_DROP_RATE", 0.02),
		Latency:  getEnvDuration("SIM_LATENCY", 200*time.Millisecond),
	}

	ctx, stop := bootstrap.SignalContext()
	defer stop()

	brokers := cfg.Infra.Kafka.Brokers
	eventWriter := mq.NewKafkaWriter(brokers, cfg.Topics.Events)
	defer eventWriter.Close()
	producer := infrastructure.NewSagaEventProducer(eventWriter)

	sims := map[string]*Simulator{
		cfg.Topics.Inventory: NewSimulator("inventory", map[domain.CommandType]outcome{
			domain.CommandValidateOrder: {domain.EventValidationSucceeded, domain.EventValidationFailed},
		}, producer, faults),
		cfg.Topics.Payment: NewSimulator("payment", map[domain.CommandType]outcome{
			domain.CommandStartPayment: {domain.EventPaymentSucceeded, domain.EventPaymentFailed},
		}, producer, faults),
		cfg.Topics.Shipment: NewSimulator("shipment", map[domain.CommandType]outcome{
			domain.CommandStartShipment: {domain.EventShipmentSucceeded, domain.EventShipmentFailed},
		}, producer, faults),
	}

	g, gctx := errgroup.WithContext(ctx)
	for topic, sim := range sims {
		reader := mq.NewKafkaReader(brokers, topic, serviceName+"-"+sim.name)
		defer reader.Close()
		g.Go(func() error { return sim.Run(gctx, reader) })
	}
	zlog.Info().
		Float64("fail_rate", faults.FailRate).
		Float64("drop_rate", faults.DropRate).
		Dur("latency", faults.Latency).
		Msg("🚀 Collaborator simulators running")
	if err := g.Wait(); err != nil {
		zlog.Error().Err(err).Msg("collaborator simulator stopped")
	}
}

func getEnvFloat(key string, fallback float64) float64 {
	if v, ok := os.LookupEnv(key); ok {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			return f
		}
	}
	return fallback
}

func getEnvDuration(key string, fallback time.Duration) time.Duration {
	if v, ok := os.LookupEnv(key); ok {
		if d, err := time.ParseDuration(v); err == nil {
			return d
		}
	}
	return fallback
}
