package notify

import (
	"context"
	"encoding/json"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	xerrors "OpenLP-Agent/internal/errors"
	"OpenLP-Agent/internal/retry"
	"OpenLP-Agent/pkg/logger"
)

// 对外事件主题
const (
	TopicStateChanged       = "agent.state_changed"
	TopicTransactionUpdated = "transaction.updated"
	TopicFundsSafety        = "funds.safety_violation"
)

// Envelope 是投递到消息中间件的事件结构。
type Envelope struct {
	ID         string          `json:"id"`
	Topic      string          `json:"topic"`
	AgentID    string          `json:"agent_id"`
	OccurredAt time.Time       `json:"occurred_at"`
	Payload    json.RawMessage `json:"payload"`
}

// Broker 负责把事件写入外部系统。
type Broker interface {
	Publish(ctx context.Context, env Envelope) error
	Close() error
}

// RelayConfig 控制缓冲区大小与投递重试。
type RelayConfig struct {
	Buffer  int           `yaml:"buffer"`
	Retry   retry.Policy  `yaml:"retry"`
	Timeout time.Duration `yaml:"timeout"`
}

// Relay 异步地把进程内事件转发给 Broker，失败按重试策略退避，
// 最终失败的事件写入审计日志作为死信。
type Relay struct {
	broker  Broker
	cfg     RelayConfig
	queue   chan Envelope
	now     func() time.Time
	once    sync.Once
	done    chan struct{}
	dropped int64
	mu      sync.Mutex
}

// NewRelay 创建转发器，调用 Start 后开始投递。
func NewRelay(broker Broker, cfg RelayConfig) *Relay {
	if cfg.Buffer <= 0 {
		cfg.Buffer = 1024
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 5 * time.Second
	}
	cfg.Retry = cfg.Retry.Normalize()
	return &Relay{
		broker: broker,
		cfg:    cfg,
		queue:  make(chan Envelope, cfg.Buffer),
		now:    time.Now,
		done:   make(chan struct{}),
	}
}

// Emit 序列化 payload 并放入缓冲区。缓冲区已满时丢弃并返回 false。
func (r *Relay) Emit(topic, agentID string, payload any) bool {
	if r == nil {
		return false
	}
	body, err := json.Marshal(payload)
	if err != nil {
		logger.L().Error("事件序列化失败", slog.String("topic", topic), slog.Any("error", err))
		return false
	}
	env := Envelope{
		ID:         uuid.NewString(),
		Topic:      topic,
		AgentID:    agentID,
		OccurredAt: r.now().UTC(),
		Payload:    body,
	}
	select {
	case r.queue <- env:
		return true
	default:
		r.mu.Lock()
		r.dropped++
		r.mu.Unlock()
		logger.L().Warn("事件缓冲区已满，丢弃事件", slog.String("topic", topic), slog.String("agent_id", agentID))
		return false
	}
}

// Dropped 返回因缓冲区满而丢弃的事件数。
func (r *Relay) Dropped() int64 {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.dropped
}

// Start 启动投递协程，ctx 结束后会尽力投递剩余事件再退出。
func (r *Relay) Start(ctx context.Context) {
	r.once.Do(func() {
		go r.loop(ctx)
	})
}

// Wait 等待投递协程退出。
func (r *Relay) Wait(ctx context.Context) error {
	select {
	case <-r.done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (r *Relay) loop(ctx context.Context) {
	defer close(r.done)
	for {
		select {
		case env := <-r.queue:
			r.deliver(ctx, env)
		case <-ctx.Done():
			r.drain()
			return
		}
	}
}

func (r *Relay) drain() {
	flushCtx, cancel := context.WithTimeout(context.Background(), r.cfg.Timeout)
	defer cancel()
	for {
		select {
		case env := <-r.queue:
			r.deliver(flushCtx, env)
		default:
			return
		}
	}
}

func (r *Relay) deliver(ctx context.Context, env Envelope) {
	_ = retry.Do(ctx, r.cfg.Retry, func(ctx context.Context, attempt int) error {
		attemptCtx, cancel := context.WithTimeout(ctx, r.cfg.Timeout)
		defer cancel()
		if err := r.broker.Publish(attemptCtx, env); err != nil {
			return xerrors.Wrap(xerrors.CodeQueueFailure, err, "投递事件失败")
		}
		return nil
	},
		retry.OnRetry(func(attempt int, delay time.Duration, err error) {
			logger.L().Warn("事件投递失败，准备重试",
				slog.String("event_id", env.ID),
				slog.String("topic", env.Topic),
				slog.Int("attempt", attempt),
				slog.Duration("backoff", delay),
				slog.Any("error", err))
		}),
		retry.OnGiveUp(func(attempts int, err error) {
			logger.Audit().Error("事件进入死信",
				slog.String("event_id", env.ID),
				slog.String("topic", env.Topic),
				slog.String("agent_id", env.AgentID),
				slog.Int("attempts", attempts),
				slog.String("payload", string(env.Payload)),
				slog.Any("error", err))
		}),
	)
}
