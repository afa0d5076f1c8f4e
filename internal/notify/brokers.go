package notify

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"

	amqp "github.com/rabbitmq/amqp091-go"
	"github.com/redis/go-redis/v9"
)

// MemoryBroker 在内存中保存事件，用于本地运行与测试。
type MemoryBroker struct {
	mu     sync.Mutex
	events []Envelope
	limit  int
}

// NewMemoryBroker 创建内存 Broker，limit<=0 时默认保留 1000 条。
func NewMemoryBroker(limit int) *MemoryBroker {
	if limit <= 0 {
		limit = 1000
	}
	return &MemoryBroker{limit: limit}
}

func (b *MemoryBroker) Publish(_ context.Context, env Envelope) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.events = append(b.events, env)
	if over := len(b.events) - b.limit; over > 0 {
		b.events = append([]Envelope(nil), b.events[over:]...)
	}
	return nil
}

// Events 返回已投递事件的副本。
func (b *MemoryBroker) Events() []Envelope {
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([]Envelope(nil), b.events...)
}

func (b *MemoryBroker) Close() error { return nil }

// RedisBrokerConfig 描述 Redis 事件列表。
type RedisBrokerConfig struct {
	KeyPrefix string `yaml:"key_prefix"`
	MaxLen    int64  `yaml:"max_len"`
}

// RedisBroker 将事件 LPUSH 到按主题划分的列表，并裁剪到 MaxLen。
type RedisBroker struct {
	client redis.UniversalClient
	prefix string
	maxLen int64
}

// NewRedisBroker 复用已建立的 Redis 客户端。
func NewRedisBroker(client redis.UniversalClient, cfg RedisBrokerConfig) (*RedisBroker, error) {
	if client == nil {
		return nil, errors.New("Redis 客户端不能为空")
	}
	prefix := cfg.KeyPrefix
	if prefix == "" {
		prefix = "openlp:events:"
	}
	maxLen := cfg.MaxLen
	if maxLen <= 0 {
		maxLen = 10000
	}
	return &RedisBroker{client: client, prefix: prefix, maxLen: maxLen}, nil
}

func (b *RedisBroker) Publish(ctx context.Context, env Envelope) error {
	body, err := json.Marshal(env)
	if err != nil {
		return err
	}
	key := b.prefix + env.Topic
	pipe := b.client.TxPipeline()
	pipe.LPush(ctx, key, body)
	pipe.LTrim(ctx, key, 0, b.maxLen-1)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("Redis 写入事件失败: %w", err)
	}
	return nil
}

// Close 不关闭共享的客户端，由创建者负责。
func (b *RedisBroker) Close() error { return nil }

// RabbitMQConfig 描述 RabbitMQ 连接与交换机。
type RabbitMQConfig struct {
	URL      string `yaml:"url"`
	Exchange string `yaml:"exchange"`
	Durable  bool   `yaml:"durable"`
}

// RabbitMQBroker 以主题作为 routing key 发布到 topic 交换机。
type RabbitMQBroker struct {
	cfg  RabbitMQConfig
	mu   sync.Mutex
	conn *amqp.Connection
	ch   *amqp.Channel
}

// NewRabbitMQBroker 建立连接并声明交换机。
func NewRabbitMQBroker(cfg RabbitMQConfig) (*RabbitMQBroker, error) {
	if cfg.URL == "" {
		return nil, errors.New("RabbitMQ URL 不能为空")
	}
	if cfg.Exchange == "" {
		cfg.Exchange = "openlp.events"
	}
	b := &RabbitMQBroker{cfg: cfg}
	if err := b.connect(); err != nil {
		return nil, err
	}
	return b, nil
}

func (b *RabbitMQBroker) connect() error {
	conn, err := amqp.Dial(b.cfg.URL)
	if err != nil {
		return fmt.Errorf("连接 RabbitMQ 失败: %w", err)
	}
	ch, err := conn.Channel()
	if err != nil {
		conn.Close()
		return fmt.Errorf("创建 RabbitMQ channel 失败: %w", err)
	}
	if err := ch.ExchangeDeclare(b.cfg.Exchange, amqp.ExchangeTopic, b.cfg.Durable, false, false, false, nil); err != nil {
		ch.Close()
		conn.Close()
		return fmt.Errorf("声明 RabbitMQ 交换机失败: %w", err)
	}
	b.conn, b.ch = conn, ch
	return nil
}

func (b *RabbitMQBroker) Publish(ctx context.Context, env Envelope) error {
	body, err := json.Marshal(env)
	if err != nil {
		return err
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.ch == nil || b.ch.IsClosed() {
		b.closeLocked()
		if err := b.connect(); err != nil {
			return err
		}
	}
	mode := amqp.Transient
	if b.cfg.Durable {
		mode = amqp.Persistent
	}
	return b.ch.PublishWithContext(ctx, b.cfg.Exchange, env.Topic, false, false, amqp.Publishing{
		ContentType:  "application/json",
		MessageId:    env.ID,
		Timestamp:    env.OccurredAt,
		DeliveryMode: mode,
		Body:         body,
	})
}

func (b *RabbitMQBroker) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.closeLocked()
}

func (b *RabbitMQBroker) closeLocked() error {
	var err error
	if b.ch != nil {
		_ = b.ch.Close()
		b.ch = nil
	}
	if b.conn != nil {
		err = b.conn.Close()
		b.conn = nil
	}
	return err
}
