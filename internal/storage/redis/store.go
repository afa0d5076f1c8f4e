package redis

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	goredis "github.com/redis/go-redis/v9"

	"OpenLP-Agent/internal/agent"
	xerrors "OpenLP-Agent/internal/errors"
)

// Config 描述 Redis 连接参数。
type Config struct {
	Address   string `yaml:"address"`
	Password  string `yaml:"password"`
	DB        int    `yaml:"db"`
	KeyPrefix string `yaml:"key_prefix"`
}

// NewClient 创建客户端并检查连通性。
func NewClient(ctx context.Context, cfg Config) (*goredis.Client, error) {
	if cfg.Address == "" {
		return nil, xerrors.New(xerrors.CodeInvalidArgument, "Redis address 不能为空")
	}
	client := goredis.NewClient(&goredis.Options{
		Addr:     cfg.Address,
		Password: cfg.Password,
		DB:       cfg.DB,
	})
	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "连接 Redis 失败")
	}
	return client, nil
}

// saveScript 仅在新记录不早于已存储记录时写入，返回 1 表示写入成功。
var saveScript = goredis.NewScript(`
local current = redis.call('HGET', KEYS[1], 'updated_at')
if current and tonumber(current) > tonumber(ARGV[1]) then
  return 0
end
redis.call('HSET', KEYS[1], 'updated_at', ARGV[1], 'state', ARGV[2], 'status', ARGV[3])
return 1
`)

// StateStore 把每个智能体的 Status 存为一个哈希。
type StateStore struct {
	client goredis.UniversalClient
	prefix string
}

var _ agent.StateStore = (*StateStore)(nil)

// NewStateStore 复用已建立的客户端。
func NewStateStore(client goredis.UniversalClient, prefix string) (*StateStore, error) {
	if client == nil {
		return nil, xerrors.New(xerrors.CodeInvalidArgument, "Redis 客户端不能为空")
	}
	if prefix == "" {
		prefix = "openlp:agent:"
	}
	return &StateStore{client: client, prefix: prefix}, nil
}

func (s *StateStore) key(agentID string) string { return s.prefix + agentID }

// SaveState 写入状态，已存储记录更新时返回 agent.ErrStaleStatus。
func (s *StateStore) SaveState(ctx context.Context, agentID string, status agent.Status) error {
	body, err := json.Marshal(status)
	if err != nil {
		return xerrors.Wrap(xerrors.CodeInvalidArgument, err, "序列化智能体状态失败")
	}
	written, err := saveScript.Run(ctx, s.client, []string{s.key(agentID)},
		status.UpdatedAt.UnixMicro(), string(status.State), body).Int()
	if err != nil {
		return xerrors.Wrap(xerrors.CodeStorageFailure, err, "写入 Redis 失败")
	}
	if written == 0 {
		return agent.ErrStaleStatus
	}
	return nil
}

// LoadState 读取状态，不存在时返回 agent.ErrStatusNotFound。
func (s *StateStore) LoadState(ctx context.Context, agentID string) (agent.Status, error) {
	body, err := s.client.HGet(ctx, s.key(agentID), "status").Bytes()
	switch {
	case errors.Is(err, goredis.Nil):
		return agent.Status{}, agent.ErrStatusNotFound
	case err != nil:
		return agent.Status{}, xerrors.Wrap(xerrors.CodeStorageFailure, err, "读取 Redis 失败")
	}
	var status agent.Status
	if err := json.Unmarshal(body, &status); err != nil {
		return agent.Status{}, xerrors.Wrap(xerrors.CodeStorageFailure, err, "解析智能体状态失败")
	}
	return status, nil
}

// Ping 检查连接是否可用。
func (s *StateStore) Ping(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()
	if err := s.client.Ping(ctx).Err(); err != nil {
		return xerrors.Wrap(xerrors.CodeStorageFailure, err, "Redis 不可用")
	}
	return nil
}
