package config

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"gopkg.in/yaml.v3"

	"OpenLP-Agent/internal/agent"
	xerrors "OpenLP-Agent/internal/errors"
	"OpenLP-Agent/internal/ledger"
	"OpenLP-Agent/internal/notify"
	"OpenLP-Agent/internal/observability/alerting"
	"OpenLP-Agent/internal/provider"
	"OpenLP-Agent/internal/risk"
	"OpenLP-Agent/internal/storage/mysql"
	"OpenLP-Agent/internal/storage/redis"
	"OpenLP-Agent/internal/transaction"
	"OpenLP-Agent/pkg/logger"
)

// EnvPrefix 是所有环境变量覆盖项的前缀。
const EnvPrefix = "LPAGENT_"

// Config 描述守护进程启动阶段需要加载的全部配置。
type Config struct {
	Log       logger.Config      `yaml:"log"`
	Storage   StorageConfig      `yaml:"storage"`
	Events    EventsConfig       `yaml:"events"`
	Chain     ChainConfig        `yaml:"chain"`
	Executor  transaction.Config `yaml:"executor"`
	Risk      risk.Config        `yaml:"risk"`
	Ledger    ledger.Limits      `yaml:"ledger"`
	Providers provider.Config    `yaml:"providers"`
	Alerting  AlertingConfig     `yaml:"alerting"`
	Agents    []AgentEntry       `yaml:"agents"`
	Ops       OpsConfig          `yaml:"ops"`
}

// StorageConfig 选择状态存储后端。
type StorageConfig struct {
	Driver string       `yaml:"driver"`
	MySQL  mysql.Config `yaml:"mysql"`
	Redis  redis.Config `yaml:"redis"`
}

// EventsConfig 选择对外事件转发的消息代理。redis 驱动复用 storage.redis 的连接参数。
type EventsConfig struct {
	Driver   string                   `yaml:"driver"`
	Redis    notify.RedisBrokerConfig `yaml:"redis"`
	RabbitMQ notify.RabbitMQConfig    `yaml:"rabbitmq"`
	Relay    notify.RelayConfig       `yaml:"relay"`
}

// ChainConfig 指定链定义文件与签名私钥来源。
type ChainConfig struct {
	Definitions string `yaml:"definitions"`
	Name        string `yaml:"name"`
	KeyEnv      string `yaml:"key_env"`
}

// AlertingConfig 配置告警推送。
type AlertingConfig struct {
	Webhook alerting.WebhookConfig `yaml:"webhook"`
}

// AgentEntry 是启动时注册的智能体。
type AgentEntry struct {
	ID     string       `yaml:"id"`
	Config agent.Config `yaml:",inline"`
}

// OpsConfig 控制运维 HTTP 服务。
type OpsConfig struct {
	Address string `yaml:"address"`
	Token   string `yaml:"token"`
}

// Storage/events 驱动名。
const (
	DriverMemory   = "memory"
	DriverMySQL    = "mysql"
	DriverRedis    = "redis"
	DriverRabbitMQ = "rabbitmq"
)

// Default 返回全部默认值。
func Default() Config {
	return Config{
		Log:      logger.Config{Level: "info", Format: "json"},
		Storage:  StorageConfig{Driver: DriverMemory},
		Events:   EventsConfig{Driver: DriverMemory, Relay: notify.RelayConfig{Buffer: 256}},
		Chain:    ChainConfig{KeyEnv: EnvPrefix + "SIGNER_KEY"},
		Executor: transaction.DefaultConfig(),
		Risk:     risk.DefaultConfig(),
		Ledger:   ledger.DefaultLimits(),
		Ops:      OpsConfig{Address: ":8080"},
	}
}

// Load 解析指定路径的 YAML 配置文件，依次应用默认值、文件内容与环境变量覆盖。
func Load(path string) (*Config, error) {
	if path == "" {
		return nil, errors.New("配置文件路径为空")
	}

	file, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("打开配置文件失败: %w", err)
	}
	defer file.Close()

	content, err := io.ReadAll(file)
	if err != nil {
		return nil, fmt.Errorf("读取配置文件失败: %w", err)
	}

	cfg, err := Parse(content)
	if err != nil {
		return nil, err
	}
	cfg.resolvePaths(filepath.Dir(path))
	cfg.ApplyEnv(os.LookupEnv)
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Parse 在默认值之上解码 YAML，未知字段视为错误。
func Parse(content []byte) (*Config, error) {
	cfg := Default()
	dec := yaml.NewDecoder(bytes.NewReader(content))
	dec.KnownFields(true)
	if err := dec.Decode(&cfg); err != nil && !errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("解析配置失败: %w", err)
	}
	for i := range cfg.Agents {
		cfg.Agents[i].Config = cfg.Agents[i].Config.WithDefaults()
	}
	return &cfg, nil
}

// resolvePaths 将相对路径解析为相对于配置文件所在目录。
func (c *Config) resolvePaths(baseDir string) {
	if c.Chain.Definitions != "" && !filepath.IsAbs(c.Chain.Definitions) {
		c.Chain.Definitions = filepath.Join(baseDir, c.Chain.Definitions)
	}
	if c.Log.Audit.Path != "" && !filepath.IsAbs(c.Log.Audit.Path) {
		c.Log.Audit.Path = filepath.Join(baseDir, c.Log.Audit.Path)
	}
}

// ApplyEnv 使用 LPAGENT_* 环境变量覆盖敏感或按环境变化的字段。
func (c *Config) ApplyEnv(lookup func(string) (string, bool)) {
	overrides := []struct {
		key    string
		target *string
	}{
		{"LOG_LEVEL", &c.Log.Level},
		{"LOG_FORMAT", &c.Log.Format},
		{"STORAGE_DRIVER", &c.Storage.Driver},
		{"MYSQL_DSN", &c.Storage.MySQL.DSN},
		{"REDIS_ADDR", &c.Storage.Redis.Address},
		{"REDIS_PASSWORD", &c.Storage.Redis.Password},
		{"EVENTS_DRIVER", &c.Events.Driver},
		{"RABBITMQ_URL", &c.Events.RabbitMQ.URL},
		{"CHAIN", &c.Chain.Name},
		{"CHAIN_DEFINITIONS", &c.Chain.Definitions},
		{"SCORE_URL", &c.Providers.ScoreURL},
		{"POSITIONS_URL", &c.Providers.PositionsURL},
		{"PROVIDER_API_KEY", &c.Providers.APIKey},
		{"ALERT_WEBHOOK_URL", &c.Alerting.Webhook.URL},
		{"OPS_ADDR", &c.Ops.Address},
		{"OPS_TOKEN", &c.Ops.Token},
	}
	for _, o := range overrides {
		if v, ok := lookup(EnvPrefix + o.key); ok && strings.TrimSpace(v) != "" {
			*o.target = strings.TrimSpace(v)
		}
	}
}

// SignerKey 从 KeyEnv 指定的环境变量读取签名私钥。
func (c *Config) SignerKey(lookup func(string) (string, bool)) string {
	if c.Chain.KeyEnv == "" {
		return ""
	}
	v, _ := lookup(c.Chain.KeyEnv)
	return strings.TrimSpace(v)
}

// Validate 检查驱动选择与智能体列表。
func (c *Config) Validate() error {
	switch c.Storage.Driver {
	case DriverMemory:
	case DriverMySQL:
		if c.Storage.MySQL.DSN == "" {
			return invalid("storage.mysql.dsn is required for the mysql driver")
		}
	case DriverRedis:
		if c.Storage.Redis.Address == "" {
			return invalid("storage.redis.address is required for the redis driver")
		}
	default:
		return invalid("unknown storage driver %q", c.Storage.Driver)
	}

	switch c.Events.Driver {
	case DriverMemory:
	case DriverRedis:
		if c.Storage.Redis.Address == "" {
			return invalid("storage.redis.address is required for the redis events driver")
		}
	case DriverRabbitMQ:
		if c.Events.RabbitMQ.URL == "" {
			return invalid("events.rabbitmq.url is required for the rabbitmq driver")
		}
	default:
		return invalid("unknown events driver %q", c.Events.Driver)
	}

	if c.Risk.ReductionPercent <= 0 || c.Risk.ReductionPercent > 100 {
		return invalid("risk.reduction_percent must lie within (0,100]")
	}

	seen := make(map[string]struct{}, len(c.Agents))
	for _, entry := range c.Agents {
		if entry.ID == "" {
			return invalid("agent id is required")
		}
		if _, dup := seen[entry.ID]; dup {
			return invalid("duplicate agent id %q", entry.ID)
		}
		seen[entry.ID] = struct{}{}
		if err := agent.ValidateConfig(entry.Config); err != nil {
			return err
		}
	}
	return nil
}

func invalid(format string, args ...any) error {
	return xerrors.New(xerrors.CodeInvalidArgument, fmt.Sprintf(format, args...))
}
