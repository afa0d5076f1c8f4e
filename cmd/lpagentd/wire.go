package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"time"

	goredis "github.com/redis/go-redis/v9"

	"OpenLP-Agent/internal/agent"
	"OpenLP-Agent/internal/api"
	"OpenLP-Agent/internal/chain"
	"OpenLP-Agent/internal/config"
	"OpenLP-Agent/internal/ledger"
	"OpenLP-Agent/internal/notify"
	"OpenLP-Agent/internal/observability/alerting"
	"OpenLP-Agent/internal/observability/metrics"
	"OpenLP-Agent/internal/provider"
	"OpenLP-Agent/internal/risk"
	"OpenLP-Agent/internal/storage/mysql"
	"OpenLP-Agent/internal/storage/redis"
	"OpenLP-Agent/internal/transaction"
	"OpenLP-Agent/pkg/logger"
)

const journalTimeout = 5 * time.Second

// daemon 持有装配完成的全部组件，close 按依赖逆序释放。
type daemon struct {
	cfg *config.Config
	log *slog.Logger

	metrics    *metrics.Metrics
	store      agent.StateStore
	journal    *mysql.Store
	redis      *goredis.Client
	broker     notify.Broker
	relay      *notify.Relay
	chain      *chain.Client
	ledger     *ledger.Ledger
	executor   *transaction.Executor
	controller *risk.Controller
	checks     map[string]api.HealthCheck
	closers    []io.Closer
}

func build(ctx context.Context, cfg *config.Config) (d *daemon, err error) {
	d = &daemon{
		cfg:     cfg,
		log:     logger.Named("daemon"),
		metrics: metrics.New(),
		checks:  make(map[string]api.HealthCheck),
	}
	defer func() {
		if err != nil {
			d.close()
		}
	}()

	alerts, err := d.buildAlerting()
	if err != nil {
		return nil, err
	}
	if err := d.openStorage(ctx); err != nil {
		return nil, err
	}
	if err := d.openEvents(ctx); err != nil {
		return nil, err
	}
	if err := d.dialChain(ctx); err != nil {
		return nil, err
	}

	scorer, err := provider.NewScoreClient(cfg.Providers)
	if err != nil {
		return nil, fmt.Errorf("创建风险评分客户端失败: %w", err)
	}
	source, err := d.fundsSource()
	if err != nil {
		return nil, err
	}

	d.ledger = ledger.New(source, ledger.WithLimits(cfg.Ledger))
	d.ledger.AddSafetyListener(func(v ledger.SafetyViolation) error {
		d.metrics.IncSafetyViolation(v.AgentID)
		d.relay.Emit(notify.TopicFundsSafety, v.AgentID, v)
		return nil
	})

	d.executor, err = transaction.NewExecutor(d.chain.Pipeline(), cfg.Executor,
		transaction.WithObserver(d.metrics),
		transaction.WithAlertDispatcher(alerts))
	if err != nil {
		return nil, err
	}
	d.executor.Subscribe(func(r transaction.Request) error {
		d.relay.Emit(notify.TopicTransactionUpdated, r.AgentID, r)
		return nil
	})
	if d.journal != nil {
		d.executor.Subscribe(d.journal.JournalListener(journalTimeout))
	}

	d.controller, err = risk.NewController(scorer, d.ledger, d.executor, cfg.Risk,
		risk.WithStore(d.store),
		risk.WithObserver(d.metrics),
		risk.WithAlertDispatcher(alerts))
	if err != nil {
		return nil, err
	}
	d.controller.OnStateChange(func(ch agent.StateChange) error {
		d.relay.Emit(notify.TopicStateChanged, ch.AgentID, ch)
		return nil
	})
	return d, nil
}

func (d *daemon) buildAlerting() (alerting.Dispatcher, error) {
	notifiers := []alerting.Notifier{alerting.AuditNotifier{}}
	if d.cfg.Alerting.Webhook.URL != "" {
		webhook, err := alerting.NewWebhookNotifier(d.cfg.Alerting.Webhook)
		if err != nil {
			return nil, err
		}
		notifiers = append(notifiers, webhook)
	}
	return alerting.NewFanout(notifiers...), nil
}

func (d *daemon) redisClient(ctx context.Context) (*goredis.Client, error) {
	if d.redis != nil {
		return d.redis, nil
	}
	client, err := redis.NewClient(ctx, d.cfg.Storage.Redis)
	if err != nil {
		return nil, err
	}
	d.redis = client
	d.closers = append(d.closers, client)
	return client, nil
}

func (d *daemon) openStorage(ctx context.Context) error {
	switch d.cfg.Storage.Driver {
	case config.DriverMySQL:
		store, err := mysql.Open(ctx, d.cfg.Storage.MySQL)
		if err != nil {
			return err
		}
		d.closers = append(d.closers, store)
		d.store, d.journal = store, store
		d.checks["storage"] = store.Ping
		if err := d.metrics.RegisterDB("lpagent", store.DB()); err != nil {
			d.log.Warn("注册连接池指标失败", slog.Any("error", err))
		}
	case config.DriverRedis:
		client, err := d.redisClient(ctx)
		if err != nil {
			return err
		}
		store, err := redis.NewStateStore(client, d.cfg.Storage.Redis.KeyPrefix)
		if err != nil {
			return err
		}
		d.store = store
		d.checks["storage"] = store.Ping
	default:
		d.store = agent.NewMemoryStateStore()
	}
	d.log.Info("状态存储已就绪", slog.String("driver", d.cfg.Storage.Driver))
	return nil
}

func (d *daemon) openEvents(ctx context.Context) error {
	switch d.cfg.Events.Driver {
	case config.DriverRedis:
		client, err := d.redisClient(ctx)
		if err != nil {
			return err
		}
		broker, err := notify.NewRedisBroker(client, d.cfg.Events.Redis)
		if err != nil {
			return err
		}
		d.broker = broker
	case config.DriverRabbitMQ:
		broker, err := notify.NewRabbitMQBroker(d.cfg.Events.RabbitMQ)
		if err != nil {
			return err
		}
		d.broker = broker
	default:
		d.broker = notify.NewMemoryBroker(0)
	}
	d.closers = append(d.closers, d.broker)
	d.relay = notify.NewRelay(d.broker, d.cfg.Events.Relay)
	if err := d.metrics.RegisterRelayDropped(d.relay.Dropped); err != nil {
		d.log.Warn("注册事件丢弃指标失败", slog.Any("error", err))
	}
	d.log.Info("事件转发已就绪", slog.String("driver", d.cfg.Events.Driver))
	return nil
}

func (d *daemon) dialChain(ctx context.Context) error {
	defs, err := chain.LoadDefinitions(d.cfg.Chain.Definitions)
	if err != nil {
		return err
	}
	name, def, err := defs.Select(d.cfg.Chain.Name)
	if err != nil {
		return err
	}
	key := d.cfg.SignerKey(os.LookupEnv)
	client, err := dialWithKey(ctx, name, def, key)
	if err != nil {
		return err
	}
	if key == "" {
		d.log.Warn("未配置签名私钥，交易将无法签名", slog.String("env", d.cfg.Chain.KeyEnv))
	}
	d.chain = client
	d.checks["chain"] = func(ctx context.Context) error {
		_, err := client.Snapshot(ctx)
		return err
	}
	d.log.Info("已连接链节点", slog.String("chain", name))
	return nil
}

func dialWithKey(ctx context.Context, name string, def chain.Definition, hexKey string) (*chain.Client, error) {
	if hexKey == "" {
		return chain.Dial(ctx, name, def, nil)
	}
	key, err := chain.ParseKey(hexKey)
	if err != nil {
		return nil, err
	}
	return chain.Dial(ctx, name, def, key)
}

// fundsSource 优先使用持仓服务，未配置时仅以链上原生余额作为资金快照。
func (d *daemon) fundsSource() (ledger.Source, error) {
	if d.cfg.Providers.PositionsURL != "" {
		source, err := provider.NewFundsSource(d.cfg.Providers, d.chain)
		if err != nil {
			return nil, fmt.Errorf("创建持仓数据源失败: %w", err)
		}
		return source, nil
	}
	client := d.chain
	return ledger.SourceFunc(func(ctx context.Context, wallet string) (agent.FundsStatus, error) {
		balance, err := client.NativeBalance(ctx, wallet)
		if err != nil {
			return agent.FundsStatus{}, err
		}
		return agent.FundsStatus{
			TotalValueNative: balance,
			AvailableNative:  balance,
			SnapshotAt:       time.Now().UTC(),
		}, nil
	}), nil
}

func (d *daemon) routerDeps() api.Deps {
	deps := api.Deps{
		Agents:       d.controller,
		Transactions: d.executor,
		Returns:      d.ledger,
		Checks:       d.checks,
		Metrics:      d.metrics.Handler(),
		Observer:     d.metrics,
		Token:        d.cfg.Ops.Token,
	}
	if d.journal != nil {
		deps.Journal = d.journal
	}
	return deps
}

// run 启动后台组件并注册配置中的智能体，阻塞直到 ctx 结束后有序关闭。
func (d *daemon) run(ctx context.Context) error {
	relayCtx, stopRelay := context.WithCancel(context.Background())
	defer stopRelay()
	d.relay.Start(relayCtx)

	execCtx, stopExec := context.WithCancel(context.Background())
	defer stopExec()
	d.executor.Start(execCtx)

	var startErr error
	for _, entry := range d.cfg.Agents {
		if _, err := d.controller.RegisterAgent(ctx, entry.ID, entry.Config); err != nil {
			startErr = fmt.Errorf("注册智能体 %s 失败: %w", entry.ID, err)
			break
		}
	}

	var serveErr error
	if startErr == nil {
		d.log.Info("守护进程已启动", slog.Int("agents", len(d.cfg.Agents)))
		serveErr = api.NewServer(d.cfg.Ops.Address, d.routerDeps()).Start(ctx)
		if errors.Is(serveErr, context.Canceled) {
			serveErr = nil
		}
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := d.controller.Close(shutdownCtx); err != nil {
		d.log.Error("注销智能体失败", slog.Any("error", err))
	}
	stopExec()
	d.executor.Wait()
	stopRelay()
	if err := d.relay.Wait(shutdownCtx); err != nil {
		d.log.Warn("等待事件转发退出超时", slog.Any("error", err))
	}
	d.log.Info("守护进程已退出")
	return errors.Join(startErr, serveErr)
}

func (d *daemon) close() {
	for i := len(d.closers) - 1; i >= 0; i-- {
		if err := d.closers[i].Close(); err != nil {
			d.log.Warn("释放资源失败", slog.Any("error", err))
		}
	}
	d.closers = nil
	d.chain.Close()
}
