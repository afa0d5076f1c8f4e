// Package risk 编排状态机、资金账本与交易执行器：周期性拉取资金与风险评估，
// 驱动状态机转移，并在升级时发起减仓或紧急退出。
package risk

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"OpenLP-Agent/internal/agent"
	xerrors "OpenLP-Agent/internal/errors"
	"OpenLP-Agent/internal/ledger"
	"OpenLP-Agent/internal/notify"
	"OpenLP-Agent/internal/observability/alerting"
	"OpenLP-Agent/internal/transaction"
	"OpenLP-Agent/pkg/logger"
)

// Scorer 是外部风险评分服务。
type Scorer interface {
	AssessRisk(ctx context.Context, agentID string) (agent.RiskAssessment, error)
}

// PositionScorer 可选：为各持仓给出风险分，越高越先处理。
type PositionScorer interface {
	PositionRisk(ctx context.Context, agentID string, positions []agent.Position) (map[string]float64, error)
}

// Executor 是控制器依赖的交易执行能力。
type Executor interface {
	Execute(req transaction.Request) error
	GetStatus(id string) (transaction.Request, error)
	WaitFor(ctx context.Context, id string) (transaction.Request, error)
	AddTransactionListener(agentID string, fn func(transaction.Request) error) int
	RemoveTransactionListener(agentID string, id int) bool
}

// Observer 接收控制器指标。
type Observer interface {
	ObserveTransition(change agent.StateChange)
	ObserveRejectedEvent(state agent.State, event agent.Event)
	ObserveRemediation(kind string, ok bool)
	ObserveCycle(d time.Duration, err error)
}

var (
	ErrAgentNotFound   = xerrors.New(xerrors.CodeNotFound, "agent not registered")
	ErrAgentExists     = xerrors.New(xerrors.CodeConflict, "agent already registered")
	ErrCycleInProgress = xerrors.New(xerrors.CodeCycleInProgress, "previous monitoring cycle still running")
	// ErrRemediationBusy 表示另一项处置仍在进行，本次未执行。
	ErrRemediationBusy = xerrors.New(xerrors.CodeConflict, "another remediation is still running")
)

// Remediation kinds reported to the observer.
const (
	RemediationEmergencyExit    = "emergency_exit"
	RemediationPartialReduction = "partial_reduction"
)

// Config 是控制器参数。
type Config struct {
	CycleInterval      time.Duration `yaml:"cycle_interval"`
	CycleTimeout       time.Duration `yaml:"cycle_timeout"`
	ReductionPercent   float64       `yaml:"reduction_percent"`
	RemediationTimeout time.Duration `yaml:"remediation_timeout"`
	Timings            agent.Timings `yaml:"timings"`
}

// DefaultConfig 返回默认参数。
func DefaultConfig() Config {
	return Config{
		CycleInterval:      time.Minute,
		CycleTimeout:       45 * time.Second,
		ReductionPercent:   30,
		RemediationTimeout: 10 * time.Minute,
		Timings:            agent.DefaultTimings(),
	}
}

func (c Config) withDefaults() Config {
	def := DefaultConfig()
	if c.CycleInterval <= 0 {
		c.CycleInterval = def.CycleInterval
	}
	if c.CycleTimeout <= 0 {
		c.CycleTimeout = def.CycleTimeout
	}
	if c.ReductionPercent <= 0 || c.ReductionPercent > 100 {
		c.ReductionPercent = def.ReductionPercent
	}
	if c.RemediationTimeout <= 0 {
		c.RemediationTimeout = def.RemediationTimeout
	}
	return c
}

// Option 配置 Controller。
type Option func(*Controller)

// WithStore 指定各状态机共享的状态存储。
func WithStore(store agent.StateStore) Option {
	return func(c *Controller) { c.store = store }
}

// WithClock 注入状态机使用的时钟。
func WithClock(now func() time.Time) Option {
	return func(c *Controller) {
		if now != nil {
			c.clock = now
		}
	}
}

// WithObserver 指定指标观察者。
func WithObserver(o Observer) Option {
	return func(c *Controller) { c.observer = o }
}

// WithAlertDispatcher 配置自愈耗尽与退出失败时的告警。
func WithAlertDispatcher(d alerting.Dispatcher) Option {
	return func(c *Controller) { c.alerter = d }
}

type managed struct {
	id         string
	machine    *agent.Machine
	ctx        context.Context
	cancel     context.CancelFunc
	done       chan struct{}
	txListener int

	cycleMu     sync.Mutex
	remediating atomic.Bool
	exitPending atomic.Bool
	bg          sync.WaitGroup

	exitMu   sync.Mutex
	exit     *exitRun
	exitReqs map[string]string // pool id → 最近一次平仓请求 ID
}

// exitRun 是一次后台紧急退出，done 关闭后 ok 可读。
type exitRun struct {
	done chan struct{}
	ok   bool
}

// Controller 管理全部智能体的监控循环与风险处置。
type Controller struct {
	cfg      Config
	scorer   Scorer
	ledger   *ledger.Ledger
	executor Executor
	store    agent.StateStore
	clock    func() time.Time
	observer Observer
	alerter  alerting.Dispatcher
	log      *slog.Logger

	mu     sync.RWMutex
	agents map[string]*managed

	changes *notify.Hub[agent.StateChange]
}

// NewController 创建控制器。
func NewController(scorer Scorer, l *ledger.Ledger, exec Executor, cfg Config, opts ...Option) (*Controller, error) {
	if scorer == nil || l == nil || exec == nil {
		return nil, xerrors.New(xerrors.CodeInvalidArgument, "risk controller requires scorer, ledger and executor")
	}
	c := &Controller{
		cfg:      cfg.withDefaults(),
		scorer:   scorer,
		ledger:   l,
		executor: exec,
		store:    agent.NewMemoryStateStore(),
		clock:    time.Now,
		agents:   make(map[string]*managed),
		changes:  notify.NewHub[agent.StateChange]("state-changes"),
		log:      logger.Named("risk"),
	}
	for _, opt := range opts {
		if opt != nil {
			opt(c)
		}
	}
	return c, nil
}

// OnStateChange 注册接收所有智能体状态变更的监听者。监听者在状态机内部同步调用，
// 不得在回调中同步修改状态机。
func (c *Controller) OnStateChange(fn func(agent.StateChange) error) int {
	return c.changes.Subscribe(fn)
}

// Agents 返回已注册的智能体 ID，按字典序排列。
func (c *Controller) Agents() []string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	ids := make([]string, 0, len(c.agents))
	for id := range c.agents {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// Machine 返回智能体的状态机。
func (c *Controller) Machine(agentID string) (*agent.Machine, bool) {
	m, ok := c.lookup(agentID)
	if !ok || m == nil {
		return nil, false
	}
	return m.machine, true
}

func (c *Controller) lookup(agentID string) (*managed, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	m, ok := c.agents[agentID]
	return m, ok
}

// RegisterAgent 创建并恢复状态机、开设账本账户，并启动周期性监控循环。
// 新智能体直接进入 RUNNING；已持久化的智能体保持原状态。
func (c *Controller) RegisterAgent(ctx context.Context, agentID string, cfg agent.Config) (*agent.Machine, error) {
	c.mu.Lock()
	if _, exists := c.agents[agentID]; exists {
		c.mu.Unlock()
		return nil, xerrors.Wrap(xerrors.CodeConflict, ErrAgentExists, agentID)
	}
	// 占位，防止并发重复注册。
	c.agents[agentID] = nil
	c.mu.Unlock()

	m, err := c.newManaged(ctx, agentID, cfg)
	c.mu.Lock()
	if err != nil {
		delete(c.agents, agentID)
	} else {
		c.agents[agentID] = m
	}
	c.mu.Unlock()
	if err != nil {
		return nil, err
	}

	go c.loop(m)
	c.log.Info("智能体已注册", slog.String("agent_id", agentID), slog.String("state", string(m.machine.State())))
	return m.machine, nil
}

func (c *Controller) newManaged(ctx context.Context, agentID string, cfg agent.Config) (*managed, error) {
	m := &managed{id: agentID, done: make(chan struct{})}
	m.ctx, m.cancel = context.WithCancel(context.Background())
	machine, err := agent.NewMachine(agentID, cfg,
		agent.WithStore(c.store),
		agent.WithClock(c.clock),
		agent.WithTimings(c.cfg.Timings),
		agent.WithFundsChecker(func(ctx context.Context) (agent.FundsStatus, error) {
			return c.ledger.Refresh(ctx, agentID)
		}),
		agent.WithRejectHook(func(s agent.State, e agent.Event) {
			if c.observer != nil {
				c.observer.ObserveRejectedEvent(s, e)
			}
		}),
		agent.WithPersistErrorHook(func(err error) {
			c.alert(agentID, err, "persist")
		}))
	if err != nil {
		m.cancel()
		return nil, err
	}
	if err := machine.Initialize(ctx); err != nil {
		m.cancel()
		_ = machine.Close(ctx)
		return nil, err
	}
	m.machine = machine
	machine.AddListener(func(ch agent.StateChange) error { return c.onStateChange(m, ch) })

	c.ledger.RegisterAgent(agentID, machine.Config())
	m.txListener = c.executor.AddTransactionListener(agentID, c.recordConfirmed)

	switch machine.State() {
	case agent.StateInitializing:
		machine.HandleEvent(agent.EventStart)
	case agent.StateEmergencyExit:
		m.exitPending.Store(true)
	}
	return m, nil
}

// UnregisterAgent 停止监控循环并写完积压的持久化，持久化记录保持不变。
func (c *Controller) UnregisterAgent(ctx context.Context, agentID string) error {
	c.mu.Lock()
	m, ok := c.agents[agentID]
	if !ok || m == nil {
		c.mu.Unlock()
		return ErrAgentNotFound
	}
	delete(c.agents, agentID)
	c.mu.Unlock()

	m.cancel()
	select {
	case <-m.done:
	case <-ctx.Done():
		return xerrors.Wrap(xerrors.CodeTimeout, ctx.Err(), "等待监控循环退出超时")
	}
	m.bg.Wait()
	c.executor.RemoveTransactionListener(agentID, m.txListener)
	c.ledger.RemoveAgent(agentID)
	if err := m.machine.Close(ctx); err != nil {
		return err
	}
	c.log.Info("智能体已注销", slog.String("agent_id", agentID))
	return nil
}

// Close 注销全部智能体。
func (c *Controller) Close(ctx context.Context) error {
	var errs []error
	for _, id := range c.Agents() {
		if err := c.UnregisterAgent(ctx, id); err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", id, err))
		}
	}
	return errors.Join(errs...)
}

func (c *Controller) loop(m *managed) {
	defer close(m.done)
	ticker := time.NewTicker(c.cfg.CycleInterval)
	defer ticker.Stop()
	for {
		select {
		case <-m.ctx.Done():
			return
		case <-ticker.C:
			if err := c.RunCycle(m.ctx, m.id); err != nil {
				if xerrors.CodeOf(err) == xerrors.CodeCycleInProgress {
					c.log.Debug("上一轮监控尚未结束", slog.String("agent_id", m.id))
					continue
				}
				c.log.Warn("监控周期出错", slog.String("agent_id", m.id), slog.Any("error", err))
			}
		}
	}
}

// RunCycle 执行一次监控：刷新资金 → 更新状态机 → 资金安全检查 → 风险评估与处置 → 卡滞检查。
// 同一智能体的上一轮未结束时返回 ErrCycleInProgress。
func (c *Controller) RunCycle(ctx context.Context, agentID string) error {
	m, ok := c.lookup(agentID)
	if !ok || m == nil {
		return ErrAgentNotFound
	}
	if !m.cycleMu.TryLock() {
		return ErrCycleInProgress
	}
	defer m.cycleMu.Unlock()

	started := time.Now()
	ctx, cancel := context.WithTimeout(ctx, c.cfg.CycleTimeout)
	defer cancel()

	var errs []error
	funds, err := c.ledger.GetFundsStatus(ctx, agentID, "")
	if err != nil {
		errs = append(errs, err)
	} else {
		m.machine.UpdateFunds(funds)
		c.ledger.CheckFundsSafety(agentID)
	}

	assessment, err := c.AssessRisk(ctx, agentID)
	if err != nil {
		errs = append(errs, err)
	} else if err := c.handle(ctx, m, assessment); err != nil {
		errs = append(errs, err)
	}

	if err := m.machine.PeriodicCheck(ctx); err != nil {
		c.alert(agentID, err, "recovery")
		errs = append(errs, err)
	}

	cycleErr := errors.Join(errs...)
	if cycleErr != nil {
		m.machine.RecordError(cycleErr)
	} else if m.machine.Status().LastError != "" {
		m.machine.RecordError(nil)
	}
	if c.observer != nil {
		c.observer.ObserveCycle(time.Since(started), cycleErr)
	}
	return cycleErr
}

// AssessRisk 向评分服务请求风险评估。
func (c *Controller) AssessRisk(ctx context.Context, agentID string) (agent.RiskAssessment, error) {
	a, err := c.scorer.AssessRisk(ctx, agentID)
	if err != nil {
		c.log.Warn("风险评估失败", slog.String("agent_id", agentID), slog.Any("error", err))
		return agent.RiskAssessment{}, err
	}
	c.log.Debug("风险评估",
		slog.String("agent_id", agentID),
		slog.Float64("health_score", a.HealthScore),
		slog.String("level", string(a.Level)))
	return a, nil
}

// HandleRisk 把评估交给状态机。本次进入 PARTIAL_REDUCING 时按配置比例减仓；
// 处于 EMERGENCY_EXIT 且退出尚未完成时执行紧急退出，成功后转入 STOPPED。
func (c *Controller) HandleRisk(ctx context.Context, agentID string, a agent.RiskAssessment) error {
	m, ok := c.lookup(agentID)
	if !ok || m == nil {
		return ErrAgentNotFound
	}
	return c.handle(ctx, m, a)
}

func (c *Controller) handle(ctx context.Context, m *managed, a agent.RiskAssessment) error {
	changed := m.machine.HandleRiskAssessment(a)
	switch state := m.machine.State(); {
	case state == agent.StateEmergencyExit && m.exitPending.Load():
		return c.awaitEmergencyExit(ctx, m, fmt.Sprintf("health score %.2f", a.HealthScore))
	case state == agent.StatePartialReducing && changed:
		if !m.remediating.CompareAndSwap(false, true) {
			return nil
		}
		defer m.remediating.Store(false)
		if !c.ExecutePartialReduction(ctx, m.id, c.cfg.ReductionPercent) {
			return xerrors.New(xerrors.CodeTransactionFailure, "partial reduction incomplete")
		}
	}
	return nil
}

// startEmergencyExit 在后台启动紧急退出并返回该次运行；已有退出在运行时返回同一个。
// 其他处置占用时返回 nil。退出使用 RemediationTimeout，与调用方的周期上下文无关。
func (c *Controller) startEmergencyExit(m *managed, reason string) *exitRun {
	m.exitMu.Lock()
	defer m.exitMu.Unlock()
	if m.exit != nil {
		return m.exit
	}
	if !m.remediating.CompareAndSwap(false, true) {
		return nil
	}
	run := &exitRun{done: make(chan struct{})}
	m.exit = run
	m.bg.Add(1)
	go func() {
		defer m.bg.Done()
		ctx, cancel := context.WithTimeout(m.ctx, c.cfg.RemediationTimeout)
		ok := c.ExecuteEmergencyExit(ctx, m.id, reason)
		cancel()
		if ok {
			m.exitPending.Store(false)
			m.machine.HandleEvent(agent.EventStop)
		}
		m.remediating.Store(false)
		m.exitMu.Lock()
		m.exit = nil
		m.exitMu.Unlock()
		run.ok = ok
		close(run.done)
	}()
	return run
}

// awaitEmergencyExit 启动或复用后台退出，并在 ctx 内等待结果。
// ctx 结束时退出继续在后台运行，下一轮会等待同一次运行。
func (c *Controller) awaitEmergencyExit(ctx context.Context, m *managed, reason string) error {
	run := c.startEmergencyExit(m, reason)
	if run == nil {
		return ErrRemediationBusy
	}
	select {
	case <-run.done:
		if !run.ok {
			return xerrors.New(xerrors.CodeTransactionFailure, "emergency exit incomplete")
		}
		return nil
	case <-ctx.Done():
		return xerrors.Wrap(xerrors.CodeTimeout, ctx.Err(), "emergency exit still running")
	}
}

// onStateChange 在状态机内部同步调用，只做非阻塞的工作。
func (c *Controller) onStateChange(m *managed, ch agent.StateChange) error {
	if ch.To == agent.StateEmergencyExit {
		m.exitPending.Store(true)
		if ch.Event == agent.EventUserEmergency {
			c.startEmergencyExit(m, ch.Reason)
		}
	}
	if c.observer != nil {
		c.observer.ObserveTransition(ch)
	}
	return c.changes.Publish(ch)
}

// recordConfirmed 把已确认的交易记入账本。
func (c *Controller) recordConfirmed(r transaction.Request) error {
	if r.Status != transaction.StatusConfirmed || !r.Payload.Amount.IsPositive() {
		return nil
	}
	_, err := c.ledger.RecordTransaction(r.AgentID, r.Payload.Amount, ledger.Kind(r.Type))
	return err
}

// SubmitTransaction 先做账本限额检查，通过后提交执行器。确认后的交易自动记账。
func (c *Controller) SubmitTransaction(agentID string, typ transaction.Type, payload transaction.Payload, opts ...transaction.RequestOption) (transaction.Request, error) {
	m, ok := c.lookup(agentID)
	if !ok || m == nil {
		return transaction.Request{}, ErrAgentNotFound
	}
	decision := c.ledger.Evaluate(agentID, payload.Amount, ledger.Kind(typ))
	if !decision.Allowed {
		return transaction.Request{}, xerrors.New(xerrors.CodeLimitViolation, decision.Reason,
			xerrors.WithMetadata("agent_id", agentID),
			xerrors.WithMetadata("type", string(typ)))
	}
	if payload.Wallet == "" {
		payload.Wallet = m.machine.Config().Wallet
	}
	req := transaction.CreateRequest(typ, payload, agentID, opts...)
	if err := c.executor.Execute(req); err != nil {
		return transaction.Request{}, err
	}
	return req, nil
}

func (c *Controller) alert(agentID string, err error, stage string) {
	if c.alerter == nil {
		return
	}
	if e, ok := xerrors.From(err); !ok || !e.ShouldAlert() {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if aerr := c.alerter.Notify(ctx, alerting.FromError(agentID, err, map[string]string{"stage": stage})); aerr != nil {
		c.log.Error("告警通知失败", slog.Any("error", aerr), slog.String("agent_id", agentID))
	}
}
