package agent

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	xerrors "OpenLP-Agent/internal/errors"
	"OpenLP-Agent/internal/notify"
	"OpenLP-Agent/pkg/logger"
	"OpenLP-Agent/pkg/ringbuf"
)

// Timings 控制风险去抖与自愈的时间参数。
type Timings struct {
	HighRiskWindow      time.Duration `yaml:"high_risk_window"`
	MediumRiskWindow    time.Duration `yaml:"medium_risk_window"`
	StuckTimeout        time.Duration `yaml:"stuck_timeout"`
	RecoveryInterval    time.Duration `yaml:"recovery_interval"`
	MaxRecoveryAttempts int           `yaml:"max_recovery_attempts"`
	PersistTimeout      time.Duration `yaml:"persist_timeout"`
	HistoryLimit        int           `yaml:"history_limit"`
}

// DefaultTimings 返回默认时间参数。
func DefaultTimings() Timings {
	return Timings{
		HighRiskWindow:      5 * time.Minute,
		MediumRiskWindow:    10 * time.Minute,
		StuckTimeout:        30 * time.Minute,
		RecoveryInterval:    5 * time.Minute,
		MaxRecoveryAttempts: 3,
		PersistTimeout:      5 * time.Second,
		HistoryLimit:        100,
	}
}

func (t Timings) withDefaults() Timings {
	def := DefaultTimings()
	if t.HighRiskWindow <= 0 {
		t.HighRiskWindow = def.HighRiskWindow
	}
	if t.MediumRiskWindow <= 0 {
		t.MediumRiskWindow = def.MediumRiskWindow
	}
	if t.StuckTimeout <= 0 {
		t.StuckTimeout = def.StuckTimeout
	}
	if t.RecoveryInterval < 0 {
		t.RecoveryInterval = 0
	}
	if t.MaxRecoveryAttempts <= 0 {
		t.MaxRecoveryAttempts = def.MaxRecoveryAttempts
	}
	if t.PersistTimeout <= 0 {
		t.PersistTimeout = def.PersistTimeout
	}
	if t.HistoryLimit <= 0 {
		t.HistoryLimit = def.HistoryLimit
	}
	return t
}

// FundsChecker 在 WAITING 自愈时拉取最新资金快照。
type FundsChecker func(ctx context.Context) (FundsStatus, error)

// Option 配置 Machine。
type Option func(*Machine)

// WithStore 指定状态存储，默认使用内存存储。
func WithStore(store StateStore) Option {
	return func(m *Machine) {
		if store != nil {
			m.store = store
		}
	}
}

// WithClock 注入时钟。
func WithClock(now func() time.Time) Option {
	return func(m *Machine) {
		if now != nil {
			m.clock = now
		}
	}
}

// WithTimings 覆盖时间参数。
func WithTimings(t Timings) Option {
	return func(m *Machine) { m.timings = t }
}

// WithFundsChecker 指定 WAITING 状态自愈时的资金刷新方式。
func WithFundsChecker(fn FundsChecker) Option {
	return func(m *Machine) { m.fundsChecker = fn }
}

// WithRejectHook 在事件被转移表拒绝时回调。
func WithRejectHook(fn func(State, Event)) Option {
	return func(m *Machine) { m.onReject = fn }
}

// WithPersistErrorHook 在持久化失败时回调。
func WithPersistErrorHook(fn func(error)) Option {
	return func(m *Machine) { m.onPersistErr = fn }
}

// Machine 是单个智能体的受保护状态机。所有变更操作通过 opMu 串行执行；
// 监听者在 opMu 内同步调用，因此不得在回调中同步调用变更方法。
type Machine struct {
	agentID      string
	cfg          Config
	store        StateStore
	clock        func() time.Time
	timings      Timings
	fundsChecker FundsChecker
	onReject     func(State, Event)
	onPersistErr func(error)
	log          *slog.Logger

	opMu sync.Mutex

	mu               sync.RWMutex
	state            State
	funds            FundsStatus
	lastError        string
	stateSince       time.Time
	updatedAt        time.Time
	highSince        time.Time
	mediumSince      time.Time
	recoveryAttempts int
	lastRecoveryAt   time.Time
	history          *ringbuf.Ring[StateChange]
	risks            *ringbuf.Ring[RiskAssessment]

	listeners *notify.Hub[StateChange]
	persist   *persister
}

// NewMachine 校验配置并创建状态机，初始状态为 INITIALIZING。
// 调用 Initialize 以恢复已持久化的记录。
func NewMachine(agentID string, cfg Config, opts ...Option) (*Machine, error) {
	if agentID == "" {
		return nil, invalid("agent id is required")
	}
	cfg = cfg.WithDefaults()
	if err := ValidateConfig(cfg); err != nil {
		return nil, err
	}
	m := &Machine{
		agentID: agentID,
		cfg:     cfg,
		store:   NewMemoryStateStore(),
		clock:   time.Now,
		timings: DefaultTimings(),
		state:   StateInitializing,
	}
	for _, opt := range opts {
		if opt != nil {
			opt(m)
		}
	}
	m.timings = m.timings.withDefaults()
	m.history = ringbuf.New[StateChange](m.timings.HistoryLimit)
	m.risks = ringbuf.New[RiskAssessment](m.timings.HistoryLimit)
	m.listeners = notify.NewHub[StateChange]("agent:" + agentID)
	m.log = logger.ForAgent("agent", agentID)
	m.persist = newPersister(m.store, agentID, m.timings.PersistTimeout, m.onPersistErr)
	return m, nil
}

func (m *Machine) now() time.Time {
	return m.clock().UTC()
}

// AgentID 返回智能体 ID。
func (m *Machine) AgentID() string { return m.agentID }

// Config 返回智能体配置。
func (m *Machine) Config() Config { return m.cfg }

// Initialize 从存储恢复状态；没有记录时以 INITIALIZING 开始并写入初始记录。
func (m *Machine) Initialize(ctx context.Context) error {
	m.opMu.Lock()
	defer m.opMu.Unlock()

	status, err := m.store.LoadState(ctx, m.agentID)
	switch {
	case err == nil:
		m.mu.Lock()
		m.state = status.State
		m.funds = status.Funds.Clone()
		m.lastError = status.LastError
		m.stateSince = status.StateSince
		if m.stateSince.IsZero() {
			m.stateSince = m.now()
		}
		m.updatedAt = status.UpdatedAt
		m.mu.Unlock()
		m.log.Info("已恢复智能体状态", slog.String("state", string(status.State)))
		return nil
	case errors.Is(err, ErrStatusNotFound):
		m.mu.Lock()
		m.state = StateInitializing
		m.stateSince = m.now()
		snap := m.stampLocked()
		m.mu.Unlock()
		m.persist.submit(snap)
		return nil
	default:
		return xerrors.Wrap(xerrors.CodePersistenceFailure, err, "加载智能体状态失败")
	}
}

// Close 写完积压的快照并停止后台持久化。
func (m *Machine) Close(ctx context.Context) error {
	return m.persist.close(ctx)
}

// Flush 等待积压的快照写入存储。
func (m *Machine) Flush(ctx context.Context) error {
	return m.persist.flush(ctx)
}

// AddListener 注册状态变更监听者。
func (m *Machine) AddListener(fn func(StateChange) error) int {
	return m.listeners.Subscribe(fn)
}

// RemoveListener 注销监听者。
func (m *Machine) RemoveListener(id int) bool {
	return m.listeners.Unsubscribe(id)
}

// HandleEvent 按转移表处理事件，返回状态是否发生变化。
func (m *Machine) HandleEvent(event Event) bool {
	m.opMu.Lock()
	defer m.opMu.Unlock()
	return m.apply(event, "", true)
}

// UpdateFunds 替换资金快照，并根据最低储备触发 FUNDS_LOW / FUNDS_SUFFICIENT。
// 返回是否发生了状态变化。
func (m *Machine) UpdateFunds(f FundsStatus) bool {
	m.opMu.Lock()
	defer m.opMu.Unlock()
	return m.updateFunds(f)
}

func (m *Machine) updateFunds(f FundsStatus) bool {
	f = f.Normalize()
	if f.SnapshotAt.IsZero() {
		f.SnapshotAt = m.now()
	}

	m.mu.Lock()
	m.funds = f
	state := m.state
	snap := m.stampLocked()
	m.mu.Unlock()
	m.persist.submit(snap)

	reserve := m.cfg.MinReserve
	switch {
	case state == StateRunning && f.AvailableNative.LessThan(reserve):
		return m.apply(EventFundsLow, "available "+f.AvailableNative.String()+" below reserve "+reserve.String(), false)
	case state == StateWaiting && f.AvailableNative.GreaterThanOrEqual(reserve):
		return m.apply(EventFundsSufficient, "available "+f.AvailableNative.String()+" restored", false)
	}
	return false
}

// HandleRiskAssessment 更新持续风险计时器，满足时长后触发 RISK_HIGH 或
// RISK_MEDIUM；处于 PARTIAL_REDUCING 且风险回落时触发 RISK_RESOLVED。
func (m *Machine) HandleRiskAssessment(a RiskAssessment) bool {
	m.opMu.Lock()
	defer m.opMu.Unlock()

	if a.AssessedAt.IsZero() {
		a.AssessedAt = m.now()
	}
	m.mu.Lock()
	m.risks.Push(a)
	m.mu.Unlock()
	return m.evaluateRisk(a)
}

func (m *Machine) evaluateRisk(a RiskAssessment) bool {
	now := m.now()
	th := m.cfg.Thresholds
	high := a.HealthScore <= th.EmergencyHealthScore
	belowSecondary := a.HealthScore < th.SecondaryHealthScore

	m.mu.Lock()
	if high {
		if m.highSince.IsZero() {
			m.highSince = now
		}
	} else {
		m.highSince = time.Time{}
	}
	if belowSecondary {
		if m.mediumSince.IsZero() {
			m.mediumSince = now
		}
	} else {
		m.mediumSince = time.Time{}
	}
	highFor := sinceOrZero(now, m.highSince)
	mediumFor := sinceOrZero(now, m.mediumSince)
	state := m.state
	m.mu.Unlock()

	switch {
	case high && highFor >= m.timings.HighRiskWindow:
		return m.apply(EventRiskHigh, "health score sustained at or below emergency threshold", false)
	case !high && belowSecondary && mediumFor >= m.timings.MediumRiskWindow:
		return m.apply(EventRiskMedium, "health score sustained below secondary threshold", false)
	case state == StatePartialReducing && !belowSecondary:
		return m.apply(EventRiskResolved, "health score recovered", false)
	}
	return false
}

func sinceOrZero(now, since time.Time) time.Duration {
	if since.IsZero() {
		return 0
	}
	return now.Sub(since)
}

// RecordError 记录最近一次错误（nil 表示清除）并持久化。
func (m *Machine) RecordError(err error) {
	m.opMu.Lock()
	defer m.opMu.Unlock()
	m.mu.Lock()
	if err == nil {
		m.lastError = ""
	} else {
		m.lastError = err.Error()
	}
	snap := m.stampLocked()
	m.mu.Unlock()
	m.persist.submit(snap)
}

// apply 在持有 opMu 时调用。verbose 为 false 时，对无效组合静默返回，
// 用于内部推导出的事件。
func (m *Machine) apply(event Event, reason string, verbose bool) bool {
	m.mu.Lock()
	from := m.state
	to, ok := Next(from, event)
	if !ok {
		m.mu.Unlock()
		if verbose {
			m.log.Warn("事件在当前状态下无效",
				slog.String("code", string(xerrors.CodeInvalidTransition)),
				slog.String("state", string(from)),
				slog.String("event", string(event)))
			if m.onReject != nil {
				m.onReject(from, event)
			}
		}
		return false
	}

	now := m.now()
	m.state = to
	m.stateSince = now
	m.lastRecoveryAt = time.Time{}
	if resetsRecovery(event) {
		m.recoveryAttempts = 0
	}
	change := StateChange{AgentID: m.agentID, From: from, To: to, Event: event, Reason: reason, At: now}
	m.history.Push(change)
	snap := m.stampLocked()
	m.mu.Unlock()

	m.persist.submit(snap)
	logger.Audit().Info("智能体状态变更",
		slog.String("agent_id", m.agentID),
		slog.String("from", string(from)),
		slog.String("to", string(to)),
		slog.String("event", string(event)),
		slog.String("reason", reason))
	_ = m.listeners.Publish(change)
	return true
}

// stampLocked 生成严格递增的 UpdatedAt 并返回快照，需持有 mu。
func (m *Machine) stampLocked() Status {
	ts := m.now().Truncate(time.Microsecond)
	if !ts.After(m.updatedAt) {
		ts = m.updatedAt.Add(time.Microsecond)
	}
	m.updatedAt = ts
	return m.statusLocked()
}

func (m *Machine) statusLocked() Status {
	return Status{
		AgentID:    m.agentID,
		State:      m.state,
		Config:     m.cfg,
		Funds:      m.funds.Clone(),
		UpdatedAt:  m.updatedAt,
		StateSince: m.stateSince,
		LastError:  m.lastError,
	}
}

// State 返回当前状态。
func (m *Machine) State() State {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.state
}

// Status 返回当前完整记录的副本。
func (m *Machine) Status() Status {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.statusLocked()
}

// Funds 返回最近的资金快照。
func (m *Machine) Funds() FundsStatus {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.funds.Clone()
}

// StateHistory 返回最近的状态变更，最旧的在前。
func (m *Machine) StateHistory() []StateChange {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.history.Slice()
}

// RiskHistory 返回最近的风险评估，最旧的在前。
func (m *Machine) RiskHistory() []RiskAssessment {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.risks.Slice()
}

// RecoveryAttempts 返回当前状态下已执行的自愈次数。
func (m *Machine) RecoveryAttempts() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.recoveryAttempts
}
