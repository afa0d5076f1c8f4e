// Package ledger 维护每个智能体的资金快照缓存与交易流水，负责限额检查、
// 收益计算与资金安全检查。
package ledger

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"OpenLP-Agent/internal/agent"
	xerrors "OpenLP-Agent/internal/errors"
	"OpenLP-Agent/internal/notify"
	"OpenLP-Agent/pkg/logger"
	"OpenLP-Agent/pkg/ringbuf"
)

// Kind 是流水类型。
type Kind string

const (
	KindDeposit         Kind = "DEPOSIT"
	KindWithdraw        Kind = "WITHDRAW"
	KindAddLiquidity    Kind = "ADD_LIQUIDITY"
	KindRemoveLiquidity Kind = "REMOVE_LIQUIDITY"
	KindClosePosition   Kind = "CLOSE_POSITION"
	KindClaimFees       Kind = "CLAIM_FEES"
	KindSwap            Kind = "SWAP"
)

// Outflow 表示该类型会减少可用余额。
func (k Kind) Outflow() bool {
	switch k {
	case KindWithdraw, KindAddLiquidity, KindSwap:
		return true
	}
	return false
}

var (
	ErrAgentNotRegistered = xerrors.New(xerrors.CodeNotFound, "agent not registered in ledger")
	ErrInvalidAmount      = xerrors.New(xerrors.CodeInvalidArgument, "amount must be positive")
)

// Source 从外部 RPC / 数据服务获取钱包当前余额与持仓。
type Source interface {
	FetchFunds(ctx context.Context, wallet string) (agent.FundsStatus, error)
}

// SourceFunc 适配普通函数。
type SourceFunc func(ctx context.Context, wallet string) (agent.FundsStatus, error)

func (f SourceFunc) FetchFunds(ctx context.Context, wallet string) (agent.FundsStatus, error) {
	return f(ctx, wallet)
}

// Limits 描述限额参数，比例均相对于总价值（原生代币计）。
type Limits struct {
	SingleTxFraction         decimal.Decimal `yaml:"single_tx_fraction"`
	DailyFraction            decimal.Decimal `yaml:"daily_fraction"`
	EmergencyReserveFraction decimal.Decimal `yaml:"emergency_reserve_fraction"`
	CacheTTL                 time.Duration   `yaml:"cache_ttl"`
	MaxEntries               int             `yaml:"max_entries"`
}

// DefaultLimits 返回默认限额：单笔 20%，单日 50%，应急储备 5%，缓存 5 分钟。
func DefaultLimits() Limits {
	return Limits{
		SingleTxFraction:         decimal.RequireFromString("0.2"),
		DailyFraction:            decimal.RequireFromString("0.5"),
		EmergencyReserveFraction: decimal.RequireFromString("0.05"),
		CacheTTL:                 5 * time.Minute,
		MaxEntries:               1000,
	}
}

func (l Limits) withDefaults() Limits {
	def := DefaultLimits()
	if !l.SingleTxFraction.IsPositive() {
		l.SingleTxFraction = def.SingleTxFraction
	}
	if !l.DailyFraction.IsPositive() {
		l.DailyFraction = def.DailyFraction
	}
	if !l.EmergencyReserveFraction.IsPositive() {
		l.EmergencyReserveFraction = def.EmergencyReserveFraction
	}
	if l.CacheTTL <= 0 {
		l.CacheTTL = def.CacheTTL
	}
	if l.MaxEntries <= 0 {
		l.MaxEntries = def.MaxEntries
	}
	return l
}

// Entry 是一条流水。
type Entry struct {
	ID      string          `json:"id"`
	AgentID string          `json:"agent_id"`
	Kind    Kind            `json:"kind"`
	Amount  decimal.Decimal `json:"amount"`
	At      time.Time       `json:"at"`
}

// SafetyViolation 在可用余额低于应急储备时发布。
type SafetyViolation struct {
	AgentID   string          `json:"agent_id"`
	Available decimal.Decimal `json:"available"`
	Total     decimal.Decimal `json:"total"`
	Required  decimal.Decimal `json:"required"`
	At        time.Time       `json:"at"`
}

type book struct {
	cfg        agent.Config
	snapshot   agent.FundsStatus
	fetchedAt  time.Time
	hasFunds   bool
	entries    *ringbuf.Ring[Entry]
	baseline   decimal.Decimal
	spentDay   string
	spentToday decimal.Decimal
}

// Option 配置 Ledger。
type Option func(*Ledger)

// WithLimits 覆盖默认限额。
func WithLimits(l Limits) Option {
	return func(lg *Ledger) { lg.limits = l }
}

// WithClock 注入时钟。
func WithClock(now func() time.Time) Option {
	return func(lg *Ledger) {
		if now != nil {
			lg.clock = now
		}
	}
}

// Ledger 是资金账本，所有方法并发安全。
type Ledger struct {
	source Source
	limits Limits
	clock  func() time.Time
	log    *slog.Logger

	mu    sync.RWMutex
	books map[string]*book

	safety *notify.Hub[SafetyViolation]
}

// New 创建账本。
func New(source Source, opts ...Option) *Ledger {
	lg := &Ledger{
		source: source,
		limits: DefaultLimits(),
		clock:  time.Now,
		books:  make(map[string]*book),
		safety: notify.NewHub[SafetyViolation]("funds-safety"),
		log:    logger.Named("ledger"),
	}
	for _, opt := range opts {
		if opt != nil {
			opt(lg)
		}
	}
	lg.limits = lg.limits.withDefaults()
	return lg
}

func (l *Ledger) now() time.Time { return l.clock().UTC() }

// Limits 返回生效的限额。
func (l *Ledger) Limits() Limits { return l.limits }

// RegisterAgent 为智能体建立账户，重复注册只更新配置。
func (l *Ledger) RegisterAgent(agentID string, cfg agent.Config) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if b, ok := l.books[agentID]; ok {
		b.cfg = cfg
		return
	}
	l.books[agentID] = &book{cfg: cfg, entries: ringbuf.New[Entry](l.limits.MaxEntries)}
}

// RemoveAgent 删除智能体账户。
func (l *Ledger) RemoveAgent(agentID string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	delete(l.books, agentID)
}

// GetFundsStatus 返回资金快照：缓存未过期时直接返回，否则从 Source 刷新。
// wallet 为空时使用注册时的钱包。
func (l *Ledger) GetFundsStatus(ctx context.Context, agentID, wallet string) (agent.FundsStatus, error) {
	l.mu.RLock()
	b, ok := l.books[agentID]
	if !ok {
		l.mu.RUnlock()
		return agent.FundsStatus{}, ErrAgentNotRegistered
	}
	if b.hasFunds && l.now().Sub(b.fetchedAt) < l.limits.CacheTTL {
		snap := b.snapshot.Clone()
		l.mu.RUnlock()
		return snap, nil
	}
	if wallet == "" {
		wallet = b.cfg.Wallet
	}
	l.mu.RUnlock()
	return l.refresh(ctx, agentID, wallet)
}

// Refresh 忽略缓存强制刷新。
func (l *Ledger) Refresh(ctx context.Context, agentID string) (agent.FundsStatus, error) {
	l.mu.RLock()
	b, ok := l.books[agentID]
	var wallet string
	if ok {
		wallet = b.cfg.Wallet
	}
	l.mu.RUnlock()
	if !ok {
		return agent.FundsStatus{}, ErrAgentNotRegistered
	}
	return l.refresh(ctx, agentID, wallet)
}

func (l *Ledger) refresh(ctx context.Context, agentID, wallet string) (agent.FundsStatus, error) {
	if l.source == nil {
		return agent.FundsStatus{}, xerrors.New(xerrors.CodeUpstreamFailure, "funds source not configured")
	}
	funds, err := l.source.FetchFunds(ctx, wallet)
	if err != nil {
		return agent.FundsStatus{}, xerrors.Wrap(xerrors.CodeUpstreamFailure, err, "获取资金快照失败")
	}
	now := l.now()
	funds = funds.Normalize()
	if funds.SnapshotAt.IsZero() {
		funds.SnapshotAt = now
	}

	l.mu.Lock()
	defer l.mu.Unlock()
	b, ok := l.books[agentID]
	if !ok {
		return agent.FundsStatus{}, ErrAgentNotRegistered
	}
	b.snapshot, b.fetchedAt, b.hasFunds = funds, now, true
	return funds.Clone(), nil
}

// Invalidate 丢弃缓存的快照。
func (l *Ledger) Invalidate(agentID string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if b, ok := l.books[agentID]; ok {
		b.hasFunds = false
	}
}

func newEntry(agentID string, kind Kind, amount decimal.Decimal, at time.Time) Entry {
	return Entry{ID: uuid.NewString(), AgentID: agentID, Kind: kind, Amount: amount, At: at}
}

// utcDay 以 UTC 自然日划分单日限额窗口。
func utcDay(t time.Time) string {
	return t.UTC().Format(time.DateOnly)
}

// RecordTransaction 记账。存入会提高初始投入基线；流出会计入当日额度并扣减缓存中的可用余额。
func (l *Ledger) RecordTransaction(agentID string, amount decimal.Decimal, kind Kind) (Entry, error) {
	if !amount.IsPositive() {
		return Entry{}, ErrInvalidAmount
	}
	now := l.now()
	l.mu.Lock()
	defer l.mu.Unlock()
	b, ok := l.books[agentID]
	if !ok {
		return Entry{}, ErrAgentNotRegistered
	}
	entry := newEntry(agentID, kind, amount, now)
	b.entries.Push(entry)
	switch {
	case kind == KindDeposit:
		b.baseline = b.baseline.Add(amount)
	case kind.Outflow():
		b.spentToday = b.spentTodayAt(now).Add(amount)
		b.spentDay = utcDay(now)
		if b.hasFunds {
			b.snapshot.AvailableNative = decimal.Max(decimal.Zero, b.snapshot.AvailableNative.Sub(amount))
		}
	}
	l.log.Info("记账", slog.String("agent_id", agentID), slog.String("kind", string(kind)), slog.String("amount", amount.String()))
	return entry, nil
}

func (b *book) spentTodayAt(now time.Time) decimal.Decimal {
	if b.spentDay != utcDay(now) {
		return decimal.Zero
	}
	return b.spentToday
}

// Entries 返回流水副本，最旧的在前。
func (l *Ledger) Entries(agentID string) []Entry {
	l.mu.RLock()
	defer l.mu.RUnlock()
	b, ok := l.books[agentID]
	if !ok {
		return nil
	}
	return b.entries.Slice()
}
