package ledger

import (
	"fmt"
	"log/slog"
	"time"

	"github.com/shopspring/decimal"

	xerrors "OpenLP-Agent/internal/errors"
)

// Decision 是限额检查的结果，被拒绝时 Reason 给出原因。
type Decision struct {
	Allowed bool   `json:"allowed"`
	Reason  string `json:"reason,omitempty"`
}

func deny(format string, args ...any) Decision {
	return Decision{Reason: fmt.Sprintf(format, args...)}
}

// Evaluate 依据最近的资金快照检查单笔上限、单日上限、最低储备与持仓数量。
func (l *Ledger) Evaluate(agentID string, amount decimal.Decimal, kind Kind) Decision {
	d := l.evaluate(agentID, amount, kind)
	if !d.Allowed {
		l.log.Info("交易超出限额",
			slog.String("code", string(xerrors.CodeLimitViolation)),
			slog.String("agent_id", agentID),
			slog.String("kind", string(kind)),
			slog.String("amount", amount.String()),
			slog.String("reason", d.Reason))
	}
	return d
}

// CheckTransactionLimit 返回交易是否被允许。
func (l *Ledger) CheckTransactionLimit(agentID string, amount decimal.Decimal, kind Kind) bool {
	return l.Evaluate(agentID, amount, kind).Allowed
}

func (l *Ledger) evaluate(agentID string, amount decimal.Decimal, kind Kind) Decision {
	if !amount.IsPositive() {
		return deny("amount %s must be positive", amount)
	}
	now := l.now()

	l.mu.RLock()
	defer l.mu.RUnlock()
	b, ok := l.books[agentID]
	if !ok {
		return deny("agent not registered")
	}
	if !b.hasFunds {
		return deny("no funds snapshot available")
	}
	total := b.snapshot.TotalValueNative

	if single := total.Mul(l.limits.SingleTxFraction); amount.GreaterThan(single) {
		return deny("amount %s exceeds single transaction cap %s", amount, single)
	}
	if kind.Outflow() {
		daily := total.Mul(l.limits.DailyFraction)
		if spent := b.spentTodayAt(now); spent.Add(amount).GreaterThan(daily) {
			return deny("daily spend %s + %s exceeds cap %s", spent, amount, daily)
		}
		if left := b.snapshot.AvailableNative.Sub(amount); left.LessThan(b.cfg.MinReserve) {
			return deny("available after transaction %s below reserve %s", left, b.cfg.MinReserve)
		}
	}
	if kind == KindAddLiquidity && len(b.snapshot.Positions) >= b.cfg.MaxPositions {
		return deny("open positions %d reached limit %d", len(b.snapshot.Positions), b.cfg.MaxPositions)
	}
	return Decision{Allowed: true}
}

// Returns 是收益率（手续费收入 / 初始投入），以小数表示。
type Returns struct {
	Baseline  decimal.Decimal `json:"baseline"`
	FeeIncome decimal.Decimal `json:"fee_income"`
	Total     decimal.Decimal `json:"total"`
	Daily     decimal.Decimal `json:"daily"`
	Weekly    decimal.Decimal `json:"weekly"`
	Monthly   decimal.Decimal `json:"monthly"`
}

// CalculateReturns 计算全部、24 小时、7 天、30 天窗口内的手续费收益率。
func (l *Ledger) CalculateReturns(agentID string) (Returns, error) {
	now := l.now()
	l.mu.RLock()
	defer l.mu.RUnlock()
	b, ok := l.books[agentID]
	if !ok {
		return Returns{}, ErrAgentNotRegistered
	}

	windows := []time.Duration{24 * time.Hour, 7 * 24 * time.Hour, 30 * 24 * time.Hour}
	sums := make([]decimal.Decimal, len(windows))
	total := decimal.Zero
	b.entries.Do(func(e Entry) {
		if e.Kind != KindClaimFees {
			return
		}
		total = total.Add(e.Amount)
		for i, w := range windows {
			if now.Sub(e.At) <= w {
				sums[i] = sums[i].Add(e.Amount)
			}
		}
	})

	r := Returns{Baseline: b.baseline, FeeIncome: total}
	if !b.baseline.IsPositive() {
		return r, nil
	}
	ratio := func(v decimal.Decimal) decimal.Decimal { return v.DivRound(b.baseline, 8) }
	r.Total = ratio(total)
	r.Daily = ratio(sums[0])
	r.Weekly = ratio(sums[1])
	r.Monthly = ratio(sums[2])
	return r, nil
}

// CheckFundsSafety 要求可用余额不低于总价值的应急储备比例，不满足时通知安全监听者。
// 尚无快照时返回 true。
func (l *Ledger) CheckFundsSafety(agentID string) bool {
	l.mu.RLock()
	b, ok := l.books[agentID]
	if !ok || !b.hasFunds {
		l.mu.RUnlock()
		return true
	}
	total := b.snapshot.TotalValueNative
	available := b.snapshot.AvailableNative
	l.mu.RUnlock()

	required := total.Mul(l.limits.EmergencyReserveFraction)
	if available.GreaterThanOrEqual(required) {
		return true
	}
	l.log.Warn("可用余额低于应急储备",
		slog.String("agent_id", agentID),
		slog.String("available", available.String()),
		slog.String("required", required.String()))
	_ = l.safety.Publish(SafetyViolation{
		AgentID:   agentID,
		Available: available,
		Total:     total,
		Required:  required,
		At:        l.now(),
	})
	return false
}

// AddSafetyListener 注册资金安全监听者。
func (l *Ledger) AddSafetyListener(fn func(SafetyViolation) error) int {
	return l.safety.Subscribe(fn)
}

// RemoveSafetyListener 注销资金安全监听者。
func (l *Ledger) RemoveSafetyListener(id int) bool {
	return l.safety.Unsubscribe(id)
}
