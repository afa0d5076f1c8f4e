package agent

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	xerrors "OpenLP-Agent/internal/errors"
	"OpenLP-Agent/pkg/logger"
)

// ErrRecoveryExhausted 表示自愈次数耗尽，已强制触发 USER_EMERGENCY。
var ErrRecoveryExhausted = xerrors.New(xerrors.CodeRecoveryExhausted, "recovery attempts exhausted")

// PeriodicCheck 检查当前状态是否停留过久。超时后按状态执行自愈动作，
// 每次自愈之间至少间隔 RecoveryInterval；超过次数上限时强制 USER_EMERGENCY
// 并返回 ErrRecoveryExhausted。
func (m *Machine) PeriodicCheck(ctx context.Context) error {
	m.opMu.Lock()
	defer m.opMu.Unlock()

	now := m.now()
	m.mu.Lock()
	state := m.state
	stuckFor := now.Sub(m.stateSince)
	if state == StateRunning || state == StateStopped || stuckFor < m.timings.StuckTimeout {
		m.mu.Unlock()
		return nil
	}
	if !m.lastRecoveryAt.IsZero() && now.Sub(m.lastRecoveryAt) < m.timings.RecoveryInterval {
		m.mu.Unlock()
		return nil
	}
	if m.recoveryAttempts >= m.timings.MaxRecoveryAttempts {
		attempts := m.recoveryAttempts
		m.recoveryAttempts = 0
		m.lastRecoveryAt = now
		m.mu.Unlock()

		reason := fmt.Sprintf("stuck in %s for %s after %d recovery attempts", state, stuckFor.Round(time.Second), attempts)
		logger.Audit().Error("自愈次数耗尽，强制进入紧急状态",
			slog.String("agent_id", m.agentID),
			slog.String("state", string(state)),
			slog.Int("attempts", attempts))
		m.apply(EventUserEmergency, reason, false)
		return xerrors.Wrap(xerrors.CodeRecoveryExhausted, ErrRecoveryExhausted, reason)
	}
	m.recoveryAttempts++
	m.lastRecoveryAt = now
	attempt := m.recoveryAttempts
	m.mu.Unlock()

	m.log.Warn("状态停留超时，执行自愈",
		slog.String("state", string(state)),
		slog.Duration("stuck_for", stuckFor),
		slog.Int("attempt", attempt))
	m.recover(ctx, state)
	return nil
}

func (m *Machine) recover(ctx context.Context, state State) {
	switch state {
	case StateInitializing:
		m.apply(EventStart, "recovery: start stalled initialization", false)
	case StateWaiting:
		funds := m.Funds()
		if m.fundsChecker != nil {
			fresh, err := m.fundsChecker(ctx)
			if err != nil {
				m.log.Warn("自愈刷新资金失败", slog.Any("error", err))
			} else {
				funds = fresh
			}
		}
		m.updateFunds(funds)
	case StatePartialReducing:
		m.mu.RLock()
		latest, ok := m.risks.Last()
		m.mu.RUnlock()
		if ok {
			m.evaluateRisk(latest)
		}
	case StateEmergencyExit:
		m.apply(EventStop, "recovery: emergency exit stalled", false)
	}
}
