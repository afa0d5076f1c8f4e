package risk

import (
	"context"
	"log/slog"
	"sort"
	"strconv"

	"github.com/shopspring/decimal"

	"OpenLP-Agent/internal/agent"
	xerrors "OpenLP-Agent/internal/errors"
	"OpenLP-Agent/internal/transaction"
	"OpenLP-Agent/pkg/logger"
)

// ExecuteEmergencyExit 按风险从高到低为每个持仓提交 CRITICAL 平仓交易并等待终态。
// 单个持仓失败不会中断其余持仓；仅当全部平仓确认时返回 true，没有持仓视为成功。
// 上一次退出留下的未结束或已确认的平仓请求会被继续等待，只有失败或取消的池才重新提交。
func (c *Controller) ExecuteEmergencyExit(ctx context.Context, agentID, reason string) bool {
	m, ok := c.lookup(agentID)
	if !ok || m == nil {
		return false
	}
	log := logger.ForAgent("risk", agentID)
	positions := c.currentPositions(ctx, m)
	ranked := c.rankPositions(ctx, agentID, positions)
	wallet := m.machine.Config().Wallet

	log.Warn("开始紧急退出", slog.String("reason", reason), slog.Int("positions", len(ranked)))
	waits, failed, reused := c.submitExit(m, log, wallet, ranked)
	if reused > 0 {
		log.Info("继续等待上一次的平仓请求", slog.Int("requests", reused))
	}

	failed += c.waitAll(ctx, log, waits)
	ok = failed == 0
	if ok {
		m.exitMu.Lock()
		m.exitReqs = nil
		m.exitMu.Unlock()
	}
	c.ledger.Invalidate(agentID)
	c.finishRemediation(agentID, RemediationEmergencyExit, ok, len(waits), failed, reason)
	return ok
}

// submitExit 为每个池复用仍有效的平仓请求或提交新请求，返回需要等待的请求。
func (c *Controller) submitExit(m *managed, log *slog.Logger, wallet string, ranked []agent.Position) (waits []transaction.Request, failed, reused int) {
	m.exitMu.Lock()
	defer m.exitMu.Unlock()
	if m.exitReqs == nil {
		m.exitReqs = make(map[string]string)
	}

	covered := make(map[string]bool, len(ranked))
	for _, p := range ranked {
		covered[p.PoolID] = true
		if prev, ok := c.liveExitRequest(m, p.PoolID); ok {
			waits = append(waits, prev)
			reused++
			continue
		}
		req := transaction.CreateRequest(transaction.TypeClosePosition, transaction.Payload{
			Wallet: wallet,
			PoolID: p.PoolID,
			Amount: p.ValueNative,
		}, m.id, transaction.WithPriority(transaction.PriorityCritical))
		if err := c.executor.Execute(req); err != nil {
			failed++
			log.Error("提交处置交易失败", slog.String("pool_id", p.PoolID), slog.Any("error", err))
			continue
		}
		m.exitReqs[p.PoolID] = req.ID
		waits = append(waits, req)
	}

	// 持仓快照中已消失但请求尚未结束的池同样需要等待。
	for pool := range m.exitReqs {
		if covered[pool] {
			continue
		}
		prev, ok := c.liveExitRequest(m, pool)
		if !ok || prev.Status.Terminal() {
			delete(m.exitReqs, pool)
			continue
		}
		waits = append(waits, prev)
		reused++
	}
	return waits, failed, reused
}

// liveExitRequest 返回该池上一次未失败也未取消的平仓请求。调用方持有 exitMu。
func (c *Controller) liveExitRequest(m *managed, pool string) (transaction.Request, bool) {
	id, ok := m.exitReqs[pool]
	if !ok {
		return transaction.Request{}, false
	}
	prev, err := c.executor.GetStatus(id)
	if err != nil || prev.Status == transaction.StatusFailed || prev.Status == transaction.StatusCancelled {
		delete(m.exitReqs, pool)
		return transaction.Request{}, false
	}
	return prev, true
}

// ExecutePartialReduction 从风险最高的持仓开始移除流动性，直到覆盖总价值的 percentage%。
// 仅当全部减仓交易确认时返回 true。
func (c *Controller) ExecutePartialReduction(ctx context.Context, agentID string, percentage float64) bool {
	m, ok := c.lookup(agentID)
	if !ok || m == nil {
		return false
	}
	if percentage <= 0 || percentage > 100 {
		c.log.Warn("减仓比例无效", slog.String("agent_id", agentID), slog.Float64("percentage", percentage))
		return false
	}
	log := logger.ForAgent("risk", agentID)
	funds := c.currentFunds(ctx, m)
	ranked := c.rankPositions(ctx, agentID, funds.Positions)
	wallet := m.machine.Config().Wallet

	reqs := planReduction(agentID, wallet, funds.TotalValueUSD, ranked, decimal.NewFromFloat(percentage))
	log.Info("开始部分减仓", slog.Float64("percentage", percentage), slog.Int("transactions", len(reqs)))

	failed := c.submitAndWait(ctx, log, reqs)
	ok = failed == 0
	c.ledger.Invalidate(agentID)
	c.finishRemediation(agentID, RemediationPartialReduction, ok, len(reqs), failed, "")
	return ok
}

var hundred = decimal.NewFromInt(100)

// planReduction 依次取持仓，直到累计美元价值覆盖目标；最后一个持仓按比例部分移除。
func planReduction(agentID, wallet string, totalUSD decimal.Decimal, ranked []agent.Position, pct decimal.Decimal) []transaction.Request {
	remaining := totalUSD.Mul(pct).Div(hundred)
	var reqs []transaction.Request
	for _, p := range ranked {
		if !remaining.IsPositive() {
			break
		}
		if !p.ValueUSD.IsPositive() {
			continue
		}
		portion := decimal.Min(p.ValueUSD, remaining)
		remaining = remaining.Sub(portion)
		share := portion.Div(p.ValueUSD).Mul(hundred).Round(4)
		reqs = append(reqs, transaction.CreateRequest(transaction.TypeRemoveLiquidity, transaction.Payload{
			Wallet:     wallet,
			PoolID:     p.PoolID,
			Amount:     p.ValueNative.Mul(share).Div(hundred),
			Percentage: share,
		}, agentID, transaction.WithPriority(transaction.PriorityHigh)))
	}
	return reqs
}

// submitAndWait 提交全部请求后逐个等待终态，返回未确认的数量。
func (c *Controller) submitAndWait(ctx context.Context, log *slog.Logger, reqs []transaction.Request) int {
	failed := 0
	submitted := make([]transaction.Request, 0, len(reqs))
	for _, req := range reqs {
		if err := c.executor.Execute(req); err != nil {
			failed++
			log.Error("提交处置交易失败", slog.String("pool_id", req.Payload.PoolID), slog.Any("error", err))
			continue
		}
		submitted = append(submitted, req)
	}
	return failed + c.waitAll(ctx, log, submitted)
}

// waitAll 等待请求进入终态，返回未确认的数量。
func (c *Controller) waitAll(ctx context.Context, log *slog.Logger, reqs []transaction.Request) int {
	failed := 0
	for _, req := range reqs {
		final, err := c.executor.WaitFor(ctx, req.ID)
		switch {
		case err != nil:
			failed++
			log.Error("等待处置交易失败", slog.String("request_id", req.ID), slog.Any("error", err))
		case final.Status != transaction.StatusConfirmed:
			failed++
			log.Error("处置交易未确认",
				slog.String("request_id", req.ID),
				slog.String("pool_id", req.Payload.PoolID),
				slog.String("status", string(final.Status)),
				slog.String("error", final.LastError))
		}
	}
	return failed
}

func (c *Controller) finishRemediation(agentID, kind string, ok bool, total, failed int, reason string) {
	logger.Audit().Info("风险处置完成",
		slog.String("agent_id", agentID),
		slog.String("kind", kind),
		slog.Bool("success", ok),
		slog.Int("transactions", total),
		slog.Int("failed", failed),
		slog.String("reason", reason))
	if c.observer != nil {
		c.observer.ObserveRemediation(kind, ok)
	}
	if !ok && kind == RemediationEmergencyExit {
		c.alert(agentID, xerrors.New(xerrors.CodeTransactionFailure, "emergency exit incomplete",
			xerrors.WithMetadata("failed", strconv.Itoa(failed)),
			xerrors.WithMetadata("total", strconv.Itoa(total))), kind)
	}
}

// currentFunds 优先读取账本快照，失败时退回状态机中最近的资金记录。
func (c *Controller) currentFunds(ctx context.Context, m *managed) agent.FundsStatus {
	funds, err := c.ledger.GetFundsStatus(ctx, m.id, "")
	if err != nil {
		c.log.Warn("读取资金快照失败，使用状态机缓存", slog.String("agent_id", m.id), slog.Any("error", err))
		return m.machine.Funds()
	}
	return funds
}

func (c *Controller) currentPositions(ctx context.Context, m *managed) []agent.Position {
	return c.currentFunds(ctx, m).Positions
}

// rankPositions 按持仓风险分降序排列，同分时价值高的在前；评分不可用时按美元价值降序。
func (c *Controller) rankPositions(ctx context.Context, agentID string, positions []agent.Position) []agent.Position {
	ranked := append([]agent.Position(nil), positions...)
	if len(ranked) < 2 {
		return ranked
	}
	var scores map[string]float64
	if ps, ok := c.scorer.(PositionScorer); ok {
		s, err := ps.PositionRisk(ctx, agentID, ranked)
		if err != nil {
			c.log.Warn("持仓风险评分失败，按价值排序", slog.String("agent_id", agentID), slog.Any("error", err))
		} else {
			scores = s
		}
	}
	sort.SliceStable(ranked, func(i, j int) bool {
		if scores != nil {
			si, sj := scores[ranked[i].PoolID], scores[ranked[j].PoolID]
			if si != sj {
				return si > sj
			}
		}
		return ranked[i].ValueUSD.GreaterThan(ranked[j].ValueUSD)
	})
	return ranked
}
