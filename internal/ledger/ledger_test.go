package ledger

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"OpenLP-Agent/internal/agent"
)

type stubSource struct {
	mu    sync.Mutex
	calls int
	funds agent.FundsStatus
	err   error
}

func (s *stubSource) FetchFunds(context.Context, string) (agent.FundsStatus, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.calls++
	return s.funds, s.err
}

type clock struct{ t time.Time }

func (c *clock) Now() time.Time { return c.t }

func d(v string) decimal.Decimal { return decimal.RequireFromString(v) }

func setup(t *testing.T, funds agent.FundsStatus) (*Ledger, *stubSource, *clock) {
	t.Helper()
	src := &stubSource{funds: funds}
	clk := &clock{t: time.Date(2025, 6, 1, 10, 0, 0, 0, time.UTC)}
	lg := New(src, WithClock(clk.Now))
	lg.RegisterAgent("agent-1", agent.Config{
		Name:         "bot",
		Wallet:       "0xabc",
		MaxPositions: 2,
		MinReserve:   d("1"),
	})
	if _, err := lg.GetFundsStatus(context.Background(), "agent-1", ""); err != nil {
		t.Fatalf("GetFundsStatus: %v", err)
	}
	return lg, src, clk
}

func tenNative() agent.FundsStatus {
	return agent.FundsStatus{
		TotalValueUSD:    d("1500"),
		TotalValueNative: d("10"),
		AvailableNative:  d("6"),
		Positions:        []agent.Position{{PoolID: "p1", ValueUSD: d("600"), ValueNative: d("4")}},
	}
}

func TestFundsStatusIsCached(t *testing.T) {
	lg, src, clk := setup(t, tenNative())
	ctx := context.Background()

	if _, err := lg.GetFundsStatus(ctx, "agent-1", ""); err != nil {
		t.Fatalf("cached read: %v", err)
	}
	if src.calls != 1 {
		t.Fatalf("expected cache hit, source called %d times", src.calls)
	}
	clk.t = clk.t.Add(5 * time.Minute)
	if _, err := lg.GetFundsStatus(ctx, "agent-1", ""); err != nil {
		t.Fatalf("refresh: %v", err)
	}
	if src.calls != 2 {
		t.Fatalf("expected refresh after TTL, calls=%d", src.calls)
	}
	lg.Invalidate("agent-1")
	_, _ = lg.GetFundsStatus(ctx, "agent-1", "")
	if src.calls != 3 {
		t.Fatalf("expected refresh after invalidate, calls=%d", src.calls)
	}
}

func TestFundsStatusNormalisesSource(t *testing.T) {
	bad := tenNative()
	bad.AvailableNative = d("25")
	lg, _, _ := setup(t, bad)
	got, _ := lg.GetFundsStatus(context.Background(), "agent-1", "")
	if got.AvailableNative.GreaterThan(got.TotalValueNative) {
		t.Fatalf("available %s exceeds total %s", got.AvailableNative, got.TotalValueNative)
	}
}

func TestSourceErrorsAreWrapped(t *testing.T) {
	src := &stubSource{err: errors.New("rpc down")}
	lg := New(src)
	lg.RegisterAgent("a", agent.Config{Wallet: "w"})
	if _, err := lg.GetFundsStatus(context.Background(), "a", ""); err == nil {
		t.Fatalf("expected error")
	}
	if _, err := lg.GetFundsStatus(context.Background(), "missing", ""); !errors.Is(err, ErrAgentNotRegistered) {
		t.Fatalf("expected not registered, got %v", err)
	}
}

func TestSingleTransactionCap(t *testing.T) {
	lg, _, _ := setup(t, tenNative())
	if !lg.CheckTransactionLimit("agent-1", d("2"), KindRemoveLiquidity) {
		t.Fatalf("20%% of total should be allowed")
	}
	dec := lg.Evaluate("agent-1", d("2.01"), KindRemoveLiquidity)
	if dec.Allowed || dec.Reason == "" {
		t.Fatalf("above single cap must be denied: %+v", dec)
	}
}

func TestDailyCapResetsAtUTCMidnight(t *testing.T) {
	lg, _, clk := setup(t, agent.FundsStatus{TotalValueNative: d("10"), AvailableNative: d("10")})
	for i := 0; i < 2; i++ {
		if !lg.CheckTransactionLimit("agent-1", d("2"), KindSwap) {
			t.Fatalf("swap %d should pass", i)
		}
		if _, err := lg.RecordTransaction("agent-1", d("2"), KindSwap); err != nil {
			t.Fatalf("record: %v", err)
		}
	}
	if lg.CheckTransactionLimit("agent-1", d("1.5"), KindSwap) {
		t.Fatalf("4 + 1.5 exceeds the 5 daily cap")
	}
	if !lg.CheckTransactionLimit("agent-1", d("1"), KindSwap) {
		t.Fatalf("4 + 1 equals the cap and should pass")
	}

	clk.t = time.Date(2025, 6, 2, 0, 0, 1, 0, time.UTC)
	if !lg.CheckTransactionLimit("agent-1", d("1.5"), KindSwap) {
		t.Fatalf("daily window should reset at UTC midnight")
	}
}

func TestOutflowRespectsReserve(t *testing.T) {
	lg, _, _ := setup(t, agent.FundsStatus{TotalValueNative: d("10"), AvailableNative: d("2.5")})
	if lg.CheckTransactionLimit("agent-1", d("2"), KindWithdraw) {
		t.Fatalf("withdraw leaving 0.5 < reserve 1 must be denied")
	}
	if !lg.CheckTransactionLimit("agent-1", d("1.5"), KindWithdraw) {
		t.Fatalf("withdraw leaving exactly the reserve should pass")
	}
	if !lg.CheckTransactionLimit("agent-1", d("2"), KindClosePosition) {
		t.Fatalf("inflow types are not bound by the reserve")
	}
}

func TestAddLiquidityRespectsMaxPositions(t *testing.T) {
	funds := tenNative()
	funds.Positions = append(funds.Positions, agent.Position{PoolID: "p2", ValueNative: d("1")})
	lg, _, _ := setup(t, funds)
	if lg.CheckTransactionLimit("agent-1", d("1"), KindAddLiquidity) {
		t.Fatalf("third position must be denied with max 2")
	}
	if !lg.CheckTransactionLimit("agent-1", d("1"), KindClaimFees) {
		t.Fatalf("other types unaffected by position limit")
	}
}

func TestRecordAndReturns(t *testing.T) {
	lg, _, clk := setup(t, tenNative())
	if _, err := lg.RecordTransaction("agent-1", d("100"), KindDeposit); err != nil {
		t.Fatalf("deposit: %v", err)
	}
	if _, err := lg.RecordTransaction("agent-1", d("0"), KindDeposit); !errors.Is(err, ErrInvalidAmount) {
		t.Fatalf("zero amount should be rejected, got %v", err)
	}
	_, _ = lg.RecordTransaction("agent-1", d("3"), KindClaimFees)
	clk.t = clk.t.Add(3 * 24 * time.Hour)
	_, _ = lg.RecordTransaction("agent-1", d("2"), KindClaimFees)
	clk.t = clk.t.Add(time.Hour)

	r, err := lg.CalculateReturns("agent-1")
	if err != nil {
		t.Fatalf("returns: %v", err)
	}
	checks := map[string][2]decimal.Decimal{
		"total":   {r.Total, d("0.05")},
		"daily":   {r.Daily, d("0.02")},
		"weekly":  {r.Weekly, d("0.05")},
		"monthly": {r.Monthly, d("0.05")},
	}
	for name, pair := range checks {
		if !pair[0].Equal(pair[1]) {
			t.Fatalf("%s return = %s, want %s", name, pair[0], pair[1])
		}
	}
	if len(lg.Entries("agent-1")) != 3 {
		t.Fatalf("expected 3 ledger entries")
	}
}

func TestReturnsWithoutBaselineAreZero(t *testing.T) {
	lg, _, _ := setup(t, tenNative())
	_, _ = lg.RecordTransaction("agent-1", d("1"), KindClaimFees)
	r, _ := lg.CalculateReturns("agent-1")
	if !r.Total.IsZero() || !r.FeeIncome.Equal(d("1")) {
		t.Fatalf("unexpected returns %+v", r)
	}
}

func TestFundsSafetyNotifiesListeners(t *testing.T) {
	lg, _, _ := setup(t, agent.FundsStatus{TotalValueNative: d("10"), AvailableNative: d("0.4")})
	var got []SafetyViolation
	lg.AddSafetyListener(func(SafetyViolation) error { panic("noisy listener") })
	lg.AddSafetyListener(func(v SafetyViolation) error { got = append(got, v); return nil })

	if lg.CheckFundsSafety("agent-1") {
		t.Fatalf("0.4 < 5%% of 10 must be unsafe")
	}
	if len(got) != 1 || !got[0].Required.Equal(d("0.5")) {
		t.Fatalf("listener not notified correctly: %+v", got)
	}

	lg2, _, _ := setup(t, agent.FundsStatus{TotalValueNative: d("10"), AvailableNative: d("0.5")})
	if !lg2.CheckFundsSafety("agent-1") {
		t.Fatalf("exactly 5%% is safe")
	}
}

func TestLedgerIsBounded(t *testing.T) {
	lg := New(&stubSource{}, WithLimits(Limits{MaxEntries: 3}))
	lg.RegisterAgent("a", agent.Config{Wallet: "w"})
	for i := 0; i < 5; i++ {
		_, _ = lg.RecordTransaction("a", d("1"), KindDeposit)
	}
	if n := len(lg.Entries("a")); n != 3 {
		t.Fatalf("entries = %d, want 3", n)
	}
	r, _ := lg.CalculateReturns("a")
	if !r.Baseline.Equal(d("5")) {
		t.Fatalf("baseline must include evicted deposits, got %s", r.Baseline)
	}
}
