package risk

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"OpenLP-Agent/internal/agent"
	xerrors "OpenLP-Agent/internal/errors"
	"OpenLP-Agent/internal/ledger"
	"OpenLP-Agent/internal/observability/alerting"
	"OpenLP-Agent/internal/retry"
	"OpenLP-Agent/internal/transaction"
)

const wallet = "0x00000000000000000000000000000000000000aa"

type fakeClock struct {
	mu sync.Mutex
	t  time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.t = c.t.Add(d)
	c.mu.Unlock()
}

type fakeScorer struct {
	mu        sync.Mutex
	score     float64
	positions map[string]float64
}

func (s *fakeScorer) set(score float64) {
	s.mu.Lock()
	s.score = score
	s.mu.Unlock()
}

func (s *fakeScorer) AssessRisk(context.Context, string) (agent.RiskAssessment, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return agent.RiskAssessment{HealthScore: s.score}, nil
}

func (s *fakeScorer) PositionRisk(context.Context, string, []agent.Position) (map[string]float64, error) {
	return s.positions, nil
}

type alertSink struct {
	mu     sync.Mutex
	events []alerting.Event
}

func (s *alertSink) Notify(_ context.Context, e alerting.Event) error {
	s.mu.Lock()
	s.events = append(s.events, e)
	s.mu.Unlock()
	return nil
}

func (s *alertSink) codes() []xerrors.Code {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]xerrors.Code, 0, len(s.events))
	for _, e := range s.events {
		out = append(out, e.Code)
	}
	return out
}

func usd(v string) decimal.Decimal { return decimal.RequireFromString(v) }

// p1 风险最高但价值低于 p2。
func defaultFunds() agent.FundsStatus {
	return agent.FundsStatus{
		TotalValueUSD:    usd("10000"),
		TotalValueNative: usd("5"),
		AvailableNative:  usd("1"),
		Positions: []agent.Position{
			{PoolID: "p2", ValueUSD: usd("3000"), ValueNative: usd("1.5")},
			{PoolID: "p1", ValueUSD: usd("5000"), ValueNative: usd("2.5")},
		},
	}
}

type harness struct {
	ctrl   *Controller
	exec   *transaction.Executor
	ledger *ledger.Ledger
	scorer *fakeScorer
	clock  *fakeClock
	store  *agent.MemoryStateStore
	alerts *alertSink

	mu      sync.Mutex
	funds   agent.FundsStatus
	gate    chan struct{}
	entered chan struct{}
	built   []transaction.Request
	revert  map[string]bool
	confirm chan struct{}
}

func (h *harness) builds(typ transaction.Type) []transaction.Request {
	h.mu.Lock()
	defer h.mu.Unlock()
	var out []transaction.Request
	for _, r := range h.built {
		if r.Type == typ {
			out = append(out, r)
		}
	}
	return out
}

func (h *harness) resetBuilds() {
	h.mu.Lock()
	h.built = nil
	h.mu.Unlock()
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	h := &harness{
		scorer: &fakeScorer{score: 4.5, positions: map[string]float64{"p1": 0.9, "p2": 0.4}},
		clock:  &fakeClock{t: time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)},
		store:  agent.NewMemoryStateStore(),
		alerts: &alertSink{},
		funds:  defaultFunds(),
		revert: map[string]bool{},
	}

	h.ledger = ledger.New(ledger.SourceFunc(func(ctx context.Context, _ string) (agent.FundsStatus, error) {
		h.mu.Lock()
		gate, entered, funds := h.gate, h.entered, h.funds.Clone()
		h.mu.Unlock()
		if gate != nil {
			select {
			case entered <- struct{}{}:
			default:
			}
			select {
			case <-gate:
			case <-ctx.Done():
				return agent.FundsStatus{}, ctx.Err()
			}
		}
		return funds, nil
	}))

	pipeline := transaction.Pipeline{
		Builder: transaction.BuilderFunc(func(_ context.Context, req transaction.Request) (transaction.Unsigned, error) {
			h.mu.Lock()
			h.built = append(h.built, req)
			h.mu.Unlock()
			return transaction.Unsigned{RequestID: req.ID, Wallet: req.Payload.Wallet, Tx: req.Payload.PoolID}, nil
		}),
		Signer: transaction.SignerFunc(func(_ context.Context, u transaction.Unsigned) (transaction.Signed, error) {
			return transaction.Signed{RequestID: u.RequestID, Wallet: u.Wallet, Tx: u.Tx}, nil
		}),
		Sender: transaction.SenderFunc(func(_ context.Context, s transaction.Signed) (string, error) {
			return s.Tx.(string) + ":" + s.RequestID, nil
		}),
		Confirmer: transaction.ConfirmerFunc(func(ctx context.Context, handle string) (transaction.Confirmation, error) {
			h.mu.Lock()
			hold := h.confirm
			h.mu.Unlock()
			if hold != nil {
				select {
				case <-hold:
				case <-ctx.Done():
					return transaction.Confirmation{}, ctx.Err()
				}
			}
			h.mu.Lock()
			defer h.mu.Unlock()
			for pool := range h.revert {
				if len(handle) > len(pool) && handle[:len(pool)+1] == pool+":" {
					return transaction.Confirmation{Success: false, Handle: handle}, nil
				}
			}
			return transaction.Confirmation{Success: true, Handle: handle}, nil
		}),
	}
	exec, err := transaction.NewExecutor(pipeline, transaction.Config{
		MaxConcurrent:  1,
		AttemptTimeout: time.Second,
		Retry:          retry.Policy{MaxAttempts: 2, BaseDelay: time.Millisecond, MaxDelay: 2 * time.Millisecond},
	})
	if err != nil {
		t.Fatalf("NewExecutor: %v", err)
	}
	ctx, cancel := context.WithCancel(context.Background())
	exec.Start(ctx)
	h.exec = exec

	cfg := DefaultConfig()
	cfg.CycleInterval = time.Hour
	cfg.CycleTimeout = 5 * time.Second
	cfg.RemediationTimeout = 5 * time.Second
	h.ctrl, err = NewController(h.scorer, h.ledger, exec, cfg,
		WithStore(h.store),
		WithClock(h.clock.Now),
		WithAlertDispatcher(h.alerts))
	if err != nil {
		t.Fatalf("NewController: %v", err)
	}
	t.Cleanup(func() {
		closeCtx, done := context.WithTimeout(context.Background(), 5*time.Second)
		defer done()
		_ = h.ctrl.Close(closeCtx)
		cancel()
		exec.Wait()
	})
	return h
}

func agentConfig() agent.Config {
	return agent.Config{
		Name:         "lp-bot",
		Wallet:       wallet,
		RiskTier:     "moderate",
		MaxPositions: 3,
		MinReserve:   usd("0.1"),
		Thresholds:   agent.DefaultThresholds(),
	}
}

func (h *harness) register(t *testing.T, id string) *agent.Machine {
	t.Helper()
	m, err := h.ctrl.RegisterAgent(context.Background(), id, agentConfig())
	if err != nil {
		t.Fatalf("RegisterAgent: %v", err)
	}
	return m
}

// cycles 以一分钟为间隔执行 n 次监控周期。
func (h *harness) cycles(t *testing.T, id string, n int) {
	t.Helper()
	for i := 0; i < n; i++ {
		if i > 0 {
			h.clock.Advance(time.Minute)
		}
		_ = h.ctrl.RunCycle(context.Background(), id)
	}
}

func TestRegisterStartsFreshAgent(t *testing.T) {
	h := newHarness(t)
	m := h.register(t, "a1")
	if m.State() != agent.StateRunning {
		t.Fatalf("expected RUNNING, got %s", m.State())
	}
	if _, err := h.ctrl.RegisterAgent(context.Background(), "a1", agentConfig()); xerrors.CodeOf(err) != xerrors.CodeConflict {
		t.Fatalf("duplicate registration: %v", err)
	}
	if ids := h.ctrl.Agents(); len(ids) != 1 || ids[0] != "a1" {
		t.Fatalf("agents = %v", ids)
	}
}

func TestSustainedHighRiskExitsAndStops(t *testing.T) {
	h := newHarness(t)
	m := h.register(t, "a1")
	h.scorer.set(1.5)

	h.cycles(t, "a1", 5)
	if m.State() != agent.StateRunning {
		t.Fatalf("escalated before window elapsed: %s", m.State())
	}
	h.cycles(t, "a1", 2)
	if m.State() != agent.StateStopped {
		t.Fatalf("expected STOPPED after exit, got %s", m.State())
	}

	closes := h.builds(transaction.TypeClosePosition)
	if len(closes) != 2 || closes[0].Payload.PoolID != "p1" || closes[1].Payload.PoolID != "p2" {
		t.Fatalf("unexpected close order %+v", closes)
	}
	for _, r := range closes {
		if r.Priority != transaction.PriorityCritical || r.Payload.Wallet != wallet {
			t.Fatalf("close request %+v", r)
		}
	}

	var recorded int
	for _, e := range h.ledger.Entries("a1") {
		if e.Kind == ledger.KindClosePosition {
			recorded++
		}
	}
	if recorded != 2 {
		t.Fatalf("expected 2 ledger entries, got %d", recorded)
	}

	var path []agent.State
	for _, ch := range m.StateHistory() {
		path = append(path, ch.To)
	}
	if len(path) < 3 || path[len(path)-2] != agent.StateEmergencyExit || path[len(path)-1] != agent.StateStopped {
		t.Fatalf("state path %v", path)
	}
}

func TestEmergencyExitIsBestEffort(t *testing.T) {
	h := newHarness(t)
	h.register(t, "a1")
	h.mu.Lock()
	h.revert["p1"] = true
	h.mu.Unlock()

	if h.ctrl.ExecuteEmergencyExit(context.Background(), "a1", "test") {
		t.Fatalf("exit reported success with a reverted position")
	}
	var pools = map[string]int{}
	for _, r := range h.builds(transaction.TypeClosePosition) {
		pools[r.Payload.PoolID]++
	}
	if pools["p1"] != 2 || pools["p2"] != 1 {
		t.Fatalf("expected p1 retried and p2 attempted, got %v", pools)
	}
	var found bool
	for _, c := range h.alerts.codes() {
		if c == xerrors.CodeTransactionFailure {
			found = true
		}
	}
	if !found {
		t.Fatalf("missing exit failure alert: %v", h.alerts.codes())
	}
}

func TestEmergencyExitWithoutPositionsSucceeds(t *testing.T) {
	h := newHarness(t)
	h.mu.Lock()
	h.funds = agent.FundsStatus{TotalValueUSD: usd("2000"), TotalValueNative: usd("1"), AvailableNative: usd("1")}
	h.mu.Unlock()
	h.register(t, "a1")
	if !h.ctrl.ExecuteEmergencyExit(context.Background(), "a1", "test") {
		t.Fatalf("exit without positions should succeed")
	}
	if n := len(h.builds(transaction.TypeClosePosition)); n != 0 {
		t.Fatalf("unexpected close transactions: %d", n)
	}
}

func TestPartialReductionCoversTargetShare(t *testing.T) {
	h := newHarness(t)
	h.register(t, "a1")

	if !h.ctrl.ExecutePartialReduction(context.Background(), "a1", 30) {
		t.Fatalf("reduction failed")
	}
	got := h.builds(transaction.TypeRemoveLiquidity)
	if len(got) != 1 || got[0].Payload.PoolID != "p1" || !got[0].Payload.Percentage.Equal(usd("60")) {
		t.Fatalf("30%% reduction: %+v", got)
	}
	if !got[0].Payload.Amount.Equal(usd("1.5")) || got[0].Priority != transaction.PriorityHigh {
		t.Fatalf("30%% reduction payload: %+v", got[0])
	}

	h.resetBuilds()
	if !h.ctrl.ExecutePartialReduction(context.Background(), "a1", 70) {
		t.Fatalf("reduction failed")
	}
	got = h.builds(transaction.TypeRemoveLiquidity)
	if len(got) != 2 {
		t.Fatalf("70%% reduction: %+v", got)
	}
	if got[0].Payload.PoolID != "p1" || !got[0].Payload.Percentage.Equal(usd("100")) {
		t.Fatalf("first leg %+v", got[0].Payload)
	}
	if got[1].Payload.PoolID != "p2" || !got[1].Payload.Percentage.Equal(usd("66.6667")) {
		t.Fatalf("second leg %+v", got[1].Payload)
	}

	if h.ctrl.ExecutePartialReduction(context.Background(), "a1", 0) {
		t.Fatalf("zero percentage accepted")
	}
}

func TestRankingFallsBackToValue(t *testing.T) {
	h := newHarness(t)
	h.scorer.positions = nil
	ranked := h.ctrl.rankPositions(context.Background(), "a1", defaultFunds().Positions)
	if ranked[0].PoolID != "p1" || ranked[1].PoolID != "p2" {
		t.Fatalf("expected value order, got %+v", ranked)
	}
	h.scorer.positions = map[string]float64{"p2": 0.8}
	ranked = h.ctrl.rankPositions(context.Background(), "a1", defaultFunds().Positions)
	if ranked[0].PoolID != "p2" {
		t.Fatalf("expected score order, got %+v", ranked)
	}
}

func TestMediumRiskReducesOnce(t *testing.T) {
	h := newHarness(t)
	m := h.register(t, "a1")
	h.scorer.set(2.5)

	h.cycles(t, "a1", 14)
	if m.State() != agent.StatePartialReducing {
		t.Fatalf("expected PARTIAL_REDUCING, got %s", m.State())
	}
	if n := len(h.builds(transaction.TypeRemoveLiquidity)); n != 1 {
		t.Fatalf("expected a single reduction, got %d transactions", n)
	}

	h.scorer.set(4)
	h.cycles(t, "a1", 1)
	if m.State() != agent.StateRunning {
		t.Fatalf("expected RUNNING after recovery, got %s", m.State())
	}
}

func TestCyclesDoNotOverlap(t *testing.T) {
	h := newHarness(t)
	h.register(t, "a1")
	gate, entered := make(chan struct{}), make(chan struct{}, 1)
	h.mu.Lock()
	h.gate, h.entered = gate, entered
	h.mu.Unlock()

	first := make(chan error, 1)
	go func() { first <- h.ctrl.RunCycle(context.Background(), "a1") }()
	select {
	case <-entered:
	case <-time.After(2 * time.Second):
		t.Fatalf("first cycle never reached the funds source")
	}

	if err := h.ctrl.RunCycle(context.Background(), "a1"); !errors.Is(err, ErrCycleInProgress) {
		t.Fatalf("expected overlap rejection, got %v", err)
	}

	h.mu.Lock()
	h.gate = nil
	h.mu.Unlock()
	close(gate)
	select {
	case err := <-first:
		if err != nil {
			t.Fatalf("first cycle: %v", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatalf("first cycle did not finish")
	}
}

func TestSubmitTransactionEnforcesLimits(t *testing.T) {
	h := newHarness(t)
	h.register(t, "a1")
	if err := h.ctrl.RunCycle(context.Background(), "a1"); err != nil {
		t.Fatalf("cycle: %v", err)
	}

	_, err := h.ctrl.SubmitTransaction("a1", transaction.TypeWithdraw, transaction.Payload{Amount: usd("2"), Recipient: wallet})
	if xerrors.CodeOf(err) != xerrors.CodeLimitViolation {
		t.Fatalf("expected limit violation, got %v", err)
	}

	req, err := h.ctrl.SubmitTransaction("a1", transaction.TypeAddLiquidity, transaction.Payload{PoolID: "p3", Amount: usd("0.5")})
	if err != nil {
		t.Fatalf("submit: %v", err)
	}
	if req.Payload.Wallet != wallet {
		t.Fatalf("wallet not defaulted: %q", req.Payload.Wallet)
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	final, err := h.exec.WaitFor(ctx, req.ID)
	if err != nil || final.Status != transaction.StatusConfirmed {
		t.Fatalf("wait: %+v %v", final, err)
	}
	entries := h.ledger.Entries("a1")
	if len(entries) != 1 || entries[0].Kind != ledger.KindAddLiquidity || !entries[0].Amount.Equal(usd("0.5")) {
		t.Fatalf("ledger entries %+v", entries)
	}

	if _, err := h.ctrl.SubmitTransaction("ghost", transaction.TypeClaimFees, transaction.Payload{}); xerrors.CodeOf(err) != xerrors.CodeNotFound {
		t.Fatalf("unknown agent: %v", err)
	}
}

func TestUserEmergencyExitsAsynchronously(t *testing.T) {
	h := newHarness(t)
	m := h.register(t, "a1")
	var changes []agent.StateChange
	var mu sync.Mutex
	h.ctrl.OnStateChange(func(ch agent.StateChange) error {
		mu.Lock()
		changes = append(changes, ch)
		mu.Unlock()
		return nil
	})

	if !m.HandleEvent(agent.EventUserEmergency) {
		t.Fatalf("user emergency rejected")
	}
	observed := func() int {
		mu.Lock()
		defer mu.Unlock()
		return len(changes)
	}
	deadline := time.Now().Add(5 * time.Second)
	for (m.State() != agent.StateStopped || observed() < 2) && time.Now().Before(deadline) {
		time.Sleep(10 * time.Millisecond)
	}
	if m.State() != agent.StateStopped {
		t.Fatalf("expected STOPPED, got %s", m.State())
	}
	if n := len(h.builds(transaction.TypeClosePosition)); n != 2 {
		t.Fatalf("expected 2 close transactions, got %d", n)
	}
	mu.Lock()
	defer mu.Unlock()
	if len(changes) != 2 || changes[0].To != agent.StateEmergencyExit || changes[1].To != agent.StateStopped {
		t.Fatalf("observed changes %+v", changes)
	}
}

func TestRestoredEmergencyExitResumes(t *testing.T) {
	h := newHarness(t)
	now := h.clock.Now()
	err := h.store.SaveState(context.Background(), "a1", agent.Status{
		AgentID:    "a1",
		State:      agent.StateEmergencyExit,
		Config:     agentConfig(),
		Funds:      defaultFunds(),
		UpdatedAt:  now,
		StateSince: now,
	})
	if err != nil {
		t.Fatalf("seed: %v", err)
	}
	m := h.register(t, "a1")
	if m.State() != agent.StateEmergencyExit {
		t.Fatalf("restored state %s", m.State())
	}
	h.clock.Advance(time.Second)
	if err := h.ctrl.HandleRisk(context.Background(), "a1", agent.RiskAssessment{HealthScore: 4}); err != nil {
		t.Fatalf("handle risk: %v", err)
	}
	if m.State() != agent.StateStopped {
		t.Fatalf("expected STOPPED, got %s", m.State())
	}
}

func TestUnregisterKeepsPersistedRecord(t *testing.T) {
	h := newHarness(t)
	h.register(t, "a1")
	if err := h.ctrl.UnregisterAgent(context.Background(), "a1"); err != nil {
		t.Fatalf("unregister: %v", err)
	}
	status, err := h.store.LoadState(context.Background(), "a1")
	if err != nil || status.State != agent.StateRunning {
		t.Fatalf("persisted record: %+v %v", status, err)
	}
	if _, ok := h.ctrl.Machine("a1"); ok {
		t.Fatalf("machine still registered")
	}
	if err := h.ctrl.UnregisterAgent(context.Background(), "a1"); !errors.Is(err, ErrAgentNotFound) {
		t.Fatalf("second unregister: %v", err)
	}

	m := h.register(t, "a1")
	if m.State() != agent.StateRunning {
		t.Fatalf("re-registered agent state %s", m.State())
	}
}

func (h *harness) closesPerPool() map[string]int {
	pools := map[string]int{}
	for _, r := range h.builds(transaction.TypeClosePosition) {
		pools[r.Payload.PoolID]++
	}
	return pools
}

// restoreExiting 注册一个从持久化的 EMERGENCY_EXIT 状态恢复的智能体。
func (h *harness) restoreExiting(t *testing.T, id string) *agent.Machine {
	t.Helper()
	now := h.clock.Now()
	err := h.store.SaveState(context.Background(), id, agent.Status{
		AgentID:    id,
		State:      agent.StateEmergencyExit,
		Config:     agentConfig(),
		Funds:      defaultFunds(),
		UpdatedAt:  now,
		StateSince: now,
	})
	if err != nil {
		t.Fatalf("seed: %v", err)
	}
	m := h.register(t, id)
	if m.State() != agent.StateEmergencyExit {
		t.Fatalf("restored state %s", m.State())
	}
	return m
}

func TestExitReentryKeepsOneLiquidationPerPool(t *testing.T) {
	h := newHarness(t)
	gate := make(chan struct{})
	h.mu.Lock()
	h.confirm = gate
	h.mu.Unlock()
	m := h.restoreExiting(t, "a1")

	for i := 0; i < 3; i++ {
		h.clock.Advance(time.Second)
		ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
		err := h.ctrl.HandleRisk(ctx, "a1", agent.RiskAssessment{HealthScore: 4})
		cancel()
		if xerrors.CodeOf(err) != xerrors.CodeTimeout {
			t.Fatalf("entry %d: expected timeout while exit runs, got %v", i, err)
		}
	}
	if m.State() != agent.StateEmergencyExit {
		t.Fatalf("expected EMERGENCY_EXIT while confirmations hang, got %s", m.State())
	}

	close(gate)
	if err := h.ctrl.HandleRisk(context.Background(), "a1", agent.RiskAssessment{HealthScore: 4}); err != nil {
		t.Fatalf("handle risk: %v", err)
	}
	if m.State() != agent.StateStopped {
		t.Fatalf("expected STOPPED, got %s", m.State())
	}
	if pools := h.closesPerPool(); len(pools) != 2 || pools["p1"] != 1 || pools["p2"] != 1 {
		t.Fatalf("expected one liquidation per pool, got %v", pools)
	}
}

func TestExitRerunWaitsOnLiveRequests(t *testing.T) {
	h := newHarness(t)
	gate := make(chan struct{})
	h.mu.Lock()
	h.confirm = gate
	h.mu.Unlock()
	h.register(t, "a1")

	for i := 0; i < 2; i++ {
		ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
		ok := h.ctrl.ExecuteEmergencyExit(ctx, "a1", "test")
		cancel()
		if ok {
			t.Fatalf("run %d: exit reported success before confirmation", i)
		}
	}
	close(gate)
	if !h.ctrl.ExecuteEmergencyExit(context.Background(), "a1", "test") {
		t.Fatalf("exit should finish on the outstanding requests")
	}
	if pools := h.closesPerPool(); pools["p1"] != 1 || pools["p2"] != 1 {
		t.Fatalf("expected one liquidation per pool, got %v", pools)
	}
}

func TestExitRerunResubmitsFailedPools(t *testing.T) {
	h := newHarness(t)
	h.register(t, "a1")
	h.mu.Lock()
	h.revert["p1"] = true
	h.mu.Unlock()
	if h.ctrl.ExecuteEmergencyExit(context.Background(), "a1", "test") {
		t.Fatalf("exit reported success with a reverted position")
	}

	h.mu.Lock()
	delete(h.revert, "p1")
	h.mu.Unlock()
	h.resetBuilds()
	if !h.ctrl.ExecuteEmergencyExit(context.Background(), "a1", "test") {
		t.Fatalf("second exit should succeed")
	}
	if pools := h.closesPerPool(); len(pools) != 1 || pools["p1"] != 1 {
		t.Fatalf("expected only p1 resubmitted, got %v", pools)
	}
}

func TestExitReportsBusyRemediation(t *testing.T) {
	h := newHarness(t)
	m := h.restoreExiting(t, "a1")
	entry, _ := h.ctrl.lookup("a1")
	entry.remediating.Store(true)

	h.clock.Advance(time.Second)
	err := h.ctrl.HandleRisk(context.Background(), "a1", agent.RiskAssessment{HealthScore: 4})
	if !errors.Is(err, ErrRemediationBusy) {
		t.Fatalf("expected busy remediation, got %v", err)
	}
	if m.State() != agent.StateEmergencyExit || len(h.builds(transaction.TypeClosePosition)) != 0 {
		t.Fatalf("exit ran while another remediation held the agent")
	}

	entry.remediating.Store(false)
	if err := h.ctrl.HandleRisk(context.Background(), "a1", agent.RiskAssessment{HealthScore: 4}); err != nil {
		t.Fatalf("handle risk: %v", err)
	}
	if m.State() != agent.StateStopped {
		t.Fatalf("expected STOPPED, got %s", m.State())
	}
}
