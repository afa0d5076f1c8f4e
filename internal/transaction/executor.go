// Package transaction 实现带优先级队列、有界并发与退避重试的交易执行器。
package transaction

import (
	"container/heap"
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	xerrors "OpenLP-Agent/internal/errors"
	"OpenLP-Agent/internal/notify"
	"OpenLP-Agent/internal/observability/alerting"
	"OpenLP-Agent/internal/retry"
	"OpenLP-Agent/pkg/logger"
	"OpenLP-Agent/pkg/ringbuf"
)

// Config 是执行器参数。
type Config struct {
	MaxConcurrent  int           `yaml:"max_concurrent"`
	AttemptTimeout time.Duration `yaml:"attempt_timeout"`
	HistoryLimit   int           `yaml:"history_limit"`
	Retry          retry.Policy  `yaml:"retry"`
}

// DefaultConfig 返回默认参数。
func DefaultConfig() Config {
	return Config{
		MaxConcurrent:  3,
		AttemptTimeout: 2 * time.Minute,
		HistoryLimit:   100,
		Retry:          retry.DefaultPolicy(),
	}
}

func (c Config) withDefaults() Config {
	def := DefaultConfig()
	if c.MaxConcurrent <= 0 {
		c.MaxConcurrent = def.MaxConcurrent
	}
	if c.AttemptTimeout <= 0 {
		c.AttemptTimeout = def.AttemptTimeout
	}
	if c.HistoryLimit <= 0 {
		c.HistoryLimit = def.HistoryLimit
	}
	c.Retry = c.Retry.Normalize()
	return c
}

// Observer 接收执行器指标。
type Observer interface {
	ObserveTransaction(typ Type, status Status)
	ObserveQueue(depth, inFlight int)
}

// Option 配置 Executor。
type Option func(*Executor)

// WithObserver 指定指标观察者。
func WithObserver(o Observer) Option {
	return func(e *Executor) { e.observer = o }
}

// WithAlertDispatcher 配置最终失败时的告警派发器。
func WithAlertDispatcher(d alerting.Dispatcher) Option {
	return func(e *Executor) { e.alerter = d }
}

// WithClock 注入时钟。
func WithClock(now func() time.Time) Option {
	return func(e *Executor) {
		if now != nil {
			e.clock = now
		}
	}
}

type entry struct {
	req     Request
	item    *queued
	done    chan struct{}
	evicted bool
	timer   *time.Timer
}

// Executor 从优先级队列中取出请求，由固定数量的 worker 通过 Pipeline 执行。
type Executor struct {
	pipeline Pipeline
	cfg      Config
	clock    func() time.Time
	observer Observer
	alerter  alerting.Dispatcher
	log      *slog.Logger

	mu       sync.Mutex
	cond     *sync.Cond
	queue    priorityQueue
	seq      uint64
	entries  map[string]*entry
	history  map[string]*ringbuf.Ring[string]
	inFlight int
	started  bool
	closed   bool
	wg       sync.WaitGroup

	hubsMu sync.Mutex
	hubs   map[string]*notify.Hub[Request]
	global *notify.Hub[Request]
}

// NewExecutor 创建执行器，调用 Start 后开始处理队列。
func NewExecutor(p Pipeline, cfg Config, opts ...Option) (*Executor, error) {
	if err := p.validate(); err != nil {
		return nil, xerrors.Wrap(xerrors.CodeInvalidArgument, err, "invalid pipeline")
	}
	e := &Executor{
		pipeline: p,
		cfg:      cfg.withDefaults(),
		clock:    time.Now,
		entries:  make(map[string]*entry),
		history:  make(map[string]*ringbuf.Ring[string]),
		hubs:     make(map[string]*notify.Hub[Request]),
		global:   notify.NewHub[Request]("transactions"),
		log:      logger.Named("executor"),
	}
	e.cond = sync.NewCond(&e.mu)
	for _, opt := range opts {
		if opt != nil {
			opt(e)
		}
	}
	return e, nil
}

func (e *Executor) now() time.Time { return e.clock().UTC() }

// Start 启动 MaxConcurrent 个 worker。ctx 结束时执行器关闭。
func (e *Executor) Start(ctx context.Context) {
	e.mu.Lock()
	if e.started || e.closed {
		e.mu.Unlock()
		return
	}
	e.started = true
	e.mu.Unlock()

	for i := 0; i < e.cfg.MaxConcurrent; i++ {
		e.wg.Add(1)
		go e.worker(ctx)
	}
	go func() {
		<-ctx.Done()
		e.Close()
	}()
}

// Close 停止 worker，队列中与等待重试的请求被标记为 CANCELLED。
// 正在执行的请求会在其上下文取消后结束。
func (e *Executor) Close() {
	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return
	}
	e.closed = true
	var cancelled []*entry
	var snaps []Request
	for _, item := range e.queue {
		if en := e.entries[item.id]; en != nil {
			en.item = nil
			cancelled = append(cancelled, en)
			snaps = append(snaps, e.finishLocked(en, StatusCancelled, ErrExecutorClosed))
		}
	}
	e.queue = nil
	for _, en := range e.entries {
		if en.timer != nil && en.timer.Stop() {
			en.timer = nil
			cancelled = append(cancelled, en)
			snaps = append(snaps, e.finishLocked(en, StatusCancelled, ErrExecutorClosed))
		}
	}
	e.cond.Broadcast()
	e.mu.Unlock()

	for i, en := range cancelled {
		e.publish(snaps[i])
		close(en.done)
	}
}

// Wait 等待所有 worker 退出。
func (e *Executor) Wait() {
	e.wg.Wait()
}

// Execute 将请求放入优先级队列。管线失败不会通过返回值传递，
// 只反映在请求状态与监听者通知中。
func (e *Executor) Execute(req Request) error {
	if req.MaxAttempts <= 0 {
		req.MaxAttempts = e.cfg.Retry.MaxAttempts
	}
	if err := validateRequest(req); err != nil {
		return err
	}
	req.Status = StatusPending
	req.UpdatedAt = e.now()
	if req.CreatedAt.IsZero() {
		req.CreatedAt = req.UpdatedAt
	}

	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return ErrExecutorClosed
	}
	if _, exists := e.entries[req.ID]; exists {
		e.mu.Unlock()
		return ErrDuplicate
	}
	en := &entry{req: req, done: make(chan struct{})}
	e.entries[req.ID] = en
	e.recordHistoryLocked(en)
	e.enqueueLocked(en)
	snap := en.req.clone()
	e.mu.Unlock()

	e.log.Info("交易请求入队",
		slog.String("request_id", req.ID),
		slog.String("agent_id", req.AgentID),
		slog.String("type", string(req.Type)),
		slog.String("priority", req.Priority.String()))
	e.publish(snap)
	return nil
}

func (e *Executor) enqueueLocked(en *entry) {
	e.seq++
	en.item = &queued{id: en.req.ID, priority: en.req.Priority, seq: e.seq}
	heap.Push(&e.queue, en.item)
	e.observeQueueLocked()
	e.cond.Signal()
}

func (e *Executor) recordHistoryLocked(en *entry) {
	ring, ok := e.history[en.req.AgentID]
	if !ok {
		ring = ringbuf.New[string](e.cfg.HistoryLimit)
		e.history[en.req.AgentID] = ring
	}
	oldID, evicted := ring.Push(en.req.ID)
	if !evicted {
		return
	}
	if old := e.entries[oldID]; old != nil {
		if old.req.Status.Terminal() {
			delete(e.entries, oldID)
		} else {
			old.evicted = true
		}
	}
}

func (e *Executor) worker(ctx context.Context) {
	defer e.wg.Done()
	for {
		e.mu.Lock()
		for len(e.queue) == 0 && !e.closed {
			e.cond.Wait()
		}
		if e.closed {
			e.mu.Unlock()
			return
		}
		item := heap.Pop(&e.queue).(*queued)
		en := e.entries[item.id]
		en.item = nil
		e.inFlight++
		e.observeQueueLocked()
		e.mu.Unlock()

		e.executeTransaction(ctx, en)

		e.mu.Lock()
		e.inFlight--
		e.observeQueueLocked()
		e.mu.Unlock()
	}
}

// executeTransaction 执行一次 build → sign → send → confirm。
func (e *Executor) executeTransaction(ctx context.Context, en *entry) {
	e.mu.Lock()
	en.req.Attempts++
	req := en.req.clone()
	e.mu.Unlock()

	attemptCtx, cancel := context.WithTimeout(ctx, e.cfg.AttemptTimeout)
	defer cancel()

	conf, err := e.runPipeline(attemptCtx, en, req)
	if err == nil {
		e.mu.Lock()
		en.req.Result = &conf
		en.req.Handle = conf.Handle
		snap := e.finishLocked(en, StatusConfirmed, nil)
		e.mu.Unlock()
		logger.Audit().Info("交易已确认",
			slog.String("request_id", req.ID),
			slog.String("agent_id", req.AgentID),
			slog.String("type", string(req.Type)),
			slog.String("handle", conf.Handle),
			slog.Int("attempts", req.Attempts))
		e.publish(snap)
		close(en.done)
		return
	}
	e.handleFailure(ctx, en, req, err)
}

func (e *Executor) runPipeline(ctx context.Context, en *entry, req Request) (Confirmation, error) {
	// 已广播的交易只重新等待回执，不再重新构建与发送。
	if req.Handle != "" {
		e.setStatus(en, StatusConfirming, req.Handle)
		return e.confirm(ctx, req.Handle)
	}
	unsigned, err := e.pipeline.Builder.Build(ctx, req)
	if err != nil {
		return Confirmation{}, stageError("build", err)
	}
	e.setStatus(en, StatusSigning, "")
	signed, err := e.pipeline.Signer.Sign(ctx, unsigned)
	if err != nil {
		return Confirmation{}, stageError("sign", err)
	}
	e.setStatus(en, StatusSending, "")
	handle, err := e.pipeline.Sender.Send(ctx, signed)
	if err != nil {
		return Confirmation{}, stageError("send", err)
	}
	e.setStatus(en, StatusConfirming, handle)
	return e.confirm(ctx, handle)
}

func (e *Executor) confirm(ctx context.Context, handle string) (Confirmation, error) {
	conf, err := e.pipeline.Confirmer.Confirm(ctx, handle)
	if err != nil {
		return Confirmation{}, stageError("confirm", err)
	}
	if conf.Handle == "" {
		conf.Handle = handle
	}
	if !conf.Success {
		return conf, xerrors.New(CodeReverted, fmt.Sprintf("transaction %s not successful: %s", handle, conf.Detail))
	}
	if conf.FinalizedAt.IsZero() {
		conf.FinalizedAt = e.now()
	}
	return conf, nil
}

func stageError(stage string, err error) error {
	if _, ok := xerrors.From(err); ok {
		return fmt.Errorf("%s: %w", stage, err)
	}
	return xerrors.Wrap(xerrors.CodeTransactionFailure, err, stage+" failed")
}

func (e *Executor) handleFailure(ctx context.Context, en *entry, req Request, err error) {
	code := xerrors.CodeOf(err)
	retryable := xerrors.RetryableError(err) && ctx.Err() == nil
	terminal := !retryable || req.Attempts >= req.MaxAttempts

	if terminal {
		e.mu.Lock()
		snap := e.finishLocked(en, StatusFailed, err)
		e.mu.Unlock()
		logger.Audit().Warn("交易最终失败",
			slog.String("request_id", req.ID),
			slog.String("agent_id", req.AgentID),
			slog.String("type", string(req.Type)),
			slog.String("error_code", string(code)),
			slog.Int("attempts", req.Attempts),
			slog.String("error", err.Error()))
		e.emitAlert(snap, err)
		e.publish(snap)
		close(en.done)
		return
	}

	delay := e.cfg.Retry.Backoff(req.Attempts)
	e.mu.Lock()
	en.req.LastError = err.Error()
	en.req.ErrorCode = string(code)
	if code == CodeReverted {
		// 链上已失败的交易需要重新构建。
		en.req.Handle = ""
	}
	snap := e.setStatusLocked(en, StatusRetrying, "")
	e.mu.Unlock()

	e.log.Warn("交易执行失败，等待重试",
		slog.String("request_id", req.ID),
		slog.Int("attempt", req.Attempts),
		slog.Int("max_attempts", req.MaxAttempts),
		slog.Duration("backoff", delay),
		slog.Any("error", err))
	// RETRYING 必须先于重新入队后的状态送达监听者。
	e.publish(snap)

	e.mu.Lock()
	en.timer = time.AfterFunc(delay, func() { e.requeue(en) })
	e.mu.Unlock()
}

func (e *Executor) requeue(en *entry) {
	e.mu.Lock()
	if en.timer == nil {
		e.mu.Unlock()
		return
	}
	en.timer = nil
	if e.closed {
		snap := e.finishLocked(en, StatusCancelled, ErrExecutorClosed)
		e.mu.Unlock()
		e.publish(snap)
		close(en.done)
		return
	}
	snap := e.setStatusLocked(en, StatusPending, "")
	e.enqueueLocked(en)
	e.mu.Unlock()
	e.publish(snap)
}

func (e *Executor) setStatus(en *entry, status Status, handle string) {
	e.mu.Lock()
	snap := e.setStatusLocked(en, status, handle)
	e.mu.Unlock()
	e.publish(snap)
}

func (e *Executor) setStatusLocked(en *entry, status Status, handle string) Request {
	en.req.Status = status
	if handle != "" {
		en.req.Handle = handle
	}
	en.req.UpdatedAt = e.now()
	if e.observer != nil {
		e.observer.ObserveTransaction(en.req.Type, status)
	}
	return en.req.clone()
}

// finishLocked 写入终态；调用方在发布通知后关闭 done。
func (e *Executor) finishLocked(en *entry, status Status, err error) Request {
	if err != nil {
		en.req.LastError = err.Error()
		en.req.ErrorCode = string(xerrors.CodeOf(err))
	}
	snap := e.setStatusLocked(en, status, "")
	if en.evicted {
		delete(e.entries, en.req.ID)
	}
	return snap
}

func (e *Executor) observeQueueLocked() {
	if e.observer != nil {
		e.observer.ObserveQueue(len(e.queue), e.inFlight)
	}
}

func (e *Executor) emitAlert(req Request, err error) {
	if e.alerter == nil {
		return
	}
	ev := alerting.FromError(req.AgentID, err, map[string]string{
		"type":  string(req.Type),
		"stage": "terminal",
	})
	ev.RequestID = req.ID
	ev.Attempts = req.Attempts
	ev.MaxAttempts = req.MaxAttempts
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if aerr := e.alerter.Notify(ctx, ev); aerr != nil {
		e.log.Error("告警通知失败", slog.Any("error", aerr), slog.String("request_id", req.ID))
	}
}

// Cancel 取消仍在队列中的请求；已出队或等待重试的请求不可取消。
func (e *Executor) Cancel(id string) error {
	e.mu.Lock()
	en, ok := e.entries[id]
	if !ok {
		e.mu.Unlock()
		return ErrRequestNotFound
	}
	if en.req.Status != StatusPending || en.item == nil || en.item.index < 0 {
		status := en.req.Status
		e.mu.Unlock()
		return xerrors.Wrap(xerrors.CodeNotCancellable, ErrNotCancellable, fmt.Sprintf("request %s is %s", id, status))
	}
	heap.Remove(&e.queue, en.item.index)
	en.item = nil
	e.observeQueueLocked()
	snap := e.finishLocked(en, StatusCancelled, nil)
	e.mu.Unlock()

	logger.Audit().Info("交易请求已取消", slog.String("request_id", id), slog.String("agent_id", snap.AgentID))
	e.publish(snap)
	close(en.done)
	return nil
}

// GetStatus 返回请求当前状态的副本。
func (e *Executor) GetStatus(id string) (Request, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	en, ok := e.entries[id]
	if !ok {
		return Request{}, ErrRequestNotFound
	}
	return en.req.clone(), nil
}

// GetAgentTransactionHistory 返回智能体最近的请求，最旧的在前。
func (e *Executor) GetAgentTransactionHistory(agentID string) []Request {
	e.mu.Lock()
	defer e.mu.Unlock()
	ring, ok := e.history[agentID]
	if !ok {
		return nil
	}
	out := make([]Request, 0, ring.Len())
	ring.Do(func(id string) {
		if en, ok := e.entries[id]; ok {
			out = append(out, en.req.clone())
		}
	})
	return out
}

// WaitFor 阻塞直到请求进入终态且监听者已收到通知，或 ctx 结束。
func (e *Executor) WaitFor(ctx context.Context, id string) (Request, error) {
	e.mu.Lock()
	en, ok := e.entries[id]
	e.mu.Unlock()
	if !ok {
		return Request{}, ErrRequestNotFound
	}
	select {
	case <-en.done:
		e.mu.Lock()
		defer e.mu.Unlock()
		return en.req.clone(), nil
	case <-ctx.Done():
		return Request{}, xerrors.Wrap(xerrors.CodeTimeout, ctx.Err(), "等待交易结果超时")
	}
}

// Stats 返回队列长度与执行中数量。
func (e *Executor) Stats() (queued, inFlight int) {
	e.mu.Lock()
	defer e.mu.Unlock()
	return len(e.queue), e.inFlight
}

// AddTransactionListener 注册某个智能体的状态变更监听者。
func (e *Executor) AddTransactionListener(agentID string, fn func(Request) error) int {
	e.hubsMu.Lock()
	hub, ok := e.hubs[agentID]
	if !ok {
		hub = notify.NewHub[Request]("transactions:" + agentID)
		e.hubs[agentID] = hub
	}
	e.hubsMu.Unlock()
	return hub.Subscribe(fn)
}

// RemoveTransactionListener 注销监听者，智能体没有剩余监听者时释放其分发器。
func (e *Executor) RemoveTransactionListener(agentID string, id int) bool {
	e.hubsMu.Lock()
	defer e.hubsMu.Unlock()
	hub, ok := e.hubs[agentID]
	if !ok {
		return false
	}
	removed := hub.Unsubscribe(id)
	if hub.Len() == 0 {
		delete(e.hubs, agentID)
	}
	return removed
}

// Subscribe 注册接收全部请求状态变更的监听者。
func (e *Executor) Subscribe(fn func(Request) error) int {
	return e.global.Subscribe(fn)
}

func (e *Executor) publish(r Request) {
	e.hubsMu.Lock()
	hub := e.hubs[r.AgentID]
	e.hubsMu.Unlock()
	if hub != nil {
		_ = hub.Publish(r)
	}
	_ = e.global.Publish(r)
}
