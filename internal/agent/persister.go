package agent

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	xerrors "OpenLP-Agent/internal/errors"
	"OpenLP-Agent/pkg/logger"
)

// persister 在后台按顺序写入状态快照。积压时只保留最新一份，
// 因此同一智能体的写入不会乱序，也不会阻塞状态机。
type persister struct {
	store   StateStore
	agentID string
	timeout time.Duration
	onError func(error)

	mu      sync.Mutex
	pending *Status

	wake     chan struct{}
	flushReq chan chan struct{}
	stop     chan struct{}
	stopOnce sync.Once
	done     chan struct{}
}

func newPersister(store StateStore, agentID string, timeout time.Duration, onError func(error)) *persister {
	p := &persister{
		store:    store,
		agentID:  agentID,
		timeout:  timeout,
		onError:  onError,
		wake:     make(chan struct{}, 1),
		flushReq: make(chan chan struct{}),
		stop:     make(chan struct{}),
		done:     make(chan struct{}),
	}
	go p.loop()
	return p
}

func (p *persister) submit(s Status) {
	p.mu.Lock()
	p.pending = &s
	p.mu.Unlock()
	select {
	case p.wake <- struct{}{}:
	default:
	}
}

func (p *persister) loop() {
	defer close(p.done)
	for {
		select {
		case <-p.wake:
			p.drain()
		case ack := <-p.flushReq:
			p.drain()
			close(ack)
		case <-p.stop:
			p.drain()
			return
		}
	}
}

func (p *persister) drain() {
	for {
		p.mu.Lock()
		next := p.pending
		p.pending = nil
		p.mu.Unlock()
		if next == nil {
			return
		}
		p.write(*next)
	}
}

func (p *persister) write(s Status) {
	log := logger.ForAgent("agent", p.agentID)
	if err := ValidateStatus(s); err != nil {
		log.Error("状态校验失败，跳过持久化", slog.Any("error", err))
		p.report(err)
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), p.timeout)
	defer cancel()
	err := p.store.SaveState(ctx, p.agentID, s)
	switch {
	case err == nil:
	case errors.Is(err, ErrStaleStatus):
		log.Debug("忽略过期的状态写入", slog.Time("updated_at", s.UpdatedAt))
	default:
		wrapped := xerrors.Wrap(xerrors.CodePersistenceFailure, err, "保存智能体状态失败")
		log.Warn("状态持久化失败", slog.Any("error", wrapped), slog.String("state", string(s.State)))
		p.report(wrapped)
	}
}

func (p *persister) report(err error) {
	if p.onError != nil {
		p.onError(err)
	}
}

// flush 等待当前积压的快照写完。
func (p *persister) flush(ctx context.Context) error {
	ack := make(chan struct{})
	select {
	case p.flushReq <- ack:
	case <-p.done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
	select {
	case <-ack:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (p *persister) close(ctx context.Context) error {
	p.stopOnce.Do(func() { close(p.stop) })
	select {
	case <-p.done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
