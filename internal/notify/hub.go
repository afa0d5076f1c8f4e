// Package notify 提供进程内监听者分发（逐个隔离失败）以及事件对外投递。
package notify

import (
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"

	"OpenLP-Agent/pkg/logger"
)

// Listener 处理一个事件，返回的错误只会被记录，不会影响其他监听者。
type Listener[E any] func(E) error

// Hub 维护一组监听者并按注册顺序同步分发事件。
type Hub[E any] struct {
	name string

	mu        sync.RWMutex
	next      int
	listeners map[int]Listener[E]
}

// NewHub 创建一个命名的分发器，名称用于日志。
func NewHub[E any](name string) *Hub[E] {
	return &Hub[E]{name: name, listeners: make(map[int]Listener[E])}
}

// Subscribe 注册监听者并返回其 ID。
func (h *Hub[E]) Subscribe(l Listener[E]) int {
	if l == nil {
		return 0
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	h.next++
	h.listeners[h.next] = l
	return h.next
}

// Unsubscribe 移除监听者，返回是否存在。
func (h *Hub[E]) Unsubscribe(id int) bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	if _, ok := h.listeners[id]; !ok {
		return false
	}
	delete(h.listeners, id)
	return true
}

// Len 返回当前监听者数量。
func (h *Hub[E]) Len() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.listeners)
}

// Publish 依次调用全部监听者。单个监听者的错误或 panic 会被记录并汇总返回，
// 其余监听者照常执行。
func (h *Hub[E]) Publish(event E) error {
	h.mu.RLock()
	ids := make([]int, 0, len(h.listeners))
	for id := range h.listeners {
		ids = append(ids, id)
	}
	sort.Ints(ids)
	snapshot := make([]Listener[E], len(ids))
	for i, id := range ids {
		snapshot[i] = h.listeners[id]
	}
	h.mu.RUnlock()

	var errs []error
	for i, l := range snapshot {
		if err := invoke(l, event); err != nil {
			logger.L().Warn("监听者处理失败",
				slog.String("hub", h.name),
				slog.Int("listener_id", ids[i]),
				slog.Any("error", err))
			errs = append(errs, fmt.Errorf("listener %d: %w", ids[i], err))
		}
	}
	return errors.Join(errs...)
}

func invoke[E any](l Listener[E], event E) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("panic: %v", r)
		}
	}()
	return l(event)
}
