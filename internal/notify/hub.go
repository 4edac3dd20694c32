package notify

import (
	"context"
	"sync"

	"go.uber.org/zap"

	"github.com/mmeshcher/orderdesk/internal/metrics"
)

const defaultBuffer = 16

// Hub хранит подписки терминалов и доставляет им события.
// Доставка не более одного раза: событие не сохраняется, переполненный буфер подписчика его теряет.
type Hub struct {
	mu      sync.RWMutex
	subs    map[uint64]*Subscription
	nextID  uint64
	buffer  int
	closed  bool
	logger  *zap.Logger
	metrics *metrics.Metrics
}

// NewHub создаёт реестр подписок. metrics может быть nil.
func NewHub(logger *zap.Logger, m *metrics.Metrics) *Hub {
	return &Hub{
		subs:    make(map[uint64]*Subscription),
		buffer:  defaultBuffer,
		logger:  logger,
		metrics: m,
	}
}

// Subscription описывает подписку одного соединения с фильтром по филиалу.
type Subscription struct {
	ID       uint64
	BranchID string

	ch   chan Event
	hub  *Hub
	once sync.Once
}

// Events возвращает канал событий подписки. Канал закрывается при Close.
func (s *Subscription) Events() <-chan Event {
	return s.ch
}

// Close снимает подписку синхронно. Повторный вызов безопасен.
func (s *Subscription) Close() {
	s.once.Do(func() {
		s.hub.remove(s.ID)
	})
}

// Subscribe регистрирует подписку. Пустой branchID означает все филиалы.
func (h *Hub) Subscribe(branchID string) *Subscription {
	h.mu.Lock()
	defer h.mu.Unlock()

	h.nextID++
	s := &Subscription{
		ID:       h.nextID,
		BranchID: branchID,
		ch:       make(chan Event, h.buffer),
		hub:      h,
	}
	if h.closed {
		close(s.ch)
		return s
	}
	h.subs[s.ID] = s

	if h.metrics != nil {
		h.metrics.Subscribers.Inc()
	}
	h.logger.Debug("terminal subscribed", zap.Uint64("conn", s.ID), zap.String("branch", branchID))
	return s
}

func (h *Hub) remove(id uint64) {
	h.mu.Lock()
	defer h.mu.Unlock()

	s, ok := h.subs[id]
	if !ok {
		return
	}
	delete(h.subs, id)
	close(s.ch)

	if h.metrics != nil {
		h.metrics.Subscribers.Dec()
	}
	h.logger.Debug("terminal unsubscribed", zap.Uint64("conn", id))
}

// Len возвращает число активных подписок.
func (h *Hub) Len() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.subs)
}

// Publish доставляет событие подписчикам, чей фильтр пуст или совпадает с филиалом заказа.
func (h *Hub) Publish(ctx context.Context, e Event) error {
	branch := e.BranchID()

	h.mu.RLock()
	defer h.mu.RUnlock()

	if h.metrics != nil {
		h.metrics.EventsPublished.WithLabelValues(e.Event).Inc()
	}

	for _, s := range h.subs {
		if s.BranchID != "" && s.BranchID != branch {
			continue
		}
		select {
		case s.ch <- e:
		default:
			if h.metrics != nil {
				h.metrics.EventsDropped.Inc()
			}
			h.logger.Warn("subscriber buffer full, event dropped",
				zap.Uint64("conn", s.ID), zap.String("event", e.Event))
		}
	}
	return nil
}

// Close закрывает все подписки. Новые подписки сразу получают закрытый канал.
func (h *Hub) Close() {
	h.mu.Lock()
	defer h.mu.Unlock()

	h.closed = true
	for id, s := range h.subs {
		delete(h.subs, id)
		close(s.ch)
		if h.metrics != nil {
			h.metrics.Subscribers.Dec()
		}
	}
}
