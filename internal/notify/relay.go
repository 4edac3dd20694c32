package notify

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
	"go.uber.org/zap"
)

const relayExchange = "pos.order-events"

// Relay передаёт события между экземплярами сервиса через fanout-обменник RabbitMQ.
// Публикация уходит в обменник; каждый экземпляр читает его через эксклюзивную
// временную очередь и раздаёт события своему Hub. Сообщения не сохраняются.
type Relay struct {
	url    string
	hub    *Hub
	logger *zap.Logger

	mu    sync.Mutex
	conn  *amqp.Connection
	pubCh *amqp.Channel
}

// NewRelay подключается к RabbitMQ и объявляет обменник.
func NewRelay(url string, hub *Hub, logger *zap.Logger) (*Relay, error) {
	r := &Relay{
		url:    url,
		hub:    hub,
		logger: logger,
	}
	if err := r.connect(); err != nil {
		return nil, err
	}
	return r, nil
}

func (r *Relay) connect() error {
	conn, err := amqp.Dial(r.url)
	if err != nil {
		return fmt.Errorf("dial rabbitmq: %w", err)
	}

	ch, err := conn.Channel()
	if err != nil {
		_ = conn.Close()
		return fmt.Errorf("open channel: %w", err)
	}

	if err := ch.ExchangeDeclare(relayExchange, amqp.ExchangeFanout, false, false, false, false, nil); err != nil {
		_ = conn.Close()
		return fmt.Errorf("declare exchange: %w", err)
	}

	r.mu.Lock()
	r.conn = conn
	r.pubCh = ch
	r.mu.Unlock()
	return nil
}

// IsAlive сообщает, открыты ли соединение и канал публикации.
func (r *Relay) IsAlive() bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.conn == nil || r.conn.IsClosed() {
		return false
	}
	return r.pubCh != nil && !r.pubCh.IsClosed()
}

// Publish отправляет событие в обменник.
func (r *Relay) Publish(ctx context.Context, e Event) error {
	body, err := json.Marshal(e)
	if err != nil {
		return fmt.Errorf("marshal event: %w", err)
	}

	r.mu.Lock()
	ch := r.pubCh
	r.mu.Unlock()
	if ch == nil {
		return errors.New("rabbitmq channel not ready")
	}

	err = ch.PublishWithContext(ctx, relayExchange, "", false, false, amqp.Publishing{
		ContentType:  "application/json",
		DeliveryMode: amqp.Transient,
		Timestamp:    time.Now(),
		Type:         e.Event,
		Body:         body,
	})
	if err != nil {
		return fmt.Errorf("publish event: %w", err)
	}
	return nil
}

// Run читает события из обменника до отмены ctx, переподключаясь при обрыве.
func (r *Relay) Run(ctx context.Context) error {
	for {
		err := r.consume(ctx)
		if ctx.Err() != nil {
			return nil
		}
		r.logger.Warn("rabbitmq relay interrupted", zap.Error(err))

		if err := r.reconnect(ctx); err != nil {
			return nil
		}
	}
}

func (r *Relay) consume(ctx context.Context) error {
	r.mu.Lock()
	conn := r.conn
	r.mu.Unlock()

	ch, err := conn.Channel()
	if err != nil {
		return fmt.Errorf("open consume channel: %w", err)
	}
	defer ch.Close()

	q, err := ch.QueueDeclare("", false, true, true, false, nil)
	if err != nil {
		return fmt.Errorf("declare queue: %w", err)
	}
	if err := ch.QueueBind(q.Name, "", relayExchange, false, nil); err != nil {
		return fmt.Errorf("bind queue: %w", err)
	}

	deliveries, err := ch.ConsumeWithContext(ctx, q.Name, "", true, true, false, false, nil)
	if err != nil {
		return fmt.Errorf("consume: %w", err)
	}

	r.logger.Info("rabbitmq relay consuming", zap.String("queue", q.Name))

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case d, ok := <-deliveries:
			if !ok {
				return errors.New("delivery channel closed")
			}
			var e Event
			if err := json.Unmarshal(d.Body, &e); err != nil {
				r.logger.Debug("skip malformed relay message", zap.Error(err))
				continue
			}
			_ = r.hub.Publish(ctx, e)
		}
	}
}

func (r *Relay) reconnect(ctx context.Context) error {
	t := time.NewTicker(5 * time.Second)
	defer t.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-t.C:
			if err := r.connect(); err != nil {
				r.logger.Info("rabbitmq failed to reconnect", zap.Error(err))
				continue
			}
			r.logger.Info("rabbitmq reconnected")
			return nil
		}
	}
}

// Close закрывает канал и соединение.
func (r *Relay) Close() error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.pubCh != nil && !r.pubCh.IsClosed() {
		if err := r.pubCh.Close(); err != nil {
			return fmt.Errorf("close rabbitmq channel: %w", err)
		}
	}
	if r.conn != nil && !r.conn.IsClosed() {
		if err := r.conn.Close(); err != nil {
			return fmt.Errorf("close rabbitmq connection: %w", err)
		}
	}
	return nil
}
