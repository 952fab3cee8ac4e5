package queue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"

	"noteticket-bot/internal/domain"
	"noteticket-bot/internal/infra/metrics"
)

// ErrDeliveriesClosed возвращается, когда брокер закрыл канал доставки.
// Следующий Receive переподключается.
var ErrDeliveriesClosed = errors.New("rabbitmq: канал доставки закрыт")

// amqpSession — открытые соединение и канал AMQP.
type amqpSession interface {
	PublishWithContext(ctx context.Context, exchange, key string, mandatory, immediate bool, msg amqp.Publishing) error
	Consume(queue, consumer string, autoAck, exclusive, noLocal, noWait bool, args amqp.Table) (<-chan amqp.Delivery, error)
	IsClosed() bool
	Close() error
}

type rabbitSession struct {
	conn *amqp.Connection
	ch   *amqp.Channel
}

func (s *rabbitSession) PublishWithContext(ctx context.Context, exchange, key string, mandatory, immediate bool, msg amqp.Publishing) error {
	return s.ch.PublishWithContext(ctx, exchange, key, mandatory, immediate, msg)
}

func (s *rabbitSession) Consume(queue, consumer string, autoAck, exclusive, noLocal, noWait bool, args amqp.Table) (<-chan amqp.Delivery, error) {
	return s.ch.Consume(queue, consumer, autoAck, exclusive, noLocal, noWait, args)
}

func (s *rabbitSession) IsClosed() bool { return s.conn.IsClosed() || s.ch.IsClosed() }

func (s *rabbitSession) Close() error { return s.conn.Close() }

func dialSession(amqpURL, queue string) (amqpSession, error) {
	conn, err := amqp.Dial(amqpURL)
	if err != nil {
		return nil, fmt.Errorf("dial amqp: %w", err)
	}
	ch, err := conn.Channel()
	if err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("open channel: %w", err)
	}
	if _, err := ch.QueueDeclare(queue, true, false, false, false, nil); err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("declare queue: %w", err)
	}
	if err := ch.Qos(1, 0, false); err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("set qos: %w", err)
	}
	return &rabbitSession{conn: conn, ch: ch}, nil
}

// RabbitNotifyQueue реализует очередь уведомлений поверх AMQP.
// Разорванное брокером соединение открывается заново при следующем обращении.
type RabbitNotifyQueue struct {
	queue string
	open  func() (amqpSession, error)

	mu         sync.Mutex
	session    amqpSession
	deliveries <-chan amqp.Delivery
}

var _ domain.NotifyQueue = (*RabbitNotifyQueue)(nil)

// NewRabbitNotifyQueue подключается к брокеру и объявляет durable очередь.
func NewRabbitNotifyQueue(amqpURL, queue string) (*RabbitNotifyQueue, error) {
	if amqpURL == "" {
		return nil, errors.New("amqp url is empty")
	}
	if queue == "" {
		return nil, errors.New("queue name is empty")
	}
	q := &RabbitNotifyQueue{
		queue: queue,
		open:  func() (amqpSession, error) { return dialSession(amqpURL, queue) },
	}
	if _, err := q.currentSession(); err != nil {
		return nil, err
	}
	return q, nil
}

// currentSession возвращает открытую сессию, при необходимости переподключаясь.
func (q *RabbitNotifyQueue) currentSession() (amqpSession, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.sessionLocked()
}

func (q *RabbitNotifyQueue) sessionLocked() (amqpSession, error) {
	if q.session != nil && !q.session.IsClosed() {
		return q.session, nil
	}
	if q.session != nil {
		_ = q.session.Close()
	}
	q.session = nil
	q.deliveries = nil
	session, err := q.open()
	if err != nil {
		return nil, err
	}
	q.session = session
	return session, nil
}

// Enqueue публикует задачу в очередь.
func (q *RabbitNotifyQueue) Enqueue(ctx context.Context, job domain.NotifyJob) error {
	payload, err := json.Marshal(job)
	if err != nil {
		return fmt.Errorf("marshal job: %w", err)
	}
	session, err := q.currentSession()
	if err != nil {
		return fmt.Errorf("publish: %w", err)
	}
	start := time.Now()
	err = session.PublishWithContext(ctx, "", q.queue, false, false, amqp.Publishing{
		ContentType:  "application/json",
		DeliveryMode: amqp.Persistent,
		MessageId:    job.ID,
		Timestamp:    time.Now().UTC(),
		Body:         payload,
	})
	metrics.ObserveNetworkRequest("rabbitmq", "publish", q.queue, start, err)
	if err != nil {
		return fmt.Errorf("publish: %w", err)
	}
	return nil
}

// Receive блокирующе читает задачу. ack(false) возвращает сообщение в очередь.
func (q *RabbitNotifyQueue) Receive(ctx context.Context) (domain.NotifyJob, domain.AckFunc, error) {
	deliveries, err := q.consume()
	if err != nil {
		return domain.NotifyJob{}, nil, err
	}
	select {
	case <-ctx.Done():
		return domain.NotifyJob{}, nil, ctx.Err()
	case d, ok := <-deliveries:
		if !ok {
			q.reset(deliveries)
			return domain.NotifyJob{}, nil, ErrDeliveriesClosed
		}
		var job domain.NotifyJob
		if err := json.Unmarshal(d.Body, &job); err != nil {
			_ = d.Nack(false, false)
			return domain.NotifyJob{}, nil, fmt.Errorf("decode job: %w", err)
		}
		ack := func(success bool) error {
			if success {
				return d.Ack(false)
			}
			return d.Nack(false, true)
		}
		return job, ack, nil
	}
}

func (q *RabbitNotifyQueue) consume() (<-chan amqp.Delivery, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	session, err := q.sessionLocked()
	if err != nil {
		return nil, err
	}
	if q.deliveries != nil {
		return q.deliveries, nil
	}
	deliveries, err := session.Consume(q.queue, "", false, false, false, false, nil)
	if err != nil {
		return nil, fmt.Errorf("consume: %w", err)
	}
	q.deliveries = deliveries
	return deliveries, nil
}

// reset забывает закрытый канал доставки и его сессию.
func (q *RabbitNotifyQueue) reset(closed <-chan amqp.Delivery) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.deliveries != closed {
		return
	}
	q.deliveries = nil
	if q.session != nil {
		_ = q.session.Close()
		q.session = nil
	}
}

// Close закрывает соединение с брокером.
func (q *RabbitNotifyQueue) Close() error {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.deliveries = nil
	if q.session == nil {
		return nil
	}
	err := q.session.Close()
	q.session = nil
	return err
}
