package queue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"

	"storytime/internal/domain"
	"storytime/internal/infra/metrics"
)

// RabbitGenerationQueue реализует очередь запусков генерации через AMQP.
type RabbitGenerationQueue struct {
	conn  *amqp.Connection
	ch    *amqp.Channel
	queue string

	mu         sync.Mutex
	deliveries <-chan amqp.Delivery
}

var _ domain.GenerationQueue = (*RabbitGenerationQueue)(nil)

// NewRabbitGenerationQueue подключается к брокеру и объявляет долговечную очередь.
func NewRabbitGenerationQueue(amqpURL, queue string) (*RabbitGenerationQueue, error) {
	if amqpURL == "" {
		return nil, errors.New("amqp url is empty")
	}
	if queue == "" {
		return nil, errors.New("queue name is empty")
	}
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
	return &RabbitGenerationQueue{conn: conn, ch: ch, queue: queue}, nil
}

// Enqueue публикует задачу как persistent-сообщение.
func (q *RabbitGenerationQueue) Enqueue(ctx context.Context, job domain.GenerationJob) error {
	payload, err := json.Marshal(job)
	if err != nil {
		return fmt.Errorf("marshal job: %w", err)
	}
	start := time.Now()
	err = q.ch.PublishWithContext(ctx, "", q.queue, false, false, amqp.Publishing{
		ContentType:  "application/json",
		DeliveryMode: amqp.Persistent,
		MessageId:    job.ID,
		Timestamp:    job.RequestedAt,
		Body:         payload,
	})
	metrics.ObserveNetworkRequest("rabbitmq", "publish", q.queue, start, err)
	if err != nil {
		return fmt.Errorf("publish job: %w", err)
	}
	return nil
}

func (q *RabbitGenerationQueue) consume() (<-chan amqp.Delivery, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.deliveries != nil {
		return q.deliveries, nil
	}
	deliveries, err := q.ch.Consume(q.queue, "", false, false, false, false, nil)
	if err != nil {
		return nil, fmt.Errorf("consume: %w", err)
	}
	q.deliveries = deliveries
	return deliveries, nil
}

// Receive блокирующе читает задачу. Подтверждение с success=false
// возвращает сообщение в очередь.
func (q *RabbitGenerationQueue) Receive(ctx context.Context) (domain.GenerationJob, domain.AckFunc, error) {
	deliveries, err := q.consume()
	if err != nil {
		return domain.GenerationJob{}, nil, err
	}
	select {
	case <-ctx.Done():
		return domain.GenerationJob{}, nil, ctx.Err()
	case d, ok := <-deliveries:
		if !ok {
			return domain.GenerationJob{}, nil, errors.New("rabbitmq: канал доставки закрыт")
		}
		metrics.ObserveNetworkRequest("rabbitmq", "deliver", q.queue, time.Now(), nil)
		var job domain.GenerationJob
		if err := json.Unmarshal(d.Body, &job); err != nil {
			_ = d.Nack(false, false)
			return domain.GenerationJob{}, nil, fmt.Errorf("decode job: %w", err)
		}
		return job, func(success bool) error {
			if success {
				return d.Ack(false)
			}
			return d.Nack(false, true)
		}, nil
	}
}

// Close закрывает канал и соединение.
func (q *RabbitGenerationQueue) Close() error {
	_ = q.ch.Close()
	return q.conn.Close()
}
